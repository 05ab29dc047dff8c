package auth

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	loggerpkg "DeFlow/pkg/logger"
)

// MiddlewareConfig 配置身份中间件的行为。
type MiddlewareConfig struct {
	// Header 覆盖读取委托人地址的请求头，默认 HeaderDelegator。
	Header string
	// AuditEvent 指定记录审计日志时使用的事件名称。
	AuditEvent string
	Logger     *slog.Logger
}

// Middleware 返回一个 HTTP 中间件，从请求头提取委托人身份并写入上下文。
// 缺失或非法的身份返回 401。
func Middleware(cfg MiddlewareConfig) func(http.Handler) http.Handler {
	header := cfg.Header
	if header == "" {
		header = HeaderDelegator
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			logger := cfg.Logger
			if logger == nil {
				logger = loggerpkg.Audit()
			}
			identity, err := ParseIdentity(r.Header.Get(header))
			if err != nil {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_ = json.NewEncoder(w).Encode(map[string]string{
					"error": err.Error(),
					"code":  string(CodeUnauthenticated),
				})
				logger.Warn("access_denied",
					"path", r.URL.Path,
					"method", r.Method,
					"status", http.StatusUnauthorized,
					"error", err.Error(),
				)
				return
			}

			start := time.Now()
			aw := &auditWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(aw, r.WithContext(WithIdentity(r.Context(), identity)))
			event := cfg.AuditEvent
			if event == "" {
				event = r.URL.Path
			}
			logger.Info("api_request",
				"event", event,
				"method", r.Method,
				"path", r.URL.Path,
				"status", aw.status,
				"duration_ms", time.Since(start).Milliseconds(),
				"identity", identity.Address.Hex(),
			)
		})
	}
}

// auditWriter 包装 http.ResponseWriter，用于捕获响应状态码。
type auditWriter struct {
	http.ResponseWriter
	status int
}

// WriteHeader 捕获响应状态码并调用底层的 WriteHeader 方法。
func (w *auditWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
