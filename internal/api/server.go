package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"DeFlow/internal/auth"
	"DeFlow/internal/execution"
	"DeFlow/internal/observability/metrics"
	"DeFlow/internal/workflow"
	"DeFlow/pkg/logger"
)

// Server 负责暴露 REST 接口，供前端管理工作流并发起执行。
type Server struct {
	addr           string
	workflows      workflow.Store
	executions     *execution.Service
	types          workflow.TypeChecker
	allowedOrigins []string
	readTimeout    time.Duration
	writeTimeout   time.Duration
	historyLimit   int
	logger         *slog.Logger
}

// Option 定制 Server。
type Option func(*Server)

// WithAllowedOrigins 开启 CORS 并限定允许的来源。
func WithAllowedOrigins(origins ...string) Option {
	return func(s *Server) {
		s.allowedOrigins = append([]string(nil), origins...)
	}
}

// WithTimeouts 覆盖读写超时。
func WithTimeouts(read, write time.Duration) Option {
	return func(s *Server) {
		if read > 0 {
			s.readTimeout = read
		}
		if write > 0 {
			s.writeTimeout = write
		}
	}
}

// WithHistoryLimit 设置执行历史查询未指定 limit 时的默认条数。
func WithHistoryLimit(limit int) Option {
	return func(s *Server) {
		if limit > 0 {
			s.historyLimit = limit
		}
	}
}

// WithTypeChecker 在保存工作流前校验节点类型与图结构。
func WithTypeChecker(types workflow.TypeChecker) Option {
	return func(s *Server) { s.types = types }
}

// WithLogger 覆盖访问日志使用的 logger。
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, workflows workflow.Store, executions *execution.Service, opts ...Option) *Server {
	s := &Server{
		addr:         addr,
		workflows:    workflows,
		executions:   executions,
		readTimeout:  15 * time.Second,
		writeTimeout: 15 * time.Second,
		historyLimit: execution.DefaultListLimit,
		logger:       logger.Named("api"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Router 注册全部路由。/api/v1 下的接口要求携带委托人身份。
func (s *Server) Router() *mux.Router {
	router := mux.NewRouter()
	router.Use(s.observe)
	router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	v1 := router.PathPrefix("/api/v1").Subrouter()
	v1.Use(jsonMiddleware, auth.Middleware(auth.MiddlewareConfig{}))

	v1.HandleFunc("/workflows", s.handleCreateWorkflow).Methods(http.MethodPost)
	v1.HandleFunc("/workflows", s.handleListWorkflows).Methods(http.MethodGet)
	v1.HandleFunc("/workflows/{id}", s.handleGetWorkflow).Methods(http.MethodGet)
	v1.HandleFunc("/workflows/{id}", s.handleUpdateWorkflow).Methods(http.MethodPut)
	v1.HandleFunc("/workflows/{id}", s.handleDeleteWorkflow).Methods(http.MethodDelete)
	v1.HandleFunc("/workflows/{id}/execute", s.handleExecuteWorkflow).Methods(http.MethodPost)
	v1.HandleFunc("/workflows/{id}/executions", s.handleWorkflowExecutions).Methods(http.MethodGet)

	v1.HandleFunc("/executions", s.handleListExecutions).Methods(http.MethodGet)
	v1.HandleFunc("/executions/stats", s.handleExecutionStats).Methods(http.MethodGet)
	v1.HandleFunc("/executions/{id}", s.handleGetExecution).Methods(http.MethodGet)
	return router
}

// Handler 返回带访问日志、panic 恢复与可选 CORS 的完整处理链。
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.Router()
	if len(s.allowedOrigins) > 0 {
		h = handlers.CORS(
			handlers.AllowedOrigins(s.allowedOrigins),
			handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions}),
			handlers.AllowedHeaders([]string{"Content-Type", auth.HeaderDelegator}),
		)(h)
	}
	h = handlers.CustomLoggingHandler(io.Discard, h, s.accessLog)
	return handlers.RecoveryHandler(
		handlers.RecoveryLogger(recoveryLogger{s.logger}),
		handlers.PrintRecoveryStack(false),
	)(h)
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       s.readTimeout,
		WriteTimeout:      s.writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info("API 服务已启动", slog.String("address", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// observe 以路由模板为维度记录请求指标。
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		name := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tpl, err := route.GetPathTemplate(); err == nil {
				name = tpl
			}
		}
		metrics.ObserveHTTPRequest(name, r.Method, rec.status, time.Since(start))
	})
}

func (s *Server) accessLog(_ io.Writer, params handlers.LogFormatterParams) {
	s.logger.Debug("http_access",
		slog.String("method", params.Request.Method),
		slog.String("path", params.URL.Path),
		slog.Int("status", params.StatusCode),
		slog.Int("size", params.Size),
		slog.Duration("duration", time.Since(params.TimeStamp)),
	)
}

// jsonMiddleware sets the Content-Type header to application/json.
func jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

type recoveryLogger struct {
	logger *slog.Logger
}

func (l recoveryLogger) Println(v ...interface{}) {
	l.logger.Error("HTTP 处理器发生 panic", slog.String("panic", fmt.Sprint(v...)))
}
