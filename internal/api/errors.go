package api

import (
	"encoding/json"
	"net/http"

	"DeFlow/internal/auth"
	xerrors "DeFlow/internal/errors"
	"DeFlow/internal/execution"
	"DeFlow/internal/workflow"
	"DeFlow/pkg/logger"
)

// ErrorResponse 是所有失败响应的 JSON 结构。
type ErrorResponse struct {
	Error string       `json:"error"`
	Code  xerrors.Code `json:"code"`
}

var statusByCode = map[xerrors.Code]int{
	xerrors.CodeInvalidArgument:        http.StatusBadRequest,
	workflow.CodeUnknownNodeType:       http.StatusBadRequest,
	workflow.CodeMissingTrigger:        http.StatusBadRequest,
	workflow.CodeDuplicateTrigger:      http.StatusBadRequest,
	workflow.CodeInvalidGraph:          http.StatusBadRequest,
	auth.CodeUnauthenticated:           http.StatusUnauthorized,
	xerrors.CodeNotFound:               http.StatusNotFound,
	execution.CodeExecutionNotFound:    http.StatusNotFound,
	xerrors.CodeConflict:               http.StatusConflict,
	execution.CodeExecutionConflict:    http.StatusConflict,
	execution.CodeExecutionCompleted:   http.StatusConflict,
	workflow.CodeWorkflowInactive:      http.StatusConflict,
	xerrors.CodeInitializationFailure:  http.StatusServiceUnavailable,
	xerrors.CodeQueueFailure:           http.StatusServiceUnavailable,
	execution.CodeExecutionPublish:     http.StatusServiceUnavailable,
	xerrors.CodeUpstreamFailure:        http.StatusBadGateway,
	xerrors.CodeTimeout:                http.StatusGatewayTimeout,
}

// StatusOf 将错误码映射为 HTTP 状态码，未知错误返回 500。
func StatusOf(err error) int {
	if status, ok := statusByCode[xerrors.CodeOf(err)]; ok {
		return status
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	status := StatusOf(err)
	resp := ErrorResponse{Error: "internal error", Code: xerrors.CodeOf(err)}
	if e, ok := xerrors.From(err); ok {
		resp.Error = e.Message()
	}
	if status >= http.StatusInternalServerError {
		logger.L().Error("API 请求失败", "error", err, "code", string(resp.Code))
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
