package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"DeFlow/internal/auth"
	xerrors "DeFlow/internal/errors"
	"DeFlow/internal/execution"
	"DeFlow/internal/workflow"
)

// WorkflowRequest 是创建与更新工作流的请求体。IsActive 缺省为 true。
type WorkflowRequest struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Nodes       []workflow.Node `json:"nodes"`
	Edges       []workflow.Edge `json:"edges"`
	IsActive    *bool           `json:"isActive,omitempty"`
}

func (req WorkflowRequest) apply(wf *workflow.Workflow) {
	wf.Name = strings.TrimSpace(req.Name)
	wf.Description = req.Description
	wf.Nodes = req.Nodes
	wf.Edges = req.Edges
	if req.IsActive != nil {
		wf.IsActive = *req.IsActive
	}
}

func (s *Server) handleCreateWorkflow(w http.ResponseWriter, r *http.Request) {
	identity, ok := identityOrAbort(w, r)
	if !ok {
		return
	}
	req, ok := decodeWorkflowRequest(w, r)
	if !ok {
		return
	}
	wf := &workflow.Workflow{UserID: identity.UserID(), IsActive: true}
	req.apply(wf)
	if err := s.validate(wf); err != nil {
		writeError(w, err)
		return
	}
	if err := s.workflows.Create(r.Context(), wf); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, wf)
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	identity, ok := identityOrAbort(w, r)
	if !ok {
		return
	}
	list, err := s.workflows.ListByUser(r.Context(), identity.UserID())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	identity, ok := identityOrAbort(w, r)
	if !ok {
		return
	}
	wf, err := s.workflows.GetForUser(r.Context(), mux.Vars(r)["id"], identity.UserID())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

func (s *Server) handleUpdateWorkflow(w http.ResponseWriter, r *http.Request) {
	identity, ok := identityOrAbort(w, r)
	if !ok {
		return
	}
	req, ok := decodeWorkflowRequest(w, r)
	if !ok {
		return
	}
	wf, err := s.workflows.GetForUser(r.Context(), mux.Vars(r)["id"], identity.UserID())
	if err != nil {
		writeError(w, err)
		return
	}
	req.apply(wf)
	if err := s.validate(wf); err != nil {
		writeError(w, err)
		return
	}
	if err := s.workflows.Update(r.Context(), wf); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

func (s *Server) handleDeleteWorkflow(w http.ResponseWriter, r *http.Request) {
	identity, ok := identityOrAbort(w, r)
	if !ok {
		return
	}
	if err := s.workflows.Delete(r.Context(), mux.Vars(r)["id"], identity.UserID()); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleExecuteWorkflow(w http.ResponseWriter, r *http.Request) {
	identity, ok := identityOrAbort(w, r)
	if !ok {
		return
	}
	if s.executions == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "执行服务未初始化"))
		return
	}
	exec, err := s.executions.Start(r.Context(), mux.Vars(r)["id"], identity.Address)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, exec)
}

func (s *Server) handleWorkflowExecutions(w http.ResponseWriter, r *http.Request) {
	identity, ok := identityOrAbort(w, r)
	if !ok {
		return
	}
	id := mux.Vars(r)["id"]
	if _, err := s.workflows.GetForUser(r.Context(), id, identity.UserID()); err != nil {
		writeError(w, err)
		return
	}
	opts, err := listOptionsFromQuery(r, s.historyLimit)
	if err != nil {
		writeError(w, err)
		return
	}
	opts = append(opts, execution.WithUser(identity.UserID()), execution.WithWorkflow(id))
	s.writeExecutions(w, r, opts)
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	identity, ok := identityOrAbort(w, r)
	if !ok {
		return
	}
	opts, err := listOptionsFromQuery(r, s.historyLimit)
	if err != nil {
		writeError(w, err)
		return
	}
	if wfID := strings.TrimSpace(r.URL.Query().Get("workflowId")); wfID != "" {
		opts = append(opts, execution.WithWorkflow(wfID))
	}
	opts = append(opts, execution.WithUser(identity.UserID()))
	s.writeExecutions(w, r, opts)
}

func (s *Server) writeExecutions(w http.ResponseWriter, r *http.Request, opts []execution.ListOption) {
	if s.executions == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "执行服务未初始化"))
		return
	}
	list, err := s.executions.List(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleExecutionStats(w http.ResponseWriter, r *http.Request) {
	identity, ok := identityOrAbort(w, r)
	if !ok {
		return
	}
	if s.executions == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "执行服务未初始化"))
		return
	}
	opts := []execution.ListOption{execution.WithUser(identity.UserID())}
	if wfID := strings.TrimSpace(r.URL.Query().Get("workflowId")); wfID != "" {
		opts = append(opts, execution.WithWorkflow(wfID))
	}
	stats, err := s.executions.Stats(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	identity, ok := identityOrAbort(w, r)
	if !ok {
		return
	}
	if s.executions == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "执行服务未初始化"))
		return
	}
	exec, err := s.executions.Get(r.Context(), mux.Vars(r)["id"], identity.UserID())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

// validate 在保存前检查工作流图。未配置类型校验时只检查名称。
func (s *Server) validate(wf *workflow.Workflow) error {
	if wf.Name == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "workflow name must not be empty")
	}
	if s.types == nil {
		return nil
	}
	_, err := workflow.NewGraph(wf, s.types)
	return err
}

func identityOrAbort(w http.ResponseWriter, r *http.Request) (auth.Identity, bool) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		writeError(w, auth.ErrMissingIdentity)
	}
	return identity, ok
}

func decodeWorkflowRequest(w http.ResponseWriter, r *http.Request) (WorkflowRequest, bool) {
	var req WorkflowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败"))
		return req, false
	}
	return req, true
}

// listOptionsFromQuery 解析 limit、offset 与逗号分隔的 status。
func listOptionsFromQuery(r *http.Request, defaultLimit int) ([]execution.ListOption, error) {
	q := r.URL.Query()
	opts := []execution.ListOption{execution.WithLimit(defaultLimit)}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "invalid limit: "+raw)
		}
		opts = append(opts, execution.WithLimit(limit))
	}
	if raw := q.Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "invalid offset: "+raw)
		}
		opts = append(opts, execution.WithOffset(offset))
	}
	if raw := q.Get("status"); raw != "" {
		var statuses []execution.Status
		for _, part := range strings.Split(raw, ",") {
			statuses = append(statuses, execution.Status(strings.TrimSpace(strings.ToLower(part))))
		}
		opts = append(opts, execution.WithStatuses(statuses...))
	}
	return opts, nil
}
