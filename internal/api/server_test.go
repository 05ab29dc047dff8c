package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"DeFlow/internal/auth"
	"DeFlow/internal/execution"
	"DeFlow/internal/workflow"
)

var (
	owner    = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	stranger = common.HexToAddress("0x00000000000000000000000000000000000000bb")
)

type typeSet map[string]bool

func (s typeSet) Has(t string) bool { return s[t] }

var testTypes = typeSet{workflow.TypeTrigger: true, workflow.TypeTransfer: true}

type testServer struct {
	server  *Server
	store   *workflow.MemoryStore
	ledger  *execution.MemoryLedger
	queue   *execution.MemoryQueue
	handler http.Handler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store := workflow.NewMemoryStore()
	ledger := execution.NewMemoryLedger()
	queue := execution.NewMemoryQueue(16)
	svc := execution.NewService(store, ledger, queue, testTypes)
	srv := NewServer(":0", store, svc, WithTypeChecker(testTypes))
	return &testServer{server: srv, store: store, ledger: ledger, queue: queue, handler: srv.Handler()}
}

func (ts *testServer) do(t *testing.T, method, path string, identity common.Address, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if identity != (common.Address{}) {
		req.Header.Set(auth.HeaderDelegator, identity.Hex())
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func payWorkflow() WorkflowRequest {
	return WorkflowRequest{
		Name: "pay",
		Nodes: []workflow.Node{
			{ID: "t", Type: workflow.TypeTrigger},
			{ID: "x", Type: workflow.TypeTransfer, Config: map[string]any{"to": "0x1", "amount": "1"}},
		},
		Edges: []workflow.Edge{{ID: "e1", From: "t", To: "x"}},
	}
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return v
}

func createWorkflow(t *testing.T, ts *testServer, req WorkflowRequest) workflow.Workflow {
	t.Helper()
	rec := ts.do(t, http.MethodPost, "/api/v1/workflows", owner, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create workflow: status %d body %s", rec.Code, rec.Body.String())
	}
	return decode[workflow.Workflow](t, rec)
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/healthz", common.Address{}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
}

func TestAPIRequiresIdentity(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/api/v1/workflows", common.Address{}, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	got := decode[ErrorResponse](t, rec)
	if got.Code != auth.CodeUnauthenticated {
		t.Fatalf("unexpected code %q", got.Code)
	}
}

func TestWorkflowCRUD(t *testing.T) {
	ts := newTestServer(t)
	wf := createWorkflow(t, ts, payWorkflow())
	if wf.ID == "" || !wf.IsActive {
		t.Fatalf("unexpected workflow: %+v", wf)
	}
	if wf.UserID != "0x00000000000000000000000000000000000000aa" {
		t.Fatalf("owner should be the lowercase delegator, got %q", wf.UserID)
	}

	rec := ts.do(t, http.MethodGet, "/api/v1/workflows/"+wf.ID, owner, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get: status %d", rec.Code)
	}

	rec = ts.do(t, http.MethodGet, "/api/v1/workflows/"+wf.ID, stranger, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("foreign get should be 404, got %d", rec.Code)
	}

	update := payWorkflow()
	update.Name = "pay twice"
	inactive := false
	update.IsActive = &inactive
	rec = ts.do(t, http.MethodPut, "/api/v1/workflows/"+wf.ID, owner, update)
	if rec.Code != http.StatusOK {
		t.Fatalf("update: status %d body %s", rec.Code, rec.Body.String())
	}
	updated := decode[workflow.Workflow](t, rec)
	if updated.Name != "pay twice" || updated.IsActive {
		t.Fatalf("unexpected update result: %+v", updated)
	}

	rec = ts.do(t, http.MethodGet, "/api/v1/workflows", owner, nil)
	list := decode[[]workflow.Workflow](t, rec)
	if len(list) != 1 {
		t.Fatalf("expected one workflow, got %d", len(list))
	}

	rec = ts.do(t, http.MethodDelete, "/api/v1/workflows/"+wf.ID, owner, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete: status %d", rec.Code)
	}
	rec = ts.do(t, http.MethodGet, "/api/v1/workflows/"+wf.ID, owner, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("deleted workflow should be 404, got %d", rec.Code)
	}
}

func TestCreateWorkflowRejectsInvalidGraph(t *testing.T) {
	ts := newTestServer(t)
	cases := map[string]WorkflowRequest{
		"unknown type": {
			Name:  "bad",
			Nodes: []workflow.Node{{ID: "t", Type: workflow.TypeTrigger}, {ID: "x", Type: "teleport"}},
			Edges: []workflow.Edge{{ID: "e1", From: "t", To: "x"}},
		},
		"missing trigger": {
			Name:  "bad",
			Nodes: []workflow.Node{{ID: "x", Type: workflow.TypeTransfer}},
		},
		"empty name": {
			Nodes: []workflow.Node{{ID: "t", Type: workflow.TypeTrigger}},
		},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			rec := ts.do(t, http.MethodPost, "/api/v1/workflows", owner, req)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d body %s", rec.Code, rec.Body.String())
			}
		})
	}
}

func TestExecuteWorkflow(t *testing.T) {
	ts := newTestServer(t)
	wf := createWorkflow(t, ts, payWorkflow())

	rec := ts.do(t, http.MethodPost, "/api/v1/workflows/"+wf.ID+"/execute", owner, nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("execute: status %d body %s", rec.Code, rec.Body.String())
	}
	exec := decode[execution.Execution](t, rec)
	if exec.ID == "" || exec.Status != execution.StatusRunning || exec.WorkflowID != wf.ID {
		t.Fatalf("unexpected execution: %+v", exec)
	}

	rec = ts.do(t, http.MethodGet, "/api/v1/executions/"+exec.ID, owner, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get execution: status %d", rec.Code)
	}
	rec = ts.do(t, http.MethodGet, "/api/v1/executions/"+exec.ID, stranger, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("foreign execution should be 404, got %d", rec.Code)
	}

	rec = ts.do(t, http.MethodGet, "/api/v1/workflows/"+wf.ID+"/executions", owner, nil)
	list := decode[[]execution.Execution](t, rec)
	if len(list) != 1 || list[0].ID != exec.ID {
		t.Fatalf("unexpected workflow history: %+v", list)
	}

	rec = ts.do(t, http.MethodGet, "/api/v1/executions?status=completed", owner, nil)
	if got := decode[[]execution.Execution](t, rec); len(got) != 0 {
		t.Fatalf("status filter ignored: %+v", got)
	}

	rec = ts.do(t, http.MethodGet, "/api/v1/executions/stats", owner, nil)
	stats := decode[execution.Stats](t, rec)
	if stats.Total != 1 || stats.Running != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestExecuteInactiveWorkflowConflicts(t *testing.T) {
	ts := newTestServer(t)
	req := payWorkflow()
	inactive := false
	req.IsActive = &inactive
	wf := createWorkflow(t, ts, req)

	rec := ts.do(t, http.MethodPost, "/api/v1/workflows/"+wf.ID+"/execute", owner, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	got := decode[ErrorResponse](t, rec)
	if got.Code != workflow.CodeWorkflowInactive {
		t.Fatalf("unexpected code %q", got.Code)
	}
}

func TestInvalidListQuery(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/api/v1/executions?limit=abc", owner, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodPatch, "/api/v1/workflows", owner, nil)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestWithContextRejectsAfterShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	h := withContext(ctx, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}
