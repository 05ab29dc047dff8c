package execution

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "DeFlow/internal/errors"
	"DeFlow/internal/observability/alerting"
	"DeFlow/internal/workflow"
)

var (
	owner    = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	stranger = common.HexToAddress("0x00000000000000000000000000000000000000bb")
)

type typeSet map[string]bool

func (s typeSet) Has(t string) bool { return s[t] }

var builtinTypes = typeSet{workflow.TypeTrigger: true, workflow.TypeTransfer: true}

func seedWorkflow(t *testing.T, store workflow.Store, active bool) *workflow.Workflow {
	t.Helper()
	wf := &workflow.Workflow{
		UserID:   owner.Hex(),
		Name:     "pay",
		IsActive: active,
		Nodes: []workflow.Node{
			{ID: "t", Type: workflow.TypeTrigger},
			{ID: "x", Type: workflow.TypeTransfer},
		},
		Edges: []workflow.Edge{{ID: "e1", From: "t", To: "x"}},
	}
	if err := store.Create(context.Background(), wf); err != nil {
		t.Fatalf("创建工作流失败: %v", err)
	}
	return wf
}

type failingProducer struct{}

func (failingProducer) Publish(context.Context, string) error { return errors.New("broker down") }
func (failingProducer) Close() error                          { return nil }

type ledgerRunner struct {
	ledger Ledger
	err    error
	runs   atomic.Int32
}

func (r *ledgerRunner) Run(ctx context.Context, exec *Execution) error {
	r.runs.Add(1)
	if r.err != nil {
		return r.err
	}
	_ = r.ledger.AppendStep(ctx, exec.ID, Step{NodeID: "x", NodeType: workflow.TypeTransfer, Status: StepSuccess})
	return r.ledger.Finalize(ctx, exec.ID, StatusCompleted, "", "")
}

type recordingDispatcher struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (d *recordingDispatcher) Notify(_ context.Context, e alerting.Event) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, e)
	return nil
}

func TestLedgerLifecycle(t *testing.T) {
	ctx := context.Background()
	ledger := NewMemoryLedger()
	exec := &Execution{ID: "e1", WorkflowID: "w1", UserID: "0xAA"}
	if err := ledger.Create(ctx, exec); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := ledger.Create(ctx, &Execution{ID: "e1"}); !errors.Is(err, ErrExecutionConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if _, err := ledger.Claim(ctx, "e1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := ledger.Claim(ctx, "e1"); !errors.Is(err, ErrExecutionConflict) {
		t.Fatalf("second claim should conflict, got %v", err)
	}
	if err := ledger.AppendStep(ctx, "e1", Step{NodeID: "a", Status: StepSuccess}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := ledger.Finalize(ctx, "e1", StatusRunning, "", ""); !xerrors.HasCode(err, xerrors.CodeInvalidArgument) {
		t.Fatalf("running is not terminal, got %v", err)
	}
	if err := ledger.Finalize(ctx, "e1", StatusFailed, "boom", "TX_REVERTED"); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if err := ledger.Finalize(ctx, "e1", StatusCompleted, "", ""); !errors.Is(err, ErrExecutionCompleted) {
		t.Fatalf("finalize twice should fail, got %v", err)
	}
	if err := ledger.AppendStep(ctx, "e1", Step{NodeID: "b"}); !errors.Is(err, ErrExecutionCompleted) {
		t.Fatalf("append after finalize should fail, got %v", err)
	}
	if _, err := ledger.Claim(ctx, "e1"); !errors.Is(err, ErrExecutionCompleted) {
		t.Fatalf("claim after finalize should fail, got %v", err)
	}

	got, err := ledger.Get(ctx, "e1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusFailed || got.Error != "boom" || got.ErrorCode != "TX_REVERTED" || got.CompletedAt == nil {
		t.Fatalf("unexpected record: %+v", got)
	}
	if len(got.Steps) != 1 || got.UserID != "0xaa" {
		t.Fatalf("unexpected steps or owner: %+v", got)
	}
	got.Steps[0].NodeID = "mutated"
	again, _ := ledger.Get(ctx, "e1")
	if again.Steps[0].NodeID != "a" {
		t.Fatalf("ledger leaked internal state")
	}
}

func TestLedgerListAndStats(t *testing.T) {
	ctx := context.Background()
	ledger := NewMemoryLedger()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c", "d"} {
		user := "0xaa"
		if id == "d" {
			user = "0xbb"
		}
		if err := ledger.Create(ctx, &Execution{ID: id, WorkflowID: "w1", UserID: user, StartedAt: base.Add(time.Duration(i) * time.Minute)}); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}
	if err := ledger.Finalize(ctx, "a", StatusCompleted, "", ""); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	list, err := ledger.List(ctx, BuildListOptions(WithUser("0xAA")))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 3 || list[0].ID != "c" || list[2].ID != "a" {
		t.Fatalf("expected newest first for owner, got %d records", len(list))
	}

	page, _ := ledger.List(ctx, BuildListOptions(WithLimit(1), WithOffset(1)))
	if len(page) != 1 || page[0].ID != "c" {
		t.Fatalf("unexpected page: %+v", page)
	}

	running, _ := ledger.List(ctx, BuildListOptions(WithStatuses(StatusRunning, "bogus")))
	if len(running) != 3 {
		t.Fatalf("expected 3 running, got %d", len(running))
	}

	stats, err := ledger.Stats(ctx, BuildListOptions(WithWorkflow("w1")))
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 4 || stats.Running != 3 || stats.Completed != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats.OldestStartedAt != base.Unix() || stats.NewestStartedAt != base.Add(3*time.Minute).Unix() {
		t.Fatalf("unexpected time range: %+v", stats)
	}
}

func TestBuildListOptionsClamps(t *testing.T) {
	opts := BuildListOptions(WithLimit(500), WithOffset(-3), WithUser("  0xAB "))
	if opts.Limit != MaxListLimit || opts.Offset != 0 || opts.UserID != "0xab" {
		t.Fatalf("unexpected options: %+v", opts)
	}
	if BuildListOptions().Limit != DefaultListLimit {
		t.Fatalf("default limit not applied")
	}
}

func TestServiceStartValidatesOwnershipAndState(t *testing.T) {
	ctx := context.Background()
	store := workflow.NewMemoryStore()
	active := seedWorkflow(t, store, true)
	inactive := seedWorkflow(t, store, false)
	ledger := NewMemoryLedger()
	svc := NewService(store, ledger, NewMemoryQueue(4), builtinTypes)

	if _, err := svc.Start(ctx, active.ID, stranger); !errors.Is(err, workflow.ErrWorkflowNotFound) {
		t.Fatalf("foreign identity should not see workflow, got %v", err)
	}
	if _, err := svc.Start(ctx, inactive.ID, owner); !errors.Is(err, workflow.ErrWorkflowInactive) {
		t.Fatalf("expected inactive error, got %v", err)
	}
	if _, err := svc.Start(ctx, active.ID, common.Address{}); !xerrors.HasCode(err, xerrors.CodeInvalidArgument) {
		t.Fatalf("expected invalid identity, got %v", err)
	}

	narrow := NewService(store, ledger, NewMemoryQueue(4), typeSet{workflow.TypeTrigger: true})
	if _, err := narrow.Start(ctx, active.ID, owner); !errors.Is(err, workflow.ErrUnknownNodeType) {
		t.Fatalf("expected unknown node type, got %v", err)
	}

	exec, err := svc.Start(ctx, active.ID, owner)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if exec.Status != StatusRunning || exec.UserID != strings.ToLower(owner.Hex()) || exec.Identity != owner.Hex() {
		t.Fatalf("unexpected execution: %+v", exec)
	}
	if _, err := svc.Get(ctx, exec.ID, strings.ToLower(stranger.Hex())); !errors.Is(err, ErrExecutionNotFound) {
		t.Fatalf("foreign user should not read execution, got %v", err)
	}
}

func TestServiceStartPublishFailureFinalizes(t *testing.T) {
	ctx := context.Background()
	store := workflow.NewMemoryStore()
	wf := seedWorkflow(t, store, true)
	ledger := NewMemoryLedger()
	svc := NewService(store, ledger, failingProducer{}, builtinTypes)

	_, err := svc.Start(ctx, wf.ID, owner)
	if !xerrors.HasCode(err, CodeExecutionPublish) {
		t.Fatalf("expected publish error, got %v", err)
	}
	list, _ := ledger.List(ctx, BuildListOptions())
	if len(list) != 1 || list[0].Status != StatusFailed || list[0].ErrorCode != string(CodeExecutionPublish) {
		t.Fatalf("expected one failed record, got %+v", list)
	}
}

func TestProcessorRunsQueuedExecutions(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store := workflow.NewMemoryStore()
	wf := seedWorkflow(t, store, true)
	ledger := NewMemoryLedger()
	queue := NewMemoryQueue(256)
	runner := &ledgerRunner{ledger: ledger}
	svc := NewService(store, ledger, queue, builtinTypes)
	processor := NewProcessor(runner, ledger, queue, WithWorkerCount(4))

	go func() {
		if err := processor.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("processor exited: %v", err)
		}
	}()

	total := 50
	ids := make([]string, 0, total)
	for i := 0; i < total; i++ {
		exec, err := svc.Start(ctx, wf.ID, owner)
		if err != nil {
			t.Fatalf("提交执行失败: %v", err)
		}
		ids = append(ids, exec.ID)
	}
	for _, id := range ids {
		exec, err := svc.WaitUntilCompleted(ctx, id, 5*time.Millisecond)
		if err != nil {
			t.Fatalf("等待执行完成失败: %v", err)
		}
		if exec.Status != StatusCompleted || len(exec.Steps) != 1 {
			t.Fatalf("unexpected execution: %+v", exec)
		}
	}
	if int(runner.runs.Load()) != total {
		t.Fatalf("expected %d runs, got %d", total, runner.runs.Load())
	}
}

func TestProcessorSkipsAlreadyClaimed(t *testing.T) {
	ctx := context.Background()
	ledger := NewMemoryLedger()
	runner := &ledgerRunner{ledger: ledger}
	processor := NewProcessor(runner, ledger, nil)
	if err := ledger.Create(ctx, &Execution{ID: "e1"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := processor.Handle(ctx, "e1"); err != nil {
		t.Fatalf("first handle: %v", err)
	}
	if err := processor.Handle(ctx, "e1"); err != nil {
		t.Fatalf("redelivery should be skipped, got %v", err)
	}
	if err := processor.Handle(ctx, "missing"); err != nil {
		t.Fatalf("missing record should be skipped, got %v", err)
	}
	if runner.runs.Load() != 1 {
		t.Fatalf("expected exactly one run, got %d", runner.runs.Load())
	}
	if err := processor.Start(ctx); !xerrors.HasCode(err, xerrors.CodeInitializationFailure) {
		t.Fatalf("expected init failure without consumer, got %v", err)
	}
}

func TestProcessorFinalizesAndAlertsOnFailure(t *testing.T) {
	ctx := context.Background()
	ledger := NewMemoryLedger()
	runner := &ledgerRunner{ledger: ledger, err: xerrors.New(xerrors.CodeStorageFailure, "ledger unreachable")}
	alerts := &recordingDispatcher{}
	processor := NewProcessor(runner, ledger, nil, WithAlertDispatcher(alerts))
	if err := ledger.Create(ctx, &Execution{ID: "e1", WorkflowID: "w1"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := processor.Handle(ctx, "e1"); !xerrors.HasCode(err, xerrors.CodeStorageFailure) {
		t.Fatalf("expected runner error, got %v", err)
	}
	exec, _ := ledger.Get(ctx, "e1")
	if exec.Status != StatusFailed || exec.ErrorCode != string(xerrors.CodeStorageFailure) {
		t.Fatalf("expected failed record, got %+v", exec)
	}
	if len(alerts.events) != 1 {
		t.Fatalf("expected one alert, got %d", len(alerts.events))
	}
	ev := alerts.events[0]
	if ev.ExecutionID != "e1" || ev.WorkflowID != "w1" || ev.Stage != "terminal" {
		t.Fatalf("unexpected alert: %+v", ev)
	}
}

type gatedRunner struct {
	ledger  Ledger
	started chan struct{}
	release chan struct{}
	ctxErr  error
}

func (r *gatedRunner) Run(ctx context.Context, exec *Execution) error {
	close(r.started)
	<-r.release
	r.ctxErr = ctx.Err()
	return r.ledger.Finalize(ctx, exec.ID, StatusCompleted, "", "")
}

func TestProcessorDrainsRunningExecutionOnShutdown(t *testing.T) {
	ledger := NewMemoryLedger()
	queue := NewMemoryQueue(4)
	runner := &gatedRunner{ledger: ledger, started: make(chan struct{}), release: make(chan struct{})}
	processor := NewProcessor(runner, ledger, queue)
	if err := ledger.Create(context.Background(), &Execution{ID: "e1"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := queue.Publish(context.Background(), "e1"); err != nil {
		t.Fatalf("publish: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- processor.Start(ctx) }()

	select {
	case <-runner.started:
	case <-time.After(5 * time.Second):
		t.Fatal("execution was not picked up")
	}
	cancel()
	select {
	case <-done:
		t.Fatal("processor stopped before the running execution finished")
	case <-time.After(50 * time.Millisecond):
	}

	close(runner.release)
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("unexpected processor error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("processor did not stop after draining")
	}
	if runner.ctxErr != nil {
		t.Fatalf("run context was canceled: %v", runner.ctxErr)
	}
	exec, err := ledger.Get(context.Background(), "e1")
	if err != nil || exec.Status != StatusCompleted {
		t.Fatalf("expected completed execution, got %+v (%v)", exec, err)
	}
}

func TestMemoryQueueCloseReleasesBlockedPublish(t *testing.T) {
	queue := NewMemoryQueue(1)
	if err := queue.Publish(context.Background(), "e1"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	blocked := make(chan error, 1)
	go func() { blocked <- queue.Publish(context.Background(), "e2") }()

	closed := make(chan struct{})
	go func() {
		_ = queue.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("Close waited on a blocked Publish")
	}
	select {
	case err := <-blocked:
		if !xerrors.HasCode(err, xerrors.CodeQueueFailure) {
			t.Fatalf("expected queue failure, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("blocked Publish was not released by Close")
	}
	if err := queue.Publish(context.Background(), "e3"); !xerrors.HasCode(err, xerrors.CodeQueueFailure) {
		t.Fatalf("expected publish after close to fail, got %v", err)
	}
}
