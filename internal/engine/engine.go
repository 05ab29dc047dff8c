// Package engine walks a validated workflow graph depth-first, dispatches
// each node to its action handler and records the resulting steps.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"DeFlow/internal/action"
	xerrors "DeFlow/internal/errors"
	"DeFlow/internal/execution"
	"DeFlow/internal/observability/metrics"
	"DeFlow/internal/workflow"
	"DeFlow/pkg/logger"
)

// CodeNodeFailed marks a handler that reported success=false without an error.
const CodeNodeFailed xerrors.Code = "NODE_FAILED"

func init() {
	xerrors.Register(CodeNodeFailed, xerrors.Attributes{
		Message:  "node reported failure",
		Severity: xerrors.SeverityWarning,
		Alert:    true,
	})
}

// NodeError identifies the node whose handler failed.
type NodeError struct {
	NodeID   string
	NodeType string
	Err      error
}

func (e *NodeError) Error() string {
	return fmt.Sprintf("node %s (%s): %v", e.NodeID, e.NodeType, e.Err)
}

func (e *NodeError) Unwrap() error { return e.Err }

// StepSink receives every recorded step in visit order.
type StepSink func(ctx context.Context, step execution.Step) error

// Handlers resolves node types to handlers.
type Handlers interface {
	workflow.TypeChecker
	Lookup(nodeType string) (action.Handler, bool)
}

// Engine executes workflows.
type Engine struct {
	handlers  Handlers
	workflows workflow.Store
	ledger    execution.Ledger
	visitOnce bool
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithVisitOnce executes a node reachable through several paths only the
// first time it is reached. Off by default: every path runs the node.
func WithVisitOnce(enabled bool) Option {
	return func(e *Engine) { e.visitOnce = enabled }
}

// WithLogger overrides the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithClock overrides the time source used for step timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// New builds an engine. workflows and ledger are only needed by Run.
func New(handlers Handlers, workflows workflow.Store, ledger execution.Ledger, opts ...Option) *Engine {
	e := &Engine{
		handlers:  handlers,
		workflows: workflows,
		ledger:    ledger,
		logger:    logger.Named("engine"),
		now:       time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// outputs is the append-only execution context. Each visit appends; readers
// see the most recent output of a node.
type outputs map[string][]*action.Output

func (o outputs) latest(nodeID string) (*action.Output, bool) {
	list := o[nodeID]
	if len(list) == 0 {
		return nil, false
	}
	return list[len(list)-1], true
}

// previous collects the outputs of nodeID's predecessors in incoming edge
// order. Predecessors that have not run yet are skipped.
func (o outputs) previous(g *workflow.Graph, nodeID string) []*action.Output {
	in := g.Incoming(nodeID)
	prev := make([]*action.Output, 0, len(in))
	for _, edge := range in {
		if out, ok := o.latest(edge.From); ok {
			prev = append(prev, out)
		}
	}
	return prev
}

// Execute walks g from its trigger. The first failing node is recorded as a
// failed step and ends the traversal; the returned error is a *NodeError.
// The trigger runs but is not recorded. Traversal is never interrupted
// between nodes: ctx only reaches the handlers.
func (e *Engine) Execute(ctx context.Context, g *workflow.Graph, identity common.Address, sink StepSink) (execution.Status, error) {
	trigger := g.FindTrigger()
	if trigger == nil {
		return execution.StatusFailed, workflow.ErrMissingTrigger
	}

	store := outputs{}
	visited := map[string]bool{}
	stack := []string{trigger.ID}

	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if e.visitOnce {
			if visited[id] {
				continue
			}
			visited[id] = true
		}
		node, ok := g.Node(id)
		if !ok {
			return execution.StatusFailed, xerrors.New(workflow.CodeInvalidGraph, "unknown node "+id)
		}

		out, err := e.visit(ctx, g, node, identity, store, sink)
		if err != nil {
			stack = stack[:0]
			return execution.StatusFailed, err
		}

		next := e.successors(g, node, out)
		for i := len(next) - 1; i >= 0; i-- {
			stack = append(stack, next[i])
		}
	}
	return execution.StatusCompleted, nil
}

func (e *Engine) visit(ctx context.Context, g *workflow.Graph, node *workflow.Node, identity common.Address, store outputs, sink StepSink) (*action.Output, error) {
	handler, ok := e.handlers.Lookup(node.Type)
	if !ok {
		return nil, &NodeError{NodeID: node.ID, NodeType: node.Type,
			Err: xerrors.New(workflow.CodeUnknownNodeType, "no handler for node type "+node.Type)}
	}

	started := e.now().UTC()
	out, err := handler.Execute(ctx, action.Request{
		NodeID:   node.ID,
		NodeType: node.Type,
		Config:   node.Config,
		Identity: identity,
		Previous: store.previous(g, node.ID),
	})
	if err == nil && out == nil {
		out = &action.Output{Success: true}
	}
	if err == nil && !out.Success {
		msg := out.Error
		if msg == "" {
			msg = out.Message
		}
		err = xerrors.New(CodeNodeFailed, msg)
	}
	if err == nil && node.Type == workflow.TypeCondition {
		if _, ok := out.ConditionMet(); !ok {
			err = xerrors.New(CodeNodeFailed, "condition output has no conditionMet")
		}
	}
	completed := e.now().UTC()
	recorded := node.Type != workflow.TypeTrigger

	if err != nil {
		if recorded {
			metrics.ObserveStep(node.Type, string(execution.StepFailed), completed.Sub(started))
			step := execution.Step{
				NodeID:      node.ID,
				NodeType:    node.Type,
				NodeLabel:   node.Label,
				Status:      execution.StepFailed,
				StartedAt:   started,
				CompletedAt: completed,
				Output:      &action.Output{Success: false, Error: err.Error()},
				Error:       err.Error(),
			}
			if sinkErr := e.record(ctx, sink, step); sinkErr != nil {
				return nil, sinkErr
			}
		}
		e.logger.Warn("节点执行失败",
			slog.String("node_id", node.ID),
			slog.String("node_type", node.Type),
			slog.String("error", err.Error()))
		return nil, &NodeError{NodeID: node.ID, NodeType: node.Type, Err: err}
	}

	store[node.ID] = append(store[node.ID], out)
	if recorded {
		metrics.ObserveStep(node.Type, string(execution.StepSuccess), completed.Sub(started))
		step := execution.Step{
			NodeID:      node.ID,
			NodeType:    node.Type,
			NodeLabel:   node.Label,
			Status:      execution.StepSuccess,
			StartedAt:   started,
			CompletedAt: completed,
			Output:      out,
		}
		if err := e.record(ctx, sink, step); err != nil {
			return nil, err
		}
	}
	e.logger.Debug("节点执行完成", slog.String("node_id", node.ID), slog.String("node_type", node.Type))
	return out, nil
}

func (e *Engine) record(ctx context.Context, sink StepSink, step execution.Step) error {
	if sink == nil {
		return nil
	}
	if err := sink(ctx, step); err != nil {
		if _, ok := xerrors.From(err); ok {
			return err
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "记录执行步骤失败")
	}
	return nil
}

// successors returns the ids to visit after node, in edge order. A condition
// follows only the edge whose handle matches its result; no match is a dead end.
func (e *Engine) successors(g *workflow.Graph, node *workflow.Node, out *action.Output) []string {
	edges := g.Outgoing(node.ID)
	next := make([]string, 0, len(edges))
	if node.Type == workflow.TypeCondition {
		met, _ := out.ConditionMet()
		handle := workflow.HandleFalse
		if met {
			handle = workflow.HandleTrue
		}
		for _, edge := range edges {
			if edge.SourceHandle == handle {
				next = append(next, edge.To)
			}
		}
		return next
	}
	for _, edge := range edges {
		next = append(next, edge.To)
	}
	return next
}

// Run executes a claimed ledger record: it loads the workflow, walks it while
// appending steps and finalizes the record. A failed traversal is finalized
// as failed and its error returned. Cancelling ctx does not stop a run;
// handlers keep their own RPC and receipt deadlines.
func (e *Engine) Run(ctx context.Context, exec *execution.Execution) error {
	ctx = context.WithoutCancel(ctx)
	if e.workflows == nil || e.ledger == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "engine has no workflow store or ledger")
	}
	metrics.ExecutionStarted()
	defer metrics.ExecutionDone()
	started := e.now()

	status, runErr := e.run(ctx, exec)
	code := xerrors.Code("")
	message := ""
	if runErr != nil {
		code = xerrors.CodeOf(runErr)
		message = runErr.Error()
		var nodeErr *NodeError
		if errors.As(runErr, &nodeErr) {
			message = nodeErr.Err.Error()
		}
	}

	if err := e.ledger.Finalize(ctx, exec.ID, status, message, code); err != nil {
		e.logger.Error("写入执行终态失败", slog.Any("error", err), slog.String("execution_id", exec.ID))
		if runErr == nil {
			return err
		}
	}
	metrics.ObserveExecution(string(status), e.now().Sub(started))

	attrs := []any{
		slog.String("execution_id", exec.ID),
		slog.String("workflow_id", exec.WorkflowID),
		slog.String("identity", exec.Identity),
		slog.String("status", string(status)),
	}
	if runErr != nil {
		logger.Audit().Warn("工作流执行失败", append(attrs, slog.String("error", message), slog.String("error_code", string(code)))...)
		return runErr
	}
	logger.Audit().Info("工作流执行完成", attrs...)
	return nil
}

func (e *Engine) run(ctx context.Context, exec *execution.Execution) (execution.Status, error) {
	wf, err := e.workflows.GetForUser(ctx, exec.WorkflowID, exec.UserID)
	if err != nil {
		return execution.StatusFailed, err
	}
	g, err := workflow.NewGraph(wf, e.handlers)
	if err != nil {
		return execution.StatusFailed, err
	}
	if !common.IsHexAddress(exec.Identity) {
		return execution.StatusFailed, xerrors.New(xerrors.CodeInvalidArgument, "invalid identity: "+exec.Identity)
	}
	sink := func(ctx context.Context, step execution.Step) error {
		return e.ledger.AppendStep(ctx, exec.ID, step)
	}
	return e.Execute(ctx, g, common.HexToAddress(exec.Identity), sink)
}
