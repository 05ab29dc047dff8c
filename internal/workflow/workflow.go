// Package workflow holds the workflow graph model: nodes, edges, the
// validated read-only Graph the engine walks, and the workflow store.
package workflow

import (
	"fmt"
	"slices"
	"strings"
	"time"

	xerrors "DeFlow/internal/errors"
)

// Node types understood by the built-in handler set.
const (
	TypeTrigger   = "trigger"
	TypeSwap      = "swap"
	TypeAave      = "aave"
	TypeLend      = "lend"
	TypeTransfer  = "transfer"
	TypeCondition = "condition"
	TypeAI        = "ai"
)

// Branch handles on edges leaving a condition node.
const (
	HandleTrue  = "true"
	HandleFalse = "false"
)

const (
	CodeUnknownNodeType  xerrors.Code = "UNKNOWN_NODE_TYPE"
	CodeMissingTrigger   xerrors.Code = "MISSING_TRIGGER"
	CodeDuplicateTrigger xerrors.Code = "DUPLICATE_TRIGGER"
	CodeInvalidGraph     xerrors.Code = "INVALID_GRAPH"
	CodeWorkflowInactive xerrors.Code = "WORKFLOW_INACTIVE"
)

func init() {
	for code, msg := range map[xerrors.Code]string{
		CodeUnknownNodeType:  "unknown node type",
		CodeMissingTrigger:   "workflow has no trigger node",
		CodeDuplicateTrigger: "workflow has more than one trigger node",
		CodeInvalidGraph:     "invalid workflow graph",
		CodeWorkflowInactive: "workflow is inactive",
	} {
		xerrors.Register(code, xerrors.Attributes{Message: msg, Severity: xerrors.SeverityInfo})
	}
}

var (
	ErrUnknownNodeType  = xerrors.New(CodeUnknownNodeType, "")
	ErrMissingTrigger   = xerrors.New(CodeMissingTrigger, "")
	ErrDuplicateTrigger = xerrors.New(CodeDuplicateTrigger, "")
	ErrInvalidGraph     = xerrors.New(CodeInvalidGraph, "")
	ErrWorkflowNotFound = xerrors.New(xerrors.CodeNotFound, "workflow not found")
	ErrWorkflowInactive = xerrors.New(CodeWorkflowInactive, "")
)

// Workflow is the stored, user-owned definition.
type Workflow struct {
	ID          string    `json:"id"`
	UserID      string    `json:"userId"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Nodes       []Node    `json:"nodes"`
	Edges       []Edge    `json:"edges"`
	IsActive    bool      `json:"isActive"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Node is a typed unit of work. Config is interpreted only by its handler.
type Node struct {
	ID     string         `json:"id"`
	Type   string         `json:"type"`
	Label  string         `json:"label,omitempty"`
	Config map[string]any `json:"config,omitempty"`
}

// Edge connects two nodes. SourceHandle is set only on edges leaving a
// condition node.
type Edge struct {
	ID           string `json:"id"`
	From         string `json:"from"`
	To           string `json:"to"`
	SourceHandle string `json:"sourceHandle,omitempty"`
}

// Clone returns a deep copy of the workflow. Node configs are copied one
// level deep, which covers the flat maps handlers read.
func (w *Workflow) Clone() *Workflow {
	if w == nil {
		return nil
	}
	clone := *w
	clone.Nodes = make([]Node, len(w.Nodes))
	for i, n := range w.Nodes {
		clone.Nodes[i] = n
		if n.Config != nil {
			cfg := make(map[string]any, len(n.Config))
			for k, v := range n.Config {
				cfg[k] = v
			}
			clone.Nodes[i].Config = cfg
		}
	}
	clone.Edges = append([]Edge(nil), w.Edges...)
	return &clone
}

// TypeChecker reports whether a handler exists for a node type.
type TypeChecker interface {
	Has(nodeType string) bool
}

// Graph is the validated, read-only view of a workflow used by the engine.
type Graph struct {
	workflow *Workflow
	nodes    map[string]*Node
	outgoing map[string][]Edge
	incoming map[string][]Edge
	trigger  *Node
}

// NewGraph validates wf and indexes it. Validation rejects: missing or
// duplicate triggers, node types without a handler, duplicate node ids,
// dangling edges, more than one edge per handle on a condition node and
// cycles. A nil checker skips the handler check.
func NewGraph(wf *Workflow, checker TypeChecker) (*Graph, error) {
	if wf == nil || len(wf.Nodes) == 0 {
		return nil, xerrors.New(CodeInvalidGraph, "workflow must contain at least one node")
	}
	g := &Graph{
		workflow: wf.Clone(),
		nodes:    make(map[string]*Node, len(wf.Nodes)),
		outgoing: make(map[string][]Edge),
		incoming: make(map[string][]Edge),
	}

	var triggers []string
	for i := range g.workflow.Nodes {
		node := &g.workflow.Nodes[i]
		if strings.TrimSpace(node.ID) == "" {
			return nil, xerrors.Newf(CodeInvalidGraph, "node at index %d has no id", i)
		}
		if _, dup := g.nodes[node.ID]; dup {
			return nil, xerrors.New(CodeInvalidGraph, "duplicate node id: "+node.ID)
		}
		if checker != nil && !checker.Has(node.Type) {
			return nil, xerrors.New(CodeUnknownNodeType,
				fmt.Sprintf("node %s has unknown type %q", node.ID, node.Type),
				xerrors.WithMetadata("node_id", node.ID))
		}
		g.nodes[node.ID] = node
		if node.Type == TypeTrigger {
			triggers = append(triggers, node.ID)
		}
	}
	switch len(triggers) {
	case 0:
		return nil, xerrors.New(CodeMissingTrigger, "")
	case 1:
		g.trigger = g.nodes[triggers[0]]
	default:
		return nil, xerrors.New(CodeDuplicateTrigger,
			"workflow has more than one trigger node: "+strings.Join(triggers, ", "))
	}

	handles := make(map[string]map[string]bool)
	for _, edge := range g.workflow.Edges {
		from, ok := g.nodes[edge.From]
		if !ok {
			return nil, xerrors.Newf(CodeInvalidGraph, "edge %s references unknown source %q", edge.ID, edge.From)
		}
		if _, ok := g.nodes[edge.To]; !ok {
			return nil, xerrors.Newf(CodeInvalidGraph, "edge %s references unknown target %q", edge.ID, edge.To)
		}
		if from.Type == TypeCondition && edge.SourceHandle != "" {
			if edge.SourceHandle != HandleTrue && edge.SourceHandle != HandleFalse {
				return nil, xerrors.Newf(CodeInvalidGraph, "edge %s has invalid handle %q", edge.ID, edge.SourceHandle)
			}
			if handles[from.ID] == nil {
				handles[from.ID] = make(map[string]bool)
			}
			if handles[from.ID][edge.SourceHandle] {
				return nil, xerrors.Newf(CodeInvalidGraph, "condition node %s has more than one %q edge", from.ID, edge.SourceHandle)
			}
			handles[from.ID][edge.SourceHandle] = true
		}
		g.outgoing[edge.From] = append(g.outgoing[edge.From], edge)
		g.incoming[edge.To] = append(g.incoming[edge.To], edge)
	}

	if cycle := g.findCycle(); len(cycle) > 0 {
		return nil, xerrors.New(CodeInvalidGraph, "cycle detected in workflow: "+strings.Join(cycle, " -> "))
	}
	return g, nil
}

// findCycle runs a colour-marking DFS in node declaration order and returns
// the first cycle found. The walk keeps an explicit stack of frames so graph
// depth does not grow the goroutine stack.
func (g *Graph) findCycle() []string {
	const (
		white = iota
		grey
		black
	)
	type frame struct {
		id   string
		next int
	}
	color := make(map[string]int, len(g.nodes))
	parent := make(map[string]string, len(g.nodes))

	for _, root := range g.workflow.Nodes {
		if color[root.ID] != white {
			continue
		}
		color[root.ID] = grey
		stack := []frame{{id: root.ID}}
		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			edges := g.outgoing[top.id]
			if top.next == len(edges) {
				color[top.id] = black
				stack = stack[:len(stack)-1]
				continue
			}
			id := top.id
			next := edges[top.next].To
			top.next++
			switch color[next] {
			case white:
				parent[next] = id
				color[next] = grey
				stack = append(stack, frame{id: next})
			case grey:
				cycle := []string{next}
				for cur := id; cur != next; cur = parent[cur] {
					cycle = append(cycle, cur)
				}
				cycle = append(cycle, next)
				slices.Reverse(cycle)
				return cycle
			}
		}
	}
	return nil
}

// Workflow returns the definition the graph was built from.
func (g *Graph) Workflow() *Workflow {
	return g.workflow
}

// FindTrigger returns the unique trigger node.
func (g *Graph) FindTrigger() *Node {
	return g.trigger
}

// Node returns the node with id.
func (g *Graph) Node(id string) (*Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// Outgoing returns the edges leaving id in declaration order.
func (g *Graph) Outgoing(id string) []Edge {
	return g.outgoing[id]
}

// Incoming returns the edges entering id in declaration order.
func (g *Graph) Incoming(id string) []Edge {
	return g.incoming[id]
}
