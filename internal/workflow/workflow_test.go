package workflow

import (
	"context"
	"encoding/json"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "DeFlow/internal/errors"
)

type typeSet map[string]bool

func (s typeSet) Has(t string) bool { return s[t] }

var builtin = typeSet{
	TypeTrigger: true, TypeSwap: true, TypeAave: true, TypeLend: true,
	TypeTransfer: true, TypeCondition: true, TypeAI: true,
}

func linear() *Workflow {
	return &Workflow{
		ID:     "wf-1",
		UserID: "0xabc",
		Name:   "linear",
		Nodes: []Node{
			{ID: "t", Type: TypeTrigger},
			{ID: "c", Type: TypeCondition},
			{ID: "a", Type: TypeTransfer},
			{ID: "b", Type: TypeTransfer},
		},
		Edges: []Edge{
			{ID: "e1", From: "t", To: "c"},
			{ID: "e2", From: "c", To: "a", SourceHandle: HandleTrue},
			{ID: "e3", From: "c", To: "b", SourceHandle: HandleFalse},
		},
		IsActive: true,
	}
}

func TestNewGraphIndexesWorkflow(t *testing.T) {
	g, err := NewGraph(linear(), builtin)
	require.NoError(t, err)

	require.Equal(t, "t", g.FindTrigger().ID)
	out := g.Outgoing("c")
	require.Len(t, out, 2)
	assert.Equal(t, "a", out[0].To)
	assert.Equal(t, "b", out[1].To)
	assert.Len(t, g.Incoming("a"), 1)

	n, ok := g.Node("b")
	require.True(t, ok)
	assert.Equal(t, TypeTransfer, n.Type)
	_, ok = g.Node("missing")
	assert.False(t, ok)
}

func TestNewGraphRejectsInvalidWorkflows(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Workflow)
		code   xerrors.Code
	}{
		{"empty", func(w *Workflow) { w.Nodes = nil; w.Edges = nil }, CodeInvalidGraph},
		{"missing trigger", func(w *Workflow) { w.Nodes[0].Type = TypeAI }, CodeMissingTrigger},
		{"duplicate trigger", func(w *Workflow) { w.Nodes[3].Type = TypeTrigger }, CodeDuplicateTrigger},
		{"unknown type", func(w *Workflow) { w.Nodes[2].Type = "bridge" }, CodeUnknownNodeType},
		{"duplicate id", func(w *Workflow) { w.Nodes[3].ID = "a" }, CodeInvalidGraph},
		{"dangling edge", func(w *Workflow) { w.Edges[0].To = "ghost" }, CodeInvalidGraph},
		{"bad handle", func(w *Workflow) { w.Edges[1].SourceHandle = "maybe" }, CodeInvalidGraph},
		{"two true edges", func(w *Workflow) { w.Edges[2].SourceHandle = HandleTrue }, CodeInvalidGraph},
		{"cycle", func(w *Workflow) {
			w.Edges = append(w.Edges, Edge{ID: "back", From: "a", To: "c"})
		}, CodeInvalidGraph},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			wf := linear()
			tc.mutate(wf)
			_, err := NewGraph(wf, builtin)
			require.Error(t, err)
			assert.True(t, xerrors.HasCode(err, tc.code), "got %v", err)
		})
	}
}

func TestNewGraphReportsCyclePath(t *testing.T) {
	wf := &Workflow{
		ID:   "w",
		Name: "loop",
		Nodes: []Node{
			{ID: "t", Type: TypeTrigger}, {ID: "x", Type: TypeAI}, {ID: "y", Type: TypeAI}, {ID: "z", Type: TypeAI},
		},
		Edges: []Edge{
			{ID: "e1", From: "t", To: "x"}, {ID: "e2", From: "x", To: "y"},
			{ID: "e3", From: "y", To: "z"}, {ID: "e4", From: "z", To: "x"},
		},
	}
	_, err := NewGraph(wf, builtin)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "x -> y -> z -> x")
}

func TestNewGraphHandlesDeepChains(t *testing.T) {
	const depth = 100_000
	wf := &Workflow{ID: "w", Name: "deep", Nodes: []Node{{ID: "n0", Type: TypeTrigger}}}
	for i := 1; i < depth; i++ {
		id := "n" + strconv.Itoa(i)
		wf.Nodes = append(wf.Nodes, Node{ID: id, Type: TypeAI})
		wf.Edges = append(wf.Edges, Edge{ID: "e" + strconv.Itoa(i), From: "n" + strconv.Itoa(i-1), To: id})
	}
	_, err := NewGraph(wf, builtin)
	require.NoError(t, err)

	wf.Edges = append(wf.Edges, Edge{ID: "back", From: "n" + strconv.Itoa(depth-1), To: "n1"})
	_, err = NewGraph(wf, builtin)
	assert.True(t, xerrors.HasCode(err, CodeInvalidGraph), "got %v", err)
}

func TestNewGraphNilCheckerSkipsTypeCheck(t *testing.T) {
	wf := linear()
	wf.Nodes[2].Type = "bridge"
	_, err := NewGraph(wf, nil)
	require.NoError(t, err)
}

func TestNewGraphCopiesWorkflow(t *testing.T) {
	wf := linear()
	wf.Nodes[2].Config = map[string]any{"amount": "1"}
	g, err := NewGraph(wf, builtin)
	require.NoError(t, err)

	wf.Nodes[2].Config["amount"] = "2"
	n, _ := g.Node("a")
	assert.Equal(t, "1", n.Config["amount"])
}

func TestWorkflowJSONShape(t *testing.T) {
	raw := `{"id":"w","userId":"0xabc","name":"n","isActive":true,
		"nodes":[{"id":"t","type":"trigger","config":{"mode":"manual"}}],
		"edges":[{"id":"e","from":"t","to":"x","sourceHandle":"true"}]}`
	var wf Workflow
	require.NoError(t, json.Unmarshal([]byte(raw), &wf))
	assert.True(t, wf.IsActive)
	assert.Equal(t, "0xabc", wf.UserID)
	assert.Equal(t, "manual", wf.Nodes[0].Config["mode"])
	assert.Equal(t, HandleTrue, wf.Edges[0].SourceHandle)
}

func TestMemoryStoreScopesByUser(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	wf := linear()
	wf.ID = ""
	wf.UserID = "0xABC"
	require.NoError(t, store.Create(ctx, wf))
	require.NotEmpty(t, wf.ID)
	assert.Equal(t, "0xabc", wf.UserID)
	assert.False(t, wf.CreatedAt.IsZero())

	got, err := store.GetForUser(ctx, wf.ID, "0xAbC")
	require.NoError(t, err)
	assert.Equal(t, wf.Name, got.Name)

	_, err = store.GetForUser(ctx, wf.ID, "0xdef")
	assert.ErrorIs(t, err, ErrWorkflowNotFound)

	got.Name = "mutated"
	again, err := store.Get(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, "linear", again.Name)

	other := linear()
	other.ID = ""
	other.UserID = "0xdef"
	require.NoError(t, store.Create(ctx, other))

	list, err := store.ListByUser(ctx, "0xabc")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, wf.ID, list[0].ID)

	assert.ErrorIs(t, store.Delete(ctx, wf.ID, "0xdef"), ErrWorkflowNotFound)
	require.NoError(t, store.Delete(ctx, wf.ID, "0xabc"))
	_, err = store.Get(ctx, wf.ID)
	assert.ErrorIs(t, err, ErrWorkflowNotFound)
}

func TestMemoryStoreUpdate(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	wf := linear()
	require.NoError(t, store.Create(ctx, wf))

	update := wf.Clone()
	update.IsActive = false
	update.Name = "renamed"
	require.NoError(t, store.Update(ctx, update))

	got, err := store.Get(ctx, wf.ID)
	require.NoError(t, err)
	assert.False(t, got.IsActive)
	assert.Equal(t, "renamed", got.Name)
	assert.Equal(t, wf.CreatedAt, got.CreatedAt)

	update.UserID = "0xdef"
	assert.ErrorIs(t, store.Update(ctx, update), ErrWorkflowNotFound)
}

func TestMemoryStoreCreateValidation(t *testing.T) {
	store := NewMemoryStore()
	err := store.Create(context.Background(), &Workflow{Name: "x"})
	assert.True(t, xerrors.HasCode(err, xerrors.CodeInvalidArgument))

	wf := linear()
	require.NoError(t, store.Create(context.Background(), wf))
	dup := linear()
	err = store.Create(context.Background(), dup)
	assert.True(t, xerrors.HasCode(err, xerrors.CodeConflict))
}
