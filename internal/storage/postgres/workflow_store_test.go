package postgres

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"DeFlow/internal/workflow"
)

func newTestStore(t *testing.T) *WorkflowStore {
	t.Helper()
	url := os.Getenv("DEFLOW_TEST_POSTGRES_URL")
	if url == "" {
		t.Skip("DEFLOW_TEST_POSTGRES_URL not set, skipping postgres tests")
	}
	ctx := context.Background()
	pool, err := Connect(ctx, url)
	require.NoError(t, err)
	store, err := NewWorkflowStore(ctx, pool)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestWorkflowStoreRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	owner := "0x" + uuid.NewString()[:8]

	wf := &workflow.Workflow{
		UserID: owner,
		Name:   "pg",
		Nodes: []workflow.Node{
			{ID: "t", Type: workflow.TypeTrigger},
			{ID: "x", Type: workflow.TypeTransfer, Config: map[string]any{"amount": "1"}},
		},
		Edges:    []workflow.Edge{{ID: "e", From: "t", To: "x"}},
		IsActive: true,
	}
	require.NoError(t, store.Create(ctx, wf))
	require.NoError(t, store.InitSchema(ctx))

	got, err := store.GetForUser(ctx, wf.ID, owner)
	require.NoError(t, err)
	assert.Equal(t, wf.Nodes, got.Nodes)
	assert.Equal(t, wf.Edges, got.Edges)

	_, err = store.GetForUser(ctx, wf.ID, "0xsomeoneelse")
	assert.ErrorIs(t, err, workflow.ErrWorkflowNotFound)

	got.IsActive = false
	require.NoError(t, store.Update(ctx, got))
	list, err := store.ListByUser(ctx, owner)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.False(t, list[0].IsActive)

	require.NoError(t, store.Delete(ctx, wf.ID, owner))
	assert.ErrorIs(t, store.Delete(ctx, wf.ID, owner), workflow.ErrWorkflowNotFound)
}

func TestNewWorkflowStoreRequiresPool(t *testing.T) {
	_, err := NewWorkflowStore(context.Background(), nil)
	require.Error(t, err)
}
