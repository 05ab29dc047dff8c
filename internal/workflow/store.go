package workflow

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	xerrors "DeFlow/internal/errors"
)

// Store persists workflow definitions. Every read and write is scoped by the
// owning user id; a workflow owned by someone else is reported as not found.
type Store interface {
	Create(ctx context.Context, wf *Workflow) error
	Get(ctx context.Context, id string) (*Workflow, error)
	GetForUser(ctx context.Context, id, userID string) (*Workflow, error)
	Update(ctx context.Context, wf *Workflow) error
	Delete(ctx context.Context, id, userID string) error
	ListByUser(ctx context.Context, userID string) ([]*Workflow, error)
	Close() error
}

// PrepareCreate fills in the id and timestamps of a new workflow and
// normalises its owner.
func PrepareCreate(wf *Workflow, now time.Time) error {
	if wf == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "workflow must not be nil")
	}
	wf.UserID = strings.ToLower(strings.TrimSpace(wf.UserID))
	if wf.UserID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "workflow owner must not be empty")
	}
	if strings.TrimSpace(wf.Name) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "workflow name must not be empty")
	}
	if wf.ID == "" {
		wf.ID = uuid.NewString()
	}
	if wf.CreatedAt.IsZero() {
		wf.CreatedAt = now
	}
	wf.UpdatedAt = now
	return nil
}

// MemoryStore keeps workflows in process memory.
type MemoryStore struct {
	mu        sync.RWMutex
	workflows map[string]*Workflow
	now       func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{workflows: make(map[string]*Workflow), now: time.Now}
}

// Create stores a copy of wf, assigning an id when it has none.
func (m *MemoryStore) Create(_ context.Context, wf *Workflow) error {
	if err := PrepareCreate(wf, m.now().UTC()); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.workflows[wf.ID]; ok {
		return xerrors.New(xerrors.CodeConflict, "workflow already exists: "+wf.ID)
	}
	m.workflows[wf.ID] = wf.Clone()
	return nil
}

// Get returns a workflow regardless of owner. The engine uses it after the
// execution service has already checked ownership.
func (m *MemoryStore) Get(_ context.Context, id string) (*Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	wf, ok := m.workflows[id]
	if !ok {
		return nil, ErrWorkflowNotFound
	}
	return wf.Clone(), nil
}

// GetForUser returns the workflow only when userID owns it.
func (m *MemoryStore) GetForUser(ctx context.Context, id, userID string) (*Workflow, error) {
	wf, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !OwnedBy(wf, userID) {
		return nil, ErrWorkflowNotFound
	}
	return wf, nil
}

// Update replaces the nodes, edges, name, description and active flag of an
// existing workflow owned by wf.UserID.
func (m *MemoryStore) Update(_ context.Context, wf *Workflow) error {
	if wf == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "workflow must not be nil")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.workflows[wf.ID]
	if !ok || !OwnedBy(current, wf.UserID) {
		return ErrWorkflowNotFound
	}
	next := wf.Clone()
	next.UserID = current.UserID
	next.CreatedAt = current.CreatedAt
	next.UpdatedAt = m.now().UTC()
	m.workflows[wf.ID] = next
	wf.UpdatedAt = next.UpdatedAt
	wf.CreatedAt = next.CreatedAt
	return nil
}

// Delete removes the workflow owned by userID.
func (m *MemoryStore) Delete(_ context.Context, id, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.workflows[id]
	if !ok || !OwnedBy(current, userID) {
		return ErrWorkflowNotFound
	}
	delete(m.workflows, id)
	return nil
}

// ListByUser returns the user's workflows, most recently updated first.
func (m *MemoryStore) ListByUser(_ context.Context, userID string) ([]*Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	results := make([]*Workflow, 0)
	for _, wf := range m.workflows {
		if OwnedBy(wf, userID) {
			results = append(results, wf.Clone())
		}
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].UpdatedAt.Equal(results[j].UpdatedAt) {
			return results[i].ID < results[j].ID
		}
		return results[i].UpdatedAt.After(results[j].UpdatedAt)
	})
	return results, nil
}

// Close is a no-op for the memory store.
func (m *MemoryStore) Close() error {
	return nil
}

// OwnedBy compares owners case-insensitively since owners are addresses.
func OwnedBy(wf *Workflow, userID string) bool {
	return wf != nil && strings.EqualFold(wf.UserID, strings.TrimSpace(userID))
}

var _ Store = (*MemoryStore)(nil)
