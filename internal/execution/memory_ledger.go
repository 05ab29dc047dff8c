package execution

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	xerrors "DeFlow/internal/errors"
)

// MemoryLedger 以内存方式保存执行记录，用于测试与单机部署。
type MemoryLedger struct {
	mu         sync.RWMutex
	executions map[string]*Execution
	now        func() time.Time
}

// NewMemoryLedger 创建 MemoryLedger。
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{executions: make(map[string]*Execution), now: time.Now}
}

// Create 实现 Ledger 接口。
func (m *MemoryLedger) Create(_ context.Context, exec *Execution) error {
	if exec == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "execution 不能为空")
	}
	if exec.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "执行 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.executions[exec.ID]; ok {
		return ErrExecutionConflict
	}
	if exec.Status == "" {
		exec.Status = StatusRunning
	}
	if exec.StartedAt.IsZero() {
		exec.StartedAt = m.now().UTC()
	}
	exec.UserID = strings.ToLower(exec.UserID)
	m.executions[exec.ID] = cloneExecution(exec)
	return nil
}

// Get 返回执行记录的副本。
func (m *MemoryLedger) Get(_ context.Context, id string) (*Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	exec, ok := m.executions[id]
	if !ok {
		return nil, ErrExecutionNotFound
	}
	return cloneExecution(exec), nil
}

// Claim 领取一条运行中的记录，每条记录只允许领取一次。
func (m *MemoryLedger) Claim(_ context.Context, id string) (*Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	exec, ok := m.executions[id]
	if !ok {
		return nil, ErrExecutionNotFound
	}
	if exec.Status.Terminal() {
		return cloneExecution(exec), ErrExecutionCompleted
	}
	if exec.Attempts > 0 {
		return cloneExecution(exec), ErrExecutionConflict
	}
	exec.Attempts++
	return cloneExecution(exec), nil
}

// AppendStep 追加一条步骤记录，仅允许在运行中追加。
func (m *MemoryLedger) AppendStep(_ context.Context, id string, step Step) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	exec, ok := m.executions[id]
	if !ok {
		return ErrExecutionNotFound
	}
	if exec.Status != StatusRunning {
		return ErrExecutionCompleted
	}
	exec.Steps = append(exec.Steps, step)
	return nil
}

// Finalize 将运行中的记录迁移到终态。
func (m *MemoryLedger) Finalize(_ context.Context, id string, status Status, errMsg string, code xerrors.Code) error {
	if err := ValidateFinalize(status); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	exec, ok := m.executions[id]
	if !ok {
		return ErrExecutionNotFound
	}
	if exec.Status != StatusRunning {
		return ErrExecutionCompleted
	}
	completed := m.now().UTC()
	exec.Status = status
	exec.CompletedAt = &completed
	exec.Error = errMsg
	exec.ErrorCode = string(code)
	return nil
}

// List 按开始时间倒序返回符合条件的执行记录。
func (m *MemoryLedger) List(_ context.Context, opts ListOptions) ([]*Execution, error) {
	opts.applyDefaults()
	m.mu.RLock()
	results := make([]*Execution, 0, len(m.executions))
	for _, exec := range m.executions {
		if opts.Matches(exec) {
			results = append(results, cloneExecution(exec))
		}
	}
	m.mu.RUnlock()

	sort.Slice(results, func(i, j int) bool {
		if results[i].StartedAt.Equal(results[j].StartedAt) {
			return results[i].ID > results[j].ID
		}
		return results[i].StartedAt.After(results[j].StartedAt)
	})

	if opts.Offset >= len(results) {
		return []*Execution{}, nil
	}
	results = results[opts.Offset:]
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

// Stats 统计符合过滤条件的执行数量与开始时间范围。
func (m *MemoryLedger) Stats(_ context.Context, opts ListOptions) (Stats, error) {
	opts.applyDefaults()
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := Stats{}
	for _, exec := range m.executions {
		if !opts.Matches(exec) {
			continue
		}
		stats.Total++
		switch exec.Status {
		case StatusRunning:
			stats.Running++
		case StatusCompleted:
			stats.Completed++
		case StatusFailed:
			stats.Failed++
		}
		started := exec.StartedAt.Unix()
		if started > stats.NewestStartedAt {
			stats.NewestStartedAt = started
		}
		if stats.OldestStartedAt == 0 || started < stats.OldestStartedAt {
			stats.OldestStartedAt = started
		}
	}
	return stats, nil
}

// Close 对内存账本无需操作。
func (m *MemoryLedger) Close() error {
	return nil
}

var _ Ledger = (*MemoryLedger)(nil)
