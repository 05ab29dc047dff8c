package execution

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	xerrors "DeFlow/internal/errors"
	"DeFlow/internal/workflow"
	"DeFlow/pkg/logger"
)

// Service 负责创建执行记录并投递到队列，以及查询执行历史。
type Service struct {
	workflows workflow.Store
	ledger    Ledger
	producer  Producer
	types     workflow.TypeChecker
	now       func() time.Time
}

// NewService 构造执行服务。types 用于在入队前校验工作流图。
func NewService(workflows workflow.Store, ledger Ledger, producer Producer, types workflow.TypeChecker) *Service {
	return &Service{
		workflows: workflows,
		ledger:    ledger,
		producer:  producer,
		types:     types,
		now:       time.Now,
	}
}

// Start 校验工作流并创建一条运行中的执行记录，随后异步投递给处理器。
// 工作流必须属于 identity 且处于激活状态。
func (s *Service) Start(ctx context.Context, workflowID string, identity common.Address) (*Execution, error) {
	if s.workflows == nil || s.ledger == nil || s.producer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "执行服务未初始化")
	}
	if identity == (common.Address{}) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "执行身份不能为空")
	}
	workflowID = strings.TrimSpace(workflowID)
	if workflowID == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "工作流 ID 不能为空")
	}
	userID := strings.ToLower(identity.Hex())

	wf, err := s.workflows.GetForUser(ctx, workflowID, userID)
	if err != nil {
		return nil, err
	}
	if !wf.IsActive {
		return nil, workflow.ErrWorkflowInactive
	}
	if _, err := workflow.NewGraph(wf, s.types); err != nil {
		return nil, err
	}

	exec := &Execution{
		ID:         uuid.NewString(),
		WorkflowID: wf.ID,
		UserID:     userID,
		Identity:   identity.Hex(),
		Status:     StatusRunning,
		StartedAt:  s.now().UTC(),
		Steps:      []Step{},
	}
	if err := s.ledger.Create(ctx, exec); err != nil {
		return nil, err
	}
	if err := s.producer.Publish(ctx, exec.ID); err != nil {
		logger.L().Error("执行入队失败", slog.Any("error", err), slog.String("execution_id", exec.ID))
		wrapped := xerrors.Wrap(CodeExecutionPublish, err, "发布执行到队列失败")
		_ = s.ledger.Finalize(context.WithoutCancel(ctx), exec.ID, StatusFailed, wrapped.Error(), CodeExecutionPublish)
		return nil, wrapped
	}
	logger.Audit().Info("执行入队成功",
		slog.String("execution_id", exec.ID),
		slog.String("workflow_id", wf.ID),
		slog.String("identity", exec.Identity),
	)
	return exec, nil
}

// Get 返回执行记录。userID 非空时仅返回属于该用户的记录。
func (s *Service) Get(ctx context.Context, id, userID string) (*Execution, error) {
	if s.ledger == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "执行账本未初始化")
	}
	exec, err := s.ledger.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if userID != "" && !strings.EqualFold(exec.UserID, userID) {
		return nil, ErrExecutionNotFound
	}
	return exec, nil
}

// List 返回符合过滤条件的执行历史。
func (s *Service) List(ctx context.Context, opts ...ListOption) ([]*Execution, error) {
	if s.ledger == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "执行账本未初始化")
	}
	return s.ledger.List(ctx, BuildListOptions(opts...))
}

// Stats 返回符合过滤条件的统计信息。
func (s *Service) Stats(ctx context.Context, opts ...ListOption) (Stats, error) {
	if s.ledger == nil {
		return Stats{}, xerrors.New(xerrors.CodeInitializationFailure, "执行账本未初始化")
	}
	return s.ledger.Stats(ctx, BuildListOptions(opts...))
}

// WaitUntilCompleted 轮询直到执行进入终态或 ctx 结束。
func (s *Service) WaitUntilCompleted(ctx context.Context, id string, interval time.Duration) (*Execution, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		exec, err := s.Get(ctx, id, "")
		if err != nil {
			return nil, err
		}
		if exec.Status.Terminal() {
			return exec, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close 释放资源。
func (s *Service) Close() error {
	var errs []error
	if s.producer != nil {
		errs = append(errs, s.producer.Close())
	}
	if s.ledger != nil {
		errs = append(errs, s.ledger.Close())
	}
	if s.workflows != nil {
		errs = append(errs, s.workflows.Close())
	}
	return stdErrors.Join(errs...)
}
