package execution

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"time"

	xerrors "DeFlow/internal/errors"
	"DeFlow/internal/observability/alerting"
	"DeFlow/pkg/logger"
)

// Runner 执行一条已领取的记录，并负责写入步骤与终态。
type Runner interface {
	Run(ctx context.Context, exec *Execution) error
}

// Processor 负责从队列消费执行 ID 并交给 Runner。
type Processor struct {
	runner      Runner
	ledger      Ledger
	consumer    Consumer
	workerCount int
	logger      *slog.Logger
	alerter     alerting.Dispatcher
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(runner Runner, ledger Ledger, consumer Consumer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		runner:      runner,
		ledger:      ledger,
		consumer:    consumer,
		workerCount: 1,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.logger == nil {
		p.logger = logger.Named("processor")
	}
	return p
}

// Start 启动消费循环，直到 ctx 取消。取消后不再领取新执行，
// 正在运行的执行跑完后 Start 才返回。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置执行消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.Handle)
}

// Handle 处理单个执行 ID。导出以便同步调用与测试。
// 领取后的执行不随 ctx 取消中断。
func (p *Processor) Handle(ctx context.Context, executionID string) error {
	if p.ledger == nil || p.runner == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	ctx = context.WithoutCancel(ctx)
	exec, err := p.ledger.Claim(ctx, executionID)
	if err != nil {
		if stdErrors.Is(err, ErrExecutionNotFound) || stdErrors.Is(err, ErrExecutionCompleted) || stdErrors.Is(err, ErrExecutionConflict) {
			p.logger.Debug("跳过执行", slog.String("execution_id", executionID), slog.String("reason", err.Error()))
			return nil
		}
		p.logger.Error("领取执行失败", slog.Any("error", err), slog.String("execution_id", executionID))
		p.emitAlert(ctx, &Execution{ID: executionID}, xerrors.CodeOf(err), err, "claim")
		return err
	}

	runErr := p.runner.Run(ctx, exec)
	if runErr == nil {
		return nil
	}
	return p.handleFailure(ctx, exec, runErr)
}

func (p *Processor) handleFailure(ctx context.Context, exec *Execution, runErr error) error {
	code := xerrors.CodeOf(runErr)
	if code == xerrors.CodeUnknown {
		code = CodeExecutionFailed
	}
	// Runner 正常情况下已写入终态；这里兜底处理 Runner 未能收尾的记录。
	if current, err := p.ledger.Get(ctx, exec.ID); err == nil && current.Status == StatusRunning {
		if err := p.ledger.Finalize(ctx, exec.ID, StatusFailed, runErr.Error(), code); err != nil && !stdErrors.Is(err, ErrExecutionCompleted) {
			p.logger.Error("标记执行失败状态出错", slog.Any("error", err), slog.String("execution_id", exec.ID))
			return err
		}
	}
	logger.Audit().Warn("执行失败",
		slog.String("execution_id", exec.ID),
		slog.String("workflow_id", exec.WorkflowID),
		slog.String("error", runErr.Error()),
		slog.String("error_code", string(code)),
	)
	p.emitAlert(ctx, exec, code, runErr, "terminal")
	return runErr
}

func (p *Processor) emitAlert(ctx context.Context, exec *Execution, code xerrors.Code, cause error, stage string) {
	if p.alerter == nil || exec == nil {
		return
	}
	attrs := xerrors.AttributesOf(code)
	message := attrs.Message
	metadata := map[string]string{}
	if cause != nil {
		message = cause.Error()
		metadata["cause"] = cause.Error()
	}
	severity := attrs.Severity
	if severity == "" {
		severity = xerrors.SeverityOf(cause)
	}
	event := alerting.Event{
		Code:        code,
		Message:     message,
		Severity:    severity,
		ExecutionID: exec.ID,
		WorkflowID:  exec.WorkflowID,
		UserID:      exec.UserID,
		Stage:       stage,
		Metadata:    metadata,
		OccurredAt:  time.Now().UTC(),
	}
	if err := p.alerter.Notify(ctx, event); err != nil {
		p.logger.Error("告警通知失败",
			slog.Any("error", err),
			slog.String("execution_id", exec.ID),
			slog.String("stage", stage),
		)
	}
}
