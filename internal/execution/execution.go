package execution

import (
	"time"

	"DeFlow/internal/action"
	xerrors "DeFlow/internal/errors"
)

// Status 表示执行记录的生命周期状态。记录以 running 创建，且只会迁移一次到终态。
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal 判断状态是否为终态。
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// IsValidStatus 检查给定状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusRunning, StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

// StepStatus 表示单个节点的执行结果。
type StepStatus string

const (
	StepSuccess StepStatus = "success"
	StepFailed  StepStatus = "failed"
)

// Step 是执行账本中的一条记录，写入后不再修改。
type Step struct {
	NodeID      string         `json:"nodeId"`
	NodeType    string         `json:"nodeType"`
	NodeLabel   string         `json:"nodeLabel,omitempty"`
	Status      StepStatus     `json:"status"`
	StartedAt   time.Time      `json:"startedAt"`
	CompletedAt time.Time      `json:"completedAt"`
	Output      *action.Output `json:"output,omitempty"`
	Error       string         `json:"error,omitempty"`
}

// Execution 描述一次工作流执行。
type Execution struct {
	ID          string     `json:"id"`
	WorkflowID  string     `json:"workflowId"`
	UserID      string     `json:"userId"`
	Identity    string     `json:"identity"`
	Status      Status     `json:"status"`
	StartedAt   time.Time  `json:"startedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	Steps       []Step     `json:"steps"`
	Error       string     `json:"error,omitempty"`
	ErrorCode   string     `json:"errorCode,omitempty"`
	Attempts    int        `json:"attempts"`
}

const (
	CodeExecutionNotFound  xerrors.Code = "EXECUTION_NOT_FOUND"
	CodeExecutionConflict  xerrors.Code = "EXECUTION_CONFLICT"
	CodeExecutionCompleted xerrors.Code = "EXECUTION_COMPLETED"
	CodeExecutionPublish   xerrors.Code = "EXECUTION_PUBLISH_FAILED"
	CodeExecutionFailed    xerrors.Code = "EXECUTION_FAILED"
)

func init() {
	xerrors.Register(CodeExecutionNotFound, xerrors.Attributes{
		Message:  "execution not found",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeExecutionConflict, xerrors.Attributes{
		Message:  "execution conflict",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeExecutionCompleted, xerrors.Attributes{
		Message:  "execution already finalized",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeExecutionPublish, xerrors.Attributes{
		Message:   "failed to publish execution",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeExecutionFailed, xerrors.Attributes{
		Message:  "workflow execution failed",
		Severity: xerrors.SeverityWarning,
		Alert:    true,
	})
}

var (
	// ErrExecutionNotFound 表示指定的执行记录不存在。
	ErrExecutionNotFound = xerrors.New(CodeExecutionNotFound, "")
	// ErrExecutionConflict 表示执行记录在当前状态下无法进行所请求的操作。
	ErrExecutionConflict = xerrors.New(CodeExecutionConflict, "")
	// ErrExecutionCompleted 表示执行记录已经处于终态。
	ErrExecutionCompleted = xerrors.New(CodeExecutionCompleted, "")
)

func cloneExecution(exec *Execution) *Execution {
	clone := *exec
	if exec.CompletedAt != nil {
		completed := *exec.CompletedAt
		clone.CompletedAt = &completed
	}
	clone.Steps = append([]Step(nil), exec.Steps...)
	if clone.Steps == nil {
		clone.Steps = []Step{}
	}
	return &clone
}
