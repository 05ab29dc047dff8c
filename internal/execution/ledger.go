package execution

import (
	"context"

	xerrors "DeFlow/internal/errors"
)

// Ledger 抽象了执行记录与步骤账本的持久化接口。
type Ledger interface {
	Create(ctx context.Context, exec *Execution) error
	Get(ctx context.Context, id string) (*Execution, error)
	// Claim 将记录标记为已被某个处理协程领取。已领取或已终结的记录不可再次领取，
	// 避免队列重投导致链上操作重复执行。
	Claim(ctx context.Context, id string) (*Execution, error)
	AppendStep(ctx context.Context, id string, step Step) error
	Finalize(ctx context.Context, id string, status Status, errMsg string, code xerrors.Code) error
	List(ctx context.Context, opts ListOptions) ([]*Execution, error)
	Stats(ctx context.Context, opts ListOptions) (Stats, error)
	Close() error
}

// Stats 聚合了执行记录的统计信息。
type Stats struct {
	Total           int   `json:"total"`
	Running         int   `json:"running"`
	Completed       int   `json:"completed"`
	Failed          int   `json:"failed"`
	OldestStartedAt int64 `json:"oldestStartedAt,omitempty"`
	NewestStartedAt int64 `json:"newestStartedAt,omitempty"`
}

// ValidateFinalize 检查终态参数是否合法。
func ValidateFinalize(status Status) error {
	if !status.Terminal() {
		return xerrors.New(xerrors.CodeInvalidArgument, "终态只能是 completed 或 failed: "+string(status))
	}
	return nil
}
