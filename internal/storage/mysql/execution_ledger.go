package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	"DeFlow/internal/action"
	xerrors "DeFlow/internal/errors"
	"DeFlow/internal/execution"
)

const mysqlDuplicateEntry = 1062

const executionColumns = `id, workflow_id, user_id, delegator, status, attempts, last_error, error_code, started_at, completed_at`

// ExecutionLedger 使用 MySQL 记录执行与步骤账本。时间以毫秒时间戳存储。
type ExecutionLedger struct {
	db  *sql.DB
	now func() time.Time
}

// NewExecutionLedger 创建连接池并执行迁移。
func NewExecutionLedger(ctx context.Context, cfg Config) (*ExecutionLedger, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	ledger := &ExecutionLedger{db: db, now: time.Now}
	if err := ledger.runMigrations(ctx); err != nil {
		_ = db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "执行 MySQL 迁移失败")
	}
	return ledger, nil
}

// Create 插入一条执行记录。
func (l *ExecutionLedger) Create(ctx context.Context, exec *execution.Execution) error {
	if exec == nil || strings.TrimSpace(exec.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "执行 ID 不能为空")
	}
	if exec.Status == "" {
		exec.Status = execution.StatusRunning
	}
	if exec.StartedAt.IsZero() {
		exec.StartedAt = l.now().UTC()
	}
	exec.UserID = strings.ToLower(exec.UserID)

	const stmt = `INSERT INTO executions
        (id, workflow_id, user_id, delegator, status, attempts, last_error, error_code, started_at, completed_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)`
	_, err := l.db.ExecContext(ctx, stmt,
		exec.ID,
		exec.WorkflowID,
		exec.UserID,
		exec.Identity,
		string(exec.Status),
		exec.Attempts,
		exec.Error,
		exec.ErrorCode,
		exec.StartedAt.UnixMilli(),
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == mysqlDuplicateEntry {
			return execution.ErrExecutionConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入执行记录失败")
	}
	return nil
}

// Get 返回执行记录及其全部步骤。
func (l *ExecutionLedger) Get(ctx context.Context, id string) (*execution.Execution, error) {
	row := l.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = ?`, id)
	exec, err := scanExecution(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, execution.ErrExecutionNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询执行记录失败")
	}
	if exec.Steps, err = l.loadSteps(ctx, id); err != nil {
		return nil, err
	}
	return exec, nil
}

// Claim 以条件更新的方式领取记录，保证每条记录只被处理一次。
func (l *ExecutionLedger) Claim(ctx context.Context, id string) (*execution.Execution, error) {
	res, err := l.db.ExecContext(ctx,
		`UPDATE executions SET attempts = attempts + 1 WHERE id = ? AND status = ? AND attempts = 0`,
		id, string(execution.StatusRunning))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "领取执行记录失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取受影响行数失败")
	}
	exec, err := l.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		if exec.Status.Terminal() {
			return exec, execution.ErrExecutionCompleted
		}
		return exec, execution.ErrExecutionConflict
	}
	return exec, nil
}

// AppendStep 在事务中锁定执行记录并追加一条步骤。
func (l *ExecutionLedger) AppendStep(ctx context.Context, id string, step execution.Step) error {
	var output []byte
	if step.Output != nil {
		encoded, err := json.Marshal(step.Output)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码步骤输出失败")
		}
		output = encoded
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启事务失败")
	}
	var status string
	if err := tx.QueryRowContext(ctx, `SELECT status FROM executions WHERE id = ? FOR UPDATE`, id).Scan(&status); err != nil {
		_ = tx.Rollback()
		if stdErrors.Is(err, sql.ErrNoRows) {
			return execution.ErrExecutionNotFound
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "锁定执行记录失败")
	}
	if execution.Status(status) != execution.StatusRunning {
		_ = tx.Rollback()
		return execution.ErrExecutionCompleted
	}

	const stmt = `INSERT INTO execution_steps
        (execution_id, seq, node_id, node_type, node_label, status, started_at, completed_at, output, last_error)
        SELECT ?, COALESCE(MAX(seq), 0) + 1, ?, ?, ?, ?, ?, ?, ?, ? FROM execution_steps WHERE execution_id = ?`
	if _, err := tx.ExecContext(ctx, stmt,
		id,
		step.NodeID,
		step.NodeType,
		step.NodeLabel,
		string(step.Status),
		step.StartedAt.UnixMilli(),
		step.CompletedAt.UnixMilli(),
		nullableJSON(output),
		step.Error,
		id,
	); err != nil {
		_ = tx.Rollback()
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入执行步骤失败")
	}
	if err := tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交步骤事务失败")
	}
	return nil
}

// Finalize 将运行中的记录迁移到终态，只会成功一次。
func (l *ExecutionLedger) Finalize(ctx context.Context, id string, status execution.Status, errMsg string, code xerrors.Code) error {
	if err := execution.ValidateFinalize(status); err != nil {
		return err
	}
	res, err := l.db.ExecContext(ctx,
		`UPDATE executions SET status = ?, last_error = ?, error_code = ?, completed_at = ? WHERE id = ? AND status = ?`,
		string(status), errMsg, string(code), l.now().UTC().UnixMilli(), id, string(execution.StatusRunning))
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新执行终态失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取受影响行数失败")
	}
	if affected > 0 {
		return nil
	}
	var current string
	if err := l.db.QueryRowContext(ctx, `SELECT status FROM executions WHERE id = ?`, id).Scan(&current); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return execution.ErrExecutionNotFound
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询执行状态失败")
	}
	return execution.ErrExecutionCompleted
}

// List 按开始时间倒序返回执行记录。
func (l *ExecutionLedger) List(ctx context.Context, opts execution.ListOptions) ([]*execution.Execution, error) {
	opts = opts.Normalize()
	where, args := buildFilters(opts)
	query := `SELECT ` + executionColumns + ` FROM executions` + where + ` ORDER BY started_at DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, opts.Limit, opts.Offset)

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询执行列表失败")
	}
	defer rows.Close()

	results := make([]*execution.Execution, 0, opts.Limit)
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析执行记录失败")
		}
		results = append(results, exec)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历执行记录失败")
	}
	rows.Close()

	for _, exec := range results {
		if exec.Steps, err = l.loadSteps(ctx, exec.ID); err != nil {
			return nil, err
		}
	}
	return results, nil
}

// Stats 聚合符合条件的执行数量。
func (l *ExecutionLedger) Stats(ctx context.Context, opts execution.ListOptions) (execution.Stats, error) {
	opts = opts.Normalize()
	where, args := buildFilters(opts)
	query := `SELECT COUNT(*),
        COALESCE(SUM(status = 'running'), 0),
        COALESCE(SUM(status = 'completed'), 0),
        COALESCE(SUM(status = 'failed'), 0),
        COALESCE(MIN(started_at), 0),
        COALESCE(MAX(started_at), 0)
        FROM executions` + where

	var stats execution.Stats
	var oldest, newest int64
	if err := l.db.QueryRowContext(ctx, query, args...).Scan(
		&stats.Total, &stats.Running, &stats.Completed, &stats.Failed, &oldest, &newest,
	); err != nil {
		return execution.Stats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "统计执行记录失败")
	}
	if stats.Total > 0 {
		stats.OldestStartedAt = oldest / 1000
		stats.NewestStartedAt = newest / 1000
	}
	return stats, nil
}

// Close 关闭连接池。
func (l *ExecutionLedger) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}

func (l *ExecutionLedger) loadSteps(ctx context.Context, id string) ([]execution.Step, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT node_id, node_type, node_label, status, started_at, completed_at, output, last_error
        FROM execution_steps WHERE execution_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询执行步骤失败")
	}
	defer rows.Close()

	steps := []execution.Step{}
	for rows.Next() {
		var (
			step              execution.Step
			status            string
			started, finished int64
			output            []byte
			lastError         sql.NullString
		)
		if err := rows.Scan(&step.NodeID, &step.NodeType, &step.NodeLabel, &status, &started, &finished, &output, &lastError); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析执行步骤失败")
		}
		step.Status = execution.StepStatus(status)
		step.StartedAt = time.UnixMilli(started).UTC()
		step.CompletedAt = time.UnixMilli(finished).UTC()
		step.Error = lastError.String
		if len(output) > 0 {
			var out action.Output
			if err := json.Unmarshal(output, &out); err != nil {
				return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解码步骤输出失败")
			}
			step.Output = &out
		}
		steps = append(steps, step)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历执行步骤失败")
	}
	return steps, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(row rowScanner) (*execution.Execution, error) {
	var (
		exec      execution.Execution
		status    string
		lastError sql.NullString
		started   int64
		completed sql.NullInt64
	)
	if err := row.Scan(&exec.ID, &exec.WorkflowID, &exec.UserID, &exec.Identity, &status, &exec.Attempts,
		&lastError, &exec.ErrorCode, &started, &completed); err != nil {
		return nil, err
	}
	exec.Status = execution.Status(status)
	exec.Error = lastError.String
	exec.StartedAt = time.UnixMilli(started).UTC()
	if completed.Valid {
		ts := time.UnixMilli(completed.Int64).UTC()
		exec.CompletedAt = &ts
	}
	exec.Steps = []execution.Step{}
	return &exec, nil
}

func buildFilters(opts execution.ListOptions) (string, []any) {
	var clauses []string
	var args []any
	if opts.UserID != "" {
		clauses = append(clauses, "user_id = ?")
		args = append(args, opts.UserID)
	}
	if opts.WorkflowID != "" {
		clauses = append(clauses, "workflow_id = ?")
		args = append(args, opts.WorkflowID)
	}
	if !opts.StartedAfter.IsZero() {
		clauses = append(clauses, "started_at >= ?")
		args = append(args, opts.StartedAfter.UnixMilli())
	}
	if len(opts.Statuses) > 0 {
		placeholders := make([]string, len(opts.Statuses))
		for i, status := range opts.Statuses {
			placeholders[i] = "?"
			args = append(args, string(status))
		}
		clauses = append(clauses, "status IN ("+strings.Join(placeholders, ", ")+")")
	}
	if len(clauses) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func nullableJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

var _ execution.Ledger = (*ExecutionLedger)(nil)
