package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	xerrors "DeFlow/internal/errors"
	"DeFlow/internal/workflow"
)

const schema = `
CREATE TABLE IF NOT EXISTS workflows (
	id          TEXT PRIMARY KEY,
	user_id     TEXT NOT NULL,
	name        TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	nodes       JSONB NOT NULL DEFAULT '[]',
	edges       JSONB NOT NULL DEFAULT '[]',
	is_active   BOOLEAN NOT NULL DEFAULT TRUE,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_workflows_user_updated ON workflows (user_id, updated_at DESC);
`

// Connect 创建 pgx 连接池并进行连通性检查。
func Connect(ctx context.Context, connStr string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建 PostgreSQL 连接池失败")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "PostgreSQL 连通性检查失败")
	}
	return pool, nil
}

// WorkflowStore 使用 PostgreSQL 持久化工作流定义，节点与连线以 JSONB 保存。
type WorkflowStore struct {
	db  *pgxpool.Pool
	now func() time.Time
}

// NewWorkflowStore 基于连接池创建存储并初始化表结构。
func NewWorkflowStore(ctx context.Context, pool *pgxpool.Pool) (*WorkflowStore, error) {
	if pool == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "PostgreSQL 连接池不能为空")
	}
	store := &WorkflowStore{db: pool, now: time.Now}
	if err := store.InitSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// InitSchema 创建 workflows 表，重复执行是安全的。
func (s *WorkflowStore) InitSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 workflows 表失败")
	}
	return nil
}

// Create 写入新的工作流。
func (s *WorkflowStore) Create(ctx context.Context, wf *workflow.Workflow) error {
	if err := workflow.PrepareCreate(wf, s.now().UTC()); err != nil {
		return err
	}
	nodes, edges, err := encodeGraph(wf)
	if err != nil {
		return err
	}
	tag, err := s.db.Exec(ctx, `
		INSERT INTO workflows (id, user_id, name, description, nodes, edges, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING`,
		wf.ID, wf.UserID, wf.Name, wf.Description, nodes, edges, wf.IsActive, wf.CreatedAt, wf.UpdatedAt)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入工作流失败")
	}
	if tag.RowsAffected() == 0 {
		return xerrors.New(xerrors.CodeConflict, "workflow already exists: "+wf.ID)
	}
	return nil
}

// Get 按 ID 读取工作流，不校验归属。
func (s *WorkflowStore) Get(ctx context.Context, id string) (*workflow.Workflow, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, user_id, name, description, nodes, edges, is_active, created_at, updated_at
		FROM workflows WHERE id = $1`, id)
	wf, err := scanWorkflow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, workflow.ErrWorkflowNotFound
	}
	if err != nil {
		return nil, err
	}
	return wf, nil
}

// GetForUser 读取属于指定用户的工作流。
func (s *WorkflowStore) GetForUser(ctx context.Context, id, userID string) (*workflow.Workflow, error) {
	wf, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !workflow.OwnedBy(wf, userID) {
		return nil, workflow.ErrWorkflowNotFound
	}
	return wf, nil
}

// Update 覆盖工作流的可编辑字段。
func (s *WorkflowStore) Update(ctx context.Context, wf *workflow.Workflow) error {
	if wf == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "workflow must not be nil")
	}
	nodes, edges, err := encodeGraph(wf)
	if err != nil {
		return err
	}
	now := s.now().UTC()
	var createdAt time.Time
	err = s.db.QueryRow(ctx, `
		UPDATE workflows
		SET name = $3, description = $4, nodes = $5, edges = $6, is_active = $7, updated_at = $8
		WHERE id = $1 AND user_id = $2
		RETURNING created_at`,
		wf.ID, strings.ToLower(strings.TrimSpace(wf.UserID)), wf.Name, wf.Description, nodes, edges, wf.IsActive, now).
		Scan(&createdAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return workflow.ErrWorkflowNotFound
	}
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新工作流失败")
	}
	wf.CreatedAt = createdAt
	wf.UpdatedAt = now
	return nil
}

// Delete 删除属于指定用户的工作流。
func (s *WorkflowStore) Delete(ctx context.Context, id, userID string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM workflows WHERE id = $1 AND user_id = $2`,
		id, strings.ToLower(strings.TrimSpace(userID)))
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "删除工作流失败")
	}
	if tag.RowsAffected() == 0 {
		return workflow.ErrWorkflowNotFound
	}
	return nil
}

// ListByUser 返回用户的工作流，按更新时间倒序。
func (s *WorkflowStore) ListByUser(ctx context.Context, userID string) ([]*workflow.Workflow, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, user_id, name, description, nodes, edges, is_active, created_at, updated_at
		FROM workflows WHERE user_id = $1
		ORDER BY updated_at DESC, id`, strings.ToLower(strings.TrimSpace(userID)))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询工作流列表失败")
	}
	defer rows.Close()

	results := make([]*workflow.Workflow, 0)
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, wf)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历工作流列表失败")
	}
	return results, nil
}

// Close 关闭连接池。
func (s *WorkflowStore) Close() error {
	s.db.Close()
	return nil
}

func encodeGraph(wf *workflow.Workflow) ([]byte, []byte, error) {
	nodes := wf.Nodes
	if nodes == nil {
		nodes = []workflow.Node{}
	}
	edges := wf.Edges
	if edges == nil {
		edges = []workflow.Edge{}
	}
	nodesJSON, err := json.Marshal(nodes)
	if err != nil {
		return nil, nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "序列化工作流节点失败")
	}
	edgesJSON, err := json.Marshal(edges)
	if err != nil {
		return nil, nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "序列化工作流连线失败")
	}
	return nodesJSON, edgesJSON, nil
}

func scanWorkflow(row pgx.Row) (*workflow.Workflow, error) {
	var (
		wf                   workflow.Workflow
		nodesJSON, edgesJSON []byte
	)
	if err := row.Scan(&wf.ID, &wf.UserID, &wf.Name, &wf.Description, &nodesJSON, &edgesJSON,
		&wf.IsActive, &wf.CreatedAt, &wf.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取工作流失败")
	}
	if err := json.Unmarshal(nodesJSON, &wf.Nodes); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("解析工作流 %s 的节点失败", wf.ID))
	}
	if err := json.Unmarshal(edgesJSON, &wf.Edges); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("解析工作流 %s 的连线失败", wf.ID))
	}
	return &wf, nil
}

var _ workflow.Store = (*WorkflowStore)(nil)
