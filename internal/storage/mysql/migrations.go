package mysql

import (
	"cmp"
	"context"
	"io/fs"
	"log/slog"
	"path"
	"slices"
	"strings"

	"DeFlow/deploy/migrations"
	xerrors "DeFlow/internal/errors"
	"DeFlow/pkg/logger"
)

var embeddedMigrations = migrations.Files

const (
	createVersionTableSQL = `CREATE TABLE IF NOT EXISTS ledger_schema_versions (
        version VARCHAR(32) NOT NULL PRIMARY KEY,
        name VARCHAR(255) NOT NULL,
        applied_at BIGINT NOT NULL
)`
	selectVersionsSQL = `SELECT version FROM ledger_schema_versions`
	insertVersionSQL  = `INSERT INTO ledger_schema_versions (version, name, applied_at) VALUES (?, ?, ?)`
)

// ledgerMigration 是一个按版本号排序的 SQL 文件，整体在一个事务内执行。
type ledgerMigration struct {
	version    string
	name       string
	statements []string
}

// runMigrations 把账本表结构升级到最新版本。已记录的版本会被跳过。
func (l *ExecutionLedger) runMigrations(ctx context.Context) error {
	if _, err := l.db.ExecContext(ctx, createVersionTableSQL); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建账本版本表失败")
	}
	applied, err := l.appliedVersions(ctx)
	if err != nil {
		return err
	}
	pending, err := ledgerMigrations()
	if err != nil {
		return err
	}

	log := logger.Named("mysql")
	for _, m := range pending {
		if applied[m.version] {
			continue
		}
		if err := l.applyMigration(ctx, m); err != nil {
			return err
		}
		log.Info("账本迁移已应用", slog.String("version", m.version), slog.String("file", m.name))
	}
	return nil
}

func (l *ExecutionLedger) appliedVersions(ctx context.Context) (map[string]bool, error) {
	rows, err := l.db.QueryContext(ctx, selectVersionsSQL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询账本版本失败")
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析账本版本失败")
		}
		applied[version] = true
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历账本版本失败")
	}
	return applied, nil
}

func (l *ExecutionLedger) applyMigration(ctx context.Context, m ledgerMigration) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启迁移事务失败")
	}
	for _, stmt := range m.statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			_ = tx.Rollback()
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "执行账本迁移 "+m.name+" 失败",
				xerrors.WithMetadata("version", m.version))
		}
	}
	if _, err := tx.ExecContext(ctx, insertVersionSQL, m.version, m.name, l.now().UnixMilli()); err != nil {
		_ = tx.Rollback()
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "记录账本版本失败")
	}
	if err := tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交迁移事务失败")
	}
	return nil
}

// ledgerMigrations 读取嵌入的 *.sql 文件，空文件与其他文件被忽略。
func ledgerMigrations() ([]ledgerMigration, error) {
	entries, err := fs.ReadDir(embeddedMigrations, ".")
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "读取迁移目录失败")
	}

	var out []ledgerMigration
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || path.Ext(name) != ".sql" {
			continue
		}
		content, err := embeddedMigrations.ReadFile(name)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "读取迁移文件 "+name+" 失败")
		}
		statements := splitSQLStatements(string(content))
		if len(statements) == 0 {
			continue
		}
		out = append(out, ledgerMigration{version: migrationVersion(name), name: name, statements: statements})
	}
	slices.SortFunc(out, func(a, b ledgerMigration) int {
		return cmp.Or(cmp.Compare(a.version, b.version), cmp.Compare(a.name, b.name))
	})
	return out, nil
}

func splitSQLStatements(content string) []string {
	var statements []string
	for _, stmt := range strings.Split(content, ";") {
		if trimmed := strings.TrimSpace(stmt); trimmed != "" {
			statements = append(statements, trimmed)
		}
	}
	return statements
}

// migrationVersion 取文件名中第一个下划线之前的部分，例如 0001_create_executions.sql 得到 0001。
func migrationVersion(name string) string {
	base := strings.TrimSuffix(name, path.Ext(name))
	if idx := strings.IndexByte(base, '_'); idx > 0 {
		return base[:idx]
	}
	return base
}
