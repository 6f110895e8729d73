package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
)

type migration struct {
	version int
	name    string
	stmts   []string
}

// migrations are applied in order; each runs in its own transaction
// together with its schema_version row.
var migrations = []migration{
	{
		version: 1,
		name:    "initial schema",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS sessions (
				id TEXT PRIMARY KEY,
				title TEXT NOT NULL DEFAULT '',
				created_at DATETIME NOT NULL,
				ended_at DATETIME,
				repo_root TEXT NOT NULL DEFAULT '',
				branch TEXT NOT NULL DEFAULT '',
				commit_sha TEXT NOT NULL DEFAULT '',
				tag TEXT NOT NULL DEFAULT '',
				config_source TEXT NOT NULL DEFAULT ''
			)`,
			`CREATE INDEX IF NOT EXISTS idx_sessions_created_at ON sessions(created_at)`,
			`CREATE INDEX IF NOT EXISTS idx_sessions_tag ON sessions(tag)`,
			`CREATE TABLE IF NOT EXISTS steps (
				seq INTEGER PRIMARY KEY AUTOINCREMENT,
				id TEXT NOT NULL UNIQUE,
				session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
				created_at DATETIME NOT NULL,
				kind TEXT NOT NULL,
				name TEXT NOT NULL,
				status TEXT NOT NULL,
				request_id TEXT NOT NULL DEFAULT '',
				parent_id TEXT NOT NULL DEFAULT '',
				pending_id TEXT NOT NULL DEFAULT '',
				duration_ms INTEGER,
				summary TEXT NOT NULL DEFAULT '',
				risk_level TEXT NOT NULL DEFAULT '',
				warnings TEXT NOT NULL DEFAULT '[]',
				target_type TEXT NOT NULL DEFAULT '',
				tool_category TEXT NOT NULL DEFAULT '',
				sql_text TEXT NOT NULL DEFAULT '',
				sql_truncated INTEGER NOT NULL DEFAULT 0,
				sql_classification TEXT NOT NULL DEFAULT '',
				policy_rule_ids TEXT NOT NULL DEFAULT '[]',
				decision TEXT NOT NULL DEFAULT '',
				result_rows_shown INTEGER,
				result_rows_total INTEGER,
				captured_bytes INTEGER NOT NULL DEFAULT 0,
				preview_text TEXT NOT NULL DEFAULT '',
				preview_truncated INTEGER NOT NULL DEFAULT 0,
				error_message TEXT NOT NULL DEFAULT '',
				tables_touched TEXT NOT NULL DEFAULT '[]',
				args TEXT,
				result TEXT
			)`,
			`CREATE INDEX IF NOT EXISTS idx_steps_session_seq ON steps(session_id, seq)`,
			`CREATE TABLE IF NOT EXISTS pending_requests (
				id TEXT PRIMARY KEY,
				session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
				created_at DATETIME NOT NULL,
				tool_name TEXT NOT NULL,
				request_id TEXT NOT NULL DEFAULT '',
				arguments TEXT,
				classification TEXT NOT NULL DEFAULT '',
				risk_level TEXT NOT NULL DEFAULT '',
				reason TEXT NOT NULL DEFAULT '',
				blocker_step_id TEXT NOT NULL,
				status TEXT NOT NULL,
				decided_at DATETIME
			)`,
			`CREATE INDEX IF NOT EXISTS idx_pending_session_created_at ON pending_requests(session_id, created_at)`,
			`CREATE INDEX IF NOT EXISTS idx_pending_status ON pending_requests(status)`,
		},
	},
	{
		version: 2,
		name:    "casts",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS casts (
				id TEXT PRIMARY KEY,
				session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
				created_at DATETIME NOT NULL,
				kind TEXT NOT NULL,
				title TEXT NOT NULL,
				origin_step_ids TEXT NOT NULL DEFAULT '[]',
				sql_text TEXT NOT NULL DEFAULT '',
				columns TEXT NOT NULL DEFAULT '[]',
				column_types TEXT NOT NULL DEFAULT '[]',
				rows TEXT,
				total_rows INTEGER NOT NULL DEFAULT 0,
				truncated INTEGER NOT NULL DEFAULT 0
			)`,
			`CREATE INDEX IF NOT EXISTS idx_casts_session_created_at ON casts(session_id, created_at)`,
		},
	},
}

// SchemaVersion is the version a fully migrated database reports.
func SchemaVersion() int {
	return migrations[len(migrations)-1].version
}

func migrate(ctx context.Context, db *sqlx.DB) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL
	)`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var current int
	if err := db.GetContext(ctx, &current, `SELECT COALESCE(MAX(version), 0) FROM schema_version`); err != nil {
		return fmt.Errorf("check schema version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		slog.Debug("Applying store migration", "version", m.version, "name", m.name)

		tx, err := db.BeginTxx(ctx, nil)
		if err != nil {
			return err
		}
		for _, stmt := range m.stmts {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("migrate to v%d: %w", m.version, err)
			}
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO schema_version (version, applied_at) VALUES (?, ?)`,
			m.version, time.Now().UTC(),
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration v%d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration v%d: %w", m.version, err)
		}
	}
	return nil
}
