package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	mantoraErrors "github.com/mantora/mantora/internal/errors"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

const sessionColumns = `id, title, created_at, ended_at, repo_root, branch, commit_sha, tag, config_source`

// CreateSession inserts sess, assigning an id and creation time when unset.
func (s *Store) CreateSession(ctx context.Context, sess Session) (*Session, error) {
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now()
	}
	sess.CreatedAt = sess.CreatedAt.UTC()

	err := s.submit(ctx, OpCreateSession, func(ctx context.Context, tx *sqlx.Tx) ([]Event, error) {
		_, err := tx.NamedExecContext(ctx, `INSERT INTO sessions (`+sessionColumns+`)
			VALUES (:id, :title, :created_at, :ended_at, :repo_root, :branch, :commit_sha, :tag, :config_source)`, sess)
		if err != nil {
			return nil, err
		}
		return []Event{{Kind: EventSessionCreated, SessionID: sess.ID}}, nil
	})
	if err != nil {
		return nil, mantoraErrors.Wrap(err, "create session")
	}
	return &sess, nil
}

func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	var sess Session
	err := s.db.GetContext(ctx, &sess, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, mantoraErrors.NotFound(fmt.Sprintf("session %s", id))
	}
	if err != nil {
		return nil, s.mapper.MapError(err)
	}
	return &sess, nil
}

// ListSessions returns sessions newest first.
func (s *Store) ListSessions(ctx context.Context, f SessionFilter) ([]Session, error) {
	var (
		where []string
		args  []interface{}
	)
	if f.Tag != "" {
		where = append(where, "tag = ?")
		args = append(args, f.Tag)
	}
	if !f.Since.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, f.Since.UTC())
	}
	if q := strings.TrimSpace(f.Query); q != "" {
		needle := "%" + strings.ToLower(q) + "%"
		where = append(where, "(LOWER(title) LIKE ? OR LOWER(repo_root) LIKE ? OR LOWER(branch) LIKE ? OR LOWER(tag) LIKE ?)")
		args = append(args, needle, needle, needle, needle)
	}
	if f.HasBlocks != nil {
		clause := "EXISTS (SELECT 1 FROM steps WHERE steps.session_id = sessions.id AND steps.kind = 'blocker')"
		if !*f.HasBlocks {
			clause = "NOT " + clause
		}
		where = append(where, clause)
	}
	if f.HasWarnings != nil {
		clause := "EXISTS (SELECT 1 FROM steps WHERE steps.session_id = sessions.id AND steps.warnings != '[]')"
		if !*f.HasWarnings {
			clause = "NOT " + clause
		}
		where = append(where, clause)
	}

	query := `SELECT ` + sessionColumns + ` FROM sessions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	sessions := []Session{}
	if err := s.db.SelectContext(ctx, &sessions, query, args...); err != nil {
		return nil, s.mapper.MapError(err)
	}
	return sessions, nil
}

// UpdateSession changes the mutable fields of a session.
func (s *Store) UpdateSession(ctx context.Context, id string, upd SessionUpdate) (*Session, error) {
	var (
		sets []string
		args []interface{}
	)
	if upd.Title != nil {
		sets = append(sets, "title = ?")
		args = append(args, *upd.Title)
	}
	if upd.Tag != nil {
		sets = append(sets, "tag = ?")
		args = append(args, *upd.Tag)
	}
	if upd.RepoRoot != nil {
		sets = append(sets, "repo_root = ?")
		args = append(args, *upd.RepoRoot)
	}
	if len(sets) == 0 {
		return s.GetSession(ctx, id)
	}
	args = append(args, id)

	err := s.submit(ctx, OpUpdateSession, func(ctx context.Context, tx *sqlx.Tx) ([]Event, error) {
		res, err := tx.ExecContext(ctx, `UPDATE sessions SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
		if err != nil {
			return nil, err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil, mantoraErrors.NotFound(fmt.Sprintf("session %s", id))
		}
		return []Event{{Kind: EventSessionUpdated, SessionID: id}}, nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetSession(ctx, id)
}

// EndSession stamps ended_at. Ending an ended session is a no-op.
func (s *Store) EndSession(ctx context.Context, id string) error {
	at := now()
	return s.submit(ctx, OpUpdateSession, func(ctx context.Context, tx *sqlx.Tx) ([]Event, error) {
		res, err := tx.ExecContext(ctx, `UPDATE sessions SET ended_at = ? WHERE id = ? AND ended_at IS NULL`, at, id)
		if err != nil {
			return nil, err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil, nil
		}
		return []Event{{Kind: EventSessionUpdated, SessionID: id}}, nil
	})
}

// DeleteSession removes a session with its steps, casts and pending
// requests.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	return s.submit(ctx, OpDeleteSession, func(ctx context.Context, tx *sqlx.Tx) ([]Event, error) {
		res, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
		if err != nil {
			return nil, err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil, mantoraErrors.NotFound(fmt.Sprintf("session %s", id))
		}
		return []Event{{Kind: EventSessionDeleted, SessionID: id}}, nil
	})
}

// LastActivity is the time of the newest step, or the session's creation
// time when it has none.
func (s *Store) LastActivity(ctx context.Context, id string) (time.Time, error) {
	sess, err := s.GetSession(ctx, id)
	if err != nil {
		return time.Time{}, err
	}
	var last Step
	err = s.db.GetContext(ctx, &last, `SELECT `+stepColumns+` FROM steps WHERE session_id = ? ORDER BY seq DESC LIMIT 1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return sess.CreatedAt, nil
	}
	if err != nil {
		return time.Time{}, s.mapper.MapError(err)
	}
	return last.CreatedAt, nil
}
