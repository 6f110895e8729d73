package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	mantoraErrors "github.com/mantora/mantora/internal/errors"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

const castColumns = `id, session_id, created_at, kind, title, origin_step_ids, sql_text, columns,
	column_types, rows, total_rows, truncated`

// AddCast records a cast. Casts are read-only once written.
func (s *Store) AddCast(ctx context.Context, c *Cast) error {
	if c.SessionID == "" {
		return mantoraErrors.InvalidInput("cast has no session")
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now()
	}
	c.CreatedAt = c.CreatedAt.UTC()
	if c.Kind == "" {
		c.Kind = "table"
	}
	for _, l := range []*Strings{&c.OriginStepIDs, &c.Columns, &c.ColumnTypes} {
		if *l == nil {
			*l = Strings{}
		}
	}

	return s.submit(ctx, OpAddCast, func(ctx context.Context, tx *sqlx.Tx) ([]Event, error) {
		_, err := tx.NamedExecContext(ctx, `INSERT INTO casts (`+castColumns+`) VALUES (
			:id, :session_id, :created_at, :kind, :title, :origin_step_ids, :sql_text, :columns,
			:column_types, :rows, :total_rows, :truncated)`, c)
		if err != nil {
			return nil, err
		}
		return []Event{{Kind: EventCastAdded, SessionID: c.SessionID, CastID: c.ID}}, nil
	})
}

func (s *Store) GetCast(ctx context.Context, id string) (*Cast, error) {
	var c Cast
	err := s.db.GetContext(ctx, &c, `SELECT `+castColumns+` FROM casts WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, mantoraErrors.NotFound(fmt.Sprintf("cast %s", id))
	}
	if err != nil {
		return nil, s.mapper.MapError(err)
	}
	return &c, nil
}

func (s *Store) ListCasts(ctx context.Context, sessionID string) ([]Cast, error) {
	casts := []Cast{}
	err := s.db.SelectContext(ctx, &casts,
		`SELECT `+castColumns+` FROM casts WHERE session_id = ? ORDER BY created_at, id`, sessionID)
	if err != nil {
		return nil, s.mapper.MapError(err)
	}
	return casts, nil
}
