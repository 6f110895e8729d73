package store

import (
	"context"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
)

type PruneResult struct {
	ByAge  int `json:"by_age"`
	BySize int `json:"by_size"`
}

func (r PruneResult) Total() int {
	return r.ByAge + r.BySize
}

// Prune deletes sessions created more than retentionDays ago, then the
// oldest sessions until the live data fits in maxBytes, and vacuums when
// anything was removed. Zero disables either bound. The newest session is
// never removed for size.
func (s *Store) Prune(ctx context.Context, retentionDays int, maxBytes int64) (PruneResult, error) {
	var result PruneResult

	err := s.submit(ctx, OpPrune, func(ctx context.Context, tx *sqlx.Tx) ([]Event, error) {
		var events []Event

		if retentionDays > 0 {
			cutoff := now().Add(-time.Duration(retentionDays) * 24 * time.Hour)
			var ids []string
			if err := tx.SelectContext(ctx, &ids, `SELECT id FROM sessions WHERE created_at < ?`, cutoff); err != nil {
				return nil, err
			}
			for _, id := range ids {
				if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
					return nil, err
				}
				events = append(events, Event{Kind: EventSessionDeleted, SessionID: id})
			}
			result.ByAge = len(ids)
		}

		if maxBytes > 0 {
			for {
				size, err := liveBytes(ctx, tx)
				if err != nil {
					return nil, err
				}
				if size <= maxBytes {
					break
				}
				var ids []string
				if err := tx.SelectContext(ctx, &ids, `SELECT id FROM sessions ORDER BY created_at ASC, id LIMIT 2`); err != nil {
					return nil, err
				}
				if len(ids) < 2 {
					break
				}
				if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, ids[0]); err != nil {
					return nil, err
				}
				events = append(events, Event{Kind: EventSessionDeleted, SessionID: ids[0]})
				result.BySize++
			}
		}
		return events, nil
	})
	if err != nil {
		return PruneResult{}, err
	}

	if result.Total() > 0 {
		if err := s.submit(ctx, OpVacuum, nil); err != nil {
			slog.Warn("Vacuum after prune failed", "error", err)
		}
		slog.Info("Pruned sessions", "by_age", result.ByAge, "by_size", result.BySize)
	}
	return result, nil
}

// liveBytes is the database size excluding free pages.
func liveBytes(ctx context.Context, q sqlx.QueryerContext) (int64, error) {
	var pageCount, freePages, pageSize int64
	if err := sqlx.GetContext(ctx, q, &pageCount, `PRAGMA page_count`); err != nil {
		return 0, err
	}
	if err := sqlx.GetContext(ctx, q, &freePages, `PRAGMA freelist_count`); err != nil {
		return 0, err
	}
	if err := sqlx.GetContext(ctx, q, &pageSize, `PRAGMA page_size`); err != nil {
		return 0, err
	}
	return (pageCount - freePages) * pageSize, nil
}

// Size reports the live database size in bytes.
func (s *Store) Size(ctx context.Context) (int64, error) {
	return liveBytes(ctx, s.db)
}
