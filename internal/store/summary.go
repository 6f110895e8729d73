package store

import (
	"context"
	"sort"

	"github.com/jmoiron/sqlx"
)

// Summary computes the rollup for a session from its steps and casts.
func (s *Store) Summary(ctx context.Context, sessionID string) (*Summary, error) {
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}

	steps, err := s.ListSteps(ctx, sessionID, 0, 0)
	if err != nil {
		return nil, err
	}

	var casts int
	if err := sqlx.GetContext(ctx, s.db, &casts, `SELECT COUNT(*) FROM casts WHERE session_id = ?`, sessionID); err != nil {
		return nil, s.mapper.MapError(err)
	}

	sum := Rollup(steps)
	sum.SessionID = sessionID
	sum.Casts = casts
	return sum, nil
}

// Rollup aggregates steps. Warnings counts warning tags, not steps.
func Rollup(steps []Step) *Summary {
	sum := &Summary{TablesTouched: []string{}}
	tables := make(map[string]struct{})

	for _, st := range steps {
		switch st.Kind {
		case KindToolCall:
			sum.ToolCalls++
			if st.ToolCategory == "query" {
				sum.Queries++
			}
		case KindBlocker:
			sum.Blocks++
		}
		sum.Warnings += len(st.Warnings)
		if st.Status == StatusError {
			sum.Errors++
		}
		if st.DurationMS != nil {
			sum.DurationMSTotal += *st.DurationMS
		}
		for _, t := range st.TablesTouched {
			tables[t] = struct{}{}
		}
	}

	for t := range tables {
		sum.TablesTouched = append(sum.TablesTouched, t)
	}
	sort.Strings(sum.TablesTouched)

	switch {
	case sum.Blocks > 0:
		sum.Status = SummaryBlocked
	case sum.Warnings > 0:
		sum.Status = SummaryWarnings
	default:
		sum.Status = SummaryClean
	}
	return sum
}
