package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	mantoraErrors "github.com/mantora/mantora/internal/errors"
	"github.com/mantora/mantora/internal/metrics"

	"github.com/cenkalti/backoff/v4"
	"github.com/jmoiron/sqlx"
	"github.com/oklog/ulid/v2"
)

const stepColumns = `seq, id, session_id, created_at, kind, name, status, request_id, parent_id, pending_id,
	duration_ms, summary, risk_level, warnings, target_type, tool_category, sql_text, sql_truncated,
	sql_classification, policy_rule_ids, decision, result_rows_shown, result_rows_total, captured_bytes,
	preview_text, preview_truncated, error_message, tables_touched, args, result`

const insertStepSQL = `INSERT INTO steps (
	id, session_id, created_at, kind, name, status, request_id, parent_id, pending_id,
	duration_ms, summary, risk_level, warnings, target_type, tool_category, sql_text, sql_truncated,
	sql_classification, policy_rule_ids, decision, result_rows_shown, result_rows_total, captured_bytes,
	preview_text, preview_truncated, error_message, tables_touched, args, result
) VALUES (
	:id, :session_id, :created_at, :kind, :name, :status, :request_id, :parent_id, :pending_id,
	:duration_ms, :summary, :risk_level, :warnings, :target_type, :tool_category, :sql_text, :sql_truncated,
	:sql_classification, :policy_rule_ids, :decision, :result_rows_shown, :result_rows_total, :captured_bytes,
	:preview_text, :preview_truncated, :error_message, :tables_touched, :args, :result
)`

// NewStepID returns a lexicographically time-ordered step id.
func NewStepID() string {
	return ulid.Make().String()
}

func prepareStep(step *Step) {
	if step.ID == "" {
		step.ID = NewStepID()
	}
	if step.CreatedAt.IsZero() {
		step.CreatedAt = now()
	}
	step.CreatedAt = step.CreatedAt.UTC()
	if step.Status == "" {
		step.Status = StatusOK
	}
	if step.Warnings == nil {
		step.Warnings = Strings{}
	}
	if step.PolicyRuleIDs == nil {
		step.PolicyRuleIDs = Strings{}
	}
	if step.TablesTouched == nil {
		step.TablesTouched = Strings{}
	}
}

func insertStep(ctx context.Context, tx *sqlx.Tx, step *Step) error {
	res, err := tx.NamedExecContext(ctx, insertStepSQL, step)
	if err != nil {
		return err
	}
	if seq, err := res.LastInsertId(); err == nil {
		step.Seq = seq
	}
	return nil
}

// AppendStep durably records step. Transient failures are retried with
// exponential backoff; when AppendStep returns nil the step is committed.
func (s *Store) AppendStep(ctx context.Context, step *Step) error {
	if step.SessionID == "" {
		return mantoraErrors.InvalidInput("step has no session")
	}
	if step.Kind == "" {
		return mantoraErrors.InvalidInput("step has no kind")
	}
	prepareStep(step)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.appendBackoff
	b.MaxInterval = 20 * s.appendBackoff
	b.MaxElapsedTime = 0

	attempt := func() error {
		err := s.submit(ctx, OpAppendStep, func(ctx context.Context, tx *sqlx.Tx) ([]Event, error) {
			if err := insertStep(ctx, tx, step); err != nil {
				return nil, err
			}
			return []Event{{Kind: EventStepAppended, SessionID: step.SessionID, StepID: step.ID}}, nil
		})
		if err != nil && !mantoraErrors.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		metrics.RecordAppendRetry()
		slog.Warn("Step append failed, retrying", "session_id", step.SessionID, "kind", step.Kind, "wait", wait, "error", err)
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(s.appendRetries)), ctx)
	if err := backoff.RetryNotify(attempt, policy, notify); err != nil {
		metrics.RecordAppendFailure()
		return mantoraErrors.Wrap(err, "append step")
	}
	return nil
}

func (s *Store) GetStep(ctx context.Context, id string) (*Step, error) {
	var step Step
	err := s.db.GetContext(ctx, &step, `SELECT `+stepColumns+` FROM steps WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, mantoraErrors.NotFound(fmt.Sprintf("step %s", id))
	}
	if err != nil {
		return nil, s.mapper.MapError(err)
	}
	return &step, nil
}

// ListSteps returns a session's steps in append order. limit <= 0 means
// no limit.
func (s *Store) ListSteps(ctx context.Context, sessionID string, limit, offset int) ([]Step, error) {
	if limit <= 0 {
		limit = -1
	}
	if offset < 0 {
		offset = 0
	}
	steps := []Step{}
	err := s.db.SelectContext(ctx, &steps,
		`SELECT `+stepColumns+` FROM steps WHERE session_id = ? ORDER BY seq LIMIT ? OFFSET ?`,
		sessionID, limit, offset)
	if err != nil {
		return nil, s.mapper.MapError(err)
	}
	return steps, nil
}

// StepsForPending returns the blocker and decision steps sharing a
// pending request id, in append order.
func (s *Store) StepsForPending(ctx context.Context, pendingID string) ([]Step, error) {
	steps := []Step{}
	err := s.db.SelectContext(ctx, &steps,
		`SELECT `+stepColumns+` FROM steps WHERE pending_id = ? ORDER BY seq`, pendingID)
	if err != nil {
		return nil, s.mapper.MapError(err)
	}
	return steps, nil
}
