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

const pendingColumns = `id, session_id, created_at, tool_name, request_id, arguments, classification,
	risk_level, reason, blocker_step_id, status, decided_at`

type PendingFilter struct {
	SessionID string
	Status    PendingStatus
	Limit     int
}

// DecisionSummary is the summary recorded on a blocker_decision step.
func DecisionSummary(tool string, status PendingStatus) string {
	switch status {
	case PendingAllowed:
		return fmt.Sprintf("Approved blocked %s request", tool)
	case PendingTimeout:
		return fmt.Sprintf("Auto-denied blocked %s request (timeout)", tool)
	default:
		return fmt.Sprintf("Denied blocked %s request", tool)
	}
}

// CreatePendingRequest inserts req in the pending state together with its
// blocker step, in one transaction. The blocker step's decision starts as
// "pending" and both records share req.ID as the pending id.
func (s *Store) CreatePendingRequest(ctx context.Context, req *PendingRequest, blocker *Step) error {
	if req.SessionID == "" {
		return mantoraErrors.InvalidInput("pending request has no session")
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = now()
	}
	req.CreatedAt = req.CreatedAt.UTC()
	req.Status = PendingOpen
	req.DecidedAt = nil

	blocker.Kind = KindBlocker
	blocker.SessionID = req.SessionID
	blocker.PendingID = req.ID
	blocker.Decision = string(PendingOpen)
	if blocker.Name == "" {
		blocker.Name = req.ToolName
	}
	prepareStep(blocker)
	req.BlockerStepID = blocker.ID

	return s.submit(ctx, OpCreatePending, func(ctx context.Context, tx *sqlx.Tx) ([]Event, error) {
		if err := insertStep(ctx, tx, blocker); err != nil {
			return nil, err
		}
		_, err := tx.NamedExecContext(ctx, `INSERT INTO pending_requests (`+pendingColumns+`) VALUES (
			:id, :session_id, :created_at, :tool_name, :request_id, :arguments, :classification,
			:risk_level, :reason, :blocker_step_id, :status, :decided_at)`, req)
		if err != nil {
			return nil, err
		}
		return []Event{
			{Kind: EventStepAppended, SessionID: req.SessionID, StepID: blocker.ID},
			{Kind: EventPendingCreated, SessionID: req.SessionID, PendingID: req.ID},
		}, nil
	})
}

// ResolvePendingRequest moves a pending request to status and appends its
// blocker_decision step. Only the first resolution succeeds; later ones
// return the stored request with an error wrapping ErrConflict.
func (s *Store) ResolvePendingRequest(ctx context.Context, id string, status PendingStatus) (*PendingRequest, error) {
	if !status.Terminal() {
		return nil, mantoraErrors.InvalidInput(fmt.Sprintf("cannot resolve to %q", status))
	}

	var resolved PendingRequest
	err := s.submit(ctx, OpResolvePending, func(ctx context.Context, tx *sqlx.Tx) ([]Event, error) {
		var req PendingRequest
		err := tx.GetContext(ctx, &req, `SELECT `+pendingColumns+` FROM pending_requests WHERE id = ?`, id)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, mantoraErrors.NotFound(fmt.Sprintf("pending request %s", id))
		}
		if err != nil {
			return nil, err
		}
		resolved = req
		if req.Status.Terminal() {
			return nil, mantoraErrors.Conflict(fmt.Sprintf("pending request %s already %s", id, req.Status))
		}

		at := now()
		res, err := tx.ExecContext(ctx,
			`UPDATE pending_requests SET status = ?, decided_at = ? WHERE id = ? AND status = 'pending'`,
			status, at, id)
		if err != nil {
			return nil, err
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return nil, mantoraErrors.Conflict(fmt.Sprintf("pending request %s already resolved", id))
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE steps SET decision = ? WHERE id = ? AND decision = 'pending'`,
			status, req.BlockerStepID); err != nil {
			return nil, err
		}

		decision := &Step{
			SessionID:         req.SessionID,
			Kind:              KindBlockerDecision,
			Name:              req.ToolName,
			RequestID:         req.RequestID,
			ParentID:          req.BlockerStepID,
			PendingID:         req.ID,
			Decision:          string(status),
			Summary:           DecisionSummary(req.ToolName, status),
			RiskLevel:         req.RiskLevel,
			SQLClassification: req.Classification,
			CreatedAt:         at,
		}
		prepareStep(decision)
		if err := insertStep(ctx, tx, decision); err != nil {
			return nil, err
		}

		resolved.Status = status
		resolved.DecidedAt = &at
		return []Event{
			{Kind: EventPendingResolved, SessionID: req.SessionID, PendingID: req.ID},
			{Kind: EventStepAppended, SessionID: req.SessionID, StepID: decision.ID},
		}, nil
	})
	if err != nil {
		if mantoraErrors.IsCategory(err, mantoraErrors.ErrConflict) {
			return &resolved, err
		}
		return nil, err
	}
	return &resolved, nil
}

func (s *Store) GetPendingRequest(ctx context.Context, id string) (*PendingRequest, error) {
	var req PendingRequest
	err := s.db.GetContext(ctx, &req, `SELECT `+pendingColumns+` FROM pending_requests WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, mantoraErrors.NotFound(fmt.Sprintf("pending request %s", id))
	}
	if err != nil {
		return nil, s.mapper.MapError(err)
	}
	return &req, nil
}

// ListPendingRequests returns matching requests oldest first.
func (s *Store) ListPendingRequests(ctx context.Context, f PendingFilter) ([]PendingRequest, error) {
	query := `SELECT ` + pendingColumns + ` FROM pending_requests WHERE 1 = 1`
	var args []interface{}
	if f.SessionID != "" {
		query += " AND session_id = ?"
		args = append(args, f.SessionID)
	}
	if f.Status != "" {
		query += " AND status = ?"
		args = append(args, f.Status)
	}
	query += " ORDER BY created_at, id"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	reqs := []PendingRequest{}
	if err := s.db.SelectContext(ctx, &reqs, query, args...); err != nil {
		return nil, s.mapper.MapError(err)
	}
	return reqs, nil
}
