// Package approval parks blocked tool calls until a human decides, a
// deadline passes, or the waiting call is abandoned.
package approval

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mantora/mantora/internal/concurrency"
	mantoraErrors "github.com/mantora/mantora/internal/errors"
	"github.com/mantora/mantora/internal/metrics"
	"github.com/mantora/mantora/internal/notify"
	"github.com/mantora/mantora/internal/store"
	"github.com/mantora/mantora/internal/telemetry"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	deniedMessage  = "⛔ BLOCKED: This action was explicitly denied by the user.\nReason: %s\nSTOP: You MUST NOT retry this operation. It is forbidden."
	timeoutMessage = "⏳ TIMEOUT: The user did not approve this action in time.\nReason: %s\nSTOP: Do not retry this operation automatically. Ask the user for guidance."
)

// Store is the slice of the session store the gate needs.
type Store interface {
	CreatePendingRequest(ctx context.Context, req *store.PendingRequest, blocker *store.Step) error
	ResolvePendingRequest(ctx context.Context, id string, status store.PendingStatus) (*store.PendingRequest, error)
	GetPendingRequest(ctx context.Context, id string) (*store.PendingRequest, error)
	ListPendingRequests(ctx context.Context, f store.PendingFilter) ([]store.PendingRequest, error)
}

type Options struct {
	// Timeout bounds the wait; an undecided request resolves to timeout.
	Timeout time.Duration
	// PollInterval is how often Wait re-reads the store, which is how
	// decisions made by another process are seen.
	PollInterval  time.Duration
	NotifyTimeout time.Duration
	Notifiers     []notify.Notifier
}

// Outcome is the final state of a waited request.
type Outcome struct {
	Status  store.PendingStatus
	Request *store.PendingRequest
	Waited  time.Duration
}

func (o Outcome) Allowed() bool {
	return o.Status == store.PendingAllowed
}

// DenialMessage is the text returned to the agent for a refused call.
func DenialMessage(status store.PendingStatus, reason string) string {
	if status == store.PendingTimeout {
		return fmt.Sprintf(timeoutMessage, reason)
	}
	return fmt.Sprintf(deniedMessage, reason)
}

type Gate struct {
	store Store
	opts  Options
	locks *concurrency.KeyedMutex

	mu      sync.Mutex
	waiters map[string]chan store.PendingStatus
}

func NewGate(s Store, opts Options) *Gate {
	if opts.Timeout <= 0 {
		opts.Timeout = 300 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 250 * time.Millisecond
	}
	if opts.NotifyTimeout <= 0 {
		opts.NotifyTimeout = 10 * time.Second
	}
	return &Gate{
		store:   s,
		opts:    opts,
		locks:   concurrency.NewKeyedMutex(),
		waiters: make(map[string]chan store.PendingStatus),
	}
}

func (g *Gate) Timeout() time.Duration {
	return g.opts.Timeout
}

// Open records req as pending together with its blocker step and tells
// the notifiers. The returned request carries the assigned id.
func (g *Gate) Open(ctx context.Context, req *store.PendingRequest, blocker *store.Step) (*store.PendingRequest, error) {
	if blocker == nil {
		blocker = &store.Step{}
	}
	if blocker.Summary == "" {
		blocker.Summary = "Blocked: " + req.Reason
	}
	if blocker.RiskLevel == "" {
		blocker.RiskLevel = req.RiskLevel
	}
	if blocker.SQLClassification == "" {
		blocker.SQLClassification = req.Classification
	}
	if blocker.RequestID == "" {
		blocker.RequestID = req.RequestID
	}

	if err := g.store.CreatePendingRequest(ctx, req, blocker); err != nil {
		return nil, err
	}
	g.register(req.ID)

	slog.Info("Tool call awaiting approval",
		"pending_id", req.ID,
		"session_id", req.SessionID,
		"tool", req.ToolName,
		"risk", req.RiskLevel,
		"reason", req.Reason)

	g.notify(notify.Pending{
		ID:        req.ID,
		SessionID: req.SessionID,
		Tool:      req.ToolName,
		RiskLevel: req.RiskLevel,
		Reason:    req.Reason,
		SQL:       blocker.SQL,
		Timeout:   g.opts.Timeout,
	})
	return req, nil
}

func (g *Gate) notify(p notify.Pending) {
	if len(g.opts.Notifiers) == 0 {
		return
	}
	notifiers := g.opts.Notifiers
	timeout := g.opts.NotifyTimeout
	concurrency.SafeGo("notify-"+p.ID, func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		notify.Broadcast(ctx, notifiers, p)
	}, nil)
}

func (g *Gate) register(id string) chan store.PendingStatus {
	g.mu.Lock()
	defer g.mu.Unlock()
	ch, ok := g.waiters[id]
	if !ok {
		ch = make(chan store.PendingStatus, 1)
		g.waiters[id] = ch
	}
	return ch
}

func (g *Gate) unregister(id string) {
	g.mu.Lock()
	delete(g.waiters, id)
	g.mu.Unlock()
}

func (g *Gate) wake(id string, status store.PendingStatus) {
	g.mu.Lock()
	ch, ok := g.waiters[id]
	g.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- status:
	default:
	}
}

// Waiting reports how many requests currently have a local waiter.
func (g *Gate) Waiting() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.waiters)
}

// Wait blocks until the pending request id reaches a terminal state. The
// deadline counts from the request's creation. If ctx ends first the
// request is resolved to timeout so it never stays pending.
func (g *Gate) Wait(ctx context.Context, id string) (Outcome, error) {
	start := time.Now()
	ctx, span := telemetry.Tracer().Start(ctx, "approval.wait",
		trace.WithAttributes(attribute.String("mantora.pending_id", id)))
	defer span.End()

	ch := g.register(id)
	defer g.unregister(id)

	finish := func(status store.PendingStatus, req *store.PendingRequest) (Outcome, error) {
		waited := time.Since(start)
		metrics.RecordDecision(string(status), waited)
		span.SetAttributes(attribute.String("mantora.decision", string(status)))
		slog.Info("Approval settled", "pending_id", id, "status", status, "waited", waited.Round(time.Millisecond))
		return Outcome{Status: status, Request: req, Waited: waited}, nil
	}

	req, err := g.store.GetPendingRequest(ctx, id)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "lookup failed")
		return Outcome{}, err
	}
	if req.Status.Terminal() {
		return finish(req.Status, req)
	}

	remaining := g.opts.Timeout - time.Since(req.CreatedAt)
	if remaining < 0 {
		remaining = 0
	}
	deadline := time.NewTimer(remaining)
	defer deadline.Stop()
	ticker := time.NewTicker(g.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ch:
			cur, err := g.store.GetPendingRequest(context.WithoutCancel(ctx), id)
			if err != nil {
				return finish(store.PendingDenied, req)
			}
			if cur.Status.Terminal() {
				return finish(cur.Status, cur)
			}
		case <-ticker.C:
			cur, err := g.store.GetPendingRequest(ctx, id)
			if mantoraErrors.IsCategory(err, mantoraErrors.ErrNotFound) {
				slog.Warn("Pending request vanished while waiting", "pending_id", id)
				return finish(store.PendingDenied, req)
			}
			if err != nil {
				slog.Debug("Pending poll failed", "pending_id", id, "error", err)
				continue
			}
			if cur.Status.Terminal() {
				return finish(cur.Status, cur)
			}
		case <-deadline.C:
			cur, status := g.settle(context.WithoutCancel(ctx), id)
			if cur == nil {
				cur = req
			}
			return finish(status, cur)
		case <-ctx.Done():
			cur, status := g.settle(context.WithoutCancel(ctx), id)
			if cur == nil {
				cur = req
			}
			return finish(status, cur)
		}
	}
}

// settle resolves id to timeout, or reports the decision that beat it.
func (g *Gate) settle(ctx context.Context, id string) (*store.PendingRequest, store.PendingStatus) {
	req, err := g.Decide(ctx, id, store.PendingTimeout)
	if err == nil {
		return req, store.PendingTimeout
	}
	if mantoraErrors.IsCategory(err, mantoraErrors.ErrConflict) && req != nil {
		return req, req.Status
	}
	slog.Error("Failed to record approval timeout", "pending_id", id, "error", err)
	return req, store.PendingTimeout
}

// Decide resolves id to status. A request that is already terminal is
// returned as stored together with an error wrapping ErrConflict.
func (g *Gate) Decide(ctx context.Context, id string, status store.PendingStatus) (*store.PendingRequest, error) {
	unlock := g.locks.Lock(id)
	defer unlock()

	req, err := g.store.ResolvePendingRequest(ctx, id, status)
	if err != nil {
		if mantoraErrors.IsCategory(err, mantoraErrors.ErrConflict) && req != nil {
			g.wake(id, req.Status)
		}
		return req, err
	}
	slog.Info("Pending request decided", "pending_id", id, "status", status, "tool", req.ToolName)
	g.wake(id, status)
	return req, nil
}

// CancelSession resolves every open request of sessionID to timeout.
func (g *Gate) CancelSession(ctx context.Context, sessionID string) (int, error) {
	open, err := g.store.ListPendingRequests(ctx, store.PendingFilter{SessionID: sessionID, Status: store.PendingOpen})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, req := range open {
		if _, err := g.Decide(ctx, req.ID, store.PendingTimeout); err != nil {
			if mantoraErrors.IsCategory(err, mantoraErrors.ErrConflict) {
				continue
			}
			return n, err
		}
		n++
	}
	if n > 0 {
		slog.Info("Cancelled pending requests", "session_id", sessionID, "count", n)
	}
	return n, nil
}
