package approval

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	mantoraErrors "github.com/mantora/mantora/internal/errors"
	"github.com/mantora/mantora/internal/notify"
	"github.com/mantora/mantora/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGate(t *testing.T, opts Options) (*Gate, *store.Store, *store.Session) {
	t.Helper()
	s, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "gate.db"), store.RuntimeConfig{
		WriteTimeout:  5 * time.Second,
		AppendBackoff: time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	sess, err := s.CreateSession(context.Background(), store.Session{Title: "gate"})
	require.NoError(t, err)

	if opts.PollInterval == 0 {
		opts.PollInterval = 10 * time.Millisecond
	}
	return NewGate(s, opts), s, sess
}

func openPending(t *testing.T, g *Gate, sessionID string) *store.PendingRequest {
	t.Helper()
	req, err := g.Open(context.Background(), &store.PendingRequest{
		SessionID:      sessionID,
		ToolName:       "query",
		RequestID:      "7",
		Classification: "destructive",
		RiskLevel:      "CRITICAL",
		Reason:         "DDL is blocked",
	}, &store.Step{SQL: "DROP TABLE users"})
	require.NoError(t, err)
	require.NotEmpty(t, req.ID)
	return req
}

func kinds(steps []store.Step) []store.StepKind {
	out := make([]store.StepKind, 0, len(steps))
	for _, st := range steps {
		out = append(out, st.Kind)
	}
	return out
}

func TestOpenWritesBlockerStep(t *testing.T) {
	g, s, sess := newTestGate(t, Options{Timeout: time.Minute})
	req := openPending(t, g, sess.ID)

	steps, err := s.StepsForPending(context.Background(), req.ID)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, store.KindBlocker, steps[0].Kind)
	assert.Equal(t, "Blocked: DDL is blocked", steps[0].Summary)
	assert.Equal(t, "pending", steps[0].Decision)
	assert.Equal(t, "CRITICAL", steps[0].RiskLevel)
}

func TestDecideWakesWaiter(t *testing.T) {
	g, s, sess := newTestGate(t, Options{Timeout: time.Minute, PollInterval: time.Hour})
	req := openPending(t, g, sess.ID)

	done := make(chan Outcome, 1)
	go func() {
		out, err := g.Wait(context.Background(), req.ID)
		assert.NoError(t, err)
		done <- out
	}()

	require.Eventually(t, func() bool { return g.Waiting() == 1 }, time.Second, 5*time.Millisecond)
	_, err := g.Decide(context.Background(), req.ID, store.PendingAllowed)
	require.NoError(t, err)

	select {
	case out := <-done:
		assert.True(t, out.Allowed())
		assert.Equal(t, store.PendingAllowed, out.Request.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was not woken")
	}

	steps, err := s.StepsForPending(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, []store.StepKind{store.KindBlocker, store.KindBlockerDecision}, kinds(steps))
	assert.Equal(t, "allowed", steps[0].Decision)
	assert.Equal(t, "Approved blocked query request", steps[1].Summary)
	assert.Equal(t, 0, g.Waiting())
}

func TestDoubleDecideIsIdempotent(t *testing.T) {
	g, s, sess := newTestGate(t, Options{Timeout: time.Minute})
	req := openPending(t, g, sess.ID)
	ctx := context.Background()

	_, err := g.Decide(ctx, req.ID, store.PendingDenied)
	require.NoError(t, err)

	got, err := g.Decide(ctx, req.ID, store.PendingAllowed)
	require.Error(t, err)
	assert.ErrorIs(t, err, mantoraErrors.ErrConflict)
	require.NotNil(t, got)
	assert.Equal(t, store.PendingDenied, got.Status)

	steps, err := s.StepsForPending(ctx, req.ID)
	require.NoError(t, err)
	assert.Len(t, steps, 2)
}

func TestConcurrentDecisionsOneWinner(t *testing.T) {
	g, s, sess := newTestGate(t, Options{Timeout: time.Minute})
	req := openPending(t, g, sess.ID)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		wins      int
		conflicts int
	)
	for i := 0; i < 6; i++ {
		status := store.PendingAllowed
		if i%2 == 1 {
			status = store.PendingDenied
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := g.Decide(context.Background(), req.ID, status)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				wins++
			} else if mantoraErrors.IsCategory(err, mantoraErrors.ErrConflict) {
				conflicts++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Equal(t, 5, conflicts)

	steps, err := s.StepsForPending(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, []store.StepKind{store.KindBlocker, store.KindBlockerDecision}, kinds(steps))
}

func TestWaitTimesOut(t *testing.T) {
	g, s, sess := newTestGate(t, Options{Timeout: 50 * time.Millisecond})
	req := openPending(t, g, sess.ID)

	out, err := g.Wait(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, store.PendingTimeout, out.Status)
	assert.False(t, out.Allowed())

	got, err := s.GetPendingRequest(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, store.PendingTimeout, got.Status)
	require.NotNil(t, got.DecidedAt)

	steps, err := s.StepsForPending(context.Background(), req.ID)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, "Auto-denied blocked query request (timeout)", steps[1].Summary)
}

func TestWaitSeesDecisionFromAnotherGate(t *testing.T) {
	g, s, sess := newTestGate(t, Options{Timeout: time.Minute})
	req := openPending(t, g, sess.ID)

	// A second gate over the same store stands in for the CLI process.
	other := NewGate(s, Options{Timeout: time.Minute})
	go func() {
		time.Sleep(30 * time.Millisecond)
		_, _ = other.Decide(context.Background(), req.ID, store.PendingDenied)
	}()

	out, err := g.Wait(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, store.PendingDenied, out.Status)
}

func TestWaitContextCancelResolvesToTimeout(t *testing.T) {
	g, s, sess := newTestGate(t, Options{Timeout: time.Minute})
	req := openPending(t, g, sess.ID)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	out, err := g.Wait(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, store.PendingTimeout, out.Status)

	got, err := s.GetPendingRequest(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, store.PendingTimeout, got.Status)
}

func TestWaitOnDecidedRequestReturnsImmediately(t *testing.T) {
	g, _, sess := newTestGate(t, Options{Timeout: time.Minute})
	req := openPending(t, g, sess.ID)
	_, err := g.Decide(context.Background(), req.ID, store.PendingAllowed)
	require.NoError(t, err)

	out, err := g.Wait(context.Background(), req.ID)
	require.NoError(t, err)
	assert.True(t, out.Allowed())
}

func TestWaitUnknownRequest(t *testing.T) {
	g, _, _ := newTestGate(t, Options{Timeout: time.Minute})
	_, err := g.Wait(context.Background(), "nope")
	assert.ErrorIs(t, err, mantoraErrors.ErrNotFound)
}

func TestCancelSession(t *testing.T) {
	g, s, sess := newTestGate(t, Options{Timeout: time.Minute})
	a := openPending(t, g, sess.ID)
	b := openPending(t, g, sess.ID)
	_, err := g.Decide(context.Background(), b.ID, store.PendingAllowed)
	require.NoError(t, err)
	c := openPending(t, g, sess.ID)

	n, err := g.CancelSession(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for id, want := range map[string]store.PendingStatus{
		a.ID: store.PendingTimeout,
		b.ID: store.PendingAllowed,
		c.ID: store.PendingTimeout,
	} {
		got, err := s.GetPendingRequest(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, want, got.Status, id)
	}
}

type recordingNotifier struct {
	mu  sync.Mutex
	got []notify.Pending
}

func (r *recordingNotifier) Name() string { return "recording" }

func (r *recordingNotifier) Notify(_ context.Context, p notify.Pending) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, p)
	return nil
}

func (r *recordingNotifier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.got)
}

func TestOpenNotifies(t *testing.T) {
	rec := &recordingNotifier{}
	g, _, sess := newTestGate(t, Options{Timeout: time.Minute, Notifiers: []notify.Notifier{rec}})
	req := openPending(t, g, sess.ID)

	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, req.ID, rec.got[0].ID)
	assert.Equal(t, "DROP TABLE users", rec.got[0].SQL)
}

func TestDenialMessage(t *testing.T) {
	assert.Contains(t, DenialMessage(store.PendingDenied, "DDL"), "⛔ BLOCKED")
	assert.Contains(t, DenialMessage(store.PendingDenied, "DDL"), "Reason: DDL")
	assert.Contains(t, DenialMessage(store.PendingTimeout, "DDL"), "⏳ TIMEOUT")
}
