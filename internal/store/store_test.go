package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	mantoraErrors "github.com/mantora/mantora/internal/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "sessions.db"), RuntimeConfig{
		WriteTimeout:  5 * time.Second,
		AppendBackoff: time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func createSession(t *testing.T, s *Store, title string) *Session {
	t.Helper()
	sess, err := s.CreateSession(context.Background(), Session{Title: title})
	require.NoError(t, err)
	return sess
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "sessions.db")
	ctx := context.Background()

	s, err := Open(ctx, path, RuntimeConfig{})
	require.NoError(t, err)
	sess, err := s.CreateSession(ctx, Session{Title: "first"})
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	s, err = Open(ctx, path, RuntimeConfig{})
	require.NoError(t, err)
	defer s.Close()

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "first", got.Title)

	var version int
	require.NoError(t, s.db.Get(&version, `SELECT MAX(version) FROM schema_version`))
	assert.Equal(t, SchemaVersion(), version)
}

func TestClosedStoreRejectsWrites(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Close())

	_, err := s.CreateSession(context.Background(), Session{})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestSessions(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	a := createSession(t, s, "Alpha audit")
	b, err := s.CreateSession(ctx, Session{Title: "beta", Tag: "nightly", CreatedAt: time.Now().Add(time.Minute)})
	require.NoError(t, err)

	_, err = s.GetSession(ctx, "missing")
	assert.ErrorIs(t, err, mantoraErrors.ErrNotFound)

	all, err := s.ListSessions(ctx, SessionFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, b.ID, all[0].ID, "newest first")

	tagged, err := s.ListSessions(ctx, SessionFilter{Tag: "nightly"})
	require.NoError(t, err)
	require.Len(t, tagged, 1)
	assert.Equal(t, b.ID, tagged[0].ID)

	found, err := s.ListSessions(ctx, SessionFilter{Query: "ALPHA"})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, a.ID, found[0].ID)

	title := "renamed"
	updated, err := s.UpdateSession(ctx, a.ID, SessionUpdate{Title: &title})
	require.NoError(t, err)
	assert.Equal(t, "renamed", updated.Title)

	_, err = s.UpdateSession(ctx, "missing", SessionUpdate{Title: &title})
	assert.ErrorIs(t, err, mantoraErrors.ErrNotFound)

	require.NoError(t, s.EndSession(ctx, a.ID))
	require.NoError(t, s.EndSession(ctx, a.ID))
	ended, err := s.GetSession(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, ended.Ended())
}

func TestAppendStepOrder(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	sess := createSession(t, s, "")

	for _, name := range []string{"list_tables", "query", "describe"} {
		require.NoError(t, s.AppendStep(ctx, &Step{SessionID: sess.ID, Kind: KindToolCall, Name: name}))
	}
	steps, err := s.ListSteps(ctx, sess.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, steps, 3)
	assert.Equal(t, "list_tables", steps[0].Name)
	assert.Equal(t, "describe", steps[2].Name)
	assert.Equal(t, StatusOK, steps[0].Status)
	assert.NotNil(t, steps[0].Warnings)

	page, err := s.ListSteps(ctx, sess.ID, 1, 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "query", page[0].Name)

	err = s.AppendStep(ctx, &Step{SessionID: "missing", Kind: KindNote, Name: "x"})
	assert.Error(t, err, "foreign key")

	err = s.AppendStep(ctx, &Step{Kind: KindNote})
	assert.ErrorIs(t, err, mantoraErrors.ErrInvalidInput)
}

func TestStepRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	sess := createSession(t, s, "")

	shown, total, dur := 2, 40, int64(15)
	in := &Step{
		SessionID:         sess.ID,
		Kind:              KindToolResult,
		Name:              "query",
		RequestID:         `"abc"`,
		DurationMS:        &dur,
		RiskLevel:         "LOW",
		Warnings:          Strings{"SELECT_STAR", "HIGH_ROW_COUNT"},
		SQL:               "SELECT * FROM orders",
		SQLClassification: "read",
		ResultRowsShown:   &shown,
		ResultRowsTotal:   &total,
		PreviewTruncated:  true,
		TablesTouched:     Strings{"orders"},
		Args:              JSON(`{"sql":"SELECT * FROM orders"}`),
	}
	require.NoError(t, s.AppendStep(ctx, in))

	got, err := s.GetStep(ctx, in.ID)
	require.NoError(t, err)
	assert.Equal(t, in.Warnings, got.Warnings)
	assert.Equal(t, 40, *got.ResultRowsTotal)
	assert.Equal(t, int64(15), *got.DurationMS)
	assert.True(t, got.PreviewTruncated)
	assert.JSONEq(t, string(in.Args), string(got.Args))
	assert.Nil(t, got.Result)
	assert.WithinDuration(t, in.CreatedAt, got.CreatedAt, time.Millisecond)
}

func blockedCall(t *testing.T, s *Store, sessionID string) *PendingRequest {
	t.Helper()
	req := &PendingRequest{
		SessionID:      sessionID,
		ToolName:       "execute_sql",
		RequestID:      "7",
		Arguments:      JSON(`{"sql":"DROP TABLE users"}`),
		Classification: "ddl",
		RiskLevel:      "CRITICAL",
		Reason:         "DDL statements are blocked in protective mode",
	}
	blocker := &Step{Name: "execute_sql", RiskLevel: "CRITICAL", Summary: "Blocked execute_sql"}
	require.NoError(t, s.CreatePendingRequest(context.Background(), req, blocker))
	return req
}

func TestPendingLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	sess := createSession(t, s, "")

	req := blockedCall(t, s, sess.ID)
	assert.Equal(t, PendingOpen, req.Status)

	steps, err := s.StepsForPending(ctx, req.ID)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, KindBlocker, steps[0].Kind)
	assert.Equal(t, "pending", steps[0].Decision)
	assert.Equal(t, req.BlockerStepID, steps[0].ID)

	open, err := s.ListPendingRequests(ctx, PendingFilter{Status: PendingOpen})
	require.NoError(t, err)
	require.Len(t, open, 1)

	resolved, err := s.ResolvePendingRequest(ctx, req.ID, PendingAllowed)
	require.NoError(t, err)
	assert.Equal(t, PendingAllowed, resolved.Status)
	require.NotNil(t, resolved.DecidedAt)

	again, err := s.ResolvePendingRequest(ctx, req.ID, PendingAllowed)
	assert.ErrorIs(t, err, mantoraErrors.ErrConflict)
	require.NotNil(t, again)
	assert.Equal(t, PendingAllowed, again.Status)

	_, err = s.ResolvePendingRequest(ctx, req.ID, PendingDenied)
	assert.ErrorIs(t, err, mantoraErrors.ErrConflict)

	steps, err = s.StepsForPending(ctx, req.ID)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, "allowed", steps[0].Decision)
	assert.Equal(t, KindBlockerDecision, steps[1].Kind)
	assert.Equal(t, "allowed", steps[1].Decision)
	assert.Equal(t, "Approved blocked execute_sql request", steps[1].Summary)
	assert.Equal(t, req.BlockerStepID, steps[1].ParentID)

	stored, err := s.GetPendingRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"sql":"DROP TABLE users"}`, string(stored.Arguments))

	_, err = s.ResolvePendingRequest(ctx, "missing", PendingDenied)
	assert.ErrorIs(t, err, mantoraErrors.ErrNotFound)
	_, err = s.ResolvePendingRequest(ctx, req.ID, PendingOpen)
	assert.ErrorIs(t, err, mantoraErrors.ErrInvalidInput)
}

func TestResolveRaceHasOneWinner(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	sess := createSession(t, s, "")
	req := blockedCall(t, s, sess.ID)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		wins      int
		conflicts int
	)
	for i := 0; i < 8; i++ {
		status := PendingAllowed
		if i%2 == 1 {
			status = PendingDenied
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.ResolvePendingRequest(ctx, req.ID, status)
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
	assert.Equal(t, 7, conflicts)

	steps, err := s.StepsForPending(ctx, req.ID)
	require.NoError(t, err)
	assert.Len(t, steps, 2)
}

func TestDeleteSessionCascades(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	sess := createSession(t, s, "")
	req := blockedCall(t, s, sess.ID)
	require.NoError(t, s.AddCast(ctx, &Cast{SessionID: sess.ID, Title: "t", Rows: JSON(`[]`)}))

	require.NoError(t, s.DeleteSession(ctx, sess.ID))
	assert.ErrorIs(t, s.DeleteSession(ctx, sess.ID), mantoraErrors.ErrNotFound)

	_, err := s.GetPendingRequest(ctx, req.ID)
	assert.ErrorIs(t, err, mantoraErrors.ErrNotFound)
	_, err = s.GetStep(ctx, req.BlockerStepID)
	assert.ErrorIs(t, err, mantoraErrors.ErrNotFound)
	casts, err := s.ListCasts(ctx, sess.ID)
	require.NoError(t, err)
	assert.Empty(t, casts)
}

func TestCasts(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	sess := createSession(t, s, "")

	c := &Cast{
		SessionID:     sess.ID,
		Title:         "Top customers",
		OriginStepIDs: Strings{"01HSTEP"},
		Columns:       Strings{"id", "name"},
		ColumnTypes:   Strings{"integer", "string"},
		Rows:          JSON(`[{"id":1,"name":"a"}]`),
		TotalRows:     1,
	}
	require.NoError(t, s.AddCast(ctx, c))

	got, err := s.GetCast(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "table", got.Kind)
	assert.Equal(t, Strings{"id", "name"}, got.Columns)
	assert.JSONEq(t, `[{"id":1,"name":"a"}]`, string(got.Rows))

	_, err = s.GetCast(ctx, "missing")
	assert.ErrorIs(t, err, mantoraErrors.ErrNotFound)
}

func TestSubscribe(t *testing.T) {
	s := openTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	all := s.Subscribe(ctx, "")
	sess := createSession(t, s, "")
	scoped := s.Subscribe(ctx, sess.ID)
	other := createSession(t, s, "")

	require.NoError(t, s.AppendStep(ctx, &Step{SessionID: sess.ID, Kind: KindNote, Name: "note"}))
	require.NoError(t, s.AppendStep(ctx, &Step{SessionID: other.ID, Kind: KindNote, Name: "note"}))

	next := func(ch <-chan Event) Event {
		select {
		case ev := <-ch:
			return ev
		case <-time.After(2 * time.Second):
			t.Fatal("no event")
			return Event{}
		}
	}

	assert.Equal(t, EventSessionCreated, next(all).Kind)
	assert.Equal(t, EventSessionCreated, next(all).Kind)
	assert.Equal(t, EventStepAppended, next(all).Kind)

	ev := next(scoped)
	assert.Equal(t, EventStepAppended, ev.Kind)
	assert.Equal(t, sess.ID, ev.SessionID)
	select {
	case ev := <-scoped:
		t.Fatalf("unexpected event for other session: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}

	cancel()
	select {
	case _, ok := <-scoped:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("subscription not closed")
	}
}

func TestSummary(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	sess := createSession(t, s, "")

	d1, d2 := int64(10), int64(5)
	require.NoError(t, s.AppendStep(ctx, &Step{SessionID: sess.ID, Kind: KindToolCall, Name: "query", ToolCategory: "query",
		Warnings: Strings{"SELECT_STAR", "NO_LIMIT"}, TablesTouched: Strings{"orders"}}))
	require.NoError(t, s.AppendStep(ctx, &Step{SessionID: sess.ID, Kind: KindToolResult, Name: "query", DurationMS: &d1,
		TablesTouched: Strings{"orders", "customers"}}))
	require.NoError(t, s.AppendStep(ctx, &Step{SessionID: sess.ID, Kind: KindToolCall, Name: "list_tables", ToolCategory: "list"}))
	require.NoError(t, s.AppendStep(ctx, &Step{SessionID: sess.ID, Kind: KindToolResult, Name: "list_tables", Status: StatusError, DurationMS: &d2}))
	require.NoError(t, s.AddCast(ctx, &Cast{SessionID: sess.ID, Title: "t", Rows: JSON(`[]`)}))

	sum, err := s.Summary(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.ToolCalls)
	assert.Equal(t, 1, sum.Queries)
	assert.Equal(t, 1, sum.Casts)
	assert.Equal(t, 0, sum.Blocks)
	assert.Equal(t, 2, sum.Warnings)
	assert.Equal(t, 1, sum.Errors)
	assert.Equal(t, int64(15), sum.DurationMSTotal)
	assert.Equal(t, []string{"customers", "orders"}, sum.TablesTouched)
	assert.Equal(t, SummaryWarnings, sum.Status)

	blockedCall(t, s, sess.ID)
	sum, err = s.Summary(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Blocks)
	assert.Equal(t, SummaryBlocked, sum.Status)

	_, err = s.Summary(ctx, "missing")
	assert.ErrorIs(t, err, mantoraErrors.ErrNotFound)
}

func TestPrune(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	old, err := s.CreateSession(ctx, Session{Title: "old", CreatedAt: time.Now().Add(-30 * 24 * time.Hour)})
	require.NoError(t, err)
	fresh := createSession(t, s, "fresh")

	res, err := s.Prune(ctx, 14, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, res.ByAge)

	_, err = s.GetSession(ctx, old.ID)
	assert.ErrorIs(t, err, mantoraErrors.ErrNotFound)
	_, err = s.GetSession(ctx, fresh.ID)
	require.NoError(t, err)

	res, err = s.Prune(ctx, 0, 1)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Total(), "the newest session is kept")

	size, err := s.Size(ctx)
	require.NoError(t, err)
	assert.Positive(t, size)
}
