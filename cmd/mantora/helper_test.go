package main

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/mantora/mantora/internal/config"
	"github.com/mantora/mantora/internal/store"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	dbPath    string
	sessionID string
	pendingID string
}

// setupCLI points HOME and the session database at a temp dir, loads the
// config every command will see and seeds one session with a warned
// query and a blocked DDL call.
func setupCLI(t *testing.T) fixture {
	t.Helper()

	home := t.TempDir()
	t.Setenv("HOME", home)
	dbPath := filepath.Join(home, "data", "sessions.db")
	t.Setenv("MANTORA_STORAGE__SQLITE_PATH", dbPath)
	t.Setenv("MANTORA_RETENTION__ENABLED", "false")

	loaded, err := config.Load(nil)
	require.NoError(t, err)
	prev := cfg
	cfg = loaded
	t.Cleanup(func() { cfg = prev })

	ctx := context.Background()
	st, err := store.Open(ctx, dbPath, store.RuntimeConfigFrom(loaded))
	require.NoError(t, err)
	defer st.Close()

	sess, err := st.CreateSession(ctx, store.Session{Title: "orders audit", Tag: "ci"})
	require.NoError(t, err)

	took := int64(12)
	require.NoError(t, st.AppendStep(ctx, &store.Step{
		SessionID:         sess.ID,
		Kind:              store.KindToolCall,
		Name:              "query",
		Status:            store.StatusOK,
		RiskLevel:         "LOW",
		SQL:               "SELECT * FROM orders",
		SQLClassification: "read",
		Warnings:          store.Strings{"NO_LIMIT", "SELECT_STAR"},
		TablesTouched:     store.Strings{"orders"},
		Summary:           "query: SELECT * FROM orders",
	}))
	require.NoError(t, st.AppendStep(ctx, &store.Step{
		SessionID:  sess.ID,
		Kind:       store.KindToolResult,
		Name:       "query",
		Status:     store.StatusOK,
		DurationMS: &took,
	}))

	req := &store.PendingRequest{
		SessionID:      sess.ID,
		ToolName:       "query",
		RequestID:      "3",
		Arguments:      store.JSON(`{"sql":"DROP TABLE orders"}`),
		Classification: "ddl",
		RiskLevel:      "CRITICAL",
		Reason:         "DDL statements are blocked in protective mode",
	}
	require.NoError(t, st.CreatePendingRequest(ctx, req, &store.Step{Summary: "Blocked: DDL"}))

	return fixture{dbPath: dbPath, sessionID: sess.ID, pendingID: req.ID}
}

func newTestCmd() (*cobra.Command, *bytes.Buffer) {
	buf := &bytes.Buffer{}
	cmd := &cobra.Command{}
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	return cmd, buf
}

func openFixtureStore(t *testing.T, f fixture) *store.Store {
	t.Helper()
	st, err := store.Open(context.Background(), f.dbPath, store.RuntimeConfigFrom(cfg))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}
