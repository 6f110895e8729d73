package main

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	mantoraErrors "github.com/mantora/mantora/internal/errors"
	"github.com/mantora/mantora/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionsLsCmd(t *testing.T) {
	t.Run("table", func(t *testing.T) {
		f := setupCLI(t)
		cmd, out := newTestCmd()

		require.NoError(t, sessionsLsCmd.RunE(cmd, nil))
		assert.Contains(t, out.String(), f.sessionID)
		assert.Contains(t, out.String(), "orders audit")
		assert.Contains(t, out.String(), "Total: 1 session(s)")
	})

	t.Run("json with filters", func(t *testing.T) {
		f := setupCLI(t)
		cmd, out := newTestCmd()
		cmd.Flags().Bool("json", false, "")
		cmd.Flags().String("tag", "", "")
		cmd.Flags().Bool("blocked", false, "")
		require.NoError(t, cmd.Flags().Set("json", "true"))
		require.NoError(t, cmd.Flags().Set("tag", "ci"))
		require.NoError(t, cmd.Flags().Set("blocked", "true"))

		require.NoError(t, sessionsLsCmd.RunE(cmd, nil))

		var sessions []store.Session
		require.NoError(t, json.Unmarshal(out.Bytes(), &sessions))
		require.Len(t, sessions, 1)
		assert.Equal(t, f.sessionID, sessions[0].ID)
	})

	t.Run("no match", func(t *testing.T) {
		setupCLI(t)
		cmd, out := newTestCmd()
		cmd.Flags().String("tag", "", "")
		require.NoError(t, cmd.Flags().Set("tag", "nightly"))

		require.NoError(t, sessionsLsCmd.RunE(cmd, nil))
		assert.Contains(t, out.String(), "No sessions found.")
	})

	t.Run("bad since", func(t *testing.T) {
		setupCLI(t)
		cmd, _ := newTestCmd()
		cmd.Flags().String("since", "", "")
		require.NoError(t, cmd.Flags().Set("since", "yesterday"))

		assert.Error(t, sessionsLsCmd.RunE(cmd, nil))
	})
}

func TestSessionsShowAndSummary(t *testing.T) {
	f := setupCLI(t)

	cmd, out := newTestCmd()
	require.NoError(t, sessionsShowCmd.RunE(cmd, []string{f.sessionID}))
	assert.Contains(t, out.String(), "orders audit")
	assert.Contains(t, out.String(), "tool_call")
	assert.Contains(t, out.String(), "blocker")
	assert.Contains(t, out.String(), "12ms")

	cmd, out = newTestCmd()
	cmd.Flags().Bool("json", true, "")
	require.NoError(t, sessionsSummaryCmd.RunE(cmd, []string{f.sessionID}))

	var sum store.Summary
	require.NoError(t, json.Unmarshal(out.Bytes(), &sum))
	assert.Equal(t, store.SummaryBlocked, sum.Status)
	assert.Equal(t, 1, sum.Blocks)
	assert.Equal(t, []string{"orders"}, sum.TablesTouched)

	cmd, _ = newTestCmd()
	err := sessionsShowCmd.RunE(cmd, []string{"missing"})
	assert.True(t, mantoraErrors.IsCategory(err, mantoraErrors.ErrNotFound))
}

func TestSessionsRmCancelsPending(t *testing.T) {
	f := setupCLI(t)

	cmd, out := newTestCmd()
	require.NoError(t, sessionsRmCmd.RunE(cmd, []string{f.sessionID}))
	assert.Contains(t, out.String(), "deleted")

	st := openFixtureStore(t, f)
	_, err := st.GetSession(context.Background(), f.sessionID)
	assert.True(t, mantoraErrors.IsCategory(err, mantoraErrors.ErrNotFound))
	_, err = st.GetPendingRequest(context.Background(), f.pendingID)
	assert.True(t, mantoraErrors.IsCategory(err, mantoraErrors.ErrNotFound))

	cmd, _ = newTestCmd()
	assert.Error(t, sessionsRmCmd.RunE(cmd, []string{f.sessionID}))
}

func TestSessionsExport(t *testing.T) {
	f := setupCLI(t)
	path := filepath.Join(t.TempDir(), "export.json")

	cmd, out := newTestCmd()
	require.NoError(t, sessionsExportCmd.RunE(cmd, []string{f.sessionID, path}))
	assert.Contains(t, out.String(), "Exported 3 step(s)")

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var doc SessionExport
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, f.sessionID, doc.Session.ID)
	assert.Len(t, doc.Steps, 3)
	require.Len(t, doc.Pending, 1)
	assert.Equal(t, store.PendingOpen, doc.Pending[0].Status)
	assert.Equal(t, "protective", doc.Policy.Mode)
	assert.Equal(t, store.SummaryBlocked, doc.Summary.Status)
}
