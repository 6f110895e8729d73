package main

import (
	"context"
	"testing"
	"time"

	mantoraErrors "github.com/mantora/mantora/internal/errors"
	"github.com/mantora/mantora/internal/retention"
	"github.com/mantora/mantora/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPruneCmd(t *testing.T) {
	f := setupCLI(t)

	st := openFixtureStore(t, f)
	old, err := st.CreateSession(context.Background(), store.Session{
		Title:     "last month",
		CreatedAt: time.Now().Add(-40 * 24 * time.Hour),
	})
	require.NoError(t, err)
	require.NoError(t, st.Close())

	cmd, out := newTestCmd()
	require.NoError(t, pruneCmd.RunE(cmd, nil))
	assert.Contains(t, out.String(), "Pruned 1 session(s) (1 by age, 0 by size)")

	st = openFixtureStore(t, f)
	_, err = st.GetSession(context.Background(), old.ID)
	assert.True(t, mantoraErrors.IsCategory(err, mantoraErrors.ErrNotFound))
	_, err = st.GetSession(context.Background(), f.sessionID)
	assert.NoError(t, err)
	require.NoError(t, st.Close())

	cmd, out = newTestCmd()
	require.NoError(t, pruneCmd.RunE(cmd, nil))
	assert.Contains(t, out.String(), "Nothing to prune.")
}

func TestPruneCmdLocked(t *testing.T) {
	f := setupCLI(t)

	lock, err := retention.AcquireLock(context.Background(), retention.LockPath(f.dbPath), retention.LockConfig{})
	require.NoError(t, err)
	defer lock.Unlock()

	cmd, _ := newTestCmd()
	cmd.Flags().Duration("wait", 50*time.Millisecond, "")
	err = pruneCmd.RunE(cmd, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "another mantora process is pruning")
}
