package main

import (
	"context"
	"encoding/json"
	"testing"

	mantoraErrors "github.com/mantora/mantora/internal/errors"
	"github.com/mantora/mantora/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPendingLsCmd(t *testing.T) {
	f := setupCLI(t)

	cmd, out := newTestCmd()
	cmd.Flags().String("status", string(store.PendingOpen), "")
	require.NoError(t, pendingLsCmd.RunE(cmd, nil))
	assert.Contains(t, out.String(), f.pendingID)
	assert.Contains(t, out.String(), "CRITICAL")

	cmd, out = newTestCmd()
	cmd.Flags().String("status", "denied", "")
	require.NoError(t, pendingLsCmd.RunE(cmd, nil))
	assert.Contains(t, out.String(), "No pending requests.")

	cmd, _ = newTestCmd()
	cmd.Flags().String("status", "maybe", "")
	assert.Error(t, pendingLsCmd.RunE(cmd, nil))
}

func TestPendingDecide(t *testing.T) {
	tests := []struct {
		name   string
		status store.PendingStatus
	}{
		{
			name:   "allow",
			status: store.PendingAllowed,
		},
		{
			name:   "deny",
			status: store.PendingDenied,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setupCLI(t)
			decideWith := pendingAllowCmd
			if tt.status == store.PendingDenied {
				decideWith = pendingDenyCmd
			}

			cmd, out := newTestCmd()
			require.NoError(t, decideWith.RunE(cmd, []string{f.pendingID}))
			assert.Contains(t, out.String(), string(tt.status))

			// A second decision fails with a conflict and changes nothing.
			cmd, out = newTestCmd()
			err := pendingDenyCmd.RunE(cmd, []string{f.pendingID})
			require.Error(t, err)
			assert.True(t, mantoraErrors.IsCategory(err, mantoraErrors.ErrConflict))
			assert.Contains(t, err.Error(), "already "+string(tt.status))
			assert.Empty(t, out.String())

			st := openFixtureStore(t, f)
			req, err := st.GetPendingRequest(context.Background(), f.pendingID)
			require.NoError(t, err)
			assert.Equal(t, tt.status, req.Status)

			steps, err := st.StepsForPending(context.Background(), f.pendingID)
			require.NoError(t, err)
			require.Len(t, steps, 2)
			assert.Equal(t, store.KindBlocker, steps[0].Kind)
			assert.Equal(t, string(tt.status), steps[0].Decision)
			assert.Equal(t, store.KindBlockerDecision, steps[1].Kind)
		})
	}
}

func TestPendingDecideUnknown(t *testing.T) {
	setupCLI(t)
	cmd, _ := newTestCmd()
	assert.Error(t, pendingAllowCmd.RunE(cmd, []string{"does-not-exist"}))
}

func TestPendingLsJSON(t *testing.T) {
	f := setupCLI(t)

	cmd, out := newTestCmd()
	cmd.Flags().String("status", "all", "")
	cmd.Flags().Bool("json", true, "")
	require.NoError(t, pendingLsCmd.RunE(cmd, nil))

	var reqs []store.PendingRequest
	require.NoError(t, json.Unmarshal(out.Bytes(), &reqs))
	require.Len(t, reqs, 1)
	assert.Equal(t, f.pendingID, reqs[0].ID)
	assert.JSONEq(t, `{"sql":"DROP TABLE orders"}`, string(reqs[0].Arguments))
}
