package session

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iris-hq/iris/internal/common/logger"
)

func setupManager(t *testing.T) *Manager {
	t.Helper()
	return NewManager(setupStore(t), logger.Default())
}

func TestManagerGetOrCreateMintsOnce(t *testing.T) {
	mgr := setupManager(t)
	ctx := context.Background()

	first, err := mgr.GetOrCreate(ctx, "cli", "alpha")
	require.NoError(t, err)
	require.NotEmpty(t, first.SessionID)

	second, err := mgr.GetOrCreate(ctx, "cli", "alpha")
	require.NoError(t, err)
	assert.Equal(t, first.SessionID, second.SessionID, "session id is stable per pair")

	other, err := mgr.GetOrCreate(ctx, "cli", "beta")
	require.NoError(t, err)
	assert.NotEqual(t, first.SessionID, other.SessionID, "each pair gets its own id")
}

func TestManagerGetOrCreateValidatesTeams(t *testing.T) {
	mgr := setupManager(t)

	_, err := mgr.GetOrCreate(context.Background(), "", "alpha")
	assert.Error(t, err)
	_, err = mgr.GetOrCreate(context.Background(), "cli", "")
	assert.Error(t, err)
}

func TestManagerRecordSpawnStoresDebugSnapshot(t *testing.T) {
	mgr := setupManager(t)
	ctx := context.Background()

	sess, err := mgr.GetOrCreate(ctx, "cli", "alpha")
	require.NoError(t, err)

	require.NoError(t, mgr.RecordSpawn(ctx, sess.SessionID, "claude --print", `{"path":"/work/alpha"}`))

	got, err := mgr.GetBySessionID(ctx, sess.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "claude --print", got.LaunchCommand.String)
	assert.Equal(t, `{"path":"/work/alpha"}`, got.TeamConfigSnapshot.String)
	require.True(t, got.CurrentCacheSessionID.Valid)
	assert.Equal(t, sess.SessionID, got.CurrentCacheSessionID.String)
}

func TestManagerRecordCompletion(t *testing.T) {
	mgr := setupManager(t)
	ctx := context.Background()

	sess, err := mgr.GetOrCreate(ctx, "cli", "alpha")
	require.NoError(t, err)
	require.NoError(t, mgr.UpdateProcessState(ctx, sess.SessionID, StateProcessing))

	require.NoError(t, mgr.RecordCompletion(ctx, sess.SessionID, 1_700_000_000_000))

	got, err := mgr.GetBySessionID(ctx, sess.SessionID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, got.MessageCount)
	assert.Equal(t, StateIdle, got.ProcessState)
	assert.EqualValues(t, 1_700_000_000_000, got.LastResponseAt.Int64)
}

func TestManagerResetProcessStatesOnBoot(t *testing.T) {
	mgr := setupManager(t)
	ctx := context.Background()

	sess, err := mgr.GetOrCreate(ctx, "cli", "alpha")
	require.NoError(t, err)
	require.NoError(t, mgr.UpdateProcessState(ctx, sess.SessionID, StateProcessing))

	require.NoError(t, mgr.ResetProcessStates(ctx))

	got, err := mgr.GetBySessionID(ctx, sess.SessionID)
	require.NoError(t, err)
	assert.Equal(t, StateStopped, got.ProcessState)
}
