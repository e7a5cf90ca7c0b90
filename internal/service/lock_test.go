package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/travisgalloway/caw/internal/core"
)

func TestWorkflowLockExclusivity(t *testing.T) {
	svcs := newTestServices(t)
	ctx := context.Background()

	wf := plannedWorkflow(t, svcs, "locked", []core.TaskSpec{{Name: "t"}})
	sessA, err := svcs.Sessions.Register(ctx, 1001, false)
	require.NoError(t, err)
	sessB, err := svcs.Sessions.Register(ctx, 1002, false)
	require.NoError(t, err)

	res, err := svcs.Locks.Lock(ctx, wf.ID, sessA.ID)
	require.NoError(t, err)
	assert.True(t, res.Success)

	// Re-locking by the holder succeeds; another session loses.
	res, err = svcs.Locks.Lock(ctx, wf.ID, sessA.ID)
	require.NoError(t, err)
	assert.True(t, res.Success)

	res, err = svcs.Locks.Lock(ctx, wf.ID, sessB.ID)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, sessA.ID, res.LockedBy)

	info, err := svcs.Locks.GetLockInfo(ctx, wf.ID)
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, sessA.ID, info.SessionID)

	// At most one session holds the lock.
	locked, holder, err := svcs.Locks.IsLockedByOther(ctx, wf.ID, sessB.ID)
	require.NoError(t, err)
	assert.True(t, locked)
	assert.Equal(t, sessA.ID, holder)

	// Unlock by a non-holder fails; by the holder succeeds.
	res, err = svcs.Locks.Unlock(ctx, wf.ID, sessB.ID)
	require.NoError(t, err)
	assert.False(t, res.Success)

	res, err = svcs.Locks.Unlock(ctx, wf.ID, sessA.ID)
	require.NoError(t, err)
	assert.True(t, res.Success)

	info, err = svcs.Locks.GetLockInfo(ctx, wf.ID)
	require.NoError(t, err)
	assert.Nil(t, info)
}

func TestLockGuardBackCompat(t *testing.T) {
	svcs := newTestServices(t)
	ctx := context.Background()

	wf := plannedWorkflow(t, svcs, "guarded", []core.TaskSpec{{Name: "t"}})
	sessA, err := svcs.Sessions.Register(ctx, 2001, false)
	require.NoError(t, err)
	sessB, err := svcs.Sessions.Register(ctx, 2002, false)
	require.NoError(t, err)

	res, err := svcs.Locks.Lock(ctx, wf.ID, sessA.ID)
	require.NoError(t, err)
	require.True(t, res.Success)

	// Another session is rejected.
	err = svcs.Locks.Guard(ctx, wf.ID, sessB.ID)
	te := core.AsToolError(err)
	assert.Equal(t, core.CodeWorkflowLocked, te.Code)
	assert.True(t, te.Recoverable)

	// No session id bypasses the guard (back-compat), the holder passes.
	assert.NoError(t, svcs.Locks.Guard(ctx, wf.ID, ""))
	assert.NoError(t, svcs.Locks.Guard(ctx, wf.ID, sessA.ID))
}

func TestGuardIgnoresDeadHolders(t *testing.T) {
	svcs := newTestServices(t)
	ctx := context.Background()

	wf := plannedWorkflow(t, svcs, "dead-holder", []core.TaskSpec{{Name: "t"}})
	holder, err := svcs.Sessions.Register(ctx, 3001, false)
	require.NoError(t, err)
	other, err := svcs.Sessions.Register(ctx, 3002, false)
	require.NoError(t, err)

	res, err := svcs.Locks.Lock(ctx, wf.ID, holder.ID)
	require.NoError(t, err)
	require.True(t, res.Success)

	// Deregistering the holder cascades the lock away.
	require.NoError(t, svcs.Sessions.Deregister(ctx, holder.ID))
	assert.NoError(t, svcs.Locks.Guard(ctx, wf.ID, other.ID))
}

func TestReleaseStaleLocks(t *testing.T) {
	svcs := newTestServices(t)
	ctx := context.Background()

	wf := plannedWorkflow(t, svcs, "stale-locks", []core.TaskSpec{{Name: "t"}})
	sess, err := svcs.Sessions.Register(ctx, 4001, false)
	require.NoError(t, err)
	res, err := svcs.Locks.Lock(ctx, wf.ID, sess.ID)
	require.NoError(t, err)
	require.True(t, res.Success)

	// A live session's lock survives.
	released, err := svcs.Locks.ReleaseStale(ctx, 60_000)
	require.NoError(t, err)
	assert.Zero(t, released)

	_, err = svcs.Store().Writer().ExecContext(ctx,
		"UPDATE sessions SET last_heartbeat = ? WHERE id = ?", core.NowMillis()-120_000, sess.ID)
	require.NoError(t, err)

	released, err = svcs.Locks.ReleaseStale(ctx, 60_000)
	require.NoError(t, err)
	assert.Equal(t, 1, released)

	info, err := svcs.Locks.GetLockInfo(ctx, wf.ID)
	require.NoError(t, err)
	assert.Nil(t, info)
}

func TestSessionLifecycle(t *testing.T) {
	svcs := newTestServices(t)
	ctx := context.Background()

	sess, err := svcs.Sessions.Register(ctx, 5001, false)
	require.NoError(t, err)
	assert.True(t, core.HasPrefix(sess.ID, core.PrefixSession))
	assert.False(t, sess.IsDaemon)

	require.NoError(t, svcs.Sessions.Heartbeat(ctx, sess.ID))
	err = svcs.Sessions.Heartbeat(ctx, "sp_ghost")
	assert.True(t, core.IsCode(err, core.CodeSessionNotFound))

	require.NoError(t, svcs.Sessions.PromoteToDaemon(ctx, sess.ID))
	daemon, err := svcs.Sessions.Daemon(ctx)
	require.NoError(t, err)
	require.NotNil(t, daemon)
	assert.Equal(t, sess.ID, daemon.ID)

	stale, err := svcs.Sessions.Register(ctx, 5002, false)
	require.NoError(t, err)
	_, err = svcs.Store().Writer().ExecContext(ctx,
		"UPDATE sessions SET last_heartbeat = ? WHERE id = ?", core.NowMillis()-120_000, stale.ID)
	require.NoError(t, err)

	removed, err := svcs.Sessions.CleanupStale(ctx, 60_000)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	require.NoError(t, svcs.Sessions.Deregister(ctx, sess.ID))
	_, err = svcs.Sessions.Get(ctx, sess.ID)
	assert.True(t, core.IsCode(err, core.CodeSessionNotFound))
}
