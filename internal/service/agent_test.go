package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/travisgalloway/caw/internal/core"
)

func TestAgentRegisterDefaults(t *testing.T) {
	svcs := newTestServices(t)
	ctx := context.Background()

	ag, err := svcs.Agents.Register(ctx, RegisterAgentParams{Name: "plain"})
	require.NoError(t, err)
	assert.Equal(t, core.RuntimeCustom, ag.Runtime)
	assert.Equal(t, core.RoleWorker, ag.Role)
	assert.Equal(t, core.AgentOnline, ag.Status)
	assert.Positive(t, ag.LastHeartbeat)

	_, err = svcs.Agents.Register(ctx, RegisterAgentParams{Name: ""})
	assert.True(t, core.IsCode(err, core.CodeInvalidInput))

	_, err = svcs.Agents.Register(ctx, RegisterAgentParams{Name: "x", Runtime: "abacus"})
	assert.True(t, core.IsCode(err, core.CodeInvalidInput))

	_, err = svcs.Agents.Register(ctx, RegisterAgentParams{Name: "x", WorkflowID: "wf_ghost"})
	assert.True(t, core.IsCode(err, core.CodeWorkflowNotFound))
}

func TestAgentHeartbeatAndStale(t *testing.T) {
	svcs := newTestServices(t)
	ctx := context.Background()

	ag, err := svcs.Agents.Register(ctx, RegisterAgentParams{Name: "hb", Capabilities: []string{"go", "sql"}})
	require.NoError(t, err)

	require.NoError(t, svcs.Agents.Heartbeat(ctx, ag.ID))
	err = svcs.Agents.Heartbeat(ctx, "ag_ghost")
	assert.True(t, core.IsCode(err, core.CodeAgentNotFound))

	stale, err := svcs.Agents.Stale(ctx, 60_000)
	require.NoError(t, err)
	assert.Empty(t, stale, "fresh heartbeats are not stale")

	// Age the heartbeat artificially.
	_, err = svcs.Store().Writer().ExecContext(ctx,
		"UPDATE agents SET last_heartbeat = ? WHERE id = ?", core.NowMillis()-120_000, ag.ID)
	require.NoError(t, err)

	stale, err = svcs.Agents.Stale(ctx, 60_000)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, ag.ID, stale[0].ID)
	assert.Equal(t, []string{"go", "sql"}, stale[0].Capabilities)
}

func TestAgentUnregisterReleasesTasks(t *testing.T) {
	svcs := newTestServices(t)
	ctx := context.Background()

	wf := plannedWorkflow(t, svcs, "unreg", []core.TaskSpec{{Name: "working"}, {Name: "asking"}})
	working := taskByName(t, wf, "working")
	asking := taskByName(t, wf, "asking")
	ag := registerAgent(t, svcs, wf.ID)

	res, err := svcs.Tasks.Claim(ctx, working.ID, ag.ID)
	require.NoError(t, err)
	require.True(t, res.Success)
	_, err = svcs.Tasks.UpdateStatus(ctx, working.ID, "in_progress", UpdateStatusOpts{})
	require.NoError(t, err)

	res, err = svcs.Tasks.Claim(ctx, asking.ID, ag.ID)
	require.NoError(t, err)
	require.True(t, res.Success)
	_, err = svcs.Tasks.UpdateStatus(ctx, asking.ID, "in_progress", UpdateStatusOpts{})
	require.NoError(t, err)
	_, err = svcs.Tasks.UpdateStatus(ctx, asking.ID, "paused", UpdateStatusOpts{})
	require.NoError(t, err)

	require.NoError(t, svcs.Agents.Unregister(ctx, ag.ID))

	offline, err := svcs.Agents.Get(ctx, ag.ID)
	require.NoError(t, err)
	assert.Equal(t, core.AgentOffline, offline.Status)
	assert.Empty(t, offline.CurrentTaskID)

	released, err := svcs.Tasks.Get(ctx, working.ID)
	require.NoError(t, err)
	assert.Equal(t, core.TaskStatusPending, released.Status)
	assert.Empty(t, released.AssignedAgentID)

	// The paused task was already unassigned by the pause transition and
	// stays paused through the unregister.
	stillPaused, err := svcs.Tasks.Get(ctx, asking.ID)
	require.NoError(t, err)
	assert.Equal(t, core.TaskStatusPaused, stillPaused.Status)
	assert.Empty(t, stillPaused.AssignedAgentID)
}

func TestAgentUpdateAndList(t *testing.T) {
	svcs := newTestServices(t)
	ctx := context.Background()

	wf := plannedWorkflow(t, svcs, "listing", []core.TaskSpec{{Name: "t"}})
	ag := registerAgent(t, svcs, wf.ID)
	_, err := svcs.Agents.Register(ctx, RegisterAgentParams{Name: "elsewhere"})
	require.NoError(t, err)

	path := "/tmp/wt"
	updated, err := svcs.Agents.Update(ctx, ag.ID, UpdateAgentParams{
		Status: "busy", WorkspacePath: &path,
	})
	require.NoError(t, err)
	assert.Equal(t, core.AgentBusy, updated.Status)
	assert.Equal(t, path, updated.WorkspacePath)

	_, err = svcs.Agents.Update(ctx, ag.ID, UpdateAgentParams{Status: "vacationing"})
	assert.True(t, core.IsCode(err, core.CodeInvalidInput))

	scoped, err := svcs.Agents.List(ctx, AgentFilter{WorkflowID: wf.ID})
	require.NoError(t, err)
	require.Len(t, scoped, 1)
	assert.Equal(t, ag.ID, scoped[0].ID)

	busy, err := svcs.Agents.List(ctx, AgentFilter{Status: "busy"})
	require.NoError(t, err)
	assert.Len(t, busy, 1)
}
