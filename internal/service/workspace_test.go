package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/travisgalloway/caw/internal/core"
)

func TestWorkspaceLifecycle(t *testing.T) {
	svcs := newTestServices(t)
	ctx := context.Background()

	wf := plannedWorkflow(t, svcs, "trees", []core.TaskSpec{{Name: "t"}})

	ws, err := svcs.Workspaces.Create(ctx, CreateWorkspaceParams{
		WorkflowID: wf.ID, Path: "/tmp/wt/feature", Branch: "feature-x",
	})
	require.NoError(t, err)
	assert.Equal(t, core.WorkspaceActive, ws.Status)
	assert.Equal(t, "main", ws.BaseBranch)

	_, err = svcs.Workspaces.Create(ctx, CreateWorkspaceParams{
		WorkflowID: wf.ID, Branch: "b",
	})
	assert.True(t, core.IsCode(err, core.CodeMissingPath))

	_, err = svcs.Workspaces.Create(ctx, CreateWorkspaceParams{
		WorkflowID: "wf_ghost", Path: "/x", Branch: "b",
	})
	assert.True(t, core.IsCode(err, core.CodeWorkflowNotFound))

	prURL := "https://github.com/org/repo/pull/7"
	got, err := svcs.Workspaces.Update(ctx, ws.ID, UpdateWorkspaceParams{PRURL: &prURL})
	require.NoError(t, err)
	assert.Equal(t, prURL, got.PRURL)

	// merged requires a merge commit.
	_, err = svcs.Workspaces.Update(ctx, ws.ID, UpdateWorkspaceParams{Status: "merged"})
	assert.True(t, core.IsCode(err, core.CodeMissingMergeCommit))

	commit := "abc123"
	got, err = svcs.Workspaces.Update(ctx, ws.ID, UpdateWorkspaceParams{
		Status: "merged", MergeCommit: &commit,
	})
	require.NoError(t, err)
	assert.Equal(t, core.WorkspaceMerged, got.Status)
	assert.Equal(t, commit, got.MergeCommit)

	listed, err := svcs.Workspaces.List(ctx, wf.ID)
	require.NoError(t, err)
	assert.Len(t, listed, 1)
}

func TestWorkspaceAssignTask(t *testing.T) {
	svcs := newTestServices(t)
	ctx := context.Background()

	wf := plannedWorkflow(t, svcs, "assign", []core.TaskSpec{{Name: "t"}})
	other := plannedWorkflow(t, svcs, "elsewhere", []core.TaskSpec{{Name: "o"}})
	task := taskByName(t, wf, "t")
	foreign := taskByName(t, other, "o")

	ws, err := svcs.Workspaces.Create(ctx, CreateWorkspaceParams{
		WorkflowID: wf.ID, Path: "/tmp/wt", Branch: "b",
	})
	require.NoError(t, err)

	require.NoError(t, svcs.Workspaces.AssignTask(ctx, ws.ID, task.ID))
	got, err := svcs.Tasks.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, ws.ID, got.WorkspaceID)

	err = svcs.Workspaces.AssignTask(ctx, ws.ID, foreign.ID)
	assert.True(t, core.IsCode(err, core.CodeWorkflowMismatch))

	err = svcs.Workspaces.AssignTask(ctx, ws.ID, "tk_ghost")
	assert.True(t, core.IsCode(err, core.CodeTaskNotFound))

	err = svcs.Workspaces.AssignTask(ctx, "ws_ghost", task.ID)
	assert.True(t, core.IsCode(err, core.CodeWorkspaceNotFound))
}
