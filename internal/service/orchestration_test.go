package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/travisgalloway/caw/internal/core"
)

func completeTask(t *testing.T, svcs *Services, taskID string) {
	t.Helper()
	ctx := context.Background()
	_, err := svcs.Tasks.UpdateStatus(ctx, taskID, "in_progress", UpdateStatusOpts{})
	require.NoError(t, err)
	_, err = svcs.Tasks.UpdateStatus(ctx, taskID, "completed", UpdateStatusOpts{Outcome: "done"})
	require.NoError(t, err)
}

func TestNextTasksDependencyOrder(t *testing.T) {
	svcs := newTestServices(t)
	ctx := context.Background()

	wf := plannedWorkflow(t, svcs, "dag", []core.TaskSpec{
		{Name: "Task A"},
		{Name: "Task B", DependsOn: []string{"Task A"}},
	})
	a := taskByName(t, wf, "Task A")
	b := taskByName(t, wf, "Task B")

	res, err := svcs.Tasks.NextTasks(ctx, wf.ID, true)
	require.NoError(t, err)
	assert.False(t, res.AllComplete)
	require.Len(t, res.Tasks, 1)
	assert.Equal(t, a.ID, res.Tasks[0].ID)

	completeTask(t, svcs, a.ID)

	res, err = svcs.Tasks.NextTasks(ctx, wf.ID, true)
	require.NoError(t, err)
	require.Len(t, res.Tasks, 1)
	assert.Equal(t, b.ID, res.Tasks[0].ID)

	completeTask(t, svcs, b.ID)

	res, err = svcs.Tasks.NextTasks(ctx, wf.ID, true)
	require.NoError(t, err)
	assert.Empty(t, res.Tasks)
	assert.True(t, res.AllComplete)
}

func TestNextTasksParallelGroupsTogether(t *testing.T) {
	svcs := newTestServices(t)
	ctx := context.Background()

	wf := plannedWorkflow(t, svcs, "fanin", []core.TaskSpec{
		{Name: "Task A", ParallelGroup: "g1"},
		{Name: "Solo"},
		{Name: "Task B", ParallelGroup: "g1"},
		{Name: "Task C", DependsOn: []string{"Task A", "Task B"}},
	})

	res, err := svcs.Tasks.NextTasks(ctx, wf.ID, true)
	require.NoError(t, err)
	require.Len(t, res.Tasks, 3)
	// Group g1 members come back adjacent, pulled ahead of Solo.
	assert.Equal(t, "Task A", res.Tasks[0].Name)
	assert.Equal(t, "Task B", res.Tasks[1].Name)
	assert.Equal(t, "Solo", res.Tasks[2].Name)
}

func TestNextTasksSkipsAssignedAndFailed(t *testing.T) {
	svcs := newTestServices(t)
	ctx := context.Background()

	wf := plannedWorkflow(t, svcs, "skipping", []core.TaskSpec{{Name: "a"}, {Name: "b"}})
	a := taskByName(t, wf, "a")
	b := taskByName(t, wf, "b")

	ag := registerAgent(t, svcs, wf.ID)
	res, err := svcs.Tasks.Claim(ctx, a.ID, ag.ID)
	require.NoError(t, err)
	require.True(t, res.Success)

	next, err := svcs.Tasks.NextTasks(ctx, wf.ID, true)
	require.NoError(t, err)
	require.Len(t, next.Tasks, 1, "assigned tasks are not schedulable")
	assert.Equal(t, b.ID, next.Tasks[0].ID)

	_, err = svcs.Tasks.UpdateStatus(ctx, b.ID, "in_progress", UpdateStatusOpts{})
	require.NoError(t, err)
	_, err = svcs.Tasks.UpdateStatus(ctx, b.ID, "failed", UpdateStatusOpts{Error: "broke"})
	require.NoError(t, err)

	next, err = svcs.Tasks.NextTasks(ctx, wf.ID, true)
	require.NoError(t, err)
	require.Len(t, next.Tasks, 1)
	assert.Equal(t, b.ID, next.Tasks[0].ID, "failed tasks return when include_failed")

	next, err = svcs.Tasks.NextTasks(ctx, wf.ID, false)
	require.NoError(t, err)
	assert.Empty(t, next.Tasks)
}

func TestProgress(t *testing.T) {
	svcs := newTestServices(t)
	ctx := context.Background()

	wf := plannedWorkflow(t, svcs, "progress", []core.TaskSpec{
		{Name: "a"}, {Name: "b"}, {Name: "c"},
	})
	completeTask(t, svcs, taskByName(t, wf, "a").ID)
	_, err := svcs.Tasks.UpdateStatus(ctx, taskByName(t, wf, "b").ID, "skipped", UpdateStatusOpts{})
	require.NoError(t, err)

	p, err := svcs.Tasks.Progress(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, p.TotalTasks)
	assert.Equal(t, 1, p.ByStatus["completed"])
	assert.Equal(t, 1, p.ByStatus["skipped"])
	assert.Equal(t, 1, p.ByStatus["pending"])
	assert.Equal(t, 1, p.EstimatedRemaining, "remaining excludes completed and skipped")
}

func TestCheckDependencies(t *testing.T) {
	svcs := newTestServices(t)
	ctx := context.Background()

	wf := plannedWorkflow(t, svcs, "checkdeps", []core.TaskSpec{
		{Name: "a"}, {Name: "b", DependsOn: []string{"a"}},
	})
	b := taskByName(t, wf, "b")

	check, err := svcs.Tasks.CheckDependencies(ctx, b.ID)
	require.NoError(t, err)
	assert.False(t, check.Ready)
	require.Len(t, check.Dependencies, 1)
	assert.Equal(t, "a", check.Dependencies[0].Name)
	assert.False(t, check.Dependencies[0].Satisfied)

	completeTask(t, svcs, taskByName(t, wf, "a").ID)

	check, err = svcs.Tasks.CheckDependencies(ctx, b.ID)
	require.NoError(t, err)
	assert.True(t, check.Ready)
	assert.True(t, check.Dependencies[0].Satisfied)
}

func TestAvailableRespectsLimit(t *testing.T) {
	svcs := newTestServices(t)
	ctx := context.Background()

	wf := plannedWorkflow(t, svcs, "avail", []core.TaskSpec{
		{Name: "a"}, {Name: "b"}, {Name: "c"},
	})
	tasks, err := svcs.Tasks.Available(ctx, wf.ID, 2)
	require.NoError(t, err)
	assert.Len(t, tasks, 2)

	tasks, err = svcs.Tasks.Available(ctx, wf.ID, 0)
	require.NoError(t, err)
	assert.Len(t, tasks, 3)
}
