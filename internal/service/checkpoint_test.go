package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/travisgalloway/caw/internal/core"
)

func TestCheckpointSequenceIsMonotonic(t *testing.T) {
	svcs := newTestServices(t)
	ctx := context.Background()

	wf := plannedWorkflow(t, svcs, "cps", []core.TaskSpec{{Name: "a"}, {Name: "b"}})
	a := taskByName(t, wf, "a")
	b := taskByName(t, wf, "b")

	first, err := svcs.Checkpoints.Add(ctx, a.ID, core.CheckpointPlan, "made a plan", "", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Sequence)

	second, err := svcs.Checkpoints.Add(ctx, a.ID, core.CheckpointProgress, "halfway", "detail", []string{"main.go"})
	require.NoError(t, err)
	assert.Equal(t, 2, second.Sequence)

	// Sequences are per task.
	other, err := svcs.Checkpoints.Add(ctx, b.ID, core.CheckpointPlan, "b plan", "", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, other.Sequence)

	// checkpoint_add then checkpoint_list returns the row at the next
	// sequence.
	cps, err := svcs.Checkpoints.List(ctx, a.ID, CheckpointFilter{})
	require.NoError(t, err)
	require.Len(t, cps, 2)
	assert.Equal(t, first.ID, cps[0].ID)
	assert.Equal(t, second.ID, cps[1].ID)
	assert.Equal(t, []string{"main.go"}, cps[1].Files)
}

func TestCheckpointValidation(t *testing.T) {
	svcs := newTestServices(t)
	ctx := context.Background()

	wf := plannedWorkflow(t, svcs, "cpv", []core.TaskSpec{{Name: "a"}})
	a := taskByName(t, wf, "a")

	_, err := svcs.Checkpoints.Add(ctx, a.ID, "vibe", "x", "", nil)
	assert.True(t, core.IsCode(err, core.CodeInvalidInput))

	_, err = svcs.Checkpoints.Add(ctx, a.ID, core.CheckpointProgress, "", "", nil)
	assert.True(t, core.IsCode(err, core.CodeInvalidInput))

	_, err = svcs.Checkpoints.Add(ctx, "tk_missing", core.CheckpointProgress, "x", "", nil)
	assert.True(t, core.IsCode(err, core.CodeTaskNotFound))
}

func TestCheckpointListFilters(t *testing.T) {
	svcs := newTestServices(t)
	ctx := context.Background()

	wf := plannedWorkflow(t, svcs, "cpf", []core.TaskSpec{{Name: "a"}})
	a := taskByName(t, wf, "a")

	for _, cp := range []struct {
		typ     core.CheckpointType
		summary string
	}{
		{core.CheckpointPlan, "plan"},
		{core.CheckpointProgress, "p1"},
		{core.CheckpointProgress, "p2"},
		{core.CheckpointError, "boom"},
	} {
		_, err := svcs.Checkpoints.Add(ctx, a.ID, cp.typ, cp.summary, "", nil)
		require.NoError(t, err)
	}

	progress, err := svcs.Checkpoints.List(ctx, a.ID, CheckpointFilter{Types: []string{"progress"}})
	require.NoError(t, err)
	assert.Len(t, progress, 2)

	since, err := svcs.Checkpoints.List(ctx, a.ID, CheckpointFilter{SinceSequence: 2})
	require.NoError(t, err)
	require.Len(t, since, 2)
	assert.Equal(t, 3, since[0].Sequence)

	limited, err := svcs.Checkpoints.List(ctx, a.ID, CheckpointFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}
