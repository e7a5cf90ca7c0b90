package core

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewID(t *testing.T) {
	id := NewID(PrefixWorkflow)
	assert.True(t, strings.HasPrefix(id, "wf_"))
	assert.True(t, HasPrefix(id, PrefixWorkflow))
	assert.False(t, HasPrefix(id, PrefixTask))

	other := NewID(PrefixWorkflow)
	assert.NotEqual(t, id, other)
}

func TestWorkflowTransitions(t *testing.T) {
	allowed := []struct{ from, to WorkflowStatus }{
		{WorkflowStatusPlanning, WorkflowStatusReady},
		{WorkflowStatusReady, WorkflowStatusInProgress},
		{WorkflowStatusInProgress, WorkflowStatusPaused},
		{WorkflowStatusPaused, WorkflowStatusInProgress},
		{WorkflowStatusInProgress, WorkflowStatusAwaitingMerge},
		{WorkflowStatusInProgress, WorkflowStatusCompleted},
		{WorkflowStatusAwaitingMerge, WorkflowStatusCompleted},
		{WorkflowStatusPlanning, WorkflowStatusFailed},
		{WorkflowStatusPaused, WorkflowStatusCancelled},
	}
	for _, tr := range allowed {
		assert.True(t, CanTransitionWorkflow(tr.from, tr.to), "%s -> %s", tr.from, tr.to)
	}

	denied := []struct{ from, to WorkflowStatus }{
		{WorkflowStatusPlanning, WorkflowStatusInProgress},
		{WorkflowStatusReady, WorkflowStatusCompleted},
		{WorkflowStatusCompleted, WorkflowStatusInProgress},
		{WorkflowStatusFailed, WorkflowStatusReady},
		{WorkflowStatusCancelled, WorkflowStatusInProgress},
		{WorkflowStatusCompleted, WorkflowStatusFailed},
	}
	for _, tr := range denied {
		assert.False(t, CanTransitionWorkflow(tr.from, tr.to), "%s -> %s", tr.from, tr.to)
	}
}

func TestTaskTransitions(t *testing.T) {
	assert.True(t, CanTransitionTask(TaskStatusPending, TaskStatusPlanning))
	assert.True(t, CanTransitionTask(TaskStatusBlocked, TaskStatusInProgress))
	assert.True(t, CanTransitionTask(TaskStatusInProgress, TaskStatusCompleted))
	assert.True(t, CanTransitionTask(TaskStatusFailed, TaskStatusInProgress), "retry")
	assert.True(t, CanTransitionTask(TaskStatusPaused, TaskStatusInProgress), "resume")

	assert.False(t, CanTransitionTask(TaskStatusCompleted, TaskStatusInProgress))
	assert.False(t, CanTransitionTask(TaskStatusSkipped, TaskStatusPending))
	assert.False(t, CanTransitionTask(TaskStatusPending, TaskStatusCompleted))
	assert.False(t, CanTransitionTask(TaskStatusPending, TaskStatusPaused))
}

func TestTaskPredicates(t *testing.T) {
	task := &Task{Status: TaskStatusPending}
	assert.True(t, task.Claimable())
	assert.True(t, task.Removable())
	assert.False(t, task.IsTerminal())

	task.AssignedAgentID = "ag_x"
	assert.False(t, task.Claimable())

	task = &Task{Status: TaskStatusPlanning, AssignedAgentID: "ag_x"}
	assert.False(t, task.Removable(), "assigned planning tasks are kept")
	task.AssignedAgentID = ""
	assert.True(t, task.Removable())

	task = &Task{Status: TaskStatusInProgress}
	assert.False(t, task.Removable())
	assert.True(t, task.Replannable())

	task = &Task{Status: TaskStatusCompleted}
	assert.True(t, task.IsTerminal())
	assert.False(t, task.Replannable())
}

func TestValidatePlan(t *testing.T) {
	specs := []TaskSpec{
		{Name: "Task A"},
		{Name: "Task B", DependsOn: []string{"Task A"}},
	}
	require.NoError(t, ValidatePlan(specs, nil))

	err := ValidatePlan([]TaskSpec{{Name: "X"}, {Name: "X"}}, nil)
	assert.True(t, IsCode(err, CodeDuplicateTaskName))

	err = ValidatePlan([]TaskSpec{{Name: "circular", DependsOn: []string{"circular"}}}, nil)
	assert.True(t, IsCode(err, CodeSelfDependency))

	err = ValidatePlan([]TaskSpec{{Name: "X", DependsOn: []string{"nope"}}}, nil)
	assert.True(t, IsCode(err, CodeUnknownDependency))

	err = ValidatePlan([]TaskSpec{{Name: "kept"}}, []string{"kept"})
	assert.True(t, IsCode(err, CodeNameConflict))

	// Dependencies on preserved names are fine.
	require.NoError(t, ValidatePlan([]TaskSpec{{Name: "new", DependsOn: []string{"kept"}}}, []string{"kept"}))
}

func TestValidatePlanRejectsCycles(t *testing.T) {
	// Two-task mutual dependency.
	err := ValidatePlan([]TaskSpec{
		{Name: "A", DependsOn: []string{"B"}},
		{Name: "B", DependsOn: []string{"A"}},
	}, nil)
	assert.True(t, IsCode(err, CodeCircularDependency))

	// Longer cycle reached through an acyclic prefix.
	err = ValidatePlan([]TaskSpec{
		{Name: "root"},
		{Name: "A", DependsOn: []string{"root", "C"}},
		{Name: "B", DependsOn: []string{"A"}},
		{Name: "C", DependsOn: []string{"B"}},
	}, nil)
	assert.True(t, IsCode(err, CodeCircularDependency))

	// A diamond is a DAG, not a cycle.
	require.NoError(t, ValidatePlan([]TaskSpec{
		{Name: "top"},
		{Name: "left", DependsOn: []string{"top"}},
		{Name: "right", DependsOn: []string{"top"}},
		{Name: "bottom", DependsOn: []string{"left", "right"}},
	}, nil))

	// Edges into preserved tasks never form a cycle: preserved tasks have
	// no outgoing edges in the new plan.
	require.NoError(t, ValidatePlan([]TaskSpec{
		{Name: "A", DependsOn: []string{"kept"}},
		{Name: "B", DependsOn: []string{"A", "kept"}},
	}, []string{"kept"}))
}

func TestToolError(t *testing.T) {
	te := NewToolError(CodeTaskBlocked, "deps unmet", true)
	assert.True(t, te.Recoverable)
	assert.NotEmpty(t, te.Suggestion)
	assert.Contains(t, te.Error(), "TASK_BLOCKED")

	wrapped := fmt.Errorf("outer: %w", te)
	got := AsToolError(wrapped)
	assert.Equal(t, CodeTaskBlocked, got.Code)
	assert.True(t, IsCode(wrapped, CodeTaskBlocked))

	plain := AsToolError(errors.New("boom"))
	assert.Equal(t, CodeInternalError, plain.Code)
	assert.False(t, plain.Recoverable)
}

func TestEveryCodeHasSuggestion(t *testing.T) {
	codes := []string{
		CodeWorkflowNotFound, CodeTaskNotFound, CodeAgentNotFound, CodeMessageNotFound,
		CodeRecipientNotFound, CodeSenderNotFound, CodeWorkspaceNotFound,
		CodeRepositoryNotFound, CodeTemplateNotFound, CodeSessionNotFound,
		CodeRepositoryInUse, CodeWorkflowLocked, CodeWorkflowMismatch,
		CodeInvalidTransition, CodeInvalidState, CodeInvalidInput, CodeTaskBlocked,
		CodeMissingOutcome, CodeMissingError, CodeMissingMergeCommit,
		CodeMissingRepoPath, CodeMissingPath, CodeMissingVariables,
		CodeDuplicateTaskName, CodeDuplicateTemplate, CodeSelfDependency,
		CodeCircularDependency, CodeUnknownDependency, CodeTaskNotRemovable,
		CodeNameConflict,
		CodeNotClaimed, CodeNotAssigned, CodeAlreadyRunning, CodeNotRunning,
		CodeNotSuspended, CodeSpawnerError, CodeInternalError,
	}
	for _, code := range codes {
		assert.NotEmpty(t, SuggestionFor(code), code)
	}
}
