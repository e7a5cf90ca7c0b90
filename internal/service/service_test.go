package service

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/travisgalloway/caw/internal/core"
	"github.com/travisgalloway/caw/internal/logging"
	"github.com/travisgalloway/caw/internal/state"
)

func newTestServices(t *testing.T) *Services {
	t.Helper()
	st, err := state.Open(filepath.Join(t.TempDir(), "caw.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return New(st, logging.NewNop())
}

// plannedWorkflow creates a workflow with the given specs and returns it
// with tasks loaded.
func plannedWorkflow(t *testing.T, svcs *Services, name string, specs []core.TaskSpec) *core.Workflow {
	t.Helper()
	ctx := context.Background()
	wf, err := svcs.Workflows.Create(ctx, CreateWorkflowParams{Name: name})
	require.NoError(t, err)
	wf, err = svcs.Workflows.SetPlan(ctx, wf.ID, "plan for "+name, specs)
	require.NoError(t, err)
	return wf
}

func taskByName(t *testing.T, wf *core.Workflow, name string) *core.Task {
	t.Helper()
	for _, task := range wf.Tasks {
		if task.Name == name {
			return task
		}
	}
	t.Fatalf("task %q not found in workflow %s", name, wf.ID)
	return nil
}

func registerAgent(t *testing.T, svcs *Services, workflowID string) *core.Agent {
	t.Helper()
	ag, err := svcs.Agents.Register(context.Background(), RegisterAgentParams{
		Name: "test-agent", Runtime: "claude_code", WorkflowID: workflowID,
	})
	require.NoError(t, err)
	return ag
}
