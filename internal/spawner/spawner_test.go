package spawner

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/travisgalloway/caw/internal/agent"
	"github.com/travisgalloway/caw/internal/core"
	"github.com/travisgalloway/caw/internal/events"
	"github.com/travisgalloway/caw/internal/logging"
	"github.com/travisgalloway/caw/internal/service"
	"github.com/travisgalloway/caw/internal/state"
)

var taskIDPattern = regexp.MustCompile(`tk_[a-z2-7]+`)

// fakeProc satisfies agent.Process without a real child. Auto-completing
// procs EOF immediately; hanging procs block until signalled.
type fakeProc struct {
	stdout io.Reader
	pw     *io.PipeWriter
	done   chan struct{}
	once   sync.Once
}

func (p *fakeProc) Stdout() io.Reader { return p.stdout }
func (p *fakeProc) Stderr() io.Reader { return strings.NewReader("") }
func (p *fakeProc) PID() int          { return 4242 }

func (p *fakeProc) Signal(os.Signal) error {
	p.once.Do(func() {
		if p.pw != nil {
			_ = p.pw.Close()
		}
		close(p.done)
	})
	return nil
}

func (p *fakeProc) Wait() error {
	if p.done != nil {
		<-p.done
	}
	return nil
}

// fakeStarter is the mock child: it parses the task id out of the prompt
// and, when auto-complete is on, drives the task to completed through the
// tool-visible transitions before "exiting" with a success result.
type fakeStarter struct {
	svcs         *service.Services
	autoComplete atomic.Bool
	phantom      bool // report success without completing the task

	mu        sync.Mutex
	taskOrder []string
	spawns    int
	procs     []*fakeProc
}

func (f *fakeStarter) start(ctx context.Context, spec agent.SpawnSpec) (agent.Process, error) {
	taskID := taskIDPattern.FindString(spec.Prompt)
	f.mu.Lock()
	f.spawns++
	f.taskOrder = append(f.taskOrder, taskID)
	f.mu.Unlock()

	const stream = "{\"type\":\"system\",\"subtype\":\"init\",\"session_id\":\"sess-fake\"}\n" +
		"{\"type\":\"result\",\"subtype\":\"success\"}\n"

	if f.phantom {
		done := make(chan struct{})
		close(done)
		return &fakeProc{stdout: strings.NewReader(stream), done: done}, nil
	}

	if f.autoComplete.Load() {
		if _, err := f.svcs.Tasks.UpdateStatus(ctx, taskID, "in_progress",
			service.UpdateStatusOpts{}); err != nil {
			return nil, err
		}
		if _, err := f.svcs.Tasks.UpdateStatus(ctx, taskID, "completed",
			service.UpdateStatusOpts{Outcome: "done by fake child"}); err != nil {
			return nil, err
		}
		done := make(chan struct{})
		close(done)
		return &fakeProc{stdout: strings.NewReader(stream), done: done}, nil
	}

	pr, pw := io.Pipe()
	p := &fakeProc{stdout: pr, pw: pw, done: make(chan struct{})}
	f.mu.Lock()
	f.procs = append(f.procs, p)
	f.mu.Unlock()
	return p, nil
}

// signalAll simulates every hanging child exiting on its own.
func (f *fakeStarter) signalAll() {
	f.mu.Lock()
	procs := append([]*fakeProc(nil), f.procs...)
	f.mu.Unlock()
	for _, p := range procs {
		_ = p.Signal(os.Interrupt)
	}
}

func (f *fakeStarter) spawnCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.spawns
}

func (f *fakeStarter) order() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.taskOrder...)
}

type harness struct {
	svcs    *service.Services
	starter *fakeStarter
	spawner *Spawner

	mu     sync.Mutex
	events []events.Event
	kinds  map[events.Kind]int
}

func newHarness(t *testing.T, specs []core.TaskSpec, maxAgents int) (*harness, *core.Workflow) {
	t.Helper()
	ctx := context.Background()

	st, err := state.Open(filepath.Join(t.TempDir(), "caw.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	svcs := service.New(st, logging.NewNop())

	wf, err := svcs.Workflows.Create(ctx, service.CreateWorkflowParams{
		Name: "test workflow", MaxParallelTasks: maxAgents,
	})
	require.NoError(t, err)
	wf, err = svcs.Workflows.SetPlan(ctx, wf.ID, "test plan", specs)
	require.NoError(t, err)

	starter := &fakeStarter{svcs: svcs}
	starter.autoComplete.Store(true)

	sp := New(Config{
		WorkflowID:   wf.ID,
		MaxAgents:    maxAgents,
		ChildBinary:  "fake-agent",
		PollInterval: 20 * time.Millisecond,
		AbortTimeout: 2 * time.Second,
		Starter:      starter.start,
	}, svcs, logging.NewNop())

	h := &harness{svcs: svcs, starter: starter, spawner: sp, kinds: make(map[events.Kind]int)}
	sp.Events().OnAll(func(ev events.Event) {
		h.mu.Lock()
		h.events = append(h.events, ev)
		h.kinds[ev.Kind]++
		h.mu.Unlock()
	})
	t.Cleanup(func() { sp.Shutdown(context.Background()) })
	return h, wf
}

func (h *harness) count(kind events.Kind) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.kinds[kind]
}

func (h *harness) workflowStatus(t *testing.T, id string) core.WorkflowStatus {
	t.Helper()
	wf, err := h.svcs.Workflows.Get(context.Background(), id, false)
	require.NoError(t, err)
	return wf.Status
}

func TestSingleTaskWorkflow(t *testing.T) {
	h, wf := newHarness(t, []core.TaskSpec{{Name: "Only Task"}}, 1)

	require.NoError(t, h.spawner.Start(context.Background()))

	require.Eventually(t, func() bool {
		return h.count(events.WorkflowAllComplete) == 1
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, core.WorkflowStatusCompleted, h.workflowStatus(t, wf.ID))
	assert.Equal(t, 1, h.starter.spawnCount())

	tasks, err := h.svcs.Tasks.ListByWorkflow(context.Background(), wf.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, core.TaskStatusCompleted, tasks[0].Status)
}

func TestSequentialDependency(t *testing.T) {
	h, wf := newHarness(t, []core.TaskSpec{
		{Name: "Task A"},
		{Name: "Task B", DependsOn: []string{"Task A"}},
	}, 1)

	ctx := context.Background()
	full, err := h.svcs.Workflows.Get(ctx, wf.ID, true)
	require.NoError(t, err)
	var aID, bID string
	for _, task := range full.Tasks {
		if task.Name == "Task A" {
			aID = task.ID
		} else {
			bID = task.ID
		}
	}

	require.NoError(t, h.spawner.Start(ctx))
	require.Eventually(t, func() bool {
		return h.count(events.WorkflowAllComplete) == 1
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, 2, h.starter.spawnCount())
	assert.Equal(t, []string{aID, bID}, h.starter.order(), "A must spawn before B")
	assert.Equal(t, core.WorkflowStatusCompleted, h.workflowStatus(t, wf.ID))

	for _, id := range []string{aID, bID} {
		task, err := h.svcs.Tasks.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, core.TaskStatusCompleted, task.Status)
	}
}

func TestFanInParallelGroup(t *testing.T) {
	h, wf := newHarness(t, []core.TaskSpec{
		{Name: "Task A", ParallelGroup: "g1"},
		{Name: "Task B", ParallelGroup: "g1"},
		{Name: "Task C", DependsOn: []string{"Task A", "Task B"}},
	}, 3)

	require.NoError(t, h.spawner.Start(context.Background()))
	require.Eventually(t, func() bool {
		return h.count(events.WorkflowAllComplete) == 1
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, 3, h.starter.spawnCount())
	assert.Equal(t, core.WorkflowStatusCompleted, h.workflowStatus(t, wf.ID))

	// C spawned last, after both group members.
	order := h.starter.order()
	require.Len(t, order, 3)
	full, err := h.svcs.Workflows.Get(context.Background(), wf.ID, true)
	require.NoError(t, err)
	var cID string
	for _, task := range full.Tasks {
		if task.Name == "Task C" {
			cID = task.ID
		}
	}
	assert.Equal(t, cID, order[2])
}

func TestSuspendResume(t *testing.T) {
	h, wf := newHarness(t, []core.TaskSpec{
		{Name: "Task A"},
		{Name: "Task B", DependsOn: []string{"Task A"}},
	}, 1)
	h.starter.autoComplete.Store(false)

	ctx := context.Background()
	require.NoError(t, h.spawner.Start(ctx))

	require.Eventually(t, func() bool {
		st, err := h.spawner.GetStatus(ctx)
		return err == nil && len(st.Agents) == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, core.WorkflowStatusInProgress, h.workflowStatus(t, wf.ID))

	res, err := h.spawner.Suspend(ctx)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.GreaterOrEqual(t, res.AgentsStopped, 1)
	assert.Equal(t, core.WorkflowStatusPaused, h.workflowStatus(t, wf.ID))

	// Suspending twice is NOT_RUNNING.
	_, err = h.spawner.Suspend(ctx)
	assert.True(t, core.IsCode(err, core.CodeNotRunning))

	h.starter.autoComplete.Store(true)
	require.NoError(t, h.spawner.Resume(ctx))

	require.Eventually(t, func() bool {
		return h.count(events.WorkflowAllComplete) == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, core.WorkflowStatusCompleted, h.workflowStatus(t, wf.ID))

	tasks, err := h.svcs.Tasks.ListByWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	for _, task := range tasks {
		assert.Equal(t, core.TaskStatusCompleted, task.Status, task.Name)
	}
}

func TestResumeRequiresPausedWorkflow(t *testing.T) {
	h, _ := newHarness(t, []core.TaskSpec{{Name: "Only"}}, 1)
	err := h.spawner.Resume(context.Background())
	assert.True(t, core.IsCode(err, core.CodeNotSuspended))
}

func TestStartValidatesWorkflowStatus(t *testing.T) {
	h, wf := newHarness(t, []core.TaskSpec{{Name: "Only"}}, 1)
	ctx := context.Background()

	_, err := h.svcs.Workflows.UpdateStatus(ctx, wf.ID, "cancelled", "operator abort")
	require.NoError(t, err)

	err = h.spawner.Start(ctx)
	assert.True(t, core.IsCode(err, core.CodeInvalidState))
}

func TestPhantomCompletionRetriesThenFails(t *testing.T) {
	h, wf := newHarness(t, []core.TaskSpec{{Name: "Liar"}}, 1)
	h.starter.phantom = true

	ctx := context.Background()
	require.NoError(t, h.spawner.Start(ctx))

	// 1 initial spawn + 3 retries, then the task is forced to failed and
	// the workflow stalls.
	require.Eventually(t, func() bool {
		return h.count(events.WorkflowStalled) == 1
	}, 10*time.Second, 10*time.Millisecond)

	assert.Equal(t, MaxRetries, h.count(events.AgentRetrying))
	assert.Equal(t, 1, h.count(events.AgentFailed))
	assert.Equal(t, MaxRetries+1, h.starter.spawnCount())

	tasks, err := h.svcs.Tasks.ListByWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, core.TaskStatusFailed, tasks[0].Status)
	assert.NotEmpty(t, tasks[0].Error)
}

func TestCompletionClassifiesAwaitingMerge(t *testing.T) {
	h, wf := newHarness(t, []core.TaskSpec{{Name: "Ship it"}}, 1)
	ctx := context.Background()

	ws, err := h.svcs.Workspaces.Create(ctx, service.CreateWorkspaceParams{
		WorkflowID: wf.ID, Path: "/tmp/wt", Branch: "feature",
	})
	require.NoError(t, err)
	prURL := "https://github.com/org/repo/pull/1"
	_, err = h.svcs.Workspaces.Update(ctx, ws.ID, service.UpdateWorkspaceParams{PRURL: &prURL})
	require.NoError(t, err)

	require.NoError(t, h.spawner.Start(ctx))
	require.Eventually(t, func() bool {
		return h.count(events.WorkflowAwaitingMerge) == 1
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, core.WorkflowStatusAwaitingMerge, h.workflowStatus(t, wf.ID))
	assert.Zero(t, h.count(events.WorkflowAllComplete))

	h.mu.Lock()
	var prURLs []string
	for _, ev := range h.events {
		if ev.Kind == events.WorkflowAwaitingMerge {
			prURLs = ev.PRURLs
		}
	}
	h.mu.Unlock()
	assert.Equal(t, []string{prURL}, prURLs)
}

func TestQuerySuspendAndAnswerResume(t *testing.T) {
	h, wf := newHarness(t, []core.TaskSpec{{Name: "Curious"}}, 1)
	h.starter.autoComplete.Store(false)

	ctx := context.Background()
	require.NoError(t, h.spawner.Start(ctx))

	// Wait for the worker to claim the task.
	var task *core.Task
	require.Eventually(t, func() bool {
		tasks, err := h.svcs.Tasks.ListByWorkflow(ctx, wf.ID)
		if err != nil || len(tasks) != 1 || tasks[0].AssignedAgentID == "" {
			return false
		}
		task = tasks[0]
		return true
	}, 5*time.Second, 10*time.Millisecond)

	// The child asks the operator a question and pauses its task.
	humans, err := h.svcs.Agents.List(ctx, service.AgentFilter{
		WorkflowID: wf.ID, Role: string(core.RoleCoordinator),
	})
	require.NoError(t, err)
	require.Len(t, humans, 1)
	human := humans[0]

	_, err = h.svcs.Messages.Send(ctx, service.SendParams{
		SenderID: task.AssignedAgentID, RecipientID: human.ID,
		MessageType: string(core.MessageQuery),
		Body:        "which database should I target?",
		TaskID:      task.ID, WorkflowID: wf.ID,
	})
	require.NoError(t, err)
	_, err = h.svcs.Tasks.UpdateStatus(ctx, task.ID, "paused", service.UpdateStatusOpts{})
	require.NoError(t, err)

	// The child exits after asking; its pool slot frees up.
	h.starter.signalAll()
	require.Eventually(t, func() bool {
		st, err := h.spawner.GetStatus(ctx)
		return err == nil && len(st.Agents) == 0
	}, 5*time.Second, 10*time.Millisecond)

	// The poll loop surfaces the query exactly once.
	require.Eventually(t, func() bool {
		return h.count(events.AgentQuery) == 1
	}, 5*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, h.count(events.AgentQuery), "agent_query is deduplicated per task")

	// The operator answers; the task resumes with a fresh agent that now
	// completes it.
	h.starter.autoComplete.Store(true)
	_, err = h.svcs.Messages.Send(ctx, service.SendParams{
		SenderID: human.ID, RecipientID: task.AssignedAgentID,
		MessageType: string(core.MessageResponse),
		Body:        "target sqlite",
		TaskID:      task.ID, WorkflowID: wf.ID,
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return h.count(events.WorkflowAllComplete) == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, core.WorkflowStatusCompleted, h.workflowStatus(t, wf.ID))
	assert.GreaterOrEqual(t, h.starter.spawnCount(), 2, "answering spawns a fresh agent")
}

func TestExternalFailureStopsSpawner(t *testing.T) {
	h, wf := newHarness(t, []core.TaskSpec{{Name: "doomed"}}, 1)
	h.starter.autoComplete.Store(false)

	ctx := context.Background()
	require.NoError(t, h.spawner.Start(ctx))
	require.Eventually(t, func() bool {
		st, err := h.spawner.GetStatus(ctx)
		return err == nil && len(st.Agents) == 1
	}, 5*time.Second, 10*time.Millisecond)

	_, err := h.svcs.Workflows.UpdateStatus(ctx, wf.ID, "failed", "fatal error")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return h.count(events.WorkflowFailed) == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, core.WorkflowStatusFailed, h.workflowStatus(t, wf.ID))
}

func TestRegistryOneSpawnerPerWorkflow(t *testing.T) {
	st, err := state.Open(filepath.Join(t.TempDir(), "caw.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	svcs := service.New(st, logging.NewNop())

	reg := NewRegistry(svcs, Config{ChildBinary: "fake"}, logging.NewNop())

	_, err = reg.Create("wf_1", nil)
	require.NoError(t, err)
	_, err = reg.Create("wf_1", nil)
	assert.True(t, core.IsCode(err, core.CodeAlreadyRunning))

	_, err = reg.Get("wf_1")
	require.NoError(t, err)
	_, err = reg.Get("wf_2")
	assert.True(t, core.IsCode(err, core.CodeNotRunning))

	reg.Remove("wf_1")
	_, err = reg.Get("wf_1")
	assert.True(t, core.IsCode(err, core.CodeNotRunning))
}

func TestResumeWorkflowsReadsPersistedMetadata(t *testing.T) {
	ctx := context.Background()
	st, err := state.Open(filepath.Join(t.TempDir(), "caw.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	svcs := service.New(st, logging.NewNop())

	starter := &fakeStarter{svcs: svcs}
	starter.autoComplete.Store(true)

	// An interrupted workflow: in_progress with persisted spawner metadata.
	wf, err := svcs.Workflows.Create(ctx, service.CreateWorkflowParams{Name: "interrupted"})
	require.NoError(t, err)
	_, err = svcs.Workflows.SetPlan(ctx, wf.ID, "", []core.TaskSpec{{Name: "leftover"}})
	require.NoError(t, err)
	_, err = svcs.Workflows.UpdateStatus(ctx, wf.ID, "in_progress", "")
	require.NoError(t, err)
	require.NoError(t, svcs.Workflows.UpdateConfig(ctx, wf.ID,
		`{"max_agents":2,"child_binary":"fake-agent"}`))

	// One with no metadata: skipped.
	bare, err := svcs.Workflows.Create(ctx, service.CreateWorkflowParams{Name: "bare"})
	require.NoError(t, err)
	_, err = svcs.Workflows.SetPlan(ctx, bare.ID, "", []core.TaskSpec{{Name: "x"}})
	require.NoError(t, err)
	_, err = svcs.Workflows.UpdateStatus(ctx, bare.ID, "in_progress", "")
	require.NoError(t, err)

	reg := NewRegistry(svcs, Config{
		PollInterval: 20 * time.Millisecond,
		Starter:      starter.start,
	}, logging.NewNop())
	t.Cleanup(func() { reg.ShutdownAll(context.Background()) })

	report, err := reg.ResumeWorkflows(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{wf.ID}, report.Resumed)
	assert.Equal(t, []string{bare.ID}, report.Skipped)

	require.Eventually(t, func() bool {
		got, err := svcs.Workflows.Get(ctx, wf.ID, false)
		return err == nil && got.Status == core.WorkflowStatusCompleted
	}, 5*time.Second, 10*time.Millisecond)
}

func TestRunResolvesOutcome(t *testing.T) {
	h, wf := newHarness(t, []core.TaskSpec{{Name: "Only"}}, 1)

	var reported []events.Event
	var mu sync.Mutex
	outcome, err := Run(context.Background(), h.spawner, RunOptions{
		Reporter: func(ev events.Event) {
			mu.Lock()
			reported = append(reported, ev)
			mu.Unlock()
		},
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, outcome.Kind)
	assert.Equal(t, core.WorkflowStatusCompleted, h.workflowStatus(t, wf.ID))
	mu.Lock()
	assert.NotEmpty(t, reported)
	mu.Unlock()
}
