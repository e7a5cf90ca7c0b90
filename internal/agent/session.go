package agent

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/travisgalloway/caw/internal/logging"
)

// SessionResult summarizes a finished child process.
type SessionResult struct {
	ReportedSuccess bool     // child emitted result: success
	SawResult       bool     // child emitted any terminal result record
	Errors          []string // errors carried on the result record
	LLMSessionID    string   // session id from the init record, for resume
	ExitErr         error
	Stderr          string
	Aborted         bool
}

// SessionConfig wires one supervised child.
type SessionConfig struct {
	AgentID    string
	TaskID     string
	WorkflowID string

	Spec    SpawnSpec
	Starter Starter

	HeartbeatInterval time.Duration
	Heartbeat         func(ctx context.Context) error

	Stagnation   StagnationConfig
	OnStagnation EscalationHandler

	OnClose func(result SessionResult)

	Logger *logging.Logger
}

// Session supervises one running child process: heartbeat timer, stagnation
// monitor, stdout/stderr readers, and teardown.
type Session struct {
	AgentID    string
	TaskID     string
	WorkflowID string

	proc    Process
	monitor *StagnationMonitor
	logger  *logging.Logger

	cancel  context.CancelFunc
	aborted atomic.Bool
	done    chan struct{}

	mu     sync.Mutex
	result SessionResult
}

// Start spawns the child and begins supervision. OnClose fires exactly once
// after the stdout reader reaches EOF and the process is reaped.
func Start(ctx context.Context, cfg SessionConfig) (*Session, error) {
	if cfg.Logger == nil {
		cfg.Logger = logging.NewNop()
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 15 * time.Second
	}
	starter := cfg.Starter
	if starter == nil {
		starter = ExecStarter
	}

	sessCtx, cancel := context.WithCancel(ctx)
	s := &Session{
		AgentID:    cfg.AgentID,
		TaskID:     cfg.TaskID,
		WorkflowID: cfg.WorkflowID,
		logger:     cfg.Logger.WithAgent(cfg.AgentID).WithTask(cfg.TaskID),
		cancel:     cancel,
		done:       make(chan struct{}),
	}

	proc, err := starter(sessCtx, cfg.Spec)
	if err != nil {
		cancel()
		return nil, err
	}
	s.proc = proc

	s.monitor = NewStagnationMonitor(cfg.Stagnation, cfg.OnStagnation)
	s.monitor.Start(sessCtx)

	// Per-agent heartbeat keeps the agent row live while the child runs.
	go func() {
		ticker := time.NewTicker(cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-sessCtx.Done():
				return
			case <-ticker.C:
				if cfg.Heartbeat != nil {
					if err := cfg.Heartbeat(sessCtx); err != nil {
						s.logger.Warn("agent heartbeat failed", "error", err)
					}
				}
			}
		}
	}()

	stderrCh := make(chan string, 1)
	go func() {
		stderrCh <- CaptureStderr(proc.Stderr(), 64*1024)
	}()

	go func() {
		defer close(s.done)
		readErr := ReadStream(proc.Stdout(), s.handleEvent)
		waitErr := proc.Wait()
		stderr := <-stderrCh

		s.monitor.Stop()
		cancel()

		s.mu.Lock()
		s.result.Stderr = stderr
		s.result.Aborted = s.aborted.Load()
		if waitErr != nil {
			s.result.ExitErr = waitErr
		} else if readErr != nil {
			s.result.ExitErr = readErr
		}
		result := s.result
		s.mu.Unlock()

		if cfg.OnClose != nil {
			cfg.OnClose(result)
		}
	}()

	return s, nil
}

func (s *Session) handleEvent(ev StreamEvent) {
	switch {
	case ev.IsInit():
		s.mu.Lock()
		s.result.LLMSessionID = ev.SessionID
		s.mu.Unlock()
	case ev.Type == "assistant":
		s.monitor.RecordTurn()
		s.monitor.Observe("assistant", snippet(ev.Message), 0)
	case ev.IsResult():
		s.mu.Lock()
		s.result.SawResult = true
		s.result.ReportedSuccess = ev.Success()
		s.result.Errors = ev.Errors
		s.mu.Unlock()
	}
}

// snippet extracts a short stable prefix of the assistant payload for loop
// hashing.
func snippet(raw json.RawMessage) string {
	const max = 200
	if len(raw) > max {
		return string(raw[:max])
	}
	return string(raw)
}

// Abort signals the child to terminate. Cleanup runs once the stdout reader
// returns EOF.
func (s *Session) Abort() {
	if s.aborted.Swap(true) {
		return
	}
	s.logger.Info("aborting agent session")
	if err := s.proc.Signal(syscall.SIGTERM); err != nil {
		s.logger.Debug("signal failed, cancelling context", "error", err)
		s.cancel()
	}
}

// Done reports session completion.
func (s *Session) Done() <-chan struct{} { return s.done }

// Monitor exposes the stagnation monitor (for observation plumbing).
func (s *Session) Monitor() *StagnationMonitor { return s.monitor }
