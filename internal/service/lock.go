package service

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/travisgalloway/caw/internal/core"
	"github.com/travisgalloway/caw/internal/state"
)

// LockService implements the per-workflow writer lock. A lock row points at
// the session that is the exclusive writer for plan/state mutations.
type LockService struct {
	st       *state.Store
	sessions *SessionService
}

// LockResult reports a lock attempt. Losing to another session is a result,
// not an error.
type LockResult struct {
	Success  bool   `json:"success"`
	LockedBy string `json:"locked_by,omitempty"`
}

// Lock attempts to acquire the workflow lock for a session. The conditional
// insert is the linearization point; holding the lock already is a success.
func (s *LockService) Lock(ctx context.Context, workflowID, sessionID string) (*LockResult, error) {
	if _, err := s.sessions.Get(ctx, sessionID); err != nil {
		return nil, err
	}
	var wfExists int
	if err := s.st.Reader().QueryRowContext(ctx,
		"SELECT COUNT(*) FROM workflows WHERE id = ?", workflowID).Scan(&wfExists); err != nil {
		return nil, fmt.Errorf("checking workflow: %w", err)
	}
	if wfExists == 0 {
		return nil, core.ErrNotFound(core.CodeWorkflowNotFound, "workflow", workflowID)
	}

	err := s.st.RetryWrite(ctx, "workflow_lock", func() error {
		_, err := s.st.Writer().ExecContext(ctx, `
			INSERT INTO workflow_locks (workflow_id, session_id, locked_at)
			VALUES (?, ?, ?)
		`, workflowID, sessionID, core.NowMillis())
		return err
	})
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") ||
			strings.Contains(err.Error(), "PRIMARY KEY constraint failed") {
			holder, herr := s.GetLockInfo(ctx, workflowID)
			if herr != nil {
				return nil, herr
			}
			if holder != nil && holder.SessionID == sessionID {
				return &LockResult{Success: true}, nil
			}
			lockedBy := ""
			if holder != nil {
				lockedBy = holder.SessionID
			}
			return &LockResult{Success: false, LockedBy: lockedBy}, nil
		}
		return nil, fmt.Errorf("inserting workflow lock: %w", err)
	}
	return &LockResult{Success: true}, nil
}

// Unlock releases the lock if held by the session.
func (s *LockService) Unlock(ctx context.Context, workflowID, sessionID string) (*LockResult, error) {
	var affected int64
	err := s.st.RetryWrite(ctx, "workflow_unlock", func() error {
		res, err := s.st.Writer().ExecContext(ctx,
			"DELETE FROM workflow_locks WHERE workflow_id = ? AND session_id = ?",
			workflowID, sessionID)
		if err != nil {
			return err
		}
		affected, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("deleting workflow lock: %w", err)
	}
	if affected == 0 {
		holder, err := s.GetLockInfo(ctx, workflowID)
		if err != nil {
			return nil, err
		}
		if holder == nil {
			return &LockResult{Success: true}, nil // already unlocked
		}
		return &LockResult{Success: false, LockedBy: holder.SessionID}, nil
	}
	return &LockResult{Success: true}, nil
}

// GetLockInfo returns the lock row, or nil when unlocked.
func (s *LockService) GetLockInfo(ctx context.Context, workflowID string) (*core.WorkflowLock, error) {
	var lock core.WorkflowLock
	err := s.st.Reader().QueryRowContext(ctx,
		"SELECT workflow_id, session_id, locked_at FROM workflow_locks WHERE workflow_id = ?",
		workflowID).Scan(&lock.WorkflowID, &lock.SessionID, &lock.LockedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading workflow lock: %w", err)
	}
	return &lock, nil
}

// IsLockedByOther reports whether another live session holds the lock. A
// lock whose session has vanished does not count.
func (s *LockService) IsLockedByOther(ctx context.Context, workflowID, sessionID string) (bool, string, error) {
	lock, err := s.GetLockInfo(ctx, workflowID)
	if err != nil {
		return false, "", err
	}
	if lock == nil || lock.SessionID == sessionID {
		return false, "", nil
	}
	if _, err := s.sessions.Get(ctx, lock.SessionID); err != nil {
		if core.IsCode(err, core.CodeSessionNotFound) {
			return false, "", nil
		}
		return false, "", err
	}
	return true, lock.SessionID, nil
}

// Guard raises WORKFLOW_LOCKED when sessionID (possibly empty, meaning an
// unlocked legacy caller) is not allowed to mutate the workflow.
func (s *LockService) Guard(ctx context.Context, workflowID, sessionID string) error {
	if sessionID == "" {
		return nil // back-compat: callers without sessions bypass the guard
	}
	locked, holder, err := s.IsLockedByOther(ctx, workflowID, sessionID)
	if err != nil {
		return err
	}
	if locked {
		return NewWorkflowLockedError(workflowID, holder)
	}
	return nil
}

// NewWorkflowLockedError builds the canonical WORKFLOW_LOCKED error.
func NewWorkflowLockedError(workflowID, holder string) *core.ToolError {
	return core.NewToolError(core.CodeWorkflowLocked,
		fmt.Sprintf("workflow %s is locked by session %s", workflowID, holder), true)
}

// ReleaseStale drops locks whose holding session has not heartbeaten within
// maxAgeMs. Returns the number released.
func (s *LockService) ReleaseStale(ctx context.Context, maxAgeMs int64) (int, error) {
	cutoff := core.NowMillis() - maxAgeMs
	var removed int64
	err := s.st.RetryWrite(ctx, "release_stale_locks", func() error {
		res, err := s.st.Writer().ExecContext(ctx, `
			DELETE FROM workflow_locks WHERE session_id IN (
				SELECT id FROM sessions WHERE last_heartbeat < ?
			)
		`, cutoff)
		if err != nil {
			return err
		}
		removed, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("releasing stale locks: %w", err)
	}
	return int(removed), nil
}
