package service

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/travisgalloway/caw/internal/core"
	"github.com/travisgalloway/caw/internal/state"
)

// SessionService tracks client process identities.
type SessionService struct {
	st *state.Store
}

// Register creates a session row for a client process.
func (s *SessionService) Register(ctx context.Context, pid int, isDaemon bool) (*core.Session, error) {
	if pid <= 0 {
		return nil, core.ErrInvalidInput("session pid must be positive")
	}
	now := core.NowMillis()
	sess := &core.Session{
		ID:            core.NewID(core.PrefixSession),
		PID:           pid,
		IsDaemon:      isDaemon,
		LastHeartbeat: now,
		CreatedAt:     now,
	}
	err := s.st.RetryWrite(ctx, "session_register", func() error {
		_, err := s.st.Writer().ExecContext(ctx, `
			INSERT INTO sessions (id, pid, is_daemon, last_heartbeat, created_at)
			VALUES (?, ?, ?, ?, ?)
		`, sess.ID, sess.PID, boolInt(sess.IsDaemon), sess.LastHeartbeat, sess.CreatedAt)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("inserting session: %w", err)
	}
	return sess, nil
}

// Get loads a session by id.
func (s *SessionService) Get(ctx context.Context, id string) (*core.Session, error) {
	var sess core.Session
	var isDaemon int
	err := s.st.Reader().QueryRowContext(ctx,
		"SELECT id, pid, is_daemon, last_heartbeat, created_at FROM sessions WHERE id = ?", id).
		Scan(&sess.ID, &sess.PID, &isDaemon, &sess.LastHeartbeat, &sess.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, core.ErrNotFound(core.CodeSessionNotFound, "session", id)
	}
	if err != nil {
		return nil, fmt.Errorf("loading session: %w", err)
	}
	sess.IsDaemon = isDaemon != 0
	return &sess, nil
}

// Heartbeat refreshes a session's liveness timestamp.
func (s *SessionService) Heartbeat(ctx context.Context, id string) error {
	return s.st.RetryWrite(ctx, "session_heartbeat", func() error {
		res, err := s.st.Writer().ExecContext(ctx,
			"UPDATE sessions SET last_heartbeat = ? WHERE id = ?", core.NowMillis(), id)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return core.ErrNotFound(core.CodeSessionNotFound, "session", id)
		}
		return nil
	})
}

// Deregister removes a session; its workflow locks cascade away.
func (s *SessionService) Deregister(ctx context.Context, id string) error {
	return s.st.RetryWrite(ctx, "session_deregister", func() error {
		_, err := s.st.Writer().ExecContext(ctx, "DELETE FROM sessions WHERE id = ?", id)
		return err
	})
}

// PromoteToDaemon marks a session as the daemon after a successful lock-file
// takeover.
func (s *SessionService) PromoteToDaemon(ctx context.Context, id string) error {
	return s.st.RetryWrite(ctx, "session_promote", func() error {
		res, err := s.st.Writer().ExecContext(ctx,
			"UPDATE sessions SET is_daemon = 1, last_heartbeat = ? WHERE id = ?",
			core.NowMillis(), id)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return core.ErrNotFound(core.CodeSessionNotFound, "session", id)
		}
		return nil
	})
}

// Daemon returns the current daemon session, if any.
func (s *SessionService) Daemon(ctx context.Context) (*core.Session, error) {
	var sess core.Session
	var isDaemon int
	err := s.st.Reader().QueryRowContext(ctx,
		"SELECT id, pid, is_daemon, last_heartbeat, created_at FROM sessions WHERE is_daemon = 1 ORDER BY last_heartbeat DESC LIMIT 1").
		Scan(&sess.ID, &sess.PID, &isDaemon, &sess.LastHeartbeat, &sess.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading daemon session: %w", err)
	}
	sess.IsDaemon = isDaemon != 0
	return &sess, nil
}

// CleanupStale deletes sessions whose heartbeat is older than maxAgeMs,
// cascading their workflow locks. Returns the number removed.
func (s *SessionService) CleanupStale(ctx context.Context, maxAgeMs int64) (int, error) {
	cutoff := core.NowMillis() - maxAgeMs
	var removed int64
	err := s.st.RetryWrite(ctx, "session_cleanup", func() error {
		res, err := s.st.Writer().ExecContext(ctx,
			"DELETE FROM sessions WHERE last_heartbeat < ?", cutoff)
		if err != nil {
			return err
		}
		removed, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("cleaning stale sessions: %w", err)
	}
	return int(removed), nil
}
