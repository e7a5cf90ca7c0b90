// Package daemon coordinates one daemon process per database across a pool
// of client processes. The lock file beside the database is the sole
// cross-process primitive besides the database itself.
package daemon

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/renameio/v2"
	"github.com/shirou/gopsutil/v3/process"
)

// LockFile is the UTF-8 JSON sentinel identifying the current daemon.
type LockFile struct {
	PID          int    `json:"pid"`
	Port         int    `json:"port"`
	SessionID    string `json:"session_id"`
	ShuttingDown bool   `json:"shutting_down,omitempty"`
}

// ReadLockFile parses the lock file. os.IsNotExist distinguishes absence.
func ReadLockFile(path string) (*LockFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var lf LockFile
	if err := json.Unmarshal(data, &lf); err != nil {
		return nil, fmt.Errorf("parsing lock file: %w", err)
	}
	return &lf, nil
}

// WriteLockFileExclusive creates the lock file with O_EXCL semantics.
// os.IsExist on the returned error means another process won the race.
func WriteLockFileExclusive(path string, lf *LockFile) error {
	data, err := json.Marshal(lf)
	if err != nil {
		return fmt.Errorf("marshaling lock file: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return fmt.Errorf("writing lock file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return fmt.Errorf("closing lock file: %w", err)
	}
	return nil
}

// RewriteLockFile atomically replaces the lock file contents (used to flag
// shutting_down). O_EXCL cannot express an in-place update, so this goes
// through an atomic rename.
func RewriteLockFile(path string, lf *LockFile) error {
	data, err := json.Marshal(lf)
	if err != nil {
		return fmt.Errorf("marshaling lock file: %w", err)
	}
	if err := renameio.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("rewriting lock file: %w", err)
	}
	return nil
}

// RemoveLockFileIfOwner unlinks the lock file if and only if the session
// still owns it.
func RemoveLockFileIfOwner(path, sessionID string) error {
	lf, err := ReadLockFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if lf.SessionID != sessionID {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing lock file: %w", err)
	}
	return nil
}

// PIDAlive reports whether the process named in a lock file still exists.
func PIDAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	alive, err := process.PidExists(int32(pid))
	return err == nil && alive
}
