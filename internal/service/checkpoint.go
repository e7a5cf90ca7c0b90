package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/travisgalloway/caw/internal/core"
	"github.com/travisgalloway/caw/internal/state"
)

// CheckpointService appends and lists immutable per-task progress records.
type CheckpointService struct {
	st *state.Store
}

// Add appends a checkpoint at the task's next sequence.
func (s *CheckpointService) Add(ctx context.Context, taskID string, cpType core.CheckpointType, summary, detail string, files []string) (*core.Checkpoint, error) {
	if !core.ValidCheckpointType(string(cpType)) {
		return nil, core.ErrInvalidInput("unknown checkpoint type: " + string(cpType))
	}
	if summary == "" {
		return nil, core.ErrInvalidInput("checkpoint summary cannot be empty")
	}
	var taskExists int
	if err := s.st.Reader().QueryRowContext(ctx,
		"SELECT COUNT(*) FROM tasks WHERE id = ?", taskID).Scan(&taskExists); err != nil {
		return nil, fmt.Errorf("checking task: %w", err)
	}
	if taskExists == 0 {
		return nil, core.ErrNotFound(core.CodeTaskNotFound, "task", taskID)
	}

	now := core.NowMillis()
	id := core.NewID(core.PrefixCheckpoint)
	err := s.st.InTx(ctx, func(tx *sql.Tx) error {
		return insertCheckpoint(ctx, tx, id, taskID, cpType, summary, detail, files, now)
	})
	if err != nil {
		return nil, err
	}

	var seq int
	if err := s.st.Reader().QueryRowContext(ctx,
		"SELECT sequence FROM checkpoints WHERE id = ?", id).Scan(&seq); err != nil {
		return nil, fmt.Errorf("reading checkpoint sequence: %w", err)
	}
	return &core.Checkpoint{
		ID: id, TaskID: taskID, Sequence: seq, Type: cpType,
		Summary: summary, Detail: detail, Files: files, CreatedAt: now,
	}, nil
}

// addInTx appends a checkpoint inside an existing transaction.
func (s *CheckpointService) addInTx(ctx context.Context, tx *sql.Tx, taskID string, cpType core.CheckpointType, summary, detail string, files []string, now int64) error {
	return insertCheckpoint(ctx, tx, core.NewID(core.PrefixCheckpoint), taskID, cpType, summary, detail, files, now)
}

// insertCheckpoint allocates the per-task sequence atomically with the
// insert, keeping it gapless and strictly increasing under the single
// writer.
func insertCheckpoint(ctx context.Context, tx *sql.Tx, id, taskID string, cpType core.CheckpointType, summary, detail string, files []string, now int64) error {
	var filesJSON any
	if len(files) > 0 {
		b, err := json.Marshal(files)
		if err != nil {
			return fmt.Errorf("marshaling checkpoint files: %w", err)
		}
		filesJSON = string(b)
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO checkpoints (id, task_id, sequence, type, summary, detail, files, created_at)
		SELECT ?, ?, COALESCE(MAX(sequence), 0) + 1, ?, ?, ?, ?, ?
		FROM checkpoints WHERE task_id = ?
	`, id, taskID, cpType, summary, state.NullString(detail), filesJSON, now, taskID)
	if err != nil {
		return fmt.Errorf("inserting checkpoint: %w", err)
	}
	return nil
}

// CheckpointFilter narrows List results.
type CheckpointFilter struct {
	Types         []string
	SinceSequence int
	Limit         int
}

// List returns a task's checkpoints in sequence order.
func (s *CheckpointService) List(ctx context.Context, taskID string, f CheckpointFilter) ([]*core.Checkpoint, error) {
	for _, t := range f.Types {
		if !core.ValidCheckpointType(t) {
			return nil, core.ErrInvalidInput("unknown checkpoint type: " + t)
		}
	}
	q := "SELECT id, task_id, sequence, type, summary, detail, files, created_at FROM checkpoints WHERE task_id = ?"
	args := []any{taskID}
	if len(f.Types) > 0 {
		q += " AND type IN (?" + strings.Repeat(",?", len(f.Types)-1) + ")"
		for _, t := range f.Types {
			args = append(args, t)
		}
	}
	if f.SinceSequence > 0 {
		q += " AND sequence > ?"
		args = append(args, f.SinceSequence)
	}
	q += " ORDER BY sequence"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.st.Reader().QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("listing checkpoints: %w", err)
	}
	defer rows.Close()

	var out []*core.Checkpoint
	for rows.Next() {
		var cp core.Checkpoint
		var detail, filesJSON sql.NullString
		if err := rows.Scan(&cp.ID, &cp.TaskID, &cp.Sequence, &cp.Type,
			&cp.Summary, &detail, &filesJSON, &cp.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning checkpoint: %w", err)
		}
		cp.Detail = nullStr(detail)
		if filesJSON.Valid && filesJSON.String != "" {
			if err := json.Unmarshal([]byte(filesJSON.String), &cp.Files); err != nil {
				return nil, fmt.Errorf("unmarshaling checkpoint files: %w", err)
			}
		}
		out = append(out, &cp)
	}
	return out, rows.Err()
}
