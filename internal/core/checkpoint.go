package core

// CheckpointType classifies a checkpoint entry.
type CheckpointType string

const (
	CheckpointPlan     CheckpointType = "plan"
	CheckpointProgress CheckpointType = "progress"
	CheckpointDecision CheckpointType = "decision"
	CheckpointError    CheckpointType = "error"
	CheckpointRecovery CheckpointType = "recovery"
	CheckpointComplete CheckpointType = "complete"
	CheckpointReplan   CheckpointType = "replan"
)

// ValidCheckpointType reports whether s names a known checkpoint type.
func ValidCheckpointType(s string) bool {
	switch CheckpointType(s) {
	case CheckpointPlan, CheckpointProgress, CheckpointDecision,
		CheckpointError, CheckpointRecovery, CheckpointComplete, CheckpointReplan:
		return true
	}
	return false
}

// Checkpoint is an append-only progress record within a task. Sequence is
// monotonically increasing per task and allocated atomically on insert.
type Checkpoint struct {
	ID        string         `json:"id"`
	TaskID    string         `json:"task_id"`
	Sequence  int            `json:"sequence"`
	Type      CheckpointType `json:"type"`
	Summary   string         `json:"summary"`
	Detail    string         `json:"detail,omitempty"`
	Files     []string       `json:"files,omitempty"`
	CreatedAt int64          `json:"created_at"`
}
