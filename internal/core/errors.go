package core

import (
	"errors"
	"fmt"
)

// ToolError is the structured error returned across the RPC boundary.
// Code enumerates a closed taxonomy; Recoverable signals that the caller can
// retry after correcting its inputs.
type ToolError struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
	Suggestion  string `json:"suggestion"`
	cause       error
}

// Error implements the error interface.
func (e *ToolError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *ToolError) Unwrap() error { return e.cause }

// Is matches errors by code.
func (e *ToolError) Is(target error) bool {
	t, ok := target.(*ToolError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// WithCause attaches an underlying error.
func (e *ToolError) WithCause(cause error) *ToolError {
	e.cause = cause
	return e
}

// Error codes. Every code except INTERNAL_ERROR is emitted only when its
// condition is matched exactly; INTERNAL_ERROR is the sole default.
const (
	CodeWorkflowNotFound   = "WORKFLOW_NOT_FOUND"
	CodeTaskNotFound       = "TASK_NOT_FOUND"
	CodeAgentNotFound      = "AGENT_NOT_FOUND"
	CodeMessageNotFound    = "MESSAGE_NOT_FOUND"
	CodeRecipientNotFound  = "RECIPIENT_NOT_FOUND"
	CodeSenderNotFound     = "SENDER_NOT_FOUND"
	CodeWorkspaceNotFound  = "WORKSPACE_NOT_FOUND"
	CodeRepositoryNotFound = "REPOSITORY_NOT_FOUND"
	CodeTemplateNotFound   = "TEMPLATE_NOT_FOUND"
	CodeSessionNotFound    = "SESSION_NOT_FOUND"
	CodeRepositoryInUse    = "REPOSITORY_IN_USE"
	CodeWorkflowLocked     = "WORKFLOW_LOCKED"
	CodeWorkflowMismatch   = "WORKFLOW_MISMATCH"
	CodeInvalidTransition  = "INVALID_TRANSITION"
	CodeInvalidState       = "INVALID_STATE"
	CodeInvalidInput       = "INVALID_INPUT"
	CodeTaskBlocked        = "TASK_BLOCKED"
	CodeMissingOutcome     = "MISSING_OUTCOME"
	CodeMissingError       = "MISSING_ERROR"
	CodeMissingMergeCommit = "MISSING_MERGE_COMMIT"
	CodeMissingRepoPath    = "MISSING_REPO_PATH"
	CodeMissingPath        = "MISSING_PATH"
	CodeMissingVariables   = "MISSING_VARIABLES"
	CodeDuplicateTaskName  = "DUPLICATE_TASK_NAME"
	CodeDuplicateTemplate  = "DUPLICATE_TEMPLATE"
	CodeSelfDependency     = "SELF_DEPENDENCY"
	CodeCircularDependency = "CIRCULAR_DEPENDENCY"
	CodeUnknownDependency  = "UNKNOWN_DEPENDENCY"
	CodeTaskNotRemovable   = "TASK_NOT_REMOVABLE"
	CodeNameConflict       = "NAME_CONFLICT"
	CodeNotClaimed         = "NOT_CLAIMED"
	CodeNotAssigned        = "NOT_ASSIGNED"
	CodeAlreadyRunning     = "ALREADY_RUNNING"
	CodeNotRunning         = "NOT_RUNNING"
	CodeNotSuspended       = "NOT_SUSPENDED"
	CodeSpawnerError       = "SPAWNER_ERROR"
	CodeInternalError      = "INTERNAL_ERROR"
)

// suggestions maps each code to the fixed hint attached on the wire.
var suggestions = map[string]string{
	CodeWorkflowNotFound:   "Check the workflow id; use workflow_list to see known workflows.",
	CodeTaskNotFound:       "Check the task id; use workflow_get with include_tasks to list tasks.",
	CodeAgentNotFound:      "Check the agent id; use agent_list to see registered agents.",
	CodeMessageNotFound:    "Check the message id; use message_list to see your messages.",
	CodeRecipientNotFound:  "Register the recipient agent before sending to it.",
	CodeSenderNotFound:     "Register the sender agent before sending from it.",
	CodeWorkspaceNotFound:  "Check the workspace id; use workspace_list to see workspaces.",
	CodeRepositoryNotFound: "Check the repository id; use repository_list to see repositories.",
	CodeTemplateNotFound:   "Check the template id; use template_list to see templates.",
	CodeSessionNotFound:    "The session no longer exists; re-register before retrying.",
	CodeRepositoryInUse:    "Detach the repository from its workflows before removing it.",
	CodeWorkflowLocked:     "Another session holds the workflow lock; retry after it is released.",
	CodeWorkflowMismatch:   "The referenced entities belong to different workflows.",
	CodeInvalidTransition:  "Consult the workflow state machine for allowed transitions.",
	CodeInvalidState:       "The entity is not in a state that allows this operation.",
	CodeInvalidInput:       "Correct the invalid field and retry.",
	CodeTaskBlocked:        "Complete or skip the task's dependencies first.",
	CodeMissingOutcome:     "Provide a non-empty outcome when completing a task.",
	CodeMissingError:       "Provide a non-empty error when failing a task.",
	CodeMissingMergeCommit: "Provide the merge commit when marking a workspace merged.",
	CodeMissingRepoPath:    "Provide a repository path.",
	CodeMissingPath:        "Provide a filesystem path.",
	CodeMissingVariables:   "Provide values for all template variables.",
	CodeDuplicateTaskName:  "Task names must be unique within a workflow; choose another name.",
	CodeDuplicateTemplate:  "A template with this name already exists; choose another name.",
	CodeSelfDependency:     "A task cannot depend on itself; remove the self reference.",
	CodeCircularDependency: "Task dependencies must form a DAG; break the dependency cycle.",
	CodeUnknownDependency:  "Dependencies must name tasks in the same plan.",
	CodeTaskNotRemovable:   "Only pending, blocked, or unassigned planning tasks can be removed.",
	CodeNameConflict:       "The new task name collides with a preserved task; rename it.",
	CodeNotClaimed:         "The task has no assigned agent; claim it first.",
	CodeNotAssigned:        "The task is assigned to a different agent.",
	CodeAlreadyRunning:     "A spawner is already running for this workflow.",
	CodeNotRunning:         "No spawner is running for this workflow; start it first.",
	CodeNotSuspended:       "The workflow is not suspended; only paused workflows can resume.",
	CodeSpawnerError:       "Inspect the spawner logs and retry the operation.",
	CodeInternalError:      "An unexpected error occurred; retry or inspect the daemon logs.",
}

// SuggestionFor returns the fixed suggestion string for a code.
func SuggestionFor(code string) string {
	if s, ok := suggestions[code]; ok {
		return s
	}
	return suggestions[CodeInternalError]
}

// NewToolError builds a ToolError with its canonical suggestion.
func NewToolError(code, message string, recoverable bool) *ToolError {
	return &ToolError{
		Code:        code,
		Message:     message,
		Recoverable: recoverable,
		Suggestion:  SuggestionFor(code),
	}
}

// ErrNotFound builds a *_NOT_FOUND error for an entity kind.
func ErrNotFound(code, kind, id string) *ToolError {
	return NewToolError(code, fmt.Sprintf("%s not found: %s", kind, id), false)
}

// ErrInvalidInput flags a malformed or out-of-range input field.
func ErrInvalidInput(message string) *ToolError {
	return NewToolError(CodeInvalidInput, message, true)
}

// ErrInvalidState flags an operation attempted in a disallowed entity state.
func ErrInvalidState(message string) *ToolError {
	return NewToolError(CodeInvalidState, message, false)
}

// ErrInvalidTransition flags a state-machine transition outside the table.
func ErrInvalidTransition(kind, from, to string) *ToolError {
	return NewToolError(CodeInvalidTransition,
		fmt.Sprintf("invalid %s transition: %s -> %s", kind, from, to), false)
}

// ErrInternal wraps an unexpected error as INTERNAL_ERROR.
func ErrInternal(err error) *ToolError {
	return NewToolError(CodeInternalError, err.Error(), false).WithCause(err)
}

// AsToolError extracts a ToolError from an error chain, or wraps the error
// as INTERNAL_ERROR when no structured error is present.
func AsToolError(err error) *ToolError {
	var te *ToolError
	if errors.As(err, &te) {
		return te
	}
	return ErrInternal(err)
}

// IsCode reports whether err carries the given tool error code.
func IsCode(err error, code string) bool {
	var te *ToolError
	if errors.As(err, &te) {
		return te.Code == code
	}
	return false
}
