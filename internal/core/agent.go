package core

// AgentRuntime identifies the kind of executable behind an agent.
type AgentRuntime string

const (
	RuntimeClaudeCode AgentRuntime = "claude_code"
	RuntimeCodex      AgentRuntime = "codex"
	RuntimeOpenCode   AgentRuntime = "opencode"
	RuntimeCustom     AgentRuntime = "custom"
	RuntimeHuman      AgentRuntime = "human"
)

// AgentRole distinguishes coordinators from workers.
type AgentRole string

const (
	RoleCoordinator AgentRole = "coordinator"
	RoleWorker      AgentRole = "worker"
)

// AgentStatus tracks agent liveness.
type AgentStatus string

const (
	AgentOnline  AgentStatus = "online"
	AgentOffline AgentStatus = "offline"
	AgentBusy    AgentStatus = "busy"
)

// ValidAgentRuntime reports whether s names a known runtime.
func ValidAgentRuntime(s string) bool {
	switch AgentRuntime(s) {
	case RuntimeClaudeCode, RuntimeCodex, RuntimeOpenCode, RuntimeCustom, RuntimeHuman:
		return true
	}
	return false
}

// ValidAgentRole reports whether s names a known role.
func ValidAgentRole(s string) bool {
	switch AgentRole(s) {
	case RoleCoordinator, RoleWorker:
		return true
	}
	return false
}

// ValidAgentStatus reports whether s names a known agent status.
func ValidAgentStatus(s string) bool {
	switch AgentStatus(s) {
	case AgentOnline, AgentOffline, AgentBusy:
		return true
	}
	return false
}

// Agent is a live or recently-live execution principal. Typically a spawned
// child process; the pseudo "human" agent carries operator Q&A.
type Agent struct {
	ID            string       `json:"id"`
	Name          string       `json:"name"`
	Runtime       AgentRuntime `json:"runtime"`
	Role          AgentRole    `json:"role"`
	Status        AgentStatus  `json:"status"`
	Capabilities  []string     `json:"capabilities,omitempty"`
	WorkflowID    string       `json:"workflow_id,omitempty"`
	WorkspacePath string       `json:"workspace_path,omitempty"`
	CurrentTaskID string       `json:"current_task_id,omitempty"`
	LastHeartbeat int64        `json:"last_heartbeat"`
	Metadata      string       `json:"metadata,omitempty"`
	CreatedAt     int64        `json:"created_at"`
	UpdatedAt     int64        `json:"updated_at"`
}
