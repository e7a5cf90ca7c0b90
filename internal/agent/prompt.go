package agent

import (
	"fmt"
	"strings"

	"github.com/travisgalloway/caw/internal/core"
)

// PromptInput carries everything the system prompt is assembled from.
type PromptInput struct {
	Agent           *core.Agent
	Task            *core.Task
	WorkflowName    string
	WorkflowSummary string
	DependencyChain []string // names of dependencies, in order
	WorktreeInfo    string
	QAHistory       []*core.Message
	Tools           []string
}

// BuildSystemPrompt renders the child's appended system prompt: identity,
// assignment, protocol, and any prior Q&A with the operator.
func BuildSystemPrompt(in PromptInput) string {
	var b strings.Builder

	fmt.Fprintf(&b, "You are agent %s (%s) working on workflow %q.\n",
		in.Agent.Name, in.Agent.ID, in.WorkflowName)
	fmt.Fprintf(&b, "Your task: %q (%s)\n", in.Task.Name, in.Task.ID)
	if in.Task.Description != "" {
		fmt.Fprintf(&b, "Description: %s\n", in.Task.Description)
	}
	if in.Task.Plan != "" {
		fmt.Fprintf(&b, "Plan:\n%s\n", in.Task.Plan)
	}
	if in.WorkflowSummary != "" {
		fmt.Fprintf(&b, "\nWorkflow summary:\n%s\n", in.WorkflowSummary)
	}
	if len(in.DependencyChain) > 0 {
		fmt.Fprintf(&b, "\nCompleted dependencies: %s\n", strings.Join(in.DependencyChain, " -> "))
	}
	if in.WorktreeInfo != "" {
		fmt.Fprintf(&b, "\nWorktree: %s\n", in.WorktreeInfo)
	}

	b.WriteString("\nProtocol:\n")
	b.WriteString("- Claim your task with task_claim before working; it is pre-claimed for you.\n")
	b.WriteString("- Record progress with checkpoint_add as you work.\n")
	b.WriteString("- When done, call task_update_status with status=completed and a non-empty outcome.\n")
	b.WriteString("- On unrecoverable failure, call task_update_status with status=failed and a non-empty error.\n")
	b.WriteString("- To ask the operator a question, message_send a query to the human agent, then pause your task.\n")
	if len(in.Tools) > 0 {
		fmt.Fprintf(&b, "Available tools: %s\n", strings.Join(in.Tools, ", "))
	}

	if len(in.QAHistory) > 0 {
		b.WriteString("\nPrior operator Q&A for this task:\n")
		for _, m := range in.QAHistory {
			role := "Q"
			if m.MessageType == core.MessageResponse {
				role = "A"
			}
			fmt.Fprintf(&b, "%s: %s\n", role, m.Body)
		}
	}
	return b.String()
}

// ContinuationPrompt is the resume-mode prompt when an LLM session is
// reattached to its task.
func ContinuationPrompt(task *core.Task, answer string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Continue working on task %q (%s).", task.Name, task.ID)
	if answer != "" {
		fmt.Fprintf(&b, " The operator answered your question: %s", answer)
	}
	b.WriteString(" Pick up where you left off and drive the task to completion.")
	return b.String()
}
