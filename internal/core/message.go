package core

// MessageType classifies a durable message.
type MessageType string

const (
	MessageTaskAssignment MessageType = "task_assignment"
	MessageStatusUpdate   MessageType = "status_update"
	MessageQuery          MessageType = "query"
	MessageResponse       MessageType = "response"
	MessageBroadcast      MessageType = "broadcast"
)

// MessagePriority orders message urgency.
type MessagePriority string

const (
	PriorityLow    MessagePriority = "low"
	PriorityNormal MessagePriority = "normal"
	PriorityHigh   MessagePriority = "high"
	PriorityUrgent MessagePriority = "urgent"
)

// MessageStatus tracks the read state of a message.
type MessageStatus string

const (
	MessageUnread   MessageStatus = "unread"
	MessageRead     MessageStatus = "read"
	MessageArchived MessageStatus = "archived"
)

// ValidMessageType reports whether s names a known message type.
func ValidMessageType(s string) bool {
	switch MessageType(s) {
	case MessageTaskAssignment, MessageStatusUpdate, MessageQuery,
		MessageResponse, MessageBroadcast:
		return true
	}
	return false
}

// ValidMessagePriority reports whether s names a known priority.
func ValidMessagePriority(s string) bool {
	switch MessagePriority(s) {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// Message is a durable inter-agent or agent/operator message. Body is always
// stored as a string; structured bodies are serialized to canonical JSON on
// the write path.
type Message struct {
	ID          string          `json:"id"`
	SenderID    string          `json:"sender_id"`
	RecipientID string          `json:"recipient_id"`
	MessageType MessageType     `json:"message_type"`
	Subject     string          `json:"subject,omitempty"`
	Body        string          `json:"body"`
	Priority    MessagePriority `json:"priority"`
	Status      MessageStatus   `json:"status"`
	WorkflowID  string          `json:"workflow_id,omitempty"`
	TaskID      string          `json:"task_id,omitempty"`
	ReplyToID   string          `json:"reply_to_id,omitempty"`
	CreatedAt   int64           `json:"created_at"`
}
