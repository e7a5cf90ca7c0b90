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

// MessageService persists durable inter-agent messages.
type MessageService struct {
	st     *state.Store
	agents *AgentService
}

// SendParams are the inputs to Send. Body may be any JSON value; non-string
// bodies are serialized to canonical JSON text before storage.
type SendParams struct {
	SenderID    string
	RecipientID string
	MessageType string
	Subject     string
	Body        any
	Priority    string
	WorkflowID  string
	TaskID      string
	ReplyToID   string
}

// BodyText normalizes a message body to its stored string form.
func BodyText(body any) (string, error) {
	switch v := body.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return "", core.ErrInvalidInput("message body is not serializable")
		}
		return string(b), nil
	}
}

// Send persists a message in unread status.
func (s *MessageService) Send(ctx context.Context, p SendParams) (*core.Message, error) {
	if p.MessageType == "" {
		p.MessageType = string(core.MessageStatusUpdate)
	}
	if !core.ValidMessageType(p.MessageType) {
		return nil, core.ErrInvalidInput("unknown message type: " + p.MessageType)
	}
	if p.Priority == "" {
		p.Priority = string(core.PriorityNormal)
	}
	if !core.ValidMessagePriority(p.Priority) {
		return nil, core.ErrInvalidInput("unknown message priority: " + p.Priority)
	}
	if _, err := s.agents.Get(ctx, p.SenderID); err != nil {
		return nil, core.ErrNotFound(core.CodeSenderNotFound, "sender", p.SenderID)
	}
	if _, err := s.agents.Get(ctx, p.RecipientID); err != nil {
		return nil, core.ErrNotFound(core.CodeRecipientNotFound, "recipient", p.RecipientID)
	}
	body, err := BodyText(p.Body)
	if err != nil {
		return nil, err
	}

	msg := &core.Message{
		ID:          core.NewID(core.PrefixMessage),
		SenderID:    p.SenderID,
		RecipientID: p.RecipientID,
		MessageType: core.MessageType(p.MessageType),
		Subject:     p.Subject,
		Body:        body,
		Priority:    core.MessagePriority(p.Priority),
		Status:      core.MessageUnread,
		WorkflowID:  p.WorkflowID,
		TaskID:      p.TaskID,
		ReplyToID:   p.ReplyToID,
		CreatedAt:   core.NowMillis(),
	}
	err = s.st.RetryWrite(ctx, "message_send", func() error {
		_, err := s.st.Writer().ExecContext(ctx, `
			INSERT INTO messages (id, sender_id, recipient_id, message_type, subject, body,
				priority, status, workflow_id, task_id, reply_to_id, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, msg.ID, msg.SenderID, msg.RecipientID, msg.MessageType,
			state.NullString(msg.Subject), msg.Body, msg.Priority, msg.Status,
			state.NullString(msg.WorkflowID), state.NullString(msg.TaskID),
			state.NullString(msg.ReplyToID), msg.CreatedAt)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("inserting message: %w", err)
	}
	return msg, nil
}

// Broadcast sends a copy of the message to every online or busy agent
// except the sender, returning the created messages.
func (s *MessageService) Broadcast(ctx context.Context, p SendParams) ([]*core.Message, error) {
	if _, err := s.agents.Get(ctx, p.SenderID); err != nil {
		return nil, core.ErrNotFound(core.CodeSenderNotFound, "sender", p.SenderID)
	}
	recipients, err := s.agents.List(ctx, AgentFilter{})
	if err != nil {
		return nil, err
	}
	p.MessageType = string(core.MessageBroadcast)
	var out []*core.Message
	for _, a := range recipients {
		if a.ID == p.SenderID || a.Status == core.AgentOffline {
			continue
		}
		cp := p
		cp.RecipientID = a.ID
		msg, err := s.Send(ctx, cp)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, nil
}

const messageColumns = `id, sender_id, recipient_id, message_type, subject, body,
	priority, status, workflow_id, task_id, reply_to_id, created_at`

func scanMessage(sc scanner) (*core.Message, error) {
	var m core.Message
	var subject, workflowID, taskID, replyToID sql.NullString
	err := sc.Scan(&m.ID, &m.SenderID, &m.RecipientID, &m.MessageType, &subject,
		&m.Body, &m.Priority, &m.Status, &workflowID, &taskID, &replyToID, &m.CreatedAt)
	if err != nil {
		return nil, err
	}
	m.Subject = nullStr(subject)
	m.WorkflowID = nullStr(workflowID)
	m.TaskID = nullStr(taskID)
	m.ReplyToID = nullStr(replyToID)
	return &m, nil
}

// Get loads a message, optionally marking it read.
func (s *MessageService) Get(ctx context.Context, id string, markRead bool) (*core.Message, error) {
	row := s.st.Reader().QueryRowContext(ctx,
		"SELECT "+messageColumns+" FROM messages WHERE id = ?", id)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, core.ErrNotFound(core.CodeMessageNotFound, "message", id)
	}
	if err != nil {
		return nil, fmt.Errorf("loading message: %w", err)
	}
	if markRead && m.Status == core.MessageUnread {
		if err := s.MarkRead(ctx, id); err != nil {
			return nil, err
		}
		m.Status = core.MessageRead
	}
	return m, nil
}

// MessageFilter narrows List results.
type MessageFilter struct {
	Status     string
	Types      []string
	WorkflowID string
	TaskID     string
	Limit      int
}

// List returns an agent's messages ordered by created_at.
func (s *MessageService) List(ctx context.Context, agentID string, f MessageFilter) ([]*core.Message, error) {
	if f.Status != "" {
		switch core.MessageStatus(f.Status) {
		case core.MessageUnread, core.MessageRead, core.MessageArchived:
		default:
			return nil, core.ErrInvalidInput("unknown message status: " + f.Status)
		}
	}
	for _, t := range f.Types {
		if !core.ValidMessageType(t) {
			return nil, core.ErrInvalidInput("unknown message type: " + t)
		}
	}
	q := "SELECT " + messageColumns + " FROM messages WHERE recipient_id = ?"
	args := []any{agentID}
	if f.Status != "" {
		q += " AND status = ?"
		args = append(args, f.Status)
	}
	if len(f.Types) > 0 {
		q += " AND message_type IN (?" + strings.Repeat(",?", len(f.Types)-1) + ")"
		for _, t := range f.Types {
			args = append(args, t)
		}
	}
	if f.WorkflowID != "" {
		q += " AND workflow_id = ?"
		args = append(args, f.WorkflowID)
	}
	if f.TaskID != "" {
		q += " AND task_id = ?"
		args = append(args, f.TaskID)
	}
	q += " ORDER BY created_at"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.st.Reader().QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}
	defer rows.Close()

	var out []*core.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ListForTask returns every message tagged with a task, regardless of
// recipient, ordered by created_at. The spawner uses this for Q&A history
// and answer detection.
func (s *MessageService) ListForTask(ctx context.Context, taskID string) ([]*core.Message, error) {
	rows, err := s.st.Reader().QueryContext(ctx,
		"SELECT "+messageColumns+" FROM messages WHERE task_id = ? ORDER BY created_at", taskID)
	if err != nil {
		return nil, fmt.Errorf("listing task messages: %w", err)
	}
	defer rows.Close()

	var out []*core.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// MarkRead moves an unread message to read.
func (s *MessageService) MarkRead(ctx context.Context, id string) error {
	return s.setStatus(ctx, id, core.MessageRead)
}

// Archive moves a message to archived.
func (s *MessageService) Archive(ctx context.Context, id string) error {
	return s.setStatus(ctx, id, core.MessageArchived)
}

func (s *MessageService) setStatus(ctx context.Context, id string, status core.MessageStatus) error {
	return s.st.RetryWrite(ctx, "message_set_status", func() error {
		res, err := s.st.Writer().ExecContext(ctx,
			"UPDATE messages SET status = ? WHERE id = ?", status, id)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return core.ErrNotFound(core.CodeMessageNotFound, "message", id)
		}
		return nil
	})
}

// CountUnread returns the number of unread messages for an agent,
// optionally restricted to a priority set.
func (s *MessageService) CountUnread(ctx context.Context, agentID string, priorities []string) (int, error) {
	for _, p := range priorities {
		if !core.ValidMessagePriority(p) {
			return 0, core.ErrInvalidInput("unknown message priority: " + p)
		}
	}
	q := "SELECT COUNT(*) FROM messages WHERE recipient_id = ? AND status = 'unread'"
	args := []any{agentID}
	if len(priorities) > 0 {
		q += " AND priority IN (?" + strings.Repeat(",?", len(priorities)-1) + ")"
		for _, p := range priorities {
			args = append(args, p)
		}
	}
	var n int
	if err := s.st.Reader().QueryRowContext(ctx, q, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting unread messages: %w", err)
	}
	return n, nil
}
