// Package agent routes deliveries to the investment team's agent roles and
// guards user input with the relevance gate.
package agent

import (
	"context"
	"fmt"
	"time"

	"investi/internal/dispatch"
	"investi/internal/logging"
	"investi/internal/note"
	"investi/internal/task"
)

// Message is one inbound user message after transport decoding.
type Message struct {
	Text       string    `json:"text"`
	From       string    `json:"from,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
}

// Handler executes deliveries for one agent role.
type Handler interface {
	HandleTask(ctx context.Context, env dispatch.Envelope) error
	HandleMessage(ctx context.Context, msg Message) error
}

// NoteTakingHandler is the built-in handler: it records every delivery in
// the notebook under the handling role's name. Real reasoning backends
// replace it by implementing Handler.
type NoteTakingHandler struct {
	role   task.Role
	notes  *note.Service
	logger logging.Logger
}

// NewNoteTakingHandler creates a handler writing as the given role.
func NewNoteTakingHandler(role task.Role, notes *note.Service, logger logging.Logger) *NoteTakingHandler {
	return &NoteTakingHandler{role: role, notes: notes, logger: logging.OrNop(logger)}
}

func (h *NoteTakingHandler) HandleTask(ctx context.Context, env dispatch.Envelope) error {
	content := fmt.Sprintf("Task fired (%s): %s\nWhy: %s", env.Kind, env.Instruction, env.Reason)
	if env.Observed != nil {
		content += fmt.Sprintf("\nObserved: %v", *env.Observed)
	}
	if _, err := h.notes.Create(ctx, note.Spec{
		Topic:       note.TopicMonitoring,
		Ticker:      env.Ticker,
		Author:      h.role,
		Content:     content,
		LinkedTasks: []string{env.TaskID},
	}); err != nil {
		return fmt.Errorf("record task delivery: %w", err)
	}
	h.logger.Info("%s handled task %s", h.role, env.TaskID)
	return nil
}

func (h *NoteTakingHandler) HandleMessage(ctx context.Context, msg Message) error {
	if _, err := h.notes.Create(ctx, note.Spec{
		Topic:   note.TopicIdea,
		Author:  h.role,
		Content: "User message: " + msg.Text,
	}); err != nil {
		return fmt.Errorf("record user message: %w", err)
	}
	h.logger.Info("%s handled user message (%d chars)", h.role, len(msg.Text))
	return nil
}
