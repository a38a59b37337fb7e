package stream

import (
	"context"

	"github.com/atelierhq/atelier/internal/core/engine"
)

// EventKind classifies upstream events.
type EventKind int

const (
	EventTextDelta EventKind = iota + 1
	EventToolCall
	EventToolResult
)

// Event is one step of a model interaction.
type Event struct {
	Kind EventKind

	// Text is the token of a text delta.
	Text string

	ToolCallID string
	ToolName   string
	Args       map[string]any
	Result     map[string]any

	// Ticket is the quota ticket charged if this tool result is a success.
	Ticket *engine.Ticket
}

// TextDelta builds a text token event.
func TextDelta(token string) Event {
	return Event{Kind: EventTextDelta, Text: token}
}

// ToolCall builds a tool invocation event.
func ToolCall(id, name string, args map[string]any) Event {
	return Event{Kind: EventToolCall, ToolCallID: id, ToolName: name, Args: args}
}

// ToolResult builds a tool result event.
func ToolResult(id, name string, result map[string]any, ticket *engine.Ticket) Event {
	return Event{Kind: EventToolResult, ToolCallID: id, ToolName: name, Result: result, Ticket: ticket}
}

// Source yields upstream events until io.EOF. Close aborts the upstream work.
type Source interface {
	Next(ctx context.Context) (Event, error)
	Close() error
}
