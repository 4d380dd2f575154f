package llm

import (
	"context"
	"encoding/json"
)

// Role identifies the author of a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is one tool invocation requested by the model.
type ToolCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

// ToolResult carries the textual outcome of one tool call back to the model.
type ToolResult struct {
	CallID  string `json:"call_id"`
	Name    string `json:"name"`
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"`
}

// Message is one conversation entry. Conversations are append-only; a
// Message is never mutated after it is appended.
type Message struct {
	Role        Role         `json:"role"`
	Text        string       `json:"text,omitempty"`
	ToolCalls   []ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []ToolResult `json:"tool_results,omitempty"`
}

// ToolDecl declares a callable tool to the model.
type ToolDecl struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// EventKind discriminates stream events.
type EventKind int

const (
	// EventTextDelta carries an incremental text fragment.
	EventTextDelta EventKind = iota + 1
	// EventToolCalls carries one or more tool calls bundled in one event.
	EventToolCalls
)

// StreamEvent is one incremental event from an open model stream.
type StreamEvent struct {
	Kind  EventKind
	Text  string
	Calls []ToolCall
}

// OpenRequest describes one conversational round to open against the model.
type OpenRequest struct {
	System      string
	Messages    []Message
	Tools       []ToolDecl
	RequireTool bool
}

// Stream is an open model response. Recv returns io.EOF when the model is
// done. Implementations must observe the Open context for cancellation.
type Stream interface {
	Recv() (StreamEvent, error)
	Close() error
}

// Session turns a prompt plus conversation into a stream of incremental
// events. Cross-cutting concerns (rate limiting, retry, logging, hooks) are
// layered on via Middleware, not baked into implementations.
type Session interface {
	Name() string
	Open(ctx context.Context, req OpenRequest) (Stream, error)
	Close() error
}
