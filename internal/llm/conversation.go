package llm

import (
	"fmt"
	"strings"

	"codemap/internal/types"
)

// Conversation is an append-only ordered message sequence. It is exclusively
// owned by one goroutine at a time; concurrent units take a Clone and
// mutate only their private copy.
type Conversation struct {
	msgs []Message
}

// NewConversation builds a conversation from the given seed messages.
func NewConversation(msgs ...Message) *Conversation {
	c := &Conversation{}
	c.Append(msgs...)
	return c
}

// Append adds messages to the end of the conversation.
func (c *Conversation) Append(msgs ...Message) {
	c.msgs = append(c.msgs, msgs...)
}

// Len returns the number of messages.
func (c *Conversation) Len() int {
	if c == nil {
		return 0
	}
	return len(c.msgs)
}

// Messages returns a copy of the message slice.
func (c *Conversation) Messages() []Message {
	if c == nil {
		return nil
	}
	out := make([]Message, len(c.msgs))
	copy(out, c.msgs)
	return out
}

// Clone returns an independent copy sharing no mutable state.
func (c *Conversation) Clone() *Conversation {
	return &Conversation{msgs: c.Messages()}
}

// Flatten reduces the conversation to role+text pairs for checkpointing.
// Tool-call and tool-result structure collapses to its textual narrative;
// this is intentionally lossy.
func (c *Conversation) Flatten() []types.FlatMessage {
	if c == nil {
		return nil
	}
	out := make([]types.FlatMessage, 0, len(c.msgs))
	for _, m := range c.msgs {
		var sb strings.Builder
		sb.WriteString(m.Text)
		for _, tc := range m.ToolCalls {
			if sb.Len() > 0 {
				sb.WriteString("\n")
			}
			fmt.Fprintf(&sb, "[tool call] %s %s", tc.Name, string(tc.Args))
		}
		for _, tr := range m.ToolResults {
			if sb.Len() > 0 {
				sb.WriteString("\n")
			}
			fmt.Fprintf(&sb, "[tool result] %s: %s", tr.Name, tr.Content)
		}
		out = append(out, types.FlatMessage{Role: string(m.Role), Text: sb.String()})
	}
	return out
}

// FromFlat rebuilds a conversation from checkpointed role+text pairs.
func FromFlat(flat []types.FlatMessage) *Conversation {
	c := &Conversation{msgs: make([]Message, 0, len(flat))}
	for _, f := range flat {
		c.msgs = append(c.msgs, Message{Role: Role(f.Role), Text: f.Text})
	}
	return c
}

// UserText builds a user message.
func UserText(text string) Message {
	return Message{Role: RoleUser, Text: text}
}

// AssistantText builds an assistant message.
func AssistantText(text string) Message {
	return Message{Role: RoleAssistant, Text: text}
}

// ToolResults builds a tool-result message carrying one round's results.
func ToolResults(results ...ToolResult) Message {
	return Message{Role: RoleTool, ToolResults: results}
}
