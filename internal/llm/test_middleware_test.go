package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"codemap/internal/tester"
)

func TestRetryMiddlewareRecovers(t *testing.T) {
	fs := NewFakeSession(
		ScriptRound{OpenErr: errors.New("transient")},
		TextRound("ok"),
	)
	s := Wrap(fs, Retry(3, time.Millisecond))
	st, err := s.Open(context.Background(), OpenRequest{System: "sys"})
	tester.NoErr(t, err)
	ev, err := st.Recv()
	tester.NoErr(t, err)
	tester.Eq(t, ev.Text, "ok")
	tester.Eq(t, fs.OpenCount(), 2)
}

func TestRetryMiddlewareStopsOnCancel(t *testing.T) {
	fs := NewFakeSession(
		ScriptRound{OpenErr: errors.New("transient")},
		TextRound("never"),
	)
	ctx, cancel := context.WithCancel(context.Background())
	s := Wrap(fs, Retry(3, time.Millisecond))
	cancel()
	_, err := s.Open(ctx, OpenRequest{})
	tester.ErrIs(t, err, context.Canceled)
}

func TestRateLimitPrefersPermits(t *testing.T) {
	fs := NewFakeSession(TextRound("a"), TextRound("b"))
	// the bucket refills hourly, so only reserved permits pass twice quickly
	s := Wrap(fs, RateLimit(1.0/3600.0, 1))
	ctx := WithPermits(context.Background(), 2)
	for i := 0; i < 2; i++ {
		st, err := s.Open(ctx, OpenRequest{})
		tester.NoErr(t, err, "open with permit")
		_ = st.Close()
	}
}

func TestConversationCloneIsIndependent(t *testing.T) {
	c := NewConversation(UserText("q"))
	cp := c.Clone()
	cp.Append(AssistantText("a"))
	tester.Eq(t, c.Len(), 1)
	tester.Eq(t, cp.Len(), 2)
}

func TestFlattenCollapsesToolStructure(t *testing.T) {
	c := NewConversation(
		Message{Role: RoleAssistant, Text: "looking", ToolCalls: []ToolCall{{ID: "1", Name: "fs.read", Args: []byte(`{"path":"a"}`)}}},
		ToolResults(ToolResult{CallID: "1", Name: "fs.read", Content: "data"}),
	)
	flat := c.Flatten()
	tester.Eq(t, len(flat), 2)
	tester.Eq(t, flat[0].Role, "assistant")
	tester.True(t, flat[1].Text != "", "tool result narrated")
	// Rebuilding yields plain text messages only.
	rb := FromFlat(flat)
	for _, m := range rb.Messages() {
		tester.Eq(t, len(m.ToolCalls), 0)
		tester.Eq(t, len(m.ToolResults), 0)
	}
}
