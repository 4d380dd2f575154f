package toolloop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"codemap/internal/llm"
	"codemap/internal/tools"
)

// probe is a scriptable test tool with controllable latency.
type probe struct {
	spec     tools.ToolSpec
	delays   map[string]time.Duration // keyed by "id" input field
	executed int32
	maxSeen  int32
	inFlight int32
	block    chan struct{} // when set, Call blocks until closed or ctx done
}

func (p *probe) Spec() tools.ToolSpec { return p.spec }

func (p *probe) Call(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	cur := atomic.AddInt32(&p.inFlight, 1)
	defer atomic.AddInt32(&p.inFlight, -1)
	for {
		max := atomic.LoadInt32(&p.maxSeen)
		if cur <= max || atomic.CompareAndSwapInt32(&p.maxSeen, max, cur) {
			break
		}
	}
	atomic.AddInt32(&p.executed, 1)

	if p.block != nil {
		select {
		case <-p.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	var in struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal(input, &in)
	if d, ok := p.delays[in.ID]; ok {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return json.RawMessage(fmt.Sprintf(`{"echo":%q}`, in.ID)), nil
}

func call(name, id string) llm.ToolCall {
	return llm.ToolCall{Name: name, Args: json.RawMessage(fmt.Sprintf(`{"id":%q}`, id))}
}

func lastToolMessage(t *testing.T, conv *llm.Conversation) llm.Message {
	t.Helper()
	msgs := conv.Messages()
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == llm.RoleTool {
			return msgs[i]
		}
	}
	t.Fatalf("no tool message in conversation")
	return llm.Message{}
}

func TestResultsKeepEmissionOrder(t *testing.T) {
	// Reverse the completion latencies of 3 concurrent calls; emission
	// order must be preserved in the conversation regardless.
	p := &probe{
		spec:   tools.ToolSpec{Name: "probe"},
		delays: map[string]time.Duration{"a": 60 * time.Millisecond, "b": 30 * time.Millisecond, "c": 0},
	}
	session := llm.NewFakeSession(
		llm.ToolCallRound(call("probe", "a"), call("probe", "b"), call("probe", "c")),
		llm.TextRound("done"),
	)
	loop := &Loop{Session: session, Tools: tools.NewRegistry(p), MaxParallel: 3}
	conv := llm.NewConversation(llm.UserText("go"))
	res, err := loop.Run(context.Background(), "sys", conv)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.UsedTools || res.FinalText != "done" {
		t.Fatalf("unexpected result: %+v", res)
	}
	tm := lastToolMessage(t, conv)
	if len(tm.ToolResults) != 3 {
		t.Fatalf("expected 3 results, got %d", len(tm.ToolResults))
	}
	for i, want := range []string{"a", "b", "c"} {
		if !strings.Contains(tm.ToolResults[i].Content, fmt.Sprintf("%q", want)) {
			t.Fatalf("result %d out of order: %q", i, tm.ToolResults[i].Content)
		}
	}
}

func TestConcurrencyCeiling(t *testing.T) {
	p := &probe{spec: tools.ToolSpec{Name: "probe"}, delays: map[string]time.Duration{}}
	var calls []llm.ToolCall
	for i := 0; i < 8; i++ {
		id := fmt.Sprintf("c%d", i)
		p.delays[id] = 20 * time.Millisecond
		calls = append(calls, call("probe", id))
	}
	session := llm.NewFakeSession(llm.ToolCallRound(calls...), llm.TextRound("ok"))
	loop := &Loop{Session: session, Tools: tools.NewRegistry(p), MaxParallel: 2}
	_, err := loop.Run(context.Background(), "sys", llm.NewConversation(llm.UserText("go")))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := atomic.LoadInt32(&p.maxSeen); got > 2 {
		t.Fatalf("concurrency ceiling violated: %d in flight", got)
	}
	if got := atomic.LoadInt32(&p.executed); got != 8 {
		t.Fatalf("expected 8 executions, got %d", got)
	}
}

func TestIdempotentListingDeduped(t *testing.T) {
	lister := &probe{spec: tools.ToolSpec{Name: "lister", IdempotentListing: true}}
	session := llm.NewFakeSession(
		llm.ToolCallRound(call("lister", "x")),
		llm.ToolCallRound(call("lister", "x")), // identical, should short-circuit
		llm.TextRound("ok"),
	)
	loop := &Loop{Session: session, Tools: tools.NewRegistry(lister)}
	conv := llm.NewConversation(llm.UserText("go"))
	if _, err := loop.Run(context.Background(), "sys", conv); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := atomic.LoadInt32(&lister.executed); got != 1 {
		t.Fatalf("expected exactly 1 execution, got %d", got)
	}
	tm := lastToolMessage(t, conv)
	if !strings.Contains(tm.ToolResults[0].Content, "already executed") {
		t.Fatalf("expected cached notice, got %q", tm.ToolResults[0].Content)
	}
}

func TestNonIdempotentNeverDeduped(t *testing.T) {
	p := &probe{spec: tools.ToolSpec{Name: "mutator"}}
	session := llm.NewFakeSession(
		llm.ToolCallRound(call("mutator", "x")),
		llm.ToolCallRound(call("mutator", "x")),
		llm.TextRound("ok"),
	)
	loop := &Loop{Session: session, Tools: tools.NewRegistry(p)}
	if _, err := loop.Run(context.Background(), "sys", llm.NewConversation(llm.UserText("go"))); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := atomic.LoadInt32(&p.executed); got != 2 {
		t.Fatalf("expected 2 executions, got %d", got)
	}
}

func TestDedupeMatchesCanonicalArgs(t *testing.T) {
	// Same arguments in a different key order are the same call.
	lister := &probe{spec: tools.ToolSpec{Name: "lister", IdempotentListing: true}}
	session := llm.NewFakeSession(
		llm.ToolCallRound(llm.ToolCall{Name: "lister", Args: json.RawMessage(`{"a":1,"b":2}`)}),
		llm.ToolCallRound(llm.ToolCall{Name: "lister", Args: json.RawMessage(`{"b":2, "a":1}`)}),
		llm.TextRound("ok"),
	)
	loop := &Loop{Session: session, Tools: tools.NewRegistry(lister)}
	if _, err := loop.Run(context.Background(), "sys", llm.NewConversation(llm.UserText("go"))); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := atomic.LoadInt32(&lister.executed); got != 1 {
		t.Fatalf("expected canonical dedupe, got %d executions", got)
	}
}

func TestRequireToolCorrection(t *testing.T) {
	p := &probe{spec: tools.ToolSpec{Name: "probe"}}
	session := llm.NewFakeSession(
		llm.TextRound("I think the answer is..."), // no tool use: corrected
		llm.ToolCallRound(call("probe", "x")),
		llm.TextRound("grounded answer"),
	)
	loop := &Loop{Session: session, Tools: tools.NewRegistry(p), RequireTool: true}
	conv := llm.NewConversation(llm.UserText("go"))
	res, err := loop.Run(context.Background(), "sys", conv)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.UsedTools {
		t.Fatalf("expected tool use after correction")
	}
	corrections := 0
	for _, m := range conv.Messages() {
		if m.Role == llm.RoleUser && strings.Contains(m.Text, "must use the provided tools") {
			corrections++
		}
	}
	if corrections != 1 {
		t.Fatalf("expected 1 corrective message, got %d", corrections)
	}
}

func TestRequireToolGivesUpAfterBoundedCorrections(t *testing.T) {
	session := llm.NewFakeSession(
		llm.TextRound("no tools 1"),
		llm.TextRound("no tools 2"),
		llm.TextRound("no tools 3"),
		llm.TextRound("no tools 4"),
	)
	loop := &Loop{Session: session, Tools: tools.NewRegistry(), RequireTool: true}
	res, err := loop.Run(context.Background(), "sys", llm.NewConversation(llm.UserText("go")))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.UsedTools {
		t.Fatalf("no tool was ever available")
	}
	if session.OpenCount() != 4 {
		t.Fatalf("expected 3 corrective retries then stop, got %d opens", session.OpenCount())
	}
}

func TestOutputBudgetExceeded(t *testing.T) {
	session := llm.NewFakeSession(llm.TextRound(strings.Repeat("x", 100)))
	loop := &Loop{Session: session, MaxOutput: 50}
	_, err := loop.Run(context.Background(), "sys", llm.NewConversation(llm.UserText("go")))
	if !errors.Is(err, ErrOutputBudget) {
		t.Fatalf("expected ErrOutputBudget, got %v", err)
	}
}

func TestCancellationDuringToolExecution(t *testing.T) {
	p := &probe{spec: tools.ToolSpec{Name: "probe"}, block: make(chan struct{})}
	session := llm.NewFakeSession(
		llm.ToolCallRound(call("probe", "x")),
		llm.TextRound("never reached"),
	)
	loop := &Loop{Session: session, Tools: tools.NewRegistry(p)}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	conv := llm.NewConversation(llm.UserText("go"))
	_, err := loop.Run(ctx, "sys", conv)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	// Already-appended messages are informational and stay put: the user
	// message plus the assistant tool-call turn, but no results.
	if conv.Len() != 2 {
		t.Fatalf("conversation mutated unexpectedly: %d messages", conv.Len())
	}
	msgs := conv.Messages()
	if msgs[1].Role != llm.RoleAssistant || len(msgs[1].ToolCalls) != 1 {
		t.Fatalf("expected assistant tool-call turn, got %+v", msgs[1])
	}
}

func TestTextAfterToolCallEndsRound(t *testing.T) {
	p := &probe{spec: tools.ToolSpec{Name: "probe"}}
	session := llm.NewFakeSession(
		llm.ScriptRound{Events: []llm.StreamEvent{
			{Kind: llm.EventToolCalls, Calls: []llm.ToolCall{call("probe", "x")}},
			{Kind: llm.EventTextDelta, Text: "late text"},
		}},
		llm.TextRound("final"),
	)
	loop := &Loop{Session: session, Tools: tools.NewRegistry(p)}
	conv := llm.NewConversation(llm.UserText("go"))
	res, err := loop.Run(context.Background(), "sys", conv)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.FinalText != "final" {
		t.Fatalf("unexpected final text %q", res.FinalText)
	}
	for _, m := range conv.Messages() {
		if strings.Contains(m.Text, "late text") {
			t.Fatalf("post-call text should not be accumulated")
		}
	}
}

func TestBatchFlattening(t *testing.T) {
	p := &probe{spec: tools.ToolSpec{Name: "probe"}}
	session := llm.NewFakeSession(
		llm.ToolCallRound(call("probe", "a"), call("probe", "b")),
		llm.TextRound("ok"),
	)
	loop := &Loop{Session: session, Tools: tools.NewRegistry(p)}
	conv := llm.NewConversation(llm.UserText("go"))
	if _, err := loop.Run(context.Background(), "sys", conv); err != nil {
		t.Fatalf("Run: %v", err)
	}
	tm := lastToolMessage(t, conv)
	if len(tm.ToolResults) != 2 {
		t.Fatalf("batch not flattened: %d results", len(tm.ToolResults))
	}
	if tm.ToolResults[0].CallID == tm.ToolResults[1].CallID {
		t.Fatalf("synthetic sub-ids must be distinct: %q", tm.ToolResults[0].CallID)
	}
}
