package llm

import (
	"context"
	"fmt"
	"io"
	"sync"
)

// ScriptRound is one scripted model round for the fake session: the events
// the stream yields in order, or an error failing the open itself.
type ScriptRound struct {
	Events  []StreamEvent
	OpenErr error
}

// FakeSession replays scripted rounds for offline/testing use. Each Open
// consumes the next round; opening past the script is an error.
type FakeSession struct {
	mu     sync.Mutex
	Rounds []ScriptRound
	Opened []OpenRequest // record of every open request, in order
	idx    int
}

func NewFakeSession(rounds ...ScriptRound) *FakeSession {
	return &FakeSession{Rounds: rounds}
}

func (f *FakeSession) Name() string { return "fake" }
func (f *FakeSession) Close() error { return nil }

func (f *FakeSession) Open(ctx context.Context, req OpenRequest) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Opened = append(f.Opened, req)
	if f.idx >= len(f.Rounds) {
		return nil, fmt.Errorf("fake session: no scripted round for open #%d", f.idx+1)
	}
	r := f.Rounds[f.idx]
	f.idx++
	if r.OpenErr != nil {
		return nil, r.OpenErr
	}
	events := make([]StreamEvent, len(r.Events))
	copy(events, r.Events)
	return &fakeStream{ctx: ctx, events: events}, nil
}

// OpenCount returns how many rounds have been consumed so far.
func (f *FakeSession) OpenCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.idx
}

type fakeStream struct {
	ctx    context.Context
	events []StreamEvent
	pos    int
}

func (s *fakeStream) Recv() (StreamEvent, error) {
	if err := s.ctx.Err(); err != nil {
		return StreamEvent{}, err
	}
	if s.pos >= len(s.events) {
		return StreamEvent{}, io.EOF
	}
	ev := s.events[s.pos]
	s.pos++
	return ev, nil
}

func (s *fakeStream) Close() error { return nil }

// TextRound scripts a round that streams the given fragments as text deltas.
func TextRound(fragments ...string) ScriptRound {
	r := ScriptRound{}
	for _, f := range fragments {
		r.Events = append(r.Events, StreamEvent{Kind: EventTextDelta, Text: f})
	}
	return r
}

// ToolCallRound scripts a round that requests the given calls in one batch.
func ToolCallRound(calls ...ToolCall) ScriptRound {
	return ScriptRound{Events: []StreamEvent{{Kind: EventToolCalls, Calls: calls}}}
}
