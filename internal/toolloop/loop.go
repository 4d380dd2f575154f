package toolloop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"codemap/internal/events"
	"codemap/internal/jsonutil"
	"codemap/internal/llm"
	"codemap/internal/tools"
)

var (
	// ErrOutputBudget is fatal to the current loop but caller-recoverable:
	// remaining trace/diagram work can resume from the checkpoint instead of
	// restarting the whole pipeline.
	ErrOutputBudget = errors.New("toolloop: cumulative output budget exceeded")
	ErrNoSession    = errors.New("toolloop: session is required")
)

const (
	defaultMaxRounds      = 8
	defaultMaxOutputBytes = 256 << 10
	defaultMaxParallel    = 4
	maxCorrectiveRounds   = 3
)

const correctionText = "You must use the provided tools to inspect the codebase before answering. " +
	"Call at least one tool, then continue."

// Loop drives one conversational turn: it consumes model events, executes
// requested tool calls with bounded concurrency, appends results, and
// repeats until the model stops requesting tools.
type Loop struct {
	Session     llm.Session
	Tools       *tools.Registry // nil disables tool dispatch
	RequireTool bool
	MaxRounds   int
	MaxOutput   int // cumulative assistant text budget in bytes
	MaxParallel int
	Emitter     events.Emitter
}

// Result is the outcome of one loop invocation.
type Result struct {
	FinalText string
	UsedTools bool
}

// callRecord is one flattened tool call in emission order.
type callRecord struct {
	id   string
	name string
	args []byte
}

// Run executes the loop against the given conversation. The conversation is
// appended to, never rewritten; on cancellation already-appended messages
// are left intact.
func (l *Loop) Run(ctx context.Context, system string, conv *llm.Conversation) (Result, error) {
	if l == nil || l.Session == nil {
		return Result{}, ErrNoSession
	}
	if conv == nil {
		return Result{}, errors.New("toolloop: conversation is required")
	}
	maxRounds := l.MaxRounds
	if maxRounds <= 0 {
		maxRounds = defaultMaxRounds
	}
	maxOutput := l.MaxOutput
	if maxOutput <= 0 {
		maxOutput = defaultMaxOutputBytes
	}
	maxParallel := l.MaxParallel
	if maxParallel <= 0 {
		maxParallel = defaultMaxParallel
	}
	em := l.Emitter
	if em == nil {
		em = events.EmitterFrom(ctx)
	}

	var decls []llm.ToolDecl
	if l.Tools != nil {
		decls = l.Tools.Decls()
	}

	sem := semaphore.NewWeighted(int64(maxParallel))
	dedupe := &dedupeSet{seen: map[string]bool{}}

	res := Result{}
	totalOut := 0
	corrective := 0

	for round := 0; round < maxRounds; round++ {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		stream, err := l.Session.Open(ctx, llm.OpenRequest{
			System:      system,
			Messages:    conv.Messages(),
			Tools:       decls,
			RequireTool: l.RequireTool,
		})
		if err != nil {
			return Result{}, err
		}
		text, calls, err := consume(ctx, stream, em)
		_ = stream.Close()
		if err != nil {
			return Result{}, err
		}

		totalOut += len(text)
		if totalOut > maxOutput {
			return Result{}, fmt.Errorf("%w: %d bytes accumulated (limit %d)", ErrOutputBudget, totalOut, maxOutput)
		}
		if text != "" || len(calls) > 0 {
			msg := llm.Message{Role: llm.RoleAssistant, Text: text}
			for _, c := range calls {
				msg.ToolCalls = append(msg.ToolCalls, llm.ToolCall{ID: c.id, Name: c.name, Args: json.RawMessage(c.args)})
			}
			conv.Append(msg)
			if text != "" {
				events.MessageAppended(em, string(llm.RoleAssistant), text)
				res.FinalText = text
			}
		}

		if len(calls) == 0 {
			if l.RequireTool && !res.UsedTools && corrective < maxCorrectiveRounds {
				corrective++
				conv.Append(llm.UserText(correctionText))
				events.Log(em, "model produced no tool call while tool use is required; injecting correction")
				round-- // corrective rounds do not consume the round budget
				continue
			}
			return res, nil
		}

		res.UsedTools = true
		results, err := l.dispatch(ctx, sem, dedupe, calls, em)
		if err != nil {
			return Result{}, err
		}
		conv.Append(llm.ToolResults(results...))
	}
	return res, nil
}

// consume drains one model stream. Text arriving after a tool call is an
// end-of-round signal: the model is done dispatching tools for now.
func consume(ctx context.Context, stream llm.Stream, em events.Emitter) (string, []callRecord, error) {
	var text string
	var calls []callRecord
	for {
		if err := ctx.Err(); err != nil {
			return "", nil, err
		}
		ev, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return text, calls, nil
		}
		if err != nil {
			return "", nil, err
		}
		switch ev.Kind {
		case llm.EventTextDelta:
			if len(calls) > 0 {
				return text, calls, nil
			}
			text += ev.Text
			events.Token(em, ev.Text)
		case llm.EventToolCalls:
			calls = append(calls, flatten(ev.Calls, len(calls))...)
		}
	}
}

// flatten expands a possibly batched tool-call event into individual call
// records with synthetic sub-ids.
func flatten(batch []llm.ToolCall, offset int) []callRecord {
	out := make([]callRecord, 0, len(batch))
	for i, c := range batch {
		id := c.ID
		if id == "" {
			id = fmt.Sprintf("call-%d", offset+i)
		}
		if len(batch) > 1 {
			id = fmt.Sprintf("%s#%d", id, i)
		}
		out = append(out, callRecord{id: id, name: c.Name, args: c.Args})
	}
	return out
}

// dispatch runs all calls of one round under the concurrency semaphore and
// returns their results in original call-emission order regardless of
// completion order.
func (l *Loop) dispatch(ctx context.Context, sem *semaphore.Weighted, dedupe *dedupeSet, calls []callRecord, em events.Emitter) ([]llm.ToolResult, error) {
	results := make([]llm.ToolResult, len(calls))
	var inFlight int32
	var wg sync.WaitGroup
	for i := range calls {
		wg.Add(1)
		go func(i int, c callRecord) {
			defer wg.Done()
			results[i] = l.runOne(ctx, sem, dedupe, c, em, &inFlight)
		}(i, calls[i])
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-done:
		return results, nil
	}
}

func (l *Loop) runOne(ctx context.Context, sem *semaphore.Weighted, dedupe *dedupeSet, c callRecord, em events.Emitter, inFlight *int32) llm.ToolResult {
	if err := sem.Acquire(ctx, 1); err != nil {
		return llm.ToolResult{CallID: c.id, Name: c.name, Content: "canceled before execution", IsError: true}
	}
	defer sem.Release(1)

	events.Gauge(em, atomic.AddInt32(inFlight, 1))
	defer func() { events.Gauge(em, atomic.AddInt32(inFlight, -1)) }()

	idempotent := false
	if l.Tools != nil {
		if spec, ok := l.Tools.Spec(c.name); ok {
			idempotent = spec.IdempotentListing
		}
	}
	key := c.name + "\x00" + jsonutil.Canonical(c.args)
	if idempotent && !dedupe.claim(key) {
		content := fmt.Sprintf("%s already executed with identical arguments in this turn; result unchanged.", c.name)
		events.ToolDone(em, c.name, preview(string(c.args)), content)
		return llm.ToolResult{CallID: c.id, Name: c.name, Content: content}
	}

	var content string
	isErr := false
	if l.Tools == nil {
		content = fmt.Sprintf("tool %s is not available", c.name)
		isErr = true
	} else if out, err := l.Tools.Call(ctx, c.name, c.args); err != nil {
		// Execution errors are non-fatal: the model sees them as text.
		content = fmt.Sprintf("tool error: %v", err)
		isErr = true
	} else {
		content = string(out)
	}
	events.ToolDone(em, c.name, preview(string(c.args)), preview(content))
	return llm.ToolResult{CallID: c.id, Name: c.name, Content: content, IsError: isErr}
}

// dedupeSet tracks executed idempotent-listing calls within one invocation.
type dedupeSet struct {
	mu   sync.Mutex
	seen map[string]bool
}

// claim returns true if the key was not seen before and records it, so the
// underlying execution happens exactly once even for duplicates racing in
// the same batch.
func (d *dedupeSet) claim(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.seen[key] {
		return false
	}
	d.seen[key] = true
	return true
}

const previewLimit = 200

func preview(s string) string {
	if len(s) <= previewLimit {
		return s
	}
	return s[:previewLimit] + "…"
}
