package server

import (
	"context"
	"sync"
	"time"

	"codemap/internal/events"
	"codemap/internal/pipeline"
)

type Status string

const (
	StatusRunning   Status = "running"
	StatusDone      Status = "done"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

const historyLimit = 512

// Run tracks one in-flight or finished generation. It doubles as the event
// emitter for its pipeline: subscribers get the replayed history followed by
// live events, and a slow subscriber drops events rather than stalling the
// pipeline.
type Run struct {
	ID        string
	Query     string
	StartedAt time.Time

	cancel context.CancelFunc

	mu      sync.Mutex
	status  Status
	errMsg  string
	result  *pipeline.Result
	history []events.Event
	subs    map[chan events.Event]struct{}
}

func newRun(id, query string, cancel context.CancelFunc) *Run {
	return &Run{
		ID:        id,
		Query:     query,
		StartedAt: time.Now(),
		cancel:    cancel,
		status:    StatusRunning,
		subs:      make(map[chan events.Event]struct{}),
	}
}

// Emit implements events.Emitter.
func (r *Run) Emit(ev events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.history) < historyLimit {
		r.history = append(r.history, ev)
	}
	for ch := range r.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribe returns a channel that replays the run's history and then
// streams live events. The returned func unsubscribes.
func (r *Run) Subscribe() (<-chan events.Event, func()) {
	ch := make(chan events.Event, historyLimit)
	r.mu.Lock()
	for _, ev := range r.history {
		ch <- ev
	}
	r.subs[ch] = struct{}{}
	r.mu.Unlock()
	return ch, func() {
		r.mu.Lock()
		delete(r.subs, ch)
		r.mu.Unlock()
	}
}

func (r *Run) Cancel() {
	if r.cancel != nil {
		r.cancel()
	}
}

func (r *Run) finish(res *pipeline.Result, err error, cancelled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case cancelled:
		r.status = StatusCancelled
	case err != nil:
		r.status = StatusFailed
		r.errMsg = err.Error()
	default:
		r.status = StatusDone
		r.result = res
	}
}

// RunInfo is the externally visible run state.
type RunInfo struct {
	ID        string           `json:"id"`
	Query     string           `json:"query"`
	Status    Status           `json:"status"`
	StartedAt time.Time        `json:"started_at"`
	Error     string           `json:"error,omitempty"`
	Result    *pipeline.Result `json:"result,omitempty"`
}

func (r *Run) Info() RunInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return RunInfo{
		ID:        r.ID,
		Query:     r.Query,
		Status:    r.status,
		StartedAt: r.StartedAt,
		Error:     r.errMsg,
		Result:    r.result,
	}
}

// Result returns the finished result, if any.
func (r *Run) Result() *pipeline.Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.result
}

// Registry indexes runs by id.
type Registry struct {
	mu   sync.RWMutex
	runs map[string]*Run
}

func NewRegistry() *Registry {
	return &Registry{runs: make(map[string]*Run)}
}

func (g *Registry) Add(r *Run) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.runs[r.ID] = r
}

func (g *Registry) Get(id string) (*Run, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	r, ok := g.runs[id]
	return r, ok
}

func (g *Registry) List() []RunInfo {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]RunInfo, 0, len(g.runs))
	for _, r := range g.runs {
		out = append(out, r.Info())
	}
	return out
}
