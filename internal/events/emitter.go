package events

import (
	"context"
)

// Type discriminates run events streamed to the caller/UI.
type Type int

const (
	TypeUnspecified Type = iota
	TypeLog
	TypePhaseChange     // pipeline entered a new stage
	TypeToken           // one streamed text fragment
	TypeMessage         // a full conversation message was appended
	TypeToolCall        // one tool call finished (name/args/result preview)
	TypeToolGauge       // number of tool executions currently in flight
	TypeTraceStage      // per-trace sub-stage start|complete
	TypeCheckpointReady // stage context captured
	TypeComplete
	TypeError
)

// Event is one streamable occurrence from a pipeline run.
type Event struct {
	Type    Type   `json:"type"`
	Message string `json:"message,omitempty"`

	Phase       string `json:"phase,omitempty"`
	StageNumber int    `json:"stage_number,omitempty"`

	Role string `json:"role,omitempty"`
	Text string `json:"text,omitempty"`

	Tool          string `json:"tool,omitempty"`
	Args          string `json:"args,omitempty"`
	ResultPreview string `json:"result_preview,omitempty"`

	Gauge int32 `json:"gauge,omitempty"`

	TraceID    string `json:"trace_id,omitempty"`
	TraceStage string `json:"trace_stage,omitempty"`
	Status     string `json:"status,omitempty"` // "start" | "complete" | "error"
}

// Emitter receives events during a run. Implementations must be safe for
// concurrent use; trace tasks and the tool fan-out emit in parallel.
type Emitter interface {
	Emit(Event)
}

type emitterKey struct{}

// WithEmitter attaches an emitter to the context.
func WithEmitter(ctx context.Context, e Emitter) context.Context {
	return context.WithValue(ctx, emitterKey{}, e)
}

// EmitterFrom retrieves the emitter from context, or returns a no-op emitter.
func EmitterFrom(ctx context.Context) Emitter {
	if e, ok := ctx.Value(emitterKey{}).(Emitter); ok && e != nil {
		return e
	}
	return noop{}
}

type noop struct{}

func (noop) Emit(Event) {}

// Nop returns an emitter that discards all events.
func Nop() Emitter { return noop{} }

// ChannelEmitter sends events to a channel without blocking the pipeline:
// when the consumer falls behind, events are dropped rather than stalling
// tool execution.
type ChannelEmitter struct {
	Ch chan<- Event
}

func (e *ChannelEmitter) Emit(ev Event) {
	select {
	case e.Ch <- ev:
	default: // non-blocking
	}
}

// Helpers mirroring the common emit sites.

func Log(e Emitter, msg string) {
	e.Emit(Event{Type: TypeLog, Message: msg})
}

func Phase(e Emitter, name string, number int) {
	e.Emit(Event{Type: TypePhaseChange, Phase: name, StageNumber: number})
}

func Token(e Emitter, text string) {
	e.Emit(Event{Type: TypeToken, Text: text})
}

func MessageAppended(e Emitter, role, text string) {
	e.Emit(Event{Type: TypeMessage, Role: role, Text: text})
}

func ToolDone(e Emitter, name, args, preview string) {
	e.Emit(Event{Type: TypeToolCall, Tool: name, Args: args, ResultPreview: preview})
}

func Gauge(e Emitter, inFlight int32) {
	e.Emit(Event{Type: TypeToolGauge, Gauge: inFlight})
}

func TraceStage(e Emitter, traceID, stage, status string) {
	e.Emit(Event{Type: TypeTraceStage, TraceID: traceID, TraceStage: stage, Status: status})
}

func CheckpointReady(e Emitter) {
	e.Emit(Event{Type: TypeCheckpointReady})
}

func Complete(e Emitter) {
	e.Emit(Event{Type: TypeComplete})
}

func Error(e Emitter, msg string) {
	e.Emit(Event{Type: TypeError, Message: msg})
}
