// Package pipeline runs one codemap generation end to end: research the
// workspace with tools, structure the findings into traces, then refine
// every trace and synthesize a global diagram concurrently before joining
// the results.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"codemap/internal/events"
	"codemap/internal/extract"
	"codemap/internal/llm"
	"codemap/internal/mermaid"
	"codemap/internal/prompt"
	"codemap/internal/toolloop"
	"codemap/internal/tools"
	"codemap/internal/types"
)

var (
	// ErrNoToolUse aborts the pipeline before structure: a research stage that
	// never inspected the codebase has nothing trustworthy to structure.
	ErrNoToolUse = errors.New("pipeline: research completed without any tool use")
)

const (
	defaultResearchRounds  = 16
	defaultDiagramAttempts = 8
	defaultTraceRounds     = 3
)

// Operating modes. Fast trades tool-level parallelism for latency; smart
// keeps concurrency low so each round sees more settled context.
const (
	ModeFast  = "fast"
	ModeSmart = "smart"
)

// Options configures a Driver. Session, Tools and Prompts are required.
type Options struct {
	Session llm.Session
	Tools   *tools.Registry
	Prompts prompt.Provider
	Parser  mermaid.Parser // nil selects the built-in flowchart parser
	Emitter events.Emitter
	Broker  llm.PermitBroker // optional model-call admission

	Mode      string // ModeFast or ModeSmart
	Detail    string
	Language  string
	Workspace string

	ResearchRounds   int
	DiagramAttempts  int
	MaxParallelTools int
	MaxOutput        int

	// GlobalDiagramRequired escalates a diagram-synthesis failure to a
	// pipeline failure instead of shipping the codemap without one.
	GlobalDiagramRequired bool
	// SkipGuides omits the per-trace guide stage.
	SkipGuides bool

	Now func() time.Time
}

// Result is a finished run: the codemap plus the checkpoint that allows
// per-trace and diagram work to be replayed without redoing research.
type Result struct {
	Codemap    *types.Codemap
	Checkpoint *types.StageContext
}

// Driver owns one generation request. It is not reusable across runs.
type Driver struct {
	opts Options
}

func New(opts Options) (*Driver, error) {
	if opts.Session == nil {
		return nil, errors.New("pipeline: session is required")
	}
	if opts.Tools == nil {
		return nil, errors.New("pipeline: tool registry is required")
	}
	if opts.Prompts == nil {
		return nil, errors.New("pipeline: prompt provider is required")
	}
	if opts.Parser == nil {
		opts.Parser = mermaid.Flowchart{}
	}
	if opts.Emitter == nil {
		opts.Emitter = events.Nop()
	}
	if opts.Language == "" {
		opts.Language = "English"
	}
	if opts.Detail == "" {
		opts.Detail = "standard"
	}
	if opts.Mode == "" {
		opts.Mode = ModeSmart
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Driver{opts: opts}, nil
}

func (d *Driver) researchRounds() int {
	if d.opts.ResearchRounds > 0 {
		return d.opts.ResearchRounds
	}
	return defaultResearchRounds
}

func (d *Driver) diagramAttempts() int {
	if d.opts.DiagramAttempts > 0 {
		return d.opts.DiagramAttempts
	}
	return defaultDiagramAttempts
}

func (d *Driver) maxParallelTools() int {
	if d.opts.MaxParallelTools > 0 {
		return d.opts.MaxParallelTools
	}
	if d.opts.Mode == ModeFast {
		return 8
	}
	return 3
}

func (d *Driver) baseVars(query string) map[string]any {
	return map[string]any{
		"Date":     d.opts.Now().UTC().Format("2006-01-02"),
		"Language": d.opts.Language,
		"Query":    query,
		"Detail":   d.opts.Detail,
	}
}

func (d *Driver) render(stage string, vars map[string]any, extra map[string]any) (string, error) {
	merged := make(map[string]any, len(vars)+len(extra))
	for k, v := range vars {
		merged[k] = v
	}
	for k, v := range extra {
		merged[k] = v
	}
	return d.opts.Prompts.Render(stage, merged)
}

func (d *Driver) loop(requireTool bool, maxRounds int) *toolloop.Loop {
	return &toolloop.Loop{
		Session:     d.opts.Session,
		Tools:       d.opts.Tools,
		RequireTool: requireTool,
		MaxRounds:   maxRounds,
		MaxOutput:   d.opts.MaxOutput,
		MaxParallel: d.maxParallelTools(),
		Emitter:     d.opts.Emitter,
	}
}

// Run executes the full pipeline for one query.
func (d *Driver) Run(ctx context.Context, query string) (*Result, error) {
	em := d.opts.Emitter
	vars := d.baseVars(query)

	system, err := d.render(prompt.StageSystem, vars, nil)
	if err != nil {
		return nil, err
	}
	conv := llm.NewConversation()

	// Research: grounded inspection with the full catalog, tool use required.
	events.Phase(em, "research", 1)
	researchPrompt, err := d.render(prompt.StageResearch, vars, nil)
	if err != nil {
		return nil, err
	}
	conv.Append(llm.UserText(researchPrompt))
	res, err := d.loop(true, d.researchRounds()).Run(llm.WithStage(ctx, "research"), system, conv)
	if err != nil {
		events.Error(em, err.Error())
		return nil, fmt.Errorf("pipeline: research: %w", err)
	}
	if !res.UsedTools {
		events.Error(em, ErrNoToolUse.Error())
		return nil, ErrNoToolUse
	}
	if !strings.Contains(strings.ToLower(res.FinalText), "research complete") {
		// Soft signal only; its absence is informational.
		events.Log(em, "research ended without an explicit completion signal")
	}

	// Structure: exactly one more round, parsed for the codemap payload.
	events.Phase(em, "structure", 2)
	structurePrompt, err := d.render(prompt.StageStructure, vars, nil)
	if err != nil {
		return nil, err
	}
	conv.Append(llm.UserText(structurePrompt))
	res, err = d.loop(false, 1).Run(llm.WithStage(ctx, "structure"), system, conv)
	if err != nil {
		events.Error(em, err.Error())
		return nil, fmt.Errorf("pipeline: structure: %w", err)
	}
	cm, err := extract.Codemap(res.FinalText)
	if err != nil {
		events.Error(em, err.Error())
		return nil, fmt.Errorf("pipeline: structure: %w", err)
	}

	ckpt := d.capture(query, system, conv)
	events.CheckpointReady(em)

	// Admission for the fan-out: three sub-stages per trace plus the diagram
	// retry budget.
	if d.opts.Broker != nil {
		lease, err := d.opts.Broker.Reserve(ctx, len(cm.Traces)*3+d.diagramAttempts())
		if err != nil {
			return nil, fmt.Errorf("pipeline: reserve model calls: %w", err)
		}
		ctx = lease.Context(ctx)
	}

	// Fan-out: one task per trace plus diagram synthesis, racing rather than
	// sequencing. Each task owns its slot; the checkpoint is read-only.
	events.Phase(em, "fanout", 3)
	traceOuts := make([]types.Trace, len(cm.Traces))
	traceErrs := make([]error, len(cm.Traces))
	var (
		wg      sync.WaitGroup
		diagram string
		diagErr error
	)
	for i := range cm.Traces {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			traceOuts[i], traceErrs[i] = d.runTrace(ctx, ckpt, cm.Traces[i], d.opts.SkipGuides)
		}(i)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		diagram, diagErr = d.synthesizeDiagram(ctx, ckpt, cm.Title)
	}()
	wg.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Aggregation: join, merge, decide escalation.
	events.Phase(em, "aggregation", 4)
	for i := range cm.Traces {
		if traceErrs[i] != nil {
			events.Log(em, fmt.Sprintf("trace %s failed: %v", cm.Traces[i].ID, traceErrs[i]))
			continue
		}
		cm.Traces[i] = traceOuts[i]
	}
	if diagErr != nil {
		if d.opts.GlobalDiagramRequired {
			events.Error(em, diagErr.Error())
			return nil, fmt.Errorf("pipeline: global diagram: %w", diagErr)
		}
		events.Log(em, fmt.Sprintf("global diagram skipped: %v", diagErr))
	} else {
		cm.Diagram = diagram
	}

	events.Phase(em, "done", 5)
	events.Complete(em)
	return &Result{Codemap: cm, Checkpoint: ckpt}, nil
}

// capture snapshots the conversation immediately after structure. The
// snapshot is lossy on purpose: tool traffic collapses to text so replay
// never re-executes tools it only needs as narrative.
func (d *Driver) capture(query, system string, conv *llm.Conversation) *types.StageContext {
	vars := d.baseVars(query)
	return &types.StageContext{
		SchemaVersion: types.StageContextVersion,
		CreatedAt:     d.opts.Now().UTC(),
		Query:         query,
		Mode:          d.opts.Mode,
		Detail:        d.opts.Detail,
		Workspace:     d.opts.Workspace,
		Vars: types.PromptVars{
			Date:     vars["Date"].(string),
			Language: d.opts.Language,
		},
		SystemPrompt: system,
		Conversation: conv.Flatten(),
	}
}
