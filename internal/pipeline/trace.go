package pipeline

import (
	"context"
	"fmt"

	"codemap/internal/events"
	"codemap/internal/extract"
	"codemap/internal/llm"
	"codemap/internal/prompt"
	"codemap/internal/types"
)

func ckptVars(ckpt *types.StageContext) map[string]any {
	return map[string]any{
		"Date":     ckpt.Vars.Date,
		"Language": ckpt.Vars.Language,
		"Query":    ckpt.Query,
		"Detail":   ckpt.Detail,
	}
}

// runTrace refines one trace through its dependent sub-stages against a
// private conversation seeded from the checkpoint. A returned error is
// recorded for this trace only; siblings are unaffected.
func (d *Driver) runTrace(ctx context.Context, ckpt *types.StageContext, tr types.Trace, skipGuide bool) (types.Trace, error) {
	return d.runTraceStages(ctx, ckpt, tr, false, skipGuide)
}

func (d *Driver) runTraceStages(ctx context.Context, ckpt *types.StageContext, tr types.Trace, diagramOnly, skipGuide bool) (types.Trace, error) {
	em := d.opts.Emitter
	vars := ckptVars(ckpt)
	conv := llm.FromFlat(ckpt.Conversation)
	ctx = llm.WithStage(ctx, "trace:"+tr.ID)

	// Sub-stage 1: diagram draft, validated and colorized.
	events.TraceStage(em, tr.ID, "diagram", "start")
	diagram, err := d.retryDiagram(ctx, ckpt.SystemPrompt, conv, prompt.StageTraceDiagram, merged(vars, map[string]any{
		"TraceTitle":       tr.Title,
		"TraceDescription": tr.Description,
	}))
	if err != nil {
		events.TraceStage(em, tr.ID, "diagram", "error")
		return tr, fmt.Errorf("trace %s diagram: %w", tr.ID, err)
	}
	tr.Diagram = diagram
	events.TraceStage(em, tr.ID, "diagram", "complete")
	if diagramOnly {
		return tr, nil
	}

	// Sub-stage 2: location annotation. An unparseable response degrades to
	// the structure-stage locations rather than failing the trace.
	events.TraceStage(em, tr.ID, "locations", "start")
	locPrompt, err := d.render(prompt.StageTraceLocations, vars, map[string]any{"TraceTitle": tr.Title})
	if err != nil {
		return tr, err
	}
	conv.Append(llm.UserText(locPrompt))
	res, err := d.loop(false, defaultTraceRounds).Run(ctx, ckpt.SystemPrompt, conv)
	if err != nil {
		events.TraceStage(em, tr.ID, "locations", "error")
		return tr, fmt.Errorf("trace %s locations: %w", tr.ID, err)
	}
	if locs, err := extract.Locations(res.FinalText); err != nil {
		events.Log(em, fmt.Sprintf("trace %s: location annotation unparseable, keeping structure-stage locations: %v", tr.ID, err))
	} else if len(locs) > 0 {
		tr.Locations = locs
	}
	events.TraceStage(em, tr.ID, "locations", "complete")

	// Sub-stage 3: reading guide, optional.
	if skipGuide {
		return tr, nil
	}
	events.TraceStage(em, tr.ID, "guide", "start")
	guidePrompt, err := d.render(prompt.StageTraceGuide, vars, map[string]any{"TraceTitle": tr.Title})
	if err != nil {
		return tr, err
	}
	conv.Append(llm.UserText(guidePrompt))
	res, err = d.loop(false, 1).Run(ctx, ckpt.SystemPrompt, conv)
	if err != nil {
		events.TraceStage(em, tr.ID, "guide", "error")
		return tr, fmt.Errorf("trace %s guide: %w", tr.ID, err)
	}
	tr.Guide = res.FinalText
	events.TraceStage(em, tr.ID, "guide", "complete")
	return tr, nil
}

// ResumeTrace replays one trace's sub-stages from a checkpoint, skipping
// research and structure entirely. diagramOnly restricts the replay to the
// diagram draft stage.
func (d *Driver) ResumeTrace(ctx context.Context, ckpt *types.StageContext, cm *types.Codemap, traceID string, diagramOnly bool) (*types.Trace, error) {
	if err := checkCheckpoint(ckpt); err != nil {
		return nil, err
	}
	tr := cm.TraceByID(traceID)
	if tr == nil {
		return nil, fmt.Errorf("pipeline: unknown trace %q", traceID)
	}
	out, err := d.runTraceStages(ctx, ckpt, *tr, diagramOnly, diagramOnly || d.opts.SkipGuides)
	if err != nil {
		return nil, err
	}
	*tr = out
	return tr, nil
}

func checkCheckpoint(ckpt *types.StageContext) error {
	if ckpt == nil {
		return fmt.Errorf("pipeline: checkpoint is required")
	}
	if ckpt.SchemaVersion < 1 || ckpt.SchemaVersion > types.StageContextVersion {
		return fmt.Errorf("pipeline: unsupported checkpoint schema version %d", ckpt.SchemaVersion)
	}
	return nil
}

func merged(base, extra map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}
