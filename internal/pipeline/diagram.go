package pipeline

import (
	"context"
	"errors"
	"fmt"

	"codemap/internal/events"
	"codemap/internal/extract"
	"codemap/internal/llm"
	"codemap/internal/mermaid"
	"codemap/internal/prompt"
	"codemap/internal/toolloop"
	"codemap/internal/types"
)

// ErrDiagramExhausted means every validation attempt failed; the wrapped
// message carries the last validator error.
var ErrDiagramExhausted = errors.New("pipeline: diagram attempts exhausted")

// synthesizeDiagram produces the global diagram from the checkpoint,
// concurrently with trace refinement.
func (d *Driver) synthesizeDiagram(ctx context.Context, ckpt *types.StageContext, title string) (string, error) {
	conv := llm.FromFlat(ckpt.Conversation)
	ctx = llm.WithStage(ctx, "diagram")
	return d.retryDiagram(ctx, ckpt.SystemPrompt, conv, prompt.StageDiagramGenerate,
		merged(ckptVars(ckpt), map[string]any{"Title": title}))
}

// ResumeDiagram replays only global diagram synthesis from a checkpoint.
func (d *Driver) ResumeDiagram(ctx context.Context, ckpt *types.StageContext, title string) (string, error) {
	if err := checkCheckpoint(ckpt); err != nil {
		return "", err
	}
	return d.synthesizeDiagram(ctx, ckpt, title)
}

// retryDiagram drives the generate/fix attempt loop until the parser accepts
// a diagram or the attempt budget runs out. Attempt 1 renders the generate
// stage; later attempts render the fix stage with the prior diagram and the
// exact validator error embedded.
func (d *Driver) retryDiagram(ctx context.Context, system string, conv *llm.Conversation, genStage string, genVars map[string]any) (string, error) {
	em := d.opts.Emitter
	attempts := d.diagramAttempts()

	var (
		lastErr error
		prior   string
	)
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		stage, vars := genStage, genVars
		if attempt > 1 {
			stage = prompt.StageDiagramFix
			vars = map[string]any{"Diagram": prior, "Error": lastErr.Error()}
		}
		p, err := d.opts.Prompts.Render(stage, vars)
		if err != nil {
			return "", err
		}
		conv.Append(llm.UserText(p))

		// Diagram attempts are pure generation; no tool catalog is offered.
		loop := &toolloop.Loop{
			Session:   d.opts.Session,
			MaxRounds: 1,
			MaxOutput: d.opts.MaxOutput,
			Emitter:   em,
		}
		res, err := loop.Run(ctx, system, conv)
		if err != nil {
			if errors.Is(err, toolloop.ErrOutputBudget) || ctx.Err() != nil {
				return "", err
			}
			lastErr = err
			events.Log(em, fmt.Sprintf("diagram attempt %d failed: %v", attempt, err))
			continue
		}
		text := extract.DiagramText(res.FinalText)
		if text == "" {
			lastErr = errors.New("response contained no diagram text")
			events.Log(em, fmt.Sprintf("diagram attempt %d: %v", attempt, lastErr))
			continue
		}
		prior = text
		if err := mermaid.Validate(d.opts.Parser, text); err != nil {
			lastErr = err
			events.Log(em, fmt.Sprintf("diagram attempt %d rejected: %v", attempt, err))
			continue
		}
		return mermaid.Colorize(text), nil
	}
	return "", fmt.Errorf("%w after %d attempt(s): %v", ErrDiagramExhausted, attempts, lastErr)
}
