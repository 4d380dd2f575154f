// Command codemap generates an execution-trace map of a workspace for one
// query, writing the result as JSON. Finished runs leave a checkpoint so
// trace or diagram work can be redone with -resume without repeating the
// research stage.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"codemap/internal/artifact"
	"codemap/internal/checkpoint"
	"codemap/internal/config"
	"codemap/internal/events"
	"codemap/internal/ids"
	"codemap/internal/llm"
	"codemap/internal/llmclient"
	"codemap/internal/pipeline"
	"codemap/internal/prompt"
	"codemap/internal/safeio"
	"codemap/internal/tools"
	"codemap/internal/types"
)

func main() {
	query := flag.String("query", "", "question to answer about the workspace")
	workspace := flag.String("workspace", "", "workspace root (overrides CODEMAP_WORKSPACE)")
	resume := flag.String("resume", "", "run id to resume from its checkpoint")
	traceID := flag.String("trace", "", "with -resume: replay only this trace")
	diagramOnly := flag.Bool("diagram-only", false, "with -resume: replay diagrams only")
	quiet := flag.Bool("quiet", false, "suppress progress output")

	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	if *workspace != "" {
		cfg.Run.Workspace = *workspace
	}

	logger := log.New(os.Stderr, "", log.Ltime)
	if *quiet {
		logger.SetOutput(io.Discard)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *resume != "" {
		if err := runResume(ctx, cfg, logger, *resume, *traceID, *diagramOnly); err != nil {
			log.Fatal(err)
		}
		return
	}
	if *query == "" {
		log.Fatal("-query is required")
	}
	if err := runGenerate(ctx, cfg, logger, *query); err != nil {
		log.Fatal(err)
	}
}

func buildDriver(ctx context.Context, cfg *config.Config, em events.Emitter) (*pipeline.Driver, error) {
	if cfg.Model.APIKey == "" {
		return nil, fmt.Errorf("GEMINI_API_KEY is required")
	}
	if cfg.Run.Workspace == "" {
		return nil, fmt.Errorf("a workspace is required (-workspace or CODEMAP_WORKSPACE)")
	}
	base, err := llmclient.NewGeminiSession(ctx, cfg.Model.APIKey, cfg.Model.Name)
	if err != nil {
		return nil, fmt.Errorf("init model session: %w", err)
	}
	session := llm.Wrap(base,
		llm.Retry(cfg.Model.Retries, time.Second),
		llm.MultiLimit(cfg.Model.RPM, cfg.Model.RPD),
	)
	var broker llm.PermitBroker
	if cfg.Model.RPM > 0 {
		broker = llm.NewBroker(llm.NewLimiter(float64(cfg.Model.RPM)/60.0, cfg.Model.RPM))
	}

	wsfs, err := safeio.New(cfg.Run.Workspace)
	if err != nil {
		return nil, fmt.Errorf("open workspace: %w", err)
	}
	registry := tools.NewRegistry()
	tools.RegisterDefaultTools(registry, tools.Host{WorkspaceFS: wsfs})

	return pipeline.New(pipeline.Options{
		Session:               session,
		Tools:                 registry,
		Prompts:               prompt.NewDefaultProvider(),
		Emitter:               em,
		Broker:                broker,
		Mode:                  cfg.Run.Mode,
		Detail:                cfg.Run.Detail,
		Language:              cfg.Run.Language,
		Workspace:             cfg.Run.Workspace,
		ResearchRounds:        cfg.Run.ResearchRounds,
		DiagramAttempts:       cfg.Run.DiagramAttempts,
		MaxParallelTools:      cfg.Run.MaxParallelTools,
		MaxOutput:             cfg.Run.MaxOutput,
		GlobalDiagramRequired: cfg.Run.GlobalDiagramRequired,
		SkipGuides:            cfg.Run.SkipGuides,
	})
}

func runGenerate(ctx context.Context, cfg *config.Config, logger *log.Logger, query string) error {
	em, done := progressEmitter(logger)
	defer done()

	driver, err := buildDriver(ctx, cfg, em)
	if err != nil {
		return err
	}
	res, err := driver.Run(ctx, query)
	if err != nil {
		return err
	}

	runID := ids.NewRunIDs().Next(query)
	if err := persist(ctx, cfg, runID, res.Checkpoint, res.Codemap); err != nil {
		return err
	}
	logger.Printf("run %s complete (%d traces)", runID, len(res.Codemap.Traces))
	return emitJSON(res.Codemap)
}

func runResume(ctx context.Context, cfg *config.Config, logger *log.Logger, runID, traceID string, diagramOnly bool) error {
	ckpts, err := checkpoint.NewFromEnv(cfg.Checkpoint.Dir)
	if err != nil {
		return err
	}
	ckpt, err := ckpts.Get(ctx, runID)
	if err != nil {
		return err
	}
	store, err := artifact.NewDirStore(cfg.Artifact.LocalDir)
	if err != nil {
		return err
	}
	cm, err := store.GetCodemap(ctx, runID)
	if err != nil {
		return err
	}

	em, done := progressEmitter(logger)
	defer done()
	driver, err := buildDriver(ctx, cfg, em)
	if err != nil {
		return err
	}

	if traceID != "" {
		if _, err := driver.ResumeTrace(ctx, ckpt, cm, traceID, diagramOnly); err != nil {
			return err
		}
	} else {
		diagram, err := driver.ResumeDiagram(ctx, ckpt, cm.Title)
		if err != nil {
			return err
		}
		cm.Diagram = diagram
	}
	if err := store.PutCodemap(ctx, runID, cm); err != nil {
		return err
	}
	logger.Printf("run %s resumed", runID)
	return emitJSON(cm)
}

func persist(ctx context.Context, cfg *config.Config, runID string, ckpt *types.StageContext, cm *types.Codemap) error {
	ckpts, err := checkpoint.NewFromEnv(cfg.Checkpoint.Dir)
	if err != nil {
		return err
	}
	if err := ckpts.Put(ctx, runID, ckpt); err != nil {
		return err
	}
	store, err := artifact.NewDirStore(cfg.Artifact.LocalDir)
	if err != nil {
		return err
	}
	return store.PutCodemap(ctx, runID, cm)
}

func emitJSON(cm *types.Codemap) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(cm)
}

// progressEmitter logs pipeline events to stderr without blocking the run.
func progressEmitter(logger *log.Logger) (events.Emitter, func()) {
	ch := make(chan events.Event, 256)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range ch {
			switch ev.Type {
			case events.TypePhaseChange:
				logger.Printf("[%d] %s", ev.StageNumber, ev.Phase)
			case events.TypeToolCall:
				logger.Printf("tool %s %s", ev.Tool, ev.Args)
			case events.TypeTraceStage:
				logger.Printf("trace %s: %s %s", ev.TraceID, ev.TraceStage, ev.Status)
			case events.TypeLog:
				logger.Printf("%s", ev.Message)
			case events.TypeError:
				logger.Printf("error: %s", ev.Message)
			}
		}
	}()
	return &events.ChannelEmitter{Ch: ch}, func() {
		close(ch)
		<-done
	}
}
