package main

import (
	"context"
	"log"
	"net/http"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"codemap/internal/artifact"
	"codemap/internal/checkpoint"
	"codemap/internal/config"
	"codemap/internal/events"
	"codemap/internal/llm"
	"codemap/internal/llmclient"
	"codemap/internal/pipeline"
	"codemap/internal/prompt"
	"codemap/internal/safeio"
	"codemap/internal/server"
	"codemap/internal/tools"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	if cfg.Model.APIKey == "" {
		log.Fatal("GEMINI_API_KEY is required")
	}
	if cfg.Run.Workspace == "" {
		log.Fatal("CODEMAP_WORKSPACE is required")
	}

	ctx := context.Background()
	base, err := llmclient.NewGeminiSession(ctx, cfg.Model.APIKey, cfg.Model.Name)
	if err != nil {
		log.Fatalf("init model session: %v", err)
	}
	session := llm.Wrap(base,
		llm.WithHooks(),
		llm.Retry(cfg.Model.Retries, time.Second),
		llm.MultiLimit(cfg.Model.RPM, cfg.Model.RPD),
		llm.WithLogging(log.Default()),
	)
	var broker llm.PermitBroker
	if cfg.Model.RPM > 0 {
		broker = llm.NewBroker(llm.NewLimiter(float64(cfg.Model.RPM)/60.0, cfg.Model.RPM))
	}

	wsfs, err := safeio.New(cfg.Run.Workspace)
	if err != nil {
		log.Fatalf("open workspace: %v", err)
	}
	registry := tools.NewRegistry()
	tools.RegisterDefaultTools(registry, tools.Host{WorkspaceFS: wsfs})

	ckpts, err := checkpoint.NewFromEnv(cfg.Checkpoint.Dir)
	if err != nil {
		log.Fatalf("init checkpoint store: %v", err)
	}

	var artifacts artifact.Store
	if cfg.Artifact.Enabled {
		s3, err := artifact.NewS3Store(artifact.S3Config{
			Endpoint:  cfg.Artifact.Endpoint,
			Region:    cfg.Artifact.Region,
			AccessKey: cfg.Artifact.AccessKey,
			SecretKey: cfg.Artifact.SecretKey,
			Bucket:    cfg.Artifact.Bucket,
			UseSSL:    cfg.Artifact.UseSSL,
		})
		if err != nil {
			log.Fatalf("init artifact store: %v", err)
		}
		artifacts = s3
	} else {
		dir, err := artifact.NewDirStore(cfg.Artifact.LocalDir)
		if err != nil {
			log.Fatalf("init artifact store: %v", err)
		}
		artifacts = dir
	}

	factory := func(em events.Emitter) (*pipeline.Driver, error) {
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

	srv := server.New(factory, ckpts, artifacts, log.Default())
	log.Printf("codemapd listening on %s (mode=%s workspace=%s)", cfg.Port, cfg.Run.Mode, cfg.Run.Workspace)
	log.Fatal(http.ListenAndServe(cfg.Port, h2c.NewHandler(srv.Handler(), &http2.Server{})))
}
