// Package config assembles runtime configuration from .env files, process
// environment and flags, in that order of increasing precedence.
package config

import (
	"flag"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

type Config struct {
	Port string
	Env  string

	Model      ModelConfig
	Run        RunConfig
	Checkpoint CheckpointConfig
	Artifact   ArtifactConfig
}

type ModelConfig struct {
	Provider string
	APIKey   string
	Name     string
	RPM      int // requests per minute, 0 disables
	RPD      int // requests per day, 0 disables
	Retries  int
}

type RunConfig struct {
	Mode      string
	Detail    string
	Language  string
	Workspace string

	MaxParallelTools int
	ResearchRounds   int
	DiagramAttempts  int
	MaxOutput        int

	GlobalDiagramRequired bool
	SkipGuides            bool
}

type CheckpointConfig struct {
	Dir         string
	PostgresDSN string
}

type ArtifactConfig struct {
	Enabled   bool
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	LocalDir  string
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	port := flag.String("port", ":8082", "server port")
	flag.Parse()

	if envPort := os.Getenv("PORT"); envPort != "" {
		if strings.HasPrefix(envPort, ":") {
			*port = envPort
		} else {
			*port = ":" + envPort
		}
	}

	env := strings.TrimSpace(os.Getenv("APP_ENV"))
	if env == "" {
		env = "local"
	}

	run := loadRun()
	return &Config{
		Port:       *port,
		Env:        env,
		Model:      loadModel(run.Mode),
		Run:        run,
		Checkpoint: loadCheckpoint(),
		Artifact:   loadArtifact(env),
	}, nil
}

// defaultModel maps the operating mode to a model tier. Smart runs trade
// latency for a stronger model; fast runs stay on the flash tier.
func defaultModel(mode string) string {
	if mode == "fast" {
		return "gemini-2.0-flash"
	}
	return "gemini-2.5-pro"
}

func loadModel(mode string) ModelConfig {
	return ModelConfig{
		Provider: firstNonEmpty(strings.TrimSpace(os.Getenv("CODEMAP_MODEL_PROVIDER")), "gemini"),
		APIKey:   firstNonEmpty(strings.TrimSpace(os.Getenv("GEMINI_API_KEY")), strings.TrimSpace(os.Getenv("GOOGLE_API_KEY"))),
		Name:     firstNonEmpty(strings.TrimSpace(os.Getenv("CODEMAP_MODEL")), defaultModel(mode)),
		RPM:      envInt("CODEMAP_MODEL_RPM", 0),
		RPD:      envInt("CODEMAP_MODEL_RPD", 0),
		Retries:  envInt("CODEMAP_MODEL_RETRIES", 3),
	}
}

func loadRun() RunConfig {
	mode := strings.ToLower(strings.TrimSpace(os.Getenv("CODEMAP_MODE")))
	if mode != "fast" && mode != "smart" {
		mode = "smart"
	}
	return RunConfig{
		Mode:             mode,
		Detail:           firstNonEmpty(strings.TrimSpace(os.Getenv("CODEMAP_DETAIL")), "standard"),
		Language:         firstNonEmpty(strings.TrimSpace(os.Getenv("CODEMAP_LANGUAGE")), "English"),
		Workspace:        strings.TrimSpace(os.Getenv("CODEMAP_WORKSPACE")),
		MaxParallelTools: envInt("CODEMAP_MAX_PARALLEL_TOOLS", 0),
		ResearchRounds:   envInt("CODEMAP_RESEARCH_ROUNDS", 0),
		DiagramAttempts:  envInt("CODEMAP_DIAGRAM_ATTEMPTS", 0),
		MaxOutput:        envInt("CODEMAP_MAX_OUTPUT", 0),

		GlobalDiagramRequired: envBool("CODEMAP_REQUIRE_GLOBAL_DIAGRAM", true),
		SkipGuides:            envBool("CODEMAP_SKIP_GUIDES", false),
	}
}

func loadCheckpoint() CheckpointConfig {
	return CheckpointConfig{
		Dir:         firstNonEmpty(strings.TrimSpace(os.Getenv("CODEMAP_CHECKPOINT_DIR")), ".codemap/checkpoints"),
		PostgresDSN: strings.TrimSpace(os.Getenv("CODEMAP_PG_DSN")),
	}
}

func loadArtifact(env string) ArtifactConfig {
	endpoint := resolveArtifactEndpoint(env)
	return ArtifactConfig{
		Enabled:   endpoint != "",
		Endpoint:  endpoint,
		Region:    firstNonEmpty(strings.TrimSpace(os.Getenv("ARTIFACT_S3_REGION")), "us-east-1"),
		AccessKey: firstNonEmpty(strings.TrimSpace(os.Getenv("ARTIFACT_S3_ACCESS_KEY")), strings.TrimSpace(os.Getenv("MINIO_ROOT_USER"))),
		SecretKey: firstNonEmpty(strings.TrimSpace(os.Getenv("ARTIFACT_S3_SECRET_KEY")), strings.TrimSpace(os.Getenv("MINIO_ROOT_PASSWORD"))),
		Bucket:    firstNonEmpty(strings.TrimSpace(os.Getenv("ARTIFACT_S3_BUCKET")), "codemap-artifacts"),
		UseSSL:    resolveArtifactUseSSL(env),
		LocalDir:  firstNonEmpty(strings.TrimSpace(os.Getenv("CODEMAP_ARTIFACT_DIR")), ".codemap/artifacts"),
	}
}

func resolveArtifactEndpoint(env string) string {
	if strings.EqualFold(strings.TrimSpace(env), "local") {
		return strings.TrimSpace(os.Getenv("ARTIFACT_MINIO_ENDPOINT"))
	}
	return strings.TrimSpace(os.Getenv("ARTIFACT_S3_ENDPOINT"))
}

func resolveArtifactUseSSL(env string) bool {
	if strings.EqualFold(strings.TrimSpace(env), "local") {
		return false
	}
	return envBool("ARTIFACT_S3_USE_SSL", true)
}

func envInt(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}

func envBool(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return def
	}
	return v
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
