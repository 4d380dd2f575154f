package config

import (
	"testing"

	"codemap/internal/tester"
)

func TestLoadRunDefaults(t *testing.T) {
	t.Setenv("CODEMAP_MODE", "")
	t.Setenv("CODEMAP_DETAIL", "")
	rc := loadRun()
	tester.Eq(t, rc.Mode, "smart")
	tester.Eq(t, rc.Detail, "standard")
	tester.Eq(t, rc.Language, "English")
	tester.True(t, rc.GlobalDiagramRequired)
}

func TestLoadRunFastMode(t *testing.T) {
	t.Setenv("CODEMAP_MODE", "FAST")
	t.Setenv("CODEMAP_MAX_PARALLEL_TOOLS", "12")
	t.Setenv("CODEMAP_SKIP_GUIDES", "true")
	rc := loadRun()
	tester.Eq(t, rc.Mode, "fast")
	tester.Eq(t, rc.MaxParallelTools, 12)
	tester.True(t, rc.SkipGuides)
}

func TestLoadRunRejectsUnknownMode(t *testing.T) {
	t.Setenv("CODEMAP_MODE", "turbo")
	tester.Eq(t, loadRun().Mode, "smart")
}

func TestLoadModelFallbacks(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "")
	t.Setenv("GOOGLE_API_KEY", "k2")
	t.Setenv("CODEMAP_MODEL", "")
	mc := loadModel("fast")
	tester.Eq(t, mc.APIKey, "k2")
	tester.Eq(t, mc.Name, "gemini-2.0-flash")
	tester.Eq(t, mc.Retries, 3)
}

func TestLoadModelTierFollowsMode(t *testing.T) {
	t.Setenv("CODEMAP_MODEL", "")
	tester.Eq(t, loadModel("smart").Name, "gemini-2.5-pro")
	t.Setenv("CODEMAP_MODEL", "custom-model")
	tester.Eq(t, loadModel("smart").Name, "custom-model")
}

func TestEnvIntBadValue(t *testing.T) {
	t.Setenv("CODEMAP_MODEL_RPM", "not-a-number")
	tester.Eq(t, loadModel("smart").RPM, 0)
}
