package types

import (
	"encoding/json"
	"strings"
	"testing"

	"codemap/internal/tester"
)

func TestStageContextRoundTrip(t *testing.T) {
	sc := StageContext{
		SchemaVersion: StageContextVersion,
		Query:         "trace auth flow",
		Mode:          "fast",
		Workspace:     "/repo",
		Vars:          PromptVars{Date: "2026-08-30", Language: "en"},
		SystemPrompt:  "system",
		Conversation:  []FlatMessage{{Role: "user", Text: "q"}, {Role: "assistant", Text: "a"}},
	}
	b, err := json.Marshal(sc)
	tester.NoErr(t, err)
	var back StageContext
	tester.NoErr(t, json.Unmarshal(b, &back))
	tester.Eq(t, back.Query, sc.Query)
	tester.Eq(t, len(back.Conversation), 2)
}

func TestStageContextPreservesUnknownFields(t *testing.T) {
	raw := `{"schema_version":2,"query":"q","future_field":{"a":1},"conversation":[]}`
	var sc StageContext
	tester.NoErr(t, json.Unmarshal([]byte(raw), &sc))
	out, err := json.Marshal(sc)
	tester.NoErr(t, err)
	if !strings.Contains(string(out), `"future_field":{"a":1}`) {
		t.Fatalf("unknown field dropped: %s", out)
	}
	tester.Eq(t, sc.SchemaVersion, 2)
}
