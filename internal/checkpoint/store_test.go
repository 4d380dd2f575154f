package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"codemap/internal/tester"
	"codemap/internal/types"
)

func newFileStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir())
	tester.NoErr(t, err)
	return s
}

func sample() *types.StageContext {
	return &types.StageContext{
		SchemaVersion: types.StageContextVersion,
		CreatedAt:     time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC),
		Query:         "trace auth flow",
		Mode:          "smart",
		Detail:        "standard",
		Workspace:     "ws-1",
		Vars:          types.PromptVars{Date: "2026-08-30", Language: "English"},
		SystemPrompt:  "sys",
		Conversation: []types.FlatMessage{
			{Role: "user", Text: "investigate"},
			{Role: "assistant", Text: "research complete"},
		},
	}
}

func TestFileRoundTrip(t *testing.T) {
	s := newFileStore(t)
	ctx := context.Background()
	tester.NoErr(t, s.Put(ctx, "run-1", sample()))

	got, err := s.Get(ctx, "run-1")
	tester.NoErr(t, err)
	tester.Eq(t, got.Query, "trace auth flow")
	tester.Eq(t, len(got.Conversation), 2)
	tester.Eq(t, got.Conversation[1].Text, "research complete")
}

func TestGetMissing(t *testing.T) {
	s := newFileStore(t)
	_, err := s.Get(context.Background(), "nope")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestList(t *testing.T) {
	s := newFileStore(t)
	ctx := context.Background()
	tester.NoErr(t, s.Put(ctx, "a", sample()))
	tester.NoErr(t, s.Put(ctx, "b", sample()))
	ids, err := s.List(ctx)
	tester.NoErr(t, err)
	tester.Eq(t, len(ids), 2)
}

func TestInvalidRunID(t *testing.T) {
	s := newFileStore(t)
	ctx := context.Background()
	if err := s.Put(ctx, "../escape", sample()); err == nil {
		t.Fatalf("expected invalid run id rejection")
	}
	if _, err := s.Get(ctx, "a/b"); err == nil {
		t.Fatalf("expected invalid run id rejection")
	}
}

func TestUnknownFieldsSurviveRoundTrip(t *testing.T) {
	// A checkpoint written by a newer schema keeps its extra fields through
	// decode and re-encode.
	s := newFileStore(t)
	ctx := context.Background()

	raw := []byte(`{"schema_version":1,"query":"q","future_field":{"x":1}}`)
	tester.NoErr(t, os.WriteFile(s.path("future"), raw, 0o644))

	got, err := s.Get(ctx, "future")
	tester.NoErr(t, err)
	tester.NoErr(t, s.Put(ctx, "future-copy", got))

	data, err := os.ReadFile(s.path("future-copy"))
	tester.NoErr(t, err)
	var m map[string]json.RawMessage
	tester.NoErr(t, json.Unmarshal(data, &m))
	if string(m["future_field"]) != `{"x":1}` {
		t.Fatalf("future_field dropped or mangled: %s", data)
	}
}

func TestCacheServesAfterBackingFileRemoved(t *testing.T) {
	s := newFileStore(t)
	ctx := context.Background()
	tester.NoErr(t, s.Put(ctx, "run-1", sample()))
	tester.NoErr(t, os.Remove(s.path("run-1")))

	got, err := s.Get(ctx, "run-1")
	tester.NoErr(t, err)
	tester.Eq(t, got.Query, "trace auth flow")
}
