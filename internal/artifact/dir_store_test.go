package artifact

import (
	"context"
	"errors"
	"testing"

	"codemap/internal/tester"
	"codemap/internal/types"
)

func TestDirStoreRoundTrip(t *testing.T) {
	s, err := NewDirStore(t.TempDir())
	tester.NoErr(t, err)
	ctx := context.Background()

	cm := &types.Codemap{
		Title:   "Auth flow",
		Diagram: "flowchart TD\nA --> B",
		Traces:  []types.Trace{{ID: "t1", Title: "Login"}},
	}
	tester.NoErr(t, s.PutCodemap(ctx, "run-1", cm))

	got, err := s.GetCodemap(ctx, "run-1")
	tester.NoErr(t, err)
	tester.Eq(t, got.Title, "Auth flow")
	tester.Eq(t, got.Traces[0].ID, "t1")

	ids, err := s.List(ctx)
	tester.NoErr(t, err)
	tester.Eq(t, len(ids), 1)
	tester.Eq(t, ids[0], "run-1")
}

func TestDirStoreMissing(t *testing.T) {
	s, err := NewDirStore(t.TempDir())
	tester.NoErr(t, err)
	_, err = s.GetCodemap(context.Background(), "absent")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDirStoreInvalidRunID(t *testing.T) {
	s, err := NewDirStore(t.TempDir())
	tester.NoErr(t, err)
	if err := s.PutCodemap(context.Background(), "../x", &types.Codemap{}); err == nil {
		t.Fatalf("expected invalid run id rejection")
	}
}
