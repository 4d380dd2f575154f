package ids

import (
	"regexp"
	"testing"
)

func TestNextUniqueWithIncrement(t *testing.T) {
	g := NewRunIDs()
	first := g.Next("trace auth flow")
	second := g.Next("trace auth flow")
	third := g.Next("trace auth flow")

	if first == second || second == third || first == third {
		t.Fatalf("ids must be unique: %q %q %q", first, second, third)
	}
	if second != first+"-2" || third != first+"-3" {
		t.Fatalf("expected incrementing suffixes: %q %q %q", first, second, third)
	}
}

func TestNextShape(t *testing.T) {
	g := NewRunIDs()
	id := g.Next("Trace the Auth/Flow #01")
	ok, err := regexp.MatchString(`^trace-the-auth-flow-01-[0-9a-f]{8}$`, id)
	if err != nil || !ok {
		t.Fatalf("unexpected id shape %q (err %v)", id, err)
	}
}

func TestNextEmptyQuery(t *testing.T) {
	g := NewRunIDs()
	id := g.Next("")
	ok, _ := regexp.MatchString(`^run-[0-9a-f]{8}$`, id)
	if !ok {
		t.Fatalf("unexpected id for empty query: %q", id)
	}
}

func TestNextReservesExisting(t *testing.T) {
	g := NewRunIDs("trace-auth-flow-deadbeef")
	if g.Next("x") == "trace-auth-flow-deadbeef" {
		t.Fatalf("pre-reserved id reissued")
	}
}
