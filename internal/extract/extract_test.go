package extract

import (
	"errors"
	"testing"

	"codemap/internal/tester"
)

func TestTaggedBlock(t *testing.T) {
	body, ok := TaggedBlock("prose <codemap>\n{\"a\":1}\n</codemap> trailing", "codemap")
	tester.True(t, ok)
	tester.Eq(t, body, `{"a":1}`)

	_, ok = TaggedBlock("no tags here", "codemap")
	tester.False(t, ok)
}

func TestFencedBlock(t *testing.T) {
	text := "intro\n```json\n{\"x\": 1}\n```\noutro\n```mermaid\nflowchart TD\n```\n"
	body, ok := FencedBlock(text, "mermaid")
	tester.True(t, ok)
	tester.Eq(t, body, "flowchart TD")

	body, ok = FencedBlock(text, "")
	tester.True(t, ok)
	tester.Eq(t, body, `{"x": 1}`)
}

func TestDiagramTextFallbacks(t *testing.T) {
	tester.Eq(t, DiagramText("```mermaid\nflowchart TD\nA-->B\n```"), "flowchart TD\nA-->B")
	tester.Eq(t, DiagramText("here:\n```\ngraph LR\n```"), "graph LR")
	tester.Eq(t, DiagramText("  flowchart TD\nA-->B  "), "flowchart TD\nA-->B")
}

func TestCodemapTagged(t *testing.T) {
	text := `Sure, here is the map.
<codemap>
{"title":"Auth flow","traces":[{"id":"t1","title":"Login"},{"id":"t2","title":"Token refresh"}]}
</codemap>`
	cm, err := Codemap(text)
	tester.NoErr(t, err)
	tester.Eq(t, cm.Title, "Auth flow")
	tester.Eq(t, len(cm.Traces), 2)
	tester.Eq(t, cm.Traces[1].ID, "t2")
}

func TestCodemapLooseJSON(t *testing.T) {
	// No tags at all: first balanced object in the prose wins.
	text := `The structure is {"title":"X","traces":[{"id":"a","title":"A"}]} as requested.`
	cm, err := Codemap(text)
	tester.NoErr(t, err)
	tester.Eq(t, cm.Traces[0].ID, "a")
}

func TestCodemapBracesInsideStrings(t *testing.T) {
	text := `<codemap>{"title":"uses {braces} inside","traces":[{"id":"a","title":"A"}]}</codemap>`
	cm, err := Codemap(text)
	tester.NoErr(t, err)
	tester.Eq(t, cm.Title, "uses {braces} inside")
}

func TestCodemapRejectsEmptyTraces(t *testing.T) {
	_, err := Codemap(`<codemap>{"title":"empty","traces":[]}</codemap>`)
	if err == nil {
		t.Fatalf("expected error for traceless payload")
	}
}

func TestCodemapNoPayload(t *testing.T) {
	_, err := Codemap("I could not determine the structure.")
	if !errors.Is(err, ErrNoPayload) {
		t.Fatalf("expected ErrNoPayload, got %v", err)
	}
}

func TestLocationsArrayAndWrapped(t *testing.T) {
	locs, err := Locations(`<locations>[{"id":"l1","file":"a.go","line":3}]</locations>`)
	tester.NoErr(t, err)
	tester.Eq(t, len(locs), 1)
	tester.Eq(t, locs[0].File, "a.go")

	locs, err = Locations(`<locations>{"locations":[{"id":"l2","file":"b.go","line":9}]}</locations>`)
	tester.NoErr(t, err)
	tester.Eq(t, locs[0].Line, 9)
}
