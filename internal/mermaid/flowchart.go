package mermaid

import (
	"fmt"
	"regexp"
	"strings"
)

// Flowchart is the built-in grammar parser for mermaid flowcharts. It is
// deliberately stricter than the renderer about structure (header, block
// balance, node identifiers) and silent about presentation.
type Flowchart struct{}

var (
	reHeader = regexp.MustCompile(`^(flowchart|graph)\s+(TB|TD|BT|RL|LR)\b`)
	reNodeID = regexp.MustCompile(`^[A-Za-z0-9_.-]+`)
	// reEdge splits an edge line into source, operator and remainder.
	reEdge = regexp.MustCompile(`^(.+?)\s*(-{2,}>?|-\.+->|={2,}>|o--o|x--x|<-->)\s*(.+)$`)
)

// reservedIDs are words the mermaid grammar claims for itself; using them as
// node identifiers breaks rendering in non-obvious ways.
var reservedIDs = map[string]bool{
	"end":       true,
	"subgraph":  true,
	"graph":     true,
	"style":     true,
	"classDef":  true,
	"class":     true,
	"click":     true,
	"direction": true,
}

func (Flowchart) Parse(text string) error {
	lines := strings.Split(text, "\n")
	header := -1
	for i, line := range lines {
		t := strings.TrimSpace(line)
		if t == "" || strings.HasPrefix(t, "%%") {
			continue
		}
		if !reHeader.MatchString(t) {
			return fmt.Errorf("mermaid: line %d: expected flowchart header, got %q", i+1, t)
		}
		header = i
		break
	}
	if header < 0 {
		return fmt.Errorf("mermaid: no content")
	}

	depth := 0
	for i := header + 1; i < len(lines); i++ {
		t := strings.TrimSpace(lines[i])
		switch {
		case t == "" || strings.HasPrefix(t, "%%"):
			continue
		case strings.HasPrefix(t, "subgraph"):
			rest := strings.TrimSpace(strings.TrimPrefix(t, "subgraph"))
			if rest == "" {
				return fmt.Errorf("mermaid: line %d: subgraph without identifier", i+1)
			}
			depth++
		case t == "end":
			depth--
			if depth < 0 {
				return fmt.Errorf("mermaid: line %d: end without matching subgraph", i+1)
			}
		case strings.HasPrefix(t, "style ") || strings.HasPrefix(t, "classDef ") ||
			strings.HasPrefix(t, "class ") || strings.HasPrefix(t, "linkStyle ") ||
			strings.HasPrefix(t, "direction "):
			continue
		default:
			if err := checkStatement(t, i+1); err != nil {
				return err
			}
		}
	}
	if depth != 0 {
		return fmt.Errorf("mermaid: %d unclosed subgraph block(s)", depth)
	}
	return nil
}

// checkStatement validates a node or edge statement. Chained edges
// (a --> b --> c) are validated segment by segment.
func checkStatement(t string, lineNo int) error {
	for {
		m := reEdge.FindStringSubmatch(t)
		if m == nil {
			return checkNode(t, lineNo)
		}
		if err := checkNode(strings.TrimSpace(m[1]), lineNo); err != nil {
			return err
		}
		t = strings.TrimSpace(m[3])
		// Skip an edge label between the operator and the target.
		if strings.HasPrefix(t, "|") {
			end := strings.Index(t[1:], "|")
			if end < 0 {
				return fmt.Errorf("mermaid: line %d: unterminated edge label", lineNo)
			}
			t = strings.TrimSpace(t[end+2:])
		}
		if t == "" {
			return fmt.Errorf("mermaid: line %d: edge has no target node", lineNo)
		}
	}
}

func checkNode(t string, lineNo int) error {
	if t == "" {
		return fmt.Errorf("mermaid: line %d: empty node reference", lineNo)
	}
	id := reNodeID.FindString(t)
	if id == "" {
		return fmt.Errorf("mermaid: line %d: invalid node identifier in %q", lineNo, t)
	}
	if reservedIDs[id] {
		return fmt.Errorf("mermaid: line %d: %q is a reserved identifier", lineNo, id)
	}
	rest := t[len(id):]
	if rest == "" {
		return nil
	}
	// Shape brackets must pair up: A[label], B(label), C{label}, D[[label]] etc.
	pairs := map[byte]byte{'[': ']', '(': ')', '{': '}'}
	open := rest[0]
	closeCh, ok := pairs[open]
	if !ok {
		return fmt.Errorf("mermaid: line %d: unexpected %q after node id %s", lineNo, rest, id)
	}
	if rest[len(rest)-1] != closeCh {
		return fmt.Errorf("mermaid: line %d: unterminated node shape for %s", lineNo, id)
	}
	return nil
}
