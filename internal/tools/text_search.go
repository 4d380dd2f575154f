package tools

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"strings"
)

// --------------------- text.search ---------------------

type textSearchTool struct{ host Host }

func newTextSearchTool(h Host) *textSearchTool { return &textSearchTool{host: h} }

func (t *textSearchTool) Spec() ToolSpec {
	return ToolSpec{
		Name:              "text.search",
		Description:       "Search for a literal string under workspace roots, returning file/line matches.",
		InputSchema:       json.RawMessage(`{"type":"object","properties":{"roots":{"type":"array","items":{"type":"string"}},"query":{"type":"string"},"allow_ext":{"type":"array","items":{"type":"string"}},"max_results":{"type":"integer"}},"required":["roots","query"]}`),
		IdempotentListing: true,
	}
}

type textSearchInput struct {
	Roots      []string `json:"roots"`
	Query      string   `json:"query"`
	AllowExt   []string `json:"allow_ext"`
	MaxResults int      `json:"max_results"`
}

type textSearchOutput struct {
	Matches []textMatch `json:"matches"`
}

type textMatch struct {
	Path string `json:"path"`
	Line int    `json:"line"`
	Text string `json:"text"`
}

func (t *textSearchTool) Call(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	var in textSearchInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, err
	}
	if len(in.Roots) == 0 || strings.TrimSpace(in.Query) == "" {
		return nil, fmt.Errorf("text.search: roots and query required")
	}
	if in.MaxResults <= 0 {
		in.MaxResults = 200
	}
	if t.host.WorkspaceFS == nil {
		return nil, fmt.Errorf("text.search: workspace fs not configured")
	}
	allow := make(map[string]struct{}, len(in.AllowExt))
	for _, e := range in.AllowExt {
		e = strings.ToLower(strings.TrimSpace(e))
		if e != "" && !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		if e != "" {
			allow[e] = struct{}{}
		}
	}

	out := textSearchOutput{Matches: []textMatch{}}
	for _, root := range in.Roots {
		if len(out.Matches) >= in.MaxResults {
			break
		}
		err := t.host.WorkspaceFS.Walk(root, func(rel string, d fs.DirEntry) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			if d.IsDir() || len(out.Matches) >= in.MaxResults {
				return nil
			}
			if len(allow) > 0 {
				ext := strings.ToLower(extOf(rel))
				if _, ok := allow[ext]; !ok {
					return nil
				}
			}
			t.searchFile(rel, in.Query, in.MaxResults, &out)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("text.search: %w", err)
		}
	}
	return json.Marshal(out)
}

func (t *textSearchTool) searchFile(rel, query string, maxResults int, out *textSearchOutput) {
	f, err := t.host.WorkspaceFS.Open(rel)
	if err != nil {
		return
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	line := 0
	for sc.Scan() {
		line++
		text := sc.Text()
		if strings.Contains(text, query) {
			out.Matches = append(out.Matches, textMatch{Path: rel, Line: line, Text: strings.TrimSpace(text)})
			if len(out.Matches) >= maxResults {
				return
			}
		}
	}
}

func extOf(p string) string {
	if i := strings.LastIndexByte(p, '.'); i >= 0 && !strings.ContainsRune(p[i:], '/') {
		return p[i:]
	}
	return ""
}
