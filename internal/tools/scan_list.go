package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
)

// --------------------- scan.list ---------------------

type scanListTool struct{ host Host }

func newScanListTool(h Host) *scanListTool { return &scanListTool{host: h} }

func (t *scanListTool) Spec() ToolSpec {
	return ToolSpec{
		Name:              "scan.list",
		Description:       "List files under workspace roots with optional depth and extension filters.",
		InputSchema:       json.RawMessage(`{"type":"object","properties":{"roots":{"type":"array","items":{"type":"string"}},"max_depth":{"type":"integer"},"allow_ext":{"type":"array","items":{"type":"string"}},"max_files":{"type":"integer"}},"required":["roots"]}`),
		IdempotentListing: true,
	}
}

type scanListInput struct {
	Roots    []string `json:"roots"`
	MaxDepth int      `json:"max_depth"`
	AllowExt []string `json:"allow_ext"`
	MaxFiles int      `json:"max_files"`
}

type scanListOutput struct {
	Files []scanFile `json:"files"`
}

type scanFile struct {
	Path      string `json:"path"`
	SizeBytes int64  `json:"size_bytes"`
	Ext       string `json:"ext"`
}

func (t *scanListTool) Call(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	var in scanListInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, err
	}
	if len(in.Roots) == 0 {
		return nil, fmt.Errorf("scan.list: roots required")
	}
	if in.MaxFiles <= 0 {
		in.MaxFiles = 2000
	}
	if t.host.WorkspaceFS == nil {
		return nil, fmt.Errorf("scan.list: workspace fs not configured")
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

	var out scanListOutput
	for _, root := range in.Roots {
		if len(out.Files) >= in.MaxFiles {
			break
		}
		rootDepth := pathDepth(root)
		err := t.host.WorkspaceFS.Walk(root, func(rel string, d fs.DirEntry) error {
			if len(out.Files) >= in.MaxFiles {
				return filepath.SkipAll
			}
			if d.IsDir() {
				if in.MaxDepth > 0 && pathDepth(rel)-rootDepth >= in.MaxDepth {
					return filepath.SkipDir
				}
				return nil
			}
			ext := strings.ToLower(filepath.Ext(rel))
			if len(allow) > 0 {
				if _, ok := allow[ext]; !ok {
					return nil
				}
			}
			info, err := d.Info()
			if err != nil {
				return nil
			}
			out.Files = append(out.Files, scanFile{Path: rel, SizeBytes: info.Size(), Ext: ext})
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("scan.list: %w", err)
		}
	}
	return json.Marshal(out)
}

func pathDepth(p string) int {
	p = strings.Trim(strings.ReplaceAll(p, "\\", "/"), "/")
	if p == "" || p == "." {
		return 0
	}
	return strings.Count(p, "/") + 1
}
