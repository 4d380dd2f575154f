package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// --------------------- fs.diff ---------------------

type fsDiffTool struct{ host Host }

func newFSDiffTool(h Host) *fsDiffTool { return &fsDiffTool{host: h} }

func (t *fsDiffTool) Spec() ToolSpec {
	return ToolSpec{
		Name:        "fs.diff",
		Description: "Compute a line-level diff between two workspace files.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"left":{"type":"string"},"right":{"type":"string"}},"required":["left","right"]}`),
	}
}

type fsDiffInput struct {
	Left  string `json:"left"`
	Right string `json:"right"`
}

type fsDiffOutput struct {
	Left    string     `json:"left"`
	Right   string     `json:"right"`
	Changes []fsChange `json:"changes"`
}

type fsChange struct {
	Op   string `json:"op"` // "equal" | "insert" | "delete"
	Text string `json:"text"`
}

func (t *fsDiffTool) Call(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	var in fsDiffInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, err
	}
	if strings.TrimSpace(in.Left) == "" || strings.TrimSpace(in.Right) == "" {
		return nil, fmt.Errorf("fs.diff: left and right are required")
	}
	if t.host.WorkspaceFS == nil {
		return nil, fmt.Errorf("fs.diff: workspace fs not configured")
	}
	lb, err := t.host.WorkspaceFS.ReadFile(in.Left)
	if err != nil {
		return nil, fmt.Errorf("fs.diff: read left: %w", err)
	}
	rb, err := t.host.WorkspaceFS.ReadFile(in.Right)
	if err != nil {
		return nil, fmt.Errorf("fs.diff: read right: %w", err)
	}

	dmp := diffmatchpatch.New()
	la, lr, lines := dmp.DiffLinesToChars(string(lb), string(rb))
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(la, lr, false), lines)

	out := fsDiffOutput{Left: in.Left, Right: in.Right}
	for _, d := range diffs {
		op := "equal"
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			op = "insert"
		case diffmatchpatch.DiffDelete:
			op = "delete"
		}
		out.Changes = append(out.Changes, fsChange{Op: op, Text: d.Text})
	}
	return json.Marshal(out)
}
