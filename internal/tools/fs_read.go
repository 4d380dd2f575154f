package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// --------------------- fs.read ---------------------

const (
	defaultReadSlice = 64 << 10
	maxReadSlice     = 256 << 10
)

type fsReadTool struct{ host Host }

func newFSReadTool(h Host) *fsReadTool { return &fsReadTool{host: h} }

func (t *fsReadTool) Spec() ToolSpec {
	return ToolSpec{
		Name:        "fs.read",
		Description: "Read a file (or a slice) from the workspace, with size limits.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"},"start":{"type":"integer"},"length":{"type":"integer"}},"required":["path"]}`),
	}
}

type fsReadInput struct {
	Path   string `json:"path"`
	Start  int64  `json:"start"`
	Length int64  `json:"length"`
}

type fsReadOutput struct {
	Path      string `json:"path"`
	Content   string `json:"content"`
	Offset    int64  `json:"offset,omitempty"`
	Truncated bool   `json:"truncated,omitempty"`
}

func (t *fsReadTool) Call(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	var in fsReadInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, err
	}
	if strings.TrimSpace(in.Path) == "" {
		return nil, fmt.Errorf("fs.read: path required")
	}
	if t.host.WorkspaceFS == nil {
		return nil, fmt.Errorf("fs.read: workspace fs not configured")
	}
	limit := in.Length
	switch {
	case limit <= 0:
		limit = defaultReadSlice
	case limit > maxReadSlice:
		limit = maxReadSlice
	}

	f, err := t.host.WorkspaceFS.Open(in.Path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if in.Start > 0 {
		if _, err := f.Seek(in.Start, io.SeekStart); err != nil {
			return nil, err
		}
	}
	// Read one byte past the slice to tell a full slice from a truncated one.
	buf, err := io.ReadAll(io.LimitReader(f, limit+1))
	if err != nil {
		return nil, err
	}
	out := fsReadOutput{Path: in.Path, Offset: in.Start}
	if int64(len(buf)) > limit {
		out.Truncated = true
		buf = buf[:limit]
	}
	out.Content = string(buf)
	return json.Marshal(out)
}
