package tools

import (
	"codemap/internal/safeio"
)

// Host wires workspace access for the builtin tools.
type Host struct {
	WorkspaceFS *safeio.FS
}

// RegisterDefaultTools installs the default tool set into a registry.
func RegisterDefaultTools(r *Registry, h Host) {
	if r == nil {
		return
	}
	r.Register(newFSReadTool(h))
	r.Register(newScanListTool(h))
	r.Register(newTextSearchTool(h))
	r.Register(newFSDiffTool(h))
}
