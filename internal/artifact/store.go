// Package artifact persists finished codemaps. The S3 backend is the
// deployment target; DirStore serves local runs and tests.
package artifact

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"codemap/internal/types"
)

// ErrNotFound is returned when no artifact exists for a run id.
var ErrNotFound = errors.New("artifact: not found")

const codemapObject = "codemap.json"

// Store persists one codemap per run.
type Store interface {
	PutCodemap(ctx context.Context, runID string, cm *types.Codemap) error
	GetCodemap(ctx context.Context, runID string) (*types.Codemap, error)
	List(ctx context.Context) ([]string, error)
}

func encodeCodemap(cm *types.Codemap) ([]byte, error) {
	if cm == nil {
		return nil, errors.New("artifact: nil codemap")
	}
	data, err := json.MarshalIndent(cm, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("artifact: encode: %w", err)
	}
	return data, nil
}

func decodeCodemap(data []byte) (*types.Codemap, error) {
	var cm types.Codemap
	if err := json.Unmarshal(data, &cm); err != nil {
		return nil, fmt.Errorf("artifact: decode: %w", err)
	}
	return &cm, nil
}
