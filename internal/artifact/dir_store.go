package artifact

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"

	"codemap/internal/types"
)

var reRunID = regexp.MustCompile(`^[A-Za-z0-9._-]{1,128}$`)

// DirStore writes one <run_id>/codemap.json per run under a root directory.
type DirStore struct {
	root string
}

func NewDirStore(root string) (*DirStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("artifact: %w", err)
	}
	return &DirStore{root: root}, nil
}

func (s *DirStore) path(runID string) string {
	return filepath.Join(s.root, runID, codemapObject)
}

func (s *DirStore) PutCodemap(_ context.Context, runID string, cm *types.Codemap) error {
	if !reRunID.MatchString(runID) {
		return fmt.Errorf("artifact: invalid run id %q", runID)
	}
	data, err := encodeCodemap(cm)
	if err != nil {
		return err
	}
	dir := filepath.Join(s.root, runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("artifact: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".codemap-*")
	if err != nil {
		return fmt.Errorf("artifact: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("artifact: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path(runID)); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("artifact: %w", err)
	}
	return nil
}

func (s *DirStore) GetCodemap(_ context.Context, runID string) (*types.Codemap, error) {
	if !reRunID.MatchString(runID) {
		return nil, fmt.Errorf("artifact: invalid run id %q", runID)
	}
	data, err := os.ReadFile(s.path(runID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("artifact: %w", err)
	}
	return decodeCodemap(data)
}

func (s *DirStore) List(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("artifact: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if !e.IsDir() || !reRunID.MatchString(e.Name()) {
			continue
		}
		if _, err := os.Stat(s.path(e.Name())); err == nil {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}
