package safeio

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// FS provides read-only access to paths resolved against a fixed workspace
// root. Tool inputs come from the model and are treated as untrusted; every
// path is cleaned, joined under the root, and re-checked after symlink
// resolution.
type FS struct {
	absRoot string // absolute root with symlinks resolved
}

// New locks all future operations to the given root directory.
func New(root string) (*FS, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("safeio: empty root")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if abs, err = filepath.EvalSymlinks(abs); err != nil {
		return nil, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, errors.New("safeio: root is not a directory")
	}
	return &FS{absRoot: abs}, nil
}

// Root returns the absolute root directory bound to this FS.
func (s *FS) Root() string {
	if s == nil {
		return ""
	}
	return s.absRoot
}

// ReadFile reads a regular file relative to the root.
func (s *FS) ReadFile(userPath string) ([]byte, error) {
	p, err := s.resolveFile(userPath)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(p)
}

// Open opens a regular file relative to the root for reading.
func (s *FS) Open(userPath string) (*os.File, error) {
	p, err := s.resolveFile(userPath)
	if err != nil {
		return nil, err
	}
	return os.Open(p)
}

// ReadDir lists entries for a directory relative to the root.
func (s *FS) ReadDir(userPath string) ([]fs.DirEntry, error) {
	dir, err := s.resolve(userPath)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(dir)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, errors.New("safeio: path is not a directory")
	}
	return os.ReadDir(dir)
}

// Walk walks the tree under userPath, calling fn with root-relative
// slash-separated paths.
func (s *FS) Walk(userPath string, fn func(rel string, d fs.DirEntry) error) error {
	start, err := s.resolve(userPath)
	if err != nil {
		return err
	}
	return filepath.WalkDir(start, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, rerr := filepath.Rel(s.absRoot, p)
		if rerr != nil {
			return rerr
		}
		return fn(filepath.ToSlash(rel), d)
	})
}

func (s *FS) resolveFile(userPath string) (string, error) {
	p, err := s.resolve(userPath)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(p)
	if err != nil {
		return "", err
	}
	if info.IsDir() {
		return "", errors.New("safeio: path is a directory")
	}
	return p, nil
}

func (s *FS) resolve(userPath string) (string, error) {
	if s == nil {
		return "", errors.New("safeio: filesystem not configured")
	}
	if userPath == "" {
		return "", errors.New("safeio: empty path")
	}
	clean := filepath.Clean(filepath.FromSlash(userPath))
	if clean == "." {
		return s.absRoot, nil
	}
	joined := clean
	if !filepath.IsAbs(clean) {
		joined = filepath.Join(s.absRoot, clean)
	}
	resolved, err := filepath.EvalSymlinks(joined)
	if err != nil {
		return "", err
	}
	if !s.contains(resolved) {
		return "", fmt.Errorf("safeio: %s escapes the workspace root", userPath)
	}
	return resolved, nil
}

// contains reports whether abs (already cleaned and symlink-free) lies at or
// under the root. The relative-path test catches both absolute escapes and
// dot-dot traversal after resolution.
func (s *FS) contains(abs string) bool {
	rel, err := filepath.Rel(s.absRoot, abs)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}
