// Package checkpoint persists stage contexts so trace and diagram work can
// be resumed without re-running research and structure.
package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	_ "github.com/jackc/pgx/v5/stdlib"

	"codemap/internal/types"
)

// ErrNotFound is returned when no checkpoint exists for a run id.
var ErrNotFound = errors.New("checkpoint: not found")

const cacheSize = 256

// reRunID keeps run ids filesystem- and SQL-safe.
var reRunID = regexp.MustCompile(`^[A-Za-z0-9._-]{1,128}$`)

// Store persists checkpoints in a directory of JSON files or, when
// constructed with a DSN, in Postgres. Reads go through an LRU cache; the
// checkpoint is immutable after capture, so cached values never go stale.
type Store struct {
	dir string
	db  *sql.DB

	schemaOnce sync.Once
	schemaErr  error

	cache *lru.Cache[string, *types.StageContext]
}

func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("checkpoint: %w", err)
	}
	cache, err := lru.New[string, *types.StageContext](cacheSize)
	if err != nil {
		return nil, err
	}
	return &Store{dir: dir, cache: cache}, nil
}

func NewPostgres(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", strings.TrimSpace(dsn))
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	cache, err := lru.New[string, *types.StageContext](cacheSize)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db, cache: cache}, nil
}

// NewFromEnv prefers Postgres when CODEMAP_PG_DSN is set, falling back to
// the file backend.
func NewFromEnv(dir string) (*Store, error) {
	dsn := strings.TrimSpace(os.Getenv("CODEMAP_PG_DSN"))
	if dsn == "" {
		return New(dir)
	}
	s, err := NewPostgres(dsn)
	if err != nil {
		return New(dir)
	}
	return s, nil
}

func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *Store) Put(ctx context.Context, runID string, ckpt *types.StageContext) error {
	if !reRunID.MatchString(runID) {
		return fmt.Errorf("checkpoint: invalid run id %q", runID)
	}
	if ckpt == nil {
		return errors.New("checkpoint: nil stage context")
	}
	data, err := json.Marshal(ckpt)
	if err != nil {
		return fmt.Errorf("checkpoint: encode: %w", err)
	}
	if s.db != nil {
		if err := s.putDB(ctx, runID, ckpt, data); err != nil {
			return err
		}
	} else if err := s.putFile(runID, data); err != nil {
		return err
	}
	s.cache.Add(runID, ckpt)
	return nil
}

func (s *Store) Get(ctx context.Context, runID string) (*types.StageContext, error) {
	if !reRunID.MatchString(runID) {
		return nil, fmt.Errorf("checkpoint: invalid run id %q", runID)
	}
	if ckpt, ok := s.cache.Get(runID); ok {
		return ckpt, nil
	}
	var (
		data []byte
		err  error
	)
	if s.db != nil {
		data, err = s.getDB(ctx, runID)
	} else {
		data, err = s.getFile(runID)
	}
	if err != nil {
		return nil, err
	}
	var ckpt types.StageContext
	if err := json.Unmarshal(data, &ckpt); err != nil {
		return nil, fmt.Errorf("checkpoint: decode %s: %w", runID, err)
	}
	s.cache.Add(runID, &ckpt)
	return &ckpt, nil
}

// List returns the run ids with a stored checkpoint.
func (s *Store) List(ctx context.Context) ([]string, error) {
	if s.db != nil {
		return s.listDB(ctx)
	}
	return s.listFile()
}

// file backend

func (s *Store) path(runID string) string {
	return filepath.Join(s.dir, runID+".json")
}

func (s *Store) putFile(runID string, data []byte) error {
	tmp, err := os.CreateTemp(s.dir, runID+".tmp-*")
	if err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("checkpoint: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path(runID)); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("checkpoint: %w", err)
	}
	return nil
}

func (s *Store) getFile(runID string) ([]byte, error) {
	data, err := os.ReadFile(s.path(runID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("checkpoint: %w", err)
	}
	return data, nil
}

func (s *Store) listFile() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: %w", err)
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		id := strings.TrimSuffix(name, ".json")
		if reRunID.MatchString(id) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// postgres backend

func (s *Store) ensureSchema(ctx context.Context) error {
	s.schemaOnce.Do(func() {
		_, s.schemaErr = s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS codemap_checkpoints (
    run_id     TEXT PRIMARY KEY,
    created_at TIMESTAMPTZ NOT NULL,
    payload    JSONB NOT NULL
)`)
	})
	return s.schemaErr
}

func (s *Store) putDB(ctx context.Context, runID string, ckpt *types.StageContext, data []byte) error {
	if err := s.ensureSchema(ctx); err != nil {
		return fmt.Errorf("checkpoint: schema: %w", err)
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO codemap_checkpoints (run_id, created_at, payload)
VALUES ($1, $2, $3)
ON CONFLICT (run_id) DO UPDATE SET created_at = EXCLUDED.created_at, payload = EXCLUDED.payload`,
		runID, ckpt.CreatedAt, data)
	if err != nil {
		return fmt.Errorf("checkpoint: put %s: %w", runID, err)
	}
	return nil
}

func (s *Store) getDB(ctx context.Context, runID string) ([]byte, error) {
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("checkpoint: schema: %w", err)
	}
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM codemap_checkpoints WHERE run_id = $1`, runID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("checkpoint: get %s: %w", runID, err)
	}
	return data, nil
}

func (s *Store) listDB(ctx context.Context) ([]string, error) {
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("checkpoint: schema: %w", err)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id FROM codemap_checkpoints ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: list: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("checkpoint: list: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
