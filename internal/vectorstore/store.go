package vectorstore

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	kberrors "github.com/knowbase/knowbase/internal/errors"
)

// LocalStore is a disk-backed Store. Each collection lives in two files under
// the data directory: <name>.hnsw (graph) and <name>.meta (IDs and payloads).
// Collections load lazily on first access.
type LocalStore struct {
	dir    string
	logger *slog.Logger

	mu          sync.Mutex
	collections map[string]*collection
	closed      bool
}

var _ Store = (*LocalStore)(nil)

// NewLocalStore creates a store rooted at dir, creating it if needed.
func NewLocalStore(dir string, logger *slog.Logger) (*LocalStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, kberrors.InternalError("failed to create vector store directory", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalStore{
		dir:         dir,
		logger:      logger,
		collections: make(map[string]*collection),
	}, nil
}

func (s *LocalStore) graphPath(name string) string {
	return filepath.Join(s.dir, name+".hnsw")
}

func (s *LocalStore) metaPath(name string) string {
	return filepath.Join(s.dir, name+".meta")
}

// get returns the named collection, loading it from disk when present.
func (s *LocalStore) get(name string) (*collection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, kberrors.InternalError("vector store is closed", nil)
	}
	if c, ok := s.collections[name]; ok {
		return c, nil
	}

	if _, err := os.Stat(s.metaPath(name)); err != nil {
		return nil, kberrors.NotFoundError(kberrors.ErrCodeCollectionNotFound, "collection", name)
	}

	c, err := loadCollection(s.graphPath(name), s.metaPath(name))
	if err != nil {
		return nil, kberrors.InternalError(fmt.Sprintf("failed to load collection %s", name), err)
	}
	s.collections[name] = c
	s.logger.Debug("loaded vector collection",
		slog.String("collection", name),
		slog.Int("points", c.count()))
	return c, nil
}

// EnsureCollection implements Store.
func (s *LocalStore) EnsureCollection(_ context.Context, name string, dimensions int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return kberrors.InternalError("vector store is closed", nil)
	}
	if _, ok := s.collections[name]; ok {
		return nil
	}
	if _, err := os.Stat(s.metaPath(name)); err == nil {
		return nil
	}
	if dimensions <= 0 {
		return kberrors.ValidationError("collection dimensions must be positive", nil)
	}

	c := newCollection(DefaultConfig(dimensions))
	c.dirty = true
	s.collections[name] = c
	s.logger.Info("created vector collection",
		slog.String("collection", name),
		slog.Int("dimensions", dimensions))
	return nil
}

// DropCollection implements Store.
func (s *LocalStore) DropCollection(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.collections, name)
	for _, path := range []string{s.graphPath(name), s.metaPath(name)} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return kberrors.InternalError(fmt.Sprintf("failed to remove %s", path), err)
		}
	}
	return nil
}

// HasCollection implements Store.
func (s *LocalStore) HasCollection(_ context.Context, name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.collections[name]; ok {
		return true
	}
	_, err := os.Stat(s.metaPath(name))
	return err == nil
}

// Upsert implements Store.
func (s *LocalStore) Upsert(_ context.Context, collection string, points []Point) error {
	if len(points) == 0 {
		return nil
	}
	c, err := s.get(collection)
	if err != nil {
		return err
	}
	return c.upsert(points)
}

// Search implements Store.
func (s *LocalStore) Search(_ context.Context, collection string, vector []float32, k int, filter Filter) ([]ScoredPoint, error) {
	c, err := s.get(collection)
	if err != nil {
		return nil, err
	}
	return c.search(vector, k, filter)
}

// Delete implements Store.
func (s *LocalStore) Delete(_ context.Context, collection string, ids []string) error {
	c, err := s.get(collection)
	if err != nil {
		return err
	}
	c.deleteIDs(ids)
	return nil
}

// DeleteByFilter implements Store.
func (s *LocalStore) DeleteByFilter(_ context.Context, collection string, filter Filter) (int, error) {
	c, err := s.get(collection)
	if err != nil {
		return 0, err
	}
	return c.deleteByFilter(filter), nil
}

// Count implements Store.
func (s *LocalStore) Count(_ context.Context, collection string) (int, error) {
	c, err := s.get(collection)
	if err != nil {
		return 0, err
	}
	return c.count(), nil
}

// Flush implements Store.
func (s *LocalStore) Flush(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked()
}

func (s *LocalStore) flushLocked() error {
	for name, c := range s.collections {
		if err := c.save(s.graphPath(name), s.metaPath(name)); err != nil {
			return kberrors.InternalError(fmt.Sprintf("failed to persist collection %s", name), err)
		}
	}
	return nil
}

// Close implements Store.
func (s *LocalStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	err := s.flushLocked()
	s.collections = nil
	s.closed = true
	return err
}
