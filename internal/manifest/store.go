package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	dirPermissions  = 0o755
	filePermissions = 0o644

	// defaultLockWait bounds how long a writer waits for a per-source
	// lock before surfacing ErrLocked.
	defaultLockWait = 30 * time.Second
)

// Store locates, loads, and persists manifests under a bundle root, and
// serializes writers per source. Cross-process exclusion over the whole
// bundle area is the supervisor's flock; the Store's locks only coordinate
// goroutines within one process.
type Store struct {
	root   string
	logger *slog.Logger

	mu    sync.Mutex
	locks map[string]*sourceLock

	// LockWait is overridable in tests.
	LockWait time.Duration
}

type sourceLock struct {
	sem chan struct{}
}

// NewStore creates a Store rooted at the bundle area.
func NewStore(root string, logger *slog.Logger) *Store {
	return &Store{
		root:     root,
		logger:   logger,
		locks:    make(map[string]*sourceLock),
		LockWait: defaultLockWait,
	}
}

// Dir returns the bundle directory for a source key.
func (s *Store) Dir(sourceKey string) string {
	return filepath.Join(s.root, filepath.FromSlash(sourceKey))
}

// Path returns the manifest path for a source key.
func (s *Store) Path(sourceKey string) string {
	return filepath.Join(s.Dir(sourceKey), FileName)
}

// Lock acquires the exclusive per-source lock, waiting up to LockWait.
// The returned release function must be called exactly once.
func (s *Store) Lock(sourceKey string) (release func(), err error) {
	s.mu.Lock()
	l, ok := s.locks[sourceKey]
	if !ok {
		l = &sourceLock{sem: make(chan struct{}, 1)}
		s.locks[sourceKey] = l
	}
	s.mu.Unlock()

	select {
	case l.sem <- struct{}{}:
		return func() { <-l.sem }, nil
	case <-time.After(s.LockWait):
		return nil, fmt.Errorf("%w: source %s after %s", ErrLocked, sourceKey, s.LockWait)
	}
}

// Load reads and validates the manifest for a source key. Unknown JSON
// fields are tolerated; structural damage or invariant violations return
// ErrCorrupt.
func (s *Store) Load(sourceKey string) (*Manifest, error) {
	return LoadFile(s.Path(sourceKey))
}

// LoadFile reads and validates a manifest at an explicit path. Restore
// uses this for manifests pulled into a scratch directory.
func LoadFile(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrMissing, path)
		}

		return nil, fmt.Errorf("manifest: reading %s: %w", path, err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, path, err)
	}

	if err := Validate(&m); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return &m, nil
}

// Save persists the manifest for a source key with atomic replace: write
// to a sibling temp file, fsync, rename. Readers observe either the old or
// the new manifest, never a torn one. The caller must hold the source lock.
func (s *Store) Save(sourceKey string, m *Manifest) error {
	if err := Validate(m); err != nil {
		return fmt.Errorf("manifest: refusing to persist invalid manifest for %s: %w", sourceKey, err)
	}

	dir := s.Dir(sourceKey)
	if err := os.MkdirAll(dir, dirPermissions); err != nil {
		return fmt.Errorf("manifest: creating %s: %w", dir, err)
	}

	path := s.Path(sourceKey)

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("manifest: encoding %s: %w", sourceKey, err)
	}

	tmp, err := os.CreateTemp(dir, FileName+".tmp-*")
	if err != nil {
		return fmt.Errorf("manifest: temp file in %s: %w", dir, err)
	}

	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()

		return fmt.Errorf("manifest: writing %s: %w", tmpName, err)
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()

		return fmt.Errorf("manifest: fsync %s: %w", tmpName, err)
	}

	if err := tmp.Chmod(filePermissions); err != nil {
		tmp.Close()

		return fmt.Errorf("manifest: chmod %s: %w", tmpName, err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("manifest: closing %s: %w", tmpName, err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("manifest: replacing %s: %w", path, err)
	}

	s.logger.Debug("manifest persisted",
		slog.String("source", sourceKey),
		slog.Int("bundles", len(m.Bundles)),
	)

	return nil
}

// List returns the source keys of every manifest under the root, sorted by
// directory walk order. Used by the monitor and verification engines.
func (s *Store) List() ([]string, error) {
	var keys []string

	err := filepath.WalkDir(s.root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, os.ErrNotExist) && path == s.root {
				return filepath.SkipAll
			}

			return err
		}

		if d.IsDir() || d.Name() != FileName {
			return nil
		}

		rel, relErr := filepath.Rel(s.root, filepath.Dir(path))
		if relErr != nil {
			return relErr
		}

		keys = append(keys, filepath.ToSlash(rel))

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("manifest: listing %s: %w", s.root, err)
	}

	return keys, nil
}
