package snapshot

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/ctxvault/internal/fsx"
)

// Source reads live contexts. It is the read half of the live-context
// collaborator.
type Source interface {
	// Snapshot returns the current state of one context. Returns ErrNotFound
	// if the context is not live.
	Snapshot(ctx context.Context, contextID string, scope Scope) (*Snapshot, error)
	// List returns every live context.
	List(ctx context.Context) ([]Key, error)
}

// Reconstructor accepts a restored event log and makes it the active context
// again, and drops contexts that have been archived.
type Reconstructor interface {
	// Reconstruct registers snap as the active context for its key,
	// replacing any existing state.
	Reconstruct(ctx context.Context, snap *Snapshot) error
	// Release removes a context from the live set.
	Release(ctx context.Context, key Key) error
}

const documentExt = ".json"

// FileStore keeps one sealed snapshot document per context under
// <dir>/<scope>/<context_id>.json.
type FileStore struct {
	dir    string
	logger *zap.Logger
	mu     sync.RWMutex
}

var (
	_ Source        = (*FileStore)(nil)
	_ Reconstructor = (*FileStore)(nil)
)

// NewFileStore creates the scope directories under dir.
func NewFileStore(dir string, logger *zap.Logger) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("snapshot directory is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	for _, scope := range Scopes {
		if err := os.MkdirAll(filepath.Join(dir, string(scope)), 0o700); err != nil {
			return nil, fmt.Errorf("create snapshot directory: %w", err)
		}
	}
	return &FileStore{dir: dir, logger: logger.Named("snapshots")}, nil
}

// Dir returns the root directory.
func (s *FileStore) Dir() string { return s.dir }

func (s *FileStore) path(contextID string, scope Scope) string {
	return filepath.Join(s.dir, string(scope), contextID+documentExt)
}

// Save seals snap and writes it atomically.
func (s *FileStore) Save(ctx context.Context, snap *Snapshot) error {
	if err := ValidateContextID(snap.ContextID); err != nil {
		return err
	}
	if !snap.Scope.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidScope, snap.Scope)
	}

	out := snap.Clone()
	if out.Events == nil {
		out.Events = []Event{}
	}
	out.Seal()

	data, err := Marshal(out)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := fsx.WriteFileAtomic(s.path(out.ContextID, out.Scope), data, 0o600); err != nil {
		return fmt.Errorf("write snapshot %s: %w", out.Key(), err)
	}
	s.logger.Debug("snapshot saved",
		zap.String("context_id", out.ContextID),
		zap.String("scope", string(out.Scope)),
		zap.Int("events", len(out.Events)),
	)
	return nil
}

// Snapshot loads and parses one document. Structural problems are not
// reported here; the document is returned as found.
func (s *FileStore) Snapshot(ctx context.Context, contextID string, scope Scope) (*Snapshot, error) {
	if err := ValidateContextID(contextID); err != nil {
		return nil, err
	}
	if !scope.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidScope, scope)
	}

	s.mu.RLock()
	data, err := os.ReadFile(s.path(contextID, scope))
	s.mu.RUnlock()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, scope, contextID)
		}
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	return Parse(data)
}

// List returns all stored contexts ordered by scope then id.
func (s *FileStore) List(ctx context.Context) ([]Key, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var keys []Key
	for _, scope := range Scopes {
		entries, err := os.ReadDir(filepath.Join(s.dir, string(scope)))
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("list %s snapshots: %w", scope, err)
		}
		for _, entry := range entries {
			name := entry.Name()
			if entry.IsDir() || fsx.IsTempName(name) || !strings.HasSuffix(name, documentExt) {
				continue
			}
			keys = append(keys, Key{ContextID: strings.TrimSuffix(name, documentExt), Scope: scope})
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Scope != keys[j].Scope {
			return keys[i].Scope < keys[j].Scope
		}
		return keys[i].ContextID < keys[j].ContextID
	})
	return keys, nil
}

// Reconstruct stores a restored snapshot as the live context.
func (s *FileStore) Reconstruct(ctx context.Context, snap *Snapshot) error {
	return s.Save(ctx, snap)
}

// Release deletes the live document. Releasing a missing context is not an
// error.
func (s *FileStore) Release(ctx context.Context, key Key) error {
	if err := ValidateContextID(key.ContextID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path(key.ContextID, key.Scope)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("release %s: %w", key, err)
	}
	return nil
}

// Watch calls fn with the key of every document created, written, or removed
// until ctx is done.
func (s *FileStore) Watch(ctx context.Context, fn func(Key)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	for _, scope := range Scopes {
		if err := watcher.Add(filepath.Join(s.dir, string(scope))); err != nil {
			return fmt.Errorf("watch %s: %w", scope, err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if key, ok := s.keyForPath(event.Name); ok {
				fn(key)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("snapshot watcher error", zap.Error(err))
		}
	}
}

func (s *FileStore) keyForPath(path string) (Key, bool) {
	name := filepath.Base(path)
	if fsx.IsTempName(name) || !strings.HasSuffix(name, documentExt) {
		return Key{}, false
	}
	scope := Scope(filepath.Base(filepath.Dir(path)))
	if !scope.Valid() {
		return Key{}, false
	}
	return Key{ContextID: strings.TrimSuffix(name, documentExt), Scope: scope}, true
}
