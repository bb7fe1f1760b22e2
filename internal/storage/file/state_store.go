// Package file persists job state as JSON files in a directory, for single-host deployments.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/JakeFAU/sitemirror/internal/manifest"
	"github.com/JakeFAU/sitemirror/internal/mirror"
)

const (
	stateFile    = "state.json"
	manifestFile = "last-manifest.json"
	lockFile     = "tick.lock"
)

// StateStore implements mirror.StateStore on top of a directory.
type StateStore struct {
	dir string
	mu  sync.Mutex
	now func() time.Time
}

type lockRecord struct {
	Owner     string    `json:"owner"`
	ExpiresAt time.Time `json:"expires_at"`
}

// New creates the directory if needed and returns a StateStore rooted there.
func New(dir string) (*StateStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("state directory is required")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create state dir %s: %w", dir, err)
	}
	return &StateStore{dir: dir, now: time.Now}, nil
}

func (s *StateStore) path(name string) string {
	return filepath.Join(s.dir, name)
}

// LoadState reads state.json, falling back to mirror.DefaultState when absent.
// Fields missing from older files keep their defaults.
func (s *StateStore) LoadState(_ context.Context) (mirror.JobState, error) {
	st := mirror.DefaultState()
	data, err := os.ReadFile(s.path(stateFile))
	if errors.Is(err, fs.ErrNotExist) {
		return st, nil
	}
	if err != nil {
		return mirror.JobState{}, fmt.Errorf("read state: %w", err)
	}
	if err := json.Unmarshal(data, &st); err != nil {
		return mirror.JobState{}, fmt.Errorf("decode state: %w", err)
	}
	return st, nil
}

// SaveState atomically replaces state.json.
func (s *StateStore) SaveState(_ context.Context, state mirror.JobState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	return writeAtomic(s.path(stateFile), data)
}

// LoadLastManifest reads the deploy baseline; a missing file is an empty manifest.
func (s *StateStore) LoadLastManifest(_ context.Context) (manifest.Manifest, error) {
	m, err := manifest.Load(s.path(manifestFile))
	if errors.Is(err, fs.ErrNotExist) {
		return manifest.Manifest{}, nil
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// SaveLastManifest atomically replaces the deploy baseline.
func (s *StateStore) SaveLastManifest(_ context.Context, m manifest.Manifest) error {
	if m == nil {
		m = manifest.Manifest{}
	}
	data, err := json.MarshalIndent(m, "", "    ")
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	return writeAtomic(s.path(manifestFile), data)
}

// TryLock creates tick.lock exclusively. An existing lock that has expired, or
// that owner already holds, is replaced.
func (s *StateStore) TryLock(_ context.Context, owner string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lockPath := s.path(lockFile)
	for range 2 {
		f, err := os.OpenFile(lockPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600) // #nosec G304 -- fixed name in the state dir.
		if err == nil {
			data, _ := json.Marshal(lockRecord{Owner: owner, ExpiresAt: s.now().Add(ttl)})
			_, werr := f.Write(data)
			cerr := f.Close()
			if werr != nil || cerr != nil {
				_ = os.Remove(lockPath)
				return false, fmt.Errorf("write lock: %w", errors.Join(werr, cerr))
			}
			return true, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return false, fmt.Errorf("create lock: %w", err)
		}
		rec, ok := s.readLock(lockPath, ttl)
		if ok && rec.Owner != owner && s.now().Before(rec.ExpiresAt) {
			return false, nil
		}
		if err := os.Remove(lockPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return false, fmt.Errorf("remove stale lock: %w", err)
		}
	}
	return false, nil
}

// readLock decodes the lock file. A file that cannot be decoded, for example one
// caught mid-write, expires ttl after its modification time.
func (s *StateStore) readLock(lockPath string, ttl time.Duration) (lockRecord, bool) {
	data, err := os.ReadFile(lockPath) // #nosec G304 -- fixed name in the state dir.
	if err != nil {
		return lockRecord{}, false
	}
	var rec lockRecord
	if err := json.Unmarshal(data, &rec); err == nil && rec.Owner != "" {
		return rec, true
	}
	info, err := os.Stat(lockPath)
	if err != nil {
		return lockRecord{}, false
	}
	return lockRecord{Owner: "?", ExpiresAt: info.ModTime().Add(ttl)}, true
}

// Unlock removes tick.lock when owner holds it.
func (s *StateStore) Unlock(_ context.Context, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	lockPath := s.path(lockFile)
	data, err := os.ReadFile(lockPath) // #nosec G304 -- fixed name in the state dir.
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read lock: %w", err)
	}
	var rec lockRecord
	if err := json.Unmarshal(data, &rec); err != nil || rec.Owner != owner {
		return nil
	}
	if err := os.Remove(lockPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove lock: %w", err)
	}
	return nil
}

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("replace %s: %w", filepath.Base(path), err)
	}
	return nil
}
