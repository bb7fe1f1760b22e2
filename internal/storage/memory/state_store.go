package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/sitemirror/internal/manifest"
	"github.com/JakeFAU/sitemirror/internal/mirror"
)

// StateStore keeps the job record, deploy baseline, and tick lock in memory.
// Records are stored JSON-encoded so callers never share slices or maps with the store.
type StateStore struct {
	mu        sync.Mutex
	state     []byte
	last      []byte
	lockOwner string
	lockUntil time.Time
	now       func() time.Time
}

// NewStateStore constructs an empty StateStore.
func NewStateStore() *StateStore {
	return &StateStore{now: time.Now}
}

// LoadState returns the saved record or mirror.DefaultState.
func (s *StateStore) LoadState(_ context.Context) (mirror.JobState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := mirror.DefaultState()
	if s.state == nil {
		return st, nil
	}
	if err := json.Unmarshal(s.state, &st); err != nil {
		return mirror.JobState{}, fmt.Errorf("decode state: %w", err)
	}
	return st, nil
}

// SaveState replaces the record.
func (s *StateStore) SaveState(_ context.Context, state mirror.JobState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = data
	return nil
}

// LoadLastManifest returns the deploy baseline, empty when none was saved.
func (s *StateStore) LoadLastManifest(_ context.Context) (manifest.Manifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := manifest.Manifest{}
	if s.last == nil {
		return m, nil
	}
	if err := json.Unmarshal(s.last, &m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	return m, nil
}

// SaveLastManifest replaces the deploy baseline.
func (s *StateStore) SaveLastManifest(_ context.Context, m manifest.Manifest) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last = data
	return nil
}

// TryLock takes the lock when it is free, expired, or already held by owner.
func (s *StateStore) TryLock(_ context.Context, owner string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if s.lockOwner != "" && s.lockOwner != owner && now.Before(s.lockUntil) {
		return false, nil
	}
	s.lockOwner = owner
	s.lockUntil = now.Add(ttl)
	return true, nil
}

// Unlock releases the lock if owner still holds it.
func (s *StateStore) Unlock(_ context.Context, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lockOwner == owner {
		s.lockOwner = ""
		s.lockUntil = time.Time{}
	}
	return nil
}
