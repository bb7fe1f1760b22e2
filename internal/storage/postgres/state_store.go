// Package postgres provides a Postgres-backed mirror.StateStore for multi-instance deployments.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/sitemirror/internal/manifest"
	"github.com/JakeFAU/sitemirror/internal/mirror"
)

const (
	keyState    = "state"
	keyManifest = "last_manifest"
	lockName    = "tick"
)

// Schema creates the key/value and lock tables.
const Schema = `
CREATE TABLE IF NOT EXISTS sitemirror_kv (
	key        TEXT PRIMARY KEY,
	value      JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS sitemirror_lock (
	name       TEXT PRIMARY KEY,
	owner      TEXT NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
);`

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// StateStore keeps the job record and deploy baseline as JSONB rows and the tick
// lock as a row with an expiry.
type StateStore struct {
	pool pool
}

// New connects to Postgres and returns a StateStore.
func New(ctx context.Context, cfg Config) (*StateStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("state.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &StateStore{pool: p}, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(p pool) (*StateStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &StateStore{pool: p}, nil
}

// EnsureSchema creates the tables when missing.
func (s *StateStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *StateStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *StateStore) get(ctx context.Context, key string) ([]byte, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, `SELECT value FROM sitemirror_kv WHERE key = $1`, key).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select %s: %w", key, err)
	}
	return raw, nil
}

func (s *StateStore) put(ctx context.Context, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	query := `
INSERT INTO sitemirror_kv (key, value, updated_at)
VALUES ($1, $2, now())
ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`
	if _, err := s.pool.Exec(ctx, query, key, data); err != nil {
		return fmt.Errorf("upsert %s: %w", key, err)
	}
	return nil
}

// LoadState returns the saved record or mirror.DefaultState.
func (s *StateStore) LoadState(ctx context.Context) (mirror.JobState, error) {
	raw, err := s.get(ctx, keyState)
	if err != nil {
		return mirror.JobState{}, err
	}
	st := mirror.DefaultState()
	if raw == nil {
		return st, nil
	}
	if err := json.Unmarshal(raw, &st); err != nil {
		return mirror.JobState{}, fmt.Errorf("decode state: %w", err)
	}
	return st, nil
}

// SaveState replaces the record.
func (s *StateStore) SaveState(ctx context.Context, state mirror.JobState) error {
	return s.put(ctx, keyState, state)
}

// LoadLastManifest returns the deploy baseline, empty when none was saved.
func (s *StateStore) LoadLastManifest(ctx context.Context) (manifest.Manifest, error) {
	raw, err := s.get(ctx, keyManifest)
	if err != nil {
		return nil, err
	}
	m := manifest.Manifest{}
	if raw == nil {
		return m, nil
	}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	return m, nil
}

// SaveLastManifest replaces the deploy baseline.
func (s *StateStore) SaveLastManifest(ctx context.Context, m manifest.Manifest) error {
	if m == nil {
		m = manifest.Manifest{}
	}
	return s.put(ctx, keyManifest, m)
}

// TryLock inserts the lock row, or takes it over when it has expired or owner
// already holds it. Expiry is judged by the database clock.
func (s *StateStore) TryLock(ctx context.Context, owner string, ttl time.Duration) (bool, error) {
	query := `
INSERT INTO sitemirror_lock (name, owner, expires_at)
VALUES ($1, $2, now() + make_interval(secs => $3))
ON CONFLICT (name) DO UPDATE SET owner = EXCLUDED.owner, expires_at = EXCLUDED.expires_at
WHERE sitemirror_lock.expires_at < now() OR sitemirror_lock.owner = EXCLUDED.owner`
	tag, err := s.pool.Exec(ctx, query, lockName, owner, ttl.Seconds())
	if err != nil {
		return false, fmt.Errorf("acquire lock: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Unlock deletes the lock row when owner holds it.
func (s *StateStore) Unlock(ctx context.Context, owner string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM sitemirror_lock WHERE name = $1 AND owner = $2`, lockName, owner); err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}
