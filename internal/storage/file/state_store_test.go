package file

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/sitemirror/internal/manifest"
	"github.com/JakeFAU/sitemirror/internal/mirror"
)

func TestStateRoundTripAndDefaults(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, err := New(filepath.Join(t.TempDir(), "state"))
	require.NoError(t, err)

	st, err := store.LoadState(ctx)
	require.NoError(t, err)
	assert.Equal(t, mirror.StatusIdle, st.Status)
	assert.NotNil(t, st.Log)

	st = mirror.NewJob("job-9", mirror.JobTypeExport, mirror.StageDiscover, time.Unix(100, 0).UTC())
	st.Export = &mirror.ExportState{ExportDir: "/tmp/x", AssetSeen: map[string]bool{"a.css": true}}
	require.NoError(t, store.SaveState(ctx, st))

	got, err := store.LoadState(ctx)
	require.NoError(t, err)
	assert.Equal(t, "job-9", got.JobID)
	assert.True(t, got.Export.AssetSeen["a.css"])

	leftovers, err := filepath.Glob(filepath.Join(store.dir, ".*.tmp-*"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestLoadStateToleratesMissingFields(t *testing.T) {
	t.Parallel()

	store, err := New(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(store.path(stateFile), []byte(`{"type":"deploy","status":"failed"}`), 0o600))

	st, err := store.LoadState(context.Background())
	require.NoError(t, err)
	assert.Equal(t, mirror.JobTypeDeploy, st.Type)
	assert.Equal(t, mirror.StatusFailed, st.Status)
	assert.NotNil(t, st.Errors)
}

func TestLastManifest(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, err := New(t.TempDir())
	require.NoError(t, err)

	m, err := store.LoadLastManifest(ctx)
	require.NoError(t, err)
	assert.Empty(t, m)

	want := manifest.Manifest{"a.html": {Size: 3, SHA256: "abc"}}
	require.NoError(t, store.SaveLastManifest(ctx, want))
	m, err = store.LoadLastManifest(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, m)
}

func TestLockExclusionAndExpiry(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, err := New(t.TempDir())
	require.NoError(t, err)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }

	ok, err := store.TryLock(ctx, "one", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = store.TryLock(ctx, "two", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Unlock(ctx, "two"))
	_, err = os.Stat(store.path(lockFile))
	require.NoError(t, err, "foreign unlock must leave the lock")

	now = now.Add(2 * time.Minute)
	ok, err = store.TryLock(ctx, "two", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "expired lock is reclaimed")

	require.NoError(t, store.Unlock(ctx, "two"))
	_, err = os.Stat(store.path(lockFile))
	assert.True(t, os.IsNotExist(err))
}
