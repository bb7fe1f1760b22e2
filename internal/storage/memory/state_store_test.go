package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/sitemirror/internal/manifest"
	"github.com/JakeFAU/sitemirror/internal/mirror"
)

func TestStateStoreDefaultsAndIsolation(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewStateStore()

	st, err := store.LoadState(ctx)
	require.NoError(t, err)
	assert.Equal(t, mirror.StatusIdle, st.Status)

	st = mirror.NewJob("job-1", mirror.JobTypeDeploy, mirror.StageDeployInit, time.Unix(0, 0))
	st.Deploy = &mirror.DeployState{Queue: []string{"a.html"}}
	require.NoError(t, store.SaveState(ctx, st))
	st.Deploy.Queue[0] = "mutated"

	got, err := store.LoadState(ctx)
	require.NoError(t, err)
	assert.Equal(t, "job-1", got.JobID)
	assert.Equal(t, []string{"a.html"}, got.Deploy.Queue)

	last, err := store.LoadLastManifest(ctx)
	require.NoError(t, err)
	assert.Empty(t, last)
	require.NoError(t, store.SaveLastManifest(ctx, manifest.Manifest{"a.html": {Size: 1, SHA256: "h"}}))
	last, err = store.LoadLastManifest(ctx)
	require.NoError(t, err)
	assert.Equal(t, "h", last["a.html"].SHA256)
}

func TestStateStoreLock(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	store := NewStateStore()
	store.now = func() time.Time { return now }

	ok, err := store.TryLock(ctx, "a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.TryLock(ctx, "b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "held lock must not be taken")

	require.NoError(t, store.Unlock(ctx, "b"))
	ok, _ = store.TryLock(ctx, "b", time.Minute)
	assert.False(t, ok, "foreign unlock must not release")

	now = now.Add(61 * time.Second)
	ok, _ = store.TryLock(ctx, "b", time.Minute)
	assert.True(t, ok, "expired lock is reclaimed")

	require.NoError(t, store.Unlock(ctx, "b"))
	ok, _ = store.TryLock(ctx, "a", time.Minute)
	assert.True(t, ok)
}
