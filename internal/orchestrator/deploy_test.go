package orchestrator

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/sitemirror/internal/github"
	"github.com/JakeFAU/sitemirror/internal/manifest"
	"github.com/JakeFAU/sitemirror/internal/mirror"
)

func deploySettings(t *testing.T) mirror.Settings {
	t.Helper()
	dir := t.TempDir()
	writeTestFile(t, filepath.Join(dir, "index.html"), "<html>A</html>")
	writeTestFile(t, filepath.Join(dir, "style.css"), "body{}")
	return mirror.Settings{
		ExportDir: dir,
		Deploy: mirror.DeploySettings{
			Enabled:  true,
			Owner:    "octo",
			Repo:     "site",
			Branch:   "gh-pages",
			NoJekyll: true,
		},
	}
}

func treePaths(entries []github.TreeEntry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Path)
	}
	return out
}

// redeploy drops the cached manifest so the next deploy fingerprints the tree again.
func redeploy(t *testing.T, h *harness) {
	t.Helper()
	require.NoError(t, os.Remove(filepath.Join(h.exportDir, manifest.FileName)))
	_, err := h.orch.StartDeploy(context.Background())
	require.NoError(t, err)
}

func TestDeploy_FirstRunThenOnlyChanges(t *testing.T) {
	t.Parallel()

	h := newHarness(t, deploySettings(t), nil)
	ctx := context.Background()

	st, err := h.orch.StartDeploy(ctx)
	require.NoError(t, err)
	require.Equal(t, mirror.StageDeployInit, st.Stage)

	res := h.drain(t)
	require.Equal(t, mirror.StatusCompleted, res.Status)
	require.Len(t, h.remote.trees, 1)
	require.Equal(t, []string{"index.html", "style.css", ".nojekyll"}, treePaths(h.remote.trees[0]))
	require.Equal(t, []string{"commit-1"}, h.remote.refUpdates)

	final := h.state(t)
	require.Equal(t, "Deploy completed.", final.Message)
	require.Equal(t, "commit-1", final.Deploy.LastCommit)

	last, err := h.store.LoadLastManifest(ctx)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"index.html", "style.css"}, last.Paths())

	writeTestFile(t, filepath.Join(h.exportDir, "index.html"), "<html>B</html>")
	redeploy(t, h)
	res = h.drain(t)
	require.Equal(t, mirror.StatusCompleted, res.Status)
	require.Len(t, h.remote.trees, 2)
	require.Equal(t, []string{"index.html", ".nojekyll"}, treePaths(h.remote.trees[1]))

	events := h.publisher.JobEvents()
	require.Len(t, events, 2)
	require.Equal(t, "commit-2", events[1].LastCommit)
}

func TestDeploy_PrefixCNAMEAndDeletions(t *testing.T) {
	t.Parallel()

	settings := deploySettings(t)
	settings.Deploy.PathPrefix = "/docs/"
	settings.Deploy.CNAME = "www.example.org"
	settings.Deploy.CleanRemoved = true
	h := newHarness(t, settings, nil)
	ctx := context.Background()

	_, err := h.orch.StartDeploy(ctx)
	require.NoError(t, err)
	require.Equal(t, mirror.StatusCompleted, h.drain(t).Status)
	require.Equal(t,
		[]string{"docs/index.html", "docs/style.css", "docs/.nojekyll", "docs/CNAME"},
		treePaths(h.remote.trees[0]))

	require.NoError(t, os.Remove(filepath.Join(h.exportDir, "style.css")))
	redeploy(t, h)
	require.Equal(t, mirror.StatusCompleted, h.drain(t).Status)

	entries := h.remote.trees[1]
	require.Equal(t, []string{"docs/.nojekyll", "docs/CNAME", "docs/style.css"}, treePaths(entries))
	require.Nil(t, entries[2].SHA)
	require.NotNil(t, entries[0].SHA)
}

func TestDeploy_RateLimitPausesWithoutAdvancing(t *testing.T) {
	t.Parallel()

	h := newHarness(t, deploySettings(t), nil)
	ctx := context.Background()
	reset := h.clock.Now().Add(120 * time.Second).Unix()
	h.remote.blobResult = func(n int) (int, http.Header) {
		if n != 2 {
			return 0, nil
		}
		hdr := http.Header{}
		hdr.Set("X-RateLimit-Remaining", "0")
		hdr.Set("X-RateLimit-Reset", strconv.FormatInt(reset, 10))
		return http.StatusForbidden, hdr
	}

	_, err := h.orch.StartDeploy(ctx)
	require.NoError(t, err)
	_, err = h.orch.Tick(ctx) // init
	require.NoError(t, err)

	res, err := h.orch.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, mirror.StatusPaused, res.Status)
	require.Equal(t, 130*time.Second, res.Delay)
	require.Equal(t, 130*time.Second, h.sched.last())

	paused := h.state(t)
	require.Equal(t, 0, paused.Deploy.QueueIndex)
	require.Empty(t, paused.Deploy.Failed)
	require.Equal(t, "Rate limited while creating blob.", paused.Deploy.PauseReason)
	require.Empty(t, h.remote.trees)

	// Still inside the window: nothing is uploaded and the recheck is capped.
	res, err = h.orch.Tick(ctx)
	require.NoError(t, err)
	require.True(t, res.Reschedule)
	require.Equal(t, 60*time.Second, res.Delay)
	require.Equal(t, 2, h.remote.blobs)

	h.clock.Advance(131 * time.Second)
	h.remote.blobResult = nil
	res = h.drain(t)
	require.Equal(t, mirror.StatusCompleted, res.Status)
	require.Equal(t, 5, h.remote.blobs)
	require.Len(t, h.remote.trees, 1)
	require.Len(t, h.remote.trees[0], 3)
}

func TestDeploy_FailedItemsKeepBaselineUntilRetry(t *testing.T) {
	t.Parallel()

	h := newHarness(t, deploySettings(t), nil)
	ctx := context.Background()
	h.remote.blobResult = func(n int) (int, http.Header) {
		if n == 1 {
			return http.StatusInternalServerError, nil
		}
		return 0, nil
	}

	_, err := h.orch.StartDeploy(ctx)
	require.NoError(t, err)
	res := h.drain(t)
	require.Equal(t, mirror.StatusFailed, res.Status)

	failed := h.state(t)
	require.Equal(t, []string{"index.html"}, failed.Deploy.Failed)
	require.Contains(t, failed.Errors, "index.html")
	require.Equal(t, []string{"style.css", ".nojekyll"}, treePaths(h.remote.trees[0]))

	last, err := h.store.LoadLastManifest(ctx)
	require.NoError(t, err)
	require.Empty(t, last)

	h.remote.blobResult = nil
	msg, err := h.orch.RetryFailed(ctx)
	require.NoError(t, err)
	require.Equal(t, "Retry started.", msg)

	retrying := h.state(t)
	require.Equal(t, mirror.StatusRunning, retrying.Status)
	require.Equal(t, []string{"index.html"}, retrying.Deploy.Queue)

	res = h.drain(t)
	require.Equal(t, mirror.StatusCompleted, res.Status)
	require.Equal(t, []string{"index.html"}, treePaths(h.remote.trees[1]))

	last, err = h.store.LoadLastManifest(ctx)
	require.NoError(t, err)
	require.Len(t, last, 2)
}

func TestStartDeploy_Preconditions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*mirror.Settings, *fakeRemote)
		want   string
	}{
		{
			name:   "disabled",
			mutate: func(s *mirror.Settings, _ *fakeRemote) { s.Deploy.Enabled = false },
			want:   "GitHub deploy is disabled in settings.",
		},
		{
			name:   "missing repo",
			mutate: func(s *mirror.Settings, _ *fakeRemote) { s.Deploy.Repo = "" },
			want:   "GitHub owner, repo and branch must be set.",
		},
		{
			name:   "missing token",
			mutate: func(_ *mirror.Settings, r *fakeRemote) { r.token = false },
			want:   "GitHub token is missing. Set deploy.token or SITEMIRROR_DEPLOY_TOKEN.",
		},
		{
			name:   "missing export",
			mutate: func(s *mirror.Settings, _ *fakeRemote) { s.ExportDir = filepath.Join(s.ExportDir, "nope") },
			want:   "Export directory does not exist. Run export first.",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			settings := deploySettings(t)
			remote := newFakeRemote()
			tc.mutate(&settings, remote)
			h := newHarness(t, settings, func(d *Deps) { d.Remote = remote })

			_, err := h.orch.StartDeploy(context.Background())
			require.ErrorIs(t, err, ErrPrecondition)

			st := h.state(t)
			require.Equal(t, mirror.StatusFailed, st.Status)
			require.Equal(t, tc.want, st.Message)
		})
	}
}

func TestStartDeploy_PreconditionLeavesActiveJobAlone(t *testing.T) {
	t.Parallel()

	settings := deploySettings(t)
	settings.Deploy.Enabled = false
	h := newHarness(t, settings, nil)
	ctx := context.Background()
	running := mirror.NewJob("job-e", mirror.JobTypeExport, mirror.StageExportHTML, h.clock.Now())
	require.NoError(t, h.store.SaveState(ctx, running))

	_, err := h.orch.StartDeploy(ctx)
	require.ErrorIs(t, err, ErrPrecondition)

	st := h.state(t)
	require.Equal(t, mirror.StatusRunning, st.Status)
	require.Equal(t, "job-e", st.JobID)
}

func TestDeploy_CancelDuringPause(t *testing.T) {
	t.Parallel()

	h := newHarness(t, deploySettings(t), nil)
	ctx := context.Background()
	h.remote.blobResult = func(int) (int, http.Header) {
		hdr := http.Header{}
		hdr.Set("X-RateLimit-Remaining", "0")
		return http.StatusTooManyRequests, hdr
	}

	_, err := h.orch.StartDeploy(ctx)
	require.NoError(t, err)
	_, err = h.orch.Tick(ctx)
	require.NoError(t, err)
	res, err := h.orch.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, mirror.StatusPaused, res.Status)

	msg, err := h.orch.CancelDeploy(ctx)
	require.NoError(t, err)
	require.Equal(t, "Cancel requested.", msg)

	// The pause window still holds the job; cancellation lands on the first tick after it.
	res, err = h.orch.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, mirror.StatusPaused, res.Status)

	h.clock.Advance(2 * time.Minute)
	res, err = h.orch.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, mirror.StatusCancelled, res.Status)
}
