package orchestrator

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/sitemirror/internal/archive"
	"github.com/JakeFAU/sitemirror/internal/github"
	"github.com/JakeFAU/sitemirror/internal/manifest"
	"github.com/JakeFAU/sitemirror/internal/metrics"
	"github.com/JakeFAU/sitemirror/internal/mirror"
	"github.com/JakeFAU/sitemirror/internal/restore"
)

// StartExport replaces the job record with a fresh export job. Callers gate
// concurrent starts; see Active.
func (o *Orchestrator) StartExport(ctx context.Context) (mirror.JobState, error) {
	if o.fetcher == nil || o.source == nil || o.mapper == nil {
		return mirror.JobState{}, fmt.Errorf("%w: export source is not configured", ErrPrecondition)
	}
	id, err := o.ids.NewID()
	if err != nil {
		return mirror.JobState{}, fmt.Errorf("generate job id: %w", err)
	}
	s := o.settings
	now := o.clock.Now()
	st := mirror.NewJob(id, mirror.JobTypeExport, mirror.StageDiscover, now)
	st.Message = "Export started."
	st.Export = &mirror.ExportState{
		ExportDir:      s.ExportDir,
		PublicBaseURL:  s.PublicBaseURL,
		AssetScope:     s.AssetScope,
		IgnoreEnabled:  s.IgnoreEnabled,
		IgnorePatterns: append([]string(nil), s.IgnorePatterns...),
		ZipEnabled:     s.ZipEnabled,
		URLs:           []string{},
		AssetQueue:     []mirror.AssetTask{},
		AssetSeen:      map[string]bool{},
	}
	st.Logf(now, "Export job queued.")

	if err := o.replaceState(ctx, st); err != nil {
		return mirror.JobState{}, err
	}
	metrics.ObserveJob(string(mirror.JobTypeExport), "started")
	o.logger.Info("export started", zap.String("job_id", id))
	o.schedule(o.settings.TickDelay)
	return st, nil
}

// StartDeploy checks deploy preconditions and replaces the job record with a
// fresh deploy job. A failed precondition is recorded on the current record
// unless a job is still active.
func (o *Orchestrator) StartDeploy(ctx context.Context) (mirror.JobState, error) {
	s := o.settings
	if reason := o.deployPrecondition(); reason != "" {
		o.recordPrecondition(ctx, reason)
		return mirror.JobState{}, fmt.Errorf("%w: %s", ErrPrecondition, reason)
	}

	id, err := o.ids.NewID()
	if err != nil {
		return mirror.JobState{}, fmt.Errorf("generate job id: %w", err)
	}
	now := o.clock.Now()
	st := mirror.NewJob(id, mirror.JobTypeDeploy, mirror.StageDeployInit, now)
	st.Message = "Deploy started."
	st.Deploy = &mirror.DeployState{
		Owner:        s.Deploy.Owner,
		Repo:         s.Deploy.Repo,
		Branch:       s.Deploy.Branch,
		PathPrefix:   strings.TrimSpace(s.Deploy.PathPrefix),
		NoJekyll:     s.Deploy.NoJekyll,
		CNAME:        strings.TrimSpace(s.Deploy.CNAME),
		CleanRemoved: s.Deploy.CleanRemoved,
		ExportDir:    s.ExportDir,
		ManifestFile: filepath.Join(s.ExportDir, manifest.FileName),
		Queue:        []string{},
		Deletions:    []string{},
		Failed:       []string{},
	}
	st.Logf(now, "Deploy job queued.")

	if err := o.replaceState(ctx, st); err != nil {
		return mirror.JobState{}, err
	}
	metrics.ObserveJob(string(mirror.JobTypeDeploy), "started")
	o.logger.Info("deploy started",
		zap.String("job_id", id),
		zap.String("repo", s.Deploy.Owner+"/"+s.Deploy.Repo),
		zap.String("branch", s.Deploy.Branch))
	o.schedule(o.settings.TickDelay)
	return st, nil
}

func (o *Orchestrator) deployPrecondition() string {
	s := o.settings
	switch {
	case !s.Deploy.Enabled:
		return "GitHub deploy is disabled in settings."
	case s.Deploy.Owner == "" || s.Deploy.Repo == "" || s.Deploy.Branch == "":
		return "GitHub owner, repo and branch must be set."
	case o.remote == nil || !o.remote.HasToken():
		return "GitHub token is missing. Set deploy.token or SITEMIRROR_DEPLOY_TOKEN."
	}
	info, err := os.Stat(s.ExportDir)
	if s.ExportDir == "" || err != nil || !info.IsDir() {
		return "Export directory does not exist. Run export first."
	}
	return ""
}

func (o *Orchestrator) recordPrecondition(ctx context.Context, reason string) {
	err := o.withLock(ctx, o.settings.LockTTL, func() error {
		st, err := o.store.LoadState(ctx)
		if err != nil {
			return err
		}
		if st.Status.Active() {
			return nil
		}
		now := o.clock.Now()
		st.Fail(now, reason, "")
		st.UpdatedAt = now
		return o.store.SaveState(ctx, st)
	})
	if err != nil {
		o.logger.Warn("record precondition failure", zap.Error(err))
	}
}

func (o *Orchestrator) replaceState(ctx context.Context, st mirror.JobState) error {
	return o.withLock(ctx, o.settings.LockTTL, func() error {
		if err := o.store.SaveState(ctx, st); err != nil {
			return fmt.Errorf("save state: %w", err)
		}
		return nil
	})
}

// mutateState applies fn to the current record under the tick lock and saves it
// when fn reports a change.
func (o *Orchestrator) mutateState(ctx context.Context, fn func(st *mirror.JobState) (bool, error)) error {
	return o.withLock(ctx, o.settings.LockTTL, func() error {
		st, err := o.store.LoadState(ctx)
		if err != nil {
			return fmt.Errorf("load state: %w", err)
		}
		changed, err := fn(&st)
		if err != nil || !changed {
			return err
		}
		st.UpdatedAt = o.clock.Now()
		if err := o.store.SaveState(ctx, st); err != nil {
			return fmt.Errorf("save state: %w", err)
		}
		return nil
	})
}

// CancelDeploy flags the running deploy for cancellation at its next tick.
func (o *Orchestrator) CancelDeploy(ctx context.Context) (string, error) {
	msg := "No deploy in progress."
	err := o.mutateState(ctx, func(st *mirror.JobState) (bool, error) {
		if st.Type != mirror.JobTypeDeploy || !st.Status.Active() {
			return false, nil
		}
		st.CancelRequested = true
		st.Message = "Cancel requested..."
		st.Logf(o.clock.Now(), "Cancel requested.")
		msg = "Cancel requested."
		return true, nil
	})
	return msg, err
}

// RetryFailed re-queues the failed items of the last deploy without re-reading
// the branch head.
func (o *Orchestrator) RetryFailed(ctx context.Context) (string, error) {
	msg := ""
	err := o.mutateState(ctx, func(st *mirror.JobState) (bool, error) {
		if st.Type != mirror.JobTypeDeploy || st.Deploy == nil {
			return false, ErrNoDeploy
		}
		if st.Status.Active() {
			return false, ErrJobActive
		}
		failed := st.Deploy.Failed
		if len(failed) == 0 {
			msg = "No failed items to retry."
			return false, nil
		}
		st.Status = mirror.StatusRunning
		st.CancelRequested = false
		st.Deploy.Queue = append([]string(nil), failed...)
		st.Deploy.QueueIndex = 0
		st.Deploy.Failed = []string{}
		st.Deploy.Deletions = []string{}
		st.Deploy.DelIndex = 0
		st.Deploy.PauseReason = ""
		st.SetStage(mirror.StagePushBatches, "Retrying failed items...", len(failed))
		st.Logf(o.clock.Now(), "Retry queued: %d items.", len(failed))
		msg = "Retry started."
		return true, nil
	})
	if err != nil {
		return "", err
	}
	if msg == "Retry started." {
		o.schedule(o.settings.TickDelay)
	}
	return msg, nil
}

// RemoteCheck is the result of a connectivity test.
type RemoteCheck struct {
	Login string `json:"login"`
}

// TestRemote verifies the configured token against the remote API.
func (o *Orchestrator) TestRemote(ctx context.Context) (RemoteCheck, error) {
	if o.remote == nil || !o.remote.HasToken() {
		return RemoteCheck{}, fmt.Errorf("%w: GitHub token is missing", ErrPrecondition)
	}
	resp, err := o.remote.TestConnection(ctx)
	if err != nil {
		return RemoteCheck{}, fmt.Errorf("test connection: %w", err)
	}
	if github.IsRateLimited(resp.StatusCode, resp.Header) {
		return RemoteCheck{}, ErrRateLimited
	}
	if resp.StatusCode != http.StatusOK {
		return RemoteCheck{}, fmt.Errorf("%w: %s", ErrRemote, resp.Detail())
	}
	return RemoteCheck{Login: resp.String("login")}, nil
}

// Status returns the polling view of the current record.
func (o *Orchestrator) Status(ctx context.Context) (mirror.StatusView, error) {
	st, err := o.store.LoadState(ctx)
	if err != nil {
		return mirror.StatusView{}, fmt.Errorf("load state: %w", err)
	}
	return st.View(), nil
}

// Active reports whether a job is running or paused.
func (o *Orchestrator) Active(ctx context.Context) (bool, error) {
	st, err := o.store.LoadState(ctx)
	if err != nil {
		return false, fmt.Errorf("load state: %w", err)
	}
	return st.Status.Active(), nil
}

// ListArchives lists archives in the export directory, newest first.
func (o *Orchestrator) ListArchives(_ context.Context) ([]archive.Info, error) {
	return archive.ListArchives(o.settings.ExportDir)
}

// DeleteArchive removes one archive. It refuses while a job owns the export tree.
func (o *Orchestrator) DeleteArchive(ctx context.Context, name string) error {
	return o.withLock(ctx, o.settings.LockTTL, func() error {
		if err := o.ensureIdle(ctx); err != nil {
			return err
		}
		if err := archive.DeleteArchive(o.settings.ExportDir, name); err != nil {
			return err
		}
		o.logger.Info("archive deleted", zap.String("archive", name))
		return nil
	})
}

// Restore replaces the export tree with the contents of the named archive. It
// holds the tick lock for the duration so no tick touches the tree mid-swap.
func (o *Orchestrator) Restore(ctx context.Context, name string) (restore.Result, error) {
	var res restore.Result
	err := o.withLock(ctx, restoreLockTTL, func() error {
		if err := o.ensureIdle(ctx); err != nil {
			return err
		}
		archivePath, err := archive.Resolve(o.settings.ExportDir, name)
		if err != nil {
			return err
		}
		res, err = o.restorer.Restore(ctx, archivePath, o.settings.ExportDir)
		if err != nil {
			return err
		}
		st, err := o.store.LoadState(ctx)
		if err != nil {
			return fmt.Errorf("load state: %w", err)
		}
		now := o.clock.Now()
		st.Logf(now, "Restored %s (%d files).", res.Archive, res.Files)
		if len(res.Skipped) > 0 {
			st.Logf(now, "Skipped %d unsupported entries: %s", len(res.Skipped), strings.Join(res.Skipped, ", "))
		}
		st.UpdatedAt = now
		return o.store.SaveState(ctx, st)
	})
	return res, err
}

func (o *Orchestrator) ensureIdle(ctx context.Context) error {
	st, err := o.store.LoadState(ctx)
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}
	if st.Status.Active() {
		return ErrJobActive
	}
	return nil
}
