package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitemirror/internal/api"
	"github.com/JakeFAU/sitemirror/internal/archive"
	"github.com/JakeFAU/sitemirror/internal/config"
	"github.com/JakeFAU/sitemirror/internal/mirror"
	"github.com/JakeFAU/sitemirror/internal/orchestrator"
	"github.com/JakeFAU/sitemirror/internal/restore"
	"github.com/JakeFAU/sitemirror/internal/server"
)

type fakeApp struct {
	ctl    *fakeController
	opts   server.Options
	ran    bool
	closed bool
}

func (a *fakeApp) Controller() api.Controller { return a.ctl }

func (a *fakeApp) Logger() *zap.Logger { return zap.NewNop() }

func (a *fakeApp) Run(context.Context) error {
	a.ran = true
	return nil
}

func (a *fakeApp) Close(context.Context) error {
	a.closed = true
	return nil
}

// fakeController scripts Tick results; once the script runs out ticks report idle.
type fakeController struct {
	active   bool
	ticks    []orchestrator.TickResult
	tickN    int
	started  []mirror.JobType
	final    mirror.StatusView
	deleted  []string
	restored []string
	err      error
}

func (f *fakeController) StartExport(context.Context) (mirror.JobState, error) {
	f.started = append(f.started, mirror.JobTypeExport)
	return mirror.JobState{JobID: "job-e", Type: mirror.JobTypeExport, Status: mirror.StatusRunning}, f.err
}

func (f *fakeController) StartDeploy(context.Context) (mirror.JobState, error) {
	f.started = append(f.started, mirror.JobTypeDeploy)
	return mirror.JobState{JobID: "job-d", Type: mirror.JobTypeDeploy, Status: mirror.StatusRunning}, f.err
}

func (f *fakeController) CancelDeploy(context.Context) (string, error) {
	return "Cancel requested.", f.err
}

func (f *fakeController) RetryFailed(context.Context) (string, error) {
	return "Retry started.", f.err
}

func (f *fakeController) TestRemote(context.Context) (orchestrator.RemoteCheck, error) {
	return orchestrator.RemoteCheck{Login: "octocat"}, f.err
}

func (f *fakeController) Tick(context.Context) (orchestrator.TickResult, error) {
	f.tickN++
	if len(f.ticks) == 0 {
		return orchestrator.TickResult{Idle: true}, nil
	}
	res := f.ticks[0]
	f.ticks = f.ticks[1:]
	return res, nil
}

func (f *fakeController) Status(context.Context) (mirror.StatusView, error) {
	return f.final, nil
}

func (f *fakeController) Active(context.Context) (bool, error) {
	return f.active, nil
}

func (f *fakeController) ListArchives(context.Context) ([]archive.Info, error) {
	return []archive.Info{{Name: "site-1.zip", Bytes: 2048, ModTime: time.Now()}}, nil
}

func (f *fakeController) DeleteArchive(_ context.Context, name string) error {
	f.deleted = append(f.deleted, name)
	return f.err
}

func (f *fakeController) Restore(_ context.Context, name string) (restore.Result, error) {
	f.restored = append(f.restored, name)
	return restore.Result{Archive: name, Files: 7}, f.err
}

func runCLI(t *testing.T, ctl *fakeController, args ...string) (*fakeApp, string, error) {
	t.Helper()
	app := &fakeApp{ctl: ctl}
	prev := newApp
	newApp = func(_ context.Context, _ *config.Config, opts server.Options) (App, error) {
		app.opts = opts
		return app, nil
	}
	t.Cleanup(func() { newApp = prev })
	t.Setenv("SITEMIRROR_STATE_BACKEND", "memory")

	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return app, out.String(), err
}

func TestServeRunsInBackgroundMode(t *testing.T) {
	app, _, err := runCLI(t, &fakeController{}, "serve")
	require.NoError(t, err)
	require.True(t, app.opts.Background)
	require.True(t, app.ran)
}

func TestExportDrivesTicksUntilDone(t *testing.T) {
	ctl := &fakeController{
		ticks: []orchestrator.TickResult{
			{Reschedule: true, Delay: time.Millisecond},
			{Reschedule: true, Delay: time.Millisecond},
			{Status: mirror.StatusCompleted},
		},
		final: mirror.StatusView{JobID: "job-e", Status: mirror.StatusCompleted},
	}
	app, out, err := runCLI(t, ctl, "export")
	require.NoError(t, err)
	require.False(t, app.opts.Background)
	require.True(t, app.closed)
	require.Equal(t, []mirror.JobType{mirror.JobTypeExport}, ctl.started)
	require.Equal(t, 3, ctl.tickN)

	var view mirror.StatusView
	require.NoError(t, json.Unmarshal([]byte(out), &view))
	require.Equal(t, mirror.StatusCompleted, view.Status)
}

func TestDeployNoWaitPrintsJob(t *testing.T) {
	ctl := &fakeController{}
	_, out, err := runCLI(t, ctl, "deploy", "--wait=false")
	require.NoError(t, err)
	require.Zero(t, ctl.tickN)
	require.Contains(t, out, "job-d")
}

func TestStartRefusedWhileActive(t *testing.T) {
	ctl := &fakeController{active: true}
	_, _, err := runCLI(t, ctl, "deploy")
	require.ErrorIs(t, err, orchestrator.ErrJobActive)
	require.Empty(t, ctl.started)
}

func TestFailedJobReturnsError(t *testing.T) {
	ctl := &fakeController{final: mirror.StatusView{JobID: "job-d", Status: mirror.StatusFailed, Message: "Tree create failed."}}
	_, _, err := runCLI(t, ctl, "deploy")
	require.Error(t, err)
	require.Contains(t, err.Error(), "Tree create failed.")
}

func TestDriveWaitsOutSkippedTicks(t *testing.T) {
	prev := skippedTickWait
	skippedTickWait = time.Millisecond
	t.Cleanup(func() { skippedTickWait = prev })

	ctl := &fakeController{ticks: []orchestrator.TickResult{{Skipped: true}, {Skipped: true}}}
	require.NoError(t, drive(context.Background(), ctl))
	require.Equal(t, 3, ctl.tickN)
}

func TestDriveStopsOnCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ctl := &fakeController{ticks: []orchestrator.TickResult{{Reschedule: true, Delay: time.Hour}}}
	require.ErrorIs(t, drive(ctx, ctl), context.Canceled)
}

func TestMessageCommands(t *testing.T) {
	_, out, err := runCLI(t, &fakeController{}, "cancel")
	require.NoError(t, err)
	require.Contains(t, out, "Cancel requested.")

	_, out, err = runCLI(t, &fakeController{}, "retry")
	require.NoError(t, err)
	require.Contains(t, out, "Retry started.")

	_, _, err = runCLI(t, &fakeController{err: orchestrator.ErrNoDeploy}, "retry")
	require.ErrorIs(t, err, orchestrator.ErrNoDeploy)
}

func TestTestRemote(t *testing.T) {
	_, out, err := runCLI(t, &fakeController{}, "test-remote")
	require.NoError(t, err)
	require.Contains(t, out, "octocat")

	_, _, err = runCLI(t, &fakeController{err: errors.New("bad credentials")}, "test-remote")
	require.EqualError(t, err, "bad credentials")
}

func TestArchiveCommands(t *testing.T) {
	ctl := &fakeController{}
	_, out, err := runCLI(t, ctl, "archives", "list")
	require.NoError(t, err)
	require.Contains(t, out, "site-1.zip")
	require.Contains(t, out, "2.0 kB")

	_, _, err = runCLI(t, ctl, "archives", "delete", "site-1.zip")
	require.NoError(t, err)
	require.Equal(t, []string{"site-1.zip"}, ctl.deleted)

	_, out, err = runCLI(t, ctl, "restore", "site-1.zip")
	require.NoError(t, err)
	require.Equal(t, []string{"site-1.zip"}, ctl.restored)
	require.Contains(t, out, `"files": 7`)

	_, _, err = runCLI(t, ctl, "restore")
	require.Error(t, err)
}
