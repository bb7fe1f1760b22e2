// Package orchestrator advances export and deploy jobs one bounded batch per tick.
//
// All job progress lives in a single persisted mirror.JobState. Each Tick takes the
// store's advisory lock, loads the record, performs at most one batch of the current
// stage, saves the record, and asks the scheduler for another tick when work remains.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitemirror/internal/assets"
	"github.com/JakeFAU/sitemirror/internal/clock/system"
	"github.com/JakeFAU/sitemirror/internal/github"
	"github.com/JakeFAU/sitemirror/internal/hash/sha256"
	"github.com/JakeFAU/sitemirror/internal/id/uuid"
	"github.com/JakeFAU/sitemirror/internal/manifest"
	"github.com/JakeFAU/sitemirror/internal/metrics"
	"github.com/JakeFAU/sitemirror/internal/mirror"
	"github.com/JakeFAU/sitemirror/internal/restore"
	"github.com/JakeFAU/sitemirror/internal/rewrite"
	"github.com/JakeFAU/sitemirror/internal/telemetry"
)

const (
	pauseRecheckMin = 5 * time.Second
	pauseRecheckMax = 60 * time.Second
	rateLimitMin    = 30 * time.Second
	rateLimitMax    = 300 * time.Second

	lockRetryInterval = 200 * time.Millisecond
	lockWait          = 10 * time.Second
	restoreLockTTL    = 15 * time.Minute
)

// Remote is the subset of the GitHub client the deploy pipeline drives.
type Remote interface {
	HasToken() bool
	TestConnection(ctx context.Context) (*github.Response, error)
	GetBranchRef(ctx context.Context, repo github.Repo, branch string) (*github.Response, error)
	GetCommit(ctx context.Context, repo github.Repo, sha string) (*github.Response, error)
	CreateBlob(ctx context.Context, repo github.Repo, contentBase64 string) (*github.Response, error)
	CreateTree(ctx context.Context, repo github.Repo, baseTree string, entries []github.TreeEntry) (*github.Response, error)
	CreateCommit(ctx context.Context, repo github.Repo, message, tree, parent string) (*github.Response, error)
	UpdateRef(ctx context.Context, repo github.Repo, branch, sha string, force bool) (*github.Response, error)
}

// Deps are the collaborators an Orchestrator drives. Store is required; export
// operations additionally need Fetcher, Source and Mapper, and deploys need Remote.
type Deps struct {
	Store     mirror.StateStore
	Fetcher   mirror.Fetcher
	Source    mirror.URLSource
	Remote    Remote
	Rewriter  *rewrite.Rewriter
	Mapper    *assets.Mapper
	Hasher    manifest.FileHasher
	Restorer  *restore.Restorer
	Archives  mirror.BlobStore
	Publisher mirror.Publisher
	Scheduler mirror.Scheduler
	Clock     mirror.Clock
	IDs       mirror.IDGenerator
	Logger    *zap.Logger
}

// TickResult reports what a tick did.
type TickResult struct {
	// Skipped is set when another tick held the lock.
	Skipped bool
	// Idle is set when no job was running or paused.
	Idle       bool
	Reschedule bool
	Delay      time.Duration
	Status     mirror.JobStatus
}

// Orchestrator owns the job state machine.
type Orchestrator struct {
	settings  mirror.Settings
	store     mirror.StateStore
	fetcher   mirror.Fetcher
	source    mirror.URLSource
	remote    Remote
	rewriter  *rewrite.Rewriter
	mapper    *assets.Mapper
	hasher    manifest.FileHasher
	restorer  *restore.Restorer
	archives  mirror.BlobStore
	publisher mirror.Publisher
	scheduler mirror.Scheduler
	clock     mirror.Clock
	ids       mirror.IDGenerator
	logger    *zap.Logger
}

// New validates deps and builds an Orchestrator.
func New(settings mirror.Settings, deps Deps) (*Orchestrator, error) {
	if deps.Store == nil {
		return nil, errors.New("orchestrator requires a state store")
	}
	o := &Orchestrator{
		settings:  settings.WithDefaults(),
		store:     deps.Store,
		fetcher:   deps.Fetcher,
		source:    deps.Source,
		remote:    deps.Remote,
		rewriter:  deps.Rewriter,
		mapper:    deps.Mapper,
		hasher:    deps.Hasher,
		restorer:  deps.Restorer,
		archives:  deps.Archives,
		publisher: deps.Publisher,
		scheduler: deps.Scheduler,
		clock:     deps.Clock,
		ids:       deps.IDs,
		logger:    deps.Logger,
	}
	if o.hasher == nil {
		o.hasher = sha256.New()
	}
	if o.clock == nil {
		o.clock = system.New()
	}
	if o.ids == nil {
		o.ids = uuid.NewUUIDGenerator()
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.restorer == nil {
		o.restorer = restore.NewRestorer(o.logger.Named("restore"))
	}
	return o, nil
}

// Settings returns the effective settings.
func (o *Orchestrator) Settings() mirror.Settings {
	return o.settings
}

// Tick advances the current job by one bounded unit of work. Job failures are
// recorded in the persisted state; the returned error covers only lock and
// persistence problems.
func (o *Orchestrator) Tick(ctx context.Context) (TickResult, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "orchestrator.Tick")
	defer span.End()

	res, err := o.tick(ctx)
	span.SetAttributes(
		attribute.Bool("tick.skipped", res.Skipped),
		attribute.Bool("tick.idle", res.Idle),
		attribute.String("job.status", string(res.Status)),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return res, err
}

func (o *Orchestrator) tick(ctx context.Context) (TickResult, error) {
	owner, err := o.ids.NewID()
	if err != nil {
		return TickResult{}, fmt.Errorf("generate lock owner: %w", err)
	}
	ok, err := o.store.TryLock(ctx, owner, o.settings.LockTTL)
	if err != nil {
		return TickResult{}, fmt.Errorf("acquire tick lock: %w", err)
	}
	if !ok {
		metrics.ObserveTick("", "skipped")
		return TickResult{Skipped: true}, nil
	}
	defer o.unlock(owner)

	st, err := o.store.LoadState(ctx)
	if err != nil {
		return TickResult{}, fmt.Errorf("load state: %w", err)
	}
	if !st.Status.Active() {
		metrics.ObserveTick(string(st.Type), "idle")
		return TickResult{Idle: true, Status: st.Status}, nil
	}

	now := o.clock.Now()
	if st.Status == mirror.StatusPaused {
		if st.Deploy != nil && st.Deploy.PauseUntil.After(now) {
			delay := clamp(st.Deploy.PauseUntil.Sub(now), pauseRecheckMin, pauseRecheckMax)
			o.schedule(delay)
			metrics.ObserveTick(string(st.Type), "waiting")
			return TickResult{Reschedule: true, Delay: delay, Status: st.Status}, nil
		}
		st.Status = mirror.StatusRunning
		if st.Deploy != nil {
			st.Deploy.PauseReason = ""
		}
		st.Logf(now, "Resuming after pause.")
	}

	var delay time.Duration
	switch st.Type {
	case mirror.JobTypeExport:
		delay, err = o.runExportTick(ctx, &st)
	case mirror.JobTypeDeploy:
		delay, err = o.runDeployTick(ctx, &st)
	default:
		err = &StageError{Stage: st.Stage, Message: fmt.Sprintf("Unknown job type %q.", st.Type)}
	}
	if err != nil {
		o.recordFailure(&st, err)
	}

	st.UpdatedAt = o.clock.Now()
	if err := o.store.SaveState(ctx, st); err != nil {
		return TickResult{}, fmt.Errorf("save state: %w", err)
	}

	res := TickResult{Status: st.Status}
	switch {
	case st.Status.Terminal():
		o.finish(ctx, st)
		metrics.ObserveTick(string(st.Type), string(st.Status))
	case st.Status.Active() && delay > 0:
		res.Reschedule = true
		res.Delay = delay
		o.schedule(delay)
		metrics.ObserveTick(string(st.Type), "advanced")
	}
	return res, nil
}

func (o *Orchestrator) recordFailure(st *mirror.JobState, err error) {
	var se *StageError
	if !errors.As(err, &se) {
		se = &StageError{Stage: st.Stage, Message: err.Error()}
	}
	st.Fail(o.clock.Now(), se.Message, se.Detail)
	o.logger.Error("job failed",
		zap.String("job_id", st.JobID),
		zap.String("stage", se.Stage),
		zap.String("message", se.Message),
		zap.String("detail", se.Detail))
}

// finish publishes the terminal event. Publish failures are logged only.
func (o *Orchestrator) finish(ctx context.Context, st mirror.JobState) {
	metrics.ObserveJob(string(st.Type), string(st.Status))
	o.logger.Info("job finished",
		zap.String("job_id", st.JobID),
		zap.String("type", string(st.Type)),
		zap.String("status", string(st.Status)))
	if o.publisher == nil || o.settings.EventTopic == "" {
		return
	}
	evt := mirror.JobEvent{
		JobID:      st.JobID,
		Type:       st.Type,
		Status:     st.Status,
		Message:    st.Message,
		FinishedAt: st.UpdatedAt,
	}
	if st.Export != nil {
		evt.ZipPath = st.Export.Result.ZipPath
	}
	if st.Deploy != nil {
		evt.LastCommit = st.Deploy.LastCommit
		evt.Failed = len(st.Deploy.Failed)
	}
	if _, err := o.publisher.Publish(ctx, o.settings.EventTopic, evt); err != nil {
		o.logger.Warn("publish job event failed", zap.String("job_id", st.JobID), zap.Error(err))
	}
}

func (o *Orchestrator) schedule(delay time.Duration) {
	if o.scheduler != nil {
		o.scheduler.Schedule(delay)
	}
}

func (o *Orchestrator) unlock(owner string) {
	// The tick context may already be cancelled; release on a fresh one.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.store.Unlock(ctx, owner); err != nil {
		o.logger.Warn("release tick lock failed", zap.Error(err))
	}
}

// withLock runs fn while holding the tick lock, waiting briefly for an in-flight tick.
func (o *Orchestrator) withLock(ctx context.Context, ttl time.Duration, fn func() error) error {
	owner, err := o.ids.NewID()
	if err != nil {
		return fmt.Errorf("generate lock owner: %w", err)
	}
	deadline := time.Now().Add(lockWait)
	for {
		ok, err := o.store.TryLock(ctx, owner, ttl)
		if err != nil {
			return fmt.Errorf("acquire tick lock: %w", err)
		}
		if ok {
			break
		}
		if time.Now().After(deadline) {
			return ErrBusy
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(lockRetryInterval):
		}
	}
	defer o.unlock(owner)
	return fn()
}

func clamp(d, lo, hi time.Duration) time.Duration {
	return max(lo, min(hi, d))
}
