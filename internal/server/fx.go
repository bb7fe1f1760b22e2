// Package server provides the core application server and dependency injection.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os/signal"
	"syscall"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitemirror/internal/api"
	"github.com/JakeFAU/sitemirror/internal/assets"
	"github.com/JakeFAU/sitemirror/internal/clock/system"
	"github.com/JakeFAU/sitemirror/internal/config"
	collyfetcher "github.com/JakeFAU/sitemirror/internal/fetcher/colly"
	"github.com/JakeFAU/sitemirror/internal/github"
	"github.com/JakeFAU/sitemirror/internal/hash/sha256"
	"github.com/JakeFAU/sitemirror/internal/id/uuid"
	"github.com/JakeFAU/sitemirror/internal/logging"
	"github.com/JakeFAU/sitemirror/internal/metrics"
	"github.com/JakeFAU/sitemirror/internal/mirror"
	"github.com/JakeFAU/sitemirror/internal/orchestrator"
	memorypublisher "github.com/JakeFAU/sitemirror/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/sitemirror/internal/publisher/pubsub"
	"github.com/JakeFAU/sitemirror/internal/restore"
	"github.com/JakeFAU/sitemirror/internal/rewrite"
	"github.com/JakeFAU/sitemirror/internal/scheduler"
	"github.com/JakeFAU/sitemirror/internal/source"
	filestate "github.com/JakeFAU/sitemirror/internal/storage/file"
	gcsstorage "github.com/JakeFAU/sitemirror/internal/storage/gcs"
	localstorage "github.com/JakeFAU/sitemirror/internal/storage/local"
	memorystate "github.com/JakeFAU/sitemirror/internal/storage/memory"
	pgstore "github.com/JakeFAU/sitemirror/internal/storage/postgres"
	s3storage "github.com/JakeFAU/sitemirror/internal/storage/s3"
	"github.com/JakeFAU/sitemirror/internal/telemetry"
)

// Options tune Build for the calling command.
type Options struct {
	// Background enables the tick timer. One-shot CLI commands drive ticks themselves.
	Background bool
}

// App contains the application's dependencies.
type App struct {
	cfg         *config.Config
	logger      *zap.Logger
	orch        *orchestrator.Orchestrator
	apiServer   *api.Server
	timer       *scheduler.Timer
	timerCancel context.CancelFunc
	pgState     *pgstore.StateStore
	gcsArchives *gcsstorage.BlobStore
	pubsub      *gcppublisher.Publisher
	tracer      *sdktrace.TracerProvider
}

// Controller exposes the job controller.
func (a *App) Controller() api.Controller {
	return a.orch
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Run serves the HTTP API until ctx is canceled or a signal arrives. A tick is
// scheduled at startup so a job interrupted by a restart resumes.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if a.timer != nil {
		a.timer.Schedule(a.cfg.TickDelay())
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}

	return a.Close(shutdownCtx)
}

// Close stops the tick timer and releases infrastructure clients.
func (a *App) Close(ctx context.Context) error {
	if a.timer != nil {
		a.timerCancel()
		a.timer.Stop()
	}
	a.closeInfrastructure()
	if a.tracer != nil {
		if err := a.tracer.Shutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) closeInfrastructure() {
	if a.pubsub != nil {
		if err := a.pubsub.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.gcsArchives != nil {
		if err := a.gcsArchives.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.pgState != nil {
		a.pgState.Close()
	}
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	logger, err := logging.New(logging.Config{
		Development: cfg.Logging.Development,
		File:        cfg.Logging.File,
		MaxSizeMB:   cfg.Logging.MaxSizeMB,
		MaxBackups:  cfg.Logging.MaxBackups,
		MaxAgeDays:  cfg.Logging.MaxAgeDays,
	})
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	metrics.Init()

	app := &App{cfg: cfg, logger: logger}
	if cfg.Tracing.Enabled {
		tp, err := telemetry.InitTracerProvider(ctx, telemetry.Config{
			ServiceName: cfg.Tracing.ServiceName,
			Stdout:      cfg.Tracing.Stdout,
		})
		if err != nil {
			return nil, fmt.Errorf("tracer init failed: %w", err)
		}
		app.tracer = tp
	}
	logger.Info("building application dependencies",
		zap.Int("server_port", cfg.Server.Port),
		zap.String("state_backend", cfg.State.Backend),
		zap.String("archive_backend", cfg.ArchiveStore.Backend))

	store, err := setupState(ctx, app)
	if err != nil {
		return nil, err
	}
	archives, err := setupArchives(ctx, app)
	if err != nil {
		app.closeInfrastructure()
		return nil, err
	}
	publisher, err := setupPublisher(ctx, app)
	if err != nil {
		app.closeInfrastructure()
		return nil, err
	}

	deps := orchestrator.Deps{
		Store:     store,
		Archives:  archives,
		Publisher: publisher,
		Remote:    setupRemote(app),
		Hasher:    sha256.New(),
		Restorer:  restore.NewRestorer(logger.Named("restore")),
		Clock:     system.New(),
		IDs:       uuid.NewUUIDGenerator(),
		Logger:    logger.Named("orchestrator"),
	}
	if err := setupExportSource(app, &deps); err != nil {
		app.closeInfrastructure()
		return nil, err
	}

	var orch *orchestrator.Orchestrator
	if opts.Background {
		timerCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		app.timerCancel = cancel
		app.timer = scheduler.New(timerCtx, func(ctx context.Context) {
			if _, err := orch.Tick(ctx); err != nil {
				logger.Warn("tick failed", zap.Error(err))
			}
		}, logger.Named("scheduler"))
		deps.Scheduler = app.timer
	}

	orch, err = orchestrator.New(cfg.ToSettings(), deps)
	if err != nil {
		app.closeInfrastructure()
		return nil, fmt.Errorf("orchestrator init failed: %w", err)
	}
	app.orch = orch
	app.apiServer = api.NewServer(orch, *cfg, logger.Named("api"))
	return app, nil
}

func setupState(ctx context.Context, app *App) (mirror.StateStore, error) {
	switch app.cfg.State.Backend {
	case "postgres":
		app.logger.Info("using postgres state backend")
		st, err := pgstore.New(ctx, pgstore.Config{DSN: app.cfg.State.DSN})
		if err != nil {
			return nil, fmt.Errorf("postgres state store init failed: %w", err)
		}
		if err := st.EnsureSchema(ctx); err != nil {
			st.Close()
			return nil, fmt.Errorf("postgres schema init failed: %w", err)
		}
		app.pgState = st
		return st, nil
	case "memory":
		app.logger.Warn("using in-memory state backend; job state is lost on restart")
		return memorystate.NewStateStore(), nil
	default:
		app.logger.Info("using file state backend", zap.String("dir", app.cfg.State.Dir))
		st, err := filestate.New(app.cfg.State.Dir)
		if err != nil {
			return nil, fmt.Errorf("file state store init failed: %w", err)
		}
		return st, nil
	}
}

func setupArchives(ctx context.Context, app *App) (mirror.BlobStore, error) {
	c := app.cfg.ArchiveStore
	switch c.Backend {
	case "gcs":
		app.logger.Info("using GCS archive store", zap.String("bucket", c.Bucket))
		bs, err := gcsstorage.Open(ctx, gcsstorage.Config{Bucket: c.Bucket, Prefix: c.Prefix}, app.logger.Named("gcs"))
		if err != nil {
			return nil, fmt.Errorf("gcs archive store init failed: %w", err)
		}
		app.gcsArchives = bs
		return bs, nil
	case "s3":
		app.logger.Info("using S3 archive store", zap.String("bucket", c.Bucket))
		bs, err := s3storage.New(ctx, s3storage.Config{
			Endpoint:  app.cfg.S3Endpoint(),
			Region:    c.S3.Region,
			Bucket:    c.Bucket,
			Prefix:    c.Prefix,
			AccessKey: c.S3.AccessKey,
			SecretKey: c.S3.SecretKey,
		})
		if err != nil {
			return nil, fmt.Errorf("s3 archive store init failed: %w", err)
		}
		return bs, nil
	case "local":
		app.logger.Info("using local archive store", zap.String("path", c.Local.BaseDir))
		bs, err := localstorage.New(localstorage.Config{BaseDir: c.Local.BaseDir, Prefix: c.Prefix})
		if err != nil {
			return nil, fmt.Errorf("local archive store init failed: %w", err)
		}
		return bs, nil
	default:
		app.logger.Debug("archive copies disabled")
		return nil, nil
	}
}

func setupPublisher(ctx context.Context, app *App) (mirror.Publisher, error) {
	if app.cfg.PubSub.TopicName == "" || app.cfg.PubSub.ProjectID == "" {
		app.logger.Info("No Pub/Sub topic configured, using in-memory publisher")
		return memorypublisher.New(), nil
	}
	p, err := gcppublisher.Open(ctx, app.cfg.PubSub.ProjectID, app.cfg.PubSub.TopicName, app.logger.Named("pubsub"))
	if err != nil {
		return nil, fmt.Errorf("pubsub publisher init failed: %w", err)
	}
	app.pubsub = p
	app.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", app.cfg.PubSub.ProjectID),
		zap.String("topic", app.cfg.PubSub.TopicName))
	return p, nil
}

func setupRemote(app *App) *github.Client {
	return github.NewClient(github.Config{
		BaseURL:           app.cfg.Deploy.APIURL,
		Token:             app.cfg.Deploy.Token,
		UserAgent:         app.cfg.HTTP.UserAgent,
		Timeout:           app.cfg.HTTPTimeout(),
		RequestsPerSecond: app.cfg.Deploy.RequestsPerSecond,
	}, app.logger.Named("github"))
}

// setupExportSource wires the fetcher, URL source, asset mapper and rewriter.
// Without origins the service still runs but export reports a precondition failure.
func setupExportSource(app *App, deps *orchestrator.Deps) error {
	src := app.cfg.Source
	if len(src.Origins) == 0 {
		app.logger.Warn("no source origins configured; export is disabled")
		return nil
	}
	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent:     app.cfg.HTTP.UserAgent,
		RespectRobots: app.cfg.HTTP.RespectRobots,
		Timeout:       app.cfg.HTTPTimeout(),
	}, app.logger.Named("fetcher"))

	urls, err := source.New(source.Config{
		Origins:    src.Origins,
		URLs:       src.URLs,
		SitemapURL: src.SitemapURL,
		UserAgent:  app.cfg.HTTP.UserAgent,
		Timeout:    app.cfg.HTTPTimeout(),
	}, app.logger.Named("source"))
	if err != nil {
		return fmt.Errorf("url source init failed: %w", err)
	}

	var hosts []string
	for _, origin := range src.Origins {
		if u, err := url.Parse(origin); err == nil && u.Hostname() != "" {
			hosts = append(hosts, u.Hostname())
		}
	}
	mapper, err := assets.NewMapper(assets.MapperConfig{
		ContentRoot:   src.ContentRoot,
		StaticRoots:   src.StaticRoots,
		PublicBaseURL: app.cfg.Export.PublicBaseURL,
		Hosts:         hosts,
	})
	if err != nil {
		return fmt.Errorf("asset mapper init failed: %w", err)
	}

	deps.Fetcher = fetcher
	deps.Source = urls
	deps.Mapper = mapper
	deps.Rewriter = rewrite.New(src.Origins, app.cfg.Export.PublicBaseURL)
	app.logger.Info("export source configured",
		zap.Strings("origins", src.Origins),
		zap.String("content_root", src.ContentRoot))
	return nil
}
