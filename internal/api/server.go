package api

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitemirror/internal/archive"
	"github.com/JakeFAU/sitemirror/internal/config"
	"github.com/JakeFAU/sitemirror/internal/metrics"
	"github.com/JakeFAU/sitemirror/internal/mirror"
	"github.com/JakeFAU/sitemirror/internal/orchestrator"
	"github.com/JakeFAU/sitemirror/internal/restore"
)

// Controller is the job surface the API drives. *orchestrator.Orchestrator implements it.
type Controller interface {
	StartExport(ctx context.Context) (mirror.JobState, error)
	StartDeploy(ctx context.Context) (mirror.JobState, error)
	CancelDeploy(ctx context.Context) (string, error)
	RetryFailed(ctx context.Context) (string, error)
	TestRemote(ctx context.Context) (orchestrator.RemoteCheck, error)
	Tick(ctx context.Context) (orchestrator.TickResult, error)
	Status(ctx context.Context) (mirror.StatusView, error)
	Active(ctx context.Context) (bool, error)
	ListArchives(ctx context.Context) ([]archive.Info, error)
	DeleteArchive(ctx context.Context, name string) error
	Restore(ctx context.Context, name string) (restore.Result, error)
}

// Server wires HTTP handlers to the orchestrator.
type Server struct {
	router chi.Router
	ctl    Controller
	cfg    config.Config
	logger *zap.Logger
	nonces *nonceCache
}

// NewServer constructs a Server with middleware and routes.
func NewServer(ctl Controller, cfg config.Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		ctl:    ctl,
		cfg:    cfg,
		logger: logger,
		nonces: newNonceCache(cfg.NonceTTL(), time.Now),
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(metrics.Middleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
			r.Use(nonceMiddleware(s.nonces))
		}
		r.Get("/status", s.status)
		r.Post("/export", s.startExport)
		r.Post("/deploy", s.startDeploy)
		r.Post("/deploy/cancel", s.cancelDeploy)
		r.Post("/deploy/retry", s.retryFailed)
		r.Post("/remote/test", s.testRemote)
		r.Post("/tick", s.tick)
		r.Route("/archives", func(r chi.Router) {
			r.Get("/", s.listArchives)
			r.Delete("/{name}", s.deleteArchive)
			r.With(timeoutMiddleware(15*time.Minute)).Post("/{name}/restore", s.restoreArchive)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if _, err := s.ctl.Status(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "state store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	view, err := s.ctl.Status(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) startExport(w http.ResponseWriter, r *http.Request) {
	s.start(w, r, s.ctl.StartExport)
}

func (s *Server) startDeploy(w http.ResponseWriter, r *http.Request) {
	s.start(w, r, s.ctl.StartDeploy)
}

// start refuses to replace a running or paused job.
func (s *Server) start(w http.ResponseWriter, r *http.Request, fn func(context.Context) (mirror.JobState, error)) {
	active, err := s.ctl.Active(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	if active {
		writeError(w, http.StatusConflict, "A job is already running. Cancel it or wait.")
		return
	}
	st, err := fn(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"job_id":  st.JobID,
		"type":    string(st.Type),
		"status":  string(st.Status),
		"message": st.Message,
	})
}

func (s *Server) cancelDeploy(w http.ResponseWriter, r *http.Request) {
	msg, err := s.ctl.CancelDeploy(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": msg})
}

func (s *Server) retryFailed(w http.ResponseWriter, r *http.Request) {
	msg, err := s.ctl.RetryFailed(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": msg})
}

func (s *Server) testRemote(w http.ResponseWriter, r *http.Request) {
	check, err := s.ctl.TestRemote(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "Connected to GitHub as " + check.Login + ".",
		"login":   check.Login,
	})
}

func (s *Server) tick(w http.ResponseWriter, r *http.Request) {
	res, err := s.ctl.Tick(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"skipped":       res.Skipped,
		"idle":          res.Idle,
		"reschedule":    res.Reschedule,
		"delay_seconds": res.Delay.Seconds(),
		"status":        res.Status,
	})
}

func (s *Server) listArchives(w http.ResponseWriter, r *http.Request) {
	list, err := s.ctl.ListArchives(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"archives": list})
}

func (s *Server) deleteArchive(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.ctl.DeleteArchive(r.Context(), name); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Archive deleted.", "name": name})
}

func (s *Server) restoreArchive(w http.ResponseWriter, r *http.Request) {
	res, err := s.ctl.Restore(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// fail maps domain errors onto HTTP statuses.
func (s *Server) fail(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, orchestrator.ErrJobActive):
		status = http.StatusConflict
	case errors.Is(err, orchestrator.ErrPrecondition),
		errors.Is(err, archive.ErrOutsideArchives):
		status = http.StatusBadRequest
	case errors.Is(err, orchestrator.ErrNoDeploy),
		errors.Is(err, fs.ErrNotExist):
		status = http.StatusNotFound
	case errors.Is(err, restore.ErrTraversal),
		errors.Is(err, restore.ErrBlockedType),
		errors.Is(err, restore.ErrBadEntry):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, orchestrator.ErrBusy):
		status = http.StatusServiceUnavailable
	case errors.Is(err, orchestrator.ErrRateLimited):
		status = http.StatusTooManyRequests
	case errors.Is(err, orchestrator.ErrRemote):
		status = http.StatusBadGateway
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", zap.Error(err))
	}
	writeError(w, status, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
