package handler

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/garrettladley/payhook/internal/ingest"
	"github.com/garrettladley/payhook/internal/queue"
	"github.com/garrettladley/payhook/internal/xerrors"
	"github.com/garrettladley/payhook/internal/xhttp"
)

const (
	queryRetention = "retention"

	defaultDeadLimit = 50
)

type Admin struct {
	service ingest.Service
}

func NewAdmin(service ingest.Service) *Admin {
	return &Admin{service: service}
}

type deletedResponse struct {
	Deleted int64 `json:"deleted"`
}

type okResponse struct {
	OK bool `json:"ok"`
}

// HandleInvalidateCache handles POST /admin/invalidate-cache.
func (h *Admin) HandleInvalidateCache(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	n, err := h.service.InvalidateCache(ctx)
	if err != nil {
		xerrors.WriteError(ctx, w, xerrors.Internal(xerrors.WithMessage("failed to invalidate cache"), xerrors.WithCause(err)))
		return
	}
	xhttp.WriteOK(w, deletedResponse{Deleted: n})
}

// HandleCleanQueue handles POST /admin/clean-queue. An optional retention
// query parameter overrides the configured retention.
func (h *Admin) HandleCleanQueue(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var retention time.Duration
	if v := r.URL.Query().Get(queryRetention); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			xerrors.WriteError(ctx, w, xerrors.Validation(map[string]string{queryRetention: "must be a positive duration"}))
			return
		}
		retention = d
	}

	n, err := h.service.CleanQueue(ctx, retention)
	if err != nil {
		xerrors.WriteError(ctx, w, xerrors.Internal(xerrors.WithMessage("failed to clean queue"), xerrors.WithCause(err)))
		return
	}
	xhttp.WriteOK(w, deletedResponse{Deleted: int64(n)})
}

// HandleRefreshAnalytics handles POST /admin/refresh-analytics.
func (h *Admin) HandleRefreshAnalytics(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := h.service.RefreshAnalytics(ctx); err != nil {
		xerrors.WriteError(ctx, w, readError(err))
		return
	}
	xhttp.WriteOK(w, okResponse{OK: true})
}

// HandleRetry handles POST /admin/retry/{id}.
func (h *Admin) HandleRetry(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := h.service.RetryDead(ctx, r.PathValue("id")); err != nil {
		if errors.Is(err, queue.ErrJobNotFound) {
			xerrors.WriteError(ctx, w, xerrors.NotFound(xerrors.WithMessage("dead job not found")))
			return
		}
		xerrors.WriteError(ctx, w, xerrors.Internal(xerrors.WithMessage("failed to retry job"), xerrors.WithCause(err)))
		return
	}
	xhttp.WriteAccepted(w, okResponse{OK: true})
}

// HandleDead handles GET /admin/dead.
func (h *Admin) HandleDead(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	limit := defaultDeadLimit
	if v := r.URL.Query().Get(queryLimit); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			xerrors.WriteError(ctx, w, xerrors.Validation(map[string]string{queryLimit: "must be a positive integer"}))
			return
		}
		limit = n
	}

	jobs, err := h.service.DeadJobs(ctx, limit)
	if err != nil {
		xerrors.WriteError(ctx, w, xerrors.Internal(xerrors.WithMessage("failed to list dead jobs"), xerrors.WithCause(err)))
		return
	}
	if jobs == nil {
		jobs = []*queue.Job{}
	}
	xhttp.WriteOK(w, jobs)
}
