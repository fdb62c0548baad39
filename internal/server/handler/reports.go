package handler

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/garrettladley/payhook/internal/connhealth"
	"github.com/garrettladley/payhook/internal/ingest"
	"github.com/garrettladley/payhook/internal/storage"
	"github.com/garrettladley/payhook/internal/validator"
	"github.com/garrettladley/payhook/internal/xerrors"
	"github.com/garrettladley/payhook/internal/xhttp"
)

const (
	queryFrom      = "from"
	queryTo        = "to"
	queryEventType = "event_type"
	queryCompanyID = "company_id"
	queryLimit     = "limit"
)

type Reports struct {
	service ingest.Service
}

func NewReports(service ingest.Service) *Reports {
	return &Reports{service: service}
}

// HandleStats handles GET /stats.
func (h *Reports) HandleStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	totals, err := h.service.Totals(ctx)
	if err != nil {
		xerrors.WriteError(ctx, w, readError(err))
		return
	}
	xhttp.WriteOK(w, totals)
}

// HandleDaily handles GET /stats/daily.
func (h *Reports) HandleDaily(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	f, err := parseFilter(r)
	if err != nil {
		xerrors.WriteError(ctx, w, err)
		return
	}
	days, err := h.service.Daily(ctx, f)
	if err != nil {
		xerrors.WriteError(ctx, w, readError(err))
		return
	}
	xhttp.WriteOK(w, days)
}

// HandleEvents handles GET /events.
func (h *Reports) HandleEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	f, err := parseFilter(r)
	if err != nil {
		xerrors.WriteError(ctx, w, err)
		return
	}
	events, err := h.service.Events(ctx, f)
	if err != nil {
		xerrors.WriteError(ctx, w, readError(err))
		return
	}
	xhttp.WriteOK(w, events)
}

// HandleTransactions handles GET /transactions.
func (h *Reports) HandleTransactions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	f, err := parseFilter(r)
	if err != nil {
		xerrors.WriteError(ctx, w, err)
		return
	}
	txs, err := h.service.Transactions(ctx, f)
	if err != nil {
		xerrors.WriteError(ctx, w, readError(err))
		return
	}
	xhttp.WriteOK(w, txs)
}

func readError(err error) *xerrors.Error {
	if errors.Is(err, connhealth.ErrCircuitOpen) {
		return xerrors.ServiceUnavailable(xerrors.WithMessage("database unavailable"), xerrors.WithCause(err))
	}
	return xerrors.Internal(xerrors.WithMessage("failed to query storage"), xerrors.WithCause(err))
}

// filterQuery is the raw query string of a list request.
type filterQuery struct {
	from, to, eventType, companyID, limit string

	filter storage.Filter
}

var _ validator.Validator = (*filterQuery)(nil)

func (q *filterQuery) Validate() map[string]string {
	errs := map[string]string{}
	q.filter = storage.Filter{EventType: q.eventType, CompanyID: q.companyID}

	if q.from != "" {
		t, err := time.Parse(time.RFC3339, q.from)
		if err != nil {
			errs[queryFrom] = "must be an RFC 3339 timestamp"
		}
		q.filter.From = t
	}
	if q.to != "" {
		t, err := time.Parse(time.RFC3339, q.to)
		if err != nil {
			errs[queryTo] = "must be an RFC 3339 timestamp"
		}
		q.filter.To = t
	}
	if !q.filter.From.IsZero() && !q.filter.To.IsZero() && !q.filter.From.Before(q.filter.To) {
		errs[queryTo] = "must be after from"
	}
	if q.limit != "" {
		n, err := strconv.Atoi(q.limit)
		if err != nil || n <= 0 {
			errs[queryLimit] = "must be a positive integer"
		}
		q.filter.Limit = n
	}
	return errs
}

func parseFilter(r *http.Request) (storage.Filter, error) {
	v := r.URL.Query()
	q := &filterQuery{
		from:      v.Get(queryFrom),
		to:        v.Get(queryTo),
		eventType: v.Get(queryEventType),
		companyID: v.Get(queryCompanyID),
		limit:     v.Get(queryLimit),
	}
	if err := validator.Validate(q); err != nil {
		return storage.Filter{}, err
	}
	return q.filter, nil
}
