package handler

import (
	"errors"
	"io"
	"net/http"

	"github.com/garrettladley/payhook/internal/event"
	"github.com/garrettladley/payhook/internal/ingest"
	"github.com/garrettladley/payhook/internal/xerrors"
	"github.com/garrettladley/payhook/internal/xhttp"
	"github.com/garrettladley/payhook/internal/xslog"
)

const DefaultMaxBodyBytes = 1 << 20

type Webhook struct {
	service      ingest.Service
	maxBodyBytes int64
}

func NewWebhook(service ingest.Service, maxBodyBytes int64) *Webhook {
	if maxBodyBytes <= 0 {
		maxBodyBytes = DefaultMaxBodyBytes
	}
	return &Webhook{service: service, maxBodyBytes: maxBodyBytes}
}

// HandleWebhook handles POST /webhooks/{source} requests.
func (h *Webhook) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := xslog.FromContext(ctx)

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			xerrors.WriteError(ctx, w, xerrors.RequestEntityTooLarge(xerrors.WithMessage("request body too large")))
			return
		}
		logger.ErrorContext(ctx, "failed to read webhook body", xslog.Error(err))
		xerrors.WriteError(ctx, w, xerrors.BadRequest(xerrors.WithMessage("failed to read request body")))
		return
	}

	_, signature := xhttp.GetRequestSignature(r)
	req := ingest.Request{
		Body:      body,
		Signature: signature,
		EventType: r.Header.Get(xhttp.XEventType),
		Source:    r.PathValue("source"),
		IP:        xhttp.GetRequestIP(r),
		UserAgent: r.UserAgent(),
		Headers:   xhttp.HeaderSnapshot(r),
	}

	res, err := h.service.Ingest(ctx, req)
	if err != nil {
		switch {
		case errors.Is(err, event.ErrEmptyPayload), errors.Is(err, event.ErrMalformedPayload):
			xerrors.WriteError(ctx, w, xerrors.BadRequest(xerrors.WithMessage("invalid payload"), xerrors.WithCause(err)))
		case errors.Is(err, ingest.ErrMissingSignature):
			xerrors.WriteError(ctx, w, xerrors.Unauthorized(xerrors.WithMessage("missing signature")))
		case errors.Is(err, ingest.ErrInvalidSignature):
			xerrors.WriteError(ctx, w, xerrors.Unauthorized(xerrors.WithMessage("invalid signature")))
		case errors.Is(err, ingest.ErrQueueUnavailable):
			xerrors.WriteError(ctx, w, xerrors.Internal(xerrors.WithMessage("queue unavailable"), xerrors.WithCause(err)))
		default:
			xerrors.WriteError(ctx, w, xerrors.Internal(xerrors.WithMessage("failed to process webhook"), xerrors.WithCause(err)))
		}
		return
	}

	status := res.Status
	if status == 0 {
		status = http.StatusOK
	}
	xhttp.WriteJSON(w, status, res)
}
