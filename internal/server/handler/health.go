package handler

import (
	"net/http"

	"github.com/garrettladley/payhook/internal/connhealth"
	"github.com/garrettladley/payhook/internal/ingest"
	"github.com/garrettladley/payhook/internal/xcontext"
	"github.com/garrettladley/payhook/internal/xhttp"
)

type Health struct {
	service ingest.Service
}

func NewHealth(service ingest.Service) *Health {
	return &Health{service: service}
}

type healthResponse struct {
	ingest.Status
	Draining bool `json:"draining,omitempty"`
}

// HandleHealth handles GET /health. Degraded still answers 200 so the
// instance keeps receiving traffic; critical and draining answer 503.
func (h *Health) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	resp := healthResponse{
		Status:   h.service.Status(ctx),
		Draining: xcontext.IsShutdownInProgress(ctx),
	}

	code := http.StatusOK
	if resp.Draining || resp.Status.Status == connhealth.StatusCritical {
		code = http.StatusServiceUnavailable
	}
	xhttp.WriteJSON(w, code, resp)
}
