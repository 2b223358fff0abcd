// SPDX-License-Identifier: MIT

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// RouterConfig tunes the coordinator's ingress stack.
type RouterConfig struct {
	// SubmitRPS rate limits POST /jobs per client IP. Zero disables limiting.
	SubmitRPS int
	// TracingService enables otelhttp wrapping when non-empty.
	TracingService string
}

// NewRouter builds the coordinator's chi router.
func NewRouter(h *Handler, cfg RouterConfig) http.Handler {
	r := chi.NewRouter()
	r.Use(Recoverer)
	r.Use(RequestID)

	// Worker RPC surface.
	r.Get("/jobs/next", Instrument("jobs_next", h.HandleNext))
	r.Post("/jobs/{id}/heartbeat", Instrument("jobs_heartbeat", h.HandleHeartbeat))
	r.Post("/jobs/{id}/complete", Instrument("jobs_complete", h.HandleComplete))
	r.Post("/jobs/{id}/fail", Instrument("jobs_fail", h.HandleFail))

	// Blob transfer for workers.
	r.Get("/blobs/{key}", Instrument("blob_get", h.HandleBlobGet))
	r.Put("/blobs/{key}", Instrument("blob_put", h.HandleBlobPut))
	r.Delete("/blobs/{key}", Instrument("blob_delete", h.HandleBlobDelete))

	// Submitter surface.
	r.Group(func(r chi.Router) {
		if cfg.SubmitRPS > 0 {
			r.Use(httprate.LimitByIP(cfg.SubmitRPS, time.Second))
		}
		r.Post("/jobs", Instrument("jobs_submit", h.HandleSubmit))
	})
	r.Get("/jobs/{id}", Instrument("jobs_status", h.HandleJobStatus))

	// Ops surface.
	r.Get("/healthz", h.HandleHealthz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	if cfg.TracingService != "" {
		return otelhttp.NewHandler(r, cfg.TracingService)
	}
	return r
}
