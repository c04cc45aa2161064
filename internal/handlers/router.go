package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter mounts the API. gatherer backs /metrics and may be nil.
func NewRouter(h *AsyncHandler, gatherer prometheus.Gatherer, mode string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", HandleHealth(mode))
	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	r.Route("/v1/batches", func(r chi.Router) {
		r.Post("/", h.HandleSubmit)
		r.Get("/{batchID}", h.HandleStatus)
	})
	return r
}

// HandleHealth returns health status
func HandleHealth(mode string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"status": "healthy",
			"mode":   mode,
		})
	}
}
