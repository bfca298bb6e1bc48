package api

import (
	"log/slog"
	"net/http"

	"github.com/V4T54L/event-intake/internal/adapter/api/handler"
	"github.com/V4T54L/event-intake/internal/adapter/api/middleware"
	"github.com/V4T54L/event-intake/internal/adapter/metrics"
	"github.com/go-chi/chi/v5"
)

// RouterDeps are the collaborators of the public API.
type RouterDeps struct {
	Logger      *slog.Logger
	Metrics     *metrics.IngestMetrics
	Events      handler.EventService
	Outcomes    handler.OutcomeReporter
	MaxBodySize int64
}

// NewRouter creates and configures the main HTTP router for the ingest service.
func NewRouter(deps RouterDeps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logging(deps.Logger))
	r.NotFound(handler.NotFound(deps.Logger))

	capture := middleware.NewErrorCapture(deps.Logger, deps.Metrics)
	events := handler.NewEventHandler(deps.Events, deps.Logger, deps.MaxBodySize, deps.Outcomes)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	r.Route("/v1/events", func(r chi.Router) {
		r.Method(http.MethodPost, "/", capture.Wrap(events.Submit))
		r.Method(http.MethodGet, "/", capture.Wrap(events.List))
		r.Method(http.MethodDelete, "/", capture.Wrap(events.Delete))
		r.Method(http.MethodGet, "/{id}", capture.Wrap(events.Get))
	})

	return r
}
