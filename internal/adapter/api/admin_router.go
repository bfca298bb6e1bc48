package api

import (
	"log/slog"
	"net/http"

	"github.com/V4T54L/event-intake/internal/adapter/api/handler"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// AdminDeps are the collaborators of the admin API. QueueAdmin and RateStream
// are optional.
type AdminDeps struct {
	Logger     *slog.Logger
	Gatherer   prometheus.Gatherer
	QueueAdmin handler.QueueAdmin
	RateStream http.Handler
}

// NewAdminRouter creates the admin router: metrics, health, the ingest rate
// stream and, in queue mode, notification queue administration.
func NewAdminRouter(deps AdminDeps) http.Handler {
	r := chi.NewRouter()

	r.Handle("/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))

	adminHandler := handler.NewAdminHandler(deps.QueueAdmin, deps.Logger)
	r.Get("/health", adminHandler.HealthCheck)

	if deps.RateStream != nil {
		r.Handle("/admin/ingest-rate", deps.RateStream)
	}

	if deps.QueueAdmin != nil {
		r.Route("/admin/queue", func(r chi.Router) {
			r.Get("/", adminHandler.GetQueueStats)
			r.Get("/pending", adminHandler.GetPendingMessages)
			r.Post("/dlq/trim", adminHandler.TrimDLQ)
		})
	}

	return r
}
