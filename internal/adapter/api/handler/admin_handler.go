package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/V4T54L/event-intake/internal/domain"
)

// QueueAdmin is the queue administration use case as seen by the admin API.
type QueueAdmin interface {
	Stats(ctx context.Context) (domain.QueueStats, error)
	PendingMessages(ctx context.Context, consumer, startID string, count int64) ([]domain.PendingMessageDetail, error)
	TrimDLQ(ctx context.Context, maxLen int64) (int64, error)
}

// AdminHandler handles HTTP requests for notification queue administration.
type AdminHandler struct {
	uc     QueueAdmin
	logger *slog.Logger
}

// NewAdminHandler creates a new AdminHandler.
func NewAdminHandler(uc QueueAdmin, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{uc: uc, logger: logger.With("component", "admin_handler")}
}

// HealthCheck is a simple health check endpoint.
func (h *AdminHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, h.logger, http.StatusOK, map[string]string{"status": "ok"})
}

// GetQueueStats handles GET /admin/queue.
func (h *AdminHandler) GetQueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.uc.Stats(r.Context())
	if err != nil {
		h.logger.Error("failed to get queue stats", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	respondWithJSON(w, h.logger, http.StatusOK, stats)
}

// GetPendingMessages handles GET /admin/queue/pending?consumer=&start=&count=.
func (h *AdminHandler) GetPendingMessages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var count int64
	if countStr := q.Get("count"); countStr != "" {
		var err error
		count, err = strconv.ParseInt(countStr, 10, 64)
		if err != nil {
			http.Error(w, "invalid count parameter", http.StatusBadRequest)
			return
		}
	}

	messages, err := h.uc.PendingMessages(r.Context(), q.Get("consumer"), q.Get("start"), count)
	if err != nil {
		h.logger.Error("failed to get pending messages", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if messages == nil {
		messages = []domain.PendingMessageDetail{}
	}
	respondWithJSON(w, h.logger, http.StatusOK, messages)
}

// TrimDLQ handles POST /admin/queue/dlq/trim with a {"maxlen": n} body.
func (h *AdminHandler) TrimDLQ(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		MaxLen *int64 `json:"maxlen"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if payload.MaxLen == nil || *payload.MaxLen < 0 {
		http.Error(w, "maxlen must be a non-negative integer", http.StatusBadRequest)
		return
	}

	trimmed, err := h.uc.TrimDLQ(r.Context(), *payload.MaxLen)
	if err != nil {
		h.logger.Error("failed to trim DLQ", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	respondWithJSON(w, h.logger, http.StatusOK, map[string]int64{"trimmed": trimmed})
}
