package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/V4T54L/event-intake/internal/adapter/api/middleware"
	"github.com/V4T54L/event-intake/internal/domain"
	"github.com/V4T54L/event-intake/internal/usecase"
	"github.com/go-chi/chi/v5"
)

// EventService is the ingestion service as seen by the HTTP layer.
type EventService interface {
	Submit(ctx context.Context, input map[string]any, correlationID string) (domain.Event, error)
	List(ctx context.Context, userID string, limit int) ([]domain.Event, error)
	Get(ctx context.Context, id string) (domain.Event, error)
	DeleteByUser(ctx context.Context, userID string) (usecase.DeleteResult, error)
	DeleteAll(ctx context.Context) (usecase.DeleteResult, error)
}

// OutcomeReporter receives the outcome of every submission.
type OutcomeReporter interface {
	Report(accepted bool)
}

// EventHandler serves the /v1/events resource. Its methods are wrapped by
// middleware.ErrorCapture: they write expected outcomes themselves and
// return anything unexpected.
type EventHandler struct {
	svc         EventService
	logger      *slog.Logger
	maxBodySize int64
	outcomes    OutcomeReporter
}

// NewEventHandler creates a new EventHandler. outcomes may be nil.
func NewEventHandler(svc EventService, logger *slog.Logger, maxBodySize int64, outcomes OutcomeReporter) *EventHandler {
	return &EventHandler{
		svc:         svc,
		logger:      logger.With("component", "event_handler"),
		maxBodySize: maxBodySize,
		outcomes:    outcomes,
	}
}

type submitResponse struct {
	ID       string `json:"id"`
	Accepted bool   `json:"accepted"`
}

type listResponse struct {
	Events []domain.Event `json:"events"`
	Count  int            `json:"count"`
	UserID string         `json:"user_id"`
}

// Submit handles POST /v1/events.
func (h *EventHandler) Submit(w http.ResponseWriter, r *http.Request) error {
	if ct := r.Header.Get("Content-Type"); ct != "" {
		if mt, _, err := mime.ParseMediaType(ct); err != nil || mt != "application/json" {
			respondWithError(w, h.logger, http.StatusUnsupportedMediaType, CodeUnsupportedMedia, "Unsupported Content-Type: "+ct, nil)
			return nil
		}
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodySize))
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			h.report(false)
			respondWithError(w, h.logger, http.StatusRequestEntityTooLarge, CodePayloadTooLarge,
				fmt.Sprintf("request body exceeds %d bytes", maxBytesErr.Limit), nil)
			return nil
		}
		return fmt.Errorf("read request body: %w", err)
	}

	raw, err := decodeJSON(body)
	if err != nil {
		h.report(false)
		respondWithError(w, h.logger, http.StatusBadRequest, CodeValidation, "Invalid input data",
			map[string][]string{"body": {err.Error()}})
		return nil
	}
	middleware.SetInput(r.Context(), raw)

	if err := middleware.CheckSentinel(raw, r.URL.Path); err != nil {
		h.logger.Warn("Deliberate error triggered", "event", middleware.SentinelEvent, "path", r.URL.Path)
		return err
	}

	input, ok := raw.(map[string]any)
	if !ok {
		h.report(false)
		respondWithError(w, h.logger, http.StatusBadRequest, CodeValidation, "Invalid input data",
			map[string][]string{"body": {"must be a JSON object"}})
		return nil
	}

	event, err := h.svc.Submit(r.Context(), input, middleware.RequestIDFromContext(r.Context()))
	if err != nil {
		var verr *domain.ValidationError
		if errors.As(err, &verr) {
			h.report(false)
			respondWithError(w, h.logger, http.StatusBadRequest, CodeValidation, "Invalid input data", verr.Fields)
			return nil
		}
		return err
	}

	h.report(true)
	respondWithJSON(w, h.logger, http.StatusCreated, submitResponse{ID: event.ID, Accepted: true})
	return nil
}

// List handles GET /v1/events?user_id=&limit=.
func (h *EventHandler) List(w http.ResponseWriter, r *http.Request) error {
	q := r.URL.Query()
	details := map[string][]string{}

	userID := strings.TrimSpace(q.Get("user_id"))
	if userID == "" {
		details["user_id"] = []string{"field is required"}
	}

	limit := usecase.DefaultListLimit
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(strings.TrimSpace(raw))
		switch {
		case err != nil:
			details["limit"] = []string{"must be an integer"}
		case n <= 0:
			details["limit"] = []string{"must be at least 1"}
		case n > usecase.MaxListLimit:
			limit = usecase.MaxListLimit
		default:
			limit = n
		}
	}

	if len(details) > 0 {
		respondWithError(w, h.logger, http.StatusBadRequest, CodeValidation, "Invalid query parameters", details)
		return nil
	}

	events, err := h.svc.List(r.Context(), userID, limit)
	if err != nil {
		return err
	}
	if events == nil {
		events = []domain.Event{}
	}
	respondWithJSON(w, h.logger, http.StatusOK, listResponse{Events: events, Count: len(events), UserID: userID})
	return nil
}

// Get handles GET /v1/events/{id}.
func (h *EventHandler) Get(w http.ResponseWriter, r *http.Request) error {
	id := chi.URLParam(r, "id")
	event, err := h.svc.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrEventNotFound) {
			respondWithError(w, h.logger, http.StatusNotFound, CodeNotFound, "event not found", nil)
			return nil
		}
		return err
	}
	respondWithJSON(w, h.logger, http.StatusOK, event)
	return nil
}

// Delete handles DELETE /v1/events[?user_id=]. Without user_id every event is
// removed; a present but blank user_id is rejected.
func (h *EventHandler) Delete(w http.ResponseWriter, r *http.Request) error {
	q := r.URL.Query()

	var (
		res usecase.DeleteResult
		err error
	)
	if q.Has("user_id") {
		userID := strings.TrimSpace(q.Get("user_id"))
		if userID == "" {
			respondWithError(w, h.logger, http.StatusBadRequest, CodeValidation, "Invalid query parameters",
				map[string][]string{"user_id": {"may not be blank"}})
			return nil
		}
		res, err = h.svc.DeleteByUser(r.Context(), userID)
	} else {
		res, err = h.svc.DeleteAll(r.Context())
	}
	if err != nil {
		return err
	}
	respondWithJSON(w, h.logger, http.StatusOK, res)
	return nil
}

func (h *EventHandler) report(accepted bool) {
	if h.outcomes != nil {
		h.outcomes.Report(accepted)
	}
}

// decodeJSON decodes exactly one JSON value, keeping numbers verbatim.
func decodeJSON(body []byte) (any, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, errors.New("request body is empty")
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, errors.New("invalid JSON")
	}
	if dec.More() {
		return nil, errors.New("body must contain a single JSON value")
	}
	return v, nil
}
