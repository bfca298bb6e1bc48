package usecase

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/V4T54L/event-intake/internal/adapter/cache"
	"github.com/V4T54L/event-intake/internal/adapter/metrics"
	"github.com/V4T54L/event-intake/internal/adapter/pii"
	"github.com/V4T54L/event-intake/internal/domain"
	"github.com/google/uuid"
)

// Listing bounds.
const (
	DefaultListLimit = 100
	MaxListLimit     = 100
)

// DeleteResult reports how many events a deletion removed from each store.
type DeleteResult struct {
	DeletedDB    int64 `json:"deleted_db"`
	DeletedCache int   `json:"deleted_cache"`
}

// IngestEventUseCase owns the durable store and the recency cache and keeps
// them in step: an event is in the cache only if it was written to the store.
type IngestEventUseCase struct {
	store     domain.EventStore
	cache     *cache.RecencyCache
	publisher domain.NotificationPublisher
	redactor  *pii.Redactor
	metrics   *metrics.IngestMetrics
	logger    *slog.Logger

	// commits hold the read side; deletions hold the write side so they never
	// observe an event that is stored but not yet cached.
	mu sync.RWMutex

	now   func() time.Time
	newID func() string
}

// NewIngestEventUseCase creates the ingestion service. publisher and redactor
// may be nil, in which case accepted events are not fanned out or redacted.
func NewIngestEventUseCase(store domain.EventStore, c *cache.RecencyCache, publisher domain.NotificationPublisher, redactor *pii.Redactor, m *metrics.IngestMetrics, logger *slog.Logger) *IngestEventUseCase {
	return &IngestEventUseCase{
		store:     store,
		cache:     c,
		publisher: publisher,
		redactor:  redactor,
		metrics:   m,
		logger:    logger.With("component", "ingest"),
		now:       func() time.Time { return time.Now().UTC() },
		newID:     NewEventID,
	}
}

// NewEventID returns a fresh event identifier.
func NewEventID() string {
	id := uuid.New()
	return "evt_" + hex.EncodeToString(id[:])
}

// Submit validates input, commits the event to the store and the cache, and
// then hands a tracking notification to the publisher. correlationID becomes
// the stored request_id. The returned error is a *domain.ValidationError for
// bad input; any other error means the event was not accepted.
func (uc *IngestEventUseCase) Submit(ctx context.Context, input map[string]any, correlationID string) (domain.Event, error) {
	now := uc.now()

	draft, verr := domain.Validate(input, now)
	if verr != nil {
		uc.countEvent("error_validation")
		return domain.Event{}, verr
	}

	md, err := domain.EncodeMetadata(draft.Metadata)
	if err != nil {
		uc.countEvent("error_validation")
		return domain.Event{}, fmt.Errorf("encode metadata: %w", err)
	}

	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	event := domain.Event{
		ID:         uc.newID(),
		ReceivedAt: now,
		ClientTS:   draft.ClientTS,
		Event:      draft.Event,
		UserID:     draft.UserID,
		Metadata:   md,
		RequestID:  correlationID,
	}

	if err := uc.commit(ctx, event); err != nil {
		uc.countEvent("error_store")
		return domain.Event{}, err
	}
	uc.countEvent("accepted")
	if uc.metrics != nil {
		uc.metrics.BytesTotal.Add(float64(len(md)))
	}
	uc.logger.Debug("event accepted", "event_id", event.ID, "event", event.Event, "user_id", event.UserID, "request_id", event.RequestID)

	uc.notify(context.WithoutCancel(ctx), event)
	return event, nil
}

func (uc *IngestEventUseCase) commit(ctx context.Context, event domain.Event) error {
	uc.mu.RLock()
	defer uc.mu.RUnlock()

	if err := uc.store.Put(ctx, event); err != nil {
		uc.logger.Error("failed to store event", "error", err, "event_id", event.ID)
		return fmt.Errorf("store event %s: %w", event.ID, err)
	}
	uc.cache.InsertFront(event)
	uc.syncCacheMetrics()
	return nil
}

// notify is best effort: the event is already committed.
func (uc *IngestEventUseCase) notify(ctx context.Context, event domain.Event) {
	if uc.publisher == nil {
		return
	}
	n := domain.NewTrackingNotification(event)
	n.Properties, _ = uc.redactor.Redact(n.Properties)

	if err := uc.publisher.Publish(ctx, n); err != nil {
		if uc.metrics != nil {
			uc.metrics.PublishErrors.Inc()
		}
		uc.logger.Error("failed to publish tracking notification", "error", err, "event_id", event.ID)
	}
}

// List returns up to limit events of userID, newest first. The cache answers
// when it can; otherwise the durable store does.
func (uc *IngestEventUseCase) List(ctx context.Context, userID string, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}

	events := uc.cache.Filter(func(e domain.Event) bool { return e.UserID == userID }, limit)
	// Evicted entries are all older than cached ones, so a full page from the
	// cache is still the newest page.
	if len(events) == limit || uc.cache.Complete() {
		return events, nil
	}

	events, err := uc.store.ListByUser(ctx, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list events for %s: %w", userID, err)
	}
	return events, nil
}

// Get returns a single event by id from the durable store.
func (uc *IngestEventUseCase) Get(ctx context.Context, id string) (domain.Event, error) {
	e, err := uc.store.Get(ctx, id)
	if err != nil {
		return domain.Event{}, fmt.Errorf("get event %s: %w", id, err)
	}
	return e, nil
}

// DeleteByUser removes every event of userID from both stores.
func (uc *IngestEventUseCase) DeleteByUser(ctx context.Context, userID string) (DeleteResult, error) {
	uc.mu.Lock()
	defer uc.mu.Unlock()

	n, err := uc.store.DeleteByUser(ctx, userID)
	if err != nil {
		return DeleteResult{}, fmt.Errorf("delete events for %s: %w", userID, err)
	}
	removed := uc.cache.RemoveWhere(func(e domain.Event) bool { return e.UserID == userID })
	uc.recordDelete(n, removed)
	uc.logger.Info("deleted user events", "user_id", userID, "deleted_db", n, "deleted_cache", removed)
	return DeleteResult{DeletedDB: n, DeletedCache: removed}, nil
}

// DeleteAll empties both stores.
func (uc *IngestEventUseCase) DeleteAll(ctx context.Context) (DeleteResult, error) {
	uc.mu.Lock()
	defer uc.mu.Unlock()

	n, err := uc.store.DeleteAll(ctx)
	if err != nil {
		return DeleteResult{}, fmt.Errorf("delete all events: %w", err)
	}
	removed := uc.cache.Clear()
	uc.recordDelete(n, removed)
	uc.logger.Info("deleted all events", "deleted_db", n, "deleted_cache", removed)
	return DeleteResult{DeletedDB: n, DeletedCache: removed}, nil
}

// Warm fills the cache with the newest stored events.
func (uc *IngestEventUseCase) Warm(ctx context.Context) error {
	uc.mu.Lock()
	defer uc.mu.Unlock()

	capacity := uc.cache.Cap()
	// One extra row tells whether the store holds more than fits.
	events, err := uc.store.ListRecent(ctx, capacity+1)
	if err != nil {
		return fmt.Errorf("warm recency cache: %w", err)
	}
	uc.cache.Load(events, len(events) <= capacity)
	uc.syncCacheMetrics()
	uc.logger.Info("recency cache warmed", "events", uc.cache.Len(), "complete", uc.cache.Complete())
	return nil
}

func (uc *IngestEventUseCase) countEvent(status string) {
	if uc.metrics != nil {
		uc.metrics.EventsTotal.WithLabelValues(status).Inc()
	}
}

func (uc *IngestEventUseCase) recordDelete(db int64, cached int) {
	uc.syncCacheMetrics()
	if uc.metrics == nil {
		return
	}
	uc.metrics.DeletedEventsTotal.WithLabelValues("db").Add(float64(db))
	uc.metrics.DeletedEventsTotal.WithLabelValues("cache").Add(float64(cached))
}

func (uc *IngestEventUseCase) syncCacheMetrics() {
	if uc.metrics == nil {
		return
	}
	uc.metrics.CacheSize.Set(float64(uc.cache.Len()))
	uc.metrics.CacheEvictions.Set(float64(uc.cache.Evicted()))
}
