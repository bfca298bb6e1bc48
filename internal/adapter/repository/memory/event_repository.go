package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/V4T54L/event-intake/internal/domain"
)

// EventRepository is a process-local domain.EventStore. It does not survive
// restarts and exists for development and tests.
type EventRepository struct {
	mu     sync.RWMutex
	events map[string]domain.Event
	seq    map[string]uint64
	next   uint64
}

// NewEventRepository creates an empty in-memory repository.
func NewEventRepository() *EventRepository {
	return &EventRepository{
		events: make(map[string]domain.Event),
		seq:    make(map[string]uint64),
	}
}

func (r *EventRepository) Put(ctx context.Context, event domain.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.seq[event.ID]; !ok {
		r.next++
		r.seq[event.ID] = r.next
	}
	r.events[event.ID] = event
	return nil
}

func (r *EventRepository) Get(ctx context.Context, id string) (domain.Event, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.events[id]
	if !ok {
		return domain.Event{}, domain.ErrEventNotFound
	}
	return e, nil
}

func (r *EventRepository) ListByUser(ctx context.Context, userID string, limit int) ([]domain.Event, error) {
	return r.list(func(e domain.Event) bool { return e.UserID == userID }, limit), nil
}

func (r *EventRepository) ListRecent(ctx context.Context, limit int) ([]domain.Event, error) {
	return r.list(nil, limit), nil
}

func (r *EventRepository) DeleteByUser(ctx context.Context, userID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, e := range r.events {
		if e.UserID == userID {
			delete(r.events, id)
			delete(r.seq, id)
			n++
		}
	}
	return n, nil
}

func (r *EventRepository) DeleteAll(ctx context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := int64(len(r.events))
	clear(r.events)
	clear(r.seq)
	return n, nil
}

func (r *EventRepository) Count(ctx context.Context) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return int64(len(r.events)), nil
}

// list orders by received_at, then insertion sequence, both descending.
func (r *EventRepository) list(pred func(domain.Event) bool, limit int) []domain.Event {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.Event, 0)
	for _, e := range r.events {
		if pred == nil || pred(e) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ReceivedAt.Equal(out[j].ReceivedAt) {
			return out[i].ReceivedAt.After(out[j].ReceivedAt)
		}
		return r.seq[out[i].ID] > r.seq[out[j].ID]
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
