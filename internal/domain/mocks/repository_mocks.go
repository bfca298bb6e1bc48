package mocks

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/V4T54L/event-intake/internal/domain"
)

// MockEventStore is a mock implementation of domain.EventStore for testing.
type MockEventStore struct {
	mu        sync.Mutex
	Events    []domain.Event
	PutErr    error
	GetErr    error
	ListErr   error
	DeleteErr error
	CountErr  error
	PutCalls  int
}

func (m *MockEventStore) Put(ctx context.Context, event domain.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PutCalls++
	if m.PutErr != nil {
		return m.PutErr
	}
	for i := range m.Events {
		if m.Events[i].ID == event.ID {
			m.Events[i] = event
			return nil
		}
	}
	m.Events = append(m.Events, event)
	return nil
}

func (m *MockEventStore) Get(ctx context.Context, id string) (domain.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.GetErr != nil {
		return domain.Event{}, m.GetErr
	}
	for _, e := range m.Events {
		if e.ID == id {
			return e, nil
		}
	}
	return domain.Event{}, domain.ErrEventNotFound
}

func (m *MockEventStore) ListByUser(ctx context.Context, userID string, limit int) ([]domain.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ListErr != nil {
		return nil, m.ListErr
	}
	var out []domain.Event
	for _, e := range m.newestFirst() {
		if e.UserID == userID {
			out = append(out, e)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MockEventStore) ListRecent(ctx context.Context, limit int) ([]domain.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ListErr != nil {
		return nil, m.ListErr
	}
	out := m.newestFirst()
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MockEventStore) DeleteByUser(ctx context.Context, userID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.DeleteErr != nil {
		return 0, m.DeleteErr
	}
	kept := m.Events[:0]
	var n int64
	for _, e := range m.Events {
		if e.UserID == userID {
			n++
			continue
		}
		kept = append(kept, e)
	}
	m.Events = kept
	return n, nil
}

func (m *MockEventStore) DeleteAll(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.DeleteErr != nil {
		return 0, m.DeleteErr
	}
	n := int64(len(m.Events))
	m.Events = nil
	return n, nil
}

func (m *MockEventStore) Count(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CountErr != nil {
		return 0, m.CountErr
	}
	return int64(len(m.Events)), nil
}

// newestFirst must be called with mu held.
func (m *MockEventStore) newestFirst() []domain.Event {
	out := make([]domain.Event, len(m.Events))
	for i, e := range m.Events {
		out[len(m.Events)-1-i] = e
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ReceivedAt.After(out[j].ReceivedAt) })
	return out
}

// MockPublisher records published notifications.
type MockPublisher struct {
	mu         sync.Mutex
	Published  []domain.TrackingNotification
	Contexts   []context.Context
	PublishErr error
}

func (m *MockPublisher) Publish(ctx context.Context, n domain.TrackingNotification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Contexts = append(m.Contexts, ctx)
	if m.PublishErr != nil {
		return m.PublishErr
	}
	m.Published = append(m.Published, n)
	return nil
}

// Count returns the number of successfully published notifications.
func (m *MockPublisher) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Published)
}

// MockNotificationQueue is a mock implementation of domain.NotificationQueue for testing.
// Read notifications stay in Pending until acknowledged; ClaimStale hands the
// pending ones out again, as if they had all been idle long enough.
type MockNotificationQueue struct {
	MockPublisher
	qmu             sync.Mutex
	ReadBatchResult []domain.TrackingNotification
	Pending         []domain.TrackingNotification
	AckedMessageIDs []string
	DLQ             []domain.TrackingNotification
	ReadErr         error
	ClaimErr        error
	AckErr          error
	DLQErr          error
	ClaimCalls      int
	LastMinIdle     time.Duration
}

func (m *MockNotificationQueue) ReadBatch(ctx context.Context, group, consumer string, count int) ([]domain.TrackingNotification, error) {
	m.qmu.Lock()
	defer m.qmu.Unlock()
	if m.ReadErr != nil {
		return nil, m.ReadErr
	}
	batch := m.ReadBatchResult
	m.ReadBatchResult = nil
	m.Pending = append(m.Pending, batch...)
	return batch, nil
}

func (m *MockNotificationQueue) ClaimStale(ctx context.Context, group, consumer string, minIdle time.Duration, count int) ([]domain.TrackingNotification, error) {
	m.qmu.Lock()
	defer m.qmu.Unlock()
	m.ClaimCalls++
	m.LastMinIdle = minIdle
	if m.ClaimErr != nil {
		return nil, m.ClaimErr
	}
	if count > 0 && len(m.Pending) > count {
		return append([]domain.TrackingNotification(nil), m.Pending[:count]...), nil
	}
	return append([]domain.TrackingNotification(nil), m.Pending...), nil
}

func (m *MockNotificationQueue) Acknowledge(ctx context.Context, group string, messageIDs ...string) error {
	m.qmu.Lock()
	defer m.qmu.Unlock()
	if m.AckErr != nil {
		return m.AckErr
	}
	m.AckedMessageIDs = append(m.AckedMessageIDs, messageIDs...)
	acked := make(map[string]bool, len(messageIDs))
	for _, id := range messageIDs {
		acked[id] = true
	}
	kept := m.Pending[:0]
	for _, n := range m.Pending {
		if !acked[n.StreamMessageID] {
			kept = append(kept, n)
		}
	}
	m.Pending = kept
	return nil
}

func (m *MockNotificationQueue) MoveToDLQ(ctx context.Context, notifications []domain.TrackingNotification) error {
	m.qmu.Lock()
	defer m.qmu.Unlock()
	if m.DLQErr != nil {
		return m.DLQErr
	}
	m.DLQ = append(m.DLQ, notifications...)
	return nil
}

// MockQueueAdminRepository is a mock implementation of domain.QueueAdminRepository for testing.
type MockQueueAdminRepository struct {
	Lengths      map[string]int64
	Groups       []domain.ConsumerGroupInfo
	Pending      *domain.PendingMessageSummary
	PendingList  []domain.PendingMessageDetail
	TrimmedTo    map[string]int64
	Err          error
	LastStartID  string
	LastCount    int64
	PendingCalls int
}

func (m *MockQueueAdminRepository) StreamLength(ctx context.Context, stream string) (int64, error) {
	if m.Err != nil {
		return 0, m.Err
	}
	return m.Lengths[stream], nil
}

func (m *MockQueueAdminRepository) GetGroupInfo(ctx context.Context, stream string) ([]domain.ConsumerGroupInfo, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	return m.Groups, nil
}

func (m *MockQueueAdminRepository) GetPendingSummary(ctx context.Context, stream, group string) (*domain.PendingMessageSummary, error) {
	m.PendingCalls++
	if m.Err != nil {
		return nil, m.Err
	}
	return m.Pending, nil
}

func (m *MockQueueAdminRepository) GetPendingMessages(ctx context.Context, stream, group, consumer, startID string, count int64) ([]domain.PendingMessageDetail, error) {
	m.LastStartID, m.LastCount = startID, count
	if m.Err != nil {
		return nil, m.Err
	}
	return m.PendingList, nil
}

func (m *MockQueueAdminRepository) TrimStream(ctx context.Context, stream string, maxLen int64) (int64, error) {
	if m.Err != nil {
		return 0, m.Err
	}
	if m.TrimmedTo == nil {
		m.TrimmedTo = make(map[string]int64)
	}
	m.TrimmedTo[stream] = maxLen
	removed := m.Lengths[stream] - maxLen
	if removed < 0 {
		removed = 0
	}
	return removed, nil
}
