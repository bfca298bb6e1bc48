package usecase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/V4T54L/event-intake/internal/adapter/cache"
	"github.com/V4T54L/event-intake/internal/adapter/metrics"
	"github.com/V4T54L/event-intake/internal/adapter/pii"
	"github.com/V4T54L/event-intake/internal/adapter/tracking"
	"github.com/V4T54L/event-intake/internal/domain"
	"github.com/V4T54L/event-intake/internal/domain/mocks"
	"github.com/prometheus/client_golang/prometheus"
)

type ingestFixture struct {
	uc        *IngestEventUseCase
	store     *mocks.MockEventStore
	cache     *cache.RecencyCache
	publisher *mocks.MockPublisher
	reg       *prometheus.Registry
}

func newIngestFixture(capacity int) *ingestFixture {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f := &ingestFixture{
		store:     &mocks.MockEventStore{},
		cache:     cache.NewRecencyCache(capacity),
		publisher: &mocks.MockPublisher{},
		reg:       prometheus.NewRegistry(),
	}
	f.uc = NewIngestEventUseCase(f.store, f.cache, f.publisher, pii.NewRedactor([]string{"email"}, logger), metrics.NewIngestMetrics(f.reg), logger)

	// A strictly increasing clock keeps ordering deterministic.
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	tick := 0
	f.uc.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}
	return f
}

func TestIngestEventUseCase_Submit(t *testing.T) {
	t.Run("Valid submission is committed and listed", func(t *testing.T) {
		f := newIngestFixture(100)
		input := map[string]any{"event": "signup", "user_id": "u_1", "metadata": map[string]any{"plan": "pro"}}

		event, err := f.uc.Submit(context.Background(), input, "req-abc")

		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if !strings.HasPrefix(event.ID, "evt_") || len(event.ID) != 36 {
			t.Errorf("unexpected id format %q", event.ID)
		}
		if event.RequestID != "req-abc" {
			t.Errorf("request_id should be the correlation id, got %q", event.RequestID)
		}
		if string(event.Metadata) != `{"plan":"pro"}` {
			t.Errorf("unexpected metadata %s", event.Metadata)
		}
		if _, err := f.store.Get(context.Background(), event.ID); err != nil {
			t.Errorf("event should be in the store: %v", err)
		}
		if f.cache.Len() != 1 {
			t.Errorf("event should be in the cache, cache len %d", f.cache.Len())
		}

		listed, err := f.uc.List(context.Background(), "u_1", 10)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(listed) != 1 || listed[0].ID != event.ID || listed[0].Event != "signup" {
			t.Errorf("expected the new event to be listed, got %+v", listed)
		}
		if got := counterValue(t, f.reg, "event_intake_ingest_events_total", map[string]string{"status": "accepted"}); got != 1 {
			t.Errorf("expected 1 accepted event, got %v", got)
		}
	})

	t.Run("Caller request_id is not stored", func(t *testing.T) {
		f := newIngestFixture(100)
		input := map[string]any{"event": "signup", "user_id": "u_1", "request_id": "client-chosen"}

		event, err := f.uc.Submit(context.Background(), input, "server-id")

		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if event.RequestID != "server-id" {
			t.Errorf("got request_id %q, want server-id", event.RequestID)
		}
	})

	t.Run("Missing correlation id is generated", func(t *testing.T) {
		f := newIngestFixture(100)
		event, err := f.uc.Submit(context.Background(), map[string]any{"event": "signup", "user_id": "u_1"}, "")
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if len(event.RequestID) < domain.MinFieldLen {
			t.Errorf("expected a generated request_id, got %q", event.RequestID)
		}
	})

	t.Run("Oversized metadata mutates nothing", func(t *testing.T) {
		f := newIngestFixture(100)
		input := map[string]any{"event": "signup", "user_id": "u_1", "metadata": map[string]any{"blob": strings.Repeat("x", 3000)}}

		_, err := f.uc.Submit(context.Background(), input, "req-1")

		var verr *domain.ValidationError
		if !errors.As(err, &verr) {
			t.Fatalf("expected a validation error, got %v", err)
		}
		if len(verr.Fields["metadata"]) == 0 {
			t.Errorf("expected a metadata detail, got %v", verr.Fields)
		}
		if f.store.PutCalls != 0 || f.cache.Len() != 0 {
			t.Error("no store should be touched on validation failure")
		}
		if count, _ := f.store.Count(context.Background()); count != 0 {
			t.Errorf("store count got %d, want 0", count)
		}
		if f.publisher.Count() != 0 {
			t.Error("rejected events must not be published")
		}
	})

	t.Run("Store failure is not cached or published", func(t *testing.T) {
		f := newIngestFixture(100)
		f.store.PutErr = errors.New("disk full")

		_, err := f.uc.Submit(context.Background(), map[string]any{"event": "signup", "user_id": "u_1"}, "req-1")

		if err == nil || !errors.Is(err, f.store.PutErr) {
			t.Fatalf("expected wrapped store error, got %v", err)
		}
		var verr *domain.ValidationError
		if errors.As(err, &verr) {
			t.Error("store failures must not look like validation errors")
		}
		if f.cache.Len() != 0 || f.publisher.Count() != 0 {
			t.Error("failed commits must not reach the cache or the publisher")
		}
	})

	t.Run("Publish happens after commit with a detached context", func(t *testing.T) {
		f := newIngestFixture(100)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		input := map[string]any{"event": "signup", "user_id": "u_1", "metadata": map[string]any{"email": "a@b.c", "plan": "pro"}}
		event, err := f.uc.Submit(ctx, input, "req-1")

		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if f.publisher.Count() != 1 {
			t.Fatalf("expected 1 notification, got %d", f.publisher.Count())
		}
		if f.publisher.Contexts[0].Err() != nil {
			t.Error("fan-out must not inherit the request cancellation")
		}
		n := f.publisher.Published[0]
		if n.UserID != "u_1" || n.Event != "signup" || n.RequestID != "req-1" {
			t.Errorf("unexpected notification %+v", n)
		}
		if n.Properties["email"] != pii.RedactedPlaceholder || n.Properties["plan"] != "pro" {
			t.Errorf("expected redacted properties, got %v", n.Properties)
		}
		if n.Properties["event_id"] != event.ID {
			t.Errorf("expected event_id in properties, got %v", n.Properties["event_id"])
		}
		if string(event.Metadata) != `{"email":"a@b.c","plan":"pro"}` {
			t.Errorf("stored metadata must not be redacted, got %s", event.Metadata)
		}
	})

	t.Run("Publish failure does not fail the submission", func(t *testing.T) {
		f := newIngestFixture(100)
		f.publisher.PublishErr = errors.New("redis down")

		_, err := f.uc.Submit(context.Background(), map[string]any{"event": "signup", "user_id": "u_1"}, "req-1")

		if err != nil {
			t.Fatalf("publish errors must be swallowed, got %v", err)
		}
		if f.cache.Len() != 1 {
			t.Error("event should still be committed")
		}
	})

	t.Run("A failing vendor does not change the outcome", func(t *testing.T) {
		f := newIngestFixture(100)
		logger := slog.New(slog.NewTextHandler(io.Discard, nil))
		failing := &recordingSink{err: tracking.ErrSimulatedFailure}
		ok1, ok2 := &recordingSink{}, &recordingSink{}
		f.uc.publisher = NewDispatchUseCase([]tracking.Route{
			{Vendor: tracking.Segment, Sink: failing},
			{Vendor: tracking.PostHog, Sink: ok1},
			{Vendor: tracking.Mixpanel, Sink: ok2},
		}, tracking.Credentials{}, time.Second, true, nil, logger)

		event, err := f.uc.Submit(context.Background(), map[string]any{"event": "signup", "user_id": "u_1"}, "req-1")

		if err != nil || event.ID == "" {
			t.Fatalf("expected acceptance, got %v", err)
		}
		if ok1.count() != 1 || ok2.count() != 1 {
			t.Errorf("healthy vendors should receive the payload, got %d/%d", ok1.count(), ok2.count())
		}
	})
}

func TestIngestEventUseCase_List(t *testing.T) {
	submitN := func(t *testing.T, f *ingestFixture, user string, n int) []domain.Event {
		t.Helper()
		out := make([]domain.Event, n)
		for i := 0; i < n; i++ {
			e, err := f.uc.Submit(context.Background(), map[string]any{"event": fmt.Sprintf("step_%d", i), "user_id": user}, "req-1")
			if err != nil {
				t.Fatalf("submit %d: %v", i, err)
			}
			out[i] = e
		}
		return out
	}

	t.Run("Newest first", func(t *testing.T) {
		f := newIngestFixture(100)
		submitted := submitN(t, f, "u_1", 5)
		submitN(t, f, "u_2", 2)

		listed, err := f.uc.List(context.Background(), "u_1", 5)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(listed) != 5 {
			t.Fatalf("expected 5 events, got %d", len(listed))
		}
		for i := range listed {
			if listed[i].ID != submitted[len(submitted)-1-i].ID {
				t.Errorf("position %d: got %s, want %s", i, listed[i].ID, submitted[len(submitted)-1-i].ID)
			}
		}
	})

	t.Run("Limit is applied and clamped", func(t *testing.T) {
		f := newIngestFixture(500)
		submitN(t, f, "u_1", 120)

		tests := []struct {
			limit int
			want  int
		}{
			{limit: 3, want: 3},
			{limit: 0, want: DefaultListLimit},
			{limit: 1000, want: MaxListLimit},
		}
		for _, tt := range tests {
			listed, err := f.uc.List(context.Background(), "u_1", tt.limit)
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if len(listed) != tt.want {
				t.Errorf("limit %d: got %d events, want %d", tt.limit, len(listed), tt.want)
			}
		}
	})

	t.Run("Falls back to the store after eviction", func(t *testing.T) {
		f := newIngestFixture(3)
		old := submitN(t, f, "u_1", 2)
		submitN(t, f, "u_2", 3)

		if f.cache.Complete() {
			t.Fatal("test setup: cache should have evicted")
		}
		listed, err := f.uc.List(context.Background(), "u_1", 10)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(listed) != 2 || listed[0].ID != old[1].ID {
			t.Errorf("expected both u_1 events from the store, got %+v", listed)
		}
	})

	t.Run("Store errors surface when the cache cannot answer", func(t *testing.T) {
		f := newIngestFixture(1)
		submitN(t, f, "u_1", 2)
		f.store.ListErr = errors.New("io error")

		if _, err := f.uc.List(context.Background(), "u_1", 5); err == nil {
			t.Error("expected the store error")
		}
	})
}

func TestIngestEventUseCase_Delete(t *testing.T) {
	seed := func(t *testing.T, f *ingestFixture) {
		t.Helper()
		for _, u := range []string{"u_1", "u_1", "u_2", "u_3", "u_1"} {
			if _, err := f.uc.Submit(context.Background(), map[string]any{"event": "signup", "user_id": u}, "req-1"); err != nil {
				t.Fatalf("submit: %v", err)
			}
		}
	}

	t.Run("By user leaves other users untouched", func(t *testing.T) {
		f := newIngestFixture(100)
		seed(t, f)

		res, err := f.uc.DeleteByUser(context.Background(), "u_1")

		if err != nil {
			t.Fatalf("delete: %v", err)
		}
		if res.DeletedDB != 3 || res.DeletedCache != 3 {
			t.Errorf("got %+v, want 3/3", res)
		}
		if listed, _ := f.uc.List(context.Background(), "u_1", 10); len(listed) != 0 {
			t.Errorf("u_1 should have no events, got %d", len(listed))
		}
		if listed, _ := f.uc.List(context.Background(), "u_2", 10); len(listed) != 1 {
			t.Errorf("u_2 should keep its event, got %d", len(listed))
		}
		if count, _ := f.store.Count(context.Background()); count != 2 {
			t.Errorf("store count got %d, want 2", count)
		}
	})

	t.Run("All reports pre-delete sizes", func(t *testing.T) {
		f := newIngestFixture(100)
		seed(t, f)

		res, err := f.uc.DeleteAll(context.Background())

		if err != nil {
			t.Fatalf("delete: %v", err)
		}
		if res.DeletedDB != 5 || res.DeletedCache != 5 {
			t.Errorf("got %+v, want 5/5", res)
		}
		if f.cache.Len() != 0 {
			t.Error("cache should be empty")
		}
		if count, _ := f.store.Count(context.Background()); count != 0 {
			t.Errorf("store count got %d, want 0", count)
		}
	})

	t.Run("Store failure leaves the cache alone", func(t *testing.T) {
		f := newIngestFixture(100)
		seed(t, f)
		f.store.DeleteErr = errors.New("locked")

		if _, err := f.uc.DeleteAll(context.Background()); err == nil {
			t.Fatal("expected an error")
		}
		if f.cache.Len() != 5 {
			t.Errorf("cache should be untouched, len %d", f.cache.Len())
		}
	})
}

func TestIngestEventUseCase_Warm(t *testing.T) {
	f := newIngestFixture(2)
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		_ = f.store.Put(context.Background(), domain.Event{ID: fmt.Sprintf("evt_%d", i), UserID: "u_1", Event: "seed", ReceivedAt: base.Add(time.Duration(i) * time.Minute)})
	}

	if err := f.uc.Warm(context.Background()); err != nil {
		t.Fatalf("warm: %v", err)
	}

	if f.cache.Len() != 2 {
		t.Errorf("cache len got %d, want 2", f.cache.Len())
	}
	if f.cache.Complete() {
		t.Error("a cache warmed from a larger store is not complete")
	}
	if got := f.cache.Iterate(); got[0].ID != "evt_2" {
		t.Errorf("newest event should be first, got %s", got[0].ID)
	}
}

func TestIngestEventUseCase_ConcurrentSubmitAndDelete(t *testing.T) {
	f := newIngestFixture(1000)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				_, _ = f.uc.Submit(context.Background(), map[string]any{"event": "signup", "user_id": "u_1"}, "req-1")
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for j := 0; j < 5; j++ {
			_, _ = f.uc.DeleteByUser(context.Background(), "u_1")
		}
	}()
	wg.Wait()

	count, _ := f.store.Count(context.Background())
	if int(count) != f.cache.Len() {
		t.Errorf("store (%d) and cache (%d) drifted", count, f.cache.Len())
	}
}
