package usecase

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/V4T54L/event-intake/internal/adapter/tracking"
	"github.com/V4T54L/event-intake/internal/domain"
	"github.com/V4T54L/event-intake/internal/domain/mocks"
)

type stubDispatcher struct {
	mu     sync.Mutex
	failFn func(n domain.TrackingNotification) bool
	seen   []string
}

func (d *stubDispatcher) Dispatch(ctx context.Context, n domain.TrackingNotification) DispatchReport {
	d.mu.Lock()
	d.seen = append(d.seen, n.StreamMessageID)
	d.mu.Unlock()

	var err error
	if d.failFn != nil && d.failFn(n) {
		err = errors.New("vendor down")
	}
	return DispatchReport{Results: []VendorResult{
		{Vendor: tracking.Segment, Err: err},
		{Vendor: tracking.PostHog, Err: err},
	}}
}

func TestProcessNotificationsUseCase_ProcessBatch(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	batch := []domain.TrackingNotification{
		{StreamMessageID: "msg1", UserID: "u_1", Event: "signup"},
		{StreamMessageID: "msg2", UserID: "u_2", Event: "explode_vendor"},
		{StreamMessageID: "msg3", UserID: "u_3", Event: "page_view"},
	}

	t.Run("Successful processing", func(t *testing.T) {
		queue := &mocks.MockNotificationQueue{ReadBatchResult: batch}
		dispatcher := &stubDispatcher{}
		uc := NewProcessNotificationsUseCase(queue, dispatcher, logger, "group", "consumer", 10, 2, time.Minute)

		count, err := uc.ProcessBatch(context.Background())

		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if count != 3 {
			t.Errorf("expected processed count 3, got %d", count)
		}
		if len(dispatcher.seen) != 3 {
			t.Errorf("expected 3 dispatches, got %d", len(dispatcher.seen))
		}
		if len(queue.AckedMessageIDs) != 3 {
			t.Errorf("expected 3 acks, got %d", len(queue.AckedMessageIDs))
		}
		if len(queue.DLQ) != 0 {
			t.Errorf("expected an empty DLQ, got %d", len(queue.DLQ))
		}
	})

	t.Run("Notifications no vendor accepted go to the DLQ", func(t *testing.T) {
		queue := &mocks.MockNotificationQueue{ReadBatchResult: batch}
		dispatcher := &stubDispatcher{failFn: func(n domain.TrackingNotification) bool { return n.Event == "explode_vendor" }}
		uc := NewProcessNotificationsUseCase(queue, dispatcher, logger, "group", "consumer", 10, 2, time.Minute)

		count, err := uc.ProcessBatch(context.Background())

		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if count != 3 {
			t.Errorf("expected processed count 3, got %d", count)
		}
		if len(queue.DLQ) != 1 || queue.DLQ[0].StreamMessageID != "msg2" {
			t.Errorf("expected msg2 in the DLQ, got %+v", queue.DLQ)
		}
		// Dead-lettered messages are acked too.
		if len(queue.AckedMessageIDs) != 3 {
			t.Errorf("expected 3 acks, got %d", len(queue.AckedMessageIDs))
		}
	})

	t.Run("DLQ failure leaves the batch pending", func(t *testing.T) {
		queue := &mocks.MockNotificationQueue{ReadBatchResult: batch, DLQErr: errors.New("redis down")}
		dispatcher := &stubDispatcher{failFn: func(domain.TrackingNotification) bool { return true }}
		uc := NewProcessNotificationsUseCase(queue, dispatcher, logger, "group", "consumer", 10, 2, time.Minute)

		count, err := uc.ProcessBatch(context.Background())

		if err == nil {
			t.Fatal("expected an error, got nil")
		}
		if count != 0 || len(queue.AckedMessageIDs) != 0 {
			t.Errorf("nothing should be acked, got count %d acks %d", count, len(queue.AckedMessageIDs))
		}
	})

	t.Run("Unacknowledged batch is claimed and dispatched again", func(t *testing.T) {
		queue := &mocks.MockNotificationQueue{ReadBatchResult: batch, DLQErr: errors.New("redis down")}
		dispatcher := &stubDispatcher{failFn: func(n domain.TrackingNotification) bool { return n.Event == "explode_vendor" }}
		uc := NewProcessNotificationsUseCase(queue, dispatcher, logger, "group", "consumer", 10, 2, time.Minute)

		if _, err := uc.ProcessBatch(context.Background()); err == nil {
			t.Fatal("expected the DLQ error on the first pass")
		}
		if len(queue.Pending) != 3 {
			t.Fatalf("expected 3 pending notifications, got %d", len(queue.Pending))
		}

		queue.DLQErr = nil
		count, err := uc.ProcessBatch(context.Background())

		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if count != 3 {
			t.Errorf("expected the 3 pending notifications to be processed, got %d", count)
		}
		if len(dispatcher.seen) != 6 {
			t.Errorf("expected every notification to be dispatched twice, got %d dispatches", len(dispatcher.seen))
		}
		if len(queue.Pending) != 0 || len(queue.AckedMessageIDs) != 3 {
			t.Errorf("expected the claimed batch to be acked, pending %d acks %d", len(queue.Pending), len(queue.AckedMessageIDs))
		}
		if len(queue.DLQ) != 1 || queue.DLQ[0].StreamMessageID != "msg2" {
			t.Errorf("expected msg2 in the DLQ, got %+v", queue.DLQ)
		}
		if queue.LastMinIdle != time.Minute {
			t.Errorf("claim idle got %s, want 1m", queue.LastMinIdle)
		}
	})

	t.Run("Claim failure falls back to reading new notifications", func(t *testing.T) {
		queue := &mocks.MockNotificationQueue{ReadBatchResult: batch, ClaimErr: errors.New("NOSCRIPT")}
		dispatcher := &stubDispatcher{}
		uc := NewProcessNotificationsUseCase(queue, dispatcher, logger, "group", "consumer", 10, 2, 0)

		count, err := uc.ProcessBatch(context.Background())

		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if count != 3 || len(queue.AckedMessageIDs) != 3 {
			t.Errorf("expected the new batch to be processed, count %d acks %d", count, len(queue.AckedMessageIDs))
		}
		if queue.LastMinIdle != defaultClaimIdle {
			t.Errorf("claim idle got %s, want the default %s", queue.LastMinIdle, defaultClaimIdle)
		}
	})

	t.Run("Queue read error", func(t *testing.T) {
		queue := &mocks.MockNotificationQueue{ReadErr: errors.New("redis connection failed")}
		uc := NewProcessNotificationsUseCase(queue, &stubDispatcher{}, logger, "group", "consumer", 10, 2, time.Minute)

		count, err := uc.ProcessBatch(context.Background())

		if err == nil {
			t.Fatal("expected an error, got nil")
		}
		if count != 0 {
			t.Errorf("expected processed count 0, got %d", count)
		}
	})

	t.Run("No notifications to process", func(t *testing.T) {
		queue := &mocks.MockNotificationQueue{}
		dispatcher := &stubDispatcher{}
		uc := NewProcessNotificationsUseCase(queue, dispatcher, logger, "group", "consumer", 0, 0, 0)

		count, err := uc.ProcessBatch(context.Background())

		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if count != 0 || len(dispatcher.seen) != 0 {
			t.Error("dispatcher should not be called with no notifications")
		}
	})
}
