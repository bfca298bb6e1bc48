package redis

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/V4T54L/event-intake/internal/adapter/metrics"
	"github.com/V4T54L/event-intake/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
)

type memoryWAL struct {
	written []domain.TrackingNotification
	err     error
}

func (w *memoryWAL) Write(ctx context.Context, n domain.TrackingNotification) error {
	if w.err != nil {
		return w.err
	}
	w.written = append(w.written, n)
	return nil
}

func (w *memoryWAL) Replay(ctx context.Context, handler func(domain.TrackingNotification) error) error {
	for _, n := range w.written {
		if err := handler(n); err != nil {
			return err
		}
	}
	return nil
}

func (w *memoryWAL) Truncate(ctx context.Context) error {
	w.written = nil
	return nil
}

// newOfflineQueue returns a queue whose client never connects. No consumer
// group is set up, so construction makes no network calls.
func newOfflineQueue(wal domain.WALRepository, m *metrics.IngestMetrics) *NotificationQueue {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 50 * time.Millisecond, MaxRetries: -1})
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewNotificationQueue(client, logger, "tracking_notifications", "tracking_notifications_dlq", "", wal, m)
}

func TestNotificationQueue_PublishFallsBackToWAL(t *testing.T) {
	wal := &memoryWAL{}
	m := metrics.NewIngestMetrics(prometheus.NewRegistry())
	q := newOfflineQueue(wal, m)
	n := domain.TrackingNotification{UserID: "u_123", Event: "signup", Properties: map[string]any{"event_id": "evt_1"}}

	if err := q.Publish(context.Background(), n); err != nil {
		t.Fatalf("expected the WAL to absorb the write, got %v", err)
	}
	if len(wal.written) != 1 || wal.written[0].Event != "signup" {
		t.Errorf("expected the notification in the WAL, got %+v", wal.written)
	}
	if q.Available() {
		t.Error("queue should be marked unavailable after a failed write")
	}

	// Subsequent writes skip Redis entirely.
	if err := q.Publish(context.Background(), n); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(wal.written) != 2 {
		t.Errorf("expected 2 spooled notifications, got %d", len(wal.written))
	}
}

func TestNotificationQueue_PublishWithoutWAL(t *testing.T) {
	q := newOfflineQueue(nil, nil)
	q.setAvailable(false)

	err := q.Publish(context.Background(), domain.TrackingNotification{UserID: "u_123", Event: "signup"})

	if !errors.Is(err, ErrRedisNotAvailable) {
		t.Errorf("expected ErrRedisNotAvailable, got %v", err)
	}
}

func TestDecodeNotification(t *testing.T) {
	tests := []struct {
		name    string
		msg     redis.XMessage
		wantErr bool
	}{
		{
			name: "Valid payload",
			msg:  redis.XMessage{ID: "1-0", Values: map[string]interface{}{"payload": `{"user_id":"u_1","event":"signup","properties":{"plan":"pro"}}`}},
		},
		{
			name:    "Missing payload",
			msg:     redis.XMessage{ID: "2-0", Values: map[string]interface{}{"other": "x"}},
			wantErr: true,
		},
		{
			name:    "Malformed JSON",
			msg:     redis.XMessage{ID: "3-0", Values: map[string]interface{}{"payload": `{"user_id":`}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, err := decodeNotification(tt.msg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("wantErr %v, got %v", tt.wantErr, err)
			}
			if !tt.wantErr && (n.StreamMessageID != tt.msg.ID || n.Event != "signup" || n.Properties["plan"] != "pro") {
				t.Errorf("unexpected notification %+v", n)
			}
		})
	}
}

func TestIsRedisBusyGroupError(t *testing.T) {
	if !isRedisBusyGroupError(errors.New("BUSYGROUP Consumer Group name already exists")) {
		t.Error("BUSYGROUP reply should be recognised")
	}
	if isRedisBusyGroupError(errors.New("ERR something else")) || isRedisBusyGroupError(nil) {
		t.Error("other errors are not BUSYGROUP")
	}
}

func TestNotificationQueue_ClaimStaleUnreachable(t *testing.T) {
	q := newOfflineQueue(nil, nil)

	claimed, err := q.ClaimStale(context.Background(), "group", "consumer", time.Minute, 10)

	if err == nil {
		t.Fatal("expected an error from an unreachable server")
	}
	if claimed != nil {
		t.Errorf("expected no notifications, got %d", len(claimed))
	}
}
