package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"github.com/V4T54L/event-intake/internal/adapter/metrics"
	"github.com/V4T54L/event-intake/internal/domain"
	"github.com/redis/go-redis/v9"
)

// ErrRedisNotAvailable is returned by Publish when Redis is down and no WAL
// is configured to spool the notification.
var ErrRedisNotAvailable = errors.New("redis is unavailable and WAL is not configured")

const readBlock = 2 * time.Second

// NotificationQueue implements domain.NotificationQueue on a Redis Stream.
// While Redis is unreachable, published notifications are spooled to the WAL
// and replayed once the health check sees Redis again.
type NotificationQueue struct {
	client       *redis.Client
	logger       *slog.Logger
	wal          domain.WALRepository
	metrics      *metrics.IngestMetrics
	streamKey    string
	dlqStreamKey string
	isAvailable  atomic.Bool
}

// NewNotificationQueue creates a Redis-backed queue. The WAL and metrics are
// optional; the dispatcher worker runs without a WAL.
func NewNotificationQueue(client *redis.Client, logger *slog.Logger, streamKey, dlqStreamKey, group string, wal domain.WALRepository, m *metrics.IngestMetrics) *NotificationQueue {
	q := &NotificationQueue{
		client:       client,
		logger:       logger.With("component", "notification_queue"),
		wal:          wal,
		metrics:      m,
		streamKey:    streamKey,
		dlqStreamKey: dlqStreamKey,
	}
	q.setAvailable(true)

	if group != "" {
		if err := q.setupConsumerGroup(context.Background(), group); err != nil {
			q.setAvailable(false)
			q.logger.Error("Failed to setup consumer group, Redis may be unavailable on startup", "error", err)
		}
	}
	return q
}

// StartHealthCheck pings Redis every interval until ctx is done. On recovery
// it replays the WAL before accepting direct writes again.
func (q *NotificationQueue) StartHealthCheck(ctx context.Context, interval time.Duration) {
	if q.wal == nil {
		q.logger.Info("WAL is not configured, skipping health check/replayer")
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	q.logger.Info("Starting Redis health check and WAL replayer", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			q.logger.Info("Stopping Redis health check")
			return
		case <-ticker.C:
			if err := q.client.Ping(ctx).Err(); err != nil {
				if q.isAvailable.Load() {
					q.logger.Error("Redis connection lost", "error", err)
					q.setAvailable(false)
				}
				continue
			}
			if !q.isAvailable.Load() {
				q.logger.Info("Redis connection recovered")
				if err := q.ReplayWAL(ctx); err != nil {
					q.logger.Error("Failed to replay WAL after Redis recovery", "error", err)
					continue
				}
				q.setAvailable(true)
			}
		}
	}
}

// ReplayWAL moves spooled notifications into the stream and truncates the WAL.
func (q *NotificationQueue) ReplayWAL(ctx context.Context) error {
	if q.wal == nil {
		return nil
	}
	if err := q.wal.Replay(ctx, func(n domain.TrackingNotification) error {
		return q.add(ctx, n)
	}); err != nil {
		return fmt.Errorf("WAL replay failed: %w", err)
	}
	if err := q.wal.Truncate(ctx); err != nil {
		return fmt.Errorf("failed to truncate WAL after successful replay: %w", err)
	}
	return nil
}

func (q *NotificationQueue) setupConsumerGroup(ctx context.Context, group string) error {
	err := q.client.XGroupCreateMkStream(ctx, q.streamKey, group, "0").Err()
	if err != nil && !isRedisBusyGroupError(err) {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}
	return nil
}

// Publish adds a notification to the stream, falling back to the WAL when
// Redis is unavailable.
func (q *NotificationQueue) Publish(ctx context.Context, n domain.TrackingNotification) error {
	if !q.isAvailable.Load() {
		return q.spool(ctx, n)
	}

	err := q.add(ctx, n)
	if err == nil {
		return nil
	}
	if !isNetworkError(err) {
		return err
	}
	if q.isAvailable.Load() {
		q.logger.Error("Redis connection lost during write", "error", err)
	}
	q.setAvailable(false)
	return q.spool(ctx, n)
}

func (q *NotificationQueue) spool(ctx context.Context, n domain.TrackingNotification) error {
	if q.wal == nil {
		return ErrRedisNotAvailable
	}
	q.logger.Warn("Redis is unavailable, writing notification to WAL", "event_id", n.Properties["event_id"])
	return q.wal.Write(ctx, n)
}

func (q *NotificationQueue) add(ctx context.Context, n domain.TrackingNotification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}
	args := &redis.XAddArgs{
		Stream: q.streamKey,
		Values: map[string]interface{}{"payload": payload},
	}
	if err := q.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("failed to XADD to redis stream: %w", err)
	}
	return nil
}

// ReadBatch reads up to count new notifications for consumer in group. It
// blocks for a short while when the stream is empty.
func (q *NotificationQueue) ReadBatch(ctx context.Context, group, consumer string, count int) ([]domain.TrackingNotification, error) {
	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{q.streamKey, ">"},
		Count:    int64(count),
		Block:    readBlock,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to XREADGROUP from redis: %w", err)
	}
	if len(streams) == 0 {
		return nil, nil
	}

	return q.decodeBatch(ctx, group, streams[0].Messages), nil
}

// ClaimStale moves entries that stayed pending for at least minIdle to
// consumer and returns them. Entries of a crashed dispatcher, or of a batch
// whose ack or DLQ write failed, are picked up this way.
func (q *NotificationQueue) ClaimStale(ctx context.Context, group, consumer string, minIdle time.Duration, count int) ([]domain.TrackingNotification, error) {
	messages, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.streamKey,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    int64(count),
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to XAUTOCLAIM stale entries: %w", err)
	}
	if len(messages) > 0 {
		q.logger.Info("Claimed stale stream entries", "count", len(messages), "consumer", consumer)
	}
	return q.decodeBatch(ctx, group, messages), nil
}

func (q *NotificationQueue) decodeBatch(ctx context.Context, group string, messages []redis.XMessage) []domain.TrackingNotification {
	out := make([]domain.TrackingNotification, 0, len(messages))
	for _, msg := range messages {
		n, err := decodeNotification(msg)
		if err != nil {
			// Undecodable entries would be redelivered forever; ack and drop.
			q.logger.Warn("Dropping malformed stream entry", "message_id", msg.ID, "error", err)
			if ackErr := q.client.XAck(ctx, q.streamKey, group, msg.ID).Err(); ackErr != nil {
				q.logger.Error("Failed to ack malformed stream entry", "message_id", msg.ID, "error", ackErr)
			}
			continue
		}
		out = append(out, n)
	}
	return out
}

func decodeNotification(msg redis.XMessage) (domain.TrackingNotification, error) {
	var n domain.TrackingNotification
	payload, ok := msg.Values["payload"].(string)
	if !ok {
		return n, errors.New("missing payload field")
	}
	if err := json.Unmarshal([]byte(payload), &n); err != nil {
		return n, err
	}
	n.StreamMessageID = msg.ID
	return n, nil
}

// Acknowledge marks messages of group as processed.
func (q *NotificationQueue) Acknowledge(ctx context.Context, group string, messageIDs ...string) error {
	if len(messageIDs) == 0 {
		return nil
	}
	if err := q.client.XAck(ctx, q.streamKey, group, messageIDs...).Err(); err != nil {
		return fmt.Errorf("failed to XACK messages in redis: %w", err)
	}
	return nil
}

// MoveToDLQ copies notifications to the dead-letter stream in one pipeline.
func (q *NotificationQueue) MoveToDLQ(ctx context.Context, notifications []domain.TrackingNotification) error {
	if len(notifications) == 0 {
		return nil
	}

	failedAt := time.Now().UTC().Format(time.RFC3339)
	pipe := q.client.Pipeline()
	for _, n := range notifications {
		payload, err := json.Marshal(n)
		if err != nil {
			q.logger.Error("Failed to marshal notification for DLQ", "message_id", n.StreamMessageID, "error", err)
			continue
		}
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: q.dlqStreamKey,
			Values: map[string]interface{}{
				"payload":         payload,
				"original_stream": q.streamKey,
				"original_msg_id": n.StreamMessageID,
				"failed_at":       failedAt,
			},
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to execute DLQ pipeline: %w", err)
	}
	q.logger.Warn("Moved notifications to DLQ", "count", len(notifications))
	return nil
}

// Available reports whether writes currently go to Redis rather than the WAL.
func (q *NotificationQueue) Available() bool {
	return q.isAvailable.Load()
}

func (q *NotificationQueue) setAvailable(ok bool) {
	q.isAvailable.Store(ok)
	if q.metrics == nil || q.wal == nil {
		return
	}
	if ok {
		q.metrics.WALActive.Set(0)
	} else {
		q.metrics.WALActive.Set(1)
	}
}

func isRedisBusyGroupError(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP")
}

func isNetworkError(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) || errors.Is(err, redis.ErrClosed) || errors.Is(err, context.DeadlineExceeded)
}
