package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/V4T54L/event-intake/internal/domain"
	"github.com/redis/go-redis/v9"
)

// AdminRepository implements domain.QueueAdminRepository for Redis.
type AdminRepository struct {
	client *redis.Client
	logger *slog.Logger
}

// NewAdminRepository creates a new Redis admin repository.
func NewAdminRepository(client *redis.Client, logger *slog.Logger) *AdminRepository {
	return &AdminRepository{
		client: client,
		logger: logger.With("component", "queue_admin"),
	}
}

// StreamLength returns the number of entries in stream; a missing stream is empty.
func (r *AdminRepository) StreamLength(ctx context.Context, stream string) (int64, error) {
	n, err := r.client.XLen(ctx, stream).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, fmt.Errorf("failed to get length of stream %s: %w", stream, err)
	}
	return n, nil
}

// GetGroupInfo retrieves information about all consumer groups for a given stream.
func (r *AdminRepository) GetGroupInfo(ctx context.Context, stream string) ([]domain.ConsumerGroupInfo, error) {
	groups, err := r.client.XInfoGroups(ctx, stream).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get group info for stream %s: %w", stream, err)
	}

	result := make([]domain.ConsumerGroupInfo, len(groups))
	for i, g := range groups {
		result[i] = domain.ConsumerGroupInfo{
			Name:            g.Name,
			Consumers:       g.Consumers,
			Pending:         g.Pending,
			LastDeliveredID: g.LastDeliveredID,
		}
	}
	return result, nil
}

// GetPendingSummary retrieves a summary of pending messages for a group.
func (r *AdminRepository) GetPendingSummary(ctx context.Context, stream, group string) (*domain.PendingMessageSummary, error) {
	pending, err := r.client.XPending(ctx, stream, group).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get pending summary for stream %s, group %s: %w", stream, group, err)
	}

	return pendingSummary(pending), nil
}

func pendingSummary(p *redis.XPending) *domain.PendingMessageSummary {
	return &domain.PendingMessageSummary{
		Total:          p.Count,
		FirstMessageID: p.Lower,
		LastMessageID:  p.Higher,
		ConsumerTotals: p.Consumers,
	}
}

// GetPendingMessages lists pending entries starting at startID, optionally
// for a single consumer.
func (r *AdminRepository) GetPendingMessages(ctx context.Context, stream, group, consumer, startID string, count int64) ([]domain.PendingMessageDetail, error) {
	messages, err := r.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream:   stream,
		Group:    group,
		Start:    startID,
		End:      "+",
		Count:    count,
		Consumer: consumer,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get pending messages: %w", err)
	}

	result := make([]domain.PendingMessageDetail, len(messages))
	for i, m := range messages {
		result[i] = domain.PendingMessageDetail{
			ID:         m.ID,
			Consumer:   m.Consumer,
			IdleTime:   m.Idle,
			RetryCount: m.RetryCount,
		}
	}
	return result, nil
}

// TrimStream trims a stream to a maximum length and returns how many entries were removed.
func (r *AdminRepository) TrimStream(ctx context.Context, stream string, maxLen int64) (int64, error) {
	n, err := r.client.XTrimMaxLen(ctx, stream, maxLen).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to trim stream %s: %w", stream, err)
	}
	r.logger.Info("Trimmed stream", "stream", stream, "max_len", maxLen, "removed", n)
	return n, nil
}
