package domain

import (
	"context"
	"time"
)

// ConsumerGroupInfo represents information about a Redis Stream consumer group.
type ConsumerGroupInfo struct {
	Name            string `json:"name"`
	Consumers       int64  `json:"consumers"`
	Pending         int64  `json:"pending"`
	LastDeliveredID string `json:"last_delivered_id"`
}

// PendingMessageSummary provides a summary of pending messages for a consumer group.
type PendingMessageSummary struct {
	Total          int64            `json:"total"`
	FirstMessageID string           `json:"first_message_id,omitempty"`
	LastMessageID  string           `json:"last_message_id,omitempty"`
	ConsumerTotals map[string]int64 `json:"consumer_totals,omitempty"`
}

// PendingMessageDetail represents a detailed view of a single pending message.
type PendingMessageDetail struct {
	ID         string        `json:"id"`
	Consumer   string        `json:"consumer"`
	IdleTime   time.Duration `json:"idle_time_ms"`
	RetryCount int64         `json:"retry_count"`
}

// QueueStats is a point-in-time view of the notification queue.
type QueueStats struct {
	Stream    string                 `json:"stream"`
	Length    int64                  `json:"length"`
	DLQStream string                 `json:"dlq_stream"`
	DLQLength int64                  `json:"dlq_length"`
	Groups    []ConsumerGroupInfo    `json:"groups"`
	Pending   *PendingMessageSummary `json:"pending,omitempty"`
}

// QueueAdminRepository inspects and maintains the notification streams.
type QueueAdminRepository interface {
	StreamLength(ctx context.Context, stream string) (int64, error)
	GetGroupInfo(ctx context.Context, stream string) ([]ConsumerGroupInfo, error)
	GetPendingSummary(ctx context.Context, stream, group string) (*PendingMessageSummary, error)
	GetPendingMessages(ctx context.Context, stream, group, consumer, startID string, count int64) ([]PendingMessageDetail, error)
	TrimStream(ctx context.Context, stream string, maxLen int64) (int64, error)
}
