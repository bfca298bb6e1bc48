package domain

import (
	"context"
	"errors"
	"time"
)

// ErrEventNotFound is returned by EventStore.Get for unknown ids.
var ErrEventNotFound = errors.New("event not found")

// EventStore is the durable, keyed storage for accepted events.
// Implementations must provide read-your-writes: a Put that returned is
// visible to any later Get or List call.
type EventStore interface {
	// Put upserts an event keyed by its ID.
	Put(ctx context.Context, event Event) error

	// Get returns the event with the given ID or ErrEventNotFound.
	Get(ctx context.Context, id string) (Event, error)

	// ListByUser returns a user's events, most recent first.
	// A limit <= 0 returns every event of the user.
	ListByUser(ctx context.Context, userID string, limit int) ([]Event, error)

	// ListRecent returns the most recent events across all users, most recent first.
	ListRecent(ctx context.Context, limit int) ([]Event, error)

	// DeleteByUser removes all events of a user and returns how many were removed.
	DeleteByUser(ctx context.Context, userID string) (int64, error)

	// DeleteAll removes every event and returns how many were removed.
	DeleteAll(ctx context.Context) (int64, error)

	// Count returns the number of stored events.
	Count(ctx context.Context) (int64, error)
}

// NotificationPublisher hands an accepted event's notification to the fan-out.
// It is only ever called after the event has been committed.
type NotificationPublisher interface {
	Publish(ctx context.Context, n TrackingNotification) error
}

// NotificationQueue buffers notifications for an out-of-process dispatcher.
type NotificationQueue interface {
	NotificationPublisher

	// ReadBatch reads a batch of notifications for a consumer of a group.
	ReadBatch(ctx context.Context, group, consumer string, count int) ([]TrackingNotification, error)

	// ClaimStale takes over notifications of group that were delivered but
	// not acknowledged for at least minIdle, whichever consumer held them.
	ClaimStale(ctx context.Context, group, consumer string, minIdle time.Duration, count int) ([]TrackingNotification, error)

	// Acknowledge marks notifications as processed.
	Acknowledge(ctx context.Context, group string, messageIDs ...string) error

	// MoveToDLQ parks notifications nobody could take delivery of.
	MoveToDLQ(ctx context.Context, notifications []TrackingNotification) error
}

// WALRepository defines the interface for the Write-Ahead Log failover mechanism.
type WALRepository interface {
	// Write appends a notification to the local WAL file.
	Write(ctx context.Context, n TrackingNotification) error

	// Replay reads notifications from the WAL and sends them to a handler function.
	// The handler is responsible for re-buffering the notification (e.g., to Redis).
	Replay(ctx context.Context, handler func(n TrackingNotification) error) error

	// Truncate removes WAL segments that have been successfully replayed.
	Truncate(ctx context.Context) error
}
