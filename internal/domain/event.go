package domain

import (
	"encoding/json"
	"time"
)

// Event is the canonical, immutable record of an accepted user behavior event.
type Event struct {
	ID         string          `json:"id"`
	ReceivedAt time.Time       `json:"received_at"`
	ClientTS   time.Time       `json:"client_ts"`
	Event      string          `json:"event"`
	UserID     string          `json:"user_id"`
	Metadata   json.RawMessage `json:"metadata"`
	RequestID  string          `json:"request_id"`
}

// EventDraft is a validated submission that has not been assigned an identity yet.
type EventDraft struct {
	Event     string
	UserID    string
	ClientTS  time.Time
	Metadata  map[string]any
	RequestID string // caller supplied, validated but never persisted
}

// TrackingNotification is derived 1:1 from an accepted Event and only lives
// for the duration of the vendor fan-out.
type TrackingNotification struct {
	UserID     string         `json:"user_id"`
	Event      string         `json:"event"`
	Properties map[string]any `json:"properties"`
	RequestID  string         `json:"request_id"`
	Timestamp  time.Time      `json:"timestamp"`

	// StreamMessageID is set when the notification was read from a queue.
	StreamMessageID string `json:"-"`
}

// NewTrackingNotification builds the notification for an accepted event.
// Metadata keys are copied first so the ingestion context keys cannot be
// shadowed by client input.
func NewTrackingNotification(e Event) TrackingNotification {
	props := make(map[string]any)
	if len(e.Metadata) > 0 {
		var md map[string]any
		if err := json.Unmarshal(e.Metadata, &md); err == nil {
			for k, v := range md {
				props[k] = v
			}
		}
	}
	props["event_id"] = e.ID
	props["client_ts"] = e.ClientTS.UTC().Format(time.RFC3339Nano)

	return TrackingNotification{
		UserID:     e.UserID,
		Event:      e.Event,
		Properties: props,
		RequestID:  e.RequestID,
		Timestamp:  e.ReceivedAt,
	}
}
