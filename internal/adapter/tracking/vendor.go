package tracking

import (
	"time"

	"github.com/V4T54L/event-intake/internal/domain"
)

const (
	libraryName    = "event-intake-service"
	libraryVersion = "1.0.0"
	mixpanelLib    = "go"
)

// Vendor identifies an analytics vendor. The set is closed: adding a vendor
// means adding a constant, a case in Transform and an entry in Vendors.
type Vendor string

const (
	Segment  Vendor = "segment"
	PostHog  Vendor = "posthog"
	Mixpanel Vendor = "mixpanel"
)

// Vendors lists every supported vendor in dispatch order.
var Vendors = []Vendor{Segment, PostHog, Mixpanel}

// Payload is a vendor-specific request body.
type Payload map[string]any

// Credentials are the static per-deployment vendor secrets.
type Credentials struct {
	SegmentWriteKey string
	PostHogAPIKey   string
	MixpanelToken   string
}

// Transform maps a notification into the vendor's payload shape. It is pure:
// the same notification and credentials always produce the same payload, and
// an unknown vendor yields an empty payload.
func (v Vendor) Transform(n domain.TrackingNotification, c Credentials) Payload {
	switch v {
	case Segment:
		return segmentPayload(n, c)
	case PostHog:
		return posthogPayload(n, c)
	case Mixpanel:
		return mixpanelPayload(n, c)
	default:
		return Payload{}
	}
}

func timestamp(n domain.TrackingNotification) string {
	return n.Timestamp.UTC().Format(time.RFC3339Nano)
}

// copyProps returns a shallow copy with room for extra keys.
func copyProps(props map[string]any, extra int) map[string]any {
	out := make(map[string]any, len(props)+extra)
	for k, v := range props {
		out[k] = v
	}
	return out
}

func segmentPayload(n domain.TrackingNotification, c Credentials) Payload {
	return Payload{
		"writeKey":   c.SegmentWriteKey,
		"type":       "track",
		"timestamp":  timestamp(n),
		"event":      n.Event,
		"userId":     n.UserID,
		"properties": copyProps(n.Properties, 0),
		"context": map[string]any{
			"library": map[string]any{
				"name":    libraryName,
				"version": libraryVersion,
			},
			"requestId": n.RequestID,
		},
	}
}

func posthogPayload(n domain.TrackingNotification, c Credentials) Payload {
	props := copyProps(n.Properties, 1)
	props["distinct_id"] = n.UserID
	return Payload{
		"api_key":     c.PostHogAPIKey,
		"event":       n.Event,
		"distinct_id": n.UserID,
		"properties":  props,
		"timestamp":   timestamp(n),
	}
}

// mixpanelPayload sets reserved keys after the metadata so client input
// cannot override the token, identity or time.
func mixpanelPayload(n domain.TrackingNotification, c Credentials) Payload {
	props := copyProps(n.Properties, 4)
	props["token"] = c.MixpanelToken
	props["distinct_id"] = n.UserID
	props["time"] = n.Timestamp.Unix()
	props["mp_lib"] = mixpanelLib
	return Payload{
		"event":      n.Event,
		"properties": props,
	}
}
