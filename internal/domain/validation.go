package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"
)

// Validation constraints.
const (
	MinFieldLen      = 3
	MaxFieldLen      = 64
	MaxMetadataBytes = 2048
)

// naive ISO-8601 layouts are interpreted as UTC.
var clientTSLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// ValidationError aggregates every invalid field of a submission.
type ValidationError struct {
	Fields map[string][]string `json:"details"`
}

// Add records a reason against a field.
func (e *ValidationError) Add(field, reason string) {
	if e.Fields == nil {
		e.Fields = make(map[string][]string)
	}
	e.Fields[field] = append(e.Fields[field], reason)
}

// Empty reports whether no field failed.
func (e *ValidationError) Empty() bool { return e == nil || len(e.Fields) == 0 }

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %s", k, strings.Join(e.Fields[k], ", ")))
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// Validate checks and normalizes a decoded submission body.
// now is the service clock and becomes client_ts when the caller omitted it.
// The returned error is nil when the draft is valid.
func Validate(in map[string]any, now time.Time) (EventDraft, *ValidationError) {
	verr := &ValidationError{}
	var draft EventDraft

	draft.Event = requiredString(in, "event", verr)
	draft.UserID = requiredString(in, "user_id", verr)

	if raw, ok := in["request_id"]; ok && raw != nil {
		if s, ok := raw.(string); !ok {
			verr.Add("request_id", "must be a string")
		} else {
			draft.RequestID = checkLength(strings.TrimSpace(s), "request_id", verr)
		}
	}

	draft.ClientTS = now.UTC()
	if raw, ok := in["client_ts"]; ok && raw != nil {
		ts, err := parseClientTS(raw)
		if err != nil {
			verr.Add("client_ts", err.Error())
		} else {
			draft.ClientTS = ts
		}
	}

	draft.Metadata = map[string]any{}
	if raw, ok := in["metadata"]; ok && raw != nil {
		md, ok := raw.(map[string]any)
		if !ok {
			verr.Add("metadata", "must be a JSON object")
		} else if size, err := MetadataSize(md); err != nil {
			verr.Add("metadata", "must be JSON serializable")
		} else if size > MaxMetadataBytes {
			verr.Add("metadata", fmt.Sprintf("exceeds %d byte limit when serialized (%d bytes)", MaxMetadataBytes, size))
		} else {
			draft.Metadata = md
		}
	}

	if !verr.Empty() {
		return EventDraft{}, verr
	}
	return draft, nil
}

// MetadataSize returns the size of the compact JSON encoding of metadata.
func MetadataSize(md map[string]any) (int, error) {
	b, err := EncodeMetadata(md)
	if err != nil {
		return 0, err
	}
	return len(b), nil
}

// EncodeMetadata serializes metadata as compact JSON without HTML escaping.
func EncodeMetadata(md map[string]any) (json.RawMessage, error) {
	if md == nil {
		md = map[string]any{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(md); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func requiredString(in map[string]any, field string, verr *ValidationError) string {
	raw, ok := in[field]
	if !ok || raw == nil {
		verr.Add(field, "field is required")
		return ""
	}
	s, ok := raw.(string)
	if !ok {
		verr.Add(field, "must be a string")
		return ""
	}
	s = strings.TrimSpace(s)
	if s == "" {
		verr.Add(field, "may not be blank")
		return ""
	}
	return checkLength(s, field, verr)
}

func checkLength(s, field string, verr *ValidationError) string {
	n := utf8.RuneCountInString(s)
	switch {
	case n < MinFieldLen:
		verr.Add(field, fmt.Sprintf("must be at least %d characters", MinFieldLen))
	case n > MaxFieldLen:
		verr.Add(field, fmt.Sprintf("must be at most %d characters", MaxFieldLen))
	}
	return s
}

func parseClientTS(raw any) (time.Time, error) {
	s, ok := raw.(string)
	if !ok {
		return time.Time{}, fmt.Errorf("must be an ISO-8601 timestamp string")
	}
	s = strings.TrimSpace(s)
	for _, layout := range clientTSLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("must be an ISO-8601 timestamp")
}
