package pii

import (
	"log/slog"
)

const RedactedPlaceholder = "[REDACTED]"

// Redactor masks sensitive keys in notification properties before they are
// handed to third-party vendors. Stored events keep the original metadata.
type Redactor struct {
	fieldsToRedact map[string]struct{} // Use a map for O(1) lookups
	logger         *slog.Logger
}

// NewRedactor creates a new Redactor instance with a given set of fields to redact.
func NewRedactor(fields []string, logger *slog.Logger) *Redactor {
	fieldSet := make(map[string]struct{}, len(fields))
	for _, field := range fields {
		if field == "" {
			continue
		}
		fieldSet[field] = struct{}{}
	}
	return &Redactor{
		fieldsToRedact: fieldSet,
		logger:         logger,
	}
}

// Redact returns a copy of props with sensitive top-level keys replaced by
// the placeholder, and whether anything was replaced. props is not modified.
func (r *Redactor) Redact(props map[string]any) (map[string]any, bool) {
	if r == nil || len(r.fieldsToRedact) == 0 || len(props) == 0 {
		return props, false
	}

	out := make(map[string]any, len(props))
	redacted := false
	for k, v := range props {
		if _, ok := r.fieldsToRedact[k]; ok {
			out[k] = RedactedPlaceholder
			redacted = true
			continue
		}
		out[k] = v
	}
	if redacted && r.logger != nil {
		r.logger.Debug("redacted sensitive properties before fan-out")
	}
	return out, redacted
}
