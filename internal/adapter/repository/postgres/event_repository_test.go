package postgres

import (
	"errors"
	"strings"
	"testing"

	"github.com/lib/pq"
)

func TestWrapErr(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		wantMissing bool
	}{
		{
			name:        "Undefined table",
			err:         &pq.Error{Code: "42P01", Message: `relation "events" does not exist`},
			wantMissing: true,
		},
		{
			name: "Other postgres error",
			err:  &pq.Error{Code: "23505", Message: "duplicate key"},
		},
		{
			name: "Plain error",
			err:  errors.New("connection refused"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := wrapErr(tt.err, "insert event")
			if errors.Is(got, ErrSchemaMissing) != tt.wantMissing {
				t.Errorf("errors.Is(ErrSchemaMissing) mismatch, want %v (err: %v)", tt.wantMissing, got)
			}
			if !tt.wantMissing && !errors.Is(got, tt.err) {
				t.Errorf("expected wrapped error to unwrap to the original, got %v", got)
			}
		})
	}
}

func TestSchema_ColumnTypes(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{name: "Metadata keeps bytes verbatim", want: "metadata    JSON NOT NULL DEFAULT '{}'::json,"},
		{name: "Request id fits the field bound", want: "request_id  VARCHAR(64) NOT NULL"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !strings.Contains(schema, tt.want) {
				t.Errorf("expected schema to contain %q", tt.want)
			}
		})
	}

	if strings.Contains(strings.ToUpper(schema), "JSONB") {
		t.Error("metadata must not be JSONB, it drops NUL escapes and reorders keys")
	}
}
