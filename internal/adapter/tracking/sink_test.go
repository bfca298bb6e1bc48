package tracking

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestSimulatedSink(t *testing.T) {
	tests := []struct {
		name    string
		rate    float64
		draw    float64
		wantErr bool
	}{
		{name: "No failure rate", rate: 0, draw: 0, wantErr: false},
		{name: "Draw below rate fails", rate: 0.5, draw: 0.1, wantErr: true},
		{name: "Draw above rate succeeds", rate: 0.5, draw: 0.9, wantErr: false},
		{name: "Always fail", rate: 1, draw: 0.99, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &SimulatedSink{FailureRate: tt.rate, Rand: func() float64 { return tt.draw }}
			err := s.Send(context.Background(), Segment, Payload{"event": "x"})
			if (err != nil) != tt.wantErr {
				t.Fatalf("Send() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrSimulatedFailure) {
				t.Errorf("expected ErrSimulatedFailure, got %v", err)
			}
		})
	}
}

func TestSimulatedSink_HonoursContext(t *testing.T) {
	s := &SimulatedSink{Latency: time.Second}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := s.Send(ctx, PostHog, Payload{})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Error("Send() did not return promptly on timeout")
	}
}

func TestHTTPSink(t *testing.T) {
	var got map[string]any
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("unexpected content type %q", r.Header.Get("Content-Type"))
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))
	defer ok.Close()

	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer failing.Close()

	if err := NewHTTPSink(ok.URL).Send(context.Background(), Mixpanel, Payload{"event": "signup"}); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if got["event"] != "signup" {
		t.Errorf("server received %v", got)
	}

	if err := NewHTTPSink(failing.URL).Send(context.Background(), Mixpanel, Payload{}); err == nil {
		t.Error("expected an error for a 502 response")
	}
}

func TestBuildRoutes(t *testing.T) {
	sim := &SimulatedSink{}
	routes := BuildRoutes(EndpointConfig{PostHog: "http://posthog.local/capture"}, sim)

	if len(routes) != len(Vendors) {
		t.Fatalf("expected %d routes, got %d", len(Vendors), len(routes))
	}
	for i, r := range routes {
		if r.Vendor != Vendors[i] {
			t.Errorf("route %d: got vendor %s, want %s", i, r.Vendor, Vendors[i])
		}
		_, isHTTP := r.Sink.(*HTTPSink)
		if isHTTP != (r.Vendor == PostHog) {
			t.Errorf("route %s: unexpected sink %T", r.Vendor, r.Sink)
		}
	}
}
