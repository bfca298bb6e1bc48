package tracking

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"time"
)

// ErrSimulatedFailure is returned by SimulatedSink when a failure is drawn.
var ErrSimulatedFailure = errors.New("simulated network error")

// Sink delivers a payload to a vendor. Implementations must honour ctx.
type Sink interface {
	Send(ctx context.Context, vendor Vendor, payload Payload) error
}

// Route pairs a vendor with the sink its payloads are delivered to.
type Route struct {
	Vendor Vendor
	Sink   Sink
}

// SimulatedSink stands in for a vendor API: it waits Latency and fails with
// probability FailureRate.
type SimulatedSink struct {
	Latency     time.Duration
	FailureRate float64
	Logger      *slog.Logger

	// Rand returns a value in [0,1); defaults to math/rand.
	Rand func() float64
}

// NewSimulatedSink creates a sink with the default 10ms latency.
func NewSimulatedSink(failureRate float64, logger *slog.Logger) *SimulatedSink {
	return &SimulatedSink{
		Latency:     10 * time.Millisecond,
		FailureRate: failureRate,
		Logger:      logger,
	}
}

func (s *SimulatedSink) Send(ctx context.Context, vendor Vendor, payload Payload) error {
	if s.Logger != nil {
		s.Logger.Debug("Sending event to vendor", "vendor", vendor, "event", payload["event"])
	}

	timer := time.NewTimer(s.Latency)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		return fmt.Errorf("send to %s: %w", vendor, ctx.Err())
	}

	draw := rand.Float64
	if s.Rand != nil {
		draw = s.Rand
	}
	if s.FailureRate > 0 && draw() < s.FailureRate {
		return fmt.Errorf("send to %s: %w", vendor, ErrSimulatedFailure)
	}
	return nil
}

// HTTPSink POSTs the JSON payload to a vendor endpoint.
type HTTPSink struct {
	Endpoint string
	Client   *http.Client
}

// NewHTTPSink creates a sink for endpoint. Timeouts come from the request context.
func NewHTTPSink(endpoint string) *HTTPSink {
	return &HTTPSink{Endpoint: endpoint, Client: &http.Client{}}
}

func (s *HTTPSink) Send(ctx context.Context, vendor Vendor, payload Payload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", vendor, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.Endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build %s request: %w", vendor, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.Client.Do(req)
	if err != nil {
		return fmt.Errorf("send to %s: %w", vendor, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("send to %s: unexpected status %d", vendor, resp.StatusCode)
	}
	return nil
}

// EndpointConfig selects an HTTP endpoint per vendor; empty means simulated.
type EndpointConfig map[Vendor]string

// BuildRoutes returns one route per supported vendor, using an HTTPSink when
// an endpoint is configured and the simulated sink otherwise.
func BuildRoutes(endpoints EndpointConfig, simulated Sink) []Route {
	routes := make([]Route, 0, len(Vendors))
	for _, v := range Vendors {
		var sink Sink = simulated
		if ep := endpoints[v]; ep != "" {
			sink = NewHTTPSink(ep)
		}
		routes = append(routes, Route{Vendor: v, Sink: sink})
	}
	return routes
}
