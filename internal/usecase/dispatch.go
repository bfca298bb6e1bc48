package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/V4T54L/event-intake/internal/adapter/metrics"
	"github.com/V4T54L/event-intake/internal/adapter/tracking"
	"github.com/V4T54L/event-intake/internal/domain"
)

const defaultVendorTimeout = 2 * time.Second

// VendorResult is the outcome of one vendor send.
type VendorResult struct {
	Vendor   tracking.Vendor
	Err      error
	Duration time.Duration
}

// DispatchReport records the per-vendor outcome of a fan-out. Results are in
// route order.
type DispatchReport struct {
	Results []VendorResult
}

// Failed returns the vendors whose send failed.
func (r DispatchReport) Failed() []tracking.Vendor {
	var out []tracking.Vendor
	for _, res := range r.Results {
		if res.Err != nil {
			out = append(out, res.Vendor)
		}
	}
	return out
}

// AllFailed reports whether at least one vendor was attempted and none succeeded.
func (r DispatchReport) AllFailed() bool {
	return len(r.Results) > 0 && len(r.Failed()) == len(r.Results)
}

// DispatchUseCase fans a tracking notification out to every configured vendor.
// Dispatch never returns an error: per-vendor failures land in the report.
type DispatchUseCase struct {
	routes  []tracking.Route
	creds   tracking.Credentials
	timeout time.Duration
	enabled bool
	metrics *metrics.IngestMetrics
	logger  *slog.Logger
}

// NewDispatchUseCase creates a dispatcher over routes. A non-positive timeout
// falls back to two seconds.
func NewDispatchUseCase(routes []tracking.Route, creds tracking.Credentials, timeout time.Duration, enabled bool, m *metrics.IngestMetrics, logger *slog.Logger) *DispatchUseCase {
	if timeout <= 0 {
		timeout = defaultVendorTimeout
	}
	return &DispatchUseCase{
		routes:  routes,
		creds:   creds,
		timeout: timeout,
		enabled: enabled,
		metrics: m,
		logger:  logger.With("component", "dispatcher"),
	}
}

// Publish satisfies domain.NotificationPublisher for the synchronous dispatch
// mode. It never fails.
func (uc *DispatchUseCase) Publish(ctx context.Context, n domain.TrackingNotification) error {
	uc.Dispatch(ctx, n)
	return nil
}

// Dispatch sends n to all vendors concurrently and waits for every send to
// finish or time out.
func (uc *DispatchUseCase) Dispatch(ctx context.Context, n domain.TrackingNotification) DispatchReport {
	if !uc.enabled {
		return DispatchReport{}
	}
	if n.UserID == "" || n.Event == "" {
		uc.logger.Warn("skipping tracking notification without user or event", "request_id", n.RequestID)
		return DispatchReport{}
	}

	report := DispatchReport{Results: make([]VendorResult, len(uc.routes))}
	var wg sync.WaitGroup
	for i, route := range uc.routes {
		wg.Add(1)
		go func(i int, route tracking.Route) {
			defer wg.Done()
			report.Results[i] = uc.send(ctx, route, n)
		}(i, route)
	}
	wg.Wait()

	if failed := report.Failed(); len(failed) > 0 {
		uc.logger.Warn("tracking fan-out finished with failures",
			"event", n.Event, "user_id", n.UserID, "request_id", n.RequestID,
			"failed", failed, "attempted", len(report.Results))
	}
	return report
}

func (uc *DispatchUseCase) send(ctx context.Context, route tracking.Route, n domain.TrackingNotification) (res VendorResult) {
	res.Vendor = route.Vendor
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			res.Err = fmt.Errorf("send to %s panicked: %v", route.Vendor, r)
		}
		res.Duration = time.Since(start)
		uc.observe(res, n)
	}()

	payload := route.Vendor.Transform(n, uc.creds)
	uc.logger.Info("TRACK", "vendor", route.Vendor, "payload", payload)

	if route.Sink == nil {
		res.Err = errors.New("no sink configured")
		return res
	}

	sendCtx, cancel := context.WithTimeout(ctx, uc.timeout)
	defer cancel()
	res.Err = route.Sink.Send(sendCtx, route.Vendor, payload)
	return res
}

func (uc *DispatchUseCase) observe(res VendorResult, n domain.TrackingNotification) {
	status := "ok"
	if res.Err != nil {
		status = "error"
		uc.logger.Error("failed to send tracking event",
			"vendor", res.Vendor, "event", n.Event, "request_id", n.RequestID, "error", res.Err)
	}
	if uc.metrics != nil {
		uc.metrics.DispatchTotal.WithLabelValues(string(res.Vendor), status).Inc()
		uc.metrics.DispatchDuration.WithLabelValues(string(res.Vendor)).Observe(res.Duration.Seconds())
	}
}
