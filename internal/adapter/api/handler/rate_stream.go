package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// RateMessage is pushed to every stream subscriber once per interval.
type RateMessage struct {
	AcceptedPerSec float64 `json:"accepted_per_sec"`
	RejectedPerSec float64 `json:"rejected_per_sec"`
}

type outcome struct {
	accepted bool
}

// RateBroker streams the submission rate over server-sent events.
type RateBroker struct {
	logger   *slog.Logger
	clients  map[chan []byte]struct{}
	mu       sync.RWMutex
	outcomes chan outcome
	interval time.Duration
}

// NewRateBroker creates a RateBroker and starts its processing loop, which
// stops when ctx is done.
func NewRateBroker(ctx context.Context, logger *slog.Logger, interval time.Duration) *RateBroker {
	if interval <= 0 {
		interval = time.Second
	}
	broker := &RateBroker{
		logger:   logger.With("component", "rate_stream"),
		clients:  make(map[chan []byte]struct{}),
		outcomes: make(chan outcome, 1000),
		interval: interval,
	}
	go broker.run(ctx)
	return broker
}

// ServeHTTP handles new client connections for the SSE stream.
func (b *RateBroker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported!", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	messageChan := make(chan []byte, 8)
	b.addClient(messageChan)
	defer b.removeClient(messageChan)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-messageChan:
			fmt.Fprintf(w, "data: %s\n\n", msg)
			flusher.Flush()
		}
	}
}

// Report records one submission outcome. It never blocks the request path.
func (b *RateBroker) Report(accepted bool) {
	select {
	case b.outcomes <- outcome{accepted: accepted}:
	default:
		b.logger.Warn("rate stream outcome channel is full, dropping report")
	}
}

// Clients returns the number of connected subscribers.
func (b *RateBroker) Clients() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

func (b *RateBroker) addClient(client chan []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.clients[client] = struct{}{}
	b.logger.Info("rate stream client connected")
}

func (b *RateBroker) removeClient(client chan []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.clients, client)
	b.logger.Info("rate stream client disconnected")
}

func (b *RateBroker) broadcast(msg []byte) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for client := range b.clients {
		select {
		case client <- msg:
		default:
			// slow subscriber, skip this tick
		}
	}
}

func (b *RateBroker) run(ctx context.Context) {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	var accepted, rejected int
	last := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case o := <-b.outcomes:
			if o.accepted {
				accepted++
			} else {
				rejected++
			}
		case now := <-ticker.C:
			elapsed := now.Sub(last).Seconds()
			if elapsed <= 0 {
				continue
			}
			msg, err := json.Marshal(RateMessage{
				AcceptedPerSec: float64(accepted) / elapsed,
				RejectedPerSec: float64(rejected) / elapsed,
			})
			if err != nil {
				b.logger.Error("failed to marshal rate message", "error", err)
				continue
			}
			b.broadcast(msg)

			last = now
			accepted, rejected = 0, 0
		}
	}
}
