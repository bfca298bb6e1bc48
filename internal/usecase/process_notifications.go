package usecase

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/V4T54L/event-intake/internal/domain"
)

const (
	defaultBatchSize   = 100
	defaultConcurrency = 8
	defaultClaimIdle   = 30 * time.Second
)

// Dispatcher fans out a single notification. *DispatchUseCase satisfies it.
type Dispatcher interface {
	Dispatch(ctx context.Context, n domain.TrackingNotification) DispatchReport
}

// ProcessNotificationsUseCase drains the notification queue: it reads a batch,
// dispatches every notification, parks the ones no vendor accepted in the DLQ
// and acknowledges the batch. Entries left unacknowledged for claimIdle are
// claimed and dispatched again before new ones are read.
type ProcessNotificationsUseCase struct {
	queue       domain.NotificationQueue
	dispatcher  Dispatcher
	logger      *slog.Logger
	group       string
	consumer    string
	batchSize   int
	concurrency int
	claimIdle   time.Duration
}

// NewProcessNotificationsUseCase creates the queue worker use case.
func NewProcessNotificationsUseCase(queue domain.NotificationQueue, dispatcher Dispatcher, logger *slog.Logger, group, consumer string, batchSize, concurrency int, claimIdle time.Duration) *ProcessNotificationsUseCase {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	if claimIdle <= 0 {
		claimIdle = defaultClaimIdle
	}
	return &ProcessNotificationsUseCase{
		queue:       queue,
		dispatcher:  dispatcher,
		logger:      logger.With("component", "notification_worker"),
		group:       group,
		consumer:    consumer,
		batchSize:   batchSize,
		concurrency: concurrency,
		claimIdle:   claimIdle,
	}
}

// ProcessBatch handles one batch and returns how many notifications it took
// off the queue.
func (uc *ProcessNotificationsUseCase) ProcessBatch(ctx context.Context) (int, error) {
	batch, err := uc.queue.ClaimStale(ctx, uc.group, uc.consumer, uc.claimIdle, uc.batchSize)
	if err != nil {
		uc.logger.Warn("failed to claim stale notifications", "error", err)
	}
	if len(batch) == 0 {
		batch, err = uc.queue.ReadBatch(ctx, uc.group, uc.consumer, uc.batchSize)
		if err != nil {
			uc.logger.Error("failed to read notification batch", "error", err)
			return 0, err
		}
	}
	if len(batch) == 0 {
		return 0, nil
	}
	uc.logger.Debug("read batch of notifications", "count", len(batch))

	reports := make([]DispatchReport, len(batch))
	sem := make(chan struct{}, uc.concurrency)
	var wg sync.WaitGroup
	for i := range batch {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()
			reports[i] = uc.dispatcher.Dispatch(ctx, batch[i])
		}(i)
	}
	wg.Wait()

	var dead []domain.TrackingNotification
	for i, report := range reports {
		if report.AllFailed() {
			dead = append(dead, batch[i])
		}
	}
	if len(dead) > 0 {
		if err := uc.queue.MoveToDLQ(ctx, dead); err != nil {
			// The batch stays pending and is claimed again once idle.
			uc.logger.Error("failed to move notifications to DLQ", "error", err, "count", len(dead))
			return 0, err
		}
	}

	ids := make([]string, len(batch))
	for i, n := range batch {
		ids[i] = n.StreamMessageID
	}
	if err := uc.queue.Acknowledge(ctx, uc.group, ids...); err != nil {
		// Vendors may see these again; fan-out is at-least-once.
		uc.logger.Error("failed to acknowledge notifications", "error", err)
		return 0, err
	}

	uc.logger.Info("dispatched notification batch", "count", len(batch), "dead_lettered", len(dead))
	return len(batch), nil
}
