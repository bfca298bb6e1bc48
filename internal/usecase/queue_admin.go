package usecase

import (
	"context"
	"fmt"

	"github.com/V4T54L/event-intake/internal/domain"
)

const defaultPendingCount = 100

// QueueAdminUseCase reports on and maintains the notification streams.
type QueueAdminUseCase struct {
	repo      domain.QueueAdminRepository
	stream    string
	dlqStream string
	group     string
}

// NewQueueAdminUseCase creates a new QueueAdminUseCase.
func NewQueueAdminUseCase(repo domain.QueueAdminRepository, stream, dlqStream, group string) *QueueAdminUseCase {
	return &QueueAdminUseCase{repo: repo, stream: stream, dlqStream: dlqStream, group: group}
}

// Stats collects stream lengths, consumer groups and the pending summary of
// the dispatcher group.
func (uc *QueueAdminUseCase) Stats(ctx context.Context) (domain.QueueStats, error) {
	stats := domain.QueueStats{Stream: uc.stream, DLQStream: uc.dlqStream}

	var err error
	if stats.Length, err = uc.repo.StreamLength(ctx, uc.stream); err != nil {
		return stats, err
	}
	if stats.DLQLength, err = uc.repo.StreamLength(ctx, uc.dlqStream); err != nil {
		return stats, err
	}
	if stats.Groups, err = uc.repo.GetGroupInfo(ctx, uc.stream); err != nil {
		return stats, err
	}
	for _, g := range stats.Groups {
		if g.Name != uc.group {
			continue
		}
		if stats.Pending, err = uc.repo.GetPendingSummary(ctx, uc.stream, uc.group); err != nil {
			return stats, err
		}
	}
	return stats, nil
}

// PendingMessages lists notifications delivered to the dispatcher group but
// not yet acknowledged.
func (uc *QueueAdminUseCase) PendingMessages(ctx context.Context, consumer, startID string, count int64) ([]domain.PendingMessageDetail, error) {
	if startID == "" {
		startID = "-"
	}
	if count <= 0 {
		count = defaultPendingCount
	}
	return uc.repo.GetPendingMessages(ctx, uc.stream, uc.group, consumer, startID, count)
}

// TrimDLQ caps the dead-letter stream at maxLen entries.
func (uc *QueueAdminUseCase) TrimDLQ(ctx context.Context, maxLen int64) (int64, error) {
	if maxLen < 0 {
		return 0, fmt.Errorf("max length must not be negative, got %d", maxLen)
	}
	return uc.repo.TrimStream(ctx, uc.dlqStream, maxLen)
}
