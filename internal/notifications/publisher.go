package notifications

import (
	"context"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/oklog/ulid/v2"

	"github.com/mealsphere/mealsphere/internal/periods"
	"github.com/mealsphere/mealsphere/jobs"
)

// Enqueuer submits notification tasks. *jobs.Client satisfies it.
type Enqueuer interface {
	EnqueuePeriodNotification(ctx context.Context, payload jobs.PeriodNotificationPayload) (*asynq.TaskInfo, error)
}

// Publisher turns committed period events into queued notification tasks.
type Publisher struct {
	queue Enqueuer
	newID func() string
}

// NewPublisher constructs a Publisher.
func NewPublisher(queue Enqueuer) *Publisher {
	return &Publisher{queue: queue, newID: func() string { return ulid.Make().String() }}
}

// NotifyRoomMembers implements periods.Notifier.
func (p *Publisher) NotifyRoomMembers(ctx context.Context, event periods.Event) error {
	if p == nil || p.queue == nil {
		return errors.New("notifications: publisher not configured")
	}
	payload := jobs.PeriodNotificationPayload{
		EventID:    p.newID(),
		Type:       string(event.Type),
		RoomID:     event.RoomID,
		PeriodID:   event.PeriodID,
		PeriodName: event.PeriodName,
		ActorID:    event.ActorID,
		Message:    event.Message,
		OccurredAt: event.OccurredAt,
	}
	if _, err := p.queue.EnqueuePeriodNotification(ctx, payload); err != nil {
		return fmt.Errorf("notifications: enqueue %s: %w", event.Type, err)
	}
	return nil
}
