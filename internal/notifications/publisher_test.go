package notifications

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mealsphere/mealsphere/internal/periods"
	"github.com/mealsphere/mealsphere/jobs"
)

type stubEnqueuer struct {
	payloads []jobs.PeriodNotificationPayload
	err      error
}

func (s *stubEnqueuer) EnqueuePeriodNotification(ctx context.Context, payload jobs.PeriodNotificationPayload) (*asynq.TaskInfo, error) {
	s.payloads = append(s.payloads, payload)
	return &asynq.TaskInfo{ID: payload.EventID}, s.err
}

func TestPublisherNotifyRoomMembers(t *testing.T) {
	q := &stubEnqueuer{}
	p := NewPublisher(q)
	at := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

	err := p.NotifyRoomMembers(context.Background(), periods.Event{
		Type:       periods.EventPeriodStarted,
		RoomID:     "room-1",
		PeriodID:   "p-1",
		PeriodName: "March",
		ActorID:    "u-admin",
		Message:    "hello",
		OccurredAt: at,
	})
	require.NoError(t, err)
	require.Len(t, q.payloads, 1)

	got := q.payloads[0]
	assert.Equal(t, "period.started", got.Type)
	assert.Equal(t, "room-1", got.RoomID)
	assert.Equal(t, "March", got.PeriodName)
	assert.Equal(t, at, got.OccurredAt)
	_, err = ulid.Parse(got.EventID)
	assert.NoError(t, err)
}

func TestPublisherWrapsQueueErrors(t *testing.T) {
	boom := errors.New("redis down")
	p := NewPublisher(&stubEnqueuer{err: boom})

	err := p.NotifyRoomMembers(context.Background(), periods.Event{Type: periods.EventPeriodEnded})
	require.Error(t, err)
	assert.True(t, errors.Is(err, boom))
	assert.Contains(t, err.Error(), "period.ended")

	var nilPublisher *Publisher
	assert.Error(t, nilPublisher.NotifyRoomMembers(context.Background(), periods.Event{}))
}
