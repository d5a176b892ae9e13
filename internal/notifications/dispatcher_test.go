package notifications

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	jobmetrics "github.com/mealsphere/mealsphere/internal/jobs"
	"github.com/mealsphere/mealsphere/internal/membership"
	"github.com/mealsphere/mealsphere/jobs"
)

type stubMembers struct {
	members []membership.Member
	err     error
}

func (s stubMembers) ListActiveMembers(ctx context.Context, roomID string) ([]membership.Member, error) {
	return s.members, s.err
}

type memoryStore struct {
	mu       sync.Mutex
	rows     map[string]Notification
	failFor  map[string]bool
	purged   int64
	cutoff   time.Time
	purgeErr error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{rows: make(map[string]Notification), failFor: make(map[string]bool)}
}

func (s *memoryStore) Insert(ctx context.Context, n Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failFor[n.UserID] {
		return errors.New("insert failed")
	}
	key := n.EventID + "/" + n.UserID
	if _, ok := s.rows[key]; ok {
		return nil
	}
	s.rows[key] = n
	return nil
}

func (s *memoryStore) PurgeRead(ctx context.Context, cutoff time.Time) (int64, error) {
	s.cutoff = cutoff
	return s.purged, s.purgeErr
}

func members(ids ...string) []membership.Member {
	out := make([]membership.Member, 0, len(ids))
	for _, id := range ids {
		out = append(out, membership.Member{RoomID: "room-1", UserID: id, Role: membership.RoleMember, IsCurrent: true})
	}
	return out
}

func notificationTask(t *testing.T, payload jobs.PeriodNotificationPayload) *asynq.Task {
	t.Helper()
	task, err := jobs.NewPeriodNotificationTask(payload, "")
	require.NoError(t, err)
	return task
}

func TestDispatcherHandleWritesOneRowPerMember(t *testing.T) {
	store := newMemoryStore()
	d := NewDispatcher(stubMembers{members: members("u1", "u2", "u3")}, store, nil, jobmetrics.NewMetrics(prometheus.NewRegistry()))
	d.Fanout = 2
	fixed := time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)
	d.clock = func() time.Time { return fixed }

	payload := jobs.PeriodNotificationPayload{
		EventID: "evt-1", Type: "period.ended", RoomID: "room-1", PeriodID: "p-1",
		Message: `The meal period "March" has ended.`,
	}
	require.NoError(t, d.Handle(context.Background(), notificationTask(t, payload)))

	require.Len(t, store.rows, 3)
	row := store.rows["evt-1/u2"]
	assert.Equal(t, "p-1", row.PeriodID)
	assert.Equal(t, "period.ended", row.Type)
	assert.Equal(t, payload.Message, row.Message)
	assert.Equal(t, fixed, row.CreatedAt)
	assert.NotEmpty(t, row.ID)

	// Replaying the task does not duplicate rows.
	require.NoError(t, d.Handle(context.Background(), notificationTask(t, payload)))
	assert.Len(t, store.rows, 3)
}

func TestDispatcherHandleReportsPartialFailure(t *testing.T) {
	store := newMemoryStore()
	store.failFor["u2"] = true
	d := NewDispatcher(stubMembers{members: members("u1", "u2", "u3")}, store, nil, nil)

	err := d.Handle(context.Background(), notificationTask(t, jobs.PeriodNotificationPayload{
		EventID: "evt-2", Type: "period.locked", RoomID: "room-1",
	}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 3")
	assert.Len(t, store.rows, 2)
}

func TestDispatcherHandleRejectsBadPayload(t *testing.T) {
	d := NewDispatcher(stubMembers{}, newMemoryStore(), nil, nil)

	err := d.Handle(context.Background(), asynq.NewTask(jobs.TaskPeriodNotification, []byte("{")))
	require.Error(t, err)
	assert.True(t, errors.Is(err, asynq.SkipRetry))

	body, _ := json.Marshal(jobs.PeriodNotificationPayload{Type: "period.started"})
	err = d.Handle(context.Background(), asynq.NewTask(jobs.TaskPeriodNotification, body))
	require.Error(t, err)
	assert.True(t, errors.Is(err, asynq.SkipRetry))
}

func TestDispatcherHandleMemberLookupError(t *testing.T) {
	boom := errors.New("db down")
	d := NewDispatcher(stubMembers{err: boom}, newMemoryStore(), nil, nil)

	err := d.Handle(context.Background(), notificationTask(t, jobs.PeriodNotificationPayload{EventID: "e", RoomID: "room-1"}))
	assert.True(t, errors.Is(err, boom))
}

func TestDispatcherHandlePurge(t *testing.T) {
	store := newMemoryStore()
	store.purged = 4
	d := NewDispatcher(stubMembers{}, store, nil, nil)
	fixed := time.Date(2024, 6, 30, 0, 0, 0, 0, time.UTC)
	d.clock = func() time.Time { return fixed }

	task, err := jobs.NewNotificationPurgeTask(30)
	require.NoError(t, err)
	require.NoError(t, d.HandlePurge(context.Background(), task))
	assert.Equal(t, fixed.AddDate(0, 0, -30), store.cutoff)
}
