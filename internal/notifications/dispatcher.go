package notifications

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/hibiken/asynq"
	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"

	jobmetrics "github.com/mealsphere/mealsphere/internal/jobs"
	"github.com/mealsphere/mealsphere/internal/membership"
	"github.com/mealsphere/mealsphere/jobs"
)

const defaultFanout = 8

// MemberLister lists the members that receive room notifications.
type MemberLister interface {
	ListActiveMembers(ctx context.Context, roomID string) ([]membership.Member, error)
}

// Store persists notifications.
type Store interface {
	Insert(ctx context.Context, n Notification) error
	PurgeRead(ctx context.Context, cutoff time.Time) (int64, error)
}

// Dispatcher handles period notification tasks on the worker.
type Dispatcher struct {
	Members MemberLister
	Store   Store
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	Fanout  int
	clock   func() time.Time
}

// NewDispatcher initialises the notification task handlers.
func NewDispatcher(members MemberLister, store Store, logger *slog.Logger, metrics *jobmetrics.Metrics) *Dispatcher {
	return &Dispatcher{
		Members: members,
		Store:   store,
		Logger:  logger,
		Metrics: metrics,
		Fanout:  defaultFanout,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle writes one notification per active room member. Failed members are logged; the task
// is retried when any insert failed and replays skip members already notified.
func (d *Dispatcher) Handle(ctx context.Context, t *asynq.Task) (resultErr error) {
	if d == nil || d.Members == nil || d.Store == nil {
		return errors.New("notifications: dispatcher not configured")
	}
	var payload jobs.PeriodNotificationPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("notifications: decode payload: %v: %w", err, asynq.SkipRetry)
	}
	if payload.RoomID == "" {
		return fmt.Errorf("notifications: room id missing: %w", asynq.SkipRetry)
	}
	if payload.EventID == "" {
		payload.EventID = ulid.Make().String()
	}

	tracker := d.Metrics.Track(jobs.TaskPeriodNotification)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := d.logger().With(
		slog.String("event_id", payload.EventID),
		slog.String("event", payload.Type),
		slog.String("room_id", payload.RoomID),
		slog.String("period_id", payload.PeriodID),
	)

	members, err := d.Members.ListActiveMembers(ctx, payload.RoomID)
	if err != nil {
		logger.Error("list room members", slog.Any("error", err))
		return err
	}

	fanout := d.Fanout
	if fanout <= 0 {
		fanout = defaultFanout
	}
	var (
		g         errgroup.Group
		delivered atomic.Int64
		failed    atomic.Int64
	)
	g.SetLimit(fanout)
	createdAt := d.clock()
	for _, m := range members {
		m := m
		g.Go(func() error {
			n := Notification{
				ID:        ulid.Make().String(),
				EventID:   payload.EventID,
				RoomID:    payload.RoomID,
				UserID:    m.UserID,
				PeriodID:  payload.PeriodID,
				Type:      payload.Type,
				Message:   payload.Message,
				CreatedAt: createdAt,
			}
			if err := d.Store.Insert(ctx, n); err != nil {
				failed.Add(1)
				logger.Warn("store notification", slog.String("user_id", m.UserID), slog.Any("error", err))
				return nil
			}
			delivered.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	d.Metrics.AddDeliveries(payload.Type, "ok", int(delivered.Load()))
	d.Metrics.AddDeliveries(payload.Type, "failed", int(failed.Load()))
	logger.Info("period notification delivered",
		slog.Int("members", len(members)),
		slog.Int64("delivered", delivered.Load()),
		slog.Int64("failed", failed.Load()))

	if n := failed.Load(); n > 0 {
		return fmt.Errorf("notifications: %d of %d deliveries failed", n, len(members))
	}
	return nil
}

// HandlePurge deletes read notifications older than the retention window.
func (d *Dispatcher) HandlePurge(ctx context.Context, t *asynq.Task) (resultErr error) {
	if d == nil || d.Store == nil {
		return errors.New("notifications: dispatcher not configured")
	}
	var payload jobs.NotificationPurgePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("notifications: decode payload: %v: %w", err, asynq.SkipRetry)
	}
	if payload.RetentionDays <= 0 {
		payload.RetentionDays = 90
	}
	tracker := d.Metrics.Track(jobs.TaskNotificationPurge)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	cutoff := d.clock().AddDate(0, 0, -payload.RetentionDays)
	removed, err := d.Store.PurgeRead(ctx, cutoff)
	if err != nil {
		d.logger().Error("purge notifications", slog.Any("error", err))
		return err
	}
	d.Metrics.AddPurged(removed)
	d.logger().Info("purged read notifications",
		slog.Int64("removed", removed),
		slog.Time("cutoff", cutoff))
	return nil
}

func (d *Dispatcher) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}
