package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskPeriodNotification fans a period transition out to room members.
	TaskPeriodNotification = "periods:notify"
	// TaskNotificationPurge removes old read notifications.
	TaskNotificationPurge = "notifications:purge"
)

// PeriodNotificationPayload describes a committed period transition.
type PeriodNotificationPayload struct {
	EventID    string    `json:"event_id"`
	Type       string    `json:"type"`
	RoomID     string    `json:"room_id"`
	PeriodID   string    `json:"period_id"`
	PeriodName string    `json:"period_name"`
	ActorID    string    `json:"actor_id,omitempty"`
	Message    string    `json:"message"`
	OccurredAt time.Time `json:"occurred_at"`
}

// NewPeriodNotificationTask constructs an Asynq task. The event id doubles as the task id so a
// duplicate publish of the same event is rejected by the queue.
func NewPeriodNotificationTask(payload PeriodNotificationPayload, queue string) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	if queue == "" {
		queue = QueueDefault
	}
	opts := []asynq.Option{asynq.Queue(queue), asynq.MaxRetry(5)}
	if payload.EventID != "" {
		opts = append(opts, asynq.TaskID(payload.EventID))
	}
	return asynq.NewTask(TaskPeriodNotification, data, opts...), nil
}

// NotificationPurgePayload carries the retention window for read notifications.
type NotificationPurgePayload struct {
	RetentionDays int `json:"retention_days"`
}

// NewNotificationPurgeTask constructs the scheduled purge task.
func NewNotificationPurgeTask(retentionDays int) (*asynq.Task, error) {
	body, err := json.Marshal(NotificationPurgePayload{RetentionDays: retentionDays})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskNotificationPurge, body, asynq.Queue(QueueDefault)), nil
}
