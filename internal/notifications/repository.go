package notifications

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Notification is a message stored for one room member.
type Notification struct {
	ID        string
	EventID   string
	RoomID    string
	UserID    string
	PeriodID  string
	Type      string
	Message   string
	CreatedAt time.Time
}

// Repository persists notifications.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a Repository using the provided pool.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Insert stores a notification. Replays of the same event for the same user are ignored.
func (r *Repository) Insert(ctx context.Context, n Notification) error {
	_, err := r.pool.Exec(ctx, `INSERT INTO notifications
(id, event_id, room_id, user_id, period_id, type, message, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (event_id, user_id) DO NOTHING`,
		n.ID, n.EventID, n.RoomID, n.UserID, n.PeriodID, n.Type, n.Message, n.CreatedAt)
	return err
}

// PurgeRead deletes read notifications created before cutoff.
func (r *Repository) PurgeRead(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM notifications WHERE read_at IS NOT NULL AND created_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
