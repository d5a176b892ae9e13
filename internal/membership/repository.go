package membership

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository reads room memberships.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a Repository using the provided pool.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ResolveRole returns the role of an active member. The boolean is false when the
// user is not a current, non-banned member of the room.
func (r *Repository) ResolveRole(ctx context.Context, roomID, userID string) (Role, bool, error) {
	if roomID == "" || userID == "" {
		return "", false, nil
	}
	var raw string
	err := r.pool.QueryRow(ctx, `SELECT role FROM room_members
WHERE room_id = $1 AND user_id = $2 AND is_current AND NOT is_banned
LIMIT 1`, roomID, userID).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, err
	}
	role, ok := ParseRole(raw)
	return role, ok, nil
}

// ListActiveMembers returns current, non-banned members of the room.
func (r *Repository) ListActiveMembers(ctx context.Context, roomID string) ([]Member, error) {
	rows, err := r.pool.Query(ctx, `SELECT room_id, user_id, role, is_current, is_banned, joined_at
FROM room_members WHERE room_id = $1 AND is_current AND NOT is_banned
ORDER BY joined_at`, roomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var members []Member
	for rows.Next() {
		var (
			m   Member
			raw string
		)
		if err := rows.Scan(&m.RoomID, &m.UserID, &raw, &m.IsCurrent, &m.IsBanned, &m.JoinedAt); err != nil {
			return nil, err
		}
		m.Role, _ = ParseRole(raw)
		members = append(members, m)
	}
	return members, rows.Err()
}
