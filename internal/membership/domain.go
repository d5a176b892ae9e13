package membership

import (
	"strings"
	"time"
)

// Role is the membership role a user holds inside a room.
type Role string

const (
	RoleSuperAdmin Role = "SUPER_ADMIN"
	RoleAdmin      Role = "ADMIN"
	RoleModerator  Role = "MODERATOR"
	RoleMember     Role = "MEMBER"
)

// ParseRole normalises a stored role string.
func ParseRole(raw string) (Role, bool) {
	role := Role(strings.ToUpper(strings.TrimSpace(raw)))
	switch role {
	case RoleSuperAdmin, RoleAdmin, RoleModerator, RoleMember:
		return role, true
	default:
		return "", false
	}
}

// RoleSet is a capability set checked with Allows.
type RoleSet map[Role]struct{}

// NewRoleSet builds a RoleSet from the supplied roles.
func NewRoleSet(roles ...Role) RoleSet {
	set := make(RoleSet, len(roles))
	for _, r := range roles {
		set[r] = struct{}{}
	}
	return set
}

// Allows reports whether role belongs to the set.
func (s RoleSet) Allows(role Role) bool {
	_, ok := s[role]
	return ok
}

// PeriodManagers may start, end, lock, unlock, archive and restart periods.
var PeriodManagers = NewRoleSet(RoleSuperAdmin, RoleAdmin, RoleModerator)

// Member is a room membership as seen by the period engine.
type Member struct {
	RoomID    string
	UserID    string
	Role      Role
	IsCurrent bool
	IsBanned  bool
	JoinedAt  time.Time
}

// Active reports whether the member counts towards active totals and notifications.
func (m Member) Active() bool {
	return m.IsCurrent && !m.IsBanned
}
