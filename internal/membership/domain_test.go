package membership

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseRole(t *testing.T) {
	role, ok := ParseRole(" admin ")
	assert.True(t, ok)
	assert.Equal(t, RoleAdmin, role)

	_, ok = ParseRole("OWNER")
	assert.False(t, ok)
}

func TestPeriodManagers(t *testing.T) {
	for _, role := range []Role{RoleSuperAdmin, RoleAdmin, RoleModerator} {
		assert.True(t, PeriodManagers.Allows(role), string(role))
	}
	assert.False(t, PeriodManagers.Allows(RoleMember))
	assert.False(t, PeriodManagers.Allows(""))
}

func TestMemberActive(t *testing.T) {
	assert.True(t, Member{IsCurrent: true}.Active())
	assert.False(t, Member{IsCurrent: true, IsBanned: true}.Active())
	assert.False(t, Member{IsCurrent: false}.Active())
}
