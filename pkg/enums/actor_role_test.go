package enums

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseActorRoleNormalizes(t *testing.T) {
	role, err := ParseActorRole(" Manager ")
	require.NoError(t, err)
	assert.Equal(t, ActorRoleManager, role)

	_, err = ParseActorRole("viewer")
	assert.Error(t, err)
}

func TestActorRoleAtLeast(t *testing.T) {
	assert.True(t, ActorRoleOwner.AtLeast(ActorRoleManager))
	assert.True(t, ActorRoleCashier.AtLeast(ActorRoleCashier))
	assert.False(t, ActorRoleStaff.AtLeast(ActorRoleCashier))
	assert.False(t, ActorRoleOps.AtLeast(ActorRoleStaff))
}

func TestRolesAtLeast(t *testing.T) {
	assert.Equal(t, []string{"owner", "admin", "manager"}, RolesAtLeast(ActorRoleManager))
	assert.Equal(t, []string{"owner", "admin", "ops"}, RolesAtLeast(ActorRoleAdmin, ActorRoleOps))
}
