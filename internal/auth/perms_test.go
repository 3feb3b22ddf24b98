package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPermissionsForHost(t *testing.T) {
	perms := PermissionsFor(RoleHost)
	for _, p := range []Permission{
		PermRoomRead, PermRoomWrite, PermRoomLock, PermRoomRemove, PermMuteAll, PermSignalSend,
	} {
		assert.True(t, Has(perms, p), "host should hold %s", p)
	}
}

func TestPermissionsForParticipant(t *testing.T) {
	perms := PermissionsFor(RoleParticipant)
	assert.True(t, Has(perms, PermSignalSend))
	assert.True(t, Has(perms, PermRoomRead))
	assert.False(t, Has(perms, PermRoomLock))
	assert.False(t, Has(perms, PermMuteAll))
	assert.False(t, Has(perms, PermRoomRemove))
}

func TestPermissionsForUnknownRole(t *testing.T) {
	assert.Empty(t, PermissionsFor(Role("observer")))
}

func TestResolveOverrideWins(t *testing.T) {
	perms := Resolve(RoleHost, []Permission{PermRoomRead})
	assert.Equal(t, []Permission{PermRoomRead}, perms)
	assert.False(t, Has(perms, PermSignalSend))
}

func TestResolveDefaultsToRole(t *testing.T) {
	perms := Resolve(RoleParticipant, nil)
	assert.ElementsMatch(t, PermissionsFor(RoleParticipant), perms)
}

func TestPermissionsForReturnsCopy(t *testing.T) {
	perms := PermissionsFor(RoleParticipant)
	perms[0] = PermRoomRemove
	assert.False(t, Has(PermissionsFor(RoleParticipant), PermRoomRemove))
}
