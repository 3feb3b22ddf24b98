// Package auth holds the permission catalogue and the token service.
package auth

type Role string

const (
	RoleHost        Role = "host"
	RoleParticipant Role = "participant"
)

type Permission string

const (
	PermRoomRead   Permission = "room:read"
	PermRoomWrite  Permission = "room:write"
	PermRoomLock   Permission = "room:lock"
	PermRoomRemove Permission = "room:remove"
	PermMuteAll    Permission = "room:muteAll"
	PermSignalSend Permission = "signal:send"
)

var rolePerms = map[Role][]Permission{
	RoleHost: {
		PermRoomRead,
		PermRoomWrite,
		PermRoomLock,
		PermRoomRemove,
		PermMuteAll,
		PermSignalSend,
	},
	RoleParticipant: {
		PermRoomRead,
		PermSignalSend,
	},
}

// PermissionsFor returns the default permission set of a role.
// Unknown roles get nothing.
func PermissionsFor(role Role) []Permission {
	perms := rolePerms[role]
	out := make([]Permission, len(perms))
	copy(out, perms)
	return out
}

// Resolve collapses a credential's "role plus optional override list" shape
// into one canonical set. An explicit override wins over the role default,
// which is how narrower capability-scoped tokens are cut.
func Resolve(role Role, override []Permission) []Permission {
	if len(override) > 0 {
		out := make([]Permission, len(override))
		copy(out, override)
		return out
	}
	return PermissionsFor(role)
}

// Has reports whether the set allows the action.
func Has(perms []Permission, action Permission) bool {
	for _, p := range perms {
		if p == action {
			return true
		}
	}
	return false
}
