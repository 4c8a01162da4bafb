package enums

import (
	"fmt"
	"strings"
)

// ActorRole is the role asserted by the upstream gateway in X-Actor-Role.
type ActorRole string

const (
	ActorRoleOwner   ActorRole = "owner"
	ActorRoleAdmin   ActorRole = "admin"
	ActorRoleManager ActorRole = "manager"
	ActorRoleCashier ActorRole = "cashier"
	ActorRoleStaff   ActorRole = "staff"
	// ActorRoleOps is platform staff; it sits outside the store hierarchy.
	ActorRoleOps ActorRole = "ops"
)

// storeRank orders the store roles; a higher rank implies every lower one.
var storeRank = map[ActorRole]int{
	ActorRoleStaff:   1,
	ActorRoleCashier: 2,
	ActorRoleManager: 3,
	ActorRoleAdmin:   4,
	ActorRoleOwner:   5,
}

func (r ActorRole) String() string {
	return string(r)
}

func (r ActorRole) IsValid() bool {
	if r == ActorRoleOps {
		return true
	}
	_, ok := storeRank[r]
	return ok
}

// AtLeast reports whether r is a store role ranked at or above floor.
func (r ActorRole) AtLeast(floor ActorRole) bool {
	have, ok := storeRank[r]
	if !ok {
		return false
	}
	return have >= storeRank[floor]
}

// ParseActorRole normalizes case and surrounding whitespace.
func ParseActorRole(value string) (ActorRole, error) {
	role := ActorRole(strings.ToLower(strings.TrimSpace(value)))
	if !role.IsValid() {
		return "", fmt.Errorf("invalid actor role %q", value)
	}
	return role, nil
}

// RolesAtLeast lists the store roles ranked at or above floor, plus extra.
func RolesAtLeast(floor ActorRole, extra ...ActorRole) []string {
	out := make([]string, 0, len(storeRank)+len(extra))
	for _, role := range []ActorRole{ActorRoleOwner, ActorRoleAdmin, ActorRoleManager, ActorRoleCashier, ActorRoleStaff} {
		if role.AtLeast(floor) {
			out = append(out, role.String())
		}
	}
	for _, role := range extra {
		out = append(out, role.String())
	}
	return out
}
