package run

import (
	"github.com/dres-dev/DRES-sub000/internal/errors"
)

// Role is a capability attached to a caller
type Role string

const (
	RoleAdmin       Role = "ADMIN"
	RoleJudge       Role = "JUDGE"
	RoleViewer      Role = "VIEWER"
	RoleParticipant Role = "PARTICIPANT"
)

// Caller identifies who is invoking an operation. Every exposed
// orchestrator operation takes one and role-checks before touching state.
type Caller struct {
	ID     string
	Roles  []Role
	TeamID string
}

// HasRole reports whether the caller carries the given role
func (c Caller) HasRole(role Role) bool {
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// requireRole returns a Forbidden error unless the caller has one of
// the given roles.
func requireRole(caller Caller, roles ...Role) error {
	for _, role := range roles {
		if caller.HasRole(role) {
			return nil
		}
	}
	return errors.Forbiddenf("caller %s lacks required role", caller.ID)
}
