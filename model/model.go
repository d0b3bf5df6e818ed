package model

import (
	"fmt"

	"github.com/google/uuid"
)

// GenerateUUIDWithSuffix generates a UUID with a given module name as a prefix.
func GenerateUUIDWithSuffix(module string) string {
	id := uuid.New()
	uuidStr := id.String()
	idWithSuffix := fmt.Sprintf("%s_%s", module, uuidStr)
	return idWithSuffix
}

// Roles an Actor can hold.
const (
	RoleUser       = "user"
	RoleAgent      = "agent"
	RoleAdmin      = "admin"
	RoleSuperAdmin = "super_admin"
	RoleSystem     = "system"
)

// SystemActorID identifies changes made by timers and workers.
const SystemActorID = "system"

// Actor is the authenticated caller of an engine operation.
type Actor struct {
	ID   string `json:"id"`
	Role string `json:"role"`
	IP   string `json:"ip,omitempty"`
}

func SystemActor() Actor {
	return Actor{ID: SystemActorID, Role: RoleSystem}
}

func UserActor(id string) Actor {
	return Actor{ID: id, Role: RoleUser}
}

func (a Actor) IsSystem() bool {
	return a.Role == RoleSystem
}

func (a Actor) IsAdmin() bool {
	return a.Role == RoleAdmin || a.Role == RoleSuperAdmin
}

// IsElevated reports whether the actor may approve refunds above the policy threshold.
func (a Actor) IsElevated() bool {
	return a.Role == RoleSuperAdmin
}

func strPtr(s string) *string {
	return &s
}
