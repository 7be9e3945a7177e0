// Package clinician exposes the professional-account surface the
// delegation subsystem depends on. Account lifecycle management itself
// lives outside this service.
package clinician

import (
	"context"
	"errors"
)

// Account statuses recognised by the delegation pipeline.
const (
	StatusActive       = "active"
	StatusExpiringSoon = "expiring_soon"
	StatusExpired      = "expired"
	StatusSuspended    = "suspended"
)

// Roles that may ratify clinical documents.
const (
	RolePhysician      = "physician"
	RoleChiefPhysician = "chief_physician"
	RoleNurse          = "nurse"
	RoleAssistant      = "assistant"
)

var ErrNotFound = errors.New("clinician: not found")

// Clinician is a verified human professional.
type Clinician struct {
	ID          string
	Email       string
	DisplayName string
	Role        string
	Active      bool
	Status      string
}

// CanDelegate reports whether the account may currently act through a bot.
func (c *Clinician) CanDelegate() bool {
	return c.Active && (c.Status == StatusActive || c.Status == StatusExpiringSoon)
}

// Privileged reports whether the role may ratify (promote) clinical drafts.
func (c *Clinician) Privileged() bool {
	return c.Role == RolePhysician || c.Role == RoleChiefPhysician
}

// Store provides read access to professional accounts.
type Store interface {
	Find(ctx context.Context, id string) (*Clinician, error)
}
