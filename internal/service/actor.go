package service

import (
	"strings"

	"github.com/noah-isme/gema-judge-api/internal/models"
)

// Actor describes the authenticated caller.
type Actor struct {
	ID   uint
	Role string
}

// IsAdmin reports whether the caller holds the admin role.
func (a Actor) IsAdmin() bool {
	return strings.EqualFold(strings.TrimSpace(a.Role), models.RoleAdmin)
}

// CanViewSource reports whether the caller may read the source of a submission owned by ownerID.
func (a Actor) CanViewSource(ownerID uint) bool {
	if a.ID != 0 && a.ID == ownerID {
		return true
	}
	return a.IsAdmin()
}
