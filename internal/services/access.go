package services

import (
	"errors"
	"fmt"
)

// ErrForbidden indicates the caller lacks the role an operation requires.
var ErrForbidden = errors.New("access: forbidden")

// CanViewOrder reports whether the viewer may read the order. Owners and admins
// qualify; everyone else is served a not-found to avoid leaking order ids.
func CanViewOrder(viewer Viewer, order Order) bool {
	if viewer.Admin {
		return true
	}
	return viewer.UserID != "" && viewer.UserID == order.UserID
}

// RequireAdmin gates staff-only operations.
func RequireAdmin(viewer Viewer) error {
	if viewer.Admin {
		return nil
	}
	return fmt.Errorf("%w: admin role required", ErrForbidden)
}
