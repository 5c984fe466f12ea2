package domain

import "fmt"

// Role is the declared role of a connected view.
type Role string

const (
	// RolePresenter views may issue navigation and execution commands.
	RolePresenter Role = "presenter"
	// RoleAudience views only receive state.
	RoleAudience Role = "audience"
)

// ParseRole validates s. An empty role means audience.
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case "", RoleAudience:
		return RoleAudience, nil
	case RolePresenter:
		return RolePresenter, nil
	default:
		return "", fmt.Errorf("unknown role %q", s)
	}
}

// CanControl reports whether the role may issue commands.
func (r Role) CanControl() bool {
	return r == RolePresenter
}
