// Package auth resolves the caller of a search from a signed JWT.
//
// The caller identity scopes per-user cache entries, per-user adapter
// settings and audit records; its roles gate adapters that declare view roles.
package auth

import (
	"slices"

	"github.com/golang-jwt/jwt/v5"
)

// RoleAdmin satisfies every role check.
const RoleAdmin = "admin"

// Claims is the JWT payload issued to sonde users.
type Claims struct {
	jwt.RegisteredClaims
	UserID   string   `json:"user_id"`
	Username string   `json:"username,omitempty"`
	Roles    []string `json:"roles,omitempty"`
}

// Caller returns the identity carried by the claims.
func (c *Claims) Caller() Caller {
	return Caller{UserID: c.UserID, Roles: slices.Clone(c.Roles)}
}

// Caller is the identity a search runs as.
type Caller struct {
	UserID string   `json:"userId"`
	Roles  []string `json:"roles,omitempty"`
}

// Anonymous reports whether the caller carries no user id.
func (c Caller) Anonymous() bool { return c.UserID == "" }

// HasRole reports whether the caller holds at least one of roles.
// An empty roles list is always satisfied.
func (c Caller) HasRole(roles ...string) bool {
	if len(roles) == 0 {
		return true
	}
	if slices.Contains(c.Roles, RoleAdmin) {
		return true
	}
	for _, r := range roles {
		if slices.Contains(c.Roles, r) {
			return true
		}
	}
	return false
}
