package auth

import (
	"slices"

	"github.com/golang-jwt/jwt/v5"
)

// RoleAdmin grants access to the administrative and feed endpoints.
const RoleAdmin = "admin"

// AccessClaims is the JWT payload carried by bearer access tokens.
type AccessClaims struct {
	UserID    string   `json:"user_id"`
	UserRoles []string `json:"user_roles,omitempty"`
	jwt.RegisteredClaims
}

// HasRole reports whether the claims carry the given role.
func (c AccessClaims) HasRole(role string) bool {
	return slices.Contains(c.UserRoles, role)
}
