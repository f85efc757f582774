package model

import "github.com/golang-jwt/jwt/v5"

const (
	TokenTypeAccess  = "access"
	TokenTypeRefresh = "refresh"
)

// AccessClaims is the payload of a short-lived access token.
type AccessClaims struct {
	UserID       int    `json:"user_id"`
	Roles        []Role `json:"roles"`
	TokenVersion int    `json:"v"`
	FamilyID     string `json:"tfid"`
	Type         string `json:"typ"`
	jwt.RegisteredClaims
}

// RefreshClaims is the payload of a refresh token. The token id travels in
// the registered "jti" claim.
type RefreshClaims struct {
	UserID   int    `json:"user_id"`
	FamilyID string `json:"tfid"`
	Type     string `json:"typ"`
	jwt.RegisteredClaims
}

// TokenID returns the unique id of this refresh token issuance.
func (c *RefreshClaims) TokenID() string {
	return c.ID
}
