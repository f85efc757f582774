// file: model/token.go

package model

import "time"

// RefreshToken holds the data for a refresh token in the database.
type RefreshToken struct {
	ID        int       `json:"id"`
	TokenID   string    `json:"token_id"`
	FamilyID  string    `json:"family_id"`
	UserID    int       `json:"user_id"`
	TokenHash string    `json:"-"` // The hash is not exposed in JSON responses.
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}

// TokenPair is returned by login, registration and refresh.
type TokenPair struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}
