package model

import "time"

// UserStatus is the cached projection of a user record consulted on every
// authenticated request.
type UserStatus struct {
	Banned       bool
	DeletedAt    *time.Time
	TokenVersion int
	Roles        []Role
	CachedAt     time.Time
	Privileged   bool
}

// Deleted reports whether the account has been soft-deleted.
func (s *UserStatus) Deleted() bool {
	return s.DeletedAt != nil
}

// Identity is attached to a request once the auth gate accepts it.
type Identity struct {
	UserID   int
	Roles    []Role
	FamilyID string
}
