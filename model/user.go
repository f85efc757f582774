// file: model/user.go

package model

import "time"

// Role is a stable role name as stored in user_roles and embedded in access tokens.
type Role string

const (
	RoleAdmin      Role = "admin"
	RoleMarketer   Role = "marketer"
	RoleConsultant Role = "consultant"
	RoleCustomer   Role = "customer"
)

// PrivilegedRoles are the roles whose holders are kept in the privileged tier
// of the user status cache.
var PrivilegedRoles = []Role{RoleAdmin, RoleMarketer, RoleConsultant}

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleMarketer, RoleConsultant, RoleCustomer:
		return true
	}
	return false
}

// IsPrivileged reports whether any of roles belongs to PrivilegedRoles.
func IsPrivileged(roles []Role) bool {
	for _, r := range roles {
		for _, p := range PrivilegedRoles {
			if r == p {
				return true
			}
		}
	}
	return false
}

// HasAnyRole reports whether the two role sets intersect.
func HasAnyRole(have []Role, allowed ...Role) bool {
	for _, h := range have {
		for _, a := range allowed {
			if h == a {
				return true
			}
		}
	}
	return false
}

type User struct {
	ID           int        `json:"id"`
	Username     string     `json:"username"`
	Email        string     `json:"email"`
	Password     string     `json:"-"`
	Banned       bool       `json:"banned"`
	DeletedAt    *time.Time `json:"deleted_at,omitempty"`
	TokenVersion int        `json:"-"`
	Roles        []Role     `json:"roles"`
	CreatedAt    time.Time  `json:"created_at"`
}
