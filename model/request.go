// file: model/request.go

package model

// RegisterRequest defines the payload for creating a new user.
// It includes validation tags to ensure data integrity at the entry point.
type RegisterRequest struct {
	Username string `json:"username" validate:"required,min=3,max=50"`
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=8,max=72"`
}

// LoginRequest defines the payload for user authentication.
type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

// RefreshRequest carries a refresh token for clients that do not use cookies.
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// ChangePasswordRequest defines the payload for changing the caller's password.
type ChangePasswordRequest struct {
	CurrentPassword string `json:"current_password" validate:"required"`
	NewPassword     string `json:"new_password" validate:"required,min=8,max=72,nefield=CurrentPassword"`
}

// UpdateUserRoleRequest defines the payload for granting a role.
type UpdateUserRoleRequest struct {
	Role Role `json:"role" validate:"required,oneof=admin marketer consultant customer"`
}

// AuthResponse is returned by register and login.
type AuthResponse struct {
	User *User `json:"user"`
	TokenPair
}
