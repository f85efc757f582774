package service

import (
	"context"
	"errors"
	"net/http"
	"storefront-api/logger"
	"storefront-api/model"

	"github.com/sirupsen/logrus"
)

// Rejection codes. These strings are part of the HTTP contract.
const (
	CodeMissingToken   = "MISSING_TOKEN"
	CodeInvalidToken   = "INVALID_TOKEN"
	CodeTokenExpired   = "TOKEN_EXPIRED"
	CodeSessionRevoked = "SESSION_REVOKED"
	CodeTokenRevoked   = "TOKEN_REVOKED"
	CodeUserDeleted    = "USER_DELETED"
	CodeUserBanned     = "USER_BANNED"
	CodeForbidden      = "FORBIDDEN"
	CodeUnauthorized   = "UNAUTHORIZED"
	CodeAuthError      = "AUTH_ERROR"
)

var authErrorStatus = map[string]int{
	CodeMissingToken:   http.StatusUnauthorized,
	CodeInvalidToken:   http.StatusUnauthorized,
	CodeTokenExpired:   http.StatusUnauthorized,
	CodeSessionRevoked: http.StatusUnauthorized,
	CodeTokenRevoked:   http.StatusUnauthorized,
	CodeUserDeleted:    http.StatusUnauthorized,
	CodeUnauthorized:   http.StatusUnauthorized,
	CodeUserBanned:     http.StatusForbidden,
	CodeForbidden:      http.StatusForbidden,
	CodeAuthError:      http.StatusInternalServerError,
}

var authErrorMessage = map[string]string{
	CodeMissingToken:   "Authorization required",
	CodeInvalidToken:   "Invalid token",
	CodeTokenExpired:   "Token expired",
	CodeSessionRevoked: "Session has been revoked",
	CodeTokenRevoked:   "Token has been revoked",
	CodeUserDeleted:    "User account has been deleted",
	CodeUserBanned:     "User account is banned",
	CodeForbidden:      "Insufficient permissions",
	CodeUnauthorized:   "Authorization required",
	CodeAuthError:      "Authentication error",
}

// AuthError is a typed rejection from the gate or a session flow.
type AuthError struct {
	Code string
	Err  error
}

func NewAuthError(code string, err error) *AuthError {
	return &AuthError{Code: code, Err: err}
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return e.Code + ": " + e.Err.Error()
	}
	return e.Code
}

func (e *AuthError) Unwrap() error { return e.Err }

// Status is the HTTP status class of the rejection.
func (e *AuthError) Status() int {
	if status, ok := authErrorStatus[e.Code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// Message is the client-facing description. It never includes Err.
func (e *AuthError) Message() string {
	if msg, ok := authErrorMessage[e.Code]; ok {
		return msg
	}
	return authErrorMessage[CodeAuthError]
}

// AuthErrorCode returns the rejection code carried by err, if any.
func AuthErrorCode(err error) (string, bool) {
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return authErr.Code, true
	}
	return "", false
}

// AccessTokenVerifier verifies access tokens.
type AccessTokenVerifier interface {
	VerifyAccessToken(token string) (*model.AccessClaims, error)
}

// FamilyRevocationChecker answers whether a token family is revoked.
type FamilyRevocationChecker interface {
	IsFamilyBlacklisted(familyID string) bool
}

// UserStatusProvider returns the current status of a user.
type UserStatusProvider interface {
	GetUserStatus(ctx context.Context, userID int) (model.UserStatus, error)
}

// Gate is the per-request authentication decision procedure.
type Gate struct {
	tokens   AccessTokenVerifier
	revoked  FamilyRevocationChecker
	statuses UserStatusProvider
}

func NewGate(tokens AccessTokenVerifier, revoked FamilyRevocationChecker, statuses UserStatusProvider) *Gate {
	return &Gate{tokens: tokens, revoked: revoked, statuses: statuses}
}

// Authenticate runs the checks in a fixed order and returns the identity to
// attach to the request, or an *AuthError.
//
// The token-version check runs before the deleted and banned checks, so a
// user banned after the token was issued sees TOKEN_REVOKED.
func (g *Gate) Authenticate(ctx context.Context, token string) (*model.Identity, error) {
	if token == "" {
		return nil, NewAuthError(CodeMissingToken, nil)
	}

	claims, err := g.tokens.VerifyAccessToken(token)
	if err != nil {
		if errors.Is(err, ErrTokenExpired) {
			return nil, NewAuthError(CodeTokenExpired, err)
		}
		return nil, NewAuthError(CodeInvalidToken, err)
	}

	log := logger.Log.WithFields(logrus.Fields{
		"user_id":   claims.UserID,
		"family_id": claims.FamilyID,
	})

	if g.revoked.IsFamilyBlacklisted(claims.FamilyID) {
		log.Warn("Attempt to use blacklisted token family")
		return nil, NewAuthError(CodeSessionRevoked, nil)
	}

	status, err := g.statuses.GetUserStatus(ctx, claims.UserID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			log.Warn("Token presented for unknown user")
			return nil, NewAuthError(CodeUserDeleted, err)
		}
		log.WithError(err).Error("User status lookup failed during authentication")
		return nil, NewAuthError(CodeAuthError, err)
	}

	if claims.TokenVersion < status.TokenVersion {
		log.WithFields(logrus.Fields{
			"token_version":   claims.TokenVersion,
			"current_version": status.TokenVersion,
		}).Warn("Revoked token attempt")
		return nil, NewAuthError(CodeTokenRevoked, nil)
	}

	if status.Deleted() {
		log.Warn("Deleted user attempt")
		return nil, NewAuthError(CodeUserDeleted, nil)
	}

	if status.Banned {
		log.Warn("Banned user attempt")
		return nil, NewAuthError(CodeUserBanned, nil)
	}

	return &model.Identity{
		UserID:   claims.UserID,
		Roles:    claims.Roles,
		FamilyID: claims.FamilyID,
	}, nil
}

// Authorize checks that an authenticated identity holds one of allowed.
func Authorize(identity *model.Identity, allowed ...model.Role) error {
	if identity == nil || identity.UserID == 0 {
		return NewAuthError(CodeUnauthorized, nil)
	}
	if !model.HasAnyRole(identity.Roles, allowed...) {
		logger.Log.WithFields(logrus.Fields{
			"user_id":        identity.UserID,
			"required_roles": allowed,
			"user_roles":     identity.Roles,
		}).Warn("Insufficient permissions")
		return NewAuthError(CodeForbidden, nil)
	}
	return nil
}
