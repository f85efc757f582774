package handler

import (
	"context"
	"errors"
	"net/http"
	"storefront-api/common"
	"storefront-api/model"
	"storefront-api/service"
	"strings"
)

type contextKey string

const IdentityKey contextKey = "identity"

const (
	accessTokenCookie = "access_token"
	wsTokenParam      = "token"
)

// Authenticator is the request-time auth decision, implemented by service.Gate.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*model.Identity, error)
}

// WithIdentity returns ctx carrying identity.
func WithIdentity(ctx context.Context, identity *model.Identity) context.Context {
	return context.WithValue(ctx, IdentityKey, identity)
}

// IdentityFromContext returns the identity attached by AuthMiddleware.
func IdentityFromContext(ctx context.Context) (*model.Identity, bool) {
	identity, ok := ctx.Value(IdentityKey).(*model.Identity)
	return identity, ok && identity != nil
}

// ExtractAccessToken reads the access token from the Authorization bearer
// header, then from the access_token cookie. Browsers cannot set headers on
// websocket upgrades, so allowQuery additionally accepts ?token=.
func ExtractAccessToken(r *http.Request, allowQuery bool) string {
	if header := r.Header.Get("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			if token := strings.TrimSpace(parts[1]); token != "" {
				return token
			}
		}
	}
	if cookie, err := r.Cookie(accessTokenCookie); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	if allowQuery {
		return r.URL.Query().Get(wsTokenParam)
	}
	return ""
}

// AuthMiddleware rejects requests the gate does not accept and attaches the
// identity to the context of those it does.
func AuthMiddleware(auth Authenticator) func(http.Handler) http.Handler {
	return authMiddleware(auth, false)
}

// WebSocketAuthMiddleware is AuthMiddleware that also accepts the token as a
// query parameter.
func WebSocketAuthMiddleware(auth Authenticator) func(http.Handler) http.Handler {
	return authMiddleware(auth, true)
}

func authMiddleware(auth Authenticator, allowQuery bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, err := auth.Authenticate(r.Context(), ExtractAccessToken(r, allowQuery))
			if err != nil {
				authErrorToAppError(err).Send(w)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
		})
	}
}

// RequireRole only lets through identities holding one of roles. It must run
// after AuthMiddleware.
func RequireRole(roles ...model.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, _ := IdentityFromContext(r.Context())
			if err := service.Authorize(identity, roles...); err != nil {
				authErrorToAppError(err).Send(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// authErrorToAppError renders a gate or session rejection. Only internal
// failures carry the cause, so that routine 401s are not logged as errors.
func authErrorToAppError(err error) *common.AppError {
	var authErr *service.AuthError
	if !errors.As(err, &authErr) {
		return common.NewAppError(http.StatusInternalServerError, service.CodeAuthError, "Authentication error", err)
	}
	var cause error
	if authErr.Status() >= http.StatusInternalServerError {
		cause = authErr
	}
	return common.NewAppError(authErr.Status(), authErr.Code, authErr.Message(), cause)
}

// serviceErrorToAppError maps errors returned by the services to responses.
func serviceErrorToAppError(err error) *common.AppError {
	var authErr *service.AuthError
	switch {
	case errors.As(err, &authErr):
		return authErrorToAppError(err)
	case errors.Is(err, service.ErrInvalidCredentials):
		return common.NewAppError(http.StatusUnauthorized, common.CodeInvalidCredentials, "Invalid email or password", nil)
	case errors.Is(err, service.ErrEmailTaken):
		return common.NewAppError(http.StatusConflict, common.CodeEmailTaken, "Email is already registered", nil)
	case errors.Is(err, service.ErrUserNotFound):
		return common.NewAppError(http.StatusNotFound, common.CodeNotFound, "User not found", nil)
	case errors.Is(err, service.ErrInvalidRole), errors.Is(err, service.ErrSelfAction):
		return common.BadRequest(err.Error())
	default:
		return common.Internal("Internal server error", err)
	}
}
