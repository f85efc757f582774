package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"storefront-api/common"
	"storefront-api/logger"
	"storefront-api/model"
	"storefront-api/service"
	"time"
)

const (
	refreshTokenCookie = "refresh_token"
	refreshCookiePath  = "/api/auth"
)

// AuthHandler serves the session endpoints.
type AuthHandler struct {
	service      *service.AuthService
	limiter      *LoginLimiter
	secureCookie bool
}

// NewAuthHandler creates a new AuthHandler. A nil limiter disables login
// throttling.
func NewAuthHandler(s *service.AuthService, limiter *LoginLimiter, secureCookie bool) *AuthHandler {
	return &AuthHandler{service: s, limiter: limiter, secureCookie: secureCookie}
}

func (h *AuthHandler) setRefreshCookie(w http.ResponseWriter, pair *model.TokenPair) {
	http.SetCookie(w, &http.Cookie{
		Name:     refreshTokenCookie,
		Value:    pair.RefreshToken,
		Path:     refreshCookiePath,
		Expires:  pair.RefreshExpiresAt,
		MaxAge:   int(time.Until(pair.RefreshExpiresAt).Seconds()),
		HttpOnly: true,
		Secure:   h.secureCookie,
		SameSite: http.SameSiteStrictMode,
	})
}

func (h *AuthHandler) clearRefreshCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     refreshTokenCookie,
		Value:    "",
		Path:     refreshCookiePath,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.secureCookie,
		SameSite: http.SameSiteStrictMode,
	})
}

// Register godoc
// @Summary      Register a new customer
// @Tags         auth
// @Accept       json
// @Produce      json
// @Param        user body model.RegisterRequest true "User registration info"
// @Success      201  {object}  model.AuthResponse
// @Failure      400  {object}  common.AppError
// @Failure      409  {object}  common.AppError "Email is already registered"
// @Router       /api/auth/register [post]
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) *common.AppError {
	var req model.RegisterRequest
	if err := common.ValidateAndDecode(w, r, &req); err != nil {
		return err
	}

	user, pair, err := h.service.Register(r.Context(), req)
	if err != nil {
		return serviceErrorToAppError(err)
	}

	h.setRefreshCookie(w, pair)
	common.WriteJSON(w, http.StatusCreated, model.AuthResponse{User: user, TokenPair: *pair})
	return nil
}

// Login godoc
// @Summary      Log in and start a session
// @Tags         auth
// @Accept       json
// @Produce      json
// @Param        credentials body model.LoginRequest true "User credentials"
// @Success      200  {object}  model.AuthResponse
// @Failure      401  {object}  common.AppError "Invalid credentials"
// @Failure      403  {object}  common.AppError "Account banned"
// @Failure      429  {object}  common.AppError "Too many login attempts"
// @Router       /api/auth/login [post]
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) *common.AppError {
	if h.limiter != nil && !h.limiter.Allow(r) {
		logger.Log.WithField("ip", h.limiter.ClientIP(r)).Warn("Login rate limit exceeded")
		return common.NewAppError(http.StatusTooManyRequests, common.CodeRateLimited, "Too many login attempts, try again later", nil)
	}

	var req model.LoginRequest
	if err := common.ValidateAndDecode(w, r, &req); err != nil {
		return err
	}

	user, pair, err := h.service.Login(r.Context(), req)
	if err != nil {
		return serviceErrorToAppError(err)
	}

	h.setRefreshCookie(w, pair)
	common.WriteJSON(w, http.StatusOK, model.AuthResponse{User: user, TokenPair: *pair})
	return nil
}

// Refresh godoc
// @Summary      Rotate the refresh token
// @Description  Reads the refresh token from the refresh_token cookie, or from the JSON body when no cookie is sent.
// @Tags         auth
// @Accept       json
// @Produce      json
// @Param        body body model.RefreshRequest false "Refresh token for clients without cookies"
// @Success      200  {object}  model.TokenPair
// @Failure      401  {object}  common.AppError
// @Router       /api/auth/refresh [post]
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) *common.AppError {
	raw, appErr := refreshTokenFromRequest(w, r)
	if appErr != nil {
		return appErr
	}

	pair, err := h.service.Refresh(r.Context(), raw)
	if err != nil {
		appErr := serviceErrorToAppError(err)
		// Keep the cookie on server-side failures so the client can retry.
		if appErr.Status == http.StatusUnauthorized || appErr.Status == http.StatusForbidden {
			h.clearRefreshCookie(w)
		}
		return appErr
	}

	h.setRefreshCookie(w, pair)
	common.WriteJSON(w, http.StatusOK, pair)
	return nil
}

func refreshTokenFromRequest(w http.ResponseWriter, r *http.Request) (string, *common.AppError) {
	if cookie, err := r.Cookie(refreshTokenCookie); err == nil && cookie.Value != "" {
		return cookie.Value, nil
	}

	var req model.RefreshRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<16)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		return "", common.BadRequest("Invalid request body")
	}
	if req.RefreshToken == "" {
		return "", authErrorToAppError(service.NewAuthError(service.CodeMissingToken, nil))
	}
	return req.RefreshToken, nil
}

// Logout godoc
// @Summary      End the current session
// @Tags         auth
// @Security     BearerAuth
// @Success      204
// @Failure      401  {object}  common.AppError
// @Router       /api/auth/logout [post]
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) *common.AppError {
	identity, ok := IdentityFromContext(r.Context())
	if !ok {
		return authErrorToAppError(service.NewAuthError(service.CodeUnauthorized, nil))
	}

	if err := h.service.Logout(r.Context(), identity); err != nil {
		return common.Internal("Could not end session", err)
	}

	h.clearRefreshCookie(w)
	w.WriteHeader(http.StatusNoContent)
	return nil
}

// LogoutAll ends every session of the caller on every device.
func (h *AuthHandler) LogoutAll(w http.ResponseWriter, r *http.Request) *common.AppError {
	identity, ok := IdentityFromContext(r.Context())
	if !ok {
		return authErrorToAppError(service.NewAuthError(service.CodeUnauthorized, nil))
	}

	if err := h.service.LogoutAll(r.Context(), identity.UserID); err != nil {
		return serviceErrorToAppError(err)
	}

	h.clearRefreshCookie(w)
	w.WriteHeader(http.StatusNoContent)
	return nil
}

// Me godoc
// @Summary      Current user profile
// @Tags         auth
// @Produce      json
// @Security     BearerAuth
// @Success      200  {object}  model.User
// @Failure      401  {object}  common.AppError
// @Router       /api/auth/me [get]
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) *common.AppError {
	identity, ok := IdentityFromContext(r.Context())
	if !ok {
		return authErrorToAppError(service.NewAuthError(service.CodeUnauthorized, nil))
	}

	user, err := h.service.Me(r.Context(), identity.UserID)
	if err != nil {
		return serviceErrorToAppError(err)
	}

	common.WriteJSON(w, http.StatusOK, user)
	return nil
}

func (h *AuthHandler) ChangePassword(w http.ResponseWriter, r *http.Request) *common.AppError {
	identity, ok := IdentityFromContext(r.Context())
	if !ok {
		return authErrorToAppError(service.NewAuthError(service.CodeUnauthorized, nil))
	}

	var req model.ChangePasswordRequest
	if err := common.ValidateAndDecode(w, r, &req); err != nil {
		return err
	}

	if err := h.service.ChangePassword(r.Context(), identity.UserID, req); err != nil {
		return serviceErrorToAppError(err)
	}

	h.clearRefreshCookie(w)
	common.WriteJSON(w, http.StatusOK, map[string]string{"message": "Password changed, please log in again"})
	return nil
}
