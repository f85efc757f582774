package handler

import (
	"net/http"
	"storefront-api/common"
	"storefront-api/logger"
	"storefront-api/model"
	"storefront-api/service"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

// ConnectionCounter reports the number of live realtime connections.
type ConnectionCounter interface {
	Connections() int
}

// AuthStats is the operational snapshot served to administrators.
type AuthStats struct {
	Blacklist   service.BlacklistStats `json:"blacklist"`
	UserCache   service.CacheStats     `json:"user_cache"`
	Connections int                    `json:"connections"`
}

// AdminHandler serves the user administration endpoints.
type AdminHandler struct {
	users       *service.UserService
	blacklist   *service.TokenBlacklist
	statuses    *service.UserStatusCache
	connections ConnectionCounter
}

func NewAdminHandler(users *service.UserService, blacklist *service.TokenBlacklist, statuses *service.UserStatusCache, connections ConnectionCounter) *AdminHandler {
	return &AdminHandler{users: users, blacklist: blacklist, statuses: statuses, connections: connections}
}

// adminTarget returns the acting admin and the {id} path variable.
func adminTarget(r *http.Request) (actorID, userID int, appErr *common.AppError) {
	identity, ok := IdentityFromContext(r.Context())
	if !ok {
		return 0, 0, authErrorToAppError(service.NewAuthError(service.CodeUnauthorized, nil))
	}
	userID, err := strconv.Atoi(mux.Vars(r)["id"])
	if err != nil || userID <= 0 {
		return 0, 0, common.BadRequest("Invalid user ID")
	}
	return identity.UserID, userID, nil
}

// ListUsers godoc
// @Summary      List all users
// @Tags         admin
// @Produce      json
// @Security     BearerAuth
// @Success      200  {array}   model.User
// @Failure      403  {object}  common.AppError
// @Router       /api/admin/users [get]
func (h *AdminHandler) ListUsers(w http.ResponseWriter, r *http.Request) *common.AppError {
	users, err := h.users.ListUsers(r.Context())
	if err != nil {
		return common.Internal("Could not retrieve users", err)
	}
	if users == nil {
		users = []*model.User{}
	}
	common.WriteJSON(w, http.StatusOK, users)
	return nil
}

// BanUser godoc
// @Summary      Ban a user
// @Description  Blocks the account, revokes every token it holds and closes its realtime connections.
// @Tags         admin
// @Produce      json
// @Security     BearerAuth
// @Param        id   path      int  true  "User ID"
// @Success      200  {object}  map[string]string
// @Failure      404  {object}  common.AppError
// @Router       /api/admin/users/{id}/ban [post]
func (h *AdminHandler) BanUser(w http.ResponseWriter, r *http.Request) *common.AppError {
	actorID, userID, appErr := adminTarget(r)
	if appErr != nil {
		return appErr
	}
	if err := h.users.BanUser(r.Context(), actorID, userID); err != nil {
		return serviceErrorToAppError(err)
	}
	common.WriteJSON(w, http.StatusOK, map[string]string{"message": "User banned"})
	return nil
}

func (h *AdminHandler) UnbanUser(w http.ResponseWriter, r *http.Request) *common.AppError {
	actorID, userID, appErr := adminTarget(r)
	if appErr != nil {
		return appErr
	}
	if err := h.users.UnbanUser(r.Context(), actorID, userID); err != nil {
		return serviceErrorToAppError(err)
	}
	common.WriteJSON(w, http.StatusOK, map[string]string{"message": "User unbanned"})
	return nil
}

func (h *AdminHandler) DeleteUser(w http.ResponseWriter, r *http.Request) *common.AppError {
	actorID, userID, appErr := adminTarget(r)
	if appErr != nil {
		return appErr
	}
	if err := h.users.DeleteUser(r.Context(), actorID, userID); err != nil {
		return serviceErrorToAppError(err)
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

// AddUserRole godoc
// @Summary      Grant a role
// @Tags         admin
// @Accept       json
// @Produce      json
// @Security     BearerAuth
// @Param        id    path  int                          true  "User ID"
// @Param        role  body  model.UpdateUserRoleRequest  true  "Role to grant"
// @Success      200  {object}  map[string]string
// @Failure      400  {object}  common.AppError
// @Router       /api/admin/users/{id}/roles [post]
func (h *AdminHandler) AddUserRole(w http.ResponseWriter, r *http.Request) *common.AppError {
	actorID, userID, appErr := adminTarget(r)
	if appErr != nil {
		return appErr
	}
	var req model.UpdateUserRoleRequest
	if err := common.ValidateAndDecode(w, r, &req); err != nil {
		return err
	}
	if err := h.users.AddUserRole(r.Context(), actorID, userID, req.Role); err != nil {
		return serviceErrorToAppError(err)
	}
	common.WriteJSON(w, http.StatusOK, map[string]string{"message": "Role granted"})
	return nil
}

func (h *AdminHandler) RemoveUserRole(w http.ResponseWriter, r *http.Request) *common.AppError {
	actorID, userID, appErr := adminTarget(r)
	if appErr != nil {
		return appErr
	}
	role := model.Role(mux.Vars(r)["role"])
	if err := h.users.RemoveUserRole(r.Context(), actorID, userID, role); err != nil {
		return serviceErrorToAppError(err)
	}
	common.WriteJSON(w, http.StatusOK, map[string]string{"message": "Role revoked"})
	return nil
}

// Stats returns blacklist, cache and connection counts.
func (h *AdminHandler) Stats(w http.ResponseWriter, r *http.Request) *common.AppError {
	stats := AuthStats{
		Blacklist: h.blacklist.Stats(),
		UserCache: h.statuses.Stats(),
	}
	if h.connections != nil {
		stats.Connections = h.connections.Connections()
	}

	logger.Log.WithFields(logrus.Fields{
		"blacklisted_tokens":   stats.Blacklist.Tokens,
		"blacklisted_families": stats.Blacklist.Families,
	}).Debug("Auth stats requested")

	common.WriteJSON(w, http.StatusOK, stats)
	return nil
}
