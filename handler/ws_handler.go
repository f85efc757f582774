package handler

import (
	"net/http"
	"storefront-api/common"
	"storefront-api/logger"
	"storefront-api/realtime"
	"storefront-api/service"

	"github.com/gorilla/websocket"
)

// ChatHandler upgrades authenticated requests to chat websocket connections.
type ChatHandler struct {
	hub      *realtime.Hub
	upgrader websocket.Upgrader
}

// NewChatHandler creates a ChatHandler accepting upgrades from allowedOrigins.
// An empty list accepts only same-origin requests.
func NewChatHandler(hub *realtime.Hub, allowedOrigins []string) *ChatHandler {
	h := &ChatHandler{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
	if len(allowedOrigins) > 0 {
		allowed := make(map[string]struct{}, len(allowedOrigins))
		for _, origin := range allowedOrigins {
			allowed[origin] = struct{}{}
		}
		h.upgrader.CheckOrigin = func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			if _, ok := allowed["*"]; ok {
				return true
			}
			_, ok := allowed[origin]
			return ok
		}
	}
	return h
}

// ServeWS must run behind WebSocketAuthMiddleware.
func (h *ChatHandler) ServeWS(w http.ResponseWriter, r *http.Request) *common.AppError {
	identity, ok := IdentityFromContext(r.Context())
	if !ok {
		return authErrorToAppError(service.NewAuthError(service.CodeUnauthorized, nil))
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		logger.Log.WithError(err).WithField("user_id", identity.UserID).Warn("Websocket upgrade failed")
		return nil
	}

	h.hub.Serve(conn, identity.UserID)
	return nil
}
