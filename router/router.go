package router

import (
	"net/http"
	_ "storefront-api/docs"
	"storefront-api/handler"
	"storefront-api/model"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	httpSwagger "github.com/swaggo/http-swagger/v2"
)

// Handlers groups everything the router mounts. Nil groups are not mounted.
type Handlers struct {
	Auth           *handler.AuthHandler
	Admin          *handler.AdminHandler
	Chat           *handler.ChatHandler
	Authenticator  handler.Authenticator
	AllowedOrigins []string
}

func NewRouter(h Handlers) http.Handler {
	r := mux.NewRouter()
	r.Use(handler.RecoveryMiddleware, handler.RequestLogger)

	r.HandleFunc("/health", handler.HealthCheck).Methods(http.MethodGet)
	r.PathPrefix("/swagger/").Handler(httpSwagger.WrapHandler)

	if h.Authenticator != nil {
		authed := handler.AuthMiddleware(h.Authenticator)

		if h.Auth != nil {
			api := r.PathPrefix("/api/auth").Subrouter()
			api.Handle("/register", handler.ErrorHandlingMiddleware(h.Auth.Register)).Methods(http.MethodPost)
			api.Handle("/login", handler.ErrorHandlingMiddleware(h.Auth.Login)).Methods(http.MethodPost)
			api.Handle("/refresh", handler.ErrorHandlingMiddleware(h.Auth.Refresh)).Methods(http.MethodPost)

			api.Handle("/logout", authed(handler.ErrorHandlingMiddleware(h.Auth.Logout))).Methods(http.MethodPost)
			api.Handle("/logout-all", authed(handler.ErrorHandlingMiddleware(h.Auth.LogoutAll))).Methods(http.MethodPost)
			api.Handle("/me", authed(handler.ErrorHandlingMiddleware(h.Auth.Me))).Methods(http.MethodGet)
			api.Handle("/password", authed(handler.ErrorHandlingMiddleware(h.Auth.ChangePassword))).Methods(http.MethodPut)
		}

		if h.Admin != nil {
			admin := r.PathPrefix("/api/admin").Subrouter()
			admin.Use(authed, handler.RequireRole(model.RoleAdmin))
			admin.Handle("/users", handler.ErrorHandlingMiddleware(h.Admin.ListUsers)).Methods(http.MethodGet)
			admin.Handle("/users/{id:[0-9]+}", handler.ErrorHandlingMiddleware(h.Admin.DeleteUser)).Methods(http.MethodDelete)
			admin.Handle("/users/{id:[0-9]+}/ban", handler.ErrorHandlingMiddleware(h.Admin.BanUser)).Methods(http.MethodPost)
			admin.Handle("/users/{id:[0-9]+}/unban", handler.ErrorHandlingMiddleware(h.Admin.UnbanUser)).Methods(http.MethodPost)
			admin.Handle("/users/{id:[0-9]+}/roles", handler.ErrorHandlingMiddleware(h.Admin.AddUserRole)).Methods(http.MethodPost)
			admin.Handle("/users/{id:[0-9]+}/roles/{role}", handler.ErrorHandlingMiddleware(h.Admin.RemoveUserRole)).Methods(http.MethodDelete)
			admin.Handle("/auth/stats", handler.ErrorHandlingMiddleware(h.Admin.Stats)).Methods(http.MethodGet)
		}

		if h.Chat != nil {
			ws := handler.WebSocketAuthMiddleware(h.Authenticator)
			r.Handle("/ws/chat", ws(handler.ErrorHandlingMiddleware(h.Chat.ServeWS))).Methods(http.MethodGet)
		}
	}

	c := cors.New(cors.Options{
		AllowedOrigins:   h.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})
	return c.Handler(r)
}
