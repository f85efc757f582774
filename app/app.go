package app

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"storefront-api/config"
	"storefront-api/db"
	"storefront-api/handler"
	"storefront-api/logger"
	"storefront-api/realtime"
	"storefront-api/repository"
	"storefront-api/router"
	"storefront-api/service"
	"syscall"
	"time"
)

const migrationsDir = "db/migrations"

// Components is the wired auth core. Build assembles it without starting
// any background work so tests can drive it directly.
type Components struct {
	Tokens    *service.TokenService
	Blacklist *service.TokenBlacklist
	Statuses  *service.UserStatusCache
	Revoker   *service.Revoker
	Gate      *service.Gate
	Auth      *service.AuthService
	Users     *service.UserService
	Scheduler *service.Scheduler
	Hub       *realtime.Hub
	Handler   http.Handler
}

// Build wires repositories, services, handlers and the router.
func Build(cfg *config.Config, userRepo repository.IUserRepository, tokenRepo repository.ITokenRepository, clock service.Clock) (*Components, error) {
	tokens, err := service.NewTokenService(service.TokenConfig{
		AccessSecret:  []byte(cfg.JWT.AccessSecret),
		RefreshSecret: []byte(cfg.JWT.RefreshSecret),
		AccessTTL:     cfg.JWT.AccessTTL,
		RefreshTTL:    cfg.JWT.RefreshTTL,
		Issuer:        cfg.JWT.Issuer,
	}, clock)
	if err != nil {
		return nil, err
	}

	blacklist := service.NewTokenBlacklist(cfg.Auth.BlacklistMaxEntries, clock)
	statuses := service.NewUserStatusCache(userRepo, cfg.Auth.UserCacheTTL, cfg.Auth.LookupTimeout, clock)
	revoker := service.NewRevoker(blacklist, statuses, tokenRepo, nil, cfg.JWT.RefreshTTL, clock)
	gate := service.NewGate(tokens, blacklist, statuses)
	hub := realtime.NewHub()

	authService := service.NewAuthService(service.AuthDeps{
		Users:      userRepo,
		Tokens:     tokenRepo,
		Codec:      tokens,
		Blacklist:  blacklist,
		Statuses:   statuses,
		Revoker:    revoker,
		BcryptCost: cfg.Auth.BcryptCost,
	})
	userService := service.NewUserService(userRepo, revoker, hub, clock)

	limiter := handler.NewLoginLimiter(cfg.Auth.LoginRatePerMinute, cfg.Auth.LoginBurst, cfg.Server.TrustProxy)

	r := router.NewRouter(router.Handlers{
		Auth:           handler.NewAuthHandler(authService, limiter, cfg.Auth.CookieSecure),
		Admin:          handler.NewAdminHandler(userService, blacklist, statuses, hub),
		Chat:           handler.NewChatHandler(hub, cfg.CORS.AllowedOrigins),
		Authenticator:  gate,
		AllowedOrigins: cfg.CORS.AllowedOrigins,
	})

	return &Components{
		Tokens:    tokens,
		Blacklist: blacklist,
		Statuses:  statuses,
		Revoker:   revoker,
		Gate:      gate,
		Auth:      authService,
		Users:     userService,
		Scheduler: service.NewScheduler(blacklist, statuses, tokenRepo, cfg.Auth.SweepInterval, clock),
		Hub:       hub,
		Handler:   r,
	}, nil
}

func Run() {
	logger.Init()
	config.LoadConfig(".")
	cfg := &config.AppConfig
	logger.Configure(cfg.Log.Level, cfg.Log.Format)
	logger.Log.Info("Configuration loaded successfully")

	database, err := db.Connect()
	if err != nil {
		logger.Log.Fatalf("Error connecting to the database: %v", err)
	}
	defer database.Close()

	if err := db.Migrate(database, migrationsDir); err != nil {
		logger.Log.Fatalf("Error running migrations: %v", err)
	}

	components, err := Build(cfg, repository.NewUserRepository(database), repository.NewTokenRepository(database), nil)
	if err != nil {
		logger.Log.Fatalf("Error wiring services: %v", err)
	}

	var broadcaster *service.RedisBroadcaster
	if cfg.RedisEnabled() {
		rdb, err := db.ConnectRedis()
		if err != nil {
			// Instances still revoke locally; peers only learn of it on their
			// next cache miss.
			logger.Log.WithError(err).Warn("Redis unavailable, revocations will not be broadcast")
		} else {
			defer rdb.Close()
			broadcaster = service.NewRedisBroadcaster(rdb, cfg.Redis.Channel, components.Blacklist, components.Statuses, components.Hub)
			if err := broadcaster.Start(context.Background()); err != nil {
				logger.Log.WithError(err).Warn("Could not subscribe to revocation channel")
				broadcaster = nil
			} else {
				components.Revoker.SetNotifier(broadcaster)
			}
		}
	}

	loadCtx, cancelLoad := context.WithTimeout(context.Background(), 30*time.Second)
	if _, err := components.Statuses.BulkLoadPrivileged(loadCtx); err != nil {
		logger.Log.WithError(err).Warn("Privileged users not preloaded, they will be cached on first request")
	}
	cancelLoad()

	if err := components.Scheduler.Start(); err != nil {
		logger.Log.Fatalf("Error starting maintenance jobs: %v", err)
	}

	port := cfg.Server.Port
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           components.Handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Log.Infof("Server starting on port :%s", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Log.Warn("Shutdown signal received. Starting graceful shutdown...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	components.Hub.CloseAll("Server shutting down")
	if err := srv.Shutdown(ctx); err != nil {
		logger.Log.Errorf("Server forced to shutdown: %v", err)
	}
	components.Scheduler.Stop()
	if broadcaster != nil {
		if err := broadcaster.Close(); err != nil {
			logger.Log.WithError(err).Warn("Error closing revocation subscription")
		}
	}

	logger.Log.Info("Server exited properly")
}
