package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/tenantcore/tenantcore/internal/audit"
	"github.com/tenantcore/tenantcore/internal/config"
	"github.com/tenantcore/tenantcore/internal/db"
	"github.com/tenantcore/tenantcore/internal/mailer"
	"github.com/tenantcore/tenantcore/internal/orgs"
	"github.com/tenantcore/tenantcore/internal/ratelimit"
	"github.com/tenantcore/tenantcore/internal/users"
)

// App holds the application state
type App struct {
	Config *config.Config
	DB     *pgxpool.Pool
	Orgs   *orgs.Service
	Users  *users.Service
	Router http.Handler

	limiter *ratelimit.RedisLimiter
	server  *http.Server

	// cancelJanitors stops the cache sweeps on shutdown.
	cancelJanitors context.CancelFunc
}

// New creates and initializes a new application instance
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	setupLogger(cfg.LogLevel)

	log.Info().Msg("Initializing TenantCore application")
	log.Info().Interface("config", cfg.RedactedValues()).Msg("Configuration loaded")

	log.Info().Msg("Connecting to database...")
	pool, err := db.Connect(ctx, cfg.DBDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	log.Info().Msg("Database connection established")

	if cfg.IsDev() {
		log.Info().Msg("Development mode: running migrations automatically")
		if err := db.RunMigrations(ctx, pool); err != nil {
			pool.Close()
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
	} else {
		log.Info().Msg("Production mode: migrations must be run manually")
	}

	var limiter ratelimit.Limiter = ratelimit.Unlimited{}
	var redisLimiter *ratelimit.RedisLimiter
	if cfg.RedisAddr != "" {
		redisLimiter, err = ratelimit.NewRedisLimiter(cfg.RedisAddr, cfg.RedisPassword, cfg.RateLimitPerMinute, time.Minute)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("failed to initialize rate limiter: %w", err)
		}
		limiter = redisLimiter
		log.Info().Str("addr", cfg.RedisAddr).Msg("Redis rate limiter initialized")
	} else {
		log.Warn().Msg("No Redis configured, mutation rate limiting disabled")
	}

	store := orgs.NewPgStore(pool, cfg.DBTimeout)
	auditor := audit.NewWriter(pool)

	orgSvc := orgs.NewService(store, limiter, auditor, mailer.LogMailer{}, orgs.CacheConfig{
		CapabilityTTL: cfg.PermCacheTTL,
		OrgMetaTTL:    cfg.OrgCacheTTL,
		MaxEntries:    cfg.CacheMaxEntries,
	})
	orgSvc.RegisterMetrics()

	janitorCtx, cancelJanitors := context.WithCancel(context.Background())
	orgSvc.StartJanitors(janitorCtx, cfg.CacheCleanup)

	userSvc := users.NewService(pool)

	app := &App{
		Config:         cfg,
		DB:             pool,
		Orgs:           orgSvc,
		Users:          userSvc,
		Router:         NewRouter(pool, cfg, orgSvc, userSvc, auditor),
		limiter:        redisLimiter,
		cancelJanitors: cancelJanitors,
	}

	log.Info().Msg("Application initialized successfully")
	return app, nil
}

// Start starts the HTTP server
func (a *App) Start() error {
	addr := a.Config.HTTPAddr
	log.Info().Str("addr", addr).Msg("Starting HTTP server")

	a.server = &http.Server{
		Addr:         addr,
		Handler:      a.Router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return a.server.ListenAndServe()
}

// Shutdown drains in-flight requests, then releases resources.
func (a *App) Shutdown(ctx context.Context) error {
	var err error
	if a.server != nil {
		err = a.server.Shutdown(ctx)
	}
	a.Close()
	return err
}

// Close releases resources without draining the HTTP server.
func (a *App) Close() {
	log.Info().Msg("Shutting down application")
	if a.cancelJanitors != nil {
		a.cancelJanitors()
	}
	if a.limiter != nil {
		if err := a.limiter.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close rate limiter")
		}
	}
	if a.DB != nil {
		log.Info().Msg("Closing database connection")
		a.DB.Close()
	}
}

// setupLogger configures the global logger
func setupLogger(level string) {
	log.Logger = log.Output(zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	})

	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	log.Debug().Str("level", level).Msg("Logger configured")
}
