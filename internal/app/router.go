package app

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/tenantcore/tenantcore/internal/apperrors"
	"github.com/tenantcore/tenantcore/internal/audit"
	"github.com/tenantcore/tenantcore/internal/auth"
	"github.com/tenantcore/tenantcore/internal/config"
	"github.com/tenantcore/tenantcore/internal/metrics"
	"github.com/tenantcore/tenantcore/internal/orgs"
	"github.com/tenantcore/tenantcore/internal/users"
)

// NewRouter creates and configures the Chi router with all middleware and routes
func NewRouter(pool *pgxpool.Pool, cfg *config.Config, orgSvc *orgs.Service, userSvc *users.Service, auditor audit.Sink) *chi.Mux {
	r := chi.NewRouter()

	isProduction := !cfg.IsDev()

	r.Use(middleware.RealIP)
	r.Use(apperrors.RequestIDMiddleware)
	r.Use(LoggingMiddleware)
	r.Use(RecoveryMiddleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{cfg.BaseURL},
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(auth.AuthMiddleware(cfg.JWTSecret))

	// Health and metrics (no authentication required)
	r.Get("/healthz", handleHealthz)
	r.Get("/readyz", handleReadyz(pool))
	r.Handle("/metrics", metrics.Handler())

	// API routes - Authentication
	r.Route("/api/v1/auth", func(r chi.Router) {
		r.Use(ContentTypeJSON)

		r.Post("/signup", users.HandleSignup(userSvc, auditor, cfg.JWTSecret, cfg.SessionDays, isProduction))
		r.With(LoginRateLimitMiddleware()).Post("/login", users.HandleLogin(userSvc, auditor, cfg.JWTSecret, cfg.SessionDays, isProduction))
		r.With(auth.RequireAuth).Post("/logout", users.HandleLogout())
	})

	// API routes - Organizations (require authentication)
	r.Route("/api/v1/orgs", func(r chi.Router) {
		r.Use(ContentTypeJSON)
		r.Use(auth.RequireAuth)

		r.Post("/", orgs.HandleCreateOrg(orgSvc))
		r.Get("/", orgs.HandleListOrgs(orgSvc))
		r.Get("/{orgID}", orgs.HandleGetOrg(orgSvc))
		r.Patch("/{orgID}", orgs.HandleUpdateOrg(orgSvc))
		r.Get("/{orgID}/access", orgs.HandleCheckAccess(orgSvc))
		r.Post("/{orgID}/transfer", orgs.HandleTransferOwnership(orgSvc))

		r.Get("/{orgID}/members", orgs.HandleListMembers(orgSvc))
		r.Put("/{orgID}/members/{userID}/role", orgs.HandleSetMemberRole(orgSvc))
		r.Delete("/{orgID}/members/{userID}", orgs.HandleRemoveMember(orgSvc))

		r.Post("/{orgID}/invites", orgs.HandleCreateInvite(orgSvc))
		r.Get("/{orgID}/invites", orgs.HandleListInvites(orgSvc))
		r.Post("/{orgID}/invites/{inviteID}/resend", orgs.HandleResendInvite(orgSvc))
		r.Delete("/{orgID}/invites/{inviteID}", orgs.HandleDeleteInvite(orgSvc))
	})

	// API routes - Invites addressed to the caller (require authentication)
	r.Route("/api/v1/invites", func(r chi.Router) {
		r.Use(ContentTypeJSON)
		r.Use(auth.RequireAuth)

		r.Get("/{inviteID}", orgs.HandleGetInvite(orgSvc))
		r.Post("/{inviteID}/accept", orgs.HandleAcceptInvite(orgSvc))
		r.Post("/{inviteID}/reject", orgs.HandleRejectInvite(orgSvc))
	})

	// API routes - Operator cache controls (require admin token)
	r.Route("/api/v1/admin", func(r chi.Router) {
		r.Use(ContentTypeJSON)
		r.Use(AdminTokenMiddleware(cfg.AdminToken))

		r.Get("/cache", orgs.HandleCacheStats(orgSvc))
		r.Post("/cache/epoch", orgs.HandleBumpEpoch(orgSvc))
		r.Post("/cache/users/{userID}/invalidate", orgs.HandleInvalidateUser(orgSvc))
		r.Post("/cache/orgs/{orgID}/invalidate", orgs.HandleInvalidateOrg(orgSvc))
	})

	return r
}

// handleHealthz returns a simple liveness check
func handleHealthz(w http.ResponseWriter, r *http.Request) {
	apperrors.WriteSuccess(w, r, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// handleReadyz returns a readiness check that includes database connectivity
func handleReadyz(pool *pgxpool.Pool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := pool.Ping(r.Context()); err != nil {
			apperrors.WriteServiceUnavailable(w, r, "Database connection failed")
			return
		}

		apperrors.WriteSuccess(w, r, http.StatusOK, map[string]string{
			"status": "ready",
			"db":     "ok",
		})
	}
}
