package users

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/tenantcore/tenantcore/internal/apperrors"
	"github.com/tenantcore/tenantcore/internal/audit"
	"github.com/tenantcore/tenantcore/internal/auth"
)

// Credentials is the signup/login request payload
type Credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// SessionResponse is returned on successful signup/login
type SessionResponse struct {
	UserID uuid.UUID `json:"user_id"`
	Email  string    `json:"email"`
}

// HandleSignup handles POST /api/v1/auth/signup
func HandleSignup(svc *Service, sink audit.Sink, jwtSecret string, sessionDays int, isProduction bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		var req Credentials
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			apperrors.WriteBadRequest(w, r, "Invalid request body")
			return
		}

		user, err := svc.Create(ctx, req.Email, req.Password)
		if err != nil {
			switch {
			case errors.Is(err, ErrInvalidEmail), errors.Is(err, ErrPasswordTooShort):
				apperrors.WriteBadRequest(w, r, err.Error())
			case errors.Is(err, ErrEmailTaken):
				apperrors.WriteConflict(w, r, "Email address already registered")
			default:
				log.Error().Err(err).Msg("Failed to create user")
				apperrors.WriteInternalError(w, r, "Failed to create account")
			}
			return
		}

		_ = sink.Record(ctx, audit.Entry{
			Action:      audit.EventUserSignup,
			ActorUserID: &user.ID,
			Meta:        map[string]interface{}{"email": user.Email},
		})

		token, err := auth.CreateToken(user.ID, jwtSecret, sessionDays)
		if err != nil {
			log.Error().Err(err).Msg("Failed to create token")
			apperrors.WriteInternalError(w, r, "Failed to create session")
			return
		}
		auth.SetSessionCookie(w, token, sessionDays, isProduction)

		apperrors.WriteSuccess(w, r, http.StatusCreated, SessionResponse{UserID: user.ID, Email: user.Email})
	}
}

// HandleLogin handles POST /api/v1/auth/login
func HandleLogin(svc *Service, sink audit.Sink, jwtSecret string, sessionDays int, isProduction bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		var req Credentials
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			apperrors.WriteBadRequest(w, r, "Invalid request body")
			return
		}

		user, err := svc.Authenticate(ctx, req.Email, req.Password)
		if err != nil {
			if errors.Is(err, ErrInvalidCredentials) {
				_ = sink.Record(ctx, audit.Entry{
					Action: audit.EventLoginFailed,
					Meta:   map[string]interface{}{"email": req.Email, "ip": r.RemoteAddr},
				})
				apperrors.WriteUnauthorized(w, r, "Invalid email or password")
				return
			}
			log.Error().Err(err).Msg("Failed to authenticate user")
			apperrors.WriteInternalError(w, r, "Failed to log in")
			return
		}

		token, err := auth.CreateToken(user.ID, jwtSecret, sessionDays)
		if err != nil {
			log.Error().Err(err).Msg("Failed to create token")
			apperrors.WriteInternalError(w, r, "Failed to create session")
			return
		}
		auth.SetSessionCookie(w, token, sessionDays, isProduction)

		apperrors.WriteSuccess(w, r, http.StatusOK, SessionResponse{UserID: user.ID, Email: user.Email})
	}
}

// HandleLogout handles POST /api/v1/auth/logout
func HandleLogout() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		auth.ClearSessionCookie(w)
		apperrors.WriteSuccess(w, r, http.StatusOK, map[string]bool{"logged_out": true})
	}
}
