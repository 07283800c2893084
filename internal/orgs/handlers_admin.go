package orgs

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/tenantcore/tenantcore/internal/apperrors"
	"github.com/tenantcore/tenantcore/internal/auth"
)

// Operator-facing cache controls. The router gates these behind the admin
// token; they exist for incident response, when cached authorization must be
// flushed without waiting for TTLs.

// HandleCacheStats handles GET /api/v1/admin/cache
func HandleCacheStats(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		apperrors.WriteSuccess(w, r, http.StatusOK, svc.Stats())
	}
}

// HandleBumpEpoch handles POST /api/v1/admin/cache/epoch
func HandleBumpEpoch(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor := actorPtr(r)
		epoch := svc.BumpEpoch(r.Context(), actor)
		apperrors.WriteSuccess(w, r, http.StatusOK, map[string]uint64{"epoch": epoch})
	}
}

// HandleInvalidateUser handles POST /api/v1/admin/cache/users/{userID}/invalidate
func HandleInvalidateUser(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := uuid.Parse(chi.URLParam(r, "userID"))
		if err != nil {
			apperrors.WriteBadRequest(w, r, "Invalid user id")
			return
		}
		removed := svc.InvalidateUser(r.Context(), actorPtr(r), userID)
		apperrors.WriteSuccess(w, r, http.StatusOK, map[string]int{"removed": removed})
	}
}

// HandleInvalidateOrg handles POST /api/v1/admin/cache/orgs/{orgID}/invalidate
func HandleInvalidateOrg(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		orgID, ok := orgIDParam(w, r)
		if !ok {
			return
		}
		removed := svc.InvalidateOrg(r.Context(), actorPtr(r), orgID)
		apperrors.WriteSuccess(w, r, http.StatusOK, map[string]int{"removed": removed})
	}
}

// actorPtr returns the authenticated user id if present. Admin calls may
// arrive with the token alone, so nil is fine.
func actorPtr(r *http.Request) *uuid.UUID {
	id := auth.GetUserID(r.Context())
	if id == uuid.Nil {
		return nil
	}
	return &id
}
