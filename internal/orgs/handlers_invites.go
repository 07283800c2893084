package orgs

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/tenantcore/tenantcore/internal/apperrors"
	"github.com/tenantcore/tenantcore/internal/auth"
	"github.com/tenantcore/tenantcore/internal/roles"
)

func inviteIDParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "inviteID"))
	if err != nil {
		apperrors.WriteBadRequest(w, r, "Invalid invite id")
		return uuid.Nil, false
	}
	return id, true
}

// HandleCreateInvite handles POST /api/v1/orgs/{orgID}/invites
func HandleCreateInvite(svc *Service) http.HandlerFunc {
	type request struct {
		Email string     `json:"email"`
		Role  roles.Role `json:"role"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		actorID := auth.GetUserID(r.Context())
		orgID, ok := orgIDParam(w, r)
		if !ok {
			return
		}

		var req request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			apperrors.WriteBadRequest(w, r, "Invalid request body")
			return
		}
		if req.Role == "" {
			req.Role = roles.RoleUser
		}

		invite, err := svc.CreateInvite(r.Context(), actorID, orgID, req.Email, req.Role)
		if err != nil {
			writeOrgError(w, r, err)
			return
		}
		apperrors.WriteSuccess(w, r, http.StatusCreated, invite)
	}
}

// HandleListInvites handles GET /api/v1/orgs/{orgID}/invites
func HandleListInvites(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actorID := auth.GetUserID(r.Context())
		orgID, ok := orgIDParam(w, r)
		if !ok {
			return
		}

		invites, err := svc.ListInvites(r.Context(), actorID, orgID)
		if err != nil {
			writeOrgError(w, r, err)
			return
		}
		apperrors.WriteSuccess(w, r, http.StatusOK, invites)
	}
}

// HandleResendInvite handles POST /api/v1/orgs/{orgID}/invites/{inviteID}/resend
func HandleResendInvite(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actorID := auth.GetUserID(r.Context())
		orgID, ok := orgIDParam(w, r)
		if !ok {
			return
		}
		inviteID, ok := inviteIDParam(w, r)
		if !ok {
			return
		}

		invite, err := svc.ResendInvite(r.Context(), actorID, orgID, inviteID)
		if err != nil {
			writeOrgError(w, r, err)
			return
		}
		apperrors.WriteSuccess(w, r, http.StatusOK, invite)
	}
}

// HandleDeleteInvite handles DELETE /api/v1/orgs/{orgID}/invites/{inviteID}
func HandleDeleteInvite(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actorID := auth.GetUserID(r.Context())
		orgID, ok := orgIDParam(w, r)
		if !ok {
			return
		}
		inviteID, ok := inviteIDParam(w, r)
		if !ok {
			return
		}

		if err := svc.DeleteInvite(r.Context(), actorID, orgID, inviteID); err != nil {
			writeOrgError(w, r, err)
			return
		}
		apperrors.WriteSuccess(w, r, http.StatusOK, map[string]bool{"deleted": true})
	}
}

// HandleGetInvite handles GET /api/v1/invites/{inviteID}
//
// The invitee-facing view: the invite must be addressed to the caller.
func HandleGetInvite(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := auth.GetUserID(r.Context())
		inviteID, ok := inviteIDParam(w, r)
		if !ok {
			return
		}

		invite, err := svc.GetInvite(r.Context(), userID, inviteID)
		if err != nil {
			writeOrgError(w, r, err)
			return
		}
		apperrors.WriteSuccess(w, r, http.StatusOK, invite)
	}
}

// HandleAcceptInvite handles POST /api/v1/invites/{inviteID}/accept
func HandleAcceptInvite(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := auth.GetUserID(r.Context())
		inviteID, ok := inviteIDParam(w, r)
		if !ok {
			return
		}

		outcome, err := svc.AcceptInvite(r.Context(), userID, inviteID)
		if err != nil {
			writeOrgError(w, r, err)
			return
		}

		status := http.StatusOK
		if !outcome.MemberCreated {
			// Invite consumed, but the caller was already a member.
			status = http.StatusConflict
		}
		apperrors.WriteSuccess(w, r, status, map[string]interface{}{
			"invite":         outcome.Invite,
			"member_created": outcome.MemberCreated,
		})
	}
}

// HandleRejectInvite handles POST /api/v1/invites/{inviteID}/reject
func HandleRejectInvite(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := auth.GetUserID(r.Context())
		inviteID, ok := inviteIDParam(w, r)
		if !ok {
			return
		}

		invite, err := svc.RejectInvite(r.Context(), userID, inviteID)
		if err != nil {
			writeOrgError(w, r, err)
			return
		}
		apperrors.WriteSuccess(w, r, http.StatusOK, invite)
	}
}
