package orgs

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/tenantcore/tenantcore/internal/apperrors"
	"github.com/tenantcore/tenantcore/internal/auth"
	"github.com/tenantcore/tenantcore/internal/roles"
	"github.com/tenantcore/tenantcore/internal/users"
	"github.com/tenantcore/tenantcore/internal/validation"
)

// OrgResponse is the JSON shape for an organization.
type OrgResponse struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	UniqueID  string    `json:"unique_id"`
	Plan      Plan      `json:"plan"`
	OwnerID   uuid.UUID `json:"owner_user_id"`
	CreatedAt string    `json:"created_at,omitempty"`
}

func orgResponse(o *Org) OrgResponse {
	return OrgResponse{
		ID:        o.ID,
		Name:      o.Name,
		UniqueID:  o.UniqueID,
		Plan:      o.Plan,
		OwnerID:   o.OwnerUserID,
		CreatedAt: o.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
	}
}

// OrgWithRoleResponse adds the caller's role to the org shape.
type OrgWithRoleResponse struct {
	OrgResponse
	Role roles.Role `json:"role"`
}

// writeOrgError maps the service sentinels onto the HTTP envelope. Errors it
// does not recognize are logged and come back as 500.
func writeOrgError(w http.ResponseWriter, r *http.Request, err error) {
	var rl *RateLimitedError
	switch {
	case errors.As(err, &rl):
		apperrors.WriteRateLimited(w, r, rl.RetryAfter, "Too many requests, slow down")
	case errors.Is(err, ErrOrgNotFound):
		apperrors.WriteNotFound(w, r, "Organization not found")
	case errors.Is(err, ErrSlugConflict):
		apperrors.WriteConflict(w, r, "Organization unique id already taken")
	case errors.Is(err, ErrNotMember):
		apperrors.WriteForbidden(w, r, "You are not a member of this organization")
	case errors.Is(err, ErrMemberNotFound):
		apperrors.WriteNotFound(w, r, "Member not found")
	case errors.Is(err, ErrInsufficientPermissions):
		apperrors.WriteForbidden(w, r, "Insufficient permissions")
	case errors.Is(err, ErrInvalidRole):
		apperrors.WriteBadRequest(w, r, "Invalid role")
	case errors.Is(err, ErrCannotSetOwner):
		apperrors.WriteBadRequest(w, r, "Ownership changes only through transfer")
	case errors.Is(err, ErrCannotRemoveOwner):
		apperrors.WriteBadRequest(w, r, "The organization owner cannot be removed")
	case errors.Is(err, ErrTransferToSelf):
		apperrors.WriteBadRequest(w, r, "Cannot transfer ownership to yourself")
	case errors.Is(err, ErrAlreadyMember):
		apperrors.WriteConflict(w, r, "User is already a member of this organization")
	case errors.Is(err, ErrCannotInviteOwner):
		apperrors.WriteBadRequest(w, r, "Invites cannot grant the owner role")
	case errors.Is(err, ErrDuplicateInvite):
		apperrors.WriteConflict(w, r, "A pending invite already exists for this email")
	case errors.Is(err, ErrInviteNotFound):
		apperrors.WriteNotFound(w, r, "Invite not found")
	case errors.Is(err, ErrInviteExpired):
		apperrors.WriteExpired(w, r, "This invite has expired")
	case errors.Is(err, ErrInviteNotPending):
		apperrors.WriteConflict(w, r, "This invite has already been resolved")
	case errors.Is(err, ErrInviteImmutable):
		apperrors.WriteConflict(w, r, "Accepted invites cannot be changed")
	case errors.Is(err, ErrInviteEmailMismatch):
		apperrors.WriteForbidden(w, r, "This invite is addressed to a different email")
	case errors.Is(err, ErrSendFailed):
		apperrors.WriteServiceUnavailable(w, r, "Could not send invite email, try again")
	case errors.Is(err, users.ErrInvalidEmail):
		apperrors.WriteBadRequest(w, r, "Invalid email address")
	default:
		log.Error().Err(err).Msg("Organization operation failed")
		apperrors.WriteInternalError(w, r, "Something went wrong")
	}
}

// orgIDParam parses the {orgID} URL parameter.
func orgIDParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "orgID"))
	if err != nil {
		apperrors.WriteBadRequest(w, r, "Invalid organization id")
		return uuid.Nil, false
	}
	return id, true
}

// HandleCreateOrg handles POST /api/v1/orgs
func HandleCreateOrg(svc *Service) http.HandlerFunc {
	type request struct {
		Name     string `json:"name"`
		UniqueID string `json:"unique_id"`
		Plan     Plan   `json:"plan"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		userID := auth.GetUserID(r.Context())

		var req request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			apperrors.WriteBadRequest(w, r, "Invalid request body")
			return
		}
		req.Name = strings.TrimSpace(req.Name)
		if err := validation.ValidateOrgName(req.Name); err != nil {
			apperrors.WriteBadRequest(w, r, err.Error())
			return
		}
		req.UniqueID = validation.NormalizeSlug(req.UniqueID)
		if err := validation.ValidateSlug(req.UniqueID); err != nil {
			apperrors.WriteBadRequest(w, r, err.Error())
			return
		}
		if req.Plan == "" {
			req.Plan = PlanFree
		}
		if !req.Plan.IsValid() {
			apperrors.WriteBadRequest(w, r, "Invalid plan")
			return
		}

		org, err := svc.CreateOrganization(r.Context(), userID, req.Name, req.UniqueID, req.Plan)
		if err != nil {
			writeOrgError(w, r, err)
			return
		}
		apperrors.WriteSuccess(w, r, http.StatusCreated, orgResponse(org))
	}
}

// HandleListOrgs handles GET /api/v1/orgs
func HandleListOrgs(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := auth.GetUserID(r.Context())

		list, err := svc.ListUserOrgs(r.Context(), userID)
		if err != nil {
			writeOrgError(w, r, err)
			return
		}

		out := make([]OrgWithRoleResponse, 0, len(list))
		for i := range list {
			out = append(out, OrgWithRoleResponse{
				OrgResponse: orgResponse(&list[i].Org),
				Role:        list[i].Role,
			})
		}
		apperrors.WriteSuccess(w, r, http.StatusOK, out)
	}
}

// HandleGetOrg handles GET /api/v1/orgs/{orgID}
func HandleGetOrg(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := auth.GetUserID(r.Context())
		orgID, ok := orgIDParam(w, r)
		if !ok {
			return
		}

		caps, err := svc.CheckAccess(r.Context(), userID, orgID)
		if err != nil {
			writeOrgError(w, r, err)
			return
		}
		if !caps.CanAccessOrganization {
			// Non-members get 404, not 403: org ids must not be probeable.
			apperrors.WriteNotFound(w, r, "Organization not found")
			return
		}

		meta, err := svc.GetOrganization(r.Context(), orgID)
		if err != nil {
			writeOrgError(w, r, err)
			return
		}
		apperrors.WriteSuccess(w, r, http.StatusOK, map[string]interface{}{
			"organization": meta,
			"capabilities": caps,
		})
	}
}

// HandleUpdateOrg handles PATCH /api/v1/orgs/{orgID}
func HandleUpdateOrg(svc *Service) http.HandlerFunc {
	type request struct {
		Name string `json:"name"`
		Plan Plan   `json:"plan"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		userID := auth.GetUserID(r.Context())
		orgID, ok := orgIDParam(w, r)
		if !ok {
			return
		}

		var req request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			apperrors.WriteBadRequest(w, r, "Invalid request body")
			return
		}
		req.Name = strings.TrimSpace(req.Name)
		if err := validation.ValidateOrgName(req.Name); err != nil {
			apperrors.WriteBadRequest(w, r, err.Error())
			return
		}
		if req.Plan == "" {
			req.Plan = PlanFree
		}
		if !req.Plan.IsValid() {
			apperrors.WriteBadRequest(w, r, "Invalid plan")
			return
		}

		org, err := svc.UpdateOrganization(r.Context(), userID, orgID, req.Name, req.Plan)
		if err != nil {
			writeOrgError(w, r, err)
			return
		}
		apperrors.WriteSuccess(w, r, http.StatusOK, orgResponse(org))
	}
}

// HandleCheckAccess handles GET /api/v1/orgs/{orgID}/access
func HandleCheckAccess(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := auth.GetUserID(r.Context())
		orgID, ok := orgIDParam(w, r)
		if !ok {
			return
		}

		caps, err := svc.CheckAccess(r.Context(), userID, orgID)
		if err != nil {
			writeOrgError(w, r, err)
			return
		}
		apperrors.WriteSuccess(w, r, http.StatusOK, caps)
	}
}

// HandleListMembers handles GET /api/v1/orgs/{orgID}/members
func HandleListMembers(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := auth.GetUserID(r.Context())
		orgID, ok := orgIDParam(w, r)
		if !ok {
			return
		}

		members, err := svc.ListMembers(r.Context(), userID, orgID)
		if err != nil {
			writeOrgError(w, r, err)
			return
		}
		apperrors.WriteSuccess(w, r, http.StatusOK, members)
	}
}

// HandleSetMemberRole handles PUT /api/v1/orgs/{orgID}/members/{userID}/role
func HandleSetMemberRole(svc *Service) http.HandlerFunc {
	type request struct {
		Role roles.Role `json:"role"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		actorID := auth.GetUserID(r.Context())
		orgID, ok := orgIDParam(w, r)
		if !ok {
			return
		}
		targetID, err := uuid.Parse(chi.URLParam(r, "userID"))
		if err != nil {
			apperrors.WriteBadRequest(w, r, "Invalid user id")
			return
		}

		var req request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			apperrors.WriteBadRequest(w, r, "Invalid request body")
			return
		}

		prev, err := svc.SetMemberRole(r.Context(), actorID, orgID, targetID, req.Role)
		if err != nil {
			writeOrgError(w, r, err)
			return
		}
		apperrors.WriteSuccess(w, r, http.StatusOK, map[string]interface{}{
			"user_id":       targetID,
			"previous_role": prev,
			"role":          req.Role,
		})
	}
}

// HandleRemoveMember handles DELETE /api/v1/orgs/{orgID}/members/{userID}
func HandleRemoveMember(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actorID := auth.GetUserID(r.Context())
		orgID, ok := orgIDParam(w, r)
		if !ok {
			return
		}
		targetID, err := uuid.Parse(chi.URLParam(r, "userID"))
		if err != nil {
			apperrors.WriteBadRequest(w, r, "Invalid user id")
			return
		}

		if err := svc.RemoveMember(r.Context(), actorID, orgID, targetID); err != nil {
			writeOrgError(w, r, err)
			return
		}
		apperrors.WriteSuccess(w, r, http.StatusOK, map[string]bool{"removed": true})
	}
}

// HandleTransferOwnership handles POST /api/v1/orgs/{orgID}/transfer
func HandleTransferOwnership(svc *Service) http.HandlerFunc {
	type request struct {
		NewOwnerUserID uuid.UUID `json:"new_owner_user_id"`
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
		if req.NewOwnerUserID == uuid.Nil {
			apperrors.WriteBadRequest(w, r, "new_owner_user_id is required")
			return
		}

		if err := svc.TransferOwnership(r.Context(), actorID, orgID, req.NewOwnerUserID); err != nil {
			writeOrgError(w, r, err)
			return
		}
		apperrors.WriteSuccess(w, r, http.StatusOK, map[string]interface{}{
			"organization_id":   orgID,
			"new_owner_user_id": req.NewOwnerUserID,
		})
	}
}
