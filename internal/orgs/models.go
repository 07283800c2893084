package orgs

import (
	"time"

	"github.com/google/uuid"
	"github.com/tenantcore/tenantcore/internal/roles"
)

// Plan identifies an organization's billing plan. Billing itself is handled
// elsewhere; the plan is carried as metadata.
type Plan string

const (
	PlanFree       Plan = "FREE"
	PlanPro        Plan = "PRO"
	PlanEnterprise Plan = "ENTERPRISE"
)

// IsValid returns true if the plan is a known plan value
func (p Plan) IsValid() bool {
	switch p {
	case PlanFree, PlanPro, PlanEnterprise:
		return true
	}
	return false
}

// Org represents an organization in the system
type Org struct {
	ID          uuid.UUID `db:"id"`
	Name        string    `db:"name"`
	UniqueID    string    `db:"unique_id"`
	Plan        Plan      `db:"plan"`
	OwnerUserID uuid.UUID `db:"owner_user_id"`
	CreatedAt   time.Time `db:"created_at"`
	UpdatedAt   time.Time `db:"updated_at"`
}

// Meta carries the cached subset of organization metadata.
type Meta struct {
	ID          uuid.UUID `json:"id"`
	Name        string    `json:"name"`
	UniqueID    string    `json:"unique_id"`
	Plan        Plan      `json:"plan"`
	OwnerUserID uuid.UUID `json:"owner_user_id"`
}

// MetaOf extracts the cacheable metadata from an organization record.
func MetaOf(o *Org) Meta {
	return Meta{
		ID:          o.ID,
		Name:        o.Name,
		UniqueID:    o.UniqueID,
		Plan:        o.Plan,
		OwnerUserID: o.OwnerUserID,
	}
}

// Membership represents a user's membership in an organization
type Membership struct {
	UserID         uuid.UUID  `db:"user_id"`
	OrganizationID uuid.UUID  `db:"organization_id"`
	Role           roles.Role `db:"role"`
	CreatedAt      time.Time  `db:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at"`
}

// OrgWithRole combines org information with the user's role
type OrgWithRole struct {
	Org
	Role roles.Role `db:"role"`
}

// MemberInfo represents a member of an organization with their details
type MemberInfo struct {
	UserID    uuid.UUID  `db:"user_id" json:"user_id"`
	Email     string     `db:"email" json:"email"`
	Role      roles.Role `db:"role" json:"role"`
	CreatedAt time.Time  `db:"created_at" json:"created_at"`
}

// InviteStatus is the invitation lifecycle state. PENDING is the only
// non-terminal state.
type InviteStatus string

const (
	InvitePending  InviteStatus = "PENDING"
	InviteAccepted InviteStatus = "ACCEPTED"
	InviteRejected InviteStatus = "REJECTED"
	InviteExpired  InviteStatus = "EXPIRED"
)

// Terminal returns true for states that can never transition again.
func (s InviteStatus) Terminal() bool {
	return s == InviteAccepted || s == InviteRejected
}

// Invite represents an invitation to join an organization
type Invite struct {
	ID             uuid.UUID    `db:"id" json:"id"`
	Email          string       `db:"email" json:"email"`
	OrganizationID uuid.UUID    `db:"organization_id" json:"organization_id"`
	Role           roles.Role   `db:"role" json:"role"`
	Status         InviteStatus `db:"status" json:"status"`
	ExpiresAt      time.Time    `db:"expires_at" json:"expires_at"`
	InvitedByID    uuid.UUID    `db:"invited_by_id" json:"invited_by_id"`
	CreatedAt      time.Time    `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time    `db:"updated_at" json:"updated_at"`
}

// ExpiredAt reports whether the invite's expiry has passed at the given
// instant. An invite expiring exactly now is already expired.
func (i *Invite) ExpiredAt(now time.Time) bool {
	return !i.ExpiresAt.After(now)
}
