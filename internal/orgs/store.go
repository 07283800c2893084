package orgs

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/tenantcore/tenantcore/internal/roles"
)

// InviteTTL is how long a freshly created or resent invite stays acceptable.
const InviteTTL = 7 * 24 * time.Hour

// AcceptOutcome is the result of consuming an invite.
type AcceptOutcome struct {
	Invite *Invite
	// MemberCreated is false when the accepting user already held a
	// membership; the invite is consumed regardless.
	MemberCreated bool
}

// Store is the durable source of truth for organizations, memberships and
// invites. It is the only component allowed to write them; the caches above
// it are read-through only. Implementations own the transaction discipline
// that keeps exactly one OWNER per organization and at most one membership
// per (user, organization).
type Store interface {
	CreateOrg(ctx context.Context, name, uniqueID string, plan Plan, ownerUserID uuid.UUID) (*Org, error)
	GetOrg(ctx context.Context, orgID uuid.UUID) (*Org, error)
	UpdateOrg(ctx context.Context, orgID uuid.UUID, name string, plan Plan) (*Org, error)
	ListUserOrgs(ctx context.Context, userID uuid.UUID) ([]OrgWithRole, error)
	ListMembers(ctx context.Context, orgID uuid.UUID) ([]MemberInfo, error)

	// GetRole returns ErrNotMember when no membership exists.
	GetRole(ctx context.Context, userID, orgID uuid.UUID) (roles.Role, error)

	// SetRole changes a member's role. It rejects OWNER on either side of
	// the change with ErrCannotSetOwner and returns the previous role.
	SetRole(ctx context.Context, orgID, targetUserID uuid.UUID, newRole roles.Role) (roles.Role, error)

	// RemoveMember deletes a membership. The OWNER cannot be removed.
	RemoveMember(ctx context.Context, orgID, targetUserID uuid.UUID) (roles.Role, error)

	// TransferOwnership atomically makes toUserID the OWNER, demotes
	// fromUserID to ADMIN and repoints the organization's owner column.
	// All three commit together or not at all.
	TransferOwnership(ctx context.Context, orgID, fromUserID, toUserID uuid.UUID) error

	// CreateInvite creates a PENDING invite expiring at expiresAt. Fails
	// with ErrDuplicateInvite when a PENDING invite exists for the email
	// and ErrAlreadyMember when the email already belongs to a member.
	CreateInvite(ctx context.Context, orgID uuid.UUID, email string, role roles.Role, invitedByID uuid.UUID, expiresAt time.Time) (*Invite, error)

	// GetInvite loads an invite, lazily transitioning PENDING past-expiry
	// records to EXPIRED before returning them.
	GetInvite(ctx context.Context, inviteID uuid.UUID) (*Invite, error)

	ListInvites(ctx context.Context, orgID uuid.UUID) ([]Invite, error)

	// AcceptInvite consumes a PENDING invite on behalf of userID inside one
	// transaction: the invite becomes ACCEPTED and a membership row is
	// created, or neither happens. Racing accepts serialize on the invite
	// row; the loser sees ErrInviteNotPending.
	AcceptInvite(ctx context.Context, inviteID, userID uuid.UUID) (*AcceptOutcome, error)

	// RejectInvite transitions a PENDING or EXPIRED invite to REJECTED.
	RejectInvite(ctx context.Context, inviteID uuid.UUID) (*Invite, error)

	// RenewInvite pushes a PENDING invite's expiry forward (resend).
	RenewInvite(ctx context.Context, inviteID uuid.UUID, expiresAt time.Time) (*Invite, error)

	// DeleteInvite removes a PENDING or EXPIRED invite. Terminal
	// ACCEPTED/REJECTED records are immutable history.
	DeleteInvite(ctx context.Context, inviteID uuid.UUID) error

	// ExpireInvites marks every PENDING invite past its expiry as EXPIRED.
	// Advisory housekeeping; reads already lazy-expire.
	ExpireInvites(ctx context.Context, now time.Time) (int64, error)

	// GetUserEmail returns the email for a user id (invite email matching).
	GetUserEmail(ctx context.Context, userID uuid.UUID) (string, error)
}
