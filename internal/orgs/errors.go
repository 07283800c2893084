package orgs

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrOrgNotFound is returned when an organization is not found
	ErrOrgNotFound = errors.New("organization not found")

	// ErrSlugConflict is returned when an organization unique id already exists
	ErrSlugConflict = errors.New("organization unique id already exists")

	// ErrNotMember is returned when a user is not a member of an organization
	ErrNotMember = errors.New("user is not a member of this organization")

	// ErrMemberNotFound is returned when the target member does not exist
	ErrMemberNotFound = errors.New("member not found")

	// ErrInsufficientPermissions is returned when a user lacks required permissions
	ErrInsufficientPermissions = errors.New("insufficient permissions")

	// ErrInvalidRole is returned for an unknown role value
	ErrInvalidRole = errors.New("invalid organization role")

	// ErrCannotSetOwner is returned when setRole tries to grant or revoke OWNER.
	// Ownership moves only through TransferOwnership.
	ErrCannotSetOwner = errors.New("owner role can only change via ownership transfer")

	// ErrCannotRemoveOwner is returned when removing the organization owner
	ErrCannotRemoveOwner = errors.New("cannot remove the organization owner")

	// ErrAlreadyMember is returned when the user already belongs to the organization
	ErrAlreadyMember = errors.New("user is already a member of this organization")

	// ErrCannotInviteOwner is returned when an invite names the OWNER role
	ErrCannotInviteOwner = errors.New("cannot invite owner role")

	// ErrDuplicateInvite is returned when a PENDING invite already exists for the email
	ErrDuplicateInvite = errors.New("a pending invite already exists for this email")

	// ErrInviteNotFound is returned when an invite id is unknown
	ErrInviteNotFound = errors.New("invite not found")

	// ErrInviteExpired is returned when an invite's expiry has passed
	ErrInviteExpired = errors.New("invite expired")

	// ErrInviteNotPending is returned when the invite status disallows the transition
	ErrInviteNotPending = errors.New("invite is no longer pending")

	// ErrInviteImmutable is returned when deleting or rejecting an accepted invite
	ErrInviteImmutable = errors.New("accepted invites are immutable")

	// ErrInviteEmailMismatch is returned when the accepting user's email differs
	ErrInviteEmailMismatch = errors.New("invite email does not match user")

	// ErrSendFailed is returned when the mail collaborator fails; the caller
	// should retry, the invite state is unchanged.
	ErrSendFailed = errors.New("failed to send invite email, try again")

	// ErrTransferToSelf is returned when an owner transfers ownership to themselves
	ErrTransferToSelf = errors.New("cannot transfer ownership to yourself")
)

// RateLimitedError is returned when the rate limiter denies a mutation.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}
