package orgs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/tenantcore/tenantcore/internal/audit"
	"github.com/tenantcore/tenantcore/internal/mailer"
	"github.com/tenantcore/tenantcore/internal/metrics"
	"github.com/tenantcore/tenantcore/internal/permcache"
	"github.com/tenantcore/tenantcore/internal/ratelimit"
	"github.com/tenantcore/tenantcore/internal/roles"
	"github.com/tenantcore/tenantcore/internal/users"
)

// CapKey identifies one resolved capability set.
type CapKey struct {
	UserID uuid.UUID
	OrgID  uuid.UUID
}

// CacheConfig sizes the service caches.
type CacheConfig struct {
	CapabilityTTL time.Duration
	OrgMetaTTL    time.Duration
	MaxEntries    int
}

// Service is the authorization and invite lifecycle core. Reads resolve
// through the caches; every mutation goes to the store and synchronously
// invalidates the affected entries before returning, so a caller never
// observes its own write as stale.
type Service struct {
	store   Store
	limiter ratelimit.Limiter
	sink    audit.Sink
	mail    mailer.Mailer

	caps     *permcache.Cache[CapKey, roles.Capabilities]
	orgMeta  *permcache.Cache[uuid.UUID, Meta]
	userOrgs *permcache.Cache[uuid.UUID, []OrgWithRole]
}

// NewService wires the authorization core together.
func NewService(store Store, limiter ratelimit.Limiter, sink audit.Sink, mail mailer.Mailer, cfg CacheConfig) *Service {
	return &Service{
		store:    store,
		limiter:  limiter,
		sink:     sink,
		mail:     mail,
		caps:     permcache.New[CapKey, roles.Capabilities](cfg.CapabilityTTL, cfg.MaxEntries),
		orgMeta:  permcache.New[uuid.UUID, Meta](cfg.OrgMetaTTL, cfg.MaxEntries),
		userOrgs: permcache.New[uuid.UUID, []OrgWithRole](cfg.OrgMetaTTL, cfg.MaxEntries),
	}
}

// StartJanitors launches the background sweeps that reclaim expired cache
// entries. They stop when ctx is cancelled.
func (s *Service) StartJanitors(ctx context.Context, interval time.Duration) {
	go s.caps.Janitor(ctx, interval)
	go s.orgMeta.Janitor(ctx, interval)
	go s.userOrgs.Janitor(ctx, interval)
}

// CheckAccess resolves the capability set for a user in an organization.
// Non-membership is not an error: it resolves to the zero capability set,
// and that result is cached like any other so repeated probes stay cheap.
func (s *Service) CheckAccess(ctx context.Context, userID, orgID uuid.UUID) (roles.Capabilities, error) {
	key := CapKey{UserID: userID, OrgID: orgID}
	if caps, ok := s.caps.Get(key); ok {
		metrics.CacheHits.WithLabelValues("capabilities").Inc()
		return caps, nil
	}
	metrics.CacheMisses.WithLabelValues("capabilities").Inc()

	role, err := s.store.GetRole(ctx, userID, orgID)
	if err != nil {
		if errors.Is(err, ErrNotMember) {
			caps := roles.Capabilities{}
			s.caps.Put(key, caps)
			metrics.AuthzChecks.WithLabelValues("non_member").Inc()
			return caps, nil
		}
		metrics.AuthzChecks.WithLabelValues("error").Inc()
		return roles.Capabilities{}, err
	}

	caps := roles.CapabilitiesFor(role)
	s.caps.Put(key, caps)
	metrics.AuthzChecks.WithLabelValues("member").Inc()
	return caps, nil
}

// GetOrganization returns cached organization metadata, reading through to
// the store on a miss.
func (s *Service) GetOrganization(ctx context.Context, orgID uuid.UUID) (Meta, error) {
	if meta, ok := s.orgMeta.Get(orgID); ok {
		metrics.CacheHits.WithLabelValues("org_meta").Inc()
		return meta, nil
	}
	metrics.CacheMisses.WithLabelValues("org_meta").Inc()

	org, err := s.store.GetOrg(ctx, orgID)
	if err != nil {
		return Meta{}, err
	}
	meta := MetaOf(org)
	s.orgMeta.Put(orgID, meta)
	return meta, nil
}

// ListUserOrgs returns the organizations a user belongs to with their role
// in each.
func (s *Service) ListUserOrgs(ctx context.Context, userID uuid.UUID) ([]OrgWithRole, error) {
	if list, ok := s.userOrgs.Get(userID); ok {
		metrics.CacheHits.WithLabelValues("user_orgs").Inc()
		return list, nil
	}
	metrics.CacheMisses.WithLabelValues("user_orgs").Inc()

	list, err := s.store.ListUserOrgs(ctx, userID)
	if err != nil {
		return nil, err
	}
	s.userOrgs.Put(userID, list)
	return list, nil
}

// ListMembers lists organization members. Any member may view the roster.
func (s *Service) ListMembers(ctx context.Context, actorID, orgID uuid.UUID) ([]MemberInfo, error) {
	caps, err := s.CheckAccess(ctx, actorID, orgID)
	if err != nil {
		return nil, err
	}
	if !caps.CanAccessOrganization {
		return nil, ErrNotMember
	}
	return s.store.ListMembers(ctx, orgID)
}

// CreateOrganization creates an organization with the creator as OWNER.
func (s *Service) CreateOrganization(ctx context.Context, ownerID uuid.UUID, name, uniqueID string, plan Plan) (*Org, error) {
	if !plan.IsValid() {
		return nil, fmt.Errorf("invalid plan %q", plan)
	}
	if err := s.allow(ctx, ownerID, nil, "org.create"); err != nil {
		return nil, err
	}

	org, err := s.store.CreateOrg(ctx, name, uniqueID, plan, ownerID)
	if err != nil {
		return nil, err
	}

	s.userOrgs.Invalidate(ownerID)
	s.record(ctx, audit.Entry{
		Action:      audit.EventOrgCreated,
		OrgID:       &org.ID,
		ActorUserID: &ownerID,
		Meta:        map[string]interface{}{"name": org.Name, "unique_id": org.UniqueID, "plan": org.Plan},
	})
	return org, nil
}

// UpdateOrganization changes an organization's name and plan.
func (s *Service) UpdateOrganization(ctx context.Context, actorID, orgID uuid.UUID, name string, plan Plan) (*Org, error) {
	if !plan.IsValid() {
		return nil, fmt.Errorf("invalid plan %q", plan)
	}
	if err := s.requireFresh(ctx, actorID, orgID, "org.update", func(c roles.Capabilities) bool { return c.CanModifyOrganization }); err != nil {
		return nil, err
	}
	if err := s.allow(ctx, actorID, &orgID, "org.update"); err != nil {
		return nil, err
	}

	org, err := s.store.UpdateOrg(ctx, orgID, name, plan)
	if err != nil {
		return nil, err
	}

	// Metadata changed, so drop the org entry and every capability entry
	// scoped to it; plan changes may alter what a role is allowed to do.
	s.orgMeta.Invalidate(orgID)
	s.caps.InvalidateMatching(func(k CapKey) bool { return k.OrgID == orgID })
	s.record(ctx, audit.Entry{
		Action:      audit.EventOrgUpdated,
		OrgID:       &orgID,
		ActorUserID: &actorID,
		Meta:        map[string]interface{}{"name": org.Name, "plan": org.Plan},
	})
	return org, nil
}

// SetMemberRole changes a member's role between ADMIN and USER. OWNER is
// out of reach on both sides; ownership moves only through
// TransferOwnership.
func (s *Service) SetMemberRole(ctx context.Context, actorID, orgID, targetID uuid.UUID, newRole roles.Role) (roles.Role, error) {
	if !newRole.IsValid() {
		return "", ErrInvalidRole
	}
	if err := s.requireFresh(ctx, actorID, orgID, "member.set_role", func(c roles.Capabilities) bool { return c.CanManageMembers }); err != nil {
		return "", err
	}
	if err := s.allow(ctx, actorID, &orgID, "member.set_role"); err != nil {
		return "", err
	}

	prev, err := s.store.SetRole(ctx, orgID, targetID, newRole)
	if err != nil {
		return "", err
	}

	s.invalidateMembership(targetID, orgID)
	s.record(ctx, audit.Entry{
		Action:      audit.EventMemberRoleUpdated,
		OrgID:       &orgID,
		ActorUserID: &actorID,
		Meta:        map[string]interface{}{"target_user_id": targetID, "previous_role": prev, "new_role": newRole},
	})
	return prev, nil
}

// RemoveMember removes a membership. Managers may remove anyone but the
// OWNER; any member may remove themselves (leave).
func (s *Service) RemoveMember(ctx context.Context, actorID, orgID, targetID uuid.UUID) error {
	if actorID != targetID {
		if err := s.requireFresh(ctx, actorID, orgID, "member.remove", func(c roles.Capabilities) bool { return c.CanManageMembers }); err != nil {
			return err
		}
	}
	if err := s.allow(ctx, actorID, &orgID, "member.remove"); err != nil {
		return err
	}

	removedRole, err := s.store.RemoveMember(ctx, orgID, targetID)
	if err != nil {
		return err
	}

	s.invalidateMembership(targetID, orgID)
	s.record(ctx, audit.Entry{
		Action:      audit.EventMemberRemoved,
		OrgID:       &orgID,
		ActorUserID: &actorID,
		Meta:        map[string]interface{}{"target_user_id": targetID, "removed_role": removedRole, "self": actorID == targetID},
	})
	return nil
}

// TransferOwnership atomically makes toUserID the OWNER and demotes the
// current owner to ADMIN. Only the current OWNER may call it.
func (s *Service) TransferOwnership(ctx context.Context, actorID, orgID, toUserID uuid.UUID) error {
	if err := s.requireFresh(ctx, actorID, orgID, "org.transfer", func(c roles.Capabilities) bool { return c.CanTransferOwnership }); err != nil {
		return err
	}
	if err := s.allow(ctx, actorID, &orgID, "org.transfer"); err != nil {
		return err
	}

	if err := s.store.TransferOwnership(ctx, orgID, actorID, toUserID); err != nil {
		return err
	}

	// Both sides of the swap changed role; stale entries here would let the
	// old owner keep owner capabilities until TTL.
	s.invalidateMembership(actorID, orgID)
	s.invalidateMembership(toUserID, orgID)
	s.orgMeta.Invalidate(orgID)

	s.record(ctx, audit.Entry{
		Action:      audit.EventOwnershipTransferred,
		OrgID:       &orgID,
		ActorUserID: &actorID,
		Meta:        map[string]interface{}{"new_owner_user_id": toUserID},
	})
	return nil
}

// CreateInvite creates a PENDING invite and sends the invite email. If the
// email cannot be sent the invite is rolled back so the caller can retry
// without hitting the duplicate guard.
func (s *Service) CreateInvite(ctx context.Context, actorID, orgID uuid.UUID, email string, role roles.Role) (*Invite, error) {
	email, err := users.NormalizeEmail(email)
	if err != nil {
		return nil, err
	}
	if role == roles.RoleOwner {
		return nil, ErrCannotInviteOwner
	}
	if !role.IsValid() {
		return nil, ErrInvalidRole
	}
	if err := s.requireFresh(ctx, actorID, orgID, "invite.create", func(c roles.Capabilities) bool { return c.CanSendInvites }); err != nil {
		return nil, err
	}
	if err := s.allow(ctx, actorID, &orgID, "invite.create"); err != nil {
		return nil, err
	}

	org, err := s.GetOrganization(ctx, orgID)
	if err != nil {
		return nil, err
	}

	expiresAt := time.Now().UTC().Add(InviteTTL)
	invite, err := s.store.CreateInvite(ctx, orgID, email, role, actorID, expiresAt)
	if err != nil {
		return nil, err
	}

	if err := s.mail.SendInvite(ctx, mailer.InviteMessage{
		Email:     invite.Email,
		OrgName:   org.Name,
		Role:      invite.Role,
		ExpiresAt: invite.ExpiresAt,
	}); err != nil {
		log.Error().Err(err).Str("invite_id", invite.ID.String()).Msg("Failed to send invite email, rolling back invite")
		if delErr := s.store.DeleteInvite(ctx, invite.ID); delErr != nil {
			log.Error().Err(delErr).Str("invite_id", invite.ID.String()).Msg("Failed to roll back unsent invite")
		}
		return nil, ErrSendFailed
	}

	s.record(ctx, audit.Entry{
		Action:      audit.EventInviteCreated,
		OrgID:       &orgID,
		ActorUserID: &actorID,
		Meta:        map[string]interface{}{"invite_id": invite.ID, "email": invite.Email, "role": invite.Role},
	})
	return invite, nil
}

// ListInvites lists an organization's invites, newest first.
func (s *Service) ListInvites(ctx context.Context, actorID, orgID uuid.UUID) ([]Invite, error) {
	if err := s.requireFresh(ctx, actorID, orgID, "invite.list", func(c roles.Capabilities) bool { return c.CanSendInvites }); err != nil {
		return nil, err
	}
	return s.store.ListInvites(ctx, orgID)
}

// GetInvite loads a single invite for the accepting or rejecting user. The
// invite must be addressed to the caller's email.
func (s *Service) GetInvite(ctx context.Context, userID, inviteID uuid.UUID) (*Invite, error) {
	invite, err := s.store.GetInvite(ctx, inviteID)
	if err != nil {
		return nil, err
	}
	if err := s.checkInviteAddressee(ctx, userID, invite); err != nil {
		return nil, err
	}
	return invite, nil
}

// AcceptInvite consumes a PENDING invite on behalf of userID, creating the
// membership transactionally with the status change.
func (s *Service) AcceptInvite(ctx context.Context, userID, inviteID uuid.UUID) (*AcceptOutcome, error) {
	if err := s.allow(ctx, userID, nil, "invite.accept"); err != nil {
		return nil, err
	}

	outcome, err := s.store.AcceptInvite(ctx, inviteID, userID)
	if err != nil {
		return nil, err
	}

	orgID := outcome.Invite.OrganizationID
	s.invalidateMembership(userID, orgID)
	s.record(ctx, audit.Entry{
		Action:      audit.EventInviteAccepted,
		OrgID:       &orgID,
		ActorUserID: &userID,
		Meta:        map[string]interface{}{"invite_id": inviteID, "member_created": outcome.MemberCreated},
	})
	return outcome, nil
}

// RejectInvite declines an invite addressed to userID.
func (s *Service) RejectInvite(ctx context.Context, userID, inviteID uuid.UUID) (*Invite, error) {
	if err := s.allow(ctx, userID, nil, "invite.reject"); err != nil {
		return nil, err
	}

	current, err := s.store.GetInvite(ctx, inviteID)
	if err != nil {
		return nil, err
	}
	if err := s.checkInviteAddressee(ctx, userID, current); err != nil {
		return nil, err
	}

	invite, err := s.store.RejectInvite(ctx, inviteID)
	if err != nil {
		return nil, err
	}

	orgID := invite.OrganizationID
	s.record(ctx, audit.Entry{
		Action:      audit.EventInviteRejected,
		OrgID:       &orgID,
		ActorUserID: &userID,
		Meta:        map[string]interface{}{"invite_id": inviteID},
	})
	return invite, nil
}

// ResendInvite re-sends the invite email and extends the expiry. The email
// goes out first; a send failure leaves the invite untouched.
func (s *Service) ResendInvite(ctx context.Context, actorID, orgID, inviteID uuid.UUID) (*Invite, error) {
	if err := s.requireFresh(ctx, actorID, orgID, "invite.resend", func(c roles.Capabilities) bool { return c.CanSendInvites }); err != nil {
		return nil, err
	}
	if err := s.allow(ctx, actorID, &orgID, "invite.resend"); err != nil {
		return nil, err
	}

	invite, err := s.store.GetInvite(ctx, inviteID)
	if err != nil {
		return nil, err
	}
	if invite.OrganizationID != orgID {
		return nil, ErrInviteNotFound
	}
	if invite.Status != InvitePending {
		if invite.Status == InviteExpired {
			return nil, ErrInviteExpired
		}
		return nil, ErrInviteNotPending
	}

	org, err := s.GetOrganization(ctx, orgID)
	if err != nil {
		return nil, err
	}

	expiresAt := time.Now().UTC().Add(InviteTTL)
	if err := s.mail.SendInvite(ctx, mailer.InviteMessage{
		Email:     invite.Email,
		OrgName:   org.Name,
		Role:      invite.Role,
		ExpiresAt: expiresAt,
	}); err != nil {
		log.Error().Err(err).Str("invite_id", inviteID.String()).Msg("Failed to resend invite email")
		return nil, ErrSendFailed
	}

	renewed, err := s.store.RenewInvite(ctx, inviteID, expiresAt)
	if err != nil {
		return nil, err
	}

	s.record(ctx, audit.Entry{
		Action:      audit.EventInviteResent,
		OrgID:       &orgID,
		ActorUserID: &actorID,
		Meta:        map[string]interface{}{"invite_id": inviteID, "expires_at": renewed.ExpiresAt},
	})
	return renewed, nil
}

// DeleteInvite withdraws a PENDING or EXPIRED invite.
func (s *Service) DeleteInvite(ctx context.Context, actorID, orgID, inviteID uuid.UUID) error {
	if err := s.requireFresh(ctx, actorID, orgID, "invite.delete", func(c roles.Capabilities) bool { return c.CanSendInvites }); err != nil {
		return err
	}
	if err := s.allow(ctx, actorID, &orgID, "invite.delete"); err != nil {
		return err
	}

	invite, err := s.store.GetInvite(ctx, inviteID)
	if err != nil {
		return err
	}
	if invite.OrganizationID != orgID {
		return ErrInviteNotFound
	}

	if err := s.store.DeleteInvite(ctx, inviteID); err != nil {
		return err
	}

	s.record(ctx, audit.Entry{
		Action:      audit.EventInviteDeleted,
		OrgID:       &orgID,
		ActorUserID: &actorID,
		Meta:        map[string]interface{}{"invite_id": inviteID, "email": invite.Email},
	})
	return nil
}

// ExpireInvites sweeps PENDING invites whose expiry has passed. Called from
// the background schedule; reads lazy-expire regardless, so a missed sweep
// never leaks an acceptable invite.
func (s *Service) ExpireInvites(ctx context.Context) (int64, error) {
	n, err := s.store.ExpireInvites(ctx, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		log.Info().Int64("expired", n).Msg("Expired stale invites")
	}
	return n, nil
}

// InvalidateUser drops every cached entry derived from one user's
// memberships.
func (s *Service) InvalidateUser(ctx context.Context, actorID *uuid.UUID, userID uuid.UUID) int {
	removed := s.caps.InvalidateMatching(func(k CapKey) bool { return k.UserID == userID })
	s.userOrgs.Invalidate(userID)
	s.record(ctx, audit.Entry{
		Action:      audit.EventCacheInvalidated,
		ActorUserID: actorID,
		Meta:        map[string]interface{}{"scope": "user", "user_id": userID, "removed": removed},
	})
	return removed
}

// InvalidateOrg drops every cached entry derived from one organization.
func (s *Service) InvalidateOrg(ctx context.Context, actorID *uuid.UUID, orgID uuid.UUID) int {
	removed := s.caps.InvalidateMatching(func(k CapKey) bool { return k.OrgID == orgID })
	s.orgMeta.Invalidate(orgID)
	s.record(ctx, audit.Entry{
		Action:      audit.EventCacheInvalidated,
		ActorUserID: actorID,
		OrgID:       &orgID,
		Meta:        map[string]interface{}{"scope": "organization", "removed": removed},
	})
	return removed
}

// BumpEpoch invalidates every cache entry at once. O(1): entries written
// under older epochs become misses immediately and are reclaimed by the
// janitors.
func (s *Service) BumpEpoch(ctx context.Context, actorID *uuid.UUID) uint64 {
	epoch := s.caps.BumpEpoch()
	s.orgMeta.BumpEpoch()
	s.userOrgs.BumpEpoch()
	metrics.EpochBumps.Inc()
	s.record(ctx, audit.Entry{
		Action:      audit.EventCacheEpochBumped,
		ActorUserID: actorID,
		Meta:        map[string]interface{}{"epoch": epoch},
	})
	return epoch
}

// CacheStats reports live cache sizes and the current epoch.
type CacheStats struct {
	CapabilityEntries int    `json:"capability_entries"`
	OrgMetaEntries    int    `json:"org_meta_entries"`
	UserOrgEntries    int    `json:"user_org_entries"`
	Epoch             uint64 `json:"epoch"`
}

// Stats returns a snapshot of the cache state.
func (s *Service) Stats() CacheStats {
	return CacheStats{
		CapabilityEntries: s.caps.Len(),
		OrgMetaEntries:    s.orgMeta.Len(),
		UserOrgEntries:    s.userOrgs.Len(),
		Epoch:             s.caps.Epoch(),
	}
}

// RegisterMetrics exposes the cache sizes as Prometheus gauges. Call once
// per process.
func (s *Service) RegisterMetrics() {
	metrics.RegisterCacheSize("capabilities", s.caps.Len)
	metrics.RegisterCacheSize("org_meta", s.orgMeta.Len)
	metrics.RegisterCacheSize("user_orgs", s.userOrgs.Len)
}

// requireFresh authorizes a mutation against the store, bypassing the
// capability cache. Mutations must not succeed on stale entries, so only
// reads go through the cache. Denied attempts land in the audit log.
func (s *Service) requireFresh(ctx context.Context, actorID, orgID uuid.UUID, action string, allowed func(roles.Capabilities) bool) error {
	role, err := s.store.GetRole(ctx, actorID, orgID)
	if errors.Is(err, ErrNotMember) {
		s.recordDenied(ctx, actorID, orgID, action, "")
		return err
	}
	if err != nil {
		return err
	}
	if !allowed(roles.CapabilitiesFor(role)) {
		s.recordDenied(ctx, actorID, orgID, action, string(role))
		return ErrInsufficientPermissions
	}
	return nil
}

func (s *Service) recordDenied(ctx context.Context, actorID, orgID uuid.UUID, action, role string) {
	s.record(ctx, audit.Entry{
		Action:      audit.EventPermissionDenied,
		OrgID:       &orgID,
		ActorUserID: &actorID,
		Meta:        map[string]interface{}{"action": action, "role": role},
	})
}

// allow consumes rate limit budget, auditing and counting denials.
func (s *Service) allow(ctx context.Context, actorID uuid.UUID, orgID *uuid.UUID, action string) error {
	decision, err := s.limiter.CheckAndConsume(ctx, actorID.String(), action)
	if err != nil {
		log.Warn().Err(err).Str("action", action).Msg("Rate limiter error, allowing request")
		return nil
	}
	if decision.Allowed {
		return nil
	}

	metrics.RateLimitDenials.WithLabelValues(action).Inc()
	s.record(ctx, audit.Entry{
		Action:      audit.EventRateLimited,
		OrgID:       orgID,
		ActorUserID: &actorID,
		Meta:        map[string]interface{}{"action": action, "retry_after_ms": decision.RetryAfter.Milliseconds()},
	})
	return &RateLimitedError{RetryAfter: decision.RetryAfter}
}

// checkInviteAddressee verifies the invite is addressed to the user's email.
func (s *Service) checkInviteAddressee(ctx context.Context, userID uuid.UUID, invite *Invite) error {
	email, err := s.store.GetUserEmail(ctx, userID)
	if err != nil {
		return err
	}
	if !strings.EqualFold(email, invite.Email) {
		return ErrInviteEmailMismatch
	}
	return nil
}

func (s *Service) invalidateMembership(userID, orgID uuid.UUID) {
	s.caps.Invalidate(CapKey{UserID: userID, OrgID: orgID})
	s.userOrgs.Invalidate(userID)
}

func (s *Service) record(ctx context.Context, e audit.Entry) {
	if err := s.sink.Record(ctx, e); err != nil {
		log.Error().Err(err).Str("action", e.Action).Msg("Failed to record audit event")
	}
}
