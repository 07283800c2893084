package orgs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/tenantcore/tenantcore/internal/audit"
	"github.com/tenantcore/tenantcore/internal/mailer"
	"github.com/tenantcore/tenantcore/internal/ratelimit"
	"github.com/tenantcore/tenantcore/internal/roles"
	"github.com/tenantcore/tenantcore/internal/users"
)

// recordMailer captures sends and can be told to fail.
type recordMailer struct {
	mu   sync.Mutex
	sent []mailer.InviteMessage
	fail bool
}

func (m *recordMailer) SendInvite(ctx context.Context, msg mailer.InviteMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("smtp: connection refused")
	}
	m.sent = append(m.sent, msg)
	return nil
}

func (m *recordMailer) sentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

func inviteFixture(t *testing.T) (*Service, *memStore, *recordMailer, uuid.UUID, uuid.UUID) {
	t.Helper()
	store := newMemStore()
	mail := &recordMailer{}
	svc := NewService(store, ratelimit.Unlimited{}, &audit.MemorySink{}, mail, testCacheConfig())

	owner := store.addUser("owner@example.com")
	org, err := svc.CreateOrganization(context.Background(), owner, "Acme", "acme", PlanFree)
	require.NoError(t, err)

	return svc, store, mail, owner, org.ID
}

func TestInviteAcceptGrantsMembership(t *testing.T) {
	ctx := context.Background()
	svc, store, mail, owner, orgID := inviteFixture(t)

	invitee := store.addUser("new@example.com")

	invite, err := svc.CreateInvite(ctx, owner, orgID, "new@example.com", roles.RoleAdmin)
	require.NoError(t, err)
	require.Equal(t, InvitePending, invite.Status)
	require.Equal(t, 1, mail.sentCount())

	outcome, err := svc.AcceptInvite(ctx, invitee, invite.ID)
	require.NoError(t, err)
	require.True(t, outcome.MemberCreated)
	require.Equal(t, InviteAccepted, outcome.Invite.Status)

	role, ok := store.roleOf(orgID, invitee)
	require.True(t, ok)
	require.Equal(t, roles.RoleAdmin, role)

	caps, err := svc.CheckAccess(ctx, invitee, orgID)
	require.NoError(t, err)
	require.True(t, caps.CanManageMembers)
}

func TestInviteAcceptIsConsumedExactlyOnce(t *testing.T) {
	ctx := context.Background()
	svc, store, _, owner, orgID := inviteFixture(t)

	invitee := store.addUser("new@example.com")
	invite, err := svc.CreateInvite(ctx, owner, orgID, "new@example.com", roles.RoleUser)
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]error, 2)
	outcomes := make([]*AcceptOutcome, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i], results[i] = svc.AcceptInvite(ctx, invitee, invite.ID)
		}(i)
	}
	wg.Wait()

	var wins, losses int
	for i := range results {
		switch {
		case results[i] == nil:
			wins++
			require.True(t, outcomes[i].MemberCreated)
		case errors.Is(results[i], ErrInviteNotPending):
			losses++
		default:
			t.Fatalf("unexpected error: %v", results[i])
		}
	}
	require.Equal(t, 1, wins)
	require.Equal(t, 1, losses)

	role, ok := store.roleOf(orgID, invitee)
	require.True(t, ok)
	require.Equal(t, roles.RoleUser, role)
}

func TestInviteAcceptExpired(t *testing.T) {
	ctx := context.Background()
	svc, store, _, owner, orgID := inviteFixture(t)

	invitee := store.addUser("new@example.com")
	invite, err := svc.CreateInvite(ctx, owner, orgID, "new@example.com", roles.RoleUser)
	require.NoError(t, err)

	store.setInviteExpiry(invite.ID, time.Now().UTC().Add(-time.Minute))

	_, err = svc.AcceptInvite(ctx, invitee, invite.ID)
	require.ErrorIs(t, err, ErrInviteExpired)

	// The failed accept still committed the lazy expiry.
	require.Equal(t, InviteExpired, store.inviteByID(invite.ID).Status)
	_, ok := store.roleOf(orgID, invitee)
	require.False(t, ok)
}

func TestInviteExpiryBoundaryIsExclusive(t *testing.T) {
	ctx := context.Background()
	svc, store, _, owner, orgID := inviteFixture(t)

	invitee := store.addUser("new@example.com")
	invite, err := svc.CreateInvite(ctx, owner, orgID, "new@example.com", roles.RoleUser)
	require.NoError(t, err)

	// expires_at == now counts as expired already.
	store.setInviteExpiry(invite.ID, time.Now().UTC())

	_, err = svc.AcceptInvite(ctx, invitee, invite.ID)
	require.ErrorIs(t, err, ErrInviteExpired)
}

func TestInviteAcceptEmailMismatch(t *testing.T) {
	ctx := context.Background()
	svc, store, _, owner, orgID := inviteFixture(t)

	store.addUser("new@example.com")
	imposter := store.addUser("imposter@example.com")

	invite, err := svc.CreateInvite(ctx, owner, orgID, "new@example.com", roles.RoleUser)
	require.NoError(t, err)

	_, err = svc.AcceptInvite(ctx, imposter, invite.ID)
	require.ErrorIs(t, err, ErrInviteEmailMismatch)

	// The invite survives for the right person.
	require.Equal(t, InvitePending, store.inviteByID(invite.ID).Status)
}

func TestInviteAcceptCaseInsensitiveEmail(t *testing.T) {
	ctx := context.Background()
	svc, store, _, owner, orgID := inviteFixture(t)

	invitee := store.addUser("New@Example.COM")
	invite, err := svc.CreateInvite(ctx, owner, orgID, "new@example.com", roles.RoleUser)
	require.NoError(t, err)

	outcome, err := svc.AcceptInvite(ctx, invitee, invite.ID)
	require.NoError(t, err)
	require.True(t, outcome.MemberCreated)
}

func TestInviteAcceptByExistingMemberConsumesInvite(t *testing.T) {
	ctx := context.Background()
	svc, store, _, owner, orgID := inviteFixture(t)

	invitee := store.addUser("new@example.com")
	invite, err := svc.CreateInvite(ctx, owner, orgID, "new@example.com", roles.RoleAdmin)
	require.NoError(t, err)

	// The user joined through another path while the invite was in flight.
	store.addMembership(orgID, invitee, roles.RoleUser)

	outcome, err := svc.AcceptInvite(ctx, invitee, invite.ID)
	require.NoError(t, err)
	require.False(t, outcome.MemberCreated)
	require.Equal(t, InviteAccepted, outcome.Invite.Status)

	// The existing membership wins; the invite's role does not upgrade it.
	role, ok := store.roleOf(orgID, invitee)
	require.True(t, ok)
	require.Equal(t, roles.RoleUser, role)
}

func TestInviteBlockedForExistingMember(t *testing.T) {
	ctx := context.Background()
	svc, store, _, owner, orgID := inviteFixture(t)

	member := store.addUser("member@example.com")
	seedMember(t, svc, store, orgID, owner, member, roles.RoleUser)

	_, err := svc.CreateInvite(ctx, owner, orgID, "member@example.com", roles.RoleUser)
	require.ErrorIs(t, err, ErrAlreadyMember)
}

func TestInviteDuplicatePendingRejected(t *testing.T) {
	ctx := context.Background()
	svc, _, _, owner, orgID := inviteFixture(t)

	_, err := svc.CreateInvite(ctx, owner, orgID, "new@example.com", roles.RoleUser)
	require.NoError(t, err)

	_, err = svc.CreateInvite(ctx, owner, orgID, "NEW@example.com", roles.RoleAdmin)
	require.ErrorIs(t, err, ErrDuplicateInvite)
}

func TestInviteRejectThenReinvite(t *testing.T) {
	ctx := context.Background()
	svc, store, _, owner, orgID := inviteFixture(t)

	invitee := store.addUser("new@example.com")
	invite, err := svc.CreateInvite(ctx, owner, orgID, "new@example.com", roles.RoleUser)
	require.NoError(t, err)

	rejected, err := svc.RejectInvite(ctx, invitee, invite.ID)
	require.NoError(t, err)
	require.Equal(t, InviteRejected, rejected.Status)

	// REJECTED is terminal; accepting it later fails.
	_, err = svc.AcceptInvite(ctx, invitee, invite.ID)
	require.ErrorIs(t, err, ErrInviteNotPending)

	// But a fresh invite for the same address is allowed again.
	_, err = svc.CreateInvite(ctx, owner, orgID, "new@example.com", roles.RoleUser)
	require.NoError(t, err)
}

func TestInviteCreateGuards(t *testing.T) {
	ctx := context.Background()
	svc, store, _, owner, orgID := inviteFixture(t)

	_, err := svc.CreateInvite(ctx, owner, orgID, "new@example.com", roles.RoleOwner)
	require.ErrorIs(t, err, ErrCannotInviteOwner)

	_, err = svc.CreateInvite(ctx, owner, orgID, "new@example.com", roles.Role("JANITOR"))
	require.ErrorIs(t, err, ErrInvalidRole)

	_, err = svc.CreateInvite(ctx, owner, orgID, "not an email", roles.RoleUser)
	require.ErrorIs(t, err, users.ErrInvalidEmail)

	member := store.addUser("member@example.com")
	seedMember(t, svc, store, orgID, owner, member, roles.RoleUser)

	// Plain members cannot invite.
	_, err = svc.CreateInvite(ctx, member, orgID, "other@example.com", roles.RoleUser)
	require.ErrorIs(t, err, ErrInsufficientPermissions)
}

func TestInviteCreateSendFailureLeavesNothingBehind(t *testing.T) {
	ctx := context.Background()
	svc, _, mail, owner, orgID := inviteFixture(t)

	mail.fail = true
	_, err := svc.CreateInvite(ctx, owner, orgID, "new@example.com", roles.RoleUser)
	require.ErrorIs(t, err, ErrSendFailed)

	invites, err := svc.ListInvites(ctx, owner, orgID)
	require.NoError(t, err)
	require.Empty(t, invites)

	// The address is free to invite once delivery works again.
	mail.fail = false
	_, err = svc.CreateInvite(ctx, owner, orgID, "new@example.com", roles.RoleUser)
	require.NoError(t, err)
}

func TestInviteResendExtendsExpiry(t *testing.T) {
	ctx := context.Background()
	svc, store, mail, owner, orgID := inviteFixture(t)

	invite, err := svc.CreateInvite(ctx, owner, orgID, "new@example.com", roles.RoleUser)
	require.NoError(t, err)

	nearExpiry := time.Now().UTC().Add(time.Hour)
	store.setInviteExpiry(invite.ID, nearExpiry)

	renewed, err := svc.ResendInvite(ctx, owner, orgID, invite.ID)
	require.NoError(t, err)
	require.True(t, renewed.ExpiresAt.After(nearExpiry))
	require.Equal(t, 2, mail.sentCount())
}

func TestInviteResendSendFailureLeavesExpiryUntouched(t *testing.T) {
	ctx := context.Background()
	svc, store, mail, owner, orgID := inviteFixture(t)

	invite, err := svc.CreateInvite(ctx, owner, orgID, "new@example.com", roles.RoleUser)
	require.NoError(t, err)

	nearExpiry := time.Now().UTC().Add(time.Hour)
	store.setInviteExpiry(invite.ID, nearExpiry)

	mail.fail = true
	_, err = svc.ResendInvite(ctx, owner, orgID, invite.ID)
	require.ErrorIs(t, err, ErrSendFailed)

	require.True(t, store.inviteByID(invite.ID).ExpiresAt.Equal(nearExpiry))
}

func TestInviteResendExpiredFails(t *testing.T) {
	ctx := context.Background()
	svc, store, _, owner, orgID := inviteFixture(t)

	invite, err := svc.CreateInvite(ctx, owner, orgID, "new@example.com", roles.RoleUser)
	require.NoError(t, err)

	store.setInviteExpiry(invite.ID, time.Now().UTC().Add(-time.Minute))

	_, err = svc.ResendInvite(ctx, owner, orgID, invite.ID)
	require.ErrorIs(t, err, ErrInviteExpired)
}

func TestInviteDeleteRules(t *testing.T) {
	ctx := context.Background()
	svc, store, _, owner, orgID := inviteFixture(t)

	invitee := store.addUser("new@example.com")
	invite, err := svc.CreateInvite(ctx, owner, orgID, "new@example.com", roles.RoleUser)
	require.NoError(t, err)

	// PENDING invites can be withdrawn.
	require.NoError(t, svc.DeleteInvite(ctx, owner, orgID, invite.ID))
	_, err = svc.AcceptInvite(ctx, invitee, invite.ID)
	require.ErrorIs(t, err, ErrInviteNotFound)

	// ACCEPTED invites are history and stay put.
	invite2, err := svc.CreateInvite(ctx, owner, orgID, "new@example.com", roles.RoleUser)
	require.NoError(t, err)
	_, err = svc.AcceptInvite(ctx, invitee, invite2.ID)
	require.NoError(t, err)

	err = svc.DeleteInvite(ctx, owner, orgID, invite2.ID)
	require.ErrorIs(t, err, ErrInviteImmutable)
}

func TestInviteWrongOrganizationIsNotFound(t *testing.T) {
	ctx := context.Background()
	svc, store, _, owner, orgID := inviteFixture(t)

	otherOwner := store.addUser("other-owner@example.com")
	otherOrg, err := svc.CreateOrganization(ctx, otherOwner, "Beta", "beta", PlanFree)
	require.NoError(t, err)

	invite, err := svc.CreateInvite(ctx, otherOwner, otherOrg.ID, "new@example.com", roles.RoleUser)
	require.NoError(t, err)

	// Managing another org's invite through your own org fails.
	_, err = svc.ResendInvite(ctx, owner, orgID, invite.ID)
	require.ErrorIs(t, err, ErrInviteNotFound)
	err = svc.DeleteInvite(ctx, owner, orgID, invite.ID)
	require.ErrorIs(t, err, ErrInviteNotFound)
}

func TestExpireInvitesSweep(t *testing.T) {
	ctx := context.Background()
	svc, store, _, owner, orgID := inviteFixture(t)

	a, err := svc.CreateInvite(ctx, owner, orgID, "a@example.com", roles.RoleUser)
	require.NoError(t, err)
	b, err := svc.CreateInvite(ctx, owner, orgID, "b@example.com", roles.RoleUser)
	require.NoError(t, err)
	_, err = svc.CreateInvite(ctx, owner, orgID, "c@example.com", roles.RoleUser)
	require.NoError(t, err)

	store.setInviteExpiry(a.ID, time.Now().UTC().Add(-time.Hour))
	store.setInviteExpiry(b.ID, time.Now().UTC().Add(-time.Minute))

	n, err := svc.ExpireInvites(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), n)

	require.Equal(t, InviteExpired, store.inviteByID(a.ID).Status)
	require.Equal(t, InviteExpired, store.inviteByID(b.ID).Status)

	// Sweep is idempotent.
	n, err = svc.ExpireInvites(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestGetInviteRequiresAddressee(t *testing.T) {
	ctx := context.Background()
	svc, store, _, owner, orgID := inviteFixture(t)

	invitee := store.addUser("new@example.com")
	stranger := store.addUser("stranger@example.com")

	invite, err := svc.CreateInvite(ctx, owner, orgID, "new@example.com", roles.RoleUser)
	require.NoError(t, err)

	got, err := svc.GetInvite(ctx, invitee, invite.ID)
	require.NoError(t, err)
	require.Equal(t, invite.ID, got.ID)

	_, err = svc.GetInvite(ctx, stranger, invite.ID)
	require.ErrorIs(t, err, ErrInviteEmailMismatch)
}
