package orgs

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tenantcore/tenantcore/internal/roles"
)

// memStore is an in-memory Store for service tests. It serializes every
// call on one mutex, which gives it the same effective isolation as the
// row-locked Postgres implementation, and it counts store reads so tests
// can assert whether a lookup was served from cache.
type memStore struct {
	mu sync.Mutex

	orgs    map[uuid.UUID]*Org
	members map[uuid.UUID]map[uuid.UUID]roles.Role
	invites map[uuid.UUID]*Invite
	emails  map[uuid.UUID]string

	getRoleCalls      int
	getOrgCalls       int
	listUserOrgsCalls int
}

func newMemStore() *memStore {
	return &memStore{
		orgs:    make(map[uuid.UUID]*Org),
		members: make(map[uuid.UUID]map[uuid.UUID]roles.Role),
		invites: make(map[uuid.UUID]*Invite),
		emails:  make(map[uuid.UUID]string),
	}
}

func (m *memStore) addUser(email string) uuid.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := uuid.New()
	m.emails[id] = email
	return id
}

func (m *memStore) addMembership(orgID, userID uuid.UUID, role roles.Role) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.members[orgID][userID] = role
}

func (m *memStore) roleOf(orgID, userID uuid.UUID) (roles.Role, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.members[orgID][userID]
	return r, ok
}

func (m *memStore) inviteByID(id uuid.UUID) Invite {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.invites[id]
}

func (m *memStore) setInviteExpiry(id uuid.UUID, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.invites[id].ExpiresAt = at
}

func (m *memStore) CreateOrg(ctx context.Context, name, uniqueID string, plan Plan, ownerUserID uuid.UUID) (*Org, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, o := range m.orgs {
		if o.UniqueID == uniqueID {
			return nil, ErrSlugConflict
		}
	}

	now := time.Now().UTC()
	org := &Org{
		ID:          uuid.New(),
		Name:        name,
		UniqueID:    uniqueID,
		Plan:        plan,
		OwnerUserID: ownerUserID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	m.orgs[org.ID] = org
	m.members[org.ID] = map[uuid.UUID]roles.Role{ownerUserID: roles.RoleOwner}
	return cloneOrg(org), nil
}

func (m *memStore) GetOrg(ctx context.Context, orgID uuid.UUID) (*Org, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.getOrgCalls++
	org, ok := m.orgs[orgID]
	if !ok {
		return nil, ErrOrgNotFound
	}
	return cloneOrg(org), nil
}

func (m *memStore) UpdateOrg(ctx context.Context, orgID uuid.UUID, name string, plan Plan) (*Org, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	org, ok := m.orgs[orgID]
	if !ok {
		return nil, ErrOrgNotFound
	}
	org.Name = name
	org.Plan = plan
	org.UpdatedAt = time.Now().UTC()
	return cloneOrg(org), nil
}

func (m *memStore) ListUserOrgs(ctx context.Context, userID uuid.UUID) ([]OrgWithRole, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.listUserOrgsCalls++
	var out []OrgWithRole
	for orgID, members := range m.members {
		if role, ok := members[userID]; ok {
			out = append(out, OrgWithRole{Org: *cloneOrg(m.orgs[orgID]), Role: role})
		}
	}
	return out, nil
}

func (m *memStore) ListMembers(ctx context.Context, orgID uuid.UUID) ([]MemberInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	members, ok := m.members[orgID]
	if !ok {
		return nil, ErrOrgNotFound
	}
	var out []MemberInfo
	for userID, role := range members {
		out = append(out, MemberInfo{UserID: userID, Email: m.emails[userID], Role: role})
	}
	return out, nil
}

func (m *memStore) GetRole(ctx context.Context, userID, orgID uuid.UUID) (roles.Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.getRoleCalls++
	role, ok := m.members[orgID][userID]
	if !ok {
		return "", ErrNotMember
	}
	return role, nil
}

func (m *memStore) SetRole(ctx context.Context, orgID, targetUserID uuid.UUID, newRole roles.Role) (roles.Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev, ok := m.members[orgID][targetUserID]
	if !ok {
		return "", ErrMemberNotFound
	}
	if prev == roles.RoleOwner || newRole == roles.RoleOwner {
		return "", ErrCannotSetOwner
	}
	m.members[orgID][targetUserID] = newRole
	return prev, nil
}

func (m *memStore) RemoveMember(ctx context.Context, orgID, targetUserID uuid.UUID) (roles.Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	role, ok := m.members[orgID][targetUserID]
	if !ok {
		return "", ErrMemberNotFound
	}
	if role == roles.RoleOwner {
		return "", ErrCannotRemoveOwner
	}
	delete(m.members[orgID], targetUserID)
	return role, nil
}

func (m *memStore) TransferOwnership(ctx context.Context, orgID, fromUserID, toUserID uuid.UUID) error {
	if fromUserID == toUserID {
		return ErrTransferToSelf
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	members, ok := m.members[orgID]
	if !ok {
		return ErrOrgNotFound
	}
	fromRole, ok := members[fromUserID]
	if !ok {
		return ErrNotMember
	}
	if fromRole != roles.RoleOwner {
		return ErrInsufficientPermissions
	}
	if _, ok := members[toUserID]; !ok {
		return ErrMemberNotFound
	}

	members[fromUserID] = roles.RoleAdmin
	members[toUserID] = roles.RoleOwner
	m.orgs[orgID].OwnerUserID = toUserID
	return nil
}

func (m *memStore) CreateInvite(ctx context.Context, orgID uuid.UUID, email string, role roles.Role, invitedByID uuid.UUID, expiresAt time.Time) (*Invite, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for userID := range m.members[orgID] {
		if strings.EqualFold(m.emails[userID], email) {
			return nil, ErrAlreadyMember
		}
	}
	for _, inv := range m.invites {
		if inv.OrganizationID == orgID && inv.Status == InvitePending && strings.EqualFold(inv.Email, email) {
			return nil, ErrDuplicateInvite
		}
	}

	now := time.Now().UTC()
	invite := &Invite{
		ID:             uuid.New(),
		Email:          email,
		OrganizationID: orgID,
		Role:           role,
		Status:         InvitePending,
		ExpiresAt:      expiresAt,
		InvitedByID:    invitedByID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	m.invites[invite.ID] = invite
	out := *invite
	return &out, nil
}

func (m *memStore) GetInvite(ctx context.Context, inviteID uuid.UUID) (*Invite, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	invite, ok := m.invites[inviteID]
	if !ok {
		return nil, ErrInviteNotFound
	}
	m.lazyExpireLocked(invite)
	out := *invite
	return &out, nil
}

func (m *memStore) ListInvites(ctx context.Context, orgID uuid.UUID) ([]Invite, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Invite
	for _, inv := range m.invites {
		if inv.OrganizationID == orgID {
			m.lazyExpireLocked(inv)
			out = append(out, *inv)
		}
	}
	return out, nil
}

func (m *memStore) AcceptInvite(ctx context.Context, inviteID, userID uuid.UUID) (*AcceptOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	invite, ok := m.invites[inviteID]
	if !ok {
		return nil, ErrInviteNotFound
	}
	if invite.Status != InvitePending {
		return nil, ErrInviteNotPending
	}
	if invite.ExpiredAt(time.Now().UTC()) {
		invite.Status = InviteExpired
		return nil, ErrInviteExpired
	}
	if !strings.EqualFold(m.emails[userID], invite.Email) {
		return nil, ErrInviteEmailMismatch
	}

	memberCreated := false
	if _, ok := m.members[invite.OrganizationID][userID]; !ok {
		m.members[invite.OrganizationID][userID] = invite.Role
		memberCreated = true
	}
	invite.Status = InviteAccepted

	out := *invite
	return &AcceptOutcome{Invite: &out, MemberCreated: memberCreated}, nil
}

func (m *memStore) RejectInvite(ctx context.Context, inviteID uuid.UUID) (*Invite, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	invite, ok := m.invites[inviteID]
	if !ok {
		return nil, ErrInviteNotFound
	}
	m.lazyExpireLocked(invite)

	switch invite.Status {
	case InviteAccepted:
		return nil, ErrInviteImmutable
	case InviteRejected:
		return nil, ErrInviteNotPending
	}
	invite.Status = InviteRejected

	out := *invite
	return &out, nil
}

func (m *memStore) RenewInvite(ctx context.Context, inviteID uuid.UUID, expiresAt time.Time) (*Invite, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	invite, ok := m.invites[inviteID]
	if !ok {
		return nil, ErrInviteNotFound
	}
	if invite.Status != InvitePending {
		return nil, ErrInviteNotPending
	}
	if invite.ExpiredAt(time.Now().UTC()) {
		invite.Status = InviteExpired
		return nil, ErrInviteExpired
	}
	invite.ExpiresAt = expiresAt

	out := *invite
	return &out, nil
}

func (m *memStore) DeleteInvite(ctx context.Context, inviteID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	invite, ok := m.invites[inviteID]
	if !ok {
		return ErrInviteNotFound
	}
	m.lazyExpireLocked(invite)

	switch invite.Status {
	case InviteAccepted:
		return ErrInviteImmutable
	case InviteRejected:
		return ErrInviteNotPending
	}
	delete(m.invites, inviteID)
	return nil
}

func (m *memStore) ExpireInvites(ctx context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for _, inv := range m.invites {
		if inv.Status == InvitePending && inv.ExpiredAt(now) {
			inv.Status = InviteExpired
			n++
		}
	}
	return n, nil
}

func (m *memStore) GetUserEmail(ctx context.Context, userID uuid.UUID) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	email, ok := m.emails[userID]
	if !ok {
		return "", ErrMemberNotFound
	}
	return email, nil
}

func (m *memStore) lazyExpireLocked(invite *Invite) {
	if invite.Status == InvitePending && invite.ExpiredAt(time.Now().UTC()) {
		invite.Status = InviteExpired
	}
}

func cloneOrg(o *Org) *Org {
	out := *o
	return &out
}

var _ Store = (*memStore)(nil)
