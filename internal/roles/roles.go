package roles

// Role represents a user's role within an organization
type Role string

const (
	RoleOwner Role = "OWNER"
	RoleAdmin Role = "ADMIN"
	RoleUser  Role = "USER"
)

// IsValid returns true if the role is a known role value
func (r Role) IsValid() bool {
	switch r {
	case RoleOwner, RoleAdmin, RoleUser:
		return true
	}
	return false
}

// CanMutate returns true if the role has permission to modify organization resources
func (r Role) CanMutate() bool {
	return r == RoleOwner || r == RoleAdmin
}

// Capabilities is the derived permission set for a role within an organization.
// The zero value grants nothing and is what non-members resolve to.
type Capabilities struct {
	CanAccessOrganization bool `json:"can_access_organization"`
	CanManageMembers      bool `json:"can_manage_members"`
	CanSendInvites        bool `json:"can_send_invites"`
	CanModifyOrganization bool `json:"can_modify_organization"`
	CanManageSubscription bool `json:"can_manage_subscription"`
	CanTransferOwnership  bool `json:"can_transfer_ownership"`
}

// CapabilitiesFor maps a role to its capability set. It is a total function:
// unknown roles resolve to the zero set.
func CapabilitiesFor(r Role) Capabilities {
	switch r {
	case RoleOwner:
		return Capabilities{
			CanAccessOrganization: true,
			CanManageMembers:      true,
			CanSendInvites:        true,
			CanModifyOrganization: true,
			CanManageSubscription: true,
			CanTransferOwnership:  true,
		}
	case RoleAdmin:
		return Capabilities{
			CanAccessOrganization: true,
			CanManageMembers:      true,
			CanSendInvites:        true,
			CanModifyOrganization: true,
		}
	case RoleUser:
		return Capabilities{
			CanAccessOrganization: true,
		}
	default:
		return Capabilities{}
	}
}
