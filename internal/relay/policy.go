package relay

import (
	"context"
	"fmt"
)

// Membership is what the chat platform reports about a user in a tenant.
type Membership struct {
	Member bool
	Owner  bool
	Roles  []string
}

// MembershipResolver looks membership up on the platform side. It must not
// rely on anything the user supplied besides their id.
type MembershipResolver interface {
	Membership(ctx context.Context, tenantID, userID string) (Membership, error)
}

// Policy decides who may manage a tenant: its owner, or a member holding a
// granted role.
type Policy struct {
	grants  GrantStore
	members MembershipResolver
}

func NewPolicy(grants GrantStore, members MembershipResolver) *Policy {
	return &Policy{grants: grants, members: members}
}

func (p *Policy) membership(ctx context.Context, tenantID, userID string) (Membership, error) {
	if tenantID == "" || userID == "" {
		return Membership{}, nil
	}
	m, err := p.members.Membership(ctx, tenantID, userID)
	if err != nil {
		return Membership{}, fmt.Errorf("membership of %s in %s: %w", userID, tenantID, err)
	}
	return m, nil
}

func (p *Policy) IsOwner(ctx context.Context, tenantID, userID string) (bool, error) {
	m, err := p.membership(ctx, tenantID, userID)
	return m.Owner, err
}

func (p *Policy) IsMember(ctx context.Context, tenantID, userID string) (bool, error) {
	m, err := p.membership(ctx, tenantID, userID)
	return m.Member || m.Owner, err
}

func (p *Policy) IsAuthorized(ctx context.Context, tenantID, userID string) (bool, error) {
	m, err := p.membership(ctx, tenantID, userID)
	if err != nil {
		return false, err
	}
	if m.Owner {
		return true, nil
	}
	if !m.Member || len(m.Roles) == 0 {
		return false, nil
	}
	granted, err := p.grants.ListRoles(ctx, tenantID)
	if err != nil {
		return false, err
	}
	held := make(map[string]struct{}, len(m.Roles))
	for _, role := range m.Roles {
		held[role] = struct{}{}
	}
	for _, role := range granted {
		if _, ok := held[role]; ok {
			return true, nil
		}
	}
	return false, nil
}

// Authorize is IsAuthorized returning ErrForbidden on denial.
func (p *Policy) Authorize(ctx context.Context, tenantID, userID string) error {
	ok, err := p.IsAuthorized(ctx, tenantID, userID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrForbidden
	}
	return nil
}
