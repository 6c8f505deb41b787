/*
access.go - Role-based access control

PURPOSE:
  Holds the three role sets and answers one question for every mutating
  operation: may this caller exercise this capability?

ROLES:
  admin            manages roles; superset of the other two
  oracle_updater   pushes new feed readings
  insurance_admin  sets the threshold and triggers payouts

INVARIANT:
  The admin set is never empty. Revoking admin from the last admin fails
  with ErrLastAdmin.

SEE ALSO:
  - engine.go: calls Authorize at the top of each operation
*/
package settlement

import (
	"context"
	"fmt"
)

// Capability is a gated operation.
type Capability string

const (
	CapManageRoles   Capability = "manage_roles"
	CapUpdateFeed    Capability = "update_feed"
	CapSetThreshold  Capability = "set_threshold"
	CapTriggerPayout Capability = "trigger_payout"
	CapBuyInsurance  Capability = "buy_insurance"
	CapFund          Capability = "fund"
)

// capabilityRoles lists the roles accepted for each capability besides admin.
// An empty list means any principal.
var capabilityRoles = map[Capability][]Role{
	CapManageRoles:   {RoleAdmin},
	CapUpdateFeed:    {RoleOracleUpdater},
	CapSetThreshold:  {RoleInsuranceAdmin},
	CapTriggerPayout: {RoleInsuranceAdmin},
	CapBuyInsurance:  nil,
	CapFund:          nil,
}

// AccessControl checks and mutates role assignments.
type AccessControl struct {
	// selfService lists capabilities the subject of an operation may
	// exercise on their own behalf without holding a role.
	selfService map[Capability]bool
}

// NewAccessControl creates an access control with the given self-service
// capabilities.
func NewAccessControl(selfService ...Capability) *AccessControl {
	ac := &AccessControl{selfService: make(map[Capability]bool)}
	for _, c := range selfService {
		ac.selfService[c] = true
	}
	return ac
}

// Authorize returns nil when caller may exercise capability. subject is the
// principal the operation acts upon; pass "" when there is none.
func (ac *AccessControl) Authorize(ctx context.Context, s Store, caller Principal, capability Capability, subject Principal) error {
	required, known := capabilityRoles[capability]
	if !known {
		return fmt.Errorf("unknown capability %q", capability)
	}
	if len(required) == 0 {
		return nil
	}
	if subject != "" && caller == subject && ac.selfService[capability] {
		return nil
	}

	isAdmin, err := s.HasRole(ctx, RoleAdmin, caller)
	if err != nil {
		return err
	}
	if isAdmin {
		return nil
	}
	for _, role := range required {
		ok, err := s.HasRole(ctx, role, caller)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
	return &UnauthorizedError{Caller: caller, Required: required}
}

// HasRole is a pure membership lookup. Admin does not imply other roles here.
func (ac *AccessControl) HasRole(ctx context.Context, s Store, role Role, p Principal) (bool, error) {
	return s.HasRole(ctx, role, p)
}

// Grant gives role to p. Only admins may grant.
func (ac *AccessControl) Grant(ctx context.Context, s Store, caller Principal, role Role, p Principal) error {
	if err := ac.Authorize(ctx, s, caller, CapManageRoles, ""); err != nil {
		return err
	}
	if _, err := ParseRole(string(role)); err != nil {
		return err
	}
	return s.AddRole(ctx, role, p)
}

// Revoke removes role from p. Only admins may revoke, and the last admin
// cannot lose the admin role, including by revoking themselves.
func (ac *AccessControl) Revoke(ctx context.Context, s Store, caller Principal, role Role, p Principal) error {
	if err := ac.Authorize(ctx, s, caller, CapManageRoles, ""); err != nil {
		return err
	}
	if _, err := ParseRole(string(role)); err != nil {
		return err
	}
	if role == RoleAdmin {
		admins, err := s.RoleMembers(ctx, RoleAdmin)
		if err != nil {
			return err
		}
		if len(admins) == 1 && admins[0] == p {
			return ErrLastAdmin
		}
	}
	return s.RemoveRole(ctx, role, p)
}

// Bootstrap grants every role to deployer when the store has no admin yet.
// It reports whether anything was granted.
func (ac *AccessControl) Bootstrap(ctx context.Context, s Store, deployer Principal) (bool, error) {
	admins, err := s.RoleMembers(ctx, RoleAdmin)
	if err != nil {
		return false, err
	}
	if len(admins) > 0 {
		return false, nil
	}
	if deployer == "" {
		return false, fmt.Errorf("%w: deployer required to initialize roles", ErrInvalidPrincipal)
	}
	for _, role := range AllRoles {
		if err := s.AddRole(ctx, role, deployer); err != nil {
			return false, err
		}
	}
	return true, nil
}
