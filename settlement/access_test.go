package settlement_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paramify/insurance-engine/settlement"
	"github.com/paramify/insurance-engine/settlement/store"
)

func TestAccessControl_Authorize(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	ac := settlement.NewAccessControl()

	granted, err := ac.Bootstrap(ctx, s, deployer)
	require.NoError(t, err)
	require.True(t, granted)
	require.NoError(t, s.AddRole(ctx, settlement.RoleOracleUpdater, updater))
	require.NoError(t, s.AddRole(ctx, settlement.RoleInsuranceAdmin, insurer))

	tests := []struct {
		name       string
		caller     settlement.Principal
		capability settlement.Capability
		allowed    bool
	}{
		{"anyone buys", alice, settlement.CapBuyInsurance, true},
		{"anyone funds", alice, settlement.CapFund, true},
		{"updater updates feed", updater, settlement.CapUpdateFeed, true},
		{"updater cannot set threshold", updater, settlement.CapSetThreshold, false},
		{"insurer sets threshold", insurer, settlement.CapSetThreshold, true},
		{"insurer triggers payout", insurer, settlement.CapTriggerPayout, true},
		{"insurer cannot update feed", insurer, settlement.CapUpdateFeed, false},
		{"insurer cannot manage roles", insurer, settlement.CapManageRoles, false},
		{"admin updates feed", deployer, settlement.CapUpdateFeed, true},
		{"admin triggers payout", deployer, settlement.CapTriggerPayout, true},
		{"stranger triggers payout", alice, settlement.CapTriggerPayout, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ac.Authorize(ctx, s, tt.caller, tt.capability, "")
			if tt.allowed {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, settlement.ErrUnauthorized)
		})
	}
}

func TestAccessControl_SelfService(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	ac := settlement.NewAccessControl(settlement.CapTriggerPayout)
	_, err := ac.Bootstrap(ctx, s, deployer)
	require.NoError(t, err)

	assert.NoError(t, ac.Authorize(ctx, s, alice, settlement.CapTriggerPayout, alice))
	assert.ErrorIs(t, ac.Authorize(ctx, s, bob, settlement.CapTriggerPayout, alice), settlement.ErrUnauthorized)
	// Self-service never extends to other capabilities.
	assert.ErrorIs(t, ac.Authorize(ctx, s, alice, settlement.CapSetThreshold, alice), settlement.ErrUnauthorized)
}

func TestAccessControl_BootstrapOnlyOnce(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	ac := settlement.NewAccessControl()

	granted, err := ac.Bootstrap(ctx, s, deployer)
	require.NoError(t, err)
	assert.True(t, granted)

	granted, err = ac.Bootstrap(ctx, s, alice)
	require.NoError(t, err)
	assert.False(t, granted)

	ok, err := ac.HasRole(ctx, s, settlement.RoleAdmin, alice)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = ac.Bootstrap(ctx, store.NewMemory(), "")
	assert.ErrorIs(t, err, settlement.ErrInvalidPrincipal)
}

func TestAccessControl_RevokeMissingRoleIsNoop(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	ac := settlement.NewAccessControl()
	_, err := ac.Bootstrap(ctx, s, deployer)
	require.NoError(t, err)

	require.NoError(t, ac.Revoke(ctx, s, deployer, settlement.RoleOracleUpdater, alice))
	members, err := s.RoleMembers(ctx, settlement.RoleOracleUpdater)
	require.NoError(t, err)
	assert.Equal(t, []settlement.Principal{deployer}, members)
}
