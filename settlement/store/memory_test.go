package store

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paramify/insurance-engine/settlement"
)

func TestMemory_WithTxRollsBackEveryWrite(t *testing.T) {
	// GIVEN: A store with a role and one entry
	m := NewMemory()
	ctx := context.Background()
	require.NoError(t, m.AddRole(ctx, settlement.RoleAdmin, "0xa"))
	require.NoError(t, m.AppendEntry(ctx, settlement.TreasuryEntry{ID: "e1", Kind: settlement.EntryFunding, Amount: settlement.MustAmount("1"), IdempotencyKey: "k1"}))

	// WHEN: A transaction writes everywhere and then fails
	boom := errors.New("boom")
	err := m.WithTx(ctx, func(s settlement.Store) error {
		require.NoError(t, s.RemoveRole(ctx, settlement.RoleAdmin, "0xa"))
		require.NoError(t, s.InsertPolicy(ctx, settlement.Policy{ID: "p1", Owner: "0xa", Status: settlement.StatusActive}))
		require.NoError(t, s.SetThreshold(ctx, settlement.MustPrice("3000")))
		require.NoError(t, s.AppendEntry(ctx, settlement.TreasuryEntry{ID: "e2", Kind: settlement.EntryPayout, Amount: settlement.MustAmount("1"), IdempotencyKey: "k2"}))
		return boom
	})

	// THEN: Nothing of it is visible
	assert.ErrorIs(t, err, boom)
	ok, err := m.HasRole(ctx, settlement.RoleAdmin, "0xa")
	require.NoError(t, err)
	assert.True(t, ok)
	active, err := m.ActivePolicy(ctx, "0xa")
	require.NoError(t, err)
	assert.Nil(t, active)
	_, set, err := m.Threshold(ctx)
	require.NoError(t, err)
	assert.False(t, set)
	exists, err := m.EntryExists(ctx, "k2")
	require.NoError(t, err)
	assert.False(t, exists)
	totals, err := m.Totals(ctx)
	require.NoError(t, err)
	assert.True(t, totals.Balance.Equal(settlement.MustAmount("1")))
}

func TestMemory_DuplicateIdempotencyKey(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.AppendEntry(ctx, settlement.TreasuryEntry{ID: "e1", Kind: settlement.EntryFunding, Amount: settlement.MustAmount("1"), IdempotencyKey: "k"}))
	err := m.AppendEntry(ctx, settlement.TreasuryEntry{ID: "e2", Kind: settlement.EntryFunding, Amount: settlement.MustAmount("1"), IdempotencyKey: "k"})
	assert.ErrorIs(t, err, settlement.ErrDuplicateRequest)

	entries, err := m.Entries(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestMemory_ReturnedSlicesAreCopies(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	require.NoError(t, m.InsertPolicy(ctx, settlement.Policy{ID: "p1", Owner: "0xa", Status: settlement.StatusActive}))

	policies, err := m.PoliciesByOwner(ctx, "0xa")
	require.NoError(t, err)
	policies[0].Status = settlement.StatusSettled

	active, err := m.ActivePolicy(ctx, "0xa")
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, settlement.PolicyID("p1"), active.ID)
}

func TestMemory_Reset(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	require.NoError(t, m.AddRole(ctx, settlement.RoleAdmin, "0xa"))
	require.NoError(t, m.SetThreshold(ctx, settlement.MustPrice("3000")))

	require.NoError(t, m.Reset(ctx))

	members, err := m.RoleMembers(ctx, settlement.RoleAdmin)
	require.NoError(t, err)
	assert.Empty(t, members)
	_, set, err := m.Threshold(ctx)
	require.NoError(t, err)
	assert.False(t, set)
}
