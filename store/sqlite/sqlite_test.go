package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paramify/insurance-engine/settlement"
)

var t0 = time.Date(2024, time.September, 1, 9, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func activePolicy(id, owner string) settlement.Policy {
	return settlement.Policy{
		ID:          settlement.PolicyID(id),
		Owner:       settlement.Principal(owner),
		Coverage:    settlement.MustAmount("1"),
		PremiumPaid: settlement.MustAmount("0.1"),
		Status:      settlement.StatusActive,
		PurchasedAt: t0,
		Payout:      settlement.ZeroAmount(),
	}
}

func TestStore_Roles(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AddRole(ctx, settlement.RoleAdmin, "0xb"))
	require.NoError(t, s.AddRole(ctx, settlement.RoleAdmin, "0xa"))
	require.NoError(t, s.AddRole(ctx, settlement.RoleAdmin, "0xa"))

	members, err := s.RoleMembers(ctx, settlement.RoleAdmin)
	require.NoError(t, err)
	assert.Equal(t, []settlement.Principal{"0xa", "0xb"}, members)

	require.NoError(t, s.RemoveRole(ctx, settlement.RoleAdmin, "0xb"))
	require.NoError(t, s.RemoveRole(ctx, settlement.RoleAdmin, "0xmissing"))

	ok, err := s.HasRole(ctx, settlement.RoleAdmin, "0xb")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_OneActivePolicyPerOwner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertPolicy(ctx, activePolicy("p1", "0xa")))
	err := s.InsertPolicy(ctx, activePolicy("p2", "0xa"))
	assert.ErrorIs(t, err, settlement.ErrPolicyAlreadyActive)

	// Once settled, a new active policy is accepted.
	settled := activePolicy("p1", "0xa")
	settledAt := t0.Add(time.Hour)
	settled.Status = settlement.StatusSettled
	settled.SettledAt = &settledAt
	settled.Payout = settlement.MustAmount("1")
	require.NoError(t, s.UpdatePolicy(ctx, settled))
	require.NoError(t, s.InsertPolicy(ctx, activePolicy("p2", "0xa")))

	history, err := s.PoliciesByOwner(ctx, "0xa")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, settlement.StatusSettled, history[0].Status)
	require.NotNil(t, history[0].SettledAt)
	assert.True(t, history[0].SettledAt.Equal(settledAt))
	assert.True(t, history[0].Payout.Equal(settlement.MustAmount("1")))

	active, err := s.ActivePolicy(ctx, "0xa")
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, settlement.PolicyID("p2"), active.ID)

	n, err := s.CountActivePolicies(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestStore_PoliciesByOwnerSameSecond(t *testing.T) {
	// GIVEN: Two purchases in the same second whose fractions differ in length
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2024, time.September, 1, 9, 0, 5, 0, time.UTC)

	first := activePolicy("first", "0xa")
	first.PurchasedAt = base.Add(100 * time.Millisecond)
	first.Status = settlement.StatusSettled
	require.NoError(t, s.InsertPolicy(ctx, first))

	second := activePolicy("second", "0xa")
	second.PurchasedAt = base.Add(150 * time.Millisecond)
	require.NoError(t, s.InsertPolicy(ctx, second))

	// WHEN: Listing the owner's history
	history, err := s.PoliciesByOwner(ctx, "0xa")

	// THEN: Oldest first, timestamps intact
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, settlement.PolicyID("first"), history[0].ID)
	assert.Equal(t, settlement.PolicyID("second"), history[1].ID)
	assert.True(t, history[0].PurchasedAt.Equal(first.PurchasedAt))
	assert.True(t, history[1].PurchasedAt.Equal(second.PurchasedAt))
}

func TestStore_CorruptTimestampIsAnError(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertPolicy(ctx, activePolicy("p1", "0xa")))
	_, err := s.db.ExecContext(ctx, "UPDATE policies SET purchased_at = 'yesterday' WHERE id = 'p1'")
	require.NoError(t, err)
	_, err = s.PoliciesByOwner(ctx, "0xa")
	assert.ErrorContains(t, err, "purchased_at")

	require.NoError(t, s.AppendEntry(ctx, settlement.TreasuryEntry{ID: "e1", Kind: settlement.EntryFunding, Principal: "0xb", Amount: settlement.MustAmount("1"), CreatedAt: t0}))
	_, err = s.db.ExecContext(ctx, "UPDATE treasury_entries SET created_at = '' WHERE id = 'e1'")
	require.NoError(t, err)
	_, err = s.Entries(ctx, 0)
	assert.ErrorContains(t, err, "created_at")
}

func TestStore_Threshold(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, ok, err := s.Threshold(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.SetThreshold(ctx, settlement.MustPrice("3000")))
	require.NoError(t, s.SetThreshold(ctx, settlement.MustPrice("3000.5")))

	threshold, ok, err := s.Threshold(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, threshold.Equal(settlement.MustPrice("3000.5")))
}

func TestStore_JournalKeepsFullPrecision(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	entries := []settlement.TreasuryEntry{
		{ID: "e1", Kind: settlement.EntryFunding, Principal: "0xb", Amount: settlement.MustAmount("0.000000000000000001"), CreatedAt: t0},
		{ID: "e2", Kind: settlement.EntryPremium, Principal: "0xa", PolicyID: "p1", Amount: settlement.MustAmount("1000000000.1"), IdempotencyKey: "k", CreatedAt: t0},
		{ID: "e3", Kind: settlement.EntryPayout, Principal: "0xa", PolicyID: "p1", Amount: settlement.MustAmount("0.1"), CreatedAt: t0},
	}
	for _, e := range entries {
		require.NoError(t, s.AppendEntry(ctx, e))
	}

	totals, err := s.Totals(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1000000000.000000000000000001", totals.Balance.String())

	last, err := s.Entries(ctx, 2)
	require.NoError(t, err)
	require.Len(t, last, 2)
	assert.Equal(t, settlement.EntryID("e2"), last[0].ID)
	assert.Equal(t, settlement.EntryID("e3"), last[1].ID)
	assert.Equal(t, "k", last[0].IdempotencyKey)
	assert.True(t, last[0].CreatedAt.Equal(t0))
}

func TestStore_DuplicateIdempotencyKey(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	entry := settlement.TreasuryEntry{ID: "e1", Kind: settlement.EntryFunding, Principal: "0xb", Amount: settlement.MustAmount("1"), IdempotencyKey: "k", CreatedAt: t0}
	require.NoError(t, s.AppendEntry(ctx, entry))

	entry.ID = "e2"
	err := s.AppendEntry(ctx, entry)
	assert.ErrorIs(t, err, settlement.ErrDuplicateRequest)

	exists, err := s.EntryExists(ctx, "k")
	require.NoError(t, err)
	assert.True(t, exists)

	// Entries without a key never collide.
	require.NoError(t, s.AppendEntry(ctx, settlement.TreasuryEntry{ID: "e3", Kind: settlement.EntryFunding, Principal: "0xb", Amount: settlement.MustAmount("1"), CreatedAt: t0}))
	require.NoError(t, s.AppendEntry(ctx, settlement.TreasuryEntry{ID: "e4", Kind: settlement.EntryFunding, Principal: "0xb", Amount: settlement.MustAmount("1"), CreatedAt: t0}))
}

func TestStore_WithTxRollsBack(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.WithTx(ctx, func(tx settlement.Store) error {
		require.NoError(t, tx.AddRole(ctx, settlement.RoleAdmin, "0xa"))
		require.NoError(t, tx.InsertPolicy(ctx, activePolicy("p1", "0xa")))
		require.NoError(t, tx.AppendEntry(ctx, settlement.TreasuryEntry{ID: "e1", Kind: settlement.EntryPremium, Principal: "0xa", Amount: settlement.MustAmount("0.1"), CreatedAt: t0}))

		// Reads inside the transaction see its own writes.
		totals, err := tx.Totals(ctx)
		require.NoError(t, err)
		assert.True(t, totals.Balance.Equal(settlement.MustAmount("0.1")))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	ok, err := s.HasRole(ctx, settlement.RoleAdmin, "0xa")
	require.NoError(t, err)
	assert.False(t, ok)
	active, err := s.ActivePolicy(ctx, "0xa")
	require.NoError(t, err)
	assert.Nil(t, active)
	totals, err := s.Totals(ctx)
	require.NoError(t, err)
	assert.True(t, totals.Balance.IsZero())
}

func TestStore_SurvivesRestart(t *testing.T) {
	// GIVEN: State written to a database file
	path := filepath.Join(t.TempDir(), "paramify.db")
	ctx := context.Background()

	s, err := New(path)
	require.NoError(t, err)
	require.NoError(t, s.WithTx(ctx, func(tx settlement.Store) error {
		if err := tx.AddRole(ctx, settlement.RoleAdmin, "0xa"); err != nil {
			return err
		}
		if err := tx.SetThreshold(ctx, settlement.MustPrice("3000")); err != nil {
			return err
		}
		if err := tx.InsertPolicy(ctx, activePolicy("p1", "0xa")); err != nil {
			return err
		}
		return tx.AppendEntry(ctx, settlement.TreasuryEntry{ID: "e1", Kind: settlement.EntryPremium, Principal: "0xa", PolicyID: "p1", Amount: settlement.MustAmount("0.1"), CreatedAt: t0})
	}))
	require.NoError(t, s.Close())

	// WHEN: The file is reopened
	reopened, err := New(path)
	require.NoError(t, err)
	defer reopened.Close()

	// THEN: Everything is still there
	ok, err := reopened.HasRole(ctx, settlement.RoleAdmin, "0xa")
	require.NoError(t, err)
	assert.True(t, ok)

	threshold, ok, err := reopened.Threshold(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, threshold.Equal(settlement.MustPrice("3000")))

	active, err := reopened.ActivePolicy(ctx, "0xa")
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.True(t, active.Coverage.Equal(settlement.MustAmount("1")))
	assert.True(t, active.PurchasedAt.Equal(t0))

	totals, err := reopened.Totals(ctx)
	require.NoError(t, err)
	assert.True(t, totals.Balance.Equal(settlement.MustAmount("0.1")))
}

func TestStore_Reset(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AddRole(ctx, settlement.RoleAdmin, "0xa"))
	require.NoError(t, s.SetThreshold(ctx, settlement.MustPrice("3000")))
	require.NoError(t, s.AppendEntry(ctx, settlement.TreasuryEntry{ID: "e1", Kind: settlement.EntryFunding, Principal: "0xa", Amount: settlement.MustAmount("1"), CreatedAt: t0}))

	require.NoError(t, s.Reset(ctx))

	members, err := s.RoleMembers(ctx, settlement.RoleAdmin)
	require.NoError(t, err)
	assert.Empty(t, members)
	_, ok, err := s.Threshold(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
	entries, err := s.Entries(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, entries)
	require.NoError(t, s.Ping(ctx))
}
