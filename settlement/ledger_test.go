package settlement_test

import (
	"context"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paramify/insurance-engine/settlement"
	"github.com/paramify/insurance-engine/settlement/store"
)

func TestPolicyLedger_FundPremiumPayoutFlow(t *testing.T) {
	// GIVEN: An empty journal
	ctx := context.Background()
	s := store.NewMemory()
	ledger := settlement.NewPolicyLedger(clockwork.NewFakeClockAt(start), true)

	// WHEN: Fund 2.0, alice buys 1.0, alice is settled
	_, err := ledger.Fund(ctx, s, bob, amt("2.0"), "")
	require.NoError(t, err)
	_, err = ledger.OpenPolicy(ctx, s, alice, amt("1.0"), amt("0.1"), "")
	require.NoError(t, err)
	settled, paid, err := ledger.SettlePolicy(ctx, s, alice)
	require.NoError(t, err)

	// THEN: Balance follows the journal
	assert.True(t, paid.Equal(amt("1")))
	assert.Equal(t, settlement.StatusSettled, settled.Status)
	balance, err := ledger.Balance(ctx, s)
	require.NoError(t, err)
	assert.True(t, balance.Equal(amt("1.1")))

	totals, err := s.Totals(ctx)
	require.NoError(t, err)
	assert.True(t, totals.Premiums.Equal(amt("0.1")))
	assert.True(t, totals.Funding.Equal(amt("2")))
	assert.True(t, totals.Payouts.Equal(amt("1")))
}

func TestPolicyLedger_SettleNeverOverdraws(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	ledger := settlement.NewPolicyLedger(nil, true)

	_, err := ledger.OpenPolicy(ctx, s, alice, amt("3"), amt("0.3"), "")
	require.NoError(t, err)
	_, err = ledger.Fund(ctx, s, bob, amt("2.69"), "")
	require.NoError(t, err)

	// 0.3 + 2.69 leaves the pool 0.01 short.
	_, _, err = ledger.SettlePolicy(ctx, s, alice)
	var insufficient *settlement.InsufficientTreasuryError
	require.ErrorAs(t, err, &insufficient)
	assert.True(t, insufficient.Available.Equal(amt("2.99")))
	assert.True(t, insufficient.Requested.Equal(amt("3")))
	assert.True(t, insufficient.Shortfall.Equal(amt("0.01")))

	// Exactly enough pays out and leaves zero.
	_, err = ledger.Fund(ctx, s, bob, amt("0.01"), "")
	require.NoError(t, err)
	_, _, err = ledger.SettlePolicy(ctx, s, alice)
	require.NoError(t, err)
	balance, err := ledger.Balance(ctx, s)
	require.NoError(t, err)
	assert.True(t, balance.IsZero())
}

func TestPolicyLedger_EntriesAreAppendOnly(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	ledger := settlement.NewPolicyLedger(nil, true)

	_, err := ledger.Fund(ctx, s, bob, amt("1"), "a")
	require.NoError(t, err)
	before, err := s.Entries(ctx, 0)
	require.NoError(t, err)

	_, err = ledger.OpenPolicy(ctx, s, alice, amt("1"), amt("0.1"), "b")
	require.NoError(t, err)
	after, err := s.Entries(ctx, 0)
	require.NoError(t, err)

	require.Len(t, after, len(before)+1)
	assert.Equal(t, before[0], after[0])
	assert.Equal(t, "b", after[1].IdempotencyKey)
	assert.Equal(t, settlement.EntryPremium, after[1].Kind)
}
