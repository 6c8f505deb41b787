/*
ledger.go - Policy records and the treasury journal

PURPOSE:
  The PolicyLedger is the only component that writes policies and treasury
  entries. It prices coverage, opens and settles policies, and credits
  funding. It does not check roles or the feed; the engine does that before
  calling in.

CRITICAL INVARIANTS:
  1. premium == coverage * 0.10 exactly, no rounding, no overpayment credit
  2. at most one active policy per owner
  3. treasury balance never goes negative; a payout is paid in full or not at all
  4. journal entries are never modified or deleted

EXAMPLE FLOW:
  1. Fund 2.0:           funding +2.0    balance 2.0
  2. alice buys 1.0:     premium +0.1    balance 2.1
  3. settle alice:       payout  -1.0    balance 1.1

SEE ALSO:
  - store.go: persistence interface
  - engine.go: orchestration and authorization
*/
package settlement

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
)

// PremiumRate is the fixed share of coverage charged as premium.
var PremiumRate = decimal.New(1, -1)

// QuotePremium returns coverage * PremiumRate. Coverage must be positive and
// its premium representable at AmountDecimals.
func QuotePremium(coverage Amount) (Amount, error) {
	if !coverage.IsPositive() {
		return Amount{}, fmt.Errorf("%w: coverage must be positive, got %s", ErrInvalidCoverage, coverage)
	}
	premium := coverage.Value.Mul(PremiumRate)
	if !fitsScale(premium, AmountDecimals) {
		return Amount{}, fmt.Errorf("%w: premium of %s is below the %d-decimal unit", ErrInvalidCoverage, coverage, AmountDecimals)
	}
	return Amount{Value: premium}, nil
}

// =============================================================================
// POLICY LEDGER
// =============================================================================

// PolicyLedger writes policies and treasury entries. It trusts the engine to
// have authorized the caller and checked the feed.
type PolicyLedger struct {
	clock           clockwork.Clock
	allowRepurchase bool
	newID           func() string
}

// NewPolicyLedger creates a ledger. allowRepurchase controls whether an owner
// whose policy was settled may open a new one.
func NewPolicyLedger(clock clockwork.Clock, allowRepurchase bool) *PolicyLedger {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &PolicyLedger{
		clock:           clock,
		allowRepurchase: allowRepurchase,
		newID:           uuid.NewString,
	}
}

// OpenPolicy records an active policy for owner and credits the premium.
func (l *PolicyLedger) OpenPolicy(ctx context.Context, s Store, owner Principal, coverage, paid Amount, idempotencyKey string) (Policy, error) {
	premium, err := QuotePremium(coverage)
	if err != nil {
		return Policy{}, err
	}
	if !paid.Equal(premium) {
		return Policy{}, &PremiumMismatchError{Coverage: coverage, Expected: premium, Paid: paid}
	}
	if err := l.checkIdempotency(ctx, s, idempotencyKey); err != nil {
		return Policy{}, err
	}

	active, err := s.ActivePolicy(ctx, owner)
	if err != nil {
		return Policy{}, err
	}
	if active != nil {
		return Policy{}, fmt.Errorf("%w: %s holds policy %s", ErrPolicyAlreadyActive, owner, active.ID)
	}
	if !l.allowRepurchase {
		history, err := s.PoliciesByOwner(ctx, owner)
		if err != nil {
			return Policy{}, err
		}
		if len(history) > 0 {
			return Policy{}, fmt.Errorf("%w: %s was paid out under policy %s", ErrPolicySettled, owner, history[len(history)-1].ID)
		}
	}

	now := l.clock.Now().UTC()
	policy := Policy{
		ID:          PolicyID(l.newID()),
		Owner:       owner,
		Coverage:    coverage,
		PremiumPaid: paid,
		Status:      StatusActive,
		PurchasedAt: now,
		Payout:      ZeroAmount(),
	}
	if err := s.InsertPolicy(ctx, policy); err != nil {
		return Policy{}, err
	}
	entry := TreasuryEntry{
		ID:             EntryID(l.newID()),
		Kind:           EntryPremium,
		Principal:      owner,
		PolicyID:       policy.ID,
		Amount:         paid,
		IdempotencyKey: idempotencyKey,
		CreatedAt:      now,
	}
	if err := s.AppendEntry(ctx, entry); err != nil {
		return Policy{}, err
	}
	return policy, nil
}

// SettlePolicy pays the owner's active policy in full and marks it settled.
// Both writes go through s, so they commit together.
func (l *PolicyLedger) SettlePolicy(ctx context.Context, s Store, owner Principal) (Policy, Amount, error) {
	active, err := s.ActivePolicy(ctx, owner)
	if err != nil {
		return Policy{}, Amount{}, err
	}
	if active == nil {
		return Policy{}, Amount{}, fmt.Errorf("%w: %s", ErrNoActivePolicy, owner)
	}

	payout := active.Coverage
	totals, err := s.Totals(ctx)
	if err != nil {
		return Policy{}, Amount{}, err
	}
	if totals.Balance.LessThan(payout) {
		return Policy{}, Amount{}, &InsufficientTreasuryError{
			Available: totals.Balance,
			Requested: payout,
			Shortfall: payout.Sub(totals.Balance),
		}
	}

	now := l.clock.Now().UTC()
	entry := TreasuryEntry{
		ID:        EntryID(l.newID()),
		Kind:      EntryPayout,
		Principal: owner,
		PolicyID:  active.ID,
		Amount:    payout,
		CreatedAt: now,
	}
	if err := s.AppendEntry(ctx, entry); err != nil {
		return Policy{}, Amount{}, err
	}

	settled := *active
	settled.Status = StatusSettled
	settled.SettledAt = &now
	settled.Payout = payout
	if err := s.UpdatePolicy(ctx, settled); err != nil {
		return Policy{}, Amount{}, err
	}
	return settled, payout, nil
}

// Fund credits the treasury. Any principal may fund.
func (l *PolicyLedger) Fund(ctx context.Context, s Store, funder Principal, amount Amount, idempotencyKey string) (TreasuryEntry, error) {
	if !amount.IsPositive() {
		return TreasuryEntry{}, fmt.Errorf("%w: funding must be positive, got %s", ErrInvalidAmount, amount)
	}
	if err := l.checkIdempotency(ctx, s, idempotencyKey); err != nil {
		return TreasuryEntry{}, err
	}
	entry := TreasuryEntry{
		ID:             EntryID(l.newID()),
		Kind:           EntryFunding,
		Principal:      funder,
		Amount:         amount,
		IdempotencyKey: idempotencyKey,
		CreatedAt:      l.clock.Now().UTC(),
	}
	if err := s.AppendEntry(ctx, entry); err != nil {
		return TreasuryEntry{}, err
	}
	return entry, nil
}

// Balance returns the current treasury balance.
func (l *PolicyLedger) Balance(ctx context.Context, s Store) (Amount, error) {
	totals, err := s.Totals(ctx)
	if err != nil {
		return Amount{}, err
	}
	return totals.Balance, nil
}

func (l *PolicyLedger) checkIdempotency(ctx context.Context, s Store, key string) error {
	if key == "" {
		return nil
	}
	exists, err := s.EntryExists(ctx, key)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("%w: idempotency key %q", ErrDuplicateRequest, key)
	}
	return nil
}
