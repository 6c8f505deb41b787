/*
Package settlement provides the parametric insurance settlement engine.

PURPOSE:
  This package owns the rules of a flood-insurance pool. Policyholders pay a
  premium to open coverage, anyone may fund the treasury, and a payout equal
  to the coverage is released once the flood-level feed reaches the
  admin-configured threshold.

KEY CONCEPTS IN THIS FILE (types.go):
  - Amount: money, fixed-point at 18 decimal places (wei scale)
  - Price: feed reading, fixed-point at 8 decimal places
  - Principal: an account identity (wallet address)
  - Role: admin, oracle_updater, insurance_admin
  - Policy: one coverage record per purchase, never deleted
  - TreasuryEntry: append-only journal line (premium, funding, payout)

DESIGN PRINCIPLES:
  1. Exactness: decimal.Decimal everywhere, values are rejected rather than rounded
  2. Auditability: the treasury balance is derived from the journal
  3. Type Safety: Amount and Price never mix, Principal and PolicyID are distinct

USAGE:
  coverage := settlement.MustAmount("1.0")
  premium, _ := settlement.QuotePremium(coverage) // 0.1

SEE ALSO:
  - ledger.go: PolicyLedger (premiums, policies, treasury)
  - engine.go: SettlementEngine (role checks, threshold, orchestration)
  - store.go: persistence interfaces
*/
package settlement

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// FIXED-POINT QUANTITIES
// =============================================================================

const (
	// AmountDecimals is the fixed exponent of money amounts.
	AmountDecimals = 18

	// PriceDecimals is the fixed exponent of feed readings.
	PriceDecimals = 8
)

// Amount is a non-rounding fixed-point money quantity.
type Amount struct {
	Value decimal.Decimal
}

// Price is a feed reading at PriceDecimals.
type Price struct {
	Value decimal.Decimal
}

// ParseAmount parses a decimal string. More than AmountDecimals fractional
// digits is an error.
func ParseAmount(s string) (Amount, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return Amount{}, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	if !fitsScale(d, AmountDecimals) {
		return Amount{}, fmt.Errorf("%w: %q has more than %d decimal places", ErrInvalidAmount, s, AmountDecimals)
	}
	return Amount{Value: d}, nil
}

// MustAmount is ParseAmount for constants and tests.
func MustAmount(s string) Amount {
	a, err := ParseAmount(s)
	if err != nil {
		panic(err)
	}
	return a
}

func NewAmountFromInt(v int64) Amount { return Amount{Value: decimal.NewFromInt(v)} }

func ZeroAmount() Amount { return Amount{Value: decimal.Zero} }

func (a Amount) Add(b Amount) Amount { return Amount{Value: a.Value.Add(b.Value)} }
func (a Amount) Sub(b Amount) Amount { return Amount{Value: a.Value.Sub(b.Value)} }
func (a Amount) Neg() Amount { return Amount{Value: a.Value.Neg()} }
func (a Amount) IsZero() bool { return a.Value.IsZero() }
func (a Amount) IsPositive() bool { return a.Value.IsPositive() }
func (a Amount) IsNegative() bool { return a.Value.IsNegative() }
func (a Amount) Equal(b Amount) bool { return a.Value.Equal(b.Value) }
func (a Amount) LessThan(b Amount) bool { return a.Value.LessThan(b.Value) }
func (a Amount) GreaterThan(b Amount) bool { return a.Value.GreaterThan(b.Value) }

// String renders the amount without trailing zeros ("0.1", "2000").
func (a Amount) String() string { return a.Value.String() }

// ParsePrice parses a decimal feed reading ("3500", "3500.5").
func ParsePrice(s string) (Price, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return Price{}, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	if !fitsScale(d, PriceDecimals) {
		return Price{}, fmt.Errorf("%w: %q has more than %d decimal places", ErrInvalidAmount, s, PriceDecimals)
	}
	if raw := d.Shift(PriceDecimals); raw.GreaterThan(maxAnswer) || raw.LessThan(minAnswer) {
		return Price{}, fmt.Errorf("%w: %q exceeds the raw answer range", ErrInvalidAmount, s)
	}
	return Price{Value: d}, nil
}

// MustPrice is ParsePrice for constants and tests.
func MustPrice(s string) Price {
	p, err := ParsePrice(s)
	if err != nil {
		panic(err)
	}
	return p
}

// PriceFromAnswer converts a raw aggregator answer (2000e8) to a Price.
func PriceFromAnswer(answer int64) Price {
	return Price{Value: decimal.New(answer, -PriceDecimals)}
}

// Raw answers are int64, so readings are bounded to about +/-9.22e10.
var (
	maxAnswer = decimal.NewFromInt(math.MaxInt64)
	minAnswer = decimal.NewFromInt(math.MinInt64)
)

// Answer returns the raw integer reading, i.e. the price scaled by 10^8.
func (p Price) Answer() int64 {
	return p.Value.Shift(PriceDecimals).IntPart()
}

func (p Price) IsPositive() bool { return p.Value.IsPositive() }
func (p Price) Equal(o Price) bool { return p.Value.Equal(o.Value) }
func (p Price) LessThan(o Price) bool { return p.Value.LessThan(o.Value) }
func (p Price) AtLeast(o Price) bool { return p.Value.GreaterThanOrEqual(o.Value) }

// String always renders all eight decimals so readings display at one scale.
func (p Price) String() string { return p.Value.StringFixed(PriceDecimals) }

func fitsScale(d decimal.Decimal, places int32) bool {
	return d.Equal(d.Truncate(places))
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

// Principal is an account identity. Hex addresses compare case-insensitively.
type Principal string

// ParsePrincipal normalizes an identity. Empty identities are rejected.
func ParsePrincipal(s string) (Principal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", ErrInvalidPrincipal
	}
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		s = "0x" + strings.ToLower(s[2:])
	}
	return Principal(s), nil
}

type PolicyID string
type EntryID string

// =============================================================================
// ROLES
// =============================================================================

type Role string

const (
	RoleAdmin          Role = "admin"
	RoleOracleUpdater  Role = "oracle_updater"
	RoleInsuranceAdmin Role = "insurance_admin"
)

// AllRoles is the fixed role set, in grant order.
var AllRoles = []Role{RoleAdmin, RoleOracleUpdater, RoleInsuranceAdmin}

// ParseRole accepts the canonical names and the contract-style constants
// (DEFAULT_ADMIN_ROLE, ORACLE_UPDATER_ROLE, INSURANCE_ADMIN_ROLE).
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "admin", "default_admin", "default_admin_role":
		return RoleAdmin, nil
	case "oracle_updater", "oracle_updater_role":
		return RoleOracleUpdater, nil
	case "insurance_admin", "insurance_admin_role":
		return RoleInsuranceAdmin, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidRole, s)
}

// =============================================================================
// POLICY
// =============================================================================

type PolicyStatus string

const (
	StatusNone    PolicyStatus = "none"
	StatusActive  PolicyStatus = "active"
	StatusSettled PolicyStatus = "settled"
)

// Policy is a single coverage purchase. Settled policies stay in the store.
type Policy struct {
	ID          PolicyID
	Owner       Principal
	Coverage    Amount
	PremiumPaid Amount
	Status      PolicyStatus
	PurchasedAt time.Time
	SettledAt   *time.Time
	Payout      Amount
}

func (p Policy) IsActive() bool { return p.Status == StatusActive }

// =============================================================================
// TREASURY JOURNAL
// =============================================================================

type EntryKind string

const (
	EntryPremium EntryKind = "premium"
	EntryFunding EntryKind = "funding"
	EntryPayout  EntryKind = "payout"
)

// TreasuryEntry is one immutable treasury movement. Amount is always
// positive; Kind gives the direction.
type TreasuryEntry struct {
	ID             EntryID
	Kind           EntryKind
	Principal      Principal // payer for premium/funding, recipient for payout
	PolicyID       PolicyID
	Amount         Amount
	IdempotencyKey string
	CreatedAt      time.Time
}

// Delta is the signed effect of the entry on the treasury balance.
func (e TreasuryEntry) Delta() Amount {
	if e.Kind == EntryPayout {
		return e.Amount.Neg()
	}
	return e.Amount
}

// Totals summarizes the journal. Balance == Premiums + Funding - Payouts.
type Totals struct {
	Premiums Amount
	Funding  Amount
	Payouts  Amount
	Balance  Amount
}

// SumEntries folds a journal into Totals.
func SumEntries(entries []TreasuryEntry) Totals {
	t := Totals{Premiums: ZeroAmount(), Funding: ZeroAmount(), Payouts: ZeroAmount()}
	for _, e := range entries {
		switch e.Kind {
		case EntryPremium:
			t.Premiums = t.Premiums.Add(e.Amount)
		case EntryFunding:
			t.Funding = t.Funding.Add(e.Amount)
		case EntryPayout:
			t.Payouts = t.Payouts.Add(e.Amount)
		}
	}
	t.Balance = t.Premiums.Add(t.Funding).Sub(t.Payouts)
	return t
}
