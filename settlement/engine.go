/*
engine.go - The settlement state machine

PURPOSE:
  Orchestrates AccessControl, the PriceFeed and the PolicyLedger behind the
  operations the dashboards call: buyInsurance, triggerPayout, fund,
  setThreshold, getContractBalance, the role functions and the feed
  functions.

POLICY STATES (per owner):
  none -> active -> settled

  A settled record is terminal. Whether the same owner may open a fresh
  policy afterwards is Options.AllowRepurchase.

CONCURRENCY:
  Single writer. Every mutating operation holds e.mu and runs inside one
  TxStore.WithTx, so two racing purchases for one owner are linearized and
  the loser gets ErrPolicyAlreadyActive. A rejected call writes nothing.
  There are no goroutines and no retries here.

REQUEST FLOW (every mutating operation):
  1. Validate the caller identity
  2. AccessControl.Authorize for the operation's capability
  3. Feed read when the operation compares against the threshold
  4. PolicyLedger / Store mutation inside the transaction
  5. After commit: metrics, log line, outbound event

SEE ALSO:
  - access.go, ledger.go, feed.go
  - api/handlers.go: HTTP surface over this type
*/
package settlement

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/paramify/insurance-engine/observability"
)

// PayoutAuthorization selects who may trigger a payout.
type PayoutAuthorization string

const (
	// PayoutAdminOnly requires insurance_admin (or admin).
	PayoutAdminOnly PayoutAuthorization = "admin"

	// PayoutOwnerOrAdmin also lets the policy owner trigger their own payout.
	PayoutOwnerOrAdmin PayoutAuthorization = "owner_or_admin"
)

// ParsePayoutAuthorization accepts the config spelling; "" means admin.
func ParsePayoutAuthorization(s string) (PayoutAuthorization, error) {
	switch PayoutAuthorization(s) {
	case "", PayoutAdminOnly:
		return PayoutAdminOnly, nil
	case PayoutOwnerOrAdmin:
		return PayoutOwnerOrAdmin, nil
	}
	return "", fmt.Errorf("unknown payout authorization %q", s)
}

// Options configures an Engine.
type Options struct {
	// Deployer receives every role when the store has no admin yet.
	Deployer Principal

	// InitialThreshold is stored when the store has no threshold yet.
	InitialThreshold Price

	PayoutAuthorization PayoutAuthorization
	AllowRepurchase     bool

	Clock   clockwork.Clock
	Logger  *zerolog.Logger
	Metrics *observability.Metrics
	Events  EventSink
}

// Payout is the result of a successful TriggerPayout.
type Payout struct {
	Policy    Policy
	Amount    Amount
	Price     Price
	Threshold Price
	Balance   Amount
}

// Status is a read-only snapshot for dashboards.
type Status struct {
	Round         Round
	FeedAvailable bool
	Threshold     Price
	ThresholdSet  bool
	Totals        Totals
	Claimable     bool
}

// Engine is the settlement state machine.
type Engine struct {
	mu sync.Mutex

	store   TxStore
	access  *AccessControl
	ledger  *PolicyLedger
	feed    *FeedAdapter
	clock   clockwork.Clock
	log     zerolog.Logger
	metrics *observability.Metrics
	events  EventSink

	payoutAuth PayoutAuthorization

	deployer         Principal
	initialThreshold Price
}

// NewEngine wires an engine over store and feed, granting the deployer its
// roles and storing the initial threshold on first start. Restarting over an
// initialized store leaves roles and threshold untouched.
func NewEngine(ctx context.Context, store TxStore, feed PriceFeed, opts Options) (*Engine, error) {
	payoutAuth, err := ParsePayoutAuthorization(string(opts.PayoutAuthorization))
	if err != nil {
		return nil, err
	}
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	var selfService []Capability
	if payoutAuth == PayoutOwnerOrAdmin {
		selfService = append(selfService, CapTriggerPayout)
	}

	e := &Engine{
		store:      store,
		access:     NewAccessControl(selfService...),
		ledger:     NewPolicyLedger(clock, opts.AllowRepurchase),
		feed:       NewFeedAdapter(feed),
		clock:      clock,
		log:        logger,
		metrics:    opts.Metrics,
		events:     opts.Events,
		payoutAuth: payoutAuth,

		deployer:         opts.Deployer,
		initialThreshold: opts.InitialThreshold,
	}

	if err := e.Initialize(ctx); err != nil {
		return nil, err
	}
	return e, nil
}

// Initialize grants the deployer every role when no admin exists and stores
// the initial threshold when none is set. It is a no-op on an initialized
// store, and is called again after a demo reset empties it.
func (e *Engine) Initialize(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	err := e.store.WithTx(ctx, func(s Store) error {
		granted, err := e.access.Bootstrap(ctx, s, e.deployer)
		if err != nil {
			return err
		}
		if granted {
			e.log.Info().Str("deployer", string(e.deployer)).Msg("granted initial roles")
		}
		if _, ok, err := s.Threshold(ctx); err != nil {
			return err
		} else if !ok && e.initialThreshold.IsPositive() {
			return s.SetThreshold(ctx, e.initialThreshold)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("initialize engine: %w", err)
	}

	e.refreshGauges(ctx)
	return nil
}

// PayoutAuthorization returns the configured payout rule.
func (e *Engine) PayoutAuthorization() PayoutAuthorization { return e.payoutAuth }

// Deployer returns the principal granted every role on first start.
func (e *Engine) Deployer() Principal { return e.deployer }

// =============================================================================
// MUTATING OPERATIONS
// =============================================================================

// BuyInsurance opens coverage for caller. paid must equal QuotePremium(coverage).
func (e *Engine) BuyInsurance(ctx context.Context, caller Principal, coverage, paid Amount, idempotencyKey string) (Policy, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var policy Policy
	err := e.mutate(ctx, caller, func(s Store) error {
		if err := e.access.Authorize(ctx, s, caller, CapBuyInsurance, caller); err != nil {
			return err
		}
		var err error
		policy, err = e.ledger.OpenPolicy(ctx, s, caller, coverage, paid, idempotencyKey)
		return err
	})
	e.record("buy_insurance", caller, err)
	if err != nil {
		return Policy{}, err
	}

	e.log.Info().
		Str("owner", string(caller)).
		Str("policy_id", string(policy.ID)).
		Str("coverage", coverage.String()).
		Str("premium", paid.String()).
		Msg("policy purchased")
	e.emit(Event{
		Type:      EventPolicyPurchased,
		Caller:    caller,
		Principal: caller,
		PolicyID:  policy.ID,
		Amount:    paid.String(),
	})
	return policy, nil
}

// TriggerPayout settles owner's active policy when the feed is at or above
// the threshold and the treasury can pay the full coverage.
func (e *Engine) TriggerPayout(ctx context.Context, caller, owner Principal) (Payout, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var payout Payout
	err := e.mutate(ctx, caller, func(s Store) error {
		if owner == "" {
			return ErrInvalidPrincipal
		}
		if err := e.access.Authorize(ctx, s, caller, CapTriggerPayout, owner); err != nil {
			return err
		}
		threshold, ok, err := s.Threshold(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return ErrThresholdNotSet
		}
		price, err := e.feed.LatestPrice(ctx)
		if err != nil {
			return err
		}
		if !price.AtLeast(threshold) {
			return &ThresholdError{Price: price, Threshold: threshold}
		}

		policy, amount, err := e.ledger.SettlePolicy(ctx, s, owner)
		if err != nil {
			return err
		}
		balance, err := e.ledger.Balance(ctx, s)
		if err != nil {
			return err
		}
		payout = Payout{Policy: policy, Amount: amount, Price: price, Threshold: threshold, Balance: balance}
		return nil
	})
	e.record("trigger_payout", caller, err)
	if err != nil {
		return Payout{}, err
	}

	if e.metrics != nil {
		e.metrics.Payouts.Inc()
		e.metrics.PayoutAmount.Add(payout.Amount.Value.InexactFloat64())
	}
	e.log.Info().
		Str("caller", string(caller)).
		Str("owner", string(owner)).
		Str("policy_id", string(payout.Policy.ID)).
		Str("amount", payout.Amount.String()).
		Str("price", payout.Price.String()).
		Str("threshold", payout.Threshold.String()).
		Msg("payout released")
	e.emit(Event{
		Type:      EventPayoutReleased,
		Caller:    caller,
		Principal: owner,
		PolicyID:  payout.Policy.ID,
		Amount:    payout.Amount.String(),
		Price:     payout.Price.String(),
		Balance:   payout.Balance.String(),
	})
	return payout, nil
}

// Fund credits the treasury. Any principal may fund.
func (e *Engine) Fund(ctx context.Context, caller Principal, amount Amount, idempotencyKey string) (TreasuryEntry, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var entry TreasuryEntry
	err := e.mutate(ctx, caller, func(s Store) error {
		if err := e.access.Authorize(ctx, s, caller, CapFund, ""); err != nil {
			return err
		}
		var err error
		entry, err = e.ledger.Fund(ctx, s, caller, amount, idempotencyKey)
		return err
	})
	e.record("fund", caller, err)
	if err != nil {
		return TreasuryEntry{}, err
	}

	e.log.Info().Str("funder", string(caller)).Str("amount", amount.String()).Msg("treasury funded")
	e.emit(Event{Type: EventTreasuryFunded, Caller: caller, Principal: caller, Amount: amount.String()})
	return entry, nil
}

// SetThreshold replaces the payout threshold. Existing policies are untouched.
func (e *Engine) SetThreshold(ctx context.Context, caller Principal, value Price) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	err := e.mutate(ctx, caller, func(s Store) error {
		if err := e.access.Authorize(ctx, s, caller, CapSetThreshold, ""); err != nil {
			return err
		}
		if !value.IsPositive() {
			return fmt.Errorf("%w: threshold must be positive, got %s", ErrInvalidAmount, value)
		}
		return s.SetThreshold(ctx, value)
	})
	e.record("set_threshold", caller, err)
	if err != nil {
		return err
	}

	e.log.Info().Str("caller", string(caller)).Str("threshold", value.String()).Msg("threshold set")
	e.emit(Event{Type: EventThresholdSet, Caller: caller, Price: value.String()})
	return nil
}

// UpdateAnswer pushes a new feed reading. Requires oracle_updater (or admin).
func (e *Engine) UpdateAnswer(ctx context.Context, caller Principal, value Price) (Round, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var round Round
	err := func() error {
		if caller == "" {
			return ErrInvalidPrincipal
		}
		if err := e.access.Authorize(ctx, e.store, caller, CapUpdateFeed, ""); err != nil {
			return err
		}
		var err error
		round, err = e.feed.UpdateAnswer(ctx, value)
		return err
	}()
	e.record("update_answer", caller, err)
	if err != nil {
		return Round{}, err
	}

	if e.metrics != nil {
		e.metrics.FeedPrice.Set(round.Answer.Value.InexactFloat64())
	}
	e.log.Info().Str("caller", string(caller)).Uint64("round", round.ID).Str("answer", round.Answer.String()).Msg("feed updated")
	e.emit(Event{Type: EventFeedUpdated, Caller: caller, Price: round.Answer.String()})
	return round, nil
}

// GrantRole gives role to p. Requires admin.
func (e *Engine) GrantRole(ctx context.Context, caller Principal, role Role, p Principal) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	err := e.mutate(ctx, caller, func(s Store) error {
		if p == "" {
			return ErrInvalidPrincipal
		}
		return e.access.Grant(ctx, s, caller, role, p)
	})
	e.record("grant_role", caller, err)
	if err != nil {
		return err
	}
	e.log.Info().Str("caller", string(caller)).Str("role", string(role)).Str("principal", string(p)).Msg("role granted")
	e.emit(Event{Type: EventRoleGranted, Caller: caller, Principal: p, Role: role})
	return nil
}

// RevokeRole removes role from p. Requires admin; the last admin stays.
func (e *Engine) RevokeRole(ctx context.Context, caller Principal, role Role, p Principal) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	err := e.mutate(ctx, caller, func(s Store) error {
		if p == "" {
			return ErrInvalidPrincipal
		}
		return e.access.Revoke(ctx, s, caller, role, p)
	})
	e.record("revoke_role", caller, err)
	if err != nil {
		return err
	}
	e.log.Info().Str("caller", string(caller)).Str("role", string(role)).Str("principal", string(p)).Msg("role revoked")
	e.emit(Event{Type: EventRoleRevoked, Caller: caller, Principal: p, Role: role})
	return nil
}

// =============================================================================
// READ-ONLY OPERATIONS
// =============================================================================

// ContractBalance returns the treasury balance.
func (e *Engine) ContractBalance(ctx context.Context) (Amount, error) {
	return e.ledger.Balance(ctx, e.store)
}

// Totals returns the journal summary behind the balance.
func (e *Engine) Totals(ctx context.Context) (Totals, error) {
	return e.store.Totals(ctx)
}

// HasRole is a pure membership lookup.
func (e *Engine) HasRole(ctx context.Context, role Role, p Principal) (bool, error) {
	return e.access.HasRole(ctx, e.store, role, p)
}

// RoleMembers lists the holders of role.
func (e *Engine) RoleMembers(ctx context.Context, role Role) ([]Principal, error) {
	return e.store.RoleMembers(ctx, role)
}

// LatestRound returns the current feed reading.
func (e *Engine) LatestRound(ctx context.Context) (Round, error) {
	return e.feed.LatestRound(ctx)
}

// LatestPrice returns the current feed answer.
func (e *Engine) LatestPrice(ctx context.Context) (Price, error) {
	return e.feed.LatestPrice(ctx)
}

// Threshold returns the payout threshold.
func (e *Engine) Threshold(ctx context.Context) (Price, error) {
	threshold, ok, err := e.store.Threshold(ctx)
	if err != nil {
		return Price{}, err
	}
	if !ok {
		return Price{}, ErrThresholdNotSet
	}
	return threshold, nil
}

// QuotePremium prices coverage.
func (e *Engine) QuotePremium(coverage Amount) (Amount, error) {
	return QuotePremium(coverage)
}

// PolicyOf returns owner's active policy, else their most recent one, else
// a Policy with StatusNone.
func (e *Engine) PolicyOf(ctx context.Context, owner Principal) (Policy, error) {
	active, err := e.store.ActivePolicy(ctx, owner)
	if err != nil {
		return Policy{}, err
	}
	if active != nil {
		return *active, nil
	}
	history, err := e.store.PoliciesByOwner(ctx, owner)
	if err != nil {
		return Policy{}, err
	}
	if len(history) == 0 {
		return Policy{Owner: owner, Status: StatusNone}, nil
	}
	return history[len(history)-1], nil
}

// Policies returns every policy of owner, oldest first.
func (e *Engine) Policies(ctx context.Context, owner Principal) ([]Policy, error) {
	return e.store.PoliciesByOwner(ctx, owner)
}

// Journal returns the most recent treasury entries, oldest first.
func (e *Engine) Journal(ctx context.Context, limit int) ([]TreasuryEntry, error) {
	return e.store.Entries(ctx, limit)
}

// Status gathers what a dashboard polls for. A failing feed is reported
// through FeedAvailable rather than as an error.
func (e *Engine) Status(ctx context.Context) (Status, error) {
	var st Status
	totals, err := e.store.Totals(ctx)
	if err != nil {
		return Status{}, err
	}
	st.Totals = totals

	threshold, ok, err := e.store.Threshold(ctx)
	if err != nil {
		return Status{}, err
	}
	st.Threshold, st.ThresholdSet = threshold, ok

	round, err := e.feed.LatestRound(ctx)
	if err != nil && !errors.Is(err, ErrFeedUnavailable) {
		return Status{}, err
	}
	if err == nil {
		st.Round, st.FeedAvailable = round, true
		st.Claimable = ok && round.Answer.AtLeast(threshold)
	}
	return st, nil
}

// =============================================================================
// HELPERS
// =============================================================================

// mutate runs fn in one transaction after validating the caller.
func (e *Engine) mutate(ctx context.Context, caller Principal, fn func(Store) error) error {
	if caller == "" {
		return ErrInvalidPrincipal
	}
	if err := e.store.WithTx(ctx, fn); err != nil {
		return err
	}
	e.refreshGauges(ctx)
	return nil
}

func (e *Engine) record(operation string, caller Principal, err error) {
	outcome := "ok"
	if err != nil {
		outcome = Code(err)
		e.log.Debug().
			Str("operation", operation).
			Str("caller", string(caller)).
			Str("code", outcome).
			Err(err).
			Msg("operation rejected")
	}
	if e.metrics != nil {
		e.metrics.Operations.WithLabelValues(operation, outcome).Inc()
	}
}

func (e *Engine) refreshGauges(ctx context.Context) {
	if e.metrics == nil {
		return
	}
	if totals, err := e.store.Totals(ctx); err == nil {
		e.metrics.TreasuryBalance.Set(totals.Balance.Value.InexactFloat64())
	}
	if n, err := e.store.CountActivePolicies(ctx); err == nil {
		e.metrics.PoliciesActive.Set(float64(n))
	}
	if threshold, ok, err := e.store.Threshold(ctx); err == nil && ok {
		e.metrics.Threshold.Set(threshold.Value.InexactFloat64())
	}
}

func (e *Engine) emit(evt Event) {
	if e.events == nil {
		return
	}
	evt.At = e.clock.Now().UTC()
	e.events.Publish(evt)
}
