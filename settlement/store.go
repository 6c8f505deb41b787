/*
store.go - Persistence interface for engine state

PURPOSE:
  Defines the boundary between the settlement rules and the database. The
  engine state is four things: role assignments, policies keyed by owner,
  the threshold, and the treasury journal. All four must survive restarts.

KEY INTERFACES:
  Store:   reads and writes for one unit of work
  TxStore: Store plus WithTx for all-or-nothing commits

APPEND-ONLY JOURNAL:
  The treasury journal has no update or delete. The balance is the fold of
  the journal (see SumEntries); there is no stored balance to drift.

ATOMIC COMMITS:
  Every engine mutation runs inside WithTx. Settling a policy writes the
  payout entry and the Settled status in one commit, so a crash can never
  leave a debited treasury with an unsettled policy or the reverse.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: durable SQLite store
  - settlement/store/memory.go: in-memory store for tests and dev

SEE ALSO:
  - ledger.go: PolicyLedger, the only writer of policies and journal entries
  - access.go: AccessControl, the only writer of roles
*/
package settlement

import "context"

// =============================================================================
// STORE
// =============================================================================

// Store persists engine state. Implementations need not enforce business
// rules; the engine does that before writing.
type Store interface {
	// HasRole reports whether p currently holds role.
	HasRole(ctx context.Context, role Role, p Principal) (bool, error)

	// RoleMembers lists holders of role, sorted.
	RoleMembers(ctx context.Context, role Role) ([]Principal, error)

	// AddRole grants role to p. Granting a held role is a no-op.
	AddRole(ctx context.Context, role Role, p Principal) error

	// RemoveRole revokes role from p. Revoking a missing role is a no-op.
	RemoveRole(ctx context.Context, role Role, p Principal) error

	// InsertPolicy records a new policy.
	InsertPolicy(ctx context.Context, policy Policy) error

	// UpdatePolicy rewrites status and settlement fields of an existing policy.
	UpdatePolicy(ctx context.Context, policy Policy) error

	// ActivePolicy returns the owner's active policy, or nil.
	ActivePolicy(ctx context.Context, owner Principal) (*Policy, error)

	// PoliciesByOwner returns every policy of owner, oldest first.
	PoliciesByOwner(ctx context.Context, owner Principal) ([]Policy, error)

	// CountActivePolicies returns the number of active policies.
	CountActivePolicies(ctx context.Context) (int, error)

	// Threshold returns the stored threshold; ok is false when never set.
	Threshold(ctx context.Context) (threshold Price, ok bool, err error)

	// SetThreshold replaces the stored threshold.
	SetThreshold(ctx context.Context, threshold Price) error

	// AppendEntry adds a journal entry. A reused non-empty idempotency key
	// returns ErrDuplicateRequest.
	AppendEntry(ctx context.Context, entry TreasuryEntry) error

	// EntryExists reports whether an idempotency key was already used.
	EntryExists(ctx context.Context, idempotencyKey string) (bool, error)

	// Entries returns the journal oldest first. limit > 0 keeps only the
	// most recent limit entries.
	Entries(ctx context.Context, limit int) ([]TreasuryEntry, error)

	// Totals folds the whole journal.
	Totals(ctx context.Context) (Totals, error)
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}
