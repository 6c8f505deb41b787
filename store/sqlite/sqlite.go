/*
Package sqlite provides a SQLite-backed implementation of settlement.TxStore.

PURPOSE:
  Durable storage for roles, policies, the payout threshold and the treasury
  journal. A restarted engine over the same file sees the same balance,
  policies and role holders.

APPEND-ONLY ENFORCEMENT:
  - No UPDATE statements on treasury_entries
  - No DELETE statements on treasury_entries
  - Balance is always folded from the journal, never stored

KEY TABLES:
  role_assignments:  (role, principal) pairs
  policies:          one row per policy, status active|settled
  settings:          key/value, holds the threshold
  treasury_entries:  immutable journal, ordered by seq

INDEXES:
  - idx_unique_active_policy: at most one active policy per owner
  - idx_entries_idempotency:  one journal entry per idempotency key
  - idx_policies_owner:       policy history lookups

AMOUNTS:
  Stored as decimal TEXT and summed in Go so no value passes through a
  float. SQLite's SUM() over TEXT would coerce to REAL.

CONCURRENCY:
  Uses sync.RWMutex for thread-safety and a single pooled connection, so
  ":memory:" databases are shared by every call. WithTx holds the write lock
  for the whole transaction and hands fn a view bound to the *sql.Tx.

WAL MODE:
  Opened with WAL (Write-Ahead Logging) and a busy timeout for crash
  recovery and concurrent readers from other processes.

USAGE:
  store, err := sqlite.New("./data/paramify.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - settlement/store.go: interface definitions
  - settlement/store/memory.go: in-memory implementation for tests
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/paramify/insurance-engine/settlement"
)

const thresholdKey = "threshold"

// Store implements settlement.TxStore using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a SQLite store, creating the schema if needed.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the connection; used by the health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS role_assignments (
		role TEXT NOT NULL,
		principal TEXT NOT NULL,
		granted_at TEXT NOT NULL,
		PRIMARY KEY (role, principal)
	);

	CREATE TABLE IF NOT EXISTS policies (
		id TEXT PRIMARY KEY,
		owner TEXT NOT NULL,
		coverage TEXT NOT NULL,
		premium_paid TEXT NOT NULL,
		status TEXT NOT NULL CHECK (status IN ('active', 'settled')),
		purchased_at TEXT NOT NULL,
		settled_at TEXT,
		payout TEXT NOT NULL DEFAULT '0'
	);

	CREATE INDEX IF NOT EXISTS idx_policies_owner
		ON policies(owner, purchased_at);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_unique_active_policy
		ON policies(owner)
		WHERE status = 'active';

	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS treasury_entries (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		kind TEXT NOT NULL CHECK (kind IN ('premium', 'funding', 'payout')),
		principal TEXT NOT NULL,
		policy_id TEXT,
		amount TEXT NOT NULL,
		idempotency_key TEXT,
		created_at TEXT NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_entries_idempotency
		ON treasury_entries(idempotency_key)
		WHERE idempotency_key IS NOT NULL;
	`
	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// settlement.Store
// =============================================================================

func (s *Store) HasRole(ctx context.Context, role settlement.Role, p settlement.Principal) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queries{s.db}.HasRole(ctx, role, p)
}

func (s *Store) RoleMembers(ctx context.Context, role settlement.Role) ([]settlement.Principal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queries{s.db}.RoleMembers(ctx, role)
}

func (s *Store) AddRole(ctx context.Context, role settlement.Role, p settlement.Principal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return queries{s.db}.AddRole(ctx, role, p)
}

func (s *Store) RemoveRole(ctx context.Context, role settlement.Role, p settlement.Principal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return queries{s.db}.RemoveRole(ctx, role, p)
}

func (s *Store) InsertPolicy(ctx context.Context, policy settlement.Policy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return queries{s.db}.InsertPolicy(ctx, policy)
}

func (s *Store) UpdatePolicy(ctx context.Context, policy settlement.Policy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return queries{s.db}.UpdatePolicy(ctx, policy)
}

func (s *Store) ActivePolicy(ctx context.Context, owner settlement.Principal) (*settlement.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queries{s.db}.ActivePolicy(ctx, owner)
}

func (s *Store) PoliciesByOwner(ctx context.Context, owner settlement.Principal) ([]settlement.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queries{s.db}.PoliciesByOwner(ctx, owner)
}

func (s *Store) CountActivePolicies(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queries{s.db}.CountActivePolicies(ctx)
}

func (s *Store) Threshold(ctx context.Context) (settlement.Price, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queries{s.db}.Threshold(ctx)
}

func (s *Store) SetThreshold(ctx context.Context, threshold settlement.Price) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return queries{s.db}.SetThreshold(ctx, threshold)
}

func (s *Store) AppendEntry(ctx context.Context, entry settlement.TreasuryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return queries{s.db}.AppendEntry(ctx, entry)
}

func (s *Store) EntryExists(ctx context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queries{s.db}.EntryExists(ctx, key)
}

func (s *Store) Entries(ctx context.Context, limit int) ([]settlement.TreasuryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queries{s.db}.Entries(ctx, limit)
}

func (s *Store) Totals(ctx context.Context) (settlement.Totals, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queries{s.db}.Totals(ctx)
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a database transaction. The transaction is
// rolled back if fn returns an error.
func (s *Store) WithTx(ctx context.Context, fn func(settlement.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if err := fn(queries{tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback failed: %v (original error: %w)", rbErr, err)
		}
		return err
	}

	return tx.Commit()
}

// =============================================================================
// QUERIES (shared by Store and the transaction view)
// =============================================================================

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries runs statements without locking. Store wraps it with s.mu; inside
// WithTx the lock is already held.
type queries struct {
	q querier
}

func (t queries) HasRole(ctx context.Context, role settlement.Role, p settlement.Principal) (bool, error) {
	var n int
	err := t.q.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM role_assignments WHERE role = ? AND principal = ?",
		string(role), string(p),
	).Scan(&n)
	return n > 0, err
}

func (t queries) RoleMembers(ctx context.Context, role settlement.Role) ([]settlement.Principal, error) {
	rows, err := t.q.QueryContext(ctx,
		"SELECT principal FROM role_assignments WHERE role = ? ORDER BY principal",
		string(role),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	members := []settlement.Principal{}
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		members = append(members, settlement.Principal(p))
	}
	return members, rows.Err()
}

func (t queries) AddRole(ctx context.Context, role settlement.Role, p settlement.Principal) error {
	_, err := t.q.ExecContext(ctx,
		"INSERT OR IGNORE INTO role_assignments (role, principal, granted_at) VALUES (?, ?, ?)",
		string(role), string(p), formatTime(time.Now()),
	)
	return err
}

func (t queries) RemoveRole(ctx context.Context, role settlement.Role, p settlement.Principal) error {
	_, err := t.q.ExecContext(ctx,
		"DELETE FROM role_assignments WHERE role = ? AND principal = ?",
		string(role), string(p),
	)
	return err
}

func (t queries) InsertPolicy(ctx context.Context, p settlement.Policy) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO policies (id, owner, coverage, premium_paid, status, purchased_at, settled_at, payout)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		string(p.ID), string(p.Owner), p.Coverage.String(), p.PremiumPaid.String(),
		string(p.Status), formatTime(p.PurchasedAt), formatTimePtr(p.SettledAt), p.Payout.String(),
	)
	if isUniqueConstraintError(err) {
		return fmt.Errorf("%w: %s", settlement.ErrPolicyAlreadyActive, p.Owner)
	}
	return err
}

func (t queries) UpdatePolicy(ctx context.Context, p settlement.Policy) error {
	res, err := t.q.ExecContext(ctx,
		"UPDATE policies SET status = ?, settled_at = ?, payout = ? WHERE id = ?",
		string(p.Status), formatTimePtr(p.SettledAt), p.Payout.String(), string(p.ID),
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("update policy %s: not found", p.ID)
	}
	return nil
}

const policyColumns = "id, owner, coverage, premium_paid, status, purchased_at, settled_at, payout"

func (t queries) ActivePolicy(ctx context.Context, owner settlement.Principal) (*settlement.Policy, error) {
	policies, err := t.queryPolicies(ctx,
		"SELECT "+policyColumns+" FROM policies WHERE owner = ? AND status = 'active'",
		string(owner),
	)
	if err != nil || len(policies) == 0 {
		return nil, err
	}
	return &policies[0], nil
}

func (t queries) PoliciesByOwner(ctx context.Context, owner settlement.Principal) ([]settlement.Policy, error) {
	return t.queryPolicies(ctx,
		"SELECT "+policyColumns+" FROM policies WHERE owner = ? ORDER BY rowid",
		string(owner),
	)
}

func (t queries) CountActivePolicies(ctx context.Context) (int, error) {
	var n int
	err := t.q.QueryRowContext(ctx, "SELECT COUNT(*) FROM policies WHERE status = 'active'").Scan(&n)
	return n, err
}

func (t queries) queryPolicies(ctx context.Context, query string, args ...any) ([]settlement.Policy, error) {
	rows, err := t.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	policies := []settlement.Policy{}
	for rows.Next() {
		var (
			p                         settlement.Policy
			id, owner, status         string
			coverage, premium, payout string
			purchasedAt               string
			settledAt                 sql.NullString
		)
		if err := rows.Scan(&id, &owner, &coverage, &premium, &status, &purchasedAt, &settledAt, &payout); err != nil {
			return nil, err
		}
		p.ID = settlement.PolicyID(id)
		p.Owner = settlement.Principal(owner)
		p.Status = settlement.PolicyStatus(status)
		if p.Coverage, err = settlement.ParseAmount(coverage); err != nil {
			return nil, fmt.Errorf("policy %s coverage: %w", id, err)
		}
		if p.PremiumPaid, err = settlement.ParseAmount(premium); err != nil {
			return nil, fmt.Errorf("policy %s premium: %w", id, err)
		}
		if p.Payout, err = settlement.ParseAmount(payout); err != nil {
			return nil, fmt.Errorf("policy %s payout: %w", id, err)
		}
		if p.PurchasedAt, err = parseTime(purchasedAt); err != nil {
			return nil, fmt.Errorf("policy %s purchased_at: %w", id, err)
		}
		if settledAt.Valid {
			at, err := parseTime(settledAt.String)
			if err != nil {
				return nil, fmt.Errorf("policy %s settled_at: %w", id, err)
			}
			p.SettledAt = &at
		}
		policies = append(policies, p)
	}
	return policies, rows.Err()
}

func (t queries) Threshold(ctx context.Context) (settlement.Price, bool, error) {
	var value string
	err := t.q.QueryRowContext(ctx, "SELECT value FROM settings WHERE key = ?", thresholdKey).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return settlement.Price{}, false, nil
	}
	if err != nil {
		return settlement.Price{}, false, err
	}
	p, err := settlement.ParsePrice(value)
	if err != nil {
		return settlement.Price{}, false, fmt.Errorf("stored threshold: %w", err)
	}
	return p, true, nil
}

func (t queries) SetThreshold(ctx context.Context, threshold settlement.Price) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		thresholdKey, threshold.String(),
	)
	return err
}

func (t queries) AppendEntry(ctx context.Context, e settlement.TreasuryEntry) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO treasury_entries (id, kind, principal, policy_id, amount, idempotency_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		string(e.ID), string(e.Kind), string(e.Principal), nullString(string(e.PolicyID)),
		e.Amount.String(), nullString(e.IdempotencyKey), formatTime(e.CreatedAt),
	)
	if isUniqueConstraintError(err) && strings.Contains(err.Error(), "idempotency_key") {
		return fmt.Errorf("%w: idempotency key %q", settlement.ErrDuplicateRequest, e.IdempotencyKey)
	}
	return err
}

func (t queries) EntryExists(ctx context.Context, key string) (bool, error) {
	var n int
	err := t.q.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM treasury_entries WHERE idempotency_key = ?", key,
	).Scan(&n)
	return n > 0, err
}

func (t queries) Entries(ctx context.Context, limit int) ([]settlement.TreasuryEntry, error) {
	query := `
		SELECT id, kind, principal, policy_id, amount, idempotency_key, created_at
		FROM treasury_entries ORDER BY seq`
	var args []any
	if limit > 0 {
		// Newest N, returned oldest first.
		query = `
			SELECT id, kind, principal, policy_id, amount, idempotency_key, created_at FROM (
				SELECT seq, id, kind, principal, policy_id, amount, idempotency_key, created_at
				FROM treasury_entries ORDER BY seq DESC LIMIT ?
			) ORDER BY seq`
		args = append(args, limit)
	}
	return t.queryEntries(ctx, query, args...)
}

func (t queries) Totals(ctx context.Context) (settlement.Totals, error) {
	entries, err := t.queryEntries(ctx, `
		SELECT id, kind, principal, policy_id, amount, idempotency_key, created_at
		FROM treasury_entries ORDER BY seq`)
	if err != nil {
		return settlement.Totals{}, err
	}
	return settlement.SumEntries(entries), nil
}

func (t queries) queryEntries(ctx context.Context, query string, args ...any) ([]settlement.TreasuryEntry, error) {
	rows, err := t.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []settlement.TreasuryEntry{}
	for rows.Next() {
		var (
			e                        settlement.TreasuryEntry
			id, kind, principal      string
			amount, createdAt        string
			policyID, idempotencyKey sql.NullString
		)
		if err := rows.Scan(&id, &kind, &principal, &policyID, &amount, &idempotencyKey, &createdAt); err != nil {
			return nil, err
		}
		e.ID = settlement.EntryID(id)
		e.Kind = settlement.EntryKind(kind)
		e.Principal = settlement.Principal(principal)
		e.PolicyID = settlement.PolicyID(policyID.String)
		e.IdempotencyKey = idempotencyKey.String
		if e.Amount, err = settlement.ParseAmount(amount); err != nil {
			return nil, fmt.Errorf("entry %s amount: %w", id, err)
		}
		if e.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("entry %s created_at: %w", id, err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{"treasury_entries", "policies", "settings", "role_assignments"}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}

// timeLayout is fixed width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
