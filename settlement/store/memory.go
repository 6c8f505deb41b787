// Package store provides Store implementations.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/paramify/insurance-engine/settlement"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu    sync.RWMutex
	state memoryState
}

type memoryState struct {
	roles       map[settlement.Role]map[settlement.Principal]bool
	policies    map[settlement.Principal][]settlement.Policy
	threshold   *settlement.Price
	entries     []settlement.TreasuryEntry
	idempotency map[string]bool
}

func newMemoryState() memoryState {
	return memoryState{
		roles:       make(map[settlement.Role]map[settlement.Principal]bool),
		policies:    make(map[settlement.Principal][]settlement.Policy),
		idempotency: make(map[string]bool),
	}
}

func NewMemory() *Memory {
	return &Memory{state: newMemoryState()}
}

// =============================================================================
// settlement.Store
// =============================================================================

func (m *Memory) HasRole(_ context.Context, role settlement.Role, p settlement.Principal) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.hasRole(role, p), nil
}

func (m *Memory) RoleMembers(_ context.Context, role settlement.Role) ([]settlement.Principal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.roleMembers(role), nil
}

func (m *Memory) AddRole(_ context.Context, role settlement.Role, p settlement.Principal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.addRole(role, p)
	return nil
}

func (m *Memory) RemoveRole(_ context.Context, role settlement.Role, p settlement.Principal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.removeRole(role, p)
	return nil
}

func (m *Memory) InsertPolicy(_ context.Context, policy settlement.Policy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.insertPolicy(policy)
	return nil
}

func (m *Memory) UpdatePolicy(_ context.Context, policy settlement.Policy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.updatePolicy(policy)
	return nil
}

func (m *Memory) ActivePolicy(_ context.Context, owner settlement.Principal) (*settlement.Policy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.activePolicy(owner), nil
}

func (m *Memory) PoliciesByOwner(_ context.Context, owner settlement.Principal) ([]settlement.Policy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.policiesByOwner(owner), nil
}

func (m *Memory) CountActivePolicies(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.countActive(), nil
}

func (m *Memory) Threshold(_ context.Context) (settlement.Price, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.state.getThreshold()
	return p, ok, nil
}

func (m *Memory) SetThreshold(_ context.Context, threshold settlement.Price) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.threshold = &threshold
	return nil
}

func (m *Memory) AppendEntry(_ context.Context, entry settlement.TreasuryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.appendEntry(entry)
}

func (m *Memory) EntryExists(_ context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.idempotency[key], nil
}

func (m *Memory) Entries(_ context.Context, limit int) ([]settlement.TreasuryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.listEntries(limit), nil
}

func (m *Memory) Totals(_ context.Context) (settlement.Totals, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return settlement.SumEntries(m.state.entries), nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(_ context.Context, fn func(settlement.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.state.clone()
	if err := fn(&txMemoryView{state: &m.state}); err != nil {
		m.state = snapshot
		return err
	}
	return nil
}

// Reset clears all data (for testing/demo).
func (m *Memory) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = newMemoryState()
	return nil
}

// txMemoryView operates on the state while WithTx holds the lock.
type txMemoryView struct {
	state *memoryState
}

func (v *txMemoryView) HasRole(_ context.Context, role settlement.Role, p settlement.Principal) (bool, error) {
	return v.state.hasRole(role, p), nil
}

func (v *txMemoryView) RoleMembers(_ context.Context, role settlement.Role) ([]settlement.Principal, error) {
	return v.state.roleMembers(role), nil
}

func (v *txMemoryView) AddRole(_ context.Context, role settlement.Role, p settlement.Principal) error {
	v.state.addRole(role, p)
	return nil
}

func (v *txMemoryView) RemoveRole(_ context.Context, role settlement.Role, p settlement.Principal) error {
	v.state.removeRole(role, p)
	return nil
}

func (v *txMemoryView) InsertPolicy(_ context.Context, policy settlement.Policy) error {
	v.state.insertPolicy(policy)
	return nil
}

func (v *txMemoryView) UpdatePolicy(_ context.Context, policy settlement.Policy) error {
	v.state.updatePolicy(policy)
	return nil
}

func (v *txMemoryView) ActivePolicy(_ context.Context, owner settlement.Principal) (*settlement.Policy, error) {
	return v.state.activePolicy(owner), nil
}

func (v *txMemoryView) PoliciesByOwner(_ context.Context, owner settlement.Principal) ([]settlement.Policy, error) {
	return v.state.policiesByOwner(owner), nil
}

func (v *txMemoryView) CountActivePolicies(_ context.Context) (int, error) {
	return v.state.countActive(), nil
}

func (v *txMemoryView) Threshold(_ context.Context) (settlement.Price, bool, error) {
	p, ok := v.state.getThreshold()
	return p, ok, nil
}

func (v *txMemoryView) SetThreshold(_ context.Context, threshold settlement.Price) error {
	v.state.threshold = &threshold
	return nil
}

func (v *txMemoryView) AppendEntry(_ context.Context, entry settlement.TreasuryEntry) error {
	return v.state.appendEntry(entry)
}

func (v *txMemoryView) EntryExists(_ context.Context, key string) (bool, error) {
	return v.state.idempotency[key], nil
}

func (v *txMemoryView) Entries(_ context.Context, limit int) ([]settlement.TreasuryEntry, error) {
	return v.state.listEntries(limit), nil
}

func (v *txMemoryView) Totals(_ context.Context) (settlement.Totals, error) {
	return settlement.SumEntries(v.state.entries), nil
}

// =============================================================================
// STATE (callers hold the lock)
// =============================================================================

func (s *memoryState) hasRole(role settlement.Role, p settlement.Principal) bool {
	return s.roles[role][p]
}

func (s *memoryState) roleMembers(role settlement.Role) []settlement.Principal {
	members := make([]settlement.Principal, 0, len(s.roles[role]))
	for p := range s.roles[role] {
		members = append(members, p)
	}
	sort.Slice(members, func(i, j int) bool { return members[i] < members[j] })
	return members
}

func (s *memoryState) addRole(role settlement.Role, p settlement.Principal) {
	if s.roles[role] == nil {
		s.roles[role] = make(map[settlement.Principal]bool)
	}
	s.roles[role][p] = true
}

func (s *memoryState) removeRole(role settlement.Role, p settlement.Principal) {
	delete(s.roles[role], p)
}

func (s *memoryState) insertPolicy(policy settlement.Policy) {
	s.policies[policy.Owner] = append(s.policies[policy.Owner], policy)
}

func (s *memoryState) updatePolicy(policy settlement.Policy) {
	list := s.policies[policy.Owner]
	for i := range list {
		if list[i].ID == policy.ID {
			list[i] = policy
			return
		}
	}
}

func (s *memoryState) activePolicy(owner settlement.Principal) *settlement.Policy {
	for _, p := range s.policies[owner] {
		if p.IsActive() {
			found := p
			return &found
		}
	}
	return nil
}

func (s *memoryState) policiesByOwner(owner settlement.Principal) []settlement.Policy {
	result := make([]settlement.Policy, len(s.policies[owner]))
	copy(result, s.policies[owner])
	return result
}

func (s *memoryState) countActive() int {
	n := 0
	for _, list := range s.policies {
		for _, p := range list {
			if p.IsActive() {
				n++
			}
		}
	}
	return n
}

func (s *memoryState) getThreshold() (settlement.Price, bool) {
	if s.threshold == nil {
		return settlement.Price{}, false
	}
	return *s.threshold, true
}

func (s *memoryState) appendEntry(entry settlement.TreasuryEntry) error {
	if entry.IdempotencyKey != "" {
		if s.idempotency[entry.IdempotencyKey] {
			return settlement.ErrDuplicateRequest
		}
		s.idempotency[entry.IdempotencyKey] = true
	}
	s.entries = append(s.entries, entry)
	return nil
}

func (s *memoryState) listEntries(limit int) []settlement.TreasuryEntry {
	entries := s.entries
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	result := make([]settlement.TreasuryEntry, len(entries))
	copy(result, entries)
	return result
}

func (s *memoryState) clone() memoryState {
	c := newMemoryState()
	for role, members := range s.roles {
		c.roles[role] = make(map[settlement.Principal]bool, len(members))
		for p, v := range members {
			c.roles[role][p] = v
		}
	}
	for owner, list := range s.policies {
		c.policies[owner] = append([]settlement.Policy(nil), list...)
	}
	if s.threshold != nil {
		t := *s.threshold
		c.threshold = &t
	}
	c.entries = append([]settlement.TreasuryEntry(nil), s.entries...)
	for k, v := range s.idempotency {
		c.idempotency[k] = v
	}
	return c
}
