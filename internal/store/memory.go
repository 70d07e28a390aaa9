package store

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ecolebourse/plus-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// Transactions hold the write lock for their whole duration and work on
// copies of the tables, which replace the live ones on commit.
type MemoryStore struct {
	mu sync.RWMutex
	memTables
}

type memTables struct {
	users     map[string]model.User
	positions map[string]model.Position
	orders    []model.Order
	rules     map[string]model.TpslRule
	triggers  []model.TpslTrigger
	settings  model.Settings
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		memTables: memTables{
			users:     make(map[string]model.User),
			positions: make(map[string]model.Position),
			rules:     make(map[string]model.TpslRule),
			settings:  DefaultSettings,
		},
	}
}

func (t *memTables) clone() memTables {
	return memTables{
		users:     maps.Clone(t.users),
		positions: maps.Clone(t.positions),
		orders:    t.orders[:len(t.orders):len(t.orders)],
		rules:     maps.Clone(t.rules),
		triggers:  t.triggers[:len(t.triggers):len(t.triggers)],
		settings:  t.settings,
	}
}

// --- Users ---

func (s *MemoryStore) CreateUser(_ context.Context, u *model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[u.ID]; ok {
		return fmt.Errorf("user %s: %w", u.ID, ErrConflict)
	}
	for _, existing := range s.users {
		if u.Email != "" && existing.Email == u.Email {
			return fmt.Errorf("user email %s: %w", u.Email, ErrConflict)
		}
	}
	s.users[u.ID] = *u
	return nil
}

func (s *MemoryStore) GetUser(_ context.Context, id string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	return &u, nil
}

func (s *MemoryStore) ListUsers(_ context.Context, promo string) ([]model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]model.User, 0, len(s.users))
	for _, u := range s.users {
		if promo != "" && u.Promo != promo {
			continue
		}
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool {
		if !users[i].CreatedAt.Equal(users[j].CreatedAt) {
			return users[i].CreatedAt.Before(users[j].CreatedAt)
		}
		return users[i].ID < users[j].ID
	})
	return users, nil
}

// --- Positions ---

func (s *MemoryStore) GetPosition(_ context.Context, id string) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[id]
	if !ok {
		return nil, fmt.Errorf("position %s: %w", id, ErrNotFound)
	}
	return &p, nil
}

func (s *MemoryStore) ListPositions(_ context.Context, userID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Position
	for _, p := range s.positions {
		if p.UserID == userID {
			result = append(result, p)
		}
	}
	sortPositions(result)
	return result, nil
}

func (s *MemoryStore) ListAllPositions(_ context.Context) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]model.Position, 0, len(s.positions))
	for _, p := range s.positions {
		result = append(result, p)
	}
	sortPositions(result)
	return result, nil
}

func sortPositions(ps []model.Position) {
	sort.Slice(ps, func(i, j int) bool {
		if ps[i].UserID != ps[j].UserID {
			return ps[i].UserID < ps[j].UserID
		}
		return ps[i].Symbol < ps[j].Symbol
	})
}

// --- Orders ---

func (s *MemoryStore) ListOrdersByUser(_ context.Context, userID string, limit int) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Order
	for i := len(s.orders) - 1; i >= 0; i-- {
		if s.orders[i].UserID != userID {
			continue
		}
		result = append(result, s.orders[i])
		if limit > 0 && len(result) == limit {
			break
		}
	}
	return result, nil
}

func (s *MemoryStore) ListOrdersSince(_ context.Context, since time.Time) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Order
	for _, o := range s.orders {
		if !o.CreatedAt.Before(since) {
			result = append(result, o)
		}
	}
	sort.SliceStable(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

// --- Rules ---

func (s *MemoryStore) CreateRule(_ context.Context, r *model.TpslRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rules[r.ID]; ok {
		return fmt.Errorf("rule %s: %w", r.ID, ErrConflict)
	}
	s.rules[r.ID] = *r
	return nil
}

func (s *MemoryStore) GetRule(_ context.Context, id string) (*model.TpslRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.rules[id]
	if !ok {
		return nil, fmt.Errorf("rule %s: %w", id, ErrNotFound)
	}
	return &r, nil
}

func (s *MemoryStore) ListArmedRules(_ context.Context) ([]model.TpslRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.TpslRule
	for _, r := range s.rules {
		if r.IsArmed() {
			result = append(result, r)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (s *MemoryStore) ListRulesByUser(_ context.Context, userID string) ([]model.TpslRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.TpslRule
	for _, r := range s.rules {
		if r.UserID == userID {
			result = append(result, r)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	return result, nil
}

func (s *MemoryStore) TransitionRule(_ context.Context, id, from, to string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.memTables.transitionRule(id, from, to)
}

func (s *MemoryStore) ListTriggers(_ context.Context, ruleID string) ([]model.TpslTrigger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.TpslTrigger
	for _, t := range s.triggers {
		if t.RuleID == ruleID {
			result = append(result, t)
		}
	}
	return result, nil
}

// --- Settings ---

func (s *MemoryStore) GetSettings(_ context.Context) (model.Settings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings, nil
}

func (s *MemoryStore) UpdateSettings(_ context.Context, settings model.Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings = settings
	return nil
}

// --- Transactions ---

func (s *MemoryStore) InTx(_ context.Context, fn func(Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{tables: s.memTables.clone()}
	if err := fn(tx); err != nil {
		return err
	}
	s.memTables = tx.tables
	return nil
}

type memTx struct {
	tables memTables
}

func (tx *memTx) LockUser(_ context.Context, id string) (*model.User, error) {
	u, ok := tx.tables.users[id]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	return &u, nil
}

func (tx *memTx) AdjustCash(_ context.Context, userID string, delta decimal.Decimal) error {
	u, ok := tx.tables.users[userID]
	if !ok {
		return fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	u.Cash = u.Cash.Add(delta)
	tx.tables.users[userID] = u
	return nil
}

func (tx *memTx) GetPosition(_ context.Context, id string) (*model.Position, error) {
	p, ok := tx.tables.positions[id]
	if !ok {
		return nil, fmt.Errorf("position %s: %w", id, ErrNotFound)
	}
	return &p, nil
}

func (tx *memTx) GetPositionBySymbol(_ context.Context, userID, symbol string) (*model.Position, error) {
	for _, p := range tx.tables.positions {
		if p.UserID == userID && p.Symbol == symbol {
			return &p, nil
		}
	}
	return nil, fmt.Errorf("position %s/%s: %w", userID, symbol, ErrNotFound)
}

func (tx *memTx) UpsertPosition(_ context.Context, p *model.Position) error {
	for id, existing := range tx.tables.positions {
		if id != p.ID && existing.UserID == p.UserID && existing.Symbol == p.Symbol {
			return fmt.Errorf("position %s/%s: %w", p.UserID, p.Symbol, ErrConflict)
		}
	}
	tx.tables.positions[p.ID] = *p
	return nil
}

func (tx *memTx) DeletePosition(_ context.Context, id string) error {
	if _, ok := tx.tables.positions[id]; !ok {
		return fmt.Errorf("position %s: %w", id, ErrNotFound)
	}
	delete(tx.tables.positions, id)
	return nil
}

func (tx *memTx) InsertOrder(_ context.Context, o *model.Order) error {
	tx.tables.orders = append(tx.tables.orders, *o)
	return nil
}

func (tx *memTx) InsertTrigger(_ context.Context, t *model.TpslTrigger) error {
	tx.tables.triggers = append(tx.tables.triggers, *t)
	return nil
}

func (tx *memTx) TransitionRule(_ context.Context, id, from, to string) (bool, error) {
	return tx.tables.transitionRule(id, from, to)
}

func (t *memTables) transitionRule(id, from, to string) (bool, error) {
	r, ok := t.rules[id]
	if !ok {
		return false, fmt.Errorf("rule %s: %w", id, ErrNotFound)
	}
	if r.State != from {
		return false, nil
	}
	r.State = to
	r.UpdatedAt = time.Now().UTC()
	t.rules[id] = r
	return true, nil
}
