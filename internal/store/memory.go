package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/perpex/margin-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu       sync.RWMutex
	markets  map[uint32]*model.Market
	accounts map[string]*model.Account
	details  *model.VaultDetails
	events   []model.Event
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		markets:  make(map[uint32]*model.Market),
		accounts: make(map[string]*model.Account),
	}
}

func (s *MemoryStore) CreateMarket(_ context.Context, m *model.Market) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.markets[m.Idx]; ok {
		return fmt.Errorf("market %d already exists", m.Idx)
	}

	// Store a copy to avoid external mutation.
	cp := *m
	s.markets[m.Idx] = &cp
	return nil
}

func (s *MemoryStore) GetMarket(_ context.Context, idx uint32) (*model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.markets[idx]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *MemoryStore) ListMarkets(_ context.Context) ([]model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	markets := make([]model.Market, 0, len(s.markets))
	for _, m := range s.markets {
		markets = append(markets, *m)
	}
	sort.Slice(markets, func(i, j int) bool { return markets[i].Idx < markets[j].Idx })
	return markets, nil
}

func (s *MemoryStore) SaveMarket(_ context.Context, m *model.Market) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.markets[m.Idx]; !ok {
		return ErrNotFound
	}
	cp := *m
	s.markets[m.Idx] = &cp
	return nil
}

func (s *MemoryStore) GetAccount(_ context.Context, user string) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acc, ok := s.accounts[user]
	if !ok {
		return nil, ErrNotFound
	}
	return copyAccount(acc), nil
}

func (s *MemoryStore) SaveAccount(_ context.Context, acc *model.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.accounts[acc.User] = copyAccount(acc)
	return nil
}

func (s *MemoryStore) GetDetails(_ context.Context) (*model.VaultDetails, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.details == nil {
		return nil, ErrNotFound
	}
	cp := *s.details
	return &cp, nil
}

func (s *MemoryStore) SaveDetails(_ context.Context, d *model.VaultDetails) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *d
	s.details = &cp
	return nil
}

func (s *MemoryStore) AppendEvent(_ context.Context, e *model.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.events = append(s.events, *e)
	return nil
}

func (s *MemoryStore) ListEventsByUser(_ context.Context, user string, limit int) ([]model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Event
	for _, e := range s.events {
		if e.User != user {
			continue
		}
		result = append(result, e)
		if limit > 0 && len(result) == limit {
			break
		}
	}
	return result, nil
}

// copyAccount deep-copies the account so callers can mutate positions
// and orders without touching stored state.
func copyAccount(acc *model.Account) *model.Account {
	cp := *acc
	cp.Positions = make(map[uint64]*model.Position, len(acc.Positions))
	for k, p := range acc.Positions {
		pc := *p
		if p.StopLoss != nil {
			sl := *p.StopLoss
			pc.StopLoss = &sl
		}
		if p.TakeProfit != nil {
			tp := *p.TakeProfit
			pc.TakeProfit = &tp
		}
		cp.Positions[k] = &pc
	}
	cp.LimitOrders = make(map[uint64]*model.LimitOrder, len(acc.LimitOrders))
	for k, o := range acc.LimitOrders {
		oc := *o
		if o.StopLoss != nil {
			sl := *o.StopLoss
			oc.StopLoss = &sl
		}
		if o.TakeProfit != nil {
			tp := *o.TakeProfit
			oc.TakeProfit = &tp
		}
		cp.LimitOrders[k] = &oc
	}
	return &cp
}
