package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/perpex/margin-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary. Accounts are cached
// too: every settlement re-saves the account, so the invalidation keeps
// the cache honest.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, refresh or invalidate cache) ---

func (s *CachedStore) CreateMarket(ctx context.Context, m *model.Market) error {
	if err := s.primary.CreateMarket(ctx, m); err != nil {
		return err
	}
	s.cacheMarket(ctx, m)
	return nil
}

func (s *CachedStore) SaveMarket(ctx context.Context, m *model.Market) error {
	if err := s.primary.SaveMarket(ctx, m); err != nil {
		return err
	}
	// Invalidate; next read re-populates.
	s.rdb.Del(ctx, marketKey(m.Idx))
	return nil
}

func (s *CachedStore) SaveAccount(ctx context.Context, acc *model.Account) error {
	if err := s.primary.SaveAccount(ctx, acc); err != nil {
		return err
	}
	s.rdb.Del(ctx, accountKey(acc.User))
	return nil
}

func (s *CachedStore) SaveDetails(ctx context.Context, d *model.VaultDetails) error {
	if err := s.primary.SaveDetails(ctx, d); err != nil {
		return err
	}
	s.rdb.Del(ctx, detailsKey)
	return nil
}

func (s *CachedStore) AppendEvent(ctx context.Context, e *model.Event) error {
	return s.primary.AppendEvent(ctx, e)
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetMarket(ctx context.Context, idx uint32) (*model.Market, error) {
	data, err := s.rdb.Get(ctx, marketKey(idx)).Bytes()
	if err == nil {
		var m model.Market
		if json.Unmarshal(data, &m) == nil {
			return &m, nil
		}
	}

	m, err := s.primary.GetMarket(ctx, idx)
	if err != nil {
		return nil, err
	}

	s.cacheMarket(ctx, m)
	return m, nil
}

func (s *CachedStore) GetAccount(ctx context.Context, user string) (*model.Account, error) {
	data, err := s.rdb.Get(ctx, accountKey(user)).Bytes()
	if err == nil {
		var acc model.Account
		if json.Unmarshal(data, &acc) == nil {
			if acc.Positions == nil {
				acc.Positions = make(map[uint64]*model.Position)
			}
			if acc.LimitOrders == nil {
				acc.LimitOrders = make(map[uint64]*model.LimitOrder)
			}
			return &acc, nil
		}
	}

	acc, err := s.primary.GetAccount(ctx, user)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(acc); err == nil {
		s.rdb.Set(ctx, accountKey(user), data, s.ttl)
	}
	return acc, nil
}

func (s *CachedStore) GetDetails(ctx context.Context) (*model.VaultDetails, error) {
	data, err := s.rdb.Get(ctx, detailsKey).Bytes()
	if err == nil {
		var d model.VaultDetails
		if json.Unmarshal(data, &d) == nil {
			return &d, nil
		}
	}

	d, err := s.primary.GetDetails(ctx)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(d); err == nil {
		s.rdb.Set(ctx, detailsKey, data, s.ttl)
	}
	return d, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	return s.primary.ListMarkets(ctx)
}

func (s *CachedStore) ListEventsByUser(ctx context.Context, user string, limit int) ([]model.Event, error) {
	return s.primary.ListEventsByUser(ctx, user, limit)
}

// --- Cache helpers ---

func (s *CachedStore) cacheMarket(ctx context.Context, m *model.Market) {
	if data, err := json.Marshal(m); err == nil {
		s.rdb.Set(ctx, marketKey(m.Idx), data, s.ttl)
	}
}

const detailsKey = "vault:details"

func marketKey(idx uint32) string   { return fmt.Sprintf("market:%d", idx) }
func accountKey(user string) string { return fmt.Sprintf("account:%s", user) }
