package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/basketlabs/basket-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
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

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateBasket(ctx context.Context, b *model.Basket) error {
	if err := s.primary.CreateBasket(ctx, b); err != nil {
		return err
	}
	s.cacheBasket(ctx, b)
	return nil
}

func (s *CachedStore) UpdateBasket(ctx context.Context, b *model.Basket) error {
	if err := s.primary.UpdateBasket(ctx, b); err != nil {
		return err
	}
	// Invalidate; next read re-populates.
	s.rdb.Del(ctx, basketKey(b.Address))
	return nil
}

func (s *CachedStore) PutVenueLedger(ctx context.Context, basket, component string, l *model.VenueLedger) error {
	if err := s.primary.PutVenueLedger(ctx, basket, component, l); err != nil {
		return err
	}
	s.rdb.Del(ctx, venueLedgerKey(basket, component))
	return nil
}

func (s *CachedStore) InsertTradeRecord(ctx context.Context, r *model.TradeRecord) error {
	return s.primary.InsertTradeRecord(ctx, r)
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetBasket(ctx context.Context, address string) (*model.Basket, error) {
	data, err := s.rdb.Get(ctx, basketKey(address)).Bytes()
	if err == nil {
		var b model.Basket
		if json.Unmarshal(data, &b) == nil {
			return &b, nil
		}
	}

	b, err := s.primary.GetBasket(ctx, address)
	if err != nil {
		return nil, err
	}

	s.cacheBasket(ctx, b)
	return b, nil
}

func (s *CachedStore) GetVenueLedger(ctx context.Context, basket, component string) (*model.VenueLedger, error) {
	data, err := s.rdb.Get(ctx, venueLedgerKey(basket, component)).Bytes()
	if err == nil {
		var l model.VenueLedger
		if json.Unmarshal(data, &l) == nil {
			if l.Positions == nil {
				l.Positions = make(map[string]model.StakingPosition)
			}
			return &l, nil
		}
	}

	l, err := s.primary.GetVenueLedger(ctx, basket, component)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(l); err == nil {
		s.rdb.Set(ctx, venueLedgerKey(basket, component), data, s.ttl)
	}
	return l, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListBaskets(ctx context.Context) ([]model.Basket, error) {
	return s.primary.ListBaskets(ctx)
}

func (s *CachedStore) HasOpenPositions(ctx context.Context, basket string) (bool, error) {
	return s.primary.HasOpenPositions(ctx, basket)
}

func (s *CachedStore) GetTradeRecordsByBasket(ctx context.Context, basket string) ([]model.TradeRecord, error) {
	return s.primary.GetTradeRecordsByBasket(ctx, basket)
}

// --- Cache helpers ---

func (s *CachedStore) cacheBasket(ctx context.Context, b *model.Basket) {
	if data, err := json.Marshal(b); err == nil {
		s.rdb.Set(ctx, basketKey(b.Address), data, s.ttl)
	}
}

func basketKey(address string) string { return fmt.Sprintf("basket:%s", address) }

func venueLedgerKey(basket, component string) string {
	return fmt.Sprintf("venues:%s:%s", basket, component)
}
