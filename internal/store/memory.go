package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/basketlabs/basket-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing and
// development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu      sync.RWMutex
	baskets map[string]*model.Basket
	ledgers map[string]*model.VenueLedger // key: basket|component
	journal []model.TradeRecord
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		baskets: make(map[string]*model.Basket),
		ledgers: make(map[string]*model.VenueLedger),
	}
}

func ledgerKey(basket, component string) string {
	return basket + "|" + component
}

func (s *MemoryStore) CreateBasket(_ context.Context, b *model.Basket) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.baskets[b.Address]; exists {
		return fmt.Errorf("basket %s already exists", b.Address)
	}
	s.baskets[b.Address] = b.Clone()
	return nil
}

func (s *MemoryStore) GetBasket(_ context.Context, address string) (*model.Basket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.baskets[address]
	if !ok {
		return nil, fmt.Errorf("%w: basket %s", ErrNotFound, address)
	}
	return b.Clone(), nil
}

func (s *MemoryStore) ListBaskets(_ context.Context) ([]model.Basket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	baskets := make([]model.Basket, 0, len(s.baskets))
	for _, b := range s.baskets {
		baskets = append(baskets, *b.Clone())
	}
	return baskets, nil
}

func (s *MemoryStore) UpdateBasket(_ context.Context, b *model.Basket) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.baskets[b.Address]; !ok {
		return fmt.Errorf("%w: basket %s", ErrNotFound, b.Address)
	}
	s.baskets[b.Address] = b.Clone()
	return nil
}

func (s *MemoryStore) GetVenueLedger(_ context.Context, basket, component string) (*model.VenueLedger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, ok := s.ledgers[ledgerKey(basket, component)]
	if !ok {
		return model.NewVenueLedger(), nil
	}
	return l.Clone(), nil
}

func (s *MemoryStore) PutVenueLedger(_ context.Context, basket, component string, l *model.VenueLedger) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := ledgerKey(basket, component)
	if l.Empty() {
		delete(s.ledgers, key)
		return nil
	}
	s.ledgers[key] = l.Clone()
	return nil
}

func (s *MemoryStore) HasOpenPositions(_ context.Context, basket string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	prefix := basket + "|"
	for key, l := range s.ledgers {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix && !l.Empty() {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStore) InsertTradeRecord(_ context.Context, r *model.TradeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.journal = append(s.journal, *r)
	return nil
}

func (s *MemoryStore) GetTradeRecordsByBasket(_ context.Context, basket string) ([]model.TradeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.TradeRecord
	for _, r := range s.journal {
		if r.Basket == basket {
			result = append(result, r)
		}
	}
	return result, nil
}
