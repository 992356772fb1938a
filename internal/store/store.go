// Package store defines the persistence interface for the basket engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/basketlabs/basket-engine/internal/model"
)

// ErrNotFound is returned when a requested basket does not exist.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Basket ledgers ---

	// CreateBasket persists a new basket ledger.
	CreateBasket(ctx context.Context, b *model.Basket) error

	// GetBasket retrieves a basket by address.
	GetBasket(ctx context.Context, address string) (*model.Basket, error)

	// ListBaskets returns all baskets.
	ListBaskets(ctx context.Context) ([]model.Basket, error)

	// UpdateBasket persists a mutated basket ledger.
	UpdateBasket(ctx context.Context, b *model.Basket) error

	// --- Staking sub-ledger ---

	// GetVenueLedger returns the venue ledger for (basket, component),
	// or an empty ledger if none exists.
	GetVenueLedger(ctx context.Context, basket, component string) (*model.VenueLedger, error)

	// PutVenueLedger replaces the venue ledger for (basket, component).
	PutVenueLedger(ctx context.Context, basket, component string, l *model.VenueLedger) error

	// HasOpenPositions reports whether any component of the basket still
	// has a non-empty venue ledger.
	HasOpenPositions(ctx context.Context, basket string) (bool, error)

	// --- Immutable trade journal ---

	// InsertTradeRecord appends an immutable trade record.
	InsertTradeRecord(ctx context.Context, r *model.TradeRecord) error

	// GetTradeRecordsByBasket returns all trades for a basket.
	GetTradeRecordsByBasket(ctx context.Context, basket string) ([]model.TradeRecord, error)
}
