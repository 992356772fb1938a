// Package model defines the core domain types shared across the basket engine.
// All position units and notional quantities use shopspring/decimal, never
// float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Module identifiers used to key external positions and to gate hook entry
// points. A module must be initialized on a basket before it may mutate
// that basket's positions.
const (
	ModuleTrade   = "trade"
	ModuleStaking = "staking"
)

// Basket statuses.
const (
	StatusActive   = "active"
	StatusDisabled = "disabled"
)

// Basket is the position ledger for one basket token. Default units are
// per-share quantities of components held directly; external units are
// per-share quantities attributed to custody outside the basket, keyed by
// the owning module.
type Basket struct {
	Address     string          `json:"address" db:"address"`
	Manager     string          `json:"manager" db:"manager"`
	TotalSupply decimal.Decimal `json:"total_supply" db:"total_supply"`
	Components  []string        `json:"components"`

	// DefaultUnits maps component address → signed per-share units.
	DefaultUnits map[string]decimal.Decimal `json:"default_units"`

	// ExternalUnits maps component address → module → per-share units.
	ExternalUnits map[string]map[string]decimal.Decimal `json:"external_units"`

	// Modules is the set of modules initialized on this basket.
	Modules map[string]bool `json:"modules"`

	Status    string    `json:"status" db:"status"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// DefaultUnit returns the default position unit for a component
// (zero if the component has never been set).
func (b *Basket) DefaultUnit(component string) decimal.Decimal {
	return b.DefaultUnits[component]
}

// ExternalUnit returns the external position unit for (component, module).
func (b *Basket) ExternalUnit(component, module string) decimal.Decimal {
	if m, ok := b.ExternalUnits[component]; ok {
		return m[module]
	}
	return decimal.Decimal{}
}

// HasModule reports whether the named module is initialized on this basket.
func (b *Basket) HasModule(module string) bool {
	return b.Modules[module]
}

// Clone returns a deep copy. Stores hand out clones so callers can mutate
// freely and persist explicitly.
func (b *Basket) Clone() *Basket {
	c := *b
	c.Components = append([]string(nil), b.Components...)
	c.DefaultUnits = make(map[string]decimal.Decimal, len(b.DefaultUnits))
	for k, v := range b.DefaultUnits {
		c.DefaultUnits[k] = v
	}
	c.ExternalUnits = make(map[string]map[string]decimal.Decimal, len(b.ExternalUnits))
	for k, byModule := range b.ExternalUnits {
		inner := make(map[string]decimal.Decimal, len(byModule))
		for m, v := range byModule {
			inner[m] = v
		}
		c.ExternalUnits[k] = inner
	}
	c.Modules = make(map[string]bool, len(b.Modules))
	for k, v := range b.Modules {
		c.Modules[k] = v
	}
	return &c
}

// StakingPosition records one venue's open position for a component:
// the hash of the adapter name used to open it, and the per-share units
// staked there. Units are strictly positive while the record exists.
type StakingPosition struct {
	AdapterID string          `json:"adapter_id" db:"adapter_id"`
	Units     decimal.Decimal `json:"units" db:"units"`
}

// VenueLedger is the per-(basket, component) staking sub-ledger: an
// insertion-ordered venue list paired with a venue → position map. The two
// are always mutated together.
type VenueLedger struct {
	Venues    []string                   `json:"venues"`
	Positions map[string]StakingPosition `json:"positions"`
}

// NewVenueLedger returns an empty ledger.
func NewVenueLedger() *VenueLedger {
	return &VenueLedger{Positions: make(map[string]StakingPosition)}
}

// Position returns the record for a venue and whether it exists.
func (l *VenueLedger) Position(venue string) (StakingPosition, bool) {
	p, ok := l.Positions[venue]
	return p, ok
}

// Upsert adds units to the venue's position, creating the record (and
// appending the venue to the ordered list) if absent. The adapter identifier
// is only recorded on creation; subsequent stakes keep the original.
func (l *VenueLedger) Upsert(venue, adapterID string, units decimal.Decimal) {
	if p, ok := l.Positions[venue]; ok {
		p.Units = p.Units.Add(units)
		l.Positions[venue] = p
		return
	}
	l.Venues = append(l.Venues, venue)
	l.Positions[venue] = StakingPosition{AdapterID: adapterID, Units: units}
}

// Reduce subtracts units from the venue's position. When the remainder
// reaches zero the venue is removed from the list and the record deleted,
// keeping list and map consistent.
func (l *VenueLedger) Reduce(venue string, units decimal.Decimal) {
	p, ok := l.Positions[venue]
	if !ok {
		return
	}
	remaining := p.Units.Sub(units)
	if remaining.IsPositive() {
		p.Units = remaining
		l.Positions[venue] = p
		return
	}
	delete(l.Positions, venue)
	for i, v := range l.Venues {
		if v == venue {
			l.Venues = append(l.Venues[:i], l.Venues[i+1:]...)
			break
		}
	}
}

// Empty reports whether no venue holds a position.
func (l *VenueLedger) Empty() bool {
	return len(l.Venues) == 0
}

// Clone returns a deep copy of the ledger.
func (l *VenueLedger) Clone() *VenueLedger {
	c := &VenueLedger{
		Venues:    append([]string(nil), l.Venues...),
		Positions: make(map[string]StakingPosition, len(l.Positions)),
	}
	for k, v := range l.Positions {
		c.Positions[k] = v
	}
	return c
}

// TradeRecord is an immutable journal row for one executed trade.
// Once created, these are never modified or deleted.
type TradeRecord struct {
	ID           string          `json:"id" db:"id"`
	Basket       string          `json:"basket" db:"basket"`
	SendToken    string          `json:"send_token" db:"send_token"`
	ReceiveToken string          `json:"receive_token" db:"receive_token"`
	Adapter      string          `json:"adapter" db:"adapter"`
	NetSend      decimal.Decimal `json:"net_send" db:"net_send"`       // notional sent
	NetReceive   decimal.Decimal `json:"net_receive" db:"net_receive"` // notional received, post-fee
	Fee          decimal.Decimal `json:"fee" db:"fee"`
	Timestamp    time.Time       `json:"timestamp" db:"timestamp"`
}
