// Package adapter defines the pluggable integration boundary: adapters
// translate generic trade/stake requests into venue-specific calls, and the
// Gateway resolves them by registry name.
package adapter

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/basketlabs/basket-engine/internal/ident"
)

var (
	// ErrUnknownAdapter is returned by Gateway.Resolve when the named
	// integration is not registered.
	ErrUnknownAdapter = errors.New("adapter: not registered")

	// errUnsupportedOp is returned by adapters asked to build a call kind
	// they do not implement.
	errUnsupportedOp = errors.New("adapter: operation not supported")
)

// CallData is a fully-built external call: the target address, the native
// value to attach, and the venue-specific payload.
type CallData struct {
	Target string
	Value  decimal.Decimal
	Data   []byte
}

// Adapter translates generic requests into venue-specific call data.
// Implementations are stateless with respect to basket ledgers; they only
// build calls.
type Adapter interface {
	// Spender returns the address that must be approved to pull funds for
	// a call against the given venue. Trade adapters ignore the argument.
	Spender(venue string) string

	// BuildTradeCall builds the call that swaps sendAmount of sendToken
	// for at least minReceiveAmount of receiveToken on behalf of basket.
	BuildTradeCall(sendToken, receiveToken, basket string, sendAmount, minReceiveAmount decimal.Decimal, extra []byte) (CallData, error)

	// BuildStakeCall builds the call that stakes amount at venue.
	BuildStakeCall(venue, basket string, amount decimal.Decimal) (CallData, error)

	// BuildUnstakeCall builds the call that withdraws amount from venue.
	BuildUnstakeCall(venue, basket string, amount decimal.Decimal) (CallData, error)
}

// Gateway holds named adapters for resolution by integration name or by
// the opaque identifier recorded in staking positions.
type Gateway struct {
	adapters map[string]Adapter
	byID     map[string]registration
	mu       sync.RWMutex
}

type registration struct {
	name    string
	adapter Adapter
}

// NewGateway returns an empty gateway. Call Register to add adapters.
func NewGateway() *Gateway {
	return &Gateway{
		adapters: make(map[string]Adapter),
		byID:     make(map[string]registration),
	}
}

// Register adds an adapter under the given name, replacing any previous
// registration. The adapter also becomes resolvable by ident.AdapterID(name).
func (g *Gateway) Register(name string, a Adapter) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.adapters[name] = a
	g.byID[ident.AdapterID(name)] = registration{name: name, adapter: a}
}

// Resolve returns the adapter by name, or ErrUnknownAdapter if not found.
func (g *Gateway) Resolve(name string) (Adapter, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	a, ok := g.adapters[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAdapter, name)
	}
	return a, nil
}

// ResolveByID returns the adapter and its registered name by recorded
// identifier. Unstake and the replication hooks use this so a position is
// always closed through the adapter that opened it.
func (g *Gateway) ResolveByID(id string) (Adapter, string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	reg, ok := g.byID[id]
	if !ok {
		return nil, "", fmt.Errorf("%w: id %s", ErrUnknownAdapter, id)
	}
	return reg.adapter, reg.name, nil
}

// List returns all registered adapter names, sorted.
func (g *Gateway) List() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	names := make([]string, 0, len(g.adapters))
	for n := range g.adapters {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
