// Package basket exposes the basket token's position-accounting interface
// to the engines. An Accountant wraps one basket's ledger together with the
// token bank it holds balances in and the invoker that dispatches its
// external calls. Engines mutate positions exclusively through this
// interface.
package basket

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/basketlabs/basket-engine/internal/adapter"
	"github.com/basketlabs/basket-engine/internal/bank"
	"github.com/basketlabs/basket-engine/internal/model"
	"github.com/basketlabs/basket-engine/internal/units"
)

var (
	// ErrUnauthorized is returned when the caller is not the basket's
	// manager, or not the module a hook entry point expects.
	ErrUnauthorized = errors.New("basket: caller not authorized")

	// ErrInvalidState is returned when the basket is disabled or the
	// acting module is not initialized on it.
	ErrInvalidState = errors.New("basket: invalid state for this module")

	// ErrModuleInitialized is returned when initializing an already
	// initialized module.
	ErrModuleInitialized = errors.New("basket: module already initialized")

	// ErrUnknownTarget is returned when an external call names a target
	// with no registered handler.
	ErrUnknownTarget = errors.New("basket: no handler for call target")
)

// CallHandler executes one external call against a venue target.
type CallHandler func(ctx context.Context, call adapter.CallData) error

// Invoker dispatches external calls by target address. It stands in for
// the host execution environment: venues register here, baskets call
// through it.
type Invoker struct {
	handlers map[string]CallHandler
	mu       sync.RWMutex
}

// NewInvoker returns an empty invoker.
func NewInvoker() *Invoker {
	return &Invoker{handlers: make(map[string]CallHandler)}
}

// RegisterTarget installs the handler for a target address.
func (inv *Invoker) RegisterTarget(target string, h CallHandler) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	inv.handlers[target] = h
}

// Invoke dispatches the call to its target's handler.
func (inv *Invoker) Invoke(ctx context.Context, call adapter.CallData) error {
	inv.mu.RLock()
	h, ok := inv.handlers[call.Target]
	inv.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTarget, call.Target)
	}
	return h(ctx, call)
}

// Accountant is the position-accounting view of one basket. It mutates the
// wrapped model.Basket in place; persistence is the caller's concern.
type Accountant struct {
	b       *model.Basket
	bank    *bank.Bank
	invoker *Invoker
}

// NewAccountant wraps a basket ledger with its bank and invoker.
func NewAccountant(b *model.Basket, bk *bank.Bank, inv *Invoker) *Accountant {
	return &Accountant{b: b, bank: bk, invoker: inv}
}

// Basket returns the wrapped ledger.
func (a *Accountant) Basket() *model.Basket { return a.b }

// Address returns the basket token's address.
func (a *Accountant) Address() string { return a.b.Address }

// TotalSupply returns the basket's share supply.
func (a *Accountant) TotalSupply() decimal.Decimal { return a.b.TotalSupply }

// Components returns the ordered component address list.
func (a *Accountant) Components() []string { return a.b.Components }

// DefaultPositionUnit returns the signed per-share default unit for a
// component.
func (a *Accountant) DefaultPositionUnit(component string) decimal.Decimal {
	return a.b.DefaultUnit(component)
}

// ExternalPositionUnit returns the per-share external unit for
// (component, module).
func (a *Accountant) ExternalPositionUnit(component, module string) decimal.Decimal {
	return a.b.ExternalUnit(component, module)
}

// SetDefaultPositionUnit overwrites the default unit for a component,
// adding the component to the basket's set on first use.
func (a *Accountant) SetDefaultPositionUnit(component string, unit decimal.Decimal) {
	if _, ok := a.b.DefaultUnits[component]; !ok {
		a.b.Components = append(a.b.Components, component)
	}
	a.b.DefaultUnits[component] = unit
}

// SetExternalPositionUnit overwrites the external unit for
// (component, module). A zero unit removes the entry.
func (a *Accountant) SetExternalPositionUnit(component, module string, unit decimal.Decimal) {
	byModule, ok := a.b.ExternalUnits[component]
	if !ok {
		if unit.IsZero() {
			return
		}
		byModule = make(map[string]decimal.Decimal)
		a.b.ExternalUnits[component] = byModule
	}
	if unit.IsZero() {
		delete(byModule, module)
		return
	}
	byModule[module] = unit
}

// HasSufficientDefaultUnits reports whether the component's default unit
// covers the required per-share quantity.
func (a *Accountant) HasSufficientDefaultUnits(component string, required decimal.Decimal) bool {
	return a.b.DefaultUnit(component).GreaterThanOrEqual(required)
}

// RecomputeDefaultPositionFromBalance reconciles the component's default
// unit from its current bank balance rather than delta arithmetic, so any
// drift from fees or adapter side effects is captured. Returns the
// observed balance and the new unit.
func (a *Accountant) RecomputeDefaultPositionFromBalance(component string, totalSupply decimal.Decimal) (decimal.Decimal, decimal.Decimal, error) {
	current := a.bank.Balance(component, a.b.Address)
	unit, err := units.UnitFromBalance(current, totalSupply)
	if err != nil {
		return decimal.Decimal{}, decimal.Decimal{}, err
	}
	a.SetDefaultPositionUnit(component, unit)
	return current, unit, nil
}

// Balance returns the basket's current balance of a token.
func (a *Accountant) Balance(token string) decimal.Decimal {
	return a.bank.Balance(token, a.b.Address)
}

// TransferOut moves basket-held tokens to a recipient (fee payouts).
func (a *Accountant) TransferOut(token, to string, amount decimal.Decimal) error {
	return a.bank.Transfer(token, a.b.Address, to, amount)
}

// ApproveOnBehalf grants spender an exact allowance over the basket's
// token, replacing any leftover allowance from earlier calls.
func (a *Accountant) ApproveOnBehalf(token, spender string, amount decimal.Decimal) {
	a.bank.Approve(token, a.b.Address, spender, amount)
}

// InvokeExternalCall performs the basket's single nested external call.
func (a *Accountant) InvokeExternalCall(ctx context.Context, call adapter.CallData) error {
	return a.invoker.Invoke(ctx, call)
}

// InitializeModule records the module as active on the basket. Only the
// basket's manager may initialize, and only once per module.
func (a *Accountant) InitializeModule(module, caller string) error {
	if caller != a.b.Manager {
		return fmt.Errorf("%w: %s is not manager of %s", ErrUnauthorized, caller, a.b.Address)
	}
	if a.b.Modules[module] {
		return fmt.Errorf("%w: %s on %s", ErrModuleInitialized, module, a.b.Address)
	}
	a.b.Modules[module] = true
	return nil
}

// RemoveModule detaches the module from the basket. Engines run their own
// open-position checks before calling this.
func (a *Accountant) RemoveModule(module string) {
	delete(a.b.Modules, module)
}

// RequireManager rejects callers other than the basket's manager.
func (a *Accountant) RequireManager(caller string) error {
	if caller != a.b.Manager {
		return fmt.Errorf("%w: %s is not manager of %s", ErrUnauthorized, caller, a.b.Address)
	}
	return nil
}

// RequireActiveModule rejects operations on disabled baskets or baskets
// the module was never initialized on.
func (a *Accountant) RequireActiveModule(module string) error {
	if a.b.Status != model.StatusActive || !a.b.HasModule(module) {
		return fmt.Errorf("%w: basket %s, module %s", ErrInvalidState, a.b.Address, module)
	}
	return nil
}
