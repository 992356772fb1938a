// Package bank is the token balance and allowance book the engines observe.
// Token transfer semantics themselves are outside this system's scope; the
// engines only read balances, grant exact allowances, and move already-owed
// amounts. The in-memory implementation also provides whole-book snapshots
// so an engine invocation can be rolled back atomically after a failed
// external call.
package bank

import (
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
)

var (
	// ErrInsufficientBalance is returned when a transfer exceeds the
	// holder's balance.
	ErrInsufficientBalance = errors.New("bank: insufficient balance")

	// ErrInsufficientAllowance is returned when TransferFrom exceeds the
	// spender's remaining allowance.
	ErrInsufficientAllowance = errors.New("bank: insufficient allowance")
)

// Bank tracks balances per (token, holder) and allowances per
// (token, owner, spender). Safe for concurrent use.
type Bank struct {
	mu sync.RWMutex

	// balances: token → holder → amount
	balances map[string]map[string]decimal.Decimal

	// allowances: token → owner → spender → amount
	allowances map[string]map[string]map[string]decimal.Decimal
}

// New creates an empty bank.
func New() *Bank {
	return &Bank{
		balances:   make(map[string]map[string]decimal.Decimal),
		allowances: make(map[string]map[string]map[string]decimal.Decimal),
	}
}

// Balance returns the holder's balance of token (zero if unknown).
func (b *Bank) Balance(token, holder string) decimal.Decimal {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.balances[token][holder]
}

// Mint credits amount of token to holder. Used to seed state.
func (b *Bank) Mint(token, holder string, amount decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.credit(token, holder, amount)
}

// Transfer moves amount of token from one holder to another.
func (b *Bank) Transfer(token, from, to string, amount decimal.Decimal) error {
	if amount.IsZero() {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.move(token, from, to, amount)
}

// Approve sets the spender's allowance over owner's token to exactly
// amount, replacing any prior allowance. There are no unlimited approvals.
func (b *Bank) Approve(token, owner, spender string, amount decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()

	byOwner, ok := b.allowances[token]
	if !ok {
		byOwner = make(map[string]map[string]decimal.Decimal)
		b.allowances[token] = byOwner
	}
	bySpender, ok := byOwner[owner]
	if !ok {
		bySpender = make(map[string]decimal.Decimal)
		byOwner[owner] = bySpender
	}
	bySpender[spender] = amount
}

// Allowance returns the spender's remaining allowance over owner's token.
func (b *Bank) Allowance(token, owner, spender string) decimal.Decimal {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.allowances[token][owner][spender]
}

// TransferFrom moves amount of owner's token to recipient, consuming the
// spender's allowance.
func (b *Bank) TransferFrom(token, owner, spender, to string, amount decimal.Decimal) error {
	if amount.IsZero() {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	allowed := b.allowances[token][owner][spender]
	if allowed.LessThan(amount) {
		return fmt.Errorf("%w: %s has %s of %s, needs %s",
			ErrInsufficientAllowance, spender, allowed, token, amount)
	}
	if err := b.move(token, owner, to, amount); err != nil {
		return err
	}
	b.allowances[token][owner][spender] = allowed.Sub(amount)
	return nil
}

// Snapshot captures the full balance and allowance state.
type Snapshot struct {
	balances   map[string]map[string]decimal.Decimal
	allowances map[string]map[string]map[string]decimal.Decimal
}

// Snapshot returns a deep copy of the current book.
func (b *Bank) Snapshot() *Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()

	s := &Snapshot{
		balances:   make(map[string]map[string]decimal.Decimal, len(b.balances)),
		allowances: make(map[string]map[string]map[string]decimal.Decimal, len(b.allowances)),
	}
	for token, byHolder := range b.balances {
		inner := make(map[string]decimal.Decimal, len(byHolder))
		for h, v := range byHolder {
			inner[h] = v
		}
		s.balances[token] = inner
	}
	for token, byOwner := range b.allowances {
		owners := make(map[string]map[string]decimal.Decimal, len(byOwner))
		for o, bySpender := range byOwner {
			spenders := make(map[string]decimal.Decimal, len(bySpender))
			for sp, v := range bySpender {
				spenders[sp] = v
			}
			owners[o] = spenders
		}
		s.allowances[token] = owners
	}
	return s
}

// Restore replaces the book with a previously captured snapshot.
func (b *Bank) Restore(s *Snapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.balances = make(map[string]map[string]decimal.Decimal, len(s.balances))
	for token, byHolder := range s.balances {
		inner := make(map[string]decimal.Decimal, len(byHolder))
		for h, v := range byHolder {
			inner[h] = v
		}
		b.balances[token] = inner
	}
	b.allowances = make(map[string]map[string]map[string]decimal.Decimal, len(s.allowances))
	for token, byOwner := range s.allowances {
		owners := make(map[string]map[string]decimal.Decimal, len(byOwner))
		for o, bySpender := range byOwner {
			spenders := make(map[string]decimal.Decimal, len(bySpender))
			for sp, v := range bySpender {
				spenders[sp] = v
			}
			owners[o] = spenders
		}
		b.allowances[token] = owners
	}
}

// --- internal, caller holds lock ---

func (b *Bank) credit(token, holder string, amount decimal.Decimal) {
	byHolder, ok := b.balances[token]
	if !ok {
		byHolder = make(map[string]decimal.Decimal)
		b.balances[token] = byHolder
	}
	byHolder[holder] = byHolder[holder].Add(amount)
}

func (b *Bank) move(token, from, to string, amount decimal.Decimal) error {
	have := b.balances[token][from]
	if have.LessThan(amount) {
		return fmt.Errorf("%w: %s has %s of %s, needs %s",
			ErrInsufficientBalance, from, have, token, amount)
	}
	b.balances[token][from] = have.Sub(amount)
	b.credit(token, to, amount)
	return nil
}
