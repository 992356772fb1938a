// Package venue provides in-process venue implementations that handle the
// calls built by the in-process adapters: a fixed-rate swap venue and a
// simple custody staking venue. They move funds through the bank exactly
// the way the engines expect an external protocol to: pulling deposits
// through their exact allowance and pushing proceeds back to the basket.
package venue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/basketlabs/basket-engine/internal/adapter"
	"github.com/basketlabs/basket-engine/internal/bank"
	"github.com/basketlabs/basket-engine/internal/basket"
)

var (
	// ErrUnsupportedCall is returned for payloads the venue cannot handle.
	ErrUnsupportedCall = errors.New("venue: unsupported call")

	// ErrNoRate is returned by the swap venue when no rate is configured
	// for the requested pair.
	ErrNoRate = errors.New("venue: no rate for pair")
)

// SwapVenue exchanges tokens at configured fixed rates out of its own
// inventory. Inventory is seeded through the bank.
type SwapVenue struct {
	Address string

	bank  *bank.Bank
	rates map[string]decimal.Decimal
	mu    sync.RWMutex
}

// NewSwapVenue creates a swap venue at the given address.
func NewSwapVenue(address string, bk *bank.Bank) *SwapVenue {
	return &SwapVenue{
		Address: address,
		bank:    bk,
		rates:   make(map[string]decimal.Decimal),
	}
}

// SetRate configures the receive-per-send rate for a directed pair.
func (v *SwapVenue) SetRate(sendToken, receiveToken string, rate decimal.Decimal) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.rates[pairKey(sendToken, receiveToken)] = rate
}

// Register installs the venue's call handler on the invoker.
func (v *SwapVenue) Register(inv *basket.Invoker) {
	inv.RegisterTarget(v.Address, v.Handle)
}

// Handle executes one swap call: pull the send amount through the venue's
// allowance, push receive = amount × rate (rounded down) from inventory.
func (v *SwapVenue) Handle(_ context.Context, call adapter.CallData) error {
	var p adapter.Payload
	if err := json.Unmarshal(call.Data, &p); err != nil {
		return fmt.Errorf("%w: %v", ErrUnsupportedCall, err)
	}
	if p.Op != adapter.OpSwap {
		return fmt.Errorf("%w: op %q", ErrUnsupportedCall, p.Op)
	}

	v.mu.RLock()
	rate, ok := v.rates[pairKey(p.SendToken, p.ReceiveToken)]
	v.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s → %s", ErrNoRate, p.SendToken, p.ReceiveToken)
	}

	if err := v.bank.TransferFrom(p.SendToken, p.Owner, v.Address, v.Address, p.Amount); err != nil {
		return err
	}
	out := p.Amount.Mul(rate).Floor()
	return v.bank.Transfer(p.ReceiveToken, v.Address, p.Owner, out)
}

func pairKey(send, receive string) string {
	return send + "→" + receive
}

// StakeVenue custodies one token: stake pulls the deposit through the
// venue's allowance, unstake returns it in full.
type StakeVenue struct {
	Address string
	Token   string

	bank *bank.Bank
}

// NewStakeVenue creates a staking venue for one token.
func NewStakeVenue(address, token string, bk *bank.Bank) *StakeVenue {
	return &StakeVenue{Address: address, Token: token, bank: bk}
}

// Register installs the venue's call handler on the invoker.
func (v *StakeVenue) Register(inv *basket.Invoker) {
	inv.RegisterTarget(v.Address, v.Handle)
}

// Staked returns the venue's current custody balance for an owner's token.
// The venue commingles deposits, so this is simply its token balance.
func (v *StakeVenue) Staked() decimal.Decimal {
	return v.bank.Balance(v.Token, v.Address)
}

// Handle executes one stake or unstake call.
func (v *StakeVenue) Handle(_ context.Context, call adapter.CallData) error {
	var p adapter.Payload
	if err := json.Unmarshal(call.Data, &p); err != nil {
		return fmt.Errorf("%w: %v", ErrUnsupportedCall, err)
	}
	if p.SendToken != v.Token {
		return fmt.Errorf("%w: token %s not custodied here", ErrUnsupportedCall, p.SendToken)
	}

	switch p.Op {
	case adapter.OpStake:
		return v.bank.TransferFrom(v.Token, p.Owner, v.Address, v.Address, p.Amount)
	case adapter.OpUnstake:
		return v.bank.Transfer(v.Token, v.Address, p.Owner, p.Amount)
	default:
		return fmt.Errorf("%w: op %q", ErrUnsupportedCall, p.Op)
	}
}
