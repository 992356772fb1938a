package venue_test

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/basketlabs/basket-engine/internal/adapter"
	"github.com/basketlabs/basket-engine/internal/bank"
	"github.com/basketlabs/basket-engine/internal/venue"
)

const (
	swapAddr   = "0x00000000000000000000000000000000000000e1"
	stakeAddr  = "0x00000000000000000000000000000000000000e2"
	basketAddr = "0x00000000000000000000000000000000000000b1"
	tokenX     = "0x00000000000000000000000000000000000000aa"
	tokenY     = "0x00000000000000000000000000000000000000bb"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func TestSwapVenue_Swap(t *testing.T) {
	bk := bank.New()
	bk.Mint(tokenX, basketAddr, d(100))
	bk.Mint(tokenY, swapAddr, d(1000)) // venue inventory

	v := venue.NewSwapVenue(swapAddr, bk)
	v.SetRate(tokenX, tokenY, d(0.6))
	bk.Approve(tokenX, basketAddr, swapAddr, d(100))

	a := adapter.NewSwapAdapter(swapAddr)
	call, err := a.BuildTradeCall(tokenX, tokenY, basketAddr, d(100), d(50), nil)
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}

	if err := v.Handle(context.Background(), call); err != nil {
		t.Fatalf("swap failed: %v", err)
	}
	if !bk.Balance(tokenX, basketAddr).IsZero() {
		t.Errorf("expected send token drained, got %s", bk.Balance(tokenX, basketAddr))
	}
	if !bk.Balance(tokenY, basketAddr).Equal(d(60)) {
		t.Errorf("expected 60 received, got %s", bk.Balance(tokenY, basketAddr))
	}
}

func TestSwapVenue_NoRate(t *testing.T) {
	bk := bank.New()
	v := venue.NewSwapVenue(swapAddr, bk)

	a := adapter.NewSwapAdapter(swapAddr)
	call, _ := a.BuildTradeCall(tokenX, tokenY, basketAddr, d(1), d(1), nil)

	if err := v.Handle(context.Background(), call); !errors.Is(err, venue.ErrNoRate) {
		t.Errorf("expected ErrNoRate, got %v", err)
	}
}

func TestSwapVenue_RequiresAllowance(t *testing.T) {
	bk := bank.New()
	bk.Mint(tokenX, basketAddr, d(100))
	bk.Mint(tokenY, swapAddr, d(1000))

	v := venue.NewSwapVenue(swapAddr, bk)
	v.SetRate(tokenX, tokenY, d(1))

	a := adapter.NewSwapAdapter(swapAddr)
	call, _ := a.BuildTradeCall(tokenX, tokenY, basketAddr, d(100), d(100), nil)

	// No allowance granted.
	if err := v.Handle(context.Background(), call); !errors.Is(err, bank.ErrInsufficientAllowance) {
		t.Errorf("expected ErrInsufficientAllowance, got %v", err)
	}
}

func TestStakeVenue_RoundTrip(t *testing.T) {
	bk := bank.New()
	bk.Mint(tokenX, basketAddr, d(200))

	v := venue.NewStakeVenue(stakeAddr, tokenX, bk)
	bk.Approve(tokenX, basketAddr, stakeAddr, d(50))

	a := adapter.NewStakeAdapter(tokenX)

	stakeCall, _ := a.BuildStakeCall(stakeAddr, basketAddr, d(50))
	if err := v.Handle(context.Background(), stakeCall); err != nil {
		t.Fatalf("stake failed: %v", err)
	}
	if !v.Staked().Equal(d(50)) {
		t.Errorf("expected 50 staked, got %s", v.Staked())
	}
	if !bk.Balance(tokenX, basketAddr).Equal(d(150)) {
		t.Errorf("expected basket at 150, got %s", bk.Balance(tokenX, basketAddr))
	}

	unstakeCall, _ := a.BuildUnstakeCall(stakeAddr, basketAddr, d(50))
	if err := v.Handle(context.Background(), unstakeCall); err != nil {
		t.Fatalf("unstake failed: %v", err)
	}
	if !v.Staked().IsZero() {
		t.Errorf("expected venue drained, got %s", v.Staked())
	}
	if !bk.Balance(tokenX, basketAddr).Equal(d(200)) {
		t.Errorf("expected basket restored to 200, got %s", bk.Balance(tokenX, basketAddr))
	}
}

func TestStakeVenue_WrongToken(t *testing.T) {
	bk := bank.New()
	v := venue.NewStakeVenue(stakeAddr, tokenX, bk)

	a := adapter.NewStakeAdapter(tokenY)
	call, _ := a.BuildStakeCall(stakeAddr, basketAddr, d(1))

	if err := v.Handle(context.Background(), call); !errors.Is(err, venue.ErrUnsupportedCall) {
		t.Errorf("expected ErrUnsupportedCall, got %v", err)
	}
}
