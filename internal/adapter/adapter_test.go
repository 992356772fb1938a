package adapter_test

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/basketlabs/basket-engine/internal/adapter"
	"github.com/basketlabs/basket-engine/internal/ident"
)

const (
	venueAddr  = "0x00000000000000000000000000000000000000e1"
	basketAddr = "0x00000000000000000000000000000000000000b1"
	tokenX     = "0x00000000000000000000000000000000000000aa"
	tokenY     = "0x00000000000000000000000000000000000000bb"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func TestGateway_ResolveRegistered(t *testing.T) {
	g := adapter.NewGateway()
	g.Register("mockswap", adapter.NewSwapAdapter(venueAddr))

	a, err := g.Resolve("mockswap")
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if a.Spender("") != venueAddr {
		t.Errorf("expected spender %s, got %s", venueAddr, a.Spender(""))
	}
}

func TestGateway_ResolveUnknown(t *testing.T) {
	g := adapter.NewGateway()

	_, err := g.Resolve("nope")
	if !errors.Is(err, adapter.ErrUnknownAdapter) {
		t.Errorf("expected ErrUnknownAdapter, got %v", err)
	}
}

func TestGateway_ResolveByID(t *testing.T) {
	g := adapter.NewGateway()
	g.Register("mockswap", adapter.NewSwapAdapter(venueAddr))

	a, name, err := g.ResolveByID(ident.AdapterID("mockswap"))
	if err != nil {
		t.Fatalf("resolve by id failed: %v", err)
	}
	if a.Spender("") != venueAddr {
		t.Errorf("expected spender %s, got %s", venueAddr, a.Spender(""))
	}
	if name != "mockswap" {
		t.Errorf("expected registered name mockswap, got %q", name)
	}

	if _, _, err := g.ResolveByID("deadbeef"); !errors.Is(err, adapter.ErrUnknownAdapter) {
		t.Errorf("expected ErrUnknownAdapter, got %v", err)
	}
}

func TestGateway_ListSorted(t *testing.T) {
	g := adapter.NewGateway()
	g.Register("zeta", adapter.NewSwapAdapter(venueAddr))
	g.Register("alpha", adapter.NewStakeAdapter(tokenX))

	names := g.List()
	if len(names) != 2 || names[0] != "alpha" || names[1] != "zeta" {
		t.Errorf("expected sorted [alpha zeta], got %v", names)
	}
}

func TestSwapAdapter_BuildTradeCall(t *testing.T) {
	a := adapter.NewSwapAdapter(venueAddr)

	call, err := a.BuildTradeCall(tokenX, tokenY, basketAddr, d(100), d(50), nil)
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	if call.Target != venueAddr {
		t.Errorf("expected target %s, got %s", venueAddr, call.Target)
	}
	if !call.Value.IsZero() {
		t.Errorf("expected zero value, got %s", call.Value)
	}

	var p adapter.Payload
	if err := json.Unmarshal(call.Data, &p); err != nil {
		t.Fatalf("payload not valid JSON: %v", err)
	}
	if p.Op != adapter.OpSwap || p.Owner != basketAddr {
		t.Errorf("unexpected payload: %+v", p)
	}
	if !p.Amount.Equal(d(100)) || !p.MinReceive.Equal(d(50)) {
		t.Errorf("unexpected amounts: %+v", p)
	}
}

func TestSwapAdapter_RejectsStakeCalls(t *testing.T) {
	a := adapter.NewSwapAdapter(venueAddr)
	if _, err := a.BuildStakeCall(venueAddr, basketAddr, d(1)); err == nil {
		t.Error("expected error for stake call on swap adapter")
	}
}

func TestStakeAdapter_BuildCalls(t *testing.T) {
	a := adapter.NewStakeAdapter(tokenX)

	for _, op := range []string{adapter.OpStake, adapter.OpUnstake} {
		var call adapter.CallData
		var err error
		if op == adapter.OpStake {
			call, err = a.BuildStakeCall(venueAddr, basketAddr, d(25))
		} else {
			call, err = a.BuildUnstakeCall(venueAddr, basketAddr, d(25))
		}
		if err != nil {
			t.Fatalf("build %s failed: %v", op, err)
		}

		var p adapter.Payload
		if err := json.Unmarshal(call.Data, &p); err != nil {
			t.Fatalf("payload not valid JSON: %v", err)
		}
		if p.Op != op || p.SendToken != tokenX || !p.Amount.Equal(d(25)) {
			t.Errorf("unexpected %s payload: %+v", op, p)
		}
	}
}
