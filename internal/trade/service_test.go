package trade_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/basketlabs/basket-engine/internal/adapter"
	"github.com/basketlabs/basket-engine/internal/bank"
	"github.com/basketlabs/basket-engine/internal/basket"
	"github.com/basketlabs/basket-engine/internal/fees"
	"github.com/basketlabs/basket-engine/internal/model"
	"github.com/basketlabs/basket-engine/internal/reentry"
	"github.com/basketlabs/basket-engine/internal/store"
	"github.com/basketlabs/basket-engine/internal/trade"
	"github.com/basketlabs/basket-engine/internal/venue"
)

const (
	managerAddr  = "0x0000000000000000000000000000000000000011"
	otherAddr    = "0x0000000000000000000000000000000000000022"
	feeRecipient = "0x00000000000000000000000000000000000000fe"
	basketAddr   = "0x00000000000000000000000000000000000000b1"
	swapAddr     = "0x00000000000000000000000000000000000000e1"
	tokenX       = "0x00000000000000000000000000000000000000aa"
	tokenY       = "0x00000000000000000000000000000000000000bb"

	swapAdapterName = "fixed-swap"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

type testEnv struct {
	store   *store.MemoryStore
	bank    *bank.Bank
	invoker *basket.Invoker
	gateway *adapter.Gateway
	venue   *venue.SwapVenue
	fees    *fees.Schedule
	svc     *trade.Service
}

// newTestEnv wires a memory store, bank, and an in-process swap venue at a
// 0.6 Y-per-X rate with plenty of inventory.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	bk := bank.New()
	inv := basket.NewInvoker()
	gw := adapter.NewGateway()
	st := store.NewMemoryStore()

	v := venue.NewSwapVenue(swapAddr, bk)
	v.SetRate(tokenX, tokenY, d(0.6))
	v.Register(inv)
	bk.Mint(tokenY, swapAddr, d(1_000_000))

	gw.Register(swapAdapterName, adapter.NewSwapAdapter(swapAddr))

	schedule := fees.NewSchedule(feeRecipient)

	return &testEnv{
		store:   st,
		bank:    bk,
		invoker: inv,
		gateway: gw,
		venue:   v,
		fees:    schedule,
		svc:     trade.NewService(st, bk, inv, gw, schedule, nil),
	}
}

// seedBasket registers a basket with the given supply and default units,
// minting matching notional balances so ledger and balance book agree.
func seedBasket(t *testing.T, env *testEnv, supply decimal.Decimal, defaults map[string]decimal.Decimal) {
	t.Helper()

	b := &model.Basket{
		Address:       basketAddr,
		Manager:       managerAddr,
		TotalSupply:   supply,
		DefaultUnits:  make(map[string]decimal.Decimal),
		ExternalUnits: make(map[string]map[string]decimal.Decimal),
		Modules: map[string]bool{
			model.ModuleTrade:   true,
			model.ModuleStaking: true,
		},
		Status:    model.StatusActive,
		CreatedAt: time.Now().UTC(),
	}
	for component, unit := range defaults {
		b.Components = append(b.Components, component)
		b.DefaultUnits[component] = unit
		env.bank.Mint(component, basketAddr, unit.Mul(supply))
	}
	if err := env.store.CreateBasket(context.Background(), b); err != nil {
		t.Fatalf("seed basket: %v", err)
	}
}

func tradeRequest() trade.Request {
	return trade.Request{
		Caller:          managerAddr,
		Basket:          basketAddr,
		Exchange:        swapAdapterName,
		SendToken:       tokenX,
		SendUnits:       d(1),
		ReceiveToken:    tokenY,
		MinReceiveUnits: d(0.5),
	}
}

func TestTrade_Success(t *testing.T) {
	env := newTestEnv(t)
	seedBasket(t, env, d(100), map[string]decimal.Decimal{tokenX: d(2)})

	result, err := env.svc.Trade(context.Background(), tradeRequest())
	if err != nil {
		t.Fatalf("trade failed: %v", err)
	}

	// 1 unit/share at supply 100 sends 100 X; at rate 0.6 the venue
	// returns 60 Y, above the 50 Y minimum.
	if !result.NetSend.Equal(d(100)) {
		t.Errorf("expected net send 100, got %s", result.NetSend)
	}
	if !result.NetReceive.Equal(d(60)) {
		t.Errorf("expected net receive 60, got %s", result.NetReceive)
	}
	if !result.Fee.IsZero() {
		t.Errorf("expected zero fee, got %s", result.Fee)
	}

	b, err := env.store.GetBasket(context.Background(), basketAddr)
	if err != nil {
		t.Fatalf("get basket: %v", err)
	}
	if !b.DefaultUnit(tokenX).Equal(d(1)) {
		t.Errorf("expected X unit 1, got %s", b.DefaultUnit(tokenX))
	}
	if !b.DefaultUnit(tokenY).Equal(d(0.6)) {
		t.Errorf("expected Y unit 0.6, got %s", b.DefaultUnit(tokenY))
	}

	// No leftover allowance for the venue.
	if !env.bank.Allowance(tokenX, basketAddr, swapAddr).IsZero() {
		t.Errorf("expected allowance cleared, got %s", env.bank.Allowance(tokenX, basketAddr, swapAddr))
	}

	records, err := env.store.GetTradeRecordsByBasket(context.Background(), basketAddr)
	if err != nil {
		t.Fatalf("get trade records: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 journal record, got %d", len(records))
	}
	if records[0].Adapter != swapAdapterName {
		t.Errorf("expected adapter %q, got %q", swapAdapterName, records[0].Adapter)
	}
}

func TestTrade_FeeAccrual(t *testing.T) {
	env := newTestEnv(t)
	if err := env.fees.Set(fees.TradeFeeIndex, d(0.05)); err != nil {
		t.Fatalf("set fee: %v", err)
	}
	seedBasket(t, env, d(100), map[string]decimal.Decimal{tokenX: d(2)})

	result, err := env.svc.Trade(context.Background(), tradeRequest())
	if err != nil {
		t.Fatalf("trade failed: %v", err)
	}

	// 5% of the 60 Y received, rounded down.
	if !result.Fee.Equal(d(3)) {
		t.Errorf("expected fee 3, got %s", result.Fee)
	}
	if !result.NetReceive.Equal(d(57)) {
		t.Errorf("expected net receive 57, got %s", result.NetReceive)
	}
	if !env.bank.Balance(tokenY, feeRecipient).Equal(d(3)) {
		t.Errorf("expected recipient paid 3, got %s", env.bank.Balance(tokenY, feeRecipient))
	}

	b, _ := env.store.GetBasket(context.Background(), basketAddr)
	if !b.DefaultUnit(tokenY).Equal(d(0.57)) {
		t.Errorf("expected Y unit 0.57, got %s", b.DefaultUnit(tokenY))
	}
}

func TestTrade_SlippageExceededRollsBack(t *testing.T) {
	env := newTestEnv(t)
	seedBasket(t, env, d(100), map[string]decimal.Decimal{tokenX: d(2)})

	req := tradeRequest()
	req.MinReceiveUnits = d(0.7) // 70 Y minimum, venue pays 60

	_, err := env.svc.Trade(context.Background(), req)
	if !errors.Is(err, trade.ErrSlippageExceeded) {
		t.Fatalf("expected ErrSlippageExceeded, got %v", err)
	}

	// Balance book rolled back in full.
	if !env.bank.Balance(tokenX, basketAddr).Equal(d(200)) {
		t.Errorf("expected X balance restored to 200, got %s", env.bank.Balance(tokenX, basketAddr))
	}
	if !env.bank.Balance(tokenY, basketAddr).IsZero() {
		t.Errorf("expected no Y balance, got %s", env.bank.Balance(tokenY, basketAddr))
	}

	// Ledger untouched.
	b, _ := env.store.GetBasket(context.Background(), basketAddr)
	if !b.DefaultUnit(tokenX).Equal(d(2)) {
		t.Errorf("expected X unit still 2, got %s", b.DefaultUnit(tokenX))
	}
	if !b.DefaultUnit(tokenY).IsZero() {
		t.Errorf("expected no Y position, got %s", b.DefaultUnit(tokenY))
	}
}

func TestTrade_Validation(t *testing.T) {
	env := newTestEnv(t)
	seedBasket(t, env, d(100), map[string]decimal.Decimal{tokenX: d(2)})

	tests := []struct {
		name    string
		mutate  func(*trade.Request)
		wantErr error
	}{
		{
			name:    "caller not manager",
			mutate:  func(r *trade.Request) { r.Caller = otherAddr },
			wantErr: basket.ErrUnauthorized,
		},
		{
			name:    "unknown adapter",
			mutate:  func(r *trade.Request) { r.Exchange = "no-such-adapter" },
			wantErr: adapter.ErrUnknownAdapter,
		},
		{
			name:    "unknown basket",
			mutate:  func(r *trade.Request) { r.Basket = otherAddr },
			wantErr: store.ErrNotFound,
		},
		{
			name:    "zero notional",
			mutate:  func(r *trade.Request) { r.SendUnits = d(0.001) },
			wantErr: trade.ErrNonPositiveNotional,
		},
		{
			name:    "insufficient default position",
			mutate:  func(r *trade.Request) { r.SendUnits = d(3) },
			wantErr: trade.ErrInsufficientBalance,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := tradeRequest()
			tt.mutate(&req)
			if _, err := env.svc.Trade(context.Background(), req); !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestTrade_ModuleNotActive(t *testing.T) {
	env := newTestEnv(t)
	seedBasket(t, env, d(100), map[string]decimal.Decimal{tokenX: d(2)})

	b, _ := env.store.GetBasket(context.Background(), basketAddr)
	delete(b.Modules, model.ModuleTrade)
	if err := env.store.UpdateBasket(context.Background(), b); err != nil {
		t.Fatalf("update basket: %v", err)
	}

	if _, err := env.svc.Trade(context.Background(), tradeRequest()); !errors.Is(err, basket.ErrInvalidState) {
		t.Errorf("expected ErrInvalidState, got %v", err)
	}
}

func TestTrade_ReentrantCallRejected(t *testing.T) {
	env := newTestEnv(t)
	seedBasket(t, env, d(100), map[string]decimal.Decimal{tokenX: d(2)})

	// A hostile venue that calls back into the engine from inside the
	// external call window.
	evilAddr := "0x00000000000000000000000000000000000000ee"
	var nestedErr error
	env.invoker.RegisterTarget(evilAddr, func(ctx context.Context, _ adapter.CallData) error {
		_, nestedErr = env.svc.Trade(ctx, tradeRequest())
		return nil
	})
	env.gateway.Register("evil-swap", adapter.NewSwapAdapter(evilAddr))

	req := tradeRequest()
	req.Exchange = "evil-swap"
	req.MinReceiveUnits = decimal.Zero // venue pays nothing, let it settle

	if _, err := env.svc.Trade(context.Background(), req); err != nil {
		t.Fatalf("outer trade failed: %v", err)
	}
	if !errors.Is(nestedErr, reentry.ErrReentrant) {
		t.Errorf("expected nested call rejected with ErrReentrant, got %v", nestedErr)
	}
}

func TestTrade_ExternalCallFailureRollsBack(t *testing.T) {
	env := newTestEnv(t)
	seedBasket(t, env, d(100), map[string]decimal.Decimal{tokenX: d(2)})

	req := tradeRequest()
	req.SendToken = tokenY // no Y→Y rate configured
	req.ReceiveToken = tokenY
	req.SendUnits = d(0.1)
	req.MinReceiveUnits = decimal.Zero

	// Give the basket a Y position to send.
	b, _ := env.store.GetBasket(context.Background(), basketAddr)
	b.Components = append(b.Components, tokenY)
	b.DefaultUnits[tokenY] = d(0.1)
	env.store.UpdateBasket(context.Background(), b)
	env.bank.Mint(tokenY, basketAddr, d(10))

	if _, err := env.svc.Trade(context.Background(), req); !errors.Is(err, venue.ErrNoRate) {
		t.Fatalf("expected ErrNoRate, got %v", err)
	}

	// The pre-call approval was rolled back with everything else.
	if !env.bank.Allowance(tokenY, basketAddr, swapAddr).IsZero() {
		t.Errorf("expected allowance rolled back, got %s", env.bank.Allowance(tokenY, basketAddr, swapAddr))
	}
}

// --- HTTP handlers ---

func TestExecuteTradeHTTP(t *testing.T) {
	env := newTestEnv(t)
	seedBasket(t, env, d(100), map[string]decimal.Decimal{tokenX: d(2)})

	body, _ := json.Marshal(tradeRequest())
	req := httptest.NewRequest(http.MethodPost, "/api/v1/trade", bytes.NewReader(body))
	w := httptest.NewRecorder()
	env.svc.ExecuteTrade(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var result trade.Result
	if err := json.Unmarshal(w.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !result.NetReceive.Equal(d(60)) {
		t.Errorf("expected net receive 60, got %s", result.NetReceive)
	}
	if result.TradeID == "" {
		t.Error("expected trade id assigned")
	}
}

func TestExecuteTradeHTTP_Errors(t *testing.T) {
	env := newTestEnv(t)
	seedBasket(t, env, d(100), map[string]decimal.Decimal{tokenX: d(2)})

	t.Run("bad body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/trade", bytes.NewReader([]byte("{")))
		w := httptest.NewRecorder()
		env.svc.ExecuteTrade(w, req)
		if w.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", w.Code)
		}
	})

	t.Run("unauthorized caller maps to 403", func(t *testing.T) {
		r := tradeRequest()
		r.Caller = otherAddr
		body, _ := json.Marshal(r)
		req := httptest.NewRequest(http.MethodPost, "/api/v1/trade", bytes.NewReader(body))
		w := httptest.NewRecorder()
		env.svc.ExecuteTrade(w, req)
		if w.Code != http.StatusForbidden {
			t.Errorf("expected 403, got %d", w.Code)
		}
	})

	t.Run("slippage maps to 409", func(t *testing.T) {
		r := tradeRequest()
		r.MinReceiveUnits = d(0.7)
		body, _ := json.Marshal(r)
		req := httptest.NewRequest(http.MethodPost, "/api/v1/trade", bytes.NewReader(body))
		w := httptest.NewRecorder()
		env.svc.ExecuteTrade(w, req)
		if w.Code != http.StatusConflict {
			t.Errorf("expected 409, got %d", w.Code)
		}
	})

	t.Run("zero supply maps to 409", func(t *testing.T) {
		b, _ := env.store.GetBasket(context.Background(), basketAddr)
		b.TotalSupply = decimal.Zero
		if err := env.store.UpdateBasket(context.Background(), b); err != nil {
			t.Fatalf("update basket: %v", err)
		}

		body, _ := json.Marshal(tradeRequest())
		req := httptest.NewRequest(http.MethodPost, "/api/v1/trade", bytes.NewReader(body))
		w := httptest.NewRecorder()
		env.svc.ExecuteTrade(w, req)
		if w.Code != http.StatusConflict {
			t.Errorf("expected 409 for zero supply, got %d: %s", w.Code, w.Body.String())
		}
	})
}

func TestCreateBasketHTTP(t *testing.T) {
	env := newTestEnv(t)

	body, _ := json.Marshal(trade.CreateBasketRequest{
		Address:     basketAddr,
		Manager:     managerAddr,
		TotalSupply: d(100),
		Components:  map[string]decimal.Decimal{tokenX: d(2)},
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/baskets", bytes.NewReader(body))
	w := httptest.NewRecorder()
	env.svc.CreateBasket(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	b, err := env.store.GetBasket(context.Background(), basketAddr)
	if err != nil {
		t.Fatalf("get basket: %v", err)
	}
	if !b.DefaultUnit(tokenX).Equal(d(2)) {
		t.Errorf("expected X unit 2, got %s", b.DefaultUnit(tokenX))
	}
	// Balance book seeded to match the ledger.
	if !env.bank.Balance(tokenX, basketAddr).Equal(d(200)) {
		t.Errorf("expected 200 X minted, got %s", env.bank.Balance(tokenX, basketAddr))
	}
}

func TestCreateBasketHTTP_Validation(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name   string
		mutate func(*trade.CreateBasketRequest)
	}{
		{"bad address", func(r *trade.CreateBasketRequest) { r.Address = "not-an-address" }},
		{"bad manager", func(r *trade.CreateBasketRequest) { r.Manager = "0x123" }},
		{"zero supply", func(r *trade.CreateBasketRequest) { r.TotalSupply = decimal.Zero }},
		{"no components", func(r *trade.CreateBasketRequest) { r.Components = nil }},
		{"negative unit", func(r *trade.CreateBasketRequest) { r.Components[tokenX] = d(-1) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cr := trade.CreateBasketRequest{
				Address:     basketAddr,
				Manager:     managerAddr,
				TotalSupply: d(100),
				Components:  map[string]decimal.Decimal{tokenX: d(2)},
			}
			tt.mutate(&cr)
			body, _ := json.Marshal(cr)
			req := httptest.NewRequest(http.MethodPost, "/api/v1/baskets", bytes.NewReader(body))
			w := httptest.NewRecorder()
			env.svc.CreateBasket(w, req)
			if w.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d", w.Code)
			}
		})
	}
}
