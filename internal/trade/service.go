// Package trade implements the trade-execution engine: a single atomic swap
// of one basket component for another through a named adapter, with exact
// approvals, slippage enforcement, fee accrual, and ledger reconciliation
// from observed balances.
//
// All position units and notionals use shopspring/decimal, never float64
// for money.
package trade

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/basketlabs/basket-engine/internal/adapter"
	"github.com/basketlabs/basket-engine/internal/bank"
	"github.com/basketlabs/basket-engine/internal/basket"
	"github.com/basketlabs/basket-engine/internal/events"
	"github.com/basketlabs/basket-engine/internal/fees"
	"github.com/basketlabs/basket-engine/internal/metrics"
	"github.com/basketlabs/basket-engine/internal/model"
	"github.com/basketlabs/basket-engine/internal/reentry"
	"github.com/basketlabs/basket-engine/internal/store"
	"github.com/basketlabs/basket-engine/internal/units"
)

var (
	// ErrNonPositiveNotional is returned when the send units resolve to a
	// zero notional at current supply.
	ErrNonPositiveNotional = errors.New("trade: send quantity resolves to zero notional")

	// ErrInsufficientBalance is returned when the basket's default
	// position does not cover the requested send units.
	ErrInsufficientBalance = errors.New("trade: insufficient default position")

	// ErrSlippageExceeded is returned when the received amount is below
	// the declared minimum.
	ErrSlippageExceeded = errors.New("trade: received amount below minimum")
)

// Service executes trades for baskets. One trade runs at a time across the
// whole engine: the guard rejects reentrant or racing invocations instead
// of queueing them, since the external call window must never observe a
// second in-flight TradeContext.
type Service struct {
	store   store.Store
	bank    *bank.Bank
	invoker *basket.Invoker
	gateway *adapter.Gateway
	fees    *fees.Schedule
	hub     *events.Hub // optional event hub for real-time broadcasts
	guard   reentry.Guard
}

// NewService creates a new trade service.
// Pass nil for hub if event broadcasting is not needed.
func NewService(st store.Store, bk *bank.Bank, inv *basket.Invoker, gw *adapter.Gateway, schedule *fees.Schedule, hub *events.Hub) *Service {
	return &Service{
		store:   st,
		bank:    bk,
		invoker: inv,
		gateway: gw,
		fees:    schedule,
		hub:     hub,
	}
}

// Request carries one trade invocation.
type Request struct {
	Caller          string          `json:"caller"`
	Basket          string          `json:"basket"`
	Exchange        string          `json:"exchange"`
	SendToken       string          `json:"send_token"`
	SendUnits       decimal.Decimal `json:"send_units"`
	ReceiveToken    string          `json:"receive_token"`
	MinReceiveUnits decimal.Decimal `json:"min_receive_units"`
	AdapterData     json.RawMessage `json:"adapter_data,omitempty"`
}

// Result reports the settled quantities of one trade.
type Result struct {
	TradeID    string          `json:"trade_id"`
	NetSend    decimal.Decimal `json:"net_send"`
	NetReceive decimal.Decimal `json:"net_receive"`
	Fee        decimal.Decimal `json:"fee"`
}

// tradeContext is the ephemeral state of one trade invocation. It is a
// local value, created and discarded within a single Trade call.
type tradeContext struct {
	adapter      adapter.Adapter
	supply       decimal.Decimal
	preSend      decimal.Decimal
	preReceive   decimal.Decimal
	sendNotional decimal.Decimal
	minReceive   decimal.Decimal
}

// Trade executes one atomic swap: resolve adapter, snapshot,
// convert units to notionals, exact approval, one external call, slippage
// check, fee accrual, then reconcile both default units from observed
// balances. Any failure after the external call restores the pre-trade
// balance book, so the whole invocation is all-or-nothing.
func (s *Service) Trade(ctx context.Context, req Request) (Result, error) {
	if err := s.guard.Acquire(); err != nil {
		return Result{}, err
	}
	defer s.guard.Release()

	start := time.Now()

	b, err := s.store.GetBasket(ctx, req.Basket)
	if err != nil {
		return Result{}, err
	}
	acct := basket.NewAccountant(b, s.bank, s.invoker)

	if err := acct.RequireManager(req.Caller); err != nil {
		return Result{}, err
	}
	if err := acct.RequireActiveModule(model.ModuleTrade); err != nil {
		return Result{}, err
	}

	tc, err := s.buildContext(acct, req)
	if err != nil {
		metrics.TradeRejections.WithLabelValues("validation").Inc()
		return Result{}, err
	}

	snap := s.bank.Snapshot()

	// Exact approval for this trade only; never an unlimited allowance.
	spender := tc.adapter.Spender("")
	acct.ApproveOnBehalf(req.SendToken, spender, tc.sendNotional)

	call, err := tc.adapter.BuildTradeCall(req.SendToken, req.ReceiveToken, acct.Address(),
		tc.sendNotional, tc.minReceive, req.AdapterData)
	if err != nil {
		s.bank.Restore(snap)
		return Result{}, fmt.Errorf("build trade call: %w", err)
	}

	if err := acct.InvokeExternalCall(ctx, call); err != nil {
		s.bank.Restore(snap)
		metrics.TradeRejections.WithLabelValues("external_call").Inc()
		return Result{}, fmt.Errorf("external call: %w", err)
	}

	// Clear any allowance the adapter's spender did not consume.
	acct.ApproveOnBehalf(req.SendToken, spender, decimal.Zero)

	// The exchanged quantity is the observed increase, not the adapter's
	// claim.
	received := acct.Balance(req.ReceiveToken).Sub(tc.preReceive)
	if received.LessThan(tc.minReceive) {
		s.bank.Restore(snap)
		metrics.TradeRejections.WithLabelValues("slippage").Inc()
		return Result{}, fmt.Errorf("%w: received %s, minimum %s",
			ErrSlippageExceeded, received, tc.minReceive)
	}

	fee := s.fees.FeeOn(fees.TradeFeeIndex, received)
	if fee.IsPositive() {
		if err := acct.TransferOut(req.ReceiveToken, s.fees.Recipient, fee); err != nil {
			s.bank.Restore(snap)
			return Result{}, fmt.Errorf("fee transfer: %w", err)
		}
	}

	// Reconcile both default units from current balances so fee accrual
	// and adapter side effects are captured, not just the arithmetic
	// deltas.
	if _, _, err := acct.RecomputeDefaultPositionFromBalance(req.SendToken, tc.supply); err != nil {
		s.bank.Restore(snap)
		return Result{}, err
	}
	if _, _, err := acct.RecomputeDefaultPositionFromBalance(req.ReceiveToken, tc.supply); err != nil {
		s.bank.Restore(snap)
		return Result{}, err
	}

	if err := s.store.UpdateBasket(ctx, acct.Basket()); err != nil {
		s.bank.Restore(snap)
		return Result{}, fmt.Errorf("persist basket: %w", err)
	}

	netSend := tc.preSend.Sub(acct.Balance(req.SendToken))
	netReceive := received.Sub(fee)

	record := &model.TradeRecord{
		ID:           uuid.New().String(),
		Basket:       req.Basket,
		SendToken:    req.SendToken,
		ReceiveToken: req.ReceiveToken,
		Adapter:      req.Exchange,
		NetSend:      netSend,
		NetReceive:   netReceive,
		Fee:          fee,
		Timestamp:    time.Now().UTC(),
	}
	if err := s.store.InsertTradeRecord(ctx, record); err != nil {
		// The ledger is already settled; the journal is observability.
		slog.Warn("trade journal insert failed", "trade_id", record.ID, "err", err)
	}

	metrics.TradesTotal.WithLabelValues(req.Exchange).Inc()
	metrics.TradeLatency.Observe(time.Since(start).Seconds())

	slog.Info("trade executed",
		"trade_id", record.ID,
		"basket", req.Basket,
		"exchange", req.Exchange,
		"send_token", req.SendToken,
		"receive_token", req.ReceiveToken,
		"net_send", netSend.String(),
		"net_receive", netReceive.String(),
		"fee", fee.String(),
	)

	if s.hub != nil {
		s.hub.Publish(events.Event{
			Type:         events.TypeTradeExecuted,
			Basket:       req.Basket,
			SendToken:    req.SendToken,
			ReceiveToken: req.ReceiveToken,
			NetSend:      netSend.String(),
			NetReceive:   netReceive.String(),
			Fee:          fee.String(),
			Adapter:      req.Exchange,
		})
	}

	return Result{
		TradeID:    record.ID,
		NetSend:    netSend,
		NetReceive: netReceive,
		Fee:        fee,
	}, nil
}

// buildContext resolves the adapter and snapshots everything the trade
// needs: supply, pre-trade balances, and the notional quantities.
func (s *Service) buildContext(acct *basket.Accountant, req Request) (*tradeContext, error) {
	adp, err := s.gateway.Resolve(req.Exchange)
	if err != nil {
		return nil, err
	}

	supply := acct.TotalSupply()

	sendNotional, err := units.NotionalFloor(req.SendUnits, supply)
	if err != nil {
		return nil, err
	}
	if !sendNotional.IsPositive() {
		return nil, fmt.Errorf("%w: %s units at supply %s",
			ErrNonPositiveNotional, req.SendUnits, supply)
	}
	minReceive, err := units.NotionalCeil(req.MinReceiveUnits, supply)
	if err != nil {
		return nil, err
	}

	if !acct.HasSufficientDefaultUnits(req.SendToken, req.SendUnits) {
		return nil, fmt.Errorf("%w: have %s units of %s, need %s",
			ErrInsufficientBalance, acct.DefaultPositionUnit(req.SendToken),
			req.SendToken, req.SendUnits)
	}

	return &tradeContext{
		adapter:      adp,
		supply:       supply,
		preSend:      acct.Balance(req.SendToken),
		preReceive:   acct.Balance(req.ReceiveToken),
		sendNotional: sendNotional,
		minReceive:   minReceive,
	}, nil
}

// --- HTTP handlers ---

// ExecuteTrade handles POST /api/v1/trade.
func (s *Service) ExecuteTrade(w http.ResponseWriter, r *http.Request) {
	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Caller == "" || req.Basket == "" || req.SendToken == "" || req.ReceiveToken == "" {
		writeError(w, "caller, basket, send_token and receive_token are required", http.StatusBadRequest)
		return
	}

	result, err := s.Trade(r.Context(), req)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

// GetBasket handles GET /api/v1/baskets/{basketAddr}.
func (s *Service) GetBasket(w http.ResponseWriter, r *http.Request) {
	address := chi.URLParam(r, "basketAddr")

	b, err := s.store.GetBasket(r.Context(), address)
	if err != nil {
		writeError(w, "basket not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(b)
}

// ListBaskets handles GET /api/v1/baskets.
func (s *Service) ListBaskets(w http.ResponseWriter, r *http.Request) {
	baskets, err := s.store.ListBaskets(r.Context())
	if err != nil {
		writeError(w, "failed to list baskets", http.StatusInternalServerError)
		return
	}
	if baskets == nil {
		baskets = []model.Basket{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(baskets)
}

// GetTradeHistory handles GET /api/v1/baskets/{basketAddr}/trades.
func (s *Service) GetTradeHistory(w http.ResponseWriter, r *http.Request) {
	address := chi.URLParam(r, "basketAddr")

	records, err := s.store.GetTradeRecordsByBasket(r.Context(), address)
	if err != nil {
		writeError(w, "failed to get trade history", http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []model.TradeRecord{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(records)
}

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, basket.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, store.ErrNotFound), errors.Is(err, adapter.ErrUnknownAdapter):
		return http.StatusNotFound
	case errors.Is(err, ErrNonPositiveNotional):
		return http.StatusBadRequest
	case errors.Is(err, basket.ErrInvalidState),
		errors.Is(err, units.ErrNonPositiveSupply),
		errors.Is(err, ErrInsufficientBalance),
		errors.Is(err, ErrSlippageExceeded),
		errors.Is(err, reentry.ErrReentrant):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
