// Package staking implements the staking engine: it moves basket components
// between directly-held default positions and venue-held external positions,
// keeps the per-(basket, component) venue ledger, and replicates open
// positions when basket shares are issued or redeemed.
//
// All position units and notionals use shopspring/decimal, never float64
// for money.
package staking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/basketlabs/basket-engine/internal/adapter"
	"github.com/basketlabs/basket-engine/internal/bank"
	"github.com/basketlabs/basket-engine/internal/basket"
	"github.com/basketlabs/basket-engine/internal/events"
	"github.com/basketlabs/basket-engine/internal/ident"
	"github.com/basketlabs/basket-engine/internal/metrics"
	"github.com/basketlabs/basket-engine/internal/model"
	"github.com/basketlabs/basket-engine/internal/reentry"
	"github.com/basketlabs/basket-engine/internal/store"
	"github.com/basketlabs/basket-engine/internal/units"
)

var (
	// ErrNonPositiveNotional is returned when the requested units resolve
	// to a zero notional at current supply.
	ErrNonPositiveNotional = errors.New("staking: quantity resolves to zero notional")

	// ErrInsufficientBalance is returned when the basket's default
	// position does not cover the requested stake units.
	ErrInsufficientBalance = errors.New("staking: insufficient default position")

	// ErrInsufficientStaked is returned when an unstake asks for more
	// units than the venue's recorded position holds.
	ErrInsufficientStaked = errors.New("staking: unstake exceeds recorded position")

	// ErrReturnedAmountMismatch is returned when the venue returned less
	// than the notional owed on unstake. The operation is rolled back.
	ErrReturnedAmountMismatch = errors.New("staking: venue returned less than owed")

	// ErrOpenPositionsRemain is returned when the module is detached while
	// any venue still holds a position for the basket.
	ErrOpenPositionsRemain = errors.New("staking: open venue positions remain")
)

// Service runs staking operations for baskets. Stake and unstake are
// guarded like trades: one at a time across the engine, rejecting nested
// or racing invocations. The issuance hooks are not guarded; they are
// invoked by the trusted issuance collaborator, possibly from inside its
// own mint/burn flow.
type Service struct {
	store   store.Store
	bank    *bank.Bank
	invoker *basket.Invoker
	gateway *adapter.Gateway
	hub     *events.Hub // optional event hub for real-time broadcasts
	guard   reentry.Guard

	// issuanceCaller is the only identity allowed on the issue/redeem
	// replication hooks.
	issuanceCaller string
}

// NewService creates a new staking service. issuanceCaller is the address
// trusted to invoke the replication hooks. Pass nil for hub if event
// broadcasting is not needed.
func NewService(st store.Store, bk *bank.Bank, inv *basket.Invoker, gw *adapter.Gateway, issuanceCaller string, hub *events.Hub) *Service {
	return &Service{
		store:          st,
		bank:           bk,
		invoker:        inv,
		gateway:        gw,
		hub:            hub,
		issuanceCaller: issuanceCaller,
	}
}

// StakeRequest carries one stake invocation.
type StakeRequest struct {
	Caller    string          `json:"caller"`
	Basket    string          `json:"basket"`
	Component string          `json:"component"`
	Venue     string          `json:"venue"`
	Adapter   string          `json:"adapter"`
	Units     decimal.Decimal `json:"units"` // per-share units to stake
}

// UnstakeRequest carries one unstake invocation. Adapter is optional: a
// position is always closed through the adapter that opened it, so a
// supplied name must match the recorded identifier.
type UnstakeRequest struct {
	Caller    string          `json:"caller"`
	Basket    string          `json:"basket"`
	Component string          `json:"component"`
	Venue     string          `json:"venue"`
	Adapter   string          `json:"adapter,omitempty"`
	Units     decimal.Decimal `json:"units"` // per-share units to withdraw
}

// OpResult reports the settled quantities of one staking operation.
type OpResult struct {
	Notional     decimal.Decimal `json:"notional"`
	DefaultUnit  decimal.Decimal `json:"default_unit"`
	ExternalUnit decimal.Decimal `json:"external_unit"`
}

// Stake moves units of a component from the basket's default position into
// custody at a venue: exact approval, one external call, then the unit move
// and a venue ledger upsert. Any failure restores the pre-stake balance
// book.
func (s *Service) Stake(ctx context.Context, req StakeRequest) (OpResult, error) {
	if err := s.guard.Acquire(); err != nil {
		return OpResult{}, err
	}
	defer s.guard.Release()

	b, err := s.store.GetBasket(ctx, req.Basket)
	if err != nil {
		return OpResult{}, err
	}
	acct := basket.NewAccountant(b, s.bank, s.invoker)

	if err := acct.RequireManager(req.Caller); err != nil {
		return OpResult{}, err
	}
	if err := acct.RequireActiveModule(model.ModuleStaking); err != nil {
		return OpResult{}, err
	}

	if err := ident.ValidateAdapterName(req.Adapter); err != nil {
		return OpResult{}, err
	}
	adp, err := s.gateway.Resolve(req.Adapter)
	if err != nil {
		return OpResult{}, err
	}

	if !acct.HasSufficientDefaultUnits(req.Component, req.Units) {
		return OpResult{}, fmt.Errorf("%w: have %s units of %s, need %s",
			ErrInsufficientBalance, acct.DefaultPositionUnit(req.Component),
			req.Component, req.Units)
	}

	supply := acct.TotalSupply()
	notional, err := units.NotionalFloor(req.Units, supply)
	if err != nil {
		return OpResult{}, err
	}
	if !notional.IsPositive() {
		return OpResult{}, fmt.Errorf("%w: %s units at supply %s",
			ErrNonPositiveNotional, req.Units, supply)
	}

	snap := s.bank.Snapshot()

	spender := adp.Spender(req.Venue)
	acct.ApproveOnBehalf(req.Component, spender, notional)

	call, err := adp.BuildStakeCall(req.Venue, acct.Address(), notional)
	if err != nil {
		s.bank.Restore(snap)
		return OpResult{}, fmt.Errorf("build stake call: %w", err)
	}
	if err := acct.InvokeExternalCall(ctx, call); err != nil {
		s.bank.Restore(snap)
		return OpResult{}, fmt.Errorf("external call: %w", err)
	}
	acct.ApproveOnBehalf(req.Component, spender, decimal.Zero)

	ledger, err := s.store.GetVenueLedger(ctx, req.Basket, req.Component)
	if err != nil {
		s.bank.Restore(snap)
		return OpResult{}, err
	}
	_, existed := ledger.Position(req.Venue)
	ledger.Upsert(req.Venue, ident.AdapterID(req.Adapter), req.Units)

	// The unit move is arithmetic, not balance-derived: exactly the staked
	// units shift from default to external custody.
	newDefault := acct.DefaultPositionUnit(req.Component).Sub(req.Units)
	newExternal := acct.ExternalPositionUnit(req.Component, model.ModuleStaking).Add(req.Units)
	acct.SetDefaultPositionUnit(req.Component, newDefault)
	acct.SetExternalPositionUnit(req.Component, model.ModuleStaking, newExternal)

	if err := s.persist(ctx, acct, req.Component, ledger, snap); err != nil {
		return OpResult{}, err
	}
	if !existed {
		metrics.OpenVenuePositions.Inc()
	}

	s.finishOp("stake", events.TypeStaked, req.Basket, req.Component, req.Venue, req.Adapter, req.Units)
	return OpResult{Notional: notional, DefaultUnit: newDefault, ExternalUnit: newExternal}, nil
}

// Unstake withdraws units of a component from a venue back into the
// basket's default position. The venue must return at least the notional
// owed at current supply; anything less rolls the operation back with
// ErrReturnedAmountMismatch.
func (s *Service) Unstake(ctx context.Context, req UnstakeRequest) (OpResult, error) {
	if err := s.guard.Acquire(); err != nil {
		return OpResult{}, err
	}
	defer s.guard.Release()

	b, err := s.store.GetBasket(ctx, req.Basket)
	if err != nil {
		return OpResult{}, err
	}
	acct := basket.NewAccountant(b, s.bank, s.invoker)

	if err := acct.RequireManager(req.Caller); err != nil {
		return OpResult{}, err
	}
	if err := acct.RequireActiveModule(model.ModuleStaking); err != nil {
		return OpResult{}, err
	}

	ledger, err := s.store.GetVenueLedger(ctx, req.Basket, req.Component)
	if err != nil {
		return OpResult{}, err
	}
	pos, ok := ledger.Position(req.Venue)
	if !ok || pos.Units.LessThan(req.Units) {
		return OpResult{}, fmt.Errorf("%w: staked %s units of %s at %s, requested %s",
			ErrInsufficientStaked, pos.Units, req.Component, req.Venue, req.Units)
	}

	if req.Adapter != "" && ident.AdapterID(req.Adapter) != pos.AdapterID {
		return OpResult{}, fmt.Errorf("%w: %q did not open the position at %s",
			adapter.ErrUnknownAdapter, req.Adapter, req.Venue)
	}
	adp, adapterName, err := s.gateway.ResolveByID(pos.AdapterID)
	if err != nil {
		return OpResult{}, err
	}

	supply := acct.TotalSupply()
	notional, err := units.NotionalFloor(req.Units, supply)
	if err != nil {
		return OpResult{}, err
	}
	if !notional.IsPositive() {
		return OpResult{}, fmt.Errorf("%w: %s units at supply %s",
			ErrNonPositiveNotional, req.Units, supply)
	}

	pre := acct.Balance(req.Component)
	snap := s.bank.Snapshot()

	call, err := adp.BuildUnstakeCall(req.Venue, acct.Address(), notional)
	if err != nil {
		s.bank.Restore(snap)
		return OpResult{}, fmt.Errorf("build unstake call: %w", err)
	}
	if err := acct.InvokeExternalCall(ctx, call); err != nil {
		s.bank.Restore(snap)
		return OpResult{}, fmt.Errorf("external call: %w", err)
	}

	// The returned quantity is the observed increase, not the venue's
	// claim.
	received := acct.Balance(req.Component).Sub(pre)
	if received.LessThan(notional) {
		s.bank.Restore(snap)
		return OpResult{}, fmt.Errorf("%w: received %s, owed %s",
			ErrReturnedAmountMismatch, received, notional)
	}

	closed := pos.Units.Sub(req.Units).LessThanOrEqual(decimal.Zero)
	ledger.Reduce(req.Venue, req.Units)

	newDefault := acct.DefaultPositionUnit(req.Component).Add(req.Units)
	newExternal := acct.ExternalPositionUnit(req.Component, model.ModuleStaking).Sub(req.Units)
	acct.SetDefaultPositionUnit(req.Component, newDefault)
	acct.SetExternalPositionUnit(req.Component, model.ModuleStaking, newExternal)

	if err := s.persist(ctx, acct, req.Component, ledger, snap); err != nil {
		return OpResult{}, err
	}
	if closed {
		metrics.OpenVenuePositions.Dec()
	}

	s.finishOp("unstake", events.TypeUnstaked, req.Basket, req.Component, req.Venue, adapterName, req.Units)
	return OpResult{Notional: notional, DefaultUnit: newDefault, ExternalUnit: newExternal}, nil
}

// HookRequest carries one issuance replication hook invocation. Shares is
// the quantity of basket shares being minted or burned.
type HookRequest struct {
	Caller    string          `json:"caller"`
	Basket    string          `json:"basket"`
	Component string          `json:"component"`
	Shares    decimal.Decimal `json:"shares"`
}

// OnIssue replicates open venue positions for newly minted shares: for
// each venue, units × shares of the component are staked through the
// adapter that opened the position. Per-share units and the venue ledger
// are never touched: issuance scales notionals, not ratios.
func (s *Service) OnIssue(ctx context.Context, req HookRequest) error {
	acct, ledger, err := s.hookSetup(ctx, req)
	if err != nil {
		return err
	}

	snap := s.bank.Snapshot()
	for _, v := range ledger.Venues {
		pos, _ := ledger.Position(v)
		notional := pos.Units.Mul(req.Shares).Floor()
		if !notional.IsPositive() {
			continue
		}
		adp, _, err := s.gateway.ResolveByID(pos.AdapterID)
		if err != nil {
			s.bank.Restore(snap)
			return err
		}

		spender := adp.Spender(v)
		acct.ApproveOnBehalf(req.Component, spender, notional)
		call, err := adp.BuildStakeCall(v, acct.Address(), notional)
		if err != nil {
			s.bank.Restore(snap)
			return fmt.Errorf("build stake call: %w", err)
		}
		if err := acct.InvokeExternalCall(ctx, call); err != nil {
			s.bank.Restore(snap)
			return fmt.Errorf("replicate stake at %s: %w", v, err)
		}
		acct.ApproveOnBehalf(req.Component, spender, decimal.Zero)
	}

	metrics.StakeOpsTotal.WithLabelValues("issue_hook").Inc()
	slog.Info("issue hook replicated",
		"basket", req.Basket,
		"component", req.Component,
		"shares", req.Shares.String(),
		"venues", len(ledger.Venues),
	)
	return nil
}

// OnRedeem mirrors OnIssue for burned shares: for each venue, units ×
// shares of the component are withdrawn through the recorded adapter, with
// the same returned-amount verification as a manager unstake.
func (s *Service) OnRedeem(ctx context.Context, req HookRequest) error {
	acct, ledger, err := s.hookSetup(ctx, req)
	if err != nil {
		return err
	}

	snap := s.bank.Snapshot()
	for _, v := range ledger.Venues {
		pos, _ := ledger.Position(v)
		notional := pos.Units.Mul(req.Shares).Floor()
		if !notional.IsPositive() {
			continue
		}
		adp, _, err := s.gateway.ResolveByID(pos.AdapterID)
		if err != nil {
			s.bank.Restore(snap)
			return err
		}

		pre := acct.Balance(req.Component)
		call, err := adp.BuildUnstakeCall(v, acct.Address(), notional)
		if err != nil {
			s.bank.Restore(snap)
			return fmt.Errorf("build unstake call: %w", err)
		}
		if err := acct.InvokeExternalCall(ctx, call); err != nil {
			s.bank.Restore(snap)
			return fmt.Errorf("replicate unstake at %s: %w", v, err)
		}
		received := acct.Balance(req.Component).Sub(pre)
		if received.LessThan(notional) {
			s.bank.Restore(snap)
			return fmt.Errorf("%w: received %s, owed %s at %s",
				ErrReturnedAmountMismatch, received, notional, v)
		}
	}

	metrics.StakeOpsTotal.WithLabelValues("redeem_hook").Inc()
	slog.Info("redeem hook replicated",
		"basket", req.Basket,
		"component", req.Component,
		"shares", req.Shares.String(),
		"venues", len(ledger.Venues),
	)
	return nil
}

// hookSetup authenticates the issuance caller and loads the basket and
// venue ledger shared by both replication hooks.
func (s *Service) hookSetup(ctx context.Context, req HookRequest) (*basket.Accountant, *model.VenueLedger, error) {
	if req.Caller != s.issuanceCaller {
		return nil, nil, fmt.Errorf("%w: %s is not the issuance caller",
			basket.ErrUnauthorized, req.Caller)
	}
	if !req.Shares.IsPositive() {
		return nil, nil, fmt.Errorf("%w: %s shares", ErrNonPositiveNotional, req.Shares)
	}

	b, err := s.store.GetBasket(ctx, req.Basket)
	if err != nil {
		return nil, nil, err
	}
	acct := basket.NewAccountant(b, s.bank, s.invoker)
	if err := acct.RequireActiveModule(model.ModuleStaking); err != nil {
		return nil, nil, err
	}

	ledger, err := s.store.GetVenueLedger(ctx, req.Basket, req.Component)
	if err != nil {
		return nil, nil, err
	}
	return acct, ledger, nil
}

// RemoveModule detaches the staking module from a basket. Detachment is
// refused while any component still has an open venue position.
func (s *Service) RemoveModule(ctx context.Context, caller, basketAddr string) error {
	if err := s.guard.Acquire(); err != nil {
		return err
	}
	defer s.guard.Release()

	b, err := s.store.GetBasket(ctx, basketAddr)
	if err != nil {
		return err
	}
	acct := basket.NewAccountant(b, s.bank, s.invoker)
	if err := acct.RequireManager(caller); err != nil {
		return err
	}

	open, err := s.store.HasOpenPositions(ctx, basketAddr)
	if err != nil {
		return err
	}
	if open {
		return fmt.Errorf("%w: basket %s", ErrOpenPositionsRemain, basketAddr)
	}

	acct.RemoveModule(model.ModuleStaking)
	if err := s.store.UpdateBasket(ctx, acct.Basket()); err != nil {
		return fmt.Errorf("persist basket: %w", err)
	}

	slog.Info("staking module removed", "basket", basketAddr)
	return nil
}

// persist writes the venue ledger and the basket, rolling the balance book
// back if either write fails.
func (s *Service) persist(ctx context.Context, acct *basket.Accountant, component string, ledger *model.VenueLedger, snap *bank.Snapshot) error {
	if err := s.store.PutVenueLedger(ctx, acct.Address(), component, ledger); err != nil {
		s.bank.Restore(snap)
		return fmt.Errorf("persist venue ledger: %w", err)
	}
	if err := s.store.UpdateBasket(ctx, acct.Basket()); err != nil {
		s.bank.Restore(snap)
		return fmt.Errorf("persist basket: %w", err)
	}
	return nil
}

// finishOp records metrics, logs, and broadcasts for a settled stake or
// unstake.
func (s *Service) finishOp(op, eventType, basketAddr, component, venue, adapterName string, u decimal.Decimal) {
	metrics.StakeOpsTotal.WithLabelValues(op).Inc()

	slog.Info(op+" executed",
		"basket", basketAddr,
		"component", component,
		"venue", venue,
		"adapter", adapterName,
		"units", u.String(),
	)

	if s.hub != nil {
		s.hub.Publish(events.Event{
			Type:      eventType,
			Basket:    basketAddr,
			Component: component,
			Venue:     venue,
			Units:     u.String(),
			Adapter:   adapterName,
		})
	}
}

// --- HTTP handlers ---

// ExecuteStake handles POST /api/v1/stake.
func (s *Service) ExecuteStake(w http.ResponseWriter, r *http.Request) {
	var req StakeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Caller == "" || req.Basket == "" || req.Component == "" || req.Venue == "" {
		writeError(w, "caller, basket, component and venue are required", http.StatusBadRequest)
		return
	}

	result, err := s.Stake(r.Context(), req)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

// ExecuteUnstake handles POST /api/v1/unstake.
func (s *Service) ExecuteUnstake(w http.ResponseWriter, r *http.Request) {
	var req UnstakeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Caller == "" || req.Basket == "" || req.Component == "" || req.Venue == "" {
		writeError(w, "caller, basket, component and venue are required", http.StatusBadRequest)
		return
	}

	result, err := s.Unstake(r.Context(), req)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

// IssueHook handles POST /api/v1/hooks/issue.
func (s *Service) IssueHook(w http.ResponseWriter, r *http.Request) {
	s.handleHook(w, r, s.OnIssue)
}

// RedeemHook handles POST /api/v1/hooks/redeem.
func (s *Service) RedeemHook(w http.ResponseWriter, r *http.Request) {
	s.handleHook(w, r, s.OnRedeem)
}

func (s *Service) handleHook(w http.ResponseWriter, r *http.Request, hook func(context.Context, HookRequest) error) {
	var req HookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := hook(r.Context(), req); err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DetachModule handles DELETE /api/v1/baskets/{basketAddr}/staking-module.
// The caller is passed as the X-Caller header.
func (s *Service) DetachModule(w http.ResponseWriter, r *http.Request) {
	address := chi.URLParam(r, "basketAddr")
	caller := r.Header.Get("X-Caller")
	if caller == "" {
		writeError(w, "X-Caller header is required", http.StatusBadRequest)
		return
	}

	if err := s.RemoveModule(r.Context(), caller, address); err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetVenueLedger handles
// GET /api/v1/baskets/{basketAddr}/staking/{component}.
func (s *Service) GetVenueLedger(w http.ResponseWriter, r *http.Request) {
	address := chi.URLParam(r, "basketAddr")
	component := chi.URLParam(r, "component")

	ledger, err := s.store.GetVenueLedger(r.Context(), address, component)
	if err != nil {
		writeError(w, "failed to get venue ledger", http.StatusInternalServerError)
		return
	}
	if ledger.Venues == nil {
		ledger.Venues = []string{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(ledger)
}

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, basket.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, store.ErrNotFound), errors.Is(err, adapter.ErrUnknownAdapter):
		return http.StatusNotFound
	case errors.Is(err, ErrNonPositiveNotional), errors.Is(err, ident.ErrInvalidAdapterName):
		return http.StatusBadRequest
	case errors.Is(err, basket.ErrInvalidState),
		errors.Is(err, units.ErrNonPositiveSupply),
		errors.Is(err, ErrInsufficientBalance),
		errors.Is(err, ErrInsufficientStaked),
		errors.Is(err, ErrReturnedAmountMismatch),
		errors.Is(err, ErrOpenPositionsRemain),
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
