package trade

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/basketlabs/basket-engine/internal/ident"
	"github.com/basketlabs/basket-engine/internal/model"
	"github.com/basketlabs/basket-engine/internal/units"
)

// CreateBasketRequest is the JSON body for basket registration. Component
// units are per-share quantities; the matching notional balances are
// credited to the basket so ledger and balance book agree from the start.
type CreateBasketRequest struct {
	Address     string                     `json:"address"`
	Manager     string                     `json:"manager"`
	TotalSupply decimal.Decimal            `json:"total_supply"`
	Components  map[string]decimal.Decimal `json:"components"` // component → units/share
}

// CreateBasket handles POST /api/v1/baskets.
func (s *Service) CreateBasket(w http.ResponseWriter, r *http.Request) {
	var req CreateBasketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := ident.ValidateAddress(req.Address); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := ident.ValidateAddress(req.Manager); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.TotalSupply.LessThanOrEqual(decimal.Zero) {
		writeError(w, "total_supply must be positive", http.StatusBadRequest)
		return
	}
	if len(req.Components) == 0 {
		writeError(w, "at least one component is required", http.StatusBadRequest)
		return
	}

	b := &model.Basket{
		Address:       req.Address,
		Manager:       req.Manager,
		TotalSupply:   req.TotalSupply,
		DefaultUnits:  make(map[string]decimal.Decimal, len(req.Components)),
		ExternalUnits: make(map[string]map[string]decimal.Decimal),
		Modules: map[string]bool{
			model.ModuleTrade:   true,
			model.ModuleStaking: true,
		},
		Status:    model.StatusActive,
		CreatedAt: time.Now().UTC(),
	}

	for component, unit := range req.Components {
		if err := ident.ValidateAddress(component); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		if unit.IsNegative() {
			writeError(w, "component units must not be negative", http.StatusBadRequest)
			return
		}
	}
	// Deterministic component order for stable traversal.
	for _, component := range sortedKeys(req.Components) {
		unit := req.Components[component]
		b.Components = append(b.Components, component)
		b.DefaultUnits[component] = unit

		notional, err := units.NotionalFloor(unit, req.TotalSupply)
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.bank.Mint(component, req.Address, notional)
	}

	if err := s.store.CreateBasket(r.Context(), b); err != nil {
		writeError(w, err.Error(), http.StatusConflict)
		return
	}

	slog.Info("basket created",
		"address", b.Address,
		"manager", b.Manager,
		"total_supply", b.TotalSupply.String(),
		"components", len(b.Components),
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(b)
}

func sortedKeys(m map[string]decimal.Decimal) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
