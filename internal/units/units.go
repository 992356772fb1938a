// Package units implements the fixed-point conversion policy between
// per-share position units and absolute notional quantities.
//
// A position unit is a component quantity per one unit of basket supply;
// the notional is unit × totalSupply at a point in time. Notionals are
// whole token amounts, so every conversion must pick a rounding direction.
// The policy here is uniform and always favors the basket:
//
//   - Outflows (send, stake, unstake) round DOWN: the basket never
//     transfers more than its units cover.
//   - Required minimums (min-receive) round UP: the counterparty must
//     clear the full per-share promise.
//   - Unit reconciliation truncates toward zero.
//
// The small asymmetric dust this leaves behind accrues to the basket.
//
// All quantities use shopspring/decimal, never float64 for money.
package units

import (
	"errors"

	"github.com/shopspring/decimal"
)

var (
	// ErrNonPositiveSupply is returned when a conversion is attempted
	// against a zero or negative total supply.
	ErrNonPositiveSupply = errors.New("units: total supply must be positive")

	// UnitScale is the number of decimal places kept on per-share units.
	UnitScale int32 = 18
)

// NotionalFloor converts a per-share unit to an absolute notional,
// rounding down. Used for every quantity leaving the basket.
func NotionalFloor(unit, totalSupply decimal.Decimal) (decimal.Decimal, error) {
	if totalSupply.LessThanOrEqual(decimal.Zero) {
		return decimal.Decimal{}, ErrNonPositiveSupply
	}
	return unit.Mul(totalSupply).Floor(), nil
}

// NotionalCeil converts a per-share unit to an absolute notional,
// rounding up. Used for required minimums owed to the basket.
func NotionalCeil(unit, totalSupply decimal.Decimal) (decimal.Decimal, error) {
	if totalSupply.LessThanOrEqual(decimal.Zero) {
		return decimal.Decimal{}, ErrNonPositiveSupply
	}
	return unit.Mul(totalSupply).Ceil(), nil
}

// UnitFromBalance derives a per-share unit from an observed absolute
// balance, truncating toward zero at UnitScale places. This is the
// reconciliation direction: balances are authoritative, units follow.
func UnitFromBalance(balance, totalSupply decimal.Decimal) (decimal.Decimal, error) {
	if totalSupply.LessThanOrEqual(decimal.Zero) {
		return decimal.Decimal{}, ErrNonPositiveSupply
	}
	// DivRound at two guard digits, then truncate, so the rounding step
	// cannot round up across the truncation boundary.
	return balance.DivRound(totalSupply, UnitScale+2).Truncate(UnitScale), nil
}
