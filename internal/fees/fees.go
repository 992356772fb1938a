// Package fees implements the protocol fee schedule: a set of fee fractions
// looked up by a fixed index per fee-charging operation, with a hard ceiling
// on any configured fraction.
//
// The trade engine's fee is charged on the exchanged (received) quantity and
// rounded down, so fractional dust stays with the basket rather than the
// fee recipient.
package fees

import (
	"errors"

	"github.com/shopspring/decimal"
)

// TradeFeeIndex is the schedule slot reserved for the trade engine.
const TradeFeeIndex = 0

var (
	// ErrFractionOutOfRange is returned when a configured fraction is
	// negative or exceeds MaxFraction.
	ErrFractionOutOfRange = errors.New("fees: fraction out of range")

	// MaxFraction caps any schedule entry. No operation may be configured
	// to take more than 10% of the charged quantity.
	MaxFraction = decimal.NewFromFloat(0.10)
)

// Schedule maps fee indexes to fractions and names the recipient of all
// accrued fees. Zero-valued entries mean no fee for that index.
type Schedule struct {
	fractions map[int]decimal.Decimal

	// Recipient is the address protocol fees are transferred to.
	Recipient string
}

// NewSchedule creates an empty schedule paying out to recipient.
func NewSchedule(recipient string) *Schedule {
	return &Schedule{
		fractions: make(map[int]decimal.Decimal),
		Recipient: recipient,
	}
}

// Set configures the fraction for a fee index.
func (s *Schedule) Set(index int, fraction decimal.Decimal) error {
	if fraction.IsNegative() || fraction.GreaterThan(MaxFraction) {
		return ErrFractionOutOfRange
	}
	s.fractions[index] = fraction
	return nil
}

// Fraction returns the configured fraction for an index (zero if unset).
func (s *Schedule) Fraction(index int) decimal.Decimal {
	return s.fractions[index]
}

// FeeOn computes the fee owed on quantity for the given index, rounded
// down to a whole notional amount.
func (s *Schedule) FeeOn(index int, quantity decimal.Decimal) decimal.Decimal {
	return s.fractions[index].Mul(quantity).Floor()
}
