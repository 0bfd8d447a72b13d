// Package pricing computes coverage premiums for a pool.
//
// The premium curve is flat in notional and scaled by how close the strike is
// to the market:
//
//	premium = floor(notional × rate × ReferenceStrike / (RateScale × strike))
//
// rate is the pool's administrator-set premium rate in per-mille of notional at
// the reference strike. At the reference strike (a 10% drop) the premium is
// exactly notional × rate / 1000. A deeper strike (a larger drop is needed to
// trigger) is less likely to pay out and therefore costs proportionally less.
//
// All monetary values use shopspring/decimal, never float64 for money.
// Results are rounded down to whole base units so the buyer is never charged
// a fraction the asset ledger cannot represent.
package pricing

import (
	"errors"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidNotional is returned when notional <= 0.
	ErrInvalidNotional = errors.New("pricing: notional must be positive")

	// ErrStrikeOutOfRange is returned when the strike is outside [MinStrike, MaxStrike].
	ErrStrikeOutOfRange = errors.New("pricing: strike out of range")

	// ErrInvalidRate is returned when the premium rate is negative.
	ErrInvalidRate = errors.New("pricing: premium rate must not be negative")

	// ErrPremiumTooSmall is returned when a priced pool's premium rounds
	// down to zero base units.
	ErrPremiumTooSmall = errors.New("pricing: notional too small to carry a premium")
)

const (
	// MinStrike is the smallest percentage drop a coverage can insure.
	MinStrike = 1

	// MaxStrike is the largest percentage drop a coverage can insure.
	MaxStrike = 99

	// ReferenceStrike is the strike at which the pool's rate applies unscaled.
	ReferenceStrike = 10
)

// RateScale is the denominator of the premium rate (per-mille).
var RateScale = decimal.NewFromInt(1000)

var hundred = decimal.NewFromInt(100)

// Engine is stateless: pool parameters are passed as arguments, not stored.
// Quote has no side effects so a stored coverage's premium can always be
// recomputed from its own (notional, strike, rate snapshot).
type Engine struct {
	referenceStrike decimal.Decimal
}

// NewEngine creates a pricing engine anchored at ReferenceStrike.
func NewEngine() *Engine {
	return &Engine{referenceStrike: decimal.NewFromInt(ReferenceStrike)}
}

// ValidateStrike checks that strike is a supported percentage drop.
func ValidateStrike(strike int) error {
	if strike < MinStrike || strike > MaxStrike {
		return ErrStrikeOutOfRange
	}
	return nil
}

// Quote returns the premium owed for notional coverage at strike given the
// pool's premium rate. Only a zero rate quotes a zero premium.
func (e *Engine) Quote(rate, notional decimal.Decimal, strike int) (decimal.Decimal, error) {
	if notional.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, ErrInvalidNotional
	}
	if err := ValidateStrike(strike); err != nil {
		return decimal.Zero, err
	}
	if rate.IsNegative() {
		return decimal.Zero, ErrInvalidRate
	}

	// Multiply before dividing so the only rounding is the final floor.
	num := notional.Mul(rate).Mul(e.referenceStrike)
	den := RateScale.Mul(decimal.NewFromInt(int64(strike)))
	premium := num.DivRound(den, 18).Floor()
	if premium.IsZero() && rate.IsPositive() {
		return decimal.Zero, ErrPremiumTooSmall
	}
	return premium, nil
}

// TriggerPrice is the oracle price at or below which a coverage bought at
// reference with the given strike becomes claimable:
//
//	trigger = reference × (100 − strike) / 100
func TriggerPrice(reference decimal.Decimal, strike int) decimal.Decimal {
	drop := hundred.Sub(decimal.NewFromInt(int64(strike)))
	return reference.Mul(drop).Div(hundred)
}

// Triggered reports whether price has crossed the trigger.
func Triggered(price, trigger decimal.Decimal) bool {
	return price.LessThanOrEqual(trigger)
}
