// Package limits enforces capacity limits on pools: the pool size cap that
// bounds total LP principal, and an optional per-buyer concentration cap on
// active coverage notional within one pool.
package limits

import (
	"errors"

	"github.com/shopspring/decimal"
)

var (
	// ErrPoolFull is returned when a deposit would push the pool's total
	// liquidity beyond its maximum size.
	ErrPoolFull = errors.New("limits: pool is full")

	// ErrBuyerLimitExceeded is returned when a purchase would push a buyer's
	// active notional in one pool beyond the per-buyer maximum.
	ErrBuyerLimitExceeded = errors.New("limits: per-buyer coverage limit exceeded")
)

// Limiter enforces pool capacity limits.
type Limiter struct {
	// MaxBuyerNotional is the maximum active notional a single buyer may hold
	// in one pool. Zero disables the check.
	MaxBuyerNotional decimal.Decimal
}

// NewLimiter creates a limiter with the given per-buyer cap (0 = unlimited).
func NewLimiter(maxBuyerNotional decimal.Decimal) *Limiter {
	if maxBuyerNotional.IsNegative() {
		maxBuyerNotional = decimal.Zero
	}
	return &Limiter{MaxBuyerNotional: maxBuyerNotional}
}

// CheckPoolSize validates that adding principal keeps the pool within
// maxPoolSize. A non-positive maxPoolSize means the pool is uncapped.
func (l *Limiter) CheckPoolSize(totalLiquidity, principal, maxPoolSize decimal.Decimal) error {
	if !maxPoolSize.IsPositive() {
		return nil
	}
	if totalLiquidity.Add(principal).GreaterThan(maxPoolSize) {
		return ErrPoolFull
	}
	return nil
}

// CheckBuyerExposure validates that a buyer holding existing active notional
// may add notional more.
func (l *Limiter) CheckBuyerExposure(existing, notional decimal.Decimal) error {
	if !l.MaxBuyerNotional.IsPositive() {
		return nil
	}
	if existing.Add(notional).GreaterThan(l.MaxBuyerNotional) {
		return ErrBuyerLimitExceeded
	}
	return nil
}

// Headroom returns how much more principal the pool can accept, or -1 when
// the pool is uncapped.
func (l *Limiter) Headroom(totalLiquidity, maxPoolSize decimal.Decimal) decimal.Decimal {
	if !maxPoolSize.IsPositive() {
		return decimal.NewFromInt(-1)
	}
	room := maxPoolSize.Sub(totalLiquidity)
	if room.IsNegative() {
		return decimal.Zero
	}
	return room
}
