package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// CheckInvariants audits a pool's ledger:
//
//   - total coverage never exceeds total liquidity
//   - total liquidity is the sum of live principal, position count matches
//   - total coverage is the sum of active notional
//   - every position's free amount lies in [0, principal]
//   - every position's allocation and open count match its active coverages
//
// All violations are reported together, each wrapping ErrInvariantViolation.
func (e *Engine) CheckInvariants(ctx context.Context, poolID string) error {
	pool, err := e.store.GetPool(ctx, poolID)
	if err != nil {
		return err
	}
	positions, err := e.store.ListPositions(ctx, poolID)
	if err != nil {
		return err
	}

	var errs []error
	violate := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: pool %s: %s", ErrInvariantViolation, poolID, fmt.Sprintf(format, args...)))
	}

	if pool.TotalCoverage.GreaterThan(pool.TotalLiquidity) {
		violate("total coverage %s exceeds total liquidity %s", pool.TotalCoverage, pool.TotalLiquidity)
	}

	principal := decimal.Zero
	for i := range positions {
		principal = principal.Add(positions[i].Principal)
	}
	if !principal.Equal(pool.TotalLiquidity) {
		violate("total liquidity %s, positions hold %s", pool.TotalLiquidity, principal)
	}
	if len(positions) != pool.PositionCount {
		violate("position count %d, found %d", pool.PositionCount, len(positions))
	}

	allocated := make(map[uint64]decimal.Decimal, len(positions))
	open := make(map[uint64]int, len(positions))
	active := decimal.Zero
	var after uint64
	for {
		page, err := e.store.ListActiveCoverages(ctx, poolID, after, e.params.UpkeepBatchSize)
		if err != nil {
			return err
		}
		for i := range page {
			c := &page[i]
			active = active.Add(c.Notional)
			allocated[c.PositionID] = allocated[c.PositionID].Add(c.Notional)
			open[c.PositionID]++
		}
		if len(page) < e.params.UpkeepBatchSize {
			break
		}
		after = page[len(page)-1].ID
	}
	if !active.Equal(pool.TotalCoverage) {
		violate("total coverage %s, active notional %s", pool.TotalCoverage, active)
	}

	for i := range positions {
		p := &positions[i]
		if p.FreeAmount.IsNegative() || p.FreeAmount.GreaterThan(p.Principal) {
			violate("position %d free amount %s outside [0, %s]", p.ID, p.FreeAmount, p.Principal)
		}
		if !p.Allocated().Equal(allocated[p.ID]) {
			violate("position %d allocation %s, active notional %s", p.ID, p.Allocated(), allocated[p.ID])
		}
		if p.OpenCoverages != open[p.ID] {
			violate("position %d open coverages %d, found %d", p.ID, p.OpenCoverages, open[p.ID])
		}
	}
	return errors.Join(errs...)
}
