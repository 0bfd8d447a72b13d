package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/blocksurance-dao/blocksurance-protocol/internal/events"
	"github.com/blocksurance-dao/blocksurance-protocol/internal/metrics"
	"github.com/blocksurance-dao/blocksurance-protocol/internal/model"
	"github.com/blocksurance-dao/blocksurance-protocol/internal/pricing"
	"github.com/blocksurance-dao/blocksurance-protocol/internal/store"
	"github.com/blocksurance-dao/blocksurance-protocol/internal/token"
)

// BuyCoverageRequest purchases coverage. Buyer must have approved the pool
// vault for the premium.
type BuyCoverageRequest struct {
	PoolID   string
	Buyer    string
	Notional decimal.Decimal
	Strike   int // percent drop from the current oracle price
}

// BuyCoverage sells notional coverage at strike. The coverage is backed by
// the first open position (in id order) whose free amount covers the whole
// notional; that position earns the premium. Coverage lasts the pool's
// coverage window, capped at the backing position's expiry.
func (e *Engine) BuyCoverage(ctx context.Context, req BuyCoverageRequest) (*model.Coverage, error) {
	start := time.Now()
	defer metrics.ObserveSince("buy_coverage", start)

	if req.Buyer == "" {
		return nil, fmt.Errorf("%w: buyer is required", ErrInvalidRequest)
	}
	if !wholeUnits(req.Notional) {
		return nil, fmt.Errorf("%w: notional %s", ErrInvalidAmount, req.Notional)
	}
	if err := pricing.ValidateStrike(req.Strike); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock.Now()
	var cov *model.Coverage
	var undo undoLog

	err := e.store.WithTx(ctx, func(tx store.Store) error {
		pool, err := tx.GetPool(ctx, req.PoolID)
		if err != nil {
			return err
		}
		if pool.Paused {
			return ErrPoolPaused
		}

		existing, err := tx.ActiveNotionalByOwner(ctx, pool.ID, req.Buyer)
		if err != nil {
			return err
		}
		if err := e.limiter.CheckBuyerExposure(existing, req.Notional); err != nil {
			metrics.CapacityRejections.WithLabelValues("buyer_limit").Inc()
			return err
		}

		// Re-check liquidity now; never trust an earlier quote.
		positions, err := tx.ListPositions(ctx, pool.ID)
		if err != nil {
			return err
		}
		free := freeLiquidity(positions, now)
		if free.LessThan(req.Notional) {
			metrics.CapacityRejections.WithLabelValues("liquidity").Inc()
			return fmt.Errorf("%w: %s requested, %s free", ErrInsufficientLiquidity, req.Notional, free)
		}
		var backing *model.Position
		for i := range positions {
			if backs(&positions[i], now) && positions[i].FreeAmount.GreaterThanOrEqual(req.Notional) {
				backing = &positions[i]
				break
			}
		}
		if backing == nil {
			metrics.CapacityRejections.WithLabelValues("liquidity").Inc()
			return fmt.Errorf("%w: no single position can back %s", ErrInsufficientLiquidity, req.Notional)
		}

		premium, err := e.pricing.Quote(pool.PremiumRate, req.Notional, req.Strike)
		if err != nil {
			return err
		}
		reference, err := e.oracle.CurrentPrice(ctx, pool.Oracle)
		if err != nil {
			return fmt.Errorf("%w: price for %s: %v", ErrOracleUnavailable, pool.Oracle, err)
		}

		expires := now.Add(pool.CoverageWindow)
		if backing.ExpiresAt.Before(expires) {
			expires = backing.ExpiresAt
		}

		id, err := tx.NextID(ctx, store.SeqCoverage)
		if err != nil {
			return err
		}
		cov = &model.Coverage{
			ID:             id,
			PoolID:         pool.ID,
			PositionID:     backing.ID,
			Owner:          req.Buyer,
			Notional:       req.Notional,
			Strike:         req.Strike,
			PremiumRate:    pool.PremiumRate,
			PremiumPaid:    premium,
			ReferencePrice: reference,
			TriggerPrice:   pricing.TriggerPrice(reference, req.Strike),
			PurchasedAt:    now,
			ExpiresAt:      expires,
			State:          model.CoverageActive,
		}

		backing.FreeAmount = backing.FreeAmount.Sub(req.Notional)
		backing.Premiums = backing.Premiums.Add(premium)
		backing.OpenCoverages++
		pool.TotalCoverage = pool.TotalCoverage.Add(req.Notional)
		if pool.TotalCoverage.GreaterThan(pool.TotalLiquidity) {
			return fmt.Errorf("%w: coverage %s exceeds liquidity %s", ErrInvariantViolation, pool.TotalCoverage, pool.TotalLiquidity)
		}

		if err := tx.CreateCoverage(ctx, cov); err != nil {
			return err
		}
		if err := tx.UpdatePosition(ctx, backing); err != nil {
			return err
		}
		if err := tx.UpdatePool(ctx, pool); err != nil {
			return err
		}

		if err := e.pull(ctx, &undo, VaultAccount(pool.ID), req.Buyer, premium); err != nil {
			return fmt.Errorf("collect premium: %w", err)
		}
		return e.mint(ctx, &undo, token.CollectionCoverage, id, req.Buyer)
	})
	if err != nil {
		undo.rollback(e.logger)
		return nil, err
	}

	e.logger.Info("coverage purchased",
		"coverage_id", cov.ID,
		"pool_id", cov.PoolID,
		"position_id", cov.PositionID,
		"buyer", cov.Owner,
		"notional", cov.Notional.String(),
		"strike", cov.Strike,
		"premium", cov.PremiumPaid.String(),
		"trigger_price", cov.TriggerPrice.String(),
		"expires_at", cov.ExpiresAt,
	)
	metrics.CoveragesPurchased.WithLabelValues(cov.PoolID).Inc()
	metrics.PremiumsCollected.WithLabelValues(cov.PoolID).Add(cov.PremiumPaid.InexactFloat64())
	e.publish(ctx, events.New(events.CoveragePurchased, cov.PoolID, cov.ID, cov, now))
	return cov, nil
}

// ResolveClaim pays a claimed coverage's notional to the holder of its
// token, exactly once, and burns the token.
func (e *Engine) ResolveClaim(ctx context.Context, actor string, coverageID uint64) (*model.Coverage, error) {
	start := time.Now()
	defer metrics.ObserveSince("resolve_claim", start)

	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock.Now()
	var cov *model.Coverage
	var undo undoLog

	err := e.store.WithTx(ctx, func(tx store.Store) error {
		var err error
		cov, err = tx.GetCoverage(ctx, coverageID)
		if err != nil {
			return err
		}
		if cov.State != model.CoverageClaimed {
			return fmt.Errorf("%w: coverage %d is %s", ErrNotClaimed, coverageID, cov.State)
		}
		if cov.Paid {
			return fmt.Errorf("%w: coverage %d", ErrAlreadyPaid, coverageID)
		}
		if err := e.requireOwner(ctx, token.CollectionCoverage, coverageID, actor); err != nil {
			return err
		}

		cov.Paid = true
		cov.PaidAt = &now
		if err := tx.UpdateCoverage(ctx, cov); err != nil {
			return err
		}

		if err := e.transfer(ctx, &undo, VaultAccount(cov.PoolID), actor, cov.Notional); err != nil {
			return fmt.Errorf("pay claim: %w", err)
		}
		return e.burn(ctx, &undo, token.CollectionCoverage, coverageID)
	})
	if err != nil {
		undo.rollback(e.logger)
		return nil, err
	}

	e.logger.Info("claim paid",
		"coverage_id", cov.ID,
		"pool_id", cov.PoolID,
		"holder", actor,
		"amount", cov.Notional.String(),
	)
	metrics.ClaimsPaid.WithLabelValues(cov.PoolID).Inc()
	e.publish(ctx, events.New(events.ClaimPaid, cov.PoolID, cov.ID, cov, now))
	return cov, nil
}
