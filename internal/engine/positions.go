package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/blocksurance-dao/blocksurance-protocol/internal/events"
	"github.com/blocksurance-dao/blocksurance-protocol/internal/metrics"
	"github.com/blocksurance-dao/blocksurance-protocol/internal/model"
	"github.com/blocksurance-dao/blocksurance-protocol/internal/store"
	"github.com/blocksurance-dao/blocksurance-protocol/internal/token"
)

// CreatePositionRequest opens an LP position. Owner must have approved the
// pool vault for Principal.
type CreatePositionRequest struct {
	PoolID       string
	Owner        string
	Principal    decimal.Decimal
	DurationDays int
	Referrer     string
}

// CreatePosition locks principal into a pool for DurationDays. The deposit
// fee goes to the treasury, less the referral share paid to the referrer;
// the rest becomes the position's free amount.
func (e *Engine) CreatePosition(ctx context.Context, req CreatePositionRequest) (*model.Position, error) {
	start := time.Now()
	defer metrics.ObserveSince("create_position", start)

	if req.Owner == "" {
		return nil, fmt.Errorf("%w: owner is required", ErrInvalidRequest)
	}
	if !wholeUnits(req.Principal) {
		return nil, fmt.Errorf("%w: principal %s", ErrInvalidAmount, req.Principal)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock.Now()
	var pos *model.Position
	var undo undoLog

	err := e.store.WithTx(ctx, func(tx store.Store) error {
		pool, err := tx.GetPool(ctx, req.PoolID)
		if err != nil {
			return err
		}
		if pool.Paused {
			return ErrPoolPaused
		}
		if req.DurationDays <= 0 || req.DurationDays < pool.MinPositionDurationDays {
			return fmt.Errorf("%w: %d days, minimum %d", ErrInvalidDuration, req.DurationDays, pool.MinPositionDurationDays)
		}
		if err := e.limiter.CheckPoolSize(pool.TotalLiquidity, req.Principal, pool.MaxPoolSize); err != nil {
			metrics.CapacityRejections.WithLabelValues("pool_full").Inc()
			return fmt.Errorf("%w: liquidity %s + %s exceeds %s", err, pool.TotalLiquidity, req.Principal, pool.MaxPoolSize)
		}

		fee := req.Principal.Mul(e.params.DepositFee).Floor()
		referral := decimal.Zero
		if req.Referrer != "" && req.Referrer != req.Owner {
			referral = decimal.Min(req.Principal.Mul(e.params.ReferralFee).Floor(), fee)
		}
		capital := req.Principal.Sub(fee)

		id, err := tx.NextID(ctx, store.SeqPosition)
		if err != nil {
			return err
		}
		pos = &model.Position{
			ID:           id,
			PoolID:       pool.ID,
			Owner:        req.Owner,
			Referrer:     req.Referrer,
			Principal:    req.Principal,
			Capital:      capital,
			FreeAmount:   capital,
			Premiums:     decimal.Zero,
			Claims:       decimal.Zero,
			DurationDays: req.DurationDays,
			OpenedAt:     now,
			ExpiresAt:    now.Add(time.Duration(req.DurationDays) * day),
			State:        model.PositionOpen,
		}
		pool.TotalLiquidity = pool.TotalLiquidity.Add(req.Principal)
		pool.PositionCount++

		if err := tx.CreatePosition(ctx, pos); err != nil {
			return err
		}
		if err := tx.UpdatePool(ctx, pool); err != nil {
			return err
		}

		vault := VaultAccount(pool.ID)
		if err := e.pull(ctx, &undo, vault, req.Owner, req.Principal); err != nil {
			return fmt.Errorf("collect principal: %w", err)
		}
		if err := e.transfer(ctx, &undo, vault, e.params.TreasuryAccount, fee.Sub(referral)); err != nil {
			return fmt.Errorf("pay deposit fee: %w", err)
		}
		if err := e.transfer(ctx, &undo, vault, req.Referrer, referral); err != nil {
			return fmt.Errorf("pay referral: %w", err)
		}
		return e.mint(ctx, &undo, token.CollectionPosition, id, req.Owner)
	})
	if err != nil {
		undo.rollback(e.logger)
		return nil, err
	}

	e.logger.Info("position created",
		"position_id", pos.ID,
		"pool_id", pos.PoolID,
		"owner", pos.Owner,
		"principal", pos.Principal.String(),
		"free_amount", pos.FreeAmount.String(),
		"duration_days", pos.DurationDays,
		"expires_at", pos.ExpiresAt,
	)
	metrics.PositionsCreated.WithLabelValues(pos.PoolID).Inc()
	e.publish(ctx, events.New(events.PositionCreated, pos.PoolID, pos.ID, pos, now))
	return pos, nil
}

// RemovePosition destroys a position whose liquidation has been processed.
// The payout already moved when the queue entry was processed; removal burns
// the position token and releases the pool's liquidity accounting.
// actor must own the position token.
func (e *Engine) RemovePosition(ctx context.Context, actor string, positionID uint64) (*model.LiquidationEntry, error) {
	start := time.Now()
	defer metrics.ObserveSince("remove_position", start)

	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock.Now()
	var pos *model.Position
	var entry *model.LiquidationEntry
	var undo undoLog

	err := e.store.WithTx(ctx, func(tx store.Store) error {
		var err error
		pos, err = tx.GetPosition(ctx, positionID)
		if err != nil {
			return err
		}
		if err := e.requireOwner(ctx, token.CollectionPosition, positionID, actor); err != nil {
			return err
		}

		entry, err = tx.GetLiquidationByPosition(ctx, positionID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		if entry == nil || !entry.Processed {
			if pos.ActiveAt(now) {
				return fmt.Errorf("%w: position %d expires at %s", ErrPositionActive, positionID, pos.ExpiresAt.Format(time.RFC3339))
			}
			return fmt.Errorf("%w: position %d", ErrNotLiquidated, positionID)
		}

		pool, err := tx.GetPool(ctx, pos.PoolID)
		if err != nil {
			return err
		}
		pool.TotalLiquidity = pool.TotalLiquidity.Sub(pos.Principal)
		pool.PositionCount--

		if err := tx.DeletePosition(ctx, positionID); err != nil {
			return err
		}
		if err := tx.UpdatePool(ctx, pool); err != nil {
			return err
		}
		return e.burn(ctx, &undo, token.CollectionPosition, positionID)
	})
	if err != nil {
		undo.rollback(e.logger)
		return nil, err
	}

	e.logger.Info("position removed",
		"position_id", positionID,
		"pool_id", pos.PoolID,
		"owner", actor,
		"amount_paid", entry.AmountDue.String(),
	)
	metrics.PositionsRemoved.WithLabelValues(pos.PoolID).Inc()
	e.publish(ctx, events.New(events.PositionRemoved, pos.PoolID, positionID, entry, now))
	return entry, nil
}
