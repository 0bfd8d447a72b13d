package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/blocksurance-dao/blocksurance-protocol/internal/auth"
	"github.com/blocksurance-dao/blocksurance-protocol/internal/events"
	"github.com/blocksurance-dao/blocksurance-protocol/internal/metrics"
	"github.com/blocksurance-dao/blocksurance-protocol/internal/model"
	"github.com/blocksurance-dao/blocksurance-protocol/internal/store"
	"github.com/blocksurance-dao/blocksurance-protocol/internal/token"
)

// ProcessResult summarizes one ProcessQueue call.
type ProcessResult struct {
	Processed int             `json:"processed"`
	Skipped   int             `json:"skipped"`
	Failed    int             `json:"failed"`
	Paid      decimal.Decimal `json:"paid"`
	Cursor    uint64          `json:"cursor"` // queue cursor after the call; 0 once the tail was reached
}

// queueCursor names the persisted liquidation queue cursor.
const queueCursor = "liquidation_queue"

// LiquidatePosition stages the payout of a position that no longer backs any
// active coverage. The amount due is fixed now:
//
//	capital + premiums - claims + yield
//
// where yield accrues on principal for the whole days elapsed, capped at the
// position's duration. Requires the liquidator role.
func (e *Engine) LiquidatePosition(ctx context.Context, actor string, positionID uint64) (*model.LiquidationEntry, error) {
	start := time.Now()
	defer metrics.ObserveSince("liquidate_position", start)

	if err := auth.Require(ctx, e.auth, actor, auth.RoleLiquidator); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock.Now()
	var entry *model.LiquidationEntry

	err := e.store.WithTx(ctx, func(tx store.Store) error {
		pos, err := tx.GetPosition(ctx, positionID)
		if err != nil {
			return err
		}

		existing, err := tx.GetLiquidationByPosition(ctx, positionID)
		switch {
		case err == nil && existing.Processed:
			return fmt.Errorf("%w: position %d", ErrAlreadyLiquidated, positionID)
		case err == nil:
			return fmt.Errorf("%w: position %d", ErrAlreadyQueued, positionID)
		case !errors.Is(err, store.ErrNotFound):
			return err
		}
		if pos.State != model.PositionOpen {
			return fmt.Errorf("%w: position %d is %s", ErrAlreadyQueued, positionID, pos.State)
		}
		if pos.OpenCoverages > 0 {
			return fmt.Errorf("%w: position %d backs %d active coverages", ErrCoverageOutstanding, positionID, pos.OpenCoverages)
		}

		days := int(now.Sub(pos.OpenedAt) / day)
		if days > pos.DurationDays {
			days = pos.DurationDays
		}
		yield := AccruedYield(pos.Principal, e.params.CollateralizationLevel, e.params.YieldRate, days)

		id, err := tx.NextID(ctx, store.SeqLiquidation)
		if err != nil {
			return err
		}
		entry = &model.LiquidationEntry{
			ID:         id,
			PositionID: pos.ID,
			PoolID:     pos.PoolID,
			Owner:      pos.Owner,
			Capital:    pos.Capital,
			Premiums:   pos.Premiums,
			Claims:     pos.Claims,
			Yield:      yield,
			EnqueuedAt: now,
		}
		entry.AmountDue = entry.VaultAmount().Add(yield)

		pos.State = model.PositionLiquidationEnqueued
		if err := tx.CreateLiquidation(ctx, entry); err != nil {
			return err
		}
		return tx.UpdatePosition(ctx, pos)
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("liquidation enqueued",
		"liquidation_id", entry.ID,
		"position_id", entry.PositionID,
		"pool_id", entry.PoolID,
		"amount_due", entry.AmountDue.String(),
		"yield", entry.Yield.String(),
	)
	metrics.LiquidationsEnqueued.Inc()
	e.publish(ctx, events.New(events.LiquidationEnqueued, entry.PoolID, entry.PositionID, entry, now))
	return entry, nil
}

// ProcessQueue pays up to QueueBatchSize pending liquidation entries in
// enqueue order, starting after the persisted queue cursor and wrapping to
// the head once the tail is reached. Each entry commits on its own: an entry
// that cannot be paid stays pending and the next call moves past it. The payout goes to
// whoever holds the position token at processing time. Requires the
// liquidator role.
func (e *Engine) ProcessQueue(ctx context.Context, actor string) (*ProcessResult, error) {
	start := time.Now()
	defer metrics.ObserveSince("process_queue", start)

	if err := auth.Require(ctx, e.auth, actor, auth.RoleLiquidator); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	cursor, err := e.store.GetCursor(ctx, queueCursor)
	if err != nil {
		return nil, err
	}
	pending, err := e.store.ListPendingLiquidations(ctx, cursor, e.params.QueueBatchSize)
	if err != nil {
		return nil, err
	}
	if len(pending) == 0 && cursor > 0 {
		pending, err = e.store.ListPendingLiquidations(ctx, 0, e.params.QueueBatchSize)
		if err != nil {
			return nil, err
		}
	}

	res := &ProcessResult{Paid: decimal.Zero}
	if len(pending) == e.params.QueueBatchSize {
		res.Cursor = pending[len(pending)-1].ID
	}
	defer func() {
		if res.Cursor == cursor {
			return
		}
		if err := e.store.SetCursor(ctx, queueCursor, res.Cursor); err != nil {
			e.logger.Warn("save liquidation queue cursor", "cursor", res.Cursor, "error", err)
		}
	}()
	var errs []error
	for i := range pending {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		paid, err := e.processEntry(ctx, pending[i].PositionID)
		switch {
		case err != nil:
			res.Failed++
			metrics.LiquidationsProcessed.WithLabelValues("failed").Inc()
			e.logger.Warn("liquidation failed",
				"liquidation_id", pending[i].ID,
				"position_id", pending[i].PositionID,
				"error", err,
			)
			errs = append(errs, fmt.Errorf("liquidation %d: %w", pending[i].ID, err))
		case paid == nil:
			res.Skipped++
		default:
			res.Processed++
			res.Paid = res.Paid.Add(paid.AmountDue)
			metrics.LiquidationsProcessed.WithLabelValues("paid").Inc()
		}
	}
	return res, errors.Join(errs...)
}

// processEntry pays one entry. It returns nil without error when the entry
// was already processed.
func (e *Engine) processEntry(ctx context.Context, positionID uint64) (*model.LiquidationEntry, error) {
	now := e.clock.Now()
	var entry *model.LiquidationEntry
	var recipient string
	var undo undoLog

	err := e.store.WithTx(ctx, func(tx store.Store) error {
		var err error
		entry, err = tx.GetLiquidationByPosition(ctx, positionID)
		if err != nil {
			return err
		}
		if entry.Processed {
			entry = nil
			return nil
		}
		pos, err := tx.GetPosition(ctx, positionID)
		if err != nil {
			return err
		}
		recipient, err = e.tokens.OwnerOf(ctx, token.CollectionPosition, positionID)
		if err != nil {
			return err
		}

		vault := VaultAccount(entry.PoolID)
		vaultAmount := entry.VaultAmount()
		balance, err := e.assets.BalanceOf(ctx, vault)
		if err != nil {
			return err
		}
		if balance.LessThan(vaultAmount) {
			return fmt.Errorf("%w: vault %s holds %s, owes %s", ErrReserveShortfall, vault, balance, vaultAmount)
		}
		available, err := e.yield.Available(ctx)
		if err != nil {
			return err
		}
		if available.LessThan(entry.Yield) {
			return fmt.Errorf("%w: yield reserve holds %s, owes %s", ErrReserveShortfall, available, entry.Yield)
		}

		processedAt := now
		entry.Processed = true
		entry.ProcessedAt = &processedAt
		pos.State = model.PositionLiquidationProcessed
		if err := tx.UpdateLiquidation(ctx, entry); err != nil {
			return err
		}
		if err := tx.UpdatePosition(ctx, pos); err != nil {
			return err
		}

		if err := e.transfer(ctx, &undo, vault, recipient, vaultAmount); err != nil {
			return fmt.Errorf("pay liquidation: %w", err)
		}
		return e.fundYield(ctx, &undo, recipient, entry.Yield)
	})
	if err != nil {
		undo.rollback(e.logger)
		return nil, err
	}
	if entry == nil {
		return nil, nil
	}

	e.logger.Info("liquidation processed",
		"liquidation_id", entry.ID,
		"position_id", entry.PositionID,
		"pool_id", entry.PoolID,
		"recipient", recipient,
		"amount", entry.AmountDue.String(),
	)
	e.publish(ctx, events.New(events.LiquidationProcessed, entry.PoolID, entry.PositionID, entry, now))
	return entry, nil
}

func (e *Engine) fundYield(ctx context.Context, undo *undoLog, to string, amount decimal.Decimal) error {
	if amount.IsZero() {
		return nil
	}
	if err := e.yield.Fund(ctx, to, amount); err != nil {
		return fmt.Errorf("fund yield: %w", err)
	}
	undo.push(fmt.Sprintf("reclaim yield %s from %s", amount, to), func(ctx context.Context) error {
		return e.yield.Reclaim(ctx, to, amount)
	})
	return nil
}
