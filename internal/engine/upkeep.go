package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/blocksurance-dao/blocksurance-protocol/internal/events"
	"github.com/blocksurance-dao/blocksurance-protocol/internal/metrics"
	"github.com/blocksurance-dao/blocksurance-protocol/internal/model"
	"github.com/blocksurance-dao/blocksurance-protocol/internal/oracle"
	"github.com/blocksurance-dao/blocksurance-protocol/internal/pricing"
	"github.com/blocksurance-dao/blocksurance-protocol/internal/store"
	"github.com/blocksurance-dao/blocksurance-protocol/internal/token"
)

// ResolveResult summarizes one settlement call.
type ResolveResult struct {
	PoolID  string `json:"pool_id"`
	Scanned int    `json:"scanned"`
	Claimed int    `json:"claimed"`
	Expired int    `json:"expired"`
	Cursor  uint64 `json:"cursor"` // upkeep cursor after the call; 0 once the pool has been swept
}

// UpkeepStatus is the answer to CheckUpkeep.
type UpkeepStatus struct {
	PoolID   string `json:"pool_id"`
	Needed   bool   `json:"needed"`
	FirstDue uint64 `json:"first_due,omitempty"` // first due coverage found, 0 if none
}

type resolveMode struct {
	claims      bool
	expirations bool
}

var (
	modeClaims      = resolveMode{claims: true}
	modeExpirations = resolveMode{expirations: true}
	modeUpkeep      = resolveMode{claims: true, expirations: true}
)

// ResolveClaims moves every active coverage whose trigger has been crossed
// during its active window to Claimed. Coverages that have not triggered are
// left untouched. Work is committed one batch at a time.
func (e *Engine) ResolveClaims(ctx context.Context, poolID string) (*ResolveResult, error) {
	return e.resolveAll(ctx, poolID, modeClaims)
}

// ResolveExpirations moves every active coverage that reached its expiry
// without triggering to Expired, returning its notional to the backing
// position. Coverages not yet due are left untouched.
func (e *Engine) ResolveExpirations(ctx context.Context, poolID string) (*ResolveResult, error) {
	return e.resolveAll(ctx, poolID, modeExpirations)
}

func (e *Engine) resolveAll(ctx context.Context, poolID string, mode resolveMode) (*ResolveResult, error) {
	start := time.Now()
	defer metrics.ObserveSince("resolve", start)

	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock.Now()
	res := &ResolveResult{PoolID: poolID}
	var after uint64

	for {
		var page []model.Coverage
		var evts []events.Event
		var undo undoLog

		err := e.store.WithTx(ctx, func(tx store.Store) error {
			pool, err := tx.GetPool(ctx, poolID)
			if err != nil {
				return err
			}
			page, err = tx.ListActiveCoverages(ctx, poolID, after, e.params.UpkeepBatchSize)
			if err != nil {
				return err
			}
			s := e.newSettlement(tx, pool, now, &undo, res)
			if err := s.run(ctx, page, mode); err != nil {
				return err
			}
			evts = s.evts
			return s.flush(ctx)
		})
		if err != nil {
			undo.rollback(e.logger)
			return res, err
		}
		e.publish(ctx, evts...)

		if len(page) < e.params.UpkeepBatchSize {
			return res, nil
		}
		after = page[len(page)-1].ID
	}
}

// CheckUpkeep reports whether any active coverage in the pool is due:
// expired, or triggered by a price observed during its active window. It
// stops at the first due coverage and changes nothing.
func (e *Engine) CheckUpkeep(ctx context.Context, poolID string) (*UpkeepStatus, error) {
	pool, err := e.store.GetPool(ctx, poolID)
	if err != nil {
		return nil, err
	}

	now := e.clock.Now()
	status := &UpkeepStatus{PoolID: poolID}
	var after uint64
	for {
		page, err := e.store.ListActiveCoverages(ctx, poolID, after, e.params.UpkeepBatchSize)
		if err != nil {
			return nil, err
		}
		id, err := e.firstDue(ctx, pool, page, now)
		if err != nil {
			return nil, err
		}
		if id != 0 {
			status.Needed = true
			status.FirstDue = id
			return status, nil
		}
		if len(page) < e.params.UpkeepBatchSize {
			return status, nil
		}
		after = page[len(page)-1].ID
	}
}

// firstDue returns the id of the first due coverage in page, or 0. One
// window low over the whole page screens out coverages that cannot have
// triggered; candidates are confirmed against their own window.
func (e *Engine) firstDue(ctx context.Context, pool *model.Pool, page []model.Coverage, now time.Time) (uint64, error) {
	if len(page) == 0 {
		return 0, nil
	}
	from := page[0].PurchasedAt
	for i := range page {
		if !now.Before(page[i].ExpiresAt) {
			return page[i].ID, nil
		}
		if page[i].PurchasedAt.Before(from) {
			from = page[i].PurchasedAt
		}
	}

	low, err := e.oracle.LowestPrice(ctx, pool.Oracle, from, now)
	if errors.Is(err, oracle.ErrNoPrice) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("%w: history for %s: %v", ErrOracleUnavailable, pool.Oracle, err)
	}
	for i := range page {
		c := &page[i]
		if !pricing.Triggered(low, c.TriggerPrice) {
			continue
		}
		hit, err := e.triggered(ctx, pool, c, now)
		if err != nil {
			return 0, err
		}
		if hit {
			return c.ID, nil
		}
	}
	return 0, nil
}

// PerformUpkeep resolves one bounded batch of the pool's active coverages,
// claims first, then expirations, starting after the pool's persisted
// cursor. Repeated calls sweep the whole pool; a call past the last active
// coverage resets the cursor.
func (e *Engine) PerformUpkeep(ctx context.Context, poolID string) (*ResolveResult, error) {
	start := time.Now()
	defer metrics.ObserveSince("perform_upkeep", start)

	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock.Now()
	res := &ResolveResult{PoolID: poolID}
	var evts []events.Event
	var undo undoLog

	err := e.store.WithTx(ctx, func(tx store.Store) error {
		pool, err := tx.GetPool(ctx, poolID)
		if err != nil {
			return err
		}
		page, err := tx.ListActiveCoverages(ctx, poolID, pool.UpkeepCursor, e.params.UpkeepBatchSize)
		if err != nil {
			return err
		}

		s := e.newSettlement(tx, pool, now, &undo, res)
		if err := s.run(ctx, page, modeUpkeep); err != nil {
			return err
		}

		cursor := uint64(0)
		if len(page) == e.params.UpkeepBatchSize {
			cursor = page[len(page)-1].ID
		}
		if cursor != pool.UpkeepCursor {
			pool.UpkeepCursor = cursor
			s.poolDirty = true
		}
		res.Cursor = cursor
		evts = s.evts
		return s.flush(ctx)
	})
	if err != nil {
		undo.rollback(e.logger)
		return nil, err
	}

	metrics.UpkeepBatchSize.Observe(float64(res.Scanned))
	if res.Claimed+res.Expired > 0 {
		e.logger.Info("upkeep performed",
			"pool_id", poolID,
			"scanned", res.Scanned,
			"claimed", res.Claimed,
			"expired", res.Expired,
			"cursor", res.Cursor,
		)
	}
	e.publish(ctx, evts...)
	return res, nil
}

// settlement applies resolutions for one batch inside one transaction,
// caching the positions it touches so several coverages on the same
// position accumulate before a single write.
type settlement struct {
	e         *Engine
	tx        store.Store
	pool      *model.Pool
	poolDirty bool
	now       time.Time
	undo      *undoLog
	res       *ResolveResult
	positions map[uint64]*model.Position
	evts      []events.Event
}

func (e *Engine) newSettlement(tx store.Store, pool *model.Pool, now time.Time, undo *undoLog, res *ResolveResult) *settlement {
	return &settlement{
		e:         e,
		tx:        tx,
		pool:      pool,
		now:       now,
		undo:      undo,
		res:       res,
		positions: make(map[uint64]*model.Position),
	}
}

func (s *settlement) run(ctx context.Context, page []model.Coverage, mode resolveMode) error {
	for i := range page {
		s.res.Scanned++
		if err := s.resolve(ctx, &page[i], mode); err != nil {
			return err
		}
	}
	return nil
}

func (s *settlement) resolve(ctx context.Context, c *model.Coverage, mode resolveMode) error {
	if c.State.Terminal() {
		return nil
	}
	due := !s.now.Before(c.ExpiresAt)
	if !mode.claims && !due {
		return nil
	}

	triggered, err := s.e.triggered(ctx, s.pool, c, s.now)
	if err != nil {
		return err
	}
	switch {
	case triggered && mode.claims:
		return s.claim(ctx, c)
	case !triggered && due && mode.expirations:
		return s.expire(ctx, c)
	}
	return nil
}

// claim earmarks the coverage's allocation for the buyer: the backing
// position records it as a claim and does not get it back as free amount.
func (s *settlement) claim(ctx context.Context, c *model.Coverage) error {
	pos, err := s.position(ctx, c.PositionID)
	if err != nil {
		return err
	}
	c.State = model.CoverageClaimed
	resolvedAt := s.now
	c.ResolvedAt = &resolvedAt
	if err := s.tx.UpdateCoverage(ctx, c); err != nil {
		return err
	}

	pos.Claims = pos.Claims.Add(c.Notional)
	pos.OpenCoverages--
	s.release(c)
	s.res.Claimed++
	metrics.CoverageResolutions.WithLabelValues(c.PoolID, "claimed").Inc()
	s.evts = append(s.evts, events.New(events.CoverageClaimed, c.PoolID, c.ID, *c, s.now))
	return nil
}

// expire returns the coverage's notional to the backing position's free
// amount and burns the coverage token.
func (s *settlement) expire(ctx context.Context, c *model.Coverage) error {
	pos, err := s.position(ctx, c.PositionID)
	if err != nil {
		return err
	}
	c.State = model.CoverageExpired
	resolvedAt := s.now
	c.ResolvedAt = &resolvedAt
	if err := s.tx.UpdateCoverage(ctx, c); err != nil {
		return err
	}

	pos.FreeAmount = pos.FreeAmount.Add(c.Notional)
	pos.OpenCoverages--
	s.release(c)
	if err := s.e.burn(ctx, s.undo, token.CollectionCoverage, c.ID); err != nil {
		return fmt.Errorf("burn coverage %d: %w", c.ID, err)
	}
	s.res.Expired++
	metrics.CoverageResolutions.WithLabelValues(c.PoolID, "expired").Inc()
	s.evts = append(s.evts, events.New(events.CoverageExpired, c.PoolID, c.ID, *c, s.now))
	return nil
}

func (s *settlement) release(c *model.Coverage) {
	s.pool.TotalCoverage = s.pool.TotalCoverage.Sub(c.Notional)
	s.poolDirty = true
}

func (s *settlement) position(ctx context.Context, id uint64) (*model.Position, error) {
	if p, ok := s.positions[id]; ok {
		return p, nil
	}
	p, err := s.tx.GetPosition(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("backing position %d: %w", id, err)
	}
	s.positions[id] = p
	return p, nil
}

func (s *settlement) flush(ctx context.Context) error {
	for _, p := range s.positions {
		if err := s.tx.UpdatePosition(ctx, p); err != nil {
			return err
		}
	}
	if s.poolDirty {
		return s.tx.UpdatePool(ctx, s.pool)
	}
	return nil
}

// triggered reports whether the lowest oracle price during the coverage's
// active window reached its trigger price.
func (e *Engine) triggered(ctx context.Context, pool *model.Pool, c *model.Coverage, now time.Time) (bool, error) {
	to := now
	if c.ExpiresAt.Before(to) {
		to = c.ExpiresAt
	}
	low, err := e.oracle.LowestPrice(ctx, pool.Oracle, c.PurchasedAt, to)
	if errors.Is(err, oracle.ErrNoPrice) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: history for %s: %v", ErrOracleUnavailable, pool.Oracle, err)
	}
	return pricing.Triggered(low, c.TriggerPrice), nil
}
