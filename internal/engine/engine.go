// Package engine is the coverage market core: the position ledger, the
// coverage ledger, the settlement batcher and the collateral liquidator.
//
// Every mutating operation is serialized by one mutex and commits
// all-or-nothing through store.WithTx. Movements on the asset ledger and token
// registry happen inside the transaction closure after the store writes and
// are compensated if anything later fails, so a failed call leaves no trace.
//
// All monetary values use shopspring/decimal in whole base units.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/blocksurance-dao/blocksurance-protocol/internal/asset"
	"github.com/blocksurance-dao/blocksurance-protocol/internal/auth"
	"github.com/blocksurance-dao/blocksurance-protocol/internal/events"
	"github.com/blocksurance-dao/blocksurance-protocol/internal/limits"
	"github.com/blocksurance-dao/blocksurance-protocol/internal/model"
	"github.com/blocksurance-dao/blocksurance-protocol/internal/oracle"
	"github.com/blocksurance-dao/blocksurance-protocol/internal/pricing"
	"github.com/blocksurance-dao/blocksurance-protocol/internal/store"
	"github.com/blocksurance-dao/blocksurance-protocol/internal/token"
)

const day = 24 * time.Hour

// Clock supplies the ledger's notion of now.
type Clock interface {
	Now() time.Time
}

// SystemClock is the wall clock in UTC.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// ManualClock is a settable clock for tests and simulations.
type ManualClock struct {
	mu sync.Mutex
	t  time.Time
}

// NewManualClock creates a clock frozen at t.
func NewManualClock(t time.Time) *ManualClock {
	return &ManualClock{t: t}
}

func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

// Advance moves the clock forward by d.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// AdvanceDays moves the clock forward by n days.
func (c *ManualClock) AdvanceDays(n int) {
	c.Advance(time.Duration(n) * day)
}

// Params are the economic parameters of the ledger.
type Params struct {
	DepositFee             decimal.Decimal // fraction of principal kept on deposit
	ReferralFee            decimal.Decimal // fraction of principal paid to the referrer, out of the deposit fee
	CollateralizationLevel decimal.Decimal // fraction of principal that earns yield
	YieldRate              decimal.Decimal // annualized
	UpkeepBatchSize        int             // coverages scanned per performUpkeep call
	QueueBatchSize         int             // entries paid per processQueue call
	TreasuryAccount        string
}

// DefaultParams returns the production defaults.
func DefaultParams() Params {
	return Params{
		DepositFee:             decimal.NewFromFloat(0.01),
		ReferralFee:            decimal.NewFromFloat(0.005),
		CollateralizationLevel: decimal.NewFromFloat(0.94),
		YieldRate:              decimal.NewFromFloat(0.04),
		UpkeepBatchSize:        50,
		QueueBatchSize:         50,
		TreasuryAccount:        "treasury",
	}
}

// Validate checks parameter ranges.
func (p Params) Validate() error {
	one := decimal.NewFromInt(1)
	switch {
	case p.DepositFee.IsNegative() || p.DepositFee.GreaterThanOrEqual(one):
		return fmt.Errorf("deposit fee %s out of [0, 1)", p.DepositFee)
	case p.ReferralFee.IsNegative() || p.ReferralFee.GreaterThan(p.DepositFee):
		return fmt.Errorf("referral fee %s out of [0, deposit fee]", p.ReferralFee)
	case p.CollateralizationLevel.IsNegative() || p.CollateralizationLevel.GreaterThan(one):
		return fmt.Errorf("collateralization level %s out of [0, 1]", p.CollateralizationLevel)
	case p.YieldRate.IsNegative():
		return fmt.Errorf("yield rate %s is negative", p.YieldRate)
	case p.UpkeepBatchSize <= 0:
		return fmt.Errorf("upkeep batch size must be positive, got %d", p.UpkeepBatchSize)
	case p.QueueBatchSize <= 0:
		return fmt.Errorf("queue batch size must be positive, got %d", p.QueueBatchSize)
	case p.TreasuryAccount == "":
		return errors.New("treasury account is required")
	}
	return nil
}

// Deps are the engine's collaborators. Store, Oracle, Assets, Tokens and
// Auth are required; the rest have defaults.
type Deps struct {
	Store     store.Store
	Oracle    oracle.Oracle
	Assets    asset.Ledger
	Tokens    token.Registry
	Auth      auth.Authorizer
	Yield     YieldSource      // default: ReserveYield on account "reserve"
	Publisher events.Publisher // default: events.Nop
	Limiter   *limits.Limiter  // default: no per-buyer cap
	Pricing   *pricing.Engine
	Clock     Clock // default: SystemClock
	Logger    *slog.Logger
}

// Engine runs the coverage ledger.
type Engine struct {
	store     store.Store
	oracle    oracle.Oracle
	assets    asset.Ledger
	tokens    token.Registry
	auth      auth.Authorizer
	yield     YieldSource
	publisher events.Publisher
	limiter   *limits.Limiter
	pricing   *pricing.Engine
	clock     Clock
	logger    *slog.Logger
	params    Params

	// mu serializes every mutating operation: the ledger is a single
	// sequential state machine.
	mu sync.Mutex
}

// New wires an engine.
func New(deps Deps, params Params) (*Engine, error) {
	if deps.Store == nil || deps.Oracle == nil || deps.Assets == nil || deps.Tokens == nil || deps.Auth == nil {
		return nil, errors.New("engine: store, oracle, assets, tokens and auth are required")
	}
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	e := &Engine{
		store:     deps.Store,
		oracle:    deps.Oracle,
		assets:    deps.Assets,
		tokens:    deps.Tokens,
		auth:      deps.Auth,
		yield:     deps.Yield,
		publisher: deps.Publisher,
		limiter:   deps.Limiter,
		pricing:   deps.Pricing,
		clock:     deps.Clock,
		logger:    deps.Logger,
		params:    params,
	}
	if e.yield == nil {
		e.yield = NewReserveYield(deps.Assets, "reserve")
	}
	if e.publisher == nil {
		e.publisher = events.Nop{}
	}
	if e.limiter == nil {
		e.limiter = limits.NewLimiter(decimal.Zero)
	}
	if e.pricing == nil {
		e.pricing = pricing.NewEngine()
	}
	if e.clock == nil {
		e.clock = SystemClock{}
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	return e, nil
}

// Params returns the engine's economic parameters.
func (e *Engine) Params() Params { return e.params }

// Now returns the ledger's current time.
func (e *Engine) Now() time.Time { return e.clock.Now() }

// Headroom returns how much more principal the pool accepts, or -1 when it
// is uncapped.
func (e *Engine) Headroom(pool *model.Pool) decimal.Decimal {
	return e.limiter.Headroom(pool.TotalLiquidity, pool.MaxPoolSize)
}

// VaultAccount is the asset-ledger account holding a pool's principal and
// premiums. It is also the spender that pulls deposits and premiums.
func VaultAccount(poolID string) string { return "pool:" + poolID }

// --- Queries ---

// GetPool returns a pool by id.
func (e *Engine) GetPool(ctx context.Context, poolID string) (*model.Pool, error) {
	return e.store.GetPool(ctx, poolID)
}

// ListPools returns every pool.
func (e *Engine) ListPools(ctx context.Context) ([]model.Pool, error) {
	return e.store.ListPools(ctx)
}

// GetPosition returns a live position by id.
func (e *Engine) GetPosition(ctx context.Context, id uint64) (*model.Position, error) {
	return e.store.GetPosition(ctx, id)
}

// ListPositions returns a pool's live positions in id order.
func (e *Engine) ListPositions(ctx context.Context, poolID string) ([]model.Position, error) {
	return e.store.ListPositions(ctx, poolID)
}

// GetCoverage returns a coverage by id.
func (e *Engine) GetCoverage(ctx context.Context, id uint64) (*model.Coverage, error) {
	return e.store.GetCoverage(ctx, id)
}

// GetLiquidation returns the latest liquidation entry of a position.
func (e *Engine) GetLiquidation(ctx context.Context, positionID uint64) (*model.LiquidationEntry, error) {
	return e.store.GetLiquidationByPosition(ctx, positionID)
}

// Quote prices notional coverage at strike against the pool's current rate.
func (e *Engine) Quote(ctx context.Context, poolID string, notional decimal.Decimal, strike int) (decimal.Decimal, error) {
	pool, err := e.store.GetPool(ctx, poolID)
	if err != nil {
		return decimal.Zero, err
	}
	return e.pricing.Quote(pool.PremiumRate, notional, strike)
}

// FreeLiquidity returns the liquidity available for new coverage as of at:
// the free amount of open positions that are still locked at that instant.
func (e *Engine) FreeLiquidity(ctx context.Context, poolID string, at time.Time) (decimal.Decimal, error) {
	if _, err := e.store.GetPool(ctx, poolID); err != nil {
		return decimal.Zero, err
	}
	positions, err := e.store.ListPositions(ctx, poolID)
	if err != nil {
		return decimal.Zero, err
	}
	return freeLiquidity(positions, at), nil
}

func freeLiquidity(positions []model.Position, at time.Time) decimal.Decimal {
	total := decimal.Zero
	for i := range positions {
		if backs(&positions[i], at) {
			total = total.Add(positions[i].FreeAmount)
		}
	}
	return total
}

// backs reports whether a position can allocate new coverage at t.
func backs(p *model.Position, t time.Time) bool {
	return p.State == model.PositionOpen && p.ActiveAt(t)
}

// --- Administration ---

// SetPremium changes a pool's premium rate. Existing coverages keep the rate
// they were sold at. Requires the risk manager role.
func (e *Engine) SetPremium(ctx context.Context, actor, poolID string, rate decimal.Decimal) (*model.Pool, error) {
	if err := auth.Require(ctx, e.auth, actor, auth.RoleRiskManager); err != nil {
		return nil, err
	}
	if rate.IsNegative() {
		return nil, ErrInvalidRate
	}
	return e.updatePool(ctx, poolID, events.PremiumSet, func(p *model.Pool) {
		p.PremiumRate = rate
	})
}

// PausePool blocks new positions and coverage. Resolution, liquidation and
// removal continue. Requires the risk manager role.
func (e *Engine) PausePool(ctx context.Context, actor, poolID string) (*model.Pool, error) {
	if err := auth.Require(ctx, e.auth, actor, auth.RoleRiskManager); err != nil {
		return nil, err
	}
	return e.updatePool(ctx, poolID, events.PoolPaused, func(p *model.Pool) {
		p.Paused = true
	})
}

// UnpausePool lifts a pause. Requires the risk manager role.
func (e *Engine) UnpausePool(ctx context.Context, actor, poolID string) (*model.Pool, error) {
	if err := auth.Require(ctx, e.auth, actor, auth.RoleRiskManager); err != nil {
		return nil, err
	}
	return e.updatePool(ctx, poolID, events.PoolUnpaused, func(p *model.Pool) {
		p.Paused = false
	})
}

func (e *Engine) updatePool(ctx context.Context, poolID string, evt events.Type, mutate func(*model.Pool)) (*model.Pool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var pool *model.Pool
	err := e.store.WithTx(ctx, func(tx store.Store) error {
		p, err := tx.GetPool(ctx, poolID)
		if err != nil {
			return err
		}
		mutate(p)
		pool = p
		return tx.UpdatePool(ctx, p)
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("pool updated",
		"pool_id", pool.ID,
		"event", string(evt),
		"premium_rate", pool.PremiumRate.String(),
		"paused", pool.Paused,
	)
	e.publish(ctx, events.New(evt, pool.ID, 0, pool, e.clock.Now()))
	return pool, nil
}

// --- Helpers ---

// publish delivers committed events. Delivery failures are logged; the
// ledger transition has already happened.
func (e *Engine) publish(ctx context.Context, evts ...events.Event) {
	for _, evt := range evts {
		if err := e.publisher.Publish(ctx, evt); err != nil {
			e.logger.Warn("event publish failed", "event", string(evt.Type), "pool_id", evt.PoolID, "error", err)
		}
	}
}

// wholeUnits reports whether v is a positive integer amount of base units.
func wholeUnits(v decimal.Decimal) bool {
	return v.IsPositive() && v.Equal(v.Truncate(0))
}

// undoLog records compensations for external side effects performed inside a
// transaction closure. If the transaction does not commit they are replayed
// in reverse order.
type undoLog struct {
	steps []undoStep
}

type undoStep struct {
	what string
	fn   func(ctx context.Context) error
}

func (u *undoLog) push(what string, fn func(ctx context.Context) error) {
	u.steps = append(u.steps, undoStep{what: what, fn: fn})
}

func (u *undoLog) rollback(logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for i := len(u.steps) - 1; i >= 0; i-- {
		if err := u.steps[i].fn(ctx); err != nil {
			logger.Error("compensation failed", "step", u.steps[i].what, "error", err)
		}
	}
	u.steps = nil
}

// transfer moves amount on the asset ledger and records its reversal.
func (e *Engine) transfer(ctx context.Context, undo *undoLog, from, to string, amount decimal.Decimal) error {
	if amount.IsZero() {
		return nil
	}
	if err := e.assets.Transfer(ctx, from, to, amount); err != nil {
		return err
	}
	undo.push(fmt.Sprintf("transfer %s %s->%s", amount, from, to), func(ctx context.Context) error {
		return e.assets.Transfer(ctx, to, from, amount)
	})
	return nil
}

// pull moves amount from an owner into a pool vault on the vault's
// allowance and records its reversal.
func (e *Engine) pull(ctx context.Context, undo *undoLog, vault, from string, amount decimal.Decimal) error {
	if amount.IsZero() {
		return nil
	}
	if err := e.assets.TransferFrom(ctx, vault, from, vault, amount); err != nil {
		return err
	}
	undo.push(fmt.Sprintf("refund %s %s->%s", amount, vault, from), func(ctx context.Context) error {
		return e.assets.Transfer(ctx, vault, from, amount)
	})
	return nil
}

func (e *Engine) mint(ctx context.Context, undo *undoLog, c token.Collection, id uint64, owner string) error {
	if err := e.tokens.Mint(ctx, c, id, owner); err != nil {
		return err
	}
	undo.push(fmt.Sprintf("burn %s #%d", c, id), func(ctx context.Context) error {
		return e.tokens.Burn(ctx, c, id)
	})
	return nil
}

func (e *Engine) burn(ctx context.Context, undo *undoLog, c token.Collection, id uint64) error {
	owner, err := e.tokens.OwnerOf(ctx, c, id)
	if err != nil {
		return err
	}
	if err := e.tokens.Burn(ctx, c, id); err != nil {
		return err
	}
	undo.push(fmt.Sprintf("remint %s #%d", c, id), func(ctx context.Context) error {
		return e.tokens.Mint(ctx, c, id, owner)
	})
	return nil
}

// requireOwner checks that actor holds the token.
func (e *Engine) requireOwner(ctx context.Context, c token.Collection, id uint64, actor string) error {
	owner, err := e.tokens.OwnerOf(ctx, c, id)
	if err != nil {
		return err
	}
	if owner != actor {
		return fmt.Errorf("%w: %s #%d", ErrNotOwner, c, id)
	}
	return nil
}
