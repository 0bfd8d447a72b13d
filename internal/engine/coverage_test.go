package engine_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/blocksurance-dao/blocksurance-protocol/internal/auth"
	"github.com/blocksurance-dao/blocksurance-protocol/internal/engine"
	"github.com/blocksurance-dao/blocksurance-protocol/internal/events"
	"github.com/blocksurance-dao/blocksurance-protocol/internal/limits"
	"github.com/blocksurance-dao/blocksurance-protocol/internal/pricing"
	"github.com/blocksurance-dao/blocksurance-protocol/internal/token"
)

func TestBuyCoverage_Validation(t *testing.T) {
	e := newEnv(t, envOpts{})
	ctx := context.Background()
	e.deposit(t, alice, units(1000), 200)
	e.fund(t, bob, units(100))

	tests := []struct {
		name string
		req  engine.BuyCoverageRequest
		want error
	}{
		{"strike zero", engine.BuyCoverageRequest{PoolID: e.pool.ID, Buyer: bob, Notional: units(10), Strike: 0}, pricing.ErrStrikeOutOfRange},
		{"strike 100", engine.BuyCoverageRequest{PoolID: e.pool.ID, Buyer: bob, Notional: units(10), Strike: 100}, pricing.ErrStrikeOutOfRange},
		{"zero notional", engine.BuyCoverageRequest{PoolID: e.pool.ID, Buyer: bob, Notional: decimal.Zero, Strike: 10}, engine.ErrInvalidAmount},
		{"missing buyer", engine.BuyCoverageRequest{PoolID: e.pool.ID, Notional: units(10), Strike: 10}, engine.ErrInvalidRequest},
		{"over liquidity", engine.BuyCoverageRequest{PoolID: e.pool.ID, Buyer: bob, Notional: units(991), Strike: 10}, engine.ErrInsufficientLiquidity},
		{"premium rounds to zero", engine.BuyCoverageRequest{PoolID: e.pool.ID, Buyer: bob, Notional: d("24"), Strike: 10}, pricing.ErrPremiumTooSmall},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.eng.BuyCoverage(ctx, tt.req)
			expectErr(t, err, tt.want)
		})
	}
	expectEqual(t, "bob untouched", e.balance(t, bob), units(100))
	e.checkInvariants(t)
}

func TestBuyCoverage_SplitPurchasesStillPay(t *testing.T) {
	e := newEnv(t, envOpts{})
	ctx := context.Background()
	e.deposit(t, alice, units(1000), 200)
	e.fund(t, bob, units(100))

	_, err := e.eng.BuyCoverage(ctx, engine.BuyCoverageRequest{PoolID: e.pool.ID, Buyer: bob, Notional: d("24"), Strike: 10})
	expectErr(t, err, pricing.ErrPremiumTooSmall)
	if engine.KindOf(err) != engine.KindValidation || engine.Retryable(err) {
		t.Errorf("kind = %s, retryable = %v", engine.KindOf(err), engine.Retryable(err))
	}

	// The smallest priced notional pays one base unit.
	cov := e.buy(t, bob, d("25"), 10)
	expectEqual(t, "premium", cov.PremiumPaid, d("1"))
	expectEqual(t, "bob", e.balance(t, bob), units(100).Sub(d("1")))
	e.checkInvariants(t)
}

func TestBuyCoverage_NeedsSingleBackingPosition(t *testing.T) {
	e := newEnv(t, envOpts{})
	e.deposit(t, alice, units(1000), 200)
	e.deposit(t, carol, units(1000), 200)
	e.fund(t, bob, units(100))

	expectEqual(t, "free", e.free(t), units(1980))
	_, err := e.eng.BuyCoverage(context.Background(), engine.BuyCoverageRequest{
		PoolID: e.pool.ID, Buyer: bob, Notional: units(1500), Strike: 10,
	})
	expectErr(t, err, engine.ErrInsufficientLiquidity)

	// The second position backs what the first cannot.
	first := e.buy(t, bob, units(900), 10)
	second := e.buy(t, bob, units(900), 10)
	if first.PositionID == second.PositionID {
		t.Fatalf("both coverages backed by position %d", first.PositionID)
	}
	e.checkInvariants(t)
}

func TestBuyCoverage_ExpiryCappedAtPositionExpiry(t *testing.T) {
	e := newEnv(t, envOpts{})
	pos := e.deposit(t, alice, units(1000), 200)
	e.fund(t, bob, units(100))

	e.clock.AdvanceDays(190)
	cov := e.buy(t, bob, units(100), 10)
	if !cov.ExpiresAt.Equal(pos.ExpiresAt) {
		t.Fatalf("coverage expires %s, position %s", cov.ExpiresAt, pos.ExpiresAt)
	}

	// Expired positions back nothing.
	e.clock.AdvanceDays(11)
	_, err := e.eng.BuyCoverage(context.Background(), engine.BuyCoverageRequest{
		PoolID: e.pool.ID, Buyer: bob, Notional: units(10), Strike: 10,
	})
	expectErr(t, err, engine.ErrInsufficientLiquidity)
}

func TestBuyCoverage_BuyerLimit(t *testing.T) {
	e := newEnv(t, envOpts{limiter: limits.NewLimiter(units(1000))})
	e.deposit(t, alice, units(20000), 200)
	e.fund(t, bob, units(1000))

	e.buy(t, bob, units(600), 10)
	_, err := e.eng.BuyCoverage(context.Background(), engine.BuyCoverageRequest{
		PoolID: e.pool.ID, Buyer: bob, Notional: units(500), Strike: 10,
	})
	expectErr(t, err, limits.ErrBuyerLimitExceeded)
	e.buy(t, bob, units(400), 10)
}

func TestBuyCoverage_CompensatesOnMintFailure(t *testing.T) {
	e := newEnv(t, envOpts{})
	ctx := context.Background()
	pos := e.deposit(t, alice, units(20000), 366)
	e.fund(t, bob, units(1000))

	if err := e.tokens.Mint(ctx, token.CollectionCoverage, 1, "squatter"); err != nil {
		t.Fatal(err)
	}
	_, err := e.eng.BuyCoverage(ctx, engine.BuyCoverageRequest{
		PoolID: e.pool.ID, Buyer: bob, Notional: units(5000), Strike: 10,
	})
	expectErr(t, err, token.ErrTokenExists)

	expectEqual(t, "bob refunded", e.balance(t, bob), units(1000))
	expectEqual(t, "free untouched", e.free(t), units(19800))
	p, _ := e.eng.GetPosition(ctx, pos.ID)
	if !p.Premiums.IsZero() || p.OpenCoverages != 0 {
		t.Fatalf("position changed: %+v", p)
	}
	if e.events.Count(events.CoveragePurchased) != 0 {
		t.Error("event published for failed purchase")
	}
	e.checkInvariants(t)
}

func TestSetPremium_AppliesToNewSalesOnly(t *testing.T) {
	e := newEnv(t, envOpts{})
	ctx := context.Background()
	e.deposit(t, alice, units(20000), 366)
	e.fund(t, bob, units(1000))
	before := e.buy(t, bob, units(1000), 10)
	expectEqual(t, "premium at 40", before.PremiumPaid, units(40))

	_, err := e.eng.SetPremium(ctx, bob, e.pool.ID, d("80"))
	expectErr(t, err, auth.ErrMissingRole)
	_, err = e.eng.SetPremium(ctx, admin, e.pool.ID, d("-1"))
	expectErr(t, err, engine.ErrInvalidRate)

	pool, err := e.eng.SetPremium(ctx, admin, e.pool.ID, d("80"))
	if err != nil {
		t.Fatalf("set premium: %v", err)
	}
	expectEqual(t, "pool rate", pool.PremiumRate, d("80"))

	after := e.buy(t, bob, units(1000), 10)
	expectEqual(t, "premium at 80", after.PremiumPaid, units(80))
	expectEqual(t, "snapshot kept", e.coverage(t, before.ID).PremiumRate, d("40"))
	if e.events.Count(events.PremiumSet) != 1 {
		t.Error("expected premium_set event")
	}
}

func TestPausePool_BlocksSalesNotSettlement(t *testing.T) {
	e := newEnv(t, envOpts{window: 10 * 24 * time.Hour})
	ctx := context.Background()
	e.deposit(t, alice, units(20000), 366)
	e.fund(t, bob, units(1000))
	e.buy(t, bob, units(1000), 10)

	if _, err := e.eng.PausePool(ctx, admin, e.pool.ID); err != nil {
		t.Fatalf("pause: %v", err)
	}
	_, err := e.eng.BuyCoverage(ctx, engine.BuyCoverageRequest{PoolID: e.pool.ID, Buyer: bob, Notional: units(10), Strike: 10})
	expectErr(t, err, engine.ErrPoolPaused)

	e.clock.AdvanceDays(11)
	res, err := e.eng.PerformUpkeep(ctx, e.pool.ID)
	if err != nil || res.Expired != 1 {
		t.Fatalf("upkeep on paused pool = %+v, %v", res, err)
	}
}
