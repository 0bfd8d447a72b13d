package engine_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/blocksurance-dao/blocksurance-protocol/internal/auth"
	"github.com/blocksurance-dao/blocksurance-protocol/internal/engine"
	"github.com/blocksurance-dao/blocksurance-protocol/internal/events"
	"github.com/blocksurance-dao/blocksurance-protocol/internal/model"
	"github.com/blocksurance-dao/blocksurance-protocol/internal/token"
)

func TestAccruedYield(t *testing.T) {
	tests := []struct {
		name string
		days int
		want decimal.Decimal
	}{
		{"full year plus a day", 366, d("754060273")},
		{"hundred days", 100, d("206027397")},
		{"one day", 1, d("2060273")},
		{"zero days", 0, decimal.Zero},
		{"negative days", -3, decimal.Zero},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := engine.AccruedYield(units(20000), d("0.94"), d("0.04"), tt.days)
			expectEqual(t, "yield", got, tt.want)
		})
	}
}

func TestLiquidatePosition_RequiresLiquidator(t *testing.T) {
	e := newEnv(t, envOpts{})
	pos := e.deposit(t, alice, units(1000), 200)

	_, err := e.eng.LiquidatePosition(context.Background(), alice, pos.ID)
	expectErr(t, err, auth.ErrMissingRole)
	_, err = e.eng.ProcessQueue(context.Background(), alice)
	expectErr(t, err, auth.ErrMissingRole)
}

func TestLiquidatePosition_RefusedWhileCoverageOutstanding(t *testing.T) {
	e := newEnv(t, envOpts{})
	pos := e.deposit(t, alice, units(20000), 366)
	e.fund(t, bob, units(1000))
	e.buy(t, bob, units(5000), 10)

	e.clock.AdvanceDays(367)
	_, err := e.eng.LiquidatePosition(context.Background(), keeper, pos.ID)
	expectErr(t, err, engine.ErrCoverageOutstanding)
	if !engine.Retryable(err) {
		t.Error("outstanding coverage should be retryable")
	}

	if _, err := e.eng.ResolveExpirations(context.Background(), e.pool.ID); err != nil {
		t.Fatalf("resolve expirations: %v", err)
	}
	if _, err := e.eng.LiquidatePosition(context.Background(), keeper, pos.ID); err != nil {
		t.Fatalf("liquidate after settlement: %v", err)
	}
}

func TestLiquidatePosition_EarlyAccruesElapsedDays(t *testing.T) {
	e := newEnv(t, envOpts{})
	ctx := context.Background()
	pos := e.deposit(t, alice, units(20000), 366)

	e.clock.AdvanceDays(100)
	e.clock.Advance(12 * time.Hour) // half a day does not count

	entry, err := e.eng.LiquidatePosition(ctx, keeper, pos.ID)
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	expectEqual(t, "yield", entry.Yield, d("206027397"))
	expectEqual(t, "amount due", entry.AmountDue, units(19800).Add(d("206027397")))

	p, _ := e.eng.GetPosition(ctx, pos.ID)
	if p.State != model.PositionLiquidationEnqueued {
		t.Errorf("state = %s", p.State)
	}

	// Enqueued positions no longer back new coverage.
	expectEqual(t, "free", e.free(t), decimal.Zero)
}

func TestLiquidatePosition_QueuedOnce(t *testing.T) {
	e := newEnv(t, envOpts{})
	ctx := context.Background()
	if err := e.assets.Mint(ctx, "reserve", units(1000)); err != nil {
		t.Fatal(err)
	}
	pos := e.deposit(t, alice, units(1000), 200)
	e.clock.AdvanceDays(201)

	if _, err := e.eng.LiquidatePosition(ctx, keeper, pos.ID); err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	_, err := e.eng.LiquidatePosition(ctx, keeper, pos.ID)
	expectErr(t, err, engine.ErrAlreadyQueued)

	if _, err := e.eng.ProcessQueue(ctx, keeper); err != nil {
		t.Fatalf("process: %v", err)
	}
	_, err = e.eng.LiquidatePosition(ctx, keeper, pos.ID)
	expectErr(t, err, engine.ErrAlreadyLiquidated)
	if engine.Retryable(err) {
		t.Error("already liquidated must not be retryable")
	}
}

func TestProcessQueue_PaysOnce(t *testing.T) {
	e := newEnv(t, envOpts{})
	ctx := context.Background()
	if err := e.assets.Mint(ctx, "reserve", units(1000)); err != nil {
		t.Fatal(err)
	}
	pos := e.deposit(t, alice, units(1000), 200)
	e.clock.AdvanceDays(201)

	entry, err := e.eng.LiquidatePosition(ctx, keeper, pos.ID)
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}

	res, err := e.eng.ProcessQueue(ctx, keeper)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if res.Processed != 1 {
		t.Fatalf("result = %+v", res)
	}
	expectEqual(t, "paid", res.Paid, entry.AmountDue)
	expectEqual(t, "alice", e.balance(t, alice), entry.AmountDue)

	res, err = e.eng.ProcessQueue(ctx, keeper)
	if err != nil || res.Processed != 0 {
		t.Fatalf("second process = %+v, %v", res, err)
	}
	expectEqual(t, "alice paid once", e.balance(t, alice), entry.AmountDue)

	got, err := e.eng.GetLiquidation(ctx, pos.ID)
	if err != nil || !got.Processed || got.ProcessedAt == nil {
		t.Fatalf("entry = %+v, %v", got, err)
	}
	if e.events.Count(events.LiquidationProcessed) != 1 {
		t.Error("expected one liquidation_processed event")
	}
}

func TestProcessQueue_ReserveShortfallLeavesEntryPending(t *testing.T) {
	e := newEnv(t, envOpts{})
	ctx := context.Background()
	pos := e.deposit(t, alice, units(1000), 200)
	e.clock.AdvanceDays(201)

	if _, err := e.eng.LiquidatePosition(ctx, keeper, pos.ID); err != nil {
		t.Fatalf("liquidate: %v", err)
	}

	res, err := e.eng.ProcessQueue(ctx, keeper)
	expectErr(t, err, engine.ErrReserveShortfall)
	if engine.KindOf(err) != engine.KindCapacity || !engine.Retryable(err) {
		t.Errorf("kind = %s", engine.KindOf(err))
	}
	if res.Failed != 1 || res.Processed != 0 {
		t.Fatalf("result = %+v", res)
	}
	expectEqual(t, "alice unpaid", e.balance(t, alice), decimal.Zero)
	if entry, _ := e.eng.GetLiquidation(ctx, pos.ID); entry.Processed {
		t.Fatal("entry processed despite shortfall")
	}

	if err := e.assets.Mint(ctx, "reserve", units(100)); err != nil {
		t.Fatal(err)
	}
	res, err = e.eng.ProcessQueue(ctx, keeper)
	if err != nil || res.Processed != 1 {
		t.Fatalf("retry = %+v, %v", res, err)
	}
}

func TestProcessQueue_MovesPastUnpayableHead(t *testing.T) {
	params := engine.DefaultParams()
	params.QueueBatchSize = 1
	e := newEnv(t, envOpts{params: &params})
	ctx := context.Background()

	alicePos := e.deposit(t, alice, units(1000), 200)
	e.clock.AdvanceDays(100)
	carolPos := e.deposit(t, carol, units(1000), 200)

	// Alice is owed 100 days of yield and the reserve is empty; carol's
	// entry owes no yield.
	if _, err := e.eng.LiquidatePosition(ctx, keeper, alicePos.ID); err != nil {
		t.Fatalf("liquidate alice: %v", err)
	}
	carolEntry, err := e.eng.LiquidatePosition(ctx, keeper, carolPos.ID)
	if err != nil {
		t.Fatalf("liquidate carol: %v", err)
	}
	expectEqual(t, "carol yield", carolEntry.Yield, decimal.Zero)

	res, err := e.eng.ProcessQueue(ctx, keeper)
	expectErr(t, err, engine.ErrReserveShortfall)
	if res.Failed != 1 || res.Cursor == 0 {
		t.Fatalf("first call = %+v", res)
	}

	res, err = e.eng.ProcessQueue(ctx, keeper)
	if err != nil || res.Processed != 1 {
		t.Fatalf("second call = %+v, %v", res, err)
	}
	expectEqual(t, "carol", e.balance(t, carol), carolEntry.AmountDue)

	// The cursor wraps back to alice, who is paid once the reserve is funded.
	if err := e.assets.Mint(ctx, "reserve", units(100)); err != nil {
		t.Fatal(err)
	}
	res, err = e.eng.ProcessQueue(ctx, keeper)
	if err != nil || res.Processed != 1 {
		t.Fatalf("third call = %+v, %v", res, err)
	}
	if entry, _ := e.eng.GetLiquidation(ctx, alicePos.ID); !entry.Processed {
		t.Fatal("alice's entry still pending")
	}
}

func TestProcessQueue_PaysCurrentTokenHolder(t *testing.T) {
	e := newEnv(t, envOpts{})
	ctx := context.Background()
	if err := e.assets.Mint(ctx, "reserve", units(1000)); err != nil {
		t.Fatal(err)
	}
	pos := e.deposit(t, alice, units(1000), 200)
	e.clock.AdvanceDays(201)

	if err := e.tokens.Transfer(ctx, token.CollectionPosition, pos.ID, alice, carol); err != nil {
		t.Fatal(err)
	}
	entry, err := e.eng.LiquidatePosition(ctx, keeper, pos.ID)
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	if _, err := e.eng.ProcessQueue(ctx, keeper); err != nil {
		t.Fatalf("process: %v", err)
	}
	expectEqual(t, "carol", e.balance(t, carol), entry.AmountDue)
	expectEqual(t, "alice", e.balance(t, alice), decimal.Zero)

	_, err = e.eng.RemovePosition(ctx, alice, pos.ID)
	expectErr(t, err, engine.ErrNotOwner)
	if _, err := e.eng.RemovePosition(ctx, carol, pos.ID); err != nil {
		t.Fatalf("remove by holder: %v", err)
	}
	e.checkInvariants(t)
}

func TestLiquidation_ClaimsReducePayout(t *testing.T) {
	e := newEnv(t, envOpts{})
	ctx := context.Background()
	vault := engine.VaultAccount(e.pool.ID)
	if err := e.assets.Mint(ctx, "reserve", units(1000)); err != nil {
		t.Fatal(err)
	}
	pos := e.deposit(t, alice, units(20000), 366)
	e.fund(t, bob, units(1000))
	cov := e.buy(t, bob, units(5000), 10)

	e.clock.AdvanceDays(3)
	e.price(t, "13")
	if _, err := e.eng.ResolveClaims(ctx, e.pool.ID); err != nil {
		t.Fatalf("resolve claims: %v", err)
	}
	if _, err := e.eng.ResolveClaim(ctx, bob, cov.ID); err != nil {
		t.Fatalf("pay claim: %v", err)
	}
	expectEqual(t, "vault after claim", e.balance(t, vault), units(15000))

	e.clock.AdvanceDays(364)
	entry, err := e.eng.LiquidatePosition(ctx, keeper, pos.ID)
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	expectEqual(t, "claims", entry.Claims, units(5000))
	expectEqual(t, "amount due", entry.AmountDue, units(15000).Add(d("754060273")))

	if _, err := e.eng.ProcessQueue(ctx, keeper); err != nil {
		t.Fatalf("process: %v", err)
	}
	expectEqual(t, "alice", e.balance(t, alice), entry.AmountDue)
	expectEqual(t, "vault", e.balance(t, vault), decimal.Zero)

	if _, err := e.eng.RemovePosition(ctx, alice, pos.ID); err != nil {
		t.Fatalf("remove: %v", err)
	}
	e.checkInvariants(t)
}
