package keeper_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/blocksurance-dao/blocksurance-protocol/internal/asset"
	"github.com/blocksurance-dao/blocksurance-protocol/internal/auth"
	"github.com/blocksurance-dao/blocksurance-protocol/internal/engine"
	"github.com/blocksurance-dao/blocksurance-protocol/internal/keeper"
	"github.com/blocksurance-dao/blocksurance-protocol/internal/lock"
	"github.com/blocksurance-dao/blocksurance-protocol/internal/model"
	"github.com/blocksurance-dao/blocksurance-protocol/internal/oracle"
	"github.com/blocksurance-dao/blocksurance-protocol/internal/registry"
	"github.com/blocksurance-dao/blocksurance-protocol/internal/store"
	"github.com/blocksurance-dao/blocksurance-protocol/internal/token"
)

// fakeEngine serves upkeep from a per-pool count of due batches.
type fakeEngine struct {
	mu       sync.Mutex
	pools    []model.Pool
	batches  map[string]int // remaining full batches per pool
	performs map[string]int
	queued   int
	actors   []string
	failPool string
}

func newFakeEngine(batches map[string]int) *fakeEngine {
	f := &fakeEngine{batches: batches, performs: make(map[string]int)}
	for id := range batches {
		f.pools = append(f.pools, model.Pool{ID: id})
	}
	return f
}

func (f *fakeEngine) ListPools(context.Context) ([]model.Pool, error) {
	return f.pools, nil
}

func (f *fakeEngine) CheckUpkeep(_ context.Context, poolID string) (*engine.UpkeepStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if poolID == f.failPool {
		return nil, errors.New("store down")
	}
	n := f.batches[poolID]
	st := &engine.UpkeepStatus{PoolID: poolID, Needed: n > 0}
	if st.Needed {
		st.FirstDue = 1
	}
	return st, nil
}

func (f *fakeEngine) PerformUpkeep(_ context.Context, poolID string) (*engine.ResolveResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.performs[poolID]++
	res := &engine.ResolveResult{PoolID: poolID}
	if f.batches[poolID] > 0 {
		f.batches[poolID]--
		res.Scanned, res.Expired = 50, 50
		res.Cursor = uint64(f.performs[poolID] * 50)
	}
	return res, nil
}

func (f *fakeEngine) ProcessQueue(_ context.Context, actor string) (*engine.ProcessResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actors = append(f.actors, actor)
	n := f.queued
	f.queued = 0
	return &engine.ProcessResult{Processed: n, Paid: decimal.NewFromInt(int64(n) * 100)}, nil
}

func TestRunOnce_SweepsDuePools(t *testing.T) {
	eng := newFakeEngine(map[string]int{"a": 3, "b": 0})
	eng.queued = 2
	r := keeper.NewRunner(eng, lock.NewLocal(), keeper.Config{Actor: "keeper"}, nil)

	rep, err := r.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if rep.Pools != 2 {
		t.Errorf("pools = %d", rep.Pools)
	}
	// Three full batches, then one that wraps the cursor.
	if eng.performs["a"] != 4 || rep.Batches != 4 || rep.Expired != 150 {
		t.Errorf("performs = %d, report = %+v", eng.performs["a"], rep)
	}
	if eng.performs["b"] != 0 {
		t.Errorf("pool without due work was upkept %d times", eng.performs["b"])
	}
	if rep.Processed != 2 || rep.Paid != "200" {
		t.Errorf("queue report = %+v", rep)
	}
	if len(eng.actors) != 1 || eng.actors[0] != "keeper" {
		t.Errorf("queue actors = %v", eng.actors)
	}
}

func TestRunOnce_BatchCapPerPool(t *testing.T) {
	eng := newFakeEngine(map[string]int{"a": 10})
	r := keeper.NewRunner(eng, nil, keeper.Config{MaxBatchesPerRun: 4}, nil)

	rep, err := r.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if rep.Batches != 4 {
		t.Errorf("batches = %d", rep.Batches)
	}
}

func TestRunOnce_SkipsLockedPool(t *testing.T) {
	eng := newFakeEngine(map[string]int{"a": 1})
	locker := lock.NewLocal()
	unlock, err := locker.Acquire(context.Background(), "upkeep:a", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	defer unlock()

	r := keeper.NewRunner(eng, locker, keeper.Config{}, nil)
	rep, err := r.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if len(rep.Skipped) != 1 || rep.Skipped[0] != "a" || eng.performs["a"] != 0 {
		t.Errorf("report = %+v, performs = %d", rep, eng.performs["a"])
	}
}

func TestRunOnce_ContinuesPastFailingPool(t *testing.T) {
	eng := newFakeEngine(map[string]int{"bad": 1, "good": 1})
	eng.failPool = "bad"
	r := keeper.NewRunner(eng, nil, keeper.Config{}, nil)

	rep, err := r.RunOnce(context.Background())
	if err == nil {
		t.Fatal("expected error from failing pool")
	}
	if eng.performs["good"] == 0 {
		t.Error("healthy pool not upkept")
	}
	if rep.Pools != 2 {
		t.Errorf("pools = %d", rep.Pools)
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	eng := newFakeEngine(map[string]int{"a": 1})
	r := keeper.NewRunner(eng, nil, keeper.Config{UpkeepInterval: 10 * time.Millisecond, QueueInterval: 10 * time.Millisecond}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("runner did not stop")
	}

	eng.mu.Lock()
	defer eng.mu.Unlock()
	if eng.performs["a"] == 0 {
		t.Error("runner never performed upkeep")
	}
}

func TestRunOnce_ClaimsAfterPriceRecovers(t *testing.T) {
	ctx := context.Background()
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	units := func(n int64) decimal.Decimal { return decimal.NewFromInt(n).Shift(6) }
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	st := store.NewMemoryStore()
	feed := oracle.NewFeed()
	assets := asset.NewMemoryLedger()
	clock := engine.NewManualClock(t0)
	authz := auth.NewStatic(map[auth.Role][]string{
		auth.RoleLister:     {"admin"},
		auth.RoleLiquidator: {"keeper"},
	})

	reg := registry.New(st, authz, registry.Defaults{}, clock.Now, logger)
	if _, err := reg.ListMarket(ctx, "admin", model.Market{Symbol: "LINK", Token: "0xlink", Oracle: "LINK-USD"}); err != nil {
		t.Fatalf("list market: %v", err)
	}
	pool, err := reg.CreatePool(ctx, "admin", registry.CreatePoolRequest{
		Underlying:              "LINK",
		Base:                    "USDC",
		PremiumRate:             decimal.NewFromInt(40),
		MinPositionDurationDays: 180,
		MaxPoolSize:             units(1_000_000),
		CoverageWindow:          30 * 24 * time.Hour,
	})
	if err != nil {
		t.Fatalf("create pool: %v", err)
	}
	feed.Record(ctx, "LINK-USD", decimal.NewFromInt(15), t0)

	eng, err := engine.New(engine.Deps{
		Store:  st,
		Oracle: feed,
		Assets: assets,
		Tokens: token.NewMemoryRegistry(),
		Auth:   authz,
		Clock:  clock,
		Logger: logger,
	}, engine.DefaultParams())
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}

	vault := engine.VaultAccount(pool.ID)
	for account, amount := range map[string]decimal.Decimal{"alice": units(20000), "bob": units(1000)} {
		assets.Mint(ctx, account, amount)
		assets.Approve(ctx, account, vault, amount)
	}
	if _, err := eng.CreatePosition(ctx, engine.CreatePositionRequest{
		PoolID: pool.ID, Owner: "alice", Principal: units(20000), DurationDays: 366,
	}); err != nil {
		t.Fatalf("create position: %v", err)
	}
	cov, err := eng.BuyCoverage(ctx, engine.BuyCoverageRequest{
		PoolID: pool.ID, Buyer: "bob", Notional: units(5000), Strike: 10,
	})
	if err != nil {
		t.Fatalf("buy coverage: %v", err)
	}

	// Dip through the 13.5 trigger, then recover before the keeper runs.
	clock.AdvanceDays(1)
	feed.Record(ctx, "LINK-USD", decimal.NewFromInt(13), clock.Now())
	clock.AdvanceDays(1)
	feed.Record(ctx, "LINK-USD", decimal.NewFromInt(15), clock.Now())

	r := keeper.NewRunner(eng, lock.NewLocal(), keeper.Config{Actor: "keeper"}, logger)
	rep, err := r.RunOnce(ctx)
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if rep.Claimed != 1 {
		t.Fatalf("report = %+v", rep)
	}
	got, err := eng.GetCoverage(ctx, cov.ID)
	if err != nil {
		t.Fatalf("get coverage: %v", err)
	}
	if got.State != model.CoverageClaimed {
		t.Errorf("state = %s", got.State)
	}
}
