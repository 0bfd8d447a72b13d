package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/blocksurance-dao/blocksurance-protocol/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func seedPool(t *testing.T, s *MemoryStore) *model.Pool {
	t.Helper()
	p := &model.Pool{
		ID:             "pool-1",
		Name:           "LINK/USDC Insurance Pool",
		PremiumRate:    d(25),
		TotalLiquidity: decimal.Zero,
		TotalCoverage:  decimal.Zero,
		CreatedAt:      time.Unix(0, 0).UTC(),
	}
	if err := s.CreatePool(context.Background(), p); err != nil {
		t.Fatalf("create pool: %v", err)
	}
	return p
}

func TestMemoryStore_NextIDStartsAtOne(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	for want := uint64(1); want <= 3; want++ {
		got, err := s.NextID(ctx, SeqCoverage)
		if err != nil {
			t.Fatal(err)
		}
		if got != want {
			t.Errorf("expected id %d, got %d", want, got)
		}
	}
	if id, _ := s.NextID(ctx, SeqPosition); id != 1 {
		t.Errorf("sequences should be independent, got %d", id)
	}
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedPool(t, s)

	p, _ := s.GetPool(ctx, "pool-1")
	p.Paused = true

	again, _ := s.GetPool(ctx, "pool-1")
	if again.Paused {
		t.Error("mutating a returned pool must not change the stored one")
	}
}

func TestMemoryStore_NotFound(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if _, err := s.GetPosition(ctx, 42); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := s.UpdateCoverage(ctx, &model.Coverage{ID: 7}); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := s.DeletePosition(ctx, 1); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStore_DuplicateCreate(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedPool(t, s)

	err := s.CreatePool(ctx, &model.Pool{ID: "pool-1"})
	if !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestMemoryStore_ActiveCoverageCursor(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedPool(t, s)

	for id := uint64(1); id <= 10; id++ {
		c := &model.Coverage{ID: id, PoolID: "pool-1", Owner: "alice", Notional: d(100), State: model.CoverageActive}
		if err := s.CreateCoverage(ctx, c); err != nil {
			t.Fatal(err)
		}
	}

	// Resolve coverage 3; it must drop out of the index.
	c, _ := s.GetCoverage(ctx, 3)
	c.State = model.CoverageExpired
	if err := s.UpdateCoverage(ctx, c); err != nil {
		t.Fatal(err)
	}

	batch, _ := s.ListActiveCoverages(ctx, "pool-1", 0, 4)
	want := []uint64{1, 2, 4, 5}
	if len(batch) != len(want) {
		t.Fatalf("expected %d coverages, got %d", len(want), len(batch))
	}
	for i, c := range batch {
		if c.ID != want[i] {
			t.Errorf("batch[%d]: expected id %d, got %d", i, want[i], c.ID)
		}
	}

	rest, _ := s.ListActiveCoverages(ctx, "pool-1", 5, 0)
	if len(rest) != 5 || rest[0].ID != 6 || rest[4].ID != 10 {
		t.Errorf("unexpected tail after cursor 5: %+v", rest)
	}

	total, _ := s.ActiveNotionalByOwner(ctx, "pool-1", "alice")
	if !total.Equal(d(900)) {
		t.Errorf("expected 900 active notional, got %s", total)
	}
}

func TestMemoryStore_TxRollback(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedPool(t, s)

	boom := errors.New("boom")
	err := s.WithTx(ctx, func(tx Store) error {
		p, _ := tx.GetPool(ctx, "pool-1")
		p.TotalLiquidity = d(500)
		if err := tx.UpdatePool(ctx, p); err != nil {
			return err
		}
		if err := tx.CreateCoverage(ctx, &model.Coverage{ID: 1, PoolID: "pool-1", State: model.CoverageActive}); err != nil {
			return err
		}

		// Writes are visible inside the transaction.
		inside, _ := tx.GetPool(ctx, "pool-1")
		if !inside.TotalLiquidity.Equal(d(500)) {
			t.Errorf("expected 500 inside tx, got %s", inside.TotalLiquidity)
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	p, _ := s.GetPool(ctx, "pool-1")
	if !p.TotalLiquidity.IsZero() {
		t.Errorf("rolled back tx leaked liquidity %s", p.TotalLiquidity)
	}
	if active, _ := s.ListActiveCoverages(ctx, "pool-1", 0, 0); len(active) != 0 {
		t.Errorf("rolled back tx leaked %d active coverages", len(active))
	}
}

func TestMemoryStore_TxCommit(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedPool(t, s)

	err := s.WithTx(ctx, func(tx Store) error {
		// Nested WithTx joins the enclosing transaction.
		return tx.WithTx(ctx, func(inner Store) error {
			return inner.CreatePosition(ctx, &model.Position{ID: 1, PoolID: "pool-1", Principal: d(20000)})
		})
	})
	if err != nil {
		t.Fatal(err)
	}

	positions, _ := s.ListPositions(ctx, "pool-1")
	if len(positions) != 1 || !positions[0].Principal.Equal(d(20000)) {
		t.Errorf("expected committed position, got %+v", positions)
	}
}

func TestMemoryStore_PendingLiquidations(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	for id := uint64(1); id <= 3; id++ {
		e := &model.LiquidationEntry{ID: id, PositionID: id * 10, PoolID: "pool-1"}
		if err := s.CreateLiquidation(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	e, _ := s.GetLiquidationByPosition(ctx, 20)
	e.Processed = true
	if err := s.UpdateLiquidation(ctx, e); err != nil {
		t.Fatal(err)
	}

	pending, _ := s.ListPendingLiquidations(ctx, 0, 10)
	if len(pending) != 2 || pending[0].ID != 1 || pending[1].ID != 3 {
		t.Errorf("expected pending [1 3], got %+v", pending)
	}

	limited, _ := s.ListPendingLiquidations(ctx, 0, 1)
	if len(limited) != 1 || limited[0].ID != 1 {
		t.Errorf("expected first pending entry only, got %+v", limited)
	}

	after, _ := s.ListPendingLiquidations(ctx, 1, 10)
	if len(after) != 1 || after[0].ID != 3 {
		t.Errorf("expected pending after 1 to be [3], got %+v", after)
	}
}

func TestMemoryStore_Cursors(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if v, err := s.GetCursor(ctx, "queue"); err != nil || v != 0 {
		t.Fatalf("unset cursor = %d, %v", v, err)
	}
	err := s.WithTx(ctx, func(tx Store) error {
		return tx.SetCursor(ctx, "queue", 7)
	})
	if err != nil {
		t.Fatal(err)
	}
	if v, _ := s.GetCursor(ctx, "queue"); v != 7 {
		t.Errorf("cursor = %d, want 7", v)
	}
}

func TestMemoryStore_TxIsolatedUntilCommit(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedPool(t, s)

	for id := uint64(1); id <= 100; id++ {
		c := &model.Coverage{ID: id, PoolID: "pool-1", Notional: d(1), State: model.CoverageActive}
		if err := s.CreateCoverage(ctx, c); err != nil {
			t.Fatal(err)
		}
	}

	err := s.WithTx(ctx, func(tx Store) error {
		c, err := tx.GetCoverage(ctx, 50)
		if err != nil {
			return err
		}
		c.State = model.CoverageExpired
		if err := tx.UpdateCoverage(ctx, c); err != nil {
			return err
		}

		// The live store still sees the coverage active.
		live, err := s.GetCoverage(ctx, 50)
		if err != nil {
			return err
		}
		if live.State != model.CoverageActive {
			t.Errorf("uncommitted write visible: %s", live.State)
		}
		active, _ := s.ListActiveCoverages(ctx, "pool-1", 49, 1)
		if len(active) != 1 || active[0].ID != 50 {
			t.Errorf("uncommitted index change visible: %+v", active)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	got, _ := s.GetCoverage(ctx, 50)
	if got.State != model.CoverageExpired {
		t.Errorf("committed state = %s", got.State)
	}
	active, _ := s.ListActiveCoverages(ctx, "pool-1", 49, 1)
	if len(active) != 1 || active[0].ID != 51 {
		t.Errorf("expected 51 after commit, got %+v", active)
	}
}
