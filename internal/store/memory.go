package store

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"

	"github.com/google/btree"
	"github.com/shopspring/decimal"

	"github.com/blocksurance-dao/blocksurance-protocol/internal/model"
)

const btreeDegree = 32

// idItem orders records by id inside a btree index.
type idItem uint64

// Less implements btree.Item - ascending order by id.
func (a idItem) Less(b btree.Item) bool {
	return a < b.(idItem)
}

// memState is one immutable-by-convention snapshot of the arena. Stored
// records are never mutated in place: writes replace the pointer with a fresh
// copy. Records keyed by id live in btrees whose Clone is lazy
// copy-on-write, so a snapshot costs O(pools), not O(records).
type memState struct {
	markets      map[string]*model.Market
	pools        map[string]*model.Pool
	positions    *btree.BTreeG[*model.Position]
	coverages    *btree.BTreeG[*model.Coverage]
	active       map[string]*btree.BTree // pool id → ids of active coverages
	liquidations *btree.BTreeG[*model.LiquidationEntry]
	byPosition   *btree.BTreeG[liquidationRef] // position id → latest liquidation id
	pending      *btree.BTree                  // ids of unprocessed liquidations
	seqs         map[Sequence]uint64
	cursors      map[string]uint64
}

// liquidationRef maps a position to its latest liquidation entry.
type liquidationRef struct {
	position    uint64
	liquidation uint64
}

func newMemState() *memState {
	return &memState{
		markets:      make(map[string]*model.Market),
		pools:        make(map[string]*model.Pool),
		positions:    btree.NewG(btreeDegree, func(a, b *model.Position) bool { return a.ID < b.ID }),
		coverages:    btree.NewG(btreeDegree, func(a, b *model.Coverage) bool { return a.ID < b.ID }),
		active:       make(map[string]*btree.BTree),
		liquidations: btree.NewG(btreeDegree, func(a, b *model.LiquidationEntry) bool { return a.ID < b.ID }),
		byPosition:   btree.NewG(btreeDegree, func(a, b liquidationRef) bool { return a.position < b.position }),
		pending:      btree.New(btreeDegree),
		seqs:         make(map[Sequence]uint64),
		cursors:      make(map[string]uint64),
	}
}

func (st *memState) clone() *memState {
	c := &memState{
		markets:      maps.Clone(st.markets),
		pools:        maps.Clone(st.pools),
		positions:    st.positions.Clone(),
		coverages:    st.coverages.Clone(),
		active:       make(map[string]*btree.BTree, len(st.active)),
		liquidations: st.liquidations.Clone(),
		byPosition:   st.byPosition.Clone(),
		pending:      st.pending.Clone(),
		seqs:         maps.Clone(st.seqs),
		cursors:      maps.Clone(st.cursors),
	}
	for k, v := range st.active {
		c.active[k] = v.Clone()
	}
	return c
}

func (st *memState) position(id uint64) (*model.Position, bool) {
	return st.positions.Get(&model.Position{ID: id})
}

func (st *memState) coverage(id uint64) (*model.Coverage, bool) {
	return st.coverages.Get(&model.Coverage{ID: id})
}

func (st *memState) liquidation(id uint64) (*model.LiquidationEntry, bool) {
	return st.liquidations.Get(&model.LiquidationEntry{ID: id})
}

func (st *memState) activeIndex(poolID string) *btree.BTree {
	idx, ok := st.active[poolID]
	if !ok {
		idx = btree.New(btreeDegree)
		st.active[poolID] = idx
	}
	return idx
}

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// Transactions work on a copy-on-write snapshot that replaces the live state
// on commit; transactions are serialized with each other and with
// non-transactional writes.
type MemoryStore struct {
	mu   sync.RWMutex
	txMu *sync.Mutex
	st   *memState
	inTx bool
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		txMu: &sync.Mutex{},
		st:   newMemState(),
	}
}

func (s *MemoryStore) WithTx(ctx context.Context, fn func(tx Store) error) error {
	if s.inTx {
		return fn(s)
	}

	s.txMu.Lock()
	defer s.txMu.Unlock()

	// Clone resets the source trees' copy-on-write context.
	s.mu.Lock()
	snapshot := s.st.clone()
	s.mu.Unlock()

	tx := &MemoryStore{txMu: s.txMu, st: snapshot, inTx: true}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	s.st = tx.st
	s.mu.Unlock()
	return nil
}

// write applies a mutation. Outside a transaction it serializes with
// in-flight transactions so their commit cannot drop the write.
func (s *MemoryStore) write(fn func(st *memState) error) error {
	if !s.inTx {
		s.txMu.Lock()
		defer s.txMu.Unlock()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.st)
}

func (s *MemoryStore) read(fn func(st *memState) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(s.st)
}

// --- Market registry ---

func (s *MemoryStore) CreateMarket(_ context.Context, m *model.Market) error {
	return s.write(func(st *memState) error {
		if _, ok := st.markets[m.Symbol]; ok {
			return fmt.Errorf("market %s: %w", m.Symbol, ErrAlreadyExists)
		}
		// Store a copy to avoid external mutation.
		copy := *m
		st.markets[m.Symbol] = &copy
		return nil
	})
}

func (s *MemoryStore) GetMarket(_ context.Context, symbol string) (*model.Market, error) {
	var out *model.Market
	err := s.read(func(st *memState) error {
		m, ok := st.markets[symbol]
		if !ok {
			return fmt.Errorf("market %s: %w", symbol, ErrNotFound)
		}
		copy := *m
		out = &copy
		return nil
	})
	return out, err
}

func (s *MemoryStore) ListMarkets(_ context.Context) ([]model.Market, error) {
	var markets []model.Market
	err := s.read(func(st *memState) error {
		markets = make([]model.Market, 0, len(st.markets))
		for _, m := range st.markets {
			markets = append(markets, *m)
		}
		return nil
	})
	sort.Slice(markets, func(i, j int) bool { return markets[i].Symbol < markets[j].Symbol })
	return markets, err
}

// --- Pools ---

func (s *MemoryStore) CreatePool(_ context.Context, p *model.Pool) error {
	return s.write(func(st *memState) error {
		if _, ok := st.pools[p.ID]; ok {
			return fmt.Errorf("pool %s: %w", p.ID, ErrAlreadyExists)
		}
		copy := *p
		st.pools[p.ID] = &copy
		return nil
	})
}

func (s *MemoryStore) GetPool(_ context.Context, id string) (*model.Pool, error) {
	var out *model.Pool
	err := s.read(func(st *memState) error {
		p, ok := st.pools[id]
		if !ok {
			return fmt.Errorf("pool %s: %w", id, ErrNotFound)
		}
		copy := *p
		out = &copy
		return nil
	})
	return out, err
}

func (s *MemoryStore) ListPools(_ context.Context) ([]model.Pool, error) {
	var pools []model.Pool
	err := s.read(func(st *memState) error {
		pools = make([]model.Pool, 0, len(st.pools))
		for _, p := range st.pools {
			pools = append(pools, *p)
		}
		return nil
	})
	sort.Slice(pools, func(i, j int) bool {
		if pools[i].CreatedAt.Equal(pools[j].CreatedAt) {
			return pools[i].ID < pools[j].ID
		}
		return pools[i].CreatedAt.Before(pools[j].CreatedAt)
	})
	return pools, err
}

func (s *MemoryStore) UpdatePool(_ context.Context, p *model.Pool) error {
	return s.write(func(st *memState) error {
		if _, ok := st.pools[p.ID]; !ok {
			return fmt.Errorf("pool %s: %w", p.ID, ErrNotFound)
		}
		copy := *p
		st.pools[p.ID] = &copy
		return nil
	})
}

// --- Id sequences ---

func (s *MemoryStore) NextID(_ context.Context, seq Sequence) (uint64, error) {
	var id uint64
	err := s.write(func(st *memState) error {
		st.seqs[seq]++
		id = st.seqs[seq]
		return nil
	})
	return id, err
}

// --- Positions ---

func (s *MemoryStore) CreatePosition(_ context.Context, p *model.Position) error {
	return s.write(func(st *memState) error {
		if _, ok := st.position(p.ID); ok {
			return fmt.Errorf("position %d: %w", p.ID, ErrAlreadyExists)
		}
		copy := *p
		st.positions.ReplaceOrInsert(&copy)
		return nil
	})
}

func (s *MemoryStore) GetPosition(_ context.Context, id uint64) (*model.Position, error) {
	var out *model.Position
	err := s.read(func(st *memState) error {
		p, ok := st.position(id)
		if !ok {
			return fmt.Errorf("position %d: %w", id, ErrNotFound)
		}
		copy := *p
		out = &copy
		return nil
	})
	return out, err
}

func (s *MemoryStore) UpdatePosition(_ context.Context, p *model.Position) error {
	return s.write(func(st *memState) error {
		if _, ok := st.position(p.ID); !ok {
			return fmt.Errorf("position %d: %w", p.ID, ErrNotFound)
		}
		copy := *p
		st.positions.ReplaceOrInsert(&copy)
		return nil
	})
}

func (s *MemoryStore) DeletePosition(_ context.Context, id uint64) error {
	return s.write(func(st *memState) error {
		if _, ok := st.positions.Delete(&model.Position{ID: id}); !ok {
			return fmt.Errorf("position %d: %w", id, ErrNotFound)
		}
		return nil
	})
}

func (s *MemoryStore) ListPositions(_ context.Context, poolID string) ([]model.Position, error) {
	var result []model.Position
	err := s.read(func(st *memState) error {
		st.positions.Ascend(func(p *model.Position) bool {
			if p.PoolID == poolID {
				result = append(result, *p)
			}
			return true
		})
		return nil
	})
	return result, err
}

// --- Coverages ---

func (s *MemoryStore) CreateCoverage(_ context.Context, c *model.Coverage) error {
	return s.write(func(st *memState) error {
		if _, ok := st.coverage(c.ID); ok {
			return fmt.Errorf("coverage %d: %w", c.ID, ErrAlreadyExists)
		}
		copy := *c
		st.coverages.ReplaceOrInsert(&copy)
		if c.State == model.CoverageActive {
			st.activeIndex(c.PoolID).ReplaceOrInsert(idItem(c.ID))
		}
		return nil
	})
}

func (s *MemoryStore) GetCoverage(_ context.Context, id uint64) (*model.Coverage, error) {
	var out *model.Coverage
	err := s.read(func(st *memState) error {
		c, ok := st.coverage(id)
		if !ok {
			return fmt.Errorf("coverage %d: %w", id, ErrNotFound)
		}
		copy := *c
		out = &copy
		return nil
	})
	return out, err
}

func (s *MemoryStore) UpdateCoverage(_ context.Context, c *model.Coverage) error {
	return s.write(func(st *memState) error {
		if _, ok := st.coverage(c.ID); !ok {
			return fmt.Errorf("coverage %d: %w", c.ID, ErrNotFound)
		}
		copy := *c
		st.coverages.ReplaceOrInsert(&copy)
		idx := st.activeIndex(c.PoolID)
		if c.State == model.CoverageActive {
			idx.ReplaceOrInsert(idItem(c.ID))
		} else {
			idx.Delete(idItem(c.ID))
		}
		return nil
	})
}

func (s *MemoryStore) ListActiveCoverages(_ context.Context, poolID string, afterID uint64, limit int) ([]model.Coverage, error) {
	var result []model.Coverage
	err := s.read(func(st *memState) error {
		idx, ok := st.active[poolID]
		if !ok {
			return nil
		}
		idx.AscendGreaterOrEqual(idItem(afterID+1), func(item btree.Item) bool {
			if limit > 0 && len(result) >= limit {
				return false
			}
			c, _ := st.coverage(uint64(item.(idItem)))
			result = append(result, *c)
			return true
		})
		return nil
	})
	return result, err
}

func (s *MemoryStore) ActiveNotionalByOwner(_ context.Context, poolID, owner string) (decimal.Decimal, error) {
	total := decimal.Zero
	err := s.read(func(st *memState) error {
		idx, ok := st.active[poolID]
		if !ok {
			return nil
		}
		idx.Ascend(func(item btree.Item) bool {
			c, _ := st.coverage(uint64(item.(idItem)))
			if c.Owner == owner {
				total = total.Add(c.Notional)
			}
			return true
		})
		return nil
	})
	return total, err
}

// --- Liquidation queue ---

func (s *MemoryStore) CreateLiquidation(_ context.Context, e *model.LiquidationEntry) error {
	return s.write(func(st *memState) error {
		if _, ok := st.liquidation(e.ID); ok {
			return fmt.Errorf("liquidation %d: %w", e.ID, ErrAlreadyExists)
		}
		copy := *e
		st.liquidations.ReplaceOrInsert(&copy)
		st.byPosition.ReplaceOrInsert(liquidationRef{position: e.PositionID, liquidation: e.ID})
		if !e.Processed {
			st.pending.ReplaceOrInsert(idItem(e.ID))
		}
		return nil
	})
}

func (s *MemoryStore) GetLiquidationByPosition(_ context.Context, positionID uint64) (*model.LiquidationEntry, error) {
	var out *model.LiquidationEntry
	err := s.read(func(st *memState) error {
		ref, ok := st.byPosition.Get(liquidationRef{position: positionID})
		if !ok {
			return fmt.Errorf("liquidation for position %d: %w", positionID, ErrNotFound)
		}
		e, _ := st.liquidation(ref.liquidation)
		copy := *e
		out = &copy
		return nil
	})
	return out, err
}

func (s *MemoryStore) UpdateLiquidation(_ context.Context, e *model.LiquidationEntry) error {
	return s.write(func(st *memState) error {
		if _, ok := st.liquidation(e.ID); !ok {
			return fmt.Errorf("liquidation %d: %w", e.ID, ErrNotFound)
		}
		copy := *e
		st.liquidations.ReplaceOrInsert(&copy)
		if e.Processed {
			st.pending.Delete(idItem(e.ID))
		} else {
			st.pending.ReplaceOrInsert(idItem(e.ID))
		}
		return nil
	})
}

func (s *MemoryStore) ListPendingLiquidations(_ context.Context, afterID uint64, limit int) ([]model.LiquidationEntry, error) {
	var result []model.LiquidationEntry
	err := s.read(func(st *memState) error {
		st.pending.AscendGreaterOrEqual(idItem(afterID+1), func(item btree.Item) bool {
			if limit > 0 && len(result) >= limit {
				return false
			}
			e, _ := st.liquidation(uint64(item.(idItem)))
			result = append(result, *e)
			return true
		})
		return nil
	})
	return result, err
}

// --- Cursors ---

func (s *MemoryStore) GetCursor(_ context.Context, name string) (uint64, error) {
	var v uint64
	err := s.read(func(st *memState) error {
		v = st.cursors[name]
		return nil
	})
	return v, err
}

func (s *MemoryStore) SetCursor(_ context.Context, name string, value uint64) error {
	return s.write(func(st *memState) error {
		st.cursors[name] = value
		return nil
	})
}
