package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/blocksurance-dao/blocksurance-protocol/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for pools, positions and coverages. Writes go to the primary store
// and invalidate the cache; reads check Redis first then fall back to the
// primary.
//
// Inside a transaction reads bypass the cache and invalidations are deferred
// until the transaction commits.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
	touched map[string]struct{} // non-nil inside WithTx
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

func (s *CachedStore) WithTx(ctx context.Context, fn func(tx Store) error) error {
	if s.touched != nil {
		return fn(s)
	}

	var touched map[string]struct{}
	err := s.primary.WithTx(ctx, func(tx Store) error {
		view := &CachedStore{primary: tx, rdb: s.rdb, ttl: s.ttl, touched: make(map[string]struct{})}
		touched = view.touched
		return fn(view)
	})
	if err != nil {
		return err
	}

	if len(touched) > 0 {
		keys := make([]string, 0, len(touched))
		for k := range touched {
			keys = append(keys, k)
		}
		s.rdb.Del(ctx, keys...)
	}
	return nil
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreatePool(ctx context.Context, p *model.Pool) error {
	return s.primary.CreatePool(ctx, p)
}

func (s *CachedStore) UpdatePool(ctx context.Context, p *model.Pool) error {
	if err := s.primary.UpdatePool(ctx, p); err != nil {
		return err
	}
	s.invalidate(ctx, poolKey(p.ID))
	return nil
}

func (s *CachedStore) CreatePosition(ctx context.Context, p *model.Position) error {
	return s.primary.CreatePosition(ctx, p)
}

func (s *CachedStore) UpdatePosition(ctx context.Context, p *model.Position) error {
	if err := s.primary.UpdatePosition(ctx, p); err != nil {
		return err
	}
	s.invalidate(ctx, positionKey(p.ID))
	return nil
}

func (s *CachedStore) DeletePosition(ctx context.Context, id uint64) error {
	if err := s.primary.DeletePosition(ctx, id); err != nil {
		return err
	}
	s.invalidate(ctx, positionKey(id))
	return nil
}

func (s *CachedStore) CreateCoverage(ctx context.Context, c *model.Coverage) error {
	return s.primary.CreateCoverage(ctx, c)
}

func (s *CachedStore) UpdateCoverage(ctx context.Context, c *model.Coverage) error {
	if err := s.primary.UpdateCoverage(ctx, c); err != nil {
		return err
	}
	s.invalidate(ctx, coverageKey(c.ID))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetPool(ctx context.Context, id string) (*model.Pool, error) {
	if s.touched != nil {
		return s.primary.GetPool(ctx, id)
	}
	var p model.Pool
	if s.load(ctx, poolKey(id), &p) {
		return &p, nil
	}

	// Cache miss: read from primary.
	pool, err := s.primary.GetPool(ctx, id)
	if err != nil {
		return nil, err
	}
	s.store(ctx, poolKey(id), pool)
	return pool, nil
}

func (s *CachedStore) GetPosition(ctx context.Context, id uint64) (*model.Position, error) {
	if s.touched != nil {
		return s.primary.GetPosition(ctx, id)
	}
	var p model.Position
	if s.load(ctx, positionKey(id), &p) {
		return &p, nil
	}

	pos, err := s.primary.GetPosition(ctx, id)
	if err != nil {
		return nil, err
	}
	s.store(ctx, positionKey(id), pos)
	return pos, nil
}

func (s *CachedStore) GetCoverage(ctx context.Context, id uint64) (*model.Coverage, error) {
	if s.touched != nil {
		return s.primary.GetCoverage(ctx, id)
	}
	var c model.Coverage
	if s.load(ctx, coverageKey(id), &c) {
		return &c, nil
	}

	cov, err := s.primary.GetCoverage(ctx, id)
	if err != nil {
		return nil, err
	}
	s.store(ctx, coverageKey(id), cov)
	return cov, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) CreateMarket(ctx context.Context, m *model.Market) error {
	return s.primary.CreateMarket(ctx, m)
}

func (s *CachedStore) GetMarket(ctx context.Context, symbol string) (*model.Market, error) {
	return s.primary.GetMarket(ctx, symbol)
}

func (s *CachedStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	return s.primary.ListMarkets(ctx)
}

func (s *CachedStore) ListPools(ctx context.Context) ([]model.Pool, error) {
	return s.primary.ListPools(ctx)
}

func (s *CachedStore) NextID(ctx context.Context, seq Sequence) (uint64, error) {
	return s.primary.NextID(ctx, seq)
}

func (s *CachedStore) ListPositions(ctx context.Context, poolID string) ([]model.Position, error) {
	return s.primary.ListPositions(ctx, poolID)
}

func (s *CachedStore) ListActiveCoverages(ctx context.Context, poolID string, afterID uint64, limit int) ([]model.Coverage, error) {
	return s.primary.ListActiveCoverages(ctx, poolID, afterID, limit)
}

func (s *CachedStore) ActiveNotionalByOwner(ctx context.Context, poolID, owner string) (decimal.Decimal, error) {
	return s.primary.ActiveNotionalByOwner(ctx, poolID, owner)
}

func (s *CachedStore) CreateLiquidation(ctx context.Context, e *model.LiquidationEntry) error {
	return s.primary.CreateLiquidation(ctx, e)
}

func (s *CachedStore) GetLiquidationByPosition(ctx context.Context, positionID uint64) (*model.LiquidationEntry, error) {
	return s.primary.GetLiquidationByPosition(ctx, positionID)
}

func (s *CachedStore) UpdateLiquidation(ctx context.Context, e *model.LiquidationEntry) error {
	return s.primary.UpdateLiquidation(ctx, e)
}

func (s *CachedStore) ListPendingLiquidations(ctx context.Context, afterID uint64, limit int) ([]model.LiquidationEntry, error) {
	return s.primary.ListPendingLiquidations(ctx, afterID, limit)
}

func (s *CachedStore) GetCursor(ctx context.Context, name string) (uint64, error) {
	return s.primary.GetCursor(ctx, name)
}

func (s *CachedStore) SetCursor(ctx context.Context, name string, value uint64) error {
	return s.primary.SetCursor(ctx, name, value)
}

// --- Cache helpers ---

func (s *CachedStore) load(ctx context.Context, key string, dst any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

func (s *CachedStore) store(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func (s *CachedStore) invalidate(ctx context.Context, key string) {
	if s.touched != nil {
		s.touched[key] = struct{}{}
		return
	}
	s.rdb.Del(ctx, key)
}

func poolKey(id string) string       { return fmt.Sprintf("cover:pool:%s", id) }
func positionKey(id uint64) string   { return fmt.Sprintf("cover:position:%d", id) }
func coverageKey(id uint64) string   { return fmt.Sprintf("cover:coverage:%d", id) }
