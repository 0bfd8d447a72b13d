// Package store defines the persistence interface for the coverage engine: the
// owned arena of markets, pools, positions, coverages and liquidation entries.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing and development).
package store

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/blocksurance-dao/blocksurance-protocol/internal/model"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrAlreadyExists is returned when creating a record whose key is taken.
	ErrAlreadyExists = errors.New("store: already exists")
)

// Sequence names an id sequence.
type Sequence string

const (
	SeqPosition    Sequence = "position"
	SeqCoverage    Sequence = "coverage"
	SeqLiquidation Sequence = "liquidation"
)

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Market registry ---

	// CreateMarket persists a new market listing.
	CreateMarket(ctx context.Context, market *model.Market) error

	// GetMarket retrieves a market by its symbol.
	GetMarket(ctx context.Context, symbol string) (*model.Market, error)

	// ListMarkets returns all listed markets.
	ListMarkets(ctx context.Context) ([]model.Market, error)

	// --- Pools ---

	CreatePool(ctx context.Context, pool *model.Pool) error
	GetPool(ctx context.Context, id string) (*model.Pool, error)
	ListPools(ctx context.Context) ([]model.Pool, error)

	// UpdatePool overwrites the mutable pool fields (rate, pause flag,
	// aggregates, cursor).
	UpdatePool(ctx context.Context, pool *model.Pool) error

	// --- Id sequences ---

	// NextID returns the next id of a sequence. Ids start at 1.
	NextID(ctx context.Context, seq Sequence) (uint64, error)

	// --- Positions ---

	CreatePosition(ctx context.Context, pos *model.Position) error
	GetPosition(ctx context.Context, id uint64) (*model.Position, error)
	UpdatePosition(ctx context.Context, pos *model.Position) error
	DeletePosition(ctx context.Context, id uint64) error

	// ListPositions returns the pool's live positions ordered by id.
	ListPositions(ctx context.Context, poolID string) ([]model.Position, error)

	// --- Coverages ---

	CreateCoverage(ctx context.Context, cov *model.Coverage) error
	GetCoverage(ctx context.Context, id uint64) (*model.Coverage, error)
	UpdateCoverage(ctx context.Context, cov *model.Coverage) error

	// ListActiveCoverages returns up to limit active coverages of the pool
	// with id > afterID, ordered by id. It is the cursor primitive for
	// bounded settlement batches.
	ListActiveCoverages(ctx context.Context, poolID string, afterID uint64, limit int) ([]model.Coverage, error)

	// ActiveNotionalByOwner sums the notional of the owner's active
	// coverages in the pool.
	ActiveNotionalByOwner(ctx context.Context, poolID, owner string) (decimal.Decimal, error)

	// --- Liquidation queue ---

	CreateLiquidation(ctx context.Context, entry *model.LiquidationEntry) error

	// GetLiquidationByPosition returns the most recent entry for a position.
	GetLiquidationByPosition(ctx context.Context, positionID uint64) (*model.LiquidationEntry, error)

	UpdateLiquidation(ctx context.Context, entry *model.LiquidationEntry) error

	// ListPendingLiquidations returns up to limit unprocessed entries with
	// id > afterID in enqueue order.
	ListPendingLiquidations(ctx context.Context, afterID uint64, limit int) ([]model.LiquidationEntry, error)

	// --- Cursors ---

	// GetCursor returns a named batching cursor, 0 if never set.
	GetCursor(ctx context.Context, name string) (uint64, error)
	SetCursor(ctx context.Context, name string, value uint64) error

	// --- Transactions ---

	// WithTx runs fn against a transactional view of the store. Every write
	// made through tx commits together if fn returns nil and is discarded
	// otherwise. Calling WithTx on a transactional view runs fn in the
	// enclosing transaction.
	WithTx(ctx context.Context, fn func(tx Store) error) error
}
