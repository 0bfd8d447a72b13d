package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/blocksurance-dao/blocksurance-protocol/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// querier is the subset of pgx shared by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
	q    querier
	inTx bool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, q: pool}
}

// Migrate applies the embedded migrations in lexicographic order, tracking
// applied files in schema_migrations.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	const createTracker = `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			filename TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);`
	if _, err := s.pool.Exec(ctx, createTracker); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}

		var applied bool
		if err := s.pool.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE filename = $1)`, name).
			Scan(&applied); err != nil {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if applied {
			continue
		}

		data, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}

		err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, string(data)); err != nil {
				return err
			}
			_, err := tx.Exec(ctx, `INSERT INTO schema_migrations (filename) VALUES ($1)`, name)
			return err
		})
		if err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
	}
	return nil
}

func (s *PostgresStore) WithTx(ctx context.Context, fn func(tx Store) error) error {
	if s.inTx {
		return fn(s)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	if err := fn(&PostgresStore{pool: s.pool, q: tx, inTx: true}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	committed = true
	return nil
}

// forUpdate locks read rows for the rest of the enclosing transaction.
func (s *PostgresStore) forUpdate() string {
	if s.inTx {
		return " FOR UPDATE"
	}
	return ""
}

// --- Market registry ---

func (s *PostgresStore) CreateMarket(ctx context.Context, m *model.Market) error {
	_, err := s.q.Exec(ctx,
		`INSERT INTO markets (symbol, name, token, oracle, metadata_uri, listed_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		m.Symbol, m.Name, m.Token, m.Oracle, m.MetadataURI, m.ListedAt,
	)
	return wrapWrite(err, "market "+m.Symbol)
}

func (s *PostgresStore) GetMarket(ctx context.Context, symbol string) (*model.Market, error) {
	var m model.Market
	err := s.q.QueryRow(ctx,
		`SELECT symbol, name, token, oracle, metadata_uri, listed_at
		 FROM markets WHERE symbol = $1`, symbol).
		Scan(&m.Symbol, &m.Name, &m.Token, &m.Oracle, &m.MetadataURI, &m.ListedAt)
	if err != nil {
		return nil, wrapRead(err, "market "+symbol)
	}
	return &m, nil
}

func (s *PostgresStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	rows, err := s.q.Query(ctx,
		`SELECT symbol, name, token, oracle, metadata_uri, listed_at
		 FROM markets ORDER BY symbol`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var markets []model.Market
	for rows.Next() {
		var m model.Market
		if err := rows.Scan(&m.Symbol, &m.Name, &m.Token, &m.Oracle, &m.MetadataURI, &m.ListedAt); err != nil {
			return nil, err
		}
		markets = append(markets, m)
	}
	return markets, rows.Err()
}

// --- Pools ---

const poolColumns = `id, name, underlying_token, base_token, oracle,
	premium_rate::TEXT, min_position_duration_days, max_pool_size::TEXT,
	coverage_window_ns, paused, total_liquidity::TEXT, total_coverage::TEXT,
	position_count, upkeep_cursor, created_at`

func (s *PostgresStore) CreatePool(ctx context.Context, p *model.Pool) error {
	_, err := s.q.Exec(ctx,
		`INSERT INTO pools (id, name, underlying_token, base_token, oracle,
		                    premium_rate, min_position_duration_days, max_pool_size,
		                    coverage_window_ns, paused, total_liquidity, total_coverage,
		                    position_count, upkeep_cursor, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7, $8::NUMERIC, $9, $10,
		         $11::NUMERIC, $12::NUMERIC, $13, $14, $15)`,
		p.ID, p.Name, p.UnderlyingToken, p.BaseToken, p.Oracle,
		p.PremiumRate.String(), p.MinPositionDurationDays, p.MaxPoolSize.String(),
		int64(p.CoverageWindow), p.Paused, p.TotalLiquidity.String(), p.TotalCoverage.String(),
		p.PositionCount, int64(p.UpkeepCursor), p.CreatedAt,
	)
	return wrapWrite(err, "pool "+p.ID)
}

func (s *PostgresStore) GetPool(ctx context.Context, id string) (*model.Pool, error) {
	row := s.q.QueryRow(ctx, `SELECT `+poolColumns+` FROM pools WHERE id = $1`+s.forUpdate(), id)
	p, err := scanPool(row)
	if err != nil {
		return nil, wrapRead(err, "pool "+id)
	}
	return p, nil
}

func (s *PostgresStore) ListPools(ctx context.Context) ([]model.Pool, error) {
	rows, err := s.q.Query(ctx, `SELECT `+poolColumns+` FROM pools ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pools []model.Pool
	for rows.Next() {
		p, err := scanPool(rows)
		if err != nil {
			return nil, err
		}
		pools = append(pools, *p)
	}
	return pools, rows.Err()
}

func (s *PostgresStore) UpdatePool(ctx context.Context, p *model.Pool) error {
	tag, err := s.q.Exec(ctx,
		`UPDATE pools
		 SET premium_rate = $2::NUMERIC, max_pool_size = $3::NUMERIC, paused = $4,
		     total_liquidity = $5::NUMERIC, total_coverage = $6::NUMERIC,
		     position_count = $7, upkeep_cursor = $8
		 WHERE id = $1`,
		p.ID, p.PremiumRate.String(), p.MaxPoolSize.String(), p.Paused,
		p.TotalLiquidity.String(), p.TotalCoverage.String(),
		p.PositionCount, int64(p.UpkeepCursor),
	)
	return wrapUpdate(tag, err, "pool "+p.ID)
}

// --- Id sequences ---

func (s *PostgresStore) NextID(ctx context.Context, seq Sequence) (uint64, error) {
	var id int64
	if err := s.q.QueryRow(ctx, `SELECT nextval($1::regclass)`, string(seq)+"_id_seq").Scan(&id); err != nil {
		return 0, fmt.Errorf("next %s id: %w", seq, err)
	}
	return uint64(id), nil
}

// --- Positions ---

const positionColumns = `id, pool_id, owner, referrer, principal::TEXT, capital::TEXT,
	free_amount::TEXT, premiums::TEXT, claims::TEXT, open_coverages, duration_days,
	opened_at, expires_at, state`

func (s *PostgresStore) CreatePosition(ctx context.Context, p *model.Position) error {
	_, err := s.q.Exec(ctx,
		`INSERT INTO positions (id, pool_id, owner, referrer, principal, capital,
		                        free_amount, premiums, claims, open_coverages, duration_days,
		                        opened_at, expires_at, state)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC,
		         $9::NUMERIC, $10, $11, $12, $13, $14)`,
		int64(p.ID), p.PoolID, p.Owner, p.Referrer, p.Principal.String(), p.Capital.String(),
		p.FreeAmount.String(), p.Premiums.String(), p.Claims.String(), p.OpenCoverages, p.DurationDays,
		p.OpenedAt, p.ExpiresAt, string(p.State),
	)
	return wrapWrite(err, fmt.Sprintf("position %d", p.ID))
}

func (s *PostgresStore) GetPosition(ctx context.Context, id uint64) (*model.Position, error) {
	row := s.q.QueryRow(ctx, `SELECT `+positionColumns+` FROM positions WHERE id = $1`+s.forUpdate(), int64(id))
	p, err := scanPosition(row)
	if err != nil {
		return nil, wrapRead(err, fmt.Sprintf("position %d", id))
	}
	return p, nil
}

func (s *PostgresStore) UpdatePosition(ctx context.Context, p *model.Position) error {
	tag, err := s.q.Exec(ctx,
		`UPDATE positions
		 SET free_amount = $2::NUMERIC, premiums = $3::NUMERIC, claims = $4::NUMERIC,
		     open_coverages = $5, state = $6
		 WHERE id = $1`,
		int64(p.ID), p.FreeAmount.String(), p.Premiums.String(), p.Claims.String(),
		p.OpenCoverages, string(p.State),
	)
	return wrapUpdate(tag, err, fmt.Sprintf("position %d", p.ID))
}

func (s *PostgresStore) DeletePosition(ctx context.Context, id uint64) error {
	tag, err := s.q.Exec(ctx, `DELETE FROM positions WHERE id = $1`, int64(id))
	return wrapUpdate(tag, err, fmt.Sprintf("position %d", id))
}

func (s *PostgresStore) ListPositions(ctx context.Context, poolID string) ([]model.Position, error) {
	rows, err := s.q.Query(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE pool_id = $1 ORDER BY id`, poolID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, *p)
	}
	return positions, rows.Err()
}

// --- Coverages ---

const coverageColumns = `id, pool_id, position_id, owner, notional::TEXT, strike,
	premium_rate::TEXT, premium_paid::TEXT, reference_price::TEXT, trigger_price::TEXT,
	purchased_at, expires_at, state, resolved_at, paid, paid_at`

func (s *PostgresStore) CreateCoverage(ctx context.Context, c *model.Coverage) error {
	_, err := s.q.Exec(ctx,
		`INSERT INTO coverages (id, pool_id, position_id, owner, notional, strike,
		                        premium_rate, premium_paid, reference_price, trigger_price,
		                        purchased_at, expires_at, state, resolved_at, paid, paid_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC,
		         $10::NUMERIC, $11, $12, $13, $14, $15, $16)`,
		int64(c.ID), c.PoolID, int64(c.PositionID), c.Owner, c.Notional.String(), c.Strike,
		c.PremiumRate.String(), c.PremiumPaid.String(), c.ReferencePrice.String(), c.TriggerPrice.String(),
		c.PurchasedAt, c.ExpiresAt, string(c.State), c.ResolvedAt, c.Paid, c.PaidAt,
	)
	return wrapWrite(err, fmt.Sprintf("coverage %d", c.ID))
}

func (s *PostgresStore) GetCoverage(ctx context.Context, id uint64) (*model.Coverage, error) {
	row := s.q.QueryRow(ctx, `SELECT `+coverageColumns+` FROM coverages WHERE id = $1`+s.forUpdate(), int64(id))
	c, err := scanCoverage(row)
	if err != nil {
		return nil, wrapRead(err, fmt.Sprintf("coverage %d", id))
	}
	return c, nil
}

func (s *PostgresStore) UpdateCoverage(ctx context.Context, c *model.Coverage) error {
	tag, err := s.q.Exec(ctx,
		`UPDATE coverages
		 SET state = $2, resolved_at = $3, paid = $4, paid_at = $5
		 WHERE id = $1`,
		int64(c.ID), string(c.State), c.ResolvedAt, c.Paid, c.PaidAt,
	)
	return wrapUpdate(tag, err, fmt.Sprintf("coverage %d", c.ID))
}

func (s *PostgresStore) ListActiveCoverages(ctx context.Context, poolID string, afterID uint64, limit int) ([]model.Coverage, error) {
	query := `SELECT ` + coverageColumns + ` FROM coverages
		 WHERE pool_id = $1 AND state = 'active' AND id > $2 ORDER BY id`
	args := []any{poolID, int64(afterID)}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}

	rows, err := s.q.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var coverages []model.Coverage
	for rows.Next() {
		c, err := scanCoverage(rows)
		if err != nil {
			return nil, err
		}
		coverages = append(coverages, *c)
	}
	return coverages, rows.Err()
}

func (s *PostgresStore) ActiveNotionalByOwner(ctx context.Context, poolID, owner string) (decimal.Decimal, error) {
	var total string
	err := s.q.QueryRow(ctx,
		`SELECT COALESCE(SUM(notional), 0)::TEXT FROM coverages
		 WHERE pool_id = $1 AND owner = $2 AND state = 'active'`, poolID, owner).
		Scan(&total)
	if err != nil {
		return decimal.Zero, err
	}
	return parseDecimal(total), nil
}

// --- Liquidation queue ---

const liquidationColumns = `id, position_id, pool_id, owner, capital::TEXT, premiums::TEXT,
	claims::TEXT, yield::TEXT, amount_due::TEXT, enqueued_at, processed, processed_at`

func (s *PostgresStore) CreateLiquidation(ctx context.Context, e *model.LiquidationEntry) error {
	_, err := s.q.Exec(ctx,
		`INSERT INTO liquidations (id, position_id, pool_id, owner, capital, premiums,
		                           claims, yield, amount_due, enqueued_at, processed, processed_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC,
		         $9::NUMERIC, $10, $11, $12)`,
		int64(e.ID), int64(e.PositionID), e.PoolID, e.Owner, e.Capital.String(), e.Premiums.String(),
		e.Claims.String(), e.Yield.String(), e.AmountDue.String(), e.EnqueuedAt, e.Processed, e.ProcessedAt,
	)
	return wrapWrite(err, fmt.Sprintf("liquidation %d", e.ID))
}

func (s *PostgresStore) GetLiquidationByPosition(ctx context.Context, positionID uint64) (*model.LiquidationEntry, error) {
	row := s.q.QueryRow(ctx,
		`SELECT `+liquidationColumns+` FROM liquidations
		 WHERE position_id = $1 ORDER BY id DESC LIMIT 1`+s.forUpdate(), int64(positionID))
	e, err := scanLiquidation(row)
	if err != nil {
		return nil, wrapRead(err, fmt.Sprintf("liquidation for position %d", positionID))
	}
	return e, nil
}

func (s *PostgresStore) UpdateLiquidation(ctx context.Context, e *model.LiquidationEntry) error {
	tag, err := s.q.Exec(ctx,
		`UPDATE liquidations SET processed = $2, processed_at = $3 WHERE id = $1`,
		int64(e.ID), e.Processed, e.ProcessedAt,
	)
	return wrapUpdate(tag, err, fmt.Sprintf("liquidation %d", e.ID))
}

func (s *PostgresStore) ListPendingLiquidations(ctx context.Context, afterID uint64, limit int) ([]model.LiquidationEntry, error) {
	query := `SELECT ` + liquidationColumns + ` FROM liquidations WHERE NOT processed AND id > $1 ORDER BY id`
	args := []any{int64(afterID)}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.q.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []model.LiquidationEntry
	for rows.Next() {
		e, err := scanLiquidation(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

// --- Row scanning ---

func scanPool(row pgx.Row) (*model.Pool, error) {
	var p model.Pool
	var rate, maxSize, liquidity, coverage string
	var window, cursor int64

	if err := row.Scan(&p.ID, &p.Name, &p.UnderlyingToken, &p.BaseToken, &p.Oracle,
		&rate, &p.MinPositionDurationDays, &maxSize,
		&window, &p.Paused, &liquidity, &coverage,
		&p.PositionCount, &cursor, &p.CreatedAt); err != nil {
		return nil, err
	}

	p.PremiumRate = parseDecimal(rate)
	p.MaxPoolSize = parseDecimal(maxSize)
	p.TotalLiquidity = parseDecimal(liquidity)
	p.TotalCoverage = parseDecimal(coverage)
	p.CoverageWindow = time.Duration(window)
	p.UpkeepCursor = uint64(cursor)
	return &p, nil
}

func scanPosition(row pgx.Row) (*model.Position, error) {
	var p model.Position
	var id int64
	var principal, capital, free, premiums, claims, state string

	if err := row.Scan(&id, &p.PoolID, &p.Owner, &p.Referrer, &principal, &capital,
		&free, &premiums, &claims, &p.OpenCoverages, &p.DurationDays,
		&p.OpenedAt, &p.ExpiresAt, &state); err != nil {
		return nil, err
	}

	p.ID = uint64(id)
	p.Principal = parseDecimal(principal)
	p.Capital = parseDecimal(capital)
	p.FreeAmount = parseDecimal(free)
	p.Premiums = parseDecimal(premiums)
	p.Claims = parseDecimal(claims)
	p.State = model.PositionState(state)
	return &p, nil
}

func scanCoverage(row pgx.Row) (*model.Coverage, error) {
	var c model.Coverage
	var id, positionID int64
	var notional, rate, premium, reference, trigger, state string

	if err := row.Scan(&id, &c.PoolID, &positionID, &c.Owner, &notional, &c.Strike,
		&rate, &premium, &reference, &trigger,
		&c.PurchasedAt, &c.ExpiresAt, &state, &c.ResolvedAt, &c.Paid, &c.PaidAt); err != nil {
		return nil, err
	}

	c.ID = uint64(id)
	c.PositionID = uint64(positionID)
	c.Notional = parseDecimal(notional)
	c.PremiumRate = parseDecimal(rate)
	c.PremiumPaid = parseDecimal(premium)
	c.ReferencePrice = parseDecimal(reference)
	c.TriggerPrice = parseDecimal(trigger)
	c.State = model.CoverageState(state)
	return &c, nil
}

func scanLiquidation(row pgx.Row) (*model.LiquidationEntry, error) {
	var e model.LiquidationEntry
	var id, positionID int64
	var capital, premiums, claims, yield, due string

	if err := row.Scan(&id, &positionID, &e.PoolID, &e.Owner, &capital, &premiums,
		&claims, &yield, &due, &e.EnqueuedAt, &e.Processed, &e.ProcessedAt); err != nil {
		return nil, err
	}

	e.ID = uint64(id)
	e.PositionID = uint64(positionID)
	e.Capital = parseDecimal(capital)
	e.Premiums = parseDecimal(premiums)
	e.Claims = parseDecimal(claims)
	e.Yield = parseDecimal(yield)
	e.AmountDue = parseDecimal(due)
	return &e, nil
}

// parseDecimal reads a NUMERIC rendered as TEXT. The column constraints
// guarantee a valid number.
func parseDecimal(s string) decimal.Decimal {
	v, _ := decimal.NewFromString(s)
	return v
}

func wrapRead(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return fmt.Errorf("get %s: %w", what, err)
}

func wrapWrite(err error, what string) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%s: %w", what, ErrAlreadyExists)
	}
	return fmt.Errorf("insert %s: %w", what, err)
}

func wrapUpdate(tag pgconn.CommandTag, err error, what string) error {
	if err != nil {
		return fmt.Errorf("update %s: %w", what, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return nil
}

// --- Cursors ---

func (s *PostgresStore) GetCursor(ctx context.Context, name string) (uint64, error) {
	var v int64
	err := s.q.QueryRow(ctx, `SELECT value FROM cursors WHERE name = $1`+s.forUpdate(), name).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("cursor %s: %w", name, err)
	}
	return uint64(v), nil
}

func (s *PostgresStore) SetCursor(ctx context.Context, name string, value uint64) error {
	_, err := s.q.Exec(ctx,
		`INSERT INTO cursors (name, value) VALUES ($1, $2)
		 ON CONFLICT (name) DO UPDATE SET value = EXCLUDED.value`,
		name, int64(value),
	)
	if err != nil {
		return fmt.Errorf("set cursor %s: %w", name, err)
	}
	return nil
}
