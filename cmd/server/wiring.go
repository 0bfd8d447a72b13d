package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/blocksurance-dao/blocksurance-protocol/internal/api"
	"github.com/blocksurance-dao/blocksurance-protocol/internal/asset"
	"github.com/blocksurance-dao/blocksurance-protocol/internal/auth"
	"github.com/blocksurance-dao/blocksurance-protocol/internal/config"
	"github.com/blocksurance-dao/blocksurance-protocol/internal/engine"
	"github.com/blocksurance-dao/blocksurance-protocol/internal/events"
	"github.com/blocksurance-dao/blocksurance-protocol/internal/keeper"
	"github.com/blocksurance-dao/blocksurance-protocol/internal/limits"
	"github.com/blocksurance-dao/blocksurance-protocol/internal/lock"
	"github.com/blocksurance-dao/blocksurance-protocol/internal/oracle"
	"github.com/blocksurance-dao/blocksurance-protocol/internal/registry"
	"github.com/blocksurance-dao/blocksurance-protocol/internal/store"
	"github.com/blocksurance-dao/blocksurance-protocol/internal/token"
)

// priceFeed is an oracle that also accepts pushed observations.
type priceFeed interface {
	oracle.Oracle
	oracle.Recorder
}

// app holds the wired collaborators of one process.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	engine   *engine.Engine
	registry *registry.Registry
	feed     priceFeed
	auth     *auth.Static
	assets   *asset.MemoryLedger
	locker   lock.Locker
	hub      *api.WSHub

	cleanup []func()
}

// newApp connects to the configured backends and wires the engine. Without
// a database URL everything runs in memory.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}
	if err := a.wire(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context) error {
	cfg, logger := a.cfg, a.logger

	// --- Initialize store ---
	var st store.Store
	if cfg.UsesPostgres() {
		pool, err := openPostgres(ctx, cfg)
		if err != nil {
			return err
		}
		a.cleanup = append(a.cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if cfg.Database.RunMigrations {
			if err := pg.Migrate(ctx); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
		}
		st = pg
		logger.Info("connected to PostgreSQL")
	} else {
		logger.Warn("database.url not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	// --- Redis: cache, oracle feed, keeper lock ---
	if cfg.UsesRedis() {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		a.cleanup = append(a.cleanup, func() { rdb.Close() })
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		if cfg.UsesPostgres() {
			st = store.NewCachedStore(st, rdb, cfg.Redis.CacheTTL.Duration)
			logger.Info("Redis cache enabled", "ttl", cfg.Redis.CacheTTL.Duration)
		}
		a.feed = oracle.NewRedisFeed(rdb)
		a.locker = lock.NewRedis(rdb)
	} else {
		a.feed = oracle.NewFeed()
		a.locker = lock.NewLocal()
	}

	// --- Asset ledger and capability tokens ---
	a.assets = asset.NewMemoryLedger()
	for account, amount := range cfg.Balances {
		if err := a.assets.Mint(ctx, account, decimal.RequireFromString(amount)); err != nil {
			return fmt.Errorf("seed balance %s: %w", account, err)
		}
	}
	tokens := token.NewMemoryRegistry()

	grants := make(map[auth.Role][]string, len(cfg.Roles))
	for role, actors := range cfg.Roles {
		grants[auth.Role(role)] = actors
	}
	a.auth = auth.NewStatic(grants)

	// --- Event fan-out ---
	a.hub = api.NewWSHub(logger)
	publishers := events.Multi{a.hub}
	if cfg.NATS.Enabled {
		js, err := a.openJetStream(ctx)
		if err != nil {
			return err
		}
		publishers = append(publishers, events.NewJetStream(js))
		logger.Info("publishing ledger events to NATS", "stream", events.StreamName)
	}

	// --- Engine and registry ---
	params := engine.Params{
		DepositFee:             cfg.Engine.DepositFee,
		ReferralFee:            cfg.Engine.ReferralFee,
		CollateralizationLevel: cfg.Engine.CollateralizationLevel,
		YieldRate:              cfg.Engine.YieldRate,
		UpkeepBatchSize:        cfg.Engine.UpkeepBatchSize,
		QueueBatchSize:         cfg.Engine.QueueBatchSize,
		TreasuryAccount:        cfg.Engine.TreasuryAccount,
	}
	eng, err := engine.New(engine.Deps{
		Store:     st,
		Oracle:    a.feed,
		Assets:    a.assets,
		Tokens:    tokens,
		Auth:      a.auth,
		Yield:     engine.NewReserveYield(a.assets, cfg.Engine.ReserveAccount),
		Publisher: publishers,
		Limiter:   limits.NewLimiter(cfg.Units(cfg.Limits.MaxBuyerNotional)),
		Logger:    logger,
	}, params)
	if err != nil {
		return err
	}
	a.engine = eng

	a.registry = registry.New(st, a.auth, registry.Defaults{
		PremiumRate:             cfg.PremiumRate(),
		MinPositionDurationDays: cfg.Limits.MinPositionDurationDays,
		MaxPoolSize:             cfg.Units(cfg.Limits.DefaultMaxPoolSize),
		CoverageWindow:          cfg.Limits.DefaultCoverageWindow.Duration,
	}, eng.Now, logger)

	return nil
}

func (a *app) openJetStream(ctx context.Context) (jetstream.JetStream, error) {
	nc, err := nats.Connect(a.cfg.NATS.URL, nats.Name("coverage-engine"))
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	a.cleanup = append(a.cleanup, nc.Close)
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("jetstream: %w", err)
	}
	if err := events.EnsureStream(ctx, js); err != nil {
		return nil, err
	}
	return js, nil
}

// keeper builds the settlement runner.
func (a *app) keeper() *keeper.Runner {
	return keeper.NewRunner(a.engine, a.locker, keeper.Config{
		UpkeepInterval:   a.cfg.Keeper.UpkeepInterval.Duration,
		QueueInterval:    a.cfg.Keeper.QueueInterval.Duration,
		Actor:            a.cfg.Keeper.Actor,
		LockTTL:          a.cfg.Keeper.LockTTL.Duration,
		MaxBatchesPerRun: a.cfg.Keeper.MaxBatchesPerRun,
	}, a.logger)
}

// service builds the HTTP service.
func (a *app) service() *api.Service {
	return api.NewService(api.Deps{
		Engine:   a.engine,
		Registry: a.registry,
		Oracle:   a.feed,
		Prices:   a.feed,
		Auth:     a.auth,
		Assets:   a.assets,
		Logger:   a.logger,
	})
}

// Close releases connections in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.cleanup) - 1; i >= 0; i-- {
		a.cleanup[i]()
	}
}

func openPostgres(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.Database.MaxConns)
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("database connection failed: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("database ping: %w", err)
	}
	return pool, nil
}
