// Package config defines the top-level configuration for the coverage engine
// and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by COVER_* environment variables.
type Config struct {
	Server   ServerConfig        `toml:"server"`
	Database DatabaseConfig      `toml:"database"`
	Redis    RedisConfig         `toml:"redis"`
	NATS     NATSConfig          `toml:"nats"`
	Engine   EngineConfig        `toml:"engine"`
	Keeper   KeeperConfig        `toml:"keeper"`
	Limits   LimitsConfig        `toml:"limits"`
	Roles    map[string][]string `toml:"roles"`
	Balances map[string]string   `toml:"balances"` // initial asset balances in base units, in-memory ledger only
	LogLevel string              `toml:"log_level"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Port           int      `toml:"port"`
	APIKey         string   `toml:"api_key"` // empty disables the X-API-Key check
	CORSOrigins    []string `toml:"cors_origins"`
	RequestTimeout duration `toml:"request_timeout"`
}

// DatabaseConfig holds PostgreSQL parameters. An empty URL runs the engine on
// the in-memory store.
type DatabaseConfig struct {
	URL           string `toml:"url"`
	MaxConns      int    `toml:"max_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis parameters. An empty Addr disables the cache, the
// Redis oracle feed and the distributed keeper lock.
type RedisConfig struct {
	Addr     string   `toml:"addr"`
	Password string   `toml:"password"`
	DB       int      `toml:"db"`
	CacheTTL duration `toml:"cache_ttl"`
}

// NATSConfig holds the ledger event stream settings.
type NATSConfig struct {
	Enabled bool   `toml:"enabled"`
	URL     string `toml:"url"`
}

// EngineConfig holds the economic parameters of the ledger. Fractions are
// decimals (0.01 is 1%).
type EngineConfig struct {
	DepositFee             decimal.Decimal `toml:"deposit_fee"`
	ReferralFee            decimal.Decimal `toml:"referral_fee"`
	CollateralizationLevel decimal.Decimal `toml:"collateralization_level"`
	YieldRate              decimal.Decimal `toml:"yield_rate"`
	UpkeepBatchSize        int             `toml:"upkeep_batch_size"`
	QueueBatchSize         int             `toml:"queue_batch_size"`
	BaseDecimals           int32           `toml:"base_decimals"`
	TreasuryAccount        string          `toml:"treasury_account"`
	ReserveAccount         string          `toml:"reserve_account"`
}

// KeeperConfig tunes the background settlement runner.
type KeeperConfig struct {
	Enabled          bool     `toml:"enabled"`
	Actor            string   `toml:"actor"`
	UpkeepInterval   duration `toml:"upkeep_interval"`
	QueueInterval    duration `toml:"queue_interval"`
	LockTTL          duration `toml:"lock_ttl"`
	MaxBatchesPerRun int      `toml:"max_batches_per_run"`
}

// LimitsConfig holds capacity limits and pool defaults. Amounts are whole
// base-token units and are scaled by engine.base_decimals.
type LimitsConfig struct {
	MaxBuyerNotional        int64    `toml:"max_buyer_notional"` // 0 = unlimited
	DefaultMaxPoolSize      int64    `toml:"default_max_pool_size"`
	DefaultCoverageWindow   duration `toml:"default_coverage_window"`
	DefaultPremiumRate      string   `toml:"default_premium_rate"`
	MinPositionDurationDays int      `toml:"min_position_duration_days"`
}

// duration wraps time.Duration for TOML string decoding ("30s", "720h").
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with sensible default values.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:           8080,
			CORSOrigins:    []string{"*"},
			RequestTimeout: duration{30 * time.Second},
		},
		Database: DatabaseConfig{
			MaxConns:      10,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			CacheTTL: duration{30 * time.Second},
		},
		NATS: NATSConfig{
			URL: "nats://localhost:4222",
		},
		Engine: EngineConfig{
			DepositFee:             decimal.RequireFromString("0.01"),
			ReferralFee:            decimal.RequireFromString("0.005"),
			CollateralizationLevel: decimal.RequireFromString("0.94"),
			YieldRate:              decimal.RequireFromString("0.04"),
			UpkeepBatchSize:        50,
			QueueBatchSize:         50,
			BaseDecimals:           6,
			TreasuryAccount:        "treasury",
			ReserveAccount:         "reserve",
		},
		Keeper: KeeperConfig{
			Enabled:          true,
			Actor:            "keeper",
			UpkeepInterval:   duration{time.Minute},
			QueueInterval:    duration{5 * time.Minute},
			LockTTL:          duration{2 * time.Minute},
			MaxBatchesPerRun: 20,
		},
		Limits: LimitsConfig{
			DefaultMaxPoolSize:      1_000_000,
			DefaultCoverageWindow:   duration{30 * 24 * time.Hour},
			DefaultPremiumRate:      "40",
			MinPositionDurationDays: 180,
		},
		Roles:    map[string][]string{},
		LogLevel: "info",
	}
}

var validLogLevels = map[string]bool{
	"debug": true, "info": true, "warn": true, "error": true,
}

var validRoles = map[string]bool{
	"risk_manager": true, "liquidator": true, "lister": true, "oracle_updater": true,
}

// Validate checks the configuration for obvious mistakes. It returns an error
// listing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
	}
	if c.Server.RequestTimeout.Duration <= 0 {
		errs = append(errs, "server: request_timeout must be positive")
	}

	if c.Database.URL != "" && c.Database.MaxConns < 1 {
		errs = append(errs, "database: max_conns must be >= 1")
	}
	if c.Redis.Addr != "" && c.Redis.CacheTTL.Duration <= 0 {
		errs = append(errs, "redis: cache_ttl must be positive")
	}
	if c.NATS.Enabled && c.NATS.URL == "" {
		errs = append(errs, "nats: url is required when enabled")
	}

	one := decimal.NewFromInt(1)
	e := c.Engine
	if e.DepositFee.IsNegative() || e.DepositFee.GreaterThanOrEqual(one) {
		errs = append(errs, fmt.Sprintf("engine: deposit_fee must be in [0, 1), got %s", e.DepositFee))
	}
	if e.ReferralFee.IsNegative() || e.ReferralFee.GreaterThan(e.DepositFee) {
		errs = append(errs, fmt.Sprintf("engine: referral_fee must be in [0, deposit_fee], got %s", e.ReferralFee))
	}
	if e.CollateralizationLevel.IsNegative() || e.CollateralizationLevel.GreaterThan(one) {
		errs = append(errs, fmt.Sprintf("engine: collateralization_level must be in [0, 1], got %s", e.CollateralizationLevel))
	}
	if e.YieldRate.IsNegative() {
		errs = append(errs, fmt.Sprintf("engine: yield_rate must not be negative, got %s", e.YieldRate))
	}
	if e.UpkeepBatchSize < 1 {
		errs = append(errs, "engine: upkeep_batch_size must be >= 1")
	}
	if e.QueueBatchSize < 1 {
		errs = append(errs, "engine: queue_batch_size must be >= 1")
	}
	if e.BaseDecimals < 0 || e.BaseDecimals > 18 {
		errs = append(errs, fmt.Sprintf("engine: base_decimals must be 0-18, got %d", e.BaseDecimals))
	}
	if e.TreasuryAccount == "" || e.ReserveAccount == "" {
		errs = append(errs, "engine: treasury_account and reserve_account must be set")
	}

	if c.Keeper.Enabled {
		if c.Keeper.Actor == "" {
			errs = append(errs, "keeper: actor is required when enabled")
		}
		if c.Keeper.UpkeepInterval.Duration <= 0 || c.Keeper.QueueInterval.Duration <= 0 {
			errs = append(errs, "keeper: upkeep_interval and queue_interval must be positive")
		}
		if c.Keeper.LockTTL.Duration < c.Keeper.UpkeepInterval.Duration {
			errs = append(errs, "keeper: lock_ttl must be >= upkeep_interval")
		}
	}
	if c.Keeper.MaxBatchesPerRun < 1 {
		errs = append(errs, "keeper: max_batches_per_run must be >= 1")
	}

	if c.Limits.MaxBuyerNotional < 0 {
		errs = append(errs, "limits: max_buyer_notional must not be negative")
	}
	if c.Limits.DefaultMaxPoolSize <= 0 {
		errs = append(errs, "limits: default_max_pool_size must be positive")
	}
	if c.Limits.DefaultCoverageWindow.Duration <= 0 {
		errs = append(errs, "limits: default_coverage_window must be positive")
	}
	if rate, err := decimal.NewFromString(c.Limits.DefaultPremiumRate); err != nil || rate.IsNegative() {
		errs = append(errs, fmt.Sprintf("limits: default_premium_rate %q is not a non-negative decimal", c.Limits.DefaultPremiumRate))
	}
	if c.Limits.MinPositionDurationDays < 0 {
		errs = append(errs, "limits: min_position_duration_days must not be negative")
	}

	for role := range c.Roles {
		if !validRoles[role] {
			errs = append(errs, fmt.Sprintf("roles: unknown role %q (valid: risk_manager, liquidator, lister, oracle_updater)", role))
		}
	}
	for account, amount := range c.Balances {
		if d, err := decimal.NewFromString(amount); err != nil || d.IsNegative() || !d.IsInteger() {
			errs = append(errs, fmt.Sprintf("balances: %s: %q is not a whole non-negative amount", account, amount))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// Units converts whole base-token units into base units.
func (c *Config) Units(whole int64) decimal.Decimal {
	return decimal.NewFromInt(whole).Shift(c.Engine.BaseDecimals)
}

// PremiumRate returns the parsed default premium rate.
func (c *Config) PremiumRate() decimal.Decimal {
	rate, err := decimal.NewFromString(c.Limits.DefaultPremiumRate)
	if err != nil {
		return decimal.Zero
	}
	return rate
}

// UsesPostgres reports whether a database URL is configured.
func (c *Config) UsesPostgres() bool { return c.Database.URL != "" }

// UsesRedis reports whether a Redis address is configured.
func (c *Config) UsesRedis() bool { return c.Redis.Addr != "" }
