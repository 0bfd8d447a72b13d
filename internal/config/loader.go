package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies COVER_* environment variable overrides, and
// returns the final Config. An empty path skips the file. The returned
// Config has NOT been validated; the caller should invoke Config.Validate()
// after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known COVER_* environment variables and
// overwrites the corresponding Config fields when a variable is set.
// Secrets such as the database URL and API key are expected to come from
// here at deploy time.
func applyEnvOverrides(cfg *Config) {
	// ── Server ──
	setInt(&cfg.Server.Port, "COVER_SERVER_PORT")
	setInt(&cfg.Server.Port, "PORT") // platform convention
	setStr(&cfg.Server.APIKey, "COVER_SERVER_API_KEY")
	setStringSlice(&cfg.Server.CORSOrigins, "COVER_SERVER_CORS_ORIGINS")
	setDuration(&cfg.Server.RequestTimeout, "COVER_SERVER_REQUEST_TIMEOUT")

	// ── Database ──
	setStr(&cfg.Database.URL, "COVER_DATABASE_URL")
	setStr(&cfg.Database.URL, "DATABASE_URL") // compatibility alias
	setInt(&cfg.Database.MaxConns, "COVER_DATABASE_MAX_CONNS")
	setBool(&cfg.Database.RunMigrations, "COVER_DATABASE_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "COVER_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "COVER_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "COVER_REDIS_DB")
	setDuration(&cfg.Redis.CacheTTL, "COVER_REDIS_CACHE_TTL")

	// ── NATS ──
	setBool(&cfg.NATS.Enabled, "COVER_NATS_ENABLED")
	setStr(&cfg.NATS.URL, "COVER_NATS_URL")

	// ── Engine ──
	setDecimal(&cfg.Engine.DepositFee, "COVER_ENGINE_DEPOSIT_FEE")
	setDecimal(&cfg.Engine.ReferralFee, "COVER_ENGINE_REFERRAL_FEE")
	setDecimal(&cfg.Engine.CollateralizationLevel, "COVER_ENGINE_COLLATERALIZATION_LEVEL")
	setDecimal(&cfg.Engine.YieldRate, "COVER_ENGINE_YIELD_RATE")
	setInt(&cfg.Engine.UpkeepBatchSize, "COVER_ENGINE_UPKEEP_BATCH_SIZE")
	setInt(&cfg.Engine.QueueBatchSize, "COVER_ENGINE_QUEUE_BATCH_SIZE")
	setStr(&cfg.Engine.TreasuryAccount, "COVER_ENGINE_TREASURY_ACCOUNT")
	setStr(&cfg.Engine.ReserveAccount, "COVER_ENGINE_RESERVE_ACCOUNT")

	// ── Keeper ──
	setBool(&cfg.Keeper.Enabled, "COVER_KEEPER_ENABLED")
	setStr(&cfg.Keeper.Actor, "COVER_KEEPER_ACTOR")
	setDuration(&cfg.Keeper.UpkeepInterval, "COVER_KEEPER_UPKEEP_INTERVAL")
	setDuration(&cfg.Keeper.QueueInterval, "COVER_KEEPER_QUEUE_INTERVAL")
	setDuration(&cfg.Keeper.LockTTL, "COVER_KEEPER_LOCK_TTL")
	setInt(&cfg.Keeper.MaxBatchesPerRun, "COVER_KEEPER_MAX_BATCHES_PER_RUN")

	// ── Limits ──
	setInt64(&cfg.Limits.MaxBuyerNotional, "COVER_LIMITS_MAX_BUYER_NOTIONAL")
	setInt64(&cfg.Limits.DefaultMaxPoolSize, "COVER_LIMITS_DEFAULT_MAX_POOL_SIZE")
	setDuration(&cfg.Limits.DefaultCoverageWindow, "COVER_LIMITS_DEFAULT_COVERAGE_WINDOW")
	setStr(&cfg.Limits.DefaultPremiumRate, "COVER_LIMITS_DEFAULT_PREMIUM_RATE")
	setInt(&cfg.Limits.MinPositionDurationDays, "COVER_LIMITS_MIN_POSITION_DURATION_DAYS")

	// ── Roles ── comma-separated actors per role
	for _, role := range []string{"risk_manager", "liquidator", "lister", "oracle_updater"} {
		var actors []string
		setStringSlice(&actors, "COVER_ROLES_"+strings.ToUpper(role))
		if len(actors) > 0 {
			if cfg.Roles == nil {
				cfg.Roles = map[string][]string{}
			}
			cfg.Roles[role] = actors
		}
	}

	// ── General ──
	setStr(&cfg.LogLevel, "COVER_LOG_LEVEL")
}

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDecimal(dst *decimal.Decimal, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			*dst = d
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		*dst = out
	}
}
