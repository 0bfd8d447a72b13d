// Package registry whitelists markets (token, oracle, metadata) and
// instantiates coverage pools for listed markets.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/blocksurance-dao/blocksurance-protocol/internal/auth"
	"github.com/blocksurance-dao/blocksurance-protocol/internal/model"
	"github.com/blocksurance-dao/blocksurance-protocol/internal/store"
)

// symbolRegex matches token symbols such as LINK or USDC.
var symbolRegex = regexp.MustCompile(`^[A-Z][A-Z0-9]{1,9}$`)

// pairRegex matches: {UNDERLYING}/{BASE}
// Example: LINK/USDC
var pairRegex = regexp.MustCompile(`^([A-Z][A-Z0-9]{1,9})/([A-Z][A-Z0-9]{1,9})$`)

var (
	ErrInvalidSymbol  = errors.New("registry: invalid symbol")
	ErrInvalidPair    = errors.New("registry: invalid pair")
	ErrInvalidMarket  = errors.New("registry: invalid market")
	ErrNotListed      = errors.New("registry: market not listed")
	ErrInvalidPoolArg = errors.New("registry: invalid pool parameter")
)

// ValidateSymbol checks a token symbol.
func ValidateSymbol(symbol string) error {
	if !symbolRegex.MatchString(symbol) {
		return fmt.Errorf("%w: %q (expected 2-10 upper-case letters or digits)", ErrInvalidSymbol, symbol)
	}
	return nil
}

// ParsePair splits "LINK/USDC" into underlying and base symbols.
func ParsePair(pair string) (underlying, base string, err error) {
	matches := pairRegex.FindStringSubmatch(strings.TrimSpace(pair))
	if matches == nil {
		return "", "", fmt.Errorf("%w: %s (expected {UNDERLYING}/{BASE})", ErrInvalidPair, pair)
	}
	if matches[1] == matches[2] {
		return "", "", fmt.Errorf("%w: %s (underlying equals base)", ErrInvalidPair, pair)
	}
	return matches[1], matches[2], nil
}

// PoolName is the display name of a pool.
func PoolName(underlying, base string) string {
	return fmt.Sprintf("%s/%s Insurance Pool", underlying, base)
}

// Defaults are applied to pool parameters left unset at creation.
type Defaults struct {
	PremiumRate             decimal.Decimal
	MinPositionDurationDays int
	MaxPoolSize             decimal.Decimal // base units
	CoverageWindow          time.Duration
}

// CreatePoolRequest describes a new pool. Zero values take the registry
// defaults.
type CreatePoolRequest struct {
	Underlying              string          `json:"underlying"`
	Base                    string          `json:"base"`
	PremiumRate             decimal.Decimal `json:"premium_rate"`
	MinPositionDurationDays int             `json:"min_position_duration_days"`
	MaxPoolSize             decimal.Decimal `json:"max_pool_size"`
	CoverageWindow          time.Duration   `json:"coverage_window"`
}

// Registry lists markets and creates pools.
type Registry struct {
	store    store.Store
	auth     auth.Authorizer
	defaults Defaults
	now      func() time.Time
	logger   *slog.Logger
}

// New creates a registry. now defaults to time.Now.
func New(s store.Store, a auth.Authorizer, defaults Defaults, now func() time.Time, logger *slog.Logger) *Registry {
	if now == nil {
		now = time.Now
	}
	return &Registry{store: s, auth: a, defaults: defaults, now: now, logger: logger}
}

// ListMarket whitelists a market. Requires the lister role.
func (r *Registry) ListMarket(ctx context.Context, actor string, m model.Market) (*model.Market, error) {
	if err := auth.Require(ctx, r.auth, actor, auth.RoleLister); err != nil {
		return nil, err
	}
	if err := ValidateSymbol(m.Symbol); err != nil {
		return nil, err
	}
	if strings.TrimSpace(m.Token) == "" || strings.TrimSpace(m.Oracle) == "" {
		return nil, fmt.Errorf("%w: token and oracle are required", ErrInvalidMarket)
	}
	if m.Name == "" {
		m.Name = m.Symbol
	}
	m.ListedAt = r.now().UTC()

	if err := r.store.CreateMarket(ctx, &m); err != nil {
		return nil, err
	}
	r.logger.Info("market listed", "symbol", m.Symbol, "oracle", m.Oracle, "actor", actor)
	return &m, nil
}

// CreatePool instantiates a pool for a listed market. Requires the lister
// role.
func (r *Registry) CreatePool(ctx context.Context, actor string, req CreatePoolRequest) (*model.Pool, error) {
	if err := auth.Require(ctx, r.auth, actor, auth.RoleLister); err != nil {
		return nil, err
	}
	if err := ValidateSymbol(req.Base); err != nil {
		return nil, err
	}
	if req.Underlying == req.Base {
		return nil, fmt.Errorf("%w: underlying equals base", ErrInvalidPoolArg)
	}

	market, err := r.store.GetMarket(ctx, req.Underlying)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotListed, req.Underlying)
		}
		return nil, err
	}

	p := &model.Pool{
		ID:                      uuid.New().String(),
		Name:                    PoolName(market.Symbol, req.Base),
		UnderlyingToken:         market.Symbol,
		BaseToken:               req.Base,
		Oracle:                  market.Oracle,
		PremiumRate:             req.PremiumRate,
		MinPositionDurationDays: req.MinPositionDurationDays,
		MaxPoolSize:             req.MaxPoolSize,
		CoverageWindow:          req.CoverageWindow,
		TotalLiquidity:          decimal.Zero,
		TotalCoverage:           decimal.Zero,
		CreatedAt:               r.now().UTC(),
	}
	if p.PremiumRate.IsZero() {
		p.PremiumRate = r.defaults.PremiumRate
	}
	if p.MinPositionDurationDays == 0 {
		p.MinPositionDurationDays = r.defaults.MinPositionDurationDays
	}
	if p.MaxPoolSize.IsZero() {
		p.MaxPoolSize = r.defaults.MaxPoolSize
	}
	if p.CoverageWindow == 0 {
		p.CoverageWindow = r.defaults.CoverageWindow
	}

	switch {
	case p.PremiumRate.IsNegative():
		return nil, fmt.Errorf("%w: premium rate %s", ErrInvalidPoolArg, p.PremiumRate)
	case p.MinPositionDurationDays < 0:
		return nil, fmt.Errorf("%w: min duration %d", ErrInvalidPoolArg, p.MinPositionDurationDays)
	case p.MaxPoolSize.IsNegative():
		return nil, fmt.Errorf("%w: max pool size %s", ErrInvalidPoolArg, p.MaxPoolSize)
	case p.CoverageWindow <= 0:
		return nil, fmt.Errorf("%w: coverage window %s", ErrInvalidPoolArg, p.CoverageWindow)
	}

	if err := r.store.CreatePool(ctx, p); err != nil {
		return nil, err
	}
	r.logger.Info("pool created",
		"pool_id", p.ID,
		"name", p.Name,
		"premium_rate", p.PremiumRate.String(),
		"max_pool_size", p.MaxPoolSize.String(),
		"actor", actor,
	)
	return p, nil
}

// ListMarkets returns every listed market.
func (r *Registry) ListMarkets(ctx context.Context) ([]model.Market, error) {
	return r.store.ListMarkets(ctx)
}

// GetMarket returns a listed market by symbol.
func (r *Registry) GetMarket(ctx context.Context, symbol string) (*model.Market, error) {
	m, err := r.store.GetMarket(ctx, symbol)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotListed, symbol)
	}
	return m, err
}
