// Package api provides the HTTP handlers for listing markets, creating
// pools, managing LP positions, selling coverage and driving settlement.
//
// Amounts on the wire are decimal strings in base units of the pool's base
// token. Never float64 for money.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/blocksurance-dao/blocksurance-protocol/internal/asset"
	"github.com/blocksurance-dao/blocksurance-protocol/internal/auth"
	"github.com/blocksurance-dao/blocksurance-protocol/internal/engine"
	"github.com/blocksurance-dao/blocksurance-protocol/internal/model"
	"github.com/blocksurance-dao/blocksurance-protocol/internal/oracle"
	"github.com/blocksurance-dao/blocksurance-protocol/internal/pricing"
	"github.com/blocksurance-dao/blocksurance-protocol/internal/registry"
)

// Deps are the collaborators behind the HTTP surface.
type Deps struct {
	Engine   *engine.Engine
	Registry *registry.Registry
	Oracle   oracle.Oracle
	Prices   oracle.Recorder // nil disables price pushes
	Auth     auth.Authorizer
	Assets   asset.Ledger
	Logger   *slog.Logger
}

// Service handles coverage market requests. Serialization of ledger
// mutations lives in the engine.
type Service struct {
	eng    *engine.Engine
	reg    *registry.Registry
	oracle oracle.Oracle
	prices oracle.Recorder
	auth   auth.Authorizer
	assets asset.Ledger
	logger *slog.Logger
}

// NewService creates a new API service.
func NewService(d Deps) *Service {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		eng:    d.Engine,
		reg:    d.Registry,
		oracle: d.Oracle,
		prices: d.Prices,
		auth:   d.Auth,
		assets: d.Assets,
		logger: logger,
	}
}

// --- Request/Response types ---

// ListMarketRequest is the JSON body for POST /markets.
type ListMarketRequest struct {
	Symbol      string `json:"symbol"`
	Name        string `json:"name"`
	Token       string `json:"token"`
	Oracle      string `json:"oracle"`
	MetadataURI string `json:"metadata_uri"`
}

// CreatePoolRequest is the JSON body for POST /pools. Either Pair
// ("LINK/USDC") or Underlying and Base must be set; zero values take the
// registry defaults.
type CreatePoolRequest struct {
	Pair                    string          `json:"pair"`
	Underlying              string          `json:"underlying"`
	Base                    string          `json:"base"`
	PremiumRate             decimal.Decimal `json:"premium_rate"`
	MinPositionDurationDays int             `json:"min_position_duration_days"`
	MaxPoolSize             decimal.Decimal `json:"max_pool_size"`
	CoverageWindowDays      int             `json:"coverage_window_days"`
}

// QuoteResponse is returned from GET /pools/{poolID}/quote.
type QuoteResponse struct {
	PoolID       string           `json:"pool_id"`
	Notional     decimal.Decimal  `json:"notional"`
	Strike       int              `json:"strike"`
	Premium      decimal.Decimal  `json:"premium"`
	CurrentPrice *decimal.Decimal `json:"current_price,omitempty"`
	TriggerPrice *decimal.Decimal `json:"trigger_price,omitempty"`
}

// LiquidityResponse is returned from GET /pools/{poolID}/liquidity.
type LiquidityResponse struct {
	PoolID         string          `json:"pool_id"`
	FreeLiquidity  decimal.Decimal `json:"free_liquidity"`
	TotalLiquidity decimal.Decimal `json:"total_liquidity"`
	TotalCoverage  decimal.Decimal `json:"total_coverage"`
	MaxPoolSize    decimal.Decimal `json:"max_pool_size"`
	Headroom       decimal.Decimal `json:"headroom"` // principal the pool still accepts, -1 if uncapped
	PositionCount  int             `json:"position_count"`
	At             time.Time       `json:"at"`
}

// SetPremiumRequest is the JSON body for PUT /pools/{poolID}/premium.
type SetPremiumRequest struct {
	Rate decimal.Decimal `json:"rate"`
}

// CreatePositionRequest is the JSON body for POST /pools/{poolID}/positions.
// The owner is the calling actor.
type CreatePositionRequest struct {
	Principal    decimal.Decimal `json:"principal"`
	DurationDays int             `json:"duration_days"`
	Referrer     string          `json:"referrer"`
}

// BuyCoverageRequest is the JSON body for POST /pools/{poolID}/coverage.
// The buyer is the calling actor.
type BuyCoverageRequest struct {
	Notional decimal.Decimal `json:"notional"`
	Strike   int             `json:"strike"`
}

// ApproveRequest is the JSON body for POST /pools/{poolID}/approve.
type ApproveRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// PriceRequest is the JSON body for POST /oracle/{feed}/price.
type PriceRequest struct {
	Price decimal.Decimal `json:"price"`
	At    *time.Time      `json:"at,omitempty"` // defaults to now
}

// InvariantsResponse is returned from GET /pools/{poolID}/invariants.
type InvariantsResponse struct {
	PoolID     string   `json:"pool_id"`
	OK         bool     `json:"ok"`
	Violations []string `json:"violations,omitempty"`
}

// --- HTTP Handlers: markets and pools ---

// ListMarkets handles GET /api/v1/markets
func (s *Service) ListMarkets(w http.ResponseWriter, r *http.Request) {
	markets, err := s.reg.ListMarkets(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if markets == nil {
		markets = []model.Market{}
	}
	writeJSON(w, http.StatusOK, markets)
}

// ListMarket handles POST /api/v1/markets
func (s *Service) ListMarket(w http.ResponseWriter, r *http.Request) {
	var req ListMarketRequest
	if !decode(w, r, &req) {
		return
	}
	market, err := s.reg.ListMarket(r.Context(), ActorFrom(r.Context()), model.Market{
		Symbol:      req.Symbol,
		Name:        req.Name,
		Token:       req.Token,
		Oracle:      req.Oracle,
		MetadataURI: req.MetadataURI,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, market)
}

// GetMarket handles GET /api/v1/markets/{symbol}
func (s *Service) GetMarket(w http.ResponseWriter, r *http.Request) {
	market, err := s.reg.GetMarket(r.Context(), chi.URLParam(r, "symbol"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, market)
}

// ListPools handles GET /api/v1/pools
func (s *Service) ListPools(w http.ResponseWriter, r *http.Request) {
	pools, err := s.eng.ListPools(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if pools == nil {
		pools = []model.Pool{}
	}
	writeJSON(w, http.StatusOK, pools)
}

// CreatePool handles POST /api/v1/pools
func (s *Service) CreatePool(w http.ResponseWriter, r *http.Request) {
	var req CreatePoolRequest
	if !decode(w, r, &req) {
		return
	}
	underlying, base := req.Underlying, req.Base
	if req.Pair != "" {
		var err error
		if underlying, base, err = registry.ParsePair(req.Pair); err != nil {
			s.writeError(w, err)
			return
		}
	}
	if req.CoverageWindowDays < 0 {
		s.writeError(w, fmt.Errorf("%w: coverage_window_days must not be negative", registry.ErrInvalidPoolArg))
		return
	}

	pool, err := s.reg.CreatePool(r.Context(), ActorFrom(r.Context()), registry.CreatePoolRequest{
		Underlying:              underlying,
		Base:                    base,
		PremiumRate:             req.PremiumRate,
		MinPositionDurationDays: req.MinPositionDurationDays,
		MaxPoolSize:             req.MaxPoolSize,
		CoverageWindow:          time.Duration(req.CoverageWindowDays) * 24 * time.Hour,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, pool)
}

// GetPool handles GET /api/v1/pools/{poolID}
func (s *Service) GetPool(w http.ResponseWriter, r *http.Request) {
	pool, err := s.eng.GetPool(r.Context(), chi.URLParam(r, "poolID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pool)
}

// Quote handles GET /api/v1/pools/{poolID}/quote?notional=&strike=
func (s *Service) Quote(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	poolID := chi.URLParam(r, "poolID")

	notional, err := decimal.NewFromString(r.URL.Query().Get("notional"))
	if err != nil {
		writeBadRequest(w, "notional must be a decimal amount in base units")
		return
	}
	strike, err := strconv.Atoi(r.URL.Query().Get("strike"))
	if err != nil {
		writeBadRequest(w, "strike must be an integer percentage")
		return
	}

	premium, err := s.eng.Quote(ctx, poolID, notional, strike)
	if err != nil {
		s.writeError(w, err)
		return
	}
	resp := QuoteResponse{PoolID: poolID, Notional: notional, Strike: strike, Premium: premium}

	// The trigger is informative only; a missing price does not fail the quote.
	if pool, err := s.eng.GetPool(ctx, poolID); err == nil && s.oracle != nil {
		if price, err := s.oracle.CurrentPrice(ctx, pool.Oracle); err == nil {
			trigger := pricing.TriggerPrice(price, strike)
			resp.CurrentPrice, resp.TriggerPrice = &price, &trigger
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// Liquidity handles GET /api/v1/pools/{poolID}/liquidity
// Optional query: at (RFC 3339) evaluates free liquidity at another instant.
func (s *Service) Liquidity(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	poolID := chi.URLParam(r, "poolID")
	now := s.eng.Now()
	if raw := r.URL.Query().Get("at"); raw != "" {
		at, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeBadRequest(w, "at must be an RFC 3339 timestamp")
			return
		}
		now = at.UTC()
	}

	pool, err := s.eng.GetPool(ctx, poolID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	free, err := s.eng.FreeLiquidity(ctx, poolID, now)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, LiquidityResponse{
		PoolID:         pool.ID,
		FreeLiquidity:  free,
		TotalLiquidity: pool.TotalLiquidity,
		TotalCoverage:  pool.TotalCoverage,
		MaxPoolSize:    pool.MaxPoolSize,
		Headroom:       s.eng.Headroom(pool),
		PositionCount:  pool.PositionCount,
		At:             now,
	})
}

// SetPremium handles PUT /api/v1/pools/{poolID}/premium
func (s *Service) SetPremium(w http.ResponseWriter, r *http.Request) {
	var req SetPremiumRequest
	if !decode(w, r, &req) {
		return
	}
	pool, err := s.eng.SetPremium(r.Context(), ActorFrom(r.Context()), chi.URLParam(r, "poolID"), req.Rate)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pool)
}

// PausePool handles POST /api/v1/pools/{poolID}/pause
func (s *Service) PausePool(w http.ResponseWriter, r *http.Request) {
	pool, err := s.eng.PausePool(r.Context(), ActorFrom(r.Context()), chi.URLParam(r, "poolID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pool)
}

// UnpausePool handles POST /api/v1/pools/{poolID}/unpause
func (s *Service) UnpausePool(w http.ResponseWriter, r *http.Request) {
	pool, err := s.eng.UnpausePool(r.Context(), ActorFrom(r.Context()), chi.URLParam(r, "poolID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pool)
}

// --- HTTP Handlers: positions ---

// ListPositions handles GET /api/v1/pools/{poolID}/positions
func (s *Service) ListPositions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	poolID := chi.URLParam(r, "poolID")
	if _, err := s.eng.GetPool(ctx, poolID); err != nil {
		s.writeError(w, err)
		return
	}
	positions, err := s.eng.ListPositions(ctx, poolID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if positions == nil {
		positions = []model.Position{}
	}
	writeJSON(w, http.StatusOK, positions)
}

// CreatePosition handles POST /api/v1/pools/{poolID}/positions
func (s *Service) CreatePosition(w http.ResponseWriter, r *http.Request) {
	var req CreatePositionRequest
	if !decode(w, r, &req) {
		return
	}
	pos, err := s.eng.CreatePosition(r.Context(), engine.CreatePositionRequest{
		PoolID:       chi.URLParam(r, "poolID"),
		Owner:        ActorFrom(r.Context()),
		Principal:    req.Principal,
		DurationDays: req.DurationDays,
		Referrer:     req.Referrer,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, pos)
}

// GetPosition handles GET /api/v1/positions/{positionID}
func (s *Service) GetPosition(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "positionID")
	if !ok {
		return
	}
	pos, err := s.eng.GetPosition(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

// RemovePosition handles DELETE /api/v1/positions/{positionID}
func (s *Service) RemovePosition(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "positionID")
	if !ok {
		return
	}
	entry, err := s.eng.RemovePosition(r.Context(), ActorFrom(r.Context()), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// LiquidatePosition handles POST /api/v1/positions/{positionID}/liquidate
func (s *Service) LiquidatePosition(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "positionID")
	if !ok {
		return
	}
	entry, err := s.eng.LiquidatePosition(r.Context(), ActorFrom(r.Context()), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

// GetLiquidation handles GET /api/v1/positions/{positionID}/liquidation
func (s *Service) GetLiquidation(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "positionID")
	if !ok {
		return
	}
	entry, err := s.eng.GetLiquidation(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// ProcessQueue handles POST /api/v1/liquidations/process
func (s *Service) ProcessQueue(w http.ResponseWriter, r *http.Request) {
	res, err := s.eng.ProcessQueue(r.Context(), ActorFrom(r.Context()))
	if err != nil && (res == nil || res.Processed == 0) {
		s.writeError(w, err)
		return
	}
	if err != nil {
		// Partial success: report what was paid and log the rest.
		s.logger.Warn("liquidation queue partially processed", "failed", res.Failed, "err", err)
	}
	writeJSON(w, http.StatusOK, res)
}

// --- HTTP Handlers: coverage ---

// BuyCoverage handles POST /api/v1/pools/{poolID}/coverage
func (s *Service) BuyCoverage(w http.ResponseWriter, r *http.Request) {
	var req BuyCoverageRequest
	if !decode(w, r, &req) {
		return
	}
	cov, err := s.eng.BuyCoverage(r.Context(), engine.BuyCoverageRequest{
		PoolID:   chi.URLParam(r, "poolID"),
		Buyer:    ActorFrom(r.Context()),
		Notional: req.Notional,
		Strike:   req.Strike,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, cov)
}

// GetCoverage handles GET /api/v1/coverage/{coverageID}
func (s *Service) GetCoverage(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "coverageID")
	if !ok {
		return
	}
	cov, err := s.eng.GetCoverage(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cov)
}

// ClaimCoverage handles POST /api/v1/coverage/{coverageID}/claim
func (s *Service) ClaimCoverage(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "coverageID")
	if !ok {
		return
	}
	cov, err := s.eng.ResolveClaim(r.Context(), ActorFrom(r.Context()), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cov)
}

// --- HTTP Handlers: settlement ---

// CheckUpkeep handles GET /api/v1/pools/{poolID}/upkeep
func (s *Service) CheckUpkeep(w http.ResponseWriter, r *http.Request) {
	status, err := s.eng.CheckUpkeep(r.Context(), chi.URLParam(r, "poolID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// PerformUpkeep handles POST /api/v1/pools/{poolID}/upkeep
func (s *Service) PerformUpkeep(w http.ResponseWriter, r *http.Request) {
	res, err := s.eng.PerformUpkeep(r.Context(), chi.URLParam(r, "poolID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ResolveClaims handles POST /api/v1/pools/{poolID}/resolve/claims
func (s *Service) ResolveClaims(w http.ResponseWriter, r *http.Request) {
	res, err := s.eng.ResolveClaims(r.Context(), chi.URLParam(r, "poolID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ResolveExpirations handles POST /api/v1/pools/{poolID}/resolve/expirations
func (s *Service) ResolveExpirations(w http.ResponseWriter, r *http.Request) {
	res, err := s.eng.ResolveExpirations(r.Context(), chi.URLParam(r, "poolID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Invariants handles GET /api/v1/pools/{poolID}/invariants
func (s *Service) Invariants(w http.ResponseWriter, r *http.Request) {
	poolID := chi.URLParam(r, "poolID")
	err := s.eng.CheckInvariants(r.Context(), poolID)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, InvariantsResponse{PoolID: poolID, OK: true})
	case errors.Is(err, engine.ErrInvariantViolation):
		s.logger.Error("invariant violation", "pool_id", poolID, "err", err)
		writeJSON(w, http.StatusOK, InvariantsResponse{
			PoolID:     poolID,
			Violations: strings.Split(err.Error(), "\n"),
		})
	default:
		s.writeError(w, err)
	}
}

// --- HTTP Handlers: oracle and accounts ---

// GetPrice handles GET /api/v1/oracle/{feed}/price
func (s *Service) GetPrice(w http.ResponseWriter, r *http.Request) {
	feed := chi.URLParam(r, "feed")
	price, err := s.oracle.CurrentPrice(r.Context(), feed)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"feed": feed, "price": price})
}

// RecordPrice handles POST /api/v1/oracle/{feed}/price. Requires the
// oracle_updater role.
func (s *Service) RecordPrice(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if s.prices == nil {
		writeJSON(w, http.StatusNotImplemented, errorResponse{Error: "price pushes are disabled", Kind: "unavailable"})
		return
	}
	var req PriceRequest
	if !decode(w, r, &req) {
		return
	}
	actor := ActorFrom(ctx)
	if err := auth.Require(ctx, s.auth, actor, auth.RoleOracleUpdater); err != nil {
		s.writeError(w, err)
		return
	}

	at := s.eng.Now()
	if req.At != nil {
		at = req.At.UTC()
	}
	feed := chi.URLParam(r, "feed")
	if err := s.prices.Record(ctx, feed, req.Price, at); err != nil {
		s.writeError(w, err)
		return
	}
	s.logger.Info("price recorded", "feed", feed, "price", req.Price.String(), "at", at, "actor", actor)
	writeJSON(w, http.StatusCreated, oracle.Observation{Price: req.Price, At: at})
}

// GetBalance handles GET /api/v1/accounts/{account}/balance
func (s *Service) GetBalance(w http.ResponseWriter, r *http.Request) {
	account := chi.URLParam(r, "account")
	bal, err := s.assets.BalanceOf(r.Context(), account)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"account": account, "balance": bal})
}

// Approve handles POST /api/v1/pools/{poolID}/approve: the actor allows the
// pool vault to pull up to amount for deposits and premiums.
func (s *Service) Approve(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req ApproveRequest
	if !decode(w, r, &req) {
		return
	}
	pool, err := s.eng.GetPool(ctx, chi.URLParam(r, "poolID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	vault := engine.VaultAccount(pool.ID)
	if err := s.assets.Approve(ctx, ActorFrom(ctx), vault, req.Amount); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"owner": ActorFrom(ctx), "spender": vault, "amount": req.Amount})
}

// --- helpers ---

// errorResponse is the JSON error body.
type errorResponse struct {
	Error     string `json:"error"`
	Kind      string `json:"kind"`
	Retryable bool   `json:"retryable"`
}

var kindStatus = map[engine.Kind]int{
	engine.KindValidation:    http.StatusBadRequest,
	engine.KindCapacity:      http.StatusConflict,
	engine.KindStateConflict: http.StatusConflict,
	engine.KindAuthorization: http.StatusForbidden,
	engine.KindNotFound:      http.StatusNotFound,
	engine.KindUnavailable:   http.StatusServiceUnavailable,
	engine.KindInternal:      http.StatusInternalServerError,
}

// writeError classifies err and writes it with the matching status.
// Internal errors are logged and not echoed to the caller.
func (s *Service) writeError(w http.ResponseWriter, err error) {
	kind := engine.KindOf(err)
	status, ok := kindStatus[kind]
	if !ok {
		status = http.StatusInternalServerError
	}
	msg := err.Error()
	if kind == engine.KindInternal {
		s.logger.Error("request failed", "err", err)
		msg = "internal error"
	}
	writeJSON(w, status, errorResponse{Error: msg, Kind: string(kind), Retryable: engine.Retryable(err)})
}

func writeBadRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: msg, Kind: string(engine.KindValidation)})
}

// writeJSON writes v as a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeBadRequest(w, "invalid request body")
		return false
	}
	return true
}

func pathID(w http.ResponseWriter, r *http.Request, param string) (uint64, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, param), 10, 64)
	if err != nil || id == 0 {
		writeBadRequest(w, param+" must be a positive integer")
		return 0, false
	}
	return id, true
}
