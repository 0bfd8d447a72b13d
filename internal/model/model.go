// Package model defines the core domain types shared across the coverage engine.
// All monetary values use shopspring/decimal in base units of the pool's base
// token. Never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Market is a whitelisted (token, oracle, metadata) listing. Pools can only be
// created for listed markets.
type Market struct {
	Symbol      string    `json:"symbol" db:"symbol"`
	Name        string    `json:"name" db:"name"`
	Token       string    `json:"token" db:"token"`   // underlying token address or id
	Oracle      string    `json:"oracle" db:"oracle"` // oracle feed key used for prices
	MetadataURI string    `json:"metadata_uri" db:"metadata_uri"`
	ListedAt    time.Time `json:"listed_at" db:"listed_at"`
}

// Pool is one coverage market: LPs lock principal into it and buyers purchase
// coverage against its free liquidity.
type Pool struct {
	ID                      string          `json:"id" db:"id"`
	Name                    string          `json:"name" db:"name"` // "LINK/USDC Insurance Pool"
	UnderlyingToken         string          `json:"underlying_token" db:"underlying_token"`
	BaseToken               string          `json:"base_token" db:"base_token"`
	Oracle                  string          `json:"oracle" db:"oracle"`
	PremiumRate             decimal.Decimal `json:"premium_rate" db:"premium_rate"` // per-mille of notional at the reference strike
	MinPositionDurationDays int             `json:"min_position_duration_days" db:"min_position_duration_days"`
	MaxPoolSize             decimal.Decimal `json:"max_pool_size" db:"max_pool_size"`
	CoverageWindow          time.Duration   `json:"coverage_window" db:"coverage_window"`
	Paused                  bool            `json:"paused" db:"paused"`
	TotalLiquidity          decimal.Decimal `json:"total_liquidity" db:"total_liquidity"` // Σ principal of live positions
	TotalCoverage           decimal.Decimal `json:"total_coverage" db:"total_coverage"`   // Σ notional of active coverages
	PositionCount           int             `json:"position_count" db:"position_count"`
	UpkeepCursor            uint64          `json:"upkeep_cursor" db:"upkeep_cursor"` // last coverage id scanned by upkeep
	CreatedAt               time.Time       `json:"created_at" db:"created_at"`
}

// PositionState tracks a position through liquidation and removal.
type PositionState string

const (
	PositionOpen                 PositionState = "open"
	PositionLiquidationEnqueued  PositionState = "liquidation_enqueued"
	PositionLiquidationProcessed PositionState = "liquidation_processed"
)

// Position is an LP's locked principal backing coverage sales in a pool.
//
// Capital is principal net of the deposit fee. At all times
// Capital - Claims - FreeAmount equals the notional of the active coverages
// allocated against the position.
type Position struct {
	ID            uint64          `json:"id" db:"id"`
	PoolID        string          `json:"pool_id" db:"pool_id"`
	Owner         string          `json:"owner" db:"owner"`
	Referrer      string          `json:"referrer,omitempty" db:"referrer"`
	Principal     decimal.Decimal `json:"principal" db:"principal"`
	Capital       decimal.Decimal `json:"capital" db:"capital"`
	FreeAmount    decimal.Decimal `json:"free_amount" db:"free_amount"`
	Premiums      decimal.Decimal `json:"premiums" db:"premiums"` // premiums earned from coverages it backs
	Claims        decimal.Decimal `json:"claims" db:"claims"`     // notional of claimed coverages it backed
	OpenCoverages int             `json:"open_coverages" db:"open_coverages"`
	DurationDays  int             `json:"duration_days" db:"duration_days"`
	OpenedAt      time.Time       `json:"opened_at" db:"opened_at"`
	ExpiresAt     time.Time       `json:"expires_at" db:"expires_at"`
	State         PositionState   `json:"state" db:"state"`
}

// ActiveAt reports whether the position is still inside its locked duration.
func (p *Position) ActiveAt(now time.Time) bool {
	return now.Before(p.ExpiresAt)
}

// Allocated returns the notional currently allocated against the position.
func (p *Position) Allocated() decimal.Decimal {
	return p.Capital.Sub(p.Claims).Sub(p.FreeAmount)
}

// CoverageState is the lifecycle state of a coverage contract.
type CoverageState string

const (
	CoverageActive  CoverageState = "active"
	CoverageClaimed CoverageState = "claimed"
	CoverageExpired CoverageState = "expired"
)

// Terminal reports whether the state can no longer change.
func (s CoverageState) Terminal() bool {
	return s == CoverageClaimed || s == CoverageExpired
}

// Coverage is a buyer's contract that pays its notional if the oracle price
// drops through the trigger price before expiry.
type Coverage struct {
	ID             uint64          `json:"id" db:"id"`
	PoolID         string          `json:"pool_id" db:"pool_id"`
	PositionID     uint64          `json:"position_id" db:"position_id"` // backing position
	Owner          string          `json:"owner" db:"owner"`
	Notional       decimal.Decimal `json:"notional" db:"notional"`
	Strike         int             `json:"strike" db:"strike"` // percent drop from ReferencePrice
	PremiumRate    decimal.Decimal `json:"premium_rate" db:"premium_rate"` // pool rate snapshot at purchase
	PremiumPaid    decimal.Decimal `json:"premium_paid" db:"premium_paid"`
	ReferencePrice decimal.Decimal `json:"reference_price" db:"reference_price"`
	TriggerPrice   decimal.Decimal `json:"trigger_price" db:"trigger_price"`
	PurchasedAt    time.Time       `json:"purchased_at" db:"purchased_at"`
	ExpiresAt      time.Time       `json:"expires_at" db:"expires_at"`
	State          CoverageState   `json:"state" db:"state"`
	ResolvedAt     *time.Time      `json:"resolved_at,omitempty" db:"resolved_at"`
	Paid           bool            `json:"paid" db:"paid"`
	PaidAt         *time.Time      `json:"paid_at,omitempty" db:"paid_at"`
}

// LiquidationEntry is a staged payout for a position. Computation happens at
// enqueue time; funds move when the entry is processed.
type LiquidationEntry struct {
	ID          uint64          `json:"id" db:"id"`
	PositionID  uint64          `json:"position_id" db:"position_id"`
	PoolID      string          `json:"pool_id" db:"pool_id"`
	Owner       string          `json:"owner" db:"owner"`
	Capital     decimal.Decimal `json:"capital" db:"capital"`
	Premiums    decimal.Decimal `json:"premiums" db:"premiums"`
	Claims      decimal.Decimal `json:"claims" db:"claims"`
	Yield       decimal.Decimal `json:"yield" db:"yield"`
	AmountDue   decimal.Decimal `json:"amount_due" db:"amount_due"` // capital + premiums - claims + yield
	EnqueuedAt  time.Time       `json:"enqueued_at" db:"enqueued_at"`
	Processed   bool            `json:"processed" db:"processed"`
	ProcessedAt *time.Time      `json:"processed_at,omitempty" db:"processed_at"`
}

// VaultAmount is the part of AmountDue paid out of the pool vault.
func (e *LiquidationEntry) VaultAmount() decimal.Decimal {
	return e.Capital.Add(e.Premiums).Sub(e.Claims)
}
