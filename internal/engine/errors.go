package engine

import (
	"context"
	"errors"

	"github.com/blocksurance-dao/blocksurance-protocol/internal/asset"
	"github.com/blocksurance-dao/blocksurance-protocol/internal/auth"
	"github.com/blocksurance-dao/blocksurance-protocol/internal/limits"
	"github.com/blocksurance-dao/blocksurance-protocol/internal/oracle"
	"github.com/blocksurance-dao/blocksurance-protocol/internal/pricing"
	"github.com/blocksurance-dao/blocksurance-protocol/internal/registry"
	"github.com/blocksurance-dao/blocksurance-protocol/internal/store"
	"github.com/blocksurance-dao/blocksurance-protocol/internal/token"
)

var (
	// Validation.
	ErrInvalidRequest  = errors.New("engine: invalid request")
	ErrPoolPaused      = errors.New("engine: pool is paused")
	ErrInvalidAmount   = errors.New("engine: amount must be a positive whole number of base units")
	ErrInvalidDuration = errors.New("engine: duration below pool minimum")
	ErrInvalidRate     = errors.New("engine: premium rate must not be negative")

	// Capacity.
	ErrInsufficientLiquidity = errors.New("engine: insufficient free liquidity")
	ErrPoolFull              = limits.ErrPoolFull
	ErrReserveShortfall      = errors.New("engine: vault or yield reserve cannot fund payout")

	// State conflicts that clear with time or settlement.
	ErrPositionActive      = errors.New("engine: position is still active")
	ErrNotLiquidated       = errors.New("engine: position has no processed liquidation")
	ErrCoverageOutstanding = errors.New("engine: position still backs active coverage")

	// Terminal state conflicts.
	ErrAlreadyQueued     = errors.New("engine: position already queued for liquidation")
	ErrAlreadyLiquidated = errors.New("engine: position already liquidated")
	ErrNotClaimed        = errors.New("engine: coverage is not claimed")
	ErrAlreadyPaid       = errors.New("engine: coverage already paid")

	// Authorization.
	ErrNotOwner = errors.New("engine: caller does not own the token")

	// Unavailable.
	ErrOracleUnavailable = errors.New("engine: oracle unavailable")

	// Internal.
	ErrInvariantViolation = errors.New("engine: invariant violation")
)

// Kind classifies an error for callers deciding whether to retry.
type Kind string

const (
	KindValidation    Kind = "validation"
	KindCapacity      Kind = "capacity"
	KindStateConflict Kind = "state_conflict"
	KindAuthorization Kind = "authorization"
	KindNotFound      Kind = "not_found"
	KindUnavailable   Kind = "unavailable"
	KindInternal      Kind = "internal"
)

var kinds = []struct {
	kind Kind
	errs []error
}{
	{KindAuthorization, []error{auth.ErrMissingRole, ErrNotOwner, token.ErrNotOwner}},
	{KindValidation, []error{
		ErrInvalidRequest, ErrPoolPaused, ErrInvalidAmount, ErrInvalidDuration, ErrInvalidRate,
		pricing.ErrInvalidNotional, pricing.ErrStrikeOutOfRange, pricing.ErrInvalidRate, pricing.ErrPremiumTooSmall,
		registry.ErrInvalidSymbol, registry.ErrInvalidPair, registry.ErrInvalidMarket, registry.ErrInvalidPoolArg,
		oracle.ErrInvalidPrice,
		asset.ErrInvalidAmount, asset.ErrInsufficientBalance, asset.ErrInsufficientAllowance,
	}},
	{KindCapacity, []error{ErrInsufficientLiquidity, limits.ErrPoolFull, limits.ErrBuyerLimitExceeded, ErrReserveShortfall}},
	{KindStateConflict, []error{
		ErrPositionActive, ErrNotLiquidated, ErrCoverageOutstanding,
		ErrAlreadyQueued, ErrAlreadyLiquidated, ErrNotClaimed, ErrAlreadyPaid,
		store.ErrAlreadyExists, token.ErrTokenExists,
	}},
	{KindNotFound, []error{store.ErrNotFound, registry.ErrNotListed, token.ErrNoToken}},
	{KindUnavailable, []error{ErrOracleUnavailable, oracle.ErrNoPrice, context.DeadlineExceeded, context.Canceled}},
}

// KindOf classifies any error chain. Unknown errors are internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		for _, target := range k.errs {
			if errors.Is(err, target) {
				return k.kind
			}
		}
	}
	return KindInternal
}

// Retryable reports whether the same call may succeed later without the
// caller changing anything: capacity limits, timing conflicts and
// unavailable collaborators.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindCapacity, KindUnavailable:
		return true
	case KindStateConflict:
		return errors.Is(err, ErrPositionActive) ||
			errors.Is(err, ErrNotLiquidated) ||
			errors.Is(err, ErrCoverageOutstanding)
	}
	return false
}
