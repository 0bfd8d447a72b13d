package engine

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/blocksurance-dao/blocksurance-protocol/internal/asset"
)

var daysPerYear = decimal.NewFromInt(365)

// AccruedYield is the LP reward for holding a position:
//
//	floor(principal × collateralization × rate × days / 365)
func AccruedYield(principal, collateralization, rate decimal.Decimal, days int) decimal.Decimal {
	if days <= 0 {
		return decimal.Zero
	}
	num := principal.Mul(collateralization).Mul(rate).Mul(decimal.NewFromInt(int64(days)))
	return num.DivRound(daysPerYear, 18).Floor()
}

// YieldSource funds LP yield. Keeping it behind an interface lets the funding
// source change without touching ledger accounting.
type YieldSource interface {
	// Available returns how much yield can currently be funded.
	Available(ctx context.Context) (decimal.Decimal, error)

	// Fund pays amount of yield to account.
	Fund(ctx context.Context, to string, amount decimal.Decimal) error

	// Reclaim reverses a Fund that did not commit.
	Reclaim(ctx context.Context, from string, amount decimal.Decimal) error
}

// ReserveYield pays yield out of a reserve account on the asset ledger.
type ReserveYield struct {
	assets  asset.Ledger
	account string
}

// NewReserveYield creates a yield source drawing on account.
func NewReserveYield(assets asset.Ledger, account string) *ReserveYield {
	return &ReserveYield{assets: assets, account: account}
}

func (r *ReserveYield) Available(ctx context.Context) (decimal.Decimal, error) {
	return r.assets.BalanceOf(ctx, r.account)
}

func (r *ReserveYield) Fund(ctx context.Context, to string, amount decimal.Decimal) error {
	return r.assets.Transfer(ctx, r.account, to, amount)
}

func (r *ReserveYield) Reclaim(ctx context.Context, from string, amount decimal.Decimal) error {
	return r.assets.Transfer(ctx, from, r.account, amount)
}

var _ YieldSource = (*ReserveYield)(nil)
