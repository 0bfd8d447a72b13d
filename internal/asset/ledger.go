// Package asset models the fungible base token the coverage engine moves:
// principal, premiums, fees and payouts.
package asset

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidAmount         = errors.New("asset: amount must not be negative")
	ErrInsufficientBalance   = errors.New("asset: insufficient balance")
	ErrInsufficientAllowance = errors.New("asset: insufficient allowance")
)

// Ledger is a fungible-asset interface with transfer/approve semantics.
type Ledger interface {
	BalanceOf(ctx context.Context, account string) (decimal.Decimal, error)
	Transfer(ctx context.Context, from, to string, amount decimal.Decimal) error

	// TransferFrom moves amount from one account to another on behalf of
	// spender, consuming spender's allowance on from.
	TransferFrom(ctx context.Context, spender, from, to string, amount decimal.Decimal) error

	// Approve sets spender's allowance on owner's balance.
	Approve(ctx context.Context, owner, spender string, amount decimal.Decimal) error
}

// MemoryLedger is an in-memory Ledger used in development mode and tests.
type MemoryLedger struct {
	mu         sync.Mutex
	balances   map[string]decimal.Decimal
	allowances map[string]map[string]decimal.Decimal // owner → spender → amount
}

// NewMemoryLedger creates an empty ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		balances:   make(map[string]decimal.Decimal),
		allowances: make(map[string]map[string]decimal.Decimal),
	}
}

// Mint credits amount to account out of thin air.
func (l *MemoryLedger) Mint(_ context.Context, account string, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[account] = l.balances[account].Add(amount)
	return nil
}

func (l *MemoryLedger) BalanceOf(_ context.Context, account string) (decimal.Decimal, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[account], nil
}

func (l *MemoryLedger) Transfer(_ context.Context, from, to string, amount decimal.Decimal) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.move(from, to, amount)
}

func (l *MemoryLedger) TransferFrom(_ context.Context, spender, from, to string, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	allowed := l.allowances[from][spender]
	if allowed.LessThan(amount) {
		return fmt.Errorf("%w: %s has %s from %s, needs %s", ErrInsufficientAllowance, spender, allowed, from, amount)
	}
	if err := l.move(from, to, amount); err != nil {
		return err
	}
	l.allowances[from][spender] = allowed.Sub(amount)
	return nil
}

func (l *MemoryLedger) Approve(_ context.Context, owner, spender string, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.allowances[owner] == nil {
		l.allowances[owner] = make(map[string]decimal.Decimal)
	}
	l.allowances[owner][spender] = amount
	return nil
}

// move requires l.mu.
func (l *MemoryLedger) move(from, to string, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return ErrInvalidAmount
	}
	if amount.IsZero() {
		return nil
	}
	bal := l.balances[from]
	if bal.LessThan(amount) {
		return fmt.Errorf("%w: %s has %s, needs %s", ErrInsufficientBalance, from, bal, amount)
	}
	l.balances[from] = bal.Sub(amount)
	l.balances[to] = l.balances[to].Add(amount)
	return nil
}

var _ Ledger = (*MemoryLedger)(nil)
