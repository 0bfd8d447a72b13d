package registry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/blocksurance-dao/blocksurance-protocol/internal/auth"
	"github.com/blocksurance-dao/blocksurance-protocol/internal/model"
	"github.com/blocksurance-dao/blocksurance-protocol/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func newTestRegistry() *Registry {
	a := auth.NewStatic(map[auth.Role][]string{auth.RoleLister: {"ops"}})
	defaults := Defaults{
		PremiumRate:             d(25),
		MinPositionDurationDays: 30,
		MaxPoolSize:             decimal.NewFromInt(1_000_000).Shift(6),
		CoverageWindow:          30 * 24 * time.Hour,
	}
	now := func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	return New(store.NewMemoryStore(), a, defaults, now, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func listLINK(t *testing.T, r *Registry) {
	t.Helper()
	_, err := r.ListMarket(context.Background(), "ops", model.Market{Symbol: "LINK", Token: "0xlink", Oracle: "LINK"})
	if err != nil {
		t.Fatalf("list market: %v", err)
	}
}

func TestParsePair(t *testing.T) {
	u, b, err := ParsePair("LINK/USDC")
	if err != nil || u != "LINK" || b != "USDC" {
		t.Errorf("expected LINK/USDC, got %s/%s err=%v", u, b, err)
	}

	for _, bad := range []string{"", "LINK", "link/usdc", "LINK/", "LINK/LINK", "L/USDC", "LINK-USDC"} {
		if _, _, err := ParsePair(bad); !errors.Is(err, ErrInvalidPair) {
			t.Errorf("expected ErrInvalidPair for %q, got %v", bad, err)
		}
	}
}

func TestListMarket(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()

	if _, err := r.ListMarket(ctx, "mallory", model.Market{Symbol: "LINK", Token: "t", Oracle: "o"}); !errors.Is(err, auth.ErrMissingRole) {
		t.Errorf("expected ErrMissingRole, got %v", err)
	}
	if _, err := r.ListMarket(ctx, "ops", model.Market{Symbol: "link", Token: "t", Oracle: "o"}); !errors.Is(err, ErrInvalidSymbol) {
		t.Errorf("expected ErrInvalidSymbol, got %v", err)
	}
	if _, err := r.ListMarket(ctx, "ops", model.Market{Symbol: "LINK"}); !errors.Is(err, ErrInvalidMarket) {
		t.Errorf("expected ErrInvalidMarket, got %v", err)
	}

	listLINK(t, r)
	if _, err := r.ListMarket(ctx, "ops", model.Market{Symbol: "LINK", Token: "t", Oracle: "o"}); !errors.Is(err, store.ErrAlreadyExists) {
		t.Errorf("expected ErrAlreadyExists on relisting, got %v", err)
	}
}

func TestCreatePool_Defaults(t *testing.T) {
	r := newTestRegistry()
	listLINK(t, r)

	p, err := r.CreatePool(context.Background(), "ops", CreatePoolRequest{Underlying: "LINK", Base: "USDC", PremiumRate: d(40)})
	if err != nil {
		t.Fatal(err)
	}
	if p.Name != "LINK/USDC Insurance Pool" {
		t.Errorf("unexpected name %q", p.Name)
	}
	if !p.PremiumRate.Equal(d(40)) {
		t.Errorf("explicit premium rate overridden: %s", p.PremiumRate)
	}
	if !p.MaxPoolSize.Equal(decimal.NewFromInt(1_000_000_000_000)) {
		t.Errorf("expected default max pool size, got %s", p.MaxPoolSize)
	}
	if p.MinPositionDurationDays != 30 || p.CoverageWindow != 30*24*time.Hour {
		t.Errorf("defaults not applied: %+v", p)
	}
	if p.Oracle != "LINK" {
		t.Errorf("pool should use the market oracle, got %q", p.Oracle)
	}
}

func TestCreatePool_Errors(t *testing.T) {
	r := newTestRegistry()
	listLINK(t, r)
	ctx := context.Background()

	tests := []struct {
		name  string
		actor string
		req   CreatePoolRequest
		want  error
	}{
		{"unauthorized", "mallory", CreatePoolRequest{Underlying: "LINK", Base: "USDC"}, auth.ErrMissingRole},
		{"not listed", "ops", CreatePoolRequest{Underlying: "UNI", Base: "USDC"}, ErrNotListed},
		{"bad base", "ops", CreatePoolRequest{Underlying: "LINK", Base: "usdc"}, ErrInvalidSymbol},
		{"same token", "ops", CreatePoolRequest{Underlying: "LINK", Base: "LINK"}, ErrInvalidPoolArg},
		{"negative rate", "ops", CreatePoolRequest{Underlying: "LINK", Base: "USDC", PremiumRate: d(-1)}, ErrInvalidPoolArg},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := r.CreatePool(ctx, tt.actor, tt.req); !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}
