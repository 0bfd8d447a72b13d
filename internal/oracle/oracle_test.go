package oracle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFeed_NoPrice(t *testing.T) {
	f := NewFeed()
	if _, err := f.CurrentPrice(context.Background(), "LINK"); !errors.Is(err, ErrNoPrice) {
		t.Errorf("expected ErrNoPrice, got %v", err)
	}
	if _, err := f.LowestPrice(context.Background(), "LINK", t0, t0.Add(time.Hour)); !errors.Is(err, ErrNoPrice) {
		t.Errorf("expected ErrNoPrice, got %v", err)
	}
}

func TestFeed_RejectsNonPositive(t *testing.T) {
	f := NewFeed()
	if err := f.Record(context.Background(), "LINK", decimal.Zero, t0); err != ErrInvalidPrice {
		t.Errorf("expected ErrInvalidPrice, got %v", err)
	}
}

func TestFeed_CurrentPriceIsLatest(t *testing.T) {
	f := NewFeed()
	ctx := context.Background()
	_ = f.Record(ctx, "LINK", d(20), t0.Add(2*time.Hour))
	_ = f.Record(ctx, "LINK", d(15), t0) // out of order

	p, err := f.CurrentPrice(ctx, "LINK")
	if err != nil {
		t.Fatal(err)
	}
	if !p.Equal(d(20)) {
		t.Errorf("expected 20, got %s", p)
	}
}

func TestFeed_LowestPrice(t *testing.T) {
	f := NewFeed()
	ctx := context.Background()
	_ = f.Record(ctx, "LINK", d(20), t0)
	_ = f.Record(ctx, "LINK", d(17), t0.Add(24*time.Hour))
	_ = f.Record(ctx, "LINK", d(21), t0.Add(48*time.Hour))
	_ = f.Record(ctx, "LINK", d(10), t0.Add(96*time.Hour))

	tests := []struct {
		name     string
		from, to time.Time
		want     decimal.Decimal
	}{
		{"price in effect at from", t0.Add(time.Hour), t0.Add(2 * time.Hour), d(20)},
		{"dip inside window", t0.Add(time.Hour), t0.Add(72 * time.Hour), d(17)},
		{"after dip", t0.Add(50 * time.Hour), t0.Add(72 * time.Hour), d(21)},
		{"window ends before crash", t0, t0.Add(95 * time.Hour), d(17)},
		{"window includes crash", t0, t0.Add(96 * time.Hour), d(10)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := f.LowestPrice(ctx, "LINK", tt.from, tt.to)
			if err != nil {
				t.Fatal(err)
			}
			if !got.Equal(tt.want) {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestParseMember(t *testing.T) {
	p, err := parseMember("1700000000000000000:18.25")
	if err != nil || !p.Equal(d(18.25)) {
		t.Errorf("expected 18.25, got %s err=%v", p, err)
	}
	if _, err := parseMember("garbage"); err == nil {
		t.Error("expected error for malformed member")
	}
}
