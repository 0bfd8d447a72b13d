package limits

import (
	"testing"

	"github.com/shopspring/decimal"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func TestCheckPoolSize_WithinLimit(t *testing.T) {
	l := NewLimiter(decimal.Zero)
	if err := l.CheckPoolSize(d(900), d(100), d(1000)); err != nil {
		t.Errorf("expected no error at exactly max, got %v", err)
	}
}

func TestCheckPoolSize_Exceeded(t *testing.T) {
	l := NewLimiter(decimal.Zero)
	if err := l.CheckPoolSize(d(900), d(101), d(1000)); err != ErrPoolFull {
		t.Errorf("expected ErrPoolFull, got %v", err)
	}
}

func TestCheckPoolSize_Uncapped(t *testing.T) {
	l := NewLimiter(decimal.Zero)
	if err := l.CheckPoolSize(d(1e12), d(1e12), decimal.Zero); err != nil {
		t.Errorf("uncapped pool should accept any deposit, got %v", err)
	}
}

func TestCheckBuyerExposure(t *testing.T) {
	tests := []struct {
		name     string
		max      float64
		existing float64
		notional float64
		want     error
	}{
		{"disabled", 0, 1e9, 1e9, nil},
		{"within", 1000, 400, 600, nil},
		{"exceeded", 1000, 400, 601, ErrBuyerLimitExceeded},
		{"first purchase too large", 1000, 0, 1500, ErrBuyerLimitExceeded},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := NewLimiter(d(tt.max))
			if err := l.CheckBuyerExposure(d(tt.existing), d(tt.notional)); err != tt.want {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestNewLimiter_NegativeCapDisables(t *testing.T) {
	l := NewLimiter(d(-5))
	if !l.MaxBuyerNotional.IsZero() {
		t.Errorf("negative cap should clamp to zero, got %s", l.MaxBuyerNotional)
	}
}

func TestHeadroom(t *testing.T) {
	l := NewLimiter(decimal.Zero)
	if h := l.Headroom(d(250), d(1000)); !h.Equal(d(750)) {
		t.Errorf("expected 750, got %s", h)
	}
	if h := l.Headroom(d(1200), d(1000)); !h.IsZero() {
		t.Errorf("expected 0 when over capacity, got %s", h)
	}
	if h := l.Headroom(d(1), decimal.Zero); !h.Equal(d(-1)) {
		t.Errorf("expected -1 for uncapped, got %s", h)
	}
}
