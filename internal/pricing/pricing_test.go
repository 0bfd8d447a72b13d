package pricing

import (
	"testing"

	"github.com/shopspring/decimal"
)

// d is a test helper for creating decimals from float64.
func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// units converts whole tokens to base units (6 decimals, USDC-style).
func units(n int64) decimal.Decimal {
	return decimal.NewFromInt(n).Shift(6)
}

// --- Fixture tests ---

func TestQuote_ReferenceStrikeIsFlatRate(t *testing.T) {
	e := NewEngine()

	tests := []struct {
		rate     float64
		notional decimal.Decimal
		want     decimal.Decimal
	}{
		// notional × rate / 1000
		{25, units(3000), units(75)},
		{40, units(5000), units(200)},
		{20, units(100), units(2)},
		{50, units(1), d(50000)},
	}
	for _, tt := range tests {
		got, err := e.Quote(d(tt.rate), tt.notional, ReferenceStrike)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !got.Equal(tt.want) {
			t.Errorf("Quote(rate=%v, notional=%s) = %s, want %s", tt.rate, tt.notional, got, tt.want)
		}
	}
}

func TestQuote_RoundsDownToBaseUnit(t *testing.T) {
	e := NewEngine()
	// 49 × 40 / 1000 = 1.96 → 1
	got, _ := e.Quote(d(40), d(49), ReferenceStrike)
	if !got.Equal(d(1)) {
		t.Errorf("expected 1, got %s", got)
	}
	// 1001 × 40 × 10 / (1000 × 30) = 13.346… → 13
	got, _ = e.Quote(d(40), d(1001), 30)
	if !got.Equal(d(13)) {
		t.Errorf("expected 13, got %s", got)
	}
}

// --- Shape tests ---

func TestQuote_MonotonicInNotional(t *testing.T) {
	e := NewEngine()
	prev := decimal.Zero
	for n := int64(1); n <= 5000; n += 37 {
		q, err := e.Quote(d(40), units(n), 15)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if q.LessThan(prev) {
			t.Fatalf("premium decreased at notional %d: %s < %s", n, q, prev)
		}
		prev = q
	}
}

func TestQuote_CloserStrikeCostsMore(t *testing.T) {
	e := NewEngine()
	near, _ := e.Quote(d(40), units(5000), 10)
	far, _ := e.Quote(d(40), units(5000), 30)
	if !near.GreaterThan(far) {
		t.Errorf("near strike should cost more: near=%s far=%s", near, far)
	}
	if !far.Equal(units(5000).Mul(d(40)).Div(d(3000)).Floor()) {
		t.Errorf("unexpected far-strike premium %s", far)
	}
}

func TestQuote_ZeroRateIsFree(t *testing.T) {
	q, err := NewEngine().Quote(decimal.Zero, units(10), 10)
	if err != nil || !q.IsZero() {
		t.Errorf("expected free quote, got %s err=%v", q, err)
	}
}

// --- Validation tests ---

func TestQuote_Errors(t *testing.T) {
	e := NewEngine()
	tests := []struct {
		name     string
		rate     decimal.Decimal
		notional decimal.Decimal
		strike   int
		want     error
	}{
		{"zero notional", d(40), decimal.Zero, 10, ErrInvalidNotional},
		{"negative notional", d(40), d(-5), 10, ErrInvalidNotional},
		{"strike zero", d(40), d(100), 0, ErrStrikeOutOfRange},
		{"strike 100", d(40), d(100), 100, ErrStrikeOutOfRange},
		{"negative rate", d(-1), d(100), 10, ErrInvalidRate},
		// 24 × 40 / 1000 = 0.96 → 0
		{"premium rounds to zero", d(40), d(24), 10, ErrPremiumTooSmall},
		{"smallest priced notional", d(40), d(25), 10, nil},
		// 74 × 40 × 10 / (1000 × 30) = 0.98…
		{"deep strike rounds to zero", d(40), d(74), 30, ErrPremiumTooSmall},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := e.Quote(tt.rate, tt.notional, tt.strike); err != tt.want {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

// --- Trigger tests ---

func TestTriggerPrice(t *testing.T) {
	trigger := TriggerPrice(d(20), 10)
	if !trigger.Equal(d(18)) {
		t.Errorf("expected 18, got %s", trigger)
	}
	if !Triggered(d(18), trigger) {
		t.Error("price equal to trigger should trigger")
	}
	if Triggered(d(18.01), trigger) {
		t.Error("price above trigger should not trigger")
	}
}
