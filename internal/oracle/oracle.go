// Package oracle provides the price feeds the coverage engine reads to fix
// reference prices and detect strike crossings.
package oracle

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrNoPrice is returned when a market has no observation covering the
	// requested time.
	ErrNoPrice = errors.New("oracle: no price")

	// ErrInvalidPrice is returned when recording a non-positive price.
	ErrInvalidPrice = errors.New("oracle: price must be positive")
)

// Oracle is the read-only price interface consumed by the engine.
type Oracle interface {
	// CurrentPrice returns the most recent price for the market.
	CurrentPrice(ctx context.Context, market string) (decimal.Decimal, error)

	// LowestPrice returns the lowest price in effect at any instant of
	// [from, to]. The price in effect at from is the last observation at or
	// before from.
	LowestPrice(ctx context.Context, market string, from, to time.Time) (decimal.Decimal, error)
}

// Recorder accepts price observations.
type Recorder interface {
	Record(ctx context.Context, market string, price decimal.Decimal, at time.Time) error
}

// Observation is one price sample.
type Observation struct {
	Price decimal.Decimal `json:"price"`
	At    time.Time       `json:"at"`
}

// Feed is an in-memory price history.
type Feed struct {
	mu  sync.RWMutex
	obs map[string][]Observation // ordered by At
}

// NewFeed creates an empty in-memory feed.
func NewFeed() *Feed {
	return &Feed{obs: make(map[string][]Observation)}
}

func (f *Feed) Record(_ context.Context, market string, price decimal.Decimal, at time.Time) error {
	if !price.IsPositive() {
		return ErrInvalidPrice
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	series := f.obs[market]
	i := sort.Search(len(series), func(i int) bool { return series[i].At.After(at) })
	series = append(series, Observation{})
	copy(series[i+1:], series[i:])
	series[i] = Observation{Price: price, At: at}
	f.obs[market] = series
	return nil
}

func (f *Feed) CurrentPrice(_ context.Context, market string) (decimal.Decimal, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	series := f.obs[market]
	if len(series) == 0 {
		return decimal.Zero, ErrNoPrice
	}
	return series[len(series)-1].Price, nil
}

func (f *Feed) LowestPrice(_ context.Context, market string, from, to time.Time) (decimal.Decimal, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	series := f.obs[market]
	// First observation strictly after from.
	start := sort.Search(len(series), func(i int) bool { return series[i].At.After(from) })

	var low decimal.Decimal
	found := false
	if start > 0 {
		low = series[start-1].Price
		found = true
	}
	for _, o := range series[start:] {
		if o.At.After(to) {
			break
		}
		if !found || o.Price.LessThan(low) {
			low = o.Price
			found = true
		}
	}
	if !found {
		return decimal.Zero, ErrNoPrice
	}
	return low, nil
}

var (
	_ Oracle   = (*Feed)(nil)
	_ Recorder = (*Feed)(nil)
)
