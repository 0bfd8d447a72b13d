package oracle

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// RedisFeed stores price history in one sorted set per market, scored by
// unix milliseconds. Members are "<unix nanos>:<price>" so equal prices at
// different instants stay distinct.
type RedisFeed struct {
	rdb *redis.Client
}

// NewRedisFeed creates a feed backed by the given client.
func NewRedisFeed(rdb *redis.Client) *RedisFeed {
	return &RedisFeed{rdb: rdb}
}

func priceKey(market string) string { return "oracle:" + market + ":prices" }

func (f *RedisFeed) Record(ctx context.Context, market string, price decimal.Decimal, at time.Time) error {
	if !price.IsPositive() {
		return ErrInvalidPrice
	}
	member := strconv.FormatInt(at.UnixNano(), 10) + ":" + price.String()
	err := f.rdb.ZAdd(ctx, priceKey(market), redis.Z{Score: float64(at.UnixMilli()), Member: member}).Err()
	if err != nil {
		return fmt.Errorf("oracle: record %s: %w", market, err)
	}
	return nil
}

func (f *RedisFeed) CurrentPrice(ctx context.Context, market string) (decimal.Decimal, error) {
	members, err := f.rdb.ZRevRange(ctx, priceKey(market), 0, 0).Result()
	if err != nil {
		return decimal.Zero, fmt.Errorf("oracle: current %s: %w", market, err)
	}
	if len(members) == 0 {
		return decimal.Zero, ErrNoPrice
	}
	return parseMember(members[0])
}

func (f *RedisFeed) LowestPrice(ctx context.Context, market string, from, to time.Time) (decimal.Decimal, error) {
	key := priceKey(market)
	fromMs := strconv.FormatInt(from.UnixMilli(), 10)

	pipe := f.rdb.Pipeline()
	before := pipe.ZRevRangeByScore(ctx, key, &redis.ZRangeBy{Max: fromMs, Min: "-inf", Count: 1})
	window := pipe.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: "(" + fromMs,
		Max: strconv.FormatInt(to.UnixMilli(), 10),
	})
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return decimal.Zero, fmt.Errorf("oracle: lowest %s: %w", market, err)
	}

	members := append(before.Val(), window.Val()...)
	if len(members) == 0 {
		return decimal.Zero, ErrNoPrice
	}

	var low decimal.Decimal
	for i, m := range members {
		p, err := parseMember(m)
		if err != nil {
			return decimal.Zero, err
		}
		if i == 0 || p.LessThan(low) {
			low = p
		}
	}
	return low, nil
}

func parseMember(m string) (decimal.Decimal, error) {
	_, raw, ok := strings.Cut(m, ":")
	if !ok {
		return decimal.Zero, fmt.Errorf("oracle: malformed member %q", m)
	}
	return decimal.NewFromString(raw)
}

var (
	_ Oracle   = (*RedisFeed)(nil)
	_ Recorder = (*RedisFeed)(nil)
)
