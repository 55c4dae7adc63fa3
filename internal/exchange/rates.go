// Package exchange converts native-currency amounts into a buyer's display
// currency. Conversions are estimates; charges always use the native amount.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"storefront-checkout/internal/domain"
)

// ErrUnknownCurrency is returned when a rate table has no entry for a currency.
var ErrUnknownCurrency = errors.New("unknown currency")

// Source returns currency -> units of that currency per one USD.
type Source interface {
	Rates(ctx context.Context) (map[string]decimal.Decimal, error)
}

// Table is a point-in-time rate snapshot.
type Table struct {
	Rates     map[string]decimal.Decimal
	FetchedAt time.Time
}

func (t Table) rate(cur string) (decimal.Decimal, error) {
	cur = domain.NormalizeCurrency(cur)
	if cur == "usd" {
		return decimal.NewFromInt(1), nil
	}
	r, ok := t.Rates[cur]
	if !ok || !r.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrUnknownCurrency, cur)
	}
	return r, nil
}

// Convert turns cents of from into the minor unit of to using t.
func Convert(t Table, cents int64, from, to string) (int64, error) {
	if domain.NormalizeCurrency(from) == domain.NormalizeCurrency(to) {
		return cents, nil
	}
	fromRate, err := t.rate(from)
	if err != nil {
		return 0, err
	}
	toRate, err := t.rate(to)
	if err != nil {
		return 0, err
	}
	major := decimal.New(cents, -int32(domain.MinorUnits(from)))
	converted := major.Div(fromRate).Mul(toRate)
	return converted.Shift(int32(domain.MinorUnits(to))).Round(0).IntPart(), nil
}

const defaultRefresh = 5 * time.Minute

// Cache holds the process-wide snapshot and refreshes it at most once per
// interval. A failed refresh keeps serving the previous snapshot.
type Cache struct {
	source   Source
	interval time.Duration
	logger   zerolog.Logger
	now      func() time.Time

	mu    sync.RWMutex
	table Table
	group singleflight.Group
}

func NewCache(source Source, interval time.Duration, logger zerolog.Logger) *Cache {
	if interval <= 0 {
		interval = defaultRefresh
	}
	return &Cache{
		source:   source,
		interval: interval,
		logger:   logger,
		now:      time.Now,
	}
}

// Snapshot returns the current table, refreshing it first when it is older
// than the interval.
func (c *Cache) Snapshot(ctx context.Context) (Table, error) {
	if table, ok := c.fresh(); ok {
		return table, nil
	}
	if err := c.refresh(ctx, false); err != nil {
		c.mu.RLock()
		defer c.mu.RUnlock()
		if c.table.Rates != nil {
			return c.table, nil
		}
		return Table{}, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.table, nil
}

// Refresh loads a new table from the source. Concurrent callers share one fetch.
func (c *Cache) Refresh(ctx context.Context) error {
	return c.refresh(ctx, true)
}

func (c *Cache) fresh() (Table, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.table, c.table.Rates != nil && c.now().Sub(c.table.FetchedAt) < c.interval
}

func (c *Cache) refresh(ctx context.Context, force bool) error {
	_, err, _ := c.group.Do("rates", func() (any, error) {
		if _, ok := c.fresh(); ok && !force {
			return nil, nil
		}
		rates, err := c.source.Rates(ctx)
		if err != nil {
			c.logger.Warn().Err(err).Msg("exchange: refresh failed, keeping previous snapshot")
			return nil, err
		}
		c.mu.Lock()
		c.table = Table{Rates: rates, FetchedAt: c.now()}
		c.mu.Unlock()
		c.logger.Debug().Int("currencies", len(rates)).Msg("exchange: rates refreshed")
		return nil, nil
	})
	return err
}

// Run refreshes the snapshot every interval until ctx is done.
func (c *Cache) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = c.Refresh(ctx)
		}
	}
}

// RedisSource reads rates from a redis hash of currency -> decimal string.
type RedisSource struct {
	client *redis.Client
	key    string
}

func NewRedisSource(client *redis.Client, key string) *RedisSource {
	return &RedisSource{client: client, key: key}
}

func (s *RedisSource) Rates(ctx context.Context) (map[string]decimal.Decimal, error) {
	raw, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, fmt.Errorf("read rates hash %s: %w", s.key, err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("rates hash %s is empty", s.key)
	}
	out := make(map[string]decimal.Decimal, len(raw))
	for cur, v := range raw {
		d, err := decimal.NewFromString(v)
		if err != nil {
			return nil, fmt.Errorf("rate for %s: %w", cur, err)
		}
		out[domain.NormalizeCurrency(cur)] = d
	}
	return out, nil
}

// StaticSource serves a fixed table.
type StaticSource map[string]decimal.Decimal

func (s StaticSource) Rates(context.Context) (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal, len(s))
	for k, v := range s {
		out[domain.NormalizeCurrency(k)] = v
	}
	return out, nil
}
