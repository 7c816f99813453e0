// Package cache is a Redis read-through cache for computed diffs and
// signal sets. Analysis results are derived data keyed by fund and
// period; the cache cuts repeated pipeline runs and API reads, and a
// cold cache only costs recomputation.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog/log"

	"github.com/fundtrack/fundtrack/internal/domain/aggregate"
	"github.com/fundtrack/fundtrack/internal/domain/diff"
)

const dateLayout = "2006-01-02"

// Cache wraps a Redis client with result-typed accessors.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

// New connects to Redis and verifies the connection.
func New(ctx context.Context, addr string, db int, ttl time.Duration) (*Cache, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("cache: redis ping: %w", err)
	}
	return &Cache{client: client, ttl: ttl}, nil
}

// NewWithClient wraps an existing client, for tests.
func NewWithClient(client *redis.Client, ttl time.Duration) *Cache {
	return &Cache{client: client, ttl: ttl}
}

// Close releases the underlying connection pool.
func (c *Cache) Close() error { return c.client.Close() }

func diffKey(cik string, period time.Time) string {
	return fmt.Sprintf("diff:%s:%s", cik, period.Format(dateLayout))
}

func signalsKey(period time.Time) string {
	return fmt.Sprintf("signals:%s", period.Format(dateLayout))
}

// GetFundDiff returns the cached diff for a fund-period, or nil, nil on
// a miss.
func (c *Cache) GetFundDiff(ctx context.Context, cik string, period time.Time) (*diff.FundDiff, error) {
	payload, err := c.client.Get(ctx, diffKey(cik, period)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("cache: get fund diff: %w", err)
	}
	var fd diff.FundDiff
	if err := json.Unmarshal(payload, &fd); err != nil {
		return nil, fmt.Errorf("cache: decode fund diff: %w", err)
	}
	return &fd, nil
}

// SetFundDiff stores the diff for a fund-period.
func (c *Cache) SetFundDiff(ctx context.Context, fd *diff.FundDiff) error {
	payload, err := json.Marshal(fd)
	if err != nil {
		return fmt.Errorf("cache: encode fund diff: %w", err)
	}
	if err := c.client.Set(ctx, diffKey(fd.Fund.CIK, fd.Period), payload, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache: set fund diff: %w", err)
	}
	return nil
}

// GetSignals returns the cached signal set for a period, or nil, nil on
// a miss.
func (c *Cache) GetSignals(ctx context.Context, period time.Time) (*aggregate.Signals, error) {
	payload, err := c.client.Get(ctx, signalsKey(period)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("cache: get signals: %w", err)
	}
	var s aggregate.Signals
	if err := json.Unmarshal(payload, &s); err != nil {
		return nil, fmt.Errorf("cache: decode signals: %w", err)
	}
	return &s, nil
}

// SetSignals stores the signal set for a period.
func (c *Cache) SetSignals(ctx context.Context, s *aggregate.Signals) error {
	payload, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("cache: encode signals: %w", err)
	}
	if err := c.client.Set(ctx, signalsKey(s.Period), payload, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache: set signals: %w", err)
	}
	return nil
}

// InvalidateFund drops every cached diff for a fund. Called when a new
// or amended snapshot lands, since any period touching it is stale. The
// period-level signal sets are invalidated wholesale by the pipeline.
func (c *Cache) InvalidateFund(ctx context.Context, cik string) error {
	pattern := fmt.Sprintf("diff:%s:*", cik)
	var cursor uint64
	var dropped int
	for {
		keys, next, err := c.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return fmt.Errorf("cache: scan %s: %w", pattern, err)
		}
		if len(keys) > 0 {
			if err := c.client.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("cache: del: %w", err)
			}
			dropped += len(keys)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	if dropped > 0 {
		log.Debug().Str("cik", cik).Int("keys", dropped).Msg("invalidated cached diffs")
	}
	return nil
}

// InvalidateSignals drops the cached signal set for a period.
func (c *Cache) InvalidateSignals(ctx context.Context, period time.Time) error {
	if err := c.client.Del(ctx, signalsKey(period)).Err(); err != nil {
		return fmt.Errorf("cache: del signals: %w", err)
	}
	return nil
}
