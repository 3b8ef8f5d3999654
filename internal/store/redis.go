package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/MoonCraze/trader-selection/internal/metrics"
	"github.com/MoonCraze/trader-selection/internal/model"
)

// CachedSource wraps a primary Source with a Redis read-through cache for
// single-trader lookups and table stats. Bulk fetches always hit the primary
// so analysis runs see current data.
type CachedSource struct {
	primary Source
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedSource creates a cached wrapper around a primary source.
func NewCachedSource(primary Source, rdb *redis.Client, ttl time.Duration) *CachedSource {
	return &CachedSource{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Read-through (check cache first) ---

func (s *CachedSource) FetchTrader(ctx context.Context, wallet string) (*model.TraderRecord, error) {
	data, err := s.rdb.Get(ctx, traderKey(wallet)).Bytes()
	if err == nil {
		var r model.TraderRecord
		if json.Unmarshal(data, &r) == nil {
			metrics.SourceCacheRequests.WithLabelValues("hit").Inc()
			return &r, nil
		}
	}
	metrics.SourceCacheRequests.WithLabelValues("miss").Inc()

	r, err := s.primary.FetchTrader(ctx, wallet)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(r); err == nil {
		s.rdb.Set(ctx, traderKey(wallet), data, s.ttl)
	}
	return r, nil
}

func (s *CachedSource) Stats(ctx context.Context) (*model.SourceStats, error) {
	data, err := s.rdb.Get(ctx, statsKey).Bytes()
	if err == nil {
		var st model.SourceStats
		if json.Unmarshal(data, &st) == nil {
			metrics.SourceCacheRequests.WithLabelValues("hit").Inc()
			return &st, nil
		}
	}
	metrics.SourceCacheRequests.WithLabelValues("miss").Inc()

	st, err := s.primary.Stats(ctx)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(st); err == nil {
		s.rdb.Set(ctx, statsKey, data, s.ttl)
	}
	return st, nil
}

// --- Passthrough (not cached) ---

func (s *CachedSource) FetchTraders(ctx context.Context, f Filter) ([]model.TraderRecord, error) {
	return s.primary.FetchTraders(ctx, f)
}

// Ping checks both Redis and the primary.
func (s *CachedSource) Ping(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	return s.primary.Ping(ctx)
}

// --- Cache helpers ---

const statsKey = "trader-selection:stats"

func traderKey(wallet string) string { return fmt.Sprintf("trader-selection:trader:%s", wallet) }
