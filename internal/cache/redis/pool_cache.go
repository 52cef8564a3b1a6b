package redis

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/dlmmbot/internal/domain"
)

// defaultPoolTTL bounds how stale a cached pool view may be served. Active-bin
// reads between monitoring ticks tolerate a few seconds of staleness; anything
// price-sensitive bypasses the cache entirely.
const defaultPoolTTL = 5 * time.Second

// PoolCache caches DLMM pool state as JSON under "pool:{address}". Cache
// failures degrade to misses so the caller falls through to the realtime read.
type PoolCache struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewPoolCache creates a PoolCache backed by the given Client. ttl <= 0 uses
// the default.
func NewPoolCache(c *Client, ttl time.Duration, logger *slog.Logger) *PoolCache {
	if ttl <= 0 {
		ttl = defaultPoolTTL
	}
	return &PoolCache{
		rdb:    c.Underlying(),
		ttl:    ttl,
		logger: logger.With(slog.String("component", "pool-cache")),
	}
}

func poolKey(address string) string {
	return "pool:" + address
}

// GetPool returns the cached pool state, reporting a miss on absence, expiry,
// or any cache error.
func (pc *PoolCache) GetPool(ctx context.Context, pool string) (domain.PoolState, bool) {
	data, err := pc.rdb.Get(ctx, poolKey(pool)).Bytes()
	if err != nil {
		if err != redis.Nil {
			pc.logger.Warn("pool cache read failed",
				slog.String("pool", pool), slog.String("error", err.Error()))
		}
		return domain.PoolState{}, false
	}

	var state domain.PoolState
	if err := json.Unmarshal(data, &state); err != nil {
		pc.logger.Warn("pool cache entry corrupt, dropped",
			slog.String("pool", pool), slog.String("error", err.Error()))
		_ = pc.rdb.Del(ctx, poolKey(pool)).Err()
		return domain.PoolState{}, false
	}
	return state, true
}

// SetPool stores the pool state with the cache TTL. Write failures are logged
// and swallowed; the cache is advisory.
func (pc *PoolCache) SetPool(ctx context.Context, state domain.PoolState) {
	data, err := json.Marshal(state)
	if err != nil {
		return
	}
	if err := pc.rdb.Set(ctx, poolKey(state.Address), data, pc.ttl).Err(); err != nil {
		pc.logger.Warn("pool cache write failed",
			slog.String("pool", state.Address), slog.String("error", err.Error()))
	}
}
