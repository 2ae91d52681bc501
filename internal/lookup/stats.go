package lookup

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/singleflight"

	"github.com/scttfrdmn/scorekeeper/internal/cache"
	"github.com/scttfrdmn/scorekeeper/internal/metrics"
	"github.com/scttfrdmn/scorekeeper/internal/ranking"
	"github.com/scttfrdmn/scorekeeper/pkg/types"
)

// StatsSource loads persisted stats.
type StatsSource interface {
	Stats(ctx context.Context, userID int, mode types.Mode) (types.Stats, error)
}

// StatsCache caches stats by (user, mode). The global rank is read from the
// ranking store as part of every load.
type StatsCache struct {
	src     StatsSource
	ranks   ranking.Store
	cache   *cache.Cache[types.Stats]
	group   singleflight.Group
	metrics *metrics.Metrics
}

// NewStatsCache returns a StatsCache. ranks may be nil, in which case ranks
// are always 0.
func NewStatsCache(src StatsSource, ranks ranking.Store, cfg cache.Config, m *metrics.Metrics) *StatsCache {
	return &StatsCache{src: src, ranks: ranks, cache: cache.New[types.Stats](cfg), metrics: m}
}

// Get returns the stats for (userID, mode), loading them on a miss.
func (c *StatsCache) Get(ctx context.Context, userID int, mode types.Mode) (types.Stats, error) {
	key := cache.Key(userID, int(mode))
	if st, ok := c.cache.Get(key); ok {
		c.metrics.RecordCacheLookup("stats", true)
		return st, nil
	}
	c.metrics.RecordCacheLookup("stats", false)

	v, err, _ := c.group.Do(key, func() (any, error) {
		st, err := c.src.Stats(ctx, userID, mode)
		if err != nil {
			return types.Stats{}, fmt.Errorf("lookup: load stats %d %s: %w", userID, mode, err)
		}
		st.Rank = c.rankOf(ctx, userID, mode)
		c.cache.Put(key, st)
		return st, nil
	})
	if err != nil {
		return types.Stats{}, err
	}
	return v.(types.Stats), nil
}

func (c *StatsCache) rankOf(ctx context.Context, userID int, mode types.Mode) int {
	if c.ranks == nil {
		return 0
	}
	rank, err := c.ranks.RankOf(ctx, ranking.Global(mode), userID)
	if err != nil {
		slog.Warn("lookup: rank lookup failed", "user_id", userID, "mode", mode.String(), "error", err)
		return 0
	}
	return rank
}

// Put replaces the cached stats after a recalculation.
func (c *StatsCache) Put(st types.Stats) {
	c.cache.Put(cache.Key(st.UserID, int(st.Mode)), st)
}

// Evict drops every cached mode of userID.
func (c *StatsCache) Evict(userID int) int {
	return c.cache.RemoveByPrefix(userID)
}
