package lookup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/scttfrdmn/scorekeeper/internal/cache"
	"github.com/scttfrdmn/scorekeeper/internal/metrics"
	"github.com/scttfrdmn/scorekeeper/pkg/types"
)

// Field caches one per-user column of the store.
type Field[V any] struct {
	name    string
	cache   *cache.Cache[V]
	load    func(ctx context.Context, userID int) (V, error)
	loadAll func(ctx context.Context) (map[int]V, error)
	metrics *metrics.Metrics
}

// NewField returns a Field named name (used in logs and metrics) reading
// single rows with load and the whole table with loadAll.
func NewField[V any](
	name string,
	cfg cache.Config,
	load func(ctx context.Context, userID int) (V, error),
	loadAll func(ctx context.Context) (map[int]V, error),
	m *metrics.Metrics,
) *Field[V] {
	return &Field[V]{name: name, cache: cache.New[V](cfg), load: load, loadAll: loadAll, metrics: m}
}

// Name identifies the field.
func (f *Field[V]) Name() string { return f.name }

// Get returns the cached value without touching the store.
func (f *Field[V]) Get(userID int) (V, bool) {
	v, ok := f.cache.Get(cache.Key(userID))
	f.metrics.RecordCacheLookup(f.name, ok)
	return v, ok
}

// CacheIndividual reloads userID from the store and replaces any cached
// value. A missing row evicts the entry and returns the NotFound error.
func (f *Field[V]) CacheIndividual(ctx context.Context, userID int) (V, error) {
	v, err := f.load(ctx, userID)
	if err != nil {
		var zero V
		if errors.Is(err, types.ErrNotFound) {
			f.cache.Remove(cache.Key(userID))
			return zero, err
		}
		return zero, fmt.Errorf("lookup: reload %s %d: %w", f.name, userID, err)
	}
	f.cache.Put(cache.Key(userID), v)
	return v, nil
}

// Load returns the cached value, reloading it on a miss.
func (f *Field[V]) Load(ctx context.Context, userID int) (V, error) {
	if v, ok := f.Get(userID); ok {
		return v, nil
	}
	return f.CacheIndividual(ctx, userID)
}

// Evict drops the cached value for userID.
func (f *Field[V]) Evict(userID int) {
	f.cache.Remove(cache.Key(userID))
}

// PreloadAll bulk-loads the whole table and returns the number of entries.
func (f *Field[V]) PreloadAll(ctx context.Context) (int, error) {
	all, err := f.loadAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("lookup: preload %s: %w", f.name, err)
	}
	for id, v := range all {
		f.cache.Put(cache.Key(id), v)
	}
	slog.Debug("lookup cache preloaded", "cache", f.name, "entries", len(all))
	return len(all), nil
}

// Len returns the number of cached entries.
func (f *Field[V]) Len() int { return f.cache.Len() }
