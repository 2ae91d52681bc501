package beatmap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/scttfrdmn/scorekeeper/internal/cache"
	"github.com/scttfrdmn/scorekeeper/internal/metrics"
	"github.com/scttfrdmn/scorekeeper/pkg/types"
)

// Outcome is the terminal classification of a resolution.
type Outcome int

const (
	OutcomeFound Outcome = iota
	OutcomeNeedsUpdate
	OutcomeNotSubmitted
)

func (o Outcome) String() string {
	switch o {
	case OutcomeNeedsUpdate:
		return "needs_update"
	case OutcomeNotSubmitted:
		return "not_submitted"
	}
	return "found"
}

// Result is one resolution.
type Result struct {
	// Beatmap is nil unless Outcome is OutcomeFound.
	Beatmap    *Beatmap
	Outcome    Outcome
	Provenance types.Provenance
}

// Store is the subset of the authoritative store the resolver uses.
type Store interface {
	BeatmapByMD5(ctx context.Context, md5 string) (types.BeatmapInfo, error)
	SaveBeatmap(ctx context.Context, b types.BeatmapInfo) error
	BeatmapExistsBySongName(ctx context.Context, songName string) (bool, error)
}

// Remote is the external metadata service. It returns a *types.NotFoundError
// for unknown hashes.
type Remote interface {
	LookupByHash(ctx context.Context, md5 string) (types.BeatmapInfo, error)
}

// Config tunes a Resolver.
type Config struct {
	CacheTTL        time.Duration
	CacheMaxEntries int

	MemoSize int
	MemoTTL  time.Duration

	// The staleness window is StalenessBase plus StalenessGrowthPerDay for
	// every whole day since the record was last checked.
	StalenessBase         time.Duration
	StalenessGrowthPerDay time.Duration
}

// DefaultConfig mirrors the server defaults.
var DefaultConfig = Config{
	CacheTTL:              2 * time.Hour,
	CacheMaxEntries:       4096,
	MemoSize:              16384,
	MemoTTL:               30 * time.Minute,
	StalenessBase:         2 * time.Hour,
	StalenessGrowthPerDay: 5 * time.Hour / 365,
}

// Resolver resolves content hashes to beatmaps.
type Resolver struct {
	cfg     Config
	store   Store
	remote  Remote
	metrics *metrics.Metrics

	cache *cache.Cache[*Beatmap]
	memo  *expirable.LRU[string, Outcome]
	group singleflight.Group
	now   func() time.Time
}

// NewResolver returns a Resolver. remote and m may be nil.
func NewResolver(cfg Config, store Store, remote Remote, m *metrics.Metrics) *Resolver {
	return newResolver(cfg, store, remote, m, time.Now)
}

func newResolver(cfg Config, store Store, remote Remote, m *metrics.Metrics, now func() time.Time) *Resolver {
	if cfg.MemoSize <= 0 {
		cfg.MemoSize = DefaultConfig.MemoSize
	}
	return &Resolver{
		cfg:     cfg,
		store:   store,
		remote:  remote,
		metrics: m,
		cache:   cache.New[*Beatmap](cache.Config{TTL: cfg.CacheTTL, MaxEntries: cfg.CacheMaxEntries, Now: now}),
		memo:    expirable.NewLRU[string, Outcome](cfg.MemoSize, nil, cfg.MemoTTL),
		now:     now,
	}
}

// Resolve returns the beatmap for md5. Errors are returned only for store
// failures; an unreachable metadata service degrades to a miss.
func (r *Resolver) Resolve(ctx context.Context, md5 string) (Result, error) {
	if o, ok := r.memo.Get(md5); ok {
		r.record(Result{Outcome: o})
		return Result{Outcome: o, Provenance: types.ProvenanceNone}, nil
	}

	v, err, _ := r.group.Do(md5, func() (any, error) {
		return r.resolve(ctx, md5)
	})
	if err != nil {
		return Result{}, err
	}
	res := v.(Result)
	r.record(res)
	return res, nil
}

func (r *Resolver) record(res Result) {
	r.metrics.RecordResolution(res.Provenance.String(), res.Outcome.String())
	attrs := []any{"provenance", res.Provenance.String(), "outcome", res.Outcome.String()}
	if res.Beatmap != nil {
		attrs = append(attrs, "md5", res.Beatmap.Hash())
	}
	slog.Debug("beatmap resolved", attrs...)
}

func (r *Resolver) resolve(ctx context.Context, md5 string) (Result, error) {
	bm, hit := r.cache.Get(md5)
	r.metrics.RecordCacheLookup("beatmap", hit)
	prov := types.ProvenanceCache

	if !hit {
		info, src, err := r.fetch(ctx, md5)
		if err != nil {
			return Result{}, err
		}
		if src == types.ProvenanceNone {
			return Result{Outcome: OutcomeNotSubmitted, Provenance: types.ProvenanceNone}, nil
		}
		prov = src
		bm = newBeatmap(info)
		r.cache.Put(md5, bm)
	}

	if bm.Info().Status == types.StatusUpdateAvailable {
		r.memo.Add(md5, OutcomeNeedsUpdate)
		return Result{Outcome: OutcomeNeedsUpdate, Provenance: types.ProvenanceNone}, nil
	}

	if refreshed, ok := r.recheck(ctx, bm); ok {
		bm = refreshed
		prov = types.ProvenanceExternal
	}
	return Result{Beatmap: bm, Outcome: OutcomeFound, Provenance: prov}, nil
}

// fetch consults the store, then the metadata service. ProvenanceNone means
// every source missed and the hash is memoized as not submitted. A metadata
// service failure counts as a miss.
func (r *Resolver) fetch(ctx context.Context, md5 string) (types.BeatmapInfo, types.Provenance, error) {
	info, err := r.store.BeatmapByMD5(ctx, md5)
	switch {
	case err == nil:
		return info, types.ProvenanceStore, nil
	case !errors.Is(err, types.ErrNotFound):
		return types.BeatmapInfo{}, types.ProvenanceNone, types.E(types.KindPersistenceFailure, "beatmap.Resolve", err)
	}

	if r.remote == nil {
		r.memo.Add(md5, OutcomeNotSubmitted)
		return types.BeatmapInfo{}, types.ProvenanceNone, nil
	}
	info, err = r.remote.LookupByHash(ctx, md5)
	if err != nil {
		if !errors.Is(err, types.ErrNotFound) {
			r.metrics.RecordUpstreamError("osu_api")
			slog.Warn("beatmap: metadata lookup failed", "md5", md5, "error", err)
		}
		r.memo.Add(md5, OutcomeNotSubmitted)
		return types.BeatmapInfo{}, types.ProvenanceNone, nil
	}
	info.LastChecked = r.now()
	if err := r.store.SaveBeatmap(ctx, info); err != nil {
		return types.BeatmapInfo{}, types.ProvenanceNone, types.E(types.KindPersistenceFailure, "beatmap.Resolve", err)
	}
	return info, types.ProvenanceExternal, nil
}

// Stale reports whether info is due for a re-check at now. Frozen records
// never are.
func (r *Resolver) Stale(info types.BeatmapInfo, now time.Time) bool {
	if info.Frozen {
		return false
	}
	age := now.Sub(info.LastChecked)
	days := int64(age / (24 * time.Hour))
	window := r.cfg.StalenessBase + time.Duration(days)*r.cfg.StalenessGrowthPerDay
	return age > window
}

// recheck re-validates a stale record against the metadata service. It
// returns the replacement Beatmap when the remote hash changed.
func (r *Resolver) recheck(ctx context.Context, bm *Beatmap) (*Beatmap, bool) {
	info := bm.Info()
	now := r.now()
	if r.remote == nil || !r.Stale(info, now) {
		return nil, false
	}

	remote, err := r.remote.LookupByHash(ctx, info.MD5)
	if err != nil {
		if !errors.Is(err, types.ErrNotFound) {
			r.metrics.RecordUpstreamError("osu_api")
		}
		slog.Warn("beatmap: staleness re-check failed", "md5", info.MD5, "error", err)
		return nil, false
	}

	if remote.MD5 == info.MD5 {
		updated := bm.setLastChecked(now)
		if err := r.store.SaveBeatmap(ctx, updated); err != nil {
			slog.Warn("beatmap: persist check time failed", "md5", info.MD5, "error", err)
		}
		return nil, false
	}

	remote.LastChecked = now
	if err := r.store.SaveBeatmap(ctx, remote); err != nil {
		slog.Warn("beatmap: persist replacement failed", "md5", info.MD5, "new_md5", remote.MD5, "error", err)
		return nil, false
	}
	replacement := newBeatmap(remote)
	r.cache.Remove(info.MD5)
	r.cache.Put(remote.MD5, replacement)
	slog.Info("beatmap replaced", "md5", info.MD5, "new_md5", remote.MD5, "beatmap_id", remote.ID)
	return replacement, true
}

// Evict drops the cached beatmap (with its leaderboards) and any memo entry.
func (r *Resolver) Evict(md5 string) {
	r.cache.Remove(md5)
	r.memo.Remove(md5)
}

// Cached returns the cached beatmap for md5 without loading it.
func (r *Resolver) Cached(md5 string) (*Beatmap, bool) {
	return r.cache.Get(md5)
}

// CacheStats exposes the beatmap cache counters.
func (r *Resolver) CacheStats() cache.Stats { return r.cache.Stats() }

var mapFilename = regexp.MustCompile(`^(?P<artist>.+) - (?P<title>.+) \((?P<mapper>.+)\) \[(?P<diff>.+)\]\.osu$`)

// SongNameFromFilename derives the stored song name from a client beatmap
// filename of the form "artist - title (mapper) [diff].osu".
func SongNameFromFilename(filename string) (string, bool) {
	m := mapFilename.FindStringSubmatch(filename)
	if m == nil {
		return "", false
	}
	get := func(name string) string { return m[mapFilename.SubexpIndex(name)] }
	return fmt.Sprintf("%s - %s [%s]", get("artist"), get("title"), get("diff")), true
}

// NeedsUpdateByFilename reports whether a hash that failed to resolve belongs
// to a beatmap the store knows under another hash, meaning the client holds
// an outdated file. Store errors are reported as needing an update.
func (r *Resolver) NeedsUpdateByFilename(ctx context.Context, filename string) bool {
	name, ok := SongNameFromFilename(filename)
	if !ok {
		return false
	}
	exists, err := r.store.BeatmapExistsBySongName(ctx, name)
	if err != nil {
		slog.Warn("beatmap: song name lookup failed", "song_name", name, "error", err)
		return true
	}
	return exists
}
