package beatmap

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scttfrdmn/scorekeeper/internal/leaderboard"
	"github.com/scttfrdmn/scorekeeper/internal/store"
	"github.com/scttfrdmn/scorekeeper/pkg/types"
)

var _ leaderboard.Host = (*Beatmap)(nil)

func hash(c byte) string { return strings.Repeat(string(c), 32) }

type fakeRemote struct {
	mu    sync.Mutex
	calls atomic.Int32
	maps  map[string]types.BeatmapInfo
	err   error
}

func (f *fakeRemote) LookupByHash(_ context.Context, md5 string) (types.BeatmapInfo, error) {
	f.calls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return types.BeatmapInfo{}, f.err
	}
	b, ok := f.maps[md5]
	if !ok {
		return types.BeatmapInfo{}, types.NotFound("beatmap", md5)
	}
	return b, nil
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func setup(t *testing.T) (*Resolver, *store.MemoryStore, *fakeRemote, *clock) {
	t.Helper()
	return setupWith(t, DefaultConfig)
}

func setupWith(t *testing.T, cfg Config) (*Resolver, *store.MemoryStore, *fakeRemote, *clock) {
	t.Helper()
	st := store.NewMemoryStore()
	remote := &fakeRemote{maps: make(map[string]types.BeatmapInfo)}
	clk := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	return newResolver(cfg, st, remote, nil, clk.Now), st, remote, clk
}

func ranked(md5 string, id int, checked time.Time) types.BeatmapInfo {
	return types.BeatmapInfo{ID: id, SetID: id, MD5: md5, Status: types.StatusRanked, SongName: "a - b [c]", LastChecked: checked}
}

func TestResolve_Provenance(t *testing.T) {
	t.Parallel()
	r, st, remote, clk := setup(t)
	ctx := context.Background()

	require.NoError(t, st.SaveBeatmap(ctx, ranked(hash('a'), 1, clk.Now())))
	remote.maps[hash('b')] = ranked(hash('b'), 2, time.Date(2015, 1, 1, 0, 0, 0, 0, time.UTC))

	res, err := r.Resolve(ctx, hash('a'))
	require.NoError(t, err)
	assert.Equal(t, OutcomeFound, res.Outcome)
	assert.Equal(t, types.ProvenanceStore, res.Provenance)

	res, err = r.Resolve(ctx, hash('a'))
	require.NoError(t, err)
	assert.Equal(t, types.ProvenanceCache, res.Provenance)

	res, err = r.Resolve(ctx, hash('b'))
	require.NoError(t, err)
	assert.Equal(t, types.ProvenanceExternal, res.Provenance)
	assert.Equal(t, clk.Now(), res.Beatmap.Info().LastChecked, "fresh external records count as checked now")

	saved, err := st.BeatmapByMD5(ctx, hash('b'))
	require.NoError(t, err, "external records are persisted")
	assert.Equal(t, 2, saved.ID)
}

func TestResolve_AbsentMemo(t *testing.T) {
	t.Parallel()
	r, _, remote, _ := setup(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := r.Resolve(ctx, hash('z'))
		require.NoError(t, err)
		assert.Equal(t, OutcomeNotSubmitted, res.Outcome)
		assert.Equal(t, types.ProvenanceNone, res.Provenance)
		assert.Nil(t, res.Beatmap)
	}
	assert.Equal(t, int32(1), remote.calls.Load(), "unresolvable hashes are memoized")

	r.Evict(hash('z'))
	_, err := r.Resolve(ctx, hash('z'))
	require.NoError(t, err)
	assert.Equal(t, int32(2), remote.calls.Load(), "eviction clears the memo")
}

func TestResolve_UpstreamFailureMemoized(t *testing.T) {
	t.Parallel()
	r, _, remote, _ := setup(t)
	ctx := context.Background()
	remote.err = types.E(types.KindUpstreamUnavailable, "test", errors.New("timeout"))

	res, err := r.Resolve(ctx, hash('z'))
	require.NoError(t, err)
	assert.Equal(t, OutcomeNotSubmitted, res.Outcome)

	res, err = r.Resolve(ctx, hash('z'))
	require.NoError(t, err)
	assert.Equal(t, OutcomeNotSubmitted, res.Outcome)
	assert.Equal(t, int32(1), remote.calls.Load(), "a failed lookup counts as a miss")
}

func TestDefaultConfig_CacheOutlivesStalenessBase(t *testing.T) {
	t.Parallel()
	assert.GreaterOrEqual(t, DefaultConfig.CacheTTL, DefaultConfig.StalenessBase)
	assert.Equal(t, 5*time.Hour/365, DefaultConfig.StalenessGrowthPerDay)
}

func TestResolve_UpdateAvailableMemoized(t *testing.T) {
	t.Parallel()
	r, st, remote, clk := setup(t)
	ctx := context.Background()
	info := ranked(hash('u'), 3, clk.Now())
	info.Status = types.StatusUpdateAvailable
	require.NoError(t, st.SaveBeatmap(ctx, info))

	res, err := r.Resolve(ctx, hash('u'))
	require.NoError(t, err)
	assert.Equal(t, OutcomeNeedsUpdate, res.Outcome)
	assert.Nil(t, res.Beatmap)

	res, err = r.Resolve(ctx, hash('u'))
	require.NoError(t, err)
	assert.Equal(t, OutcomeNeedsUpdate, res.Outcome)
	assert.Equal(t, types.ProvenanceNone, res.Provenance)
	assert.Zero(t, remote.calls.Load())
}

func TestResolve_StoreFailure(t *testing.T) {
	t.Parallel()
	r := newResolver(DefaultConfig, failingStore{}, nil, nil, time.Now)
	_, err := r.Resolve(context.Background(), hash('a'))
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrPersistenceFailure)
}

type failingStore struct{}

func (failingStore) BeatmapByMD5(context.Context, string) (types.BeatmapInfo, error) {
	return types.BeatmapInfo{}, errors.New("connection refused")
}
func (failingStore) SaveBeatmap(context.Context, types.BeatmapInfo) error { return nil }
func (failingStore) BeatmapExistsBySongName(context.Context, string) (bool, error) {
	return false, errors.New("connection refused")
}

// ── Staleness ─────────────────────────────────────────────────────────────────

func TestStale(t *testing.T) {
	t.Parallel()
	r, _, _, _ := setup(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	cases := []struct {
		name    string
		checked time.Time
		frozen  bool
		want    bool
	}{
		{"fresh", now.Add(-time.Hour), false, false},
		{"past base window", now.Add(-3 * time.Hour), false, true},
		{"frozen", now.AddDate(-5, 0, 0), true, false},
		{"old record", now.AddDate(-1, 0, 0), false, true},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			info := types.BeatmapInfo{LastChecked: tc.checked, Frozen: tc.frozen}
			assert.Equal(t, tc.want, r.Stale(info, now))
		})
	}
}

func TestResolve_FrozenNeverRechecked(t *testing.T) {
	t.Parallel()
	r, st, remote, clk := setup(t)
	ctx := context.Background()
	info := ranked(hash('f'), 4, clk.Now().AddDate(-3, 0, 0))
	info.Frozen = true
	require.NoError(t, st.SaveBeatmap(ctx, info))

	for i := 0; i < 3; i++ {
		clk.Advance(24 * time.Hour)
		res, err := r.Resolve(ctx, hash('f'))
		require.NoError(t, err)
		assert.Equal(t, OutcomeFound, res.Outcome)
	}
	assert.Zero(t, remote.calls.Load())
}

func TestResolve_RecheckSameHashAdvancesTimestamp(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig
	cfg.CacheTTL = 24 * time.Hour
	r, st, remote, clk := setupWith(t, cfg)
	ctx := context.Background()
	require.NoError(t, st.SaveBeatmap(ctx, ranked(hash('s'), 5, clk.Now())))
	remote.maps[hash('s')] = ranked(hash('s'), 5, time.Time{})

	first, err := r.Resolve(ctx, hash('s'))
	require.NoError(t, err)

	clk.Advance(3 * time.Hour)
	res, err := r.Resolve(ctx, hash('s'))
	require.NoError(t, err)
	assert.Equal(t, int32(1), remote.calls.Load())
	assert.Same(t, first.Beatmap, res.Beatmap, "an unchanged map keeps its leaderboards")
	assert.Equal(t, types.ProvenanceCache, res.Provenance)
	assert.Equal(t, clk.Now(), res.Beatmap.Info().LastChecked)

	saved, err := st.BeatmapByMD5(ctx, hash('s'))
	require.NoError(t, err)
	assert.Equal(t, clk.Now(), saved.LastChecked)

	_, err = r.Resolve(ctx, hash('s'))
	require.NoError(t, err)
	assert.Equal(t, int32(1), remote.calls.Load(), "no re-check inside the window")
}

func TestResolve_RecheckHashChangeReplaces(t *testing.T) {
	t.Parallel()
	r, st, remote, clk := setup(t)
	ctx := context.Background()
	require.NoError(t, st.SaveBeatmap(ctx, ranked(hash('o'), 6, clk.Now().Add(-5*time.Hour))))
	replacement := ranked(hash('n'), 6, time.Time{})
	replacement.Status = types.StatusLoved
	remote.maps[hash('o')] = replacement

	res, err := r.Resolve(ctx, hash('o'))
	require.NoError(t, err)
	assert.Equal(t, types.ProvenanceExternal, res.Provenance)
	assert.Equal(t, hash('n'), res.Beatmap.Hash())
	assert.Equal(t, types.StatusLoved, res.Beatmap.Info().Status)

	_, err = st.BeatmapByMD5(ctx, hash('o'))
	assert.ErrorIs(t, err, types.ErrNotFound, "the old record is replaced wholesale")
	_, ok := r.Cached(hash('n'))
	assert.True(t, ok)
	_, ok = r.Cached(hash('o'))
	assert.False(t, ok)
}

func TestResolve_RecheckFailureKeepsRecord(t *testing.T) {
	t.Parallel()
	r, st, remote, clk := setup(t)
	ctx := context.Background()
	require.NoError(t, st.SaveBeatmap(ctx, ranked(hash('k'), 7, clk.Now().Add(-5*time.Hour))))
	remote.err = types.E(types.KindUpstreamUnavailable, "test", errors.New("503"))

	res, err := r.Resolve(ctx, hash('k'))
	require.NoError(t, err)
	assert.Equal(t, OutcomeFound, res.Outcome)
	assert.Equal(t, hash('k'), res.Beatmap.Hash())
}

func TestResolve_ConcurrentShareLoad(t *testing.T) {
	t.Parallel()
	r, st, _, clk := setup(t)
	ctx := context.Background()
	require.NoError(t, st.SaveBeatmap(ctx, ranked(hash('c'), 8, clk.Now())))

	var wg sync.WaitGroup
	got := make([]*Beatmap, 10)
	for i := range got {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := r.Resolve(ctx, hash('c'))
			assert.NoError(t, err)
			got[i] = res.Beatmap
		}(i)
	}
	wg.Wait()
	for _, b := range got[1:] {
		assert.Same(t, got[0], b)
	}
}

// ── Beatmap ───────────────────────────────────────────────────────────────────

func TestBeatmap_BoardsAndCounts(t *testing.T) {
	t.Parallel()
	bm := newBeatmap(ranked(hash('b'), 9, time.Time{}))
	_, ok := bm.Board(types.VanillaStandard)
	assert.False(t, ok)

	lb := leaderboard.New(types.VanillaStandard, nil, types.ProvenanceStore)
	assert.Same(t, lb, bm.AttachBoard(types.VanillaStandard, lb))
	other := leaderboard.New(types.VanillaStandard, nil, types.ProvenanceStore)
	assert.Same(t, lb, bm.AttachBoard(types.VanillaStandard, other), "the first board wins")

	bm.AddCounts(1, 0)
	bm.AddCounts(1, 1)
	info := bm.Info()
	assert.Equal(t, 2, info.Playcount)
	assert.Equal(t, 1, info.Passcount)
}

// ── Filenames ─────────────────────────────────────────────────────────────────

func TestSongNameFromFilename(t *testing.T) {
	t.Parallel()
	name, ok := SongNameFromFilename("Camellia - Exit This Earth's Atomosphere (Sotarks) [Evolution].osu")
	require.True(t, ok)
	assert.Equal(t, "Camellia - Exit This Earth's Atomosphere [Evolution]", name)

	_, ok = SongNameFromFilename("not a beatmap.txt")
	assert.False(t, ok)
}

func TestNeedsUpdateByFilename(t *testing.T) {
	t.Parallel()
	r, st, _, _ := setup(t)
	ctx := context.Background()
	info := ranked(hash('x'), 10, time.Time{})
	info.SongName = "Artist - Title [Hard]"
	require.NoError(t, st.SaveBeatmap(ctx, info))

	assert.True(t, r.NeedsUpdateByFilename(ctx, "Artist - Title (Mapper) [Hard].osu"))
	assert.False(t, r.NeedsUpdateByFilename(ctx, "Artist - Title (Mapper) [Insane].osu"))
	assert.False(t, r.NeedsUpdateByFilename(ctx, "garbage"))

	broken := newResolver(DefaultConfig, failingStore{}, nil, nil, time.Now)
	assert.True(t, broken.NeedsUpdateByFilename(ctx, "Artist - Title (Mapper) [Hard].osu"))
}
