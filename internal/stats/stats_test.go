package stats

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scttfrdmn/scorekeeper/internal/ranking"
	"github.com/scttfrdmn/scorekeeper/internal/store"
	"github.com/scttfrdmn/scorekeeper/pkg/types"
)

func TestWeightedPP(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name   string
		values []float64
		want   float64
	}{
		{"empty", nil, 0},
		{"single", []float64{123.4}, 123},
		{"three", []float64{500, 400, 300}, 1151},
		{"half rounds to even", []float64{100.5}, 100},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, WeightedPP(tc.values))
		})
	}
}

func TestWeightedAccuracy(t *testing.T) {
	t.Parallel()
	assert.Zero(t, WeightedAccuracy(nil))
	assert.InDelta(t, 98.5, WeightedAccuracy([]float64{98.5}), 1e-9)

	// Weights 100 and 95.
	want := (100*100 + 90*95) / 195.0
	assert.InDelta(t, want, WeightedAccuracy([]float64{100, 90}), 1e-9)
}

type fakeSource struct {
	pp       []float64
	accs     []float64
	ppCalls  atomic.Int32
	accCalls atomic.Int32
	err      error
}

func (f *fakeSource) TopPP(_ context.Context, _ int, _ types.Mode, limit int) ([]float64, error) {
	f.ppCalls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	if len(f.pp) > limit {
		return f.pp[:limit], nil
	}
	return f.pp, nil
}

func (f *fakeSource) TopAccuracies(_ context.Context, _ int, _ types.Mode, limit int) ([]float64, error) {
	f.accCalls.Add(1)
	if len(f.accs) > limit {
		return f.accs[:limit], nil
	}
	return f.accs, nil
}

func descending(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = float64(1000 - i)
	}
	return out
}

// ── Recalculate ───────────────────────────────────────────────────────────────

func TestRecalculate_PartialWindowHasNoFloor(t *testing.T) {
	t.Parallel()
	src := &fakeSource{pp: []float64{500, 400, 300}, accs: []float64{99}}
	r := NewRecalculator(src, nil)
	st := &types.Stats{UserID: 7, Mode: types.RelaxStandard}

	require.NoError(t, r.Recalculate(context.Background(), st, 300))
	assert.Equal(t, 1151.0, st.PP)
	assert.InDelta(t, 99.0, st.Accuracy, 1e-9)
	assert.Nil(t, st.Floor)

	require.NoError(t, r.Recalculate(context.Background(), st, 1))
	assert.Equal(t, int32(2), src.ppCalls.Load(), "without a floor every play recomputes")
}

func TestRecalculate_FullWindowSetsFloor(t *testing.T) {
	t.Parallel()
	src := &fakeSource{pp: descending(200), accs: []float64{95, 96}}
	r := NewRecalculator(src, nil)
	st := &types.Stats{UserID: 7, Mode: types.VanillaStandard}
	ctx := context.Background()

	require.NoError(t, r.Recalculate(ctx, st, 1000))
	require.NotNil(t, st.Floor)
	assert.Equal(t, float64(1000-store.PPWindow+1), st.Floor.PP)
	assert.Equal(t, store.PPWindow, st.Floor.Rank)
	pp := st.PP

	require.NoError(t, r.Recalculate(ctx, st, st.Floor.PP))
	assert.Equal(t, int32(1), src.ppCalls.Load(), "plays at or below the floor skip the pp query")
	assert.Equal(t, pp, st.PP)
	assert.Equal(t, int32(2), src.accCalls.Load(), "accuracy is always recomputed")

	require.NoError(t, r.Recalculate(ctx, st, st.Floor.PP+1))
	assert.Equal(t, int32(2), src.ppCalls.Load())
}

func TestRecalculate_SourceError(t *testing.T) {
	t.Parallel()
	r := NewRecalculator(&fakeSource{err: errors.New("boom")}, nil)
	st := &types.Stats{UserID: 7, Mode: types.VanillaStandard, PP: 42}
	require.Error(t, r.Recalculate(context.Background(), st, 10))
	assert.Equal(t, 42.0, st.PP)
}

// ── Ranks ─────────────────────────────────────────────────────────────────────

func TestUpdateRank(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	ranks := ranking.NewMemoryStore()
	require.NoError(t, ranks.Upsert(ctx, ranking.Global(types.VanillaStandard), 1, 2000))
	r := NewRecalculator(&fakeSource{}, ranks)

	st := &types.Stats{UserID: 7, Mode: types.VanillaStandard, PP: 1500}
	r.UpdateRank(ctx, st, 0, "DE", false)
	assert.Equal(t, 2, st.Rank)

	de, _ := ranking.ForCountry(types.VanillaStandard, "de")
	rank, err := ranks.RankOf(ctx, de, 7)
	require.NoError(t, err)
	assert.Equal(t, 1, rank)

	st.PP = 2500
	r.UpdateRank(ctx, st, 2500, "DE", false)
	assert.Equal(t, 2, st.Rank, "unchanged pp is not rewritten")

	r.UpdateRank(ctx, st, 1500, "DE", false)
	assert.Equal(t, 1, st.Rank)
}

func TestUpdateRank_RestrictedNeverWritten(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	ranks := ranking.NewMemoryStore()
	r := NewRecalculator(&fakeSource{}, ranks)

	st := &types.Stats{UserID: 7, Mode: types.RelaxTaiko, PP: 900}
	r.UpdateRank(ctx, st, 0, "xx", true)
	assert.Zero(t, st.Rank)
}

func TestUpdateRank_PlaceholderCountry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	ranks := ranking.NewMemoryStore()
	r := NewRecalculator(&fakeSource{}, ranks)

	st := &types.Stats{UserID: 7, Mode: types.AutopilotStandard, PP: 10}
	r.UpdateRank(ctx, st, 0, ranking.NoCountry, false)
	assert.Equal(t, 1, st.Rank)
}

func TestRemoveFromBoards(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	ranks := ranking.NewMemoryStore()
	r := NewRecalculator(&fakeSource{}, ranks)

	for _, m := range types.AllModes {
		st := &types.Stats{UserID: 7, Mode: m, PP: 100}
		r.UpdateRank(ctx, st, 0, "us", false)
	}
	require.NoError(t, r.RemoveFromBoards(ctx, 7, "us"))
	for _, b := range ranking.Boards("us") {
		rank, err := ranks.RankOf(ctx, b, 7)
		require.NoError(t, err)
		assert.Zero(t, rank, b.Key())
	}
}
