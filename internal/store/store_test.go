package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scttfrdmn/scorekeeper/pkg/types"
)

const (
	mapA = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	mapB = "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
)

// storeTests runs the Store contract against any implementation. newStore
// must return an empty store.
func storeTests(t *testing.T, newStore func(t *testing.T) Store) {
	t.Helper()
	cases := map[string]func(*testing.T, Store){
		"Users":                testUsers,
		"FriendsAndClans":      testFriendsAndClans,
		"Restrict":             testRestrict,
		"Beatmaps":             testBeatmaps,
		"InsertAndBestScores":  testInsertAndBestScores,
		"DuplicateChecksum":    testDuplicateChecksum,
		"ScoreOwnerPartitions": testScoreOwnerPartitions,
		"FirstPlace":           testFirstPlace,
		"TopPPAndAccuracies":   testTopPPAndAccuracies,
		"Stats":                testStats,
	}
	for name, fn := range cases {
		fn := fn
		t.Run(name, func(t *testing.T) { fn(t, newStore(t)) })
	}
}

func seedUser(t *testing.T, s Store, id int, name, country string) {
	t.Helper()
	require.NoError(t, s.CreateUser(context.Background(), UserRecord{
		ID:         id,
		Username:   name,
		Privileges: types.PrivUserPublic | types.PrivUserNormal,
		Country:    country,
	}))
}

func seedBeatmap(t *testing.T, s Store, id int, md5 string, status types.Status) {
	t.Helper()
	require.NoError(t, s.SaveBeatmap(context.Background(), types.BeatmapInfo{
		ID: id, SetID: id * 10, MD5: md5, Status: status,
		SongName:    "Artist - Title [Diff " + md5[:1] + "]",
		LastChecked: time.Now().UTC().Truncate(time.Second),
	}))
}

func score(uid int, md5 string, mode types.Mode, value int64, pp float64, checksum string) types.Score {
	return types.Score{
		UserID: uid, BeatmapMD5: md5, Mode: mode, Score: value, PP: pp,
		Accuracy: 98.5, MaxCombo: 100, N300: 100, Grade: "S",
		SubmittedAt: time.Now().UTC().Truncate(time.Second),
		Completed:   types.CompletionBest, Checksum: checksum,
	}
}

// ── Users ─────────────────────────────────────────────────────────────────────

func testUsers(t *testing.T, s Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateUser(ctx, UserRecord{
		ID: 7, Username: "Cool Guy", PasswordHash: "$2a$hash",
		Privileges: types.PrivUserPublic | types.PrivDonor, Country: "DE", Whitelist: types.WhitelistRelax,
	}))

	creds, err := s.Credentials(ctx, "cool_guy")
	require.NoError(t, err)
	assert.Equal(t, 7, creds.UserID)
	assert.Equal(t, "$2a$hash", creds.PasswordHash)

	privs, err := s.Privileges(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, types.PrivUserPublic|types.PrivDonor, privs)

	country, err := s.Country(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, "DE", country)

	wl, err := s.Whitelist(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, types.WhitelistRelax, wl)

	all, err := s.AllCountries(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[int]string{7: "DE"}, all)

	_, err = s.Privileges(ctx, 404)
	var nf *types.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "user", nf.Entity)
	assert.Equal(t, "404", nf.ID)

	_, err = s.Credentials(ctx, "nobody")
	assert.True(t, errors.Is(err, types.ErrNotFound))
}

func testFriendsAndClans(t *testing.T, s Store) {
	ctx := context.Background()
	seedUser(t, s, 1, "one", "US")
	seedUser(t, s, 2, "two", "US")
	seedUser(t, s, 3, "three", "GB")

	require.NoError(t, s.AddFriend(ctx, 1, 3))
	require.NoError(t, s.AddFriend(ctx, 1, 2))
	require.NoError(t, s.AddFriend(ctx, 1, 2))

	friends, err := s.Friends(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3}, friends)

	none, err := s.Friends(ctx, 2)
	require.NoError(t, err)
	assert.Empty(t, none)

	tag, err := s.ClanTag(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "", tag)

	require.NoError(t, s.SetClanTag(ctx, 1, "ABC"))
	require.NoError(t, s.SetClanTag(ctx, 1, "XYZ"))
	tag, err = s.ClanTag(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "XYZ", tag)

	tags, err := s.AllClanTags(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[int]string{1: "XYZ"}, tags)
}

func testRestrict(t *testing.T, s Store) {
	ctx := context.Background()
	seedUser(t, s, 9, "cheater", "US")
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	privs, err := s.Restrict(ctx, 9, "missing replay", at)
	require.NoError(t, err)
	assert.True(t, privs.Restricted())
	assert.True(t, privs&types.PrivUserNormal != 0, "other bits must survive")

	stored, err := s.Privileges(ctx, 9)
	require.NoError(t, err)
	assert.Equal(t, privs, stored)

	log, err := s.AuditLog(ctx, 9)
	require.NoError(t, err)
	require.Len(t, log, 1)
	assert.Equal(t, "missing replay", log[0].Text)

	_, err = s.Restrict(ctx, 10, "x", at)
	assert.True(t, errors.Is(err, types.ErrNotFound))
}

// ── Beatmaps ──────────────────────────────────────────────────────────────────

func testBeatmaps(t *testing.T, s Store) {
	ctx := context.Background()
	seedBeatmap(t, s, 100, mapA, types.StatusRanked)

	b, err := s.BeatmapByMD5(ctx, mapA)
	require.NoError(t, err)
	assert.Equal(t, 100, b.ID)
	assert.Equal(t, types.StatusRanked, b.Status)

	ok, err := s.BeatmapExistsBySongName(ctx, b.SongName)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, s.IncrementBeatmapCounts(ctx, mapA, 1, 1))
	require.NoError(t, s.IncrementBeatmapCounts(ctx, mapA, 1, 0))
	b, err = s.BeatmapByMD5(ctx, mapA)
	require.NoError(t, err)
	assert.Equal(t, 2, b.Playcount)
	assert.Equal(t, 1, b.Passcount)

	// Same id, new hash: wholesale replacement.
	seedBeatmap(t, s, 100, mapB, types.StatusLoved)
	_, err = s.BeatmapByMD5(ctx, mapA)
	assert.True(t, errors.Is(err, types.ErrNotFound))
	b, err = s.BeatmapByMD5(ctx, mapB)
	require.NoError(t, err)
	assert.Equal(t, types.StatusLoved, b.Status)

	err = s.IncrementBeatmapCounts(ctx, mapA, 1, 1)
	assert.True(t, errors.Is(err, types.ErrNotFound))
}

// ── Scores ────────────────────────────────────────────────────────────────────

func testInsertAndBestScores(t *testing.T, s Store) {
	ctx := context.Background()
	seedUser(t, s, 1, "one", "US")
	seedUser(t, s, 2, "two", "JP")
	seedBeatmap(t, s, 100, mapA, types.StatusRanked)

	first, err := s.InsertScore(ctx, score(1, mapA, types.VanillaStandard, 1000, 0, "c1"), 0)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, first, types.VanillaScoreIDBase)

	_, err = s.InsertScore(ctx, score(2, mapA, types.VanillaStandard, 2000, 0, "c2"), 0)
	require.NoError(t, err)

	better, err := s.InsertScore(ctx, score(1, mapA, types.VanillaStandard, 3000, 0, "c3"), first)
	require.NoError(t, err)
	assert.Greater(t, better, first)

	// A relax row on the same map stays in its own table.
	_, err = s.InsertScore(ctx, score(1, mapA, types.RelaxStandard, 10, 100, "c4"), 0)
	require.NoError(t, err)

	best, err := s.BestScores(ctx, mapA, types.VanillaStandard)
	require.NoError(t, err)
	require.Len(t, best, 2)
	assert.Equal(t, 2, best[0].UserID, "row order is id order")
	assert.Equal(t, "two", best[0].Username)
	assert.Equal(t, "JP", best[0].Country)
	assert.Equal(t, better, best[1].ID)
	assert.Equal(t, types.VanillaStandard, best[1].Mode)

	rx, err := s.BestScores(ctx, mapA, types.RelaxStandard)
	require.NoError(t, err)
	require.Len(t, rx, 1)
	assert.Equal(t, types.RelaxStandard, rx[0].Mode)

	_, err = s.InsertScore(ctx, score(1, mapA, types.VanillaStandard, 1, 0, "c5"), types.VanillaScoreIDBase+999)
	assert.True(t, errors.Is(err, types.ErrNotFound))
	exists, err := s.ScoreExists(ctx, types.VanillaStandard, "c5")
	require.NoError(t, err)
	assert.False(t, exists, "failed demotion must roll back the insert")
}

func testDuplicateChecksum(t *testing.T, s Store) {
	ctx := context.Background()
	seedUser(t, s, 1, "one", "US")

	_, err := s.InsertScore(ctx, score(1, mapA, types.VanillaTaiko, 1000, 0, "dup"), 0)
	require.NoError(t, err)

	exists, err := s.ScoreExists(ctx, types.VanillaTaiko, "dup")
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = s.ScoreExists(ctx, types.RelaxTaiko, "dup")
	require.NoError(t, err)
	assert.False(t, exists, "checksums are scoped to the category's table")

	_, err = s.InsertScore(ctx, score(1, mapA, types.VanillaTaiko, 1000, 0, "dup"), 0)
	assert.True(t, errors.Is(err, types.ErrDuplicateSubmission))
}

func testScoreOwnerPartitions(t *testing.T, s Store) {
	ctx := context.Background()
	seedUser(t, s, 5, "five", "US")

	for _, mode := range []types.Mode{types.VanillaCatch, types.RelaxCatch, types.AutopilotStandard} {
		id, err := s.InsertScore(ctx, score(5, mapA, mode, 1, 1, "own-"+mode.String()), 0)
		require.NoError(t, err)
		assert.Equal(t, mode.Category(), types.ScoreCategory(id))

		ref, err := s.ScoreOwner(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, 5, ref.UserID)
		assert.Equal(t, mode, ref.Mode)
	}

	_, err := s.ScoreOwner(ctx, 12345)
	var nf *types.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "score", nf.Entity)
}

func testFirstPlace(t *testing.T, s Store) {
	ctx := context.Background()
	at := time.Now().UTC().Truncate(time.Second)
	fp := FirstPlace{BeatmapMD5: mapA, GameMode: 0, Category: types.CategoryRelax, ScoreID: 1, UserID: 1, Score: 100, PP: 50, At: at}
	require.NoError(t, s.ReplaceFirstPlace(ctx, fp))
	fp.ScoreID, fp.UserID = 2, 2
	require.NoError(t, s.ReplaceFirstPlace(ctx, fp))

	got, err := s.FirstPlace(ctx, mapA, 0, types.CategoryRelax)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.ScoreID)
	assert.Equal(t, 2, got.UserID)

	_, err = s.FirstPlace(ctx, mapA, 0, types.CategoryVanilla)
	assert.True(t, errors.Is(err, types.ErrNotFound))
}

func testTopPPAndAccuracies(t *testing.T, s Store) {
	ctx := context.Background()
	seedUser(t, s, 1, "one", "US")
	seedBeatmap(t, s, 1, mapA, types.StatusRanked)
	seedBeatmap(t, s, 2, mapB, types.StatusLoved)
	const mapC = "cccccccccccccccccccccccccccccccc"
	seedBeatmap(t, s, 3, mapC, types.StatusApproved)

	a := score(1, mapA, types.RelaxStandard, 10, 300, "t1")
	a.Accuracy = 90
	_, err := s.InsertScore(ctx, a, 0)
	require.NoError(t, err)
	b := score(1, mapB, types.RelaxStandard, 10, 900, "t2") // loved: no pp, still counts for accuracy
	b.Accuracy = 100
	_, err = s.InsertScore(ctx, b, 0)
	require.NoError(t, err)
	c := score(1, mapC, types.RelaxStandard, 10, 500, "t3")
	c.Accuracy = 99
	_, err = s.InsertScore(ctx, c, 0)
	require.NoError(t, err)

	pps, err := s.TopPP(ctx, 1, types.RelaxStandard, PPWindow)
	require.NoError(t, err)
	assert.Equal(t, []float64{500, 300}, pps)

	pps, err = s.TopPP(ctx, 1, types.RelaxStandard, 1)
	require.NoError(t, err)
	assert.Equal(t, []float64{500}, pps)

	accs, err := s.TopAccuracies(ctx, 1, types.RelaxStandard, AccuracyWindow)
	require.NoError(t, err)
	assert.Equal(t, []float64{100, 99, 90}, accs)

	accs, err = s.TopAccuracies(ctx, 1, types.RelaxStandard, 2)
	require.NoError(t, err)
	assert.Equal(t, []float64{100, 99}, accs)

	none, err := s.TopPP(ctx, 1, types.VanillaStandard, PPWindow)
	require.NoError(t, err)
	assert.Empty(t, none)
}

// ── Stats ─────────────────────────────────────────────────────────────────────

func testStats(t *testing.T, s Store) {
	ctx := context.Background()
	seedUser(t, s, 3, "three", "FR")

	st, err := s.Stats(ctx, 3, types.RelaxTaiko)
	require.NoError(t, err)
	assert.Equal(t, types.Stats{UserID: 3, Mode: types.RelaxTaiko}, st)

	st.PP = 1234.5
	st.RankedScore = 99
	st.Playcount = 4
	st.Rank = 12
	st.Floor = &types.DecayFloor{PP: 10, Rank: 125}
	require.NoError(t, s.SaveStats(ctx, st))

	require.NoError(t, s.IncrementReplaysWatched(ctx, 3, types.RelaxTaiko))
	require.NoError(t, s.IncrementReplaysWatched(ctx, 3, types.VanillaMania))

	got, err := s.Stats(ctx, 3, types.RelaxTaiko)
	require.NoError(t, err)
	assert.Equal(t, 1234.5, got.PP)
	assert.Equal(t, int64(99), got.RankedScore)
	assert.Equal(t, 1, got.ReplaysWatched)
	assert.Zero(t, got.Rank, "rank is not persisted")
	assert.Nil(t, got.Floor, "floor is not persisted")

	mania, err := s.Stats(ctx, 3, types.VanillaMania)
	require.NoError(t, err)
	assert.Equal(t, 1, mania.ReplaysWatched)

	_, err = s.Stats(ctx, 4, types.VanillaStandard)
	assert.True(t, errors.Is(err, types.ErrNotFound))
}

func TestMemoryStore(t *testing.T) {
	t.Parallel()
	storeTests(t, func(*testing.T) Store { return NewMemoryStore() })
}

func TestRestrictionNote(t *testing.T) {
	t.Parallel()
	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	got := restrictionNote("old", "reason", at)
	assert.Equal(t, "old\n[2024-01-02 03:04:05] reason", got)
}
