package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/scttfrdmn/scorekeeper/pkg/types"
)

type memUser struct {
	rec   UserRecord
	notes string
	clan  string
	banAt time.Time
}

type firstPlaceKey struct {
	md5      string
	gameMode int
	cat      types.Category
}

type statsKey struct {
	userID int
	mode   types.Mode
}

// MemoryStore is an in-memory Store. It is safe for concurrent use and is
// intended for tests and single-process deployments.
type MemoryStore struct {
	mu sync.RWMutex

	users   map[int]*memUser
	bySafe  map[string]int
	friends map[int]map[int]struct{}

	beatmaps map[string]types.BeatmapInfo // md5 → beatmap

	scores    map[types.Category]map[int64]*types.Score
	checksums map[types.Category]map[string]int64
	nextID    map[types.Category]int64
	firsts    map[firstPlaceKey]FirstPlace

	stats map[statsKey]types.Stats
	audit []AuditEntry
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	m := &MemoryStore{
		users:     make(map[int]*memUser),
		bySafe:    make(map[string]int),
		friends:   make(map[int]map[int]struct{}),
		beatmaps:  make(map[string]types.BeatmapInfo),
		scores:    make(map[types.Category]map[int64]*types.Score),
		checksums: make(map[types.Category]map[string]int64),
		nextID:    make(map[types.Category]int64),
		firsts:    make(map[firstPlaceKey]FirstPlace),
		stats:     make(map[statsKey]types.Stats),
	}
	for _, c := range types.AllCategories {
		m.scores[c] = make(map[int64]*types.Score)
		m.checksums[c] = make(map[string]int64)
		m.nextID[c] = c.ScoreIDBase()
	}
	return m
}

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) user(id int) (*memUser, error) {
	u, ok := m.users[id]
	if !ok {
		return nil, types.NotFound("user", id)
	}
	return u, nil
}

// ── Users ─────────────────────────────────────────────────────────────────────

func (m *MemoryStore) CreateUser(_ context.Context, u UserRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	safe := types.SafeName(u.Username)
	if _, ok := m.users[u.ID]; ok {
		return fmt.Errorf("user %d already exists", u.ID)
	}
	if _, ok := m.bySafe[safe]; ok {
		return fmt.Errorf("username %q already taken", u.Username)
	}
	m.users[u.ID] = &memUser{rec: u}
	m.bySafe[safe] = u.ID
	return nil
}

func (m *MemoryStore) Credentials(_ context.Context, safeName string) (types.Credentials, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.bySafe[safeName]
	if !ok {
		return types.Credentials{}, types.NotFound("user", safeName)
	}
	u := m.users[id]
	return types.Credentials{UserID: id, Username: u.rec.Username, PasswordHash: u.rec.PasswordHash}, nil
}

func (m *MemoryStore) Privileges(_ context.Context, userID int) (types.Privileges, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, err := m.user(userID)
	if err != nil {
		return 0, err
	}
	return u.rec.Privileges, nil
}

func (m *MemoryStore) AllPrivileges(_ context.Context) (map[int]types.Privileges, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[int]types.Privileges, len(m.users))
	for id, u := range m.users {
		out[id] = u.rec.Privileges
	}
	return out, nil
}

func (m *MemoryStore) Country(_ context.Context, userID int) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, err := m.user(userID)
	if err != nil {
		return "", err
	}
	return u.rec.Country, nil
}

func (m *MemoryStore) AllCountries(_ context.Context) (map[int]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[int]string, len(m.users))
	for id, u := range m.users {
		out[id] = u.rec.Country
	}
	return out, nil
}

func (m *MemoryStore) ClanTag(_ context.Context, userID int) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, err := m.user(userID)
	if err != nil {
		return "", err
	}
	return u.clan, nil
}

func (m *MemoryStore) AllClanTags(_ context.Context) (map[int]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[int]string)
	for id, u := range m.users {
		if u.clan != "" {
			out[id] = u.clan
		}
	}
	return out, nil
}

func (m *MemoryStore) SetClanTag(_ context.Context, userID int, tag string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, err := m.user(userID)
	if err != nil {
		return err
	}
	u.clan = tag
	return nil
}

func (m *MemoryStore) Whitelist(_ context.Context, userID int) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, err := m.user(userID)
	if err != nil {
		return 0, err
	}
	return u.rec.Whitelist, nil
}

func (m *MemoryStore) AllWhitelists(_ context.Context) (map[int]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[int]int, len(m.users))
	for id, u := range m.users {
		out[id] = u.rec.Whitelist
	}
	return out, nil
}

func (m *MemoryStore) Friends(_ context.Context, userID int) ([]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, err := m.user(userID); err != nil {
		return nil, err
	}
	return sortedIDs(m.friends[userID]), nil
}

func (m *MemoryStore) AllFriends(_ context.Context) (map[int][]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[int][]int, len(m.friends))
	for id, set := range m.friends {
		out[id] = sortedIDs(set)
	}
	return out, nil
}

func (m *MemoryStore) AddFriend(_ context.Context, userID, friendID int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.user(userID); err != nil {
		return err
	}
	if _, err := m.user(friendID); err != nil {
		return err
	}
	set, ok := m.friends[userID]
	if !ok {
		set = make(map[int]struct{})
		m.friends[userID] = set
	}
	set[friendID] = struct{}{}
	return nil
}

func (m *MemoryStore) Restrict(_ context.Context, userID int, note string, at time.Time) (types.Privileges, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, err := m.user(userID)
	if err != nil {
		return 0, err
	}
	u.rec.Privileges &^= types.PrivUserPublic
	u.notes = restrictionNote(u.notes, note, at)
	u.banAt = at
	m.audit = append(m.audit, AuditEntry{UserID: userID, Text: note, At: at, Through: "scorekeeper"})
	return u.rec.Privileges, nil
}

func (m *MemoryStore) AuditLog(_ context.Context, userID int) ([]AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []AuditEntry
	for _, e := range m.audit {
		if e.UserID == userID {
			out = append(out, e)
		}
	}
	return out, nil
}

// ── Beatmaps ──────────────────────────────────────────────────────────────────

func (m *MemoryStore) BeatmapByMD5(_ context.Context, md5 string) (types.BeatmapInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.beatmaps[md5]
	if !ok {
		return types.BeatmapInfo{}, types.NotFound("beatmap", md5)
	}
	return b, nil
}

func (m *MemoryStore) SaveBeatmap(_ context.Context, b types.BeatmapInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for md5, old := range m.beatmaps {
		if old.ID == b.ID && md5 != b.MD5 {
			delete(m.beatmaps, md5)
		}
	}
	m.beatmaps[b.MD5] = b
	return nil
}

func (m *MemoryStore) BeatmapExistsBySongName(_ context.Context, songName string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, b := range m.beatmaps {
		if b.SongName == songName {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryStore) IncrementBeatmapCounts(_ context.Context, md5 string, plays, passes int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.beatmaps[md5]
	if !ok {
		return types.NotFound("beatmap", md5)
	}
	b.Playcount += plays
	b.Passcount += passes
	m.beatmaps[md5] = b
	return nil
}

// ── Scores ────────────────────────────────────────────────────────────────────

func (m *MemoryStore) BestScores(_ context.Context, md5 string, mode types.Mode) ([]types.Score, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []types.Score
	for _, s := range m.scores[mode.Category()] {
		if s.BeatmapMD5 != md5 || s.Mode != mode || s.Completed != types.CompletionBest {
			continue
		}
		row := *s
		if u, ok := m.users[s.UserID]; ok {
			row.Username = u.rec.Username
			row.Country = u.rec.Country
		}
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) ScoreExists(_ context.Context, mode types.Mode, checksum string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.checksums[mode.Category()][checksum]
	return ok, nil
}

func (m *MemoryStore) InsertScore(_ context.Context, s types.Score, demoteID int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cat := s.Mode.Category()
	if _, dup := m.checksums[cat][s.Checksum]; dup && s.Checksum != "" {
		return 0, types.E(types.KindDuplicateSubmission, "store.InsertScore", fmt.Errorf("checksum %s already stored", s.Checksum))
	}
	var demote *types.Score
	if demoteID != 0 {
		d, ok := m.scores[types.ScoreCategory(demoteID)][demoteID]
		if !ok {
			return 0, types.NotFound("score", demoteID)
		}
		demote = d
	}

	id := m.nextID[cat]
	m.nextID[cat] = id + 1
	row := s
	row.ID = id
	row.Username, row.Country = "", ""
	m.scores[cat][id] = &row
	if s.Checksum != "" {
		m.checksums[cat][s.Checksum] = id
	}
	if demote != nil {
		demote.Completed = types.CompletionPassed
	}
	return id, nil
}

func (m *MemoryStore) ScoreOwner(_ context.Context, scoreID int64) (ScoreRef, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.scores[types.ScoreCategory(scoreID)][scoreID]
	if !ok {
		return ScoreRef{}, types.NotFound("score", scoreID)
	}
	return ScoreRef{ScoreID: s.ID, UserID: s.UserID, Mode: s.Mode}, nil
}

func (m *MemoryStore) ReplaceFirstPlace(_ context.Context, fp FirstPlace) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.firsts[firstPlaceKey{fp.BeatmapMD5, fp.GameMode, fp.Category}] = fp
	return nil
}

func (m *MemoryStore) FirstPlace(_ context.Context, md5 string, gameMode int, cat types.Category) (FirstPlace, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	fp, ok := m.firsts[firstPlaceKey{md5, gameMode, cat}]
	if !ok {
		return FirstPlace{}, types.NotFound("first_place", md5)
	}
	return fp, nil
}

// rankingRows returns the user's best rows on ranking-eligible beatmaps.
// The caller holds m.mu.
func (m *MemoryStore) rankingRows(userID int, mode types.Mode) []*types.Score {
	var rows []*types.Score
	for _, s := range m.scores[mode.Category()] {
		if s.UserID != userID || s.Mode != mode || s.Completed != types.CompletionBest {
			continue
		}
		b, ok := m.beatmaps[s.BeatmapMD5]
		if !ok || !b.Status.RankingEligible() {
			continue
		}
		rows = append(rows, s)
	}
	return rows
}

// bestRows returns every best row of the user in mode, regardless of the
// beatmap's status. The caller holds m.mu.
func (m *MemoryStore) bestRows(userID int, mode types.Mode) []*types.Score {
	var rows []*types.Score
	for _, s := range m.scores[mode.Category()] {
		if s.UserID == userID && s.Mode == mode && s.Completed == types.CompletionBest {
			rows = append(rows, s)
		}
	}
	return rows
}

func (m *MemoryStore) TopPP(_ context.Context, userID int, mode types.Mode, limit int) ([]float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var pps []float64
	for _, s := range m.rankingRows(userID, mode) {
		if s.PP > 0 {
			pps = append(pps, s.PP)
		}
	}
	sort.Sort(sort.Reverse(sort.Float64Slice(pps)))
	if limit > 0 && len(pps) > limit {
		pps = pps[:limit]
	}
	return pps, nil
}

func (m *MemoryStore) TopAccuracies(_ context.Context, userID int, mode types.Mode, limit int) ([]float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rows := m.bestRows(userID, mode)
	metric := mode.Metric()
	sort.SliceStable(rows, func(i, j int) bool {
		vi, vj := metric.Value(rows[i]), metric.Value(rows[j])
		if vi != vj {
			return vi > vj
		}
		return rows[i].ID < rows[j].ID
	})
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	accs := make([]float64, len(rows))
	for i, s := range rows {
		accs[i] = s.Accuracy
	}
	return accs, nil
}

// ── Stats ─────────────────────────────────────────────────────────────────────

func (m *MemoryStore) Stats(_ context.Context, userID int, mode types.Mode) (types.Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, err := m.user(userID); err != nil {
		return types.Stats{}, err
	}
	st, ok := m.stats[statsKey{userID, mode}]
	if !ok {
		return types.Stats{UserID: userID, Mode: mode}, nil
	}
	return st, nil
}

func (m *MemoryStore) SaveStats(_ context.Context, st types.Stats) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.user(st.UserID); err != nil {
		return err
	}
	// Rank lives in the ranking store and the floor only in the stats cache.
	st.Rank = 0
	st.Floor = nil
	m.stats[statsKey{st.UserID, st.Mode}] = st
	return nil
}

func (m *MemoryStore) IncrementReplaysWatched(_ context.Context, userID int, mode types.Mode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.user(userID); err != nil {
		return err
	}
	k := statsKey{userID, mode}
	st, ok := m.stats[k]
	if !ok {
		st = types.Stats{UserID: userID, Mode: mode}
	}
	st.ReplaysWatched++
	m.stats[k] = st
	return nil
}

func sortedIDs(set map[int]struct{}) []int {
	out := make([]int, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Ints(out)
	return out
}
