// Package leaderboard maintains the ranked list of personal bests for one
// beatmap in one mode.
//
// A Leaderboard is loaded once from the store's best rows and then updated
// incrementally as submissions arrive. Ordering is descending by the mode's
// ranking metric with a stable tie-break, so equal values keep insertion
// order. Display filters never mutate the list; see View.
package leaderboard

import (
	"sort"
	"sync"

	"github.com/scttfrdmn/scorekeeper/pkg/types"
)

// Leaderboard is the ranked list of one beatmap's best scores for one mode.
// It holds at most one entry per user and is safe for concurrent use.
type Leaderboard struct {
	mode       types.Mode
	metric     types.Metric
	provenance types.Provenance

	mu     sync.RWMutex
	scores []*types.Score
}

// New builds a Leaderboard from rows in store order.
func New(mode types.Mode, rows []types.Score, provenance types.Provenance) *Leaderboard {
	lb := &Leaderboard{
		mode:       mode,
		metric:     mode.Metric(),
		provenance: provenance,
		scores:     make([]*types.Score, 0, len(rows)),
	}
	seen := make(map[int]bool, len(rows))
	for i := range rows {
		if seen[rows[i].UserID] {
			continue
		}
		seen[rows[i].UserID] = true
		s := rows[i]
		lb.scores = append(lb.scores, &s)
	}
	lb.sort()
	return lb
}

// Mode returns the leaderboard's mode.
func (lb *Leaderboard) Mode() types.Mode { return lb.mode }

// Metric returns the ranking metric fixed at construction.
func (lb *Leaderboard) Metric() types.Metric { return lb.metric }

// Provenance reports where the leaderboard was built from.
func (lb *Leaderboard) Provenance() types.Provenance { return lb.provenance }

// Len returns the number of entries.
func (lb *Leaderboard) Len() int {
	lb.mu.RLock()
	defer lb.mu.RUnlock()
	return len(lb.scores)
}

// FindUserScore returns a copy of the user's entry and its 1-based rank.
func (lb *Leaderboard) FindUserScore(userID int) (types.Score, int, bool) {
	lb.mu.RLock()
	defer lb.mu.RUnlock()
	for i, s := range lb.scores {
		if s.UserID == userID {
			return *s, i + 1, true
		}
	}
	return types.Score{}, 0, false
}

// AddScore replaces the user's entry with s and re-sorts.
func (lb *Leaderboard) AddScore(s types.Score) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	lb.removeLocked(s.UserID)
	lb.scores = append(lb.scores, &s)
	lb.sort()
}

// RemoveUser drops the user's entry and reports whether one existed.
func (lb *Leaderboard) RemoveUser(userID int) bool {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.removeLocked(userID)
}

// FindScoreRank returns the 1-based position of the score id, or 0.
func (lb *Leaderboard) FindScoreRank(scoreID int64) int {
	lb.mu.RLock()
	defer lb.mu.RUnlock()
	for i, s := range lb.scores {
		if s.ID == scoreID {
			return i + 1
		}
	}
	return 0
}

// Scores returns a copy of the entries in rank order.
func (lb *Leaderboard) Scores() []types.Score {
	lb.mu.RLock()
	defer lb.mu.RUnlock()
	out := make([]types.Score, len(lb.scores))
	for i, s := range lb.scores {
		out[i] = *s
	}
	return out
}

func (lb *Leaderboard) removeLocked(userID int) bool {
	for i, s := range lb.scores {
		if s.UserID == userID {
			lb.scores = append(lb.scores[:i], lb.scores[i+1:]...)
			return true
		}
	}
	return false
}

// sort orders entries descending by metric. The caller holds lb.mu or owns lb.
func (lb *Leaderboard) sort() {
	sort.SliceStable(lb.scores, func(i, j int) bool {
		return lb.metric.Value(lb.scores[i]) > lb.metric.Value(lb.scores[j])
	})
}
