// Package beatmap resolves beatmap content hashes to beatmap records through
// an in-memory cache, the authoritative store and the external metadata
// service, memoizing hashes known to be unresolvable.
package beatmap

import (
	"sync"
	"time"

	"github.com/scttfrdmn/scorekeeper/internal/leaderboard"
	"github.com/scttfrdmn/scorekeeper/pkg/types"
)

// Beatmap is the cached form of a beatmap. It owns one leaderboard per mode;
// evicting the Beatmap discards them all.
type Beatmap struct {
	mu     sync.RWMutex
	info   types.BeatmapInfo
	boards map[types.Mode]*leaderboard.Leaderboard
}

func newBeatmap(info types.BeatmapInfo) *Beatmap {
	return &Beatmap{info: info, boards: make(map[types.Mode]*leaderboard.Leaderboard)}
}

// Info returns a copy of the beatmap record.
func (b *Beatmap) Info() types.BeatmapInfo {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.info
}

// Hash returns the content hash.
func (b *Beatmap) Hash() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.info.MD5
}

// Board returns the attached leaderboard for mode.
func (b *Beatmap) Board(mode types.Mode) (*leaderboard.Leaderboard, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	lb, ok := b.boards[mode]
	return lb, ok
}

// AttachBoard attaches lb for mode unless one is already attached and
// returns the attached board.
func (b *Beatmap) AttachBoard(mode types.Mode, lb *leaderboard.Leaderboard) *leaderboard.Leaderboard {
	b.mu.Lock()
	defer b.mu.Unlock()
	if existing, ok := b.boards[mode]; ok {
		return existing
	}
	b.boards[mode] = lb
	return lb
}

// AddCounts advances the in-memory play and pass counters after the store
// has been updated.
func (b *Beatmap) AddCounts(plays, passes int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.info.Playcount += plays
	b.info.Passcount += passes
}

func (b *Beatmap) setLastChecked(t time.Time) types.BeatmapInfo {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.info.LastChecked = t
	return b.info
}
