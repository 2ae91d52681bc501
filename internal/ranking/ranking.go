// Package ranking maintains per-mode sorted rankings of players by pp.
//
// Boards are keyed by category and game mode, with optional per-country
// variants. RedisStore keeps them in Redis sorted sets using the key layout
// shared with the rest of the server infrastructure; MemoryStore is an
// in-process equivalent.
package ranking

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/scttfrdmn/scorekeeper/pkg/types"
)

// NoCountry is the placeholder country code that never gets a country board.
const NoCountry = "xx"

// Board identifies one sorted ranking.
type Board struct {
	Mode    types.Mode
	Country string // empty for the global board
}

// Global returns the global board for mode.
func Global(mode types.Mode) Board { return Board{Mode: mode} }

// ForCountry returns the country board for mode. The second result is false
// for the placeholder country, which has no board.
func ForCountry(mode types.Mode, country string) (Board, bool) {
	c := strings.ToLower(country)
	if c == "" || c == NoCountry {
		return Board{}, false
	}
	return Board{Mode: mode, Country: c}, true
}

// Key returns the sorted-set key, e.g. "ripple:relaxboard:std:de".
func (b Board) Key() string {
	k := "ripple:" + b.Mode.Category().Board() + ":" + b.Mode.GameName()
	if b.Country != "" {
		k += ":" + b.Country
	}
	return k
}

// Store is a sorted ranking store.
type Store interface {
	// Upsert sets the member's value on the board.
	Upsert(ctx context.Context, b Board, userID int, value float64) error
	// Remove deletes the member from the board. Removing an absent member is a no-op.
	Remove(ctx context.Context, b Board, userID int) error
	// RankOf returns the member's 1-based rank, or 0 if absent.
	RankOf(ctx context.Context, b Board, userID int) (int, error)
}

// Boards returns every board of every mode for the country, global boards
// first. It is used to purge a user from all rankings.
func Boards(country string) []Board {
	out := make([]Board, 0, 2*len(types.AllModes))
	for _, m := range types.AllModes {
		out = append(out, Global(m))
	}
	for _, m := range types.AllModes {
		if b, ok := ForCountry(m, country); ok {
			out = append(out, b)
		}
	}
	return out
}

func member(userID int) string { return strconv.Itoa(userID) }

// ── MemoryStore ───────────────────────────────────────────────────────────────

// MemoryStore is an in-process Store. Equal values rank in reverse
// lexicographic member order, as ZREVRANK does.
type MemoryStore struct {
	mu     sync.Mutex
	boards map[string]map[int]float64
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{boards: make(map[string]map[int]float64)}
}

func (m *MemoryStore) Upsert(_ context.Context, b Board, userID int, value float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.boards[b.Key()]
	if !ok {
		set = make(map[int]float64)
		m.boards[b.Key()] = set
	}
	set[userID] = value
	return nil
}

func (m *MemoryStore) Remove(_ context.Context, b Board, userID int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.boards[b.Key()], userID)
	return nil
}

func (m *MemoryStore) RankOf(_ context.Context, b Board, userID int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.boards[b.Key()]
	if _, ok := set[userID]; !ok {
		return 0, nil
	}
	ids := make([]int, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		vi, vj := set[ids[i]], set[ids[j]]
		if vi != vj {
			return vi > vj
		}
		return member(ids[i]) > member(ids[j])
	})
	for i, id := range ids {
		if id == userID {
			return i + 1, nil
		}
	}
	return 0, nil
}
