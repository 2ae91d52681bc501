package leaderboard

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/singleflight"

	"github.com/scttfrdmn/scorekeeper/internal/cache"
	"github.com/scttfrdmn/scorekeeper/internal/metrics"
	"github.com/scttfrdmn/scorekeeper/pkg/types"
)

// Host owns the per-mode leaderboards of one beatmap.
type Host interface {
	Hash() string
	Board(mode types.Mode) (*Leaderboard, bool)
	// AttachBoard attaches lb unless a board for the mode already exists, and
	// returns whichever board is attached afterwards.
	AttachBoard(mode types.Mode, lb *Leaderboard) *Leaderboard
}

// ScoreSource supplies the best rows of a beatmap.
type ScoreSource interface {
	BestScores(ctx context.Context, md5 string, mode types.Mode) ([]types.Score, error)
}

// Engine loads leaderboards on demand. Concurrent loads of the same
// beatmap and mode share one store query.
type Engine struct {
	src     ScoreSource
	metrics *metrics.Metrics
	group   singleflight.Group
}

// NewEngine returns an Engine reading from src. m may be nil.
func NewEngine(src ScoreSource, m *metrics.Metrics) *Engine {
	return &Engine{src: src, metrics: m}
}

// Load returns the host's leaderboard for mode, building and attaching it
// from the store when absent. The provenance reports whether the board was
// already attached (cache) or freshly built (store).
func (e *Engine) Load(ctx context.Context, host Host, mode types.Mode) (*Leaderboard, types.Provenance, error) {
	if lb, ok := host.Board(mode); ok {
		e.metrics.RecordLeaderboardLoad(types.ProvenanceCache.String())
		return lb, types.ProvenanceCache, nil
	}

	key := cache.Key(host.Hash(), int(mode))
	v, err, _ := e.group.Do(key, func() (any, error) {
		if lb, ok := host.Board(mode); ok {
			return lb, nil
		}
		rows, err := e.src.BestScores(ctx, host.Hash(), mode)
		if err != nil {
			return nil, fmt.Errorf("leaderboard: load %s %s: %w", host.Hash(), mode, err)
		}
		lb := New(mode, rows, types.ProvenanceStore)
		slog.Debug("leaderboard loaded", "md5", host.Hash(), "mode", mode.String(), "entries", lb.Len())
		return host.AttachBoard(mode, lb), nil
	})
	if err != nil {
		return nil, types.ProvenanceNone, err
	}
	e.metrics.RecordLeaderboardLoad(types.ProvenanceStore.String())
	return v.(*Leaderboard), types.ProvenanceStore, nil
}
