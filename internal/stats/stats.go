// Package stats recomputes a player's weighted performance and accuracy
// aggregates and keeps the external ranking boards in step with them.
package stats

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/scttfrdmn/scorekeeper/internal/ranking"
	"github.com/scttfrdmn/scorekeeper/internal/store"
	"github.com/scttfrdmn/scorekeeper/pkg/types"
)

// Decay is the per-rank weight multiplier.
const Decay = 0.95

// WeightedPP sums values (sorted descending) weighting rank i by Decay^i.
// Each value and each weighted term is rounded half to even.
func WeightedPP(values []float64) float64 {
	var total float64
	for i, v := range values {
		total += math.RoundToEven(math.RoundToEven(v) * math.Pow(Decay, float64(i)))
	}
	return total
}

// WeightedAccuracy averages accs weighting rank i by floor(Decay^i * 100).
// It returns 0 for no rows.
func WeightedAccuracy(accs []float64) float64 {
	var sum, div float64
	for i, a := range accs {
		w := math.Floor(math.Pow(Decay, float64(i)) * 100)
		sum += a * w
		div += w
	}
	if div == 0 {
		return 0
	}
	return sum / div
}

// Source supplies the best rows aggregated by a recalculation. TopPP is
// limited to ranking-eligible beatmaps; TopAccuracies is not.
type Source interface {
	TopPP(ctx context.Context, userID int, mode types.Mode, limit int) ([]float64, error)
	TopAccuracies(ctx context.Context, userID int, mode types.Mode, limit int) ([]float64, error)
}

// Recalculator recomputes aggregates from the store and maintains ranks.
type Recalculator struct {
	src   Source
	ranks ranking.Store
}

// NewRecalculator returns a Recalculator. ranks may be nil to disable rank
// maintenance.
func NewRecalculator(src Source, ranks ranking.Store) *Recalculator {
	return &Recalculator{src: src, ranks: ranks}
}

// Recalculate refreshes st.PP and st.Accuracy after a personal best worth
// scorePP. The pp sum is skipped when scorePP does not beat the cached decay
// floor, since such a play cannot enter the weighted window.
func (r *Recalculator) Recalculate(ctx context.Context, st *types.Stats, scorePP float64) error {
	if st.Floor == nil || scorePP > st.Floor.PP {
		pps, err := r.src.TopPP(ctx, st.UserID, st.Mode, store.PPWindow)
		if err != nil {
			return fmt.Errorf("stats: top pp %d %s: %w", st.UserID, st.Mode, err)
		}
		st.PP = WeightedPP(pps)
		st.Floor = nil
		if len(pps) == store.PPWindow {
			st.Floor = &types.DecayFloor{PP: pps[len(pps)-1], Rank: len(pps)}
		}
	} else {
		slog.Debug("stats: pp below decay floor", "user_id", st.UserID, "mode", st.Mode.String(), "pp", scorePP, "floor", st.Floor.PP)
	}

	accs, err := r.src.TopAccuracies(ctx, st.UserID, st.Mode, store.AccuracyWindow)
	if err != nil {
		return fmt.Errorf("stats: top accuracies %d %s: %w", st.UserID, st.Mode, err)
	}
	st.Accuracy = WeightedAccuracy(accs)
	return nil
}

// UpdateRank writes st.PP to the global and country boards when it differs
// from prevPP and the account is public, then refreshes st.Rank from the
// global board. Ranking store failures are logged and leave st.Rank as is.
func (r *Recalculator) UpdateRank(ctx context.Context, st *types.Stats, prevPP float64, country string, restricted bool) {
	if r.ranks == nil {
		return
	}
	if st.PP != prevPP && !restricted {
		boards := []ranking.Board{ranking.Global(st.Mode)}
		if b, ok := ranking.ForCountry(st.Mode, country); ok {
			boards = append(boards, b)
		}
		for _, b := range boards {
			if err := r.ranks.Upsert(ctx, b, st.UserID, st.PP); err != nil {
				slog.Warn("stats: ranking upsert failed", "board", b.Key(), "user_id", st.UserID, "error", err)
				return
			}
		}
	}

	rank, err := r.ranks.RankOf(ctx, ranking.Global(st.Mode), st.UserID)
	if err != nil {
		slog.Warn("stats: rank lookup failed", "user_id", st.UserID, "mode", st.Mode.String(), "error", err)
		return
	}
	st.Rank = rank
}

// RemoveFromBoards drops userID from every board of every mode, including
// the country boards for country.
func (r *Recalculator) RemoveFromBoards(ctx context.Context, userID int, country string) error {
	if r.ranks == nil {
		return nil
	}
	for _, b := range ranking.Boards(country) {
		if err := r.ranks.Remove(ctx, b, userID); err != nil {
			return fmt.Errorf("stats: remove %d from %s: %w", userID, b.Key(), err)
		}
	}
	return nil
}
