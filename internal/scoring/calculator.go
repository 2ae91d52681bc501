package scoring

import (
	"context"
	"log/slog"
	"math"

	"github.com/scttfrdmn/scorekeeper/pkg/types"
)

// Calculator computes the performance value and difficulty rating of a play.
type Calculator interface {
	Calculate(ctx context.Context, bm types.BeatmapInfo, s types.Score) (pp, rating float64, err error)
}

// CalculatorFunc adapts a function to Calculator.
type CalculatorFunc func(ctx context.Context, bm types.BeatmapInfo, s types.Score) (float64, float64, error)

func (f CalculatorFunc) Calculate(ctx context.Context, bm types.BeatmapInfo, s types.Score) (float64, float64, error) {
	return f(ctx, bm, s)
}

// NoCalculator awards no performance points.
type NoCalculator struct{}

func (NoCalculator) Calculate(context.Context, types.BeatmapInfo, types.Score) (float64, float64, error) {
	return 0, 0, nil
}

// performance runs the calculator and clamps failures and non-finite values to 0.
func (s *Service) performance(ctx context.Context, bm types.BeatmapInfo, sc types.Score) float64 {
	pp, _, err := s.calc.Calculate(ctx, bm, sc)
	if err != nil {
		slog.Warn("scoring: pp calculation failed", "md5", bm.MD5, "user_id", sc.UserID, "error", err)
		return 0
	}
	if math.IsNaN(pp) || math.IsInf(pp, 0) {
		return 0
	}
	return pp
}
