package scoring

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/scttfrdmn/scorekeeper/pkg/types"
)

// Panels renders the outcome as the client's post-submission chart lines:
// beatmap info, the beatmap ranking chart (for beatmaps with a leaderboard)
// and the overall ranking chart.
func (o *Outcome) Panels(profileURL string) string {
	sc, bm := &o.Score, &o.Beatmap
	lines := []string{fmt.Sprintf("beatmapId:%d|beatmapSetId:%d|beatmapPlaycount:%d|beatmapPasscount:%d|approvedDate:",
		bm.ID, bm.SetID, bm.Playcount, bm.Passcount)}

	if bm.Status.HasLeaderboard() {
		chart := []string{"chartId:beatmap", "chartUrl:" + bm.URL(), "chartName:Beatmap Ranking"}
		passed := sc.Completed >= types.CompletionPassed
		switch {
		case passed && o.Previous != nil:
			prev := &o.Previous.Score
			chart = append(chart,
				pair("rank", strconv.Itoa(o.Previous.Rank), strconv.Itoa(o.Rank)),
				pair("maxCombo", strconv.Itoa(prev.MaxCombo), strconv.Itoa(sc.MaxCombo)),
				pair("accuracy", round2(prev.Accuracy), round2(sc.Accuracy)),
				pair("rankedScore", strconv.FormatInt(prev.Score, 10), strconv.FormatInt(sc.Score, 10)),
				pair("pp", roundInt(prev.PP), roundInt(sc.PP)))
		case passed:
			chart = append(chart,
				pair("rank", "0", strconv.Itoa(o.Rank)),
				pair("maxCombo", "", strconv.Itoa(sc.MaxCombo)),
				pair("accuracy", "", round2(sc.Accuracy)),
				pair("rankedScore", "", strconv.FormatInt(sc.Score, 10)),
				pair("pp", "", pyFloat(sc.PP)))
		default:
			chart = append(chart,
				pair("rank", "0", "0"),
				pair("maxCombo", "", strconv.Itoa(sc.MaxCombo)),
				pair("accuracy", "", ""),
				pair("rankedScore", "", strconv.FormatInt(sc.Score, 10)),
				pair("pp", "", ""))
		}
		chart = append(chart, fmt.Sprintf("onlineScoreId:%d", sc.ID))
		lines = append(lines, strings.Join(chart, "|"))
	}

	before, after := &o.Before, &o.After
	overall := []string{
		"chartId:overall",
		fmt.Sprintf("chartUrl:%s%d", profileURL, sc.UserID),
		"chartName:Global Ranking",
		pair("rank", strconv.Itoa(before.Rank), strconv.Itoa(after.Rank)),
		pair("rankedScore", strconv.FormatInt(before.RankedScore, 10), strconv.FormatInt(after.RankedScore, 10)),
		pair("totalScore", strconv.FormatInt(before.TotalScore, 10), strconv.FormatInt(after.TotalScore, 10)),
		pair("maxCombo", strconv.Itoa(before.MaxCombo), strconv.Itoa(after.MaxCombo)),
		pair("accuracy", round2(before.Accuracy), round2(after.Accuracy)),
		pair("pp", roundInt(before.PP), roundInt(after.PP)),
		"achievements-new:",
		fmt.Sprintf("onlineScoreId:%d", sc.ID),
	}
	lines = append(lines, strings.Join(overall, "|"))
	return strings.Join(lines, "\n")
}

// pair renders a before/after field.
func pair(name, before, after string) string {
	return name + "Before:" + before + "|" + name + "After:" + after
}

func round2(v float64) string { return pyFloat(math.RoundToEven(v*100) / 100) }

func roundInt(v float64) string { return strconv.FormatFloat(math.RoundToEven(v), 'f', 0, 64) }

// pyFloat formats v with the shortest representation, keeping one decimal
// for whole numbers.
func pyFloat(v float64) string {
	s := strconv.FormatFloat(v, 'f', -1, 64)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}
