package scoring

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/scttfrdmn/scorekeeper/internal/announce"
	"github.com/scttfrdmn/scorekeeper/internal/beatmap"
	"github.com/scttfrdmn/scorekeeper/internal/bus"
	"github.com/scttfrdmn/scorekeeper/internal/leaderboard"
	"github.com/scttfrdmn/scorekeeper/internal/sideeffect"
	"github.com/scttfrdmn/scorekeeper/internal/store"
	"github.com/scttfrdmn/scorekeeper/pkg/types"
)

// Wire sentinels understood by the game client.
const (
	SentinelNo      = "error: no"
	SentinelBeatmap = "error: beatmap"
	SentinelPass    = "error: pass"
)

// SentinelFor maps a submission error to the body returned to the client.
// Authentication failures get an empty body so the client retries later.
func SentinelFor(err error) string {
	switch types.KindOf(err) {
	case types.KindAuthFailure:
		return ""
	case types.KindMapUnresolvable, types.KindMapNeedsClientUpdate:
		return SentinelBeatmap
	}
	return SentinelNo
}

// Restriction reasons raised during submission.
const (
	ReasonMissingToken  = "Restricted for missing token header"
	ReasonUserAgent     = "Restricted for User-Agent != osu!"
	ReasonMissingReplay = "Restricted for missing/invalid replay file"
)

// Outcome describes an accepted submission.
type Outcome struct {
	Score      types.Score       `json:"score"`
	Beatmap    types.BeatmapInfo `json:"beatmap"`
	Provenance types.Provenance  `json:"provenance"`

	// Rank is the position on the beatmap leaderboard. It is 0 unless the
	// score is a new best of a public account on a beatmap with a leaderboard.
	Rank int `json:"rank"`
	// Previous is the user's best before this submission, if any.
	Previous *leaderboard.Entry `json:"previous,omitempty"`

	// Before and After are zero for quits.
	Before types.Stats `json:"before"`
	After  types.Stats `json:"after"`

	// Flags lists the restriction reasons raised by the submission.
	Flags []string `json:"flags,omitempty"`
}

// SubmitScore authenticates, validates, classifies and persists one
// submission, then updates leaderboards and stats. Submissions for the same
// (user, beatmap, mode) are serialized from the duplicate check onwards.
func (s *Service) SubmitScore(ctx context.Context, sub types.Submission) (out *Outcome, err error) {
	const op = "scoring.SubmitScore"
	start := time.Now()
	defer func() {
		label := "ok"
		if err != nil {
			label = types.KindOf(err).String()
		}
		s.metrics.RecordSubmission(label, time.Since(start))
	}()

	if err := sub.Validate(); err != nil {
		return nil, types.E(types.KindMalformedSubmission, op, err)
	}
	mode, err := types.FromWire(sub.GameMode, sub.Mods)
	if err != nil {
		return nil, types.E(types.KindMalformedSubmission, op, err)
	}

	userID, err := s.Authenticate(ctx, sub.Username, sub.PasswordMD5)
	if err != nil {
		return nil, err
	}

	res, err := s.resolver.Resolve(ctx, sub.BeatmapMD5)
	if err != nil {
		return nil, err
	}
	switch res.Outcome {
	case beatmap.OutcomeNeedsUpdate:
		return nil, types.E(types.KindMapNeedsClientUpdate, op, fmt.Errorf("beatmap %s", sub.BeatmapMD5))
	case beatmap.OutcomeNotSubmitted:
		return nil, types.E(types.KindMapUnresolvable, op, fmt.Errorf("beatmap %s", sub.BeatmapMD5))
	}

	if sub.Mods.Intersects(s.cfg.DisallowedMods) {
		return nil, types.E(types.KindDisallowedMods, op, fmt.Errorf("mods %d", sub.Mods))
	}

	out = &Outcome{Provenance: res.Provenance}
	if !sub.HasToken {
		out.Flags = append(out.Flags, s.flag(userID, ReasonMissingToken))
	}
	if s.cfg.ExpectedUserAgent != "" && sub.UserAgent != s.cfg.ExpectedUserAgent {
		out.Flags = append(out.Flags, s.flag(userID, ReasonUserAgent))
	}

	sc := s.buildScore(ctx, userID, mode, res.Beatmap.Info(), &sub)

	unlock, err := s.locks.Lock(ctx, submissionKey(userID, sc.BeatmapMD5, mode))
	if err != nil {
		return nil, types.E(types.KindPersistenceFailure, op, err)
	}
	defer unlock()

	exists, err := s.store.ScoreExists(ctx, mode, sc.Checksum)
	if err != nil {
		return nil, types.E(types.KindPersistenceFailure, op, err)
	}
	if exists {
		return nil, types.E(types.KindDuplicateSubmission, op, fmt.Errorf("checksum %s", sc.Checksum))
	}

	var (
		lb       *leaderboard.Leaderboard
		demoteID int64
	)
	switch {
	case sub.Quit:
		sc.Completed = types.CompletionQuit
	case !sub.Passed:
		sc.Completed = types.CompletionFailed
	default:
		if lb, _, err = s.boards.Load(ctx, res.Beatmap, mode); err != nil {
			return nil, types.E(types.KindPersistenceFailure, op, err)
		}
		sc.Completed = types.CompletionBest
		if prev, rank, ok := lb.FindUserScore(userID); ok {
			out.Previous = &leaderboard.Entry{Rank: rank, Score: prev}
			if lb.Metric().Value(&sc) > lb.Metric().Value(&prev) {
				demoteID = prev.ID
			} else {
				sc.Completed = types.CompletionPassed
			}
		}
	}

	id, err := s.store.InsertScore(ctx, sc, demoteID)
	if err != nil {
		if types.KindOf(err) == types.KindDuplicateSubmission {
			return nil, err
		}
		return nil, types.E(types.KindPersistenceFailure, op, err)
	}
	sc.ID = id
	out.Score = sc
	out.Beatmap = res.Beatmap.Info()

	if sc.Completed == types.CompletionQuit {
		slog.Info("score submitted", s.logAttrs(out)...)
		return out, nil
	}

	if sub.Passed {
		if replay := bytes.TrimSpace(sub.Replay); len(replay) == 0 {
			out.Flags = append(out.Flags, s.flag(userID, ReasonMissingReplay))
		} else {
			s.saveReplay(userID, id, sub.Replay)
		}
	}

	restricted := s.registry.Restricted(ctx, userID)
	if sc.Completed == types.CompletionBest {
		lb.AddScore(sc)
		if !restricted && out.Beatmap.Status.HasLeaderboard() {
			out.Rank = s.leaderboardRank(ctx, lb, sc)
		}
	}

	passes := 0
	if sub.Passed {
		passes = 1
	}
	if err := s.store.IncrementBeatmapCounts(ctx, sc.BeatmapMD5, 1, passes); err != nil {
		slog.Warn("scoring: beatmap counters not updated", "md5", sc.BeatmapMD5, "error", err)
	} else {
		res.Beatmap.AddCounts(1, passes)
		out.Beatmap = res.Beatmap.Info()
	}

	if out.Before, out.After, err = s.updateStats(ctx, sc, out.Beatmap, out.Previous, restricted); err != nil {
		return nil, types.E(types.KindPersistenceFailure, op, err)
	}
	s.publish(ctx, bus.TopicStatsUpdate, []byte(strconv.Itoa(userID)))

	if sc.Completed == types.CompletionBest && out.Rank == 1 && out.Beatmap.Status.RankingEligible() {
		s.firstPlace(ctx, sc, out.Beatmap)
	}

	slog.Info("score submitted", s.logAttrs(out)...)
	return out, nil
}

func (s *Service) buildScore(ctx context.Context, userID int, mode types.Mode, info types.BeatmapInfo, sub *types.Submission) types.Score {
	sc := types.Score{
		UserID:      userID,
		Username:    sub.Username,
		Country:     s.registry.Country(ctx, userID),
		BeatmapMD5:  info.MD5,
		Mode:        mode,
		Mods:        sub.Mods,
		Score:       sub.Score,
		MaxCombo:    sub.MaxCombo,
		FullCombo:   sub.FullCombo,
		Grade:       sub.Grade,
		N300:        sub.N300,
		N100:        sub.N100,
		N50:         sub.N50,
		Geki:        sub.Geki,
		Katu:        sub.Katu,
		Miss:        sub.Miss,
		Accuracy:    types.Accuracy(mode, sub.N300, sub.N100, sub.N50, sub.Geki, sub.Katu, sub.Miss),
		SubmittedAt: sub.SubmittedAt,
		Checksum:    sub.Checksum(),
	}
	if !sub.Passed {
		sc.Grade = "F"
	}
	if sc.SubmittedAt.IsZero() {
		sc.SubmittedAt = s.now()
	}
	sc.PP = s.performance(ctx, info, sc)
	return sc
}

// leaderboardRank is the score's position among the entries a viewer can
// see, so hidden restricted accounts never push a public score down.
func (s *Service) leaderboardRank(ctx context.Context, lb *leaderboard.Leaderboard, sc types.Score) int {
	rank := lb.FindScoreRank(sc.ID)
	if rank <= 1 {
		return rank
	}
	v := lb.View(leaderboard.Filter{
		Type:    types.LeaderboardTop,
		Visible: s.visibleTo(ctx, sc.UserID),
		Limit:   1,
		UserID:  sc.UserID,
	})
	if v.Personal == nil {
		return rank
	}
	return v.Personal.Rank
}

// updateStats applies one completed submission to the user's stats under the
// per-(user, mode) lock. Nothing is cached unless the store accepted the row.
func (s *Service) updateStats(ctx context.Context, sc types.Score, info types.BeatmapInfo, prev *leaderboard.Entry, restricted bool) (before, after types.Stats, err error) {
	unlock, err := s.locks.Lock(ctx, statsKey(sc.UserID, sc.Mode))
	if err != nil {
		return before, after, err
	}
	defer unlock()

	st, err := s.registry.Stats.Get(ctx, sc.UserID, sc.Mode)
	if err != nil {
		return before, after, err
	}
	before = st

	st.Playcount++
	st.TotalScore += sc.Score
	st.TotalHits += sc.Hits()
	if sc.Completed == types.CompletionBest {
		if info.Status.RankingEligible() {
			additive := sc.Score
			if prev != nil {
				additive -= prev.Score.Score
			}
			st.RankedScore += additive
		}
		if sc.MaxCombo > st.MaxCombo {
			st.MaxCombo = sc.MaxCombo
		}
		if sc.PP > 0 {
			if err := s.recalc.Recalculate(ctx, &st, sc.PP); err != nil {
				return before, after, err
			}
		}
	}

	if err := s.store.SaveStats(ctx, st); err != nil {
		return before, after, err
	}
	s.recalc.UpdateRank(ctx, &st, before.PP, s.registry.Country(ctx, sc.UserID), restricted)
	s.registry.Stats.Put(st)
	return before, st, nil
}

// firstPlace records sc as the beatmap's rank-1 score and announces it.
func (s *Service) firstPlace(ctx context.Context, sc types.Score, info types.BeatmapInfo) {
	fp := store.FirstPlace{
		BeatmapMD5: sc.BeatmapMD5,
		GameMode:   sc.Mode.Int(),
		Category:   sc.Mode.Category(),
		ScoreID:    sc.ID,
		UserID:     sc.UserID,
		Score:      sc.Score,
		PP:         sc.PP,
		At:         sc.SubmittedAt,
	}
	if err := s.store.ReplaceFirstPlace(ctx, fp); err != nil {
		slog.Warn("scoring: first place not recorded", "md5", sc.BeatmapMD5, "score_id", sc.ID, "error", err)
	}
	if s.announcer == nil {
		return
	}
	msg := announce.FirstPlace(s.cfg.ProfileURL, sc, info)
	s.worker.Submit(sideeffect.Job{
		Kind:   sideeffect.KindAnnounce,
		UserID: sc.UserID,
		Run:    func(ctx context.Context) error { return s.announcer.Send(ctx, msg) },
	})
}

func (s *Service) saveReplay(userID int, scoreID int64, data []byte) {
	data = bytes.Clone(data)
	s.worker.Submit(sideeffect.Job{
		Kind:   sideeffect.KindReplay,
		UserID: userID,
		Run:    func(ctx context.Context) error { return s.replays.Save(ctx, scoreID, data) },
	})
}

// flag queues an account restriction for reason and returns reason.
func (s *Service) flag(userID int, reason string) string {
	slog.Warn("submission flagged", "user_id", userID, "reason", reason)
	if s.cfg.RestrictOnViolation {
		s.worker.Submit(sideeffect.Job{
			Kind:   sideeffect.KindRestrict,
			UserID: userID,
			Run:    func(ctx context.Context) error { return s.RestrictUser(ctx, userID, reason) },
		})
	}
	return reason
}

func (s *Service) logAttrs(out *Outcome) []any {
	return []any{
		"user_id", out.Score.UserID,
		"md5", out.Score.BeatmapMD5,
		"mode", out.Score.Mode.String(),
		"score_id", out.Score.ID,
		"completed", int(out.Score.Completed),
		"pp", out.Score.PP,
		"rank", out.Rank,
		"provenance", out.Provenance.String(),
	}
}
