package scoring

import (
	"context"
	"log/slog"

	"github.com/scttfrdmn/scorekeeper/internal/beatmap"
	"github.com/scttfrdmn/scorekeeper/internal/leaderboard"
	"github.com/scttfrdmn/scorekeeper/pkg/types"
)

// LeaderboardRequest selects one leaderboard view.
type LeaderboardRequest struct {
	BeatmapMD5 string
	// Filename is the client's .osu file name, used to tell an outdated
	// local copy from an unknown beatmap.
	Filename string
	Mode     types.Mode
	Type     types.LeaderboardType
	Mods     types.Mods
	// UserID is the viewer. It selects the personal best, the friends and
	// country filters and the display limit.
	UserID int
	// Limit overrides the viewer's display limit when positive.
	Limit int
}

// LeaderboardResult is a resolved beatmap with its filtered leaderboard.
type LeaderboardResult struct {
	Beatmap    types.BeatmapInfo `json:"beatmap"`
	Outcome    string            `json:"outcome"`
	Provenance types.Provenance  `json:"provenance"`
	// BoardProvenance reports where the leaderboard came from; none when no
	// leaderboard is shown.
	BoardProvenance types.Provenance `json:"board_provenance"`
	View            leaderboard.View `json:"view"`
}

// GetLeaderboard resolves the beatmap and returns the viewer's filtered
// leaderboard. Unknown or outdated beatmaps yield an empty view and the
// resolution outcome rather than an error.
func (s *Service) GetLeaderboard(ctx context.Context, req LeaderboardRequest) (LeaderboardResult, error) {
	res, err := s.resolver.Resolve(ctx, req.BeatmapMD5)
	if err != nil {
		return LeaderboardResult{}, err
	}
	if res.Outcome == beatmap.OutcomeNotSubmitted && req.Filename != "" && s.resolver.NeedsUpdateByFilename(ctx, req.Filename) {
		res.Outcome = beatmap.OutcomeNeedsUpdate
	}

	out := LeaderboardResult{Outcome: res.Outcome.String(), Provenance: res.Provenance}
	if res.Outcome != beatmap.OutcomeFound {
		return out, nil
	}
	out.Beatmap = res.Beatmap.Info()
	if !out.Beatmap.Status.HasLeaderboard() {
		return out, nil
	}

	lb, prov, err := s.boards.Load(ctx, res.Beatmap, req.Mode)
	if err != nil {
		return LeaderboardResult{}, types.E(types.KindPersistenceFailure, "scoring.GetLeaderboard", err)
	}
	out.BoardProvenance = prov

	f := leaderboard.Filter{
		Type:    req.Type,
		Mods:    req.Mods,
		Visible: s.visibleTo(ctx, req.UserID),
		Limit:   req.Limit,
		UserID:  req.UserID,
	}
	if f.Limit <= 0 {
		privs, _ := s.registry.Privileges.Load(ctx, req.UserID)
		f.Limit = leaderboard.DisplayLimit(privs)
	}
	switch req.Type {
	case types.LeaderboardCountry:
		f.Country = s.registry.Country(ctx, req.UserID)
	case types.LeaderboardFriends:
		friends, err := s.registry.Friends.Load(ctx, req.UserID)
		if err != nil {
			friends = []int{req.UserID}
		}
		f.Friends = friends
	}
	out.View = lb.View(f)

	slog.Debug("leaderboard served",
		"md5", out.Beatmap.MD5,
		"mode", req.Mode.String(),
		"user_id", req.UserID,
		"provenance", res.Provenance.String(),
		"board_provenance", prov.String(),
		"entries", len(out.View.Entries))
	return out, nil
}

// visibleTo hides restricted accounts from everyone but themselves.
func (s *Service) visibleTo(ctx context.Context, viewer int) func(int) bool {
	return func(userID int) bool {
		return userID == viewer || !s.registry.Restricted(ctx, userID)
	}
}
