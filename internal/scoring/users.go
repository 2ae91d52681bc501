package scoring

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/scttfrdmn/scorekeeper/internal/bus"
	"github.com/scttfrdmn/scorekeeper/internal/replay"
	"github.com/scttfrdmn/scorekeeper/pkg/types"
)

// RestrictUser hides the account from public rankings: it clears the public
// privilege, records reason, refreshes the privilege cache, removes the user
// from every ranking board and announces the ban. Restricting an already
// restricted account is a no-op.
func (s *Service) RestrictUser(ctx context.Context, userID int, reason string) error {
	const op = "scoring.RestrictUser"
	privs, err := s.store.Privileges(ctx, userID)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return err
		}
		return types.E(types.KindPersistenceFailure, op, err)
	}
	if privs.Restricted() {
		slog.Debug("user already restricted", "user_id", userID, "reason", reason)
		return nil
	}

	if _, err := s.store.Restrict(ctx, userID, reason, s.now()); err != nil {
		return types.E(types.KindPersistenceFailure, op, err)
	}
	if _, err := s.registry.Privileges.CacheIndividual(ctx, userID); err != nil {
		slog.Warn("scoring: privilege cache not refreshed", "user_id", userID, "error", err)
	}
	s.registry.Stats.Evict(userID)

	if err := s.recalc.RemoveFromBoards(ctx, userID, s.registry.Country(ctx, userID)); err != nil {
		s.metrics.RecordUpstreamError("ranking")
		slog.Warn("scoring: ranking boards not cleared", "user_id", userID, "error", err)
	}
	s.publish(ctx, bus.TopicBan, []byte(strconv.Itoa(userID)))

	slog.Info("user restricted", "user_id", userID, "reason", reason)
	return nil
}

// GetReplay authenticates the viewer and returns the replay of scoreID.
// Watching someone else's replay counts towards the owner's replays-watched
// stat. A missing replay returns a *types.NotFoundError.
func (s *Service) GetReplay(ctx context.Context, username, passwordMD5 string, scoreID int64) ([]byte, error) {
	viewer, err := s.Authenticate(ctx, username, passwordMD5)
	if err != nil {
		return nil, err
	}

	owner, err := s.store.ScoreOwner(ctx, scoreID)
	switch {
	case err == nil && owner.UserID != viewer:
		if err := s.store.IncrementReplaysWatched(ctx, owner.UserID, owner.Mode); err != nil {
			slog.Warn("scoring: replay view not counted", "score_id", scoreID, "user_id", owner.UserID, "error", err)
		} else {
			s.registry.Stats.Evict(owner.UserID)
		}
	case err != nil && !errors.Is(err, types.ErrNotFound):
		return nil, types.E(types.KindPersistenceFailure, "scoring.GetReplay", err)
	}

	data, err := s.replays.Fetch(ctx, scoreID)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return nil, err
		}
		s.metrics.RecordUpstreamError(replay.Upstream)
		return nil, types.E(types.KindUpstreamUnavailable, "scoring.GetReplay", err)
	}
	return data, nil
}

// UserInfo is the cached view of one account.
type UserInfo struct {
	UserID     int              `json:"user_id"`
	Privileges types.Privileges `json:"privileges"`
	Restricted bool             `json:"restricted"`
	Country    string           `json:"country"`
	ClanTag    string           `json:"clan_tag,omitempty"`
	Whitelist  []string         `json:"whitelist,omitempty"`
	Friends    []int            `json:"friends,omitempty"`
}

// UserInfo returns the cached lookup fields of userID.
func (s *Service) UserInfo(ctx context.Context, userID int) (UserInfo, error) {
	privs, err := s.registry.Privileges.Load(ctx, userID)
	if err != nil {
		return UserInfo{}, fmt.Errorf("scoring: user info %d: %w", userID, err)
	}
	info := UserInfo{
		UserID:     userID,
		Privileges: privs,
		Restricted: privs.Restricted(),
		Country:    s.registry.Country(ctx, userID),
	}
	if tag, err := s.registry.ClanTags.Load(ctx, userID); err == nil {
		info.ClanTag = tag
	}
	for _, cat := range types.AllCategories {
		if s.registry.Whitelisted(ctx, userID, cat) {
			info.Whitelist = append(info.Whitelist, cat.String())
		}
	}
	if friends, err := s.registry.Friends.Load(ctx, userID); err == nil {
		info.Friends = friends
	}
	return info, nil
}
