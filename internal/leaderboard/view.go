package leaderboard

import (
	"strings"

	"github.com/scttfrdmn/scorekeeper/pkg/types"
)

// Display limits by account tier.
const (
	LimitDefault = 150
	LimitDonor   = 250
	LimitPremium = 500
)

// DisplayLimit returns how many entries the account may see.
func DisplayLimit(privs types.Privileges) int {
	switch {
	case privs&types.PrivPremium != 0:
		return LimitPremium
	case privs&types.PrivDonor != 0:
		return LimitDonor
	}
	return LimitDefault
}

// Filter selects the entries shown for one request.
type Filter struct {
	Type types.LeaderboardType
	// Mods is matched exactly for LeaderboardMod.
	Mods types.Mods
	// Country is matched case-insensitively for LeaderboardCountry.
	Country string
	// Friends is the viewer's friend set (including the viewer) for LeaderboardFriends.
	Friends []int
	// Visible hides entries of users it rejects, e.g. restricted accounts.
	// nil shows everyone.
	Visible func(userID int) bool
	// Limit caps the returned entries. 0 means no cap.
	Limit int
	// UserID selects the personal best reported in the view. 0 skips it.
	UserID int
}

// Entry is one displayed row with its rank inside the filtered list.
type Entry struct {
	Rank  int         `json:"rank"`
	Score types.Score `json:"score"`
}

// View is a filtered snapshot of a leaderboard.
type View struct {
	Entries []Entry `json:"entries"`
	// Total counts every entry passing the filter, ignoring Limit.
	Total int `json:"total"`
	// Personal is the requesting user's best under the same filter.
	Personal *Entry `json:"personal,omitempty"`
}

func (f *Filter) match(s *types.Score, friends map[int]bool) bool {
	if f.Visible != nil && !f.Visible(s.UserID) {
		return false
	}
	switch f.Type {
	case types.LeaderboardMod:
		return s.Mods == f.Mods
	case types.LeaderboardCountry:
		return strings.EqualFold(s.Country, f.Country)
	case types.LeaderboardFriends:
		return friends[s.UserID]
	}
	return true
}

// View applies f to the leaderboard without modifying it.
func (lb *Leaderboard) View(f Filter) View {
	var friends map[int]bool
	if f.Type == types.LeaderboardFriends {
		friends = make(map[int]bool, len(f.Friends))
		for _, id := range f.Friends {
			friends[id] = true
		}
	}

	lb.mu.RLock()
	defer lb.mu.RUnlock()

	var v View
	for _, s := range lb.scores {
		if !f.match(s, friends) {
			continue
		}
		v.Total++
		e := Entry{Rank: v.Total, Score: *s}
		if f.Limit <= 0 || len(v.Entries) < f.Limit {
			v.Entries = append(v.Entries, e)
		}
		if f.UserID != 0 && s.UserID == f.UserID {
			v.Personal = &e
		}
	}
	return v
}
