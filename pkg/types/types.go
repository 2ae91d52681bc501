// Package types holds the shared domain vocabulary of scorekeeper: game modes,
// beatmap approval states, completion codes, privilege bits and the named
// records that flow between the store, the caches and the scoring service.
package types

import "fmt"

// Mode is a gameplay mode combined with its scoring category.
type Mode int

const (
	VanillaStandard Mode = iota
	VanillaTaiko
	VanillaCatch
	VanillaMania
	RelaxStandard
	RelaxTaiko
	RelaxCatch
	AutopilotStandard
)

// AllModes lists every valid Mode in ascending order.
var AllModes = []Mode{
	VanillaStandard, VanillaTaiko, VanillaCatch, VanillaMania,
	RelaxStandard, RelaxTaiko, RelaxCatch, AutopilotStandard,
}

var modeNames = [...]string{
	"vn!std", "vn!taiko", "vn!catch", "vn!mania",
	"rx!std", "rx!taiko", "rx!catch", "ap!std",
}

var gameNames = [...]string{"std", "taiko", "ctb", "mania"}

var announcePrefixes = [...]string{"osu!", "Taiko", "Catch", "Mania"}

// FromWire derives the Mode from the client's game mode (0-3) and mod bitmask.
// Mania has no relax variant; autopilot only exists for standard.
func FromWire(gameMode int, mods Mods) (Mode, error) {
	if gameMode < 0 || gameMode > 3 {
		return 0, fmt.Errorf("invalid game mode %d", gameMode)
	}
	switch {
	case gameMode == 3:
		return VanillaMania, nil
	case gameMode == 0 && mods.Has(ModAutopilot):
		return AutopilotStandard, nil
	case mods.Has(ModRelax):
		return Mode(gameMode + 4), nil
	}
	return Mode(gameMode), nil
}

// Valid reports whether m is one of the eight known modes.
func (m Mode) Valid() bool { return m >= VanillaStandard && m <= AutopilotStandard }

// Int returns the client game mode (0 standard, 1 taiko, 2 catch, 3 mania).
func (m Mode) Int() int {
	switch {
	case m == AutopilotStandard:
		return 0
	case m > VanillaMania:
		return int(m) - 4
	}
	return int(m)
}

// Category returns the scoring category of m.
func (m Mode) Category() Category {
	switch {
	case m == AutopilotStandard:
		return CategoryAutopilot
	case m > VanillaMania:
		return CategoryRelax
	}
	return CategoryVanilla
}

// Relax reports whether m is a relax mode.
func (m Mode) Relax() bool { return m.Category() == CategoryRelax }

// Metric returns the ranking metric used to order leaderboards for m.
func (m Mode) Metric() Metric { return m.Category().Metric() }

// GameName returns the short name used in ranking-store keys.
func (m Mode) GameName() string { return gameNames[m.Int()] }

// AnnouncePrefix returns the display name used in first-place announcements.
func (m Mode) AnnouncePrefix() string { return announcePrefixes[m.Int()] }

func (m Mode) String() string {
	if !m.Valid() {
		return fmt.Sprintf("mode(%d)", int(m))
	}
	return modeNames[m]
}

// Category groups modes sharing a ranking metric, score table and ranking board.
type Category int

const (
	CategoryVanilla Category = iota
	CategoryRelax
	CategoryAutopilot
)

// AllCategories lists every Category.
var AllCategories = []Category{CategoryVanilla, CategoryRelax, CategoryAutopilot}

// Metric returns pp for relax and autopilot, raw score for vanilla.
func (c Category) Metric() Metric {
	if c == CategoryVanilla {
		return MetricScore
	}
	return MetricPP
}

// ScoresTable is the per-category score table name.
func (c Category) ScoresTable() string {
	switch c {
	case CategoryRelax:
		return "scores_relax"
	case CategoryAutopilot:
		return "scores_ap"
	}
	return "scores"
}

// StatsTable is the per-category stats table name.
func (c Category) StatsTable() string {
	switch c {
	case CategoryRelax:
		return "rx_stats"
	case CategoryAutopilot:
		return "ap_stats"
	}
	return "users_stats"
}

// Board is the ranking-store board name for the category.
func (c Category) Board() string {
	switch c {
	case CategoryRelax:
		return "relaxboard"
	case CategoryAutopilot:
		return "autoboard"
	}
	return "leaderboard"
}

// Tag is the single-letter label used in announcements.
func (c Category) Tag() string {
	switch c {
	case CategoryRelax:
		return "R"
	case CategoryAutopilot:
		return "A"
	}
	return "V"
}

func (c Category) String() string {
	switch c {
	case CategoryRelax:
		return "relax"
	case CategoryAutopilot:
		return "autopilot"
	}
	return "vanilla"
}

// Metric selects the Score field that orders a leaderboard.
type Metric int

const (
	MetricScore Metric = iota
	MetricPP
)

// Value extracts the metric from s.
func (m Metric) Value(s *Score) float64 {
	if m == MetricPP {
		return s.PP
	}
	return float64(s.Score)
}

func (m Metric) String() string {
	if m == MetricPP {
		return "pp"
	}
	return "score"
}

// Status is a beatmap approval state.
type Status int

const (
	StatusGraveyard       Status = -2
	StatusNotSubmitted    Status = -1
	StatusPending         Status = 0
	StatusUpdateAvailable Status = 1
	StatusRanked          Status = 2
	StatusApproved        Status = 3
	StatusQualified       Status = 4
	StatusLoved           Status = 5
)

// StatusFromAPI converts the metadata service's "approved" value.
func StatusFromAPI(approved int) Status {
	if approved <= 0 {
		return StatusPending
	}
	return Status(approved + 1)
}

// HasLeaderboard reports whether scores on the beatmap are ranked against each other.
func (s Status) HasLeaderboard() bool { return s >= StatusRanked }

// GivesPP reports whether plays on the beatmap award performance points.
func (s Status) GivesPP() bool { return s.HasLeaderboard() && s != StatusLoved }

// RankingEligible reports whether the beatmap counts towards ranked score and pp totals.
func (s Status) RankingEligible() bool { return s == StatusRanked || s == StatusApproved }

func (s Status) String() string {
	switch s {
	case StatusGraveyard:
		return "graveyard"
	case StatusNotSubmitted:
		return "not_submitted"
	case StatusPending:
		return "pending"
	case StatusUpdateAvailable:
		return "update_available"
	case StatusRanked:
		return "ranked"
	case StatusApproved:
		return "approved"
	case StatusQualified:
		return "qualified"
	case StatusLoved:
		return "loved"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// CompletionStatus classifies a persisted score row.
type CompletionStatus int

const (
	CompletionQuit   CompletionStatus = 0 // incomplete
	CompletionFailed CompletionStatus = 1
	CompletionPassed CompletionStatus = 2 // passed, not a personal best
	CompletionBest   CompletionStatus = 3
)

// LeaderboardType is the leaderboard view requested by the client.
type LeaderboardType int

const (
	LeaderboardLocal LeaderboardType = iota
	LeaderboardTop
	LeaderboardMod
	LeaderboardFriends
	LeaderboardCountry
)

// Provenance records which source satisfied a lookup.
type Provenance int

const (
	ProvenanceNone Provenance = iota
	ProvenanceCache
	ProvenanceStore
	ProvenanceExternal
)

func (p Provenance) String() string {
	switch p {
	case ProvenanceCache:
		return "cache"
	case ProvenanceStore:
		return "store"
	case ProvenanceExternal:
		return "external"
	}
	return "none"
}

// MarshalText encodes p by name.
func (p Provenance) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// UnmarshalText decodes a name written by MarshalText. Unknown names decode
// as ProvenanceNone.
func (p *Provenance) UnmarshalText(b []byte) error {
	switch string(b) {
	case "cache":
		*p = ProvenanceCache
	case "store":
		*p = ProvenanceStore
	case "external":
		*p = ProvenanceExternal
	default:
		*p = ProvenanceNone
	}
	return nil
}

// Mods is the client mod bitmask.
type Mods uint32

const (
	ModNoFail     Mods = 1 << 0
	ModEasy       Mods = 1 << 1
	ModHidden     Mods = 1 << 3
	ModHardRock   Mods = 1 << 4
	ModDoubleTime Mods = 1 << 6
	ModRelax      Mods = 1 << 7
	ModFlashlight Mods = 1 << 10
	ModAutoplay   Mods = 1 << 11
	ModAutopilot  Mods = 1 << 13
	ModTarget     Mods = 1 << 23
	ModScoreV2    Mods = 1 << 29

	// DefaultDisallowedMods is the set of mods that never produce a ranked score.
	DefaultDisallowedMods = ModScoreV2 | ModAutoplay | ModTarget | ModAutopilot
)

// Has reports whether every bit of o is set in m.
func (m Mods) Has(o Mods) bool { return m&o == o }

// Intersects reports whether m shares any bit with o.
func (m Mods) Intersects(o Mods) bool { return m&o != 0 }

// Privileges is the account privilege bitmask.
type Privileges int64

const (
	PrivUserPublic Privileges = 1 << 0
	PrivUserNormal Privileges = 1 << 1
	PrivDonor      Privileges = 1 << 2
	PrivPremium    Privileges = 1 << 23
)

// Restricted reports whether the account is hidden from public rankings.
func (p Privileges) Restricted() bool { return p&PrivUserPublic == 0 }

// Whitelist bits.
const (
	WhitelistVanilla = 1 << 0
	WhitelistRelax   = 1 << 1
)

// Score ids are partitioned by category so a bare id identifies its table.
const (
	RelaxScoreIDBase     int64 = 1
	VanillaScoreIDBase   int64 = 500_000_000
	AutopilotScoreIDBase int64 = 1_000_000_000
)

// ScoreIDBase is the first id assigned in the category's score table.
func (c Category) ScoreIDBase() int64 {
	switch c {
	case CategoryRelax:
		return RelaxScoreIDBase
	case CategoryAutopilot:
		return AutopilotScoreIDBase
	}
	return VanillaScoreIDBase
}

// ScoreCategory returns the category whose table holds score id.
func ScoreCategory(id int64) Category {
	switch {
	case id < VanillaScoreIDBase:
		return CategoryRelax
	case id < AutopilotScoreIDBase:
		return CategoryVanilla
	}
	return CategoryAutopilot
}
