// Package store defines the authoritative relational store behind the score
// server and provides two implementations: MemoryStore for tests and single
// process deployments, and PostgresStore backed by gorm.
//
// Rows are mapped to named records (types.Score, types.BeatmapInfo,
// types.Stats, ...) at this boundary; nothing above the store sees raw rows.
// Lookups that find no row return a *types.NotFoundError carrying the entity
// identifier.
package store

import (
	"context"
	"time"

	"github.com/scttfrdmn/scorekeeper/pkg/types"
)

// UserRecord is the seedable account row.
type UserRecord struct {
	ID           int
	Username     string
	PasswordHash string // bcrypt of the password md5
	Privileges   types.Privileges
	Country      string
	Whitelist    int
}

// FirstPlace marks the rank-1 score of a beatmap for one game mode and category.
type FirstPlace struct {
	BeatmapMD5 string
	GameMode   int
	Category   types.Category
	ScoreID    int64
	UserID     int
	Score      int64
	PP         float64
	At         time.Time
}

// ScoreRef identifies the owner of a persisted score.
type ScoreRef struct {
	ScoreID int64
	UserID  int
	Mode    types.Mode
}

// AuditEntry is one administrative log line.
type AuditEntry struct {
	UserID  int
	Text    string
	At      time.Time
	Through string
}

// UserStore covers accounts and their denormalised lookup fields.
type UserStore interface {
	CreateUser(ctx context.Context, u UserRecord) error
	Credentials(ctx context.Context, safeName string) (types.Credentials, error)
	Privileges(ctx context.Context, userID int) (types.Privileges, error)
	AllPrivileges(ctx context.Context) (map[int]types.Privileges, error)
	Country(ctx context.Context, userID int) (string, error)
	AllCountries(ctx context.Context) (map[int]string, error)
	ClanTag(ctx context.Context, userID int) (string, error)
	AllClanTags(ctx context.Context) (map[int]string, error)
	SetClanTag(ctx context.Context, userID int, tag string) error
	Whitelist(ctx context.Context, userID int) (int, error)
	AllWhitelists(ctx context.Context) (map[int]int, error)
	Friends(ctx context.Context, userID int) ([]int, error)
	AllFriends(ctx context.Context) (map[int][]int, error)
	AddFriend(ctx context.Context, userID, friendID int) error

	// Restrict clears the public privilege bit, appends note to the account
	// notes and writes an audit entry, returning the new privileges.
	Restrict(ctx context.Context, userID int, note string, at time.Time) (types.Privileges, error)
	AuditLog(ctx context.Context, userID int) ([]AuditEntry, error)
}

// BeatmapStore covers beatmap metadata.
type BeatmapStore interface {
	BeatmapByMD5(ctx context.Context, md5 string) (types.BeatmapInfo, error)
	// SaveBeatmap inserts or wholesale replaces the beatmap with the same id.
	SaveBeatmap(ctx context.Context, b types.BeatmapInfo) error
	BeatmapExistsBySongName(ctx context.Context, songName string) (bool, error)
	IncrementBeatmapCounts(ctx context.Context, md5 string, plays, passes int) error
}

// ScoreStore covers the per-category score tables.
type ScoreStore interface {
	// BestScores returns every completion-status-best row for the beatmap and
	// mode in row (id) order, with the owner's username and country filled.
	BestScores(ctx context.Context, md5 string, mode types.Mode) ([]types.Score, error)
	ScoreExists(ctx context.Context, mode types.Mode, checksum string) (bool, error)

	// InsertScore persists s and, when demoteID is non-zero, demotes that row
	// to CompletionPassed in the same transaction. It returns the new id.
	// A checksum collision yields a KindDuplicateSubmission error.
	InsertScore(ctx context.Context, s types.Score, demoteID int64) (int64, error)
	ScoreOwner(ctx context.Context, scoreID int64) (ScoreRef, error)

	ReplaceFirstPlace(ctx context.Context, fp FirstPlace) error
	FirstPlace(ctx context.Context, md5 string, gameMode int, cat types.Category) (FirstPlace, error)

	// TopPP returns the user's best pp values on ranking-eligible beatmaps,
	// descending, at most limit.
	TopPP(ctx context.Context, userID int, mode types.Mode, limit int) ([]float64, error)
	// TopAccuracies returns the accuracies of all the user's best rows ordered
	// by the mode's ranking metric, at most limit. Beatmap status is ignored.
	TopAccuracies(ctx context.Context, userID int, mode types.Mode, limit int) ([]float64, error)
}

// StatsStore covers the per-category stats tables.
type StatsStore interface {
	Stats(ctx context.Context, userID int, mode types.Mode) (types.Stats, error)
	SaveStats(ctx context.Context, st types.Stats) error
	IncrementReplaysWatched(ctx context.Context, userID int, mode types.Mode) error
}

// Store is the full authoritative store.
type Store interface {
	UserStore
	BeatmapStore
	ScoreStore
	StatsStore
	Close() error
}

const (
	// PPWindow is the number of top plays weighted into a user's pp.
	PPWindow = 125
	// AccuracyWindow is the number of top plays weighted into a user's accuracy.
	AccuracyWindow = 500
)

// restrictionNote formats one dated line appended to the account notes.
func restrictionNote(existing, reason string, at time.Time) string {
	return existing + "\n[" + at.UTC().Format("2006-01-02 15:04:05") + "] " + reason
}
