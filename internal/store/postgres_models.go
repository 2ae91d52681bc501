package store

import (
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/scttfrdmn/scorekeeper/pkg/types"
)

type userModel struct {
	ID           int        `gorm:"column:id;primaryKey;autoIncrement:false"`
	Username     string     `gorm:"column:username"`
	UsernameSafe string     `gorm:"column:username_safe"`
	PasswordHash string     `gorm:"column:password_hash"`
	Privileges   int64      `gorm:"column:privileges"`
	Country      string     `gorm:"column:country"`
	Whitelist    int        `gorm:"column:whitelist"`
	Notes        string     `gorm:"column:notes"`
	BanDatetime  *time.Time `gorm:"column:ban_datetime"`
}

func (userModel) TableName() string { return "users" }

type clanModel struct {
	ID  int    `gorm:"column:id;primaryKey"`
	Tag string `gorm:"column:tag"`
}

func (clanModel) TableName() string { return "clans" }

type userClanModel struct {
	UserID int `gorm:"column:user_id;primaryKey;autoIncrement:false"`
	ClanID int `gorm:"column:clan_id"`
}

func (userClanModel) TableName() string { return "user_clans" }

type relationshipModel struct {
	User1 int `gorm:"column:user1;primaryKey;autoIncrement:false"`
	User2 int `gorm:"column:user2;primaryKey;autoIncrement:false"`
}

func (relationshipModel) TableName() string { return "users_relationships" }

type auditModel struct {
	ID       int64     `gorm:"column:id;primaryKey"`
	UserID   int       `gorm:"column:userid"`
	Text     string    `gorm:"column:text"`
	Datetime time.Time `gorm:"column:datetime"`
	Through  string    `gorm:"column:through"`
}

func (auditModel) TableName() string { return "rap_logs" }

type beatmapModel struct {
	BeatmapID   int       `gorm:"column:beatmap_id;primaryKey;autoIncrement:false"`
	SetID       int       `gorm:"column:beatmapset_id"`
	MD5         string    `gorm:"column:beatmap_md5"`
	Ranked      int       `gorm:"column:ranked"`
	SongName    string    `gorm:"column:song_name"`
	Rating      float64   `gorm:"column:rating"`
	LastChecked time.Time `gorm:"column:latest_update"`
	Frozen      bool      `gorm:"column:ranked_status_freezed"`
	Playcount   int       `gorm:"column:playcount"`
	Passcount   int       `gorm:"column:passcount"`
}

func (beatmapModel) TableName() string { return "beatmaps" }

// scoreModel maps a row of any of the per-category score tables; callers pick
// the table with db.Table.
type scoreModel struct {
	ID         int64     `gorm:"column:id;primaryKey"`
	BeatmapMD5 string    `gorm:"column:beatmap_md5"`
	UserID     int       `gorm:"column:userid"`
	Score      int64     `gorm:"column:score"`
	MaxCombo   int       `gorm:"column:max_combo"`
	FullCombo  bool      `gorm:"column:full_combo"`
	Mods       int64     `gorm:"column:mods"`
	N300       int       `gorm:"column:count_300"`
	N100       int       `gorm:"column:count_100"`
	N50        int       `gorm:"column:count_50"`
	Geki       int       `gorm:"column:count_geki"`
	Katu       int       `gorm:"column:count_katu"`
	Miss       int       `gorm:"column:count_miss"`
	Grade      string    `gorm:"column:grade"`
	Time       time.Time `gorm:"column:time"`
	PlayMode   int       `gorm:"column:play_mode"`
	Completed  int       `gorm:"column:completed"`
	Accuracy   float64   `gorm:"column:accuracy"`
	PP         float64   `gorm:"column:pp"`
	Checksum   string    `gorm:"column:checksum"`

	// Filled by joins only.
	Username string `gorm:"column:username;->"`
	Country  string `gorm:"column:country;->"`
}

type statsModel struct {
	UserID         int     `gorm:"column:id;primaryKey;autoIncrement:false"`
	Mode           int     `gorm:"column:mode;primaryKey;autoIncrement:false"`
	RankedScore    int64   `gorm:"column:ranked_score"`
	TotalScore     int64   `gorm:"column:total_score"`
	PP             float64 `gorm:"column:pp"`
	Accuracy       float64 `gorm:"column:avg_accuracy"`
	Playcount      int     `gorm:"column:playcount"`
	TotalHits      int     `gorm:"column:total_hits"`
	MaxCombo       int     `gorm:"column:max_combo"`
	ReplaysWatched int     `gorm:"column:replays_watched"`
}

type firstPlaceModel struct {
	BeatmapMD5 string    `gorm:"column:beatmap_md5;primaryKey"`
	Mode       int       `gorm:"column:mode;primaryKey;autoIncrement:false"`
	Rx         int       `gorm:"column:rx;primaryKey;autoIncrement:false"`
	ScoreID    int64     `gorm:"column:scoreid"`
	UserID     int       `gorm:"column:userid"`
	Score      int64     `gorm:"column:score"`
	PP         float64   `gorm:"column:pp"`
	Timestamp  time.Time `gorm:"column:timestamp"`
}

func (firstPlaceModel) TableName() string { return "scores_first" }

// ── Mappers ───────────────────────────────────────────────────────────────────

// modeOf rebuilds the Mode of a row from its table's category and play_mode.
func modeOf(cat types.Category, gameMode int) types.Mode {
	switch cat {
	case types.CategoryAutopilot:
		return types.AutopilotStandard
	case types.CategoryRelax:
		if gameMode < 3 {
			return types.Mode(gameMode + 4)
		}
	}
	return types.Mode(gameMode)
}

func toDomainBeatmap(m beatmapModel) types.BeatmapInfo {
	return types.BeatmapInfo{
		ID:          m.BeatmapID,
		SetID:       m.SetID,
		MD5:         m.MD5,
		Status:      types.Status(m.Ranked),
		SongName:    m.SongName,
		Rating:      m.Rating,
		LastChecked: m.LastChecked,
		Frozen:      m.Frozen,
		Playcount:   m.Playcount,
		Passcount:   m.Passcount,
	}
}

func fromDomainBeatmap(b types.BeatmapInfo) beatmapModel {
	return beatmapModel{
		BeatmapID:   b.ID,
		SetID:       b.SetID,
		MD5:         b.MD5,
		Ranked:      int(b.Status),
		SongName:    b.SongName,
		Rating:      b.Rating,
		LastChecked: b.LastChecked,
		Frozen:      b.Frozen,
		Playcount:   b.Playcount,
		Passcount:   b.Passcount,
	}
}

func toDomainScore(cat types.Category, m scoreModel) types.Score {
	return types.Score{
		ID:          m.ID,
		UserID:      m.UserID,
		Username:    m.Username,
		Country:     m.Country,
		BeatmapMD5:  m.BeatmapMD5,
		Mode:        modeOf(cat, m.PlayMode),
		Mods:        types.Mods(m.Mods),
		Score:       m.Score,
		MaxCombo:    m.MaxCombo,
		FullCombo:   m.FullCombo,
		Grade:       m.Grade,
		N300:        m.N300,
		N100:        m.N100,
		N50:         m.N50,
		Geki:        m.Geki,
		Katu:        m.Katu,
		Miss:        m.Miss,
		Accuracy:    m.Accuracy,
		PP:          m.PP,
		SubmittedAt: m.Time,
		Completed:   types.CompletionStatus(m.Completed),
		Checksum:    m.Checksum,
	}
}

func fromDomainScore(s types.Score) scoreModel {
	return scoreModel{
		BeatmapMD5: s.BeatmapMD5,
		UserID:     s.UserID,
		Score:      s.Score,
		MaxCombo:   s.MaxCombo,
		FullCombo:  s.FullCombo,
		Mods:       int64(s.Mods),
		N300:       s.N300,
		N100:       s.N100,
		N50:        s.N50,
		Geki:       s.Geki,
		Katu:       s.Katu,
		Miss:       s.Miss,
		Grade:      s.Grade,
		Time:       s.SubmittedAt,
		PlayMode:   s.Mode.Int(),
		Completed:  int(s.Completed),
		Accuracy:   s.Accuracy,
		PP:         s.PP,
		Checksum:   s.Checksum,
	}
}

func toDomainStats(cat types.Category, m statsModel) types.Stats {
	return types.Stats{
		UserID:         m.UserID,
		Mode:           modeOf(cat, m.Mode),
		RankedScore:    m.RankedScore,
		TotalScore:     m.TotalScore,
		PP:             m.PP,
		Accuracy:       m.Accuracy,
		Playcount:      m.Playcount,
		TotalHits:      m.TotalHits,
		MaxCombo:       m.MaxCombo,
		ReplaysWatched: m.ReplaysWatched,
	}
}

func fromDomainStats(st types.Stats) statsModel {
	return statsModel{
		UserID:         st.UserID,
		Mode:           st.Mode.Int(),
		RankedScore:    st.RankedScore,
		TotalScore:     st.TotalScore,
		PP:             st.PP,
		Accuracy:       st.Accuracy,
		Playcount:      st.Playcount,
		TotalHits:      st.TotalHits,
		MaxCombo:       st.MaxCombo,
		ReplaysWatched: st.ReplaysWatched,
	}
}

func isUniqueViolation(err error) bool {
	return errors.Is(err, gorm.ErrDuplicatedKey)
}

// notFound converts gorm.ErrRecordNotFound into a *types.NotFoundError.
func notFound(err error, entity string, id any) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return types.NotFound(entity, id)
	}
	return err
}
