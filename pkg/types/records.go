package types

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"time"
)

// BeatmapInfo is the persisted description of one beatmap difficulty.
type BeatmapInfo struct {
	ID          int       `json:"id"`
	SetID       int       `json:"set_id"`
	MD5         string    `json:"md5"`
	Status      Status    `json:"status"`
	SongName    string    `json:"song_name"`
	Rating      float64   `json:"rating"`
	LastChecked time.Time `json:"last_checked"`
	Frozen      bool      `json:"frozen"`
	Playcount   int       `json:"playcount"`
	Passcount   int       `json:"passcount"`
}

// URL is the public beatmap page.
func (b *BeatmapInfo) URL() string {
	return fmt.Sprintf("https://osu.ppy.sh/beatmapsets/%d#osu/%d", b.SetID, b.ID)
}

// Embed renders the beatmap as an in-game chat link.
func (b *BeatmapInfo) Embed() string {
	return fmt.Sprintf("[%s %s]", b.URL(), b.SongName)
}

// Score is one persisted play.
type Score struct {
	ID          int64            `json:"id"`
	UserID      int              `json:"user_id"`
	Username    string           `json:"username"`
	Country     string           `json:"country,omitempty"`
	BeatmapMD5  string           `json:"beatmap_md5"`
	Mode        Mode             `json:"mode"`
	Mods        Mods             `json:"mods"`
	Score       int64            `json:"score"`
	MaxCombo    int              `json:"max_combo"`
	FullCombo   bool             `json:"full_combo"`
	Grade       string           `json:"grade"`
	N300        int              `json:"n300"`
	N100        int              `json:"n100"`
	N50         int              `json:"n50"`
	Geki        int              `json:"geki"`
	Katu        int              `json:"katu"`
	Miss        int              `json:"miss"`
	Accuracy    float64          `json:"accuracy"`
	PP          float64          `json:"pp"`
	SubmittedAt time.Time        `json:"submitted_at"`
	Completed   CompletionStatus `json:"completed"`
	Checksum    string           `json:"checksum"`
}

// Hits is the number of successfully hit objects counted towards total hits.
func (s *Score) Hits() int { return s.N300 + s.N100 + s.N50 }

// Accuracy computes the accuracy percentage for the given game mode's judgement counts.
func Accuracy(mode Mode, n300, n100, n50, geki, katu, miss int) float64 {
	switch mode.Int() {
	case 0:
		hits := n300 + n100 + n50 + miss
		if hits == 0 {
			return 0
		}
		return 100 * (float64(n50)*50 + float64(n100)*100 + float64(n300)*300) / (float64(hits) * 300)
	case 1:
		hits := n300 + n100 + miss
		if hits == 0 {
			return 0
		}
		return 100 * (float64(n100)*0.5 + float64(n300)) / float64(hits)
	case 2:
		hits := n300 + n100 + n50 + katu + miss
		if hits == 0 {
			return 0
		}
		return 100 * float64(n300+n100+n50) / float64(hits)
	default:
		hits := n300 + n100 + n50 + geki + katu + miss
		if hits == 0 {
			return 0
		}
		return 100 * (float64(n50)*50 + float64(n100)*100 + float64(katu)*200 + float64(n300+geki)*300) / (float64(hits) * 300)
	}
}

// DecayFloor is the lowest pp value inside a full top-pp window and its 1-based rank.
type DecayFloor struct {
	PP   float64 `json:"pp"`
	Rank int     `json:"rank"`
}

// Stats is a user's aggregate for one mode.
type Stats struct {
	UserID         int     `json:"user_id"`
	Mode           Mode    `json:"mode"`
	RankedScore    int64   `json:"ranked_score"`
	TotalScore     int64   `json:"total_score"`
	PP             float64 `json:"pp"`
	Accuracy       float64 `json:"accuracy"`
	Playcount      int     `json:"playcount"`
	TotalHits      int     `json:"total_hits"`
	MaxCombo       int     `json:"max_combo"`
	ReplaysWatched int     `json:"replays_watched"`
	Rank           int     `json:"rank"`

	// Floor short-circuits pp recalculation; nil until a full window was seen.
	Floor *DecayFloor `json:"-"`
}

// Credentials are the stored login fields for one account.
type Credentials struct {
	UserID       int
	Username     string
	PasswordHash string // bcrypt of the client's password md5
}

// Submission is a decoded score submission as handed over by the protocol layer.
type Submission struct {
	Username       string    `json:"username"`
	PasswordMD5    string    `json:"password_md5"`
	BeatmapMD5     string    `json:"beatmap_md5"`
	ClientChecksum string    `json:"client_checksum"`
	GameMode       int       `json:"game_mode"`
	Mods           Mods      `json:"mods"`
	Score          int64     `json:"score"`
	MaxCombo       int       `json:"max_combo"`
	FullCombo      bool      `json:"full_combo"`
	Grade          string    `json:"grade"`
	N300           int       `json:"n300"`
	N100           int       `json:"n100"`
	N50            int       `json:"n50"`
	Geki           int       `json:"geki"`
	Katu           int       `json:"katu"`
	Miss           int       `json:"miss"`
	Passed         bool      `json:"passed"`
	Quit           bool      `json:"quit"`
	Replay         []byte    `json:"replay,omitempty"`
	HasToken       bool      `json:"has_token"`
	UserAgent      string    `json:"user_agent"`
	SubmittedAt    time.Time `json:"submitted_at"`
}

// Validate checks the submission for structurally impossible values.
func (s *Submission) Validate() error {
	switch {
	case s.Username == "":
		return fmt.Errorf("username is required")
	case len(s.BeatmapMD5) != 32:
		return fmt.Errorf("beatmap md5 %q is malformed", s.BeatmapMD5)
	case s.GameMode < 0 || s.GameMode > 3:
		return fmt.Errorf("game mode %d out of range", s.GameMode)
	case s.Score < 0 || s.MaxCombo < 0:
		return fmt.Errorf("negative score or combo")
	case s.N300 < 0 || s.N100 < 0 || s.N50 < 0 || s.Geki < 0 || s.Katu < 0 || s.Miss < 0:
		return fmt.Errorf("negative judgement count")
	}
	return nil
}

// Checksum is the content fingerprint used for duplicate detection.
func (s *Submission) Checksum() string {
	raw := fmt.Sprintf("%s|%s|%s|%d|%d|%d|%d|%d|%d|%d|%d|%d|%d|%t|%t|%s",
		s.ClientChecksum, s.BeatmapMD5, SafeName(s.Username), s.GameMode, s.Mods,
		s.Score, s.MaxCombo, s.N300, s.N100, s.N50, s.Geki, s.Katu, s.Miss,
		s.Passed, s.FullCombo, s.Grade)
	sum := md5.Sum([]byte(raw))
	return hex.EncodeToString(sum[:])
}
