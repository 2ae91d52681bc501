package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/scttfrdmn/scorekeeper/pkg/types"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Connect opens and validates a Postgres-backed gorm connection pool.
func Connect(ctx context.Context, databaseURL string, maxConns int32) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(databaseURL), &gorm.Config{
		PrepareStmt:    true,
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("store: connect postgres: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("store: gorm sql db: %w", err)
	}
	if maxConns > 0 {
		sqlDB.SetMaxOpenConns(int(maxConns))
		sqlDB.SetMaxIdleConns(int(maxConns) / 2)
	}
	sqlDB.SetConnMaxIdleTime(15 * time.Minute)
	sqlDB.SetConnMaxLifetime(time.Hour)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("store: ping postgres: %w", err)
	}
	slog.Default().InfoContext(ctx, "postgres connected", "max_conns", maxConns)
	return db, nil
}

// RunMigrations applies the embedded SQL migrations in lexical order. Every
// migration is idempotent.
func RunMigrations(ctx context.Context, db *gorm.DB) error {
	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("store: read migrations dir: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		raw, err := migrationFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("store: read migration %s: %w", name, err)
		}
		if err := db.WithContext(ctx).Exec(string(raw)).Error; err != nil {
			return fmt.Errorf("store: exec migration %s: %w", name, err)
		}
		slog.Default().InfoContext(ctx, "migration applied", "migration", name)
	}
	return nil
}

// PostgresStore is a gorm-backed implementation of [Store].
type PostgresStore struct {
	db *gorm.DB
}

// NewPostgresStore wraps an open gorm connection.
func NewPostgresStore(db *gorm.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Close releases the underlying connection pool.
func (p *PostgresStore) Close() error {
	sqlDB, err := p.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (p *PostgresStore) takeUser(ctx context.Context, userID int) (userModel, error) {
	var u userModel
	err := p.db.WithContext(ctx).Where("id = ?", userID).Take(&u).Error
	if err != nil {
		return userModel{}, notFound(err, "user", userID)
	}
	return u, nil
}

// ── Users ─────────────────────────────────────────────────────────────────────

func (p *PostgresStore) CreateUser(ctx context.Context, u UserRecord) error {
	rec := userModel{
		ID:           u.ID,
		Username:     u.Username,
		UsernameSafe: types.SafeName(u.Username),
		PasswordHash: u.PasswordHash,
		Privileges:   int64(u.Privileges),
		Country:      u.Country,
		Whitelist:    u.Whitelist,
	}
	if err := p.db.WithContext(ctx).Create(&rec).Error; err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("store: user %d or name %q already exists: %w", u.ID, u.Username, err)
		}
		return fmt.Errorf("store: create user: %w", err)
	}
	return nil
}

func (p *PostgresStore) Credentials(ctx context.Context, safeName string) (types.Credentials, error) {
	var u userModel
	err := p.db.WithContext(ctx).Where("username_safe = ?", safeName).Take(&u).Error
	if err != nil {
		return types.Credentials{}, notFound(err, "user", safeName)
	}
	return types.Credentials{UserID: u.ID, Username: u.Username, PasswordHash: u.PasswordHash}, nil
}

func (p *PostgresStore) Privileges(ctx context.Context, userID int) (types.Privileges, error) {
	u, err := p.takeUser(ctx, userID)
	if err != nil {
		return 0, err
	}
	return types.Privileges(u.Privileges), nil
}

func (p *PostgresStore) AllPrivileges(ctx context.Context) (map[int]types.Privileges, error) {
	var rows []userModel
	if err := p.db.WithContext(ctx).Select("id", "privileges").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("store: all privileges: %w", err)
	}
	out := make(map[int]types.Privileges, len(rows))
	for _, r := range rows {
		out[r.ID] = types.Privileges(r.Privileges)
	}
	return out, nil
}

func (p *PostgresStore) Country(ctx context.Context, userID int) (string, error) {
	u, err := p.takeUser(ctx, userID)
	if err != nil {
		return "", err
	}
	return u.Country, nil
}

func (p *PostgresStore) AllCountries(ctx context.Context) (map[int]string, error) {
	var rows []userModel
	if err := p.db.WithContext(ctx).Select("id", "country").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("store: all countries: %w", err)
	}
	out := make(map[int]string, len(rows))
	for _, r := range rows {
		out[r.ID] = r.Country
	}
	return out, nil
}

type clanTagRow struct {
	UserID int    `gorm:"column:user_id"`
	Tag    string `gorm:"column:tag"`
}

func (p *PostgresStore) ClanTag(ctx context.Context, userID int) (string, error) {
	if _, err := p.takeUser(ctx, userID); err != nil {
		return "", err
	}
	var rows []clanTagRow
	err := p.db.WithContext(ctx).Table("user_clans uc").
		Select("uc.user_id, c.tag").
		Joins("JOIN clans c ON c.id = uc.clan_id").
		Where("uc.user_id = ?", userID).
		Scan(&rows).Error
	if err != nil {
		return "", fmt.Errorf("store: clan tag: %w", err)
	}
	if len(rows) == 0 {
		return "", nil
	}
	return rows[0].Tag, nil
}

func (p *PostgresStore) AllClanTags(ctx context.Context) (map[int]string, error) {
	var rows []clanTagRow
	err := p.db.WithContext(ctx).Table("user_clans uc").
		Select("uc.user_id, c.tag").
		Joins("JOIN clans c ON c.id = uc.clan_id").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("store: all clan tags: %w", err)
	}
	out := make(map[int]string, len(rows))
	for _, r := range rows {
		out[r.UserID] = r.Tag
	}
	return out, nil
}

func (p *PostgresStore) SetClanTag(ctx context.Context, userID int, tag string) error {
	if _, err := p.takeUser(ctx, userID); err != nil {
		return err
	}
	return p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		clan := clanModel{Tag: tag}
		if err := tx.Where(clanModel{Tag: tag}).FirstOrCreate(&clan).Error; err != nil {
			return fmt.Errorf("store: clan %q: %w", tag, err)
		}
		link := userClanModel{UserID: userID, ClanID: clan.ID}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"clan_id"}),
		}).Create(&link).Error
	})
}

func (p *PostgresStore) Whitelist(ctx context.Context, userID int) (int, error) {
	u, err := p.takeUser(ctx, userID)
	if err != nil {
		return 0, err
	}
	return u.Whitelist, nil
}

func (p *PostgresStore) AllWhitelists(ctx context.Context) (map[int]int, error) {
	var rows []userModel
	if err := p.db.WithContext(ctx).Select("id", "whitelist").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("store: all whitelists: %w", err)
	}
	out := make(map[int]int, len(rows))
	for _, r := range rows {
		out[r.ID] = r.Whitelist
	}
	return out, nil
}

func (p *PostgresStore) Friends(ctx context.Context, userID int) ([]int, error) {
	if _, err := p.takeUser(ctx, userID); err != nil {
		return nil, err
	}
	var ids []int
	err := p.db.WithContext(ctx).Model(&relationshipModel{}).
		Where("user1 = ?", userID).Order("user2").Pluck("user2", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("store: friends: %w", err)
	}
	if ids == nil {
		ids = []int{}
	}
	return ids, nil
}

func (p *PostgresStore) AllFriends(ctx context.Context) (map[int][]int, error) {
	var rows []relationshipModel
	if err := p.db.WithContext(ctx).Order("user1, user2").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("store: all friends: %w", err)
	}
	out := make(map[int][]int)
	for _, r := range rows {
		out[r.User1] = append(out[r.User1], r.User2)
	}
	return out, nil
}

func (p *PostgresStore) AddFriend(ctx context.Context, userID, friendID int) error {
	for _, id := range []int{userID, friendID} {
		if _, err := p.takeUser(ctx, id); err != nil {
			return err
		}
	}
	rel := relationshipModel{User1: userID, User2: friendID}
	return p.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&rel).Error
}

func (p *PostgresStore) Restrict(ctx context.Context, userID int, note string, at time.Time) (types.Privileges, error) {
	var privs types.Privileges
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var u userModel
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", userID).Take(&u).Error
		if err != nil {
			return notFound(err, "user", userID)
		}
		privs = types.Privileges(u.Privileges) &^ types.PrivUserPublic
		err = tx.Model(&userModel{}).Where("id = ?", userID).Updates(map[string]any{
			"privileges":   int64(privs),
			"notes":        restrictionNote(u.Notes, note, at),
			"ban_datetime": at,
		}).Error
		if err != nil {
			return err
		}
		return tx.Create(&auditModel{UserID: userID, Text: note, Datetime: at, Through: "scorekeeper"}).Error
	})
	if err != nil {
		return 0, err
	}
	return privs, nil
}

func (p *PostgresStore) AuditLog(ctx context.Context, userID int) ([]AuditEntry, error) {
	var rows []auditModel
	if err := p.db.WithContext(ctx).Where("userid = ?", userID).Order("id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("store: audit log: %w", err)
	}
	out := make([]AuditEntry, len(rows))
	for i, r := range rows {
		out[i] = AuditEntry{UserID: r.UserID, Text: r.Text, At: r.Datetime, Through: r.Through}
	}
	return out, nil
}

// ── Beatmaps ──────────────────────────────────────────────────────────────────

func (p *PostgresStore) BeatmapByMD5(ctx context.Context, md5 string) (types.BeatmapInfo, error) {
	var m beatmapModel
	if err := p.db.WithContext(ctx).Where("beatmap_md5 = ?", md5).Take(&m).Error; err != nil {
		return types.BeatmapInfo{}, notFound(err, "beatmap", md5)
	}
	return toDomainBeatmap(m), nil
}

func (p *PostgresStore) SaveBeatmap(ctx context.Context, b types.BeatmapInfo) error {
	rec := fromDomainBeatmap(b)
	return p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("beatmap_id = ? OR beatmap_md5 = ?", b.ID, b.MD5).Delete(&beatmapModel{}).Error
		if err != nil {
			return fmt.Errorf("store: replace beatmap %d: %w", b.ID, err)
		}
		if err := tx.Create(&rec).Error; err != nil {
			return fmt.Errorf("store: save beatmap %d: %w", b.ID, err)
		}
		return nil
	})
}

func (p *PostgresStore) BeatmapExistsBySongName(ctx context.Context, songName string) (bool, error) {
	var n int64
	err := p.db.WithContext(ctx).Model(&beatmapModel{}).Where("song_name = ?", songName).Limit(1).Count(&n).Error
	if err != nil {
		return false, fmt.Errorf("store: beatmap by song name: %w", err)
	}
	return n > 0, nil
}

func (p *PostgresStore) IncrementBeatmapCounts(ctx context.Context, md5 string, plays, passes int) error {
	res := p.db.WithContext(ctx).Model(&beatmapModel{}).Where("beatmap_md5 = ?", md5).Updates(map[string]any{
		"playcount": gorm.Expr("playcount + ?", plays),
		"passcount": gorm.Expr("passcount + ?", passes),
	})
	if res.Error != nil {
		return fmt.Errorf("store: beatmap counters: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return types.NotFound("beatmap", md5)
	}
	return nil
}

// ── Scores ────────────────────────────────────────────────────────────────────

func (p *PostgresStore) BestScores(ctx context.Context, md5 string, mode types.Mode) ([]types.Score, error) {
	cat := mode.Category()
	var rows []scoreModel
	err := p.db.WithContext(ctx).Table(cat.ScoresTable()+" s").
		Select("s.*, u.username, u.country").
		Joins("JOIN users u ON u.id = s.userid").
		Where("s.beatmap_md5 = ? AND s.play_mode = ? AND s.completed = ?", md5, mode.Int(), int(types.CompletionBest)).
		Order("s.id").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("store: best scores: %w", err)
	}
	out := make([]types.Score, len(rows))
	for i, r := range rows {
		out[i] = toDomainScore(cat, r)
	}
	return out, nil
}

func (p *PostgresStore) ScoreExists(ctx context.Context, mode types.Mode, checksum string) (bool, error) {
	var n int64
	err := p.db.WithContext(ctx).Table(mode.Category().ScoresTable()).
		Where("checksum = ?", checksum).Limit(1).Count(&n).Error
	if err != nil {
		return false, fmt.Errorf("store: score exists: %w", err)
	}
	return n > 0, nil
}

func (p *PostgresStore) InsertScore(ctx context.Context, s types.Score, demoteID int64) (int64, error) {
	rec := fromDomainScore(s)
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Table(s.Mode.Category().ScoresTable()).Create(&rec).Error; err != nil {
			if isUniqueViolation(err) {
				return types.E(types.KindDuplicateSubmission, "store.InsertScore", err)
			}
			return err
		}
		if demoteID == 0 {
			return nil
		}
		res := tx.Table(types.ScoreCategory(demoteID).ScoresTable()).
			Where("id = ?", demoteID).
			Update("completed", int(types.CompletionPassed))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return types.NotFound("score", demoteID)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return rec.ID, nil
}

func (p *PostgresStore) ScoreOwner(ctx context.Context, scoreID int64) (ScoreRef, error) {
	cat := types.ScoreCategory(scoreID)
	var m scoreModel
	err := p.db.WithContext(ctx).Table(cat.ScoresTable()).
		Select("id", "userid", "play_mode").
		Where("id = ?", scoreID).Take(&m).Error
	if err != nil {
		return ScoreRef{}, notFound(err, "score", scoreID)
	}
	return ScoreRef{ScoreID: m.ID, UserID: m.UserID, Mode: modeOf(cat, m.PlayMode)}, nil
}

func (p *PostgresStore) ReplaceFirstPlace(ctx context.Context, fp FirstPlace) error {
	rec := firstPlaceModel{
		BeatmapMD5: fp.BeatmapMD5,
		Mode:       fp.GameMode,
		Rx:         int(fp.Category),
		ScoreID:    fp.ScoreID,
		UserID:     fp.UserID,
		Score:      fp.Score,
		PP:         fp.PP,
		Timestamp:  fp.At,
	}
	return p.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "beatmap_md5"}, {Name: "mode"}, {Name: "rx"}},
		UpdateAll: true,
	}).Create(&rec).Error
}

func (p *PostgresStore) FirstPlace(ctx context.Context, md5 string, gameMode int, cat types.Category) (FirstPlace, error) {
	var m firstPlaceModel
	err := p.db.WithContext(ctx).
		Where("beatmap_md5 = ? AND mode = ? AND rx = ?", md5, gameMode, int(cat)).
		Take(&m).Error
	if err != nil {
		return FirstPlace{}, notFound(err, "first_place", md5)
	}
	return FirstPlace{
		BeatmapMD5: m.BeatmapMD5,
		GameMode:   m.Mode,
		Category:   types.Category(m.Rx),
		ScoreID:    m.ScoreID,
		UserID:     m.UserID,
		Score:      m.Score,
		PP:         m.PP,
		At:         m.Timestamp,
	}, nil
}

// rankingRows scopes a query to the user's best rows on ranking-eligible beatmaps.
func (p *PostgresStore) rankingRows(ctx context.Context, userID int, mode types.Mode) *gorm.DB {
	return p.db.WithContext(ctx).Table(mode.Category().ScoresTable()+" s").
		Joins("JOIN beatmaps b ON b.beatmap_md5 = s.beatmap_md5").
		Where("s.userid = ? AND s.play_mode = ? AND s.completed = ?", userID, mode.Int(), int(types.CompletionBest)).
		Where("b.ranked IN ?", []int{int(types.StatusRanked), int(types.StatusApproved)})
}

// bestRows scopes a query to every best row of the user in mode.
func (p *PostgresStore) bestRows(ctx context.Context, userID int, mode types.Mode) *gorm.DB {
	return p.db.WithContext(ctx).Table(mode.Category().ScoresTable()+" s").
		Where("s.userid = ? AND s.play_mode = ? AND s.completed = ?", userID, mode.Int(), int(types.CompletionBest))
}

func (p *PostgresStore) TopPP(ctx context.Context, userID int, mode types.Mode, limit int) ([]float64, error) {
	var pps []float64
	err := p.rankingRows(ctx, userID, mode).
		Where("s.pp > 0").
		Order("s.pp DESC").
		Limit(limit).
		Pluck("s.pp", &pps).Error
	if err != nil {
		return nil, fmt.Errorf("store: top pp: %w", err)
	}
	return pps, nil
}

func (p *PostgresStore) TopAccuracies(ctx context.Context, userID int, mode types.Mode, limit int) ([]float64, error) {
	order := "s.score DESC, s.id"
	if mode.Metric() == types.MetricPP {
		order = "s.pp DESC, s.id"
	}
	var accs []float64
	err := p.bestRows(ctx, userID, mode).
		Order(order).
		Limit(limit).
		Pluck("s.accuracy", &accs).Error
	if err != nil {
		return nil, fmt.Errorf("store: top accuracies: %w", err)
	}
	return accs, nil
}

// ── Stats ─────────────────────────────────────────────────────────────────────

func (p *PostgresStore) Stats(ctx context.Context, userID int, mode types.Mode) (types.Stats, error) {
	cat := mode.Category()
	var m statsModel
	err := p.db.WithContext(ctx).Table(cat.StatsTable()).
		Where("id = ? AND mode = ?", userID, mode.Int()).
		Take(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		if _, uerr := p.takeUser(ctx, userID); uerr != nil {
			return types.Stats{}, uerr
		}
		return types.Stats{UserID: userID, Mode: mode}, nil
	}
	if err != nil {
		return types.Stats{}, fmt.Errorf("store: stats: %w", err)
	}
	return toDomainStats(cat, m), nil
}

func (p *PostgresStore) SaveStats(ctx context.Context, st types.Stats) error {
	rec := fromDomainStats(st)
	err := p.db.WithContext(ctx).Table(st.Mode.Category().StatsTable()).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}, {Name: "mode"}},
			UpdateAll: true,
		}).Create(&rec).Error
	if err != nil {
		return fmt.Errorf("store: save stats: %w", err)
	}
	return nil
}

func (p *PostgresStore) IncrementReplaysWatched(ctx context.Context, userID int, mode types.Mode) error {
	table := mode.Category().StatsTable()
	rec := statsModel{UserID: userID, Mode: mode.Int(), ReplaysWatched: 1}
	err := p.db.WithContext(ctx).Table(table).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "id"}, {Name: "mode"}},
			DoUpdates: clause.Set{{
				Column: clause.Column{Name: "replays_watched"},
				Value:  gorm.Expr(table + ".replays_watched + 1"),
			}},
		}).Create(&rec).Error
	if err != nil {
		return fmt.Errorf("store: replays watched: %w", err)
	}
	return nil
}
