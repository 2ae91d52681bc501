package lookup

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/scttfrdmn/scorekeeper/internal/cache"
	"github.com/scttfrdmn/scorekeeper/internal/metrics"
	"github.com/scttfrdmn/scorekeeper/internal/ranking"
	"github.com/scttfrdmn/scorekeeper/internal/store"
	"github.com/scttfrdmn/scorekeeper/pkg/types"
)

// Source is the part of the store the registry reads.
type Source interface {
	store.UserStore
	StatsSource
}

// Config sizes the registry's caches.
type Config struct {
	Users cache.Config
	Stats cache.Config
}

// Registry owns every lookup cache of one service instance.
type Registry struct {
	Credentials *Credentials
	Privileges  *Field[types.Privileges]
	Countries   *Field[string]
	ClanTags    *Field[string]
	Whitelists  *Field[int]
	Friends     *Field[[]int]
	Stats       *StatsCache
}

// NewRegistry builds the caches over src. ranks and m may be nil.
func NewRegistry(src Source, ranks ranking.Store, cfg Config, m *metrics.Metrics) *Registry {
	return &Registry{
		Credentials: NewCredentials(src, cfg.Users, m),
		Privileges:  NewField("privileges", cfg.Users, src.Privileges, src.AllPrivileges, m),
		Countries:   NewField("country", cfg.Users, src.Country, src.AllCountries, m),
		ClanTags:    NewField("clan_tag", cfg.Users, src.ClanTag, src.AllClanTags, m),
		Whitelists:  NewField("whitelist", cfg.Users, src.Whitelist, src.AllWhitelists, m),
		Friends: NewField("friends", cfg.Users,
			func(ctx context.Context, userID int) ([]int, error) {
				ids, err := src.Friends(ctx, userID)
				if err != nil {
					return nil, err
				}
				return withSelf(userID, ids), nil
			},
			func(ctx context.Context) (map[int][]int, error) {
				all, err := src.AllFriends(ctx)
				if err != nil {
					return nil, err
				}
				for id, ids := range all {
					all[id] = withSelf(id, ids)
				}
				return all, nil
			}, m),
		Stats: NewStatsCache(src, ranks, cfg.Stats, m),
	}
}

func withSelf(userID int, ids []int) []int {
	if slices.Contains(ids, userID) {
		return ids
	}
	return append(slices.Clone(ids), userID)
}

// PreloadAll fills every per-user field cache from the store.
func (r *Registry) PreloadAll(ctx context.Context) error {
	type preloader interface {
		Name() string
		PreloadAll(context.Context) (int, error)
	}
	for _, f := range []preloader{r.Privileges, r.Countries, r.ClanTags, r.Whitelists, r.Friends} {
		n, err := f.PreloadAll(ctx)
		if err != nil {
			return fmt.Errorf("lookup: preload: %w", err)
		}
		slog.Info("lookup cache ready", "cache", f.Name(), "entries", n)
	}
	return nil
}

// Restricted reports whether userID is hidden from public rankings. Accounts
// whose privileges cannot be loaded count as restricted.
func (r *Registry) Restricted(ctx context.Context, userID int) bool {
	privs, err := r.Privileges.Load(ctx, userID)
	if err != nil {
		return true
	}
	return privs.Restricted()
}

// Country returns the user's country, or ranking.NoCountry when unknown.
func (r *Registry) Country(ctx context.Context, userID int) string {
	c, err := r.Countries.Load(ctx, userID)
	if err != nil || c == "" {
		return ranking.NoCountry
	}
	return c
}

// Whitelisted reports whether the user's whitelist bitmask covers cat.
// Autopilot shares the relax bit.
func (r *Registry) Whitelisted(ctx context.Context, userID int, cat types.Category) bool {
	bits, err := r.Whitelists.Load(ctx, userID)
	if err != nil {
		return false
	}
	if cat == types.CategoryVanilla {
		return bits&types.WhitelistVanilla != 0
	}
	return bits&types.WhitelistRelax != 0
}

// ForgetUser drops every cached value of userID except credentials.
func (r *Registry) ForgetUser(userID int) {
	r.Privileges.Evict(userID)
	r.Countries.Evict(userID)
	r.ClanTags.Evict(userID)
	r.Whitelists.Evict(userID)
	r.Friends.Evict(userID)
	r.Stats.Evict(userID)
}
