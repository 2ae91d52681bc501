// Package scoring is the score server's core surface: beatmap resolution,
// leaderboards, score submission, stats, replays and account restriction.
//
// # Wiring
//
// A Service is built from a Config and a Deps bundle. Every cache it uses is
// owned by the Service's lookup.Registry and beatmap.Resolver, so independent
// instances never share state.
//
// # Lifecycle
//
// Call Start to preload the lookup caches, subscribe to beatmap status
// changes and start the side-effect worker, then Stop when done. Service is
// safe for concurrent use.
package scoring

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/scttfrdmn/scorekeeper/internal/announce"
	"github.com/scttfrdmn/scorekeeper/internal/beatmap"
	"github.com/scttfrdmn/scorekeeper/internal/bus"
	"github.com/scttfrdmn/scorekeeper/internal/cache"
	"github.com/scttfrdmn/scorekeeper/internal/keylock"
	"github.com/scttfrdmn/scorekeeper/internal/leaderboard"
	"github.com/scttfrdmn/scorekeeper/internal/lookup"
	"github.com/scttfrdmn/scorekeeper/internal/metrics"
	"github.com/scttfrdmn/scorekeeper/internal/ranking"
	"github.com/scttfrdmn/scorekeeper/internal/replay"
	"github.com/scttfrdmn/scorekeeper/internal/sideeffect"
	"github.com/scttfrdmn/scorekeeper/internal/stats"
	"github.com/scttfrdmn/scorekeeper/internal/store"
	"github.com/scttfrdmn/scorekeeper/pkg/config"
	"github.com/scttfrdmn/scorekeeper/pkg/types"
)

// Config tunes a Service.
type Config struct {
	Lookup   lookup.Config
	Resolver beatmap.Config

	DisallowedMods types.Mods
	// ExpectedUserAgent flags submissions from other clients. Empty disables the check.
	ExpectedUserAgent   string
	RestrictOnViolation bool

	// ProfileURL prefixes user ids in announcements and result panels.
	ProfileURL string
	QueueDepth int
}

// ConfigFrom derives a Service Config from the daemon configuration.
func ConfigFrom(c *config.Configuration) Config {
	return Config{
		Lookup: lookup.Config{
			Users: cache.Config{TTL: c.Caches.UserTTL, MaxEntries: c.Caches.UserMaxEntries},
			Stats: cache.Config{TTL: c.Caches.StatsTTL, MaxEntries: c.Caches.StatsMaxEntries},
		},
		Resolver: beatmap.Config{
			CacheTTL:              c.Caches.BeatmapTTL,
			CacheMaxEntries:       c.Caches.BeatmapMaxEntries,
			MemoSize:              c.Caches.AbsentMemoSize,
			MemoTTL:               c.Caches.AbsentMemoTTL,
			StalenessBase:         c.Caches.StalenessBase,
			StalenessGrowthPerDay: c.Caches.StalenessGrowthPerDay,
		},
		DisallowedMods:      c.Submission.DisallowedMods,
		ExpectedUserAgent:   c.Submission.ExpectedUserAgent,
		RestrictOnViolation: c.Submission.RestrictOnViolation,
		ProfileURL:          c.Announce.ProfileURL,
		QueueDepth:          c.SideEffects.QueueDepth,
	}
}

// DefaultConfig returns the Config of config.NewDefault.
func DefaultConfig() Config { return ConfigFrom(config.NewDefault()) }

// Deps are the collaborators of a Service. Store is required; every other
// field falls back to an in-process implementation or a no-op when nil.
type Deps struct {
	Store      store.Store
	Ranks      ranking.Store
	Remote     beatmap.Remote
	Bus        bus.Bus
	Locker     keylock.Locker
	Replays    replay.Store
	Announcer  announce.Sender
	Calculator Calculator
	Metrics    *metrics.Metrics
}

// Service implements the score server's operations.
type Service struct {
	cfg Config

	store     store.Store
	registry  *lookup.Registry
	resolver  *beatmap.Resolver
	boards    *leaderboard.Engine
	recalc    *stats.Recalculator
	locks     keylock.Locker
	bus       bus.Bus
	worker    *sideeffect.Worker
	replays   replay.Store
	announcer announce.Sender
	calc      Calculator
	metrics   *metrics.Metrics
	now       func() time.Time

	startOnce sync.Once
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New builds a Service.
func New(cfg Config, d Deps) *Service {
	if d.Ranks == nil {
		d.Ranks = ranking.NewMemoryStore()
	}
	if d.Bus == nil {
		d.Bus = bus.NewMemoryBus()
	}
	if d.Locker == nil {
		d.Locker = keylock.NewLocal()
	}
	if d.Replays == nil {
		d.Replays = replay.NewMemoryStore()
	}
	if d.Calculator == nil {
		d.Calculator = NoCalculator{}
	}
	return &Service{
		cfg:       cfg,
		store:     d.Store,
		registry:  lookup.NewRegistry(d.Store, d.Ranks, cfg.Lookup, d.Metrics),
		resolver:  beatmap.NewResolver(cfg.Resolver, d.Store, d.Remote, d.Metrics),
		boards:    leaderboard.NewEngine(d.Store, d.Metrics),
		recalc:    stats.NewRecalculator(d.Store, d.Ranks),
		locks:     d.Locker,
		bus:       d.Bus,
		worker:    sideeffect.NewWorker(cfg.QueueDepth, d.Metrics),
		replays:   d.Replays,
		announcer: d.Announcer,
		calc:      d.Calculator,
		metrics:   d.Metrics,
		now:       time.Now,
	}
}

// Registry exposes the lookup caches.
func (s *Service) Registry() *lookup.Registry { return s.registry }

// Resolver exposes the beatmap resolver.
func (s *Service) Resolver() *beatmap.Resolver { return s.resolver }

// Start preloads the lookup caches, subscribes to beatmap status changes and
// starts the side-effect worker. Only the first call has effect.
func (s *Service) Start(ctx context.Context) error {
	var err error
	s.startOnce.Do(func() { err = s.start(ctx) })
	return err
}

func (s *Service) start(ctx context.Context) error {
	if err := s.registry.PreloadAll(ctx); err != nil {
		return fmt.Errorf("scoring: start: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	updates, err := s.bus.Subscribe(runCtx, bus.TopicMapUpdate)
	if err != nil {
		cancel()
		return fmt.Errorf("scoring: subscribe %s: %w", bus.TopicMapUpdate, err)
	}
	s.cancel = cancel

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.watchStatusChanges(updates)
	}()
	go func() {
		defer s.wg.Done()
		s.drainSideEffects(runCtx)
	}()
	s.worker.Start(runCtx)
	return nil
}

// Stop ends the subscription and waits for the running side effect to
// finish. Calling Stop before Start is safe.
func (s *Service) Stop() {
	s.startOnce.Do(func() {})
	if s.cancel != nil {
		s.cancel()
	}
	s.worker.Stop()
	s.wg.Wait()
}

// watchStatusChanges evicts beatmaps whose approval status changed. The
// eviction discards every leaderboard attached to the beatmap.
func (s *Service) watchStatusChanges(msgs <-chan bus.Message) {
	for msg := range msgs {
		md5, status, err := bus.ParseStatusChange(msg.Payload)
		if err != nil {
			slog.Warn("scoring: ignoring map update", "error", err)
			continue
		}
		s.resolver.Evict(md5)
		slog.Info("beatmap evicted on status change", "md5", md5, "status", status.String())
	}
}

func (s *Service) drainSideEffects(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-s.worker.Events():
			if ev.Type == sideeffect.EventFailed && ev.Job.Kind == sideeffect.KindRestrict {
				slog.Error("restriction side effect failed", "user_id", ev.Job.UserID, "error", ev.Err)
			}
		}
	}
}

// Authenticate returns the user id for a username and password md5.
func (s *Service) Authenticate(ctx context.Context, username, passwordMD5 string) (int, error) {
	return s.registry.Credentials.Check(ctx, username, passwordMD5)
}

// ResolveBeatmap resolves a content hash.
func (s *Service) ResolveBeatmap(ctx context.Context, md5 string) (beatmap.Result, error) {
	return s.resolver.Resolve(ctx, md5)
}

// EvictBeatmap drops a beatmap and its leaderboards from the cache.
func (s *Service) EvictBeatmap(md5 string) { s.resolver.Evict(md5) }

// GetStats returns the user's stats for mode, with rank.
func (s *Service) GetStats(ctx context.Context, userID int, mode types.Mode) (types.Stats, error) {
	return s.registry.Stats.Get(ctx, userID, mode)
}

// publish sends a notification; failures degrade to a log line.
func (s *Service) publish(ctx context.Context, topic string, payload []byte) {
	if err := s.bus.Publish(ctx, topic, payload); err != nil {
		s.metrics.RecordUpstreamError("bus")
		slog.Warn("scoring: publish failed", "topic", topic, "error", err)
	}
}

func submissionKey(userID int, md5 string, mode types.Mode) string {
	return cache.Key("submit", userID, md5, int(mode))
}

func statsKey(userID int, mode types.Mode) string {
	return cache.Key("stats", userID, int(mode))
}
