package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/scttfrdmn/scorekeeper/internal/announce"
	"github.com/scttfrdmn/scorekeeper/internal/bus"
	"github.com/scttfrdmn/scorekeeper/internal/circuitbreaker"
	"github.com/scttfrdmn/scorekeeper/internal/keylock"
	"github.com/scttfrdmn/scorekeeper/internal/metrics"
	"github.com/scttfrdmn/scorekeeper/internal/osuapi"
	"github.com/scttfrdmn/scorekeeper/internal/ranking"
	"github.com/scttfrdmn/scorekeeper/internal/replay"
	"github.com/scttfrdmn/scorekeeper/internal/scoring"
	"github.com/scttfrdmn/scorekeeper/internal/store"
	"github.com/scttfrdmn/scorekeeper/pkg/config"
)

// runtime is a wired scoring service plus the connections it owns.
type runtime struct {
	svc     *scoring.Service
	breaker *circuitbreaker.Breaker
	closers []func() error
}

func (rt *runtime) onClose(fn func() error) { rt.closers = append(rt.closers, fn) }

// close releases connections in reverse order of acquisition.
func (rt *runtime) close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			slog.Warn("error closing connection", "error", err)
		}
	}
	rt.closers = nil
}

// wire connects every backend named by cfg and builds the scoring service.
// On error, whatever was already opened is closed.
func wire(ctx context.Context, cfg *config.Configuration) (rt *runtime, err error) {
	rt = &runtime{}
	defer func() {
		if err != nil {
			rt.close()
		}
	}()

	var m *metrics.Metrics
	if cfg.Global.MetricsEnabled {
		m = metrics.New(prometheus.DefaultRegisterer)
	}

	rt.breaker = circuitbreaker.New(cfg.Resilience.CircuitBreaker)

	deps := scoring.Deps{Metrics: m}

	// ── Authoritative store ───────────────────────────────────────────────────

	switch cfg.Database.Driver {
	case "postgres":
		db, err := store.Connect(ctx, cfg.Database.URL, cfg.Database.MaxConns)
		if err != nil {
			return nil, err
		}
		if cfg.Database.Migrate {
			if err := store.RunMigrations(ctx, db); err != nil {
				sqlDB, _ := db.DB()
				_ = sqlDB.Close()
				return nil, err
			}
		}
		ps := store.NewPostgresStore(db)
		rt.onClose(ps.Close)
		deps.Store = ps
	default:
		slog.Warn("using in-memory store; data is lost on exit")
		deps.Store = store.NewMemoryStore()
	}

	// ── Ranking boards and the Redis bus ──────────────────────────────────────

	var rdb *redis.Client
	if cfg.Redis.URL != "" {
		rdb, err = ranking.Connect(ctx, cfg.Redis.URL)
		if err != nil {
			return nil, err
		}
		rt.onClose(rdb.Close)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			return nil, fmt.Errorf("redis ping %s: %w", cfg.Redis.URL, err)
		}
		deps.Ranks = ranking.NewRedisStore(rdb)
	}

	switch cfg.Bus.Transport {
	case "redis":
		if rdb == nil {
			return nil, fmt.Errorf("redis bus requires redis.url")
		}
		deps.Bus = bus.NewRedisBus(rdb)
	case "kafka":
		kb, err := bus.NewKafkaBus(bus.KafkaConfig{Brokers: cfg.Bus.KafkaBrokers, GroupID: cfg.Bus.KafkaGroupID})
		if err != nil {
			return nil, err
		}
		rt.onClose(kb.Close)
		deps.Bus = kb
	case "etcd":
		eb, err := bus.NewEtcdBus(ctx, bus.EtcdConfig{Endpoints: cfg.Bus.EtcdEndpoints, Prefix: cfg.Bus.EtcdPrefix})
		if err != nil {
			return nil, err
		}
		rt.onClose(eb.Close)
		deps.Bus = eb
	}

	// ── Submission locks ──────────────────────────────────────────────────────

	if cfg.Locks.Backend == "etcd" {
		cli, err := clientv3.New(clientv3.Config{
			Endpoints:   cfg.Locks.EtcdEndpoints,
			DialTimeout: 5 * time.Second,
		})
		if err != nil {
			return nil, fmt.Errorf("locks: etcd connect to %v: %w", cfg.Locks.EtcdEndpoints, err)
		}
		rt.onClose(cli.Close)
		deps.Locker = keylock.NewManager(cfg.Global.InstanceName, cli, cfg.Locks.EtcdPrefix, cfg.Locks.TTL)
	}

	// ── Upstream services ─────────────────────────────────────────────────────

	if len(cfg.OsuAPI.Keys) > 0 {
		deps.Remote = osuapi.New(osuapi.Config{
			BaseURL:       cfg.OsuAPI.BaseURL,
			Keys:          cfg.OsuAPI.Keys,
			Timeout:       cfg.OsuAPI.Timeout,
			RatePerSecond: cfg.OsuAPI.RatePerSecond,
			Retry:         cfg.Resilience.Retry,
		}, rt.breaker)
	} else {
		slog.Warn("no osu! API keys configured; unknown beatmaps resolve as not submitted")
	}

	if cfg.Replays.URL != "" {
		deps.Replays = replay.New(replay.Config{URL: cfg.Replays.URL, Timeout: cfg.Replays.Timeout}, rt.breaker)
	}

	if cfg.Announce.URL != "" && cfg.Announce.Key != "" {
		deps.Announcer = announce.New(announce.Config{
			URL:        cfg.Announce.URL,
			Key:        cfg.Announce.Key,
			Channel:    cfg.Announce.Channel,
			ProfileURL: cfg.Announce.ProfileURL,
			Timeout:    cfg.Announce.Timeout,
		}, rt.breaker)
	}

	rt.svc = scoring.New(scoring.ConfigFrom(cfg), deps)
	return rt, nil
}
