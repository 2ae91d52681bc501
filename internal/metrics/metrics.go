// Package metrics provides Prometheus instrumentation for the score server.
//
// All methods on *Metrics are nil-safe; pass nil when no instrumentation is
// desired (e.g., in unit tests that don't care about metrics output).
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metric descriptors for the score server.
type Metrics struct {
	resolutionsTotal    *prometheus.CounterVec
	leaderboardLoads    *prometheus.CounterVec
	submissionsTotal    *prometheus.CounterVec
	submissionDuration  prometheus.Histogram
	cacheLookupsTotal   *prometheus.CounterVec
	upstreamErrorsTotal *prometheus.CounterVec
	sideEffectsTotal    *prometheus.CounterVec
	sideEffectQueue     prometheus.Gauge
}

// New creates a Metrics instance and registers all descriptors with reg.
// Use prometheus.DefaultRegisterer in production and prometheus.NewRegistry()
// in tests to avoid cross-test pollution.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		resolutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scorekeeper_beatmap_resolutions_total",
				Help: "Beatmap resolutions by satisfying source and outcome.",
			},
			[]string{"provenance", "outcome"},
		),
		leaderboardLoads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scorekeeper_leaderboard_loads_total",
				Help: "Leaderboard loads by satisfying source.",
			},
			[]string{"provenance"},
		),
		submissionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scorekeeper_submissions_total",
				Help: "Score submissions by outcome.",
			},
			[]string{"outcome"},
		),
		submissionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "scorekeeper_submission_duration_seconds",
			Help:    "Time spent processing a score submission.",
			Buckets: prometheus.DefBuckets,
		}),
		cacheLookupsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scorekeeper_cache_lookups_total",
				Help: "Lookup cache reads by cache name and result.",
			},
			[]string{"cache", "result"},
		),
		upstreamErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scorekeeper_upstream_errors_total",
				Help: "Failures of external collaborators that were downgraded to a miss or no-op.",
			},
			[]string{"upstream"},
		),
		sideEffectsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scorekeeper_side_effects_total",
				Help: "Asynchronous side-effect jobs by kind and final status.",
			},
			[]string{"kind", "status"},
		),
		sideEffectQueue: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scorekeeper_side_effect_queue_depth",
			Help: "Current number of side-effect jobs waiting in the queue.",
		}),
	}
	reg.MustRegister(
		m.resolutionsTotal,
		m.leaderboardLoads,
		m.submissionsTotal,
		m.submissionDuration,
		m.cacheLookupsTotal,
		m.upstreamErrorsTotal,
		m.sideEffectsTotal,
		m.sideEffectQueue,
	)
	return m
}

// RecordResolution counts one beatmap resolution.
// outcome is one of: found, needs_update, not_submitted.
func (m *Metrics) RecordResolution(provenance, outcome string) {
	if m == nil {
		return
	}
	m.resolutionsTotal.WithLabelValues(provenance, outcome).Inc()
}

// RecordLeaderboardLoad counts one leaderboard load.
func (m *Metrics) RecordLeaderboardLoad(provenance string) {
	if m == nil {
		return
	}
	m.leaderboardLoads.WithLabelValues(provenance).Inc()
}

// RecordSubmission records the outcome and duration of a submission.
// outcome is "ok" or the error kind that ended it.
func (m *Metrics) RecordSubmission(outcome string, dur time.Duration) {
	if m == nil {
		return
	}
	m.submissionsTotal.WithLabelValues(outcome).Inc()
	m.submissionDuration.Observe(dur.Seconds())
}

// RecordCacheLookup counts a lookup-cache read.
func (m *Metrics) RecordCacheLookup(cache string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookupsTotal.WithLabelValues(cache, result).Inc()
}

// RecordUpstreamError counts a degraded external call.
// upstream is one of: osu_api, ranking, replay, announce, bus.
func (m *Metrics) RecordUpstreamError(upstream string) {
	if m == nil {
		return
	}
	m.upstreamErrorsTotal.WithLabelValues(upstream).Inc()
}

// RecordSideEffect counts a finished side-effect job.
// status should be "completed" or "failed".
func (m *Metrics) RecordSideEffect(kind, status string) {
	if m == nil {
		return
	}
	m.sideEffectsTotal.WithLabelValues(kind, status).Inc()
}

// SetSideEffectQueueDepth updates the side-effect queue depth gauge.
func (m *Metrics) SetSideEffectQueueDepth(n int) {
	if m == nil {
		return
	}
	m.sideEffectQueue.Set(float64(n))
}
