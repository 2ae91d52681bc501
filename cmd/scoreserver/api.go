package main

// api.go: admin REST API mounted under /api/v1/
//
// GET    /api/v1/status                       → instance, cache and upstream state
// GET    /api/v1/beatmaps/{md5}               → resolve a beatmap
// DELETE /api/v1/beatmaps/{md5}               → evict a beatmap from the cache
// GET    /api/v1/leaderboards/{md5}           → filtered leaderboard (?mode=&type=&mods=&user=&limit=&filename=)
// GET    /api/v1/users/{id}                   → cached account fields
// GET    /api/v1/users/{id}/stats             → per-mode stats (?mode=)
// POST   /api/v1/users/{id}/restrict          → restrict an account
// POST   /api/v1/scores                       → submit a decoded score
// GET    /api/v1/replays/{id}                 → replay bytes (?u=&h=)

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/scttfrdmn/scorekeeper/internal/announce"
	"github.com/scttfrdmn/scorekeeper/internal/beatmap"
	"github.com/scttfrdmn/scorekeeper/internal/cache"
	"github.com/scttfrdmn/scorekeeper/internal/circuitbreaker"
	"github.com/scttfrdmn/scorekeeper/internal/osuapi"
	"github.com/scttfrdmn/scorekeeper/internal/replay"
	"github.com/scttfrdmn/scorekeeper/internal/scoring"
	"github.com/scttfrdmn/scorekeeper/pkg/config"
	"github.com/scttfrdmn/scorekeeper/pkg/types"
)

// upstreams are the circuit-breaker names reported by /healthz and /status.
var upstreams = []string{osuapi.Upstream, replay.Upstream, announce.Upstream}

// server holds the handler dependencies of the admin API.
type server struct {
	svc     *scoring.Service
	breaker *circuitbreaker.Breaker
	cfg     *config.Configuration
	started time.Time
	ready   atomic.Bool
}

func newServer(svc *scoring.Service, breaker *circuitbreaker.Breaker, cfg *config.Configuration) *server {
	return &server{svc: svc, breaker: breaker, cfg: cfg, started: time.Now()}
}

// routes builds the chi router.
func (s *server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(recoverMiddleware)
	r.Use(loggingMiddleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	if s.cfg.Global.MetricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", s.status)

		r.Route("/beatmaps/{md5}", func(r chi.Router) {
			r.Get("/", s.getBeatmap)
			r.Delete("/", s.evictBeatmap)
		})
		r.Get("/leaderboards/{md5}", s.getLeaderboard)

		r.Route("/users/{id}", func(r chi.Router) {
			r.Get("/", s.getUser)
			r.Get("/stats", s.getStats)
			r.Post("/restrict", s.restrictUser)
		})

		r.Post("/scores", s.submitScore)
		r.Get("/replays/{id}", s.getReplay)
	})
	return r
}

// ── Request / response types ──────────────────────────────────────────────────

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
	// Sentinel is the body the game client would receive for a failed
	// submission.
	Sentinel *string `json:"sentinel,omitempty"`
}

type statusResponse struct {
	Instance      string            `json:"instance"`
	Version       string            `json:"version"`
	Ready         bool              `json:"ready"`
	UptimeSeconds float64           `json:"uptime_seconds"`
	BeatmapCache  cacheStats        `json:"beatmap_cache"`
	Upstreams     map[string]string `json:"upstreams"`
}

type cacheStats struct {
	Entries   int   `json:"entries"`
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Expired   int64 `json:"expired"`
	Evictions int64 `json:"evictions"`
}

func cacheStatsFrom(st cache.Stats) cacheStats {
	return cacheStats{Entries: st.Entries, Hits: st.Hits, Misses: st.Misses, Expired: st.Expired, Evictions: st.Evictions}
}

type beatmapResponse struct {
	Outcome    string             `json:"outcome"`
	Provenance types.Provenance   `json:"provenance"`
	Beatmap    *types.BeatmapInfo `json:"beatmap,omitempty"`
}

type restrictRequest struct {
	Reason string `json:"reason"`
}

type submitResponse struct {
	*scoring.Outcome
	// Panels is the chart text the game client renders after submitting.
	Panels string `json:"panels"`
}

// ── Helpers ───────────────────────────────────────────────────────────────────

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("api: encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorResponse{Error: msg})
}

// writeServiceError maps a classified service error to an HTTP status.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	kind := types.KindOf(err)
	code := statusFor(kind)
	if code >= http.StatusInternalServerError {
		slog.Error("api: request failed", "path", r.URL.Path, "request_id", requestID(r.Context()), "error", err)
	}
	writeJSON(w, code, errorResponse{Error: err.Error(), Kind: kind.String()})
}

func statusFor(kind types.Kind) int {
	switch kind {
	case types.KindAuthFailure:
		return http.StatusUnauthorized
	case types.KindNotFound, types.KindMapUnresolvable:
		return http.StatusNotFound
	case types.KindMapNeedsClientUpdate, types.KindDuplicateSubmission:
		return http.StatusConflict
	case types.KindMalformedSubmission:
		return http.StatusBadRequest
	case types.KindDisallowedMods:
		return http.StatusUnprocessableEntity
	case types.KindUpstreamUnavailable:
		return http.StatusBadGateway
	case types.KindPersistenceFailure:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

var leaderboardTypes = map[string]types.LeaderboardType{
	"local":   types.LeaderboardLocal,
	"top":     types.LeaderboardTop,
	"mod":     types.LeaderboardMod,
	"friends": types.LeaderboardFriends,
	"country": types.LeaderboardCountry,
}

// parseMode accepts a mode number (0-7) or a name such as "rx!std".
// An empty string selects vanilla standard.
func parseMode(s string) (types.Mode, error) {
	if s == "" {
		return types.VanillaStandard, nil
	}
	if n, err := strconv.Atoi(s); err == nil {
		if m := types.Mode(n); m.Valid() {
			return m, nil
		}
		return 0, fmt.Errorf("mode %d out of range", n)
	}
	for _, m := range types.AllModes {
		if strings.EqualFold(m.String(), s) {
			return m, nil
		}
	}
	return 0, fmt.Errorf("unknown mode %q", s)
}

// parseLeaderboardType accepts a type number (0-4) or its name.
func parseLeaderboardType(s string) (types.LeaderboardType, error) {
	if s == "" {
		return types.LeaderboardTop, nil
	}
	if n, err := strconv.Atoi(s); err == nil {
		if n < int(types.LeaderboardLocal) || n > int(types.LeaderboardCountry) {
			return 0, fmt.Errorf("leaderboard type %d out of range", n)
		}
		return types.LeaderboardType(n), nil
	}
	if t, ok := leaderboardTypes[strings.ToLower(s)]; ok {
		return t, nil
	}
	return 0, fmt.Errorf("unknown leaderboard type %q", s)
}

func queryInt(r *http.Request, name string) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %q is not a number", name, v)
	}
	return n, nil
}

func pathUserID(r *http.Request) (int, error) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid user id %q", chi.URLParam(r, "id"))
	}
	return id, nil
}

// ── Health ────────────────────────────────────────────────────────────────────

// healthz returns 200 OK unless an upstream circuit is open.
func (s *server) healthz(w http.ResponseWriter, _ *http.Request) {
	var open []string
	for _, u := range upstreams {
		if st := s.breaker.State(u); st != circuitbreaker.StateClosed {
			open = append(open, fmt.Sprintf("%s: circuit %s", u, st))
		}
	}
	if len(open) == 0 {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "OK")
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	fmt.Fprintf(w, "DEGRADED\n%s\n", strings.Join(open, "\n"))
}

// readyz returns 200 OK once the scoring service has started and until
// shutdown begins.
func (s *server) readyz(w http.ResponseWriter, _ *http.Request) {
	if !s.ready.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprintln(w, "NOT READY")
		return
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "OK")
}

func (s *server) status(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{
		Instance:      s.cfg.Global.InstanceName,
		Version:       version,
		Ready:         s.ready.Load(),
		UptimeSeconds: time.Since(s.started).Seconds(),
		BeatmapCache:  cacheStatsFrom(s.svc.Resolver().CacheStats()),
		Upstreams:     make(map[string]string, len(upstreams)),
	}
	for _, u := range upstreams {
		resp.Upstreams[u] = s.breaker.State(u).String()
	}
	writeJSON(w, http.StatusOK, resp)
}

// ── Beatmaps ──────────────────────────────────────────────────────────────────

func (s *server) getBeatmap(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	res, err := s.svc.ResolveBeatmap(ctx, chi.URLParam(r, "md5"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	resp := beatmapResponse{Outcome: res.Outcome.String(), Provenance: res.Provenance}
	if res.Outcome == beatmap.OutcomeFound {
		info := res.Beatmap.Info()
		resp.Beatmap = &info
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *server) evictBeatmap(w http.ResponseWriter, r *http.Request) {
	md5 := chi.URLParam(r, "md5")
	s.svc.EvictBeatmap(md5)
	slog.Info("api: beatmap evicted", "md5", md5)
	w.WriteHeader(http.StatusNoContent)
}

// ── Leaderboards ──────────────────────────────────────────────────────────────

func (s *server) getLeaderboard(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	mode, err := parseMode(q.Get("mode"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	lbType, err := parseLeaderboardType(q.Get("type"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	mods, err := queryInt(r, "mods")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	user, err := queryInt(r, "user")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	res, err := s.svc.GetLeaderboard(ctx, scoring.LeaderboardRequest{
		BeatmapMD5: chi.URLParam(r, "md5"),
		Filename:   q.Get("filename"),
		Mode:       mode,
		Type:       lbType,
		Mods:       types.Mods(mods),
		UserID:     user,
		Limit:      limit,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ── Users ─────────────────────────────────────────────────────────────────────

func (s *server) getUser(w http.ResponseWriter, r *http.Request) {
	id, err := pathUserID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	info, err := s.svc.UserInfo(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *server) getStats(w http.ResponseWriter, r *http.Request) {
	id, err := pathUserID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	mode, err := parseMode(r.URL.Query().Get("mode"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	st, err := s.svc.GetStats(r.Context(), id, mode)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *server) restrictUser(w http.ResponseWriter, r *http.Request) {
	id, err := pathUserID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req restrictRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Reason) == "" {
		writeError(w, http.StatusBadRequest, "reason is required")
		return
	}
	if err := s.svc.RestrictUser(r.Context(), id, req.Reason); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ── Scores and replays ────────────────────────────────────────────────────────

func (s *server) submitScore(w http.ResponseWriter, r *http.Request) {
	var sub types.Submission
	if err := decodeJSON(r, &sub); err != nil {
		sentinel := scoring.SentinelNo
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Error:    "invalid request: " + err.Error(),
			Kind:     types.KindMalformedSubmission.String(),
			Sentinel: &sentinel,
		})
		return
	}

	out, err := s.svc.SubmitScore(r.Context(), sub)
	if err != nil {
		kind := types.KindOf(err)
		code := statusFor(kind)
		if code >= http.StatusInternalServerError {
			slog.Error("api: submission failed", "request_id", requestID(r.Context()), "error", err)
		}
		sentinel := scoring.SentinelFor(err)
		writeJSON(w, code, errorResponse{Error: err.Error(), Kind: kind.String(), Sentinel: &sentinel})
		return
	}
	writeJSON(w, http.StatusOK, submitResponse{Outcome: out, Panels: out.Panels(s.cfg.Announce.ProfileURL)})
}

func (s *server) getReplay(w http.ResponseWriter, r *http.Request) {
	scoreID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || scoreID <= 0 {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid score id %q", chi.URLParam(r, "id")))
		return
	}
	q := r.URL.Query()
	data, err := s.svc.GetReplay(r.Context(), q.Get("u"), q.Get("h"), scoreID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		slog.Warn("api: write replay", "score_id", scoreID, "error", err)
	}
}

// ── Middleware ────────────────────────────────────────────────────────────────

type ctxKey int

const ctxKeyRequestID ctxKey = iota

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyRequestID).(string)
	return id
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-Id")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", reqID)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKeyRequestID, reqID)))
	})
}

func recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if err, ok := rec.(error); ok && errors.Is(err, http.ErrAbortHandler) {
					panic(rec)
				}
				slog.Error("api: handler panic", "path", r.URL.Path, "request_id", requestID(r.Context()), "panic", rec)
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		slog.Debug("api: request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
			"request_id", requestID(r.Context()))
	})
}
