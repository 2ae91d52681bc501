package client_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/scttfrdmn/scorekeeper/pkg/client"
	"github.com/scttfrdmn/scorekeeper/pkg/types"
)

var testMD5 = strings.Repeat("a", 32)

// ── helpers ───────────────────────────────────────────────────────────────────

func newServer(t *testing.T, mux *http.ServeMux) *client.Client {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return client.New(srv.URL)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// ── New / options ─────────────────────────────────────────────────────────────

func TestNew_Options(t *testing.T) {
	custom := &http.Client{Timeout: 5 * time.Second}
	if c := client.New("http://localhost:8090/", client.WithHTTPClient(custom)); c == nil {
		t.Fatal("expected non-nil client")
	}
	if c := client.New("http://localhost:8090", client.WithTimeout(5*time.Second)); c == nil {
		t.Fatal("expected non-nil client after WithTimeout")
	}
}

// ── Beatmaps ──────────────────────────────────────────────────────────────────

func TestBeatmap_OK(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/beatmaps/{md5}", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"outcome":    "found",
			"provenance": "cache",
			"beatmap":    types.BeatmapInfo{ID: 75, MD5: r.PathValue("md5"), Status: types.StatusRanked},
		})
	})
	c := newServer(t, mux)

	b, err := c.Beatmap(context.Background(), testMD5)
	if err != nil {
		t.Fatalf("Beatmap: %v", err)
	}
	if b.Outcome != "found" || b.Provenance != types.ProvenanceCache {
		t.Errorf("got outcome %q provenance %v", b.Outcome, b.Provenance)
	}
	if b.Beatmap == nil || b.Beatmap.ID != 75 || b.Beatmap.MD5 != testMD5 {
		t.Errorf("unexpected beatmap: %+v", b.Beatmap)
	}
}

func TestBeatmap_NotSubmitted(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/beatmaps/{md5}", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"outcome": "not_submitted", "provenance": "none"})
	})
	c := newServer(t, mux)

	b, err := c.Beatmap(context.Background(), testMD5)
	if err != nil {
		t.Fatalf("Beatmap: %v", err)
	}
	if b.Outcome != "not_submitted" || b.Beatmap != nil {
		t.Errorf("unexpected result: %+v", b)
	}
}

func TestEvictBeatmap(t *testing.T) {
	var got string
	mux := http.NewServeMux()
	mux.HandleFunc("DELETE /api/v1/beatmaps/{md5}", func(w http.ResponseWriter, r *http.Request) {
		got = r.PathValue("md5")
		w.WriteHeader(http.StatusNoContent)
	})
	c := newServer(t, mux)

	if err := c.EvictBeatmap(context.Background(), testMD5); err != nil {
		t.Fatalf("EvictBeatmap: %v", err)
	}
	if got != testMD5 {
		t.Errorf("server got md5 %q, want %q", got, testMD5)
	}
}

// ── Leaderboards ──────────────────────────────────────────────────────────────

func TestLeaderboard_QueryEncoding(t *testing.T) {
	var gotQuery string
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/leaderboards/{md5}", func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		writeJSON(w, http.StatusOK, client.Leaderboard{
			Outcome: "found",
			View: client.View{
				Entries:  []client.Entry{{Rank: 1, Score: types.Score{ID: 1, UserID: 8, Username: "peppy", Score: 600000}}},
				Total:    1,
				Personal: &client.Entry{Rank: 1, Score: types.Score{ID: 1, UserID: 8}},
			},
		})
	})
	c := newServer(t, mux)

	lb, err := c.Leaderboard(context.Background(), testMD5, client.LeaderboardQuery{
		Mode: "rx!std", Type: "country", Mods: types.ModHidden, UserID: 8, Limit: 50,
	})
	if err != nil {
		t.Fatalf("Leaderboard: %v", err)
	}
	for _, want := range []string{"mode=rx%21std", "type=country", "mods=8", "user=8", "limit=50"} {
		if !strings.Contains(gotQuery, want) {
			t.Errorf("query %q missing %q", gotQuery, want)
		}
	}
	if len(lb.View.Entries) != 1 || lb.View.Entries[0].Score.Username != "peppy" {
		t.Errorf("unexpected entries: %+v", lb.View.Entries)
	}
	if lb.View.Personal == nil || lb.View.Personal.Rank != 1 {
		t.Errorf("unexpected personal: %+v", lb.View.Personal)
	}
}

func TestLeaderboard_NoQuery(t *testing.T) {
	var gotQuery string
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/leaderboards/{md5}", func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		writeJSON(w, http.StatusOK, client.Leaderboard{Outcome: "needs_update"})
	})
	c := newServer(t, mux)

	lb, err := c.Leaderboard(context.Background(), testMD5, client.LeaderboardQuery{})
	if err != nil {
		t.Fatalf("Leaderboard: %v", err)
	}
	if gotQuery != "" {
		t.Errorf("expected empty query, got %q", gotQuery)
	}
	if lb.Outcome != "needs_update" {
		t.Errorf("outcome: got %q", lb.Outcome)
	}
}

// ── Users ─────────────────────────────────────────────────────────────────────

func TestUser_OK(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/users/{id}", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, client.User{UserID: 7, Country: "KR", Whitelist: []string{"relax"}})
	})
	c := newServer(t, mux)

	u, err := c.User(context.Background(), 7)
	if err != nil {
		t.Fatalf("User: %v", err)
	}
	if u.UserID != 7 || u.Country != "KR" || len(u.Whitelist) != 1 {
		t.Errorf("unexpected user: %+v", u)
	}
}

func TestUser_NotFound(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/users/{id}", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "user 999 not found", "kind": "not_found"})
	})
	c := newServer(t, mux)

	_, err := c.User(context.Background(), 999)
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError, got %T: %v", err, err)
	}
	if apiErr.StatusCode != http.StatusNotFound || apiErr.Kind != "not_found" {
		t.Errorf("unexpected error: %+v", apiErr)
	}
}

func TestStats_ModeQuery(t *testing.T) {
	var gotMode string
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/users/{id}/stats", func(w http.ResponseWriter, r *http.Request) {
		gotMode = r.URL.Query().Get("mode")
		writeJSON(w, http.StatusOK, types.Stats{UserID: 7, Mode: types.RelaxStandard, PP: 1234.5, Rank: 3})
	})
	c := newServer(t, mux)

	st, err := c.Stats(context.Background(), 7, "rx!std")
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if gotMode != "rx!std" {
		t.Errorf("server got mode %q, want rx!std", gotMode)
	}
	if st.PP != 1234.5 || st.Rank != 3 {
		t.Errorf("unexpected stats: %+v", st)
	}
}

func TestRestrict(t *testing.T) {
	var gotReason, gotID string
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/users/{id}/restrict", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Reason string `json:"reason"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		gotReason, gotID = req.Reason, r.PathValue("id")
		w.WriteHeader(http.StatusNoContent)
	})
	c := newServer(t, mux)

	if err := c.Restrict(context.Background(), 42, "multiaccounting"); err != nil {
		t.Fatalf("Restrict: %v", err)
	}
	if gotID != "42" || gotReason != "multiaccounting" {
		t.Errorf("server got id %q reason %q", gotID, gotReason)
	}
}

// ── Scores and replays ────────────────────────────────────────────────────────

func TestSubmit_Accepted(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/scores", func(w http.ResponseWriter, r *http.Request) {
		var sub types.Submission
		json.NewDecoder(r.Body).Decode(&sub)
		writeJSON(w, http.StatusOK, client.SubmitResult{
			Score:  types.Score{ID: 9, Score: sub.Score, Completed: types.CompletionBest},
			Rank:   1,
			Panels: "beatmapId:75",
		})
	})
	c := newServer(t, mux)

	out, err := c.Submit(context.Background(), types.Submission{Username: "Cookiezi", Score: 500000})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if out.Score.Score != 500000 || out.Rank != 1 || out.Panels != "beatmapId:75" {
		t.Errorf("unexpected result: %+v", out)
	}
}

func TestSubmit_RejectedCarriesSentinel(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/scores", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "map unresolvable", "kind": "map_unresolvable", "sentinel": "error: beatmap",
		})
	})
	c := newServer(t, mux)

	_, err := c.Submit(context.Background(), types.Submission{})
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError, got %T: %v", err, err)
	}
	if apiErr.Sentinel == nil || *apiErr.Sentinel != "error: beatmap" {
		t.Errorf("sentinel: got %v, want error: beatmap", apiErr.Sentinel)
	}
}

func TestReplay(t *testing.T) {
	var gotUser string
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/replays/{id}", func(w http.ResponseWriter, r *http.Request) {
		gotUser = r.URL.Query().Get("u")
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Write([]byte("osr-bytes"))
	})
	c := newServer(t, mux)

	data, err := c.Replay(context.Background(), "peppy", "hash", 9)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if string(data) != "osr-bytes" || gotUser != "peppy" {
		t.Errorf("got %q for user %q", data, gotUser)
	}
}

// ── Status ────────────────────────────────────────────────────────────────────

func TestServerStatus(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, client.ServerStatus{
			Instance:      "scorekeeper",
			Ready:         true,
			UptimeSeconds: 90,
			BeatmapCache:  client.CacheStats{Entries: 3, Hits: 10},
			Upstreams:     map[string]string{"osu_api": "closed"},
		})
	})
	c := newServer(t, mux)

	st, err := c.ServerStatus(context.Background())
	if err != nil {
		t.Fatalf("ServerStatus: %v", err)
	}
	if st.Uptime() != 90*time.Second {
		t.Errorf("uptime: got %v, want 1m30s", st.Uptime())
	}
	if st.BeatmapCache.Entries != 3 || st.Upstreams["osu_api"] != "closed" {
		t.Errorf("unexpected status: %+v", st)
	}
}

func TestStatus_Healthy(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK\n"))
	})
	c := newServer(t, mux)

	sr, err := c.Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !sr.Healthy || sr.Details != "" {
		t.Errorf("unexpected status: %+v", sr)
	}
}

func TestStatus_Degraded(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("DEGRADED\nosu_api: circuit open\n"))
	})
	c := newServer(t, mux)

	sr, err := c.Status(context.Background())
	// Status must return both a StatusResponse AND a non-nil error.
	if err == nil {
		t.Fatal("expected non-nil error for degraded server")
	}
	if sr.Healthy {
		t.Error("expected Healthy=false for 503")
	}
	if sr.Details != "osu_api: circuit open" {
		t.Errorf("unexpected details: %q", sr.Details)
	}
}

// ── Context cancellation ──────────────────────────────────────────────────────

func TestBeatmap_ContextCancelled(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/beatmaps/{md5}", func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	c := client.New(srv.URL, client.WithTimeout(10*time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := c.Beatmap(ctx, testMD5); err == nil {
		t.Fatal("expected error for cancelled context")
	}
}

// ── APIError ──────────────────────────────────────────────────────────────────

func TestAPIError_ErrorString(t *testing.T) {
	e := &client.APIError{StatusCode: 404, Message: "not found"}
	if got := e.Error(); got != "scoreserver error (404): not found" {
		t.Errorf("unexpected error string: %q", got)
	}
	e.Kind = "not_found"
	if got := e.Error(); got != "scoreserver error (404 not_found): not found" {
		t.Errorf("unexpected error string: %q", got)
	}
}
