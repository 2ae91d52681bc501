// Package client provides a Go client for the scoreserver admin HTTP API.
//
// It is the programmatic counterpart to the scorectl CLI and lets Go
// applications inspect beatmaps, leaderboards and accounts of a running
// score server without shelling out to the CLI binary.
//
// Basic usage:
//
//	c := client.New("http://scoreserver:8090")
//	lb, err := c.Leaderboard(ctx, md5, client.LeaderboardQuery{Type: "top"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	for _, e := range lb.View.Entries {
//	    fmt.Printf("#%d %s %d\n", e.Rank, e.Score.Username, e.Score.Score)
//	}
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/scttfrdmn/scorekeeper/pkg/types"
)

// ── Wire types ────────────────────────────────────────────────────────────────

// Beatmap is a beatmap resolution result.
type Beatmap struct {
	// Outcome is "found", "needs_update" or "not_submitted".
	Outcome    string             `json:"outcome"`
	Provenance types.Provenance   `json:"provenance"`
	Beatmap    *types.BeatmapInfo `json:"beatmap,omitempty"`
}

// LeaderboardQuery selects a leaderboard view. Zero fields use the server
// defaults (vanilla standard, top scores, the viewer's display limit).
type LeaderboardQuery struct {
	// Mode is a mode number or name such as "rx!std".
	Mode string
	// Type is one of local, top, mod, friends or country.
	Type     string
	Mods     types.Mods
	UserID   int
	Limit    int
	Filename string
}

func (q LeaderboardQuery) values() url.Values {
	v := url.Values{}
	if q.Mode != "" {
		v.Set("mode", q.Mode)
	}
	if q.Type != "" {
		v.Set("type", q.Type)
	}
	if q.Mods != 0 {
		v.Set("mods", strconv.FormatUint(uint64(q.Mods), 10))
	}
	if q.UserID != 0 {
		v.Set("user", strconv.Itoa(q.UserID))
	}
	if q.Limit != 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Filename != "" {
		v.Set("filename", q.Filename)
	}
	return v
}

// Entry is one ranked leaderboard row.
type Entry struct {
	Rank  int         `json:"rank"`
	Score types.Score `json:"score"`
}

// View is a filtered leaderboard.
type View struct {
	Entries  []Entry `json:"entries"`
	Total    int     `json:"total"`
	Personal *Entry  `json:"personal,omitempty"`
}

// Leaderboard is a resolved beatmap with its filtered leaderboard.
type Leaderboard struct {
	Beatmap         types.BeatmapInfo `json:"beatmap"`
	Outcome         string            `json:"outcome"`
	Provenance      types.Provenance  `json:"provenance"`
	BoardProvenance types.Provenance  `json:"board_provenance"`
	View            View              `json:"view"`
}

// User is the cached view of one account.
type User struct {
	UserID     int              `json:"user_id"`
	Privileges types.Privileges `json:"privileges"`
	Restricted bool             `json:"restricted"`
	Country    string           `json:"country"`
	ClanTag    string           `json:"clan_tag,omitempty"`
	Whitelist  []string         `json:"whitelist,omitempty"`
	Friends    []int            `json:"friends,omitempty"`
}

// SubmitResult is the server's reply to an accepted submission.
type SubmitResult struct {
	Score      types.Score       `json:"score"`
	Beatmap    types.BeatmapInfo `json:"beatmap"`
	Provenance types.Provenance  `json:"provenance"`
	Rank       int               `json:"rank"`
	Previous   *Entry            `json:"previous,omitempty"`
	Before     types.Stats       `json:"before"`
	After      types.Stats       `json:"after"`
	Flags      []string          `json:"flags,omitempty"`
	Panels     string            `json:"panels"`
}

// CacheStats are the counters of one server-side cache.
type CacheStats struct {
	Entries   int   `json:"entries"`
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Expired   int64 `json:"expired"`
	Evictions int64 `json:"evictions"`
}

// ServerStatus describes a running score server.
type ServerStatus struct {
	Instance      string            `json:"instance"`
	Version       string            `json:"version"`
	Ready         bool              `json:"ready"`
	UptimeSeconds float64           `json:"uptime_seconds"`
	BeatmapCache  CacheStats        `json:"beatmap_cache"`
	Upstreams     map[string]string `json:"upstreams"`
}

// Uptime returns UptimeSeconds as a Duration.
func (s ServerStatus) Uptime() time.Duration {
	return time.Duration(s.UptimeSeconds * float64(time.Second))
}

// StatusResponse reports overall server health.
type StatusResponse struct {
	// Healthy is true when the server returned HTTP 200.
	Healthy bool
	// Details contains per-upstream error lines when unhealthy.
	Details string
}

// APIError is returned when the server responds with a non-2xx status.
// Callers can use errors.As to inspect the status code.
type APIError struct {
	StatusCode int
	Message    string
	// Kind is the server's error classification, e.g. "auth_failure".
	Kind string
	// Sentinel is the game-client body of a failed submission, if any.
	Sentinel *string
}

func (e *APIError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("scoreserver error (%d %s): %s", e.StatusCode, e.Kind, e.Message)
	}
	return fmt.Sprintf("scoreserver error (%d): %s", e.StatusCode, e.Message)
}

// ── Client ────────────────────────────────────────────────────────────────────

// Client communicates with a score server over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Option is a functional option for New.
type Option func(*Client)

// WithHTTPClient replaces the default *http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout sets the HTTP client timeout (default 30s).
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// New creates a Client that speaks to the server at serverAddr.
// serverAddr should include scheme and host, e.g. "http://localhost:8090".
func New(serverAddr string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(serverAddr, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// ── Public methods ────────────────────────────────────────────────────────────

// Beatmap resolves md5 on the server.
func (c *Client) Beatmap(ctx context.Context, md5 string) (Beatmap, error) {
	var b Beatmap
	err := c.getJSON(ctx, "/api/v1/beatmaps/"+url.PathEscape(md5), &b)
	return b, err
}

// EvictBeatmap drops md5 from the server's beatmap cache.
func (c *Client) EvictBeatmap(ctx context.Context, md5 string) error {
	resp, err := c.doDelete(ctx, "/api/v1/beatmaps/"+url.PathEscape(md5))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return checkStatus(resp, http.StatusNoContent)
}

// Leaderboard returns the filtered leaderboard of md5.
func (c *Client) Leaderboard(ctx context.Context, md5 string, q LeaderboardQuery) (Leaderboard, error) {
	path := "/api/v1/leaderboards/" + url.PathEscape(md5)
	if v := q.values(); len(v) > 0 {
		path += "?" + v.Encode()
	}
	var lb Leaderboard
	err := c.getJSON(ctx, path, &lb)
	return lb, err
}

// User returns the cached account fields of userID.
func (c *Client) User(ctx context.Context, userID int) (User, error) {
	var u User
	err := c.getJSON(ctx, "/api/v1/users/"+strconv.Itoa(userID), &u)
	return u, err
}

// Stats returns the stats of userID in mode, a mode number or name.
func (c *Client) Stats(ctx context.Context, userID int, mode string) (types.Stats, error) {
	path := "/api/v1/users/" + strconv.Itoa(userID) + "/stats"
	if mode != "" {
		path += "?mode=" + url.QueryEscape(mode)
	}
	var st types.Stats
	err := c.getJSON(ctx, path, &st)
	return st, err
}

// Restrict restricts userID, recording reason.
func (c *Client) Restrict(ctx context.Context, userID int, reason string) error {
	resp, err := c.doPost(ctx, "/api/v1/users/"+strconv.Itoa(userID)+"/restrict", map[string]string{"reason": reason})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return checkStatus(resp, http.StatusNoContent)
}

// Submit sends a decoded score submission. A rejected submission returns an
// *APIError whose Sentinel holds the game-client body.
func (c *Client) Submit(ctx context.Context, sub types.Submission) (SubmitResult, error) {
	resp, err := c.doPost(ctx, "/api/v1/scores", sub)
	if err != nil {
		return SubmitResult{}, err
	}
	defer resp.Body.Close()

	if err := checkStatus(resp, http.StatusOK); err != nil {
		return SubmitResult{}, err
	}
	var out SubmitResult
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return SubmitResult{}, fmt.Errorf("decode response: %w", err)
	}
	return out, nil
}

// Replay downloads the replay of scoreID as username.
func (c *Client) Replay(ctx context.Context, username, passwordMD5 string, scoreID int64) ([]byte, error) {
	q := url.Values{"u": {username}, "h": {passwordMD5}}
	resp, err := c.doGet(ctx, "/api/v1/replays/"+strconv.FormatInt(scoreID, 10)+"?"+q.Encode())
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := checkStatus(resp, http.StatusOK); err != nil {
		return nil, err
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read replay: %w", err)
	}
	return data, nil
}

// ServerStatus returns the server's instance, cache and upstream state.
func (c *Client) ServerStatus(ctx context.Context) (ServerStatus, error) {
	var st ServerStatus
	err := c.getJSON(ctx, "/api/v1/status", &st)
	return st, err
}

// Status checks the server's /healthz endpoint. It always returns a
// StatusResponse; additionally it returns a non-nil *APIError when the
// server is degraded (HTTP 503).
func (c *Client) Status(ctx context.Context) (StatusResponse, error) {
	resp, err := c.doGet(ctx, "/healthz")
	if err != nil {
		return StatusResponse{}, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	text := strings.TrimSpace(string(body))

	if resp.StatusCode == http.StatusOK {
		return StatusResponse{Healthy: true}, nil
	}

	// Server writes "DEGRADED\nupstream: reason\n..."
	details := ""
	lines := strings.SplitN(text, "\n", 2)
	if len(lines) > 1 {
		details = strings.TrimSpace(lines[1])
	} else {
		details = text
	}
	sr := StatusResponse{Healthy: false, Details: details}
	return sr, &APIError{StatusCode: resp.StatusCode, Message: details}
}

// ── HTTP helpers ──────────────────────────────────────────────────────────────

func (c *Client) getJSON(ctx context.Context, path string, dst any) error {
	resp, err := c.doGet(ctx, path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := checkStatus(resp, http.StatusOK); err != nil {
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) doGet(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("build GET %s: %w", path, err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", path, err)
	}
	return resp, nil
}

func (c *Client) doPost(ctx context.Context, path string, body any) (*http.Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("build POST %s: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("POST %s: %w", path, err)
	}
	return resp, nil
}

func (c *Client) doDelete(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("build DELETE %s: %w", path, err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("DELETE %s: %w", path, err)
	}
	return resp, nil
}

// checkStatus returns an *APIError when resp.StatusCode != wantCode.
func checkStatus(resp *http.Response, wantCode int) error {
	if resp.StatusCode == wantCode {
		return nil
	}
	body, _ := io.ReadAll(resp.Body)
	// Try to extract the {"error","kind","sentinel"} body.
	var e struct {
		Error    string  `json:"error"`
		Kind     string  `json:"kind"`
		Sentinel *string `json:"sentinel"`
	}
	if json.Unmarshal(body, &e) == nil && e.Error != "" {
		return &APIError{StatusCode: resp.StatusCode, Message: e.Error, Kind: e.Kind, Sentinel: e.Sentinel}
	}
	return &APIError{
		StatusCode: resp.StatusCode,
		Message:    strings.TrimSpace(string(body)),
	}
}
