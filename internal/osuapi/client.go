// Package osuapi is a client for the osu! API v1 beatmap lookup used as the
// last resolution source for unknown beatmap hashes.
package osuapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/ratelimit"

	"github.com/scttfrdmn/scorekeeper/internal/circuitbreaker"
	"github.com/scttfrdmn/scorekeeper/internal/retry"
	"github.com/scttfrdmn/scorekeeper/pkg/types"
)

// Upstream is the circuit-breaker name of the metadata service.
const Upstream = "osu_api"

const lastUpdateLayout = "2006-01-02 15:04:05"

// Config configures a Client.
type Config struct {
	BaseURL string
	// Keys are API keys; one is picked at random per request.
	Keys    []string
	Timeout time.Duration
	// RatePerSecond paces requests. 0 disables pacing.
	RatePerSecond int
	Retry         retry.Config
}

// Client looks up beatmaps by content hash.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter ratelimit.Limiter
	breaker *circuitbreaker.Breaker
}

// New returns a Client. breaker may be nil.
func New(cfg Config, breaker *circuitbreaker.Breaker) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.Default
	}
	limiter := ratelimit.NewUnlimited()
	if cfg.RatePerSecond > 0 {
		limiter = ratelimit.New(cfg.RatePerSecond, ratelimit.WithoutSlack)
	}
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: limiter,
		breaker: breaker,
	}
}

// descriptor is one element of the get_beatmaps response. The API encodes
// every field as a string.
type descriptor struct {
	BeatmapID     string `json:"beatmap_id"`
	BeatmapsetID  string `json:"beatmapset_id"`
	FileMD5       string `json:"file_md5"`
	Approved      string `json:"approved"`
	Artist        string `json:"artist"`
	Title         string `json:"title"`
	Version       string `json:"version"`
	LastUpdate    string `json:"last_update"`
	DifficultyStr string `json:"difficultyrating"`
}

// SongName formats the display name stored for a beatmap.
func SongName(artist, title, version string) string {
	return fmt.Sprintf("%s - %s [%s]", artist, title, version)
}

func (d descriptor) toBeatmap() (types.BeatmapInfo, error) {
	id, err := strconv.Atoi(d.BeatmapID)
	if err != nil {
		return types.BeatmapInfo{}, fmt.Errorf("beatmap_id %q: %w", d.BeatmapID, err)
	}
	setID, err := strconv.Atoi(d.BeatmapsetID)
	if err != nil {
		return types.BeatmapInfo{}, fmt.Errorf("beatmapset_id %q: %w", d.BeatmapsetID, err)
	}
	approved, err := strconv.Atoi(d.Approved)
	if err != nil {
		return types.BeatmapInfo{}, fmt.Errorf("approved %q: %w", d.Approved, err)
	}
	updated, err := time.Parse(lastUpdateLayout, d.LastUpdate)
	if err != nil {
		return types.BeatmapInfo{}, fmt.Errorf("last_update %q: %w", d.LastUpdate, err)
	}
	rating, _ := strconv.ParseFloat(d.DifficultyStr, 64)
	return types.BeatmapInfo{
		ID:          id,
		SetID:       setID,
		MD5:         d.FileMD5,
		Status:      types.StatusFromAPI(approved),
		SongName:    SongName(d.Artist, d.Title, d.Version),
		Rating:      rating,
		LastChecked: updated,
	}, nil
}

// LookupByHash fetches the beatmap with the given content hash. It returns a
// *types.NotFoundError when the service knows no such beatmap and a
// KindUpstreamUnavailable error when the service could not be reached.
func (c *Client) LookupByHash(ctx context.Context, md5 string) (types.BeatmapInfo, error) {
	var (
		out   types.BeatmapInfo
		found bool
	)
	err := c.breaker.Execute(Upstream, func() error {
		return retry.Do(ctx, c.cfg.Retry, func(int) error {
			b, ok, err := c.fetch(ctx, md5)
			if err != nil {
				return err
			}
			out, found = b, ok
			return nil
		})
	})
	if err != nil {
		return types.BeatmapInfo{}, types.E(types.KindUpstreamUnavailable, "osuapi.LookupByHash", err)
	}
	if !found {
		return types.BeatmapInfo{}, types.NotFound("beatmap", md5)
	}
	return out, nil
}

func (c *Client) fetch(ctx context.Context, md5 string) (types.BeatmapInfo, bool, error) {
	c.limiter.Take()

	q := url.Values{}
	q.Set("h", md5)
	if len(c.cfg.Keys) > 0 {
		q.Set("k", c.cfg.Keys[rand.IntN(len(c.cfg.Keys))])
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/api/get_beatmaps?"+q.Encode(), nil)
	if err != nil {
		return types.BeatmapInfo{}, false, retry.Permanent(err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return types.BeatmapInfo{}, false, retry.Permanent(err)
		}
		return types.BeatmapInfo{}, false, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return types.BeatmapInfo{}, false, err
	}
	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return types.BeatmapInfo{}, false, fmt.Errorf("osu api: status %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		return types.BeatmapInfo{}, false, retry.Permanent(fmt.Errorf("osu api: status %d", resp.StatusCode))
	}

	var descs []descriptor
	if err := json.Unmarshal(body, &descs); err != nil {
		// The API answers some failures with a bare JSON object or string.
		return types.BeatmapInfo{}, false, retry.Permanent(fmt.Errorf("osu api: decode response: %w", err))
	}
	if len(descs) == 0 {
		return types.BeatmapInfo{}, false, nil
	}
	b, err := descs[0].toBeatmap()
	if err != nil {
		return types.BeatmapInfo{}, false, retry.Permanent(fmt.Errorf("osu api: %w", err))
	}
	return b, true, nil
}
