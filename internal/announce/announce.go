// Package announce posts in-game chat announcements through the chat
// server's bot message endpoint.
package announce

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/scttfrdmn/scorekeeper/internal/circuitbreaker"
	"github.com/scttfrdmn/scorekeeper/pkg/types"
)

// Upstream is the circuit-breaker name of the chat server.
const Upstream = "announce"

// DefaultTimeout bounds one announcement request.
const DefaultTimeout = 2 * time.Second

// Sender delivers one chat message.
type Sender interface {
	Send(ctx context.Context, msg string) error
}

// Config configures a Client.
type Config struct {
	URL        string
	Key        string
	Channel    string
	ProfileURL string
	Timeout    time.Duration
}

// Client sends messages with GET URL?k=&to=&msg=.
type Client struct {
	cfg     Config
	http    *http.Client
	breaker *circuitbreaker.Breaker
}

// New returns a Client. breaker may be nil.
func New(cfg Config, breaker *circuitbreaker.Breaker) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Channel == "" {
		cfg.Channel = "#announce"
	}
	return &Client{cfg: cfg, http: &http.Client{Timeout: cfg.Timeout}, breaker: breaker}
}

// Send posts msg to the configured channel.
func (c *Client) Send(ctx context.Context, msg string) error {
	return c.breaker.Execute(Upstream, func() error {
		q := url.Values{}
		q.Set("k", c.cfg.Key)
		q.Set("to", c.cfg.Channel)
		q.Set("msg", msg)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.URL+"?"+q.Encode(), nil)
		if err != nil {
			return err
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("announce: %w", err)
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)
		if resp.StatusCode/100 != 2 {
			return fmt.Errorf("announce: status %d", resp.StatusCode)
		}
		return nil
	})
}

// FirstPlace renders the rank #1 announcement for a score on bm.
func FirstPlace(profileURL string, s types.Score, bm types.BeatmapInfo) string {
	profile := fmt.Sprintf("[%s%s %s]", profileURL, strconv.Itoa(s.UserID), s.Username)
	return fmt.Sprintf("[%s] %s achieved rank #1 on %s (%s) - %.2fpp",
		s.Mode.Category().Tag(), profile, bm.Embed(), s.Mode.AnnouncePrefix(), s.PP)
}

// ── Recorder ──────────────────────────────────────────────────────────────────

// Recorder is a Sender that keeps messages in memory.
type Recorder struct {
	mu   sync.Mutex
	msgs []string
}

func (r *Recorder) Send(_ context.Context, msg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return nil
}

// Messages returns the recorded messages in send order.
func (r *Recorder) Messages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.msgs...)
}
