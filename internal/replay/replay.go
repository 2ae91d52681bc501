// Package replay stores and fetches replay files by score id.
//
// Client talks to the replay service over HTTP (POST /save?id=, GET
// /get?id=). MemoryStore keeps replays in process for tests and for
// deployments without a replay service.
package replay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/scttfrdmn/scorekeeper/internal/circuitbreaker"
	"github.com/scttfrdmn/scorekeeper/pkg/types"
)

// Upstream is the circuit-breaker name of the replay service.
const Upstream = "replays"

// MaxSize caps a replay body read from the service.
const MaxSize = 16 << 20

// Store saves and fetches replay files.
type Store interface {
	Save(ctx context.Context, scoreID int64, data []byte) error
	// Fetch returns a *types.NotFoundError when no replay exists.
	Fetch(ctx context.Context, scoreID int64) ([]byte, error)
}

// Config configures a Client.
type Config struct {
	URL     string
	Timeout time.Duration
}

// Client is an HTTP replay Store.
type Client struct {
	cfg     Config
	http    *http.Client
	breaker *circuitbreaker.Breaker
}

// New returns a Client. breaker may be nil.
func New(cfg Config, breaker *circuitbreaker.Breaker) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &Client{cfg: cfg, http: &http.Client{Timeout: cfg.Timeout}, breaker: breaker}
}

// Save uploads data as the replay of scoreID.
func (c *Client) Save(ctx context.Context, scoreID int64, data []byte) error {
	return c.breaker.Execute(Upstream, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url("save", scoreID), bytes.NewReader(data))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/octet-stream")
		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("replay: save %d: %w", scoreID, err)
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)
		if resp.StatusCode/100 != 2 {
			return fmt.Errorf("replay: save %d: status %d", scoreID, resp.StatusCode)
		}
		return nil
	})
}

// Fetch downloads the replay of scoreID.
func (c *Client) Fetch(ctx context.Context, scoreID int64) ([]byte, error) {
	var data []byte
	err := c.breaker.Execute(Upstream, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url("get", scoreID), nil)
		if err != nil {
			return err
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("replay: fetch %d: %w", scoreID, err)
		}
		defer resp.Body.Close()
		switch {
		case resp.StatusCode == http.StatusNotFound:
			data = nil
			return nil
		case resp.StatusCode != http.StatusOK:
			return fmt.Errorf("replay: fetch %d: status %d", scoreID, resp.StatusCode)
		}
		data, err = io.ReadAll(io.LimitReader(resp.Body, MaxSize))
		return err
	})
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, types.NotFound("replay", scoreID)
	}
	return data, nil
}

func (c *Client) url(op string, scoreID int64) string {
	return c.cfg.URL + "/" + op + "?id=" + strconv.FormatInt(scoreID, 10)
}

// ── MemoryStore ───────────────────────────────────────────────────────────────

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu      sync.RWMutex
	replays map[int64][]byte
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{replays: make(map[int64][]byte)}
}

var errEmpty = errors.New("replay: empty payload")

func (m *MemoryStore) Save(_ context.Context, scoreID int64, data []byte) error {
	if len(data) == 0 {
		return errEmpty
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.replays[scoreID] = bytes.Clone(data)
	return nil
}

func (m *MemoryStore) Fetch(_ context.Context, scoreID int64) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.replays[scoreID]
	if !ok {
		return nil, types.NotFound("replay", scoreID)
	}
	return bytes.Clone(data), nil
}
