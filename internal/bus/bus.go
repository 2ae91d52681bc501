// Package bus is the pub/sub transport for cache invalidation and
// notifications shared with the rest of the server infrastructure.
//
// Four transports are provided: Redis pub/sub, Kafka topics, etcd key watches
// and an in-process bus for tests and single-node deployments. Delivery is at
// most once on every transport; consumers treat messages as hints.
package bus

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/scttfrdmn/scorekeeper/pkg/types"
)

// Well-known topics.
const (
	// TopicMapUpdate carries "md5,status" when a beatmap's approval status changes.
	TopicMapUpdate = "cache:map_update"
	// TopicStatsUpdate carries a user id whose cached stats changed.
	TopicStatsUpdate = "peppy:update_cached_stats"
	// TopicBan carries a user id that was just restricted.
	TopicBan = "peppy:ban"
)

// Message is one delivered payload.
type Message struct {
	Topic   string
	Payload []byte
}

// Bus publishes and subscribes to topics.
type Bus interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	// Subscribe returns a channel of messages on topic. The channel is closed
	// when ctx is cancelled or the bus is closed.
	Subscribe(ctx context.Context, topic string) (<-chan Message, error)
	Close() error
}

// FormatStatusChange encodes a TopicMapUpdate payload.
func FormatStatusChange(md5 string, status types.Status) []byte {
	return []byte(md5 + "," + strconv.Itoa(int(status)))
}

// ParseStatusChange decodes a TopicMapUpdate payload.
func ParseStatusChange(payload []byte) (string, types.Status, error) {
	md5, raw, ok := strings.Cut(strings.TrimSpace(string(payload)), ",")
	if !ok || len(md5) != 32 {
		return "", 0, fmt.Errorf("bus: malformed map update %q", payload)
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return "", 0, fmt.Errorf("bus: malformed map status %q: %w", raw, err)
	}
	return md5, types.Status(n), nil
}

// ── MemoryBus ─────────────────────────────────────────────────────────────────

type memSubscriber struct {
	topic string
	ch    chan Message
}

// MemoryBus is an in-process Bus. Slow subscribers drop messages rather than
// blocking publishers.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   []*memSubscriber
	closed bool
}

// NewMemoryBus returns an empty MemoryBus.
func NewMemoryBus() *MemoryBus { return &MemoryBus{} }

func (m *MemoryBus) Publish(_ context.Context, topic string, payload []byte) error {
	msg := Message{Topic: topic, Payload: append([]byte(nil), payload...)}

	m.mu.RLock()
	snapshot := make([]*memSubscriber, len(m.subs))
	copy(snapshot, m.subs)
	m.mu.RUnlock()

	for _, s := range snapshot {
		if s.topic == topic {
			safeSend(s.ch, msg)
		}
	}
	return nil
}

func (m *MemoryBus) Subscribe(ctx context.Context, topic string) (<-chan Message, error) {
	s := &memSubscriber{topic: topic, ch: make(chan Message, 64)}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, fmt.Errorf("bus: closed")
	}
	m.subs = append(m.subs, s)
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		if m.remove(s) {
			close(s.ch)
		}
	}()
	return s.ch, nil
}

// Close closes every subscription channel.
func (m *MemoryBus) Close() error {
	m.mu.Lock()
	subs := m.subs
	m.subs = nil
	m.closed = true
	m.mu.Unlock()
	for _, s := range subs {
		close(s.ch)
	}
	return nil
}

// remove drops s and reports whether it was still registered.
func (m *MemoryBus) remove(s *memSubscriber) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, existing := range m.subs {
		if existing == s {
			m.subs = append(m.subs[:i], m.subs[i+1:]...)
			return true
		}
	}
	return false
}

// safeSend performs a non-blocking send, recovering if ch was closed between
// the subscriber snapshot and the send.
func safeSend(ch chan Message, msg Message) {
	defer func() { recover() }() //nolint:errcheck
	select {
	case ch <- msg:
	default:
	}
}
