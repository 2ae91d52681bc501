// Package circuitbreaker guards calls to external collaborators (the metadata
// service, the replay store, the announcement endpoint) so that an upstream
// which keeps failing is skipped for a cooldown instead of adding its timeout
// to every request.
//
// Each named upstream moves through three states:
//
//   - Closed: calls flow through.
//   - Open: threshold consecutive failures were recorded; calls are refused
//     with ErrOpen until the cooldown elapses.
//   - HalfOpen: one probe call is let through. Success closes the circuit,
//     failure re-opens it.
package circuitbreaker

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrOpen is returned by Execute when the upstream's circuit refuses the call.
var ErrOpen = errors.New("circuitbreaker: circuit open")

// State represents the circuit state for a single upstream.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config configures a Breaker.
type Config struct {
	// Threshold is the number of consecutive failures that opens a circuit.
	// Values ≤ 0 are treated as 1.
	Threshold int `yaml:"threshold"`

	// Cooldown is how long an open circuit refuses calls before probing.
	Cooldown time.Duration `yaml:"cooldown"`
}

// Breaker is a concurrent-safe set of per-upstream circuits.
// A nil *Breaker allows every call.
type Breaker struct {
	mu        sync.Mutex
	threshold int
	cooldown  time.Duration
	now       func() time.Time
	upstreams map[string]*circuit
}

type circuit struct {
	state    State
	failures int
	openedAt time.Time
	probing  bool
}

// New creates a Breaker from cfg.
func New(cfg Config) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 1
	}
	return &Breaker{
		threshold: cfg.Threshold,
		cooldown:  cfg.Cooldown,
		now:       time.Now,
		upstreams: make(map[string]*circuit),
	}
}

// Execute runs fn when the upstream's circuit allows it and records the result.
// It returns ErrOpen (wrapped with the upstream name) without calling fn when
// the circuit is open.
func (b *Breaker) Execute(upstream string, fn func() error) error {
	if b == nil {
		return fn()
	}
	if !b.Allow(upstream) {
		return fmt.Errorf("%s: %w", upstream, ErrOpen)
	}
	if err := fn(); err != nil {
		b.RecordFailure(upstream)
		return err
	}
	b.RecordSuccess(upstream)
	return nil
}

// Allow reports whether a call to upstream may proceed, performing the
// Open → HalfOpen transition once the cooldown has elapsed. Only one caller
// is admitted while half-open.
func (b *Breaker) Allow(upstream string) bool {
	if b == nil {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.get(upstream)
	switch c.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.now().Sub(c.openedAt) < b.cooldown {
			return false
		}
		c.state = StateHalfOpen
		c.probing = true
		return true
	case StateHalfOpen:
		if c.probing {
			return false
		}
		c.probing = true
		return true
	}
	return false
}

// RecordSuccess closes the upstream's circuit and clears its failure count.
func (b *Breaker) RecordSuccess(upstream string) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.get(upstream)
	c.failures = 0
	c.probing = false
	c.state = StateClosed
}

// RecordFailure counts a failure; a failed probe or reaching the threshold
// opens the circuit and restarts the cooldown.
func (b *Breaker) RecordFailure(upstream string) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.get(upstream)
	c.probing = false
	c.failures++
	if c.state == StateHalfOpen || c.failures >= b.threshold {
		c.state = StateOpen
		c.openedAt = b.now()
	}
}

// State returns the upstream's state. Upstreams never seen are Closed.
func (b *Breaker) State(upstream string) State {
	if b == nil {
		return StateClosed
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.upstreams[upstream]
	if !ok {
		return StateClosed
	}
	if c.state == StateOpen && b.now().Sub(c.openedAt) >= b.cooldown {
		c.state = StateHalfOpen
	}
	return c.state
}

// Reset returns every upstream to Closed.
func (b *Breaker) Reset() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.upstreams = make(map[string]*circuit)
}

// get returns the circuit for upstream, creating a Closed one if absent.
// Caller must hold b.mu.
func (b *Breaker) get(upstream string) *circuit {
	if c, ok := b.upstreams[upstream]; ok {
		return c
	}
	c := &circuit{state: StateClosed}
	b.upstreams[upstream] = c
	return c
}
