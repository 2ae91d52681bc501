// Package keylock serialises work per key.
//
// Score submissions for the same (user, beatmap, mode) must never classify
// concurrently, and stats updates for the same (user, mode) must never
// interleave. A Locker hands out one holder per key at a time:
//
//   - [Local]: in-process, channel based, honours context cancellation.
//   - [Manager]: lease based, for several server instances sharing one
//     store. Backed by etcd via [NewManager], or by an in-memory lease
//     table via [NewMemoryManager] for tests.
package keylock

import (
	"context"
	"sync"
)

// Locker serialises holders of the same key.
type Locker interface {
	// Lock blocks until key is free or ctx is done. The returned unlock
	// function is idempotent.
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// ── Local ─────────────────────────────────────────────────────────────────────

type slot struct {
	ch   chan struct{} // holds one token while locked
	refs int           // holders plus waiters
}

// Local is an in-process Locker. Idle keys are not retained.
type Local struct {
	mu    sync.Mutex
	slots map[string]*slot
}

// NewLocal returns an empty Local.
func NewLocal() *Local {
	return &Local{slots: make(map[string]*slot)}
}

// Lock implements Locker.
func (l *Local) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	s, ok := l.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[key] = s
	}
	s.refs++
	l.mu.Unlock()

	select {
	case s.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(key, s)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-s.ch
			l.release(key, s)
		})
	}, nil
}

func (l *Local) release(key string, s *slot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(l.slots, key)
	}
}

// Len returns the number of keys currently held or awaited.
func (l *Local) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.slots)
}
