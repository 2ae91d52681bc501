package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

// fakeClock is a manually advanced clock for TTL tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: time.Unix(1_700_000_000, 0)} }

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

// ── Get / Put basics ──────────────────────────────────────────────────────────

func TestCache_GetMissOnEmpty(t *testing.T) {
	t.Parallel()
	c := New[string](Config{})
	if _, ok := c.Get("missing"); ok {
		t.Error("expected miss on empty cache")
	}
}

func TestCache_PutThenGet(t *testing.T) {
	t.Parallel()
	c := New[int](Config{})
	c.Put("k", 7)
	v, ok := c.Get("k")
	if !ok {
		t.Fatal("expected hit")
	}
	if v != 7 {
		t.Errorf("got %d, want 7", v)
	}
}

func TestCache_PutReplace(t *testing.T) {
	t.Parallel()
	c := New[string](Config{MaxEntries: 10})
	c.Put("k", "first")
	c.Put("k", "second")
	v, _ := c.Get("k")
	if v != "second" {
		t.Errorf("got %q, want %q", v, "second")
	}
	if c.Len() != 1 {
		t.Errorf("Len: got %d, want 1", c.Len())
	}
}

// ── Capacity ──────────────────────────────────────────────────────────────────

func TestCache_CapacityKeepsNewestInserted(t *testing.T) {
	t.Parallel()
	const limit = 5
	c := New[int](Config{MaxEntries: limit})
	for i := 0; i < 12; i++ {
		c.Put(fmt.Sprintf("k%d", i), i)
	}
	if c.Len() != limit {
		t.Fatalf("Len: got %d, want %d", c.Len(), limit)
	}
	for i := 0; i < 12; i++ {
		_, ok := c.Get(fmt.Sprintf("k%d", i))
		if want := i >= 12-limit; ok != want {
			t.Errorf("k%d present=%v, want %v", i, ok, want)
		}
	}
	if got := c.Stats().Evictions; got != 12-limit {
		t.Errorf("Evictions: got %d, want %d", got, 12-limit)
	}
}

func TestCache_CapacityIgnoresAccessOrder(t *testing.T) {
	t.Parallel()
	c := New[int](Config{MaxEntries: 2})
	c.Put("a", 1)
	c.Put("b", 2)
	// Reading "a" must not protect it: insertion order decides.
	c.Get("a")
	c.Put("c", 3)
	if _, ok := c.Get("a"); ok {
		t.Error("a should have been evicted as the oldest insertion")
	}
	if _, ok := c.Get("b"); !ok {
		t.Error("b should survive")
	}
}

func TestCache_ReplaceRefreshesInsertionOrder(t *testing.T) {
	t.Parallel()
	c := New[int](Config{MaxEntries: 2})
	c.Put("a", 1)
	c.Put("b", 2)
	c.Put("a", 10)
	c.Put("c", 3)
	if _, ok := c.Get("b"); ok {
		t.Error("b should be the oldest insertion after a was replaced")
	}
	if v, ok := c.Get("a"); !ok || v != 10 {
		t.Errorf("a: got %d,%v want 10,true", v, ok)
	}
}

// ── TTL ───────────────────────────────────────────────────────────────────────

func TestCache_TTLExpiry(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	c := New[string](Config{TTL: time.Minute, Now: clk.Now})
	c.Put("k", "v")

	clk.Advance(59 * time.Second)
	if _, ok := c.Get("k"); !ok {
		t.Fatal("entry should be live before TTL")
	}

	clk.Advance(2 * time.Second)
	// Any Put runs the eviction passes.
	c.Put("other", "x")
	if _, ok := c.Get("k"); ok {
		t.Error("entry should be gone after TTL and an eviction pass")
	}
	if c.Len() != 1 {
		t.Errorf("Len: got %d, want 1", c.Len())
	}
	if got := c.Stats().Expired; got != 1 {
		t.Errorf("Expired: got %d, want 1", got)
	}
}

func TestCache_GetDoesNotRefreshExpiry(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	c := New[int](Config{TTL: 10 * time.Second, Now: clk.Now})
	c.Put("k", 1)
	for i := 0; i < 3; i++ {
		clk.Advance(4 * time.Second)
		c.Get("k")
	}
	if _, ok := c.Get("k"); ok {
		t.Error("reads must not extend an entry's lifetime")
	}
}

func TestCache_ZeroTTLNeverExpires(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	c := New[int](Config{Now: clk.Now})
	c.Put("k", 1)
	clk.Advance(365 * 24 * time.Hour)
	c.Put("j", 2)
	if _, ok := c.Get("k"); !ok {
		t.Error("entry without TTL should never expire")
	}
}

// ── Remove ────────────────────────────────────────────────────────────────────

func TestCache_Remove(t *testing.T) {
	t.Parallel()
	c := New[int](Config{})
	c.Put("k", 1)
	c.Remove("k")
	if _, ok := c.Get("k"); ok {
		t.Error("expected miss after remove")
	}
	c.Remove("k") // idempotent
}

func TestCache_RemoveByPrefix(t *testing.T) {
	t.Parallel()
	c := New[int](Config{})
	c.Put(Key("abc", 0, 1), 1)
	c.Put(Key("abc", 0, 2), 2)
	c.Put(Key("abc"), 3)
	c.Put(Key("abcd", 0), 4)
	c.Put(Key("xyz", 0), 5)

	if n := c.RemoveByPrefix("abc"); n != 3 {
		t.Errorf("removed: got %d, want 3", n)
	}
	if _, ok := c.Get(Key("abcd", 0)); !ok {
		t.Error("abcd:0 shares a string prefix but not a key component; it must survive")
	}
	if _, ok := c.Get(Key("xyz", 0)); !ok {
		t.Error("xyz:0 should survive")
	}
}

func TestCache_RemoveByPrefixMultipleComponents(t *testing.T) {
	t.Parallel()
	c := New[int](Config{})
	c.Put(Key("m", 0, "top"), 1)
	c.Put(Key("m", 0, "mod"), 2)
	c.Put(Key("m", 4, "top"), 3)
	c.RemoveByPrefix("m", 0)
	if c.Len() != 1 {
		t.Errorf("Len: got %d, want 1", c.Len())
	}
}

func TestCache_Clear(t *testing.T) {
	t.Parallel()
	c := New[int](Config{})
	c.Put("a", 1)
	c.Put("b", 2)
	c.Clear()
	if c.Len() != 0 {
		t.Errorf("Len after Clear: got %d, want 0", c.Len())
	}
}

// ── Stats ─────────────────────────────────────────────────────────────────────

func TestCache_StatsCounters(t *testing.T) {
	t.Parallel()
	c := New[int](Config{})
	c.Put("k", 1)
	c.Get("k")
	c.Get("k")
	c.Get("nope")
	st := c.Stats()
	if st.Hits != 2 || st.Misses != 1 || st.Entries != 1 {
		t.Errorf("stats: got %+v", st)
	}
}

// ── Concurrency ───────────────────────────────────────────────────────────────

func TestCache_ConcurrentAccess(t *testing.T) {
	t.Parallel()
	c := New[int](Config{MaxEntries: 50, TTL: time.Minute})
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				k := Key(g, i%20)
				c.Put(k, i)
				c.Get(k)
				if i%17 == 0 {
					c.RemoveByPrefix(g)
				}
			}
		}(g)
	}
	wg.Wait()
	if c.Len() > 50 {
		t.Errorf("Len: got %d, exceeds capacity 50", c.Len())
	}
}
