package circuitbreaker

import (
	"errors"
	"sync"
	"testing"
	"time"
)

var errUpstream = errors.New("upstream down")

// newTestBreaker returns a Breaker whose clock is advanced by the returned func.
func newTestBreaker(threshold int, cooldown time.Duration) (*Breaker, func(time.Duration)) {
	b := New(Config{Threshold: threshold, Cooldown: cooldown})
	var mu sync.Mutex
	now := time.Unix(1_700_000_000, 0)
	b.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	return b, func(d time.Duration) {
		mu.Lock()
		now = now.Add(d)
		mu.Unlock()
	}
}

func TestBreaker_InitiallyClosed(t *testing.T) {
	t.Parallel()
	b, _ := newTestBreaker(3, time.Second)
	if got := b.State("osu_api"); got != StateClosed {
		t.Errorf("initial state: got %v, want closed", got)
	}
	if !b.Allow("osu_api") {
		t.Error("Allow should return true for a closed circuit")
	}
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	t.Parallel()
	b, _ := newTestBreaker(3, time.Hour)
	for i := 1; i <= 2; i++ {
		b.RecordFailure("osu_api")
		if got := b.State("osu_api"); got != StateClosed {
			t.Errorf("after %d failures: got %v, want closed", i, got)
		}
	}
	b.RecordFailure("osu_api")
	if got := b.State("osu_api"); got != StateOpen {
		t.Errorf("after threshold: got %v, want open", got)
	}
	if b.Allow("osu_api") {
		t.Error("Allow should refuse during cooldown")
	}
}

func TestBreaker_HalfOpenSingleProbe(t *testing.T) {
	t.Parallel()
	b, advance := newTestBreaker(1, time.Minute)
	b.RecordFailure("replay")
	advance(time.Minute)

	if !b.Allow("replay") {
		t.Fatal("first caller after cooldown should probe")
	}
	if b.Allow("replay") {
		t.Error("second caller must wait for the probe")
	}
	b.RecordSuccess("replay")
	if got := b.State("replay"); got != StateClosed {
		t.Errorf("after successful probe: got %v, want closed", got)
	}
}

func TestBreaker_ReopensAfterProbeFailure(t *testing.T) {
	t.Parallel()
	b, advance := newTestBreaker(2, time.Minute)
	b.RecordFailure("announce")
	b.RecordFailure("announce")
	advance(time.Minute)
	if !b.Allow("announce") {
		t.Fatal("probe should be allowed")
	}
	b.RecordFailure("announce")
	if got := b.State("announce"); got != StateOpen {
		t.Errorf("after failed probe: got %v, want open", got)
	}
}

func TestBreaker_SuccessResetsFailureCounter(t *testing.T) {
	t.Parallel()
	b, _ := newTestBreaker(2, time.Hour)
	b.RecordFailure("osu_api")
	b.RecordSuccess("osu_api")
	b.RecordFailure("osu_api")
	if got := b.State("osu_api"); got != StateClosed {
		t.Errorf("got %v, want closed", got)
	}
}

func TestBreaker_IndependentUpstreams(t *testing.T) {
	t.Parallel()
	b, _ := newTestBreaker(1, time.Hour)
	b.RecordFailure("osu_api")
	if got := b.State("replay"); got != StateClosed {
		t.Errorf("replay: got %v, want closed", got)
	}
}

// ── Execute ───────────────────────────────────────────────────────────────────

func TestExecute_RecordsOutcome(t *testing.T) {
	t.Parallel()
	b, _ := newTestBreaker(1, time.Hour)

	if err := b.Execute("osu_api", func() error { return nil }); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if err := b.Execute("osu_api", func() error { return errUpstream }); !errors.Is(err, errUpstream) {
		t.Fatalf("Execute: got %v, want upstream error", err)
	}

	called := false
	err := b.Execute("osu_api", func() error { called = true; return nil })
	if !errors.Is(err, ErrOpen) {
		t.Errorf("got %v, want ErrOpen", err)
	}
	if called {
		t.Error("fn must not run while the circuit is open")
	}
}

func TestNilBreakerAllowsEverything(t *testing.T) {
	t.Parallel()
	var b *Breaker
	if !b.Allow("x") {
		t.Error("nil breaker should allow")
	}
	b.RecordFailure("x")
	if err := b.Execute("x", func() error { return nil }); err != nil {
		t.Errorf("Execute on nil breaker: %v", err)
	}
}

func TestBreaker_Reset(t *testing.T) {
	t.Parallel()
	b, _ := newTestBreaker(1, time.Hour)
	b.RecordFailure("osu_api")
	b.Reset()
	if got := b.State("osu_api"); got != StateClosed {
		t.Errorf("after reset: got %v, want closed", got)
	}
}

func TestBreaker_StateString(t *testing.T) {
	t.Parallel()
	cases := map[State]string{
		StateClosed:   "closed",
		StateOpen:     "open",
		StateHalfOpen: "half-open",
		State(99):     "unknown",
	}
	for s, want := range cases {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String(): got %q, want %q", int(s), got, want)
		}
	}
}

func TestBreaker_ConcurrentSafe(t *testing.T) {
	t.Parallel()
	b, _ := newTestBreaker(5, time.Millisecond)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_ = b.Execute("osu_api", func() error {
					if (i+j)%3 == 0 {
						return errUpstream
					}
					return nil
				})
				b.State("osu_api")
			}
		}(i)
	}
	wg.Wait()
}
