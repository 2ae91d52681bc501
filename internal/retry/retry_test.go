package retry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/scttfrdmn/scorekeeper/internal/retry"
)

var errTransient = errors.New("transient error")

func TestDo_SucceedsOnFirstAttempt(t *testing.T) {
	t.Parallel()

	calls := 0
	err := retry.Do(context.Background(), retry.Config{MaxAttempts: 3, InitialDelay: time.Hour}, func(int) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestDo_PassesAttemptNumber(t *testing.T) {
	t.Parallel()

	var seen []int
	_ = retry.Do(context.Background(), retry.Config{MaxAttempts: 3, InitialDelay: time.Millisecond}, func(attempt int) error {
		seen = append(seen, attempt)
		return errTransient
	})
	if len(seen) != 3 || seen[0] != 1 || seen[2] != 3 {
		t.Errorf("attempts: got %v, want [1 2 3]", seen)
	}
}

func TestDo_SucceedsOnSecondAttempt(t *testing.T) {
	t.Parallel()

	calls := 0
	err := retry.Do(context.Background(), retry.Config{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		Multiplier:   2.0,
	}, func(int) error {
		calls++
		if calls == 1 {
			return errTransient
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected nil after retry, got %v", err)
	}
	if calls != 2 {
		t.Errorf("expected 2 calls, got %d", calls)
	}
}

func TestDo_FailsAllAttempts(t *testing.T) {
	t.Parallel()

	calls := 0
	err := retry.Do(context.Background(), retry.Config{MaxAttempts: 3, InitialDelay: time.Millisecond}, func(int) error {
		calls++
		return errTransient
	})
	if !errors.Is(err, errTransient) {
		t.Fatalf("expected transient error, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestDo_PermanentStopsImmediately(t *testing.T) {
	t.Parallel()

	final := errors.New("no such beatmap")
	calls := 0
	err := retry.Do(context.Background(), retry.Config{MaxAttempts: 5, InitialDelay: time.Millisecond}, func(int) error {
		calls++
		return retry.Permanent(final)
	})
	if err != final {
		t.Fatalf("expected the unwrapped permanent error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestPermanent_Nil(t *testing.T) {
	t.Parallel()
	if retry.Permanent(nil) != nil {
		t.Error("Permanent(nil) should be nil")
	}
}

func TestDo_ZeroMaxAttemptsTreatedAsOne(t *testing.T) {
	t.Parallel()

	calls := 0
	_ = retry.Do(context.Background(), retry.Config{}, func(int) error {
		calls++
		return errTransient
	})
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestDo_ContextCancelledDuringBackoff(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- retry.Do(ctx, retry.Config{MaxAttempts: 3, InitialDelay: time.Hour}, func(int) error {
			calls++
			return errTransient
		})
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Do did not return after cancellation")
	}
	if calls != 1 {
		t.Errorf("expected 1 call before cancellation, got %d", calls)
	}
}

func TestDo_MaxDelayCaps(t *testing.T) {
	t.Parallel()

	start := time.Now()
	_ = retry.Do(context.Background(), retry.Config{
		MaxAttempts:  4,
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     10 * time.Millisecond,
		Multiplier:   100,
	}, func(int) error { return errTransient })
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("MaxDelay not honoured: took %v", elapsed)
	}
}
