package retry

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

// failN returns a func that fails the first n calls, counting into calls.
func failN(n int, calls *int, err error) func() error {
	return func() error {
		*calls++
		if *calls <= n {
			return err
		}
		return nil
	}
}

func TestDo(t *testing.T) {
	errTransient := errors.New("connection reset")

	t.Run("first attempt succeeds", func(t *testing.T) {
		var calls int
		if err := Do(context.Background(), 3, 10*time.Millisecond, failN(0, &calls, nil)); err != nil {
			t.Fatalf("expected nil error, got %v", err)
		}
		if calls != 1 {
			t.Fatalf("expected 1 call, got %d", calls)
		}
	})

	t.Run("recovers after transient errors", func(t *testing.T) {
		var calls int
		if err := Do(context.Background(), 3, 10*time.Millisecond, failN(2, &calls, errTransient)); err != nil {
			t.Fatalf("expected nil error, got %v", err)
		}
		if calls != 3 {
			t.Fatalf("expected 3 calls, got %d", calls)
		}
	})

	t.Run("returns last error when exhausted", func(t *testing.T) {
		var calls int
		sentinel := errors.New("rpc unavailable")
		err := Do(context.Background(), 3, 10*time.Millisecond, failN(99, &calls, sentinel))
		if !errors.Is(err, sentinel) {
			t.Fatalf("expected sentinel error, got %v", err)
		}
		if calls != 3 {
			t.Fatalf("expected 3 calls, got %d", calls)
		}
	})

	t.Run("zero attempts still runs once", func(t *testing.T) {
		var calls int
		if err := Do(context.Background(), 0, time.Millisecond, failN(0, &calls, nil)); err != nil {
			t.Fatalf("expected nil, got %v", err)
		}
		if calls != 1 {
			t.Fatalf("expected 1 call, got %d", calls)
		}
	})
}

func TestDo_PermanentErrorShortCircuits(t *testing.T) {
	var calls int
	sentinel := errors.New("insufficient allowance")
	err := Do(context.Background(), 5, 10*time.Millisecond, func() error {
		calls++
		return Permanent(sentinel)
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("permanent error should stop retries after 1 call, got %d", calls)
	}
}

func TestDo_StopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	var calls atomic.Int32
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	err := Do(ctx, 10, 100*time.Millisecond, func() error {
		calls.Add(1)
		return errors.New("fail")
	})

	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if c := calls.Load(); c > 3 {
		t.Fatalf("expected at most 3 calls before cancellation, got %d", c)
	}
}

func TestDo_WaitsBetweenAttempts(t *testing.T) {
	var stamps []time.Time
	err := Do(context.Background(), 4, 20*time.Millisecond, func() error {
		stamps = append(stamps, time.Now())
		if len(stamps) < 4 {
			return errors.New("fail")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
	if len(stamps) != 4 {
		t.Fatalf("expected 4 attempts, got %d", len(stamps))
	}

	// Backoff with jitter; only assert a floor on each gap.
	for i := 1; i < len(stamps); i++ {
		if gap := stamps[i].Sub(stamps[i-1]); gap < 5*time.Millisecond {
			t.Errorf("gap %d too short: %v", i, gap)
		}
	}
}

func TestPermanent_WrapsInner(t *testing.T) {
	inner := errors.New("inner")
	if !errors.Is(Permanent(inner), inner) {
		t.Fatal("Permanent error should unwrap to inner error")
	}
}
