package resilience_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/adacab/adacab/internal/resilience"
)

type steppedClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *steppedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *steppedClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var errBoom = errors.New("boom")

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()

	clock := &steppedClock{now: time.Unix(1700000000, 0)}
	b := resilience.NewBreaker("test", 3, time.Minute, resilience.WithClock(clock.Now))

	fail := func() error { return errBoom }
	for i := 0; i < 3; i++ {
		if err := b.Execute(fail); !errors.Is(err, errBoom) {
			t.Fatalf("call %d = %v, want boom", i, err)
		}
	}

	if err := b.Execute(fail); !errors.Is(err, resilience.ErrOpen) {
		t.Fatalf("call after trip = %v, want ErrOpen", err)
	}
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	t.Parallel()

	b := resilience.NewBreaker("test", 3, time.Minute)
	b.Execute(func() error { return errBoom })
	b.Execute(func() error { return errBoom })
	b.Execute(func() error { return nil })
	b.Execute(func() error { return errBoom })
	b.Execute(func() error { return errBoom })

	// Still below the threshold: the success in the middle reset the count.
	if err := b.Execute(func() error { return nil }); err != nil {
		t.Fatalf("breaker tripped early: %v", err)
	}
}

func TestBreaker_ProbesAfterCooldown(t *testing.T) {
	t.Parallel()

	clock := &steppedClock{now: time.Unix(1700000000, 0)}
	b := resilience.NewBreaker("test", 1, time.Minute, resilience.WithClock(clock.Now))

	b.Execute(func() error { return errBoom })
	if err := b.Execute(func() error { return nil }); !errors.Is(err, resilience.ErrOpen) {
		t.Fatalf("open breaker let a call through: %v", err)
	}

	// A failed probe re-opens immediately.
	clock.Advance(2 * time.Minute)
	if err := b.Execute(func() error { return errBoom }); !errors.Is(err, errBoom) {
		t.Fatalf("probe = %v, want boom", err)
	}
	if err := b.Execute(func() error { return nil }); !errors.Is(err, resilience.ErrOpen) {
		t.Fatalf("re-opened breaker let a call through: %v", err)
	}

	// A successful probe closes it.
	clock.Advance(2 * time.Minute)
	if err := b.Execute(func() error { return nil }); err != nil {
		t.Fatalf("successful probe = %v", err)
	}
	if err := b.Execute(func() error { return nil }); err != nil {
		t.Fatalf("closed breaker rejected a call: %v", err)
	}
}
