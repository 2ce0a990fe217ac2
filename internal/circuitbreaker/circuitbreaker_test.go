package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

var errRPC = errors.New("dial tcp: connection refused")

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(clock *fakeClock, failures, successes int) *Breaker {
	return New(Settings{
		Name:             "mainnet",
		FailureThreshold: failures,
		SuccessThreshold: successes,
		CoolDown:         time.Minute,
		Now:              clock.Now,
	})
}

func fail(ctx context.Context) error    { return errRPC }
func succeed(ctx context.Context) error { return nil }

func TestNew(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		b := New(Settings{Name: "x"})
		if b.State() != StateClosed {
			t.Errorf("expected initial state to be Closed, got %v", b.State())
		}
		if b.settings.FailureThreshold != 5 || b.settings.SuccessThreshold != 2 {
			t.Errorf("unexpected thresholds %d/%d", b.settings.FailureThreshold, b.settings.SuccessThreshold)
		}
		if b.settings.CoolDown != 30*time.Second {
			t.Errorf("expected default CoolDown 30s, got %v", b.settings.CoolDown)
		}
		if b.settings.MaxProbes != 1 {
			t.Errorf("expected default MaxProbes 1, got %d", b.settings.MaxProbes)
		}
	})

	t.Run("invalid values corrected", func(t *testing.T) {
		b := New(Settings{FailureThreshold: -1, SuccessThreshold: 0, CoolDown: -time.Second})
		if b.settings.FailureThreshold != 5 {
			t.Errorf("expected default FailureThreshold 5, got %d", b.settings.FailureThreshold)
		}
		if b.settings.CoolDown != 30*time.Second {
			t.Errorf("expected default CoolDown 30s, got %v", b.settings.CoolDown)
		}
	})
}

func TestStateString(t *testing.T) {
	tests := []struct {
		state    State
		expected string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{State(99), "unknown"},
	}

	for _, tt := range tests {
		if got := tt.state.String(); got != tt.expected {
			t.Errorf("State(%d).String() = %q, expected %q", tt.state, got, tt.expected)
		}
	}
}

func TestCall_OpensAfterThreshold(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	b := newTestBreaker(clock, 3, 1)

	for i := 0; i < 2; i++ {
		if err := b.Call(ctx, fail); !errors.Is(err, errRPC) {
			t.Fatalf("call %d: expected rpc error, got %v", i, err)
		}
	}
	if b.State() != StateClosed {
		t.Fatalf("expected Closed below threshold, got %v", b.State())
	}

	_ = b.Call(ctx, fail)
	if b.State() != StateOpen {
		t.Fatalf("expected Open after threshold, got %v", b.State())
	}

	called := false
	err := b.Call(ctx, func(context.Context) error {
		called = true
		return nil
	})
	if !errors.Is(err, ErrOpen) {
		t.Errorf("expected ErrOpen, got %v", err)
	}
	if called {
		t.Error("fn must not run while open")
	}
}

func TestCall_SuccessResetsFailureCount(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	b := newTestBreaker(clock, 2, 1)

	_ = b.Call(ctx, fail)
	_ = b.Call(ctx, succeed)
	_ = b.Call(ctx, fail)

	if b.State() != StateClosed {
		t.Errorf("non-consecutive failures must not open the circuit, got %v", b.State())
	}
}

func TestCall_HalfOpenRecovery(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	b := newTestBreaker(clock, 1, 2)

	_ = b.Call(ctx, fail)
	if b.State() != StateOpen {
		t.Fatalf("expected Open, got %v", b.State())
	}

	clock.Advance(time.Minute)
	if b.State() != StateHalfOpen {
		t.Fatalf("expected HalfOpen after cool-down, got %v", b.State())
	}

	if err := b.Call(ctx, succeed); err != nil {
		t.Fatalf("probe: %v", err)
	}
	if b.State() != StateHalfOpen {
		t.Fatalf("one success of two must keep HalfOpen, got %v", b.State())
	}
	if err := b.Call(ctx, succeed); err != nil {
		t.Fatalf("probe: %v", err)
	}
	if b.State() != StateClosed {
		t.Errorf("expected Closed after success threshold, got %v", b.State())
	}
}

func TestCall_HalfOpenFailureReopens(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	b := newTestBreaker(clock, 1, 1)

	_ = b.Call(ctx, fail)
	clock.Advance(time.Minute)
	_ = b.Call(ctx, fail)

	if b.State() != StateOpen {
		t.Errorf("expected Open after failed probe, got %v", b.State())
	}
	stats := b.Stats()
	if !stats.OpenedAt.Equal(clock.Now()) {
		t.Errorf("expected OpenedAt to be reset to %v, got %v", clock.Now(), stats.OpenedAt)
	}
}

func TestCall_HalfOpenLimitsProbes(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	b := newTestBreaker(clock, 1, 1)

	_ = b.Call(ctx, fail)
	clock.Advance(time.Minute)

	release := make(chan struct{})
	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- b.Call(ctx, func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	if err := b.Call(ctx, succeed); !errors.Is(err, ErrOpen) {
		t.Errorf("second probe should be rejected, got %v", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("probe: %v", err)
	}
	if b.State() != StateClosed {
		t.Errorf("expected Closed after probe success, got %v", b.State())
	}
}

func TestCall_IgnoresClassifiedErrors(t *testing.T) {
	ctx := context.Background()
	errNonceTooLow := errors.New("nonce too low")
	b := New(Settings{
		Name:             "mainnet",
		FailureThreshold: 1,
		IsFailure: func(err error) bool {
			return !errors.Is(err, errNonceTooLow)
		},
	})

	for i := 0; i < 3; i++ {
		_ = b.Call(ctx, func(context.Context) error { return errNonceTooLow })
	}
	if b.State() != StateClosed {
		t.Errorf("node rejections must not open the circuit, got %v", b.State())
	}

	_ = b.Call(ctx, func(context.Context) error { return context.Canceled })
	if b.State() != StateOpen {
		t.Errorf("custom classifier counts cancellation here, got %v", b.State())
	}
}

func TestCall_DefaultIgnoresCancellation(t *testing.T) {
	b := New(Settings{Name: "mainnet", FailureThreshold: 1})
	_ = b.Call(context.Background(), func(context.Context) error { return context.Canceled })
	if b.State() != StateClosed {
		t.Errorf("cancellation must not count, got %v", b.State())
	}
}

func TestDo_ReturnsValue(t *testing.T) {
	b := New(Settings{Name: "mainnet"})
	v, err := Do(context.Background(), b, func(context.Context) (uint64, error) { return 42, nil })
	if err != nil || v != 42 {
		t.Errorf("expected 42, nil; got %d, %v", v, err)
	}
}

func TestOnStateChange(t *testing.T) {
	var mu sync.Mutex
	var transitions [][2]State
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	b := New(Settings{
		Name:             "mainnet",
		FailureThreshold: 1,
		SuccessThreshold: 1,
		CoolDown:         time.Minute,
		Now:              clock.Now,
		OnStateChange: func(name string, from, to State) {
			if name != "mainnet" {
				t.Errorf("unexpected name %q", name)
			}
			mu.Lock()
			transitions = append(transitions, [2]State{from, to})
			mu.Unlock()
		},
	})

	ctx := context.Background()
	_ = b.Call(ctx, fail)
	clock.Advance(time.Minute)
	_ = b.Call(ctx, succeed)

	mu.Lock()
	defer mu.Unlock()
	want := [][2]State{{StateClosed, StateOpen}, {StateHalfOpen, StateClosed}}
	if len(transitions) != len(want) {
		t.Fatalf("expected %d transitions, got %v", len(want), transitions)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d: expected %v, got %v", i, want[i], transitions[i])
		}
	}
}

func TestReset(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	b := newTestBreaker(clock, 1, 1)
	_ = b.Call(context.Background(), fail)

	b.Reset()

	stats := b.Stats()
	if stats.State != StateClosed || stats.ConsecutiveFailures != 0 {
		t.Errorf("expected clean Closed state, got %+v", stats)
	}
}

func TestConcurrentCalls(t *testing.T) {
	b := New(Settings{Name: "mainnet", FailureThreshold: 1000})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				if (i+j)%2 == 0 {
					_ = b.Call(ctx, fail)
				} else {
					_ = b.Call(ctx, succeed)
				}
				_ = b.Stats()
			}
		}(i)
	}
	wg.Wait()

	if b.State() != StateClosed {
		t.Errorf("expected Closed, got %v", b.State())
	}
}
