// Package circuitbreaker guards RPC endpoints: after repeated transport failures an endpoint
// fails fast for a cool-down period instead of stalling every nonce lookup and submission.
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrOpen is returned by Do while the breaker rejects calls.
var ErrOpen = errors.New("circuit breaker is open")

// State represents the circuit breaker state
type State int

const (
	StateClosed   State = iota // Normal operation, requests pass through
	StateOpen                  // Circuit is open, requests fail fast
	StateHalfOpen              // Testing if the circuit can be closed
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

// Settings configures a Breaker
type Settings struct {
	// Name identifies the guarded endpoint in errors and callbacks
	Name string

	// FailureThreshold is the number of consecutive failures that opens the circuit
	FailureThreshold int

	// SuccessThreshold is the number of half-open successes that closes it again
	SuccessThreshold int

	// CoolDown is how long the circuit stays open before probing
	CoolDown time.Duration

	// MaxProbes caps concurrent calls in half-open state
	MaxProbes int

	// IsFailure decides whether an error counts against the endpoint. Nil counts every
	// error except context cancellation.
	IsFailure func(err error) bool

	// OnStateChange is called synchronously after a transition, outside the lock
	OnStateChange func(name string, from, to State)

	// Now is the clock, time.Now when nil
	Now func() time.Time
}

// DefaultSettings returns the settings used for chain RPC endpoints
func DefaultSettings(name string) Settings {
	return Settings{
		Name:             name,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		CoolDown:         30 * time.Second,
		MaxProbes:        1,
	}
}

// Breaker implements the circuit breaker pattern for one endpoint
type Breaker struct {
	mu       sync.Mutex
	settings Settings

	state                State
	consecutiveFailures  int
	consecutiveSuccesses int
	openedAt             time.Time
	probes               int
}

// New creates a closed breaker. Zero settings fall back to DefaultSettings values.
func New(settings Settings) *Breaker {
	def := DefaultSettings(settings.Name)
	if settings.FailureThreshold <= 0 {
		settings.FailureThreshold = def.FailureThreshold
	}
	if settings.SuccessThreshold <= 0 {
		settings.SuccessThreshold = def.SuccessThreshold
	}
	if settings.CoolDown <= 0 {
		settings.CoolDown = def.CoolDown
	}
	if settings.MaxProbes <= 0 {
		settings.MaxProbes = def.MaxProbes
	}
	if settings.IsFailure == nil {
		settings.IsFailure = isTransportFailure
	}
	if settings.Now == nil {
		settings.Now = time.Now
	}
	return &Breaker{settings: settings, state: StateClosed}
}

func isTransportFailure(err error) bool {
	return err != nil && !errors.Is(err, context.Canceled)
}

// Name returns the guarded endpoint's name
func (b *Breaker) Name() string {
	return b.settings.Name
}

// State returns the current state
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentState()
}

// currentState moves an expired open circuit to half-open. MUST be called with the lock held.
func (b *Breaker) currentState() State {
	if b.state == StateOpen && b.settings.Now().Sub(b.openedAt) >= b.settings.CoolDown {
		b.state = StateHalfOpen
		b.consecutiveSuccesses = 0
		b.probes = 0
	}
	return b.state
}

// Do runs fn unless the circuit is open, and records its outcome.
func Do[T any](ctx context.Context, b *Breaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if err := b.before(); err != nil {
		return zero, err
	}
	v, err := fn(ctx)
	b.after(err)
	return v, err
}

// Call is Do for functions returning only an error.
func (b *Breaker) Call(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := Do(ctx, b, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

func (b *Breaker) before() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.currentState() {
	case StateOpen:
		return fmt.Errorf("%s: %w", b.settings.Name, ErrOpen)
	case StateHalfOpen:
		if b.probes >= b.settings.MaxProbes {
			return fmt.Errorf("%s: %w (probe in flight)", b.settings.Name, ErrOpen)
		}
		b.probes++
	}
	return nil
}

func (b *Breaker) after(err error) {
	var from, to State
	b.mu.Lock()
	from = b.currentState()
	if from == StateHalfOpen && b.probes > 0 {
		b.probes--
	}
	if err != nil && b.settings.IsFailure(err) {
		b.onFailureLocked(from)
	} else {
		b.onSuccessLocked(from)
	}
	to = b.state
	b.mu.Unlock()

	if from != to && b.settings.OnStateChange != nil {
		b.settings.OnStateChange(b.settings.Name, from, to)
	}
}

func (b *Breaker) onSuccessLocked(state State) {
	b.consecutiveFailures = 0
	if state != StateHalfOpen {
		return
	}
	b.consecutiveSuccesses++
	if b.consecutiveSuccesses >= b.settings.SuccessThreshold {
		b.state = StateClosed
		b.consecutiveSuccesses = 0
	}
}

func (b *Breaker) onFailureLocked(state State) {
	b.consecutiveSuccesses = 0
	b.consecutiveFailures++
	switch state {
	case StateClosed:
		if b.consecutiveFailures >= b.settings.FailureThreshold {
			b.open()
		}
	case StateHalfOpen:
		// Any failure in half-open state reopens the circuit
		b.open()
	}
}

func (b *Breaker) open() {
	b.state = StateOpen
	b.openedAt = b.settings.Now()
	b.probes = 0
}

// Reset closes the circuit and clears the counters
func (b *Breaker) Reset() {
	b.mu.Lock()
	from := b.state
	b.state = StateClosed
	b.consecutiveFailures = 0
	b.consecutiveSuccesses = 0
	b.probes = 0
	b.mu.Unlock()

	if from != StateClosed && b.settings.OnStateChange != nil {
		b.settings.OnStateChange(b.settings.Name, from, StateClosed)
	}
}

// Stats is a snapshot of the breaker counters
type Stats struct {
	Name                 string
	State                State
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	OpenedAt             time.Time
}

// Stats returns the current statistics
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	return Stats{
		Name:                 b.settings.Name,
		State:                b.currentState(),
		ConsecutiveFailures:  b.consecutiveFailures,
		ConsecutiveSuccesses: b.consecutiveSuccesses,
		OpenedAt:             b.openedAt,
	}
}
