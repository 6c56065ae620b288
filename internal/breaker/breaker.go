// Package breaker adapts infrastructure/resilience's gobreaker-backed
// circuit breaker to the LLM Fabric's needs: a typed "circuit open" error
// that carries a stats snapshot, and parameter names matching the
// specification (failure_threshold, reset_timeout, success_threshold).
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/contentforge/engine/infrastructure/resilience"
)

// Stats is a point-in-time snapshot of breaker activity, attached to
// OpenError so callers can log or alert with context.
type Stats struct {
	State           string
	ConsecutiveFails int
	OpenedAt        time.Time
}

// OpenError is returned when the circuit is open; it wraps the underlying
// resilience.ErrCircuitOpen and carries a Stats snapshot.
type OpenError struct {
	Stats Stats
}

func (e *OpenError) Error() string {
	return "circuit open: " + e.Stats.State
}

func (e *OpenError) Unwrap() error {
	return resilience.ErrCircuitOpen
}

// Config mirrors §4.4's parameter names.
type Config struct {
	FailureThreshold int
	ResetTimeout     time.Duration
	SuccessThreshold int
}

func DefaultConfig() Config {
	return Config{FailureThreshold: 5, ResetTimeout: 30 * time.Second, SuccessThreshold: 2}
}

// Breaker gates calls to a failing callee through Closed/Open/Half-Open
// states.
type Breaker struct {
	cb *resilience.CircuitBreaker

	mu             sync.Mutex
	consecFails    int
	openedAt       time.Time
	lastState      resilience.State
}

func New(cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 2
	}

	b := &Breaker{lastState: resilience.StateClosed}

	b.cb = resilience.New(resilience.Config{
		MaxFailures: cfg.FailureThreshold,
		Timeout:     cfg.ResetTimeout,
		HalfOpenMax: cfg.SuccessThreshold,
		OnStateChange: func(from, to resilience.State) {
			b.mu.Lock()
			defer b.mu.Unlock()
			b.lastState = to
			if to == resilience.StateOpen {
				b.openedAt = time.Now()
			}
			if to == resilience.StateClosed {
				b.consecFails = 0
			}
		},
	})

	return b
}

// Execute runs fn under circuit-breaker protection, returning an *OpenError
// (with a Stats snapshot) when the circuit is open rather than attempting
// the call.
func (b *Breaker) Execute(ctx context.Context, fn func() error) error {
	err := b.cb.Execute(ctx, func() error {
		callErr := fn()
		b.mu.Lock()
		if callErr != nil {
			b.consecFails++
		} else {
			b.consecFails = 0
		}
		b.mu.Unlock()
		return callErr
	})

	if errors.Is(err, resilience.ErrCircuitOpen) {
		return &OpenError{Stats: b.snapshot()}
	}
	return err
}

func (b *Breaker) snapshot() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		State:           b.cb.State().String(),
		ConsecutiveFails: b.consecFails,
		OpenedAt:        b.openedAt,
	}
}

// State returns the current breaker state.
func (b *Breaker) State() resilience.State {
	return b.cb.State()
}

// Reset forces the breaker back to Closed by reconstructing the underlying
// gobreaker instance — gobreaker exposes no direct reset, so a fresh
// instance with the same settings is the only clean way to force Closed.
func (b *Breaker) Reset(cfg Config) {
	*b = *New(cfg)
}
