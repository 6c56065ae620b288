// Package pool implements a bounded pool of LLM-client sessions with
// create/destroy/validate lifecycle hooks, warm-up, and drain semantics.
package pool

import (
	"context"
	"sync"
	"time"

	svcerrors "github.com/contentforge/engine/infrastructure/errors"
)

// Session is an opaque handle to a provider connection. Callers type-assert
// it to whatever client type their provider factory produced.
type Session interface{}

// Factory opens, closes, and probes provider sessions.
type Factory interface {
	Create(ctx context.Context) (Session, error)
	Destroy(ctx context.Context, s Session) error
	Validate(ctx context.Context, s Session) bool
}

// Config bounds pool size and timeouts.
type Config struct {
	Min            int
	Max            int
	IdleTimeout    time.Duration
	AcquireTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{Min: 2, Max: 8, IdleTimeout: 5 * time.Minute, AcquireTimeout: 10 * time.Second}
}

type idleSession struct {
	session  Session
	idleSince time.Time
}

// Pool is a bounded, validated connection pool.
type Pool struct {
	mu      sync.Mutex
	cfg     Config
	factory Factory
	idle    []idleSession
	inUse   int
	draining bool
}

func New(cfg Config, factory Factory) *Pool {
	if cfg.Max <= 0 {
		cfg.Max = 1
	}
	if cfg.Min > cfg.Max {
		cfg.Min = cfg.Max
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = 10 * time.Second
	}
	return &Pool{cfg: cfg, factory: factory}
}

// WarmUp pre-opens up to Min sessions. Must complete before the Ingress
// Watcher is enabled.
func (p *Pool) WarmUp(ctx context.Context) error {
	p.mu.Lock()
	need := p.cfg.Min - len(p.idle) - p.inUse
	p.mu.Unlock()

	for i := 0; i < need; i++ {
		s, err := p.factory.Create(ctx)
		if err != nil {
			return svcerrors.ExternalAPIError("llm_provider", err)
		}
		p.mu.Lock()
		p.idle = append(p.idle, idleSession{session: s, idleSince: time.Now()})
		p.mu.Unlock()
	}
	return nil
}

// Acquire returns a validated session, creating one if under Max and none
// is idle, or waiting (bounded by AcquireTimeout/ctx) if at capacity.
func (p *Pool) Acquire(ctx context.Context) (Session, error) {
	deadline := time.Now().Add(p.cfg.AcquireTimeout)
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	for {
		p.mu.Lock()
		if p.draining {
			p.mu.Unlock()
			return nil, svcerrors.Conflict("pool is draining")
		}

		for len(p.idle) > 0 {
			entry := p.idle[len(p.idle)-1]
			p.idle = p.idle[:len(p.idle)-1]
			p.mu.Unlock()

			if p.factory.Validate(ctx, entry.session) {
				p.mu.Lock()
				p.inUse++
				p.mu.Unlock()
				return entry.session, nil
			}
			_ = p.factory.Destroy(ctx, entry.session)
			p.mu.Lock()
		}

		if p.inUse < p.cfg.Max {
			p.inUse++
			p.mu.Unlock()
			s, err := p.factory.Create(ctx)
			if err != nil {
				p.mu.Lock()
				p.inUse--
				p.mu.Unlock()
				return nil, svcerrors.ExternalAPIError("llm_provider", err)
			}
			return s, nil
		}
		p.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, svcerrors.Timeout("pool_acquire")
		case <-time.After(20 * time.Millisecond):
		}
	}
}

// Release returns a session to the idle set, or destroys it if the pool is
// draining.
func (p *Pool) Release(ctx context.Context, s Session) {
	p.mu.Lock()
	p.inUse--
	draining := p.draining
	p.mu.Unlock()

	if draining {
		_ = p.factory.Destroy(ctx, s)
		return
	}

	p.mu.Lock()
	p.idle = append(p.idle, idleSession{session: s, idleSince: time.Now()})
	p.mu.Unlock()
}

// Drain refuses new acquires and destroys idle sessions.
func (p *Pool) Drain(ctx context.Context) error {
	p.mu.Lock()
	p.draining = true
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	var firstErr error
	for _, entry := range idle {
		if err := p.factory.Destroy(ctx, entry.session); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Stats reports current idle/in-use counts, for observability.
type Stats struct {
	Idle  int
	InUse int
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{Idle: len(p.idle), InUse: p.inUse}
}
