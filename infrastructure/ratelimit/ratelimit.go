// Package ratelimit provides token-bucket admission control for the LLM
// call fabric. The bucket mechanics (refill, burst) are delegated to
// golang.org/x/time/rate; the jittered wait-and-retry behaviour required
// by the fabric is layered on top since rate.Limiter.Wait sleeps for the
// exact reservation delay with no jitter.
package ratelimit

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config parameterises the limiter. Burst doubles as the bucket's max
// token count; RequestsPerSecond is the steady refill rate.
type Config struct {
	RequestsPerSecond float64
	Burst             int
	JitterFactor      float64 // uniform multiplicative jitter applied to computed waits, in [0,1)
}

func DefaultConfig() Config {
	return Config{
		RequestsPerSecond: 1,
		Burst:             60,
		JitterFactor:      0.2,
	}
}

// RateLimiter is a token bucket with jittered admission. Parameters are
// fixed at construction; there is no reconfiguration after New.
type RateLimiter struct {
	limiter      *rate.Limiter
	mu           sync.Mutex
	jitterFactor float64
	rnd          *rand.Rand
}

func New(cfg Config) *RateLimiter {
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 1
	}
	if cfg.Burst <= 0 {
		cfg.Burst = int(cfg.RequestsPerSecond)
		if cfg.Burst <= 0 {
			cfg.Burst = 1
		}
	}
	if cfg.JitterFactor < 0 {
		cfg.JitterFactor = 0
	}
	return &RateLimiter{
		limiter:      rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		jitterFactor: cfg.JitterFactor,
		rnd:          rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Acquire blocks until a token is available, applying one jittered wait
// if the bucket is currently empty. One re-entry after the jittered sleep
// is sufficient because the bucket only grows emptier under sustained
// load that the caller's own pacing, not a tight retry loop, should
// absorb; a long-running caller that still finds the bucket empty after
// the computed wait will simply compute (and jitter) a fresh wait on its
// own next Acquire call.
func (r *RateLimiter) Acquire(ctx context.Context) error {
	if r.limiter.Allow() {
		return nil
	}

	wait := r.computeWait()
	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	}

	if r.limiter.Allow() {
		return nil
	}
	// Single re-entry: wait out a fresh reservation rather than spinning.
	reservation := r.limiter.Reserve()
	if !reservation.OK() {
		reservation.Cancel()
		return ctx.Err()
	}
	delay := reservation.Delay()
	timer2 := time.NewTimer(delay)
	defer timer2.Stop()
	select {
	case <-ctx.Done():
		reservation.Cancel()
		return ctx.Err()
	case <-timer2.C:
		return nil
	}
}

// computeWait estimates the delay until the next token and applies
// uniform multiplicative jitter in [1-j, 1+j] to avoid a thundering herd
// of callers waking at the same instant on a shared ceiling.
func (r *RateLimiter) computeWait() time.Duration {
	reservation := r.limiter.Reserve()
	if !reservation.OK() {
		return 0
	}
	base := reservation.Delay()
	reservation.Cancel() // this reservation was only used to probe the delay

	if r.jitterFactor <= 0 || base <= 0 {
		return base
	}
	r.mu.Lock()
	factor := 1 - r.jitterFactor + r.rnd.Float64()*2*r.jitterFactor
	r.mu.Unlock()
	return time.Duration(float64(base) * factor)
}

// Available reports the (floored) number of tokens currently in the
// bucket, without consuming any.
func (r *RateLimiter) Available() int {
	tokens := r.limiter.Tokens()
	if tokens < 0 {
		return 0
	}
	return int(tokens)
}

// Allow reports, and consumes, whether a token is immediately available.
func (r *RateLimiter) Allow() bool {
	return r.limiter.Allow()
}
