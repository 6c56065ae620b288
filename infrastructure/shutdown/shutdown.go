// Package shutdown coordinates graceful process termination: listen for
// SIGINT/SIGTERM, run registered teardown callbacks, then stop the
// long-running process within a bounded timeout.
package shutdown

import (
	"context"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// Stopper is anything with a context-bounded Stop, such as
// internal/app.Application or internal/app/system.Manager.
type Stopper interface {
	Stop(ctx context.Context) error
}

// GracefulShutdown manages graceful process shutdown for a Stopper.
type GracefulShutdown struct {
	mu           sync.Mutex
	target       Stopper
	timeout      time.Duration
	shutdownChan chan struct{}
	callbacks    []func()
}

// NewGracefulShutdown creates a new graceful shutdown manager. target may
// be nil if there is nothing to Stop beyond the registered callbacks.
func NewGracefulShutdown(target Stopper, timeout time.Duration) *GracefulShutdown {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &GracefulShutdown{
		target:       target,
		timeout:      timeout,
		shutdownChan: make(chan struct{}),
	}
}

// OnShutdown registers a callback to run during shutdown, before the
// target is stopped.
func (g *GracefulShutdown) OnShutdown(callback func()) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.callbacks = append(g.callbacks, callback)
}

// ListenForSignals starts listening for shutdown signals in the background.
func (g *GracefulShutdown) ListenForSignals() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		sig := <-sigChan
		log.Printf("received signal %v, initiating graceful shutdown", sig)
		g.Shutdown()
	}()
}

// Shutdown runs every registered callback, then stops the target within
// the configured timeout. Safe to call more than once; only the first
// call does any work.
func (g *GracefulShutdown) Shutdown() {
	g.mu.Lock()
	defer g.mu.Unlock()

	select {
	case <-g.shutdownChan:
		return
	default:
	}

	for _, callback := range g.callbacks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("panic in shutdown callback: %v", r)
				}
			}()
			callback()
		}()
	}

	if g.target != nil {
		ctx, cancel := context.WithTimeout(context.Background(), g.timeout)
		defer cancel()

		if err := g.target.Stop(ctx); err != nil {
			log.Printf("error during shutdown: %v", err)
		}
	}

	close(g.shutdownChan)
}

// Wait blocks until shutdown has completed.
func (g *GracefulShutdown) Wait() {
	<-g.shutdownChan
}
