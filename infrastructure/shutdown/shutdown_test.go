package shutdown

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

type fakeStopper struct {
	stopped atomic.Bool
}

func (f *fakeStopper) Stop(ctx context.Context) error {
	f.stopped.Store(true)
	return nil
}

func TestGracefulShutdown_RunsCallbacksThenStopsTarget(t *testing.T) {
	target := &fakeStopper{}
	var callbackRan atomic.Bool

	gs := NewGracefulShutdown(target, time.Second)
	gs.OnShutdown(func() { callbackRan.Store(true) })

	gs.Shutdown()

	if !callbackRan.Load() {
		t.Error("expected shutdown callback to run")
	}
	if !target.stopped.Load() {
		t.Error("expected target.Stop to be called")
	}

	select {
	case <-gs.shutdownChan:
	default:
		t.Error("expected shutdownChan to be closed")
	}
}

func TestGracefulShutdown_ShutdownIsIdempotent(t *testing.T) {
	target := &fakeStopper{}
	gs := NewGracefulShutdown(target, time.Second)

	gs.Shutdown()
	gs.Shutdown() // must not panic on double-close

	gs.Wait()
}

func TestGracefulShutdown_SurvivesPanickingCallback(t *testing.T) {
	target := &fakeStopper{}
	gs := NewGracefulShutdown(target, time.Second)
	gs.OnShutdown(func() { panic("boom") })

	gs.Shutdown()

	if !target.stopped.Load() {
		t.Error("expected target.Stop to run even after a panicking callback")
	}
}
