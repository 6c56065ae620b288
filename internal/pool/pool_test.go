package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeSession struct {
	id int
}

type fakeFactory struct {
	counter  int64
	valid    bool
	destroys int32
}

func (f *fakeFactory) Create(ctx context.Context) (Session, error) {
	id := atomic.AddInt64(&f.counter, 1)
	return &fakeSession{id: int(id)}, nil
}

func (f *fakeFactory) Destroy(ctx context.Context, s Session) error {
	atomic.AddInt32(&f.destroys, 1)
	return nil
}

func (f *fakeFactory) Validate(ctx context.Context, s Session) bool {
	return f.valid
}

func TestWarmUp_CreatesMinSessions(t *testing.T) {
	factory := &fakeFactory{valid: true}
	p := New(Config{Min: 3, Max: 5}, factory)

	if err := p.WarmUp(context.Background()); err != nil {
		t.Fatalf("WarmUp() error = %v", err)
	}
	stats := p.Stats()
	if stats.Idle != 3 {
		t.Errorf("Idle = %d, want 3", stats.Idle)
	}
}

func TestAcquireRelease_ReusesValidSession(t *testing.T) {
	factory := &fakeFactory{valid: true}
	p := New(Config{Min: 1, Max: 2}, factory)
	_ = p.WarmUp(context.Background())

	s, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	p.Release(context.Background(), s)

	if stats := p.Stats(); stats.Idle != 1 || stats.InUse != 0 {
		t.Errorf("Stats() = %+v, want Idle=1 InUse=0", stats)
	}
}

func TestAcquire_DestroysInvalidIdleSession(t *testing.T) {
	factory := &fakeFactory{valid: false}
	p := New(Config{Min: 1, Max: 2}, factory)
	_ = p.WarmUp(context.Background())

	s, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if s == nil {
		t.Fatal("expected a freshly created session")
	}
	if atomic.LoadInt32(&factory.destroys) != 1 {
		t.Errorf("destroys = %d, want 1 (invalid idle session should be destroyed)", factory.destroys)
	}
}

func TestAcquire_BlocksAtCapacityUntilRelease(t *testing.T) {
	factory := &fakeFactory{valid: true}
	p := New(Config{Min: 0, Max: 1, AcquireTimeout: time.Second}, factory)

	s1, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("first Acquire() error = %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	var acquired Session
	var acquireErr error
	go func() {
		defer wg.Done()
		acquired, acquireErr = p.Acquire(context.Background())
	}()

	time.Sleep(50 * time.Millisecond)
	p.Release(context.Background(), s1)
	wg.Wait()

	if acquireErr != nil {
		t.Fatalf("second Acquire() error = %v", acquireErr)
	}
	if acquired == nil {
		t.Fatal("expected second Acquire() to succeed after release")
	}
}

func TestDrain_RejectsFurtherAcquiresAndDestroysIdle(t *testing.T) {
	factory := &fakeFactory{valid: true}
	p := New(Config{Min: 2, Max: 2}, factory)
	_ = p.WarmUp(context.Background())

	if err := p.Drain(context.Background()); err != nil {
		t.Fatalf("Drain() error = %v", err)
	}
	if atomic.LoadInt32(&factory.destroys) != 2 {
		t.Errorf("destroys = %d, want 2", factory.destroys)
	}

	if _, err := p.Acquire(context.Background()); err == nil {
		t.Fatal("expected Acquire() to fail while draining")
	}
}
