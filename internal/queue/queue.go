// Package queue implements a bounded, three-level priority admission queue
// for the LLM call fabric: a fixed number of in-flight slots, a bounded
// waiting area ordered by priority (FIFO within a level), and a
// drop-lowest policy once the waiting area is full.
package queue

import (
	"container/list"
	"sync"

	svcerrors "github.com/contentforge/engine/infrastructure/errors"
)

// Priority is one of three admission levels; lower numeric value is higher
// priority.
type Priority int

const (
	High Priority = iota
	Medium
	Low
)

// Config bounds the queue's concurrency and waiting-area size.
type Config struct {
	MaxInFlight int
	MaxWaiting  int
	DropLowest  bool
}

func DefaultConfig() Config {
	return Config{MaxInFlight: 4, MaxWaiting: 50, DropLowest: true}
}

type waiter struct {
	priority Priority
	admitted chan struct{}
	rejected chan error
}

// Queue is a bounded 3-level priority wait queue with drop-lowest admission.
type Queue struct {
	mu         sync.Mutex
	cfg        Config
	inFlight   int
	waitLists  [3]*list.List // indexed by Priority
	waiting    int
}

func New(cfg Config) *Queue {
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 1
	}
	if cfg.MaxWaiting < 0 {
		cfg.MaxWaiting = 0
	}
	q := &Queue{cfg: cfg}
	for i := range q.waitLists {
		q.waitLists[i] = list.New()
	}
	return q
}

// Enqueue admits the caller immediately if an in-flight slot is free,
// otherwise waits (subject to the bounded waiting area and drop-lowest
// policy described in §4.2). The returned Dequeue function must be called
// exactly once, on every path, once the caller's work is done.
func (q *Queue) Enqueue(priority Priority) (func(), error) {
	q.mu.Lock()

	if q.inFlight < q.cfg.MaxInFlight {
		q.inFlight++
		q.mu.Unlock()
		return q.dequeueFunc(), nil
	}

	if q.waiting >= q.cfg.MaxWaiting {
		if q.cfg.DropLowest {
			if dropped := q.dropLowestIfLower(priority); dropped {
				return q.insertWaiter(priority)
			}
		}
		q.mu.Unlock()
		return nil, svcerrors.RateLimitExceeded(q.cfg.MaxWaiting, "waiting_area")
	}

	return q.insertWaiter(priority)
}

// insertWaiter must be called with q.mu held; it releases the lock itself.
func (q *Queue) insertWaiter(priority Priority) (func(), error) {
	w := &waiter{priority: priority, admitted: make(chan struct{}), rejected: make(chan error, 1)}
	q.waitLists[priority].PushBack(w)
	q.waiting++
	q.mu.Unlock()

	select {
	case <-w.admitted:
		return q.dequeueFunc(), nil
	case err := <-w.rejected:
		return nil, err
	}
}

// dropLowestIfLower removes and synchronously rejects the lowest-priority
// tail waiter, if it is strictly lower priority than the incoming request.
// Must be called with q.mu held. Rejection happens before this call
// returns, and before the incoming waiter is ever inserted, satisfying the
// spec's synchronous-rejection resolution.
func (q *Queue) dropLowestIfLower(incoming Priority) bool {
	for level := Low; level >= High; level-- {
		lst := q.waitLists[level]
		if lst.Len() == 0 {
			continue
		}
		if level <= incoming {
			return false
		}
		back := lst.Back()
		w := back.Value.(*waiter)
		lst.Remove(back)
		q.waiting--
		w.rejected <- svcerrors.RateLimitExceeded(q.cfg.MaxWaiting, "waiting_area")
		return true
	}
	return false
}

// dequeueFunc returns the release callback for an admitted caller.
func (q *Queue) dequeueFunc() func() {
	var once sync.Once
	return func() {
		once.Do(q.dequeue)
	}
}

func (q *Queue) dequeue() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.inFlight--

	for level := High; level <= Low; level++ {
		lst := q.waitLists[level]
		if lst.Len() == 0 {
			continue
		}
		front := lst.Front()
		lst.Remove(front)
		q.waiting--
		q.inFlight++
		w := front.Value.(*waiter)
		close(w.admitted)
		return
	}
}

// InFlight reports the current number of admitted, not-yet-released callers.
func (q *Queue) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.inFlight
}

// Waiting reports the current number of queued waiters.
func (q *Queue) Waiting() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.waiting
}
