package controller

import (
	"context"
	"sync"
)

// generation is one capacity epoch of a Semaphore. Shrinking a Semaphore
// replaces the current generation with a fresh one rather than mutating
// capacity in place, so permits already handed out under the old generation
// keep draining against it undisturbed (spec §4.E: "non-preemptive shrink").
type generation struct {
	mu       sync.Mutex
	capacity int
	held     int
	waiters  []chan struct{}
}

func newGeneration(capacity int) *generation {
	return &generation{capacity: capacity}
}

func (g *generation) acquire(ctx context.Context) error {
	g.mu.Lock()
	if g.held < g.capacity {
		g.held++
		g.mu.Unlock()
		return nil
	}
	ready := make(chan struct{})
	g.waiters = append(g.waiters, ready)
	g.mu.Unlock()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		g.mu.Lock()
		for i, w := range g.waiters {
			if w == ready {
				g.waiters = append(g.waiters[:i], g.waiters[i+1:]...)
				g.mu.Unlock()
				return ctx.Err()
			}
		}
		// Lost the race: a release() already granted this waiter between
		// ctx firing and us taking the lock. Hand the permit straight back.
		g.mu.Unlock()
		g.release()
		return ctx.Err()
	}
}

// release must be called exactly once per successful acquire. If a waiter is
// queued, the permit transfers to it directly and held is unchanged.
func (g *generation) release() {
	g.mu.Lock()
	if len(g.waiters) > 0 {
		w := g.waiters[0]
		g.waiters = g.waiters[1:]
		g.mu.Unlock()
		close(w)
		return
	}
	if g.held > 0 {
		g.held--
	}
	g.mu.Unlock()
}

func (g *generation) setCapacity(n int) {
	g.mu.Lock()
	g.capacity = n
	for g.held < g.capacity && len(g.waiters) > 0 {
		w := g.waiters[0]
		g.waiters = g.waiters[1:]
		g.held++
		close(w)
	}
	g.mu.Unlock()
}

func (g *generation) snapshot() (capacity, held int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.capacity, g.held
}

// Semaphore is a resizable counting semaphore (spec §4.E, §9). Growing it
// applies to the existing generation immediately by releasing extra
// permits; shrinking it swaps in a new generation so in-flight holders keep
// draining against their original one instead of being preempted.
type Semaphore struct {
	mu  sync.Mutex
	cur *generation
}

// NewSemaphore constructs a Semaphore with the given starting capacity.
func NewSemaphore(capacity int) *Semaphore {
	return &Semaphore{cur: newGeneration(capacity)}
}

// Acquire blocks until a permit is available or ctx is cancelled. The
// returned release func must be called exactly once.
func (s *Semaphore) Acquire(ctx context.Context) (release func(), err error) {
	s.mu.Lock()
	g := s.cur
	s.mu.Unlock()

	if err := g.acquire(ctx); err != nil {
		return nil, err
	}
	return g.release, nil
}

// Resize changes the target capacity. Increases are applied to the current
// generation in place; decreases replace it with a fresh generation,
// protected atomically by s.mu so two concurrent resizes cannot race (spec
// §4.E: "atomic with respect to the stored C").
func (s *Semaphore) Resize(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	curCap, _ := s.cur.snapshot()
	if n >= curCap {
		s.cur.setCapacity(n)
		return
	}
	s.cur = newGeneration(n)
}

// Capacity returns the target capacity of the current generation.
func (s *Semaphore) Capacity() int {
	s.mu.Lock()
	g := s.cur
	s.mu.Unlock()
	curCap, _ := g.snapshot()
	return curCap
}

// Held returns the number of permits currently checked out of the current
// generation. Permits held against a superseded (shrunk-away) generation
// are not counted here — that is intentional, they are draining, not live.
func (s *Semaphore) Held() int {
	s.mu.Lock()
	g := s.cur
	s.mu.Unlock()
	_, held := g.snapshot()
	return held
}
