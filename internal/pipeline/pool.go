package pipeline

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"proxyfleet/internal/controller"
	"proxyfleet/internal/model"
)

// Pool supervision constants (spec §4.F.2).
const (
	poolReconcileInterval = 2 * time.Second
	poolMaxStagger        = 2 * time.Second
	dequeueTimeout        = 5 * time.Second
)

// TaskHandler processes one dequeued task end to end.
type TaskHandler func(ctx context.Context, task model.Task)

// Pool is the dynamic worker-goroutine supervisor (spec §4.F.2). It spawns
// an initial batch of goroutines matching the controller's current target
// and grows the live count as the controller raises it; it never kills a
// goroutine on shrink, letting the semaphore's smaller capacity starve the
// excess of work until they idle out naturally: a goroutine whose dequeue
// times out while the live count is above the target exits.
type Pool struct {
	ctl     *controller.Controller
	queue   <-chan model.Task
	handle  TaskHandler
	logger  *zap.Logger

	mu      sync.Mutex
	spawned int
}

func NewPool(ctl *controller.Controller, queue <-chan model.Task, handle TaskHandler, logger *zap.Logger) *Pool {
	return &Pool{ctl: ctl, queue: queue, handle: handle, logger: logger}
}

// Run blocks until ctx is cancelled, waiting for every spawned goroutine to
// return before it does.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup

	initial := p.ctl.Current()
	p.mu.Lock()
	p.spawned = initial
	p.mu.Unlock()
	for i := 0; i < initial; i++ {
		wg.Add(1)
		go p.runGoroutine(ctx, &wg, i, initial)
	}

	ticker := time.NewTicker(poolReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case <-ticker.C:
			target := p.ctl.Current()
			p.mu.Lock()
			current := p.spawned
			if target > current {
				p.spawned = target
			}
			p.mu.Unlock()
			if target > current {
				p.logger.Info("pool: expanding", zap.Int("from", current), zap.Int("to", target))
				for i := current; i < target; i++ {
					wg.Add(1)
					go p.runGoroutine(ctx, &wg, i, target)
				}
			}
		}
	}
}

// runGoroutine is one processing-loop goroutine (spec §4.F.3): stagger →
// acquire semaphore → dequeue with timeout → handle → release,
// unconditionally, on every iteration.
func (p *Pool) runGoroutine(ctx context.Context, wg *sync.WaitGroup, idx, of int) {
	defer wg.Done()

	if of > 0 {
		stagger := time.Duration(float64(idx) * float64(time.Second) / float64(of))
		if stagger > poolMaxStagger {
			stagger = poolMaxStagger
		}
		if stagger > 0 {
			select {
			case <-time.After(stagger):
			case <-ctx.Done():
				return
			}
		}
	}

	for {
		if ctx.Err() != nil {
			return
		}

		release, err := p.ctl.Acquire(ctx)
		if err != nil {
			return
		}

		task, ok := p.dequeue(ctx)
		if !ok {
			release()
			if ctx.Err() != nil {
				return
			}
			p.mu.Lock()
			excess := p.spawned > p.ctl.Current()
			if excess {
				p.spawned--
			}
			p.mu.Unlock()
			if excess {
				return
			}
			continue
		}

		func() {
			defer release()
			p.handle(ctx, task)
		}()
	}
}

func (p *Pool) dequeue(ctx context.Context) (model.Task, bool) {
	timer := time.NewTimer(dequeueTimeout)
	defer timer.Stop()
	select {
	case t, ok := <-p.queue:
		return t, ok
	case <-timer.C:
		return model.Task{}, false
	case <-ctx.Done():
		return model.Task{}, false
	}
}
