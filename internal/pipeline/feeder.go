package pipeline

import (
	"context"
	"time"

	"go.uber.org/zap"

	"proxyfleet/internal/controller"
	"proxyfleet/internal/model"
)

// Queue sizing and pacing constants (spec §4.F.1).
const (
	queueSize         = 100
	prefetchThreshold = 0.5
	minFetchCount     = 5

	feederIdleInterval     = 1 * time.Second
	feederEmptyBackoffBase = 5 * time.Second
	feederEmptyBackoffCap  = 30 * time.Second
	releaseTimeout         = 10 * time.Second
)

// TaskPuller is the coordinator-facing surface the Feeder depends on.
type TaskPuller interface {
	PullTasks(ctx context.Context, count int) ([]model.Task, error)
	ReleaseTasks(ctx context.Context, taskIDs []int64) error
}

// Feeder keeps the local task queue topped up, pulling from the
// coordinator whenever it drops below prefetchThreshold·queueSize, and
// preempts the queue when a higher-priority batch arrives (spec §4.F.1).
type Feeder struct {
	source TaskPuller
	ctl    *controller.Controller
	queue  chan model.Task
	logger *zap.Logger

	emptyStreak int
}

func NewFeeder(source TaskPuller, ctl *controller.Controller, logger *zap.Logger) *Feeder {
	return &Feeder{
		source: source,
		ctl:    ctl,
		queue:  make(chan model.Task, queueSize),
		logger: logger,
	}
}

// Queue is the channel the Worker Pool dequeues from.
func (f *Feeder) Queue() chan model.Task { return f.queue }

// Run blocks until ctx is cancelled.
func (f *Feeder) Run(ctx context.Context) {
	threshold := int(float64(queueSize) * prefetchThreshold)

	for {
		if ctx.Err() != nil {
			return
		}

		if len(f.queue) >= threshold {
			if !f.sleep(ctx, feederIdleInterval) {
				return
			}
			continue
		}

		fetchCount := f.ctl.Current() * 2
		if room := queueSize - len(f.queue); fetchCount > room {
			fetchCount = room
		}
		if fetchCount < minFetchCount {
			fetchCount = minFetchCount
		}

		tasks, err := f.source.PullTasks(ctx, fetchCount)
		if err != nil {
			f.logger.Warn("feeder: pull failed", zap.Error(err))
			if !f.backoff(ctx) {
				return
			}
			continue
		}
		if len(tasks) == 0 {
			if !f.backoff(ctx) {
				return
			}
			continue
		}
		f.emptyStreak = 0

		if f.hasPriority(tasks) && len(f.queue) > 0 {
			f.preempt(ctx, tasks)
			continue
		}

		if !f.enqueue(ctx, tasks) {
			return
		}
	}
}

func (f *Feeder) hasPriority(tasks []model.Task) bool {
	for _, t := range tasks {
		if t.Priority > 0 {
			return true
		}
	}
	return false
}

// preempt drains the current queue, releases the dropped tasks back to
// pending asynchronously, and enqueues the new priority batch (spec
// §4.F.1: "the Feeder drains the queue ... so the high-priority batch is
// processed immediately").
func (f *Feeder) preempt(ctx context.Context, tasks []model.Task) {
	dropped := f.drain()
	if len(dropped) > 0 {
		f.logger.Info("feeder: priority batch preempted queue", zap.Int("dropped", len(dropped)))
		go func() {
			releaseCtx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
			defer cancel()
			if err := f.source.ReleaseTasks(releaseCtx, dropped); err != nil {
				f.logger.Warn("feeder: releasing preempted tasks failed", zap.Error(err))
			}
		}()
	}
	f.enqueue(ctx, tasks)
}

func (f *Feeder) drain() []int64 {
	var dropped []int64
	for {
		select {
		case t := <-f.queue:
			dropped = append(dropped, t.ID)
		default:
			return dropped
		}
	}
}

func (f *Feeder) enqueue(ctx context.Context, tasks []model.Task) bool {
	for _, t := range tasks {
		select {
		case f.queue <- t:
		case <-ctx.Done():
			return false
		}
	}
	return true
}

// backoff sleeps with exponential growth on consecutive empty responses,
// capped at feederEmptyBackoffCap (spec §4.F.1).
func (f *Feeder) backoff(ctx context.Context) bool {
	f.emptyStreak++
	shift := f.emptyStreak - 1
	if shift > 3 {
		shift = 3
	}
	wait := feederEmptyBackoffBase * time.Duration(1<<uint(shift))
	if wait > feederEmptyBackoffCap {
		wait = feederEmptyBackoffCap
	}
	return f.sleep(ctx, wait)
}

func (f *Feeder) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
