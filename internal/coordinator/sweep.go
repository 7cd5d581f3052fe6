package coordinator

import (
	"context"
	"time"

	"go.uber.org/zap"

	"proxyfleet/internal/store"
)

const (
	sweepInterval     = 60 * time.Second
	processingTimeout = 5 * time.Minute
)

// Sweeper runs the coordinator's background maintenance loop (spec §4.G:
// "a background routine every 60s promotes processing tasks ... back to
// pending. Every sweep pass also triggers a quota reallocation and evicts
// workers unseen for > 10 minutes").
type Sweeper struct {
	arbiter *Arbiter
	tasks   *store.TaskStore
	logger  *zap.Logger
}

func NewSweeper(arbiter *Arbiter, tasks *store.TaskStore, logger *zap.Logger) *Sweeper {
	return &Sweeper{arbiter: arbiter, tasks: tasks, logger: logger}
}

// Run blocks until ctx is cancelled, sweeping every sweepInterval.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Sweeper) tick(ctx context.Context) {
	now := time.Now()

	n, err := s.tasks.SweepStaleProcessing(ctx, processingTimeout)
	if err != nil {
		s.logger.Error("sweep: reclaiming stale tasks failed", zap.Error(err))
	} else if n > 0 {
		s.logger.Info("sweep: reclaimed stale tasks", zap.Int64("count", n))
	}

	s.arbiter.EvictStale(now)
	s.arbiter.allocateQuotas(now)
}
