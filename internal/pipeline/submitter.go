package pipeline

import (
	"context"
	"time"

	"go.uber.org/zap"

	"proxyfleet/internal/model"
	"proxyfleet/internal/observability"
)

// Batch submission constants (spec §4.F.4).
const (
	submitBatchSize    = 10
	submitBatchWindow  = 2 * time.Second
	submitMaxRetries   = 3
	submitRetryBaseDur = 2 * time.Second
)

// ResultSink is the coordinator-facing surface the Submitter depends on.
type ResultSink interface {
	SubmitResultsBatch(ctx context.Context, results []model.TaskResult) error
	SubmitResult(ctx context.Context, result model.TaskResult) error
}

// Submitter drains the per-task result channel and batches results back to
// the coordinator, falling back to one-by-one submission when the batch
// endpoint keeps failing (spec §4.F.4).
type Submitter struct {
	sink    ResultSink
	results chan model.TaskResult
	metrics *observability.Metrics
	logger  *zap.Logger
}

func NewSubmitter(sink ResultSink, metrics *observability.Metrics, logger *zap.Logger) *Submitter {
	return &Submitter{
		sink:    sink,
		results: make(chan model.TaskResult, submitBatchSize*4),
		metrics: metrics,
		logger:  logger,
	}
}

// Submit enqueues one result. Called from the processing loop; it blocks
// only while the result buffer (submitBatchSize*4) is full, i.e. while Run
// is busy flushing to the coordinator.
func (s *Submitter) Submit(r model.TaskResult) {
	s.results <- r
}

// Run blocks until ctx is cancelled, then flushes whatever remains.
func (s *Submitter) Run(ctx context.Context) {
	var batch []model.TaskResult

	for {
		select {
		case <-ctx.Done():
			s.drainRemaining(&batch)
			if len(batch) > 0 {
				s.flush(context.Background(), batch)
			}
			return
		case r := <-s.results:
			batch = append(batch, r)
			s.fillWindow(ctx, &batch)
			s.flush(ctx, batch)
			batch = nil
		case <-time.After(submitBatchWindow):
			if len(batch) > 0 {
				s.flush(ctx, batch)
				batch = nil
			}
		}
	}
}

// fillWindow keeps accepting results for up to submitBatchWindow after the
// first one arrives, or until batch reaches submitBatchSize.
func (s *Submitter) fillWindow(ctx context.Context, batch *[]model.TaskResult) {
	deadline := time.NewTimer(submitBatchWindow)
	defer deadline.Stop()
	for len(*batch) < submitBatchSize {
		select {
		case r := <-s.results:
			*batch = append(*batch, r)
		case <-deadline.C:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Submitter) drainRemaining(batch *[]model.TaskResult) {
	for {
		select {
		case r := <-s.results:
			*batch = append(*batch, r)
		default:
			return
		}
	}
}

func (s *Submitter) flush(ctx context.Context, batch []model.TaskResult) {
	var lastErr error
	for attempt := 0; attempt < submitMaxRetries; attempt++ {
		if err := s.sink.SubmitResultsBatch(ctx, batch); err == nil {
			s.recordOutcomes(batch)
			return
		} else {
			lastErr = err
		}
		if attempt < submitMaxRetries-1 {
			time.Sleep(submitRetryBaseDur * time.Duration(1<<uint(attempt)))
		}
	}
	s.logger.Error("submitter: batch submission exhausted retries, falling back to per-item",
		zap.Int("batch_size", len(batch)), zap.Error(lastErr))
	s.submitFallback(ctx, batch)
}

func (s *Submitter) submitFallback(ctx context.Context, batch []model.TaskResult) {
	for _, r := range batch {
		if err := s.sink.SubmitResult(ctx, r); err != nil {
			s.logger.Error("submitter: per-item submission failed", zap.Int64("task_id", r.TaskID), zap.Error(err))
			continue
		}
		s.recordOutcomes([]model.TaskResult{r})
	}
}

func (s *Submitter) recordOutcomes(results []model.TaskResult) {
	if s.metrics == nil {
		return
	}
	for _, r := range results {
		outcome := "failed"
		if r.Success {
			outcome = "done"
		}
		s.metrics.TasksSubmittedTotal.WithLabelValues(outcome).Inc()
	}
}
