package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"proxyfleet/internal/model"
)

type fakeResultSink struct {
	mu         sync.Mutex
	batchCalls [][]model.TaskResult
	batchErr   error
	itemCalls  []model.TaskResult
}

func (s *fakeResultSink) SubmitResultsBatch(ctx context.Context, results []model.TaskResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.batchErr != nil {
		return s.batchErr
	}
	cp := append([]model.TaskResult(nil), results...)
	s.batchCalls = append(s.batchCalls, cp)
	return nil
}

func (s *fakeResultSink) SubmitResult(ctx context.Context, r model.TaskResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.itemCalls = append(s.itemCalls, r)
	return nil
}

func TestSubmitterFlushesOnBatchSize(t *testing.T) {
	sink := &fakeResultSink{}
	sub := NewSubmitter(sink, nil, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	go sub.Run(ctx)

	for i := int64(0); i < submitBatchSize; i++ {
		sub.Submit(model.TaskResult{TaskID: i, Success: true})
	}

	deadline := time.After(2 * time.Second)
	for {
		sink.mu.Lock()
		n := len(sink.batchCalls)
		sink.mu.Unlock()
		if n > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for batch flush")
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}
	cancel()

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.batchCalls[0]) != submitBatchSize {
		t.Fatalf("expected a full batch of %d, got %d", submitBatchSize, len(sink.batchCalls[0]))
	}
}

func TestSubmitterFallsBackPerItemOnRepeatedFailure(t *testing.T) {
	sink := &fakeResultSink{batchErr: errors.New("coordinator unreachable")}
	sub := NewSubmitter(sink, nil, zaptest.NewLogger(t))

	sub.flush(context.Background(), []model.TaskResult{{TaskID: 1, Success: true}, {TaskID: 2, Success: false}})

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.itemCalls) != 2 {
		t.Fatalf("expected fallback per-item submission for both results, got %d calls", len(sink.itemCalls))
	}
}
