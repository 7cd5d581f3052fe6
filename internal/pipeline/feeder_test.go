package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"proxyfleet/internal/controller"
	"proxyfleet/internal/metrics"
	"proxyfleet/internal/model"
)

type fakeTaskPuller struct {
	mu       sync.Mutex
	batches  [][]model.Task
	next     int
	released [][]int64
}

func (f *fakeTaskPuller) PullTasks(ctx context.Context, count int) ([]model.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.next >= len(f.batches) {
		return nil, nil
	}
	b := f.batches[f.next]
	f.next++
	return b, nil
}

func (f *fakeTaskPuller) ReleaseTasks(ctx context.Context, ids []int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, ids)
	return nil
}

func newTestController(t *testing.T) *controller.Controller {
	t.Helper()
	settings := model.DefaultSettings()
	settings.InitialConcurrency = 4
	return controller.New(metrics.New(), settings, model.ProxyModeTPS, 1)
}

// TestFeederPreemptsOnPriorityBatch is the S4 scenario: a priority batch
// arriving while the local queue is non-empty drains it and asks the
// coordinator to release the dropped ids (spec §4.F.1).
func TestFeederPreemptsOnPriorityBatch(t *testing.T) {
	low := []model.Task{{ID: 1, Priority: 0}, {ID: 2, Priority: 0}, {ID: 3, Priority: 0}}
	high := []model.Task{{ID: 100, Priority: 5}}

	puller := &fakeTaskPuller{batches: [][]model.Task{low, high}}
	ctl := newTestController(t)
	logger := zaptest.NewLogger(t)
	f := NewFeeder(puller, ctl, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go f.Run(ctx)

	// First batch (low priority) should land in the queue.
	deadline := time.After(2 * time.Second)
	for len(f.Queue()) < 1 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for first batch to enqueue")
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}

	// Wait for the priority batch to preempt it.
	found := false
	deadline = time.After(2 * time.Second)
	for !found {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for priority preemption")
		default:
		}
		select {
		case task := <-f.Queue():
			if task.ID == 100 {
				found = true
			}
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}

	puller.mu.Lock()
	defer puller.mu.Unlock()
	if len(puller.released) == 0 {
		t.Fatal("expected dropped low-priority tasks to be released")
	}
}

func TestFeederBacksOffOnEmptyResponses(t *testing.T) {
	puller := &fakeTaskPuller{batches: nil}
	ctl := newTestController(t)
	logger := zaptest.NewLogger(t)
	f := NewFeeder(puller, ctl, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	f.Run(ctx)

	if f.emptyStreak == 0 {
		t.Fatal("expected empty-response streak to have advanced")
	}
}
