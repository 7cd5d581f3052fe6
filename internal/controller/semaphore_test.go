package controller

import (
	"context"
	"testing"
	"time"
)

func TestSemaphoreAcquireUpToCapacity(t *testing.T) {
	s := NewSemaphore(2)
	ctx := context.Background()

	r1, err := s.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	r2, err := s.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if s.Held() != 2 {
		t.Fatalf("Held() = %d, want 2", s.Held())
	}

	cctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if _, err := s.Acquire(cctx); err == nil {
		t.Fatal("Acquire() beyond capacity should block until cancelled")
	}

	r1()
	r2()
	if s.Held() != 0 {
		t.Fatalf("Held() after release = %d, want 0", s.Held())
	}
}

func TestSemaphoreGrowReleasesWaiters(t *testing.T) {
	s := NewSemaphore(1)
	ctx := context.Background()
	release, err := s.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	done := make(chan struct{})
	go func() {
		r2, err := s.Acquire(ctx)
		if err == nil && r2 != nil {
			r2()
		}
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	s.Resize(2)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("waiter was not released after growing capacity")
	}
	release()
}

func TestSemaphoreShrinkIsNonPreemptive(t *testing.T) {
	s := NewSemaphore(3)
	ctx := context.Background()
	r1, _ := s.Acquire(ctx)
	r2, _ := s.Acquire(ctx)

	s.Resize(1)
	if got := s.Capacity(); got != 1 {
		t.Fatalf("Capacity() after shrink = %d, want 1", got)
	}

	// The two in-flight holders release against the superseded generation;
	// this must not panic or corrupt the new generation's accounting.
	r1()
	r2()

	r3, err := s.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire() on new generation error = %v", err)
	}
	if s.Held() != 1 {
		t.Fatalf("Held() on new generation = %d, want 1", s.Held())
	}
	r3()
}
