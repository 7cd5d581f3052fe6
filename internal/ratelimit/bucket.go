// Package ratelimit implements the in-process token bucket used to pace
// outbound requests per worker (spec.md §4.B). Unlike the Redis-backed
// bucket it is adapted from, this one lives entirely in memory: pacing is a
// per-worker-process concern, not a cross-process one, so there is no need
// to round-trip a shared store on every acquire.
package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"
)

// MinRate is the floor the bucket clamps SetRate to. Without it a zero or
// negative rate from the settings document or a quota would stop the
// refill and wedge the pipeline forever (spec §4.B).
const MinRate = 0.1

// Bucket is a continuously-refilling token bucket with a runtime-mutable
// rate. Capacity tracks the rate (max(1, floor(rate))) so a rate change
// takes effect immediately rather than waiting for the next refill tick.
type Bucket struct {
	mu       sync.Mutex
	rate     float64 // tokens/sec
	tokens   float64
	lastFill time.Time
	now      func() time.Time
	sleep    func(context.Context, time.Duration) error
}

// New creates a Bucket starting full at the given rate.
func New(rate float64) *Bucket {
	b := &Bucket{
		rate:     clampRate(rate),
		now:      time.Now,
		sleep:    sleepCtx,
	}
	b.tokens = b.capacity()
	b.lastFill = b.now()
	return b
}

func clampRate(rate float64) float64 {
	if rate < MinRate {
		return MinRate
	}
	return rate
}

// capacity must be called with mu held.
func (b *Bucket) capacity() float64 {
	c := math.Floor(b.rate)
	if c < 1 {
		c = 1
	}
	return c
}

// refill must be called with mu held.
func (b *Bucket) refill() {
	now := b.now()
	elapsed := now.Sub(b.lastFill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.lastFill = now
	b.tokens = math.Min(b.capacity(), b.tokens+elapsed*b.rate)
}

// SetRate updates the refill rate at runtime, clamped to MinRate. Existing
// accumulated tokens are preserved but re-capped to the new capacity.
func (b *Bucket) SetRate(rate float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill()
	b.rate = clampRate(rate)
	b.tokens = math.Min(b.tokens, b.capacity())
}

// Rate returns the current refill rate.
func (b *Bucket) Rate() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rate
}

// Acquire blocks until one token is available or ctx is cancelled. It never
// busy-loops: each retry sleeps exactly as long as the bucket needs to
// produce the next token at the current rate.
func (b *Bucket) Acquire(ctx context.Context) error {
	for {
		b.mu.Lock()
		b.refill()
		if b.tokens >= 1 {
			b.tokens--
			b.mu.Unlock()
			return nil
		}
		deficit := 1 - b.tokens
		rate := b.rate
		b.mu.Unlock()

		wait := time.Duration(deficit / rate * float64(time.Second))
		if wait <= 0 {
			wait = time.Millisecond
		}
		if err := b.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
