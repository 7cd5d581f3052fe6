// Package metrics implements the sliding-window outcome collector described
// in spec.md §4.A: an append-heavy, snapshot-rare aggregator of per-request
// outcomes that the AIMD controller (internal/controller) consumes every
// evaluation tick.
package metrics

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"proxyfleet/internal/model"
)

// WindowSeconds is the retention window for recorded outcomes (spec §4.A).
const WindowSeconds = 30 * time.Second

// outcome is one completed HTTP attempt, kept only in memory.
type outcome struct {
	at      time.Time
	latency float64
	success bool
	blocked bool
	bytes   int64
}

// Window is a thread-safe sliding-window collector. The zero value is not
// usable; construct with New.
type Window struct {
	mu       sync.Mutex
	window   time.Duration
	records  []outcome
	inflight int64 // atomic
	now      func() time.Time
}

// New creates a Window retaining WindowSeconds of history.
func New() *Window {
	return &Window{window: WindowSeconds, now: time.Now}
}

// NewWithWindow is exposed for tests that need a shorter window than the
// spec's default 30s.
func NewWithWindow(d time.Duration) *Window {
	return &Window{window: d, now: time.Now}
}

// Record appends one completed outcome and prunes anything older than the
// window. O(1) amortized: the prune loop only ever removes from the front.
func (w *Window) Record(latency float64, success, blocked bool, bytes int64) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.records = append(w.records, outcome{
		at:      w.now(),
		latency: latency,
		success: success,
		blocked: blocked,
		bytes:   bytes,
	})
	w.prune()
}

// RequestStart marks the beginning of an in-flight request. Independent of
// the append/prune path so it never blocks on a snapshot.
func (w *Window) RequestStart() {
	atomic.AddInt64(&w.inflight, 1)
}

// RequestEnd marks the completion of an in-flight request.
func (w *Window) RequestEnd() {
	for {
		cur := atomic.LoadInt64(&w.inflight)
		if cur == 0 {
			return
		}
		if atomic.CompareAndSwapInt64(&w.inflight, cur, cur-1) {
			return
		}
	}
}

// Inflight returns the current number of requests between RequestStart and
// RequestEnd. This is the source of truth across AIMD semaphore resizes
// (spec §9): the semaphore generation can change underneath a request, but
// this counter cannot.
func (w *Window) Inflight() int {
	return int(atomic.LoadInt64(&w.inflight))
}

// prune must be called with mu held.
func (w *Window) prune() {
	cutoff := w.now().Add(-w.window)
	i := 0
	for i < len(w.records) && w.records[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		w.records = w.records[i:]
	}
}

// Snapshot returns a consistent, read-only view over the current window
// (spec §4.A). An empty window reports SuccessRate=1.0 and zero latencies so
// the controller neither accelerates nor decelerates on start-up.
func (w *Window) Snapshot() model.Snapshot {
	w.mu.Lock()
	w.prune()
	records := make([]outcome, len(w.records))
	copy(records, w.records)
	w.mu.Unlock()

	total := len(records)
	if total == 0 {
		return model.Snapshot{
			Total:         0,
			SuccessRate:   1.0,
			BlockRate:     0,
			LatencyP50:    0,
			LatencyP95:    0,
			BandwidthBps:  0,
			BandwidthPct:  0,
			Inflight:      w.Inflight(),
			WindowSeconds: w.window.Seconds(),
		}
	}

	var successes, blocks int
	var totalBytes int64
	latencies := make([]float64, total)
	for i, r := range records {
		if r.success {
			successes++
		}
		if r.blocked {
			blocks++
		}
		totalBytes += r.bytes
		latencies[i] = r.latency
	}
	sort.Float64s(latencies)

	span := records[total-1].at.Sub(records[0].at).Seconds()
	if span <= 0 {
		span = w.window.Seconds()
	}

	return model.Snapshot{
		Total:         total,
		SuccessRate:   float64(successes) / float64(total),
		BlockRate:     float64(blocks) / float64(total),
		LatencyP50:    percentile(latencies, 0.50),
		LatencyP95:    percentile(latencies, 0.95),
		BandwidthBps:  float64(totalBytes) / span,
		BandwidthPct:  0, // always 0: no bandwidth budget is configured anywhere, so nothing fills this in
		Inflight:      w.Inflight(),
		WindowSeconds: w.window.Seconds(),
	}
}

// percentile returns the linear-interpolated order statistic at pct of a
// sorted sample, matching testable property 6 (spec §8): for a sorted
// sample of n values, p50 equals the standard linear-interpolated median.
func percentile(sorted []float64, pct float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n == 1 {
		return sorted[0]
	}
	rank := pct * float64(n-1)
	lo := int(rank)
	hi := lo + 1
	if hi >= n {
		return sorted[n-1]
	}
	frac := rank - float64(lo)
	return sorted[lo] + frac*(sorted[hi]-sorted[lo])
}
