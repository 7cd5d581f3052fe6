// Package controller implements the per-worker AIMD concurrency controller
// and the resizable semaphore it drives (spec.md §4.E), grounded on
// original_source/adaptive.py's AdaptiveController.
package controller

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"proxyfleet/internal/metrics"
	"proxyfleet/internal/model"
)

// minSamples is the sample-count floor below which the evaluator does
// nothing, per spec §4.E ("the controller imposes a minimum sample count
// before acting").
const minSamples = 5

// Decision names which priority rule fired on an evaluation tick, exposed
// for logging and tests.
type Decision string

const (
	DecisionNoSamples       Decision = "no_samples"
	DecisionBlockRate       Decision = "block_rate_decrease"
	DecisionHealthDecrease  Decision = "health_decrease"
	DecisionBandwidthHold   Decision = "bandwidth_soft_cap_hold"
	DecisionCooldownHold    Decision = "cooldown_hold"
	DecisionProbeIncrease   Decision = "probe_increase"
	DecisionSteadyHold      Decision = "steady_hold"
)

// Controller is the per-worker AIMD loop. One Controller owns one
// Semaphore and reads one metrics.Window; both are supplied by the caller
// so the pipeline and the controller share the same instances.
type Controller struct {
	mu sync.Mutex

	mode   model.ProxyMode
	window *metrics.Window
	sem    *Semaphore

	c    int
	cMin int
	cMax int

	cooldownUntil    time.Time
	cooldownDuration time.Duration

	blockThreshold    float64
	minSuccessRate    float64
	targetSuccessRate float64
	maxLatencyS       float64
	targetLatencyS    float64
	bandwidthSoftCap  float64

	jitter float64

	rng *rand.Rand
	now func() time.Time
}

// New constructs a Controller at the settings' initial concurrency, clamped
// to [min, max] (spec §4.E: "Initial state").
func New(window *metrics.Window, settings model.RuntimeSettings, mode model.ProxyMode, seed int64) *Controller {
	c := clamp(settings.InitialConcurrency, settings.MinConcurrency, settings.MaxConcurrency)
	ctrl := &Controller{
		mode:              mode,
		window:            window,
		sem:               NewSemaphore(c),
		c:                 c,
		cMin:              settings.MinConcurrency,
		cMax:              settings.MaxConcurrency,
		blockThreshold:    settings.BlockRateThreshold,
		minSuccessRate:    settings.MinSuccessRate,
		targetSuccessRate: settings.TargetSuccessRate,
		maxLatencyS:       settings.MaxLatencyS,
		targetLatencyS:    settings.TargetLatencyS,
		bandwidthSoftCap:  0.80,
		cooldownDuration:  time.Duration(settings.CooldownAfterBlockS * float64(time.Second)),
		jitter:            0.5,
		rng:               rand.New(rand.NewSource(seed)),
		now:               time.Now,
	}
	return ctrl
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Semaphore exposes the controller's concurrency gate to the pipeline.
func (ctl *Controller) Semaphore() *Semaphore { return ctl.sem }

// Window exposes the metrics window the pipeline records outcomes into.
func (ctl *Controller) Window() *metrics.Window { return ctl.window }

// Acquire is a convenience passthrough so callers don't need to reach into
// Semaphore() directly.
func (ctl *Controller) Acquire(ctx context.Context) (func(), error) {
	return ctl.sem.Acquire(ctx)
}

// Current returns the controller's current concurrency target C.
func (ctl *Controller) Current() int {
	ctl.mu.Lock()
	defer ctl.mu.Unlock()
	return ctl.c
}

// SetRecoveryJitter stores the per-worker jitter the coordinator assigned at
// the last global block (spec §4.G, §9): it feeds rule 5's increase
// probability so synchronised workers don't all step up in lockstep.
func (ctl *Controller) SetRecoveryJitter(j float64) {
	ctl.mu.Lock()
	defer ctl.mu.Unlock()
	ctl.jitter = j
}

// ApplyQuota sets the hard concurrency ceiling pushed by the coordinator
// (spec §4.H step 2). If the current C exceeds the new ceiling, it shrinks
// immediately.
func (ctl *Controller) ApplyQuota(maxConcurrency int) {
	ctl.mu.Lock()
	defer ctl.mu.Unlock()
	ctl.cMax = maxConcurrency
	if ctl.c > ctl.cMax {
		ctl.setC(ctl.cMax)
	}
}

// ApplyGlobalBlock implements spec §4.H step 3: on a new epoch the worker
// halves its current C (floored at C_min) and enters a local cooldown for
// the remaining cooldown duration reported by the coordinator.
func (ctl *Controller) ApplyGlobalBlock(remaining time.Duration) {
	ctl.mu.Lock()
	defer ctl.mu.Unlock()
	newC := int(math.Max(float64(ctl.cMin), math.Floor(float64(ctl.c)*0.5)))
	ctl.setC(newC)
	ctl.cooldownUntil = ctl.now().Add(remaining)
}

// setC must be called with mu held.
func (ctl *Controller) setC(newC int) {
	ctl.c = newC
	ctl.sem.Resize(newC)
}

func (ctl *Controller) kFactor() float64 {
	if ctl.mode == model.ProxyModeTunnel {
		return 0.75
	}
	return 0.5
}

// Evaluate runs one tick of the priority-ordered decision table (spec
// §4.E). It is meant to be called every AdjustIntervalS seconds by the
// pipeline's control loop.
func (ctl *Controller) Evaluate() Decision {
	snap := ctl.window.Snapshot()

	ctl.mu.Lock()
	defer ctl.mu.Unlock()

	if snap.Total < minSamples {
		return DecisionNoSamples
	}

	now := ctl.now()
	k := ctl.kFactor()

	// Priority 1: block-rate trigger, also arms the cooldown.
	if snap.BlockRate > ctl.blockThreshold {
		ctl.setC(int(math.Max(float64(ctl.cMin), math.Floor(float64(ctl.c)*k))))
		ctl.cooldownUntil = now.Add(ctl.cooldownDuration)
		return DecisionBlockRate
	}

	// Priority 2: health trigger (no cooldown arm).
	if snap.SuccessRate < ctl.minSuccessRate || snap.LatencyP50 > ctl.maxLatencyS {
		ctl.setC(int(math.Max(float64(ctl.cMin), math.Floor(float64(ctl.c)*k))))
		return DecisionHealthDecrease
	}

	// Priority 3: bandwidth soft cap hold.
	if snap.BandwidthPct > ctl.bandwidthSoftCap {
		return DecisionBandwidthHold
	}

	// Priority 4: existing cooldown hold.
	if now.Before(ctl.cooldownUntil) {
		return DecisionCooldownHold
	}

	// Priority 5: probe increase.
	if snap.SuccessRate >= ctl.targetSuccessRate && snap.LatencyP50 < ctl.targetLatencyS {
		prob := 0.3 + 0.7*ctl.jitter
		if ctl.rng.Float64() < prob {
			ctl.setC(int(math.Min(float64(ctl.cMax), float64(ctl.c+1))))
			return DecisionProbeIncrease
		}
		return DecisionSteadyHold
	}

	// Priority 6.
	return DecisionSteadyHold
}

// RunEvaluationLoop ticks Evaluate every interval until ctx is cancelled
// (spec §4.E: "Evaluation cycle runs every ADJUST_INTERVAL seconds").
func (ctl *Controller) RunEvaluationLoop(ctx context.Context, interval time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			decision := ctl.Evaluate()
			if decision != DecisionNoSamples && decision != DecisionSteadyHold {
				logger.Info("aimd: concurrency adjusted", zap.String("decision", string(decision)), zap.Int("c", ctl.Current()))
			}
		}
	}
}
