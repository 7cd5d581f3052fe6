package controller

import (
	"testing"

	"proxyfleet/internal/metrics"
	"proxyfleet/internal/model"
)

func newTestController(mode model.ProxyMode) (*Controller, *metrics.Window) {
	w := metrics.New()
	settings := model.DefaultSettings()
	ctl := New(w, settings, mode, 1)
	return ctl, w
}

func fillHealthy(w *metrics.Window, n int) {
	for i := 0; i < n; i++ {
		w.Record(1.0, true, false, 1000)
	}
}

func TestEvaluateNoSamplesBelowFloor(t *testing.T) {
	ctl, w := newTestController(model.ProxyModeTPS)
	fillHealthy(w, 4)
	if got := ctl.Evaluate(); got != DecisionNoSamples {
		t.Fatalf("Evaluate() = %v, want %v", got, DecisionNoSamples)
	}
}

func TestEvaluateBlockRateTriggersDecreaseAndCooldown(t *testing.T) {
	ctl, w := newTestController(model.ProxyModeTPS)
	before := ctl.Current()
	// 2 of 10 blocked = 20% block rate > 5% threshold.
	for i := 0; i < 8; i++ {
		w.Record(1.0, true, false, 1000)
	}
	for i := 0; i < 2; i++ {
		w.Record(1.0, false, true, 0)
	}

	if got := ctl.Evaluate(); got != DecisionBlockRate {
		t.Fatalf("Evaluate() = %v, want %v", got, DecisionBlockRate)
	}
	if ctl.Current() >= before {
		t.Fatalf("Current() = %d, want decrease from %d", ctl.Current(), before)
	}

	// Cooldown is now armed: even with perfectly healthy traffic, the next
	// tick must hold rather than increase. 40 healthy records dilute the
	// 2 blocks to 2 of 50 = 4%, back under the 5% threshold.
	fillHealthy(w, 40)
	if got := ctl.Evaluate(); got != DecisionCooldownHold {
		t.Fatalf("Evaluate() during cooldown = %v, want %v", got, DecisionCooldownHold)
	}
}

func TestEvaluateHealthDecreaseDoesNotArmCooldown(t *testing.T) {
	ctl, w := newTestController(model.ProxyModeTPS)
	// Low success rate, no blocks.
	for i := 0; i < 4; i++ {
		w.Record(1.0, true, false, 1000)
	}
	for i := 0; i < 6; i++ {
		w.Record(1.0, false, false, 0)
	}
	if got := ctl.Evaluate(); got != DecisionHealthDecrease {
		t.Fatalf("Evaluate() = %v, want %v", got, DecisionHealthDecrease)
	}

	w2 := w
	fillHealthy(w2, 20)
	got := ctl.Evaluate()
	if got == DecisionCooldownHold {
		t.Fatal("health-only decrease must not arm the cooldown")
	}
}

func TestEvaluateProbeIncreaseRespectsCMax(t *testing.T) {
	ctl, w := newTestController(model.ProxyModeTPS)
	ctl.mu.Lock()
	ctl.c = ctl.cMax
	ctl.sem.Resize(ctl.cMax)
	ctl.jitter = 1.0 // probability of increase = 1.0
	ctl.mu.Unlock()

	fillHealthy(w, 50)
	ctl.Evaluate()
	if ctl.Current() > ctl.cMax {
		t.Fatalf("Current() = %d exceeded cMax = %d", ctl.Current(), ctl.cMax)
	}
}

func TestApplyGlobalBlockHalvesAndFloorsAtMin(t *testing.T) {
	ctl, _ := newTestController(model.ProxyModeTPS)
	ctl.mu.Lock()
	ctl.c = ctl.cMin + 1
	ctl.sem.Resize(ctl.c)
	ctl.mu.Unlock()

	ctl.ApplyGlobalBlock(0)
	if ctl.Current() < ctl.cMin {
		t.Fatalf("Current() = %d fell below cMin = %d", ctl.Current(), ctl.cMin)
	}
}

func TestApplyQuotaShrinksImmediately(t *testing.T) {
	ctl, _ := newTestController(model.ProxyModeTPS)
	before := ctl.Current()
	ctl.ApplyQuota(before - 1)
	if ctl.Current() != before-1 {
		t.Fatalf("Current() = %d, want %d after quota shrink", ctl.Current(), before-1)
	}
	if ctl.Semaphore().Capacity() != before-1 {
		t.Fatalf("Semaphore().Capacity() = %d, want %d", ctl.Semaphore().Capacity(), before-1)
	}
}
