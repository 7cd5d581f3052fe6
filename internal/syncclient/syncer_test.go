package syncclient

import (
	"testing"

	"go.uber.org/zap/zaptest"

	"proxyfleet/internal/controller"
	"proxyfleet/internal/metrics"
	"proxyfleet/internal/model"
	"proxyfleet/internal/ratelimit"
)

func newTestSyncer(t *testing.T) *Syncer {
	t.Helper()
	window := metrics.New()
	settings := model.DefaultSettings()
	ctl := controller.New(window, settings, model.ProxyModeTPS, 1)
	bucket := ratelimit.New(settings.TokenBucketRate)
	return NewSyncer(NewClient("http://unused", "worker-1", "secret"), ctl, bucket, window, zaptest.NewLogger(t))
}

func TestApplyQuotaShrinksController(t *testing.T) {
	s := newTestSyncer(t)
	s.apply(SyncResult{
		Settings: model.DefaultSettings(),
		Quota:    model.Quota{Concurrency: 2, QPS: 1},
	})
	if got := s.ctl.Current(); got > 2 {
		t.Fatalf("expected controller to shrink to the quota ceiling, got %d", got)
	}
}

// TestApplyReactsToBlockEpochOnlyOnce is spec §3's GlobalBlockState
// invariant: "each block event is handled at most once per worker."
func TestApplyReactsToBlockEpochOnlyOnce(t *testing.T) {
	s := newTestSyncer(t)
	before := s.ctl.Current()

	s.apply(SyncResult{
		Settings: model.DefaultSettings(),
		Quota:    model.Quota{Concurrency: before, QPS: 5},
		Block:    model.BlockDescriptor{Active: true, Epoch: 1, RemainingS: 30},
	})
	afterFirst := s.ctl.Current()
	if afterFirst >= before {
		t.Fatalf("expected the controller to halve on the first block reaction: before=%d after=%d", before, afterFirst)
	}

	// A second sync carrying the SAME epoch must not halve again.
	s.apply(SyncResult{
		Settings: model.DefaultSettings(),
		Quota:    model.Quota{Concurrency: before, QPS: 5},
		Block:    model.BlockDescriptor{Active: true, Epoch: 1, RemainingS: 30},
	})
	if got := s.ctl.Current(); got != afterFirst {
		t.Fatalf("expected a repeated epoch to be a no-op: after-first=%d after-second=%d", afterFirst, got)
	}
}

// TestApplyReactsToLapsedButUnseenEpoch covers a worker whose sync lands
// after block_until has already elapsed: Active is false, but the epoch is
// still new to this worker, so it must still react. Epoch progression alone
// is the signal (spec §4.H step 3) — Active only describes the cooldown
// window, not whether this worker has seen the epoch yet.
func TestApplyReactsToLapsedButUnseenEpoch(t *testing.T) {
	s := newTestSyncer(t)
	before := s.ctl.Current()

	s.apply(SyncResult{
		Settings: model.DefaultSettings(),
		Quota:    model.Quota{Concurrency: before, QPS: 5},
		Block:    model.BlockDescriptor{Active: false, Epoch: 1, RemainingS: 0},
	})
	if got := s.ctl.Current(); got >= before {
		t.Fatalf("expected a lapsed-but-unseen epoch to still halve the controller: before=%d after=%d", before, got)
	}
	if s.reactedEpoch != 1 {
		t.Fatalf("expected reactedEpoch to advance to 1, got %d", s.reactedEpoch)
	}
}

func TestApplyIgnoresStaleSettingsVersion(t *testing.T) {
	s := newTestSyncer(t)
	newer := model.DefaultSettings()
	newer.Version = 5
	newer.MaxRetries = 7
	s.apply(SyncResult{Settings: newer, Quota: model.Quota{Concurrency: 4, QPS: 5}})

	stale := model.DefaultSettings()
	stale.Version = 2
	stale.MaxRetries = 1
	s.apply(SyncResult{Settings: stale, Quota: model.Quota{Concurrency: 4, QPS: 5}})

	if got := s.Settings().MaxRetries; got != 7 {
		t.Fatalf("expected stale settings version to be ignored, got max_retries=%d", got)
	}
}
