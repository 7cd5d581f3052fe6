package syncclient

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"proxyfleet/internal/controller"
	"proxyfleet/internal/metrics"
	"proxyfleet/internal/model"
	"proxyfleet/internal/ratelimit"
)

// syncInterval is spec §4.H's "every ~30s the Worker exchanges a Sync
// message with the Coordinator".
const syncInterval = 30 * time.Second

// Syncer owns the periodic exchange: push a metrics snapshot, pull the
// authoritative settings/quota/block triple, and apply it to the local
// controller and token bucket (spec §4.G "worker sync endpoint", §4.H).
type Syncer struct {
	client *Client
	ctl    *controller.Controller
	bucket *ratelimit.Bucket
	window *metrics.Window
	logger *zap.Logger

	mu              sync.RWMutex
	settings        model.RuntimeSettings
	settingsVersion int64
	reactedEpoch    int64
}

func NewSyncer(client *Client, ctl *controller.Controller, bucket *ratelimit.Bucket, window *metrics.Window, logger *zap.Logger) *Syncer {
	return &Syncer{client: client, ctl: ctl, bucket: bucket, window: window, logger: logger}
}

// Bootstrap pulls the full settings document once at startup, before the
// pipeline starts, so a remote worker with no local configuration picks up
// proxy credentials and every tunable from the coordinator (spec §4.H).
func (s *Syncer) Bootstrap(ctx context.Context) error {
	settings, err := s.client.GetSettings(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.settings = settings
	s.settingsVersion = settings.Version
	s.mu.Unlock()
	s.bucket.SetRate(settings.TokenBucketRate)
	return nil
}

// Settings returns the most recently applied settings document.
func (s *Syncer) Settings() model.RuntimeSettings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings
}

// Run blocks until ctx is cancelled, syncing every syncInterval.
func (s *Syncer) Run(ctx context.Context) {
	ticker := time.NewTicker(syncInterval)
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

func (s *Syncer) tick(ctx context.Context) {
	snap := s.window.Snapshot()
	result, err := s.client.Sync(ctx, &snap)
	if err != nil {
		s.logger.Warn("syncclient: sync failed", zap.Error(err))
		return
	}
	s.apply(result)
}

// apply is spec §4.H's "sets its AIMD max-concurrency and its token-bucket
// rate to the received values ... immediately shrinks" plus §4.G's "each
// block event is handled at most once per worker" epoch guard.
func (s *Syncer) apply(result SyncResult) {
	s.mu.Lock()
	newerSettings := result.Settings.Version > s.settingsVersion
	if newerSettings {
		s.settings = result.Settings
		s.settingsVersion = result.Settings.Version
	}
	newBlock := result.Block.Epoch > s.reactedEpoch
	if newBlock {
		s.reactedEpoch = result.Block.Epoch
	}
	s.mu.Unlock()

	if result.Quota.Concurrency > 0 {
		s.ctl.ApplyQuota(result.Quota.Concurrency)
	}
	s.ctl.SetRecoveryJitter(result.RecoveryJitter)
	if result.Quota.QPS > 0 {
		s.bucket.SetRate(result.Quota.QPS)
	}

	if newBlock {
		remaining := time.Duration(result.Block.RemainingS * float64(time.Second))
		s.ctl.ApplyGlobalBlock(remaining)
		s.logger.Warn("syncclient: reacting to global block",
			zap.Int64("epoch", result.Block.Epoch),
			zap.String("triggered_by", result.Block.TriggeredBy),
			zap.Duration("remaining", remaining))
	}
}
