package proxy

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// rotationPollInterval mirrors original_source/worker.py's
// _ip_rotation_watcher: check once a second whether the rotation deadline
// has passed, rather than sleeping for the whole interval and risking a
// missed tick under clock drift.
const rotationPollInterval = 1 * time.Second

// RunRotationWatcher is the tunnel-mode IP rotation coroutine (spec §4.C,
// §4.F): every second it asks the Manager whether a rotation is due, and
// on success invalidates onRotated's cached sessions so the next fetch on
// each channel builds a fresh one against the rotated proxy. In TPS mode
// HandleIPRotation always returns false, so this loop is a harmless no-op.
func RunRotationWatcher(ctx context.Context, mgr Manager, onRotated func(), logger *zap.Logger) {
	ticker := time.NewTicker(rotationPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rotated, err := mgr.HandleIPRotation(ctx)
			if err != nil {
				logger.Warn("proxy: ip rotation check failed", zap.Error(err))
				continue
			}
			if rotated {
				logger.Info("proxy: ip rotation complete, rebuilding sessions")
				if onRotated != nil {
					onRotated()
				}
			}
		}
	}
}
