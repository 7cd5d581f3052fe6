package model

import "time"

// WorkerRegistration tracks a worker the coordinator has heard from.
type WorkerRegistration struct {
	WorkerID         string    `json:"worker_id"`
	FirstSeen        time.Time `json:"first_seen"`
	LastSeen         time.Time `json:"last_seen"`
	TotalSyncs       int64     `json:"total_syncs"`
	LastMetrics      *Snapshot `json:"last_metrics,omitempty"`
	LastMetricsAt    time.Time `json:"last_metrics_at,omitempty"`
	RecoveryJitter   float64   `json:"recovery_jitter"`
}

// Quota is the coordinator-assigned ceiling a worker must treat as a hard
// limit until its next sync.
type Quota struct {
	Concurrency int       `json:"concurrency"`
	QPS         float64   `json:"qps"`
	AssignedAt  time.Time `json:"assigned_at"`
}

// GlobalBlockState is the cross-fleet cooldown FSM. A zero-value state
// (Epoch 0, BlockUntil zero) is "never blocked".
type GlobalBlockState struct {
	BlockUntil    time.Time `json:"block_until"`
	RecoveryEpoch int64     `json:"recovery_epoch"`
	TriggeredBy   string    `json:"triggered_by"`
}

// Active reports whether the cooldown is currently in effect relative to now.
func (s GlobalBlockState) Active(now time.Time) bool {
	return now.Before(s.BlockUntil)
}

// BlockDescriptor is what the sync RPC hands back to a worker: the current
// state of the cooldown plus how much of it remains.
type BlockDescriptor struct {
	Active      bool    `json:"active"`
	RemainingS  float64 `json:"remaining_s"`
	TriggeredBy string  `json:"triggered_by"`
	Epoch       int64   `json:"epoch"`
}
