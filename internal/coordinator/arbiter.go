// Package coordinator implements the Coordinator Arbiter (spec.md §4.G):
// worker registry, health-weighted quota allocation, the global-block FSM,
// and versioned settings — plus the HTTP surface in front of it.
package coordinator

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"proxyfleet/internal/model"
	"proxyfleet/internal/store"
)

const (
	workerActiveWindow   = 60 * time.Second
	freshMetricsWindow   = 90 * time.Second
	workerEvictThreshold = 10 * time.Minute
	blockRateScoreFactor = 5.0
)

// SyncResponse is the worker sync RPC's payload (spec §4.G).
type SyncResponse struct {
	Settings       model.RuntimeSettings  `json:"settings"`
	Quota          model.Quota            `json:"quota"`
	Block          model.BlockDescriptor  `json:"block"`
	RecoveryJitter float64                `json:"recovery_jitter"`
}

// Arbiter owns every piece of coordinator-side state (spec §9's "single
// state-holder guarded by a mutex").
type Arbiter struct {
	mu sync.Mutex

	settings      model.RuntimeSettings
	settingsStore *store.SettingsStore

	registry map[string]*model.WorkerRegistration
	quotas   map[string]model.Quota
	block    model.GlobalBlockState

	rng *rand.Rand
	now func() time.Time
}

// NewArbiter constructs an Arbiter seeded with settings (typically loaded
// from the SettingsStore at start-up).
func NewArbiter(settingsStore *store.SettingsStore, settings model.RuntimeSettings, seed int64) *Arbiter {
	return &Arbiter{
		settings:      settings,
		settingsStore: settingsStore,
		registry:      make(map[string]*model.WorkerRegistration),
		quotas:        make(map[string]model.Quota),
		rng:           rand.New(rand.NewSource(seed)),
		now:           time.Now,
	}
}

// Settings returns the current RuntimeSettings.
func (a *Arbiter) Settings() model.RuntimeSettings {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.settings
}

// PutSettings validates and, on success, persists and activates update,
// bumping the version. A validation failure leaves the prior settings
// untouched and does not increment the version (spec §4.G, §8 property 9).
func (a *Arbiter) PutSettings(ctx context.Context, update model.RuntimeSettings) (model.RuntimeSettings, error) {
	if err := update.Validate(); err != nil {
		return a.Settings(), err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	update.Version = a.settings.Version + 1
	a.settings = update
	saved := a.settings

	if a.settingsStore != nil {
		if err := a.settingsStore.Save(ctx, saved); err != nil {
			return saved, fmt.Errorf("coordinator: persisting settings: %w", err)
		}
	}
	return saved, nil
}

// Sync implements the worker sync RPC (spec §4.G, §4.H): it records the
// worker's latest metrics, evaluates the global-block trigger, reallocates
// quotas, and returns this worker's settings/quota/block view.
func (a *Arbiter) Sync(ctx context.Context, workerID string, snap *model.Snapshot) (SyncResponse, error) {
	now := a.now()

	a.mu.Lock()
	reg, ok := a.registry[workerID]
	if !ok {
		reg = &model.WorkerRegistration{WorkerID: workerID, FirstSeen: now, RecoveryJitter: 0.5}
		a.registry[workerID] = reg
	}
	reg.LastSeen = now
	reg.TotalSyncs++
	if snap != nil {
		reg.LastMetrics = snap
		reg.LastMetricsAt = now
	}
	a.mu.Unlock()

	if snap != nil {
		a.maybeTriggerBlock(now, workerID, snap.BlockRate)
	}

	a.allocateQuotas(now)

	a.mu.Lock()
	quota := a.quotas[workerID]
	block := a.block
	jitter := reg.RecoveryJitter
	settings := a.settings
	a.mu.Unlock()

	return SyncResponse{
		Settings:       settings,
		Quota:          quota,
		RecoveryJitter: jitter,
		Block: model.BlockDescriptor{
			Active:      block.Active(now),
			RemainingS:  math.Max(0, block.BlockUntil.Sub(now).Seconds()),
			TriggeredBy: block.TriggeredBy,
			Epoch:       block.RecoveryEpoch,
		},
	}, nil
}

// maybeTriggerBlock implements spec §4.G's global-block FSM. The
// `now >= block_until` guard is what makes two reports during one cooldown
// produce exactly one epoch increment (spec §8 property 3).
func (a *Arbiter) maybeTriggerBlock(now time.Time, triggeredBy string, blockRate float64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if blockRate <= a.settings.BlockRateThreshold {
		return false
	}
	if now.Before(a.block.BlockUntil) {
		return false
	}

	a.block.BlockUntil = now.Add(time.Duration(a.settings.CooldownAfterBlockS * float64(time.Second)))
	a.block.RecoveryEpoch++
	a.block.TriggeredBy = triggeredBy

	for id, reg := range a.registry {
		if now.Sub(reg.LastSeen) <= workerActiveWindow {
			reg.RecoveryJitter = a.rng.Float64()
			a.registry[id] = reg
		}
	}
	return true
}

// BlockState returns a snapshot of the global-block FSM for observability.
func (a *Arbiter) BlockState() model.GlobalBlockState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.block
}

// allocateQuotas runs the full allocation pass (spec §4.G steps 1-6).
func (a *Arbiter) allocateQuotas(now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.allocateQuotasLocked(now)
}

func (a *Arbiter) allocateQuotasLocked(now time.Time) {
	var active []string
	for id, reg := range a.registry {
		if now.Sub(reg.LastSeen) <= workerActiveWindow {
			active = append(active, id)
		}
	}
	if len(active) == 0 {
		a.quotas = make(map[string]model.Quota)
		return
	}
	sort.Strings(active) // deterministic iteration/trim order

	n := len(active)
	budgetConcurrency := float64(a.settings.GlobalMaxConcurrency)
	budgetQPS := a.settings.GlobalMaxQPS
	inCooldown := a.block.Active(now)
	if inCooldown {
		budgetConcurrency = math.Max(budgetConcurrency/2, float64(n*a.settings.MinConcurrency))
		budgetQPS = math.Max(budgetQPS/2, float64(n)*0.5)
	}

	scores := make(map[string]float64, n)
	sumScore := 0.0
	for _, id := range active {
		reg := a.registry[id]
		var score float64
		if reg.LastMetrics == nil || now.Sub(reg.LastMetricsAt) >= freshMetricsWindow {
			score = 0.5
		} else {
			score = reg.LastMetrics.SuccessRate * math.Max(0, 1-blockRateScoreFactor*reg.LastMetrics.BlockRate)
		}
		score = clampFloat(score, 0.1, 1.0)
		if inCooldown {
			score *= 0.5 + 0.5*reg.RecoveryJitter
		}
		scores[id] = score
		sumScore += score
	}
	if sumScore <= 0 {
		sumScore = float64(n)
		for _, id := range active {
			scores[id] = 1
		}
	}

	effectiveMin := int(math.Min(float64(a.settings.MinConcurrency), math.Floor(budgetConcurrency/float64(n))))
	if effectiveMin < 0 {
		effectiveMin = 0
	}

	rawConcurrency := make(map[string]float64, n)
	rawQPS := make(map[string]float64, n)
	for _, id := range active {
		share := scores[id] / sumScore
		rawConcurrency[id] = share * budgetConcurrency
		rawQPS[id] = share * budgetQPS
	}

	concurrency := make(map[string]int, n)
	total := 0
	for _, id := range active {
		c := int(math.Round(rawConcurrency[id]))
		if c < effectiveMin {
			c = effectiveMin
		}
		concurrency[id] = c
		total += c
	}

	budgetInt := int(math.Floor(budgetConcurrency))
	if total > budgetInt {
		trimConcurrency(concurrency, active, effectiveMin, total-budgetInt)
	}

	sumQPS := 0.0
	for _, id := range active {
		sumQPS += rawQPS[id]
	}
	scale := 1.0
	if sumQPS > budgetQPS && sumQPS > 0 {
		scale = budgetQPS / sumQPS
	}

	quotas := make(map[string]model.Quota, n)
	for _, id := range active {
		quotas[id] = model.Quota{
			Concurrency: concurrency[id],
			QPS:         rawQPS[id] * scale,
			AssignedAt:  now,
		}
	}
	a.quotas = quotas
}

// trimConcurrency proportionally reduces allocations above effectiveMin
// until the sum fits budget, with a final greedy pass (deterministic over
// the sorted active slice) to guarantee the bound exactly (spec §8
// property 2).
func trimConcurrency(concurrency map[string]int, active []string, effectiveMin, excess int) {
	for excess > 0 {
		var aboveMin []string
		totalAbove := 0
		for _, id := range active {
			if concurrency[id] > effectiveMin {
				aboveMin = append(aboveMin, id)
				totalAbove += concurrency[id] - effectiveMin
			}
		}
		if len(aboveMin) == 0 || totalAbove == 0 {
			break
		}
		trimmed := 0
		for _, id := range aboveMin {
			share := float64(concurrency[id]-effectiveMin) / float64(totalAbove)
			cut := int(math.Round(share * float64(excess)))
			if cut > concurrency[id]-effectiveMin {
				cut = concurrency[id] - effectiveMin
			}
			concurrency[id] -= cut
			trimmed += cut
		}
		excess -= trimmed
		if trimmed == 0 {
			break
		}
	}
	for excess > 0 {
		trimmedAny := false
		for _, id := range active {
			if excess <= 0 {
				break
			}
			if concurrency[id] > effectiveMin {
				concurrency[id]--
				excess--
				trimmedAny = true
			}
		}
		if !trimmedAny {
			break
		}
	}
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// EvictStale removes workers unseen for longer than workerEvictThreshold
// and drops their quota (spec §4.G: "evicts workers unseen for > 10
// minutes").
func (a *Arbiter) EvictStale(now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for id, reg := range a.registry {
		if now.Sub(reg.LastSeen) > workerEvictThreshold {
			delete(a.registry, id)
			delete(a.quotas, id)
		}
	}
}

// Quotas returns a copy of the current per-worker quota map, for
// observability.
func (a *Arbiter) Quotas() map[string]model.Quota {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]model.Quota, len(a.quotas))
	for k, v := range a.quotas {
		out[k] = v
	}
	return out
}

// Registrations returns a snapshot of the worker registry, for
// observability.
func (a *Arbiter) Registrations() []model.WorkerRegistration {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]model.WorkerRegistration, 0, len(a.registry))
	for _, reg := range a.registry {
		out = append(out, *reg)
	}
	return out
}
