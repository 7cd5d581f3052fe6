package coordinator

import (
	"context"
	"testing"
	"time"

	"proxyfleet/internal/model"
)

func newTestArbiter() *Arbiter {
	return NewArbiter(nil, model.DefaultSettings(), 7)
}

func TestPutSettingsRollsBackOnValidationFailure(t *testing.T) {
	a := newTestArbiter()
	before := a.Settings()

	bad := before
	bad.MinConcurrency = 10
	bad.MaxConcurrency = 5 // violates min <= initial <= max

	_, err := a.PutSettings(context.Background(), bad)
	if err == nil {
		t.Fatal("expected validation error")
	}
	after := a.Settings()
	if after.Version != before.Version {
		t.Fatalf("version changed after failed update: before=%d after=%d", before.Version, after.Version)
	}
	if after != before {
		t.Fatal("settings mutated after failed update")
	}
}

func TestPutSettingsBumpsVersionOnSuccess(t *testing.T) {
	a := newTestArbiter()
	before := a.Settings()
	ok := before
	ok.TokenBucketRate = 10

	updated, err := a.PutSettings(context.Background(), ok)
	if err != nil {
		t.Fatalf("PutSettings() error = %v", err)
	}
	if updated.Version != before.Version+1 {
		t.Fatalf("Version = %d, want %d", updated.Version, before.Version+1)
	}
}

// S2 — Block storm: single worker reports a 10% block rate; the FSM must
// enter cooldown and increment the epoch exactly once, even when the same
// report arrives again during that cooldown.
func TestSyncBlockStormTriggersCooldownOnce(t *testing.T) {
	a := newTestArbiter()
	ctx := context.Background()

	snap := &model.Snapshot{Total: 100, SuccessRate: 0.9, BlockRate: 0.10}
	resp1, err := a.Sync(ctx, "w1", snap)
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if !resp1.Block.Active {
		t.Fatal("expected global block to be active after a block storm")
	}
	if resp1.Block.Epoch != 1 {
		t.Fatalf("Epoch = %d, want 1", resp1.Block.Epoch)
	}

	resp2, err := a.Sync(ctx, "w1", snap)
	if err != nil {
		t.Fatalf("second Sync() error = %v", err)
	}
	if resp2.Block.Epoch != 1 {
		t.Fatalf("a second report during the same cooldown must not re-increment the epoch, got %d", resp2.Block.Epoch)
	}
}

// S3 — Two workers, asymmetric health: the healthier worker must get a
// strictly larger concurrency share and the total must respect budget.
func TestAllocateQuotasFavorsHealthierWorker(t *testing.T) {
	a := newTestArbiter()
	ctx := context.Background()

	healthyA := &model.Snapshot{Total: 100, SuccessRate: 0.95, BlockRate: 0.0}
	unhealthyB := &model.Snapshot{Total: 100, SuccessRate: 0.60, BlockRate: 0.10}

	if _, err := a.Sync(ctx, "A", healthyA); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Sync(ctx, "B", unhealthyB); err != nil {
		t.Fatal(err)
	}

	quotas := a.Quotas()
	if quotas["A"].Concurrency <= quotas["B"].Concurrency {
		t.Fatalf("expected A.Concurrency > B.Concurrency, got A=%d B=%d", quotas["A"].Concurrency, quotas["B"].Concurrency)
	}
	sum := quotas["A"].Concurrency + quotas["B"].Concurrency
	if sum > a.Settings().GlobalMaxConcurrency {
		t.Fatalf("sum of quotas = %d exceeds budget %d", sum, a.Settings().GlobalMaxConcurrency)
	}
}

// S6 — Worker offline: A goes silent while B keeps syncing; eviction
// removes A and B's redistributed quota stays non-zero and within budget.
func TestEvictStaleRedistributesWithinBudget(t *testing.T) {
	a := newTestArbiter()
	a.now = func() time.Time { return time.Unix(1000, 0) }
	ctx := context.Background()

	snap := &model.Snapshot{Total: 100, SuccessRate: 0.9, BlockRate: 0.0}
	if _, err := a.Sync(ctx, "A", snap); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Sync(ctx, "B", snap); err != nil {
		t.Fatal(err)
	}

	a.now = func() time.Time { return time.Unix(1000, 0).Add(11 * time.Minute) }
	if _, err := a.Sync(ctx, "B", snap); err != nil {
		t.Fatal(err)
	}
	a.EvictStale(a.now())
	a.allocateQuotas(a.now())

	quotas := a.Quotas()
	if _, stillPresent := quotas["A"]; stillPresent {
		t.Fatal("expected worker A to be evicted after 11 minutes of silence")
	}
	if quotas["B"].Concurrency <= 0 {
		t.Fatal("expected worker B to receive a non-zero quota after redistribution")
	}
	if quotas["B"].Concurrency > a.Settings().GlobalMaxConcurrency {
		t.Fatalf("B.Concurrency = %d exceeds budget %d", quotas["B"].Concurrency, a.Settings().GlobalMaxConcurrency)
	}
}

func TestQuotaNeverExceedsBudgetAcrossManyWorkers(t *testing.T) {
	a := newTestArbiter()
	ctx := context.Background()
	for i := 0; i < 20; i++ {
		id := string(rune('A' + i))
		snap := &model.Snapshot{Total: 100, SuccessRate: 0.7 + 0.01*float64(i), BlockRate: 0.01 * float64(i)}
		if _, err := a.Sync(ctx, id, snap); err != nil {
			t.Fatal(err)
		}
	}
	quotas := a.Quotas()
	total := 0
	totalQPS := 0.0
	for _, q := range quotas {
		total += q.Concurrency
		totalQPS += q.QPS
	}
	if total > a.Settings().GlobalMaxConcurrency {
		t.Fatalf("sum concurrency = %d exceeds budget %d", total, a.Settings().GlobalMaxConcurrency)
	}
	if totalQPS > a.Settings().GlobalMaxQPS+0.01 {
		t.Fatalf("sum qps = %v exceeds budget %v", totalQPS, a.Settings().GlobalMaxQPS)
	}
}
