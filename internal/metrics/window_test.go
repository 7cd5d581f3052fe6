package metrics

import (
	"testing"
	"time"
)

func TestSnapshotEmptyWindowBiasesOptimistic(t *testing.T) {
	w := New()
	s := w.Snapshot()
	if s.SuccessRate != 1.0 {
		t.Errorf("empty window SuccessRate = %v, want 1.0", s.SuccessRate)
	}
	if s.Total != 0 || s.LatencyP50 != 0 || s.LatencyP95 != 0 {
		t.Errorf("empty window should report zero volume and latency, got %+v", s)
	}
}

func TestRecordAndSnapshotRates(t *testing.T) {
	w := New()
	w.Record(1.0, true, false, 100)
	w.Record(2.0, true, false, 100)
	w.Record(3.0, false, true, 100)
	w.Record(4.0, false, false, 100)

	s := w.Snapshot()
	if s.Total != 4 {
		t.Fatalf("Total = %d, want 4", s.Total)
	}
	if s.SuccessRate != 0.5 {
		t.Errorf("SuccessRate = %v, want 0.5", s.SuccessRate)
	}
	if s.BlockRate != 0.25 {
		t.Errorf("BlockRate = %v, want 0.25", s.BlockRate)
	}
}

func TestSnapshotPrunesOldRecords(t *testing.T) {
	w := NewWithWindow(10 * time.Millisecond)
	w.Record(1.0, true, false, 0)
	time.Sleep(20 * time.Millisecond)
	w.Record(2.0, true, false, 0)

	s := w.Snapshot()
	if s.Total != 1 {
		t.Fatalf("Total = %d, want 1 after pruning stale record", s.Total)
	}
}

func TestInflightCounterIndependentOfRecord(t *testing.T) {
	w := New()
	w.RequestStart()
	w.RequestStart()
	if got := w.Inflight(); got != 2 {
		t.Fatalf("Inflight = %d, want 2", got)
	}
	w.RequestEnd()
	if got := w.Inflight(); got != 1 {
		t.Fatalf("Inflight = %d, want 1", got)
	}
	// RequestEnd below zero must not underflow.
	w.RequestEnd()
	w.RequestEnd()
	if got := w.Inflight(); got != 0 {
		t.Fatalf("Inflight = %d, want 0 floor", got)
	}
}

func TestPercentileLinearInterpolation(t *testing.T) {
	// [1,2,3,4,5] median (p50) interpolated at rank 0.5*4=2 -> sorted[2]=3
	sorted := []float64{1, 2, 3, 4, 5}
	if got := percentile(sorted, 0.5); got != 3 {
		t.Errorf("p50 = %v, want 3", got)
	}
	// p95 of [1,2,3,4,5]: rank=0.95*4=3.8 -> interpolate between sorted[3]=4 and sorted[4]=5
	want := 4 + 0.8*(5-4)
	if got := percentile(sorted, 0.95); got != want {
		t.Errorf("p95 = %v, want %v", got, want)
	}
}

func TestPercentileSingleValue(t *testing.T) {
	if got := percentile([]float64{7}, 0.95); got != 7 {
		t.Errorf("single-value percentile = %v, want 7", got)
	}
}
