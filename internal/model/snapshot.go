package model

// Snapshot is the read-only, derived view over a worker's sliding metrics
// window (spec §3, MetricsSnapshot). An empty window reports SuccessRate=1.0
// and zero latencies so the AIMD controller neither accelerates nor
// decelerates before it has enough signal to act.
type Snapshot struct {
	Total           int     `json:"total"`
	SuccessRate     float64 `json:"success_rate"`
	BlockRate       float64 `json:"block_rate"`
	LatencyP50      float64 `json:"latency_p50"`
	LatencyP95      float64 `json:"latency_p95"`
	BandwidthBps    float64 `json:"bandwidth_bps"`
	BandwidthPct    float64 `json:"bandwidth_pct"`
	Inflight        int     `json:"inflight"`
	WindowSeconds   float64 `json:"window_seconds"`
}
