package model

import "fmt"

// ProxyMode selects how the Proxy Manager sources exit IPs.
type ProxyMode string

const (
	ProxyModeTPS    ProxyMode = "tps"
	ProxyModeTunnel ProxyMode = "tunnel"
)

// RuntimeSettings is the versioned, flat mapping of tunable parameters the
// coordinator owns (spec §3). Workers apply only strictly newer versions.
type RuntimeSettings struct {
	Version int64 `json:"version"`

	TokenBucketRate      float64 `json:"token_bucket_rate"`
	InitialConcurrency   int     `json:"initial_concurrency"`
	MinConcurrency       int     `json:"min_concurrency"`
	MaxConcurrency       int     `json:"max_concurrency"`
	AdjustIntervalS      float64 `json:"adjust_interval"`
	TargetLatencyS       float64 `json:"target_latency"`
	MaxLatencyS          float64 `json:"max_latency"`
	TargetSuccessRate    float64 `json:"target_success_rate"`
	MinSuccessRate       float64 `json:"min_success_rate"`
	BlockRateThreshold   float64 `json:"block_rate_threshold"`
	CooldownAfterBlockS  float64 `json:"cooldown_after_block"`
	GlobalMaxConcurrency int     `json:"global_max_concurrency"`
	GlobalMaxQPS         float64 `json:"global_max_qps"`
	MaxRetries           int     `json:"max_retries"`
	SessionRotateEvery   int     `json:"session_rotate_every"`

	// Proxy configuration. Not range-validated (credentials and identifiers,
	// not tunable thresholds) but versioned and pushed to workers alongside
	// everything else, per spec §4.H ("Mode switches ... are hot-applied").
	ProxyMode             ProxyMode `json:"proxy_mode"`
	ProxyAPIURL           string    `json:"proxy_api_url,omitempty"`
	ProxyAPIURLAuth       string    `json:"proxy_api_url_auth,omitempty"`
	ProxyRefreshIntervalS float64   `json:"proxy_refresh_interval_s,omitempty"`
	TunnelHost            string    `json:"tunnel_host,omitempty"`
	TunnelPort            int       `json:"tunnel_port,omitempty"`
	TunnelUser            string    `json:"tunnel_user,omitempty"`
	TunnelPass            string    `json:"tunnel_pass,omitempty"`
	TunnelChannels        int       `json:"tunnel_channels,omitempty"`
	TunnelRotateIntervalS float64   `json:"tunnel_rotate_interval_s,omitempty"`
}

// DefaultSettings mirrors the numeric defaults named throughout spec.md §4.
func DefaultSettings() RuntimeSettings {
	return RuntimeSettings{
		Version:               1,
		TokenBucketRate:       5,
		InitialConcurrency:    8,
		MinConcurrency:        2,
		MaxConcurrency:        30,
		AdjustIntervalS:       10,
		TargetLatencyS:        3,
		MaxLatencyS:           8,
		TargetSuccessRate:     0.95,
		MinSuccessRate:        0.85,
		BlockRateThreshold:    0.05,
		CooldownAfterBlockS:   30,
		GlobalMaxConcurrency:  100,
		GlobalMaxQPS:          20,
		MaxRetries:            3,
		SessionRotateEvery:    500,
		ProxyMode:             ProxyModeTPS,
		ProxyRefreshIntervalS: 300,
		TunnelChannels:        8,
		TunnelRotateIntervalS: 60,
	}
}

// numericRange names one bounded field for the table-driven validator below.
type numericRange struct {
	name     string
	value    float64
	min, max float64
}

// ValidationError carries one or more per-field messages, matching the
// coordinator's PUT /api/settings 422 contract (spec §6).
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid settings: %d field(s) out of range", len(e.Fields))
}

// Validate checks every declared numeric range, then the cross-field
// constraints, returning a *ValidationError with one message per offending
// field. Any failure means the caller must reject the whole update (spec
// §4.G: "Any failure rolls back the entire update").
func (s RuntimeSettings) Validate() error {
	ranges := []numericRange{
		{"token_bucket_rate", s.TokenBucketRate, 0.5, 50},
		{"initial_concurrency", float64(s.InitialConcurrency), 1, 50},
		{"min_concurrency", float64(s.MinConcurrency), 1, 20},
		{"max_concurrency", float64(s.MaxConcurrency), 2, 100},
		{"adjust_interval", s.AdjustIntervalS, 3, 60},
		{"target_latency", s.TargetLatencyS, 1, 30},
		{"max_latency", s.MaxLatencyS, 2, 60},
		{"target_success_rate", s.TargetSuccessRate, 0.5, 1},
		{"min_success_rate", s.MinSuccessRate, 0.3, 1},
		{"block_rate_threshold", s.BlockRateThreshold, 0.01, 0.5},
		{"cooldown_after_block", s.CooldownAfterBlockS, 5, 120},
		{"global_max_concurrency", float64(s.GlobalMaxConcurrency), 2, 500},
		{"global_max_qps", s.GlobalMaxQPS, 0.5, 100},
		{"max_retries", float64(s.MaxRetries), 1, 10},
		{"session_rotate_every", float64(s.SessionRotateEvery), 50, 10000},
	}

	fields := map[string]string{}
	for _, r := range ranges {
		if r.value < r.min || r.value > r.max {
			fields[r.name] = fmt.Sprintf("%s=%v out of range [%v, %v]", r.name, r.value, r.min, r.max)
		}
	}

	// Cross-field constraints are only meaningful once the individual
	// fields they reference are themselves in range.
	if _, bad := fields["min_concurrency"]; !bad {
		if _, bad2 := fields["initial_concurrency"]; !bad2 {
			if _, bad3 := fields["max_concurrency"]; !bad3 {
				if !(s.MinConcurrency <= s.InitialConcurrency && s.InitialConcurrency <= s.MaxConcurrency) {
					fields["initial_concurrency"] = "must satisfy min_concurrency <= initial_concurrency <= max_concurrency"
				}
			}
		}
	}
	if _, bad := fields["target_latency"]; !bad {
		if _, bad2 := fields["max_latency"]; !bad2 {
			if !(s.TargetLatencyS < s.MaxLatencyS) {
				fields["target_latency"] = "must satisfy target_latency < max_latency"
			}
		}
	}
	if _, bad := fields["min_success_rate"]; !bad {
		if _, bad2 := fields["target_success_rate"]; !bad2 {
			if !(s.MinSuccessRate <= s.TargetSuccessRate) {
				fields["min_success_rate"] = "must satisfy min_success_rate <= target_success_rate"
			}
		}
	}

	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}
