package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// WorkerConfig is cmd/worker's bootstrap configuration: just enough to
// find and authenticate to the coordinator. Every runtime-tunable
// parameter (AIMD thresholds, proxy credentials, retry budgets) is pulled
// from the coordinator's RuntimeSettings at startup and on every sync
// thereafter, never from the environment.
type WorkerConfig struct {
	CoordinatorURL string `envconfig:"COORDINATOR_URL" required:"true"`
	WorkerID       string `envconfig:"WORKER_ID" default:""`
	WorkerToken    string `envconfig:"WORKER_TOKEN" required:"true"`

	// InitialProxyMode is the proxy mode the AIMD controller is built with
	// (it selects the controller's decrease factor) for the life of the
	// process; Bootstrap does not change it. The Proxy Manager and the
	// processor use the mode from the bootstrap settings pull instead.
	InitialProxyMode string `envconfig:"INITIAL_PROXY_MODE" default:"tps"`

	HTTPClientTimeout time.Duration `envconfig:"HTTP_CLIENT_TIMEOUT" default:"15s"`

	// NATSURL, if set, subscribes to the coordinator's fast-reaction
	// subjects so this worker notices a settings change or a global block
	// ahead of the next 30s sync poll. The poll stays mandatory and
	// authoritative either way (spec §4.H) — this only shortens the gap.
	NATSURL string `envconfig:"NATS_URL" default:""`

	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"`
}

func LoadWorker() (*WorkerConfig, error) {
	var cfg WorkerConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	if cfg.WorkerID == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "worker"
		}
		cfg.WorkerID = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	return &cfg, nil
}
