package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"proxyfleet/internal/model"
)

const settingsKey = "proxyfleet:settings"

// SettingsStore persists RuntimeSettings in Redis, satisfying spec §6's
// "a simple key/value for settings is acceptable". A single key holds the
// whole versioned document; writes are version-bumped and saved under the
// coordinator's own settings mutex (internal/coordinator), not here.
type SettingsStore struct {
	client *redis.Client
}

// NewRedis opens and pings a Redis connection.
func NewRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("store: parsing redis url: %w", err)
	}
	opts.PoolSize = 20
	opts.MinIdleConns = 5
	opts.ConnMaxLifetime = time.Hour

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("store: pinging redis: %w", err)
	}
	return client, nil
}

func NewSettingsStore(client *redis.Client) *SettingsStore {
	return &SettingsStore{client: client}
}

// Load returns the persisted settings, or defaults if none have been
// written yet.
func (s *SettingsStore) Load(ctx context.Context) (model.RuntimeSettings, error) {
	raw, err := s.client.Get(ctx, settingsKey).Bytes()
	if err == redis.Nil {
		return model.DefaultSettings(), nil
	}
	if err != nil {
		return model.RuntimeSettings{}, fmt.Errorf("store: loading settings: %w", err)
	}
	var settings model.RuntimeSettings
	if err := json.Unmarshal(raw, &settings); err != nil {
		return model.RuntimeSettings{}, fmt.Errorf("store: decoding settings: %w", err)
	}
	return settings, nil
}

// Save persists settings with no expiry; it is the caller's job (the
// coordinator's settings-update handler) to validate and version-bump
// before calling this.
func (s *SettingsStore) Save(ctx context.Context, settings model.RuntimeSettings) error {
	raw, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("store: encoding settings: %w", err)
	}
	if err := s.client.Set(ctx, settingsKey, raw, 0).Err(); err != nil {
		return fmt.Errorf("store: saving settings: %w", err)
	}
	return nil
}
