package proxy

import (
	"context"
	"sync"
	"time"

	"proxyfleet/internal/model"
)

const tpsMaxBlacklist = 100

// tpsManager caches a single proxy and refreshes it on expiry or on a
// reported block, exactly as original_source/proxy.py's ProxyManager does.
type tpsManager struct {
	client *APIClient

	mu            sync.Mutex
	current       string
	expireAt      time.Time
	lastFetch     time.Time
	refreshEvery  time.Duration
	minFetchGap   time.Duration
	blacklist     map[string]struct{}
	fetchInFlight *sync.Mutex // single-flight guard, separate from mu so blacklist reads aren't blocked by a slow fetch
}

func newTPSManager(client *APIClient, settings model.RuntimeSettings) *tpsManager {
	refresh := time.Duration(settings.ProxyRefreshIntervalS * float64(time.Second))
	if refresh <= 0 {
		refresh = 5 * time.Minute
	}
	return &tpsManager{
		client:        client,
		refreshEvery:  refresh,
		minFetchGap:   time.Second,
		blacklist:     make(map[string]struct{}),
		fetchInFlight: &sync.Mutex{},
	}
}

func (m *tpsManager) GetProxy(ctx context.Context, _ int) (string, int, error) {
	m.mu.Lock()
	if m.current != "" && time.Now().Before(m.expireAt) {
		cur := m.current
		m.mu.Unlock()
		return cur, AnyChannel, nil
	}
	m.mu.Unlock()

	url, err := m.refresh(ctx)
	if err != nil {
		return "", AnyChannel, err
	}
	return url, AnyChannel, nil
}

// refresh is single-flighted: concurrent callers converge on one upstream
// call instead of stampeding the proxy API.
func (m *tpsManager) refresh(ctx context.Context) (string, error) {
	m.fetchInFlight.Lock()
	defer m.fetchInFlight.Unlock()

	m.mu.Lock()
	if m.current != "" && time.Now().Before(m.expireAt) {
		cur := m.current
		m.mu.Unlock()
		return cur, nil
	}
	elapsed := time.Since(m.lastFetch)
	m.mu.Unlock()

	if elapsed < m.minFetchGap {
		t := time.NewTimer(m.minFetchGap - elapsed)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return "", ctx.Err()
		}
	}

	m.mu.Lock()
	m.lastFetch = time.Now()
	m.mu.Unlock()

	entries, err := FetchWithRetry(ctx, 3, m.client.Fetch)
	if err != nil || len(entries) == 0 {
		m.mu.Lock()
		cur := m.current
		m.mu.Unlock()
		return cur, err
	}

	for _, raw := range entries {
		entry, err := ParseEntry(raw)
		if err != nil {
			continue
		}
		url := entry.URL()

		m.mu.Lock()
		_, blacklisted := m.blacklist[url]
		m.mu.Unlock()
		if blacklisted {
			continue
		}

		m.mu.Lock()
		m.current = url
		m.expireAt = time.Now().Add(m.refreshEvery)
		m.mu.Unlock()
		return url, nil
	}

	m.mu.Lock()
	cur := m.current
	m.mu.Unlock()
	return cur, nil
}

func (m *tpsManager) ReportBlocked(ctx context.Context, _ int) error {
	m.mu.Lock()
	blocked := m.current
	if blocked != "" {
		m.blacklist[blocked] = struct{}{}
		if len(m.blacklist) > tpsMaxBlacklist {
			m.blacklist = make(map[string]struct{})
		}
	}
	m.current = ""
	m.expireAt = time.Time{}
	m.mu.Unlock()

	_, err := m.refresh(ctx)
	return err
}

// WaitForRotation and HandleIPRotation are no-ops in TPS mode: there is no
// fixed rotation cadence, refreshing happens lazily on expiry or block.
func (m *tpsManager) WaitForRotation(ctx context.Context) error { return nil }

func (m *tpsManager) HandleIPRotation(ctx context.Context) (bool, error) { return false, nil }

func (m *tpsManager) Close() {}
