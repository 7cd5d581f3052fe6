package proxy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"proxyfleet/internal/model"
)

// tunnelManager pre-allocates N durable channels and rotates their bound
// proxy URLs on a server-side cadence (spec §4.C tunnel algorithm).
type tunnelManager struct {
	client *APIClient

	mu           sync.Mutex
	channels     []*channel
	nextIdx      int
	lastRotation time.Time
	rotateEvery  time.Duration
	rotationDone chan struct{} // closed and replaced on every rotation, broadcasting waiters
}

func newTunnelManager(client *APIClient, settings model.RuntimeSettings) *tunnelManager {
	n := settings.TunnelChannels
	if n <= 0 {
		n = 8
	}
	rotate := time.Duration(settings.TunnelRotateIntervalS * float64(time.Second))
	if rotate <= 0 {
		rotate = 60 * time.Second
	}

	channels := make([]*channel, n)
	for i := range channels {
		channels[i] = &channel{id: i + 1}
	}

	return &tunnelManager{
		client:       client,
		channels:     channels,
		lastRotation: time.Now(),
		rotateEvery:  rotate,
		rotationDone: make(chan struct{}),
	}
}

// InitTunnelChannels fetches N proxy URLs in one call and binds them to
// channel ids 1..N (spec §4.C).
func (m *tunnelManager) InitTunnelChannels(ctx context.Context) error {
	return m.RefreshTunnelChannels(ctx)
}

// RefreshTunnelChannels re-fetches URLs for all channels in a single
// upstream call.
func (m *tunnelManager) RefreshTunnelChannels(ctx context.Context) error {
	m.mu.Lock()
	n := len(m.channels)
	m.mu.Unlock()

	entries, err := FetchWithRetry(ctx, 3, func(ctx context.Context) ([]string, error) {
		return m.client.Fetch(ctx)
	})
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return fmt.Errorf("proxy: upstream returned no proxies for %d tunnel channels", n)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for i, ch := range m.channels {
		raw := entries[i%len(entries)]
		parsed, err := ParseEntry(raw)
		if err != nil {
			continue
		}
		ch.url = parsed.URL()
		ch.blocked = false
		ch.blockedAt = time.Time{}
		ch.requestSeq = 0
	}
	return nil
}

func (m *tunnelManager) GetProxy(ctx context.Context, channelID int) (string, int, error) {
	for {
		m.mu.Lock()
		if channelID >= 0 {
			for _, ch := range m.channels {
				if ch.id == channelID {
					url := ch.url
					ch.requestSeq++
					ch.lastRequest = time.Now()
					m.mu.Unlock()
					return url, ch.id, nil
				}
			}
			m.mu.Unlock()
			return "", 0, fmt.Errorf("proxy: unknown channel %d", channelID)
		}

		if picked := m.pickRoundRobinLocked(); picked != nil {
			url := picked.url
			id := picked.id
			picked.requestSeq++
			picked.lastRequest = time.Now()
			m.mu.Unlock()
			return url, id, nil
		}
		wait := m.rotationDone
		m.mu.Unlock()

		// All channels blocked: wait for the next rotation before retrying
		// (spec §4.C: "blocks further GetProxy until a rotation occurs").
		select {
		case <-wait:
		case <-ctx.Done():
			return "", 0, ctx.Err()
		}
	}
}

// pickRoundRobinLocked must be called with mu held. It advances nextIdx
// modulo the number of currently available (non-blocked) channels.
func (m *tunnelManager) pickRoundRobinLocked() *channel {
	available := make([]*channel, 0, len(m.channels))
	for _, ch := range m.channels {
		if !ch.blocked {
			available = append(available, ch)
		}
	}
	if len(available) == 0 {
		return nil
	}
	m.nextIdx = (m.nextIdx + 1) % len(available)
	return available[m.nextIdx]
}

func (m *tunnelManager) ReportBlocked(ctx context.Context, channelID int) error {
	m.mu.Lock()
	for _, ch := range m.channels {
		if ch.id == channelID {
			ch.blocked = true
			ch.blockedAt = time.Now()
			break
		}
	}
	m.mu.Unlock()
	return nil
}

func (m *tunnelManager) WaitForRotation(ctx context.Context) error {
	m.mu.Lock()
	deadline := m.lastRotation.Add(m.rotateEvery)
	m.mu.Unlock()

	wait := time.Until(deadline)
	if wait <= 0 {
		return nil
	}
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *tunnelManager) HandleIPRotation(ctx context.Context) (bool, error) {
	m.mu.Lock()
	deadline := m.lastRotation.Add(m.rotateEvery)
	due := !time.Now().Before(deadline)
	m.mu.Unlock()
	if !due {
		return false, nil
	}

	if err := m.RefreshTunnelChannels(ctx); err != nil {
		return false, err
	}

	m.mu.Lock()
	m.lastRotation = time.Now()
	done := m.rotationDone
	m.rotationDone = make(chan struct{})
	m.mu.Unlock()
	close(done)

	return true, nil
}

func (m *tunnelManager) Close() {}
