package pipeline

import (
	"context"
	"sync"
	"testing"

	"go.uber.org/zap/zaptest"

	"proxyfleet/internal/model"
	"proxyfleet/internal/ratelimit"
	"proxyfleet/internal/session"
)

type fakeProxyManager struct {
	mu       sync.Mutex
	blocked  map[int]bool
	nextID   int
	reported []int
}

func newFakeProxyManager(channels int) *fakeProxyManager {
	return &fakeProxyManager{blocked: make(map[int]bool)}
}

func (m *fakeProxyManager) GetProxy(ctx context.Context, channel int) (string, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := m.nextID
	if channel >= 0 {
		id = channel
	}
	return "http://proxy.example/", id, nil
}

func (m *fakeProxyManager) ReportBlocked(ctx context.Context, channelID int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blocked[channelID] = true
	m.reported = append(m.reported, channelID)
	return nil
}

func (m *fakeProxyManager) WaitForRotation(ctx context.Context) error { return nil }
func (m *fakeProxyManager) HandleIPRotation(ctx context.Context) (bool, error) {
	return false, nil
}
func (m *fakeProxyManager) Close() {}

type scriptedProvider struct {
	mu        sync.Mutex
	responses []session.Response
	call      int
}

func (p *scriptedProvider) Session(channelID int, proxyURL string) (session.Session, error) {
	return &scriptedSession{provider: p}, nil
}

type scriptedSession struct {
	provider *scriptedProvider
}

func (s *scriptedSession) Fetch(ctx context.Context, target string, headers map[string]string) (session.Response, error) {
	s.provider.mu.Lock()
	defer s.provider.mu.Unlock()
	resp := s.provider.responses[s.provider.call%len(s.provider.responses)]
	s.provider.call++
	return resp, nil
}

func (s *scriptedSession) Close() {}

func newTestProcessor(t *testing.T, proxies *fakeProxyManager, provider session.Provider) (*Processor, *fakeResultSink) {
	t.Helper()
	bucket := ratelimit.New(1000)
	ctl := newTestController(t)
	sink := &fakeResultSink{}
	submitter := NewSubmitter(sink, nil, zaptest.NewLogger(t))
	go submitter.Run(context.Background())
	proc := NewProcessor("worker-1", model.ProxyModeTunnel, bucket, proxies, provider, ctl, submitter,
		func() int { return 3 }, zaptest.NewLogger(t))
	return proc, sink
}

func TestProcessorSucceedsOnFirstAttempt(t *testing.T) {
	proxies := newFakeProxyManager(4)
	provider := &scriptedProvider{responses: []session.Response{
		{Status: 200, Body: make([]byte, 4096), Bytes: 4096},
	}}
	proc, _ := newTestProcessor(t, proxies, provider)

	result := proc.process(context.Background(), model.Task{ID: 1, Params: map[string]any{"url": "https://example.test/a"}})
	if !result.Success {
		t.Fatalf("expected success, got %+v", result)
	}
}

func TestProcessorRetriesBlockedThenSucceeds(t *testing.T) {
	proxies := newFakeProxyManager(4)
	provider := &scriptedProvider{responses: []session.Response{
		{Status: 403, Body: []byte("blocked"), Blocked: true},
		{Status: 200, Body: make([]byte, 4096), Bytes: 4096},
	}}
	proc, _ := newTestProcessor(t, proxies, provider)

	result := proc.process(context.Background(), model.Task{ID: 2, Params: map[string]any{"url": "https://example.test/b"}})
	if !result.Success {
		t.Fatalf("expected eventual success after one blocked attempt, got %+v", result)
	}
	if len(proxies.reported) == 0 {
		t.Fatal("expected the blocked channel to be reported")
	}
}

func TestProcessorExhaustsRetriesAndReportsFailure(t *testing.T) {
	proxies := newFakeProxyManager(4)
	provider := &scriptedProvider{responses: []session.Response{
		{Status: 403, Body: []byte("blocked"), Blocked: true},
	}}
	proc, _ := newTestProcessor(t, proxies, provider)

	result := proc.process(context.Background(), model.Task{ID: 3, Params: map[string]any{"url": "https://example.test/c"}})
	if result.Success {
		t.Fatal("expected failure after exhausting all retries against a persistently blocked proxy")
	}
	if result.ErrorType != model.ErrorBlocked {
		t.Fatalf("expected error_type=blocked, got %q", result.ErrorType)
	}
}

func TestTaskURLFallsBackToItemID(t *testing.T) {
	task := model.Task{ItemID: "B000123"}
	if got := taskURL(task); got != "B000123" {
		t.Fatalf("expected fallback to ItemID, got %q", got)
	}
	task.Params = map[string]any{"url": "https://example.test/x"}
	if got := taskURL(task); got != "https://example.test/x" {
		t.Fatalf("expected explicit url param, got %q", got)
	}
}
