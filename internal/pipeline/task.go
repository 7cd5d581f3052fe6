// Package pipeline implements the per-worker task pipeline: a prefetching
// Feeder, a dynamic Worker Pool supervisor, the per-task processing state
// machine, and a batched Result Submitter.
package pipeline

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"proxyfleet/internal/controller"
	"proxyfleet/internal/model"
	"proxyfleet/internal/proxy"
	"proxyfleet/internal/ratelimit"
	"proxyfleet/internal/session"
)

// fetchRetrySleep is the delay between attempts after a transport-level
// failure (timeout or network error), distinct from the blocked-handling
// path which retries immediately against a different channel.
const fetchRetrySleep = 2 * time.Second

// Processor runs the per-task state machine (spec §4.F's numbered
// pseudocode): acquire a token, acquire a proxy channel and its session,
// fetch, classify, retry or submit.
type Processor struct {
	workerID   string
	mode       model.ProxyMode
	bucket     *ratelimit.Bucket
	proxies    proxy.Manager
	sessions   *sessionPool
	ctl        *controller.Controller
	submitter  *Submitter
	maxRetries func() int
	logger     *zap.Logger
}

func NewProcessor(workerID string, mode model.ProxyMode, bucket *ratelimit.Bucket, proxies proxy.Manager,
	provider session.Provider, ctl *controller.Controller, submitter *Submitter, maxRetries func() int, logger *zap.Logger) *Processor {
	return &Processor{
		workerID:   workerID,
		mode:       mode,
		bucket:     bucket,
		proxies:    proxies,
		sessions:   newSessionPool(provider),
		ctl:        ctl,
		submitter:  submitter,
		maxRetries: maxRetries,
		logger:     logger,
	}
}

// Handle implements TaskHandler: it runs the retry loop for one task and
// always submits exactly one result.
func (p *Processor) Handle(ctx context.Context, task model.Task) {
	result := p.process(ctx, task)
	p.submitter.Submit(result)
}

func (p *Processor) process(ctx context.Context, task model.Task) model.TaskResult {
	maxRetries := p.maxRetries()
	lastErrType := model.ErrorNetwork
	lastErrDetail := ""

	for attempt := 0; attempt < maxRetries; attempt++ {
		if ctx.Err() != nil {
			return p.failure(task, model.ErrorNetwork, "worker shutting down")
		}

		if err := p.bucket.Acquire(ctx); err != nil {
			return p.failure(task, model.ErrorNetwork, "rate limiter: "+err.Error())
		}

		channelID, proxyURL, err := p.acquireChannel(ctx)
		if err != nil {
			lastErrType, lastErrDetail = model.ErrorNetwork, err.Error()
			p.sleepRetry(ctx)
			continue
		}

		sess, err := p.sessions.get(channelID, proxyURL)
		if err != nil {
			lastErrType, lastErrDetail = model.ErrorNetwork, err.Error()
			p.sleepRetry(ctx)
			continue
		}

		window := p.ctl.Window()
		window.RequestStart()
		start := time.Now()
		resp, fetchErr := sess.Fetch(ctx, taskURL(task), nil)
		elapsed := time.Since(start).Seconds()
		window.RequestEnd()

		if fetchErr != nil {
			errType := classifyTransportError(fetchErr)
			window.Record(elapsed, false, false, 0)
			lastErrType, lastErrDetail = errType, fetchErr.Error()
			p.sleepRetry(ctx)
			continue
		}

		window.Record(elapsed, !resp.Blocked, resp.Blocked, resp.Bytes)

		if resp.Blocked {
			p.handleBlocked(ctx, channelID)
			lastErrType, lastErrDetail = model.ErrorBlocked, "blocked response"
			continue
		}

		if resp.NotFound {
			return model.TaskResult{
				TaskID:   task.ID,
				WorkerID: p.workerID,
				Success:  true,
				Result:   map[string]any{"not_found": true},
			}
		}

		return model.TaskResult{
			TaskID:   task.ID,
			WorkerID: p.workerID,
			Success:  true,
			Result:   map[string]any{"bytes": resp.Bytes},
		}
	}

	return p.failure(task, lastErrType, lastErrDetail)
}

func (p *Processor) acquireChannel(ctx context.Context) (channelID int, proxyURL string, err error) {
	proxyURL, channelID, err = p.proxies.GetProxy(ctx, proxy.AnyChannel)
	return channelID, proxyURL, err
}

// handleBlocked brands the channel as blocked so the next acquisition picks
// a different one (tunnel) or forces a fresh fetch (TPS), and invalidates
// the cached session so it is rebuilt against a new proxy (spec §4.F:
// "Blocked-handling branches on mode").
func (p *Processor) handleBlocked(ctx context.Context, channelID int) {
	if err := p.proxies.ReportBlocked(ctx, channelID); err != nil {
		p.logger.Warn("pipeline: reporting blocked channel failed", zap.Error(err))
	}
	p.sessions.invalidate(channelID)
	if p.mode != model.ProxyModeTunnel {
		return
	}
	// Tunnel mode: if every channel just went blocked, the next GetProxy
	// call will itself wait for rotation; nothing further to do here.
}

func (p *Processor) failure(task model.Task, errType model.ErrorType, detail string) model.TaskResult {
	if len(detail) > 500 {
		detail = detail[:500]
	}
	return model.TaskResult{
		TaskID:      task.ID,
		WorkerID:    p.workerID,
		Success:     false,
		ErrorType:   errType,
		ErrorDetail: detail,
	}
}

func (p *Processor) sleepRetry(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(fetchRetrySleep):
	}
}

// classifyTransportError distinguishes a deadline/timeout from a generic
// network failure for the coordinator's observability-only error_type
// field (spec §4.F).
func classifyTransportError(err error) model.ErrorType {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return model.ErrorTimeout
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return model.ErrorTimeout
	}
	return model.ErrorNetwork
}

// taskURL recovers the fetch target from a task's opaque parameters. URL
// construction and HTML parsing are explicitly out of scope (spec §1); the
// pipeline only needs something to pass to Session.Fetch.
func taskURL(task model.Task) string {
	if task.Params != nil {
		if u, ok := task.Params["url"].(string); ok && u != "" {
			return u
		}
	}
	return task.ItemID
}

// sessionPool caches one Session per proxy channel (TPS mode always uses
// proxy.AnyChannel, -1) so cookie/TLS state survives across requests on the same
// channel, and rebuilds lazily after a rotation or a block invalidates it
// — grounded on original_source/worker.py's SessionPool.
type sessionPool struct {
	mu       sync.Mutex
	provider session.Provider
	sessions map[int]session.Session
}

func newSessionPool(provider session.Provider) *sessionPool {
	return &sessionPool{provider: provider, sessions: make(map[int]session.Session)}
}

func (sp *sessionPool) get(channelID int, proxyURL string) (session.Session, error) {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	if s, ok := sp.sessions[channelID]; ok {
		return s, nil
	}
	s, err := sp.provider.Session(channelID, proxyURL)
	if err != nil {
		return nil, err
	}
	sp.sessions[channelID] = s
	return s, nil
}

func (sp *sessionPool) invalidate(channelID int) {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	if s, ok := sp.sessions[channelID]; ok {
		s.Close()
		delete(sp.sessions, channelID)
	}
}

func (sp *sessionPool) invalidateAll() {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	for id, s := range sp.sessions {
		s.Close()
		delete(sp.sessions, id)
	}
}

// InvalidateSessions closes every cached session, forcing a fresh one to
// be built against whatever proxy is next returned. Called after an IP
// rotation rebuilds every channel (spec §4.F, §4.C HandleIPRotation).
func (p *Processor) InvalidateSessions() {
	p.sessions.invalidateAll()
}
