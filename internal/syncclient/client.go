// Package syncclient is the worker-side half of the Worker↔Coordinator
// Sync component (spec.md §4.H): an HTTP client for the task and settings
// endpoints, and a periodic Syncer that applies whatever quota, settings
// version, and global-block epoch the coordinator hands back. Grounded on
// original_source/worker.py's `_pull_tasks`/`_release_tasks`/
// `_submit_result`/`_settings_sync` methods, translated from httpx to
// net/http — the one outbound HTTP surface in the pack, and no example
// repo demonstrates a third-party client library for it (see DESIGN.md).
package syncclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"proxyfleet/internal/model"
)

// defaultTimeout is the per-request timeout shared by every call on a
// Client until SetTimeout replaces it (spec §5).
const defaultTimeout = 10 * time.Second

// Client is a thin HTTP binding for the coordinator's /api surface
// (spec §6), shared-secret authenticated via X-Worker-Token.
type Client struct {
	httpClient *http.Client
	baseURL    string
	workerID   string
	token      string
}

func NewClient(baseURL, workerID, token string) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: defaultTimeout},
		baseURL:    baseURL,
		workerID:   workerID,
		token:      token,
	}
}

// SetTimeout overrides the default per-request timeout, for callers whose
// environment needs a longer or shorter budget than defaultTimeout.
func (c *Client) SetTimeout(d time.Duration) {
	if d > 0 {
		c.httpClient.Timeout = d
	}
}

// SyncResult mirrors coordinator.SyncResponse's JSON shape without
// importing the coordinator package, keeping the worker binary's
// dependency graph free of the coordinator's storage and arbitration
// internals.
type SyncResult struct {
	Settings       model.RuntimeSettings `json:"settings"`
	Quota          model.Quota           `json:"quota"`
	Block          model.BlockDescriptor `json:"block"`
	RecoveryJitter float64               `json:"recovery_jitter"`
}

type pullTasksResponse struct {
	Tasks []model.Task `json:"tasks"`
}

// PullTasks calls GET /api/tasks/pull?worker_id=&count= (spec §4.F.1).
func (c *Client) PullTasks(ctx context.Context, count int) ([]model.Task, error) {
	q := url.Values{"worker_id": {c.workerID}, "count": {strconv.Itoa(count)}}
	var out pullTasksResponse
	if err := c.doJSON(ctx, http.MethodGet, "/api/tasks/pull?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return out.Tasks, nil
}

// ReleaseTasks calls POST /api/tasks/release (spec §4.F.1 priority
// preemption path).
func (c *Client) ReleaseTasks(ctx context.Context, taskIDs []int64) error {
	if len(taskIDs) == 0 {
		return nil
	}
	body := map[string]any{"task_ids": taskIDs}
	return c.doJSON(ctx, http.MethodPost, "/api/tasks/release", body, nil)
}

type resultBatchRequest struct {
	Results []model.TaskResult `json:"results"`
}

// SubmitResultsBatch calls POST /api/tasks/result/batch (spec §4.F.4).
func (c *Client) SubmitResultsBatch(ctx context.Context, results []model.TaskResult) error {
	return c.doJSON(ctx, http.MethodPost, "/api/tasks/result/batch", resultBatchRequest{Results: results}, nil)
}

// SubmitResult posts a one-item batch to POST /api/tasks/result/batch, the
// per-item fallback path when batch submission keeps failing.
func (c *Client) SubmitResult(ctx context.Context, result model.TaskResult) error {
	return c.doJSON(ctx, http.MethodPost, "/api/tasks/result/batch", resultBatchRequest{Results: []model.TaskResult{result}}, nil)
}

// GetSettings calls GET /api/settings, used for the initial bootstrap sync
// (spec §4.H: "remote Worker needs no local config; all settings,
// including remote-only credentials, come from the Coordinator").
func (c *Client) GetSettings(ctx context.Context) (model.RuntimeSettings, error) {
	var out model.RuntimeSettings
	err := c.doJSON(ctx, http.MethodGet, "/api/settings", nil, &out)
	return out, err
}

type syncRequest struct {
	WorkerID string          `json:"worker_id"`
	Metrics  *model.Snapshot `json:"metrics,omitempty"`
}

// Sync calls POST /api/worker/sync, the single worker↔coordinator RPC
// (spec §4.G, §4.H).
func (c *Client) Sync(ctx context.Context, snap *model.Snapshot) (SyncResult, error) {
	var out SyncResult
	err := c.doJSON(ctx, http.MethodPost, "/api/worker/sync", syncRequest{WorkerID: c.workerID, Metrics: snap}, &out)
	return out, err
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("syncclient: encoding request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("syncclient: building request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Worker-Token", c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("syncclient: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("syncclient: %s %s: HTTP %d: %s", method, path, resp.StatusCode, string(respBody))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("syncclient: decoding response from %s: %w", path, err)
	}
	return nil
}
