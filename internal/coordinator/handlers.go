package coordinator

import (
	"strconv"
	"sync/atomic"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"proxyfleet/internal/model"
	"proxyfleet/internal/observability"
	"proxyfleet/internal/store"
)

// Handlers wires the Coordinator HTTP API (spec §6) to the Arbiter and the
// task store.
type Handlers struct {
	arbiter *Arbiter
	tasks   *store.TaskStore
	events  *EventPublisher
	metrics *observability.Metrics
	logger  *zap.Logger

	// publishedEpoch is the last block epoch announced via PublishBlock.
	publishedEpoch atomic.Int64
}

func NewHandlers(arbiter *Arbiter, tasks *store.TaskStore, events *EventPublisher, metrics *observability.Metrics, logger *zap.Logger) *Handlers {
	return &Handlers{arbiter: arbiter, tasks: tasks, events: events, metrics: metrics, logger: logger}
}

// HealthCheck responds to GET /healthz.
func (h *Handlers) HealthCheck(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "healthy"})
}

//	@Summary		Pull tasks
//	@Description	Atomically claims up to count pending tasks for worker_id
//	@Param			worker_id	query	string	true	"worker id"
//	@Param			count		query	int		false	"max tasks to claim"
//	@Router			/api/tasks/pull [get]
func (h *Handlers) PullTasks(c *fiber.Ctx) error {
	workerID := c.Query("worker_id")
	if workerID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "worker_id is required"})
	}
	count, err := strconv.Atoi(c.Query("count", "10"))
	if err != nil || count <= 0 {
		count = 10
	}

	tasks, err := h.tasks.PullTasks(c.Context(), workerID, count)
	if err != nil {
		h.logger.Error("pull tasks failed", zap.Error(err), zap.String("worker_id", workerID))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to pull tasks"})
	}
	if h.metrics != nil {
		h.metrics.TasksPulledTotal.Add(float64(len(tasks)))
	}
	return c.JSON(fiber.Map{"tasks": tasks})
}

type resultBatchRequest struct {
	Results []model.TaskResult `json:"results"`
}

// SubmitResultsBatch handles POST /api/tasks/result/batch.
func (h *Handlers) SubmitResultsBatch(c *fiber.Ctx) error {
	var req resultBatchRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}

	if err := h.tasks.SubmitResultsBatch(c.Context(), req.Results); err != nil {
		h.logger.Error("submit result batch failed", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to submit results"})
	}
	if h.metrics != nil {
		for _, r := range req.Results {
			outcome := "failed"
			if r.Success {
				outcome = "done"
			}
			h.metrics.TasksSubmittedTotal.WithLabelValues(outcome).Inc()
		}
	}
	if h.events != nil {
		h.events.PublishTasksCompleted(req.Results)
	}
	return c.JSON(fiber.Map{"accepted": len(req.Results)})
}

type releaseRequest struct {
	TaskIDs []int64 `json:"task_ids"`
}

// ReleaseTasks handles POST /api/tasks/release.
func (h *Handlers) ReleaseTasks(c *fiber.Ctx) error {
	var req releaseRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}
	if err := h.tasks.ReleaseTasks(c.Context(), req.TaskIDs); err != nil {
		h.logger.Error("release tasks failed", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to release tasks"})
	}
	return c.JSON(fiber.Map{"released": len(req.TaskIDs)})
}

type syncRequest struct {
	WorkerID string          `json:"worker_id"`
	Metrics  *model.Snapshot `json:"metrics,omitempty"`
}

//	@Summary		Worker sync
//	@Description	Pushes a worker's metrics snapshot and pulls its quota, settings and block state
//	@Param			request	body	syncRequest	true	"sync payload"
//	@Router			/api/worker/sync [post]
func (h *Handlers) Sync(c *fiber.Ctx) error {
	var req syncRequest
	if err := c.BodyParser(&req); err != nil || req.WorkerID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "worker_id is required"})
	}

	resp, err := h.arbiter.Sync(c.Context(), req.WorkerID, req.Metrics)
	if err != nil {
		h.logger.Error("worker sync failed", zap.Error(err), zap.String("worker_id", req.WorkerID))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "sync failed"})
	}

	if h.metrics != nil {
		h.metrics.QuotaConcurrency.WithLabelValues(req.WorkerID).Set(float64(resp.Quota.Concurrency))
		h.metrics.QuotaQPS.WithLabelValues(req.WorkerID).Set(resp.Quota.QPS)
	}
	if resp.Block.Active && h.events != nil && h.publishedEpoch.Swap(resp.Block.Epoch) != resp.Block.Epoch {
		h.events.PublishBlock(resp.Block)
	}
	return c.JSON(resp)
}

// GetSettings handles GET /api/settings.
func (h *Handlers) GetSettings(c *fiber.Ctx) error {
	return c.JSON(h.arbiter.Settings())
}

// PutSettings handles PUT /api/settings, returning 422 with per-field
// messages on a validation failure (spec §6).
func (h *Handlers) PutSettings(c *fiber.Ctx) error {
	var update model.RuntimeSettings
	if err := c.BodyParser(&update); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}

	saved, err := h.arbiter.PutSettings(c.Context(), update)
	if err != nil {
		if verr, ok := err.(*model.ValidationError); ok {
			return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{"errors": verr.Fields})
		}
		h.logger.Error("settings update failed", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to update settings"})
	}
	if h.events != nil {
		h.events.PublishSettings(saved)
	}
	return c.JSON(saved)
}

// CoordinatorStatus handles GET /api/coordinator, a read-only view of the
// arbiter's internal state.
func (h *Handlers) CoordinatorStatus(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"settings": h.arbiter.Settings(),
		"block":    h.arbiter.BlockState(),
		"quotas":   h.arbiter.Quotas(),
		"workers":  h.arbiter.Registrations(),
	})
}
