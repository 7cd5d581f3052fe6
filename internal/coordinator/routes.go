package coordinator

import (
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"proxyfleet/internal/observability"
)

// SetupRoutes wires the Coordinator HTTP API (spec §6) onto app.
func SetupRoutes(app *fiber.App, logger *zap.Logger, metrics *observability.Metrics, handlers *Handlers, auth *WorkerAuth) {
	SetupMiddleware(app, logger, metrics)

	app.Get("/healthz", handlers.HealthCheck)
	app.Get("/readyz", handlers.HealthCheck)
	app.Get("/metrics", observability.FiberMetricsHandler())

	app.Get("/docs", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"title":   "proxyfleet coordinator API",
			"version": "1.0",
			"endpoints": fiber.Map{
				"pull_tasks":    "GET /api/tasks/pull?worker_id=&count= - claim pending tasks",
				"release_tasks": "POST /api/tasks/release - return tasks to pending",
				"submit_batch":  "POST /api/tasks/result/batch - report a batch of results",
				"worker_sync":   "POST /api/worker/sync - push metrics, pull quota/settings/block",
				"get_settings":  "GET /api/settings - current RuntimeSettings",
				"put_settings":  "PUT /api/settings - validate and activate new RuntimeSettings",
				"status":        "GET /api/coordinator - arbiter state snapshot",
			},
			"auth": "Add header: X-Worker-Token: <shared secret>",
		})
	})
	app.Get("/api-spec", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"openapi": "3.0.0",
			"info": fiber.Map{
				"title":   "proxyfleet coordinator API",
				"version": "1.0.0",
			},
			"paths": fiber.Map{
				"/api/tasks/pull":        fiber.Map{"get": fiber.Map{"summary": "pull tasks"}},
				"/api/tasks/release":     fiber.Map{"post": fiber.Map{"summary": "release tasks"}},
				"/api/tasks/result/batch": fiber.Map{"post": fiber.Map{"summary": "submit result batch"}},
				"/api/worker/sync":       fiber.Map{"post": fiber.Map{"summary": "worker sync"}},
				"/api/settings":          fiber.Map{"get": fiber.Map{"summary": "get settings"}, "put": fiber.Map{"summary": "update settings"}},
			},
		})
	})

	api := app.Group("/api", auth.RequireWorkerToken())
	api.Get("/tasks/pull", handlers.PullTasks)
	api.Post("/tasks/result/batch", handlers.SubmitResultsBatch)
	api.Post("/tasks/release", handlers.ReleaseTasks)
	api.Post("/worker/sync", handlers.Sync)
	api.Get("/settings", handlers.GetSettings)
	api.Put("/settings", handlers.PutSettings)
	api.Get("/coordinator", handlers.CoordinatorStatus)
}
