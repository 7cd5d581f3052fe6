package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"

	"proxyfleet/internal/model"
)

// TaskStore is the coordinator's task backlog: an atomic claim via
// `FOR UPDATE SKIP LOCKED` so concurrent pulls from different workers
// never return overlapping ids.
type TaskStore struct {
	db *Postgres
}

func NewTaskStore(db *Postgres) *TaskStore {
	return &TaskStore{db: db}
}

// PullTasks atomically claims up to count pending tasks for workerID,
// highest priority first, oldest first within a priority tier (spec §4.F).
func (s *TaskStore) PullTasks(ctx context.Context, workerID string, count int) ([]model.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE tasks
		SET status = 'processing', worker_id = $2, updated_at = now()
		WHERE id IN (
			SELECT id FROM tasks
			WHERE status = 'pending'
			ORDER BY priority DESC, created_at ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, batch, item_id, params, priority, screenshot, retries,
		          status, worker_id, updated_at, created_at`,
		count, workerID)
	if err != nil {
		return nil, fmt.Errorf("store: pulling tasks: %w", err)
	}
	defer rows.Close()

	var tasks []model.Task
	for rows.Next() {
		var t model.Task
		var params []byte
		if err := rows.Scan(&t.ID, &t.Batch, &t.ItemID, &params, &t.Priority,
			&t.Screenshot, &t.Retries, &t.Status, &t.WorkerID, &t.UpdatedAt, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scanning pulled task: %w", err)
		}
		if len(params) > 0 {
			if err := json.Unmarshal(params, &t.Params); err != nil {
				return nil, fmt.Errorf("store: decoding task params: %w", err)
			}
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// ReleaseTasks resets the given task ids back to pending. Used for the
// feeder's priority-preemption drop path.
func (s *TaskStore) ReleaseTasks(ctx context.Context, taskIDs []int64) error {
	if len(taskIDs) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = 'pending', worker_id = NULL, updated_at = now()
		WHERE id = ANY($1) AND status != 'done'`, pq.Array(taskIDs))
	if err != nil {
		return fmt.Errorf("store: releasing tasks: %w", err)
	}
	return nil
}

// SubmitResult applies one TaskResult idempotently: a task already in
// `done` cannot be re-submitted, satisfying spec §5 ordering guarantee (a).
func (s *TaskStore) SubmitResult(ctx context.Context, r model.TaskResult) error {
	status := "failed"
	if r.Success {
		status = "done"
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = $2, updated_at = now()
		WHERE id = $1 AND status != 'done'`, r.TaskID, status)
	if err != nil {
		return fmt.Errorf("store: submitting result for task %d: %w", r.TaskID, err)
	}
	return nil
}

// SubmitResultsBatch applies a batch of results inside one transaction,
// grounded on the Result Submitter's batch_size=10 contract (spec §4.F).
func (s *TaskStore) SubmitResultsBatch(ctx context.Context, results []model.TaskResult) error {
	if len(results) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: beginning result batch tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		UPDATE tasks SET status = $2, updated_at = now()
		WHERE id = $1 AND status != 'done'`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range results {
		status := "failed"
		if r.Success {
			status = "done"
		}
		if _, err := stmt.ExecContext(ctx, r.TaskID, status); err != nil {
			return fmt.Errorf("store: applying result for task %d: %w", r.TaskID, err)
		}
	}
	return tx.Commit()
}

// SweepStaleProcessing promotes processing tasks older than timeout back
// to pending (spec §3: "processing older than the timeout threshold is
// automatically swept back to pending").
func (s *TaskStore) SweepStaleProcessing(ctx context.Context, timeout time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = 'pending', worker_id = NULL
		WHERE status = 'processing' AND updated_at < $1`,
		time.Now().Add(-timeout))
	if err != nil {
		return 0, fmt.Errorf("store: sweeping stale tasks: %w", err)
	}
	return res.RowsAffected()
}
