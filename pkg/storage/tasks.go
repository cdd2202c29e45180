package storage

import (
	"context"
	"fmt"
	"time"
)

// EnqueueTask records a deferred operation. Enqueue it inside the same InTx
// as the mutation that needs it so the task commits or aborts with the write.
func (s queries) EnqueueTask(ctx context.Context, kind string, payload []byte, runAfter time.Time) error {
	if payload == nil {
		payload = []byte("{}")
	}
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO tasks (kind, payload, run_after) VALUES (?, ?, ?)`,
		kind, string(payload), runAfter.UTC(),
	)
	if err != nil {
		return fmt.Errorf("enqueue task: %w", err)
	}
	return nil
}

// ClaimTasks selects due tasks whose lock is free or stale and locks them for
// the worker. Only atomic when executed inside a transaction; the *SQLite
// wrapper takes care of that for direct callers.
func (s queries) ClaimTasks(ctx context.Context, now time.Time, limit int, workerID string, lockTTL time.Duration) ([]Task, error) {
	staleBefore := now.UTC().Add(-lockTTL)

	rows, err := s.q.QueryContext(ctx,
		`SELECT id, kind, payload, attempts FROM tasks
		 WHERE run_after <= ? AND (locked_at IS NULL OR locked_at <= ?)
		 ORDER BY id ASC LIMIT ?`,
		now.UTC(), staleBefore, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select due tasks: %w", err)
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		var (
			t       Task
			payload string
		)
		if err := rows.Scan(&t.ID, &t.Kind, &payload, &t.Attempts); err != nil {
			return nil, fmt.Errorf("scan task row: %w", err)
		}
		t.Payload = []byte(payload)
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range tasks {
		tasks[i].Attempts++
		_, err := s.q.ExecContext(ctx,
			`UPDATE tasks SET locked_at = ?, locked_by = ?, attempts = ? WHERE id = ?`,
			now.UTC(), workerID, tasks[i].Attempts, tasks[i].ID,
		)
		if err != nil {
			return nil, fmt.Errorf("lock task %d: %w", tasks[i].ID, err)
		}
	}
	return tasks, nil
}

// CompleteTask removes a finished task.
func (s queries) CompleteTask(ctx context.Context, id int64) error {
	_, err := s.q.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("complete task %d: %w", id, err)
	}
	return nil
}

// RetryTask releases a task's lock and delays its next run past now.
func (s queries) RetryTask(ctx context.Context, id int64, now time.Time, delay time.Duration) error {
	_, err := s.q.ExecContext(ctx,
		`UPDATE tasks SET run_after = ?, locked_at = NULL, locked_by = NULL WHERE id = ?`,
		now.UTC().Add(delay), id,
	)
	if err != nil {
		return fmt.Errorf("retry task %d: %w", id, err)
	}
	return nil
}
