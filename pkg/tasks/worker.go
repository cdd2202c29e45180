// Package tasks runs deferred operations enqueued through the store.
//
// Tasks are enqueued transactionally with the mutation that needs them and
// delivered at least once: a worker claims due tasks under a lock TTL, so a
// crashed worker's claims are re-delivered once the lock goes stale. Handlers
// must therefore be idempotent.
package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/snuconnectome/viberank-connectomelab/pkg/storage"
)

// Handler executes one task. Returning an error schedules a retry until the
// attempt limit is reached.
type Handler func(ctx context.Context, payload []byte) error

// Options tune the worker's polling cadence and retry behavior.
type Options struct {
	Interval    time.Duration // poll interval
	BatchSize   int           // max tasks claimed per poll
	LockTTL     time.Duration // claims older than this are considered stale
	MaxAttempts int           // tasks past this many attempts are dropped
	RetryDelay  time.Duration // delay before a failed task runs again
}

func (o *Options) fillDefaults() {
	if o.Interval <= 0 {
		o.Interval = 2 * time.Second
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 50
	}
	if o.LockTTL <= 0 {
		o.LockTTL = 30 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 10 * time.Second
	}
}

// Worker polls the store for due tasks and dispatches them by kind.
type Worker struct {
	store    storage.Store
	logger   *slog.Logger
	opts     Options
	workerID string

	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewWorker creates a task worker. Register handlers before calling Run.
func NewWorker(store storage.Store, logger *slog.Logger, opts Options) *Worker {
	opts.fillDefaults()
	return &Worker{
		store:    store,
		logger:   logger,
		opts:     opts,
		workerID: "worker-" + uuid.New().String()[:8],
		handlers: make(map[string]Handler),
	}
}

// Register binds a handler to a task kind.
func (w *Worker) Register(kind string, h Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[kind] = h
}

// Run polls until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	w.logger.Info("task worker started", "worker_id", w.workerID, "interval", w.opts.Interval)
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("task worker stopped", "worker_id", w.workerID)
			return
		default:
		}

		if err := w.RunOnce(ctx); err != nil {
			w.logger.Error("task poll failed", "error", err)
		}

		select {
		case <-ctx.Done():
			w.logger.Info("task worker stopped", "worker_id", w.workerID)
			return
		case <-time.After(w.opts.Interval):
		}
	}
}

// RunOnce claims and processes a single batch of due tasks.
func (w *Worker) RunOnce(ctx context.Context) error {
	claimed, err := w.store.ClaimTasks(ctx, time.Now(), w.opts.BatchSize, w.workerID, w.opts.LockTTL)
	if err != nil {
		return fmt.Errorf("claim tasks: %w", err)
	}

	for _, task := range claimed {
		w.process(ctx, task)
	}
	return nil
}

func (w *Worker) process(ctx context.Context, task storage.Task) {
	w.mu.RLock()
	handler, ok := w.handlers[task.Kind]
	w.mu.RUnlock()

	if !ok {
		w.logger.Error("no handler for task kind, dropping", "kind", task.Kind, "task_id", task.ID)
		if err := w.store.CompleteTask(ctx, task.ID); err != nil {
			w.logger.Error("drop unhandled task", "task_id", task.ID, "error", err)
		}
		return
	}

	if err := handler(ctx, task.Payload); err != nil {
		if task.Attempts >= w.opts.MaxAttempts {
			w.logger.Error("task exhausted retries, dropping",
				"kind", task.Kind, "task_id", task.ID, "attempts", task.Attempts, "error", err)
			if err := w.store.CompleteTask(ctx, task.ID); err != nil {
				w.logger.Error("drop exhausted task", "task_id", task.ID, "error", err)
			}
			return
		}

		w.logger.Warn("task failed, will retry",
			"kind", task.Kind, "task_id", task.ID, "attempts", task.Attempts, "error", err)
		if err := w.store.RetryTask(ctx, task.ID, time.Now(), w.opts.RetryDelay); err != nil {
			w.logger.Error("schedule task retry", "task_id", task.ID, "error", err)
		}
		return
	}

	if err := w.store.CompleteTask(ctx, task.ID); err != nil {
		w.logger.Error("complete task", "task_id", task.ID, "error", err)
	}
}
