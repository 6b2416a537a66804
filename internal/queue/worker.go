package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	kberrors "github.com/knowbase/knowbase/internal/errors"
)

// Handler executes one task kind. The returned value is stored as the task
// result. Returning an error nacks the task.
type Handler func(ctx context.Context, task *Task) (any, error)

// WorkerPool polls the queue with a fixed set of workers, enforcing the hard
// time limit per task and heartbeating leases while handlers run.
type WorkerPool struct {
	queue  *Queue
	logger *slog.Logger

	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewWorkerPool creates a pool over the queue.
func NewWorkerPool(q *Queue, logger *slog.Logger) *WorkerPool {
	if logger == nil {
		logger = slog.Default()
	}
	return &WorkerPool{
		queue:    q,
		logger:   logger,
		handlers: make(map[string]Handler),
	}
}

// Register installs the handler for a task kind.
func (p *WorkerPool) Register(kind string, h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[kind] = h
}

func (p *WorkerPool) handler(kind string) (Handler, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	h, ok := p.handlers[kind]
	return h, ok
}

// Run blocks, processing tasks until the context is cancelled.
func (p *WorkerPool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for i := 0; i < p.queue.cfg.Workers; i++ {
		workerID := fmt.Sprintf("worker-%d", i+1)
		g.Go(func() error {
			p.workerLoop(ctx, workerID)
			return nil
		})
	}

	g.Go(func() error {
		p.maintenanceLoop(ctx)
		return nil
	})

	return g.Wait()
}

func (p *WorkerPool) workerLoop(ctx context.Context, workerID string) {
	ticker := time.NewTicker(p.queue.cfg.PollInterval)
	defer ticker.Stop()

	for {
		task, err := p.queue.Dequeue(ctx, workerID)
		if err != nil {
			p.logger.Error("dequeue failed",
				slog.String("worker", workerID),
				slog.String("error", err.Error()))
		} else if task != nil {
			p.execute(ctx, workerID, task)
			// Drain the backlog before sleeping again.
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// execute runs one task under the hard time limit with a lease heartbeat.
func (p *WorkerPool) execute(ctx context.Context, workerID string, task *Task) {
	h, ok := p.handler(task.Kind)
	if !ok {
		p.logger.Error("no handler for task kind",
			slog.String("kind", task.Kind),
			slog.String("task_id", task.ID))
		_ = p.queue.Nack(ctx, task.ID, "no handler registered for kind "+task.Kind)
		return
	}

	taskCtx := ctx
	var cancel context.CancelFunc
	if p.queue.cfg.HardTimeLimit > 0 {
		taskCtx, cancel = context.WithTimeout(ctx, p.queue.cfg.HardTimeLimit)
		defer cancel()
	}

	heartbeatDone := make(chan struct{})
	go p.heartbeat(taskCtx, task.ID, heartbeatDone)

	start := time.Now()
	result, err := h(taskCtx, task)
	close(heartbeatDone)

	// Ack and nack use the parent context: the task outcome must be
	// recorded even when the task deadline has fired.
	if err != nil {
		p.logger.Warn("task failed",
			slog.String("worker", workerID),
			slog.String("task_id", task.ID),
			slog.String("kind", task.Kind),
			slog.Duration("took", time.Since(start)),
			slog.String("error", err.Error()))
		if nackErr := p.queue.Nack(ctx, task.ID, err.Error()); nackErr != nil {
			p.logger.Error("nack failed", slog.String("error", nackErr.Error()))
		}
		return
	}

	if ackErr := p.queue.Ack(ctx, task.ID, result); ackErr != nil {
		p.logger.Error("ack failed", slog.String("error", ackErr.Error()))
		return
	}
	p.logger.Info("task completed",
		slog.String("worker", workerID),
		slog.String("task_id", task.ID),
		slog.String("kind", task.Kind),
		slog.Duration("took", time.Since(start)))
}

// heartbeat extends the lease at half the visibility timeout until the task
// finishes. Extension failures are logged; the sweep will requeue the task
// if the lease truly lapses.
func (p *WorkerPool) heartbeat(ctx context.Context, taskID string, done <-chan struct{}) {
	interval := p.queue.cfg.VisibilityTimeout / 2
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.queue.ExtendLease(ctx, taskID); err != nil && !kberrors.IsNotFound(err) {
				p.logger.Warn("lease extension failed",
					slog.String("task_id", taskID),
					slog.String("error", err.Error()))
			}
		}
	}
}

// maintenanceLoop periodically requeues expired leases and prunes old
// results.
func (p *WorkerPool) maintenanceLoop(ctx context.Context) {
	interval := p.queue.cfg.VisibilityTimeout / 2
	if interval <= 0 || interval > time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.queue.RequeueExpired(ctx); err != nil {
				p.logger.Error("lease sweep failed", slog.String("error", err.Error()))
			}
			if _, err := p.queue.PruneResults(ctx); err != nil {
				p.logger.Error("result pruning failed", slog.String("error", err.Error()))
			}
		}
	}
}
