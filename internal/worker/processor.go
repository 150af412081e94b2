package worker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"printlog/internal/config"
	"printlog/internal/logging"
	"printlog/internal/models"
	"printlog/internal/queue"
	"printlog/internal/telemetry"
)

// Processor drives the worker execution loop.
type Processor struct {
	cfg      config.Config
	queue    *queue.RedisQueue
	handlers map[models.TaskType]Handler
	workerID string
	now      func() time.Time
}

// Handler executes a task of one type.
type Handler func(ctx context.Context, task models.ImportTask) error

// NewProcessor creates a processor with a worker ID for log correlation.
func NewProcessor(cfg config.Config, q *queue.RedisQueue, workerID string) *Processor {
	return &Processor{
		cfg:      cfg,
		queue:    q,
		handlers: make(map[models.TaskType]Handler),
		workerID: workerID,
		now:      time.Now,
	}
}

// SetClock overrides the time source used for leases and retries.
func (p *Processor) SetClock(now func() time.Time) {
	p.now = now
}

// RegisterHandler binds a handler to a task type.
func (p *Processor) RegisterHandler(t models.TaskType, handler Handler) {
	if t == "" || handler == nil {
		return
	}
	p.handlers[t] = handler
}

// Serve runs the processor under a supervisor.
func (p *Processor) Serve(ctx context.Context) error { return p.Run(ctx) }

func (p *Processor) String() string { return "import-worker" }

// Run starts the main worker loop until context cancellation.
func (p *Processor) Run(ctx context.Context) error {
	logging.Info().Str("worker_id", p.workerID).Dur("visibility", p.cfg.VisibilityTimeout).
		Dur("backoff_initial", p.cfg.BackoffInitial).Msg("worker started")
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		worked, err := p.ProcessOne(ctx)
		if err != nil && ctx.Err() == nil {
			logging.Warn().Err(err).Str("worker_id", p.workerID).Msg("worker iteration failed")
		}
		if !worked || err != nil {
			if !sleepCtx(ctx, p.pollInterval()) {
				return ctx.Err()
			}
		}
	}
}

func (p *Processor) pollInterval() time.Duration {
	if p.cfg.WorkerPollInterval > 0 {
		return p.cfg.WorkerPollInterval
	}
	return time.Second
}

// ProcessOne promotes due retries, reclaims expired leases and runs at most
// one task. It reports whether a task was taken.
func (p *Processor) ProcessOne(ctx context.Context) (bool, error) {
	now := p.now()
	batch := int64(p.cfg.ScheduledBatchSize)
	if batch <= 0 {
		batch = 100
	}
	if _, err := p.queue.PromoteScheduled(ctx, now, batch); err != nil {
		return false, fmt.Errorf("promote scheduled: %w", err)
	}
	if reclaimed, err := p.queue.RequeueExpired(ctx, now, 100); err == nil && len(reclaimed) > 0 {
		logging.Warn().Strs("task_ids", reclaimed).Msg("reclaimed expired leases")
	}
	if depth, err := p.queue.ReadyDepth(ctx); err == nil {
		telemetry.QueueDepthGauge.Set(float64(depth))
	}

	taskID, err := p.queue.DequeueWithLease(ctx)
	if err != nil {
		return false, fmt.Errorf("dequeue: %w", err)
	}
	if taskID == "" {
		return false, nil
	}

	task, err := p.queue.Get(ctx, taskID)
	if errors.Is(err, queue.ErrTaskNotFound) {
		_ = p.queue.AckID(ctx, taskID)
		return true, nil
	}
	if err != nil {
		return true, err
	}

	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	taskCtx := logging.WithCorrelationID(ctx, task.ID)
	log := logging.Ctx(taskCtx).With().Str("task_type", string(task.Type)).Int64("printer_id", task.PrinterID).
		Str("worker_id", p.workerID).Logger()

	err = p.runTask(taskCtx, task)
	if err == nil {
		if err := p.queue.Ack(ctx, task); err != nil {
			return true, fmt.Errorf("ack %s: %w", task.ID, err)
		}
		telemetry.WorkerSuccess.WithLabelValues(string(task.Type)).Inc()
		log.Info().Msg("task completed")
		return true, nil
	}

	task.Attempts++
	task.LastError = err.Error()
	maxAttempts := task.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = max(p.cfg.MaxAttempts, 1)
	}
	if task.Attempts >= maxAttempts {
		if err := p.queue.DLQPush(ctx, task); err != nil {
			return true, fmt.Errorf("dead-letter %s: %w", task.ID, err)
		}
		telemetry.WorkerDeadLetter.WithLabelValues(string(task.Type)).Inc()
		log.Error().Err(err).Int("attempts", task.Attempts).Msg("task dead-lettered")
		return true, nil
	}

	nextRun := now.Add(backoffWithJitter(p.cfg.BackoffInitial, p.cfg.BackoffMax, task.Attempts))
	if err := p.queue.Schedule(ctx, task, p.queue.Priority(ctx, task.ID), nextRun); err != nil {
		return true, fmt.Errorf("reschedule %s: %w", task.ID, err)
	}
	telemetry.WorkerFailures.WithLabelValues(string(task.Type)).Inc()
	log.Warn().Err(err).Int("attempts", task.Attempts).Time("next_run", nextRun).Msg("task failed, retry scheduled")
	return true, nil
}

func (p *Processor) runTask(ctx context.Context, task models.ImportTask) error {
	handler, ok := p.handlers[task.Type]
	if !ok {
		return fmt.Errorf("no handler registered for type %q", task.Type)
	}
	return handler(ctx, task)
}

func backoffWithJitter(base, maxWait time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if maxWait < base {
		maxWait = base
	}
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > maxWait || exp > float64(maxWait) {
		wait = maxWait
	}
	half := int64(wait / 2)
	if half <= 0 {
		return wait
	}
	return wait/2 + time.Duration(rand.Int63n(half))
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
