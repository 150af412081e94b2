package worker

import (
	"context"
	"time"

	"printlog/internal/logging"
	"printlog/internal/models"
	"printlog/internal/queue"
	"printlog/internal/telemetry"
)

// ActivePrinters lists the printers the periodic sync covers.
type ActivePrinters interface {
	ListActive(ctx context.Context) ([]models.PrinterIdentity, error)
}

// Scheduler enqueues a history import for every active printer on a fixed
// interval. A printer with an import already pending is not enqueued twice.
type Scheduler struct {
	queue    *queue.RedisQueue
	printers ActivePrinters
	interval time.Duration
	limit    int
}

func NewScheduler(q *queue.RedisQueue, printers ActivePrinters, interval time.Duration, limit int) *Scheduler {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Scheduler{queue: q, printers: printers, interval: interval, limit: limit}
}

func (s *Scheduler) String() string { return "history-sync-scheduler" }

// Serve ticks immediately, then every interval, until ctx is cancelled.
func (s *Scheduler) Serve(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		if _, err := s.Tick(ctx); err != nil && ctx.Err() == nil {
			logging.Warn().Err(err).Msg("history sync tick failed")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick enqueues one round and returns how many tasks were added.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	printers, err := s.printers.ListActive(ctx)
	if err != nil {
		return 0, err
	}
	added := 0
	for _, p := range printers {
		task := s.queue.NewTask(models.TaskHistoryImport, p.ID, s.limit)
		ok, err := s.queue.EnqueueUnique(ctx, task, queue.PriorityDefault, time.Time{})
		if err != nil {
			logging.Warn().Err(err).Int64("printer_id", p.ID).Msg("failed to enqueue history sync")
			continue
		}
		if ok {
			added++
			telemetry.EnqueueCounter.WithLabelValues(string(task.Type)).Inc()
		}
	}
	logging.Debug().Int("printers", len(printers)).Int("enqueued", added).Msg("history sync tick")
	return added, nil
}
