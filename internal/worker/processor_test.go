package worker

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"printlog/internal/config"
	"printlog/internal/models"
	"printlog/internal/queue"
)

func TestBackoffWithJitter(t *testing.T) {
	rand.Seed(1)
	base := time.Second
	max := 8 * time.Second

	b1 := backoffWithJitter(base, max, 1)
	if b1 < base/2 || b1 > max {
		t.Fatalf("backoff out of range: %s", b1)
	}

	b3 := backoffWithJitter(base, max, 3)
	if b3 < base || b3 > max {
		t.Fatalf("backoff out of range for attempt 3: %s", b3)
	}

	b10 := backoffWithJitter(base, max, 10)
	if b10 < max/2 || b10 > max {
		t.Fatalf("backoff not capped: %s", b10)
	}
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestProcessor(t *testing.T, maxAttempts int) (*Processor, *queue.RedisQueue, *clock) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cfg := config.Config{
		VisibilityTimeout: time.Minute,
		MaxAttempts:       maxAttempts,
		BackoffInitial:    time.Second,
		BackoffMax:        4 * time.Second,
		DLQName:           "test:dlq",
	}
	c := &clock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	q := queue.NewWithClient(client, cfg)
	q.SetClock(c.now)
	p := NewProcessor(cfg, q, "test-worker")
	p.SetClock(c.now)
	return p, q, c
}

func TestProcessOne_EmptyQueue(t *testing.T) {
	p, _, _ := newTestProcessor(t, 3)
	worked, err := p.ProcessOne(context.Background())
	require.NoError(t, err)
	assert.False(t, worked)
}

func TestProcessOne_SuccessAcks(t *testing.T) {
	ctx := context.Background()
	p, q, c := newTestProcessor(t, 3)

	var got []models.ImportTask
	p.RegisterHandler(models.TaskHistoryImport, func(_ context.Context, task models.ImportTask) error {
		got = append(got, task)
		return nil
	})

	task := q.NewTask(models.TaskHistoryImport, 4, 100)
	added, err := q.EnqueueUnique(ctx, task, queue.PriorityDefault, c.now())
	require.NoError(t, err)
	require.True(t, added)

	worked, err := p.ProcessOne(ctx)
	require.NoError(t, err)
	assert.True(t, worked)
	require.Len(t, got, 1)
	assert.Equal(t, int64(4), got[0].PrinterID)
	assert.Equal(t, 100, got[0].Limit)

	_, err = q.Get(ctx, task.ID)
	assert.ErrorIs(t, err, queue.ErrTaskNotFound)

	// the uniqueness slot is released after ack
	again, err := q.EnqueueUnique(ctx, q.NewTask(models.TaskHistoryImport, 4, 100), queue.PriorityDefault, c.now())
	require.NoError(t, err)
	assert.True(t, again)
}

func TestProcessOne_RetryThenDeadLetter(t *testing.T) {
	ctx := context.Background()
	p, q, c := newTestProcessor(t, 2)

	calls := 0
	p.RegisterHandler(models.TaskBackfillDetails, func(context.Context, models.ImportTask) error {
		calls++
		return errors.New("controller offline")
	})

	task := q.NewTask(models.TaskBackfillDetails, 9, 0)
	require.NoError(t, q.Enqueue(ctx, task, queue.PriorityManual, c.now()))

	worked, err := p.ProcessOne(ctx)
	require.NoError(t, err)
	require.True(t, worked)

	retried, err := q.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, retried.Attempts)
	assert.Equal(t, "controller offline", retried.LastError)
	assert.Equal(t, queue.PriorityManual, q.Priority(ctx, task.ID))

	// not due yet
	worked, err = p.ProcessOne(ctx)
	require.NoError(t, err)
	assert.False(t, worked)

	c.advance(5 * time.Second)
	worked, err = p.ProcessOne(ctx)
	require.NoError(t, err)
	require.True(t, worked)
	assert.Equal(t, 2, calls)

	dead, err := q.DLQPeek(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, task.ID, dead[0].ID)
	assert.Equal(t, 2, dead[0].Attempts)

	_, err = q.Get(ctx, task.ID)
	assert.ErrorIs(t, err, queue.ErrTaskNotFound)
}

func TestProcessOne_UnknownTypeRetries(t *testing.T) {
	ctx := context.Background()
	p, q, c := newTestProcessor(t, 3)

	task := q.NewTask(models.TaskHistoryImport, 1, 10)
	require.NoError(t, q.Enqueue(ctx, task, "", c.now()))

	worked, err := p.ProcessOne(ctx)
	require.NoError(t, err)
	require.True(t, worked)

	got, err := q.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Contains(t, got.LastError, "no handler registered")
}

func TestProcessOne_ReclaimsExpiredLease(t *testing.T) {
	ctx := context.Background()
	p, q, c := newTestProcessor(t, 3)

	task := q.NewTask(models.TaskHistoryImport, 2, 10)
	require.NoError(t, q.Enqueue(ctx, task, "", c.now()))
	// another worker took the lease and died
	id, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)
	require.Equal(t, task.ID, id)

	ran := false
	p.RegisterHandler(models.TaskHistoryImport, func(context.Context, models.ImportTask) error {
		ran = true
		return nil
	})

	worked, err := p.ProcessOne(ctx)
	require.NoError(t, err)
	assert.False(t, worked)

	c.advance(2 * time.Minute)
	worked, err = p.ProcessOne(ctx)
	require.NoError(t, err)
	assert.True(t, worked)
	assert.True(t, ran)
}

func TestRun_StopsOnCancel(t *testing.T) {
	p, _, _ := newTestProcessor(t, 3)
	p.cfg.WorkerPollInterval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Serve(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("processor did not stop")
	}
}
