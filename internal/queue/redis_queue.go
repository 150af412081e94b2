package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"printlog/internal/config"
	"printlog/internal/models"
)

const (
	PriorityManual  = "manual"
	PriorityDefault = "default"
)

// ErrTaskNotFound is returned when a task's payload has expired or was acked.
var ErrTaskNotFound = errors.New("queue: task not found")

// RedisQueue coordinates ready, in-flight, and scheduled import tasks in Redis.
// Task payloads live in a per-task hash; the lists and sets only hold ids.
type RedisQueue struct {
	client         *redis.Client
	priorityQueues []string
	inflightKey    string
	scheduledKey   string
	taskPrefix     string
	uniquePrefix   string
	visibilityTTL  time.Duration
	dlqKey         string
	maxAttempts    int
	now            func() time.Time
}

// NewRedisQueue builds a queue client from config.
func NewRedisQueue(cfg config.Config) *RedisQueue {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return NewWithClient(client, cfg)
}

// NewWithClient builds a queue on an existing Redis client.
func NewWithClient(client *redis.Client, cfg config.Config) *RedisQueue {
	visibility := cfg.VisibilityTimeout
	if visibility == 0 {
		visibility = 30 * time.Second
	}
	dlq := cfg.DLQName
	if dlq == "" {
		dlq = "imports:dlq"
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &RedisQueue{
		client: client,
		// manual requests from the API run ahead of the periodic sync
		priorityQueues: []string{PriorityManual, PriorityDefault},
		inflightKey:    "imports:inflight",
		scheduledKey:   "imports:scheduled",
		taskPrefix:     "imports:task:",
		uniquePrefix:   "imports:pending:",
		visibilityTTL:  visibility,
		dlqKey:         dlq,
		maxAttempts:    maxAttempts,
		now:            time.Now,
	}
}

// SetClock overrides the time source.
func (q *RedisQueue) SetClock(now func() time.Time) {
	q.now = now
}

func (q *RedisQueue) Client() *redis.Client { return q.client }

func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

func (q *RedisQueue) Close() error { return q.client.Close() }

func (q *RedisQueue) readyKey(priority string) string {
	return "imports:ready:" + priority
}

func (q *RedisQueue) taskKey(taskID string) string {
	return q.taskPrefix + taskID
}

func (q *RedisQueue) uniqueKey(t models.TaskType, printerID int64) string {
	return q.uniquePrefix + string(t) + ":" + strconv.FormatInt(printerID, 10)
}

// NewTask fills in id, attempts budget and creation time.
func (q *RedisQueue) NewTask(t models.TaskType, printerID int64, limit int) models.ImportTask {
	return models.ImportTask{
		ID:          uuid.NewString(),
		Type:        t,
		PrinterID:   printerID,
		Limit:       limit,
		MaxAttempts: q.maxAttempts,
		CreatedAt:   q.now().UTC(),
	}
}

// Enqueue stores the task and places it in either the scheduled set or the
// ready queue.
func (q *RedisQueue) Enqueue(ctx context.Context, task models.ImportTask, priority string, runAt time.Time) error {
	if priority == "" {
		priority = PriorityDefault
	}
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.taskKey(task.ID), "priority", priority, "task", payload)
	if runAt.After(q.now()) {
		pipe.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: task.ID})
	} else {
		pipe.RPush(ctx, q.readyKey(priority), task.ID)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// EnqueueUnique enqueues unless a task of the same type is already pending
// for the printer. It reports whether the task was added.
func (q *RedisQueue) EnqueueUnique(ctx context.Context, task models.ImportTask, priority string, runAt time.Time) (bool, error) {
	ok, err := q.client.SetNX(ctx, q.uniqueKey(task.Type, task.PrinterID), task.ID, 0).Result()
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	if err := q.Enqueue(ctx, task, priority, runAt); err != nil {
		_ = q.client.Del(ctx, q.uniqueKey(task.Type, task.PrinterID)).Err()
		return false, err
	}
	return true, nil
}

// Get loads a task's payload.
func (q *RedisQueue) Get(ctx context.Context, taskID string) (models.ImportTask, error) {
	raw, err := q.client.HGet(ctx, q.taskKey(taskID), "task").Bytes()
	if errors.Is(err, redis.Nil) {
		return models.ImportTask{}, ErrTaskNotFound
	}
	if err != nil {
		return models.ImportTask{}, err
	}
	var task models.ImportTask
	if err := json.Unmarshal(raw, &task); err != nil {
		return models.ImportTask{}, fmt.Errorf("decode task %s: %w", taskID, err)
	}
	return task, nil
}

// Schedule rewrites the task payload and moves it into the scheduled set.
func (q *RedisQueue) Schedule(ctx context.Context, task models.ImportTask, priority string, runAt time.Time) error {
	if priority == "" {
		priority = PriorityDefault
	}
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, task.ID)
	pipe.HSet(ctx, q.taskKey(task.ID), "priority", priority, "task", payload)
	pipe.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: task.ID})
	_, err = pipe.Exec(ctx)
	return err
}

// Priority returns the queue a task was enqueued on.
func (q *RedisQueue) Priority(ctx context.Context, taskID string) string {
	priority, err := q.client.HGet(ctx, q.taskKey(taskID), "priority").Result()
	if err != nil || priority == "" {
		return PriorityDefault
	}
	return priority
}

// PromoteScheduled moves due scheduled tasks into ready queues. It returns how many were promoted.
func (q *RedisQueue) PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.scheduledKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    strconv.FormatInt(now.UnixMilli(), 10),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, q.scheduledKey, id)
		pipe.RPush(ctx, q.readyKey(q.Priority(ctx, id)), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// DequeueWithLease pops a task id from ready queues (priority order) and
// places it into inflight with a visibility timeout. An empty id means
// nothing is ready.
func (q *RedisQueue) DequeueWithLease(ctx context.Context) (string, error) {
	keys := make([]string, 0, len(q.priorityQueues)+1)
	for _, p := range q.priorityQueues {
		keys = append(keys, q.readyKey(p))
	}
	keys = append(keys, q.inflightKey)

	res, err := dequeueScript.Run(ctx, q.client, keys, q.now().Add(q.visibilityTTL).UnixMilli()).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	taskID, ok := res.(string)
	if !ok {
		return "", fmt.Errorf("unexpected type from dequeue script: %T", res)
	}
	return taskID, nil
}

// ExtendLease pushes the visibility deadline forward for an in-flight task.
func (q *RedisQueue) ExtendLease(ctx context.Context, taskID string, extension time.Duration) error {
	return q.client.ZAdd(ctx, q.inflightKey, redis.Z{
		Score:  float64(q.now().Add(extension).UnixMilli()),
		Member: taskID,
	}).Err()
}

// Ack removes a finished task and releases its uniqueness slot.
func (q *RedisQueue) Ack(ctx context.Context, task models.ImportTask) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, task.ID)
	pipe.Del(ctx, q.taskKey(task.ID))
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}
	return q.releaseUnique(ctx, task)
}

func (q *RedisQueue) releaseUnique(ctx context.Context, task models.ImportTask) error {
	return releaseUniqueScript.Run(ctx, q.client, []string{q.uniqueKey(task.Type, task.PrinterID)}, task.ID).Err()
}

// AckID drops an in-flight id whose payload is gone.
func (q *RedisQueue) AckID(ctx context.Context, taskID string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, taskID)
	pipe.Del(ctx, q.taskKey(taskID))
	_, err := pipe.Exec(ctx)
	return err
}

// RequeueExpired reclaims leases that timed out, re-enqueuing them.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.inflightKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    strconv.FormatInt(now.UnixMilli(), 10),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, q.inflightKey, id)
		pipe.RPush(ctx, q.readyKey(q.Priority(ctx, id)), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return ids, nil
}

// Cancel removes a task from ready, scheduled, and in-flight sets.
func (q *RedisQueue) Cancel(ctx context.Context, task models.ImportTask) error {
	pipe := q.client.TxPipeline()
	for _, p := range q.priorityQueues {
		pipe.LRem(ctx, q.readyKey(p), 0, task.ID)
	}
	pipe.ZRem(ctx, q.inflightKey, task.ID)
	pipe.ZRem(ctx, q.scheduledKey, task.ID)
	pipe.Del(ctx, q.taskKey(task.ID))
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}
	return q.releaseUnique(ctx, task)
}

// DLQPush appends the final task state to the dead-letter list for
// operational inspection and acks it.
func (q *RedisQueue) DLQPush(ctx context.Context, task models.ImportTask) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}
	if err := q.client.RPush(ctx, q.dlqKey, payload).Err(); err != nil {
		return err
	}
	return q.Ack(ctx, task)
}

// DLQPeek reads the oldest dead-lettered tasks.
func (q *RedisQueue) DLQPeek(ctx context.Context, count int64) ([]models.ImportTask, error) {
	raw, err := q.client.LRange(ctx, q.dlqKey, 0, count-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]models.ImportTask, 0, len(raw))
	for _, r := range raw {
		var t models.ImportTask
		if err := json.Unmarshal([]byte(r), &t); err != nil {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

// ReadyDepth returns the total length of all ready queues.
func (q *RedisQueue) ReadyDepth(ctx context.Context) (int64, error) {
	pipe := q.client.Pipeline()
	cmds := make([]*redis.IntCmd, 0, len(q.priorityQueues))
	for _, p := range q.priorityQueues {
		cmds = append(cmds, pipe.LLen(ctx, q.readyKey(p)))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	var total int64
	for _, c := range cmds {
		total += c.Val()
	}
	return total, nil
}

var dequeueScript = redis.NewScript(`
local inflight = KEYS[#KEYS]
for i=1,#KEYS-1 do
  local job = redis.call('LPOP', KEYS[i])
  if job then
    redis.call('ZADD', inflight, ARGV[1], job)
    return job
  end
end
return nil
`)

var releaseUniqueScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)
