// Package tasks carries background work from request handlers to workers.
package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Kind names the handler a task is dispatched to.
type Kind string

// KindFederationSettle runs the second phase of an outgoing federated transfer.
const KindFederationSettle Kind = "federation.settle"

// Task is one unit of background work.
type Task struct {
	Kind          Kind      `json:"kind"`
	TransactionID uuid.UUID `json:"transaction_id"`
	EnqueuedAt    time.Time `json:"enqueued_at"`
}

// ErrQueueClosed is returned by Dequeue once a MemoryQueue is closed.
var ErrQueueClosed = errors.New("task queue closed")

// Queue is a FIFO of tasks shared by producers and workers.
type Queue interface {
	Enqueue(ctx context.Context, task Task) error
	// Dequeue blocks until a task is available or ctx is done.
	Dequeue(ctx context.Context) (Task, error)
}

// RedisQueue stores tasks in a Redis list. Producers LPUSH, workers BRPOP, so
// tasks leave in arrival order. A task popped by a worker that crashes before
// handling it is lost; the reconciliation sweep covers that gap.
type RedisQueue struct {
	client *redis.Client
	key    string
	// poll bounds each BRPOP so a cancelled ctx is noticed promptly.
	poll time.Duration
}

// NewRedisQueue builds a queue on the list at key.
func NewRedisQueue(client *redis.Client, key string) *RedisQueue {
	return &RedisQueue{client: client, key: key, poll: 2 * time.Second}
}

func (q *RedisQueue) Enqueue(ctx context.Context, task Task) error {
	if task.EnqueuedAt.IsZero() {
		task.EnqueuedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}
	if err := q.client.LPush(ctx, q.key, payload).Err(); err != nil {
		return fmt.Errorf("enqueue task: %w", err)
	}
	return nil
}

func (q *RedisQueue) Dequeue(ctx context.Context) (Task, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Task{}, err
		}
		res, err := q.client.BRPop(ctx, q.poll, q.key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return Task{}, ctxErr
			}
			return Task{}, fmt.Errorf("dequeue task: %w", err)
		}
		// BRPOP replies with [key, value].
		var task Task
		if err := json.Unmarshal([]byte(res[1]), &task); err != nil {
			return Task{}, fmt.Errorf("decode task: %w", err)
		}
		return task, nil
	}
}

// Len reports the number of queued tasks.
func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.key).Result()
}

// MemoryQueue is an in-process queue for development and tests.
type MemoryQueue struct {
	ch     chan Task
	closed chan struct{}
}

// NewMemoryQueue returns a queue buffering up to size tasks.
func NewMemoryQueue(size int) *MemoryQueue {
	return &MemoryQueue{ch: make(chan Task, size), closed: make(chan struct{})}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, task Task) error {
	if task.EnqueuedAt.IsZero() {
		task.EnqueuedAt = time.Now().UTC()
	}
	select {
	case <-q.closed:
		return ErrQueueClosed
	default:
	}
	select {
	case q.ch <- task:
		return nil
	case <-q.closed:
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *MemoryQueue) Dequeue(ctx context.Context) (Task, error) {
	select {
	case task := <-q.ch:
		return task, nil
	case <-q.closed:
		return Task{}, ErrQueueClosed
	case <-ctx.Done():
		return Task{}, ctx.Err()
	}
}

// Close wakes every blocked Dequeue. Queued tasks are dropped.
func (q *MemoryQueue) Close() {
	select {
	case <-q.closed:
	default:
		close(q.closed)
	}
}
