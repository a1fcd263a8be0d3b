package tasks

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Handler processes one task.
type Handler func(ctx context.Context, task Task) error

// Worker pulls tasks from a queue and dispatches them by kind.
type Worker struct {
	queue       Queue
	logger      *slog.Logger
	concurrency int

	mu       sync.RWMutex
	handlers map[Kind]Handler
}

// NewWorker constructs a worker running concurrency goroutines.
func NewWorker(queue Queue, concurrency int, logger *slog.Logger) *Worker {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Worker{
		queue:       queue,
		logger:      logger.With("component", "worker"),
		concurrency: concurrency,
		handlers:    make(map[Kind]Handler),
	}
}

// Handle registers h for tasks of kind.
func (w *Worker) Handle(kind Kind, h Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[kind] = h
}

// Run processes tasks until ctx is cancelled. Handler errors are logged and
// the task is dropped.
func (w *Worker) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < w.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.loop(ctx)
		}()
	}
	wg.Wait()
}

func (w *Worker) loop(ctx context.Context) {
	for {
		task, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrQueueClosed) {
				return
			}
			w.logger.ErrorContext(ctx, "dequeue failed", slog.Any("error", err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		w.dispatch(ctx, task)
	}
}

func (w *Worker) dispatch(ctx context.Context, task Task) {
	w.mu.RLock()
	h, ok := w.handlers[task.Kind]
	w.mu.RUnlock()

	log := w.logger.With(
		slog.String("kind", string(task.Kind)),
		slog.String("transaction_id", task.TransactionID.String()))
	if !ok {
		log.WarnContext(ctx, "no handler registered for task")
		return
	}

	defer func() {
		if r := recover(); r != nil {
			log.ErrorContext(ctx, "task handler panicked", slog.Any("panic", r))
		}
	}()

	started := time.Now()
	if err := h(ctx, task); err != nil {
		log.ErrorContext(ctx, "task failed", slog.Any("error", err), slog.Duration("elapsed", time.Since(started)))
		return
	}
	log.InfoContext(ctx, "task done", slog.Duration("elapsed", time.Since(started)))
}
