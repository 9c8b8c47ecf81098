package arbiter

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

var ErrQueueClosed = errors.New("arbiter: queue closed")

// Queue runs tasks one at a time, in submission order, on the goroutine that
// calls Run. It is the single dispatch point that serializes access to an
// Arbiter and its registry.
type Queue struct {
	logger *slog.Logger

	mu     sync.Mutex
	tasks  []func()
	closed bool
	wake   chan struct{}
	done   chan struct{}
}

func NewQueue(logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		logger: logger.With("component", "queue"),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Post enqueues fn without waiting. It never blocks, so a running task may
// post follow-up work.
func (q *Queue) Post(fn func()) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	q.tasks = append(q.tasks, fn)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

// Do enqueues fn and waits until it has run. Calling Do from inside a task
// deadlocks.
func (q *Queue) Do(ctx context.Context, fn func()) error {
	ran := make(chan struct{})
	if err := q.Post(func() {
		defer close(ran)
		fn()
	}); err != nil {
		return err
	}
	select {
	case <-ran:
		return nil
	case <-q.done:
		select {
		case <-ran:
			return nil
		default:
			return ErrQueueClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run executes tasks until ctx is canceled or Close is called. Tasks still
// queued at that point are dropped.
func (q *Queue) Run(ctx context.Context) {
	defer q.shutdown()
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return
		}
		batch := q.tasks
		q.tasks = nil
		q.mu.Unlock()

		for _, fn := range batch {
			if q.isClosed() {
				return
			}
			q.run(fn)
		}
		if len(batch) > 0 {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-q.wake:
		}
	}
}

// Close stops Run after the task in progress.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		select {
		case q.wake <- struct{}{}:
		default:
		}
	}
}

func (q *Queue) shutdown() {
	q.mu.Lock()
	q.closed = true
	q.tasks = nil
	q.mu.Unlock()
	select {
	case <-q.done:
	default:
		close(q.done)
	}
}

func (q *Queue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

func (q *Queue) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("task panicked", "panic", r)
		}
	}()
	fn()
}
