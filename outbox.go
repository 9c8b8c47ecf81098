package headunit

import (
	"context"
	"sync"
)

// Outbox runs jobs in order on its own goroutine so that callers on the
// dispatch goroutine never wait for network I/O. Post never blocks: a job
// that does not fit in the buffer is dropped.
type Outbox struct {
	mu     sync.RWMutex
	jobs   chan func()
	closed bool
	done   chan struct{}
}

func NewOutbox(buffer int) *Outbox {
	o := &Outbox{
		jobs: make(chan func(), buffer),
		done: make(chan struct{}),
	}
	go o.run()
	return o
}

func (o *Outbox) run() {
	defer close(o.done)
	for job := range o.jobs {
		job()
	}
}

// Post queues job. It reports false when the outbox is full or closed.
func (o *Outbox) Post(job func()) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.closed {
		return false
	}
	select {
	case o.jobs <- job:
		return true
	default:
		return false
	}
}

// Flush waits until every job posted before it has run.
func (o *Outbox) Flush(ctx context.Context) error {
	done := make(chan struct{})
	o.mu.RLock()
	if o.closed {
		o.mu.RUnlock()
		select {
		case <-o.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	select {
	case o.jobs <- func() { close(done) }:
	case <-ctx.Done():
		o.mu.RUnlock()
		return ctx.Err()
	}
	o.mu.RUnlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting jobs and waits for the queued ones to finish.
func (o *Outbox) Close() {
	o.mu.Lock()
	if !o.closed {
		o.closed = true
		close(o.jobs)
	}
	o.mu.Unlock()
	<-o.done
}
