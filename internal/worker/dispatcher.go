package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"checkout-service/internal/util"

	"go.uber.org/zap"
)

type task struct {
	name string
	fn   func(ctx context.Context) error
}

// Dispatcher runs best-effort side effects (confirmation emails, usage
// counters, audit events) on a bounded pool. Dispatch never blocks and task
// failures never reach the caller.
type Dispatcher struct {
	queue   chan task
	timeout time.Duration
	logger  *zap.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewDispatcher starts workers goroutines draining a queue of queueSize.
// Every task gets its own context bounded by timeout.
func NewDispatcher(workers, queueSize int, timeout time.Duration) *Dispatcher {
	if workers <= 0 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	d := &Dispatcher{
		queue:   make(chan task, queueSize),
		timeout: timeout,
		logger:  util.GetLogger(),
	}
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.loop()
	}
	return d
}

// Dispatch enqueues fn and reports whether it was accepted. A full queue or a
// stopped dispatcher drops the task.
func (d *Dispatcher) Dispatch(name string, fn func(ctx context.Context) error) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		util.TasksDroppedTotal.WithLabelValues(name, "stopped").Inc()
		d.logger.Warn("Dispatcher stopped, dropping task", zap.String("task", name))
		return false
	}

	select {
	case d.queue <- task{name: name, fn: fn}:
		return true
	default:
		util.TasksDroppedTotal.WithLabelValues(name, "queue_full").Inc()
		d.logger.Warn("Task queue full, dropping task", zap.String("task", name))
		return false
	}
}

// Shutdown stops accepting tasks and waits for queued ones to finish or for
// ctx to expire.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("dispatcher shutdown: %w", ctx.Err())
	}
}

func (d *Dispatcher) loop() {
	defer d.wg.Done()
	for t := range d.queue {
		d.run(t)
	}
}

func (d *Dispatcher) run(t task) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			util.TasksDroppedTotal.WithLabelValues(t.name, "panic").Inc()
			d.logger.Error("Background task panicked",
				zap.String("task", t.name),
				zap.Any("panic", r))
		}
	}()

	if err := t.fn(ctx); err != nil {
		util.TasksDroppedTotal.WithLabelValues(t.name, "failed").Inc()
		d.logger.Error("Background task failed",
			zap.String("task", t.name),
			zap.Error(err))
	}
}
