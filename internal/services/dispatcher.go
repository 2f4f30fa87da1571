package services

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"dream-forge-backend/internal/logger"
	"dream-forge-backend/internal/metrics"
)

var ErrDispatcherStopped = errors.New("dispatcher is stopped")

type job struct {
	name string
	fn   func(ctx context.Context)
}

// Dispatcher runs provider work on a fixed pool of goroutines so HTTP
// handlers return as soon as the triggering transition has committed.
type Dispatcher struct {
	jobs    chan job
	logger  *logger.Logger
	metrics *metrics.Collector

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	stopped bool

	workers  sync.WaitGroup
	inflight sync.WaitGroup
}

func NewDispatcher(workers int, log *logger.Logger, m *metrics.Collector) *Dispatcher {
	if workers <= 0 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		jobs:    make(chan job, workers*16),
		logger:  log.With("component", "Dispatcher"),
		metrics: m,
		ctx:     ctx,
		cancel:  cancel,
	}
	for i := 0; i < workers; i++ {
		d.workers.Add(1)
		go d.run()
	}
	return d
}

func (d *Dispatcher) run() {
	defer d.workers.Done()
	for j := range d.jobs {
		d.metrics.SetQueueDepth(len(d.jobs))
		d.execute(j)
	}
}

func (d *Dispatcher) execute(j job) {
	defer d.inflight.Done()
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("dispatched job panicked", "job", j.name, "panic", fmt.Sprint(r))
		}
	}()
	j.fn(d.ctx)
}

// Submit queues fn. It blocks while the queue is full.
func (d *Dispatcher) Submit(name string, fn func(ctx context.Context)) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.stopped {
		return ErrDispatcherStopped
	}
	d.inflight.Add(1)
	select {
	case d.jobs <- job{name: name, fn: fn}:
		d.metrics.SetQueueDepth(len(d.jobs))
		return nil
	case <-d.ctx.Done():
		d.inflight.Done()
		return ErrDispatcherStopped
	}
}

// Wait blocks until every submitted job has finished.
func (d *Dispatcher) Wait() {
	d.inflight.Wait()
}

// Stop refuses new work and waits for queued jobs. When ctx expires first,
// running jobs see their context cancelled.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return nil
	}
	d.stopped = true
	close(d.jobs)
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return ctx.Err()
	}
}
