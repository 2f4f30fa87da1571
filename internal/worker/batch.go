// Package worker drains batch-queued pipelines in the background.
package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"dream-forge-backend/internal/logger"
	"dream-forge-backend/internal/metrics"
	"dream-forge-backend/internal/models"
	"dream-forge-backend/internal/pipeline"

	"github.com/google/uuid"
)

// Claimer is the part of the pipeline service the worker drives.
type Claimer interface {
	QueuedBatch(ctx context.Context, limit int) ([]*models.Pipeline, error)
	ClaimBatch(ctx context.Context, id uuid.UUID) (*models.Pipeline, error)
}

type BatchWorker struct {
	claimer  Claimer
	interval time.Duration
	size     int
	logger   *logger.Logger
	metrics  *metrics.Collector

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewBatchWorker(c Claimer, interval time.Duration, size int, log *logger.Logger, m *metrics.Collector) *BatchWorker {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if size <= 0 {
		size = 4
	}
	return &BatchWorker{
		claimer:  c,
		interval: interval,
		size:     size,
		logger:   log.With("component", "batch_worker"),
		metrics:  m,
	}
}

// Start launches the poll loop. Calling Start twice is a no-op.
func (w *BatchWorker) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		return
	}
	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})
	go w.loop(ctx, w.done)
	w.logger.Info("batch worker started", "interval", w.interval.String(), "claim_size", w.size)
}

// Stop ends the poll loop and waits for the current pass, or until ctx ends.
func (w *BatchWorker) Stop(ctx context.Context) error {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.cancel = nil
	w.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		w.logger.Info("batch worker stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *BatchWorker) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		w.RunOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce claims up to one page of queued pipelines and returns how many
// this worker won.
func (w *BatchWorker) RunOnce(ctx context.Context) int {
	queued, err := w.claimer.QueuedBatch(ctx, w.size)
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Error("failed to list queued batch pipelines", "error", err)
		}
		return 0
	}
	w.metrics.SetBatchBacklog(len(queued))

	claimed := 0
	for _, p := range queued {
		if ctx.Err() != nil {
			break
		}
		if _, err := w.claimer.ClaimBatch(ctx, p.ID); err != nil {
			var pre *pipeline.PreconditionError
			if errors.As(err, &pre) {
				// another worker got there first, or the owner reset it
				w.logger.Debug("batch pipeline already claimed", "pipeline_id", p.ID, "status", pre.Status)
				continue
			}
			w.logger.Error("failed to claim batch pipeline", "pipeline_id", p.ID, "error", err)
			continue
		}
		claimed++
		w.logger.Info("claimed batch pipeline", "pipeline_id", p.ID)
	}
	return claimed
}
