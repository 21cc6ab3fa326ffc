package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"horse.fit/clearoid/internal/dedup"
)

// Processor finishes an accepted batch run.
type Processor interface {
	ProcessBatch(ctx context.Context, runID string, rows []string) (dedup.BatchRun, error)
}

// Abandoner fails runs whose jobs will never reach a worker.
type Abandoner interface {
	AbandonBatch(ctx context.Context, runID, reason string) (dedup.BatchRun, error)
}

// AbandonBuffered closes q and fails the run of every job still buffered in
// it. An in-process queue loses its buffer on exit, so serve calls this after
// its workers stop.
func AbandonBuffered(ctx context.Context, q *MemoryQueue, abandoner Abandoner, logger zerolog.Logger) int {
	_ = q.Close()

	abandoned := 0
	for _, job := range q.Drain() {
		if _, err := abandoner.AbandonBatch(ctx, job.RunID, "abandoned: server stopped before the run was processed"); err != nil {
			logger.Error().Err(err).Str("batch_run_id", job.RunID).Msg("failed to abandon queued batch")
			continue
		}
		abandoned++
	}
	if abandoned > 0 {
		logger.Warn().Int("abandoned", abandoned).Msg("queued batches abandoned on shutdown")
	}
	return abandoned
}

type Worker struct {
	queue     Queue
	processor Processor
	logger    zerolog.Logger

	newBackOff func() backoff.BackOff
}

func NewWorker(queue Queue, processor Processor, logger zerolog.Logger) *Worker {
	return &Worker{
		queue:     queue,
		processor: processor,
		logger:    logger.With().Str("component", "batch_worker").Logger(),
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxInterval = 10 * time.Second
			b.MaxElapsedTime = 0
			return b
		},
	}
}

// Run processes jobs until ctx ends or the queue closes. A job in flight
// when ctx ends still runs to completion.
func (w *Worker) Run(ctx context.Context) error {
	if w == nil || w.queue == nil || w.processor == nil {
		return fmt.Errorf("batch worker is not initialized")
	}

	w.logger.Info().Msg("batch worker started")
	defer w.logger.Info().Msg("batch worker stopped")

	retry := w.newBackOff()
	for {
		job, err := w.queue.Dequeue(ctx)
		switch {
		case err == nil:
			retry.Reset()
		case errors.Is(err, ErrQueueClosed), ctx.Err() != nil:
			return nil
		default:
			wait := retry.NextBackOff()
			w.logger.Warn().Err(err).Dur("retry_in", wait).Msg("dequeue failed")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(wait):
			}
			continue
		}

		w.handle(context.WithoutCancel(ctx), job)
	}
}

func (w *Worker) handle(ctx context.Context, job Job) {
	started := time.Now()
	run, err := w.processor.ProcessBatch(ctx, job.RunID, job.Rows)
	if err != nil {
		w.logger.Error().Err(err).Str("batch_run_id", job.RunID).Msg("batch job failed")
		return
	}

	w.logger.Info().
		Str("batch_run_id", run.ID).
		Str("status", string(run.Status)).
		Int("processed", run.Processed).
		Int("saved", run.Saved).
		Int("duplicates", run.Duplicates).
		Int("failed", run.Failed).
		Dur("elapsed", time.Since(started)).
		Msg("batch job done")
}
