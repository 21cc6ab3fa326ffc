package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"horse.fit/clearoid/internal/dedup"
)

type recordingProcessor struct {
	mu      sync.Mutex
	runs    []string
	rows    [][]string
	fail    map[string]bool
	block   chan struct{}
	started chan string
}

func (p *recordingProcessor) ProcessBatch(ctx context.Context, runID string, rows []string) (dedup.BatchRun, error) {
	if p.started != nil {
		p.started <- runID
	}
	if p.block != nil {
		<-p.block
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.runs = append(p.runs, runID)
	p.rows = append(p.rows, rows)
	if p.fail[runID] {
		return dedup.BatchRun{}, errors.New("store down")
	}
	if ctx.Err() != nil {
		return dedup.BatchRun{}, ctx.Err()
	}
	return dedup.BatchRun{ID: runID, Status: dedup.BatchStatusCompleted, Processed: len(rows)}, nil
}

func (p *recordingProcessor) processed() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.runs...)
}

func TestWorkerProcessesJobsUntilQueueCloses(t *testing.T) {
	t.Parallel()
	queue := NewMemoryQueue(4)
	processor := &recordingProcessor{fail: map[string]bool{"bad": true}}
	worker := NewWorker(queue, processor, zerolog.Nop())
	ctx := context.Background()

	require.NoError(t, queue.Enqueue(ctx, Job{RunID: "one", Rows: []string{"a"}}))
	require.NoError(t, queue.Enqueue(ctx, Job{RunID: "bad"}))
	require.NoError(t, queue.Enqueue(ctx, Job{RunID: "two"}))

	done := make(chan error, 1)
	go func() { done <- worker.Run(ctx) }()

	require.Eventually(t, func() bool { return len(processor.processed()) == 3 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, queue.Close())

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop after close")
	}
	assert.Equal(t, []string{"one", "bad", "two"}, processor.processed())
}

func TestWorkerFinishesInFlightJobOnShutdown(t *testing.T) {
	t.Parallel()
	queue := NewMemoryQueue(4)
	processor := &recordingProcessor{
		block:   make(chan struct{}),
		started: make(chan string, 1),
	}
	worker := NewWorker(queue, processor, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, queue.Enqueue(ctx, Job{RunID: "long"}))

	done := make(chan error, 1)
	go func() { done <- worker.Run(ctx) }()

	assert.Equal(t, "long", <-processor.started)
	cancel()
	close(processor.block)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
	assert.Equal(t, []string{"long"}, processor.processed())
}

func TestWorkerRequiresDependencies(t *testing.T) {
	t.Parallel()
	err := NewWorker(nil, nil, zerolog.Nop()).Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not initialized")
}

type recordingAbandoner struct {
	mu      sync.Mutex
	reasons map[string]string
	fail    map[string]bool
}

func (a *recordingAbandoner) AbandonBatch(ctx context.Context, runID, reason string) (dedup.BatchRun, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.fail[runID] {
		return dedup.BatchRun{}, errors.New("store offline")
	}
	a.reasons[runID] = reason
	return dedup.BatchRun{ID: runID, Status: dedup.BatchStatusFailed, Error: reason}, nil
}

func TestAbandonBufferedFailsLeftoverRuns(t *testing.T) {
	t.Parallel()
	queue := NewMemoryQueue(4)
	ctx := context.Background()
	require.NoError(t, queue.Enqueue(ctx, Job{RunID: "queued-1"}))
	require.NoError(t, queue.Enqueue(ctx, Job{RunID: "queued-2"}))
	require.NoError(t, queue.Enqueue(ctx, Job{RunID: "queued-3"}))

	abandoner := &recordingAbandoner{
		reasons: map[string]string{},
		fail:    map[string]bool{"queued-2": true},
	}
	abandoned := AbandonBuffered(ctx, queue, abandoner, zerolog.Nop())

	assert.Equal(t, 2, abandoned)
	assert.Contains(t, abandoner.reasons["queued-1"], "server stopped")
	assert.Contains(t, abandoner.reasons, "queued-3")
	assert.Zero(t, queue.Len())
	assert.ErrorIs(t, queue.Enqueue(ctx, Job{RunID: "late"}), ErrQueueClosed)
}
