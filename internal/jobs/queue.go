// Package jobs moves accepted batch runs from the transport to the workers
// that process them.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrQueueClosed is returned by Enqueue and Dequeue after Close.
var ErrQueueClosed = errors.New("queue closed")

// Job is one accepted batch run and the rows it must process.
type Job struct {
	RunID    string   `json:"run_id"`
	Filename string   `json:"filename,omitempty"`
	Rows     []string `json:"rows"`
}

func (j Job) validate() error {
	if j.RunID == "" {
		return fmt.Errorf("job run id is required")
	}
	return nil
}

type Queue interface {
	Enqueue(ctx context.Context, job Job) error
	// Dequeue blocks until a job is available or ctx ends.
	Dequeue(ctx context.Context) (Job, error)
	Close() error
}

const DefaultMemoryCapacity = 64

// MemoryQueue is an in-process queue backed by a buffered channel. Enqueue
// blocks while the buffer is full.
type MemoryQueue struct {
	jobs   chan Job
	done   chan struct{}
	closed sync.Once
}

func NewMemoryQueue(capacity int) *MemoryQueue {
	if capacity < 1 {
		capacity = DefaultMemoryCapacity
	}
	return &MemoryQueue{
		jobs: make(chan Job, capacity),
		done: make(chan struct{}),
	}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, job Job) error {
	if err := job.validate(); err != nil {
		return err
	}
	select {
	case <-q.done:
		return ErrQueueClosed
	default:
	}

	select {
	case q.jobs <- job:
		return nil
	case <-q.done:
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *MemoryQueue) Dequeue(ctx context.Context) (Job, error) {
	select {
	case job := <-q.jobs:
		return job, nil
	case <-q.done:
		return Job{}, ErrQueueClosed
	case <-ctx.Done():
		return Job{}, ctx.Err()
	}
}

// Len reports the number of buffered jobs.
func (q *MemoryQueue) Len() int {
	return len(q.jobs)
}

func (q *MemoryQueue) Close() error {
	q.closed.Do(func() { close(q.done) })
	return nil
}

// Drain removes and returns every buffered job without blocking.
func (q *MemoryQueue) Drain() []Job {
	var out []Job
	for {
		select {
		case job := <-q.jobs:
			out = append(out, job)
		default:
			return out
		}
	}
}
