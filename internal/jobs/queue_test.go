package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryQueueIsFIFO(t *testing.T) {
	t.Parallel()
	q := NewMemoryQueue(4)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, Job{RunID: "a"}))
	require.NoError(t, q.Enqueue(ctx, Job{RunID: "b", Rows: []string{"x"}}))
	assert.Equal(t, 2, q.Len())

	first, err := q.Dequeue(ctx)
	require.NoError(t, err)
	second, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", first.RunID)
	assert.Equal(t, []string{"x"}, second.Rows)
}

func TestMemoryQueueRejectsJobWithoutRun(t *testing.T) {
	t.Parallel()
	q := NewMemoryQueue(1)
	require.Error(t, q.Enqueue(context.Background(), Job{}))
}

func TestMemoryQueueBlocksWhenFull(t *testing.T) {
	t.Parallel()
	q := NewMemoryQueue(1)
	require.NoError(t, q.Enqueue(context.Background(), Job{RunID: "a"}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := q.Enqueue(ctx, Job{RunID: "b"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMemoryQueueClose(t *testing.T) {
	t.Parallel()
	q := NewMemoryQueue(1)
	require.NoError(t, q.Close())
	require.NoError(t, q.Close())

	_, err := q.Dequeue(context.Background())
	assert.ErrorIs(t, err, ErrQueueClosed)
	assert.ErrorIs(t, q.Enqueue(context.Background(), Job{RunID: "a"}), ErrQueueClosed)
}

// fakeList is a Redis list with LPUSH/BRPOP semantics.
type fakeList struct {
	mu     sync.Mutex
	items  map[string][]string
	popErr error
}

func newFakeList() *fakeList {
	return &fakeList{items: map[string][]string{}}
}

func (f *fakeList) LPush(_ context.Context, key string, values ...any) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, v := range values {
		f.items[key] = append([]string{string(v.([]byte))}, f.items[key]...)
	}
	return redis.NewIntResult(int64(len(f.items[key])), nil)
}

func (f *fakeList) BRPop(ctx context.Context, timeout time.Duration, keys ...string) *redis.StringSliceCmd {
	deadline := time.Now().Add(timeout)
	for {
		f.mu.Lock()
		if f.popErr != nil {
			err := f.popErr
			f.mu.Unlock()
			return redis.NewStringSliceResult(nil, err)
		}
		list := f.items[keys[0]]
		if n := len(list); n > 0 {
			value := list[n-1]
			f.items[keys[0]] = list[:n-1]
			f.mu.Unlock()
			return redis.NewStringSliceResult([]string{keys[0], value}, nil)
		}
		f.mu.Unlock()

		if ctx.Err() != nil {
			return redis.NewStringSliceResult(nil, ctx.Err())
		}
		if time.Now().After(deadline) {
			return redis.NewStringSliceResult(nil, redis.Nil)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestRedisQueueRoundTripsJobsInOrder(t *testing.T) {
	t.Parallel()
	client := newFakeList()
	q := NewRedisQueue(client, "clearoid:batches")
	q.pollTimeout = 5 * time.Millisecond
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, Job{RunID: "r1", Filename: "a.csv", Rows: []string{"Alpha", "alpha"}}))
	require.NoError(t, q.Enqueue(ctx, Job{RunID: "r2"}))

	job, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, Job{RunID: "r1", Filename: "a.csv", Rows: []string{"Alpha", "alpha"}}, job)

	job, err = q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "r2", job.RunID)
}

func TestRedisQueueDequeueHonorsContext(t *testing.T) {
	t.Parallel()
	q := NewRedisQueue(newFakeList(), "k")
	q.pollTimeout = 5 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := q.Dequeue(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRedisQueueSurfacesConnectionErrors(t *testing.T) {
	t.Parallel()
	client := newFakeList()
	client.popErr = errors.New("connection reset")
	q := NewRedisQueue(client, "k")

	_, err := q.Dequeue(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
}

func TestRedisQueueClosed(t *testing.T) {
	t.Parallel()
	q := NewRedisQueue(newFakeList(), "k")
	require.NoError(t, q.Close())

	_, err := q.Dequeue(context.Background())
	assert.ErrorIs(t, err, ErrQueueClosed)
	assert.ErrorIs(t, q.Enqueue(context.Background(), Job{RunID: "a"}), ErrQueueClosed)
}

func TestMemoryQueueDrainEmptiesBuffer(t *testing.T) {
	t.Parallel()
	q := NewMemoryQueue(4)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, Job{RunID: "a"}))
	require.NoError(t, q.Enqueue(ctx, Job{RunID: "b"}))

	drained := q.Drain()
	require.Len(t, drained, 2)
	assert.Equal(t, "a", drained[0].RunID)
	assert.Equal(t, "b", drained[1].RunID)
	assert.Zero(t, q.Len())
	assert.Empty(t, q.Drain())
}
