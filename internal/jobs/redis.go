package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

const DefaultPollTimeout = 5 * time.Second

// RedisClient is the subset of go-redis the queue needs.
type RedisClient interface {
	LPush(ctx context.Context, key string, values ...any) *redis.IntCmd
	BRPop(ctx context.Context, timeout time.Duration, keys ...string) *redis.StringSliceCmd
}

// RedisQueue is a FIFO list: producers LPUSH, workers BRPOP. Jobs survive a
// process restart but a job popped by a worker that dies is lost.
type RedisQueue struct {
	client      RedisClient
	key         string
	pollTimeout time.Duration
	closed      atomic.Bool
}

func NewRedisQueue(client RedisClient, key string) *RedisQueue {
	return &RedisQueue{
		client:      client,
		key:         key,
		pollTimeout: DefaultPollTimeout,
	}
}

func (q *RedisQueue) Enqueue(ctx context.Context, job Job) error {
	if q == nil || q.client == nil {
		return fmt.Errorf("redis queue is not initialized")
	}
	if q.closed.Load() {
		return ErrQueueClosed
	}
	if err := job.validate(); err != nil {
		return err
	}

	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job %s: %w", job.RunID, err)
	}
	if err := q.client.LPush(ctx, q.key, payload).Err(); err != nil {
		return fmt.Errorf("enqueue job %s: %w", job.RunID, err)
	}
	return nil
}

// Dequeue polls with BRPOP so that Close and ctx are noticed within one
// poll interval.
func (q *RedisQueue) Dequeue(ctx context.Context) (Job, error) {
	if q == nil || q.client == nil {
		return Job{}, fmt.Errorf("redis queue is not initialized")
	}

	for {
		if q.closed.Load() {
			return Job{}, ErrQueueClosed
		}
		if err := ctx.Err(); err != nil {
			return Job{}, err
		}

		result, err := q.client.BRPop(ctx, q.pollTimeout, q.key).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return Job{}, ctxErr
			}
			return Job{}, fmt.Errorf("dequeue from %s: %w", q.key, err)
		}
		if len(result) != 2 {
			return Job{}, fmt.Errorf("dequeue from %s: unexpected reply of %d items", q.key, len(result))
		}

		var job Job
		if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
			return Job{}, fmt.Errorf("decode job: %w", err)
		}
		return job, nil
	}
}

func (q *RedisQueue) Close() error {
	q.closed.Store(true)
	return nil
}
