package dedup

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalLockerSerializesOneKey(t *testing.T) {
	t.Parallel()

	locker := NewLocalLocker()
	var (
		inside  atomic.Int32
		maxSeen atomic.Int32
		wg      sync.WaitGroup
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := locker.Lock(context.Background(), "k")
			if err != nil {
				return
			}
			n := inside.Add(1)
			if n > maxSeen.Load() {
				maxSeen.Store(n)
			}
			time.Sleep(time.Millisecond)
			inside.Add(-1)
			unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxSeen.Load())
	assert.Equal(t, 0, locker.Held())
}

func TestLocalLockerHonorsContext(t *testing.T) {
	t.Parallel()

	locker := NewLocalLocker()
	unlock, err := locker.Lock(context.Background(), "k")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = locker.Lock(ctx, "k")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	unlock()
	assert.Equal(t, 0, locker.Held())
}

func TestLocalLockerIndependentKeys(t *testing.T) {
	t.Parallel()

	locker := NewLocalLocker()
	unlockA, err := locker.Lock(context.Background(), "a")
	require.NoError(t, err)
	defer unlockA()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	unlockB, err := locker.Lock(ctx, "b")
	require.NoError(t, err)
	unlockB()
}

type recordingLocker struct {
	mu    sync.Mutex
	order []string
	inner *LocalLocker
}

func (r *recordingLocker) Lock(ctx context.Context, key string) (func(), error) {
	r.mu.Lock()
	r.order = append(r.order, key)
	r.mu.Unlock()
	return r.inner.Lock(ctx, key)
}

func TestLockKeysSortedAndDeduplicated(t *testing.T) {
	t.Parallel()

	locker := &recordingLocker{inner: NewLocalLocker()}
	unlock, err := lockKeys(context.Background(), locker, []string{"b", "a", "b", "c"})
	require.NoError(t, err)
	assert.Equal(t, []string{"cluster:a", "cluster:b", "cluster:c"}, locker.order)
	assert.Equal(t, 3, locker.inner.Held())

	unlock()
	assert.Equal(t, 0, locker.inner.Held())
}

func TestLockKeysReleasesOnFailure(t *testing.T) {
	t.Parallel()

	inner := NewLocalLocker()
	held, err := inner.Lock(context.Background(), "cluster:b")
	require.NoError(t, err)
	defer held()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = lockKeys(ctx, inner, []string{"a", "b"})
	require.Error(t, err)

	// Only the externally held key remains.
	assert.Equal(t, 1, inner.Held())
}
