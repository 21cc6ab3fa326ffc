package globaltime

import (
	"sync"
	"time"
)

var (
	mu      sync.RWMutex
	nowFunc = time.Now
)

// Now returns the process clock, which tests may pin with SetMockTime.
func Now() time.Time {
	mu.RLock()
	defer mu.RUnlock()
	return nowFunc()
}

func UTC() time.Time {
	return Now().UTC()
}

// Since reports the elapsed time against the same clock as Now.
func Since(t time.Time) time.Duration {
	return Now().Sub(t)
}

func SetMockTime(t time.Time) {
	mu.Lock()
	defer mu.Unlock()
	nowFunc = func() time.Time { return t }
}

// Advance moves a pinned clock forward. Without a pinned clock it pins
// the current time plus d.
func Advance(d time.Duration) time.Time {
	mu.Lock()
	defer mu.Unlock()
	next := nowFunc().Add(d)
	nowFunc = func() time.Time { return next }
	return next
}

func ResetTime() {
	mu.Lock()
	defer mu.Unlock()
	nowFunc = time.Now
}
