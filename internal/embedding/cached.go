package embedding

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"
)

const DefaultCacheSize = 4096

// Cached memoizes vectors by text and collapses concurrent requests for the
// same text into one upstream call. The shared call does not inherit any one
// caller's cancellation; each caller stops waiting when its own ctx ends.
// Eviction is first-in first-out.
type Cached struct {
	next    Embedder
	maxSize int

	group singleflight.Group

	mu      sync.RWMutex
	entries map[string][]float32
	order   []string
}

func NewCached(next Embedder, maxSize int) *Cached {
	if maxSize <= 0 {
		maxSize = DefaultCacheSize
	}
	return &Cached{
		next:    next,
		maxSize: maxSize,
		entries: make(map[string][]float32, maxSize),
	}
}

func (c *Cached) Name() string { return c.next.Name() }

func (c *Cached) Dimensions() int { return c.next.Dimensions() }

func (c *Cached) Embed(ctx context.Context, text string) ([]float32, error) {
	if vector, ok := c.lookup(text); ok {
		return vector, nil
	}

	flight := c.group.DoChan(text, func() (any, error) {
		if vector, ok := c.lookup(text); ok {
			return vector, nil
		}
		vector, err := c.next.Embed(context.WithoutCancel(ctx), text)
		if err != nil {
			return nil, err
		}
		c.store(text, vector)
		return vector, nil
	})

	select {
	case result := <-flight:
		if result.Err != nil {
			return nil, result.Err
		}
		return cloneVector(result.Val.([]float32)), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// EmbedBatch serves cached texts locally and sends the misses upstream in a
// single batch.
func (c *Cached) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var (
		missing    []string
		missingIdx []int
	)
	for i, text := range texts {
		if vector, ok := c.lookup(text); ok {
			out[i] = vector
			continue
		}
		missing = append(missing, text)
		missingIdx = append(missingIdx, i)
	}
	if len(missing) == 0 {
		return out, nil
	}

	vectors, err := EmbedAll(ctx, c.next, missing)
	if err != nil {
		return nil, err
	}
	for j, vector := range vectors {
		c.store(missing[j], vector)
		out[missingIdx[j]] = cloneVector(vector)
	}
	return out, nil
}

// Len reports the number of cached vectors.
func (c *Cached) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *Cached) lookup(text string) ([]float32, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	vector, ok := c.entries[text]
	if !ok {
		return nil, false
	}
	return cloneVector(vector), true
}

func (c *Cached) store(text string, vector []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[text]; exists {
		return
	}
	for len(c.order) >= c.maxSize {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, oldest)
	}
	c.entries[text] = cloneVector(vector)
	c.order = append(c.order, text)
}

func cloneVector(vector []float32) []float32 {
	if vector == nil {
		return nil
	}
	out := make([]float32, len(vector))
	copy(out, vector)
	return out
}
