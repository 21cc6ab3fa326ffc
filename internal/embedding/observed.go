package embedding

import (
	"context"
	"time"
)

// ObserveFunc receives the latency and outcome of each Embed or EmbedBatch
// call.
type ObserveFunc func(name string, elapsed time.Duration, err error)

type observed struct {
	next    Embedder
	observe ObserveFunc
}

// WithObserver reports every call on next to observe.
func WithObserver(next Embedder, observe ObserveFunc) Embedder {
	if observe == nil {
		return next
	}
	return &observed{next: next, observe: observe}
}

func (o *observed) Name() string { return o.next.Name() }

func (o *observed) Dimensions() int { return o.next.Dimensions() }

func (o *observed) Embed(ctx context.Context, text string) ([]float32, error) {
	started := time.Now()
	vector, err := o.next.Embed(ctx, text)
	o.observe(o.next.Name(), time.Since(started), err)
	return vector, err
}

func (o *observed) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	started := time.Now()
	vectors, err := EmbedAll(ctx, o.next, texts)
	o.observe(o.next.Name(), time.Since(started), err)
	return vectors, err
}
