package embedding

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

// Fallback serves from primary and switches to secondary only when primary
// reports ErrUnavailable. Both must produce vectors of the same dimension.
type Fallback struct {
	primary   Embedder
	secondary Embedder
	logger    zerolog.Logger
}

func NewFallback(primary, secondary Embedder, logger zerolog.Logger) (*Fallback, error) {
	if primary == nil {
		return nil, fmt.Errorf("fallback embedder requires a primary")
	}
	if secondary != nil {
		pd, sd := primary.Dimensions(), secondary.Dimensions()
		if pd > 0 && sd > 0 && pd != sd {
			return nil, fmt.Errorf("fallback embedder dimension mismatch: %s=%d %s=%d", primary.Name(), pd, secondary.Name(), sd)
		}
	}
	return &Fallback{
		primary:   primary,
		secondary: secondary,
		logger:    logger,
	}, nil
}

func (f *Fallback) Name() string {
	if f.secondary == nil {
		return f.primary.Name()
	}
	return f.primary.Name() + "|" + f.secondary.Name()
}

func (f *Fallback) Dimensions() int {
	if d := f.primary.Dimensions(); d > 0 {
		return d
	}
	if f.secondary != nil {
		return f.secondary.Dimensions()
	}
	return 0
}

func (f *Fallback) Embed(ctx context.Context, text string) ([]float32, error) {
	vector, err := f.primary.Embed(ctx, text)
	if err == nil || f.secondary == nil || !IsUnavailable(err) {
		return vector, err
	}

	f.logger.Warn().
		Err(err).
		Str("primary", f.primary.Name()).
		Str("secondary", f.secondary.Name()).
		Msg("primary embedder unavailable, using fallback")

	vector, fallbackErr := f.secondary.Embed(ctx, text)
	if fallbackErr != nil {
		return nil, fmt.Errorf("fallback %s after %v: %w", f.secondary.Name(), err, fallbackErr)
	}
	return vector, nil
}

func (f *Fallback) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	vectors, err := EmbedAll(ctx, f.primary, texts)
	if err == nil || f.secondary == nil || !IsUnavailable(err) {
		return vectors, err
	}

	f.logger.Warn().
		Err(err).
		Str("primary", f.primary.Name()).
		Str("secondary", f.secondary.Name()).
		Int("texts", len(texts)).
		Msg("primary embedder unavailable for batch, using fallback")

	vectors, fallbackErr := EmbedAll(ctx, f.secondary, texts)
	if fallbackErr != nil {
		return nil, fmt.Errorf("fallback %s after %v: %w", f.secondary.Name(), err, fallbackErr)
	}
	return vectors, nil
}
