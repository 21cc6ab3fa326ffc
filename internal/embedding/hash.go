package embedding

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
)

const DefaultHashDimensions = 384

// HashEmbedder is a deterministic, model-free embedder built from signed
// feature hashing of word tokens and character trigrams. Identical text
// always yields identical vectors, and texts sharing most words land close
// together. It serves offline deployments and tests.
type HashEmbedder struct {
	dims int
}

func NewHash(dims int) *HashEmbedder {
	if dims <= 0 {
		dims = DefaultHashDimensions
	}
	return &HashEmbedder{dims: dims}
}

func (h *HashEmbedder) Name() string { return "hash" }

func (h *HashEmbedder) Dimensions() int { return h.dims }

func (h *HashEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tokens := strings.Fields(text)
	if len(tokens) == 0 {
		return nil, fmt.Errorf("%w: empty text", ErrInvalidVector)
	}

	vector := make([]float32, h.dims)
	for _, token := range tokens {
		h.add(vector, "w:"+token, 1.0)

		padded := []rune(" " + token + " ")
		for i := 0; i+3 <= len(padded); i++ {
			h.add(vector, "t:"+string(padded[i:i+3]), 0.5)
		}
	}

	NormalizeL2(vector)
	return vector, nil
}

func (h *HashEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vector, err := h.Embed(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("text %d: %w", i, err)
		}
		out[i] = vector
	}
	return out, nil
}

func (h *HashEmbedder) add(vector []float32, feature string, weight float32) {
	hasher := fnv.New64a()
	_, _ = hasher.Write([]byte(feature))
	sum := hasher.Sum64()

	idx := int(sum % uint64(len(vector)))
	if sum>>63 == 1 {
		weight = -weight
	}
	vector[idx] += weight
}
