// Package embedding maps normalized title text to fixed-length vectors and
// provides the vector helpers shared by storage and matching.
package embedding

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

var (
	// ErrUnavailable wraps every failure to reach the underlying model.
	ErrUnavailable = errors.New("embedding unavailable")
	// ErrInvalidVector marks a vector with the wrong dimension or a non-finite component.
	ErrInvalidVector = errors.New("invalid embedding vector")
	// ErrCorruptVector is returned when stored bytes do not decode to a vector.
	ErrCorruptVector = errors.New("corrupt embedding bytes")
)

// Embedder produces one vector per text. Implementations must return vectors
// of the same dimension for the lifetime of a corpus.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	// Dimensions is the vector length, or 0 when unknown until the first call.
	Dimensions() int
	Name() string
}

// BatchEmbedder is implemented by embedders that can serve several texts per
// round trip.
type BatchEmbedder interface {
	Embedder
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// EmbedAll embeds texts in one EmbedBatch call when e supports it and one
// Embed call per text otherwise. The result has one vector per text.
func EmbedAll(ctx context.Context, e Embedder, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if batcher, ok := e.(BatchEmbedder); ok {
		vectors, err := batcher.EmbedBatch(ctx, texts)
		if err != nil {
			return nil, err
		}
		if len(vectors) != len(texts) {
			return nil, fmt.Errorf("%w: %s returned %d vectors for %d texts", ErrUnavailable, e.Name(), len(vectors), len(texts))
		}
		return vectors, nil
	}

	out := make([][]float32, len(texts))
	for i, text := range texts {
		vector, err := e.Embed(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("text %d: %w", i, err)
		}
		out[i] = vector
	}
	return out, nil
}

// Validate checks vector shape. dims <= 0 skips the length check.
func Validate(vector []float32, dims int) error {
	if len(vector) == 0 {
		return fmt.Errorf("%w: empty vector", ErrInvalidVector)
	}
	if dims > 0 && len(vector) != dims {
		return fmt.Errorf("%w: expected %d dimensions, got %d", ErrInvalidVector, dims, len(vector))
	}
	for i, value := range vector {
		f := float64(value)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("%w: non-finite value at index %d", ErrInvalidVector, i)
		}
	}
	return nil
}

// Cosine returns the cosine similarity of a and b. ok is false when the
// vectors differ in length or either has zero norm.
func Cosine(a, b []float32) (score float64, ok bool) {
	if len(a) == 0 || len(a) != len(b) {
		return 0, false
	}

	var dot, na, nb float64
	for i := range a {
		x := float64(a[i])
		y := float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0, false
	}

	score = dot / math.Sqrt(na*nb)
	if math.IsNaN(score) {
		return 0, false
	}
	return math.Max(-1, math.Min(1, score)), true
}

// NormalizeL2 scales vector to unit length in place. Zero vectors are left alone.
func NormalizeL2(vector []float32) {
	var sum float64
	for _, v := range vector {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return
	}
	inv := 1 / math.Sqrt(sum)
	for i, v := range vector {
		vector[i] = float32(float64(v) * inv)
	}
}

// EncodeVector serializes vector as little-endian float32 values.
func EncodeVector(vector []float32) []byte {
	if len(vector) == 0 {
		return nil
	}
	out := make([]byte, 4*len(vector))
	for i, v := range vector {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
	}
	return out
}

// DecodeVector is the inverse of EncodeVector.
func DecodeVector(raw []byte) ([]float32, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: no data", ErrCorruptVector)
	}
	if len(raw)%4 != 0 {
		return nil, fmt.Errorf("%w: length %d is not a multiple of 4", ErrCorruptVector, len(raw))
	}
	out := make([]float32, len(raw)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return out, nil
}

// IsUnavailable reports whether err means the model could not be reached.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}
