package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const (
	DefaultEndpoint       = "http://127.0.0.1:8844/embed"
	DefaultModelName      = "all-MiniLM-L6-v2"
	DefaultMaxLength      = 256
	DefaultRequestTimeout = 20 * time.Second
	maxErrorBodyBytes     = 512
)

type HTTPOptions struct {
	Endpoint       string
	ModelName      string
	APIKey         string
	Dimensions     int
	MaxLength      int
	RequestTimeout time.Duration
	// RequestsPerSecond caps outgoing requests; 0 disables the limiter.
	RequestsPerSecond float64
	Client            *http.Client
}

// HTTPEmbedder calls an embedding server. Endpoints ending in /v1/embeddings
// speak the OpenAI-compatible shape; everything else gets {texts, max_length}.
type HTTPEmbedder struct {
	opts    HTTPOptions
	client  *http.Client
	limiter *rate.Limiter
	openAI  bool
}

type embedRequest struct {
	Texts     []string `json:"texts,omitempty"`
	Input     []string `json:"input,omitempty"`
	Model     string   `json:"model,omitempty"`
	MaxLength int      `json:"max_length,omitempty"`
}

type embedResponse struct {
	Embeddings [][]float64 `json:"embeddings"`
	ElapsedMS  *float64    `json:"elapsed_ms"`
	Data       []struct {
		Index     int       `json:"index"`
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
}

func NewHTTP(options HTTPOptions) *HTTPEmbedder {
	opts := normalizeHTTPOptions(options)

	client := opts.Client
	if client == nil {
		client = &http.Client{}
	}

	var limiter *rate.Limiter
	if opts.RequestsPerSecond > 0 {
		burst := int(opts.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}

	parsed, err := url.Parse(opts.Endpoint)
	openAI := err == nil && strings.HasSuffix(parsed.Path, "/v1/embeddings")

	return &HTTPEmbedder{
		opts:    opts,
		client:  client,
		limiter: limiter,
		openAI:  openAI,
	}
}

func (e *HTTPEmbedder) Name() string {
	if e == nil {
		return "http"
	}
	return "http:" + e.opts.ModelName
}

func (e *HTTPEmbedder) Dimensions() int {
	if e == nil {
		return 0
	}
	return e.opts.Dimensions
}

func (e *HTTPEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

func (e *HTTPEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if e == nil {
		return nil, fmt.Errorf("%w: http embedder is not initialized", ErrUnavailable)
	}
	if len(texts) == 0 {
		return nil, nil
	}

	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%w: rate limiter: %v", ErrUnavailable, err)
		}
	}

	raw, err := e.requestEmbeddings(ctx, texts)
	if err != nil {
		return nil, err
	}
	if len(raw) != len(texts) {
		return nil, fmt.Errorf("%w: embedding response count mismatch: requested=%d returned=%d", ErrUnavailable, len(texts), len(raw))
	}

	out := make([][]float32, len(raw))
	for i, values := range raw {
		vector := make([]float32, len(values))
		for j, value := range values {
			vector[j] = float32(value)
		}
		if err := Validate(vector, e.opts.Dimensions); err != nil {
			return nil, fmt.Errorf("text %d: %w", i, err)
		}
		out[i] = vector
	}
	return out, nil
}

func normalizeHTTPOptions(opts HTTPOptions) HTTPOptions {
	normalized := opts
	normalized.Endpoint = normalizeEndpoint(normalized.Endpoint)
	if strings.TrimSpace(normalized.ModelName) == "" {
		normalized.ModelName = DefaultModelName
	}
	if normalized.MaxLength <= 0 {
		normalized.MaxLength = DefaultMaxLength
	}
	if normalized.RequestTimeout <= 0 {
		normalized.RequestTimeout = DefaultRequestTimeout
	}
	if normalized.Dimensions < 0 {
		normalized.Dimensions = 0
	}
	if normalized.RequestsPerSecond < 0 {
		normalized.RequestsPerSecond = 0
	}
	return normalized
}

func (e *HTTPEmbedder) requestEmbeddings(ctx context.Context, texts []string) ([][]float64, error) {
	payload := embedRequest{
		Texts:     texts,
		MaxLength: e.opts.MaxLength,
	}
	if e.openAI {
		payload = embedRequest{
			Input: texts,
			Model: e.opts.ModelName,
		}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal embedding request: %w", err)
	}

	requestCtx, cancel := context.WithTimeout(ctx, e.opts.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(requestCtx, http.MethodPost, e.opts.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build embedding request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if key := strings.TrimSpace(e.opts.APIKey); key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: embedding request failed: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read embedding response: %v", ErrUnavailable, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: embedding service status %d: %s", ErrUnavailable, resp.StatusCode, truncate(strings.TrimSpace(string(respBody)), maxErrorBodyBytes))
	}

	var parsed embedResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("%w: decode embedding response: %v", ErrUnavailable, err)
	}

	vectors := parsed.Embeddings
	if len(vectors) == 0 && len(parsed.Data) > 0 {
		sort.Slice(parsed.Data, func(i, j int) bool {
			return parsed.Data[i].Index < parsed.Data[j].Index
		})
		vectors = make([][]float64, 0, len(parsed.Data))
		for _, row := range parsed.Data {
			vectors = append(vectors, row.Embedding)
		}
	}
	if len(vectors) == 0 {
		return nil, fmt.Errorf("%w: embedding response missing vectors", ErrUnavailable)
	}

	return vectors, nil
}

func normalizeEndpoint(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return DefaultEndpoint
	}
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return trimmed
	}
	if parsed.Path == "" || parsed.Path == "/" {
		parsed.Path = "/embed"
	}
	return parsed.String()
}

func truncate(value string, limit int) string {
	if len(value) <= limit {
		return value
	}
	return value[:limit] + "..."
}
