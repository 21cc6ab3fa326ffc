package embedding

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"
)

func TestNormalizeEndpoint(t *testing.T) {
	t.Parallel()

	if got := normalizeEndpoint("http://127.0.0.1:8844"); got != "http://127.0.0.1:8844/embed" {
		t.Fatalf("unexpected endpoint normalization: %q", got)
	}
	if got := normalizeEndpoint("http://127.0.0.1:8844/v1/embeddings"); got != "http://127.0.0.1:8844/v1/embeddings" {
		t.Fatalf("unexpected endpoint normalization for explicit path: %q", got)
	}
	if got := normalizeEndpoint("  "); got != DefaultEndpoint {
		t.Fatalf("blank endpoint should fall back to %q, got %q", DefaultEndpoint, got)
	}
}

func TestHTTPEmbedderNativeShape(t *testing.T) {
	t.Parallel()

	var (
		got  embedRequest
		path string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"embeddings": [][]float64{{0.1, 0.2, 0.3}},
		})
	}))
	defer srv.Close()

	e := NewHTTP(HTTPOptions{Endpoint: srv.URL, Dimensions: 3, MaxLength: 64})
	vector, err := e.Embed(context.Background(), "annual report")
	if err != nil {
		t.Fatalf("Embed returned error: %v", err)
	}
	if path != "/embed" {
		t.Fatalf("unexpected request path: %q", path)
	}
	if !slices.Equal(vector, []float32{0.1, 0.2, 0.3}) {
		t.Fatalf("unexpected vector: %v", vector)
	}
	if !slices.Equal(got.Texts, []string{"annual report"}) || got.MaxLength != 64 || len(got.Input) != 0 {
		t.Fatalf("unexpected native request: %+v", got)
	}
}

func TestHTTPEmbedderOpenAIShape(t *testing.T) {
	t.Parallel()

	var (
		got  embedRequest
		auth string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte(`{"data":[{"index":1,"embedding":[0,1]},{"index":0,"embedding":[1,0]}]}`))
	}))
	defer srv.Close()

	e := NewHTTP(HTTPOptions{Endpoint: srv.URL + "/v1/embeddings", ModelName: "text-embedding-3-small", APIKey: "secret"})
	vectors, err := e.EmbedBatch(context.Background(), []string{"first", "second"})
	if err != nil {
		t.Fatalf("EmbedBatch returned error: %v", err)
	}
	if len(vectors) != 2 || !slices.Equal(vectors[0], []float32{1, 0}) || !slices.Equal(vectors[1], []float32{0, 1}) {
		t.Fatalf("vectors not reordered by index: %v", vectors)
	}
	if !slices.Equal(got.Input, []string{"first", "second"}) || got.Model != "text-embedding-3-small" {
		t.Fatalf("unexpected openai request: %+v", got)
	}
	if auth != "Bearer secret" {
		t.Fatalf("unexpected authorization header: %q", auth)
	}
}

func TestHTTPEmbedderServerErrorIsUnavailable(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model loading", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewHTTP(HTTPOptions{Endpoint: srv.URL}).Embed(context.Background(), "x")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if !strings.Contains(err.Error(), "status 503") {
		t.Fatalf("expected status in error, got %v", err)
	}
}

func TestHTTPEmbedderUnreachableIsUnavailable(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	endpoint := srv.URL
	srv.Close()

	_, err := NewHTTP(HTTPOptions{Endpoint: endpoint}).Embed(context.Background(), "x")
	if !IsUnavailable(err) {
		t.Fatalf("expected unavailable error, got %v", err)
	}
}

func TestHTTPEmbedderDimensionValidation(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"embeddings":[[0.1,0.2]]}`))
	}))
	defer srv.Close()

	_, err := NewHTTP(HTTPOptions{Endpoint: srv.URL, Dimensions: 3}).Embed(context.Background(), "x")
	if !errors.Is(err, ErrInvalidVector) {
		t.Fatalf("expected ErrInvalidVector, got %v", err)
	}
	if IsUnavailable(err) {
		t.Fatalf("a malformed vector must not be reported as unavailable")
	}
}
