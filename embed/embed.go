// Package embed provides a uniform batch/query embedding API over
// pluggable backends with an in-process LRU cache.
package embed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"
)

// ErrUnexpectedShape is returned when a backend response cannot be decoded
// into embedding vectors.
var ErrUnexpectedShape = errors.New("embed: unexpected response shape")

// Client is the capability interface implemented by embedding backends.
type Client interface {
	// Embed returns one vector per input text, in input order.
	Embed(ctx context.Context, texts []string, inputType string) ([][]float32, []int, error)

	Model() string
	Dimension() int

	// Close releases sockets and pools. Idempotent.
	Close() error
}

// Config configures the embedding service and its provider chain.
type Config struct {
	// Remote NVIDIA-compatible endpoint, tried first when BaseURL is set.
	RemoteBaseURL string
	RemoteAPIKey  string
	RemoteModel   string

	// Local Ollama endpoint, the fallback provider.
	LocalBaseURL string
	LocalModel   string

	Dimension int
	MaxTokens int
	BatchSize int
	Normalize bool

	CacheSize int
	CacheTTL  time.Duration
}

// BatchResult is the outcome of embedding a batch of texts.
type BatchResult struct {
	Vectors     [][]float32 `json:"vectors"`
	TokenCounts []int       `json:"token_counts"`
	Model       string      `json:"model"`
	Dimension   int         `json:"dimension"`
}

// Service wraps a backend Client with truncation, batching, caching, and
// normalization. Provider selection happens once at construction and is
// sticky for the service lifetime.
type Service struct {
	client Client
	cache  *Cache
	cfg    Config
}

// NewService builds the provider chain: the remote provider when configured,
// otherwise the local one. A provider that fails to construct falls through
// to the next.
func NewService(cfg Config) (*Service, error) {
	if cfg.Dimension == 0 {
		cfg.Dimension = 1024
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 512
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 10
	}
	if cfg.CacheSize == 0 {
		cfg.CacheSize = 1000
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = 24 * time.Hour
	}

	var client Client
	if cfg.RemoteBaseURL != "" {
		c, err := newRemoteClient(cfg)
		if err != nil {
			slog.Warn("embed: remote provider unavailable, falling back to local", "error", err)
		} else {
			client = c
		}
	}
	if client == nil {
		c, err := newOllamaClient(cfg)
		if err != nil {
			return nil, fmt.Errorf("constructing embedding provider: %w", err)
		}
		client = c
	}

	return &Service{
		client: client,
		cache:  NewCache(cfg.CacheSize, cfg.CacheTTL),
		cfg:    cfg,
	}, nil
}

// NewServiceWithClient wires a service around an existing backend client.
// Used by tests and by callers that manage their own providers.
func NewServiceWithClient(client Client, cfg Config) *Service {
	if cfg.Dimension == 0 {
		cfg.Dimension = client.Dimension()
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 512
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 10
	}
	if cfg.CacheSize == 0 {
		cfg.CacheSize = 1000
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = 24 * time.Hour
	}
	return &Service{client: client, cache: NewCache(cfg.CacheSize, cfg.CacheTTL), cfg: cfg}
}

// Model returns the active provider's model name.
func (s *Service) Model() string { return s.client.Model() }

// Dimension returns the embedding dimension of the active provider.
func (s *Service) Dimension() int { return s.cfg.Dimension }

// CacheStats exposes cache hit/miss counters.
func (s *Service) CacheStats() CacheStats { return s.cache.Stats() }

// Close releases the underlying provider. Idempotent.
func (s *Service) Close() error { return s.client.Close() }

// EmbedBatch embeds passage texts, returning exactly one vector per input.
// A failed provider batch is replaced with zero vectors so callers
// (ingestion in particular) can continue; the failure is logged. When
// useCache is true, cached vectors are reused and fresh ones stored.
func (s *Service) EmbedBatch(ctx context.Context, texts []string, useCache bool) (*BatchResult, error) {
	return s.embed(ctx, texts, useCache, "passage")
}

func (s *Service) embed(ctx context.Context, texts []string, useCache bool, inputType string) (*BatchResult, error) {
	result := &BatchResult{
		Vectors:     make([][]float32, len(texts)),
		TokenCounts: make([]int, len(texts)),
		Model:       s.client.Model(),
		Dimension:   s.cfg.Dimension,
	}
	if len(texts) == 0 {
		return result, nil
	}

	maxChars := s.cfg.MaxTokens * 3 // conservative BPE ratio
	truncated := make([]string, len(texts))
	for i, t := range texts {
		truncated[i] = truncateAtBoundary(t, maxChars)
	}

	// Partition into cached and missed, preserving original positions.
	var missIdx []int
	for i, t := range truncated {
		if useCache {
			if vec, ok := s.cache.Get(t, s.client.Model()); ok {
				result.Vectors[i] = vec
				result.TokenCounts[i] = len(strings.Fields(t))
				continue
			}
		}
		missIdx = append(missIdx, i)
	}

	for start := 0; start < len(missIdx); start += s.cfg.BatchSize {
		end := start + s.cfg.BatchSize
		if end > len(missIdx) {
			end = len(missIdx)
		}
		idx := missIdx[start:end]
		batch := make([]string, len(idx))
		for j, i := range idx {
			batch[j] = truncated[i]
		}

		vectors, tokens, err := s.client.Embed(ctx, batch, inputType)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			slog.Warn("embed: batch failed, substituting zero vectors",
				"batch_size", len(batch), "error", err)
			for j, i := range idx {
				result.Vectors[i] = make([]float32, s.cfg.Dimension)
				result.TokenCounts[i] = len(strings.Fields(batch[j]))
			}
			continue
		}

		for j, i := range idx {
			var vec []float32
			if j < len(vectors) && len(vectors[j]) > 0 {
				vec = vectors[j]
			} else {
				vec = make([]float32, s.cfg.Dimension)
			}
			if s.cfg.Normalize {
				normalizeL2(vec)
			}
			result.Vectors[i] = vec
			if j < len(tokens) && tokens[j] > 0 {
				result.TokenCounts[i] = tokens[j]
			} else {
				result.TokenCounts[i] = len(strings.Fields(batch[j]))
			}
			if useCache {
				s.cache.Set(truncated[i], s.client.Model(), vec)
			}
		}
	}

	return result, nil
}

// EmbedQuery embeds a single query text, using the cache.
func (s *Service) EmbedQuery(ctx context.Context, query string) ([]float32, error) {
	res, err := s.embed(ctx, []string{query}, true, "query")
	if err != nil {
		return nil, err
	}
	return res.Vectors[0], nil
}

// normalizeL2 scales vec to unit Euclidean norm in place. Zero vectors are
// preserved as zero.
func normalizeL2(vec []float32) {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return
	}
	norm := float32(math.Sqrt(sum))
	for i := range vec {
		vec[i] /= norm
	}
}

// truncateAtBoundary cuts text to at most maxChars, preferring a trailing
// whitespace boundary within the last 10% of the kept prefix.
func truncateAtBoundary(text string, maxChars int) string {
	if maxChars <= 0 || len(text) <= maxChars {
		return text
	}
	cut := text[:maxChars]
	if idx := strings.LastIndex(cut, " "); idx > int(float64(maxChars)*0.9) {
		cut = cut[:idx]
	}
	return cut
}
