// Package retrieval turns a query string into ranked, hydrated chunks by
// embedding the query and searching the vector index.
package retrieval

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/prana-labs/prana/chunker"
	"github.com/prana-labs/prana/index"
)

// Embedder is the slice of the embedding service the engine needs.
type Embedder interface {
	EmbedQuery(ctx context.Context, query string) ([]float32, error)
}

// Searcher is the slice of the vector index the engine needs.
type Searcher interface {
	Initialize(ctx context.Context) error
	Search(ctx context.Context, vector []float32, k int, filter map[string]string) ([]index.Result, error)
}

// Config holds retrieval engine configuration.
type Config struct {
	MaxResults    int
	MinSimilarity float64
}

// Result is one retrieved chunk with its similarity score and 1-based rank.
type Result struct {
	Chunk           chunker.Chunk `json:"chunk"`
	SimilarityScore float64       `json:"similarity_score"`
	RelevanceRank   int           `json:"relevance_rank"`
}

// Engine performs dense retrieval over the vector index.
type Engine struct {
	embedder Embedder
	index    Searcher
	cfg      Config
	now      func() time.Time
}

// New creates a retrieval engine.
func New(embedder Embedder, idx Searcher, cfg Config) *Engine {
	if cfg.MaxResults == 0 {
		cfg.MaxResults = 5
	}
	return &Engine{embedder: embedder, index: idx, cfg: cfg, now: time.Now}
}

// Search embeds the query, runs a k-NN search, filters by minSimilarity,
// and hydrates the hits into chunks with 1-based relevance ranks.
//
// Retrieval failures never propagate: an embedding or index error yields an
// empty result set so the request path can continue with no context. Only
// context cancellation is returned.
func (e *Engine) Search(ctx context.Context, query string, maxResults int, minSimilarity float64) ([]Result, error) {
	if maxResults <= 0 {
		maxResults = e.cfg.MaxResults
	}
	if minSimilarity <= 0 {
		minSimilarity = e.cfg.MinSimilarity
	}

	start := time.Now()

	if err := e.index.Initialize(ctx); err != nil {
		slog.Warn("retrieval: index initialization failed", "error", err)
		return []Result{}, ctx.Err()
	}

	vec, err := e.embedder.EmbedQuery(ctx, query)
	if err != nil {
		if ctx.Err() != nil {
			return []Result{}, ctx.Err()
		}
		slog.Warn("retrieval: query embedding failed", "error", err)
		return []Result{}, nil
	}

	hits, err := e.index.Search(ctx, vec, maxResults, nil)
	if err != nil {
		if ctx.Err() != nil {
			return []Result{}, ctx.Err()
		}
		slog.Warn("retrieval: index search failed", "error", err)
		return []Result{}, nil
	}

	// Hits arrive in score order; keep backend order on exact ties.
	results := make([]Result, 0, len(hits))
	for _, h := range hits {
		if h.Score < minSimilarity {
			continue
		}
		results = append(results, Result{
			Chunk:           e.hydrate(h),
			SimilarityScore: h.Score,
			RelevanceRank:   len(results) + 1,
		})
	}

	slog.Debug("retrieval: search complete",
		"query_len", len(query), "hits", len(hits), "kept", len(results),
		"min_similarity", minSimilarity,
		"elapsed", time.Since(start).Round(time.Millisecond))

	return results, nil
}

// hydrate rebuilds a chunk from an index hit, substituting defaults for
// missing or malformed metadata.
func (e *Engine) hydrate(h index.Result) chunker.Chunk {
	meta := h.Metadata
	if meta == nil {
		meta = map[string]string{}
	}

	idx, err := strconv.Atoi(meta["chunk_index"])
	if err != nil {
		idx = 0
	}
	tokens, err := strconv.Atoi(meta["tokens"])
	if err != nil || tokens <= 0 {
		tokens = chunker.EstimateTokens(h.Content)
	}
	createdAt, err := time.Parse(time.RFC3339, meta["created_at"])
	if err != nil {
		createdAt = e.now().UTC()
	}

	return chunker.Chunk{
		ID:         h.ChunkID,
		DocumentID: meta["document_id"],
		Content:    h.Content,
		Tokens:     tokens,
		Index:      idx,
		Source:     meta["source"],
		Category:   chunker.ParseCategory(meta["category"]),
		CreatedAt:  createdAt,
	}
}
