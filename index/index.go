// Package index persists chunk embeddings and answers k-nearest-neighbor
// queries over pluggable backends.
package index

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/prana-labs/prana/chunker"
)

var (
	// ErrClosed is returned when operating on a closed index.
	ErrClosed = errors.New("index: closed")

	// ErrUnknownBackend is returned for unrecognized backend names.
	ErrUnknownBackend = errors.New("index: unknown backend")
)

// Result is one ranked hit from a vector search.
type Result struct {
	ChunkID  string            `json:"chunk_id"`
	Score    float64           `json:"score"`
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata"`
}

// Stats summarises a collection.
type Stats struct {
	Count     int    `json:"count"`
	Dimension int    `json:"dimension"`
	Backend   string `json:"backend"`
}

// Index is the capability interface implemented by vector index backends.
// A collection holds exactly one vector dimension for its lifetime; a
// search or upsert with a different dimension drops and recreates the
// collection at the new dimension.
type Index interface {
	// Initialize prepares the backend. Safe against concurrent first use.
	Initialize(ctx context.Context) error

	// Upsert stores chunks with their embeddings. Returns the number of
	// vectors written.
	Upsert(ctx context.Context, chunks []chunker.Chunk, embeddings [][]float32) (int, error)

	// Search returns up to k results by cosine similarity, scores
	// monotonically non-increasing. filter, when non-nil, is an equality
	// conjunction over flattened metadata.
	Search(ctx context.Context, vector []float32, k int, filter map[string]string) ([]Result, error)

	// Delete removes chunks by id, returning the number removed.
	Delete(ctx context.Context, ids []string) (int, error)

	Stats(ctx context.Context) (*Stats, error)

	// Close releases the backend. Idempotent.
	Close() error
}

// Config selects and configures a backend.
type Config struct {
	Backend string // "sqlite" or "pinecone"

	// Embedded backend.
	PersistDirectory string
	CollectionName   string

	// Remote backend.
	PineconeAPIKey    string
	PineconeIndexHost string
	PineconeNamespace string

	Dimension int
}

// New constructs the configured backend.
func New(cfg Config) (Index, error) {
	switch cfg.Backend {
	case "sqlite", "":
		return newSQLiteIndex(cfg)
	case "pinecone":
		return newPineconeIndex(cfg)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownBackend, cfg.Backend)
	}
}

// upsertBatchSize bounds how many vectors each backend write carries.
const upsertBatchSize = 100

// flattenMetadata converts chunk fields to the flat string map stored
// alongside each vector. Nested structures are not permitted; timestamps
// serialize as ISO-8601.
func flattenMetadata(ch chunker.Chunk) map[string]string {
	return map[string]string{
		"document_id": ch.DocumentID,
		"chunk_index": strconv.Itoa(ch.Index),
		"source":      ch.Source,
		"category":    string(ch.Category),
		"tokens":      strconv.Itoa(ch.Tokens),
		"created_at":  ch.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// matchesFilter reports whether metadata satisfies every key/value pair in
// the filter.
func matchesFilter(metadata, filter map[string]string) bool {
	for k, v := range filter {
		if metadata[k] != v {
			return false
		}
	}
	return true
}
