//go:build cgo

package index

import (
	"context"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/prana-labs/prana/chunker"
)

func newTestIndex(t *testing.T, dim int) *sqliteIndex {
	t.Helper()
	idx, err := newSQLiteIndex(Config{
		PersistDirectory: t.TempDir(),
		CollectionName:   "test_chunks",
		Dimension:        dim,
	})
	if err != nil {
		t.Fatalf("creating index: %v", err)
	}
	t.Cleanup(func() { idx.Close() })
	if err := idx.Initialize(context.Background()); err != nil {
		t.Fatalf("initializing index: %v", err)
	}
	return idx
}

func testChunk(id int, content string, category chunker.Category) chunker.Chunk {
	return chunker.Chunk{
		ID:         fmt.Sprintf("doc1_chunk_%d", id),
		DocumentID: "doc1",
		Content:    content,
		Tokens:     chunker.EstimateTokens(content),
		Index:      id,
		Source:     "test.txt",
		Category:   category,
		CreatedAt:  time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
	}
}

// unit returns a unit vector of dimension 4 along the given axis.
func unit(axis int) []float32 {
	v := make([]float32, 4)
	v[axis] = 1
	return v
}

func TestUpsertAndSearch(t *testing.T) {
	idx := newTestIndex(t, 4)
	ctx := context.Background()

	chunks := []chunker.Chunk{
		testChunk(0, "Mountain pose is a standing posture.", chunker.CategoryYoga),
		testChunk(1, "Mindful breathing calms the nervous system.", chunker.CategoryMeditation),
		testChunk(2, "Leafy greens are rich in iron.", chunker.CategoryNutrition),
	}
	embeddings := [][]float32{unit(0), unit(1), unit(2)}

	n, err := idx.Upsert(ctx, chunks, embeddings)
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if n != 3 {
		t.Fatalf("upserted %d vectors, want 3", n)
	}

	results, err := idx.Search(ctx, unit(0), 3, nil)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) == 0 {
		t.Fatal("no results returned")
	}
	if results[0].ChunkID != "doc1_chunk_0" {
		t.Errorf("top result = %s, want doc1_chunk_0", results[0].ChunkID)
	}
	if math.Abs(results[0].Score-1.0) > 1e-3 {
		t.Errorf("top score = %f, want ~1.0 for identical vector", results[0].Score)
	}
	for i := 1; i < len(results); i++ {
		if results[i].Score > results[i-1].Score {
			t.Errorf("scores not non-increasing at rank %d: %f > %f",
				i, results[i].Score, results[i-1].Score)
		}
	}

	meta := results[0].Metadata
	if meta["category"] != "yoga" || meta["document_id"] != "doc1" || meta["chunk_index"] != "0" {
		t.Errorf("metadata not round-tripped: %v", meta)
	}
	if meta["created_at"] != "2025-06-01T00:00:00Z" {
		t.Errorf("created_at = %q, want ISO-8601", meta["created_at"])
	}
}

func TestUpsertOverwritesExisting(t *testing.T) {
	idx := newTestIndex(t, 4)
	ctx := context.Background()

	ch := testChunk(0, "Original content about stretching.", chunker.CategoryExercise)
	if _, err := idx.Upsert(ctx, []chunker.Chunk{ch}, [][]float32{unit(0)}); err != nil {
		t.Fatal(err)
	}

	ch.Content = "Updated content about stretching safely."
	if _, err := idx.Upsert(ctx, []chunker.Chunk{ch}, [][]float32{unit(1)}); err != nil {
		t.Fatal(err)
	}

	stats, err := idx.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Count != 1 {
		t.Errorf("count = %d after double upsert of same id, want 1", stats.Count)
	}

	// The replacement vector, not the original, answers the search.
	results, err := idx.Search(ctx, unit(1), 1, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 {
		t.Fatalf("results = %d, want 1", len(results))
	}
	if results[0].Content != ch.Content {
		t.Errorf("content not updated: %q", results[0].Content)
	}
	if results[0].Score < 0.99 {
		t.Errorf("score against replacement vector = %f, want ~1.0", results[0].Score)
	}
}

func TestSearchMetadataFilter(t *testing.T) {
	idx := newTestIndex(t, 4)
	ctx := context.Background()

	chunks := []chunker.Chunk{
		testChunk(0, "Warrior pose strengthens the legs.", chunker.CategoryYoga),
		testChunk(1, "Daily walks improve circulation.", chunker.CategoryExercise),
	}
	if _, err := idx.Upsert(ctx, chunks, [][]float32{unit(0), unit(0)}); err != nil {
		t.Fatal(err)
	}

	results, err := idx.Search(ctx, unit(0), 10, map[string]string{"category": "yoga"})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1 after category filter", len(results))
	}
	if results[0].Metadata["category"] != "yoga" {
		t.Errorf("filtered result has category %q", results[0].Metadata["category"])
	}
}

func TestDelete(t *testing.T) {
	idx := newTestIndex(t, 4)
	ctx := context.Background()

	chunks := []chunker.Chunk{
		testChunk(0, "First chunk about balance.", chunker.CategoryYoga),
		testChunk(1, "Second chunk about posture.", chunker.CategoryYoga),
	}
	if _, err := idx.Upsert(ctx, chunks, [][]float32{unit(0), unit(1)}); err != nil {
		t.Fatal(err)
	}

	n, err := idx.Delete(ctx, []string{"doc1_chunk_0", "missing_chunk"})
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if n != 1 {
		t.Errorf("deleted %d, want 1", n)
	}

	stats, _ := idx.Stats(ctx)
	if stats.Count != 1 {
		t.Errorf("count = %d after delete, want 1", stats.Count)
	}
}

func TestDimensionMismatchRecreatesCollection(t *testing.T) {
	idx := newTestIndex(t, 4)
	ctx := context.Background()

	ch := testChunk(0, "Content indexed at dimension four.", chunker.CategoryWellness)
	if _, err := idx.Upsert(ctx, []chunker.Chunk{ch}, [][]float32{unit(0)}); err != nil {
		t.Fatal(err)
	}

	// Query at a different dimension: the collection must be dropped and
	// recreated, and the query answered from the fresh (empty) collection.
	query8 := make([]float32, 8)
	query8[0] = 1
	results, err := idx.Search(ctx, query8, 5, nil)
	if err != nil {
		t.Fatalf("Search after mismatch: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("got %d results from recreated collection, want 0", len(results))
	}

	stats, err := idx.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Dimension != 8 {
		t.Errorf("dimension = %d after recreate, want 8", stats.Dimension)
	}
	if stats.Count != 0 {
		t.Errorf("count = %d after recreate, want 0", stats.Count)
	}

	// Upserts at the new dimension succeed.
	vec8 := make([]float32, 8)
	vec8[1] = 1
	if _, err := idx.Upsert(ctx, []chunker.Chunk{ch}, [][]float32{vec8}); err != nil {
		t.Fatalf("Upsert at new dimension: %v", err)
	}
}

func TestDimensionPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	first, err := newSQLiteIndex(Config{PersistDirectory: dir, CollectionName: "c", Dimension: 4})
	if err != nil {
		t.Fatal(err)
	}
	if err := first.Initialize(ctx); err != nil {
		t.Fatal(err)
	}
	first.Close()

	// Reopen with a different configured dimension: the recorded one wins.
	second, err := newSQLiteIndex(Config{PersistDirectory: dir, CollectionName: "c", Dimension: 16})
	if err != nil {
		t.Fatal(err)
	}
	defer second.Close()
	if err := second.Initialize(ctx); err != nil {
		t.Fatal(err)
	}

	stats, err := second.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Dimension != 4 {
		t.Errorf("dimension = %d after reopen, want recorded 4", stats.Dimension)
	}
}

func TestClosedIndex(t *testing.T) {
	idx := newTestIndex(t, 4)
	idx.Close()

	if _, err := idx.Search(context.Background(), unit(0), 5, nil); err != ErrClosed {
		t.Errorf("Search on closed index: err = %v, want ErrClosed", err)
	}
	if err := idx.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}
