package retrieval

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prana-labs/prana/index"
)

type fakeEmbedder struct {
	vec []float32
	err error
}

func (f *fakeEmbedder) EmbedQuery(ctx context.Context, query string) ([]float32, error) {
	return f.vec, f.err
}

type fakeIndex struct {
	hits      []index.Result
	searchErr error
	initErr   error
	searched  bool
	gotK      int
}

func (f *fakeIndex) Initialize(ctx context.Context) error { return f.initErr }

func (f *fakeIndex) Search(ctx context.Context, vector []float32, k int, filter map[string]string) ([]index.Result, error) {
	f.searched = true
	f.gotK = k
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	return f.hits, nil
}

func hit(id string, score float64, meta map[string]string) index.Result {
	return index.Result{ChunkID: id, Score: score, Content: "content of " + id, Metadata: meta}
}

func TestSearchRanksAndFilters(t *testing.T) {
	idx := &fakeIndex{hits: []index.Result{
		hit("a", 0.95, map[string]string{"category": "yoga", "chunk_index": "2", "tokens": "40",
			"document_id": "d1", "source": "poses.txt", "created_at": "2025-06-01T00:00:00Z"}),
		hit("b", 0.80, nil),
		hit("c", 0.30, nil), // below threshold
	}}
	eng := New(&fakeEmbedder{vec: []float32{1, 0}}, idx, Config{})

	results, err := eng.Search(context.Background(), "mountain pose", 5, 0.5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2 after threshold", len(results))
	}
	if idx.gotK != 5 {
		t.Errorf("search k = %d, want 5", idx.gotK)
	}

	first := results[0]
	if first.Chunk.ID != "a" || first.RelevanceRank != 1 || first.SimilarityScore != 0.95 {
		t.Errorf("rank 1 = %+v", first)
	}
	if results[1].RelevanceRank != 2 {
		t.Errorf("rank 2 = %d", results[1].RelevanceRank)
	}

	// Full metadata hydrates faithfully.
	if first.Chunk.Index != 2 || first.Chunk.Tokens != 40 || first.Chunk.DocumentID != "d1" {
		t.Errorf("hydrated chunk = %+v", first.Chunk)
	}
	if first.Chunk.CreatedAt != time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC) {
		t.Errorf("created_at = %v", first.Chunk.CreatedAt)
	}
}

func TestSearchHydrationDefaults(t *testing.T) {
	idx := &fakeIndex{hits: []index.Result{hit("bare", 0.9, map[string]string{
		"category":   "not-a-category",
		"created_at": "garbage",
	})}}
	eng := New(&fakeEmbedder{vec: []float32{1}}, idx, Config{})
	fixed := time.Date(2025, 7, 1, 12, 0, 0, 0, time.UTC)
	eng.now = func() time.Time { return fixed }

	results, err := eng.Search(context.Background(), "q", 3, 0.1)
	if err != nil {
		t.Fatal(err)
	}
	ch := results[0].Chunk
	if ch.Category != "wellness" {
		t.Errorf("category = %q, want wellness default", ch.Category)
	}
	if ch.Index != 0 {
		t.Errorf("chunk index = %d, want 0 default", ch.Index)
	}
	if ch.Tokens <= 0 {
		t.Errorf("tokens = %d, want estimated from content", ch.Tokens)
	}
	if ch.CreatedAt != fixed {
		t.Errorf("created_at = %v, want current time default", ch.CreatedAt)
	}
}

func TestSearchEmbeddingFailureYieldsEmpty(t *testing.T) {
	idx := &fakeIndex{}
	eng := New(&fakeEmbedder{err: errors.New("provider down")}, idx, Config{})

	results, err := eng.Search(context.Background(), "q", 5, 0.5)
	if err != nil {
		t.Fatalf("embedding failure propagated: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("got %d results, want 0", len(results))
	}
	if idx.searched {
		t.Error("index searched despite embedding failure")
	}
}

func TestSearchIndexFailureYieldsEmpty(t *testing.T) {
	idx := &fakeIndex{searchErr: errors.New("index corrupt")}
	eng := New(&fakeEmbedder{vec: []float32{1}}, idx, Config{})

	results, err := eng.Search(context.Background(), "q", 5, 0.5)
	if err != nil {
		t.Fatalf("index failure propagated: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("got %d results, want 0", len(results))
	}
}

func TestSearchCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	eng := New(&fakeEmbedder{err: ctx.Err()}, &fakeIndex{}, Config{})
	_, err := eng.Search(ctx, "q", 5, 0.5)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestSearchDefaultsFromConfig(t *testing.T) {
	idx := &fakeIndex{hits: []index.Result{hit("a", 0.9, nil), hit("b", 0.2, nil)}}
	eng := New(&fakeEmbedder{vec: []float32{1}}, idx, Config{MaxResults: 7, MinSimilarity: 0.5})

	results, err := eng.Search(context.Background(), "q", 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if idx.gotK != 7 {
		t.Errorf("k = %d, want config default 7", idx.gotK)
	}
	if len(results) != 1 {
		t.Errorf("got %d results, want 1 after config threshold", len(results))
	}
}
