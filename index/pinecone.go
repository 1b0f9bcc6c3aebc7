package index

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prana-labs/prana/chunker"
)

// pineconeIndex is the remote managed backend, speaking the Pinecone data
// plane over HTTP.
type pineconeIndex struct {
	host      string
	apiKey    string
	namespace string
	client    *http.Client

	initOnce sync.Once
	initErr  error

	mu     sync.Mutex
	dim    int
	closed bool
}

func newPineconeIndex(cfg Config) (*pineconeIndex, error) {
	if cfg.PineconeAPIKey == "" {
		return nil, fmt.Errorf("index: pinecone API key is required")
	}
	if cfg.PineconeIndexHost == "" {
		return nil, fmt.Errorf("index: pinecone index host is required")
	}
	host := cfg.PineconeIndexHost
	if !strings.HasPrefix(host, "http") {
		host = "https://" + host
	}
	return &pineconeIndex{
		host:      strings.TrimSuffix(host, "/"),
		apiKey:    cfg.PineconeAPIKey,
		namespace: cfg.PineconeNamespace,
		client:    &http.Client{Timeout: 30 * time.Second},
		dim:       cfg.Dimension,
	}, nil
}

// Initialize verifies connectivity and records the index dimension.
func (p *pineconeIndex) Initialize(ctx context.Context) error {
	p.initOnce.Do(func() {
		stats, err := p.describeStats(ctx)
		if err != nil {
			p.initErr = fmt.Errorf("describing pinecone index: %w", err)
			return
		}
		if stats.Dimension > 0 {
			p.mu.Lock()
			p.dim = stats.Dimension
			p.mu.Unlock()
		}
	})
	return p.initErr
}

// ensureDimension applies the one-dimension policy to the remote backend.
// The data plane cannot recreate the index itself, so a mismatch clears
// the namespace and adopts the new dimension locally.
func (p *pineconeIndex) ensureDimension(ctx context.Context, d int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if d == p.dim || d == 0 {
		return nil
	}

	slog.Warn("index: dimension mismatch, clearing pinecone namespace",
		"namespace", p.namespace, "have", p.dim, "want", d)

	body := map[string]interface{}{"deleteAll": true}
	if p.namespace != "" {
		body["namespace"] = p.namespace
	}
	if _, err := p.post(ctx, "/vectors/delete", body); err != nil {
		return fmt.Errorf("clearing namespace: %w", err)
	}
	p.dim = d
	return nil
}

type pineconeVector struct {
	ID       string            `json:"id"`
	Values   []float32         `json:"values"`
	Metadata map[string]string `json:"metadata"`
}

func (p *pineconeIndex) Upsert(ctx context.Context, chunks []chunker.Chunk, embeddings [][]float32) (int, error) {
	if p.isClosed() {
		return 0, ErrClosed
	}
	if err := p.Initialize(ctx); err != nil {
		return 0, err
	}
	if len(chunks) != len(embeddings) {
		return 0, fmt.Errorf("index: %d chunks but %d embeddings", len(chunks), len(embeddings))
	}
	if len(chunks) == 0 {
		return 0, nil
	}
	if err := p.ensureDimension(ctx, len(embeddings[0])); err != nil {
		return 0, err
	}

	written := 0
	for start := 0; start < len(chunks); start += upsertBatchSize {
		end := start + upsertBatchSize
		if end > len(chunks) {
			end = len(chunks)
		}

		vectors := make([]pineconeVector, 0, end-start)
		for i := start; i < end; i++ {
			meta := flattenMetadata(chunks[i])
			// Chunk content rides along in metadata so search results
			// can be hydrated without a second store.
			meta["content"] = chunks[i].Content
			vectors = append(vectors, pineconeVector{
				ID:       chunks[i].ID,
				Values:   embeddings[i],
				Metadata: meta,
			})
		}

		body := map[string]interface{}{"vectors": vectors}
		if p.namespace != "" {
			body["namespace"] = p.namespace
		}
		respBody, err := p.post(ctx, "/vectors/upsert", body)
		if err != nil {
			return written, fmt.Errorf("pinecone upsert: %w", err)
		}

		var resp struct {
			UpsertedCount int `json:"upsertedCount"`
		}
		if err := json.Unmarshal(respBody, &resp); err == nil && resp.UpsertedCount > 0 {
			written += resp.UpsertedCount
		} else {
			written += len(vectors)
		}
	}
	return written, nil
}

func (p *pineconeIndex) Search(ctx context.Context, vector []float32, k int, filter map[string]string) ([]Result, error) {
	if p.isClosed() {
		return nil, ErrClosed
	}
	if err := p.Initialize(ctx); err != nil {
		return nil, err
	}
	if err := p.ensureDimension(ctx, len(vector)); err != nil {
		return nil, err
	}
	if k <= 0 {
		k = 5
	}

	body := map[string]interface{}{
		"vector":          vector,
		"topK":            k,
		"includeMetadata": true,
	}
	if p.namespace != "" {
		body["namespace"] = p.namespace
	}
	if len(filter) > 0 {
		// Pinecone equality conjunction: {"key": {"$eq": "value"}, ...}
		f := make(map[string]interface{}, len(filter))
		for key, val := range filter {
			f[key] = map[string]string{"$eq": val}
		}
		body["filter"] = f
	}

	respBody, err := p.post(ctx, "/query", body)
	if err != nil {
		return nil, fmt.Errorf("pinecone query: %w", err)
	}

	var resp struct {
		Matches []struct {
			ID       string            `json:"id"`
			Score    float64           `json:"score"`
			Metadata map[string]string `json:"metadata"`
		} `json:"matches"`
	}
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("decoding pinecone response: %w", err)
	}

	results := make([]Result, 0, len(resp.Matches))
	for _, m := range resp.Matches {
		meta := m.Metadata
		if meta == nil {
			meta = map[string]string{}
		}
		content := meta["content"]
		delete(meta, "content")
		results = append(results, Result{
			ChunkID:  m.ID,
			Score:    m.Score,
			Content:  content,
			Metadata: meta,
		})
	}
	return results, nil
}

func (p *pineconeIndex) Delete(ctx context.Context, ids []string) (int, error) {
	if p.isClosed() {
		return 0, ErrClosed
	}
	if err := p.Initialize(ctx); err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	body := map[string]interface{}{"ids": ids}
	if p.namespace != "" {
		body["namespace"] = p.namespace
	}
	if _, err := p.post(ctx, "/vectors/delete", body); err != nil {
		return 0, fmt.Errorf("pinecone delete: %w", err)
	}
	return len(ids), nil
}

func (p *pineconeIndex) Stats(ctx context.Context) (*Stats, error) {
	if p.isClosed() {
		return nil, ErrClosed
	}
	if err := p.Initialize(ctx); err != nil {
		return nil, err
	}
	return p.describeStats(ctx)
}

func (p *pineconeIndex) describeStats(ctx context.Context) (*Stats, error) {
	respBody, err := p.post(ctx, "/describe_index_stats", map[string]interface{}{})
	if err != nil {
		return nil, err
	}

	var resp struct {
		Dimension        int `json:"dimension"`
		TotalVectorCount int `json:"totalVectorCount"`
		Namespaces       map[string]struct {
			VectorCount int `json:"vectorCount"`
		} `json:"namespaces"`
	}
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("decoding stats response: %w", err)
	}

	count := resp.TotalVectorCount
	if p.namespace != "" {
		if ns, ok := resp.Namespaces[p.namespace]; ok {
			count = ns.VectorCount
		}
	}
	return &Stats{Count: count, Dimension: resp.Dimension, Backend: "pinecone"}, nil
}

func (p *pineconeIndex) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	p.client.CloseIdleConnections()
	return nil
}

func (p *pineconeIndex) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *pineconeIndex) post(ctx context.Context, path string, body interface{}) ([]byte, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", p.host+path, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Api-Key", p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request to %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("pinecone API error %d: %s", resp.StatusCode, string(respBody))
	}
	return respBody, nil
}
