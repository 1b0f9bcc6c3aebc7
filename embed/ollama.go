package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ollamaClient is the local embedding provider, using Ollama's native
// /api/embed endpoint for batched embeddings.
type ollamaClient struct {
	baseURL string
	model   string
	dim     int
	client  *http.Client
}

func newOllamaClient(cfg Config) (*ollamaClient, error) {
	baseURL := cfg.LocalBaseURL
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	model := cfg.LocalModel
	if model == "" {
		model = "nomic-embed-text"
	}
	return &ollamaClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		model:   model,
		dim:     cfg.Dimension,
		client:  &http.Client{Timeout: 30 * time.Second},
	}, nil
}

func (c *ollamaClient) Model() string  { return c.model }
func (c *ollamaClient) Dimension() int { return c.dim }

func (c *ollamaClient) Close() error {
	c.client.CloseIdleConnections()
	return nil
}

type ollamaEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type ollamaEmbedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

func (c *ollamaClient) Embed(ctx context.Context, texts []string, inputType string) ([][]float32, []int, error) {
	body, err := json.Marshal(ollamaEmbedRequest{Model: c.model, Input: texts})
	if err != nil {
		return nil, nil, err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/api/embed", bytes.NewReader(body))
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("ollama embed request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("reading ollama response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, nil, fmt.Errorf("ollama embed error %d: %s", resp.StatusCode, string(respBody))
	}

	var embedResp ollamaEmbedResponse
	if err := json.Unmarshal(respBody, &embedResp); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrUnexpectedShape, err)
	}
	if len(embedResp.Embeddings) == 0 {
		return nil, nil, fmt.Errorf("%w: no embeddings field", ErrUnexpectedShape)
	}

	vectors := make([][]float32, len(texts))
	tokens := make([]int, len(texts))
	for i := range texts {
		if i < len(embedResp.Embeddings) {
			vectors[i] = embedResp.Embeddings[i]
		} else {
			vectors[i] = make([]float32, c.dim)
		}
		tokens[i] = len(strings.Fields(texts[i]))
	}
	return vectors, tokens, nil
}
