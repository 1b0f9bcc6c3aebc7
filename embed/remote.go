package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// remoteClient talks to an NVIDIA-compatible embedding endpoint.
type remoteClient struct {
	baseURL string
	apiKey  string
	model   string
	dim     int
	client  *http.Client

	connectOnce sync.Once
	connected   atomic.Bool
}

func newRemoteClient(cfg Config) (*remoteClient, error) {
	if cfg.RemoteAPIKey == "" {
		return nil, fmt.Errorf("remote embedding API key is required")
	}
	model := cfg.RemoteModel
	if model == "" {
		model = "nvidia/nv-embedqa-e5-v5"
	}
	return &remoteClient{
		baseURL: strings.TrimSuffix(cfg.RemoteBaseURL, "/"),
		apiKey:  cfg.RemoteAPIKey,
		model:   model,
		dim:     cfg.Dimension,
		client:  &http.Client{Timeout: 30 * time.Second},
	}, nil
}

func (c *remoteClient) Model() string  { return c.model }
func (c *remoteClient) Dimension() int { return c.dim }

func (c *remoteClient) Close() error {
	c.client.CloseIdleConnections()
	return nil
}

type remoteEmbedRequest struct {
	Model     string   `json:"model"`
	Input     []string `json:"input"`
	InputType string   `json:"input_type"`
}

// remoteEmbedResponse covers both response shapes observed in the wild:
// {"data": [{"embedding": [...], "usage": {...}}]} and
// {"embeddings": [[...], ...]}.
type remoteEmbedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
		Usage     struct {
			TotalTokens int `json:"total_tokens"`
		} `json:"usage"`
	} `json:"data"`
	Embeddings [][]float32 `json:"embeddings"`
}

func (c *remoteClient) Embed(ctx context.Context, texts []string, inputType string) ([][]float32, []int, error) {
	body, err := json.Marshal(remoteEmbedRequest{
		Model:     c.model,
		Input:     texts,
		InputType: inputType,
	})
	if err != nil {
		return nil, nil, err
	}

	respBody, err := c.post(ctx, body)
	if err != nil {
		return nil, nil, err
	}

	var resp remoteEmbedResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrUnexpectedShape, err)
	}

	vectors := make([][]float32, len(texts))
	tokens := make([]int, len(texts))

	switch {
	case len(resp.Data) > 0:
		for i, d := range resp.Data {
			if i >= len(texts) {
				break
			}
			vectors[i] = d.Embedding
			if d.Usage.TotalTokens > 0 {
				tokens[i] = d.Usage.TotalTokens
			} else {
				tokens[i] = len(strings.Fields(texts[i]))
			}
		}
	case len(resp.Embeddings) > 0:
		for i, e := range resp.Embeddings {
			if i >= len(texts) {
				break
			}
			vectors[i] = e
			tokens[i] = len(strings.Fields(texts[i]))
		}
	default:
		return nil, nil, fmt.Errorf("%w: no data or embeddings field", ErrUnexpectedShape)
	}

	// Pad any positions the backend left unfilled so the count contract
	// (one vector per input) holds.
	for i := range vectors {
		if vectors[i] == nil {
			vectors[i] = make([]float32, c.dim)
			tokens[i] = len(strings.Fields(texts[i]))
		}
	}

	return vectors, tokens, nil
}

// post sends the request. Connection setup is retried once on first use per
// client lifetime; after that, transport errors surface to the caller.
func (c *remoteClient) post(ctx context.Context, body []byte) ([]byte, error) {
	respBody, err := c.doPost(ctx, body)
	if err != nil && ctx.Err() == nil {
		retry := false
		c.connectOnce.Do(func() { retry = true })
		if retry && !c.connected.Load() {
			respBody, err = c.doPost(ctx, body)
		}
	}
	if err == nil {
		c.connected.Store(true)
	}
	return respBody, err
}

func (c *remoteClient) doPost(ctx context.Context, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading embedding response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embedding API error %d: %s", resp.StatusCode, string(respBody))
	}
	return respBody, nil
}
