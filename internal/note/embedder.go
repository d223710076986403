package note

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"investi/internal/logging"
)

// EmbedderConfig configures the OpenAI-compatible embedding client.
type EmbedderConfig struct {
	Model     string // default "text-embedding-3-small"
	APIKey    string
	BaseURL   string // default https://api.openai.com/v1
	CacheSize int    // default 4096
}

type openaiEmbedder struct {
	config     EmbedderConfig
	httpClient *http.Client
	cache      *lru.Cache[string, []float32]
	logger     logging.Logger
}

// NewOpenAIEmbedder creates an embedding client against any
// OpenAI-compatible endpoint. Repeated texts hit an in-process cache.
func NewOpenAIEmbedder(config EmbedderConfig, logger logging.Logger) (Embedder, error) {
	if config.Model == "" {
		config.Model = "text-embedding-3-small"
	}
	if config.BaseURL == "" {
		config.BaseURL = "https://api.openai.com/v1"
	}
	if config.CacheSize <= 0 {
		config.CacheSize = 4096
	}
	cache, err := lru.New[string, []float32](config.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("create embedding cache: %w", err)
	}
	return &openaiEmbedder{
		config:     config,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		cache:      cache,
		logger:     logging.OrNop(logger),
	}, nil
}

func (e *openaiEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if cached, ok := e.cache.Get(text); ok {
		return cached, nil
	}

	var embedding []float32
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		embedding, err = e.callAPI(ctx, text)
		if err == nil {
			break
		}
		if attempt < 2 {
			backoff := time.Duration(1<<attempt) * time.Second
			e.logger.Debug("Embedding attempt %d failed, retrying in %s: %v", attempt+1, backoff, err)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}
	}
	if err != nil {
		return nil, fmt.Errorf("embed after retries: %w", err)
	}

	e.cache.Add(text, embedding)
	return embedding, nil
}

func (e *openaiEmbedder) callAPI(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(map[string]any{
		"model": e.config.Model,
		"input": []string{text},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.config.BaseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.config.APIKey)

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("embeddings API error %d: %s", resp.StatusCode, string(bodyBytes))
	}

	var apiResp struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(apiResp.Data) == 0 {
		return nil, fmt.Errorf("embeddings API returned no data")
	}
	return apiResp.Data[0].Embedding, nil
}
