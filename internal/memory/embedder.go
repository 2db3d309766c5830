package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/stellarlinkco/mimic/internal/config"
)

const (
	EmbeddingProviderAPI    = "api"
	EmbeddingProviderOpenAI = "openai"
	EmbeddingProviderOllama = "ollama"
	EmbeddingProviderHash   = "hash"

	defaultOllamaEmbeddingBaseURL = "http://127.0.0.1:11434"
)

type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// NewEmbedder picks the configured provider. With no provider and no API key
// it returns the local HashEmbedder so ingestion keeps working offline.
func NewEmbedder(cfg *config.Config) (Embedder, error) {
	ec := cfg.Embedding
	apiKey := firstNonEmptyTrimmed(ec.APIKey, cfg.Provider.APIKey)
	provider := strings.ToLower(strings.TrimSpace(ec.Provider))
	if provider == "" {
		if apiKey == "" {
			provider = EmbeddingProviderHash
		} else {
			provider = EmbeddingProviderOpenAI
		}
	}

	switch provider {
	case EmbeddingProviderHash:
		return NewHashEmbedder(ec.Dimension), nil
	case EmbeddingProviderOpenAI:
		return NewOpenAIEmbedder(OpenAIEmbedderConfig{
			APIKey:    apiKey,
			BaseURL:   strings.TrimSpace(ec.BaseURL),
			Model:     ec.Model,
			Dimension: ec.Dimension,
			Timeout:   time.Duration(ec.TimeoutMs) * time.Millisecond,
		})
	case EmbeddingProviderAPI, EmbeddingProviderOllama:
		return NewHTTPEmbedder(HTTPEmbedderConfig{
			Provider:  provider,
			BaseURL:   firstNonEmptyTrimmed(ec.BaseURL, cfg.Provider.BaseURL),
			APIKey:    apiKey,
			Model:     ec.Model,
			Dimension: ec.Dimension,
			BatchSize: ec.BatchSize,
			Timeout:   time.Duration(ec.TimeoutMs) * time.Millisecond,
		}), nil
	default:
		return nil, fmt.Errorf("unsupported embedding provider: %s", provider)
	}
}

type HTTPEmbedderConfig struct {
	Provider  string
	BaseURL   string
	APIKey    string
	Model     string
	Dimension int
	BatchSize int
	Timeout   time.Duration
}

// HTTPEmbedder talks to an OpenAI-compatible /v1/embeddings endpoint,
// including Ollama's.
type HTTPEmbedder struct {
	provider    string
	baseURL     string
	apiKey      string
	model       string
	expectedDim int
	batchSize   int
	httpClient  *http.Client
}

type embeddingRequest struct {
	Model string `json:"model"`
	Input any    `json:"input"`
}

type embeddingResponse struct {
	Data []embeddingData `json:"data"`
}

type embeddingData struct {
	Index     int       `json:"index"`
	Embedding []float32 `json:"embedding"`
}

func NewHTTPEmbedder(cfg HTTPEmbedderConfig) *HTTPEmbedder {
	e := &HTTPEmbedder{
		provider:    strings.ToLower(strings.TrimSpace(cfg.Provider)),
		baseURL:     strings.TrimSpace(cfg.BaseURL),
		apiKey:      strings.TrimSpace(cfg.APIKey),
		model:       strings.TrimSpace(cfg.Model),
		expectedDim: cfg.Dimension,
		batchSize:   cfg.BatchSize,
		httpClient:  &http.Client{Timeout: time.Duration(config.DefaultEmbeddingTimeout) * time.Millisecond},
	}
	if e.provider == "" {
		e.provider = EmbeddingProviderAPI
	}
	if e.batchSize <= 0 {
		e.batchSize = config.DefaultEmbeddingBatch
	}
	if cfg.Timeout > 0 {
		e.httpClient.Timeout = cfg.Timeout
	}
	if e.provider == EmbeddingProviderOllama && e.baseURL == "" {
		e.baseURL = defaultOllamaEmbeddingBaseURL
	}
	return e
}

func (e *HTTPEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil, fmt.Errorf("embed: empty text")
	}
	vectors, err := e.requestEmbeddings(ctx, trimmed, 1)
	if err != nil {
		return nil, fmt.Errorf("embed: %w", err)
	}
	return vectors[0], nil
}

func (e *HTTPEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	normalized, err := normalizeBatch(texts)
	if err != nil {
		return nil, err
	}

	vectors := make([][]float32, 0, len(normalized))
	for start := 0; start < len(normalized); start += e.batchSize {
		end := min(start+e.batchSize, len(normalized))
		chunk, err := e.requestEmbeddings(ctx, normalized[start:end], end-start)
		if err != nil {
			return nil, fmt.Errorf("embed batch: %w", err)
		}
		vectors = append(vectors, chunk...)
	}
	return vectors, nil
}

func (e *HTTPEmbedder) requestEmbeddings(ctx context.Context, input any, expectedCount int) ([][]float32, error) {
	if e.model == "" {
		return nil, fmt.Errorf("missing embedding model")
	}
	baseURL, err := e.resolveBaseURL()
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(embeddingRequest{Model: e.model, Input: input})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/v1/embeddings", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("embedding http %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var decoded embeddingResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return orderEmbeddings(decoded.Data, expectedCount, e.expectedDim)
}

func (e *HTTPEmbedder) resolveBaseURL() (string, error) {
	baseURL := strings.TrimRight(e.baseURL, "/")
	switch e.provider {
	case EmbeddingProviderAPI:
		if baseURL == "" {
			return "", fmt.Errorf("missing embedding base url")
		}
		if e.apiKey == "" {
			return "", fmt.Errorf("missing embedding api key")
		}
		return baseURL, nil
	case EmbeddingProviderOllama:
		return baseURL, nil
	default:
		return "", fmt.Errorf("unsupported embedding provider: %s", e.provider)
	}
}

// orderEmbeddings places each vector at its response index and checks that
// every slot is filled with vectors of one dimension.
func orderEmbeddings(data []embeddingData, expectedCount, expectedDim int) ([][]float32, error) {
	if len(data) != expectedCount {
		return nil, fmt.Errorf("response count mismatch: got %d want %d", len(data), expectedCount)
	}
	vectors := make([][]float32, expectedCount)
	dim := expectedDim
	for _, item := range data {
		if item.Index < 0 || item.Index >= expectedCount {
			return nil, fmt.Errorf("invalid embedding index %d", item.Index)
		}
		if vectors[item.Index] != nil {
			return nil, fmt.Errorf("duplicate embedding index %d", item.Index)
		}
		if len(item.Embedding) == 0 {
			return nil, fmt.Errorf("empty embedding vector at index %d", item.Index)
		}
		if dim == 0 {
			dim = len(item.Embedding)
		}
		if len(item.Embedding) != dim {
			return nil, fmt.Errorf("embedding dimension at index %d: got %d want %d", item.Index, len(item.Embedding), dim)
		}
		vectors[item.Index] = append([]float32(nil), item.Embedding...)
	}
	return vectors, nil
}

func normalizeBatch(texts []string) ([]string, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("embed batch: empty texts")
	}
	out := make([]string, len(texts))
	for i, text := range texts {
		trimmed := strings.TrimSpace(text)
		if trimmed == "" {
			return nil, fmt.Errorf("embed batch: empty text at index %d", i)
		}
		out[i] = trimmed
	}
	return out, nil
}

func firstNonEmptyTrimmed(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

// truncateRunes caps text at max runes; max <= 0 disables the cap.
func truncateRunes(text string, max int) string {
	if max <= 0 {
		return text
	}
	runes := []rune(text)
	if len(runes) <= max {
		return text
	}
	return string(runes[:max])
}
