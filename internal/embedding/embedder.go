// Package embedding produces text embeddings for vector similarity ranking.
// The provider is an external collaborator (OpenAI embeddings API); all
// similarity math degrades to string-based bigram similarity when it fails.
package embedding

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"marduk/internal/mardukerr"
	"marduk/internal/tensor"
)

// Provider generates an embedding vector for a text.
type Provider interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

// Config holds embedding provider configuration.
type Config struct {
	APIKey    string
	Model     string // default "text-embedding-3-small"
	BaseURL   string // default OpenAI
	CacheSize int    // LRU cache size, default 10000
	Timeout   time.Duration
}

// openaiProvider implements Provider against the OpenAI embeddings API with an
// LRU cache keyed by SHA-256 of the normalized text.
type openaiProvider struct {
	config     Config
	httpClient *http.Client
	cache      *lru.Cache[string, []float64]
}

// NewOpenAIProvider creates the production embedding provider.
func NewOpenAIProvider(config Config) (Provider, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("embedding provider requires an API key")
	}
	if config.Model == "" {
		config.Model = "text-embedding-3-small"
	}
	if config.BaseURL == "" {
		config.BaseURL = "https://api.openai.com/v1"
	}
	if config.CacheSize == 0 {
		config.CacheSize = 10000
	}
	if config.Timeout == 0 {
		config.Timeout = 60 * time.Second
	}

	cache, err := lru.New[string, []float64](config.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("create embedding cache: %w", err)
	}

	return &openaiProvider{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		cache:      cache,
	}, nil
}

// Normalize collapses whitespace and lowercases ASCII letters. The normalized
// form feeds both the cache key and the request body.
func Normalize(text string) string {
	fields := strings.Fields(text)
	joined := strings.Join(fields, " ")
	var b strings.Builder
	b.Grow(len(joined))
	for _, r := range joined {
		if r >= 'A' && r <= 'Z' {
			r += 'a' - 'A'
		}
		b.WriteRune(r)
	}
	return b.String()
}

// CacheKey returns the SHA-256 hex digest of the normalized text.
func CacheKey(text string) string {
	sum := sha256.Sum256([]byte(Normalize(text)))
	return hex.EncodeToString(sum[:])
}

func (p *openaiProvider) Embed(ctx context.Context, text string) ([]float64, error) {
	key := CacheKey(text)
	if cached, ok := p.cache.Get(key); ok {
		return cached, nil
	}

	body, err := json.Marshal(map[string]any{
		"model": p.config.Model,
		"input": Normalize(text),
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.config.BaseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.config.APIKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, mardukerr.NewAPIError(
			fmt.Sprintf("embedding request failed: %s", strings.TrimSpace(string(payload))),
			resp.StatusCode, nil)
	}

	var parsed struct {
		Data []struct {
			Embedding []float64 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode embedding response: %w", err)
	}
	if len(parsed.Data) == 0 {
		return nil, fmt.Errorf("embedding response contained no vectors")
	}

	vector := parsed.Data[0].Embedding
	if !tensor.IsFinite(vector) {
		return nil, fmt.Errorf("embedding response contained non-finite values")
	}

	p.cache.Add(key, vector)
	return vector, nil
}
