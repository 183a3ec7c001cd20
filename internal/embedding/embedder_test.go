package embedding

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	assert.Equal(t, "chaos and dynamic systems",
		Normalize("  Chaos   AND\tDynamic\nSystems "))
	assert.Equal(t, "", Normalize("   "))
}

func TestCacheKeyStableUnderNormalization(t *testing.T) {
	assert.Equal(t, CacheKey("Chaos  Theory"), CacheKey("chaos theory"))
	assert.NotEqual(t, CacheKey("chaos"), CacheKey("order"))
	assert.Len(t, CacheKey("x"), 64)
}

func TestOpenAIProviderEmbedsAndCaches(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		require.Equal(t, "/embeddings", r.URL.Path)
		require.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "chaos theory", req["input"], "input must be normalized")

		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{{"embedding": []float64{0.1, 0.2, 0.3}}},
		})
	}))
	defer server.Close()

	provider, err := NewOpenAIProvider(Config{APIKey: "sk-test", BaseURL: server.URL})
	require.NoError(t, err)

	v1, err := provider.Embed(context.Background(), "Chaos  Theory")
	require.NoError(t, err)
	assert.Equal(t, []float64{0.1, 0.2, 0.3}, v1)

	// Differently-cased input hits the cache.
	_, err = provider.Embed(context.Background(), "chaos theory")
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestOpenAIProviderSurfacesAPIFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":"rate limited"}`, http.StatusTooManyRequests)
	}))
	defer server.Close()

	provider, err := NewOpenAIProvider(Config{APIKey: "sk-test", BaseURL: server.URL})
	require.NoError(t, err)

	_, err = provider.Embed(context.Background(), "anything")
	require.Error(t, err)
}

// stubProvider returns fixed vectors per text, or an error.
type stubProvider struct {
	vectors map[string][]float64
	err     error
}

func (s *stubProvider) Embed(_ context.Context, text string) ([]float64, error) {
	if s.err != nil {
		return nil, s.err
	}
	v, ok := s.vectors[Normalize(text)]
	if !ok {
		return nil, errors.New("unknown text")
	}
	return v, nil
}

func TestServiceSimilarityUsesProvider(t *testing.T) {
	svc := NewService(&stubProvider{vectors: map[string][]float64{
		"alpha": {1, 0},
		"beta":  {1, 0},
		"gamma": {0, 1},
	}}, nil)

	assert.InDelta(t, 1.0, svc.Similarity(context.Background(), "alpha", "beta"), 1e-9)
	assert.InDelta(t, 0.0, svc.Similarity(context.Background(), "alpha", "gamma"), 1e-9)
}

func TestServiceFallsBackToDice(t *testing.T) {
	svc := NewService(&stubProvider{err: errors.New("provider down")}, nil)

	score := svc.Similarity(context.Background(), "the sky is blue", "the sky is blue")
	assert.InDelta(t, 1.0, score, 1e-9)

	score = svc.Similarity(context.Background(), "night", "completely different words")
	assert.Less(t, score, 0.5)
}

func TestBatchSimilaritiesPreservesOrder(t *testing.T) {
	svc := NewService(nil, nil)

	texts := []string{"the sky is blue", "oceans are deep", "the sky is blue today"}
	results := svc.BatchSimilarities(context.Background(), "the sky is blue", texts)
	require.Len(t, results, 3)
	for i, r := range results {
		assert.Equal(t, texts[i], r.Text)
	}
	assert.InDelta(t, 1.0, results[0].Score, 1e-9)
	assert.Greater(t, results[2].Score, results[1].Score)
}

func TestDiceSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, DiceSimilarity("Sky", "sky"), 1e-9)
	assert.Equal(t, 0.0, DiceSimilarity("", ""))
	assert.Equal(t, 0.0, DiceSimilarity("a", "b"))
	// Near-duplicates score above the redundancy threshold ballpark.
	assert.Greater(t, DiceSimilarity("the sky is blue", "the sky is blue."), 0.85)
}
