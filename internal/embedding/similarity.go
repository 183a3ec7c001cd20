package embedding

import (
	"context"

	"marduk/internal/logging"
	"marduk/internal/tensor"
)

// Scored pairs a candidate text with its similarity to the query.
type Scored struct {
	Text  string
	Score float64
}

// Service wraps a Provider with cosine similarity and the string-based
// fallback used when the provider is unavailable.
type Service struct {
	provider Provider
	logger   logging.Logger
}

// NewService builds a similarity service. A nil provider always uses the
// string fallback.
func NewService(provider Provider, logger logging.Logger) *Service {
	return &Service{provider: provider, logger: logging.OrNop(logger)}
}

// Similarity returns the cosine similarity of the two texts' embeddings,
// clamped to [0,1]. Provider failures fall back to bigram similarity.
func (s *Service) Similarity(ctx context.Context, a, b string) float64 {
	if s.provider != nil {
		va, errA := s.provider.Embed(ctx, a)
		vb, errB := s.provider.Embed(ctx, b)
		if errA == nil && errB == nil {
			return tensor.Cosine(va, vb)
		}
		s.logger.Debug("embedding unavailable, using string similarity: %v %v", errA, errB)
	}
	return DiceSimilarity(a, b)
}

// BatchSimilarities scores every candidate against the query, preserving
// input order.
func (s *Service) BatchSimilarities(ctx context.Context, query string, texts []string) []Scored {
	results := make([]Scored, 0, len(texts))

	if s.provider != nil {
		if qv, err := s.provider.Embed(ctx, query); err == nil {
			usable := true
			for _, text := range texts {
				tv, err := s.provider.Embed(ctx, text)
				if err != nil {
					usable = false
					break
				}
				results = append(results, Scored{Text: text, Score: tensor.Cosine(qv, tv)})
			}
			if usable {
				return results
			}
			results = results[:0]
		}
	}

	for _, text := range texts {
		results = append(results, Scored{Text: text, Score: DiceSimilarity(query, text)})
	}
	return results
}

// DiceSimilarity computes the Sørensen–Dice coefficient over character
// bigrams of the normalized texts.
func DiceSimilarity(a, b string) float64 {
	a, b = Normalize(a), Normalize(b)
	if a == b {
		if a == "" {
			return 0
		}
		return 1
	}
	if len(a) < 2 || len(b) < 2 {
		return 0
	}

	bigrams := make(map[string]int)
	for i := 0; i < len(a)-1; i++ {
		bigrams[a[i:i+2]]++
	}
	var overlap int
	for i := 0; i < len(b)-1; i++ {
		bg := b[i : i+2]
		if bigrams[bg] > 0 {
			bigrams[bg]--
			overlap++
		}
	}
	return tensor.Clamp01(2 * float64(overlap) / float64(len(a)-1+len(b)-1))
}
