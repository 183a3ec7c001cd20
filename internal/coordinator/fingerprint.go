package coordinator

import (
	"sort"
	"strings"
)

// fingerprintPrefix marks cache keys derived from queries.
const fingerprintPrefix = "query:"

// maxFingerprintTokens bounds the significant-token prefix of the key.
const maxFingerprintTokens = 6

// Fingerprint derives the cache key for a query: lowercase and trim, keep
// tokens longer than three characters, and join the first six sorted unique
// survivors. Queries with no significant tokens fall back to the first fifty
// characters of the normalized input, so an empty query maps to the bare
// prefix and is never cached.
func Fingerprint(query string) string {
	normalized := strings.ToLower(strings.TrimSpace(query))

	seen := make(map[string]bool)
	var tokens []string
	for _, token := range strings.Fields(normalized) {
		if len(token) <= 3 || seen[token] {
			continue
		}
		seen[token] = true
		tokens = append(tokens, token)
	}

	if len(tokens) == 0 {
		if len(normalized) > 50 {
			normalized = normalized[:50]
		}
		return fingerprintPrefix + normalized
	}

	sort.Strings(tokens)
	if len(tokens) > maxFingerprintTokens {
		tokens = tokens[:maxFingerprintTokens]
	}
	return fingerprintPrefix + strings.Join(tokens, " ")
}

// queryTerms returns the significant tokens of a query for cache bookkeeping.
func queryTerms(query string) []string {
	normalized := strings.ToLower(strings.TrimSpace(query))
	seen := make(map[string]bool)
	var tokens []string
	for _, token := range strings.Fields(normalized) {
		if len(token) <= 3 || seen[token] {
			continue
		}
		seen[token] = true
		tokens = append(tokens, token)
	}
	return tokens
}
