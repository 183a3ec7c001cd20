package coordinator

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

var (
	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
)

// countTokens estimates the token count of text with the cl100k_base
// encoding. When the encoding tables are unavailable it falls back to a
// whitespace word count.
func countTokens(text string) int {
	encodingOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			encoding = enc
		}
	})
	if encoding != nil {
		return len(encoding.Encode(text, nil, nil))
	}
	return len(strings.Fields(text))
}

// responseConfidence scores a completion from its token economy and length.
// A response that is substantial relative to its prompt, and not trivially
// short, scores higher. Result is clamped to [0,1].
func responseConfidence(promptTokens, completionTokens int, response string) float64 {
	ratio := 0.0
	if promptTokens > 0 {
		ratio = float64(completionTokens) / float64(promptTokens)
		if ratio > 1 {
			ratio = 1
		}
	}
	length := float64(len(response)) / 500.0
	if length > 1 {
		length = 1
	}
	conf := 0.5 + 0.25*ratio + 0.25*length
	if conf < 0 {
		return 0
	}
	if conf > 1 {
		return 1
	}
	return conf
}
