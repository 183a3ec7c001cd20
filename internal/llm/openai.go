package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"marduk/internal/logging"
	"marduk/internal/mardukerr"
	"marduk/internal/memory"
)

// Config holds the OpenAI-compatible endpoint settings.
type Config struct {
	APIKey       string
	Model        string
	BaseURL      string
	Organization string
	Timeout      time.Duration
}

type openaiClient struct {
	model      string
	apiKey     string
	baseURL    string
	org        string
	httpClient *http.Client
	logger     logging.Logger
}

// NewOpenAIClient builds a client against the chat completions endpoint.
func NewOpenAIClient(cfg Config, logger logging.Logger) (Client, error) {
	if cfg.APIKey == "" {
		return nil, mardukerr.NewValidationError("llm config", "api key is required")
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4-1106-preview"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	return &openaiClient{
		model:      cfg.Model,
		apiKey:     cfg.APIKey,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		org:        cfg.Organization,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logging.OrNop(logger),
	}, nil
}

func (c *openaiClient) Model() string { return c.model }

func (c *openaiClient) Complete(ctx context.Context, req Request) (*Response, error) {
	payload := map[string]any{
		"model":    c.model,
		"messages": req.Messages,
	}
	if req.Temperature > 0 {
		payload["temperature"] = req.Temperature
	}
	if req.MaxTokens > 0 {
		payload["max_tokens"] = req.MaxTokens
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	endpoint := c.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	if c.org != "" {
		httpReq.Header.Set("OpenAI-Organization", c.org)
	}

	c.logger.Debug("POST %s model=%s messages=%d", endpoint, c.model, len(req.Messages))

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, mardukerr.NewAPIError("chat completion request failed", 0, err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, mardukerr.NewAPIError("read chat completion response", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, mardukerr.NewAPIError(
			fmt.Sprintf("chat completion failed: %s", strings.TrimSpace(string(respBody))),
			resp.StatusCode, nil)
	}

	var parsed struct {
		Model   string `json:"model"`
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
			TotalTokens      int `json:"total_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, mardukerr.NewAPIError("decode chat completion response", resp.StatusCode, err)
	}
	if len(parsed.Choices) == 0 {
		return nil, mardukerr.NewAPIError("chat completion returned no choices", resp.StatusCode, nil)
	}

	model := parsed.Model
	if model == "" {
		model = c.model
	}
	return &Response{
		Content:      parsed.Choices[0].Message.Content,
		Model:        model,
		FinishReason: parsed.Choices[0].FinishReason,
		Usage: memory.Usage{
			PromptTokens:     parsed.Usage.PromptTokens,
			CompletionTokens: parsed.Usage.CompletionTokens,
			TotalTokens:      parsed.Usage.TotalTokens,
		},
	}, nil
}
