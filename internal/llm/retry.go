package llm

import (
	"context"
	"time"

	"marduk/internal/logging"
	"marduk/internal/mardukerr"
)

type retryClient struct {
	underlying Client
	cfg        mardukerr.RetryConfig
	logger     logging.Logger
}

// APIRetryConfig is the retry policy for LLM calls: up to 3 attempts with
// linear delay·attempt backoff between them.
func APIRetryConfig() mardukerr.RetryConfig {
	return mardukerr.RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		Linear:      true,
		MaxDelay:    30 * time.Second,
	}
}

// NewRetryClient wraps a client with the shared retry policy. Validation
// errors stop immediately; transient failures are retried with the
// configured backoff.
func NewRetryClient(client Client, cfg mardukerr.RetryConfig, logger logging.Logger) Client {
	return &retryClient{underlying: client, cfg: cfg, logger: logging.OrNop(logger)}
}

func (c *retryClient) Model() string { return c.underlying.Model() }

func (c *retryClient) Complete(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()
	resp, err := mardukerr.RetryWithResult(ctx, c.cfg, c.logger,
		func(ctx context.Context) (*Response, error) {
			return c.underlying.Complete(ctx, req)
		})
	if err != nil {
		c.logger.Warn("completion failed after retries (took %v): %v", time.Since(start), err)
		return nil, err
	}
	return resp, nil
}
