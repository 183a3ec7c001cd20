package llm

import (
	"context"
	"sync"

	"marduk/internal/memory"
)

// MockClient is a recording test double. Responses are served in order; once
// exhausted it repeats the last one.
type MockClient struct {
	mu        sync.Mutex
	model     string
	responses []*Response
	errs      []error
	calls     []Request
	served    int
}

// NewMockClient creates a mock named model with canned responses.
func NewMockClient(model string, responses ...*Response) *MockClient {
	if model == "" {
		model = "mock-model"
	}
	if len(responses) == 0 {
		responses = []*Response{{
			Content: "This is a canned completion.",
			Model:   model,
			Usage:   memory.Usage{PromptTokens: 100, CompletionTokens: 50, TotalTokens: 150},
		}}
	}
	return &MockClient{model: model, responses: responses}
}

// FailWith queues errors returned before any canned responses.
func (m *MockClient) FailWith(errs ...error) *MockClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs = append(m.errs, errs...)
	return m
}

func (m *MockClient) Model() string { return m.model }

func (m *MockClient) Complete(_ context.Context, req Request) (*Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, req)

	if len(m.errs) > 0 {
		err := m.errs[0]
		m.errs = m.errs[1:]
		return nil, err
	}

	idx := m.served
	if idx >= len(m.responses) {
		idx = len(m.responses) - 1
	}
	m.served++
	resp := *m.responses[idx]
	if resp.Model == "" {
		resp.Model = m.model
	}
	return &resp, nil
}

// Calls returns the recorded requests.
func (m *MockClient) Calls() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Request, len(m.calls))
	copy(out, m.calls)
	return out
}
