package llm

import (
	"context"
	"sync"
	"time"
)

// MockCoreLLM is a configurable CoreLLM for tests. Scripted Responses and
// Errors are consumed one per call; once exhausted, Response and Error are
// returned.
type MockCoreLLM struct {
	mu sync.Mutex

	// Default behaviour.
	Response      ChatResponse
	Error         error
	Model         string
	ResponseDelay time.Duration

	// FailUntilAttempt fails the first N calls with Error.
	FailUntilAttempt int

	// Scripted behaviour, consumed in order. A nil error entry means the
	// matching Responses entry is returned.
	Responses []ChatResponse
	Errors    []error

	// Tracking
	CallCount      int
	Requests       []ChatRequest
	Contexts       []context.Context
	CallTimestamps []time.Time
}

// NewMockCoreLLM creates a mock that answers with plain content.
func NewMockCoreLLM() *MockCoreLLM {
	return &MockCoreLLM{
		Response: ChatResponse{
			Content:      "test response",
			FinishReason: FinishStop,
			TokensIn:     10,
			TokensOut:    20,
		},
		Model: "test-model",
	}
}

// DoRequest implements CoreLLM.
func (m *MockCoreLLM) DoRequest(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	m.mu.Lock()
	m.CallCount++
	call := m.CallCount
	m.Requests = append(m.Requests, req)
	m.Contexts = append(m.Contexts, ctx)
	m.CallTimestamps = append(m.CallTimestamps, time.Now())
	delay := m.ResponseDelay
	m.mu.Unlock()

	if delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ChatResponse{}, ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailUntilAttempt > 0 && call <= m.FailUntilAttempt {
		if m.Error != nil {
			return ChatResponse{}, m.Error
		}
		return ChatResponse{}, &testError{message: "simulated failure"}
	}

	if len(m.Errors) > 0 || len(m.Responses) > 0 {
		var err error
		if len(m.Errors) > 0 {
			err, m.Errors = m.Errors[0], m.Errors[1:]
		}
		if err != nil {
			if len(m.Responses) > 0 {
				m.Responses = m.Responses[1:]
			}
			return ChatResponse{}, err
		}
		if len(m.Responses) > 0 {
			var resp ChatResponse
			resp, m.Responses = m.Responses[0], m.Responses[1:]
			return resp, nil
		}
	}

	if m.Error != nil {
		return ChatResponse{}, m.Error
	}
	return m.Response, nil
}

// GetModel returns the configured model name.
func (m *MockCoreLLM) GetModel() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Model
}

// SetModel updates the model name.
func (m *MockCoreLLM) SetModel(model string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Model = model
}

// GetCallCount returns the number of times DoRequest was called.
func (m *MockCoreLLM) GetCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.CallCount
}

// LastRequest returns the most recent request, if any.
func (m *MockCoreLLM) LastRequest() (ChatRequest, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Requests) == 0 {
		return ChatRequest{}, false
	}
	return m.Requests[len(m.Requests)-1], true
}

// testError provides a simple error type for testing.
type testError struct {
	message string
}

func (e *testError) Error() string { return e.message }
