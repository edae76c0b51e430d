package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var proposeSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"classification": {"type": "object", "additionalProperties": {"type": "array", "items": {"type": "string"}}},
		"message_to_user": {"type": "string"},
		"is_complete": {"type": "boolean"}
	},
	"required": ["classification", "message_to_user", "is_complete"]
}`)

func newOpenAITestServer(t *testing.T, handler func(w http.ResponseWriter, body map[string]interface{})) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.Header().Set("Content-Type", "application/json")
		handler(w, body)
	}))
	t.Cleanup(server.Close)
	return server
}

func newTestOpenAIProvider(t *testing.T, baseURL, model string) CoreLLM {
	t.Helper()
	p, err := newOpenAIProvider(ClientConfig{APIKey: "test-key", Model: model, BaseURL: baseURL})
	require.NoError(t, err)
	return p
}

func TestOpenAIProvider_DoRequest_FunctionCall(t *testing.T) {
	// Given a server that answers with a forced function call
	var captured map[string]interface{}
	server := newOpenAITestServer(t, func(w http.ResponseWriter, body map[string]interface{}) {
		captured = body
		_, _ = w.Write([]byte(`{
			"id": "chatcmpl-1",
			"object": "chat.completion",
			"choices": [{
				"index": 0,
				"finish_reason": "function_call",
				"message": {
					"role": "assistant",
					"content": "",
					"function_call": {"name": "propose_user_roles", "arguments": "{\"is_complete\":false}"}
				}
			}],
			"usage": {"prompt_tokens": 120, "completion_tokens": 15, "total_tokens": 135}
		}`))
	})
	p := newTestOpenAIProvider(t, server.URL+"/v1/chat/completions", "gpt-4o-mini")

	// When sending a request with a function descriptor
	resp, err := p.DoRequest(context.Background(), ChatRequest{
		Messages: []Message{
			{Role: RoleSystem, Content: "system prompt"},
			{Role: RoleAssistant, Content: "Welcome!"},
			{Role: RoleUser, Content: "I write Go"},
		},
		Temperature: Temp(0.2),
		MaxTokens:   512,
		Function:    &FunctionSpec{Name: "propose_user_roles", Description: "Propose roles", Parameters: proposeSchema},
	})

	// Then the call is decoded and the request carried the forced function
	require.NoError(t, err)
	assert.Equal(t, "propose_user_roles", resp.FunctionName)
	assert.JSONEq(t, `{"is_complete":false}`, string(resp.Arguments))
	assert.Equal(t, FinishFunctionCall, resp.FinishReason)
	assert.Equal(t, 120, resp.TokensIn)
	assert.Equal(t, 15, resp.TokensOut)

	assert.Equal(t, "gpt-4o-mini", captured["model"])
	assert.Equal(t, float64(512), captured["max_tokens"])
	assert.InDelta(t, 0.2, captured["temperature"], 1e-6)
	msgs := captured["messages"].([]interface{})
	require.Len(t, msgs, 3)
	assert.Equal(t, "system", msgs[0].(map[string]interface{})["role"])
	assert.Equal(t, "assistant", msgs[1].(map[string]interface{})["role"])
	functions := captured["functions"].([]interface{})
	require.Len(t, functions, 1)
	assert.Equal(t, "propose_user_roles", functions[0].(map[string]interface{})["name"])
	assert.Equal(t, map[string]interface{}{"name": "propose_user_roles"}, captured["function_call"])
}

func TestOpenAIProvider_DoRequest_ToolCallFallback(t *testing.T) {
	server := newOpenAITestServer(t, func(w http.ResponseWriter, _ map[string]interface{}) {
		_, _ = w.Write([]byte(`{
			"choices": [{
				"finish_reason": "tool_calls",
				"message": {
					"role": "assistant",
					"tool_calls": [{"id": "c1", "type": "function", "function": {"name": "classify_user", "arguments": "{\"is_suspicious\":true}"}}]
				}
			}]
		}`))
	})
	p := newTestOpenAIProvider(t, server.URL+"/v1", "gpt-4o-mini")

	resp, err := p.DoRequest(context.Background(), ChatRequest{Messages: []Message{{Role: RoleUser, Content: "hi"}}})

	require.NoError(t, err)
	assert.Equal(t, "classify_user", resp.FunctionName)
	assert.Equal(t, FinishFunctionCall, resp.FinishReason)
	assert.Greater(t, resp.TokensOut, 0, "missing usage falls back to an estimate")
}

func TestOpenAIProvider_DoRequest_Truncated(t *testing.T) {
	server := newOpenAITestServer(t, func(w http.ResponseWriter, _ map[string]interface{}) {
		_, _ = w.Write([]byte(`{"choices": [{"finish_reason": "length", "message": {"role": "assistant", "content": "partial"}}]}`))
	})
	p := newTestOpenAIProvider(t, server.URL+"/v1", "gpt-4o-mini")

	resp, err := p.DoRequest(context.Background(), ChatRequest{})

	require.NoError(t, err)
	assert.True(t, resp.Truncated())
	assert.False(t, resp.HasFunctionCall())
	assert.Equal(t, "partial", resp.Content)
}

func TestOpenAIProvider_DoRequest_NoChoices(t *testing.T) {
	server := newOpenAITestServer(t, func(w http.ResponseWriter, _ map[string]interface{}) {
		_, _ = w.Write([]byte(`{"choices": []}`))
	})
	p := newTestOpenAIProvider(t, server.URL+"/v1", "gpt-4o-mini")

	_, err := p.DoRequest(context.Background(), ChatRequest{})

	assert.ErrorIs(t, err, ErrNoResponseChoice)
}

func TestOpenAIProvider_ErrorHandling(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		wantType ErrorType
	}{
		{name: "unauthorized", status: http.StatusUnauthorized, wantType: ErrorTypeAuthentication},
		{name: "rate limited", status: http.StatusTooManyRequests, wantType: ErrorTypeRateLimit},
		{name: "bad request", status: http.StatusBadRequest, wantType: ErrorTypeBadRequest},
		{name: "server error", status: http.StatusInternalServerError, wantType: ErrorTypeServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Given a server answering with an error status
			server := newOpenAITestServer(t, func(w http.ResponseWriter, _ map[string]interface{}) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"error": {"message": "nope", "type": "test_error"}}`))
			})
			p := newTestOpenAIProvider(t, server.URL+"/v1", "gpt-4o-mini")

			// When sending a request
			_, err := p.DoRequest(context.Background(), ChatRequest{})

			// Then the error is classified and never a timeout
			require.Error(t, err)
			var pe *ProviderError
			require.True(t, errors.As(err, &pe))
			assert.Equal(t, tt.wantType, pe.Type)
			assert.Equal(t, tt.status, pe.StatusCode)
			assert.False(t, IsTimeout(err))
		})
	}
}

func TestOpenAIProvider_ReadTimeout(t *testing.T) {
	// Given a server slower than the caller's deadline
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	t.Cleanup(server.Close)
	p := newTestOpenAIProvider(t, server.URL+"/v1", "gpt-4o-mini")

	// When the deadline passes
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := p.DoRequest(ctx, ChatRequest{})

	// Then the error is a retryable timeout
	require.Error(t, err)
	assert.True(t, IsTimeout(err))
}

func TestOpenAITemperature(t *testing.T) {
	tests := []struct {
		name  string
		model string
		in    *float64
		want  *float32
	}{
		{name: "unset", model: "gpt-4o", in: nil, want: nil},
		{name: "passthrough", model: "gpt-4o", in: Temp(0.7), want: ptr32(0.7)},
		{name: "clamped", model: "gpt-4o", in: Temp(5), want: ptr32(2)},
		{name: "gpt-5 forces one", model: "GPT-5-mini", in: Temp(0.1), want: ptr32(1)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := openAITemperature(tt.model, tt.in)
			if tt.want == nil {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.InDelta(t, *tt.want, *got, 1e-6)
		})
	}

	zero := openAITemperature("gpt-4o", Temp(0))
	require.NotNil(t, zero)
	assert.Greater(t, *zero, float32(0), "zero must survive omitempty")
}

func TestOpenAIProvider_Configuration(t *testing.T) {
	_, err := newOpenAIProvider(ClientConfig{APIKey: "k", Model: "m", BaseURL: "ftp://nope"})
	assert.Error(t, err)

	p, err := newOpenAIProvider(ClientConfig{APIKey: "k"})
	require.NoError(t, err)
	assert.Equal(t, OpenAIDefaultModel, p.GetModel())

	p.SetModel("gpt-4.1")
	assert.Equal(t, "gpt-4.1", p.GetModel())
}

func ptr32(v float32) *float32 { return &v }
