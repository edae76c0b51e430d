package llm

import "encoding/json"

// MessageRole is the author of a chat message.
type MessageRole string

// Chat roles understood by every provider.
const (
	RoleSystem    MessageRole = "system"
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
)

// Message is one entry of a chat request.
type Message struct {
	Role    MessageRole
	Content string
}

// FunctionSpec declares a structured-output function. Parameters is a JSON
// schema object.
type FunctionSpec struct {
	Name        string
	Description string
	Parameters  json.RawMessage
}

// ChatRequest is a provider-neutral chat completion request.
// At most one system message is expected, and it must come first.
type ChatRequest struct {
	Messages []Message
	// Temperature is nil when the provider default should be used.
	Temperature *float64
	// MaxTokens of zero selects DefaultMaxTokens.
	MaxTokens int
	// Function, when set, forces the model to answer by calling it.
	Function *FunctionSpec
}

// System returns the content of the leading system message, if any.
func (r ChatRequest) System() string {
	if len(r.Messages) > 0 && r.Messages[0].Role == RoleSystem {
		return r.Messages[0].Content
	}
	return ""
}

// Conversation returns the messages after the leading system message.
func (r ChatRequest) Conversation() []Message {
	if len(r.Messages) > 0 && r.Messages[0].Role == RoleSystem {
		return r.Messages[1:]
	}
	return r.Messages
}

// Temp returns a pointer to t, for building requests inline.
func Temp(t float64) *float64 { return &t }

// Finish reasons normalised across providers.
const (
	FinishStop         = "stop"
	FinishLength       = "length"
	FinishFunctionCall = "function_call"
)

// ChatResponse is a provider-neutral chat completion result.
type ChatResponse struct {
	Content string
	// FunctionName and Arguments are set when the model called a function.
	FunctionName string
	Arguments    json.RawMessage
	FinishReason string
	TokensIn     int
	TokensOut    int
}

// Truncated reports whether the backend stopped at its token limit.
func (r ChatResponse) Truncated() bool { return r.FinishReason == FinishLength }

// HasFunctionCall reports whether the model called a function.
func (r ChatResponse) HasFunctionCall() bool { return r.FunctionName != "" }
