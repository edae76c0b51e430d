package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

const (
	// OpenAIDefaultModel is used when no model is configured.
	OpenAIDefaultModel = "gpt-4o-mini"
)

func init() {
	RegisterProviderFactory("openai", newOpenAIProvider)
}

// openAIProvider implements CoreLLM for OpenAI-compatible chat endpoints,
// using the legacy functions/function_call fields that most compatible
// servers accept.
type openAIProvider struct {
	BaseProvider
	client          *openai.Client
	tokenCounter    *TokenCounter
	errorClassifier *ErrorClassifier
}

func newOpenAIProvider(config ClientConfig) (CoreLLM, error) {
	if config.APIKey == "" {
		return nil, ErrEmptyAPIKey
	}

	model := config.Model
	if model == "" {
		model = OpenAIDefaultModel
	}

	clientConfig := openai.DefaultConfig(config.APIKey)

	if config.BaseURL != "" {
		validatedURL, err := ValidateBaseURL(NormalizeChatBaseURL(config.BaseURL))
		if err != nil {
			return nil, fmt.Errorf("invalid BaseURL: %w", err)
		}
		clientConfig.BaseURL = validatedURL
	}

	if config.Timeout > 0 {
		clientConfig.HTTPClient = &http.Client{Timeout: ValidateTimeout(config.Timeout)}
	}

	return &openAIProvider{
		BaseProvider:    BaseProvider{model: model},
		client:          openai.NewClientWithConfig(clientConfig),
		tokenCounter:    NewTokenCounter(),
		errorClassifier: &ErrorClassifier{Provider: "openai"},
	}, nil
}

// DoRequest sends a chat completion and maps a function call, if any, back
// into the response.
func (p *openAIProvider) DoRequest(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	resp, err := p.client.CreateChatCompletion(ctx, p.buildRequest(req))
	if err != nil {
		return ChatResponse{}, p.handleError(err)
	}
	if len(resp.Choices) == 0 {
		return ChatResponse{}, ErrNoResponseChoice
	}

	choice := resp.Choices[0]
	out := ChatResponse{
		Content:      choice.Message.Content,
		FinishReason: normalizeOpenAIFinish(choice.FinishReason),
	}

	switch {
	case choice.Message.FunctionCall != nil:
		out.FunctionName = choice.Message.FunctionCall.Name
		out.Arguments = json.RawMessage(choice.Message.FunctionCall.Arguments)
	case len(choice.Message.ToolCalls) > 0:
		// Some compatible servers answer legacy function requests with tool calls.
		out.FunctionName = choice.Message.ToolCalls[0].Function.Name
		out.Arguments = json.RawMessage(choice.Message.ToolCalls[0].Function.Arguments)
	}

	out.TokensIn = p.tokenCounter.GetTokenCount(resp.Usage.PromptTokens, requestText(req))
	out.TokensOut = p.tokenCounter.GetTokenCount(resp.Usage.CompletionTokens, out.Content+string(out.Arguments))
	return out, nil
}

func (p *openAIProvider) buildRequest(req ChatRequest) openai.ChatCompletionRequest {
	model := p.GetModel()
	out := openai.ChatCompletionRequest{
		Model:     model,
		Messages:  make([]openai.ChatCompletionMessage, 0, len(req.Messages)),
		MaxTokens: maxTokens(req),
	}

	for _, m := range req.Messages {
		out.Messages = append(out.Messages, openai.ChatCompletionMessage{
			Role:    openAIRole(m.Role),
			Content: m.Content,
		})
	}

	if t := openAITemperature(model, req.Temperature); t != nil {
		out.Temperature = *t
	}

	if req.Function != nil {
		out.Functions = []openai.FunctionDefinition{{
			Name:        req.Function.Name,
			Description: req.Function.Description,
			Parameters:  req.Function.Parameters,
		}}
		out.FunctionCall = openai.FunctionCall{Name: req.Function.Name}
	}
	return out
}

// openAITemperature applies model quirks. gpt-5 family models only accept
// the default temperature of 1. A zero temperature is sent as the smallest
// positive float because the client omits zero values.
func openAITemperature(model string, requested *float64) *float32 {
	if strings.Contains(strings.ToLower(model), "gpt-5") {
		one := float32(1.0)
		return &one
	}
	if requested == nil {
		return nil
	}
	t := float32(ClampFloat64(*requested, MinTemperature, MaxTemperature))
	if t == 0 {
		t = math.SmallestNonzeroFloat32
	}
	return &t
}

func openAIRole(r MessageRole) string {
	switch r {
	case RoleSystem:
		return openai.ChatMessageRoleSystem
	case RoleAssistant:
		return openai.ChatMessageRoleAssistant
	default:
		return openai.ChatMessageRoleUser
	}
}

func normalizeOpenAIFinish(reason openai.FinishReason) string {
	switch reason {
	case openai.FinishReasonLength:
		return FinishLength
	case openai.FinishReasonFunctionCall, openai.FinishReasonToolCalls:
		return FinishFunctionCall
	case "":
		return ""
	default:
		return FinishStop
	}
}

// handleError classifies and wraps errors from the OpenAI client.
func (p *openAIProvider) handleError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		message := apiErr.Message
		if message == "" {
			message = "unknown error"
		}
		return p.errorClassifier.ClassifyHTTPError(apiErr.HTTPStatusCode, message, err)
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode > 0 {
		return p.errorClassifier.ClassifyHTTPError(reqErr.HTTPStatusCode, http.StatusText(reqErr.HTTPStatusCode), err)
	}

	return p.errorClassifier.ClassifyTransportError(err)
}
