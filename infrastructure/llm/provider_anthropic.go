package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const (
	// AnthropicDefaultModel is used when no model is configured.
	AnthropicDefaultModel = "claude-3-5-haiku-latest"

	// conversationStarter opens a conversation that would otherwise begin
	// with an assistant turn, which the Messages API rejects.
	conversationStarter = "Hello."
)

func init() {
	RegisterProviderFactory("anthropic", newAnthropicProvider)
}

// anthropicProvider implements CoreLLM over the Messages API. A forced
// function is expressed as a single tool with a tool_choice naming it.
type anthropicProvider struct {
	BaseProvider
	client          anthropic.Client
	tokenCounter    *TokenCounter
	errorClassifier *ErrorClassifier
}

func newAnthropicProvider(config ClientConfig) (CoreLLM, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("anthropic: %w", ErrEmptyAPIKey)
	}

	model := config.Model
	if model == "" {
		model = AnthropicDefaultModel
	}

	// Retries belong to RetryMiddleware, which only retries timeouts.
	opts := []option.RequestOption{option.WithAPIKey(config.APIKey), option.WithMaxRetries(0)}
	if config.BaseURL != "" {
		validatedURL, err := ValidateBaseURL(config.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("invalid BaseURL: %w", err)
		}
		opts = append(opts, option.WithBaseURL(validatedURL))
	}
	if t := ValidateTimeout(config.Timeout); t > 0 {
		opts = append(opts, option.WithRequestTimeout(t))
	}

	return &anthropicProvider{
		BaseProvider:    BaseProvider{model: model},
		client:          anthropic.NewClient(opts...),
		tokenCounter:    NewTokenCounter(),
		errorClassifier: &ErrorClassifier{Provider: "anthropic"},
	}, nil
}

// DoRequest sends a request to the Messages API.
func (p *anthropicProvider) DoRequest(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return ChatResponse{}, err
	}

	message, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return ChatResponse{}, p.handleError(err)
	}
	return p.processResponse(message, req), nil
}

func (p *anthropicProvider) buildParams(req ChatRequest) (anthropic.MessageNewParams, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.GetModel()),
		MaxTokens: int64(maxTokens(req)),
		Messages:  anthropicMessages(req.Conversation()),
	}

	if system := req.System(); system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	if req.Temperature != nil {
		// The Messages API accepts temperatures in [0, 1].
		params.Temperature = anthropic.Float(ClampFloat64(*req.Temperature, 0, 1))
	}

	if req.Function != nil {
		var schema struct {
			Properties map[string]any `json:"properties"`
		}
		if err := json.Unmarshal(req.Function.Parameters, &schema); err != nil {
			return params, fmt.Errorf("anthropic: decode %s schema: %w", req.Function.Name, err)
		}
		params.Tools = []anthropic.ToolUnionParam{{
			OfTool: &anthropic.ToolParam{
				Name:        req.Function.Name,
				Description: anthropic.String(req.Function.Description),
				InputSchema: anthropic.ToolInputSchemaParam{Properties: schema.Properties},
			},
		}}
		params.ToolChoice = anthropic.ToolChoiceUnionParam{
			OfTool: &anthropic.ToolChoiceToolParam{Name: req.Function.Name},
		}
	}
	return params, nil
}

// anthropicMessages merges consecutive same-role turns and makes sure the
// conversation opens with a user turn.
func anthropicMessages(msgs []Message) []anthropic.MessageParam {
	type turn struct {
		role MessageRole
		text []string
	}
	var turns []turn
	for _, m := range msgs {
		role := m.Role
		if role == RoleSystem {
			role = RoleUser
		}
		if n := len(turns); n > 0 && turns[n-1].role == role {
			turns[n-1].text = append(turns[n-1].text, m.Content)
			continue
		}
		turns = append(turns, turn{role: role, text: []string{m.Content}})
	}
	if len(turns) == 0 || turns[0].role != RoleUser {
		turns = append([]turn{{role: RoleUser, text: []string{conversationStarter}}}, turns...)
	}

	out := make([]anthropic.MessageParam, 0, len(turns))
	for _, t := range turns {
		block := anthropic.NewTextBlock(strings.Join(t.text, "\n\n"))
		if t.role == RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(block))
		} else {
			out = append(out, anthropic.NewUserMessage(block))
		}
	}
	return out
}

func (p *anthropicProvider) processResponse(message *anthropic.Message, req ChatRequest) ChatResponse {
	var out ChatResponse
	var text strings.Builder
	for _, block := range message.Content {
		switch content := block.AsAny().(type) {
		case anthropic.TextBlock:
			text.WriteString(content.Text)
		case anthropic.ToolUseBlock:
			if out.FunctionName == "" {
				out.FunctionName = content.Name
				out.Arguments = json.RawMessage(content.Input)
			}
		}
	}
	out.Content = text.String()

	switch message.StopReason {
	case anthropic.StopReasonMaxTokens:
		out.FinishReason = FinishLength
	case anthropic.StopReasonToolUse:
		out.FinishReason = FinishFunctionCall
	default:
		out.FinishReason = FinishStop
	}

	out.TokensIn = p.tokenCounter.GetTokenCount(int(message.Usage.InputTokens), requestText(req))
	out.TokensOut = p.tokenCounter.GetTokenCount(int(message.Usage.OutputTokens), out.Content+string(out.Arguments))
	return out
}

// handleError classifies SDK errors into ProviderError values.
func (p *anthropicProvider) handleError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return p.errorClassifier.ClassifyHTTPError(apiErr.StatusCode, "anthropic API error", err)
	}
	return p.errorClassifier.ClassifyTransportError(err)
}
