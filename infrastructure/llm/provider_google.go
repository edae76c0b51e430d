package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"google.golang.org/api/googleapi"
	"google.golang.org/genai"
)

const (
	// GoogleDefaultModel is used when no model is configured.
	GoogleDefaultModel = "gemini-2.0-flash"
)

func init() {
	RegisterProviderFactory("google", newGoogleProvider)
}

// googleProvider implements CoreLLM for the Gemini API. A forced function is
// declared as the only tool with function calling mode ANY.
type googleProvider struct {
	BaseProvider
	client          *genai.Client
	tokenCounter    *TokenCounter
	errorClassifier *ErrorClassifier
}

func newGoogleProvider(config ClientConfig) (CoreLLM, error) {
	if config.APIKey == "" {
		return nil, ErrEmptyAPIKey
	}

	model := config.Model
	if model == "" {
		model = GoogleDefaultModel
	}

	clientConfig := &genai.ClientConfig{
		APIKey:  config.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if config.BaseURL != "" {
		validatedURL, err := ValidateBaseURL(config.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("invalid BaseURL: %w", err)
		}
		clientConfig.HTTPOptions.BaseURL = validatedURL
	}

	client, err := genai.NewClient(context.Background(), clientConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create Google client: %w", err)
	}

	return &googleProvider{
		BaseProvider:    BaseProvider{model: model},
		client:          client,
		tokenCounter:    NewTokenCounter(),
		errorClassifier: &ErrorClassifier{Provider: "google"},
	}, nil
}

// DoRequest sends a GenerateContent call. Function call arguments are
// re-encoded as JSON.
func (p *googleProvider) DoRequest(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	config, err := p.buildConfig(req)
	if err != nil {
		return ChatResponse{}, err
	}

	resp, err := p.client.Models.GenerateContent(ctx, p.GetModel(), googleContents(req.Conversation()), config)
	if err != nil {
		return ChatResponse{}, p.handleError(err)
	}
	if resp == nil || len(resp.Candidates) == 0 {
		return ChatResponse{}, ErrNoResponseChoice
	}

	out := ChatResponse{FinishReason: FinishStop}
	if calls := resp.FunctionCalls(); len(calls) > 0 {
		args, err := json.Marshal(calls[0].Args)
		if err != nil {
			return ChatResponse{}, fmt.Errorf("google: encode function args: %w", err)
		}
		out.FunctionName = calls[0].Name
		out.Arguments = args
		out.FinishReason = FinishFunctionCall
	} else {
		out.Content = resp.Text()
	}
	if resp.Candidates[0].FinishReason == genai.FinishReasonMaxTokens {
		out.FinishReason = FinishLength
	}

	var in, outTokens int
	if u := resp.UsageMetadata; u != nil {
		in, outTokens = int(u.PromptTokenCount), int(u.CandidatesTokenCount)
	}
	out.TokensIn = p.tokenCounter.GetTokenCount(in, requestText(req))
	out.TokensOut = p.tokenCounter.GetTokenCount(outTokens, out.Content+string(out.Arguments))
	return out, nil
}

func (p *googleProvider) buildConfig(req ChatRequest) (*genai.GenerateContentConfig, error) {
	config := &genai.GenerateContentConfig{}

	if system := req.System(); system != "" {
		config.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}

	if req.Temperature != nil {
		config.Temperature = genai.Ptr(float32(ClampFloat64(*req.Temperature, MinTemperature, MaxTemperature)))
	}

	tokens := maxTokens(req)
	if tokens > math.MaxInt32 {
		tokens = math.MaxInt32
	}
	config.MaxOutputTokens = int32(tokens)

	if req.Function != nil {
		var raw map[string]any
		if err := json.Unmarshal(req.Function.Parameters, &raw); err != nil {
			return nil, fmt.Errorf("google: decode %s schema: %w", req.Function.Name, err)
		}
		config.Tools = []*genai.Tool{{
			FunctionDeclarations: []*genai.FunctionDeclaration{{
				Name:        req.Function.Name,
				Description: req.Function.Description,
				Parameters:  toGenaiSchema(raw),
			}},
		}}
		config.ToolConfig = &genai.ToolConfig{
			FunctionCallingConfig: &genai.FunctionCallingConfig{
				Mode:                 genai.FunctionCallingConfigModeAny,
				AllowedFunctionNames: []string{req.Function.Name},
			},
		}
	}
	return config, nil
}

func googleContents(msgs []Message) []*genai.Content {
	out := make([]*genai.Content, 0, len(msgs))
	for _, m := range msgs {
		role := genai.Role(genai.RoleUser)
		if m.Role == RoleAssistant {
			role = genai.RoleModel
		}
		out = append(out, genai.NewContentFromText(m.Content, role))
	}
	return out
}

// toGenaiSchema converts the subset of JSON schema used by the function
// descriptors. Free-form objects (additionalProperties only) become plain
// objects, which Gemini accepts with arbitrary keys.
func toGenaiSchema(raw map[string]any) *genai.Schema {
	s := &genai.Schema{}
	if d, ok := raw["description"].(string); ok {
		s.Description = d
	}

	switch raw["type"] {
	case "object":
		s.Type = genai.TypeObject
	case "array":
		s.Type = genai.TypeArray
	case "string":
		s.Type = genai.TypeString
	case "integer":
		s.Type = genai.TypeInteger
	case "number":
		s.Type = genai.TypeNumber
	case "boolean":
		s.Type = genai.TypeBoolean
	}

	if props, ok := raw["properties"].(map[string]any); ok {
		s.Properties = make(map[string]*genai.Schema, len(props))
		for name, v := range props {
			if child, ok := v.(map[string]any); ok {
				s.Properties[name] = toGenaiSchema(child)
			}
		}
	}
	if items, ok := raw["items"].(map[string]any); ok {
		s.Items = toGenaiSchema(items)
	}
	if req, ok := raw["required"].([]any); ok {
		for _, r := range req {
			if name, ok := r.(string); ok {
				s.Required = append(s.Required, name)
			}
		}
	}
	return s
}

// handleError classifies Gemini errors into ProviderError values.
func (p *googleProvider) handleError(err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		message := apiErr.Message
		if message == "" && len(apiErr.Errors) > 0 {
			message = apiErr.Errors[0].Message
		}
		if containsContentPolicyError(apiErr) {
			return NewProviderError("google", ErrorTypeContentPolicy, apiErr.Code, "request blocked by safety filters", err)
		}
		return p.errorClassifier.ClassifyHTTPError(apiErr.Code, message, err)
	}

	var genaiErr genai.APIError
	if errors.As(err, &genaiErr) {
		return p.errorClassifier.ClassifyHTTPError(genaiErr.Code, genaiErr.Message, err)
	}

	return p.errorClassifier.ClassifyTransportError(err)
}

// containsContentPolicyError checks if a Google API error is related to
// content policy violations.
func containsContentPolicyError(apiErr *googleapi.Error) bool {
	if apiErr.Message != "" {
		lower := strings.ToLower(apiErr.Message)
		if strings.Contains(lower, "safety") ||
			strings.Contains(lower, "policy") ||
			strings.Contains(lower, "blocked") {
			return true
		}
	}
	for _, e := range apiErr.Errors {
		if e.Reason == "SAFETY" || e.Reason == "BLOCKED" {
			return true
		}
	}
	return false
}
