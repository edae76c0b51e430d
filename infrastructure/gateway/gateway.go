// Package gateway turns structured verification requests into typed LLM
// results. Every call goes through Execute, which owns function-call
// enforcement, truncation reporting and error wrapping; the typed
// operations layer their own parsing and fallbacks on top.
package gateway

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/ahrav/skillgate/infrastructure/llm"
	"github.com/ahrav/skillgate/internal/domain"
	"github.com/ahrav/skillgate/internal/ports"
	"github.com/ahrav/skillgate/internal/prompt"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// Function names declared to the model.
const (
	FunctionProposeRoles   = "propose_user_roles"
	FunctionCategorize     = "categorize_server_roles"
	FunctionClassifyUser   = "classify_user"
	defaultWelcomeMaxToken = 1024
	defaultSummaryMaxToken = 800
	suspicionMaxTokens     = 200
	reasonPreviewChars     = 800
)

// Operation names used for spans, errors and metrics.
const (
	OpGuidance   = "guidance"
	OpCategorize = "categorize_roles"
	OpSummarize  = "summarize"
	OpSuspicion  = "classify_suspicion"
	OpWelcome    = "welcome"
)

// Sampling temperatures per operation.
const (
	guidanceTemperature   = 0.3
	categorizeTemperature = 0.1
	summaryTemperature    = 0.6
	suspicionTemperature  = 0.0
	welcomeTemperature    = 0.7
)

var functionDescriptions = map[string]string{
	FunctionProposeRoles: "Propose role assignments for the member and the next message to send them.",
	FunctionCategorize:   "Group the server's roles into categories.",
	FunctionClassifyUser: "Decide whether a new member looks like spam, a bot or a scam.",
}

// Chatter is the slice of the LLM client the gateway needs. *llm.Client
// satisfies it.
type Chatter interface {
	Chat(ctx context.Context, req llm.ChatRequest) (llm.ChatResponse, error)
	GetModel() string
}

// Options tunes token budgets. Zero values select the defaults.
type Options struct {
	// MaxTokens caps every request; LLM_MAX_TOKENS.
	MaxTokens int
	// SummaryMaxTokens caps the admin summary.
	SummaryMaxTokens int
	// WelcomeMaxTokens is the first budget of a welcome request.
	WelcomeMaxTokens int
}

// Call is one request to the backend.
type Call struct {
	Operation string
	System    string
	History   []domain.HistoryEntry
	UserTurn  string
	// Function names an embedded schema the model must call. Empty asks for
	// plain content.
	Function    string
	Temperature float64
	MaxTokens   int
}

// Result is what came back from the backend.
type Result struct {
	Arguments json.RawMessage
	Content   string
	Truncated bool
}

// Gateway is the structured LLM surface of the bot.
type Gateway struct {
	client  Chatter
	opts    Options
	schemas map[string]json.RawMessage
	logger  *zap.Logger
	metrics ports.MetricsCollector
	tracer  trace.Tracer
}

// New creates a gateway over client. A nil logger or metrics collector
// disables that concern.
func New(client Chatter, opts Options, logger *zap.Logger, metrics ports.MetricsCollector) (*Gateway, error) {
	if client == nil {
		return nil, errors.New("gateway: LLM client is required")
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = llm.DefaultMaxTokens
	}
	if opts.SummaryMaxTokens <= 0 {
		opts.SummaryMaxTokens = defaultSummaryMaxToken
	}
	if opts.WelcomeMaxTokens <= 0 {
		opts.WelcomeMaxTokens = defaultWelcomeMaxToken
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = ports.NoopMetrics{}
	}

	schemas, err := loadSchemas()
	if err != nil {
		return nil, err
	}

	return &Gateway{
		client:  client,
		opts:    opts,
		schemas: schemas,
		logger:  logger.Named("gateway"),
		metrics: metrics,
		tracer:  otel.Tracer("skillgate/gateway"),
	}, nil
}

func loadSchemas() (map[string]json.RawMessage, error) {
	entries, err := schemaFS.ReadDir("schemas")
	if err != nil {
		return nil, fmt.Errorf("read schemas: %w", err)
	}
	out := make(map[string]json.RawMessage, len(entries))
	for _, e := range entries {
		data, err := schemaFS.ReadFile(path.Join("schemas", e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read schema %s: %w", e.Name(), err)
		}
		if !json.Valid(data) {
			return nil, ports.NewConfigError(e.Name(), errors.New("schema is not valid JSON"))
		}
		out[strings.TrimSuffix(e.Name(), ".json")] = json.RawMessage(data)
	}
	return out, nil
}

// Execute sends one call. When a function was declared and the model did
// not call it, the result is still returned alongside ErrNoFunctionCall so
// callers can fall back to the content. Errors are *ports.LLMError.
func (g *Gateway) Execute(ctx context.Context, call Call) (Result, error) {
	model := g.client.GetModel()
	ctx, span := g.tracer.Start(ctx, "gateway."+call.Operation,
		trace.WithAttributes(
			attribute.String("llm.model", model),
			attribute.String("gateway.function", call.Function),
			attribute.Int("gateway.history_len", len(call.History)),
		),
	)
	defer span.End()

	req := llm.ChatRequest{
		Messages:    buildMessages(call),
		Temperature: llm.Temp(call.Temperature),
		MaxTokens:   min(call.MaxTokens, g.opts.MaxTokens),
	}
	if call.MaxTokens <= 0 {
		req.MaxTokens = g.opts.MaxTokens
	}
	if call.Function != "" {
		schema, ok := g.schemas[call.Function]
		if !ok {
			err := ports.NewLLMError(model, call.Operation, ports.NewConfigError(call.Function, ports.ErrConfigNotFound))
			span.RecordError(err)
			span.SetStatus(codes.Error, "unknown function schema")
			return Result{}, err
		}
		req.Function = &llm.FunctionSpec{
			Name:        call.Function,
			Description: functionDescriptions[call.Function],
			Parameters:  schema,
		}
	}

	start := time.Now()
	resp, err := g.client.Chat(ctx, req)
	if err != nil {
		lerr := ports.NewLLMError(model, call.Operation, classify(err))
		span.RecordError(lerr)
		span.SetStatus(codes.Error, "backend call failed")
		g.logger.Warn("LLM call failed",
			zap.String("operation", call.Operation),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err),
		)
		return Result{}, lerr
	}

	res := Result{Arguments: resp.Arguments, Content: resp.Content, Truncated: resp.Truncated()}
	span.SetAttributes(
		attribute.Bool("gateway.truncated", res.Truncated),
		attribute.Bool("gateway.function_called", resp.HasFunctionCall()),
	)
	if res.Truncated {
		g.logger.Warn("LLM response truncated",
			zap.String("operation", call.Operation),
			zap.Int("max_tokens", req.MaxTokens),
			zap.Int("tokens_out", resp.TokensOut),
		)
	}

	if call.Function != "" && !resp.HasFunctionCall() {
		lerr := &ports.LLMError{Model: model, Operation: call.Operation, Err: ports.ErrNoFunctionCall, Truncated: res.Truncated}
		span.RecordError(lerr)
		span.SetStatus(codes.Error, "no function call")
		return res, lerr
	}
	return res, nil
}

// buildMessages lays out one system message, the history and the user turn.
func buildMessages(call Call) []llm.Message {
	msgs := make([]llm.Message, 0, len(call.History)+2)
	if call.System != "" {
		msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: call.System})
	}
	for _, e := range call.History {
		role := llm.RoleAssistant
		if e.Speaker == domain.SpeakerUser {
			role = llm.RoleUser
		}
		msgs = append(msgs, llm.Message{Role: role, Content: e.Content})
	}
	if call.UserTurn != "" {
		msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: call.UserTurn})
	}
	return msgs
}

// classify tags a client error with the ports sentinel matching its cause.
func classify(err error) error {
	if llm.IsTimeout(err) {
		return fmt.Errorf("%w: %w", ports.ErrTimeout, err)
	}
	var pe *llm.ProviderError
	if errors.As(err, &pe) {
		switch pe.Type {
		case llm.ErrorTypeRateLimit:
			return fmt.Errorf("%w: %w", ports.ErrRateLimited, err)
		case llm.ErrorTypeServerError, llm.ErrorTypeNetwork:
			return fmt.Errorf("%w: %w", ports.ErrServiceUnavailable, err)
		}
	}
	if errors.Is(err, llm.ErrCircuitOpen) {
		return fmt.Errorf("%w: %w", ports.ErrServiceUnavailable, err)
	}
	return err
}

func (g *Gateway) recordResult(operation, kind string) {
	g.metrics.RecordCounter(ports.MetricGatewayResults, 1, map[string]string{
		"operation": operation,
		"kind":      kind,
	})
}

// Guidance runs one verification turn. It never returns an error: transport
// failures and payloads that fail the strict parse come back tagged.
func (g *Gateway) Guidance(ctx context.Context, req ports.GuidanceRequest) domain.GuidanceResult {
	res, err := g.Execute(ctx, Call{
		Operation:   OpGuidance,
		System:      req.System,
		History:     req.History,
		UserTurn:    req.UserTurn,
		Function:    FunctionProposeRoles,
		Temperature: guidanceTemperature,
	})

	var result domain.GuidanceResult
	switch {
	case errors.Is(err, ports.ErrNoFunctionCall):
		result = domain.ProtocolViolation(err)
	case err != nil:
		result = domain.TransportFailure(err)
	default:
		guidance, perr := ParseGuidance(res.Arguments)
		if perr != nil {
			result = domain.ProtocolViolation(perr)
		} else {
			result = domain.ValidGuidance(guidance)
		}
	}
	result.Truncated = res.Truncated

	g.recordResult(OpGuidance, result.Kind.String())
	if !result.OK() {
		g.logger.Warn("guidance unusable",
			zap.Stringer("kind", result.Kind),
			zap.Bool("truncated", result.Truncated),
			zap.Error(result.Err),
		)
	}
	return result
}

// Summarize returns the model's plain-text answer to an already rendered
// summary prompt.
func (g *Gateway) Summarize(ctx context.Context, system string) (string, error) {
	res, err := g.Execute(ctx, Call{
		Operation:   OpSummarize,
		System:      system,
		Temperature: summaryTemperature,
		MaxTokens:   g.opts.SummaryMaxTokens,
	})
	if err != nil {
		g.recordResult(OpSummarize, "error")
		return "", err
	}
	text := strings.TrimSpace(res.Content)
	if text == "" {
		g.recordResult(OpSummarize, "empty")
		return "", ports.NewLLMError(g.client.GetModel(), OpSummarize, ports.ErrInvalidResponse)
	}
	g.recordResult(OpSummarize, "ok")
	return text, nil
}

// CategorizeRoles asks the model to group roleNames. The returned names are
// as the model wrote them; mapping back to roles is the caller's job.
func (g *Gateway) CategorizeRoles(ctx context.Context, system string, roleNames []string) (map[string][]string, error) {
	var b strings.Builder
	b.WriteString(strings.TrimRight(system, "\n"))
	b.WriteString("\n\nHere is the list of roles to categorize:")
	for _, name := range roleNames {
		b.WriteString("\n- ")
		b.WriteString(name)
	}

	res, err := g.Execute(ctx, Call{
		Operation:   OpCategorize,
		System:      b.String(),
		Function:    FunctionCategorize,
		Temperature: categorizeTemperature,
	})
	if err != nil {
		g.recordResult(OpCategorize, "error")
		return nil, err
	}

	categories, err := ParseCategories(res.Arguments)
	if err != nil {
		g.recordResult(OpCategorize, "invalid")
		return nil, ports.NewLLMError(g.client.GetModel(), OpCategorize, err)
	}
	g.recordResult(OpCategorize, "ok")
	return categories, nil
}

// ClassifySuspicion analyses a member's messages. When the model answers in
// prose instead of calling classify_user, the content is parsed as JSON and
// then scanned for telltale keywords.
func (g *Gateway) ClassifySuspicion(ctx context.Context, system string, messages []string) (domain.SuspicionVerdict, error) {
	res, err := g.Execute(ctx, Call{
		Operation:   OpSuspicion,
		System:      system,
		UserTurn:    strings.Join(messages, "\n"),
		Function:    FunctionClassifyUser,
		Temperature: suspicionTemperature,
		MaxTokens:   suspicionMaxTokens,
	})
	switch {
	case err == nil:
		verdict, perr := parseVerdict(res.Arguments)
		if perr != nil {
			g.recordResult(OpSuspicion, "invalid_arguments")
			return domain.SuspicionVerdict{Reason: prompt.Truncate(string(res.Arguments), reasonPreviewChars, "")}, nil
		}
		g.recordResult(OpSuspicion, "ok")
		return verdict, nil
	case errors.Is(err, ports.ErrNoFunctionCall):
		g.recordResult(OpSuspicion, "content_fallback")
		return verdictFromContent(res.Content), nil
	default:
		g.recordResult(OpSuspicion, "error")
		return domain.SuspicionVerdict{}, err
	}
}

// Welcome generates a welcome text and always returns something usable.
// A truncated empty answer is retried once with a larger budget.
func (g *Gateway) Welcome(ctx context.Context, req ports.WelcomeRequest) string {
	call := Call{
		Operation:   OpWelcome,
		System:      req.System,
		UserTurn:    req.Prompt,
		Temperature: welcomeTemperature,
		MaxTokens:   g.opts.WelcomeMaxTokens,
	}
	res, err := g.Execute(ctx, call)
	if err == nil && res.Truncated && strings.TrimSpace(res.Content) == "" {
		retryTokens := min(g.opts.MaxTokens, max(call.MaxTokens*3, call.MaxTokens+400))
		if retryTokens > call.MaxTokens {
			g.logger.Warn("welcome truncated and empty, retrying", zap.Int("max_tokens", retryTokens))
			call.MaxTokens = retryTokens
			if retry, rerr := g.Execute(ctx, call); rerr == nil {
				res = retry
			}
		}
	}
	if err != nil {
		g.recordResult(OpWelcome, "fallback")
		return req.Fallback
	}

	if text := welcomeText(res); text != "" {
		g.recordResult(OpWelcome, "ok")
		return text
	}
	g.recordResult(OpWelcome, "fallback")
	return req.Fallback
}

// welcomeText prefers content and falls back to the usual keys of a
// function-call payload.
func welcomeText(res Result) string {
	if text := strings.TrimSpace(res.Content); text != "" {
		return text
	}
	if len(res.Arguments) == 0 {
		return ""
	}
	var args map[string]any
	if err := json.Unmarshal(res.Arguments, &args); err != nil {
		return strings.TrimSpace(string(res.Arguments))
	}
	for _, key := range []string{"welcome_message", "message", "content", "text"} {
		if s, ok := args[key].(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

var _ ports.Gateway = (*Gateway)(nil)
