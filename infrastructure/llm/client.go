// Package llm provides a provider-neutral chat client for function-calling
// LLM backends, with cross-cutting concerns layered on as middleware.
//
// Three providers are registered: an OpenAI-compatible endpoint (the
// default), Anthropic and Google Gemini. Each turns a ChatRequest with an
// optional forced function into the provider's native request and maps the
// answer back to a ChatResponse.
//
// Typical wiring:
//
//	client, err := llm.NewClient("openai", llm.ClientConfig{
//	    APIKey:  token,
//	    Model:   "gpt-4o-mini",
//	    BaseURL: "https://api.example.com/v1",
//	    Middleware: []llm.Middleware{
//	        llm.TracingMiddleware("skillgate"),
//	        llm.MetricsMiddleware(collector, "openai"),
//	        llm.RetryMiddleware(2, 800*time.Millisecond),
//	        llm.CircuitBreakerMiddleware(5, 30*time.Second),
//	        llm.RateLimitMiddleware(5, 5),
//	        llm.TimeoutMiddleware(60 * time.Second),
//	    },
//	})
//	resp, err := client.Chat(ctx, req)
package llm

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// CoreLLM defines the minimal interface that LLM providers must implement.
// Middleware wraps any conforming implementation.
type CoreLLM interface {
	// DoRequest sends one chat request and returns the normalised answer.
	DoRequest(ctx context.Context, req ChatRequest) (ChatResponse, error)

	// GetModel returns the currently configured model name.
	GetModel() string

	// SetModel updates the model to use for subsequent requests.
	SetModel(model string)
}

// ClientConfig holds all configuration options for creating an LLM client.
type ClientConfig struct {
	// APIKey authenticates requests to the LLM provider.
	APIKey string

	// Model specifies which LLM model to use for requests.
	Model string

	// BaseURL overrides the default API endpoint for the provider.
	BaseURL string

	// Timeout bounds the underlying HTTP client. Zero leaves it unbounded and
	// relies on TimeoutMiddleware.
	Timeout time.Duration

	// Middleware is applied in order; the first entry is the outermost.
	Middleware []Middleware
}

// Middleware wraps a CoreLLM implementation to add cross-cutting functionality.
type Middleware func(CoreLLM) CoreLLM

// Client is a CoreLLM with its middleware chain applied.
type Client struct {
	core CoreLLM
}

// NewClient creates a client for the named provider and wraps it in the
// configured middleware.
func NewClient(providerType string, config ClientConfig) (*Client, error) {
	if config.Model == "" {
		return nil, fmt.Errorf("model is required")
	}

	factory, ok := lookupProviderFactory(providerType)
	if !ok {
		return nil, fmt.Errorf("unknown provider: %s (known: %v)", providerType, ProviderNames())
	}

	core, err := factory(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create provider: %w", err)
	}

	return Wrap(core, config.Middleware...), nil
}

// Wrap applies middleware to an existing core. It is used by NewClient and by
// tests that supply their own CoreLLM.
func Wrap(core CoreLLM, middleware ...Middleware) *Client {
	// Apply middleware in reverse order so the first middleware is the outermost.
	for i := len(middleware) - 1; i >= 0; i-- {
		core = middleware[i](core)
	}
	return &Client{core: core}
}

// Chat sends a request through the middleware chain.
func (c *Client) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	return c.core.DoRequest(ctx, req)
}

// GetModel returns the currently configured model name from the underlying provider.
func (c *Client) GetModel() string { return c.core.GetModel() }

// ProviderFactory creates a CoreLLM implementation from configuration.
type ProviderFactory func(ClientConfig) (CoreLLM, error)

var (
	factoriesMu       sync.RWMutex
	providerFactories = map[string]ProviderFactory{}
)

// RegisterProviderFactory registers a provider under a name. Later
// registrations replace earlier ones.
func RegisterProviderFactory(providerType string, factory ProviderFactory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	providerFactories[providerType] = factory
}

func lookupProviderFactory(providerType string) (ProviderFactory, bool) {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	f, ok := providerFactories[providerType]
	return f, ok
}

// ProviderNames lists the registered providers in sorted order.
func ProviderNames() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	names := make([]string, 0, len(providerFactories))
	for name := range providerFactories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
