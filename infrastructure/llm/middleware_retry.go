package llm

import (
	"context"
	"fmt"
	"time"
)

// retryLLM retries read timeouts with linear backoff. Every other error is
// terminal for the call.
type retryLLM struct {
	next        CoreLLM
	maxAttempts int
	backoff     time.Duration
}

// RetryMiddleware creates middleware that makes up to maxAttempts attempts,
// sleeping backoff×attempt between them. Only errors for which IsTimeout
// holds are retried.
func RetryMiddleware(maxAttempts int, backoff time.Duration) Middleware {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return func(next CoreLLM) CoreLLM {
		return &retryLLM{
			next:        next,
			maxAttempts: maxAttempts,
			backoff:     backoff,
		}
	}
}

// DoRequest executes the request, retrying timeouts while the caller's
// context is alive.
func (r *retryLLM) DoRequest(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	var lastErr error

	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		resp, err := r.next.DoRequest(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if !IsTimeout(err) || ctx.Err() != nil || attempt == r.maxAttempts {
			break
		}

		timer := time.NewTimer(r.backoff * time.Duration(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ChatResponse{}, ctx.Err()
		case <-timer.C:
		}
	}

	if IsTimeout(lastErr) && r.maxAttempts > 1 {
		return ChatResponse{}, fmt.Errorf("request timed out after %d attempts: %w", r.maxAttempts, lastErr)
	}
	return ChatResponse{}, lastErr
}

// GetModel returns the model name from the wrapped implementation.
func (r *retryLLM) GetModel() string { return r.next.GetModel() }

// SetModel updates the model name in the wrapped implementation.
func (r *retryLLM) SetModel(m string) { r.next.SetModel(m) }
