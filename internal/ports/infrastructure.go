package ports

import (
	"context"
	"time"

	"github.com/ahrav/skillgate/internal/domain"
)

// GuidanceRequest is one verification turn sent to the LLM Gateway.
type GuidanceRequest struct {
	// System is the fully assembled system prompt.
	System string
	// History is the prior conversation, oldest first.
	History []domain.HistoryEntry
	// UserTurn is the text sent as the final user message.
	UserTurn string
}

// WelcomeRequest carries the rendered prompts for a welcome message.
type WelcomeRequest struct {
	System string
	Prompt string
	// Fallback is returned when the model produces nothing usable.
	Fallback string
}

// Gateway is the structured-output LLM surface used by the application.
// None of its methods panic or abort a session; failures come back as
// values.
type Gateway interface {
	// Guidance runs one verification turn and returns a tagged result.
	Guidance(ctx context.Context, req GuidanceRequest) domain.GuidanceResult

	// Summarize produces a short admin-facing summary. The system prompt is
	// already rendered by the caller.
	Summarize(ctx context.Context, system string) (string, error)

	// CategorizeRoles asks the model to group role names into categories.
	CategorizeRoles(ctx context.Context, system string, roleNames []string) (map[string][]string, error)

	// ClassifySuspicion analyses a member's messages for spam or abuse.
	ClassifySuspicion(ctx context.Context, system string, messages []string) (domain.SuspicionVerdict, error)

	// Welcome generates a welcome text. It always returns something usable.
	Welcome(ctx context.Context, req WelcomeRequest) string
}

// TaxonomyStore persists the category to role-id mapping.
type TaxonomyStore interface {
	// Load returns the stored mapping. The boolean is false when nothing
	// has been built yet, including when the stored blob is unreadable.
	Load(ctx context.Context) (map[string][]domain.RoleID, bool, error)

	// Save replaces the stored mapping.
	Save(ctx context.Context, categories map[string][]domain.RoleID) error
}

// AuditRecord is one concluded verification.
type AuditRecord struct {
	ID            string
	SessionID     string
	UserID        domain.UserID
	Outcome       domain.Outcome
	FailureReason domain.FailureReason
	IsUpdate      bool
	Turns         int
	RolesAdded    []domain.RoleID
	RolesRemoved  []domain.RoleID
	ConcludedAt   time.Time
}

// AuditLog stores conclusion records.
type AuditLog interface {
	// Record appends one conclusion.
	Record(ctx context.Context, rec AuditRecord) error

	// Recent returns the newest records first. An empty user matches all.
	Recent(ctx context.Context, user domain.UserID, limit int) ([]AuditRecord, error)

	Close() error
}

// Metric names recorded by the application through MetricsCollector.
const (
	MetricSessionsActive = "verification_sessions_active"
	MetricTurns          = "verification_turns_total"
	MetricConclusions    = "verification_conclusions_total"
	MetricGatewayResults = "gateway_results_total"
)

// MetricsCollector defines the interface for collecting operational metrics.
// Implementations should integrate with observability platforms like
// Prometheus or OpenTelemetry.
type MetricsCollector interface {
	// RecordLatency records the execution time of an operation.
	// The labels map provides additional context for the metric.
	RecordLatency(operation string, duration time.Duration, labels map[string]string)

	// RecordCounter increments a counter metric.
	RecordCounter(metric string, value float64, labels map[string]string)

	// RecordGauge sets the current value of a gauge metric.
	RecordGauge(metric string, value float64, labels map[string]string)

	// RecordHistogram records a value in a histogram.
	RecordHistogram(metric string, value float64, labels map[string]string)
}

// NoopMetrics discards every observation.
type NoopMetrics struct{}

func (NoopMetrics) RecordLatency(string, time.Duration, map[string]string) {}
func (NoopMetrics) RecordCounter(string, float64, map[string]string)       {}
func (NoopMetrics) RecordGauge(string, float64, map[string]string)         {}
func (NoopMetrics) RecordHistogram(string, float64, map[string]string)     {}

var _ MetricsCollector = NoopMetrics{}
