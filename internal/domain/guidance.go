package domain

// UnassignableSkill is a skill the model could not map to an existing role.
type UnassignableSkill struct {
	Skill    string `json:"skill"`
	Category string `json:"category"`
}

// Guidance is one validated turn of LLM verification guidance.
type Guidance struct {
	// Classification may be nil when nothing was determined yet.
	Classification Classification
	MessageToUser  string `validate:"required"`
	IsComplete     bool
	// UserHasConfirmed is the only signal that ends a session successfully.
	UserHasConfirmed   bool
	UnassignableSkills []UnassignableSkill `validate:"dive"`
}

// GuidanceKind tags the outcome of a guidance request.
type GuidanceKind int

const (
	// GuidanceValid carries usable guidance.
	GuidanceValid GuidanceKind = iota
	// GuidanceTransportFailure means the backend could not be reached or
	// answered with an error.
	GuidanceTransportFailure
	// GuidanceProtocolViolation means the backend answered but the payload
	// was missing required fields or had the wrong types.
	GuidanceProtocolViolation
)

// String returns the metric label for the kind.
func (k GuidanceKind) String() string {
	switch k {
	case GuidanceValid:
		return "valid"
	case GuidanceTransportFailure:
		return "transport_failure"
	case GuidanceProtocolViolation:
		return "protocol_violation"
	default:
		return "unknown"
	}
}

// GuidanceResult is the tagged result of one guidance request. Guidance is
// only meaningful when Kind is GuidanceValid; Err is only set otherwise.
type GuidanceResult struct {
	Kind      GuidanceKind
	Guidance  Guidance
	Err       error
	Truncated bool
}

// OK reports whether the result carries valid guidance.
func (r GuidanceResult) OK() bool { return r.Kind == GuidanceValid }

// ValidGuidance wraps usable guidance.
func ValidGuidance(g Guidance) GuidanceResult {
	return GuidanceResult{Kind: GuidanceValid, Guidance: g}
}

// TransportFailure wraps a backend failure.
func TransportFailure(err error) GuidanceResult {
	return GuidanceResult{Kind: GuidanceTransportFailure, Err: err}
}

// ProtocolViolation wraps a payload that failed the strict parse.
func ProtocolViolation(err error) GuidanceResult {
	return GuidanceResult{Kind: GuidanceProtocolViolation, Err: err}
}

// SuspicionVerdict is the outcome of the suspicious-account analysis.
type SuspicionVerdict struct {
	IsSuspicious bool   `json:"is_suspicious"`
	Reason       string `json:"reason"`
}
