package domain

// Outcome is how a verification session ended.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeFailure
)

// String returns the outcome label.
func (o Outcome) String() string {
	if o == OutcomeSuccess {
		return "success"
	}
	return "failure"
}

// ConclusionKind selects the admin notification framing.
type ConclusionKind int

const (
	// KindNewVerification is a first successful verification.
	KindNewVerification ConclusionKind = iota
	// KindRoleUpdate is a successful update session.
	KindRoleUpdate
	// KindFailure is any failed session.
	KindFailure
)

// String returns the kind label.
func (k ConclusionKind) String() string {
	switch k {
	case KindNewVerification:
		return "new"
	case KindRoleUpdate:
		return "update"
	default:
		return "failure"
	}
}

// FailureReason is a machine-readable cause of a failed session.
type FailureReason string

// Failure reasons.
const (
	ReasonNone                  FailureReason = ""
	ReasonInactivity            FailureReason = "inactivity"
	ReasonRetriesExhausted      FailureReason = "retries_exhausted"
	ReasonDMUnavailable         FailureReason = "dm_unavailable"
	ReasonDMLost                FailureReason = "dm_lost"
	ReasonInProgressRoleMissing FailureReason = "in_progress_role_missing"
	ReasonVerifiedRoleMissing   FailureReason = "verified_role_missing"
	ReasonTaxonomyNotReady      FailureReason = "taxonomy_not_ready"
	ReasonSchemaMissing         FailureReason = "schema_missing"
	ReasonInterrupted           FailureReason = "interrupted"
	ReasonInternal              FailureReason = "internal_error"
)

// Describe returns the human-readable reason shown to members and admins.
func (r FailureReason) Describe() string {
	switch r {
	case ReasonNone:
		return "Verification completed."
	case ReasonInactivity:
		return "User inactive in DM."
	case ReasonRetriesExhausted:
		return "Max retries reached after conversation attempts."
	case ReasonDMUnavailable:
		return "Failed to send DM (DMs possibly disabled)."
	case ReasonDMLost:
		return "Failed to send DM (DMs disabled mid-process)."
	case ReasonInProgressRoleMissing:
		return "System error: verification in-progress role missing."
	case ReasonVerifiedRoleMissing:
		return "System error: verified role missing."
	case ReasonTaxonomyNotReady:
		return "System error: Role data not ready."
	case ReasonSchemaMissing:
		return "System error: LLM response schema missing."
	case ReasonInterrupted:
		return "Verification interrupted by a bot restart."
	default:
		return "Internal error during DM conversation."
	}
}

// IsConfiguration reports whether the reason stems from misconfiguration
// rather than member behaviour.
func (r FailureReason) IsConfiguration() bool {
	switch r {
	case ReasonInProgressRoleMissing, ReasonVerifiedRoleMissing, ReasonTaxonomyNotReady, ReasonSchemaMissing:
		return true
	}
	return false
}

// RoleDelta is the minimal role mutation computed at conclusion.
type RoleDelta struct {
	Add    []RoleID
	Remove []RoleID
}

// IsEmpty reports whether the delta changes nothing.
func (d RoleDelta) IsEmpty() bool { return len(d.Add) == 0 && len(d.Remove) == 0 }
