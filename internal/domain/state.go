package domain

// State is a position in the verification state machine.
type State int

// Verification states. A session moves INIT → AWAITING_REPLY → AWAITING_LLM
// and back to AWAITING_REPLY until it reaches CONCLUDING, after which it
// lands in exactly one terminal state.
const (
	StateInit State = iota
	StateAwaitingReply
	StateAwaitingLLM
	StateConcluding
	StateConcludedSuccess
	StateConcludedFailure
)

// String returns the lower snake case name of the state.
func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateAwaitingReply:
		return "awaiting_reply"
	case StateAwaitingLLM:
		return "awaiting_llm"
	case StateConcluding:
		return "concluding"
	case StateConcludedSuccess:
		return "concluded_success"
	case StateConcludedFailure:
		return "concluded_failure"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether no further transitions are possible.
func (s State) IsTerminal() bool {
	return s == StateConcludedSuccess || s == StateConcludedFailure
}

// CanTransition reports whether moving from s to next is allowed.
// Any non-terminal state may move to CONCLUDING, since timeouts,
// configuration errors and send failures can end a session at any point.
func (s State) CanTransition(next State) bool {
	if s.IsTerminal() {
		return false
	}
	if next == StateConcluding {
		return true
	}
	switch s {
	case StateInit:
		return next == StateAwaitingReply
	case StateAwaitingReply:
		return next == StateAwaitingLLM
	case StateAwaitingLLM:
		return next == StateAwaitingReply
	case StateConcluding:
		return next == StateConcludedSuccess || next == StateConcludedFailure
	}
	return false
}
