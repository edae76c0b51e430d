package domain

import (
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
)

// Speaker is the author of a history entry.
type Speaker string

// Speakers accepted by chat-style LLM backends.
const (
	SpeakerSystem    Speaker = "system"
	SpeakerAssistant Speaker = "assistant"
	SpeakerUser      Speaker = "user"
)

// HistoryEntry is one message of the verification conversation.
type HistoryEntry struct {
	Speaker Speaker
	Content string
}

// PromptMode selects the corrective framing added to the system prompt after
// the gateway failed to produce usable guidance.
type PromptMode int

const (
	// PromptModeNormal adds nothing.
	PromptModeNormal PromptMode = iota
	// PromptModeSelfCorrect reminds the model that its last answer was unusable.
	PromptModeSelfCorrect
	// PromptModeStrict demands a bare function call with every required field.
	PromptModeStrict
)

// String returns the mode name.
func (m PromptMode) String() string {
	switch m {
	case PromptModeNormal:
		return "normal"
	case PromptModeSelfCorrect:
		return "self_correct"
	case PromptModeStrict:
		return "strict"
	default:
		return "unknown"
	}
}

// Escalate returns the next mode after a failed turn. Strict is sticky.
func (m PromptMode) Escalate() PromptMode {
	if m >= PromptModeStrict {
		return PromptModeStrict
	}
	return m + 1
}

// Session is the in-memory state of one member's verification.
// A session is owned by the single task driving its conversation; it is
// not safe for concurrent mutation.
type Session struct {
	ID        string
	UserID    UserID
	ChannelID string

	// RetriesLeft counts the inconclusive turns still allowed.
	RetriesLeft int
	History     []HistoryEntry

	// IsUpdate is set when the member already held the verified role or any
	// managed role at session start.
	IsUpdate bool
	// InitialRoles are the managed roles held at session start.
	InitialRoles []RoleID

	// LastProposed is kept for diagnostics only.
	LastProposed Classification

	Mode      PromptMode
	State     State
	Turns     int
	StartedAt time.Time
}

// NewSession creates a session in the INIT state.
func NewSession(user UserID, retries int, isUpdate bool, initialRoles []RoleID, now time.Time) *Session {
	return &Session{
		ID:           uuid.NewString(),
		UserID:       user,
		RetriesLeft:  retries,
		IsUpdate:     isUpdate,
		InitialRoles: slices.Clone(initialRoles),
		Mode:         PromptModeNormal,
		State:        StateInit,
		StartedAt:    now,
	}
}

// Transition moves the session to next, rejecting illegal moves.
func (s *Session) Transition(next State) error {
	if !s.State.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.State, next)
	}
	s.State = next
	return nil
}

// Append adds an entry to the conversation history.
func (s *Session) Append(speaker Speaker, content string) {
	s.History = append(s.History, HistoryEntry{Speaker: speaker, Content: content})
}

// HistorySnapshot returns a copy of the history.
func (s *Session) HistorySnapshot() []HistoryEntry { return slices.Clone(s.History) }

// IsFirstSubstantiveReply reports whether only the opening message has been
// recorded so far.
func (s *Session) IsFirstSubstantiveReply() bool {
	return len(s.History) == 1 && s.History[0].Speaker == SpeakerAssistant
}

// UserMessages returns the member-authored entries in order.
func (s *Session) UserMessages() []string {
	var out []string
	for _, e := range s.History {
		if e.Speaker == SpeakerUser {
			out = append(out, e.Content)
		}
	}
	return out
}
