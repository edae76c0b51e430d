package prompt

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/ahrav/skillgate/internal/domain"
	"github.com/ahrav/skillgate/internal/ports"
)

// Limits bounds what the assembler sends to the model.
type Limits struct {
	// MaxPromptChars caps system prompt, history and user turn together.
	MaxPromptChars int
	// MaxHistoryMessages caps the history entries sent per turn.
	MaxHistoryMessages int
	// SummaryMaxChars caps the transcript handed to the summary prompt.
	SummaryMaxChars int
	// WelcomeMaxPromptChars caps the welcome system prompt.
	WelcomeMaxPromptChars int
}

// DefaultLimits mirrors the configuration defaults.
func DefaultLimits() Limits {
	return Limits{
		MaxPromptChars:        16000,
		MaxHistoryMessages:    12,
		SummaryMaxChars:       1800,
		WelcomeMaxPromptChars: 800,
	}
}

// welcomeUserMaxChars caps the user turn of a welcome request.
const welcomeUserMaxChars = 800

// Assembler renders the requests of every gateway operation.
// It holds no mutable state and is safe for concurrent use.
type Assembler struct {
	bundle *Bundle
	limits Limits
}

// NewAssembler creates an assembler over a validated bundle. Non-positive
// limits fall back to DefaultLimits.
func NewAssembler(bundle *Bundle, limits Limits) *Assembler {
	def := DefaultLimits()
	if limits.MaxPromptChars <= 0 {
		limits.MaxPromptChars = def.MaxPromptChars
	}
	if limits.MaxHistoryMessages <= 1 {
		limits.MaxHistoryMessages = def.MaxHistoryMessages
	}
	if limits.SummaryMaxChars <= 0 {
		limits.SummaryMaxChars = def.SummaryMaxChars
	}
	if limits.WelcomeMaxPromptChars <= 0 {
		limits.WelcomeMaxPromptChars = def.WelcomeMaxPromptChars
	}
	return &Assembler{bundle: bundle, limits: limits}
}

// Bundle returns the texts the assembler renders from.
func (a *Assembler) Bundle() *Bundle { return a.bundle }

// RolesText renders the live roles of the taxonomy, one category per line,
// as "- Category: 'Name' (ID: 123), ...". Categories without live roles are
// skipped.
func (a *Assembler) RolesText(tax *domain.Taxonomy) string {
	if tax.IsEmpty() {
		return a.bundle.Corrections.NoRolesDefined
	}
	var lines []string
	for _, category := range tax.Categories() {
		var parts []string
		for _, id := range tax.RolesIn(category) {
			name, _ := tax.Name(id)
			parts = append(parts, fmt.Sprintf("'%s' (ID: %s)", name, id))
		}
		if len(parts) > 0 {
			lines = append(lines, fmt.Sprintf("- %s: %s", category, strings.Join(parts, ", ")))
		}
	}
	if len(lines) == 0 {
		return a.bundle.Corrections.NoRolesDefined
	}
	return strings.Join(lines, "\n")
}

// BuildSystemPrompt renders the verification template against the live
// taxonomy and appends the corrective paragraph of mode.
func (a *Assembler) BuildSystemPrompt(tax *domain.Taxonomy, mode domain.PromptMode) string {
	system := Render(a.bundle.Templates.Verification, map[string]string{
		"available_roles_text_list": a.RolesText(tax),
	})
	if fix := a.Mutate(mode); fix != "" {
		system = strings.TrimRight(system, "\n") + "\n\n" + fix
	}
	return system
}

// Mutate returns the corrective paragraph for a prompt mode. Normal adds
// nothing.
func (a *Assembler) Mutate(mode domain.PromptMode) string {
	switch mode {
	case domain.PromptModeSelfCorrect:
		return strings.TrimSpace(a.bundle.Corrections.SelfCorrect)
	case domain.PromptModeStrict:
		return strings.TrimSpace(a.bundle.Corrections.Strict)
	default:
		return ""
	}
}

// BuildContextNote summarises the managed roles a member already holds. It
// only applies to the first substantive reply of an update session; ok is
// false otherwise.
func (a *Assembler) BuildContextNote(s *domain.Session, tax *domain.Taxonomy, current domain.RoleSet) (note string, ok bool) {
	if !s.IsUpdate || !s.IsFirstSubstantiveReply() {
		return "", false
	}
	var names []string
	if tax != nil {
		names = tax.Names(tax.Held(current))
	}
	if len(names) == 0 {
		return a.bundle.Corrections.ContextInitial, true
	}
	held := Render(a.bundle.Corrections.CurrentRoles, map[string]string{
		"role_names": strings.Join(names, ", "),
	})
	return Render(a.bundle.Corrections.ContextUpdate, map[string]string{"current_roles": held}), true
}

// FinalAttemptDirective is the instruction that forces the model to commit.
func (a *Assembler) FinalAttemptDirective() string { return a.bundle.Corrections.FinalAttempt }

// WrapFinalAttempt prefixes the member's raw input with the final-attempt
// directive.
func (a *Assembler) WrapFinalAttempt(input string) string {
	return a.finalAttemptPrefix() + input
}

func (a *Assembler) finalAttemptPrefix() string {
	return a.FinalAttemptDirective() + "\n\nUser's final input: "
}

// TrimHistory keeps the opening entry and the most recent entries so that
// at most MaxHistoryMessages are sent, followed by a note saying that
// entries were dropped.
func (a *Assembler) TrimHistory(history []domain.HistoryEntry) []domain.HistoryEntry {
	limit := a.limits.MaxHistoryMessages
	if len(history) <= limit {
		return append([]domain.HistoryEntry(nil), history...)
	}
	out := make([]domain.HistoryEntry, 0, limit+1)
	out = append(out, history[0])
	out = append(out, history[len(history)-(limit-1):]...)
	return append(out, a.omittedNote())
}

func (a *Assembler) omittedNote() domain.HistoryEntry {
	return domain.HistoryEntry{Speaker: domain.SpeakerAssistant, Content: a.bundle.Corrections.HistoryOmitted}
}

// BuildGuidanceRequest assembles one verification turn. The context note,
// when due, is appended as an assistant entry of this request only. The
// final-attempt directive is applied when exactly one retry is left.
func (a *Assembler) BuildGuidanceRequest(s *domain.Session, tax *domain.Taxonomy, current domain.RoleSet, input string) ports.GuidanceRequest {
	history := s.HistorySnapshot()
	if note, ok := a.BuildContextNote(s, tax, current); ok {
		history = append(history, domain.HistoryEntry{Speaker: domain.SpeakerAssistant, Content: note})
	}
	history = a.TrimHistory(history)

	system, history, turn := a.fit(a.BuildSystemPrompt(tax, s.Mode), history, input, s.RetriesLeft == 1)
	return ports.GuidanceRequest{System: system, History: history, UserTurn: turn}
}

// fit enforces MaxPromptChars over system prompt, history and user turn.
// They are kept whole where possible and the system prompt absorbs the cut
// down to half the budget. Past that, the oldest history entries after the
// opening give way to the omission note and then the member's input is
// smart-trimmed. The final-attempt directive is never cut while it fits.
func (a *Assembler) fit(system string, history []domain.HistoryEntry, input string, final bool) (string, []domain.HistoryEntry, string) {
	budget := a.limits.MaxPromptChars
	share := budget - budget/2

	turn := input
	if final {
		turn = a.WrapFinalAttempt(input)
	}
	if runeLen(turn)+historyLen(history) > share {
		history = a.shrinkHistory(history, share-min(runeLen(turn), share/2))
		turn = a.fitTurn(input, final, share-historyLen(history))
	}
	return SmartTrim(system, budget-runeLen(turn)-historyLen(history)), history, turn
}

// fitTurn bounds the user turn to limit runes, keeping the start and the
// end of the member's input around the omission marker.
func (a *Assembler) fitTurn(input string, final bool, limit int) string {
	if !final {
		return SmartTrim(input, limit)
	}
	prefix := a.finalAttemptPrefix()
	if room := limit - runeLen(prefix); room > 0 {
		return prefix + SmartTrim(input, room)
	}
	return SmartTrim(prefix+input, limit)
}

// shrinkHistory drops entries after the opening, oldest first, until the
// history fits within limit runes. When not even the opening and the note
// fit, the note alone or nothing is returned.
func (a *Assembler) shrinkHistory(history []domain.HistoryEntry, limit int) []domain.HistoryEntry {
	if historyLen(history) <= limit || len(history) == 0 {
		return history
	}
	note := a.omittedNote()
	head := history[0]
	tail := history[1:]
	if n := len(tail); n > 0 && tail[n-1] == note {
		tail = tail[:n-1]
	}
	for len(tail) > 0 {
		candidate := append([]domain.HistoryEntry{head}, tail...)
		candidate = append(candidate, note)
		if historyLen(candidate) <= limit {
			return candidate
		}
		tail = tail[1:]
	}
	switch {
	case runeLen(head.Content)+runeLen(note.Content) <= limit:
		return []domain.HistoryEntry{head, note}
	case runeLen(note.Content) <= limit:
		return []domain.HistoryEntry{note}
	default:
		return nil
	}
}

// BuildSummaryPrompt renders the admin summary prompt from the member's own
// messages. The transcript keeps its most recent SummaryMaxChars.
func (a *Assembler) BuildSummaryPrompt(s *domain.Session, assignedRoles []string) string {
	var lines []string
	for _, e := range a.TrimHistory(s.HistorySnapshot()) {
		if e.Speaker == domain.SpeakerUser {
			lines = append(lines, "user: "+e.Content)
		}
	}
	transcript := a.bundle.Corrections.NoUserMessages
	if len(lines) > 0 {
		transcript = KeepTail(strings.Join(lines, "\n"), a.limits.SummaryMaxChars)
	}

	roles := "None"
	if len(assignedRoles) > 0 {
		roles = strings.Join(assignedRoles, ", ")
	}
	return Render(a.bundle.Templates.Summary, map[string]string{
		"language":             "English",
		"conversation_history": transcript,
		"assigned_roles":       roles,
	})
}

// BuildCategorizationPrompt returns the categorisation system prompt.
func (a *Assembler) BuildCategorizationPrompt() string {
	return a.bundle.Templates.Categorization
}

// BuildSuspicionPrompt returns the suspicious-account system prompt.
func (a *Assembler) BuildSuspicionPrompt() string {
	return a.bundle.Templates.Suspicion
}

// BuildWelcome renders the welcome request for a new member. The system
// prompt is whitespace-normalised and smart-trimmed to
// WelcomeMaxPromptChars; the user turn is cut at a fixed size.
func (a *Assembler) BuildWelcome(member domain.Member, serverName string) ports.WelcomeRequest {
	vars := map[string]string{
		"server_name": serverName,
		"member_name": member.Name(),
		"member_id":   string(member.UserID),
	}
	system := NormalizeSpace(Render(a.bundle.Templates.Welcome, vars))
	return ports.WelcomeRequest{
		System:   SmartTrim(system, a.limits.WelcomeMaxPromptChars),
		Prompt:   Truncate(NormalizeSpace(Render(a.bundle.Templates.WelcomeUser, vars)), welcomeUserMaxChars, ""),
		Fallback: Render(a.bundle.Messages.WelcomeFallback, vars),
	}
}

func runeLen(s string) int { return utf8.RuneCountInString(s) }

func historyLen(history []domain.HistoryEntry) int {
	n := 0
	for _, e := range history {
		n += runeLen(e.Content)
	}
	return n
}
