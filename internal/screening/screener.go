// Package screening flags freshly verified accounts that look like spam or
// abuse, and lifts the flag again once the account has aged.
package screening

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ahrav/skillgate/internal/domain"
	"github.com/ahrav/skillgate/internal/ports"
	"github.com/ahrav/skillgate/internal/prompt"
)

const (
	roleReasonMaxChars  = 200
	embedReasonMaxChars = 500
	colorOrange         = 0xE67E22
)

// Classifier decides whether a member's messages look suspicious.
type Classifier interface {
	ClassifySuspicion(ctx context.Context, system string, messages []string) (domain.SuspicionVerdict, error)
}

// Notifier posts an embed to the admin channel.
type Notifier interface {
	Send(ctx context.Context, embed ports.Embed) bool
}

// Screener runs the suspicion analysis after a new verification.
type Screener struct {
	platform ports.Platform
	llm      Classifier
	notifier Notifier
	system   string
	// role is the suspicious role; zero only notifies.
	role   domain.RoleID
	logger *zap.Logger
}

// NewScreener creates a Screener. system is the suspicion prompt.
func NewScreener(platform ports.Platform, llm Classifier, notifier Notifier, system string, role domain.RoleID, logger *zap.Logger) *Screener {
	return &Screener{
		platform: platform,
		llm:      llm,
		notifier: notifier,
		system:   system,
		role:     role,
		logger:   logger.Named("screening"),
	}
}

// Screen classifies the member's verification answers and, when flagged,
// marks the member and alerts admins. Members with no text are skipped.
func (s *Screener) Screen(ctx context.Context, member domain.Member, messages []string) error {
	logger := s.logger.With(zap.String("user_id", string(member.UserID)))
	if strings.TrimSpace(strings.Join(messages, "")) == "" {
		logger.Debug("no member messages to analyse")
		return nil
	}

	verdict, err := s.llm.ClassifySuspicion(ctx, s.system, messages)
	if err != nil {
		return fmt.Errorf("classify member %s: %w", member.UserID, err)
	}
	logger.Info("screening finished",
		zap.Int("messages", len(messages)),
		zap.Bool("suspicious", verdict.IsSuspicious))
	if !verdict.IsSuspicious {
		return nil
	}

	var errs []error
	if s.role != 0 && !member.HasRole(s.role) {
		reason := "Marked suspicious by LLM: " + prompt.Truncate(verdict.Reason, roleReasonMaxChars, "")
		if err := s.platform.AddRoles(ctx, member.UserID, []domain.RoleID{s.role}, reason); err != nil {
			logger.Error("failed to add suspicious role", zap.Stringer("role_id", s.role), zap.Error(err))
			errs = append(errs, err)
		}
	}
	s.notifier.Send(ctx, SuspiciousEmbed(member, verdict.Reason))
	return errors.Join(errs...)
}

// SuspiciousEmbed frames a flagged account for admins.
func SuspiciousEmbed(member domain.Member, reason string) ports.Embed {
	reason = prompt.Truncate(reason, embedReasonMaxChars, "")
	if reason == "" {
		reason = "No reason provided"
	}
	e := ports.Embed{
		Title:       "Suspicious account detected",
		Description: "A new account was flagged by the automated analysis.",
		Color:       colorOrange,
	}
	e.AddField("Member", member.Mention(), true).
		AddField("Member ID", string(member.UserID), true).
		AddField("Reason", reason, false)
	if !member.JoinedAt.IsZero() {
		e.AddField("Joined at", member.JoinedAt.UTC().Format(time.RFC3339), true)
	}
	return e
}
