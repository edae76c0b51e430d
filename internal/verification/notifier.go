package verification

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ahrav/skillgate/internal/domain"
	"github.com/ahrav/skillgate/internal/ports"
)

// Embed colours.
const (
	ColorGreen  = 0x2ECC71
	ColorOrange = 0xE67E22
	ColorRed    = 0xE74C3C
	ColorBlue   = 0x3498DB
)

// Notifier posts admin notifications to the configured channel. Delivery
// failures are logged and never surface to the caller.
type Notifier struct {
	platform ports.Platform
	channel  string
	logger   *zap.Logger
	now      func() time.Time
}

// NewNotifier creates a notifier. An empty channel disables delivery.
func NewNotifier(platform ports.Platform, channel string, logger *zap.Logger) *Notifier {
	return &Notifier{
		platform: platform,
		channel:  channel,
		logger:   logger.Named("notifier"),
		now:      time.Now,
	}
}

// Send posts embed and reports whether it was delivered.
func (n *Notifier) Send(ctx context.Context, embed ports.Embed) bool {
	if n.channel == "" {
		n.logger.Debug("notification channel not set, skipping", zap.String("title", embed.Title))
		return false
	}
	if embed.Timestamp.IsZero() {
		embed.Timestamp = n.now()
	}
	if err := n.platform.SendChannelNotification(ctx, n.channel, embed); err != nil {
		n.logger.Error("failed to send admin notification",
			zap.String("title", embed.Title),
			zap.String("channel_id", n.channel),
			zap.Error(err))
		return false
	}
	n.logger.Info("sent admin notification", zap.String("title", embed.Title))
	return true
}

// UnmappableSkill alerts admins about a skill with no matching role.
func (n *Notifier) UnmappableSkill(ctx context.Context, member domain.Member, skill domain.UnassignableSkill) {
	n.Send(ctx, UnmappableSkillEmbed(member, skill))
}

// NewVerificationEmbed frames a first successful verification.
func NewVerificationEmbed(member domain.Member, summary string) ports.Embed {
	return ports.Embed{
		Title:       "✅ New User Verified: " + member.Name(),
		Description: summary,
		Color:       ColorGreen,
	}
}

// RoleUpdateEmbed frames a successful update session.
func RoleUpdateEmbed(member domain.Member, roles []string) ports.Embed {
	return ports.Embed{
		Title: "🔄 User Roles Updated: " + member.Name(),
		Description: fmt.Sprintf("%s has updated their roles.\n**New Skill/Experience/OS Roles:** %s",
			member.Mention(), joinOrNone(roles)),
		Color: ColorOrange,
	}
}

// FailureEmbed frames a failed session.
func FailureEmbed(member domain.Member, reason string) ports.Embed {
	return ports.Embed{
		Title: "❌ Verification Failed: " + member.Name(),
		Description: fmt.Sprintf("%s could not complete verification.\nReason: %s\nStatus: Unverified",
			member.Mention(), reason),
		Color: ColorRed,
	}
}

// UnmappableSkillEmbed frames an unassignable skill reported by the model.
func UnmappableSkillEmbed(member domain.Member, skill domain.UnassignableSkill) ports.Embed {
	category := skill.Category
	if category == "" {
		category = "Unknown Category"
	}
	e := ports.Embed{
		Title: "🔔 Unmappable Skill Alert",
		Description: fmt.Sprintf("User %s (`%s`) mentioned a skill for which no corresponding role was found.",
			member.Mention(), member.UserID),
		Color:  ColorOrange,
		Footer: "Consider adding this as a new role if appropriate.",
	}
	e.AddField("User Name", member.Username, true).
		AddField("Skill Mentioned", "`"+skill.Skill+"`", true).
		AddField("Suggested Category", "`"+category+"`", true)
	return e
}

func joinOrNone(names []string) string {
	if len(names) == 0 {
		return "None"
	}
	return strings.Join(names, ", ")
}
