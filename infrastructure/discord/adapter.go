// Package discord implements the platform ports over a discordgo session
// and routes gateway events and slash commands to the application.
package discord

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"

	"github.com/ahrav/skillgate/internal/domain"
	"github.com/ahrav/skillgate/internal/ports"
)

// Intents the bot needs: guild and member events plus the content of
// direct messages.
const Intents = discordgo.IntentGuilds |
	discordgo.IntentGuildMembers |
	discordgo.IntentDirectMessages |
	discordgo.IntentMessageContent

const membersPageSize = 1000

// API is the subset of *discordgo.Session the adapter calls.
type API interface {
	Guild(guildID string, options ...discordgo.RequestOption) (*discordgo.Guild, error)
	GuildRoles(guildID string, options ...discordgo.RequestOption) ([]*discordgo.Role, error)
	GuildMember(guildID, userID string, options ...discordgo.RequestOption) (*discordgo.Member, error)
	GuildMembers(guildID string, after string, limit int, options ...discordgo.RequestOption) ([]*discordgo.Member, error)
	GuildMemberRoleAdd(guildID, userID, roleID string, options ...discordgo.RequestOption) error
	GuildMemberRoleRemove(guildID, userID, roleID string, options ...discordgo.RequestOption) error
	UserChannelCreate(recipientID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	ChannelMessageSend(channelID string, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

var _ API = (*discordgo.Session)(nil)

// NewSession creates a bot session with the intents the adapter relies on.
// The session is not opened.
func NewSession(token string) (*discordgo.Session, error) {
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	s.Identify.Intents = Intents
	return s, nil
}

// Adapter implements ports.Platform and ports.Directory for one guild.
type Adapter struct {
	api     API
	guildID string
	inbox   *Inbox
	logger  *zap.Logger

	mu        sync.RWMutex
	guildName string
}

// NewAdapter creates an adapter for guildID. Private replies are read from
// inbox, which the event handlers feed.
func NewAdapter(api API, guildID string, inbox *Inbox, logger *zap.Logger) *Adapter {
	return &Adapter{
		api:       api,
		guildID:   guildID,
		inbox:     inbox,
		logger:    logger.Named("discord"),
		guildName: guildID,
	}
}

var (
	_ ports.Platform  = (*Adapter)(nil)
	_ ports.Directory = (*Adapter)(nil)
)

// LoadGuild fetches and caches the guild name.
func (a *Adapter) LoadGuild(ctx context.Context) error {
	g, err := a.api.Guild(a.guildID, discordgo.WithContext(ctx))
	if err != nil {
		return wrap("get_guild", "", 0, err)
	}
	a.mu.Lock()
	a.guildName = g.Name
	a.mu.Unlock()
	return nil
}

// GuildName returns the cached guild name, or the guild id before
// LoadGuild succeeded.
func (a *Adapter) GuildName() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.guildName
}

// GuildID returns the managed guild's snowflake.
func (a *Adapter) GuildID() string { return a.guildID }

func (a *Adapter) OpenPrivateChannel(ctx context.Context, user domain.UserID) (string, error) {
	ch, err := a.api.UserChannelCreate(string(user), discordgo.WithContext(ctx))
	if err != nil {
		return "", wrap("open_dm", user, 0, err)
	}
	return ch.ID, nil
}

func (a *Adapter) SendPrivateMessage(ctx context.Context, user domain.UserID, text string) error {
	channelID, err := a.OpenPrivateChannel(ctx, user)
	if err != nil {
		return err
	}
	if _, err := a.api.ChannelMessageSend(channelID, text, discordgo.WithContext(ctx)); err != nil {
		return wrap("send_dm", user, 0, err)
	}
	return nil
}

func (a *Adapter) WaitForNextPrivateMessage(ctx context.Context, user domain.UserID, channelID string, timeout time.Duration) (string, error) {
	return a.inbox.Wait(ctx, user, channelID, timeout)
}

func (a *Adapter) GetMember(ctx context.Context, user domain.UserID) (domain.Member, error) {
	m, err := a.api.GuildMember(a.guildID, string(user), discordgo.WithContext(ctx))
	if err != nil {
		return domain.Member{}, wrap("get_member", user, 0, err)
	}
	return toMember(m, a.logger), nil
}

func (a *Adapter) GetMemberRoles(ctx context.Context, user domain.UserID) (domain.RoleSet, error) {
	m, err := a.GetMember(ctx, user)
	if err != nil {
		return nil, err
	}
	return m.Roles, nil
}

// AddRoles grants each role in its own call; failures are joined.
func (a *Adapter) AddRoles(ctx context.Context, user domain.UserID, ids []domain.RoleID, reason string) error {
	var errs []error
	for _, id := range ids {
		err := a.api.GuildMemberRoleAdd(a.guildID, string(user), id.String(),
			discordgo.WithContext(ctx), discordgo.WithAuditLogReason(reason))
		if err != nil {
			errs = append(errs, wrap("add_role", user, id, err))
		}
	}
	return errors.Join(errs...)
}

// RemoveRoles revokes each role in its own call; failures are joined.
func (a *Adapter) RemoveRoles(ctx context.Context, user domain.UserID, ids []domain.RoleID, reason string) error {
	var errs []error
	for _, id := range ids {
		err := a.api.GuildMemberRoleRemove(a.guildID, string(user), id.String(),
			discordgo.WithContext(ctx), discordgo.WithAuditLogReason(reason))
		if err != nil {
			errs = append(errs, wrap("remove_role", user, id, err))
		}
	}
	return errors.Join(errs...)
}

func (a *Adapter) ResolveRole(ctx context.Context, id domain.RoleID) (domain.Role, bool, error) {
	roles, err := a.ListRoles(ctx)
	if err != nil {
		return domain.Role{}, false, err
	}
	for _, r := range roles {
		if r.ID == id {
			return r, true, nil
		}
	}
	return domain.Role{}, false, nil
}

func (a *Adapter) SendChannelNotification(ctx context.Context, channelID string, embed ports.Embed) error {
	if _, err := a.api.ChannelMessageSendEmbed(channelID, toEmbed(embed), discordgo.WithContext(ctx)); err != nil {
		return wrap("send_embed", "", 0, err)
	}
	return nil
}

// ListMembers pages through the whole member list.
func (a *Adapter) ListMembers(ctx context.Context) ([]domain.Member, error) {
	var (
		out   []domain.Member
		after string
	)
	for {
		page, err := a.api.GuildMembers(a.guildID, after, membersPageSize, discordgo.WithContext(ctx))
		if err != nil {
			return nil, wrap("list_members", "", 0, err)
		}
		for _, m := range page {
			out = append(out, toMember(m, a.logger))
		}
		if len(page) < membersPageSize {
			return out, nil
		}
		after = page[len(page)-1].User.ID
	}
}

func (a *Adapter) ListRoles(ctx context.Context) ([]domain.Role, error) {
	raw, err := a.api.GuildRoles(a.guildID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, wrap("list_roles", "", 0, err)
	}
	roles := make([]domain.Role, 0, len(raw))
	for _, r := range raw {
		id, err := domain.ParseRoleID(r.ID)
		if err != nil {
			a.logger.Warn("skipping role with malformed id", zap.String("role_id", r.ID))
			continue
		}
		roles = append(roles, domain.Role{
			ID:       id,
			Name:     r.Name,
			Position: r.Position,
			Managed:  r.Managed,
			Default:  r.ID == a.guildID,
		})
	}
	return roles, nil
}

func toMember(m *discordgo.Member, logger *zap.Logger) domain.Member {
	out := domain.Member{
		DisplayName: m.Nick,
		Roles:       make(domain.RoleSet, len(m.Roles)),
		JoinedAt:    m.JoinedAt,
	}
	if m.User != nil {
		out.UserID = domain.UserID(m.User.ID)
		out.Username = m.User.Username
		out.Bot = m.User.Bot
		if out.DisplayName == "" {
			out.DisplayName = m.User.GlobalName
		}
	}
	for _, raw := range m.Roles {
		id, err := domain.ParseRoleID(raw)
		if err != nil {
			logger.Warn("skipping member role with malformed id", zap.String("role_id", raw))
			continue
		}
		out.Roles.Add(id)
	}
	return out
}

func toEmbed(e ports.Embed) *discordgo.MessageEmbed {
	out := &discordgo.MessageEmbed{
		Title:       e.Title,
		Description: e.Description,
		Color:       e.Color,
	}
	for _, f := range e.Fields {
		out.Fields = append(out.Fields, &discordgo.MessageEmbedField{Name: f.Name, Value: f.Value, Inline: f.Inline})
	}
	if e.Footer != "" {
		out.Footer = &discordgo.MessageEmbedFooter{Text: e.Footer}
	}
	if !e.Timestamp.IsZero() {
		out.Timestamp = e.Timestamp.UTC().Format(time.RFC3339)
	}
	return out
}

// wrap maps discordgo REST failures onto the port sentinels.
func wrap(op string, user domain.UserID, role domain.RoleID, err error) error {
	if kind := classify(err); kind != nil {
		err = fmt.Errorf("%w: %w", kind, err)
	}
	return ports.NewPlatformError(op, user, role, err)
}

func classify(err error) error {
	var rest *discordgo.RESTError
	if !errors.As(err, &rest) {
		return nil
	}
	if rest.Message != nil {
		switch rest.Message.Code {
		case discordgo.ErrCodeCannotSendMessagesToThisUser:
			return ports.ErrForbidden
		case discordgo.ErrCodeUnknownMember, discordgo.ErrCodeUnknownUser, discordgo.ErrCodeUnknownRole:
			return ports.ErrNotFound
		}
	}
	if rest.Response == nil {
		return nil
	}
	switch code := rest.Response.StatusCode; {
	case code == http.StatusForbidden:
		return ports.ErrForbidden
	case code == http.StatusNotFound:
		return ports.ErrNotFound
	case code == http.StatusTooManyRequests:
		return ports.ErrRateLimited
	case code >= http.StatusInternalServerError:
		return ports.ErrServiceUnavailable
	}
	return nil
}
