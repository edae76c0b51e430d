package discord

import (
	"context"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"

	"github.com/ahrav/skillgate/internal/domain"
	"github.com/ahrav/skillgate/internal/ports"
	"github.com/ahrav/skillgate/internal/prompt"
	"github.com/ahrav/skillgate/internal/verification"
)

// Verifier starts verification sessions.
type Verifier interface {
	Start(ctx context.Context, user domain.UserID, trigger verification.Trigger) (verification.StartResult, error)
	Notice(result verification.StartResult, member domain.Member) string
}

// Welcomer generates welcome texts.
type Welcomer interface {
	Welcome(ctx context.Context, req ports.WelcomeRequest) string
}

// EventsConfig wires the gateway event handlers.
type EventsConfig struct {
	GuildID          string
	WelcomeChannelID string
	Inbox            *Inbox
	Platform         ports.Platform
	Verifier         Verifier
	Welcomer         Welcomer
	Assembler        *prompt.Assembler
	Spawner          verification.Spawner
	Logger           *zap.Logger
}

// Events handles the gateway events the bot reacts to.
type Events struct {
	cfg    EventsConfig
	logger *zap.Logger
}

// NewEvents creates the event handlers.
func NewEvents(cfg EventsConfig) *Events {
	return &Events{cfg: cfg, logger: cfg.Logger.Named("events")}
}

// Register attaches the handlers to s.
func (e *Events) Register(s *discordgo.Session) {
	s.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) { e.HandleMessage(m) })
	s.AddHandler(func(_ *discordgo.Session, m *discordgo.GuildMemberAdd) { e.HandleMemberJoin(m.Member) })
}

// HandleMessage feeds direct messages from humans into the inbox.
func (e *Events) HandleMessage(m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot || m.GuildID != "" {
		return
	}
	if !e.cfg.Inbox.Deliver(domain.UserID(m.Author.ID), m.ChannelID, m.Content) {
		e.logger.Debug("direct message without waiting session", zap.String("user_id", m.Author.ID))
	}
}

// HandleMemberJoin starts verification for a new human member and posts a
// welcome when a welcome channel is configured. Both run detached.
func (e *Events) HandleMemberJoin(m *discordgo.Member) {
	if m == nil || m.User == nil || m.User.Bot || (m.GuildID != "" && m.GuildID != e.cfg.GuildID) {
		return
	}
	member := toMember(m, e.logger)
	logger := e.logger.With(zap.String("user_id", string(member.UserID)))
	logger.Info("member joined")

	err := e.cfg.Spawner.Go("join:"+string(member.UserID), func(ctx context.Context) error {
		result, err := e.cfg.Verifier.Start(ctx, member.UserID, verification.TriggerJoin)
		logger.Info("join verification started", zap.Stringer("result", result))
		return err
	})
	if err != nil {
		logger.Warn("could not schedule join verification", zap.Error(err))
	}

	if e.cfg.WelcomeChannelID == "" {
		return
	}
	err = e.cfg.Spawner.Go("welcome:"+string(member.UserID), func(ctx context.Context) error {
		e.welcome(ctx, member)
		return nil
	})
	if err != nil {
		logger.Warn("could not schedule welcome", zap.Error(err))
	}
}

func (e *Events) welcome(ctx context.Context, member domain.Member) {
	text := e.cfg.Welcomer.Welcome(ctx, e.cfg.Assembler.BuildWelcome(member, e.cfg.Platform.GuildName()))
	embed := ports.Embed{
		Title:       "Welcome to " + e.cfg.Platform.GuildName() + "!",
		Description: text,
		Color:       verification.ColorBlue,
	}
	if err := e.cfg.Platform.SendChannelNotification(ctx, e.cfg.WelcomeChannelID, embed); err != nil {
		e.logger.Warn("failed to post welcome", zap.String("user_id", string(member.UserID)), zap.Error(err))
	}
}
