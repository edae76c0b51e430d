package discord

import (
	"context"
	"errors"
	"fmt"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"

	"github.com/ahrav/skillgate/internal/domain"
	"github.com/ahrav/skillgate/internal/ports"
	"github.com/ahrav/skillgate/internal/taxonomy"
	"github.com/ahrav/skillgate/internal/verification"
)

// Command and subcommand names.
const (
	CommandAssignRoles = "assign-roles"
	CommandAdmin       = "admin"

	SubVerifyUser    = "verify-user"
	SubInitiateBatch = "initiate-verification-batch"
	SubResetStale    = "reset-stale-verifications"
	SubRebuildRoles  = "rebuild-role-categories"

	maxBatchCount = 100
)

const noPermission = "You do not have permission to use this command."

var minBatchCount = 1.0

// Definitions are the slash commands registered for the guild.
var Definitions = []*discordgo.ApplicationCommand{
	{
		Name:        CommandAssignRoles,
		Description: "Start or update your skill role verification",
	},
	{
		Name:        CommandAdmin,
		Description: "Verification administration",
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        SubVerifyUser,
				Description: "Start verification for a member",
				Options: []*discordgo.ApplicationCommandOption{{
					Type:        discordgo.ApplicationCommandOptionUser,
					Name:        "member",
					Description: "Member to verify",
					Required:    true,
				}},
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        SubInitiateBatch,
				Description: "Start verification for unverified members",
				Options: []*discordgo.ApplicationCommandOption{{
					Type:        discordgo.ApplicationCommandOptionInteger,
					Name:        "count",
					Description: "How many members to start",
					Required:    true,
					MinValue:    &minBatchCount,
					MaxValue:    maxBatchCount,
				}},
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        SubResetStale,
				Description: "Move members stuck in verification back to unverified",
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        SubRebuildRoles,
				Description: "Rebuild the skill role categories",
			},
		},
	},
}

// Administrator runs the directory-wide admin sweeps.
type Administrator interface {
	InitiateBatch(ctx context.Context, count int) (verification.BatchReport, error)
	ResetStale(ctx context.Context) (int, error)
}

// Rebuilder rebuilds the role taxonomy.
type Rebuilder interface {
	Rebuild(ctx context.Context) (*domain.Taxonomy, error)
}

// Announcer posts admin notifications.
type Announcer interface {
	Send(ctx context.Context, embed ports.Embed) bool
}

// Responder is the subset of *discordgo.Session used to answer interactions.
type Responder interface {
	InteractionRespond(interaction *discordgo.Interaction, resp *discordgo.InteractionResponse, options ...discordgo.RequestOption) error
	InteractionResponseEdit(interaction *discordgo.Interaction, newresp *discordgo.WebhookEdit, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// CommandsConfig wires the slash command handlers.
type CommandsConfig struct {
	AdminRoles []domain.RoleID
	Verifier   Verifier
	Admin      Administrator
	Rebuilder  Rebuilder
	Announcer  Announcer
	Spawner    verification.Spawner
	Logger     *zap.Logger
}

// Commands handles slash command interactions.
type Commands struct {
	cfg        CommandsConfig
	adminRoles domain.RoleSet
	logger     *zap.Logger
}

// NewCommands creates the command handlers.
func NewCommands(cfg CommandsConfig) *Commands {
	return &Commands{
		cfg:        cfg,
		adminRoles: domain.NewRoleSet(cfg.AdminRoles...),
		logger:     cfg.Logger.Named("commands"),
	}
}

// Register overwrites the guild's commands and attaches the handler.
func (c *Commands) Register(s *discordgo.Session, guildID string) error {
	if s.State == nil || s.State.User == nil {
		return errors.New("register commands: session is not open")
	}
	if _, err := s.ApplicationCommandBulkOverwrite(s.State.User.ID, guildID, Definitions); err != nil {
		return fmt.Errorf("register commands: %w", err)
	}
	s.AddHandler(func(s *discordgo.Session, i *discordgo.InteractionCreate) { c.Handle(s, i) })
	return nil
}

// Handle acknowledges the interaction ephemerally and answers it from a
// detached task, since batches can outlive the acknowledgement window.
func (c *Commands) Handle(r Responder, i *discordgo.InteractionCreate) {
	if i.Type != discordgo.InteractionApplicationCommand {
		return
	}
	data := i.ApplicationCommandData()
	user := invoker(i.Interaction)
	logger := c.logger.With(zap.String("command", data.Name), zap.String("user_id", user.ID))

	err := r.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{Flags: discordgo.MessageFlagsEphemeral},
	})
	if err != nil {
		logger.Error("failed to acknowledge interaction", zap.Error(err))
		return
	}

	err = c.cfg.Spawner.Go("command:"+data.Name, func(ctx context.Context) error {
		text := c.dispatch(ctx, i.Interaction, data)
		if _, err := r.InteractionResponseEdit(i.Interaction, &discordgo.WebhookEdit{Content: &text}); err != nil {
			logger.Error("failed to answer interaction", zap.Error(err))
			return err
		}
		return nil
	})
	if err != nil {
		logger.Warn("could not schedule command", zap.Error(err))
	}
}

func (c *Commands) dispatch(ctx context.Context, i *discordgo.Interaction, data discordgo.ApplicationCommandInteractionData) string {
	switch data.Name {
	case CommandAssignRoles:
		return c.assignRoles(ctx, i)
	case CommandAdmin:
		if !c.isAdmin(i) {
			return noPermission
		}
		if len(data.Options) == 0 {
			return "Unknown admin command."
		}
		sub := data.Options[0]
		switch sub.Name {
		case SubVerifyUser:
			return c.verifyUser(ctx, sub)
		case SubInitiateBatch:
			return c.initiateBatch(ctx, sub)
		case SubResetStale:
			return c.resetStale(ctx)
		case SubRebuildRoles:
			return c.rebuildRoles(ctx)
		}
	}
	return "Unknown command."
}

func (c *Commands) assignRoles(ctx context.Context, i *discordgo.Interaction) string {
	member := domain.Member{UserID: domain.UserID(invoker(i).ID)}
	result, err := c.cfg.Verifier.Start(ctx, member.UserID, verification.TriggerSelf)
	if err != nil && result == verification.StartFailed {
		c.logger.Error("assign-roles failed", zap.String("user_id", string(member.UserID)), zap.Error(err))
	}
	return c.cfg.Verifier.Notice(result, member)
}

func (c *Commands) verifyUser(ctx context.Context, sub *discordgo.ApplicationCommandInteractionDataOption) string {
	opt := option(sub, "member")
	if opt == nil {
		return "Please choose a member."
	}
	member := domain.Member{UserID: domain.UserID(opt.UserValue(nil).ID)}
	result, err := c.cfg.Verifier.Start(ctx, member.UserID, verification.TriggerAdmin)
	switch result {
	case verification.StartOK:
		return "Started verification for " + member.Mention() + "."
	case verification.StartAlreadyActive:
		return "A verification is already in progress for " + member.Mention() + "."
	case verification.StartDMFailed:
		return "Could not send a DM to " + member.Mention() + ". Their DMs may be closed."
	case verification.StartBot, verification.StartMisconfigured:
		return c.cfg.Verifier.Notice(result, member)
	default:
		return fmt.Sprintf("Could not start verification for %s: %v", member.Mention(), err)
	}
}

func (c *Commands) initiateBatch(ctx context.Context, sub *discordgo.ApplicationCommandInteractionDataOption) string {
	opt := option(sub, "count")
	if opt == nil {
		return "Please give a count."
	}
	count := int(opt.IntValue())
	if count < 1 || count > maxBatchCount {
		return fmt.Sprintf("Count must be between 1 and %d.", maxBatchCount)
	}
	report, err := c.cfg.Admin.InitiateBatch(ctx, count)
	if err != nil {
		return "Batch verification failed: " + err.Error()
	}
	return report.String()
}

func (c *Commands) resetStale(ctx context.Context) string {
	n, err := c.cfg.Admin.ResetStale(ctx)
	text := fmt.Sprintf("Reset %d stale verification(s).", n)
	if err != nil {
		text += "\nErrors: " + err.Error()
	}
	return text
}

func (c *Commands) rebuildRoles(ctx context.Context) string {
	t, err := c.cfg.Rebuilder.Rebuild(ctx)
	if err != nil {
		return "Role category rebuild failed: " + err.Error()
	}
	c.cfg.Announcer.Send(ctx, ports.Embed{
		Title:  "Role categories rebuilt",
		Color:  verification.ColorBlue,
		Fields: taxonomy.Fields(t),
	})
	return taxonomy.Summary(t)
}

func (c *Commands) isAdmin(i *discordgo.Interaction) bool {
	if i.Member == nil {
		return false
	}
	if i.Member.Permissions&discordgo.PermissionAdministrator != 0 {
		return true
	}
	for _, raw := range i.Member.Roles {
		if id, err := domain.ParseRoleID(raw); err == nil && c.adminRoles.Has(id) {
			return true
		}
	}
	return false
}

func invoker(i *discordgo.Interaction) *discordgo.User {
	if i.Member != nil && i.Member.User != nil {
		return i.Member.User
	}
	if i.User != nil {
		return i.User
	}
	return &discordgo.User{}
}

func option(sub *discordgo.ApplicationCommandInteractionDataOption, name string) *discordgo.ApplicationCommandInteractionDataOption {
	for _, o := range sub.Options {
		if o.Name == name {
			return o
		}
	}
	return nil
}
