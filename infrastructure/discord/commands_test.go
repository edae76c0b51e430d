package discord

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ahrav/skillgate/internal/domain"
	"github.com/ahrav/skillgate/internal/ports"
	"github.com/ahrav/skillgate/internal/taxonomy"
	"github.com/ahrav/skillgate/internal/verification"
)

type inlineSpawner struct {
	mu    sync.Mutex
	names []string
	err   error
}

func (s *inlineSpawner) Go(name string, fn func(ctx context.Context) error) error {
	if s.err != nil {
		return s.err
	}
	s.mu.Lock()
	s.names = append(s.names, name)
	s.mu.Unlock()
	_ = fn(context.Background())
	return nil
}

type startCall struct {
	user    domain.UserID
	trigger verification.Trigger
}

type fakeVerifier struct {
	mu     sync.Mutex
	calls  []startCall
	result verification.StartResult
	err    error
}

func (v *fakeVerifier) Start(_ context.Context, user domain.UserID, trigger verification.Trigger) (verification.StartResult, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.calls = append(v.calls, startCall{user: user, trigger: trigger})
	return v.result, v.err
}

func (v *fakeVerifier) Notice(result verification.StartResult, member domain.Member) string {
	return result.String() + " for " + member.Mention()
}

type fakeAdmin struct {
	batches  []int
	report   verification.BatchReport
	reset    int
	resetErr error
}

func (a *fakeAdmin) InitiateBatch(_ context.Context, count int) (verification.BatchReport, error) {
	a.batches = append(a.batches, count)
	return a.report, nil
}

func (a *fakeAdmin) ResetStale(context.Context) (int, error) { return a.reset, a.resetErr }

type fakeRebuilder struct {
	t   *domain.Taxonomy
	err error
}

func (r fakeRebuilder) Rebuild(context.Context) (*domain.Taxonomy, error) { return r.t, r.err }

type fakeAnnouncer struct{ embeds []ports.Embed }

func (a *fakeAnnouncer) Send(_ context.Context, e ports.Embed) bool {
	a.embeds = append(a.embeds, e)
	return true
}

type fakeResponder struct {
	responses  []*discordgo.InteractionResponse
	edits      []string
	respondErr error
}

func (r *fakeResponder) InteractionRespond(_ *discordgo.Interaction, resp *discordgo.InteractionResponse, _ ...discordgo.RequestOption) error {
	if r.respondErr != nil {
		return r.respondErr
	}
	r.responses = append(r.responses, resp)
	return nil
}

func (r *fakeResponder) InteractionResponseEdit(_ *discordgo.Interaction, edit *discordgo.WebhookEdit, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	r.edits = append(r.edits, *edit.Content)
	return &discordgo.Message{}, nil
}

const adminRole domain.RoleID = 77

type commandFixture struct {
	verifier  *fakeVerifier
	admin     *fakeAdmin
	announcer *fakeAnnouncer
	spawner   *inlineSpawner
	responder *fakeResponder
	commands  *Commands
}

func newCommandFixture(rebuilder Rebuilder) *commandFixture {
	f := &commandFixture{
		verifier:  &fakeVerifier{result: verification.StartOK},
		admin:     &fakeAdmin{},
		announcer: &fakeAnnouncer{},
		spawner:   &inlineSpawner{},
		responder: &fakeResponder{},
	}
	if rebuilder == nil {
		rebuilder = fakeRebuilder{}
	}
	f.commands = NewCommands(CommandsConfig{
		AdminRoles: []domain.RoleID{adminRole},
		Verifier:   f.verifier,
		Admin:      f.admin,
		Rebuilder:  rebuilder,
		Announcer:  f.announcer,
		Spawner:    f.spawner,
		Logger:     zap.NewNop(),
	})
	return f
}

func interaction(member *discordgo.Member, name string, options ...*discordgo.ApplicationCommandInteractionDataOption) *discordgo.InteractionCreate {
	return &discordgo.InteractionCreate{Interaction: &discordgo.Interaction{
		Type:   discordgo.InteractionApplicationCommand,
		Member: member,
		Data:   discordgo.ApplicationCommandInteractionData{Name: name, Options: options},
	}}
}

func adminCommand(member *discordgo.Member, sub string, options ...*discordgo.ApplicationCommandInteractionDataOption) *discordgo.InteractionCreate {
	return interaction(member, CommandAdmin, &discordgo.ApplicationCommandInteractionDataOption{
		Name:    sub,
		Type:    discordgo.ApplicationCommandOptionSubCommand,
		Options: options,
	})
}

func plainMember() *discordgo.Member {
	return &discordgo.Member{User: &discordgo.User{ID: "42"}}
}

func roleAdmin() *discordgo.Member {
	return &discordgo.Member{User: &discordgo.User{ID: "7"}, Roles: []string{"5", adminRole.String()}}
}

func permissionAdmin() *discordgo.Member {
	return &discordgo.Member{User: &discordgo.User{ID: "8"}, Permissions: discordgo.PermissionAdministrator}
}

func TestCommands_AssignRoles(t *testing.T) {
	// Given a member asking to be verified
	f := newCommandFixture(nil)

	// When the command arrives
	f.commands.Handle(f.responder, interaction(plainMember(), CommandAssignRoles))

	// Then it is deferred ephemerally and answered with the start notice
	require.Len(t, f.responder.responses, 1)
	ack := f.responder.responses[0]
	assert.Equal(t, discordgo.InteractionResponseDeferredChannelMessageWithSource, ack.Type)
	assert.Equal(t, discordgo.MessageFlagsEphemeral, ack.Data.Flags)
	assert.Equal(t, []startCall{{user: "42", trigger: verification.TriggerSelf}}, f.verifier.calls)
	assert.Equal(t, []string{verification.StartOK.String() + " for <@42>"}, f.responder.edits)
	assert.Equal(t, []string{"command:" + CommandAssignRoles}, f.spawner.names)
}

func TestCommands_AdminRequiresPermission(t *testing.T) {
	f := newCommandFixture(nil)

	f.commands.Handle(f.responder, adminCommand(plainMember(), SubResetStale))

	assert.Equal(t, []string{noPermission}, f.responder.edits)
	assert.Empty(t, f.admin.batches)
}

func TestCommands_VerifyUser(t *testing.T) {
	target := &discordgo.ApplicationCommandInteractionDataOption{
		Name:  "member",
		Type:  discordgo.ApplicationCommandOptionUser,
		Value: "99",
	}
	tests := []struct {
		name   string
		result verification.StartResult
		err    error
		want   string
	}{
		{"started", verification.StartOK, nil, "Started verification for <@99>."},
		{"already active", verification.StartAlreadyActive, domain.ErrSessionActive, "A verification is already in progress for <@99>."},
		{"dm closed", verification.StartDMFailed, ports.ErrForbidden, "Could not send a DM to <@99>. Their DMs may be closed."},
		{"bot", verification.StartBot, domain.ErrBotMember, verification.StartBot.String() + " for <@99>"},
		{"failed", verification.StartFailed, errors.New("boom"), "Could not start verification for <@99>: boom"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newCommandFixture(nil)
			f.verifier.result, f.verifier.err = tt.result, tt.err

			f.commands.Handle(f.responder, adminCommand(roleAdmin(), SubVerifyUser, target))

			assert.Equal(t, []string{tt.want}, f.responder.edits)
			assert.Equal(t, []startCall{{user: "99", trigger: verification.TriggerAdmin}}, f.verifier.calls)
		})
	}
}

func TestCommands_InitiateBatch(t *testing.T) {
	count := func(v float64) *discordgo.ApplicationCommandInteractionDataOption {
		return &discordgo.ApplicationCommandInteractionDataOption{
			Name:  "count",
			Type:  discordgo.ApplicationCommandOptionInteger,
			Value: v,
		}
	}

	t.Run("reports the batch", func(t *testing.T) {
		f := newCommandFixture(nil)
		f.admin.report = verification.BatchReport{Attempted: 5, Started: 4, Skipped: 1}

		f.commands.Handle(f.responder, adminCommand(permissionAdmin(), SubInitiateBatch, count(5)))

		assert.Equal(t, []int{5}, f.admin.batches)
		assert.Equal(t, []string{f.admin.report.String()}, f.responder.edits)
	})

	t.Run("rejects out of range counts", func(t *testing.T) {
		f := newCommandFixture(nil)

		f.commands.Handle(f.responder, adminCommand(permissionAdmin(), SubInitiateBatch, count(maxBatchCount+1)))

		assert.Empty(t, f.admin.batches)
		assert.Equal(t, []string{"Count must be between 1 and 100."}, f.responder.edits)
	})
}

func TestCommands_ResetStale(t *testing.T) {
	f := newCommandFixture(nil)
	f.admin.reset = 2
	f.admin.resetErr = errors.New("member 5: forbidden")

	f.commands.Handle(f.responder, adminCommand(roleAdmin(), SubResetStale))

	assert.Equal(t, []string{"Reset 2 stale verification(s).\nErrors: member 5: forbidden"}, f.responder.edits)
}

func TestCommands_RebuildRoles(t *testing.T) {
	tax := domain.NewTaxonomy(
		map[string][]domain.RoleID{"Languages": {2, 3}},
		[]domain.Role{{ID: 2, Name: "Python"}, {ID: 3, Name: "Golang"}},
	)

	t.Run("announces the new taxonomy", func(t *testing.T) {
		f := newCommandFixture(fakeRebuilder{t: tax})

		f.commands.Handle(f.responder, adminCommand(roleAdmin(), SubRebuildRoles))

		assert.Equal(t, []string{taxonomy.Summary(tax)}, f.responder.edits)
		require.Len(t, f.announcer.embeds, 1)
		assert.Equal(t, "Role categories rebuilt", f.announcer.embeds[0].Title)
		assert.Equal(t, taxonomy.Fields(tax), f.announcer.embeds[0].Fields)
	})

	t.Run("reports failures", func(t *testing.T) {
		f := newCommandFixture(fakeRebuilder{err: errors.New("llm down")})

		f.commands.Handle(f.responder, adminCommand(roleAdmin(), SubRebuildRoles))

		assert.Equal(t, []string{"Role category rebuild failed: llm down"}, f.responder.edits)
		assert.Empty(t, f.announcer.embeds)
	})
}

func TestCommands_IgnoresOtherInteractions(t *testing.T) {
	f := newCommandFixture(nil)
	i := interaction(plainMember(), CommandAssignRoles)
	i.Type = discordgo.InteractionMessageComponent

	f.commands.Handle(f.responder, i)

	assert.Empty(t, f.responder.responses)
	assert.Empty(t, f.spawner.names)
}

func TestCommands_AcknowledgeFailureSkipsWork(t *testing.T) {
	f := newCommandFixture(nil)
	f.responder.respondErr = errors.New("unknown interaction")

	f.commands.Handle(f.responder, interaction(plainMember(), CommandAssignRoles))

	assert.Empty(t, f.verifier.calls)
	assert.Empty(t, f.responder.edits)
}
