package verification

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ahrav/skillgate/internal/domain"
	"github.com/ahrav/skillgate/internal/ports"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestMachine_ThreeTurnVerification(t *testing.T) {
	// Given a new member who answers three times and confirms on the last turn
	platform := newFakePlatform(newMember("alice", roleUnverified)).
		say("I write Go", "and Linux on my laptop", "yes")
	gateway := &fakeGateway{
		summary: "Alice is a Go developer.",
		results: []domain.GuidanceResult{
			guidance("Which languages besides Go?", false, domain.Classification{"Programming_Language": {3}}),
			guidance("Golang and Linux, correct?", false, domain.Classification{"Programming_Language": {3}, "Operating_System": {4}}),
			guidance("Great, assigning Golang and Linux.", true, domain.Classification{"Programming_Language": {3}, "Operating_System": {4}}),
		},
	}
	h := newHarness(t, platform, gateway, 3)

	// When the verification runs to completion
	result, err := h.machine.Start(context.Background(), "alice", TriggerJoin)

	// Then the member ends with exactly the confirmed roles plus verified
	require.NoError(t, err)
	assert.Equal(t, StartOK, result)
	assert.Equal(t, domain.NewRoleSet(3, 4, roleVerified), platform.memberRoles("alice"))
	assert.Zero(t, h.sessions.Len())

	require.Len(t, platform.added, 2)
	assert.Equal(t, []domain.RoleID{roleInProgress}, platform.added[0].ids)
	assert.Equal(t, "Verification process started/updated", platform.added[0].reason)
	assert.Equal(t, []domain.RoleID{3, 4, roleVerified}, platform.added[1].ids)
	require.Len(t, platform.removed, 1)
	assert.Equal(t, []domain.RoleID{roleUnverified, roleInProgress}, platform.removed[0].ids)
	assert.Equal(t, "Verification: Verification completed.", platform.removed[0].reason)

	require.Len(t, platform.dms, 4)
	assert.Contains(t, platform.dms[0], "<@alice>")
	assert.Contains(t, platform.dms[0], "**Gophers**")
	assert.Equal(t, "Great, assigning Golang and Linux.", platform.dms[3])

	// And the last turn carried the final-attempt directive
	require.Len(t, gateway.requests, 3)
	assert.Equal(t, "I write Go", gateway.requests[0].UserTurn)
	assert.True(t, strings.HasPrefix(gateway.requests[2].UserTurn, h.machine.assembler.FinalAttemptDirective()))
	assert.True(t, strings.HasSuffix(gateway.requests[2].UserTurn, "yes"))

	// And admins received one new-verification notification
	require.Len(t, platform.notifications, 1)
	assert.Equal(t, "✅ New User Verified: alice", platform.notifications[0].Title)
	assert.Equal(t, "Alice is a Go developer.", platform.notifications[0].Description)
	assert.Equal(t, ColorGreen, platform.notifications[0].Color)

	require.Len(t, h.audit.records, 1)
	rec := h.audit.records[0]
	assert.Equal(t, domain.OutcomeSuccess, rec.Outcome)
	assert.Equal(t, 3, rec.Turns)
	assert.False(t, rec.IsUpdate)

	assert.Equal(t, []domain.UserID{"alice"}, h.screener.screened)
	assert.Equal(t, [][]string{{"I write Go", "and Linux on my laptop", "yes"}}, h.screener.messages)
}

func TestMachine_InactivityConcludesFailure(t *testing.T) {
	// Given a member who never answers
	platform := newFakePlatform(newMember("bob", roleUnverified))
	h := newHarness(t, platform, &fakeGateway{}, 3)

	// When the verification starts
	result, err := h.machine.Start(context.Background(), "bob", TriggerSelf)

	// Then the session times out into unverified
	require.NoError(t, err)
	assert.Equal(t, StartOK, result)
	assert.Equal(t, domain.NewRoleSet(roleUnverified), platform.memberRoles("bob"))
	assert.Empty(t, h.gateway.requests)

	require.Len(t, platform.dms, 2)
	assert.Equal(t, h.machine.assembler.Bundle().Messages.Timeout, platform.dms[1])

	require.Len(t, platform.notifications, 1)
	assert.Equal(t, "❌ Verification Failed: bob", platform.notifications[0].Title)
	assert.Contains(t, platform.notifications[0].Description, "User inactive in DM.")
	require.Len(t, h.audit.records, 1)
	assert.Equal(t, domain.ReasonInactivity, h.audit.records[0].FailureReason)
	assert.Empty(t, h.screener.screened)
}

func TestMachine_TransportFailureKeepsRetries(t *testing.T) {
	// Given a gateway that fails once and then returns a confirmation
	platform := newFakePlatform(newMember("carol", roleUnverified)).say("Go", "Go please")
	gateway := &fakeGateway{results: []domain.GuidanceResult{
		domain.TransportFailure(fmt.Errorf("status 500: %w", ports.ErrServiceUnavailable)),
		guidance("Assigning Golang.", true, domain.Classification{"Programming_Language": {3}}),
	}}
	h := newHarness(t, platform, gateway, 3)

	// When the member answers twice
	_, err := h.machine.Start(context.Background(), "carol", TriggerJoin)
	require.NoError(t, err)

	// Then the member got an apology, the failed turn cost no retry and the
	// next prompt asked the model to correct itself
	require.Len(t, platform.dms, 3)
	assert.Equal(t, h.machine.assembler.Bundle().Messages.Apology, platform.dms[1])

	require.Len(t, gateway.requests, 2)
	second := gateway.requests[1]
	assert.Equal(t, "Go please", second.UserTurn, "no final-attempt directive while retries remain")
	assert.Contains(t, second.System, h.machine.assembler.Mutate(domain.PromptModeSelfCorrect))
	assert.Len(t, second.History, 1, "failed turns are not recorded")

	assert.Equal(t, domain.NewRoleSet(3, roleVerified), platform.memberRoles("carol"))
	require.Len(t, h.audit.records, 1)
	assert.Equal(t, 2, h.audit.records[0].Turns)
}

func TestMachine_MissingSchemaEndsSession(t *testing.T) {
	// Given a gateway without the guidance schema
	platform := newFakePlatform(newMember("cole", roleUnverified)).say("Go", "Go please")
	gateway := &fakeGateway{results: []domain.GuidanceResult{
		domain.TransportFailure(ports.NewConfigError("get_verification_guidance", ports.ErrConfigNotFound)),
	}}
	h := newHarness(t, platform, gateway, 3)

	// When the member answers
	_, err := h.machine.Start(context.Background(), "cole", TriggerJoin)
	require.NoError(t, err)

	// Then the session fails at once as a configuration error
	assert.Len(t, gateway.requests, 1)
	require.Len(t, h.audit.records, 1)
	assert.Equal(t, domain.ReasonSchemaMissing, h.audit.records[0].FailureReason)
	assert.NotContains(t, platform.dms, h.machine.assembler.Bundle().Messages.Apology)
	assert.Equal(t, domain.NewRoleSet(roleUnverified), platform.memberRoles("cole"))
	assert.Len(t, platform.notifications, 1)
}

func TestMachine_ProtocolViolationsEscalateToStrict(t *testing.T) {
	platform := newFakePlatform(newMember("dan", roleUnverified)).say("a", "b", "c")
	gateway := &fakeGateway{results: []domain.GuidanceResult{
		domain.ProtocolViolation(ports.ErrInvalidResponse),
		domain.ProtocolViolation(ports.ErrInvalidResponse),
		domain.ProtocolViolation(ports.ErrInvalidResponse),
	}}
	h := newHarness(t, platform, gateway, 3)

	_, err := h.machine.Start(context.Background(), "dan", TriggerJoin)
	require.NoError(t, err)

	require.Len(t, gateway.requests, 3)
	assert.NotContains(t, gateway.requests[0].System, h.machine.assembler.Mutate(domain.PromptModeSelfCorrect))
	assert.Contains(t, gateway.requests[1].System, h.machine.assembler.Mutate(domain.PromptModeSelfCorrect))
	assert.Contains(t, gateway.requests[2].System, h.machine.assembler.Mutate(domain.PromptModeStrict))
	for _, req := range gateway.requests {
		assert.False(t, strings.HasPrefix(req.UserTurn, h.machine.assembler.FinalAttemptDirective()))
	}
	require.Len(t, h.audit.records, 1)
	assert.Equal(t, domain.ReasonInactivity, h.audit.records[0].FailureReason)
}

func TestMachine_RetriesExhausted(t *testing.T) {
	// Given two allowed turns and a member who never confirms
	platform := newFakePlatform(newMember("erin", roleUnverified)).say("hmm", "not sure")
	gateway := &fakeGateway{results: []domain.GuidanceResult{
		guidance("Could you tell me more?", false, nil),
		guidance("Still unclear.", false, nil),
	}}
	h := newHarness(t, platform, gateway, 2)

	_, err := h.machine.Start(context.Background(), "erin", TriggerJoin)
	require.NoError(t, err)

	// Then the second turn is the final attempt and the session fails
	require.Len(t, gateway.requests, 2)
	assert.True(t, strings.HasPrefix(gateway.requests[1].UserTurn, h.machine.assembler.FinalAttemptDirective()))

	require.Len(t, platform.dms, 4)
	assert.Contains(t, platform.dms[3], "**Gophers** could not be completed")
	assert.Contains(t, platform.dms[3], "Max retries reached")
	assert.Equal(t, domain.NewRoleSet(roleUnverified), platform.memberRoles("erin"))
	require.Len(t, platform.notifications, 1)
	assert.Equal(t, "❌ Verification Failed: erin", platform.notifications[0].Title)
}

func TestMachine_UpdateSessionReplacesManagedRoles(t *testing.T) {
	// Given a verified member holding Python who now only wants Golang
	platform := newFakePlatform(newMember("frank", roleVerified, 2)).say("I moved to Go")
	gateway := &fakeGateway{results: []domain.GuidanceResult{
		guidance("Switching you to Golang.", true, domain.Classification{"Programming_Language": {3}}),
	}}
	h := newHarness(t, platform, gateway, 3)

	_, err := h.machine.Start(context.Background(), "frank", TriggerSelf)
	require.NoError(t, err)

	// Then the first request carried the current roles as context
	require.Len(t, gateway.requests, 1)
	history := gateway.requests[0].History
	require.Len(t, history, 2)
	assert.Contains(t, history[1].Content, "Python")
	assert.GreaterOrEqual(t, platform.rolesFetched, 1)

	// And the roles were replaced rather than accumulated
	assert.Equal(t, domain.NewRoleSet(3, roleVerified), platform.memberRoles("frank"))
	require.Len(t, platform.notifications, 1)
	assert.Equal(t, "🔄 User Roles Updated: frank", platform.notifications[0].Title)
	assert.Contains(t, platform.notifications[0].Description, "**New Skill/Experience/OS Roles:** Golang")
	assert.True(t, h.audit.records[0].IsUpdate)
	assert.Empty(t, h.screener.screened, "only new verifications are screened")
}

func TestMachine_StartRefusals(t *testing.T) {
	t.Run("bot", func(t *testing.T) {
		m := newMember("robot")
		m.Bot = true
		h := newHarness(t, newFakePlatform(m), &fakeGateway{}, 3)

		result, err := h.machine.Start(context.Background(), "robot", TriggerSelf)

		assert.Equal(t, StartBot, result)
		assert.ErrorIs(t, err, domain.ErrBotMember)
		assert.Zero(t, h.sessions.Len())
		assert.Equal(t, "Bots do not require verification.", h.machine.Notice(result, m))
	})

	t.Run("already active from join", func(t *testing.T) {
		platform := newFakePlatform(newMember("gina", roleUnverified))
		h := newHarness(t, platform, &fakeGateway{}, 3)
		require.NoError(t, h.sessions.Open(domain.NewSession("gina", 3, false, nil, h.machine.now())))

		result, err := h.machine.Start(context.Background(), "gina", TriggerJoin)

		assert.Equal(t, StartAlreadyActive, result)
		assert.ErrorIs(t, err, domain.ErrSessionActive)
		require.Len(t, platform.dms, 1)
		assert.Contains(t, platform.dms[0], "already underway for you, <@gina>")
		assert.Equal(t, 1, h.sessions.Len())
	})

	t.Run("already active from command", func(t *testing.T) {
		platform := newFakePlatform(newMember("gina", roleUnverified))
		h := newHarness(t, platform, &fakeGateway{}, 3)
		require.NoError(t, h.sessions.Open(domain.NewSession("gina", 3, false, nil, h.machine.now())))

		result, _ := h.machine.Start(context.Background(), "gina", TriggerSelf)

		assert.Equal(t, StartAlreadyActive, result)
		assert.Empty(t, platform.dms, "the command reply carries the notice")
	})

	t.Run("unknown member", func(t *testing.T) {
		h := newHarness(t, newFakePlatform(), &fakeGateway{}, 3)

		result, err := h.machine.Start(context.Background(), "ghost", TriggerAdmin)

		assert.Equal(t, StartFailed, result)
		assert.ErrorIs(t, err, ports.ErrNotFound)
	})
}

func TestMachine_MissingInProgressRole(t *testing.T) {
	// Given a server without the in-progress role
	platform := newFakePlatform(newMember("hank", roleUnverified))
	delete(platform.roles, roleInProgress)
	h := newHarness(t, platform, &fakeGateway{}, 3)

	// When verification starts
	result, err := h.machine.Start(context.Background(), "hank", TriggerSelf)

	// Then it stops at once with a configuration failure
	require.NoError(t, err)
	assert.Equal(t, StartMisconfigured, result)
	assert.Zero(t, h.sessions.Len())
	assert.Equal(t, []string{h.machine.assembler.Bundle().Messages.InProgressRoleMissing}, platform.dms)
	require.Len(t, platform.notifications, 1)
	assert.Contains(t, platform.notifications[0].Description, "verification in-progress role missing")
	assert.Equal(t, domain.ReasonInProgressRoleMissing, h.audit.records[0].FailureReason)
}

func TestMachine_PrivateMessagesForbidden(t *testing.T) {
	// Given a member who blocks private messages and holds no status role
	platform := newFakePlatform(newMember("iris"))
	platform.dmErr = fmt.Errorf("send dm: %w", ports.ErrForbidden)
	h := newHarness(t, platform, &fakeGateway{}, 3)

	result, err := h.machine.Start(context.Background(), "iris", TriggerSelf)

	// Then the start fails, the member lands in unverified and admins hear once
	require.NoError(t, err)
	assert.Equal(t, StartDMFailed, result)
	assert.Equal(t, domain.NewRoleSet(roleUnverified), platform.memberRoles("iris"))
	require.Len(t, platform.notifications, 1)
	assert.Contains(t, platform.notifications[0].Description, "Failed to send DM (DMs possibly disabled).")
	assert.Contains(t, h.machine.Notice(result, newMember("iris")), "couldn't send you a DM, <@iris>")
}

func TestMachine_VerifiedRoleMissingDegradesToFailure(t *testing.T) {
	platform := newFakePlatform(newMember("jack", roleUnverified)).say("Python")
	delete(platform.roles, roleVerified)
	gateway := &fakeGateway{results: []domain.GuidanceResult{
		guidance("Assigning Python.", true, domain.Classification{"Programming_Language": {2}}),
	}}
	h := newHarness(t, platform, gateway, 3)

	_, err := h.machine.Start(context.Background(), "jack", TriggerJoin)
	require.NoError(t, err)

	assert.Equal(t, domain.NewRoleSet(roleUnverified), platform.memberRoles("jack"), "no skill roles without verified")
	assert.Equal(t, h.machine.assembler.Bundle().Messages.VerifiedRoleMissing, platform.dms[len(platform.dms)-1])
	require.Len(t, h.audit.records, 1)
	assert.Equal(t, domain.OutcomeFailure, h.audit.records[0].Outcome)
	assert.Equal(t, domain.ReasonVerifiedRoleMissing, h.audit.records[0].FailureReason)
}

func TestMachine_UnassignableSkillAlertsAdmins(t *testing.T) {
	platform := newFakePlatform(newMember("kim", roleUnverified)).say("Haskell and Go")
	res := guidance("Assigning Golang.", true, domain.Classification{"Programming_Language": {3}})
	res.Guidance.UnassignableSkills = []domain.UnassignableSkill{{Skill: "Haskell", Category: "Programming_Language"}}
	h := newHarness(t, platform, &fakeGateway{results: []domain.GuidanceResult{res}}, 3)

	_, err := h.machine.Start(context.Background(), "kim", TriggerJoin)
	require.NoError(t, err)

	require.Len(t, platform.notifications, 2)
	alert := platform.notifications[0]
	assert.Equal(t, "🔔 Unmappable Skill Alert", alert.Title)
	assert.Equal(t, "`Haskell`", alert.Fields[1].Value)
	assert.Equal(t, "✅ New User Verified: kim", platform.notifications[1].Title)
	assert.Contains(t, h.spawner.names, "unmappable-skill:kim")
}

func TestMachine_ShutdownInterruptsSession(t *testing.T) {
	// Given a session whose task context is already cancelled
	platform := newFakePlatform(newMember("lena", roleUnverified)).say("hello")
	h := newHarness(t, platform, &fakeGateway{}, 3)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	h.spawner.ctx = ctx

	// When the dialogue runs
	result, err := h.machine.Start(context.Background(), "lena", TriggerJoin)

	// Then the session concludes as interrupted and still cleans up roles
	require.NoError(t, err)
	assert.Equal(t, StartOK, result)
	assert.Equal(t, domain.NewRoleSet(roleUnverified), platform.memberRoles("lena"))
	require.Len(t, h.audit.records, 1)
	assert.Equal(t, domain.ReasonInterrupted, h.audit.records[0].FailureReason)
	assert.Len(t, platform.notifications, 1)
}

func TestMachine_ActiveUsers(t *testing.T) {
	h := newHarness(t, newFakePlatform(), &fakeGateway{}, 3)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, h.sessions.Open(domain.NewSession("late", 3, false, nil, base.Add(time.Minute))))
	require.NoError(t, h.sessions.Open(domain.NewSession("early", 3, false, nil, base)))

	assert.Equal(t, []domain.UserID{"early", "late"}, h.machine.ActiveUsers())
}

func TestMachine_EmptyTaxonomyConcludesNotReady(t *testing.T) {
	platform := newFakePlatform(newMember("mia", roleUnverified)).say("Go")
	h := newHarness(t, platform, &fakeGateway{}, 3)
	h.machine.taxonomy = staticTaxonomy{}
	h.machine.reconciler.taxonomy = staticTaxonomy{}

	_, err := h.machine.Start(context.Background(), "mia", TriggerJoin)
	require.NoError(t, err)

	assert.Empty(t, h.gateway.requests)
	assert.Equal(t, h.machine.assembler.Bundle().Messages.RolesNotReady, platform.dms[len(platform.dms)-1])
	assert.Equal(t, domain.ReasonTaxonomyNotReady, h.audit.records[0].FailureReason)
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Config{}, Deps{})
	assert.Error(t, err)
}
