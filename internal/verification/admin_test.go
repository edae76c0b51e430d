package verification

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/skillgate/internal/domain"
)

func sweepMembers() []domain.Member {
	bot := newMember("zbot", roleUnverified)
	bot.Bot = true
	late := newMember("late", roleUnverified)
	late.JoinedAt = late.JoinedAt.Add(time.Hour)
	return []domain.Member{
		late,
		newMember("waiting", roleUnverified),
		newMember("verified", roleVerified),
		newMember("stuck", roleInProgress),
		newMember("bare"),
		newMember("both", roleUnverified, roleInProgress),
		bot,
	}
}

func TestAdmin_BatchCandidates(t *testing.T) {
	h := newHarness(t, newFakePlatform(sweepMembers()...), &fakeGateway{}, 3)
	admin := NewAdmin(h.machine, h.platform, time.Millisecond)

	all, err := admin.BatchCandidates(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, []domain.UserID{"waiting", "late"}, userIDs(all), "ordered by join time")

	one, err := admin.BatchCandidates(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, []domain.UserID{"waiting"}, userIDs(one))
}

func TestAdmin_InitiateBatch(t *testing.T) {
	// Given two waiting members who both ignore the private message
	platform := newFakePlatform(sweepMembers()...)
	h := newHarness(t, platform, &fakeGateway{}, 3)
	admin := NewAdmin(h.machine, platform, time.Millisecond)

	// When an admin starts a batch of five
	report, err := admin.InitiateBatch(context.Background(), 5)

	// Then only the two candidates were attempted
	require.NoError(t, err)
	assert.Equal(t, 2, report.Attempted)
	assert.Equal(t, 2, report.Started)
	assert.Empty(t, report.Errors)
	assert.Contains(t, report.String(), "Attempted: 2, started: 2")

	_, err = admin.InitiateBatch(context.Background(), 0)
	assert.ErrorIs(t, err, domain.ErrInvalidConfiguration)
}

func TestAdmin_InitiateBatchStopsOnCancel(t *testing.T) {
	platform := newFakePlatform(sweepMembers()...)
	h := newHarness(t, platform, &fakeGateway{}, 3)
	admin := NewAdmin(h.machine, platform, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := admin.InitiateBatch(ctx, 5)

	require.NoError(t, err)
	assert.Zero(t, report.Started)
	require.Len(t, report.Errors, 1)
	assert.Contains(t, report.Errors[0], "batch interrupted")
}

func TestAdmin_ResetStale(t *testing.T) {
	// Given stuck members and one with a live session
	platform := newFakePlatform(append(sweepMembers(), newMember("live", roleInProgress))...)
	h := newHarness(t, platform, &fakeGateway{}, 3)
	require.NoError(t, h.sessions.Open(domain.NewSession("live", 3, false, nil, time.Now())))
	admin := NewAdmin(h.machine, platform, 0)

	// When resetting
	changed, err := admin.ResetStale(context.Background())

	// Then stuck humans land in unverified and everyone else is untouched
	require.NoError(t, err)
	assert.Equal(t, 3, changed)
	assert.Equal(t, domain.NewRoleSet(roleUnverified), platform.memberRoles("stuck"))
	assert.Equal(t, domain.NewRoleSet(roleUnverified), platform.memberRoles("bare"))
	assert.Equal(t, domain.NewRoleSet(roleUnverified), platform.memberRoles("both"))
	assert.Equal(t, domain.NewRoleSet(roleVerified), platform.memberRoles("verified"))
	assert.Equal(t, domain.NewRoleSet(roleInProgress), platform.memberRoles("live"))
	for _, call := range append(platform.added, platform.removed...) {
		assert.Equal(t, "Admin reset stale verification", call.reason)
	}
}

func TestAdmin_ResetStaleNeedsUnverifiedRole(t *testing.T) {
	platform := newFakePlatform(sweepMembers()...)
	delete(platform.roles, roleUnverified)
	h := newHarness(t, platform, &fakeGateway{}, 3)

	_, err := NewAdmin(h.machine, platform, 0).ResetStale(context.Background())

	assert.ErrorIs(t, err, domain.ErrRoleNotFound)
	assert.Empty(t, platform.added)
}

func TestNewAdmin_DefaultInterval(t *testing.T) {
	h := newHarness(t, newFakePlatform(), &fakeGateway{}, 3)

	assert.Equal(t, time.Second, NewAdmin(h.machine, h.platform, 0).interval)
	assert.Equal(t, 250*time.Millisecond, NewAdmin(h.machine, h.platform, 250*time.Millisecond).interval)
}

func userIDs(members []domain.Member) []domain.UserID {
	out := make([]domain.UserID, len(members))
	for i, m := range members {
		out[i] = m.UserID
	}
	return out
}
