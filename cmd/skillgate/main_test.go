package main

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/skillgate/infrastructure/store"
	"github.com/ahrav/skillgate/internal/domain"
	"github.com/ahrav/skillgate/internal/ports"
)

func setMinimalEnv(t *testing.T) {
	t.Helper()
	t.Setenv("DISCORD_BOT_TOKEN", "super-secret-token")
	t.Setenv("DISCORD_GUILD_ID", "1000")
	t.Setenv("LLM_PROVIDER", "openai")
	t.Setenv("LLM_API_URL", "http://localhost:8080/v1")
	t.Setenv("LLM_API_TOKEN", "")
	t.Setenv("LLM_MODEL_NAME", "test-model")
	t.Setenv("VERIFIED_ROLE_ID", "11")
	t.Setenv("UNVERIFIED_ROLE_ID", "12")
	t.Setenv("VERIFICATION_IN_PROGRESS_ROLE_ID", "13")
	t.Setenv("PROMPTS_FILE", "")
	t.Setenv("LOG_LEVEL", "error")
	t.Setenv("AUDIT_DB_PATH", filepath.Join(t.TempDir(), "audit.db"))
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCheckConfig(t *testing.T) {
	// Given a complete environment
	setMinimalEnv(t)

	// When checking it
	out, err := execute(t, "check-config")

	// Then every key is listed and secrets are masked
	require.NoError(t, err)
	assert.Contains(t, out, "DISCORD_GUILD_ID")
	assert.Contains(t, out, "****")
	assert.Contains(t, out, "configuration OK")
	assert.NotContains(t, out, "super-secret-token")
}

func TestCheckConfig_Invalid(t *testing.T) {
	setMinimalEnv(t)
	t.Setenv("VERIFIED_ROLE_ID", "not-a-snowflake")

	_, err := execute(t, "check-config")

	assert.ErrorIs(t, err, domain.ErrInvalidConfiguration)
}

func TestCheckConfig_BadPromptBundle(t *testing.T) {
	setMinimalEnv(t)
	t.Setenv("PROMPTS_FILE", filepath.Join(t.TempDir(), "missing.yaml"))

	_, err := execute(t, "check-config")

	assert.Error(t, err)
}

func TestAudit(t *testing.T) {
	// Given two stored conclusions
	setMinimalEnv(t)
	path := filepath.Join(t.TempDir(), "audit.db")
	t.Setenv("AUDIT_DB_PATH", path)

	audit, err := store.NewSQLiteAudit(path)
	require.NoError(t, err)
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, audit.Record(context.Background(), ports.AuditRecord{
		SessionID: "s1", UserID: "42", Outcome: domain.OutcomeSuccess,
		Turns: 3, RolesAdded: []domain.RoleID{2, 11}, RolesRemoved: []domain.RoleID{12, 13}, ConcludedAt: at,
	}))
	require.NoError(t, audit.Record(context.Background(), ports.AuditRecord{
		SessionID: "s2", UserID: "43", Outcome: domain.OutcomeFailure,
		FailureReason: domain.ReasonInactivity, ConcludedAt: at.Add(time.Minute),
	}))
	require.NoError(t, audit.Close())

	// When listing one user's conclusions
	out, err := execute(t, "audit", "--user", "42")

	// Then only that user's row is printed
	require.NoError(t, err)
	assert.Contains(t, out, "2026-03-01T12:00:00Z")
	assert.Contains(t, out, "42")
	assert.NotContains(t, out, string(domain.ReasonInactivity))
}

func TestAudit_Disabled(t *testing.T) {
	setMinimalEnv(t)
	t.Setenv("AUDIT_DB_PATH", "")

	_, err := execute(t, "audit")

	assert.ErrorContains(t, err, "audit log disabled")
}
