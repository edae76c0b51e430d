// Package verification drives the private-message verification dialogue.
//
// A Machine opens one session per member, relays each reply to the LLM
// Gateway and hands every ending to the Reconciler, which is the only place
// a session is retired. Sessions run as detached tasks; the caller of Start
// only waits for the opening message.
package verification

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/ahrav/skillgate/internal/domain"
	"github.com/ahrav/skillgate/internal/ports"
	"github.com/ahrav/skillgate/internal/prompt"
	"github.com/ahrav/skillgate/internal/session"
)

// Defaults applied by New for zero config values.
const (
	DefaultRetries      = 3
	DefaultReplyTimeout = 900 * time.Second
)

// TaxonomySource hands out the current role taxonomy snapshot.
type TaxonomySource interface {
	Current() *domain.Taxonomy
}

// Spawner starts detached background work. *tasks.Group satisfies it.
type Spawner interface {
	Go(name string, fn func(ctx context.Context) error) error
}

// Screener analyses a freshly verified member.
type Screener interface {
	Screen(ctx context.Context, member domain.Member, messages []string) error
}

// Trigger says what started a verification.
type Trigger string

// Triggers.
const (
	TriggerJoin  Trigger = "member_join"
	TriggerSelf  Trigger = "assign_roles"
	TriggerAdmin Trigger = "admin"
	TriggerBatch Trigger = "batch"
)

// interactive reports whether the caller can answer the member directly,
// as slash commands can.
func (t Trigger) interactive() bool { return t == TriggerSelf || t == TriggerAdmin }

// StartResult is how far Start got.
type StartResult int

const (
	// StartOK means the opening message was sent and the dialogue runs.
	StartOK StartResult = iota
	// StartAlreadyActive means the member already has a session.
	StartAlreadyActive
	// StartBot means the member is a bot and was refused.
	StartBot
	// StartDMFailed means the opening message could not be delivered.
	StartDMFailed
	// StartMisconfigured means a required status role is missing.
	StartMisconfigured
	// StartFailed covers every other failure; the session was concluded.
	StartFailed
)

// String returns a log label.
func (r StartResult) String() string {
	switch r {
	case StartOK:
		return "started"
	case StartAlreadyActive:
		return "already_active"
	case StartBot:
		return "bot"
	case StartDMFailed:
		return "dm_failed"
	case StartMisconfigured:
		return "misconfigured"
	default:
		return "failed"
	}
}

// Config holds the verification policy.
type Config struct {
	Roles               StatusRoles
	NotificationChannel string
	Retries             int
	ReplyTimeout        time.Duration
	// ConcludeTimeout bounds the side effects of one conclusion.
	ConcludeTimeout time.Duration
}

// Deps are the collaborators of a Machine. Audit and Screener are optional.
type Deps struct {
	Platform  ports.Platform
	Gateway   ports.Gateway
	Sessions  *session.Store
	Taxonomy  TaxonomySource
	Assembler *prompt.Assembler
	Spawner   Spawner
	Audit     ports.AuditLog
	Screener  Screener
	Logger    *zap.Logger
	Metrics   ports.MetricsCollector
}

// Machine is the verification state machine.
type Machine struct {
	platform   ports.Platform
	gateway    ports.Gateway
	sessions   *session.Store
	taxonomy   TaxonomySource
	assembler  *prompt.Assembler
	spawner    Spawner
	notifier   *Notifier
	reconciler *Reconciler
	cfg        Config
	logger     *zap.Logger
	metrics    ports.MetricsCollector
	tracer     trace.Tracer
	now        func() time.Time
}

// New wires a Machine and its Reconciler.
func New(cfg Config, deps Deps) (*Machine, error) {
	switch {
	case deps.Platform == nil:
		return nil, errors.New("verification: platform is required")
	case deps.Gateway == nil:
		return nil, errors.New("verification: gateway is required")
	case deps.Sessions == nil:
		return nil, errors.New("verification: session store is required")
	case deps.Taxonomy == nil:
		return nil, errors.New("verification: taxonomy source is required")
	case deps.Assembler == nil:
		return nil, errors.New("verification: prompt assembler is required")
	case deps.Spawner == nil:
		return nil, errors.New("verification: spawner is required")
	}
	if cfg.Retries <= 0 {
		cfg.Retries = DefaultRetries
	}
	if cfg.ReplyTimeout <= 0 {
		cfg.ReplyTimeout = DefaultReplyTimeout
	}
	if cfg.ConcludeTimeout <= 0 {
		cfg.ConcludeTimeout = defaultConcludeTimeout
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("verification")
	metrics := deps.Metrics
	if metrics == nil {
		metrics = ports.NoopMetrics{}
	}

	notifier := NewNotifier(deps.Platform, cfg.NotificationChannel, logger)
	m := &Machine{
		platform:  deps.Platform,
		gateway:   deps.Gateway,
		sessions:  deps.Sessions,
		taxonomy:  deps.Taxonomy,
		assembler: deps.Assembler,
		spawner:   deps.Spawner,
		notifier:  notifier,
		cfg:       cfg,
		logger:    logger,
		metrics:   metrics,
		tracer:    otel.Tracer("skillgate/verification"),
		now:       time.Now,
	}
	m.reconciler = &Reconciler{
		platform:  deps.Platform,
		gateway:   deps.Gateway,
		sessions:  deps.Sessions,
		taxonomy:  deps.Taxonomy,
		assembler: deps.Assembler,
		notifier:  notifier,
		audit:     deps.Audit,
		spawner:   deps.Spawner,
		screener:  deps.Screener,
		roles:     cfg.Roles,
		timeout:   cfg.ConcludeTimeout,
		logger:    logger.Named("reconciler"),
		metrics:   metrics,
	}
	return m, nil
}

// Notifier returns the admin notifier shared with the reconciler.
func (m *Machine) Notifier() *Notifier { return m.notifier }

// Sessions returns the live session store.
func (m *Machine) Sessions() *session.Store { return m.sessions }

// ActiveUsers lists the members with a live session, oldest session first.
func (m *Machine) ActiveUsers() []domain.UserID {
	snapshot := m.sessions.Snapshot()
	users := make([]domain.UserID, len(snapshot))
	for i, s := range snapshot {
		users[i] = s.UserID
	}
	return users
}

// Notice returns the text a slash command shows the member for result.
func (m *Machine) Notice(result StartResult, member domain.Member) string {
	msgs := m.assembler.Bundle().Messages
	vars := map[string]string{"mention": member.Mention(), "guild": m.platform.GuildName()}
	switch result {
	case StartOK:
		return prompt.Render(msgs.DMSent, vars)
	case StartAlreadyActive:
		return prompt.Render(msgs.AlreadyInProgress, vars)
	case StartBot:
		return msgs.BotsRefused
	case StartDMFailed:
		return prompt.Render(msgs.DMFailed, vars)
	case StartMisconfigured:
		return msgs.InProgressRoleMissing
	default:
		return msgs.InternalError
	}
}

// Start opens a session for user, applies the in-progress role and sends
// the opening message. It returns once the opening message was sent; the
// rest of the dialogue runs as a detached task. Every failure after the
// session was opened has already been concluded when Start returns.
func (m *Machine) Start(ctx context.Context, user domain.UserID, trigger Trigger) (StartResult, error) {
	logger := m.logger.With(zap.String("user_id", string(user)), zap.String("trigger", string(trigger)))

	member, err := m.platform.GetMember(ctx, user)
	if err != nil {
		return StartFailed, fmt.Errorf("get member %s: %w", user, err)
	}
	if member.Bot {
		logger.Info("refusing verification for bot")
		return StartBot, domain.ErrBotMember
	}

	var held []domain.RoleID
	if tax := m.taxonomy.Current(); tax != nil {
		held = tax.Held(member.Roles)
	}
	isUpdate := member.HasRole(m.cfg.Roles.Verified) || len(held) > 0

	s := domain.NewSession(user, m.cfg.Retries, isUpdate, held, m.now())
	if err := m.sessions.Open(s); err != nil {
		logger.Info("verification already in progress")
		if !trigger.interactive() {
			if err := m.platform.SendPrivateMessage(ctx, user, m.Notice(StartAlreadyActive, member)); err != nil {
				logger.Warn("could not send already-in-progress notice", zap.Error(err))
			}
		}
		return StartAlreadyActive, err
	}
	m.metrics.RecordGauge(ports.MetricSessionsActive, float64(m.sessions.Len()), nil)
	logger = logger.With(zap.String("session_id", s.ID))
	logger.Info("verification started", zap.Bool("is_update", isUpdate), zap.Int("held_roles", len(held)))

	if result, ok := m.ensureInProgress(ctx, logger, s, member); !ok {
		return result, nil
	}

	channel, err := m.platform.OpenPrivateChannel(ctx, user)
	if err != nil {
		return m.failStart(ctx, logger, s, member, err)
	}
	s.ChannelID = channel

	opening := prompt.Render(m.assembler.Bundle().Messages.Opening, map[string]string{
		"mention": member.Mention(),
		"guild":   m.platform.GuildName(),
	})
	if err := m.platform.SendPrivateMessage(ctx, user, opening); err != nil {
		return m.failStart(ctx, logger, s, member, err)
	}
	s.Append(domain.SpeakerAssistant, opening)
	if err := s.Transition(domain.StateAwaitingReply); err != nil {
		return m.failStart(ctx, logger, s, member, err)
	}

	err = m.spawner.Go("verification:"+string(user), func(ctx context.Context) error {
		m.converse(ctx, s, member)
		return nil
	})
	if err != nil {
		logger.Warn("could not start dialogue task", zap.Error(err))
		m.conclude(ctx, s, member, domain.OutcomeFailure, domain.ReasonInterrupted, nil)
		return StartFailed, err
	}
	return StartOK, nil
}

// ensureInProgress applies the in-progress role. A missing role is a
// configuration error that ends the session at once.
func (m *Machine) ensureInProgress(ctx context.Context, logger *zap.Logger, s *domain.Session, member domain.Member) (StartResult, bool) {
	id := m.cfg.Roles.InProgress
	_, ok, err := m.platform.ResolveRole(ctx, id)
	if err != nil {
		logger.Error("could not resolve in-progress role", zap.Stringer("role_id", id), zap.Error(err))
		m.conclude(ctx, s, member, domain.OutcomeFailure, domain.ReasonInternal, nil)
		return StartFailed, false
	}
	if !ok {
		logger.Error("in-progress role not found", zap.Stringer("role_id", id))
		m.conclude(ctx, s, member, domain.OutcomeFailure, domain.ReasonInProgressRoleMissing, nil)
		return StartMisconfigured, false
	}
	if !member.HasRole(id) {
		if err := m.platform.AddRoles(ctx, member.UserID, []domain.RoleID{id}, "Verification process started/updated"); err != nil {
			logger.Error("failed to add in-progress role", zap.Stringer("role_id", id), zap.Error(err))
		}
	}
	return StartOK, true
}

func (m *Machine) failStart(ctx context.Context, logger *zap.Logger, s *domain.Session, member domain.Member, err error) (StartResult, error) {
	if errors.Is(err, ports.ErrForbidden) {
		logger.Warn("cannot send private messages to member", zap.Error(err))
		m.conclude(ctx, s, member, domain.OutcomeFailure, domain.ReasonDMUnavailable, nil)
		return StartDMFailed, nil
	}
	logger.Error("failed to start verification", zap.Error(err))
	m.conclude(ctx, s, member, domain.OutcomeFailure, domain.ReasonInternal, nil)
	return StartFailed, err
}

func (m *Machine) conclude(ctx context.Context, s *domain.Session, member domain.Member, outcome domain.Outcome, reason domain.FailureReason, proposed domain.Classification) {
	m.reconciler.Conclude(ctx, Conclusion{
		Session:  s,
		Member:   member,
		Outcome:  outcome,
		Reason:   reason,
		Proposed: proposed,
	})
}

// converse runs the reply loop until the session concludes.
func (m *Machine) converse(ctx context.Context, s *domain.Session, member domain.Member) {
	logger := m.logger.With(zap.String("user_id", string(s.UserID)), zap.String("session_id", s.ID))

	if m.taxonomy.Current().IsEmpty() {
		logger.Error("role taxonomy not ready")
		m.conclude(ctx, s, member, domain.OutcomeFailure, domain.ReasonTaxonomyNotReady, nil)
		return
	}

	for {
		done := m.turn(ctx, logger, s, member)
		if done {
			return
		}
	}
}

// turn waits for one reply and processes it. It returns true once the
// session has concluded.
func (m *Machine) turn(ctx context.Context, logger *zap.Logger, s *domain.Session, member domain.Member) bool {
	input, err := m.platform.WaitForNextPrivateMessage(ctx, s.UserID, s.ChannelID, m.cfg.ReplyTimeout)
	switch {
	case errors.Is(err, ports.ErrReplyTimeout):
		logger.Info("member inactive, verification timed out")
		m.conclude(ctx, s, member, domain.OutcomeFailure, domain.ReasonInactivity, nil)
		return true
	case ctx.Err() != nil:
		m.conclude(ctx, s, member, domain.OutcomeFailure, domain.ReasonInterrupted, nil)
		return true
	case err != nil:
		logger.Error("waiting for reply failed", zap.Error(err))
		m.conclude(ctx, s, member, domain.OutcomeFailure, domain.ReasonInternal, nil)
		return true
	}
	input = strings.TrimSpace(input)

	if live, ok := m.sessions.Get(s.UserID); !ok || live.ID != s.ID {
		logger.Info("session retired while waiting for reply")
		return true
	}

	ctx, span := m.tracer.Start(ctx, "verification.turn", trace.WithAttributes(
		attribute.String("user_id", string(s.UserID)),
		attribute.Int("retries_left", s.RetriesLeft),
		attribute.Bool("final_attempt", s.RetriesLeft == 1),
		attribute.String("prompt_mode", s.Mode.String()),
	))
	defer span.End()

	_ = s.Transition(domain.StateAwaitingLLM)
	tax := m.taxonomy.Current()
	req := m.assembler.BuildGuidanceRequest(s, tax, m.currentRoles(ctx, logger, s, member), input)
	res := m.gateway.Guidance(ctx, req)
	s.Turns++
	span.SetAttributes(attribute.String("guidance", res.Kind.String()))

	if ctx.Err() != nil {
		span.SetStatus(codes.Error, "interrupted")
		m.conclude(ctx, s, member, domain.OutcomeFailure, domain.ReasonInterrupted, nil)
		return true
	}

	if res.Kind == domain.GuidanceTransportFailure && errors.Is(res.Err, ports.ErrConfigNotFound) {
		span.SetStatus(codes.Error, "schema missing")
		logger.Error("guidance schema missing, ending session", zap.Error(res.Err))
		m.conclude(ctx, s, member, domain.OutcomeFailure, domain.ReasonSchemaMissing, nil)
		return true
	}
	if !res.OK() {
		span.SetStatus(codes.Error, res.Kind.String())
		m.recordTurn(res.Kind.String())
		s.Mode = s.Mode.Escalate()
		logger.Warn("no usable guidance, asking member to retry",
			zap.Stringer("kind", res.Kind),
			zap.Bool("truncated", res.Truncated),
			zap.Stringer("next_mode", s.Mode),
			zap.Error(res.Err))
		if err := m.platform.SendPrivateMessage(ctx, s.UserID, m.assembler.Bundle().Messages.Apology); err != nil {
			return m.lostDM(ctx, logger, s, member, err)
		}
		_ = s.Transition(domain.StateAwaitingReply)
		return false
	}

	g := res.Guidance
	s.Mode = domain.PromptModeNormal
	s.Append(domain.SpeakerUser, input)
	s.Append(domain.SpeakerAssistant, g.MessageToUser)
	s.LastProposed = g.Classification.Clone()

	if err := m.platform.SendPrivateMessage(ctx, s.UserID, g.MessageToUser); err != nil {
		return m.lostDM(ctx, logger, s, member, err)
	}
	for _, skill := range g.UnassignableSkills {
		m.alertSkill(logger, member, skill)
	}

	if g.UserHasConfirmed {
		m.recordTurn("confirmed")
		span.SetStatus(codes.Ok, "confirmed")
		m.conclude(ctx, s, member, domain.OutcomeSuccess, domain.ReasonNone, g.Classification)
		return true
	}

	s.RetriesLeft--
	m.recordTurn("unconfirmed")
	span.SetAttributes(attribute.Int("retries_left_after", s.RetriesLeft))
	logger.Debug("member has not confirmed yet", zap.Int("retries_left", s.RetriesLeft))
	if s.RetriesLeft <= 0 {
		m.conclude(ctx, s, member, domain.OutcomeFailure, domain.ReasonRetriesExhausted, nil)
		return true
	}
	_ = s.Transition(domain.StateAwaitingReply)
	return false
}

// currentRoles fetches live roles only when the context note is due.
func (m *Machine) currentRoles(ctx context.Context, logger *zap.Logger, s *domain.Session, member domain.Member) domain.RoleSet {
	if !s.IsUpdate || !s.IsFirstSubstantiveReply() {
		return member.Roles
	}
	roles, err := m.platform.GetMemberRoles(ctx, s.UserID)
	if err != nil {
		logger.Warn("could not refresh member roles for context note", zap.Error(err))
		return member.Roles
	}
	return roles
}

func (m *Machine) lostDM(ctx context.Context, logger *zap.Logger, s *domain.Session, member domain.Member, err error) bool {
	reason := domain.ReasonInternal
	if errors.Is(err, ports.ErrForbidden) {
		reason = domain.ReasonDMLost
	}
	logger.Error("cannot message member mid-verification", zap.Error(err))
	m.conclude(ctx, s, member, domain.OutcomeFailure, reason, nil)
	return true
}

func (m *Machine) alertSkill(logger *zap.Logger, member domain.Member, skill domain.UnassignableSkill) {
	err := m.spawner.Go("unmappable-skill:"+string(member.UserID), func(ctx context.Context) error {
		m.notifier.UnmappableSkill(ctx, member, skill)
		return nil
	})
	if err != nil {
		logger.Warn("could not schedule unmappable skill alert", zap.String("skill", skill.Skill), zap.Error(err))
	}
}

func (m *Machine) recordTurn(result string) {
	m.metrics.RecordCounter(ports.MetricTurns, 1, map[string]string{"result": result})
}
