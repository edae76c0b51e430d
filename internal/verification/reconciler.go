package verification

import (
	"context"
	"errors"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/ahrav/skillgate/internal/domain"
	"github.com/ahrav/skillgate/internal/ports"
	"github.com/ahrav/skillgate/internal/prompt"
	"github.com/ahrav/skillgate/internal/session"
)

// defaultConcludeTimeout bounds the side effects of one conclusion. They
// run detached from the session context so that a shutdown still lands the
// member in a consistent role state.
const defaultConcludeTimeout = 30 * time.Second

// StatusRoles are the three roles that encode where a member sits in the
// flow. A zero id means the role could not be resolved.
type StatusRoles struct {
	Verified   domain.RoleID
	Unverified domain.RoleID
	InProgress domain.RoleID
}

// DeltaInput is everything ComputeDelta looks at.
type DeltaInput struct {
	Outcome  domain.Outcome
	Current  domain.RoleSet
	Proposed domain.RoleSet
	Managed  domain.RoleSet
	Status   StatusRoles
}

// ComputeDelta returns the minimal role mutation for a conclusion.
//
// On success the member gains the verified role and the proposed managed
// roles they lack, and loses in-progress, unverified and every managed role
// that was not proposed, so an update replaces earlier skill roles instead
// of adding to them. Proposed ids outside Managed are ignored. A success
// without a resolvable verified role degrades to the failure delta. On
// failure the member gains unverified and loses in-progress.
func ComputeDelta(in DeltaInput) domain.RoleDelta {
	add := domain.RoleSet{}
	remove := domain.RoleSet{}

	if in.Status.InProgress != 0 && in.Current.Has(in.Status.InProgress) {
		remove.Add(in.Status.InProgress)
	}

	if in.Outcome != domain.OutcomeSuccess || in.Status.Verified == 0 {
		if in.Status.Unverified != 0 && !in.Current.Has(in.Status.Unverified) {
			add.Add(in.Status.Unverified)
		}
		return toDelta(add, remove)
	}

	if !in.Current.Has(in.Status.Verified) {
		add.Add(in.Status.Verified)
	}
	if in.Status.Unverified != 0 && in.Current.Has(in.Status.Unverified) {
		remove.Add(in.Status.Unverified)
	}
	for id := range in.Proposed {
		if in.Managed.Has(id) && !in.Current.Has(id) {
			add.Add(id)
		}
	}
	for id := range in.Current {
		if in.Managed.Has(id) && !in.Proposed.Has(id) {
			remove.Add(id)
		}
	}
	return toDelta(add, remove)
}

func toDelta(add, remove domain.RoleSet) domain.RoleDelta {
	var d domain.RoleDelta
	if add.Len() > 0 {
		d.Add = add.Sorted()
	}
	if remove.Len() > 0 {
		d.Remove = remove.Sorted()
	}
	return d
}

// Conclusion is the request to end one session.
type Conclusion struct {
	Session  *domain.Session
	Member   domain.Member
	Outcome  domain.Outcome
	Reason   domain.FailureReason
	Proposed domain.Classification
}

// Report describes what a conclusion did.
type Report struct {
	Kind     domain.ConclusionKind
	Outcome  domain.Outcome
	Reason   domain.FailureReason
	Delta    domain.RoleDelta
	Notified bool
}

// Reconciler is the single exit of every session.
type Reconciler struct {
	platform  ports.Platform
	gateway   ports.Gateway
	sessions  *session.Store
	taxonomy  TaxonomySource
	assembler *prompt.Assembler
	notifier  *Notifier
	audit     ports.AuditLog
	spawner   Spawner
	screener  Screener
	roles     StatusRoles
	timeout   time.Duration
	logger    *zap.Logger
	metrics   ports.MetricsCollector
}

// Conclude retires the session and applies its outcome. The session is
// removed from the store before any side effect; only the first call for a
// session does anything, later calls return false.
func (r *Reconciler) Conclude(ctx context.Context, c Conclusion) (Report, bool) {
	s := c.Session
	if !r.sessions.Remove(s.UserID, s.ID) {
		return Report{}, false
	}
	r.metrics.RecordGauge(ports.MetricSessionsActive, float64(r.sessions.Len()), nil)
	if err := s.Transition(domain.StateConcluding); err != nil {
		r.logger.Warn("unexpected session state at conclusion", zap.String("session_id", s.ID), zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()

	logger := r.logger.With(
		zap.String("user_id", string(s.UserID)),
		zap.String("session_id", s.ID))

	status := r.resolveStatus(ctx, logger)
	outcome, reason := c.Outcome, c.Reason
	if outcome == domain.OutcomeSuccess && status.Verified == 0 {
		logger.Error("verified role not found, concluding as failure", zap.Stringer("role_id", r.roles.Verified))
		outcome, reason = domain.OutcomeFailure, domain.ReasonVerifiedRoleMissing
	}

	tax := r.taxonomy.Current()
	managed := domain.RoleSet{}
	if tax != nil {
		managed = tax.Managed()
	}
	proposed := c.Proposed.Flatten()

	current, err := r.platform.GetMemberRoles(ctx, s.UserID)
	present := true
	switch {
	case errors.Is(err, ports.ErrNotFound):
		logger.Warn("member left before conclusion, skipping role changes")
		present = false
	case err != nil:
		logger.Warn("could not refresh member roles, using start snapshot", zap.Error(err))
		current = c.Member.Roles.Clone()
	}

	report := Report{Kind: kindOf(outcome, s.IsUpdate), Outcome: outcome, Reason: reason}
	if present {
		report.Delta = ComputeDelta(DeltaInput{
			Outcome:  outcome,
			Current:  current,
			Proposed: proposed,
			Managed:  managed,
			Status:   status,
		})
		r.applyDelta(ctx, logger, s.UserID, report.Delta, reason)

		if msg := r.userMessage(outcome, reason, status); msg != "" {
			if err := r.platform.SendPrivateMessage(ctx, s.UserID, msg); err != nil {
				logger.Warn("could not send final message", zap.Error(err))
			}
		}
	}

	var assigned []string
	if tax != nil {
		assigned = tax.Names(proposed.Sorted())
	}
	report.Notified = r.notifier.Send(ctx, r.adminEmbed(ctx, logger, report, c.Member, s, assigned))

	r.record(ctx, logger, s, report)
	r.metrics.RecordCounter(ports.MetricConclusions, 1, map[string]string{
		"outcome": outcome.String(),
		"kind":    report.Kind.String(),
	})

	final := domain.StateConcludedFailure
	if outcome == domain.OutcomeSuccess {
		final = domain.StateConcludedSuccess
	}
	_ = s.Transition(final)

	logger.Info("verification concluded",
		zap.Stringer("outcome", outcome),
		zap.String("reason", string(reason)),
		zap.Stringer("kind", report.Kind),
		zap.Int("turns", s.Turns),
		zap.Any("initial_roles", s.InitialRoles),
		zap.Any("last_proposed", s.LastProposed.Flatten().Sorted()),
		zap.Any("added", report.Delta.Add),
		zap.Any("removed", report.Delta.Remove))

	if report.Kind == domain.KindNewVerification {
		r.scheduleScreening(logger, c.Member, s.UserMessages())
	}
	return report, true
}

func kindOf(outcome domain.Outcome, isUpdate bool) domain.ConclusionKind {
	switch {
	case outcome != domain.OutcomeSuccess:
		return domain.KindFailure
	case isUpdate:
		return domain.KindRoleUpdate
	default:
		return domain.KindNewVerification
	}
}

func (r *Reconciler) resolveStatus(ctx context.Context, logger *zap.Logger) StatusRoles {
	resolve := func(id domain.RoleID, name string) domain.RoleID {
		if id == 0 {
			return 0
		}
		_, ok, err := r.platform.ResolveRole(ctx, id)
		if err != nil {
			logger.Warn("could not resolve status role", zap.String("role", name), zap.Stringer("role_id", id), zap.Error(err))
			return 0
		}
		if !ok {
			logger.Error("status role not found", zap.String("role", name), zap.Stringer("role_id", id))
			return 0
		}
		return id
	}
	return StatusRoles{
		Verified:   resolve(r.roles.Verified, "verified"),
		Unverified: resolve(r.roles.Unverified, "unverified"),
		InProgress: resolve(r.roles.InProgress, "in_progress"),
	}
}

// applyDelta issues the remove batch and then the add batch. A failure in
// one batch is logged and does not stop the other.
func (r *Reconciler) applyDelta(ctx context.Context, logger *zap.Logger, user domain.UserID, d domain.RoleDelta, reason domain.FailureReason) {
	audit := "Verification: " + reason.Describe()
	if len(d.Remove) > 0 {
		if err := r.platform.RemoveRoles(ctx, user, d.Remove, audit); err != nil {
			logger.Error("failed to remove roles", zap.Any("role_ids", d.Remove), zap.Error(err))
		}
	}
	if len(d.Add) > 0 {
		if err := r.platform.AddRoles(ctx, user, d.Add, audit); err != nil {
			logger.Error("failed to add roles", zap.Any("role_ids", d.Add), zap.Error(err))
		}
	}
	if d.IsEmpty() {
		logger.Debug("no role changes needed")
	}
}

// userMessage picks the one closing message for the member. Successful
// sessions already ended on the model's own message.
func (r *Reconciler) userMessage(outcome domain.Outcome, reason domain.FailureReason, status StatusRoles) string {
	if outcome == domain.OutcomeSuccess {
		return ""
	}
	m := r.assembler.Bundle().Messages
	switch reason {
	case domain.ReasonDMUnavailable, domain.ReasonDMLost:
		return ""
	case domain.ReasonVerifiedRoleMissing:
		return m.VerifiedRoleMissing
	case domain.ReasonInProgressRoleMissing:
		return m.InProgressRoleMissing
	case domain.ReasonTaxonomyNotReady:
		return m.RolesNotReady
	}
	if status.Unverified == 0 {
		return m.UnverifiedRoleMissing
	}
	switch reason {
	case domain.ReasonInactivity:
		return m.Timeout
	case domain.ReasonInternal:
		return m.InternalError
	default:
		return prompt.Render(m.Failure, map[string]string{
			"guild":  r.platform.GuildName(),
			"reason": reason.Describe(),
		})
	}
}

func (r *Reconciler) adminEmbed(ctx context.Context, logger *zap.Logger, report Report, member domain.Member, s *domain.Session, assigned []string) ports.Embed {
	switch report.Kind {
	case domain.KindNewVerification:
		summary, err := r.gateway.Summarize(ctx, r.assembler.BuildSummaryPrompt(s, assigned))
		if err != nil || summary == "" {
			logger.Warn("summary generation failed", zap.Error(err))
			summary = r.assembler.Bundle().Messages.SummaryFailed
		}
		return NewVerificationEmbed(member, summary)
	case domain.KindRoleUpdate:
		return RoleUpdateEmbed(member, assigned)
	default:
		return FailureEmbed(member, report.Reason.Describe())
	}
}

func (r *Reconciler) record(ctx context.Context, logger *zap.Logger, s *domain.Session, report Report) {
	if r.audit == nil {
		return
	}
	rec := ports.AuditRecord{
		SessionID:     s.ID,
		UserID:        s.UserID,
		Outcome:       report.Outcome,
		FailureReason: report.Reason,
		IsUpdate:      s.IsUpdate,
		Turns:         s.Turns,
		RolesAdded:    slices.Clone(report.Delta.Add),
		RolesRemoved:  slices.Clone(report.Delta.Remove),
	}
	if err := r.audit.Record(ctx, rec); err != nil {
		logger.Warn("failed to write audit record", zap.Error(err))
	}
}

func (r *Reconciler) scheduleScreening(logger *zap.Logger, member domain.Member, messages []string) {
	if r.screener == nil || r.spawner == nil {
		return
	}
	err := r.spawner.Go("screening:"+string(member.UserID), func(ctx context.Context) error {
		return r.screener.Screen(ctx, member, messages)
	})
	if err != nil {
		logger.Warn("could not schedule screening", zap.Error(err))
	}
}
