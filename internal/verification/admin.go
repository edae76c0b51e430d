package verification

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ahrav/skillgate/internal/domain"
	"github.com/ahrav/skillgate/internal/ports"
)

// DefaultBatchInterval is the pause between two batch starts.
const DefaultBatchInterval = time.Second

const resetReason = "Admin reset stale verification"

// BatchReport summarises an admin batch initiation.
type BatchReport struct {
	Attempted int
	Started   int
	Skipped   int
	Errors    []string
}

// String renders the report for the admin's ephemeral reply.
func (r BatchReport) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Attempted: %d, started: %d, skipped: %d.", r.Attempted, r.Started, r.Skipped)
	if len(r.Errors) > 0 {
		fmt.Fprintf(&b, "\nErrors (%d):\n%s", len(r.Errors), strings.Join(r.Errors, "\n"))
	}
	return b.String()
}

// Admin runs the administrative sweeps over the whole member list.
type Admin struct {
	machine  *Machine
	dir      ports.Directory
	interval time.Duration
	logger   *zap.Logger
}

// NewAdmin wraps machine with directory-wide operations. A zero interval
// uses DefaultBatchInterval.
func NewAdmin(machine *Machine, dir ports.Directory, interval time.Duration) *Admin {
	if interval <= 0 {
		interval = DefaultBatchInterval
	}
	return &Admin{
		machine:  machine,
		dir:      dir,
		interval: interval,
		logger:   machine.logger.Named("admin"),
	}
}

// BatchCandidates returns up to count members waiting for verification:
// humans holding the unverified role and neither the verified nor the
// in-progress role, ordered by join time.
func (a *Admin) BatchCandidates(ctx context.Context, count int) ([]domain.Member, error) {
	members, err := a.dir.ListMembers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	roles := a.machine.cfg.Roles
	var out []domain.Member
	for _, m := range members {
		if m.Bot || !m.HasRole(roles.Unverified) || m.HasRole(roles.Verified) || m.HasRole(roles.InProgress) {
			continue
		}
		out = append(out, m)
	}
	slices.SortStableFunc(out, func(x, y domain.Member) int { return x.JoinedAt.Compare(y.JoinedAt) })
	if count > 0 && len(out) > count {
		out = out[:count]
	}
	return out, nil
}

// InitiateBatch starts verification for up to count candidates, one every
// interval. Only the start of each session is awaited.
func (a *Admin) InitiateBatch(ctx context.Context, count int) (BatchReport, error) {
	var report BatchReport
	if count <= 0 {
		return report, fmt.Errorf("%w: batch count must be positive", domain.ErrInvalidConfiguration)
	}
	candidates, err := a.BatchCandidates(ctx, count)
	if err != nil {
		return report, err
	}

	limiter := rate.NewLimiter(rate.Every(a.interval), 1)
	for _, m := range candidates {
		if err := limiter.Wait(ctx); err != nil {
			report.Errors = append(report.Errors, "batch interrupted: "+err.Error())
			break
		}
		report.Attempted++
		result, err := a.machine.Start(ctx, m.UserID, TriggerBatch)
		switch result {
		case StartOK:
			report.Started++
		case StartAlreadyActive, StartBot:
			report.Skipped++
		default:
			msg := fmt.Sprintf("%s: %s", m.Name(), result)
			if err != nil {
				msg += " (" + err.Error() + ")"
			}
			report.Errors = append(report.Errors, msg)
		}
	}
	a.logger.Info("batch verification finished",
		zap.Int("attempted", report.Attempted),
		zap.Int("started", report.Started),
		zap.Int("errors", len(report.Errors)))
	return report, nil
}

// ResetStale moves members stuck in the flow back to unverified. Targets
// are humans holding in-progress without verified, and humans holding none
// of the three status roles. Members with a live session are left alone.
// It returns how many members were changed.
func (a *Admin) ResetStale(ctx context.Context) (int, error) {
	roles := a.machine.cfg.Roles
	platform := a.machine.platform

	if _, ok, err := platform.ResolveRole(ctx, roles.Unverified); err != nil {
		return 0, fmt.Errorf("resolve unverified role: %w", err)
	} else if !ok {
		return 0, fmt.Errorf("unverified role %s: %w", roles.Unverified, domain.ErrRoleNotFound)
	}

	members, err := a.dir.ListMembers(ctx)
	if err != nil {
		return 0, fmt.Errorf("list members: %w", err)
	}

	var (
		changed int
		errs    []error
	)
	for _, m := range members {
		if m.Bot || !stale(m, roles) || a.machine.sessions.Active(m.UserID) {
			continue
		}
		touched := false
		if m.HasRole(roles.InProgress) {
			if err := platform.RemoveRoles(ctx, m.UserID, []domain.RoleID{roles.InProgress}, resetReason); err != nil {
				errs = append(errs, err)
			} else {
				touched = true
			}
		}
		if !m.HasRole(roles.Unverified) {
			if err := platform.AddRoles(ctx, m.UserID, []domain.RoleID{roles.Unverified}, resetReason); err != nil {
				errs = append(errs, err)
			} else {
				touched = true
			}
		}
		if touched {
			changed++
		}
	}
	a.logger.Info("stale verifications reset", zap.Int("changed", changed), zap.Int("errors", len(errs)))
	return changed, errors.Join(errs...)
}

func stale(m domain.Member, roles StatusRoles) bool {
	verified, unverified, inProgress := m.HasRole(roles.Verified), m.HasRole(roles.Unverified), m.HasRole(roles.InProgress)
	return (inProgress && !verified) || (!verified && !unverified && !inProgress)
}
