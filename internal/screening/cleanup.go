package screening

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ahrav/skillgate/internal/domain"
	"github.com/ahrav/skillgate/internal/ports"
)

const cleanupReason = "Suspicious role retention expired; account acted fine."

// Cleanup lifts the suspicious role from members who joined long enough ago.
type Cleanup struct {
	platform  ports.Platform
	dir       ports.Directory
	role      domain.RoleID
	retention time.Duration
	interval  time.Duration
	logger    *zap.Logger
	now       func() time.Time
}

// NewCleanup creates the retention sweep.
func NewCleanup(platform ports.Platform, dir ports.Directory, role domain.RoleID, retention, interval time.Duration, logger *zap.Logger) *Cleanup {
	return &Cleanup{
		platform:  platform,
		dir:       dir,
		role:      role,
		retention: retention,
		interval:  interval,
		logger:    logger.Named("screening_cleanup"),
		now:       time.Now,
	}
}

// Run sweeps once and then every interval until ctx is done.
func (c *Cleanup) Run(ctx context.Context) error {
	if c.role == 0 {
		c.logger.Debug("no suspicious role configured, cleanup disabled")
		return nil
	}
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		if _, err := c.Sweep(ctx); err != nil && ctx.Err() == nil {
			c.logger.Error("suspicious role cleanup failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Sweep removes the suspicious role from every member past the retention
// period and returns how many were released.
func (c *Cleanup) Sweep(ctx context.Context) (int, error) {
	members, err := c.dir.ListMembers(ctx)
	if err != nil {
		return 0, fmt.Errorf("list members: %w", err)
	}
	cutoff := c.now().Add(-c.retention)

	var (
		released int
		errs     []error
	)
	for _, m := range members {
		if !m.HasRole(c.role) || m.JoinedAt.IsZero() || m.JoinedAt.After(cutoff) {
			continue
		}
		if err := c.platform.RemoveRoles(ctx, m.UserID, []domain.RoleID{c.role}, cleanupReason); err != nil {
			errs = append(errs, err)
			continue
		}
		released++
		c.logger.Info("removed suspicious role",
			zap.String("user_id", string(m.UserID)),
			zap.Duration("age", c.now().Sub(m.JoinedAt)))
	}
	return released, errors.Join(errs...)
}
