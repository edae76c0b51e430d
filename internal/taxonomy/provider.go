// Package taxonomy owns the live role taxonomy: which platform roles are
// bot-managed and how they are grouped into categories.
//
// Readers always see a complete snapshot. A rebuild replaces the whole
// snapshot at once and never mutates one that has been published.
package taxonomy

import (
	"context"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/ahrav/skillgate/internal/domain"
	"github.com/ahrav/skillgate/internal/ports"
)

// MetricManagedRoles is the gauge of live managed roles in the snapshot.
const MetricManagedRoles = "taxonomy_managed_roles"

// Provider hands out the current taxonomy snapshot.
type Provider struct {
	current atomic.Pointer[domain.Taxonomy]

	store   ports.TaxonomyStore
	dir     ports.Directory
	logger  *zap.Logger
	metrics ports.MetricsCollector
}

// NewProvider creates a provider with no snapshot. Call Load or a rebuild
// before serving verifications.
func NewProvider(store ports.TaxonomyStore, dir ports.Directory, logger *zap.Logger, metrics ports.MetricsCollector) *Provider {
	if metrics == nil {
		metrics = ports.NoopMetrics{}
	}
	return &Provider{
		store:   store,
		dir:     dir,
		logger:  logger.Named("taxonomy"),
		metrics: metrics,
	}
}

// Current returns the published snapshot, or nil before the first load.
func (p *Provider) Current() *domain.Taxonomy { return p.current.Load() }

// Ready reports whether a snapshot has been published.
func (p *Provider) Ready() bool { return p.current.Load() != nil }

// Swap publishes t and returns the snapshot it replaced.
func (p *Provider) Swap(t *domain.Taxonomy) *domain.Taxonomy {
	old := p.current.Swap(t)
	p.metrics.RecordGauge(MetricManagedRoles, float64(t.Len()), nil)
	return old
}

// Load publishes the stored mapping pruned against the live roles. It
// returns false without touching the current snapshot when nothing has
// been stored yet.
func (p *Provider) Load(ctx context.Context) (bool, error) {
	categories, ok, err := p.store.Load(ctx)
	if err != nil {
		return false, fmt.Errorf("load taxonomy: %w", err)
	}
	if !ok {
		return false, nil
	}

	live, err := p.dir.ListRoles(ctx)
	if err != nil {
		return false, fmt.Errorf("list roles: %w", err)
	}

	t := domain.NewTaxonomy(categories, live)
	if stale := countIDs(categories) - t.Len(); stale > 0 {
		p.logger.Warn("ignoring stale role ids in stored taxonomy", zap.Int("stale", stale))
	}
	p.Swap(t)
	p.logger.Info("taxonomy loaded",
		zap.Int("categories", len(t.Categories())),
		zap.Int("roles", t.Len()))
	return true, nil
}

func countIDs(categories map[string][]domain.RoleID) int {
	seen := domain.RoleSet{}
	for _, ids := range categories {
		for _, id := range ids {
			seen.Add(id)
		}
	}
	return seen.Len()
}
