package taxonomy

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/agnivade/levenshtein"
	"go.uber.org/zap"
	"golang.org/x/text/cases"

	"github.com/ahrav/skillgate/internal/domain"
	"github.com/ahrav/skillgate/internal/ports"
	"github.com/ahrav/skillgate/internal/prompt"
)

// OtherCategory collects candidates the model left out.
const OtherCategory = "Other"

const (
	// maxNameDistance is the largest edit distance accepted for a fuzzy
	// role-name match.
	maxNameDistance = 2

	summaryMaxChars   = 1800
	summarySuffix     = "... (truncated)"
	fieldValueMaxChar = 1000
)

var (
	// ErrBoundaryMissing means the configured hierarchy boundary role does
	// not exist, so the candidate set cannot be bounded.
	ErrBoundaryMissing = errors.New("hierarchy boundary role not found")

	// ErrNoCategories means the model produced no usable categorisation.
	ErrNoCategories = errors.New("categorisation returned no categories")
)

var foldCaser = cases.Fold()

// Categorizer groups role names into categories.
type Categorizer interface {
	CategorizeRoles(ctx context.Context, system string, roleNames []string) (map[string][]string, error)
}

// BuilderConfig names the roles a rebuild must treat specially.
type BuilderConfig struct {
	// Excluded are the status roles, never offered as skills.
	Excluded []domain.RoleID
	// Boundary, when set, keeps only roles positioned below it.
	Boundary domain.RoleID
	// Prompt is the categorisation system prompt.
	Prompt string
}

// Builder rebuilds the taxonomy with the LLM and publishes it.
type Builder struct {
	provider *Provider
	dir      ports.Directory
	store    ports.TaxonomyStore
	llm      Categorizer
	cfg      BuilderConfig
	logger   *zap.Logger
}

// NewBuilder wires a builder around provider.
func NewBuilder(provider *Provider, dir ports.Directory, store ports.TaxonomyStore, llm Categorizer, cfg BuilderConfig, logger *zap.Logger) *Builder {
	return &Builder{
		provider: provider,
		dir:      dir,
		store:    store,
		llm:      llm,
		cfg:      cfg,
		logger:   logger.Named("taxonomy_builder"),
	}
}

// Bootstrap loads the stored taxonomy and falls back to a rebuild when
// nothing usable is stored or force is set.
func (b *Builder) Bootstrap(ctx context.Context, force bool) error {
	if !force {
		loaded, err := b.provider.Load(ctx)
		if err != nil {
			return err
		}
		if loaded {
			return nil
		}
		b.logger.Info("no stored taxonomy, building one")
	}
	_, err := b.Rebuild(ctx)
	return err
}

// Rebuild categorises the candidate roles, persists the result and swaps it
// in. On any failure the current snapshot stays published.
func (b *Builder) Rebuild(ctx context.Context) (*domain.Taxonomy, error) {
	live, err := b.dir.ListRoles(ctx)
	if err != nil {
		return nil, fmt.Errorf("list roles: %w", err)
	}

	candidates, err := b.candidates(live)
	if err != nil {
		return nil, err
	}

	mapping := map[string][]domain.RoleID{}
	if len(candidates) == 0 {
		b.logger.Info("no roles suitable for categorisation")
	} else {
		names := make([]string, len(candidates))
		for i, r := range candidates {
			names[i] = r.Name
		}
		byName, err := b.llm.CategorizeRoles(ctx, b.cfg.Prompt, names)
		if err != nil {
			return nil, fmt.Errorf("categorise roles: %w", err)
		}
		if len(byName) == 0 {
			return nil, ErrNoCategories
		}
		mapping = b.resolve(byName, candidates)
	}

	if err := b.store.Save(ctx, mapping); err != nil {
		return nil, fmt.Errorf("save taxonomy: %w", err)
	}
	t := domain.NewTaxonomy(mapping, live)
	b.provider.Swap(t)
	b.logger.Info("taxonomy rebuilt",
		zap.Int("candidates", len(candidates)),
		zap.Int("categories", len(t.Categories())),
		zap.Int("roles", t.Len()))
	return t, nil
}

// candidates returns the assignable roles eligible for categorisation,
// sorted by id.
func (b *Builder) candidates(live []domain.Role) ([]domain.Role, error) {
	boundary := -1
	if b.cfg.Boundary != 0 {
		idx := slices.IndexFunc(live, func(r domain.Role) bool { return r.ID == b.cfg.Boundary })
		if idx == -1 {
			return nil, fmt.Errorf("%w: %s", ErrBoundaryMissing, b.cfg.Boundary)
		}
		boundary = live[idx].Position
	}

	excluded := domain.NewRoleSet(b.cfg.Excluded...)
	var out []domain.Role
	for _, r := range live {
		if r.Default || r.Managed || excluded.Has(r.ID) {
			continue
		}
		if boundary >= 0 && r.Position >= boundary {
			continue
		}
		out = append(out, r)
	}
	slices.SortFunc(out, func(a, b domain.Role) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out, nil
}

// resolve maps the model's role names back to ids. A role lands in at most
// one category; whatever the model left out goes to OtherCategory.
func (b *Builder) resolve(byName map[string][]string, candidates []domain.Role) map[string][]domain.RoleID {
	index := make(map[string][]domain.RoleID, len(candidates))
	for _, r := range candidates {
		key := foldCaser.String(strings.TrimSpace(r.Name))
		index[key] = append(index[key], r.ID)
	}

	categories := make([]string, 0, len(byName))
	for c := range byName {
		categories = append(categories, c)
	}
	sort.Strings(categories)

	assigned := domain.RoleSet{}
	out := make(map[string][]domain.RoleID, len(byName)+1)
	for _, category := range categories {
		var ids []domain.RoleID
		for _, name := range byName[category] {
			matched := matchName(index, name)
			if len(matched) == 0 {
				b.logger.Warn("categorised role name not found",
					zap.String("category", category),
					zap.String("name", name))
				continue
			}
			for _, id := range matched {
				if !assigned.Has(id) {
					assigned.Add(id)
					ids = append(ids, id)
				}
			}
		}
		if len(ids) > 0 {
			out[category] = ids
		}
	}

	for _, r := range candidates {
		if !assigned.Has(r.ID) {
			out[OtherCategory] = append(out[OtherCategory], r.ID)
		}
	}
	if n := len(out[OtherCategory]); n > 0 {
		b.logger.Info("roles left uncategorised", zap.Int("count", n))
	}
	return out
}

// matchName looks name up by case-folded equality first and then by the
// single closest name within maxNameDistance. Ties are not matched.
func matchName(index map[string][]domain.RoleID, name string) []domain.RoleID {
	key := foldCaser.String(strings.TrimSpace(name))
	if key == "" {
		return nil
	}
	if ids, ok := index[key]; ok {
		return ids
	}

	best, bestDist, tie := "", maxNameDistance+1, false
	for candidate := range index {
		d := levenshtein.ComputeDistance(key, candidate)
		switch {
		case d < bestDist:
			best, bestDist, tie = candidate, d, false
		case d == bestDist:
			tie = true
		}
	}
	if best == "" || tie {
		return nil
	}
	return index[best]
}

// Summary renders the snapshot as one line per category for admins.
func Summary(t *domain.Taxonomy) string {
	if t.IsEmpty() {
		return "No categorized roles found after rebuild."
	}
	var lines []string
	for _, category := range t.Categories() {
		names := t.Names(t.RolesIn(category))
		if len(names) == 0 {
			lines = append(lines, fmt.Sprintf("**%s**: (no live roles)", category))
			continue
		}
		lines = append(lines, fmt.Sprintf("**%s** (%d): %s", category, len(names), strings.Join(names, ", ")))
	}
	return prompt.Truncate(strings.Join(lines, "\n"), summaryMaxChars, summarySuffix)
}

// Fields renders the snapshot as one embed field per category.
func Fields(t *domain.Taxonomy) []ports.EmbedField {
	if t == nil {
		return nil
	}
	fields := make([]ports.EmbedField, 0, len(t.Categories()))
	for _, category := range t.Categories() {
		value := "(no live roles)"
		if names := t.Names(t.RolesIn(category)); len(names) > 0 {
			value = prompt.Truncate(strings.Join(names, ", "), fieldValueMaxChar, "...")
		}
		fields = append(fields, ports.EmbedField{Name: category, Value: value})
	}
	return fields
}
