package domain

import (
	"slices"
	"sort"
)

// Taxonomy is an immutable snapshot of the bot-managed roles: category name
// to role ids, plus an id to name lookup restricted to live roles.
// Every id it exposes resolves through Name. Stale ids are dropped when the
// snapshot is built.
type Taxonomy struct {
	categories map[string][]RoleID
	names      map[RoleID]string
	order      []string
	managed    RoleSet
}

// NewTaxonomy builds a snapshot from a persisted category mapping and the
// roles currently present on the platform. Ids that do not resolve to a live
// role are ignored, and duplicate ids within a category collapse.
func NewTaxonomy(categories map[string][]RoleID, live []Role) *Taxonomy {
	names := make(map[RoleID]string, len(live))
	for _, r := range live {
		names[r.ID] = r.Name
	}

	t := &Taxonomy{
		categories: make(map[string][]RoleID, len(categories)),
		names:      make(map[RoleID]string),
		managed:    RoleSet{},
	}
	for category, ids := range categories {
		kept := make([]RoleID, 0, len(ids))
		for _, id := range ids {
			name, ok := names[id]
			if !ok || slices.Contains(kept, id) {
				continue
			}
			kept = append(kept, id)
			t.names[id] = name
			t.managed.Add(id)
		}
		t.categories[category] = kept
		t.order = append(t.order, category)
	}
	sort.Strings(t.order)
	return t
}

// Categories returns the category names in a stable order.
func (t *Taxonomy) Categories() []string { return slices.Clone(t.order) }

// RolesIn returns the live role ids of a category.
func (t *Taxonomy) RolesIn(category string) []RoleID {
	return slices.Clone(t.categories[category])
}

// Name resolves a managed role id to its name.
func (t *Taxonomy) Name(id RoleID) (string, bool) {
	name, ok := t.names[id]
	return name, ok
}

// Contains reports whether id is a live, managed role.
func (t *Taxonomy) Contains(id RoleID) bool { return t.managed.Has(id) }

// Managed returns every live role id in the taxonomy.
func (t *Taxonomy) Managed() RoleSet { return t.managed.Clone() }

// Held returns the managed roles present in roles, sorted by id.
func (t *Taxonomy) Held(roles RoleSet) []RoleID {
	var out []RoleID
	for id := range roles {
		if t.managed.Has(id) {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out
}

// Names resolves ids to names, skipping ids outside the taxonomy. The result
// is sorted alphabetically.
func (t *Taxonomy) Names(ids []RoleID) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if name, ok := t.names[id]; ok {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Mapping returns a copy of the category mapping suitable for persistence.
func (t *Taxonomy) Mapping() map[string][]RoleID {
	out := make(map[string][]RoleID, len(t.categories))
	for k, v := range t.categories {
		out[k] = slices.Clone(v)
	}
	return out
}

// Len returns the number of live managed roles.
func (t *Taxonomy) Len() int { return t.managed.Len() }

// IsEmpty reports whether no live role is managed.
func (t *Taxonomy) IsEmpty() bool { return t == nil || t.managed.Len() == 0 }
