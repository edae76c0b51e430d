// Package domain holds the core types of the verification flow: members,
// roles, the role taxonomy, sessions, LLM guidance and role deltas.
// Nothing in this package performs I/O.
package domain

import (
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"
)

// RoleID is a platform role snowflake. Snowflakes exceed 2^53, so they are
// kept as integers end to end and never round-tripped through float64.
type RoleID int64

// ParseRoleID parses a decimal snowflake.
func ParseRoleID(s string) (RoleID, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse role id %q: %w", s, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("parse role id %q: must be positive", s)
	}
	return RoleID(n), nil
}

// String returns the decimal form of the snowflake.
func (id RoleID) String() string { return strconv.FormatInt(int64(id), 10) }

// UserID identifies a platform user.
type UserID string

// Role is a platform role as seen by the bot.
type Role struct {
	ID       RoleID
	Name     string
	Position int
	// Managed roles belong to integrations and cannot be assigned.
	Managed bool
	// Default marks the implicit everyone role.
	Default bool
}

// Member is a snapshot of a guild member.
type Member struct {
	UserID      UserID
	Username    string
	DisplayName string
	Bot         bool
	Roles       RoleSet
	JoinedAt    time.Time
}

// Mention renders the platform mention markup for the member.
func (m Member) Mention() string { return "<@" + string(m.UserID) + ">" }

// Name returns the display name, falling back to the username.
func (m Member) Name() string {
	if m.DisplayName != "" {
		return m.DisplayName
	}
	return m.Username
}

// HasRole reports whether the member currently holds the role.
func (m Member) HasRole(id RoleID) bool { return m.Roles.Has(id) }

// RoleSet is an unordered set of role ids.
type RoleSet map[RoleID]struct{}

// NewRoleSet builds a set from the given ids.
func NewRoleSet(ids ...RoleID) RoleSet {
	s := make(RoleSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

// Add inserts id into the set.
func (s RoleSet) Add(id RoleID) { s[id] = struct{}{} }

// Has reports membership. A nil set holds nothing.
func (s RoleSet) Has(id RoleID) bool {
	_, ok := s[id]
	return ok
}

// Len returns the number of ids.
func (s RoleSet) Len() int { return len(s) }

// Clone returns an independent copy.
func (s RoleSet) Clone() RoleSet {
	if s == nil {
		return RoleSet{}
	}
	return maps.Clone(s)
}

// Sorted returns the ids in ascending order.
func (s RoleSet) Sorted() []RoleID {
	ids := slices.Collect(maps.Keys(s))
	slices.Sort(ids)
	return ids
}

// Classification maps a category name to the role ids proposed for it.
type Classification map[string][]RoleID

// Flatten unions every category into one role set.
func (c Classification) Flatten() RoleSet {
	out := RoleSet{}
	for _, ids := range c {
		for _, id := range ids {
			out.Add(id)
		}
	}
	return out
}

// Clone returns a deep copy.
func (c Classification) Clone() Classification {
	if c == nil {
		return nil
	}
	out := make(Classification, len(c))
	for k, v := range c {
		out[k] = slices.Clone(v)
	}
	return out
}
