package ports

import (
	"context"
	"time"

	"github.com/ahrav/skillgate/internal/domain"
)

// Platform is the narrow view of the hosting chat platform that the
// verification flow depends on. Every role mutation carries an audit reason.
type Platform interface {
	// GuildName returns the display name of the managed server.
	GuildName() string

	// OpenPrivateChannel returns the id of the private channel with the user,
	// creating it when necessary.
	OpenPrivateChannel(ctx context.Context, user domain.UserID) (string, error)

	// SendPrivateMessage delivers text to the user's private channel.
	// Returns ErrForbidden when the user does not accept private messages.
	SendPrivateMessage(ctx context.Context, user domain.UserID, text string) error

	// WaitForNextPrivateMessage blocks until the user posts a non-empty text
	// message in channelID, the timeout elapses (ErrReplyTimeout) or ctx is
	// done.
	WaitForNextPrivateMessage(ctx context.Context, user domain.UserID, channelID string, timeout time.Duration) (string, error)

	// GetMember returns a fresh snapshot of the member.
	GetMember(ctx context.Context, user domain.UserID) (domain.Member, error)

	// GetMemberRoles returns the roles the member currently holds.
	GetMemberRoles(ctx context.Context, user domain.UserID) (domain.RoleSet, error)

	// AddRoles grants roles one by one. A failure on one role does not stop
	// the others; the joined error lists every failure.
	AddRoles(ctx context.Context, user domain.UserID, ids []domain.RoleID, reason string) error

	// RemoveRoles revokes roles with the same semantics as AddRoles.
	RemoveRoles(ctx context.Context, user domain.UserID, ids []domain.RoleID, reason string) error

	// ResolveRole looks a role up by id. The boolean is false when the role
	// does not exist on the server.
	ResolveRole(ctx context.Context, id domain.RoleID) (domain.Role, bool, error)

	// SendChannelNotification posts an embed to a server channel.
	SendChannelNotification(ctx context.Context, channelID string, embed Embed) error
}

// Directory enumerates server state for administrative sweeps.
type Directory interface {
	// ListMembers returns every member of the managed server.
	ListMembers(ctx context.Context) ([]domain.Member, error)

	// ListRoles returns every role of the managed server.
	ListRoles(ctx context.Context) ([]domain.Role, error)
}

// EmbedField is one name/value pair of an Embed.
type EmbedField struct {
	Name   string
	Value  string
	Inline bool
}

// Embed is a platform-neutral rich notification.
type Embed struct {
	Title       string
	Description string
	Color       int
	Fields      []EmbedField
	Footer      string
	Timestamp   time.Time
}

// AddField appends a field and returns the embed for chaining.
func (e *Embed) AddField(name, value string, inline bool) *Embed {
	e.Fields = append(e.Fields, EmbedField{Name: name, Value: value, Inline: inline})
	return e
}
