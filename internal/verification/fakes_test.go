package verification

import (
	"context"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ahrav/skillgate/internal/domain"
	"github.com/ahrav/skillgate/internal/ports"
	"github.com/ahrav/skillgate/internal/prompt"
	"github.com/ahrav/skillgate/internal/session"
)

const (
	roleVerified   domain.RoleID = 11
	roleUnverified domain.RoleID = 12
	roleInProgress domain.RoleID = 13
	adminChannel                 = "admin-log"
)

type reply struct {
	text string
	err  error
}

type roleCall struct {
	user   domain.UserID
	ids    []domain.RoleID
	reason string
}

// fakePlatform is an in-memory server. Replies are consumed in order; an
// empty queue behaves like an inactive member.
type fakePlatform struct {
	mu sync.Mutex

	members map[domain.UserID]domain.Member
	roles   map[domain.RoleID]domain.Role
	replies []reply

	dms           []string
	notifications []ports.Embed
	added         []roleCall
	removed       []roleCall
	rolesFetched  int

	dmErr    error
	openErr  error
	rolesErr error
}

func newFakePlatform(members ...domain.Member) *fakePlatform {
	p := &fakePlatform{
		members: map[domain.UserID]domain.Member{},
		roles:   map[domain.RoleID]domain.Role{},
	}
	for _, r := range serverRoles() {
		p.roles[r.ID] = r
	}
	for _, m := range members {
		p.members[m.UserID] = m
	}
	return p
}

func (p *fakePlatform) say(texts ...string) *fakePlatform {
	for _, t := range texts {
		p.replies = append(p.replies, reply{text: t})
	}
	return p
}

func (p *fakePlatform) GuildName() string { return "Gophers" }

func (p *fakePlatform) OpenPrivateChannel(_ context.Context, user domain.UserID) (string, error) {
	if p.openErr != nil {
		return "", p.openErr
	}
	return "dm-" + string(user), nil
}

func (p *fakePlatform) SendPrivateMessage(_ context.Context, _ domain.UserID, text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dmErr != nil {
		return p.dmErr
	}
	p.dms = append(p.dms, text)
	return nil
}

func (p *fakePlatform) WaitForNextPrivateMessage(ctx context.Context, _ domain.UserID, _ string, _ time.Duration) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(p.replies) == 0 {
		return "", ports.ErrReplyTimeout
	}
	r := p.replies[0]
	p.replies = p.replies[1:]
	return r.text, r.err
}

func (p *fakePlatform) GetMember(_ context.Context, user domain.UserID) (domain.Member, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.members[user]
	if !ok {
		return domain.Member{}, ports.ErrNotFound
	}
	m.Roles = m.Roles.Clone()
	return m, nil
}

func (p *fakePlatform) GetMemberRoles(_ context.Context, user domain.UserID) (domain.RoleSet, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rolesFetched++
	if p.rolesErr != nil {
		return nil, p.rolesErr
	}
	m, ok := p.members[user]
	if !ok {
		return nil, ports.ErrNotFound
	}
	return m.Roles.Clone(), nil
}

func (p *fakePlatform) AddRoles(_ context.Context, user domain.UserID, ids []domain.RoleID, reason string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.added = append(p.added, roleCall{user: user, ids: slices.Clone(ids), reason: reason})
	if m, ok := p.members[user]; ok {
		for _, id := range ids {
			m.Roles.Add(id)
		}
	}
	return nil
}

func (p *fakePlatform) RemoveRoles(_ context.Context, user domain.UserID, ids []domain.RoleID, reason string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.removed = append(p.removed, roleCall{user: user, ids: slices.Clone(ids), reason: reason})
	if m, ok := p.members[user]; ok {
		for _, id := range ids {
			delete(m.Roles, id)
		}
	}
	return nil
}

func (p *fakePlatform) ResolveRole(_ context.Context, id domain.RoleID) (domain.Role, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.roles[id]
	return r, ok, nil
}

func (p *fakePlatform) SendChannelNotification(_ context.Context, _ string, embed ports.Embed) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.notifications = append(p.notifications, embed)
	return nil
}

func (p *fakePlatform) ListMembers(context.Context) ([]domain.Member, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.Member, 0, len(p.members))
	for _, m := range p.members {
		m.Roles = m.Roles.Clone()
		out = append(out, m)
	}
	slices.SortFunc(out, func(a, b domain.Member) int {
		switch {
		case a.UserID < b.UserID:
			return -1
		case a.UserID > b.UserID:
			return 1
		}
		return 0
	})
	return out, nil
}

func (p *fakePlatform) ListRoles(context.Context) ([]domain.Role, error) { return serverRoles(), nil }

func (p *fakePlatform) memberRoles(user domain.UserID) domain.RoleSet {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.members[user].Roles.Clone()
}

// fakeGateway answers guidance requests from a script. Once the script is
// exhausted it reports a transport failure.
type fakeGateway struct {
	mu         sync.Mutex
	results    []domain.GuidanceResult
	requests   []ports.GuidanceRequest
	summary    string
	summaryErr error
}

func (g *fakeGateway) Guidance(_ context.Context, req ports.GuidanceRequest) domain.GuidanceResult {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.requests = append(g.requests, req)
	if len(g.results) == 0 {
		return domain.TransportFailure(ports.ErrServiceUnavailable)
	}
	r := g.results[0]
	g.results = g.results[1:]
	return r
}

func (g *fakeGateway) Summarize(context.Context, string) (string, error) {
	return g.summary, g.summaryErr
}

func (g *fakeGateway) CategorizeRoles(context.Context, string, []string) (map[string][]string, error) {
	return nil, nil
}

func (g *fakeGateway) ClassifySuspicion(context.Context, string, []string) (domain.SuspicionVerdict, error) {
	return domain.SuspicionVerdict{}, nil
}

func (g *fakeGateway) Welcome(_ context.Context, req ports.WelcomeRequest) string { return req.Fallback }

type fakeAudit struct {
	mu      sync.Mutex
	records []ports.AuditRecord
}

func (a *fakeAudit) Record(_ context.Context, rec ports.AuditRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = append(a.records, rec)
	return nil
}

func (a *fakeAudit) Recent(context.Context, domain.UserID, int) ([]ports.AuditRecord, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return slices.Clone(a.records), nil
}

func (a *fakeAudit) Close() error { return nil }

type fakeScreener struct {
	mu       sync.Mutex
	screened []domain.UserID
	messages [][]string
}

func (s *fakeScreener) Screen(_ context.Context, member domain.Member, messages []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.screened = append(s.screened, member.UserID)
	s.messages = append(s.messages, messages)
	return nil
}

// inlineSpawner runs every task on the caller's goroutine so a whole
// dialogue completes inside Start. Tasks see ctx when it is set.
type inlineSpawner struct {
	ctx   context.Context
	names []string
}

func (s *inlineSpawner) Go(name string, fn func(ctx context.Context) error) error {
	s.names = append(s.names, name)
	ctx := s.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	return fn(ctx)
}

type staticTaxonomy struct{ t *domain.Taxonomy }

func (s staticTaxonomy) Current() *domain.Taxonomy { return s.t }

func serverRoles() []domain.Role {
	return []domain.Role{
		{ID: 1, Name: "@everyone", Default: true},
		{ID: 2, Name: "Python", Position: 1},
		{ID: 3, Name: "Golang", Position: 2},
		{ID: 4, Name: "Linux", Position: 3},
		{ID: 5, Name: "Senior", Position: 4},
		{ID: roleVerified, Name: "Verified", Position: 6},
		{ID: roleUnverified, Name: "Unverified", Position: 7},
		{ID: roleInProgress, Name: "Verifying", Position: 8},
	}
}

func testTaxonomy() *domain.Taxonomy {
	return domain.NewTaxonomy(map[string][]domain.RoleID{
		"Programming_Language": {2, 3},
		"Operating_System":     {4},
		"Experience_Level":     {5},
	}, serverRoles())
}

func newMember(id domain.UserID, roles ...domain.RoleID) domain.Member {
	return domain.Member{
		UserID:   id,
		Username: string(id),
		Roles:    domain.NewRoleSet(roles...),
		JoinedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

type harness struct {
	machine  *Machine
	platform *fakePlatform
	gateway  *fakeGateway
	audit    *fakeAudit
	screener *fakeScreener
	spawner  *inlineSpawner
	sessions *session.Store
}

func newHarness(t *testing.T, platform *fakePlatform, gateway *fakeGateway, retries int) *harness {
	t.Helper()
	bundle, err := prompt.DefaultBundle()
	require.NoError(t, err)

	h := &harness{
		platform: platform,
		gateway:  gateway,
		audit:    &fakeAudit{},
		screener: &fakeScreener{},
		spawner:  &inlineSpawner{},
		sessions: session.NewStore(),
	}
	m, err := New(Config{
		Roles: StatusRoles{
			Verified:   roleVerified,
			Unverified: roleUnverified,
			InProgress: roleInProgress,
		},
		NotificationChannel: adminChannel,
		Retries:             retries,
		ReplyTimeout:        time.Second,
	}, Deps{
		Platform:  platform,
		Gateway:   gateway,
		Sessions:  h.sessions,
		Taxonomy:  staticTaxonomy{t: testTaxonomy()},
		Assembler: prompt.NewAssembler(bundle, prompt.DefaultLimits()),
		Spawner:   h.spawner,
		Audit:     h.audit,
		Screener:  h.screener,
		Logger:    zap.NewNop(),
	})
	require.NoError(t, err)
	h.machine = m
	return h
}

func guidance(msg string, confirmed bool, classification domain.Classification) domain.GuidanceResult {
	return domain.ValidGuidance(domain.Guidance{
		Classification:   classification,
		MessageToUser:    msg,
		IsComplete:       confirmed,
		UserHasConfirmed: confirmed,
	})
}
