// Package session keeps the live verification sessions of the process.
//
// The store is the single source of truth for "is a verification in
// progress" and doubles as the per-user mutual exclusion: a second session
// for the same user cannot be opened while the first is registered.
package session

import (
	"slices"
	"sync"

	"github.com/ahrav/skillgate/internal/domain"
)

// Store maps a user to their live session.
type Store struct {
	mu       sync.Mutex
	sessions map[domain.UserID]*domain.Session
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{sessions: make(map[domain.UserID]*domain.Session)}
}

// Open registers s. It fails with domain.ErrSessionActive when the user
// already has a session.
func (st *Store) Open(s *domain.Session) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	if _, ok := st.sessions[s.UserID]; ok {
		return domain.ErrSessionActive
	}
	st.sessions[s.UserID] = s
	return nil
}

// Get returns the live session of user.
func (st *Store) Get(user domain.UserID) (*domain.Session, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()

	s, ok := st.sessions[user]
	return s, ok
}

// Active reports whether user has a live session.
func (st *Store) Active(user domain.UserID) bool {
	_, ok := st.Get(user)
	return ok
}

// Remove retires the session identified by user and sessionID. It returns
// true for exactly one caller per session; a stale id or a second call is
// a no-op.
func (st *Store) Remove(user domain.UserID, sessionID string) bool {
	st.mu.Lock()
	defer st.mu.Unlock()

	s, ok := st.sessions[user]
	if !ok || s.ID != sessionID {
		return false
	}
	delete(st.sessions, user)
	return true
}

// Len returns the number of live sessions.
func (st *Store) Len() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.sessions)
}

// Snapshot returns the live sessions ordered by start time.
func (st *Store) Snapshot() []*domain.Session {
	st.mu.Lock()
	out := make([]*domain.Session, 0, len(st.sessions))
	for _, s := range st.sessions {
		out = append(out, s)
	}
	st.mu.Unlock()

	slices.SortFunc(out, func(a, b *domain.Session) int {
		if c := a.StartedAt.Compare(b.StartedAt); c != 0 {
			return c
		}
		if a.UserID < b.UserID {
			return -1
		}
		if a.UserID > b.UserID {
			return 1
		}
		return 0
	})
	return out
}
