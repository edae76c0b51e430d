package discord

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/ahrav/skillgate/internal/domain"
	"github.com/ahrav/skillgate/internal/ports"
)

type waiter struct {
	channelID string
	ch        chan string
}

// Inbox hands direct messages to the session waiting for them. A message
// that arrives while nobody waits for its author is dropped.
type Inbox struct {
	mu      sync.Mutex
	waiters map[domain.UserID]*waiter
}

// NewInbox creates an empty inbox.
func NewInbox() *Inbox {
	return &Inbox{waiters: make(map[domain.UserID]*waiter)}
}

// Deliver routes content from user in channelID to a pending Wait and
// reports whether it was taken. Blank messages are ignored.
func (in *Inbox) Deliver(user domain.UserID, channelID, content string) bool {
	if strings.TrimSpace(content) == "" {
		return false
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	w, ok := in.waiters[user]
	if !ok || w.channelID != channelID {
		return false
	}
	delete(in.waiters, user)
	w.ch <- content
	return true
}

// Wait blocks until user posts in channelID, the timeout elapses
// (ports.ErrReplyTimeout) or ctx is done. A newer Wait for the same user
// replaces an older one.
func (in *Inbox) Wait(ctx context.Context, user domain.UserID, channelID string, timeout time.Duration) (string, error) {
	w := &waiter{channelID: channelID, ch: make(chan string, 1)}
	in.mu.Lock()
	in.waiters[user] = w
	in.mu.Unlock()

	defer func() {
		in.mu.Lock()
		if in.waiters[user] == w {
			delete(in.waiters, user)
		}
		in.mu.Unlock()
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case msg := <-w.ch:
		return msg, nil
	case <-timer.C:
		// A delivery may have raced the timer.
		select {
		case msg := <-w.ch:
			return msg, nil
		default:
		}
		return "", ports.ErrReplyTimeout
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Pending returns how many users are being waited on.
func (in *Inbox) Pending() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.waiters)
}
