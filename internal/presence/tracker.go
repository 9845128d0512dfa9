// Package presence tracks which peers are currently typing.
package presence

import (
	"sync"
	"time"
)

type entry struct {
	typing bool
	at     time.Time
}

// Tracker maps sender ids to a typing flag with last-write-wins semantics.
// Entries are only ever overwritten, never deleted.
type Tracker struct {
	mu    sync.RWMutex
	state map[string]entry
	ttl   time.Duration
	now   func() time.Time
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithTTL makes a typing flag read as false once it is older than ttl.
// Zero disables expiry, leaving not_typing events as the only reset.
func WithTTL(ttl time.Duration) Option {
	return func(t *Tracker) { t.ttl = ttl }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// NewTracker creates an empty tracker.
func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{
		state: make(map[string]entry),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Set records senderID's typing flag. It reports whether the observable
// value changed; a redundant write is a no-op.
func (t *Tracker) Set(senderID string, typing bool) bool {
	if senderID == "" {
		return false
	}
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	prev, ok := t.state[senderID]
	if ok && t.visible(prev, now) == typing {
		if typing {
			// keep the expiry window sliding while typing continues
			prev.at = now
			t.state[senderID] = prev
		}
		return false
	}
	if !ok && !typing {
		t.state[senderID] = entry{typing: false, at: now}
		return false
	}
	t.state[senderID] = entry{typing: typing, at: now}
	return true
}

// Typing reports whether senderID is currently typing.
func (t *Tracker) Typing(senderID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.state[senderID]
	return ok && t.visible(e, t.now())
}

// Snapshot returns a copy of all known flags.
func (t *Tracker) Snapshot() map[string]bool {
	now := t.now()
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]bool, len(t.state))
	for id, e := range t.state {
		out[id] = t.visible(e, now)
	}
	return out
}

// Reset forgets every flag. Used on logout.
func (t *Tracker) Reset() {
	t.mu.Lock()
	t.state = make(map[string]entry)
	t.mu.Unlock()
}

func (t *Tracker) visible(e entry, now time.Time) bool {
	if !e.typing {
		return false
	}
	if t.ttl > 0 && now.Sub(e.at) > t.ttl {
		return false
	}
	return true
}
