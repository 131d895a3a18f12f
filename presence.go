package fixfinder

import (
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// ============================================================================
// Typing indicators
// ============================================================================

// DefaultTypingTTL is how long a typing indicator lives without renewal.
const DefaultTypingTTL = 3 * time.Second

type typingEntry struct {
	displayName string
	timer       *time.Timer
}

// TypingTracker keeps the short-lived "user is typing" indicators for one
// conversation. Each entry self-expires on its own timer; receiving another
// typing event renews it. Nothing external destroys an entry.
type TypingTracker struct {
	mu       sync.Mutex
	ttl      time.Duration
	entries  map[string]*typingEntry
	onChange func()
	stopped  bool
}

// NewTypingTracker creates a tracker with the given expiry. onChange fires
// after every set and every expiry; it may be nil.
func NewTypingTracker(ttl time.Duration, onChange func()) *TypingTracker {
	if ttl <= 0 {
		ttl = DefaultTypingTTL
	}
	return &TypingTracker{
		ttl:      ttl,
		entries:  make(map[string]*typingEntry),
		onChange: onChange,
	}
}

// Refresh records that the user is typing, renewing the expiry timer if an
// entry already exists.
func (t *TypingTracker) Refresh(userID, displayName string) {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	if e, ok := t.entries[userID]; ok {
		e.displayName = displayName
		e.timer.Reset(t.ttl)
		t.mu.Unlock()
		t.notify()
		return
	}
	e := &typingEntry{displayName: displayName}
	e.timer = time.AfterFunc(t.ttl, func() { t.expire(userID) })
	t.entries[userID] = e
	t.mu.Unlock()
	t.notify()
}

func (t *TypingTracker) expire(userID string) {
	t.mu.Lock()
	_, ok := t.entries[userID]
	if ok {
		delete(t.entries, userID)
	}
	t.mu.Unlock()
	if ok {
		t.notify()
	}
}

// Typing returns the display names of currently typing users, keyed by id.
func (t *TypingTracker) Typing() map[string]string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]string, len(t.entries))
	for id, e := range t.entries {
		out[id] = e.displayName
	}
	return out
}

// Stop cancels all pending expiry timers. Used on conversation close.
func (t *TypingTracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	for id, e := range t.entries {
		e.timer.Stop()
		delete(t.entries, id)
	}
}

func (t *TypingTracker) notify() {
	if t.onChange != nil {
		t.onChange()
	}
}

// ============================================================================
// Presence
// ============================================================================

// DefaultPresenceTTL is how long an online flag is trusted without a fresh
// presence event before the user is shown offline.
const DefaultPresenceTTL = 90 * time.Second

// PresenceTracker holds per-user online state and last-seen timestamps for
// one conversation. Updates are last-write-wins; the online flag decays via
// a TTL cache so a silent peer eventually reads as offline even when the
// offline event was lost.
type PresenceTracker struct {
	mu       sync.Mutex
	online   *gocache.Cache
	lastSeen map[string]time.Time
}

// NewPresenceTracker creates a tracker; ttl <= 0 uses DefaultPresenceTTL.
func NewPresenceTracker(ttl time.Duration) *PresenceTracker {
	if ttl <= 0 {
		ttl = DefaultPresenceTTL
	}
	return &PresenceTracker{
		online:   gocache.New(ttl, ttl),
		lastSeen: make(map[string]time.Time),
	}
}

// Apply merges a presence event, last write wins.
func (p *PresenceTracker) Apply(ev PresenceEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()

	seen := ev.LastSeen
	if seen.IsZero() {
		seen = time.Now()
	}
	if seen.After(p.lastSeen[ev.SenderID]) {
		p.lastSeen[ev.SenderID] = seen
	}
	if ev.Online {
		p.online.SetDefault(ev.SenderID, true)
	} else {
		p.online.Delete(ev.SenderID)
	}
}

// Get returns the current presence view for a user.
func (p *PresenceTracker) Get(userID string) Presence {
	p.mu.Lock()
	defer p.mu.Unlock()

	_, online := p.online.Get(userID)
	return Presence{
		UserID:   userID,
		Online:   online,
		LastSeen: p.lastSeen[userID],
	}
}
