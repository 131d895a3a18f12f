package fixfinder

import (
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/pkg/errors"
)

// ============================================================================
// Durable local state
// ============================================================================

// LocalState is the per-installation durable state that lives outside the
// server: the set of message ids the viewer has chosen to hide per
// conversation, and the set of job ids already reviewed. Both must survive a
// full restart.
//
// Backed by pebble with prefix keys (hidden:<conv>:<msg>, reviewed:<job>).
// A LocalState constructed with NewEphemeralState keeps everything in memory
// only; the engine uses that as a degraded mode when no path is available,
// since local durability must never block messaging.
type LocalState struct {
	mu     sync.RWMutex
	db     *pebble.DB
	hidden map[string]map[string]bool // conversation id -> message id set
	revd   map[string]bool            // job id set
}

const (
	hiddenPrefix   = "hidden:"
	reviewedPrefix = "reviewed:"
)

// OpenLocalState opens (or creates) the durable store at path and loads the
// reviewed-jobs set. Hidden sets are loaded lazily per conversation.
func OpenLocalState(path string) (*LocalState, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, errors.Wrap(err, "open local state")
	}
	s := &LocalState{
		db:     db,
		hidden: make(map[string]map[string]bool),
		revd:   make(map[string]bool),
	}
	if err := s.loadReviewed(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewEphemeralState returns an in-memory LocalState with no durability.
func NewEphemeralState() *LocalState {
	return &LocalState{
		hidden: make(map[string]map[string]bool),
		revd:   make(map[string]bool),
	}
}

// Close releases the underlying store.
func (s *LocalState) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *LocalState) loadReviewed() error {
	iter, err := s.db.NewIter(prefixBounds(reviewedPrefix))
	if err != nil {
		return errors.Wrap(err, "scan reviewed jobs")
	}
	defer iter.Close()
	for iter.First(); iter.Valid(); iter.Next() {
		jobID := string(iter.Key())[len(reviewedPrefix):]
		s.revd[jobID] = true
	}
	return iter.Error()
}

// prefixBounds returns iterator options covering every key with the prefix.
func prefixBounds(prefix string) *pebble.IterOptions {
	upper := []byte(prefix)
	upper = append(upper[:len(upper):len(upper)], 0xff)
	return &pebble.IterOptions{
		LowerBound: []byte(prefix),
		UpperBound: upper,
	}
}

// ── Hidden messages ──────────────────────────────────────

// HideMessages adds message ids to the viewer's hidden set for the
// conversation. Hiding is a display filter only; it never touches the
// authoritative message records.
func (s *LocalState) HideMessages(conversationID string, messageIDs ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	set := s.hiddenLocked(conversationID)
	for _, id := range messageIDs {
		if id == "" || set[id] {
			continue
		}
		set[id] = true
		if s.db != nil {
			key := []byte(hiddenPrefix + conversationID + ":" + id)
			if err := s.db.Set(key, []byte{1}, pebble.Sync); err != nil {
				return errors.Wrap(err, "persist hidden message")
			}
		}
	}
	return nil
}

// HiddenMessages returns a copy of the hidden set for the conversation.
func (s *LocalState) HiddenMessages(conversationID string) map[string]bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	set := s.hiddenLocked(conversationID)
	out := make(map[string]bool, len(set))
	for id := range set {
		out[id] = true
	}
	return out
}

// IsHidden reports whether the viewer has hidden the message.
func (s *LocalState) IsHidden(conversationID, messageID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hiddenLocked(conversationID)[messageID]
}

// hiddenLocked returns the hidden set for a conversation, loading it from
// disk on first access. Caller holds s.mu.
func (s *LocalState) hiddenLocked(conversationID string) map[string]bool {
	if set, ok := s.hidden[conversationID]; ok {
		return set
	}
	set := make(map[string]bool)
	s.hidden[conversationID] = set
	if s.db == nil {
		return set
	}
	prefix := hiddenPrefix + conversationID + ":"
	iter, err := s.db.NewIter(prefixBounds(prefix))
	if err != nil {
		return set
	}
	defer iter.Close()
	for iter.First(); iter.Valid(); iter.Next() {
		set[string(iter.Key())[len(prefix):]] = true
	}
	return set
}

// ── Reviewed jobs ────────────────────────────────────────

// MarkReviewed durably records that the viewer reviewed the job.
func (s *LocalState) MarkReviewed(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.revd[jobID] {
		return nil
	}
	s.revd[jobID] = true
	if s.db != nil {
		if err := s.db.Set([]byte(reviewedPrefix+jobID), []byte{1}, pebble.Sync); err != nil {
			return errors.Wrap(err, "persist reviewed job")
		}
	}
	return nil
}

// IsReviewed reports whether the viewer has reviewed the job.
func (s *LocalState) IsReviewed(jobID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.revd[jobID]
}
