package fixfinder

import (
	"sync"
	"time"
)

// ============================================================================
// Message store
// ============================================================================

// MessageStore holds the ordered messages of one open conversation. Append
// order is insertion order; confirming an optimistic message swaps the record
// in place so the thread never visibly reorders. Records are only ever
// flagged deleted, never removed, except for the rollback of a failed
// optimistic send.
//
// Every mutation is idempotent: the push channel may redeliver any event.
type MessageStore struct {
	mu    sync.RWMutex
	order []string           // message keys, insertion order
	byKey map[string]*Message
}

// NewMessageStore creates an empty store.
func NewMessageStore() *MessageStore {
	return &MessageStore{
		byKey: make(map[string]*Message),
	}
}

// Append adds a message unless a record with the same identity already
// exists. This is the dedup guard against the channel redelivering an event
// the REST call already produced locally. Reports whether the message was
// added.
func (s *MessageStore) Append(msg Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := msg.Key()
	if key == "" {
		return false
	}
	if _, exists := s.byKey[key]; exists {
		return false
	}
	// A confirmed record may arrive for a message still known under its
	// local id (the broadcast echo raced the REST response). Treat that as
	// a duplicate too.
	if msg.ID != "" && msg.LocalID != "" {
		if _, exists := s.byKey[msg.LocalID]; exists {
			return false
		}
	}
	m := msg
	s.byKey[key] = &m
	s.order = append(s.order, key)
	return true
}

// ConfirmSwap atomically replaces the pending record identified by localID
// with the server-confirmed message, keeping its position in the ordering.
// Reports whether a pending record was found.
func (s *MessageStore) ConfirmSwap(localID string, confirmed Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.byKey[localID]
	if !ok || !existing.Optimistic() {
		return false
	}

	confirmed.Status = StatusConfirmed
	confirmed.LocalID = localID
	if confirmed.CreatedAt.IsZero() {
		confirmed.CreatedAt = existing.CreatedAt
	}

	// A resync may already have appended the confirmed record straight from
	// history while the REST response was in flight. The history copy keeps
	// its slot; the pending one is dropped so the id appears once.
	if _, dup := s.byKey[confirmed.ID]; dup && confirmed.ID != localID {
		delete(s.byKey, localID)
		for i, k := range s.order {
			if k == localID {
				s.order = append(s.order[:i], s.order[i+1:]...)
				break
			}
		}
		return true
	}

	// Same slot, new identity. The order slice keeps the optimistic
	// insertion position; only the key changes.
	*existing = confirmed
	delete(s.byKey, localID)
	s.byKey[confirmed.ID] = existing
	for i, k := range s.order {
		if k == localID {
			s.order[i] = confirmed.ID
			break
		}
	}
	return true
}

// Discard removes a still-pending record (failed send rollback). Confirmed
// records are never physically removed.
func (s *MessageStore) Discard(localID string) (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.byKey[localID]
	if !ok || !existing.Optimistic() {
		return Message{}, false
	}
	delete(s.byKey, localID)
	for i, k := range s.order {
		if k == localID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return *existing, true
}

// MarkDeleted soft-deletes a message: the record keeps identity and
// timestamps but loses all renderable content. Applying it twice is a no-op;
// delete always wins over a concurrent edit.
func (s *MessageStore) MarkDeleted(id string, at time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.byKey[id]
	if !ok || m.Deleted {
		return false
	}
	m.Deleted = true
	m.DeletedAt = at
	m.Content = Content{}
	m.Edited = false
	return true
}

// MarkEdited applies an edit to a message's text. Edits to deleted messages
// are rejected (delete wins), and re-applying the same edit is a no-op.
func (s *MessageStore) MarkEdited(id, text string, at time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.byKey[id]
	if !ok || m.Deleted {
		return false
	}
	if m.Edited && m.Content.Text == text {
		return false
	}
	m.Content.Text = text
	m.Edited = true
	m.EditedAt = at
	return true
}

// Replace overwrites an existing record wholesale, keyed by the message's
// identity. Used to roll an optimistic edit or delete back to its previous
// state after a network failure.
func (s *MessageStore) Replace(msg Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.byKey[msg.Key()]
	if !ok {
		return false
	}
	*existing = msg
	return true
}

// MarkRead flags every message from the given sender as read.
func (s *MessageStore) MarkRead(senderID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, k := range s.order {
		m := s.byKey[k]
		if m.SenderID == senderID && !m.Read {
			m.Read = true
			n++
		}
	}
	return n
}

// Get returns a copy of the message with the given key.
func (s *MessageStore) Get(key string) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.byKey[key]
	if !ok {
		return Message{}, false
	}
	return *m, true
}

// All returns copies of every record in insertion order, deleted included.
func (s *MessageStore) All() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Message, 0, len(s.order))
	for _, k := range s.order {
		out = append(out, *s.byKey[k])
	}
	return out
}

// Visible returns the renderable thread: deleted records excluded, and any
// id in hidden filtered out. Hiding is purely a display concern; the
// underlying records are untouched.
func (s *MessageStore) Visible(hidden map[string]bool) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Message, 0, len(s.order))
	for _, k := range s.order {
		m := s.byKey[k]
		if m.Deleted || hidden[m.ID] {
			continue
		}
		out = append(out, *m)
	}
	return out
}

// Len returns the total number of records, deleted included.
func (s *MessageStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

// PendingCount returns the number of still-optimistic records.
func (s *MessageStore) PendingCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, m := range s.byKey {
		if m.Optimistic() {
			n++
		}
	}
	return n
}
