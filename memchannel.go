package fixfinder

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/tidwall/gjson"
)

// ============================================================================
// In-memory channel
// ============================================================================

// MemoryBroker fans events out between in-process sessions, scoped to the
// conversation named in each payload. It delivers to every session joined to
// that conversation except the emitting one, mirroring how the realtime
// backend never echoes a broadcast to its sender's socket. Used by tests and
// the CLI demo mode.
type MemoryBroker struct {
	mu    sync.RWMutex
	rooms map[string]map[*MemorySession]bool
}

// NewMemoryBroker creates an empty broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		rooms: make(map[string]map[*MemorySession]bool),
	}
}

// Session creates a new connected session on the broker.
func (b *MemoryBroker) Session() *MemorySession {
	return &MemorySession{
		broker:     b,
		dispatcher: newDispatcher(),
		connected:  true,
		joined:     make(map[string]bool),
	}
}

func (b *MemoryBroker) join(s *MemorySession, conversationID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.rooms[conversationID] == nil {
		b.rooms[conversationID] = make(map[*MemorySession]bool)
	}
	b.rooms[conversationID][s] = true
}

func (b *MemoryBroker) leave(s *MemorySession, conversationID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sessions, ok := b.rooms[conversationID]; ok {
		delete(sessions, s)
		if len(sessions) == 0 {
			delete(b.rooms, conversationID)
		}
	}
}

func (b *MemoryBroker) broadcast(sender *MemorySession, conversationID string, env Envelope) {
	b.mu.RLock()
	sessions := make([]*MemorySession, 0, len(b.rooms[conversationID]))
	for s := range b.rooms[conversationID] {
		if s != sender {
			sessions = append(sessions, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range sessions {
		if s.Connected() {
			s.dispatcher.dispatch(env)
		}
	}
}

// MemorySession is one client's view of the broker and implements Channel.
type MemorySession struct {
	broker     *MemoryBroker
	dispatcher *dispatcher

	mu        sync.Mutex
	connected bool
	joined    map[string]bool
}

// Emit broadcasts to the other sessions joined to the payload's conversation.
func (s *MemorySession) Emit(event string, payload any) error {
	if !s.Connected() {
		return ErrNotConnected
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	env := Envelope{Event: event, Payload: raw}
	if !validPayload(event, raw) {
		metricEventsDropped.WithLabelValues("invalid_payload").Inc()
		return nil
	}
	convID := gjson.GetBytes(raw, "conversationId").String()
	s.broker.broadcast(s, convID, env)
	return nil
}

// On subscribes a handler and returns its unsubscribe func.
func (s *MemorySession) On(event string, h Handler) func() {
	return s.dispatcher.on(event, h)
}

// Join subscribes the session to a conversation's events.
func (s *MemorySession) Join(_ context.Context, conversationID string) error {
	s.mu.Lock()
	s.joined[conversationID] = true
	s.mu.Unlock()
	s.broker.join(s, conversationID)
	return nil
}

// Leave unsubscribes the session from a conversation's events.
func (s *MemorySession) Leave(_ context.Context, conversationID string) error {
	s.mu.Lock()
	delete(s.joined, conversationID)
	s.mu.Unlock()
	s.broker.leave(s, conversationID)
	return nil
}

// Connected reports the simulated connectivity flag.
func (s *MemorySession) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// OnConnectionChange subscribes to connectivity transitions.
func (s *MemorySession) OnConnectionChange(fn func(bool)) func() {
	return s.dispatcher.onConn(fn)
}

// SetConnected flips the session's connectivity, notifying subscribers.
// While disconnected the session neither emits nor receives.
func (s *MemorySession) SetConnected(connected bool) {
	s.mu.Lock()
	if s.connected == connected {
		s.mu.Unlock()
		return
	}
	s.connected = connected
	s.mu.Unlock()
	s.dispatcher.emitConnChange(connected)
}

// Inject delivers a raw event to this session as if it arrived from the
// transport, applying the same payload validation.
func (s *MemorySession) Inject(event string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	if !validPayload(event, raw) {
		metricEventsDropped.WithLabelValues("invalid_payload").Inc()
		return nil
	}
	s.dispatcher.dispatch(Envelope{Event: event, Payload: raw})
	return nil
}
