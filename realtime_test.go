package fixfinder

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Payload validation
// ============================================================================

func TestValidPayload(t *testing.T) {
	cases := []struct {
		name    string
		event   string
		payload string
		want    bool
	}{
		{"message with ids", EvtSendMessage, `{"conversationId":"c1","senderId":"u1","message":{"id":"m1"}}`, true},
		{"message missing id", EvtSendMessage, `{"conversationId":"c1","senderId":"u1","message":{}}`, false},
		{"message missing sender", EvtSendMessage, `{"conversationId":"c1","message":{"id":"m1"}}`, false},
		{"edit with message id", EvtMessageEdited, `{"conversationId":"c1","senderId":"u1","messageId":"m1"}`, true},
		{"edit without message id", EvtMessageEdited, `{"conversationId":"c1","senderId":"u1"}`, false},
		{"location with position", EvtUpdateLocation, `{"conversationId":"c1","senderId":"u1","position":{"lat":1,"lng":2}}`, true},
		{"location missing lng", EvtUpdateLocation, `{"conversationId":"c1","senderId":"u1","position":{"lat":1}}`, false},
		{"stop needs no position", EvtStopLocationShare, `{"conversationId":"c1","senderId":"u1"}`, true},
		{"job with id", EvtJobUpdate, `{"conversationId":"c1","senderId":"u1","job":{"id":"j1"}}`, true},
		{"job without id", EvtJobUpdate, `{"conversationId":"c1","senderId":"u1","job":{}}`, false},
		{"typing", EvtUserTyping, `{"conversationId":"c1","senderId":"u1"}`, true},
		{"unknown event passes through", "ping", `{}`, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, validPayload(tc.event, []byte(tc.payload)))
		})
	}
}

// ============================================================================
// Dispatcher
// ============================================================================

func TestDispatcher_Unsubscribe(t *testing.T) {
	d := newDispatcher()

	var got []string
	off := d.on("a", func(p json.RawMessage) { got = append(got, "first") })
	d.on("a", func(p json.RawMessage) { got = append(got, "second") })

	d.dispatch(Envelope{Event: "a", Payload: json.RawMessage(`{}`)})
	require.Equal(t, []string{"first", "second"}, got)

	off()
	d.dispatch(Envelope{Event: "a", Payload: json.RawMessage(`{}`)})
	assert.Equal(t, []string{"first", "second", "second"}, got)
}

func TestDispatcher_HandlerPanicIsContained(t *testing.T) {
	d := newDispatcher()

	var survived bool
	d.on("a", func(p json.RawMessage) { panic("boom") })
	d.on("a", func(p json.RawMessage) { survived = true })

	assert.NotPanics(t, func() {
		d.dispatch(Envelope{Event: "a", Payload: json.RawMessage(`{}`)})
	})
	assert.True(t, survived, "one bad handler must not starve the rest")
}

// ============================================================================
// Memory channel
// ============================================================================

func TestMemoryBroker_RoutesByConversationAndSkipsSender(t *testing.T) {
	broker := NewMemoryBroker()
	a := broker.Session()
	b := broker.Session()
	other := broker.Session()

	ctx := testCtx(t)
	require.NoError(t, a.Join(ctx, "conv-1"))
	require.NoError(t, b.Join(ctx, "conv-1"))
	require.NoError(t, other.Join(ctx, "conv-2"))

	var bGot, otherGot, aGot int
	a.On(EvtUserTyping, func(json.RawMessage) { aGot++ })
	b.On(EvtUserTyping, func(json.RawMessage) { bGot++ })
	other.On(EvtUserTyping, func(json.RawMessage) { otherGot++ })

	require.NoError(t, a.Emit(EvtUserTyping, TypingEvent{ConversationID: "conv-1", SenderID: "user-a"}))

	assert.Equal(t, 1, bGot, "peer in the room receives the event")
	assert.Equal(t, 0, aGot, "sender never receives its own broadcast")
	assert.Equal(t, 0, otherGot, "other conversations are isolated")
}

func TestMemorySession_DisconnectedNeitherSendsNorReceives(t *testing.T) {
	broker := NewMemoryBroker()
	a := broker.Session()
	b := broker.Session()

	ctx := testCtx(t)
	require.NoError(t, a.Join(ctx, "conv-1"))
	require.NoError(t, b.Join(ctx, "conv-1"))

	var bGot int
	b.On(EvtUserTyping, func(json.RawMessage) { bGot++ })

	var transitions []bool
	b.OnConnectionChange(func(connected bool) { transitions = append(transitions, connected) })

	b.SetConnected(false)
	require.NoError(t, a.Emit(EvtUserTyping, TypingEvent{ConversationID: "conv-1", SenderID: "user-a"}))
	assert.Equal(t, 0, bGot, "dropped while disconnected")

	assert.ErrorIs(t, b.Emit(EvtUserTyping, TypingEvent{ConversationID: "conv-1", SenderID: "user-b"}), ErrNotConnected)

	b.SetConnected(true)
	require.NoError(t, a.Emit(EvtUserTyping, TypingEvent{ConversationID: "conv-1", SenderID: "user-a"}))
	assert.Equal(t, 1, bGot)
	assert.Equal(t, []bool{false, true}, transitions)
}

func TestMemorySession_InjectValidatesPayload(t *testing.T) {
	broker := NewMemoryBroker()
	s := broker.Session()

	var got int
	s.On(EvtSendMessage, func(json.RawMessage) { got++ })

	// Malformed frame: missing message id. Dropped, not dispatched.
	require.NoError(t, s.Inject(EvtSendMessage, map[string]any{
		"conversationId": "conv-1",
		"senderId":       "user-2",
		"message":        map[string]any{},
	}))
	assert.Equal(t, 0, got)

	require.NoError(t, s.Inject(EvtSendMessage, MessageEvent{
		ConversationID: "conv-1",
		SenderID:       "user-2",
		Message:        Message{ID: "msg-1"},
	}))
	assert.Equal(t, 1, got)
}
