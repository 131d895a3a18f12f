package fixfinder

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"nhooyr.io/websocket"
)

// ============================================================================
// Wire contract
// ============================================================================

// Push event names. These are the wire contract shared with every other
// session of a conversation; both sides emit and consume them.
const (
	EvtJoin                   = "join"
	EvtLeave                  = "leave"
	EvtSendMessage            = "send_message"
	EvtMessageEdited          = "message_edited"
	EvtMessageDeleted         = "message_deleted"
	EvtMessagesDeleted        = "messages_deleted"
	EvtUserTyping             = "user_typing"
	EvtMessageRead            = "message_read"
	EvtShareLocation          = "shareLocation"
	EvtUpdateLocation         = "updateLocation"
	EvtStopLocationShare      = "stopLocationShare"
	EvtLocationStopped        = "locationStopped" // legacy alias of stopLocationShare
	EvtLocationSharingStarted = "locationSharingStarted"
	EvtLocationUpdated        = "locationUpdated"
	EvtJobUpdate              = "job:update"
	EvtPresenceChanged        = "presence_changed"
)

// Envelope is the wire format for all push events.
type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// MessageEvent carries a full message record (send_message).
type MessageEvent struct {
	ConversationID string  `json:"conversationId"`
	SenderID       string  `json:"senderId"`
	Message        Message `json:"message"`
}

// MessageEditedEvent carries the id and the field that changed.
type MessageEditedEvent struct {
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	MessageID      string    `json:"messageId"`
	Text           string    `json:"text"`
	EditedAt       time.Time `json:"editedAt"`
}

// MessageDeletedEvent marks one message soft-deleted.
type MessageDeletedEvent struct {
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	MessageID      string    `json:"messageId"`
	DeletedAt      time.Time `json:"deletedAt"`
}

// MessagesDeletedEvent marks a batch soft-deleted.
type MessagesDeletedEvent struct {
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	MessageIDs     []string  `json:"messageIds"`
	DeletedAt      time.Time `json:"deletedAt"`
}

// TypingEvent signals the sender is typing.
type TypingEvent struct {
	ConversationID string `json:"conversationId"`
	SenderID       string `json:"senderId"`
	DisplayName    string `json:"displayName,omitempty"`
}

// ReadEvent signals the sender has read the conversation.
type ReadEvent struct {
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	At             time.Time `json:"at"`
}

// LocationEvent carries live-share state. Position is nil on stop events.
type LocationEvent struct {
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	DisplayName    string    `json:"displayName,omitempty"`
	AvatarURL      string    `json:"avatarUrl,omitempty"`
	Position       *Position `json:"position,omitempty"`
}

// JobUpdateEvent carries the full updated job record.
type JobUpdateEvent struct {
	ConversationID string `json:"conversationId"`
	SenderID       string `json:"senderId"`
	Job            Job    `json:"job"`
}

// PresenceEvent is a last-write-wins presence update.
type PresenceEvent struct {
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	Online         bool      `json:"online"`
	LastSeen       time.Time `json:"lastSeen,omitempty"`
}

// ============================================================================
// Channel
// ============================================================================

// Handler receives the raw payload of one push event.
type Handler func(payload json.RawMessage)

// Channel is the push capability injected into the engine. Implementations
// are best-effort at-least-once: events may arrive duplicated, out of order,
// or not at all, and handlers must stay correct regardless.
type Channel interface {
	// Emit broadcasts an event to the other sessions of the conversation
	// named in the payload.
	Emit(event string, payload any) error
	// On subscribes a handler and returns its unsubscribe func.
	On(event string, h Handler) (off func())
	// Join and Leave scope event delivery to the open conversation.
	Join(ctx context.Context, conversationID string) error
	Leave(ctx context.Context, conversationID string) error
	// Connected reports transport connectivity.
	Connected() bool
	// OnConnectionChange subscribes to connectivity transitions.
	OnConnectionChange(fn func(connected bool)) (off func())
}

// ============================================================================
// Event dispatcher
// ============================================================================

type dispatcher struct {
	mu       sync.RWMutex
	nextID   int
	handlers map[string]map[int]Handler
	conn     map[int]func(bool)
}

func newDispatcher() *dispatcher {
	return &dispatcher{
		handlers: make(map[string]map[int]Handler),
		conn:     make(map[int]func(bool)),
	}
}

func (d *dispatcher) on(event string, h Handler) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	id := d.nextID
	if d.handlers[event] == nil {
		d.handlers[event] = make(map[int]Handler)
	}
	d.handlers[event][id] = h
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.handlers[event], id)
	}
}

func (d *dispatcher) onConn(fn func(bool)) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	id := d.nextID
	d.conn[id] = fn
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.conn, id)
	}
}

// dispatch runs handlers synchronously so events from one connection are
// applied in arrival order. Handler panics are swallowed; a bad payload must
// never take the view down.
func (d *dispatcher) dispatch(env Envelope) {
	d.mu.RLock()
	ids := make([]int, 0, len(d.handlers[env.Event]))
	for id := range d.handlers[env.Event] {
		ids = append(ids, id)
	}
	sort.Ints(ids) // registration order
	hs := make([]Handler, 0, len(ids))
	for _, id := range ids {
		hs = append(hs, d.handlers[env.Event][id])
	}
	d.mu.RUnlock()
	for _, h := range hs {
		func() {
			defer func() { _ = recover() }()
			h(env.Payload)
		}()
	}
}

func (d *dispatcher) emitConnChange(connected bool) {
	d.mu.RLock()
	fns := make([]func(bool), 0, len(d.conn))
	for _, fn := range d.conn {
		fns = append(fns, fn)
	}
	d.mu.RUnlock()
	for _, fn := range fns {
		fn(connected)
	}
}

// ============================================================================
// Payload shape validation
// ============================================================================

// validPayload rejects malformed frames before they reach any handler.
// Conversation-scoped events need routing fields; location updates need
// coordinates. Anything that fails here is dropped, never merged.
func validPayload(event string, payload []byte) bool {
	switch event {
	case EvtSendMessage, EvtMessageEdited, EvtMessageDeleted, EvtMessagesDeleted,
		EvtUserTyping, EvtMessageRead, EvtJobUpdate, EvtPresenceChanged,
		EvtShareLocation, EvtUpdateLocation, EvtStopLocationShare,
		EvtLocationStopped, EvtLocationSharingStarted, EvtLocationUpdated:
		if !gjson.GetBytes(payload, "conversationId").Exists() ||
			!gjson.GetBytes(payload, "senderId").Exists() {
			return false
		}
	}
	switch event {
	case EvtShareLocation, EvtUpdateLocation, EvtLocationSharingStarted, EvtLocationUpdated:
		pos := gjson.GetBytes(payload, "position")
		if !pos.Get("lat").Exists() || !pos.Get("lng").Exists() {
			return false
		}
	case EvtSendMessage:
		if !gjson.GetBytes(payload, "message.id").Exists() {
			return false
		}
	case EvtMessageEdited, EvtMessageDeleted:
		if !gjson.GetBytes(payload, "messageId").Exists() {
			return false
		}
	case EvtJobUpdate:
		if !gjson.GetBytes(payload, "job.id").Exists() {
			return false
		}
	}
	return true
}

// ============================================================================
// Reconnector
// ============================================================================

// RealtimeConfig configures the websocket channel.
type RealtimeConfig struct {
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	Logger               logrus.FieldLogger
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.Logger == nil {
		c.Logger = logrus.StandardLogger()
	}
}

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *RealtimeConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

// ============================================================================
// RealtimeChannel
// ============================================================================

// RealtimeChannel is the websocket Channel implementation: auto-reconnect
// with backoff and jitter, heartbeat pings, and rejoin of the joined
// conversation after a reconnect.
type RealtimeChannel struct {
	baseURL string
	token   string
	config  *RealtimeConfig
	log     logrus.FieldLogger

	mu               sync.Mutex
	conn             *websocket.Conn
	connected        bool
	intentionalClose bool
	cancelFn         context.CancelFunc
	joined           map[string]bool

	dispatcher *dispatcher
	recon      *reconnector
}

// NewRealtimeChannel creates a websocket channel. Call Connect to establish
// the connection.
func NewRealtimeChannel(baseURL, token string, config *RealtimeConfig) *RealtimeChannel {
	cfg := RealtimeConfig{}
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	return &RealtimeChannel{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		config:     &cfg,
		log:        cfg.Logger,
		joined:     make(map[string]bool),
		dispatcher: newDispatcher(),
		recon:      newReconnector(&cfg),
	}
}

// Connect establishes the websocket connection.
func (rc *RealtimeChannel) Connect(ctx context.Context) error {
	rc.mu.Lock()
	if rc.connected {
		rc.mu.Unlock()
		return nil
	}
	rc.intentionalClose = false
	rc.mu.Unlock()

	wsURL := strings.Replace(rc.baseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL += "/ws?token=" + rc.token

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}

	connCtx, cancel := context.WithCancel(context.Background())

	rc.mu.Lock()
	rc.conn = conn
	rc.connected = true
	rc.cancelFn = cancel
	joined := make([]string, 0, len(rc.joined))
	for id := range rc.joined {
		joined = append(joined, id)
	}
	rc.mu.Unlock()

	rc.recon.markConnected()

	// Rejoin rooms from before the drop so the view keeps receiving events.
	for _, id := range joined {
		if err := rc.send(connCtx, EvtJoin, map[string]string{"conversationId": id}); err != nil {
			rc.log.WithField("conversation_id", id).WithError(err).Warn("rejoin failed")
		}
	}

	rc.dispatcher.emitConnChange(true)

	go rc.readLoop(connCtx, conn)
	go rc.heartbeatLoop(connCtx, conn)

	return nil
}

// Disconnect gracefully closes the connection.
func (rc *RealtimeChannel) Disconnect() error {
	rc.mu.Lock()
	rc.intentionalClose = true
	if rc.cancelFn != nil {
		rc.cancelFn()
		rc.cancelFn = nil
	}
	conn := rc.conn
	rc.conn = nil
	wasConnected := rc.connected
	rc.connected = false
	rc.mu.Unlock()

	if wasConnected {
		rc.dispatcher.emitConnChange(false)
	}
	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

// Connected reports transport connectivity.
func (rc *RealtimeChannel) Connected() bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.connected
}

// On subscribes a handler for an event.
func (rc *RealtimeChannel) On(event string, h Handler) func() {
	return rc.dispatcher.on(event, h)
}

// OnConnectionChange subscribes to connectivity transitions.
func (rc *RealtimeChannel) OnConnectionChange(fn func(bool)) func() {
	return rc.dispatcher.onConn(fn)
}

// Join subscribes this session to a conversation's events.
func (rc *RealtimeChannel) Join(ctx context.Context, conversationID string) error {
	rc.mu.Lock()
	rc.joined[conversationID] = true
	rc.mu.Unlock()
	return rc.send(ctx, EvtJoin, map[string]string{"conversationId": conversationID})
}

// Leave unsubscribes this session from a conversation's events.
func (rc *RealtimeChannel) Leave(ctx context.Context, conversationID string) error {
	rc.mu.Lock()
	delete(rc.joined, conversationID)
	rc.mu.Unlock()
	return rc.send(ctx, EvtLeave, map[string]string{"conversationId": conversationID})
}

// Emit broadcasts an event to the conversation named in the payload.
func (rc *RealtimeChannel) Emit(event string, payload any) error {
	return rc.send(context.Background(), event, payload)
}

func (rc *RealtimeChannel) send(ctx context.Context, event string, payload any) error {
	rc.mu.Lock()
	conn := rc.conn
	rc.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	data, err := json.Marshal(Envelope{Event: event, Payload: raw})
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func (rc *RealtimeChannel) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			rc.mu.Lock()
			intentional := rc.intentionalClose
			wasConnected := rc.connected && rc.conn == conn
			if wasConnected {
				rc.connected = false
				rc.conn = nil
			}
			rc.mu.Unlock()

			if intentional || !wasConnected {
				return
			}

			rc.log.WithError(err).Warn("realtime connection lost")
			rc.dispatcher.emitConnChange(false)

			if rc.config.AutoReconnect && rc.recon.shouldReconnect() {
				go rc.scheduleReconnect()
			}
			return
		}

		var env Envelope
		if json.Unmarshal(data, &env) != nil || env.Event == "" {
			metricEventsDropped.WithLabelValues("malformed_frame").Inc()
			continue
		}
		if !validPayload(env.Event, env.Payload) {
			metricEventsDropped.WithLabelValues("invalid_payload").Inc()
			rc.log.WithField("event", env.Event).Debug("dropping malformed payload")
			continue
		}
		rc.dispatcher.dispatch(env)
	}
}

func (rc *RealtimeChannel) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(rc.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				// Force the read loop to notice the dead connection.
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

func (rc *RealtimeChannel) scheduleReconnect() {
	for rc.config.AutoReconnect && rc.recon.shouldReconnect() {
		rc.mu.Lock()
		intentional := rc.intentionalClose
		rc.mu.Unlock()
		if intentional {
			return
		}

		delay := rc.recon.nextDelay()
		rc.log.WithField("delay", delay).Info("reconnecting realtime channel")
		time.Sleep(delay)
		metricReconnects.Inc()

		if err := rc.Connect(context.Background()); err == nil {
			return
		}
	}
}
