package fixfinder

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ============================================================================
// Engine events
// ============================================================================

// Engine event names delivered to UI observers via Conversation.OnEvent.
const (
	EventMessageLocal     = "message.local"
	EventMessageNew       = "message.new"
	EventMessageConfirmed = "message.confirmed"
	EventMessageFailed    = "message.failed"
	EventMessageUpdated   = "message.updated"
	EventMessagesRead     = "messages.read"
	EventMessagesHidden   = "messages.hidden"
	EventTypingChanged    = "typing.changed"
	EventPresenceChanged  = "presence.changed"
	EventLocationChanged  = "location.changed"
	EventJobChanged       = "job.changed"
	EventReviewPrompt     = "review.prompt"
	EventResync           = "resync"
)

// SendFailure is the payload of EventMessageFailed. Draft carries the
// rolled-back message so the UI can restore the compose field for a manual
// retry; the engine never retries on its own.
type SendFailure struct {
	Draft Message
	Err   error
}

// EngineEventHandler observes engine events.
type EngineEventHandler func(event string, payload any)

type engineEmitter struct {
	mu        sync.RWMutex
	listeners map[string][]EngineEventHandler
}

func (e *engineEmitter) On(event string, handler EngineEventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners[event] = append(e.listeners[event], handler)
}

func (e *engineEmitter) emit(event string, payload any) {
	e.mu.RLock()
	handlers := e.listeners[event]
	e.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() { _ = recover() }() // swallow panics in user callbacks
			h(event, payload)
		}()
	}
}

func (e *engineEmitter) removeAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = make(map[string][]EngineEventHandler)
}

// ============================================================================
// Conversation engine
// ============================================================================

// LocationOptions tunes the conversation's location session.
type LocationOptions struct {
	FixTimeout    time.Duration
	MinMoveMeters float64
	AutoStopAfter time.Duration
	Tick          time.Duration
	OnCountdown   func(remaining int)
}

// ConversationConfig configures a Conversation.
type ConversationConfig struct {
	ConversationID string
	SelfID         string
	DisplayName    string
	AvatarURL      string
	Role           string // RoleRequester or RoleProfessional

	Client   *Client
	Channel  Channel
	State    *LocalState      // nil falls back to ephemeral (non-durable)
	Provider PositionProvider // nil disables location sharing
	Logger   logrus.FieldLogger

	TypingTTL   time.Duration
	PresenceTTL time.Duration
	Location    LocationOptions
}

// Conversation is one open conversation view's engine. It owns the message
// store, presence, shared locations, the location session, and the job
// controller, wiring each to the push channel for the lifetime between Open
// and Close. All state it owns is scoped to this one conversation.
type Conversation struct {
	cfg ConversationConfig
	log logrus.FieldLogger

	store    *MessageStore
	typing   *TypingTracker
	presence *PresenceTracker
	shared   *SharedLocationMap
	location *LocationSession
	jobs     *JobController

	emitter engineEmitter

	mu     sync.Mutex
	opened bool
	unsubs []func()
}

// NewConversation wires up an engine for one conversation. Call Open to
// start receiving events.
func NewConversation(cfg ConversationConfig) (*Conversation, error) {
	if cfg.ConversationID == "" {
		return nil, fmt.Errorf("conversation id is required")
	}
	if cfg.SelfID == "" {
		return nil, fmt.Errorf("self id is required")
	}
	if cfg.Client == nil {
		return nil, fmt.Errorf("client is required")
	}
	if cfg.Channel == nil {
		return nil, fmt.Errorf("channel is required")
	}
	if cfg.State == nil {
		cfg.State = NewEphemeralState()
	}
	log := cfg.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}

	c := &Conversation{
		cfg:      cfg,
		log:      log.WithField("conversation_id", cfg.ConversationID),
		store:    NewMessageStore(),
		presence: NewPresenceTracker(cfg.PresenceTTL),
		shared:   NewSharedLocationMap(),
		emitter:  engineEmitter{listeners: make(map[string][]EngineEventHandler)},
	}
	c.typing = NewTypingTracker(cfg.TypingTTL, func() {
		c.emitter.emit(EventTypingChanged, c.typing.Typing())
	})
	if cfg.Provider != nil {
		c.location = NewLocationSession(LocationSessionConfig{
			ConversationID: cfg.ConversationID,
			SelfID:         cfg.SelfID,
			DisplayName:    cfg.DisplayName,
			AvatarURL:      cfg.AvatarURL,
			Client:         cfg.Client,
			Channel:        cfg.Channel,
			Provider:       cfg.Provider,
			Logger:         log,
			FixTimeout:     cfg.Location.FixTimeout,
			MinMoveMeters:  cfg.Location.MinMoveMeters,
			AutoStopAfter:  cfg.Location.AutoStopAfter,
			Tick:           cfg.Location.Tick,
			OnCountdown:    cfg.Location.OnCountdown,
		})
	}
	c.jobs = NewJobController(JobControllerConfig{
		ConversationID: cfg.ConversationID,
		SelfID:         cfg.SelfID,
		Role:           cfg.Role,
		Client:         cfg.Client,
		Channel:        cfg.Channel,
		State:          cfg.State,
		Logger:         log,
		OnChange: func(job Job) {
			c.emitter.emit(EventJobChanged, job)
		},
		OnReviewPrompt: func(job Job) {
			c.emitter.emit(EventReviewPrompt, job)
		},
	})
	return c, nil
}

// OnEvent subscribes an observer to an engine event. Observers live until
// Close.
func (c *Conversation) OnEvent(event string, handler EngineEventHandler) {
	c.emitter.On(event, handler)
}

// Jobs returns the job lifecycle controller.
func (c *Conversation) Jobs() *JobController {
	return c.jobs
}

// ── Lifecycle ────────────────────────────────────────────

// Open joins the conversation on the push channel, subscribes every inbound
// handler, and loads the authoritative state from the API. Channel
// subscription lifetime is scoped to the open view: Close undoes all of it.
func (c *Conversation) Open(ctx context.Context) error {
	c.mu.Lock()
	if c.opened {
		c.mu.Unlock()
		return nil
	}
	c.opened = true
	c.mu.Unlock()

	if err := c.cfg.Channel.Join(ctx, c.cfg.ConversationID); err != nil {
		c.log.WithError(err).Warn("channel join failed; realtime updates degraded")
	}
	c.subscribe()

	if err := c.resync(ctx); err != nil {
		c.log.WithError(err).Warn("initial load failed")
	}
	if err := c.cfg.Client.Messages.MarkRead(ctx, c.cfg.ConversationID); err == nil {
		c.broadcast(EvtMessageRead, ReadEvent{
			ConversationID: c.cfg.ConversationID,
			SenderID:       c.cfg.SelfID,
			At:             time.Now(),
		})
	}
	return nil
}

// Close tears the view down: leave the channel, drop every subscription, and
// always run the location stop path so no device watch outlives the view.
func (c *Conversation) Close() {
	c.mu.Lock()
	if !c.opened {
		c.mu.Unlock()
		return
	}
	c.opened = false
	unsubs := c.unsubs
	c.unsubs = nil
	c.mu.Unlock()

	for _, off := range unsubs {
		off()
	}
	if c.location != nil {
		if err := c.location.Stop(context.Background()); err != nil {
			c.log.WithError(err).Warn("location stop on close failed")
		}
	}
	c.typing.Stop()
	c.shared.Clear()
	if err := c.cfg.Channel.Leave(context.Background(), c.cfg.ConversationID); err != nil {
		c.log.WithError(err).Debug("channel leave failed")
	}
	c.emitter.removeAll()
}

func (c *Conversation) subscribe() {
	sub := func(event string, h Handler) {
		off := c.cfg.Channel.On(event, h)
		c.mu.Lock()
		c.unsubs = append(c.unsubs, off)
		c.mu.Unlock()
	}

	sub(EvtSendMessage, c.handleSendMessage)
	sub(EvtMessageEdited, c.handleMessageEdited)
	sub(EvtMessageDeleted, c.handleMessageDeleted)
	sub(EvtMessagesDeleted, c.handleMessagesDeleted)
	sub(EvtUserTyping, c.handleTyping)
	sub(EvtMessageRead, c.handleRead)
	sub(EvtShareLocation, c.handleLocationShared)
	sub(EvtLocationSharingStarted, c.handleLocationShared)
	sub(EvtUpdateLocation, c.handleLocationShared)
	sub(EvtLocationUpdated, c.handleLocationShared)
	sub(EvtStopLocationShare, c.handleLocationStopped)
	sub(EvtLocationStopped, c.handleLocationStopped)
	sub(EvtJobUpdate, c.handleJobUpdate)
	sub(EvtPresenceChanged, c.handlePresence)

	offConn := c.cfg.Channel.OnConnectionChange(func(connected bool) {
		if !connected {
			return
		}
		// Reconnected: the channel may have dropped anything. Re-read the
		// authoritative state instead of trusting event replay.
		go func() {
			if err := c.resync(context.Background()); err != nil {
				c.log.WithError(err).Warn("resync after reconnect failed")
			}
		}()
	})
	c.mu.Lock()
	c.unsubs = append(c.unsubs, offConn)
	c.mu.Unlock()
}

// resync reloads conversation state from the request/response API and merges
// it into local state.
func (c *Conversation) resync(ctx context.Context) error {
	info, err := c.cfg.Client.Conversations.Get(ctx, c.cfg.ConversationID)
	if err != nil {
		return err
	}
	c.jobs.Attach(info.Job)

	msgs, err := c.cfg.Client.Conversations.Messages(ctx, c.cfg.ConversationID, nil)
	if err != nil {
		return err
	}
	for _, m := range msgs {
		m.Status = StatusConfirmed
		if c.store.Append(m) {
			continue
		}
		// Known record: adopt the server's authoritative flags.
		if m.Deleted {
			c.store.MarkDeleted(m.ID, m.DeletedAt)
		} else if m.Edited {
			c.store.MarkEdited(m.ID, m.Content.Text, m.EditedAt)
		}
	}
	c.emitter.emit(EventResync, len(msgs))
	return nil
}

// ── Reads ────────────────────────────────────────────────

// Messages returns the renderable thread: soft-deleted records excluded and
// the viewer's hidden set applied. The underlying store is untouched.
func (c *Conversation) Messages() []Message {
	return c.store.Visible(c.cfg.State.HiddenMessages(c.cfg.ConversationID))
}

// AllMessages returns every record including deleted and hidden ones.
func (c *Conversation) AllMessages() []Message {
	return c.store.All()
}

// Typing returns the currently typing peers.
func (c *Conversation) Typing() map[string]string {
	return c.typing.Typing()
}

// Presence returns the presence view for a user.
func (c *Conversation) Presence(userID string) Presence {
	return c.presence.Get(userID)
}

// SharedLocations returns the live positions of sharing peers.
func (c *Conversation) SharedLocations() []SharedLocation {
	return c.shared.All()
}

// ── Optimistic sends ─────────────────────────────────────

// SendText sends a text message: the pending record is appended and returned
// before any network traffic, then confirmed or rolled back asynchronously
// (EventMessageConfirmed / EventMessageFailed).
func (c *Conversation) SendText(ctx context.Context, text, replyTo string) Message {
	return c.send(ctx, KindText, Content{Text: text}, replyTo)
}

// SendContact shares a contact card.
func (c *Conversation) SendContact(ctx context.Context, card ContactCard) Message {
	return c.send(ctx, KindContact, Content{Contact: &card}, "")
}

// SendMedia sends media references.
func (c *Conversation) SendMedia(ctx context.Context, media []MediaRef, replyTo string) Message {
	return c.send(ctx, KindMedia, Content{Media: media}, replyTo)
}

func (c *Conversation) send(ctx context.Context, kind MessageKind, content Content, replyTo string) Message {
	pending := Message{
		LocalID:        "local-" + uuid.NewString(),
		Status:         StatusPending,
		ConversationID: c.cfg.ConversationID,
		SenderID:       c.cfg.SelfID,
		Kind:           kind,
		Content:        content,
		ReplyTo:        replyTo,
		CreatedAt:      time.Now(),
	}
	c.store.Append(pending)
	metricMessagesSent.Inc()
	c.emitter.emit(EventMessageLocal, pending)

	go c.confirmSend(ctx, pending)
	return pending
}

func (c *Conversation) confirmSend(ctx context.Context, pending Message) {
	msg, err := c.cfg.Client.Messages.Send(ctx, c.cfg.ConversationID, &SendMessageRequest{
		Kind:    pending.Kind,
		Content: pending.Content,
		ReplyTo: pending.ReplyTo,
	})
	if err != nil {
		draft, _ := c.store.Discard(pending.LocalID)
		metricMessagesRolledBack.Inc()
		c.log.WithError(err).Info("send failed, rolled back")
		c.emitter.emit(EventMessageFailed, SendFailure{Draft: draft, Err: err})
		return
	}

	confirmed := *msg
	if confirmed.SenderID == "" {
		confirmed.SenderID = c.cfg.SelfID
	}
	if confirmed.ConversationID == "" {
		confirmed.ConversationID = c.cfg.ConversationID
	}
	c.store.ConfirmSwap(pending.LocalID, confirmed)
	metricMessagesConfirmed.Inc()
	stored, _ := c.store.Get(confirmed.ID)
	c.emitter.emit(EventMessageConfirmed, stored)

	// Broadcast so the peer's engine receives it as a normal inbound event.
	// Our own handler ignores the echo by sender id and message id.
	c.broadcast(EvtSendMessage, MessageEvent{
		ConversationID: c.cfg.ConversationID,
		SenderID:       c.cfg.SelfID,
		Message:        stored,
	})
}

// EditMessage optimistically rewrites one of the viewer's own text messages,
// reverting on network failure.
func (c *Conversation) EditMessage(ctx context.Context, messageID, newText string) error {
	prev, ok := c.store.Get(messageID)
	if !ok {
		return fmt.Errorf("unknown message %q", messageID)
	}
	if prev.SenderID != c.cfg.SelfID {
		return fmt.Errorf("cannot edit another participant's message")
	}
	now := time.Now()
	if !c.store.MarkEdited(messageID, newText, now) {
		return fmt.Errorf("message %q not editable", messageID)
	}
	c.emitter.emit(EventMessageUpdated, c.mustGet(messageID))

	if _, err := c.cfg.Client.Messages.Edit(ctx, messageID, newText); err != nil {
		c.store.Replace(prev)
		c.emitter.emit(EventMessageUpdated, prev)
		return err
	}
	c.broadcast(EvtMessageEdited, MessageEditedEvent{
		ConversationID: c.cfg.ConversationID,
		SenderID:       c.cfg.SelfID,
		MessageID:      messageID,
		Text:           newText,
		EditedAt:       now,
	})
	return nil
}

// DeleteMessage optimistically soft-deletes one of the viewer's own
// messages, reverting on network failure.
func (c *Conversation) DeleteMessage(ctx context.Context, messageID string) error {
	prev, ok := c.store.Get(messageID)
	if !ok {
		return fmt.Errorf("unknown message %q", messageID)
	}
	if prev.SenderID != c.cfg.SelfID {
		return fmt.Errorf("cannot delete another participant's message")
	}
	now := time.Now()
	if !c.store.MarkDeleted(messageID, now) {
		return nil // already deleted
	}
	c.emitter.emit(EventMessageUpdated, c.mustGet(messageID))

	if err := c.cfg.Client.Messages.Delete(ctx, messageID); err != nil {
		c.store.Replace(prev)
		c.emitter.emit(EventMessageUpdated, prev)
		return err
	}
	c.broadcast(EvtMessageDeleted, MessageDeletedEvent{
		ConversationID: c.cfg.ConversationID,
		SenderID:       c.cfg.SelfID,
		MessageID:      messageID,
		DeletedAt:      now,
	})
	return nil
}

// DeleteMessages removes a selection from the viewer's thread. Messages the
// viewer owns are soft-deleted for everyone (network + broadcast); messages
// owned by the other party are only added to the viewer's durable hidden
// set; a user can never remotely delete another party's message.
func (c *Conversation) DeleteMessages(ctx context.Context, messageIDs []string) error {
	var owned, foreign []string
	for _, id := range messageIDs {
		m, ok := c.store.Get(id)
		if !ok {
			continue
		}
		if m.SenderID == c.cfg.SelfID {
			owned = append(owned, id)
		} else {
			foreign = append(foreign, id)
		}
	}

	var firstErr error
	now := time.Now()
	var deleted []string
	for _, id := range owned {
		prev, _ := c.store.Get(id)
		if !c.store.MarkDeleted(id, now) {
			continue
		}
		if err := c.cfg.Client.Messages.Delete(ctx, id); err != nil {
			c.store.Replace(prev)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		deleted = append(deleted, id)
	}
	if len(deleted) > 0 {
		c.broadcast(EvtMessagesDeleted, MessagesDeletedEvent{
			ConversationID: c.cfg.ConversationID,
			SenderID:       c.cfg.SelfID,
			MessageIDs:     deleted,
			DeletedAt:      now,
		})
	}

	if len(foreign) > 0 {
		if err := c.cfg.State.HideMessages(c.cfg.ConversationID, foreign...); err != nil {
			if firstErr == nil {
				firstErr = err
			}
		}
		c.emitter.emit(EventMessagesHidden, foreign)
	}
	return firstErr
}

// ClearMyMessages bulk soft-deletes every message the viewer owns, server
// side, then broadcasts the affected ids.
func (c *Conversation) ClearMyMessages(ctx context.Context) error {
	if err := c.cfg.Client.Messages.DeleteMine(ctx, c.cfg.ConversationID); err != nil {
		return err
	}
	now := time.Now()
	var deleted []string
	for _, m := range c.store.All() {
		if m.SenderID == c.cfg.SelfID && !m.Deleted && m.ID != "" {
			if c.store.MarkDeleted(m.ID, now) {
				deleted = append(deleted, m.ID)
			}
		}
	}
	if len(deleted) > 0 {
		c.broadcast(EvtMessagesDeleted, MessagesDeletedEvent{
			ConversationID: c.cfg.ConversationID,
			SenderID:       c.cfg.SelfID,
			MessageIDs:     deleted,
			DeletedAt:      now,
		})
	}
	return nil
}

// SendTyping tells the other party the viewer is typing.
func (c *Conversation) SendTyping() {
	c.broadcast(EvtUserTyping, TypingEvent{
		ConversationID: c.cfg.ConversationID,
		SenderID:       c.cfg.SelfID,
		DisplayName:    c.cfg.DisplayName,
	})
}

// ── Location ─────────────────────────────────────────────

// StartLocationShare begins the live share session.
func (c *Conversation) StartLocationShare(ctx context.Context) error {
	if c.location == nil {
		return fmt.Errorf("no position provider configured")
	}
	return c.location.Start(ctx)
}

// StopLocationShare ends the live share session; safe to call repeatedly.
func (c *Conversation) StopLocationShare(ctx context.Context) error {
	if c.location == nil {
		return nil
	}
	return c.location.Stop(ctx)
}

// SharingLocation reports whether the local share session is active.
func (c *Conversation) SharingLocation() bool {
	return c.location != nil && c.location.Sharing()
}

// ── Inbound handlers ─────────────────────────────────────

// applies reports whether an inbound event belongs to this view and was not
// authored by it. Foreign-conversation events and self echoes are dropped.
func (c *Conversation) applies(conversationID, senderID string) bool {
	if conversationID != c.cfg.ConversationID {
		metricEventsDropped.WithLabelValues("foreign_conversation").Inc()
		return false
	}
	if senderID == c.cfg.SelfID {
		metricEventsDropped.WithLabelValues("self_echo").Inc()
		return false
	}
	return true
}

func (c *Conversation) handleSendMessage(payload json.RawMessage) {
	var ev MessageEvent
	if json.Unmarshal(payload, &ev) != nil || !c.applies(ev.ConversationID, ev.SenderID) {
		return
	}
	msg := ev.Message
	msg.Status = StatusConfirmed
	if c.store.Append(msg) {
		c.emitter.emit(EventMessageNew, msg)
	}
}

func (c *Conversation) handleMessageEdited(payload json.RawMessage) {
	var ev MessageEditedEvent
	if json.Unmarshal(payload, &ev) != nil || !c.applies(ev.ConversationID, ev.SenderID) {
		return
	}
	if c.store.MarkEdited(ev.MessageID, ev.Text, ev.EditedAt) {
		c.emitter.emit(EventMessageUpdated, c.mustGet(ev.MessageID))
	}
}

func (c *Conversation) handleMessageDeleted(payload json.RawMessage) {
	var ev MessageDeletedEvent
	if json.Unmarshal(payload, &ev) != nil || !c.applies(ev.ConversationID, ev.SenderID) {
		return
	}
	if c.store.MarkDeleted(ev.MessageID, ev.DeletedAt) {
		c.emitter.emit(EventMessageUpdated, c.mustGet(ev.MessageID))
	}
}

func (c *Conversation) handleMessagesDeleted(payload json.RawMessage) {
	var ev MessagesDeletedEvent
	if json.Unmarshal(payload, &ev) != nil || !c.applies(ev.ConversationID, ev.SenderID) {
		return
	}
	for _, id := range ev.MessageIDs {
		if c.store.MarkDeleted(id, ev.DeletedAt) {
			c.emitter.emit(EventMessageUpdated, c.mustGet(id))
		}
	}
}

func (c *Conversation) handleTyping(payload json.RawMessage) {
	var ev TypingEvent
	if json.Unmarshal(payload, &ev) != nil || !c.applies(ev.ConversationID, ev.SenderID) {
		return
	}
	c.typing.Refresh(ev.SenderID, ev.DisplayName)
	c.presence.Apply(PresenceEvent{
		ConversationID: ev.ConversationID,
		SenderID:       ev.SenderID,
		Online:         true,
	})
}

func (c *Conversation) handleRead(payload json.RawMessage) {
	var ev ReadEvent
	if json.Unmarshal(payload, &ev) != nil || !c.applies(ev.ConversationID, ev.SenderID) {
		return
	}
	// The peer has read the thread: flag the viewer's own messages and tell
	// the UI how many changed.
	if n := c.store.MarkRead(c.cfg.SelfID); n > 0 {
		c.emitter.emit(EventMessagesRead, n)
	}
}

func (c *Conversation) handleLocationShared(payload json.RawMessage) {
	var ev LocationEvent
	if json.Unmarshal(payload, &ev) != nil || !c.applies(ev.ConversationID, ev.SenderID) {
		return
	}
	c.shared.Apply(ev)
	c.emitter.emit(EventLocationChanged, c.shared.All())
}

func (c *Conversation) handleLocationStopped(payload json.RawMessage) {
	var ev LocationEvent
	if json.Unmarshal(payload, &ev) != nil || !c.applies(ev.ConversationID, ev.SenderID) {
		return
	}
	c.shared.Remove(ev.SenderID)
	c.emitter.emit(EventLocationChanged, c.shared.All())
}

func (c *Conversation) handleJobUpdate(payload json.RawMessage) {
	var ev JobUpdateEvent
	if json.Unmarshal(payload, &ev) != nil || !c.applies(ev.ConversationID, ev.SenderID) {
		return
	}
	c.jobs.ApplyRemote(ev.Job)
}

func (c *Conversation) handlePresence(payload json.RawMessage) {
	var ev PresenceEvent
	if json.Unmarshal(payload, &ev) != nil || !c.applies(ev.ConversationID, ev.SenderID) {
		return
	}
	c.presence.Apply(ev)
	c.emitter.emit(EventPresenceChanged, c.presence.Get(ev.SenderID))
}

// ── Helpers ──────────────────────────────────────────────

// broadcast emits best-effort: a down channel degrades realtime delivery but
// never fails the local action.
func (c *Conversation) broadcast(event string, payload any) {
	if err := c.cfg.Channel.Emit(event, payload); err != nil {
		c.log.WithField("event", event).WithError(err).Debug("broadcast skipped")
	}
}

func (c *Conversation) mustGet(id string) Message {
	m, _ := c.store.Get(id)
	return m
}
