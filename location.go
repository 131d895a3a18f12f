package fixfinder

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ============================================================================
// Device capability
// ============================================================================

// PositionProvider abstracts the device's geolocation capability. Current
// resolves a single fix and must respect ctx cancellation: a permission
// prompt left unanswered surfaces as a context error, not a hang. Watch
// invokes fn for every position report until the returned stop func is
// called.
type PositionProvider interface {
	Current(ctx context.Context) (Position, error)
	Watch(ctx context.Context, fn func(Position)) (stop func(), err error)
}

// ============================================================================
// Peer shared locations
// ============================================================================

// SharedLocationMap holds the live positions of sharing peers, at most one
// entry per user: a newer update replaces the prior entry, never appends.
type SharedLocationMap struct {
	mu      sync.RWMutex
	entries map[string]SharedLocation
}

// NewSharedLocationMap creates an empty map.
func NewSharedLocationMap() *SharedLocationMap {
	return &SharedLocationMap{entries: make(map[string]SharedLocation)}
}

// Apply merges a share/update event, replacing any prior entry for the user.
// The display snapshot is kept from the first event when the update carries
// none.
func (m *SharedLocationMap) Apply(ev LocationEvent) {
	if ev.Position == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	entry := SharedLocation{
		UserID:      ev.SenderID,
		Position:    *ev.Position,
		DisplayName: ev.DisplayName,
		AvatarURL:   ev.AvatarURL,
		UpdatedAt:   time.Now(),
	}
	if prev, ok := m.entries[ev.SenderID]; ok {
		if entry.DisplayName == "" {
			entry.DisplayName = prev.DisplayName
		}
		if entry.AvatarURL == "" {
			entry.AvatarURL = prev.AvatarURL
		}
	}
	m.entries[ev.SenderID] = entry
}

// Remove drops the user's entry.
func (m *SharedLocationMap) Remove(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, userID)
}

// Get returns the entry for a user.
func (m *SharedLocationMap) Get(userID string) (SharedLocation, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[userID]
	return e, ok
}

// All returns a copy of every live entry.
func (m *SharedLocationMap) All() []SharedLocation {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]SharedLocation, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e)
	}
	return out
}

// Clear drops every entry. Used on conversation close.
func (m *SharedLocationMap) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[string]SharedLocation)
}

// ============================================================================
// Location session
// ============================================================================

type sessionState int

const (
	sessionIdle sessionState = iota
	sessionRequesting
	sessionSharing
)

// LocationSessionConfig configures a LocationSession.
type LocationSessionConfig struct {
	ConversationID string
	SelfID         string
	DisplayName    string
	AvatarURL      string

	Client   *Client
	Channel  Channel
	Provider PositionProvider
	Logger   logrus.FieldLogger

	// FixTimeout bounds the one-shot fix (default 10s).
	FixTimeout time.Duration
	// MinMoveMeters is the movement threshold below which watch reports are
	// not republished (default 10m).
	MinMoveMeters float64
	// AutoStopAfter ends the share automatically when positive.
	AutoStopAfter time.Duration
	// Tick is the countdown granularity (default 1s).
	Tick time.Duration
	// OnCountdown observes the remaining tick count; may be nil.
	OnCountdown func(remaining int)
}

// LocationSession owns the local user's live location share: one-shot fix,
// continuous watch with movement threshold, optional countdown, and a single
// idempotent stop routine that explicit stop, countdown expiry, and view
// teardown all converge on. Modeled as an explicit session object so no path
// can leave a device watch running.
type LocationSession struct {
	cfg LocationSessionConfig
	log logrus.FieldLogger

	mu            sync.Mutex
	state         sessionState
	stopRequested bool
	stopWatch     func()
	countdownDone chan struct{}
	remaining     int
	lastPublished Position
}

// NewLocationSession creates an idle session.
func NewLocationSession(cfg LocationSessionConfig) *LocationSession {
	if cfg.FixTimeout <= 0 {
		cfg.FixTimeout = 10 * time.Second
	}
	if cfg.MinMoveMeters <= 0 {
		cfg.MinMoveMeters = 10
	}
	if cfg.Tick <= 0 {
		cfg.Tick = time.Second
	}
	log := cfg.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &LocationSession{
		cfg: cfg,
		log: log.WithField("conversation_id", cfg.ConversationID),
	}
}

// Sharing reports whether a live share is active.
func (s *LocationSession) Sharing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == sessionSharing
}

// Remaining returns the countdown ticks left, 0 when no countdown runs.
func (s *LocationSession) Remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remaining
}

// Start acquires a single fix, persists it, announces the share, and begins
// the live watch plus the optional countdown. A failed fix or a failed
// persist leaves the session idle.
func (s *LocationSession) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != sessionIdle {
		s.mu.Unlock()
		return ErrAlreadySharing
	}
	s.state = sessionRequesting
	s.mu.Unlock()

	fail := func(err error) error {
		s.mu.Lock()
		s.state = sessionIdle
		s.stopRequested = false
		s.mu.Unlock()
		return err
	}

	fixCtx, cancel := context.WithTimeout(ctx, s.cfg.FixTimeout)
	pos, err := s.cfg.Provider.Current(fixCtx)
	cancel()
	if err != nil {
		return fail(err)
	}

	// A stop that raced the fix lands before anything was announced. Nothing
	// to tear down yet; the session just stays idle.
	s.mu.Lock()
	if s.stopRequested {
		s.stopRequested = false
		s.state = sessionIdle
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if _, err := s.cfg.Client.Location.Share(ctx, s.cfg.ConversationID, pos); err != nil {
		return fail(err)
	}

	if err := s.cfg.Channel.Emit(EvtLocationSharingStarted, LocationEvent{
		ConversationID: s.cfg.ConversationID,
		SenderID:       s.cfg.SelfID,
		DisplayName:    s.cfg.DisplayName,
		AvatarURL:      s.cfg.AvatarURL,
		Position:       &pos,
	}); err != nil {
		// Peers fall back to the persisted location message.
		s.log.WithError(err).Warn("share-started broadcast failed")
	}

	watchCtx := context.Background()
	stop, err := s.cfg.Provider.Watch(watchCtx, s.publish)
	if err != nil {
		return fail(err)
	}

	s.mu.Lock()
	if s.stopRequested {
		// A stop arrived after the share was announced. Release the watch
		// and take the usual teardown path before anyone could observe a
		// live session.
		s.stopRequested = false
		s.state = sessionIdle
		s.mu.Unlock()
		stop()
		return s.notifyStopped(ctx)
	}
	s.state = sessionSharing
	s.stopWatch = stop
	s.lastPublished = pos
	if s.cfg.AutoStopAfter > 0 {
		s.remaining = int(s.cfg.AutoStopAfter / s.cfg.Tick)
		if s.remaining < 1 {
			s.remaining = 1
		}
		s.countdownDone = make(chan struct{})
		go s.countdown(s.countdownDone)
	}
	s.mu.Unlock()
	return nil
}

// publish republishes a watch report when the device has materially moved.
func (s *LocationSession) publish(pos Position) {
	s.mu.Lock()
	if s.state != sessionSharing {
		s.mu.Unlock()
		return
	}
	if distanceMeters(s.lastPublished, pos) < s.cfg.MinMoveMeters {
		s.mu.Unlock()
		return
	}
	s.lastPublished = pos
	s.mu.Unlock()

	metricLocationUpdates.Inc()
	if err := s.cfg.Channel.Emit(EvtUpdateLocation, LocationEvent{
		ConversationID: s.cfg.ConversationID,
		SenderID:       s.cfg.SelfID,
		Position:       &pos,
	}); err != nil {
		s.log.WithError(err).Debug("position update not broadcast")
	}
}

func (s *LocationSession) countdown(done chan struct{}) {
	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			s.mu.Lock()
			if s.state != sessionSharing {
				s.mu.Unlock()
				return
			}
			s.remaining--
			remaining := s.remaining
			s.mu.Unlock()

			if s.cfg.OnCountdown != nil {
				s.cfg.OnCountdown(remaining)
			}
			if remaining <= 0 {
				// Countdown expiry takes the same stop path as an
				// explicit user stop.
				s.Stop(context.Background())
				return
			}
		}
	}
}

// Stop ends the share. It is reentrant-safe: the second and later calls are
// no-ops, and a stop issued while Start is still in flight cancels that
// start. Every cleanup step runs even when an earlier one fails; a failed
// server notification must not leave the device watch running. The first
// error is returned.
func (s *LocationSession) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.state == sessionRequesting {
		// Start is still mid flight acquiring the fix or announcing the
		// share. Record the cancellation; Start honours it before the
		// session goes live.
		s.stopRequested = true
		s.mu.Unlock()
		return nil
	}
	if s.state != sessionSharing {
		s.mu.Unlock()
		return nil
	}
	s.state = sessionIdle
	stopWatch := s.stopWatch
	s.stopWatch = nil
	done := s.countdownDone
	s.countdownDone = nil
	s.remaining = 0
	s.mu.Unlock()

	if stopWatch != nil {
		stopWatch()
	}
	if done != nil {
		close(done)
	}
	return s.notifyStopped(ctx)
}

// notifyStopped tells the server and the peers that the share ended. Both
// steps always run; the first error is returned.
func (s *LocationSession) notifyStopped(ctx context.Context) error {
	var firstErr error
	if err := s.cfg.Client.Location.Stop(ctx, s.cfg.ConversationID); err != nil {
		s.log.WithError(err).Warn("location stop call failed")
		firstErr = err
	}
	if err := s.cfg.Channel.Emit(EvtStopLocationShare, LocationEvent{
		ConversationID: s.cfg.ConversationID,
		SenderID:       s.cfg.SelfID,
	}); err != nil {
		s.log.WithError(err).Warn("share-stopped broadcast failed")
		if firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// distanceMeters approximates the ground distance between two fixes. An
// equirectangular approximation is plenty at movement-threshold scales.
func distanceMeters(a, b Position) float64 {
	const earthRadius = 6371000.0
	latA := a.Lat * math.Pi / 180
	latB := b.Lat * math.Pi / 180
	x := (b.Lng - a.Lng) * math.Pi / 180 * math.Cos((latA+latB)/2)
	y := latB - latA
	return math.Sqrt(x*x+y*y) * earthRadius
}
