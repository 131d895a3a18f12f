package fixfinder

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helpers
// ============================================================================

// scriptedProvider is a hand-driven PositionProvider: tests push watch
// reports through Move.
type scriptedProvider struct {
	mu      sync.Mutex
	pos     Position
	fixErr  error
	fixGate chan struct{} // when set, Current blocks until it is closed
	report  func(Position)
	stopped atomic.Int32
}

func (p *scriptedProvider) Current(ctx context.Context) (Position, error) {
	p.mu.Lock()
	gate := p.fixGate
	pos, err := p.pos, p.fixErr
	p.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return Position{}, ctx.Err()
		}
	}
	return pos, err
}

func (p *scriptedProvider) Watch(_ context.Context, fn func(Position)) (func(), error) {
	p.mu.Lock()
	p.report = fn
	p.mu.Unlock()
	return func() { p.stopped.Add(1) }, nil
}

func (p *scriptedProvider) Move(pos Position) {
	p.mu.Lock()
	fn := p.report
	p.mu.Unlock()
	if fn != nil {
		fn(pos)
	}
}

type locationFixture struct {
	session  *LocationSession
	provider *scriptedProvider
	peer     *MemorySession

	shareCalls atomic.Int32
	stopCalls  atomic.Int32

	shareGate  chan struct{} // when set, the share handler blocks until closed
	shareBegan chan struct{} // signalled once the share handler is entered
}

func newLocationFixture(t *testing.T, tweak func(*LocationSessionConfig)) *locationFixture {
	t.Helper()

	f := &locationFixture{
		provider: &scriptedProvider{pos: Position{Lat: 6.5244, Lng: 3.3792}},
	}

	api := newFakeAPI(t)
	api.handle("POST /api/conversations/conv-1/location", func(w http.ResponseWriter, r *http.Request) {
		if f.shareBegan != nil {
			select {
			case f.shareBegan <- struct{}{}:
			default:
			}
		}
		if f.shareGate != nil {
			<-f.shareGate
		}
		f.shareCalls.Add(1)
		writeOK(w, Message{ID: "msg-loc", Kind: KindLocation})
	})
	api.handle("DELETE /api/conversations/conv-1/location", func(w http.ResponseWriter, r *http.Request) {
		f.stopCalls.Add(1)
		writeOK(w, nil)
	})

	broker := NewMemoryBroker()
	self := broker.Session()
	f.peer = broker.Session()
	require.NoError(t, self.Join(context.Background(), "conv-1"))
	require.NoError(t, f.peer.Join(context.Background(), "conv-1"))

	cfg := LocationSessionConfig{
		ConversationID: "conv-1",
		SelfID:         "user-1",
		DisplayName:    "Ada",
		Client:         api.client(),
		Channel:        self,
		Provider:       f.provider,
		Logger:         testLogger(),
	}
	if tweak != nil {
		tweak(&cfg)
	}
	f.session = NewLocationSession(cfg)
	t.Cleanup(func() { _ = f.session.Stop(context.Background()) })
	return f
}

func (f *locationFixture) peerEvents(event string) *atomic.Int32 {
	var n atomic.Int32
	f.peer.On(event, func(json.RawMessage) { n.Add(1) })
	return &n
}

// ============================================================================
// Session lifecycle
// ============================================================================

func TestLocationSession_StartAnnouncesAndWatches(t *testing.T) {
	f := newLocationFixture(t, nil)
	started := f.peerEvents(EvtLocationSharingStarted)

	require.NoError(t, f.session.Start(testCtx(t)))

	assert.True(t, f.session.Sharing())
	assert.Equal(t, int32(1), f.shareCalls.Load(), "initial fix is persisted")
	assert.Equal(t, int32(1), started.Load(), "peer is told the share started")

	assert.ErrorIs(t, f.session.Start(testCtx(t)), ErrAlreadySharing)
}

func TestLocationSession_FailedFixLeavesIdle(t *testing.T) {
	f := newLocationFixture(t, nil)
	f.provider.fixErr = errors.New("permission denied")

	require.Error(t, f.session.Start(testCtx(t)))
	assert.False(t, f.session.Sharing())

	// Recoverable: a later grant starts cleanly.
	f.provider.fixErr = nil
	require.NoError(t, f.session.Start(testCtx(t)))
	assert.True(t, f.session.Sharing())
}

func TestLocationSession_MovementThreshold(t *testing.T) {
	f := newLocationFixture(t, nil)
	updates := f.peerEvents(EvtUpdateLocation)

	require.NoError(t, f.session.Start(testCtx(t)))

	// ~1m north: below the 10m default threshold, suppressed.
	f.provider.Move(Position{Lat: 6.52441, Lng: 3.3792})
	assert.Equal(t, int32(0), updates.Load())

	// ~110m north: published.
	f.provider.Move(Position{Lat: 6.5254, Lng: 3.3792})
	assert.Equal(t, int32(1), updates.Load())

	// Jitter around the newly published fix is suppressed again.
	f.provider.Move(Position{Lat: 6.52541, Lng: 3.3792})
	assert.Equal(t, int32(1), updates.Load())
}

func TestLocationSession_StopIsIdempotent(t *testing.T) {
	f := newLocationFixture(t, nil)
	stopped := f.peerEvents(EvtStopLocationShare)

	require.NoError(t, f.session.Start(testCtx(t)))
	require.NoError(t, f.session.Stop(testCtx(t)))
	require.NoError(t, f.session.Stop(testCtx(t)))
	require.NoError(t, f.session.Stop(testCtx(t)))

	assert.False(t, f.session.Sharing())
	assert.Equal(t, int32(1), f.stopCalls.Load(), "stop side effects run once")
	assert.Equal(t, int32(1), stopped.Load())
	assert.Equal(t, int32(1), f.provider.stopped.Load(), "device watch released exactly once")
}

func TestLocationSession_StopRunsEveryStepOnFailure(t *testing.T) {
	f := newLocationFixture(t, nil)
	require.NoError(t, f.session.Start(testCtx(t)))

	// Server rejects the stop call; the watch must be released anyway.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.Error(t, f.session.Stop(ctx))

	assert.False(t, f.session.Sharing())
	assert.Equal(t, int32(1), f.provider.stopped.Load())
}

func TestLocationSession_StopDuringFixCancelsStart(t *testing.T) {
	f := newLocationFixture(t, nil)
	gate := make(chan struct{})
	f.provider.fixGate = gate

	startDone := make(chan error, 1)
	go func() { startDone <- f.session.Start(context.Background()) }()

	// Start is suspended on an unanswered permission prompt; the user tears
	// the view down in the meantime.
	require.Eventually(t, func() bool {
		f.session.mu.Lock()
		defer f.session.mu.Unlock()
		return f.session.state == sessionRequesting
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, f.session.Stop(testCtx(t)))

	close(gate)
	require.NoError(t, <-startDone)

	assert.False(t, f.session.Sharing(), "cancelled start must not go live")
	assert.Equal(t, int32(0), f.shareCalls.Load(), "nothing was announced")
	assert.Equal(t, int32(0), f.provider.stopped.Load(), "no device watch was ever acquired")

	// The session stays usable after the cancellation.
	f.provider.fixGate = nil
	require.NoError(t, f.session.Start(testCtx(t)))
	assert.True(t, f.session.Sharing())
}

func TestLocationSession_StopDuringAnnounceReleasesWatch(t *testing.T) {
	f := newLocationFixture(t, nil)
	f.shareGate = make(chan struct{})
	f.shareBegan = make(chan struct{}, 1)
	stopped := f.peerEvents(EvtStopLocationShare)

	startDone := make(chan error, 1)
	go func() { startDone <- f.session.Start(context.Background()) }()

	// The fix already resolved and the announce call is in flight.
	<-f.shareBegan
	require.NoError(t, f.session.Stop(testCtx(t)))

	close(f.shareGate)
	require.NoError(t, <-startDone)

	assert.False(t, f.session.Sharing(), "stop wins over a start still in flight")
	assert.Equal(t, int32(1), f.provider.stopped.Load(), "acquired watch is released")
	assert.Equal(t, int32(1), f.stopCalls.Load(), "server is told the share ended")
	assert.Equal(t, int32(1), stopped.Load(), "peers are told the share ended")
}

func TestLocationSession_CountdownAutoStops(t *testing.T) {
	f := newLocationFixture(t, func(cfg *LocationSessionConfig) {
		cfg.AutoStopAfter = 100 * time.Millisecond
		cfg.Tick = 20 * time.Millisecond
	})
	stopped := f.peerEvents(EvtStopLocationShare)

	require.NoError(t, f.session.Start(testCtx(t)))
	assert.Equal(t, 5, f.session.Remaining())

	require.Eventually(t, func() bool {
		return !f.session.Sharing()
	}, 2*time.Second, 10*time.Millisecond, "countdown expiry must stop the share")

	require.Eventually(t, func() bool {
		return stopped.Load() == 1 && f.stopCalls.Load() == 1
	}, 2*time.Second, 10*time.Millisecond, "expiry takes the same stop path as a user stop")
	assert.Equal(t, 0, f.session.Remaining())
}

// ============================================================================
// Shared location map
// ============================================================================

func TestSharedLocationMap_ReplaceByUser(t *testing.T) {
	m := NewSharedLocationMap()

	m.Apply(LocationEvent{
		SenderID:    "user-2",
		DisplayName: "Bade",
		AvatarURL:   "https://cdn.example/bade.png",
		Position:    &Position{Lat: 1, Lng: 1},
	})
	// Position-only update keeps the display snapshot from the start event.
	m.Apply(LocationEvent{
		SenderID: "user-2",
		Position: &Position{Lat: 2, Lng: 2},
	})

	got, ok := m.Get("user-2")
	require.True(t, ok)
	assert.Equal(t, 2.0, got.Position.Lat)
	assert.Equal(t, "Bade", got.DisplayName)
	assert.Len(t, m.All(), 1, "one marker per user, not per update")

	m.Remove("user-2")
	_, ok = m.Get("user-2")
	assert.False(t, ok)
	m.Remove("user-2") // redelivered stop is harmless
}

func TestDistanceMeters(t *testing.T) {
	lagos := Position{Lat: 6.5244, Lng: 3.3792}

	assert.InDelta(t, 0, distanceMeters(lagos, lagos), 0.001)
	// One degree of latitude is ~111km.
	north := Position{Lat: 7.5244, Lng: 3.3792}
	assert.InDelta(t, 111000, distanceMeters(lagos, north), 500)
}
