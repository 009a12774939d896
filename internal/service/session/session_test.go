package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"secureconnect-callagent/internal/domain"
	"secureconnect-callagent/internal/events"
	"secureconnect-callagent/internal/media"
	"secureconnect-callagent/internal/media/mediatest"
	"secureconnect-callagent/internal/service/device"
	"secureconnect-callagent/internal/service/quality"
	"secureconnect-callagent/internal/service/registry"
	"secureconnect-callagent/internal/service/settings"
	"secureconnect-callagent/internal/signaling"
	apperrors "secureconnect-callagent/pkg/errors"
	"secureconnect-callagent/pkg/metrics"
	"secureconnect-callagent/pkg/resilience"
)

// MockTransport is a mock implementation of signaling.Transport
type MockTransport struct {
	mock.Mock

	mu   sync.Mutex
	sent []signaling.Message
}

func (m *MockTransport) IsConnected() bool {
	return m.Called().Bool(0)
}

func (m *MockTransport) Send(ctx context.Context, msg *signaling.Message) error {
	m.mu.Lock()
	m.sent = append(m.sent, *msg)
	m.mu.Unlock()
	return m.Called(ctx, msg).Error(0)
}

func (m *MockTransport) Start(ctx context.Context, sink signaling.Sink) error {
	return m.Called(ctx, sink).Error(0)
}

func (m *MockTransport) Close() error {
	return m.Called().Error(0)
}

func (m *MockTransport) sentOf(msgType string) []signaling.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []signaling.Message
	for _, msg := range m.sent {
		if msg.Type == msgType {
			out = append(out, msg)
		}
	}
	return out
}

func (m *MockTransport) types() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.sent))
	for _, msg := range m.sent {
		out = append(out, msg.Type)
	}
	return out
}

// MockReconnectAPI is a mock implementation of ReconnectAPI
type MockReconnectAPI struct {
	mock.Mock
}

func (m *MockReconnectAPI) Reconnect(ctx context.Context, callID string) error {
	return m.Called(ctx, callID).Error(0)
}

type fakeTimer struct {
	mu      sync.Mutex
	d       time.Duration
	fn      func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	was := t.stopped
	t.stopped = true
	return !was
}

func (t *fakeTimer) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

// Fire runs the callback unless the timer was stopped
func (t *fakeTimer) Fire() {
	if t.Stopped() {
		return
	}
	t.fn()
}

type fakeClock struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (c *fakeClock) AfterFunc(d time.Duration, fn func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{d: d, fn: fn}
	c.timers = append(c.timers, t)
	return t
}

// pending returns the live timers with duration d
func (c *fakeClock) pending(d time.Duration) []*fakeTimer {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*fakeTimer
	for _, t := range c.timers {
		if t.d == d && !t.Stopped() {
			out = append(out, t)
		}
	}
	return out
}

func immediate(time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- time.Now()
	return ch
}

type fixtureOptions struct {
	disconnected bool
	sendErr      error
	settings     func(*domain.CallSettings)
}

type fixture struct {
	session   *Session
	transport *MockTransport
	api       *MockReconnectAPI
	platform  *mediatest.Platform
	registry  *registry.Registry
	devices   *device.Manager
	monitor   *quality.Monitor
	settings  *settings.Store
	clock     *fakeClock
	sub       *events.Subscription
}

const (
	callTimeout = 30 * time.Second
	maxDuration = 120 * time.Minute
)

func newFixture(t *testing.T, opts ...func(*fixtureOptions)) *fixture {
	t.Helper()
	o := fixtureOptions{}
	for _, opt := range opts {
		opt(&o)
	}

	cs := domain.CallSettings{
		EnableAudioByDefault: true,
		EnableVideoByDefault: true,
		CallTimeout:          30,
		MaxCallDuration:      120,
		EnableScreenShare:    true,
	}
	if o.settings != nil {
		o.settings(&cs)
	}

	platform := mediatest.NewPlatform()
	bus := events.NewBus()
	reg := registry.New(platform, registry.Config{BufferEarlyCandidates: true})
	store := settings.NewStore(cs)
	devices := device.NewManager(platform, reg, store, bus)
	monitor := quality.NewMonitor(quality.Config{Interval: time.Hour, Adaptive: true}, reg, bus)

	transport := new(MockTransport)
	transport.On("IsConnected").Return(!o.disconnected).Maybe()
	transport.On("Send", mock.Anything, mock.Anything).Return(o.sendErr).Maybe()
	api := new(MockReconnectAPI)
	clock := &fakeClock{}
	sub := bus.Subscribe(512)

	s := New(Deps{
		UserID:          "alice",
		Transport:       transport,
		Registry:        reg,
		Devices:         devices,
		Monitor:         monitor,
		Settings:        store,
		Bus:             bus,
		ReconnectAPI:    api,
		ReconnectPolicy: resilience.Backoff{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond},
		AfterFunc:       clock.AfterFunc,
		RetryClock:      immediate,
	})

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
		monitor.StopAll()
		sub.Unsubscribe()
	})

	return &fixture{
		session:   s,
		transport: transport,
		api:       api,
		platform:  platform,
		registry:  reg,
		devices:   devices,
		monitor:   monitor,
		settings:  store,
		clock:     clock,
		sub:       sub,
	}
}

func (f *fixture) drain() []events.Event {
	var out []events.Event
	for {
		select {
		case evt := <-f.sub.C:
			out = append(out, evt)
		default:
			return out
		}
	}
}

func eventsOf(evts []events.Event, t events.Type) []events.Event {
	var out []events.Event
	for _, e := range evts {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func (f *fixture) waitIdle(t *testing.T) {
	t.Helper()
	assert.Eventually(t, func() bool {
		return f.session.State() == StateIdle
	}, time.Second, 5*time.Millisecond)
}

// connectOutgoing places a video call to bob and completes it
func (f *fixture) connectOutgoing(t *testing.T) (*domain.Call, *mediatest.PeerConnection) {
	t.Helper()
	ctx := context.Background()
	call, err := f.session.InitiateCall(ctx, "bob", domain.CallTypeVideo, "conv-1")
	require.NoError(t, err)
	pc := f.platform.LastPeerConnection()

	f.session.HandleSignal(ctx, &signaling.Message{
		Type:       signaling.TypeWebRTCAnswer,
		CallID:     call.ID,
		FromUserID: "bob",
		Answer:     &media.SessionDescription{Type: media.SDPTypeAnswer, SDP: mediatest.AnswerSDP},
	})
	f.session.HandleSignal(ctx, &signaling.Message{Type: signaling.TypeCallAccept, CallID: call.ID, FromUserID: "bob"})
	pc.SetState(media.StateConnected)
	require.Equal(t, StateConnected, f.session.State())
	return call, pc
}

func incomingCall(id string) *signaling.Message {
	return &signaling.Message{
		Type:       signaling.TypeCallInitiate,
		CallID:     id,
		FromUserID: "bob",
		ToUserID:   "alice",
		Call: &domain.Call{
			ID:          id,
			Type:        domain.CallTypeVideo,
			InitiatorID: "bob",
			Participants: []domain.Participant{
				{ID: "p-bob", UserID: "bob", IsVideoEnabled: true},
			},
			CreatedAt: time.Now(),
		},
		Offer: &media.SessionDescription{Type: media.SDPTypeOffer, SDP: mediatest.OfferSDP},
	}
}

func TestInitiateCall_OfferAcceptConnect(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	call, err := f.session.InitiateCall(ctx, "bob", domain.CallTypeVideo, "conv-1")
	require.NoError(t, err)

	assert.Equal(t, StateConnecting, f.session.State())
	assert.Equal(t, domain.CallStatusConnecting, call.Status)
	assert.Equal(t, "alice", call.InitiatorID)
	require.Len(t, call.Participants, 1)
	assert.True(t, call.Participants[0].IsVideoEnabled)

	initiate := f.transport.sentOf(signaling.TypeCallInitiate)
	require.Len(t, initiate, 1)
	assert.Equal(t, "bob", initiate[0].ToUserID)
	assert.Equal(t, "alice", initiate[0].FromUserID)
	assert.Equal(t, call.ID, initiate[0].Call.ID)
	require.NotNil(t, initiate[0].Offer)
	assert.Equal(t, media.SDPTypeOffer, initiate[0].Offer.Type)

	pc := f.platform.LastPeerConnection()
	assert.Len(t, pc.DataChannels(), 1, "initiator opens the control channel")
	assert.NotNil(t, pc.SenderOf(media.KindAudio))
	assert.NotNil(t, pc.SenderOf(media.KindVideo))
	require.Len(t, f.clock.pending(callTimeout), 1)

	pc.EmitCandidate(mediatest.HostCandidate(5000))
	candidates := f.transport.sentOf(signaling.TypeICECandidate)
	require.Len(t, candidates, 1)
	assert.Equal(t, "bob", candidates[0].ToUserID)
	assert.Equal(t, call.ID, candidates[0].CallID)

	f.session.HandleSignal(ctx, &signaling.Message{
		Type:       signaling.TypeWebRTCAnswer,
		CallID:     call.ID,
		FromUserID: "bob",
		Answer:     &media.SessionDescription{Type: media.SDPTypeAnswer, SDP: mediatest.AnswerSDP},
	})
	assert.NotNil(t, pc.RemoteDescription())

	f.session.HandleSignal(ctx, &signaling.Message{Type: signaling.TypeCallAccept, CallID: call.ID, FromUserID: "bob"})

	snap := f.session.Snapshot()
	assert.Equal(t, StateConnected, snap.State)
	assert.True(t, snap.IsInCall)
	require.NotNil(t, snap.Call.StartedAt)
	assert.True(t, snap.Call.HasParticipant("bob"))
	assert.Empty(t, f.clock.pending(callTimeout), "call timeout cancelled")
	assert.Len(t, f.clock.pending(maxDuration), 1)

	var states []string
	for _, e := range eventsOf(f.drain(), events.TypeStateChanged) {
		states = append(states, e.Payload.(StateChange).To)
	}
	assert.Equal(t, []string{StateInitiating, StateConnecting, StateConnected}, states)
}

func TestInitiateCall_Preconditions(t *testing.T) {
	ctx := context.Background()

	offline := newFixture(t, func(o *fixtureOptions) { o.disconnected = true })
	_, err := offline.session.InitiateCall(ctx, "bob", domain.CallTypeVoice, "")
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeConnectionFailed))

	f := newFixture(t)
	_, err = f.session.InitiateCall(ctx, "alice", domain.CallTypeVoice, "")
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeValidation))
	_, err = f.session.InitiateCall(ctx, "bob", domain.CallType("hologram"), "")
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeValidation))

	_, err = f.session.InitiateCall(ctx, "bob", domain.CallTypeVoice, "")
	require.NoError(t, err)
	_, err = f.session.InitiateCall(ctx, "carol", domain.CallTypeVoice, "")
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidState))
}

func TestInitiateCall_MediaFailureReturnsToIdle(t *testing.T) {
	f := newFixture(t)
	f.platform.UserMediaErr = errors.New("NotAllowedError")

	_, err := f.session.InitiateCall(context.Background(), "bob", domain.CallTypeVideo, "")

	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodePermissionDenied))
	assert.Equal(t, StateIdle, f.session.State())
	assert.Nil(t, f.session.Snapshot().Call)
	assert.Empty(t, f.registry.ParticipantIDs())
	assert.Empty(t, f.transport.types())
}

func TestInitiateCall_SendFailureDiscardsCall(t *testing.T) {
	f := newFixture(t, func(o *fixtureOptions) { o.sendErr = errors.New("socket closed") })

	_, err := f.session.InitiateCall(context.Background(), "bob", domain.CallTypeVideo, "")

	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeConnectionFailed))
	assert.Equal(t, StateIdle, f.session.State())
	assert.Empty(t, f.registry.ParticipantIDs())
	assert.True(t, f.platform.LastPeerConnection().Closed())
	for _, tr := range f.platform.Tracks() {
		assert.True(t, tr.Stopped())
	}
	assert.Nil(t, f.devices.LocalStream())
}

func TestIncomingCall_AcceptAnswersStoredOffer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.session.HandleSignal(ctx, incomingCall("call-9"))
	assert.Equal(t, StateRinging, f.session.State())
	assert.True(t, f.session.Snapshot().IsRinging)
	incoming := eventsOf(f.drain(), events.TypeIncomingCall)
	require.Len(t, incoming, 1)
	assert.Equal(t, "call-9", incoming[0].CallID)

	f.session.HandleSignal(ctx, &signaling.Message{
		Type:       signaling.TypeICECandidate,
		CallID:     "call-9",
		FromUserID: "bob",
		Candidate:  ptr(mediatest.HostCandidate(6000)),
	})
	assert.Empty(t, f.registry.ParticipantIDs(), "no connection while ringing")

	call, err := f.session.AcceptCall(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, StateConnecting, f.session.State())
	assert.True(t, call.HasParticipant("alice"))
	assert.True(t, call.HasParticipant("bob"))

	assert.Equal(t, []string{signaling.TypeWebRTCAnswer, signaling.TypeCallAccept}, f.transport.types())
	pc := f.platform.LastPeerConnection()
	assert.Empty(t, pc.DataChannels(), "callee does not open the control channel")
	assert.Len(t, pc.Candidates(), 1, "ringing candidates replayed")
	assert.Empty(t, f.clock.pending(callTimeout))

	pc.SetState(media.StateConnected)

	snap := f.session.Snapshot()
	assert.Equal(t, StateConnected, snap.State)
	require.NotNil(t, snap.Call.StartedAt)
	require.Len(t, snap.Connections, 1)
	assert.True(t, snap.Connections[0].Connected)
}

func TestIncomingCall_AutoAcceptOnce(t *testing.T) {
	f := newFixture(t, func(o *fixtureOptions) {
		o.settings = func(cs *domain.CallSettings) { cs.AutoAcceptCalls = true }
	})
	ctx := context.Background()

	f.session.HandleSignal(ctx, incomingCall("call-9"))
	f.session.HandleSignal(ctx, incomingCall("call-9"))

	assert.Equal(t, StateConnecting, f.session.State())
	assert.Len(t, f.transport.sentOf(signaling.TypeCallAccept), 1)
	assert.Len(t, f.platform.PeerConnections(), 1)
}

func TestIncomingCall_RefusedWhileBusy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.session.InitiateCall(ctx, "bob", domain.CallTypeVoice, "")
	require.NoError(t, err)

	msg := incomingCall("call-9")
	msg.Call.InitiatorID = "carol"
	err = f.session.HandleIncoming(ctx, msg.Call, msg.Offer)

	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidState))
	assert.Equal(t, StateConnecting, f.session.State())
	assert.NotEqual(t, "call-9", f.session.Snapshot().Call.ID)
}

func TestAcceptCall_MediaFailureKeepsRinging(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.session.HandleSignal(ctx, incomingCall("call-9"))
	f.platform.UserMediaErr = errors.New("NotAllowedError")

	_, err := f.session.AcceptCall(ctx, domain.CallTypeVideo)

	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodePermissionDenied))
	assert.Equal(t, StateRinging, f.session.State())
	assert.Empty(t, f.transport.types())

	_, err = f.session.AcceptCall(ctx, domain.CallTypeVideo)
	assert.Error(t, err, "still refusing without media")

	f.platform.UserMediaErr = nil
	_, err = f.session.AcceptCall(ctx, domain.CallTypeVoice)
	require.NoError(t, err)
	assert.Nil(t, f.platform.LastPeerConnection().SenderOf(media.KindVideo), "voice-only accept")
}

func TestAcceptCall_NotRinging(t *testing.T) {
	f := newFixture(t)
	_, err := f.session.AcceptCall(context.Background(), "")
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidState))
	assert.True(t, apperrors.HasCode(f.session.DeclineCall(context.Background()), apperrors.ErrCodeInvalidState))
}

func TestDeclineCall(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.session.HandleSignal(ctx, incomingCall("call-9"))

	require.NoError(t, f.session.DeclineCall(ctx))

	decline := f.transport.sentOf(signaling.TypeCallDecline)
	require.Len(t, decline, 1)
	assert.Equal(t, "bob", decline[0].ToUserID)
	assert.Equal(t, "call-9", decline[0].CallID)
	f.waitIdle(t)

	history := f.session.History()
	require.Len(t, history, 1)
	assert.True(t, history[0].IsIncoming)
	assert.False(t, history[0].IsMissed)
	assert.Equal(t, "bob", history[0].ParticipantID)
	assert.Equal(t, domain.CallStatusEnded, history[0].Call.Status)
}

func TestEndCall_MarksEndedThenTearsDown(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	call, pc := f.connectOutgoing(t)

	require.NoError(t, f.session.EndCall(ctx))

	end := f.transport.sentOf(signaling.TypeCallEnd)
	require.Len(t, end, 1)
	assert.Equal(t, "bob", end[0].ToUserID)
	f.waitIdle(t)

	assert.True(t, pc.Closed())
	assert.Empty(t, f.registry.ParticipantIDs())
	assert.Empty(t, f.monitor.Participants())
	for _, tr := range f.platform.Tracks() {
		assert.True(t, tr.Stopped())
	}
	assert.Empty(t, f.clock.pending(maxDuration))

	history := f.session.History()
	require.Len(t, history, 1)
	assert.Equal(t, call.ID, history[0].Call.ID)
	assert.False(t, history[0].IsIncoming)
	assert.True(t, history[0].CanCallAgain)
	require.NotNil(t, history[0].Call.EndedAt)

	ended := eventsOf(f.drain(), events.TypeCallEnded)
	require.Len(t, ended, 1)
	assert.Equal(t, call.ID, ended[0].CallID)

	assert.True(t, apperrors.HasCode(f.session.EndCall(ctx), apperrors.ErrCodeInvalidState))
}

func TestRemoteEvents(t *testing.T) {
	ctx := context.Background()

	t.Run("caller hangs up while ringing", func(t *testing.T) {
		f := newFixture(t)
		f.session.HandleSignal(ctx, incomingCall("call-9"))
		f.session.HandleSignal(ctx, &signaling.Message{Type: signaling.TypeCallEnd, CallID: "call-9", FromUserID: "bob"})
		f.waitIdle(t)
		history := f.session.History()
		require.Len(t, history, 1)
		assert.True(t, history[0].IsMissed)
	})

	t.Run("callee declines", func(t *testing.T) {
		f := newFixture(t)
		call, err := f.session.InitiateCall(ctx, "bob", domain.CallTypeVoice, "")
		require.NoError(t, err)
		f.session.HandleSignal(ctx, &signaling.Message{Type: signaling.TypeCallDecline, CallID: call.ID, FromUserID: "bob"})
		f.waitIdle(t)
		history := f.session.History()
		require.Len(t, history, 1)
		assert.False(t, history[0].IsMissed)
		assert.Nil(t, history[0].Call.StartedAt)
	})

	t.Run("remote ends connected call", func(t *testing.T) {
		f := newFixture(t)
		call, _ := f.connectOutgoing(t)
		f.session.HandleSignal(ctx, &signaling.Message{Type: signaling.TypeCallEnd, CallID: call.ID, FromUserID: "bob"})
		f.waitIdle(t)
		assert.Empty(t, f.transport.sentOf(signaling.TypeCallEnd), "no echo")
	})

	t.Run("end for another call is ignored", func(t *testing.T) {
		f := newFixture(t)
		f.connectOutgoing(t)
		f.session.HandleSignal(ctx, &signaling.Message{Type: signaling.TypeCallEnd, CallID: "other", FromUserID: "bob"})
		assert.Equal(t, StateConnected, f.session.State())
	})

	t.Run("missed call for unknown id is logged", func(t *testing.T) {
		f := newFixture(t)
		msg := incomingCall("call-7")
		f.session.HandleSignal(ctx, &signaling.Message{Type: signaling.TypeCallMissed, CallID: "call-7", Call: msg.Call})
		assert.Equal(t, StateIdle, f.session.State())
		history := f.session.History()
		require.Len(t, history, 1)
		assert.True(t, history[0].IsMissed)
		assert.True(t, history[0].IsIncoming)
		assert.Equal(t, "bob", history[0].ParticipantID)

		f.session.HandleSignal(ctx, incomingCall("call-7"))
		assert.Equal(t, StateIdle, f.session.State(), "late initiate for a missed call")
	})
}

func TestCallTimeout(t *testing.T) {
	ctx := context.Background()

	t.Run("outgoing", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.session.InitiateCall(ctx, "bob", domain.CallTypeVoice, "")
		require.NoError(t, err)
		timers := f.clock.pending(callTimeout)
		require.Len(t, timers, 1)

		timers[0].Fire()

		assert.Len(t, f.transport.sentOf(signaling.TypeCallEnd), 1)
		f.waitIdle(t)
		history := f.session.History()
		require.Len(t, history, 1)
		assert.True(t, history[0].IsMissed)
		assert.False(t, history[0].IsIncoming)
	})

	t.Run("ringing", func(t *testing.T) {
		f := newFixture(t)
		f.session.HandleSignal(ctx, incomingCall("call-9"))
		timers := f.clock.pending(callTimeout)
		require.Len(t, timers, 1)

		timers[0].Fire()

		f.waitIdle(t)
		assert.Empty(t, f.transport.types())
		assert.True(t, f.session.History()[0].IsMissed)
	})

	t.Run("stale timer after accept", func(t *testing.T) {
		f := newFixture(t)
		call, err := f.session.InitiateCall(ctx, "bob", domain.CallTypeVoice, "")
		require.NoError(t, err)
		timer := f.clock.pending(callTimeout)[0]
		f.session.OnRemoteAccepted(ctx, call.ID, "bob")

		timer.fn()

		assert.Equal(t, StateConnected, f.session.State())
	})
}

func TestMaxDuration(t *testing.T) {
	f := newFixture(t)
	f.connectOutgoing(t)
	timers := f.clock.pending(maxDuration)
	require.Len(t, timers, 1)

	timers[0].Fire()

	assert.Len(t, f.transport.sentOf(signaling.TypeCallEnd), 1)
	f.waitIdle(t)
	history := f.session.History()
	require.Len(t, history, 1)
	assert.False(t, history[0].IsMissed)
}

func TestReconnect_SucceedsAfterRetries(t *testing.T) {
	f := newFixture(t)
	call, _ := f.connectOutgoing(t)
	f.api.On("Reconnect", mock.Anything, call.ID).Return(errors.New("status 503")).Times(2)
	f.api.On("Reconnect", mock.Anything, call.ID).Return(nil).Once()

	f.session.HandleTransportReconnected(context.Background())

	assert.Eventually(t, func() bool {
		return len(f.transport.sentOf(signaling.TypeCallReconnect)) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool {
		return f.session.State() == StateConnected
	}, time.Second, 5*time.Millisecond)

	notice := f.transport.sentOf(signaling.TypeCallReconnect)[0]
	assert.Equal(t, "alice", notice.ReconnectedUserID)
	assert.Equal(t, "bob", notice.ToUserID)
	assert.Empty(t, f.session.Snapshot().Error)
	f.api.AssertNumberOfCalls(t, "Reconnect", 3)

	evts := f.drain()
	assert.Len(t, eventsOf(evts, events.TypeReconnecting), 1)
	assert.Len(t, eventsOf(evts, events.TypeReconnected), 1)
}

func TestReconnect_ExhaustedStaysConnected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	call, _ := f.connectOutgoing(t)
	f.api.On("Reconnect", mock.Anything, call.ID).Return(errors.New("status 503"))

	f.session.HandleTransportReconnected(ctx)

	assert.Eventually(t, func() bool {
		snap := f.session.Snapshot()
		return snap.State == StateConnected && snap.Error == "Failed to reconnect to call"
	}, time.Second, 5*time.Millisecond)
	f.api.AssertNumberOfCalls(t, "Reconnect", 3)
	assert.Empty(t, f.transport.sentOf(signaling.TypeCallReconnect))

	errs := eventsOf(f.drain(), events.TypeError)
	require.NotEmpty(t, errs)
	assert.Equal(t, string(apperrors.ErrCodeReconnectFailed), errs[len(errs)-1].Error.Code)

	f.session.HandleSignal(ctx, &signaling.Message{
		Type:              signaling.TypeCallReconnect,
		CallID:            call.ID,
		FromUserID:        "bob",
		ReconnectedUserID: "bob",
	})
	assert.Empty(t, f.session.Snapshot().Error)
}

func TestReconnect_OnlyWhenConnected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.session.HandleTransportReconnected(ctx)
	assert.Equal(t, StateIdle, f.session.State())

	_, err := f.session.InitiateCall(ctx, "bob", domain.CallTypeVoice, "")
	require.NoError(t, err)
	f.session.HandleTransportReconnected(ctx)
	assert.Equal(t, StateConnecting, f.session.State())
	f.api.AssertNotCalled(t, "Reconnect", mock.Anything, mock.Anything)
}

func TestReconnect_CancelledByEnd(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	call, _ := f.connectOutgoing(t)
	release := make(chan struct{})
	f.api.On("Reconnect", mock.Anything, call.ID).
		Run(func(args mock.Arguments) {
			<-release
		}).
		Return(errors.New("status 503"))

	f.session.HandleTransportReconnected(ctx)
	require.NoError(t, f.session.EndCall(ctx))
	close(release)

	f.waitIdle(t)
	assert.Empty(t, f.session.Snapshot().Error)
}

func TestToggleAudioAndVideo(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	assert.True(t, apperrors.HasCode(f.session.ToggleAudio(ctx, false), apperrors.ErrCodeInvalidState))

	_, pc := f.connectOutgoing(t)
	dc := pc.DataChannels()[0]
	dc.Open()

	require.NoError(t, f.session.ToggleAudio(ctx, false))
	require.NoError(t, f.session.ToggleVideo(ctx, false))

	assert.Equal(t, []string{`{"type":"mute"}`, `{"type":"video_off"}`}, dc.Sent())
	mic, _ := f.devices.LocalStream().First(media.KindAudio)
	assert.False(t, mic.Enabled())
	me, ok := f.session.Snapshot().Call.Participant("alice")
	require.True(t, ok)
	assert.True(t, me.IsMuted)
	assert.False(t, me.IsVideoEnabled)

	require.NoError(t, f.session.ToggleAudio(ctx, true))
	assert.Equal(t, `{"type":"unmute"}`, dc.Sent()[2])
}

func TestToggle_ChannelNotReadyIsNoop(t *testing.T) {
	f := newFixture(t)
	_, pc := f.connectOutgoing(t)

	require.NoError(t, f.session.ToggleVideo(context.Background(), false))
	assert.Empty(t, pc.DataChannels()[0].Sent())
}

func TestRemoteControlMessage(t *testing.T) {
	f := newFixture(t)
	_, pc := f.connectOutgoing(t)

	pc.DataChannels()[0].Receive([]byte(`{"type":"mute"}`))
	pc.DataChannels()[0].Receive([]byte(`{"type":"video_off"}`))

	bob, ok := f.session.Snapshot().Call.Participant("bob")
	require.True(t, ok)
	assert.True(t, bob.IsMuted)
	assert.False(t, bob.IsVideoEnabled)
	assert.Len(t, eventsOf(f.drain(), events.TypeControlMessage), 2)
}

func TestScreenShareToggle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, pc := f.connectOutgoing(t)

	sharing, err := f.session.ToggleScreenShare(ctx)
	require.NoError(t, err)
	assert.True(t, sharing)
	assert.Equal(t, "screen", pc.SenderOf(media.KindVideo).Track().DeviceID())
	assert.True(t, f.session.Snapshot().IsScreenSharing)

	tracks := f.platform.Tracks()
	tracks[len(tracks)-1].End()

	me, _ := f.session.Snapshot().Call.Participant("alice")
	assert.False(t, me.IsScreenSharing)
	assert.Equal(t, "cam-1", pc.SenderOf(media.KindVideo).Track().DeviceID())
}

func TestQualityDegradation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, pc := f.connectOutgoing(t)
	require.Equal(t, []string{"bob"}, f.monitor.Participants())

	t0 := time.Now()
	for i := 0; i < 3; i++ {
		pc.SetStats(media.Stats{
			Timestamp:     t0.Add(time.Duration(i) * 2 * time.Second),
			InboundVideo:  &media.InboundStats{PacketsReceived: 1000, BytesReceived: uint64(i) * 50000},
			RoundTripTime: 40 * time.Millisecond,
		})
		sample, err := f.monitor.Sample(ctx, "bob")
		require.NoError(t, err)
		assert.Equal(t, domain.QualityClassGood, sample.Classification)
	}
	assert.Empty(t, f.session.Snapshot().Error)
	assert.Equal(t, uint64(500000), pc.SenderOf(media.KindVideo).Parameters().MaxBitrate)

	pc.SetStats(media.Stats{
		Timestamp:     t0.Add(8 * time.Second),
		InboundVideo:  &media.InboundStats{PacketsReceived: 930, PacketsLost: 70, BytesReceived: 200000},
		RoundTripTime: 40 * time.Millisecond,
	})
	sample, err := f.monitor.Sample(ctx, "bob")
	require.NoError(t, err)

	assert.Equal(t, domain.QualityClassPoor, sample.Classification)
	assert.Equal(t, media.EncodingParameters{ScaleResolutionDownBy: 2, MaxBitrate: 150000, MaxFramerate: 15},
		pc.SenderOf(media.KindVideo).Parameters())

	snap := f.session.Snapshot()
	assert.Equal(t, "Poor network quality detected", snap.Error)
	assert.Equal(t, StateConnected, snap.State, "quality never changes state")
	bob, _ := snap.Call.Participant("bob")
	assert.Equal(t, domain.QualityPoor, bob.ConnectionQuality)
	assert.Len(t, eventsOf(f.drain(), events.TypeQualityWarning), 1)
}

func TestNegotiationFailuresAreSurfaced(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	call, err := f.session.InitiateCall(ctx, "bob", domain.CallTypeVoice, "")
	require.NoError(t, err)
	f.drain()

	f.session.HandleSignal(ctx, &signaling.Message{
		Type:       signaling.TypeWebRTCAnswer,
		CallID:     call.ID,
		FromUserID: "carol",
		Answer:     &media.SessionDescription{Type: media.SDPTypeAnswer, SDP: mediatest.AnswerSDP},
	})
	f.session.HandleSignal(ctx, &signaling.Message{
		Type:       signaling.TypeICECandidate,
		CallID:     call.ID,
		FromUserID: "carol",
		Candidate:  ptr(mediatest.HostCandidate(7000)),
	})

	errs := eventsOf(f.drain(), events.TypeError)
	require.Len(t, errs, 2)
	assert.Equal(t, string(apperrors.ErrCodeAnswerProcessing), errs[0].Error.Code)
	assert.Equal(t, string(apperrors.ErrCodeICEProcessing), errs[1].Error.Code)
	assert.Equal(t, StateConnecting, f.session.State(), "negotiation errors never end the call")
}

func TestEarlyCandidateBufferedUntilAnswer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	call, err := f.session.InitiateCall(ctx, "bob", domain.CallTypeVoice, "")
	require.NoError(t, err)
	pc := f.platform.LastPeerConnection()

	f.session.HandleSignal(ctx, &signaling.Message{
		Type:       signaling.TypeICECandidate,
		CallID:     call.ID,
		FromUserID: "bob",
		Candidate:  ptr(mediatest.HostCandidate(7000)),
	})
	assert.Empty(t, pc.Candidates())

	f.session.HandleSignal(ctx, &signaling.Message{
		Type:       signaling.TypeWebRTCAnswer,
		CallID:     call.ID,
		FromUserID: "bob",
		Answer:     &media.SessionDescription{Type: media.SDPTypeAnswer, SDP: mediatest.AnswerSDP},
	})
	assert.Len(t, pc.Candidates(), 1)
	assert.Empty(t, eventsOf(f.drain(), events.TypeError))
}

func TestChangeDevice_StoresPreference(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.session.ChangeAudioDevice(ctx, "mic-2"))
	assert.Equal(t, "mic-2", f.session.Settings().PreferredAudioDevice)

	err := f.session.ChangeVideoDevice(ctx, "cam-9")
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeDeviceNotFound))
	assert.Empty(t, f.session.Settings().PreferredVideoDevice)

	_, err = f.session.InitiateCall(ctx, "bob", domain.CallTypeVideo, "")
	require.NoError(t, err)
	mic, _ := f.devices.LocalStream().First(media.KindAudio)
	assert.Equal(t, "mic-2", mic.DeviceID(), "preferred device used for the next call")
}

func TestUpdateSettings(t *testing.T) {
	f := newFixture(t)
	timeout := 45

	updated, err := f.session.UpdateSettings(domain.CallSettingsPatch{CallTimeout: &timeout})
	require.NoError(t, err)
	assert.Equal(t, 45, updated.CallTimeout)

	_, err = f.session.InitiateCall(context.Background(), "bob", domain.CallTypeVoice, "")
	require.NoError(t, err)
	assert.Len(t, f.clock.pending(45*time.Second), 1)
}

func TestCallAgain(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.session.CallAgain(ctx, "bob", "")
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeCallNotFound))

	first, _ := f.connectOutgoing(t)
	require.NoError(t, f.session.EndCall(ctx))
	f.waitIdle(t)

	again, err := f.session.CallAgain(ctx, "bob", "")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, again.ID)
	assert.Equal(t, domain.CallTypeVideo, again.Type)
	assert.Equal(t, "conv-1", again.ConversationID)

	stats := f.session.HistoryStats()
	assert.Equal(t, 1, stats.TotalCalls)
	assert.Equal(t, 1, stats.VideoCalls)
	assert.InDelta(t, 100.0, stats.SuccessRate, 0.001)
}

func TestShutdownEndsActiveCall(t *testing.T) {
	f := newFixture(t)
	f.connectOutgoing(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, f.session.Shutdown(ctx))

	assert.Len(t, f.transport.sentOf(signaling.TypeCallEnd), 1)
	assert.Equal(t, StateIdle, f.session.State())
}

func ptr[T any](v T) *T {
	return &v
}

func participantIDs(call *domain.Call) []string {
	ids := make([]string, 0, len(call.Participants))
	for _, p := range call.Participants {
		ids = append(ids, p.UserID)
	}
	return ids
}

func TestAccept_FromUnexpectedUserIsIgnored(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	call, err := f.session.InitiateCall(ctx, "bob", domain.CallTypeVideo, "")
	require.NoError(t, err)

	f.session.HandleSignal(ctx, &signaling.Message{Type: signaling.TypeCallAccept, CallID: call.ID, FromUserID: "mallory"})
	assert.Equal(t, StateConnecting, f.session.State())
	assert.Equal(t, []string{"alice"}, participantIDs(f.session.Snapshot().Call))

	f.session.HandleSignal(ctx, &signaling.Message{Type: signaling.TypeCallDecline, CallID: call.ID, FromUserID: "mallory"})
	assert.Equal(t, StateConnecting, f.session.State())

	f.session.HandleSignal(ctx, &signaling.Message{
		Type:       signaling.TypeWebRTCOffer,
		CallID:     call.ID,
		FromUserID: "mallory",
		Offer:      &media.SessionDescription{Type: media.SDPTypeOffer, SDP: mediatest.OfferSDP},
	})
	assert.Equal(t, []string{"bob"}, f.registry.ParticipantIDs())

	f.session.HandleSignal(ctx, &signaling.Message{Type: signaling.TypeCallAccept, CallID: call.ID, FromUserID: "bob"})
	assert.Equal(t, StateConnected, f.session.State())
	assert.Equal(t, []string{"alice", "bob"}, participantIDs(f.session.Snapshot().Call))
	assert.Equal(t, []string{"bob"}, f.registry.ParticipantIDs())
}

func TestGroupCall_ParticipantJoinsAfterConnect(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	msg := incomingCall("group-1")
	msg.Call.IsGroupCall = true
	msg.Call.MaxParticipants = 4
	f.session.HandleSignal(ctx, msg)
	_, err := f.session.AcceptCall(ctx, "")
	require.NoError(t, err)
	f.platform.LastPeerConnection().SetState(media.StateConnected)
	require.Equal(t, StateConnected, f.session.State())
	f.drain()

	t.Run("accept then offer", func(t *testing.T) {
		f.session.HandleSignal(ctx, &signaling.Message{Type: signaling.TypeCallAccept, CallID: "group-1", FromUserID: "carol"})
		f.session.HandleSignal(ctx, &signaling.Message{
			Type:       signaling.TypeWebRTCOffer,
			CallID:     "group-1",
			FromUserID: "carol",
			Offer:      &media.SessionDescription{Type: media.SDPTypeOffer, SDP: mediatest.OfferSDP},
		})

		assert.ElementsMatch(t, []string{"alice", "bob", "carol"}, participantIDs(f.session.Snapshot().Call))
		assert.Equal(t, []string{"bob", "carol"}, f.registry.ParticipantIDs())
		answers := f.transport.sentOf(signaling.TypeWebRTCAnswer)
		require.NotEmpty(t, answers)
		assert.Equal(t, "carol", answers[len(answers)-1].ToUserID)
		assert.Len(t, eventsOf(f.drain(), events.TypeCallUpdated), 1)
	})

	t.Run("offer without accept", func(t *testing.T) {
		f.session.HandleSignal(ctx, &signaling.Message{
			Type:       signaling.TypeWebRTCOffer,
			CallID:     "group-1",
			FromUserID: "dave",
			Offer:      &media.SessionDescription{Type: media.SDPTypeOffer, SDP: mediatest.OfferSDP},
		})

		assert.ElementsMatch(t, []string{"alice", "bob", "carol", "dave"}, participantIDs(f.session.Snapshot().Call))
		assert.Equal(t, []string{"bob", "carol", "dave"}, f.registry.ParticipantIDs())
	})

	t.Run("full call admits nobody", func(t *testing.T) {
		f.session.HandleSignal(ctx, &signaling.Message{Type: signaling.TypeCallAccept, CallID: "group-1", FromUserID: "erin"})
		f.session.HandleSignal(ctx, &signaling.Message{
			Type:       signaling.TypeWebRTCOffer,
			CallID:     "group-1",
			FromUserID: "erin",
			Offer:      &media.SessionDescription{Type: media.SDPTypeOffer, SDP: mediatest.OfferSDP},
		})

		assert.Len(t, f.session.Snapshot().Call.Participants, 4)
		assert.Equal(t, []string{"bob", "carol", "dave"}, f.registry.ParticipantIDs())
	})
}

func TestSend_LeavesMessageCountingToTransport(t *testing.T) {
	f := newFixture(t)
	sent := metrics.SignalingMessagesTotal.WithLabelValues(signaling.TypeCallInitiate, "outbound")
	var before dto.Metric
	require.NoError(t, sent.Write(&before))

	_, err := f.session.InitiateCall(context.Background(), "bob", domain.CallTypeVoice, "")
	require.NoError(t, err)

	var after dto.Metric
	require.NoError(t, sent.Write(&after))
	assert.Len(t, f.transport.sentOf(signaling.TypeCallInitiate), 1)
	assert.Equal(t, before.GetCounter().GetValue(), after.GetCounter().GetValue())
}
