// Package session implements the call session state machine. A Session
// owns at most one call at a time and drives the registry, device manager
// and quality monitor on its behalf.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/looplab/fsm"
	"go.uber.org/zap"

	"secureconnect-callagent/internal/domain"
	"secureconnect-callagent/internal/events"
	"secureconnect-callagent/internal/media"
	"secureconnect-callagent/internal/service/device"
	"secureconnect-callagent/internal/service/registry"
	"secureconnect-callagent/internal/signaling"
	"secureconnect-callagent/pkg/constants"
	apperrors "secureconnect-callagent/pkg/errors"
	"secureconnect-callagent/pkg/logger"
	"secureconnect-callagent/pkg/metrics"
	"secureconnect-callagent/pkg/resilience"
)

// Registry is the peer connection registry driven by the session
type Registry interface {
	CreateConnection(ctx context.Context, participantID string, initiator bool) error
	CreateOffer(ctx context.Context, participantID string) (media.SessionDescription, error)
	CreateAnswer(ctx context.Context, participantID string, offer media.SessionDescription) (media.SessionDescription, error)
	HandleAnswer(ctx context.Context, participantID string, answer media.SessionDescription) error
	HandleICECandidate(ctx context.Context, participantID string, candidate media.ICECandidate) error
	BroadcastControl(msg signaling.ControlMessage) error
	Info(participantID string) (registry.Info, bool)
	Has(participantID string) bool
	ParticipantIDs() []string
	CloseConnection(participantID string)
	SetHooks(h registry.Hooks)
	SetMonitor(m registry.Monitor)
	SetTrackSource(src registry.TrackSource)
}

// Devices is the local media owner
type Devices interface {
	registry.TrackSource
	InitializeMediaStream(ctx context.Context, constraints media.Constraints) (*media.Stream, error)
	GetAvailableDevices(ctx context.Context) (*device.Devices, error)
	ChangeAudioInput(ctx context.Context, deviceID string) error
	ChangeVideoInput(ctx context.Context, deviceID string) error
	ToggleAudio(enabled bool) bool
	ToggleVideo(enabled bool) bool
	IsScreenSharing() bool
	StartScreenShare(ctx context.Context) error
	StopScreenShare(ctx context.Context) error
	OnScreenShareEnded(fn func())
	Cleanup()
}

// Monitor samples connected peers
type Monitor interface {
	registry.Monitor
	SetCallID(callID string)
	OnSample(fn func(participantID string, sample domain.NetworkQualitySample))
	StopAll()
}

// Settings holds the user's call preferences
type Settings interface {
	Get() domain.CallSettings
	Update(patch domain.CallSettingsPatch) (domain.CallSettings, error)
	SetPreferredAudioDevice(deviceID string)
	SetPreferredVideoDevice(deviceID string)
}

// ReconnectAPI re-attaches the user to an ongoing call on the backend
type ReconnectAPI interface {
	Reconnect(ctx context.Context, callID string) error
}

// Timer is a cancellable one-shot timer
type Timer interface {
	Stop() bool
}

// Deps are the collaborators of a Session
type Deps struct {
	// UserID is the authenticated local identity
	UserID    string
	Transport signaling.Transport
	Registry  Registry
	Devices   Devices
	Monitor   Monitor
	Settings  Settings
	Bus       *events.Bus

	ReconnectAPI    ReconnectAPI
	ReconnectPolicy resilience.Backoff

	// AfterFunc and RetryClock replace the wall clock in tests
	AfterFunc  func(d time.Duration, fn func()) Timer
	RetryClock func(d time.Duration) <-chan time.Time
}

// Snapshot is a read-only view of the session
type Snapshot struct {
	State           string          `json:"state"`
	Call            *domain.Call    `json:"call,omitempty"`
	IsInCall        bool            `json:"isInCall"`
	IsRinging       bool            `json:"isRinging"`
	IsScreenSharing bool            `json:"isScreenSharing"`
	Error           string          `json:"error,omitempty"`
	Connections     []registry.Info `json:"connections"`
}

type ringCandidate struct {
	from      string
	candidate media.ICECandidate
}

// Session is the call session state machine
type Session struct {
	userID     string
	transport  signaling.Transport
	registry   Registry
	devices    Devices
	monitor    Monitor
	settings   Settings
	bus        *events.Bus
	api        ReconnectAPI
	policy     resilience.Backoff
	afterFunc  func(time.Duration, func()) Timer
	retryClock func(time.Duration) <-chan time.Time

	mu              sync.Mutex
	machine         *fsm.FSM
	call            *domain.Call
	remoteID        string
	pendingOffer    *media.SessionDescription
	ringCandidates  []ringCandidate
	lastError       string
	history         []domain.HistoryEntry
	autoAccepted    map[string]struct{}
	callTimer       Timer
	durationTimer   Timer
	reconnectCancel context.CancelFunc

	workers sync.WaitGroup
}

// New creates an idle session and wires itself into the registry, monitor
// and device manager callbacks
func New(deps Deps) *Session {
	bus := deps.Bus
	if bus == nil {
		bus = events.NewBus()
	}
	policy := deps.ReconnectPolicy
	if policy.MaxAttempts == 0 {
		policy = resilience.Backoff{
			MaxAttempts:    constants.ReconnectMaxAttempts,
			InitialBackoff: constants.ReconnectInitialBackoff,
			MaxBackoff:     constants.ReconnectMaxBackoff,
		}
	}
	afterFunc := deps.AfterFunc
	if afterFunc == nil {
		afterFunc = func(d time.Duration, fn func()) Timer {
			return time.AfterFunc(d, fn)
		}
	}

	s := &Session{
		userID:       deps.UserID,
		transport:    deps.Transport,
		registry:     deps.Registry,
		devices:      deps.Devices,
		monitor:      deps.Monitor,
		settings:     deps.Settings,
		bus:          bus,
		api:          deps.ReconnectAPI,
		policy:       policy,
		afterFunc:    afterFunc,
		retryClock:   deps.RetryClock,
		machine:      newMachine(bus),
		autoAccepted: make(map[string]struct{}),
	}

	s.registry.SetHooks(registry.Hooks{
		OnLocalCandidate: s.onLocalCandidate,
		OnStateChange:    s.onPeerState,
		OnRemoteTrack:    s.onRemoteTrack,
		OnControlMessage: s.onControlMessage,
	})
	s.registry.SetMonitor(s.monitor)
	s.registry.SetTrackSource(s.devices)
	s.monitor.OnSample(s.onQualitySample)
	s.devices.OnScreenShareEnded(s.onScreenShareEnded)
	return s
}

// UserID returns the local identity
func (s *Session) UserID() string {
	return s.userID
}

// State returns the current state name
func (s *Session) State() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.machine.Current()
}

func (s *Session) state() string {
	return s.machine.Current()
}

// transition fires a state machine event. Illegal events fail with
// INVALID_STATE.
func (s *Session) transition(event, callID string) error {
	if err := s.machine.Event(context.Background(), event, callID); err != nil {
		return apperrors.InvalidStateError(fmt.Sprintf("Cannot %s a call while %s", event, s.machine.Current()))
	}
	return nil
}

// Snapshot returns the current call view
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	state := s.state()
	snap := Snapshot{
		State:     state,
		Call:      s.call.Clone(),
		IsRinging: state == StateRinging,
		Error:     s.lastError,
	}
	s.mu.Unlock()

	switch state {
	case StateInitiating, StateConnecting, StateConnected, StateReconnecting:
		snap.IsInCall = true
	}
	snap.IsScreenSharing = s.devices.IsScreenSharing()
	snap.Connections = make([]registry.Info, 0)
	for _, id := range s.registry.ParticipantIDs() {
		if info, ok := s.registry.Info(id); ok {
			snap.Connections = append(snap.Connections, info)
		}
	}
	return snap
}

// Subscribe returns a subscription to session events
func (s *Session) Subscribe(buffer int) *events.Subscription {
	return s.bus.Subscribe(buffer)
}

// History returns the call log, most recent first
func (s *Session) History() []domain.HistoryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.HistoryEntry, len(s.history))
	copy(out, s.history)
	return out
}

// HistoryStats summarises the call log
func (s *Session) HistoryStats() domain.HistoryStats {
	return domain.SummarizeHistory(s.History())
}

func (s *Session) addHistoryLocked(entry domain.HistoryEntry) {
	for _, e := range s.history {
		if e.Call.ID == entry.Call.ID {
			return
		}
	}
	s.history = append([]domain.HistoryEntry{entry}, s.history...)
	if len(s.history) > constants.CallHistoryLimit {
		s.history = s.history[:constants.CallHistoryLimit]
	}
}

func (s *Session) inHistoryLocked(callID string) bool {
	for _, e := range s.history {
		if e.Call.ID == callID {
			return true
		}
	}
	return false
}

// Shutdown ends any active call and waits for background work
func (s *Session) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.call != nil {
		switch s.state() {
		case StateIdle, StateEnded:
		default:
			s.sendToRemotesLocked(ctx, signaling.TypeCallEnd)
			s.endLocked(endOutcome(s.call), false)
		}
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) publish(evt events.Event) {
	s.bus.Publish(evt)
}

// publishErrorLocked surfaces a non-fatal error as an event
func (s *Session) publishErrorLocked(operation, participantID string, err error) {
	appErr := apperrors.GetAppError(err)
	metrics.CallFailuresTotal.WithLabelValues(operation, string(appErr.Code)).Inc()
	logger.Warn("Call operation failed",
		zap.String("operation", operation),
		zap.String("participant_id", participantID),
		zap.String("code", string(appErr.Code)),
		zap.Error(err))

	var callID string
	if s.call != nil {
		callID = s.call.ID
	}
	info := &events.ErrorInfo{Code: string(appErr.Code), Message: appErr.Message, Details: appErr.Details}
	if info.Details == nil && appErr.Err != nil {
		info.Details = appErr.Err.Error()
	}
	s.publish(events.Event{
		Type:          events.TypeError,
		CallID:        callID,
		ParticipantID: participantID,
		Error:         info,
	})
}

func (s *Session) publishCallLocked(t events.Type) {
	s.publish(events.Event{Type: t, CallID: s.call.ID, Payload: s.call.Clone()})
}

func (s *Session) newParticipant(userID string, kind domain.CallType, settings domain.CallSettings) domain.Participant {
	return domain.Participant{
		ID:                uuid.New().String(),
		UserID:            userID,
		IsMuted:           !settings.EnableAudioByDefault,
		IsVideoEnabled:    kind == domain.CallTypeVideo && settings.EnableVideoByDefault,
		JoinedAt:          time.Now(),
		ConnectionQuality: domain.QualityExcellent,
	}
}

func constraintsFor(kind domain.CallType, settings domain.CallSettings) media.Constraints {
	return media.Constraints{
		Audio:         settings.EnableAudioByDefault,
		Video:         kind == domain.CallTypeVideo && settings.EnableVideoByDefault,
		AudioDeviceID: settings.PreferredAudioDevice,
		VideoDeviceID: settings.PreferredVideoDevice,
	}
}

// remotesLocked returns every remote party of the current call
func (s *Session) remotesLocked() []string {
	if s.call == nil {
		return nil
	}
	ids := s.call.RemoteUserIDs(s.userID)
	if s.remoteID != "" {
		found := false
		for _, id := range ids {
			if id == s.remoteID {
				found = true
				break
			}
		}
		if !found {
			ids = append(ids, s.remoteID)
		}
	}
	return ids
}

func (s *Session) direction(call *domain.Call) string {
	if call.InitiatorID == s.userID {
		return "outgoing"
	}
	return "incoming"
}

// send delivers a signaling message, stamping the local identity
func (s *Session) send(ctx context.Context, msg *signaling.Message) error {
	msg.FromUserID = s.userID
	if err := s.transport.Send(ctx, msg); err != nil {
		if apperrors.IsAppError(err) {
			return err
		}
		return apperrors.Wrap(apperrors.ErrCodeConnectionFailed, "Failed to send "+msg.Type, err)
	}
	return nil
}

// sendToRemotesLocked sends a call-scoped message to every remote party,
// logging failures
func (s *Session) sendToRemotesLocked(ctx context.Context, msgType string) {
	for _, id := range s.remotesLocked() {
		err := s.send(ctx, &signaling.Message{Type: msgType, CallID: s.call.ID, ToUserID: id})
		if err != nil {
			logger.Warn("Failed to notify participant",
				zap.String("type", msgType),
				zap.String("call_id", s.call.ID),
				zap.String("participant_id", id),
				zap.Error(err))
		}
	}
}
