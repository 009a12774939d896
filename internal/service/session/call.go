package session

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"secureconnect-callagent/internal/domain"
	"secureconnect-callagent/internal/events"
	"secureconnect-callagent/internal/media"
	"secureconnect-callagent/internal/signaling"
	"secureconnect-callagent/pkg/constants"
	apperrors "secureconnect-callagent/pkg/errors"
	"secureconnect-callagent/pkg/logger"
	"secureconnect-callagent/pkg/metrics"
)

// Call outcomes recorded in metrics
const (
	outcomeCompleted = "completed"
	outcomeCancelled = "cancelled"
	outcomeDeclined  = "declined"
	outcomeMissed    = "missed"
	outcomeFailed    = "failed"
)

func endOutcome(call *domain.Call) string {
	if call.StartedAt != nil {
		return outcomeCompleted
	}
	return outcomeCancelled
}

// InitiateCall starts an outgoing call to targetID
func (s *Session) InitiateCall(ctx context.Context, targetID string, kind domain.CallType, conversationID string) (*domain.Call, error) {
	if s.userID == "" || !s.transport.IsConnected() {
		return nil, apperrors.ConnectionFailedError("Not connected to the signaling server")
	}
	if targetID == "" || targetID == s.userID {
		return nil, apperrors.ValidationError("A valid target user is required")
	}
	if _, err := domain.ParseCallType(string(kind)); err != nil {
		return nil, apperrors.ValidationError(err.Error())
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state() != StateIdle {
		return nil, apperrors.InvalidStateError("A call is already in progress")
	}

	settings := s.settings.Get()
	call := &domain.Call{
		ID:              uuid.New().String(),
		Type:            kind,
		Status:          domain.CallStatusInitiating,
		InitiatorID:     s.userID,
		MaxParticipants: constants.MaxCallParticipants,
		ConversationID:  conversationID,
		CreatedAt:       time.Now(),
	}
	call.Participants = []domain.Participant{s.newParticipant(s.userID, kind, settings)}

	if err := s.transition(eventInitiate, call.ID); err != nil {
		return nil, err
	}
	s.call = call
	s.remoteID = targetID
	s.monitor.SetCallID(call.ID)

	if err := s.dialLocked(ctx, call, targetID, settings); err != nil {
		s.abortLocked(call, targetID, err)
		return nil, err
	}

	if err := s.transition(eventDial, call.ID); err != nil {
		s.abortLocked(call, targetID, err)
		return nil, err
	}
	call.Status = domain.CallStatusConnecting
	s.startCallTimerLocked(call.ID, settings.CallTimeoutDuration())
	metrics.CallsActive.Set(1)
	s.publishCallLocked(events.TypeCallUpdated)

	logger.Info("Outgoing call started",
		zap.String("call_id", call.ID),
		zap.String("target_id", targetID),
		zap.String("type", string(kind)))
	return call.Clone(), nil
}

// dialLocked acquires media, creates the initiator connection and sends the
// offer with call_initiate
func (s *Session) dialLocked(ctx context.Context, call *domain.Call, targetID string, settings domain.CallSettings) error {
	if _, err := s.devices.InitializeMediaStream(ctx, constraintsFor(call.Type, settings)); err != nil {
		return err
	}
	if err := s.registry.CreateConnection(ctx, targetID, true); err != nil {
		return err
	}
	offer, err := s.registry.CreateOffer(ctx, targetID)
	if err != nil {
		return err
	}
	return s.send(ctx, &signaling.Message{
		Type:     signaling.TypeCallInitiate,
		CallID:   call.ID,
		ToUserID: targetID,
		Call:     call.Clone(),
		Offer:    &offer,
	})
}

// abortLocked discards a call that failed before it was dialled
func (s *Session) abortLocked(call *domain.Call, targetID string, cause error) {
	s.registry.CloseConnection(targetID)
	s.devices.Cleanup()
	s.call = nil
	s.remoteID = ""
	s.monitor.SetCallID("")
	if err := s.transition(eventAbort, call.ID); err != nil {
		logger.Error("Failed to reset aborted call", zap.String("call_id", call.ID), zap.Error(err))
	}

	code := apperrors.GetAppError(cause).Code
	metrics.CallFailuresTotal.WithLabelValues("initiate", string(code)).Inc()
	metrics.CallsTotal.WithLabelValues(string(call.Type), "outgoing", outcomeFailed).Inc()
	logger.Warn("Failed to initiate call",
		zap.String("call_id", call.ID),
		zap.String("target_id", targetID),
		zap.Error(cause))
}

// HandleIncoming registers an incoming call and starts ringing. A second
// call while one is in progress is refused.
func (s *Session) HandleIncoming(ctx context.Context, call *domain.Call, offer *media.SessionDescription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if (s.call != nil && s.call.ID == call.ID) || s.inHistoryLocked(call.ID) {
		logger.Debug("Ignoring duplicate incoming call", zap.String("call_id", call.ID))
		return nil
	}
	if s.state() != StateIdle {
		logger.Warn("Refusing incoming call while busy",
			zap.String("call_id", call.ID),
			zap.String("from", call.InitiatorID),
			zap.String("state", s.state()))
		return apperrors.InvalidStateError("Already in a call")
	}

	call = call.Clone()
	call.Status = domain.CallStatusRinging
	if err := s.transition(eventRing, call.ID); err != nil {
		return err
	}
	s.call = call
	s.remoteID = call.InitiatorID
	s.pendingOffer = offer
	s.ringCandidates = nil
	s.monitor.SetCallID(call.ID)

	settings := s.settings.Get()
	s.startCallTimerLocked(call.ID, settings.CallTimeoutDuration())
	metrics.CallsActive.Set(1)
	s.publishCallLocked(events.TypeIncomingCall)

	logger.Info("Incoming call",
		zap.String("call_id", call.ID),
		zap.String("from", call.InitiatorID),
		zap.String("type", string(call.Type)))

	if settings.AutoAcceptCalls {
		if _, done := s.autoAccepted[call.ID]; !done {
			s.autoAccepted[call.ID] = struct{}{}
			if _, err := s.acceptLocked(ctx, call.Type); err != nil {
				logger.Warn("Auto-accept failed", zap.String("call_id", call.ID), zap.Error(err))
			}
		}
	}
	return nil
}

// AcceptCall answers the ringing call. An empty kind keeps the call's type.
func (s *Session) AcceptCall(ctx context.Context, kind domain.CallType) (*domain.Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acceptLocked(ctx, kind)
}

func (s *Session) acceptLocked(ctx context.Context, kind domain.CallType) (*domain.Call, error) {
	if s.state() != StateRinging {
		return nil, apperrors.InvalidStateError("No incoming call to accept")
	}
	call := s.call
	remote := s.remoteID
	if kind == "" {
		kind = call.Type
	}
	settings := s.settings.Get()

	if _, err := s.devices.InitializeMediaStream(ctx, constraintsFor(kind, settings)); err != nil {
		metrics.CallFailuresTotal.WithLabelValues("accept", string(apperrors.GetAppError(err).Code)).Inc()
		return nil, err
	}

	if err := s.registry.CreateConnection(ctx, remote, false); err != nil {
		s.devices.Cleanup()
		metrics.CallFailuresTotal.WithLabelValues("accept", string(apperrors.GetAppError(err).Code)).Inc()
		return nil, err
	}
	if s.pendingOffer != nil {
		if err := s.answerLocked(ctx, call.ID, remote, *s.pendingOffer); err != nil {
			s.devices.Cleanup()
			metrics.CallFailuresTotal.WithLabelValues("accept", string(apperrors.GetAppError(err).Code)).Inc()
			return nil, err
		}
		s.pendingOffer = nil
	}
	s.replayRingCandidatesLocked(ctx)

	err := s.send(ctx, &signaling.Message{Type: signaling.TypeCallAccept, CallID: call.ID, ToUserID: remote})
	if err != nil {
		s.devices.Cleanup()
		metrics.CallFailuresTotal.WithLabelValues("accept", string(apperrors.GetAppError(err).Code)).Inc()
		return nil, err
	}

	if !call.HasParticipant(remote) {
		call.Participants = append(call.Participants, s.newParticipant(remote, call.Type, settings))
	}
	if !call.HasParticipant(s.userID) {
		call.Participants = append(call.Participants, s.newParticipant(s.userID, kind, settings))
	}
	if err := s.transition(eventAccept, call.ID); err != nil {
		return nil, err
	}
	call.Status = domain.CallStatusConnecting
	s.stopCallTimerLocked()
	s.publishCallLocked(events.TypeCallUpdated)

	logger.Info("Call accepted", zap.String("call_id", call.ID), zap.String("from", remote))

	// the peer may have connected while the answer was in flight
	if info, ok := s.registry.Info(remote); ok && info.Connected {
		s.markConnectedLocked()
	}
	return call.Clone(), nil
}

// answerLocked answers an offer from participantID and sends webrtc_answer
func (s *Session) answerLocked(ctx context.Context, callID, participantID string, offer media.SessionDescription) error {
	answer, err := s.registry.CreateAnswer(ctx, participantID, offer)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrCodeOfferProcessing, "Failed to process WebRTC offer", err)
	}
	return s.send(ctx, &signaling.Message{
		Type:     signaling.TypeWebRTCAnswer,
		CallID:   callID,
		ToUserID: participantID,
		Answer:   &answer,
	})
}

func (s *Session) replayRingCandidatesLocked(ctx context.Context) {
	pending := s.ringCandidates
	s.ringCandidates = nil
	for _, rc := range pending {
		if err := s.registry.HandleICECandidate(ctx, rc.from, rc.candidate); err != nil {
			s.publishErrorLocked("ice_candidate", rc.from,
				apperrors.Wrap(apperrors.ErrCodeICEProcessing, "Failed to process ICE candidate", err))
		}
	}
}

// DeclineCall rejects the ringing call
func (s *Session) DeclineCall(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state() != StateRinging {
		return apperrors.InvalidStateError("No incoming call to decline")
	}
	err := s.send(ctx, &signaling.Message{Type: signaling.TypeCallDecline, CallID: s.call.ID, ToUserID: s.remoteID})
	if err != nil {
		logger.Warn("Failed to send call decline", zap.String("call_id", s.call.ID), zap.Error(err))
	}
	s.endLocked(outcomeDeclined, false)
	return nil
}

// EndCall hangs up the current call
func (s *Session) EndCall(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state() {
	case StateIdle, StateEnded:
		return apperrors.InvalidStateError("No active call")
	}
	s.sendToRemotesLocked(ctx, signaling.TypeCallEnd)
	s.endLocked(endOutcome(s.call), false)
	return nil
}

// endLocked marks the call ended, records it and schedules teardown. The
// session returns to idle once teardown completes.
func (s *Session) endLocked(outcome string, missed bool) {
	call := s.call
	if call == nil {
		return
	}
	switch s.state() {
	case StateIdle, StateEnded:
		return
	}

	now := time.Now()
	call.Status = domain.CallStatusEnded
	call.EndedAt = &now
	s.stopCallTimerLocked()
	s.stopDurationTimerLocked()
	if s.reconnectCancel != nil {
		s.reconnectCancel()
		s.reconnectCancel = nil
	}
	s.pendingOffer = nil
	s.ringCandidates = nil

	if err := s.transition(eventEnd, call.ID); err != nil {
		logger.Error("Failed to end call", zap.String("call_id", call.ID), zap.Error(err))
	}

	entry := domain.HistoryEntry{
		Call:          call.Clone(),
		ParticipantID: s.remoteID,
		IsMissed:      missed,
		IsIncoming:    call.InitiatorID != s.userID,
		CanCallAgain:  s.remoteID != "",
	}
	s.addHistoryLocked(entry)

	metrics.CallsTotal.WithLabelValues(string(call.Type), s.direction(call), outcome).Inc()
	if call.StartedAt != nil {
		metrics.CallDuration.WithLabelValues(string(call.Type)).Observe(call.Duration().Seconds())
	}
	metrics.CallsActive.Set(0)
	s.publish(events.Event{Type: events.TypeCallEnded, CallID: call.ID, Payload: entry})

	logger.Info("Call ended",
		zap.String("call_id", call.ID),
		zap.String("outcome", outcome),
		zap.Duration("duration", call.Duration()))

	s.workers.Add(1)
	go s.teardown(call.ID)
}

// teardown releases monitors, connections and media, then returns to idle.
// Failures are logged and never surfaced.
func (s *Session) teardown(callID string) {
	defer s.workers.Done()

	ctx, cancel := context.WithTimeout(context.Background(), constants.TeardownTimeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.monitor.StopAll()
		s.devices.Cleanup()
	}()
	select {
	case <-done:
	case <-ctx.Done():
		logger.Warn("Call teardown timed out", zap.String("call_id", callID))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.call == nil || s.call.ID != callID || s.state() != StateEnded {
		return
	}
	s.call = nil
	s.remoteID = ""
	s.lastError = ""
	s.monitor.SetCallID("")
	if err := s.transition(eventReset, callID); err != nil {
		logger.Error("Failed to reset session", zap.String("call_id", callID), zap.Error(err))
	}
}

// markConnectedLocked moves a connecting call to connected and starts the
// duration limit
func (s *Session) markConnectedLocked() {
	call := s.call
	if err := s.transition(eventConnect, call.ID); err != nil {
		logger.Debug("Connect ignored", zap.String("call_id", call.ID), zap.Error(err))
		return
	}
	now := time.Now()
	call.StartedAt = &now
	call.Status = domain.CallStatusConnected
	s.stopCallTimerLocked()
	if limit := s.settings.Get().MaxCallDurationValue(); limit > 0 {
		id := call.ID
		s.durationTimer = s.afterFunc(limit, func() { s.onMaxDuration(id) })
	}
	s.publishCallLocked(events.TypeCallUpdated)
	logger.Info("Call connected", zap.String("call_id", call.ID))
}

// OnRemoteAccepted handles a remote party accepting the call. On a one-to-one
// call only the expected callee is admitted; a group call also admits
// participants joining after it connected.
func (s *Session) OnRemoteAccepted(ctx context.Context, callID, fromUserID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	call := s.call
	if call == nil || call.ID != callID {
		logger.Debug("Ignoring call accept for unknown call", zap.String("call_id", callID))
		return
	}
	if fromUserID == "" {
		fromUserID = s.remoteID
	}
	if !s.expectedSenderLocked(fromUserID) {
		logger.Debug("Ignoring call accept from unexpected user",
			zap.String("call_id", callID),
			zap.String("from_user_id", fromUserID))
		return
	}

	switch s.state() {
	case StateConnecting:
		if call.InitiatorID != s.userID {
			return
		}
		s.admitLocked(fromUserID)
		s.markConnectedLocked()
	case StateConnected, StateReconnecting:
		if call.IsGroupCall && s.admitLocked(fromUserID) {
			s.publishCallLocked(events.TypeCallUpdated)
		}
	}
}

// expectedSenderLocked reports whether userID may act on the current call.
// Group calls accept any remote user.
func (s *Session) expectedSenderLocked(userID string) bool {
	if s.call.IsGroupCall || s.remoteID == "" {
		return true
	}
	return userID == s.remoteID
}

// admitLocked adds userID to the participant list. It reports false when the
// user was already present or the call is full.
func (s *Session) admitLocked(userID string) bool {
	call := s.call
	if call.HasParticipant(userID) {
		return false
	}
	if call.MaxParticipants > 0 && len(call.Participants) >= call.MaxParticipants {
		logger.Warn("Call is full, participant not admitted",
			zap.String("call_id", call.ID),
			zap.String("user_id", userID),
			zap.Int("max_participants", call.MaxParticipants))
		return false
	}
	p := s.newParticipant(userID, call.Type, domain.CallSettings{EnableAudioByDefault: true, EnableVideoByDefault: true})
	if info, ok := s.registry.Info(userID); ok {
		p.ConnectionQuality = info.Quality
	}
	call.Participants = append(call.Participants, p)
	return true
}

func (s *Session) dropParticipantLocked(userID string) {
	kept := s.call.Participants[:0]
	for _, p := range s.call.Participants {
		if p.UserID != userID {
			kept = append(kept, p)
		}
	}
	s.call.Participants = kept
}

// OnRemoteDeclined ends an outgoing call the callee declined, or clears an
// incoming call the caller withdrew
func (s *Session) OnRemoteDeclined(ctx context.Context, callID, fromUserID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.call == nil || s.call.ID != callID {
		return
	}
	if fromUserID != "" && !s.expectedSenderLocked(fromUserID) {
		logger.Debug("Ignoring call decline from unexpected user",
			zap.String("call_id", callID),
			zap.String("from_user_id", fromUserID))
		return
	}
	if s.call.InitiatorID == s.userID {
		s.endLocked(outcomeDeclined, false)
		return
	}
	if s.state() == StateRinging {
		s.endLocked(outcomeMissed, true)
	}
}

// OnRemoteEnded ends the call after the remote party hung up
func (s *Session) OnRemoteEnded(ctx context.Context, callID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.call == nil || s.call.ID != callID {
		return
	}
	if s.state() == StateRinging {
		s.endLocked(outcomeMissed, true)
		return
	}
	s.endLocked(endOutcome(s.call), false)
}

// OnMissed records a missed call. The current call, if it matches, ends.
func (s *Session) OnMissed(ctx context.Context, callID string, call *domain.Call) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.call != nil && s.call.ID == callID {
		s.endLocked(outcomeMissed, true)
		return
	}
	if call == nil || s.inHistoryLocked(callID) {
		return
	}

	missed := call.Clone()
	missed.ID = callID
	missed.Status = domain.CallStatusEnded
	remote := missed.InitiatorID
	if remote == s.userID {
		if ids := missed.RemoteUserIDs(s.userID); len(ids) > 0 {
			remote = ids[0]
		}
	}
	entry := domain.HistoryEntry{
		Call:          missed,
		ParticipantID: remote,
		IsMissed:      true,
		IsIncoming:    missed.InitiatorID != s.userID,
		CanCallAgain:  remote != "" && remote != s.userID,
	}
	s.addHistoryLocked(entry)
	metrics.CallsTotal.WithLabelValues(string(missed.Type), s.direction(missed), outcomeMissed).Inc()
	s.publish(events.Event{Type: events.TypeCallEnded, CallID: callID, Payload: entry})
}

// CallAgain redials a party from the call log
func (s *Session) CallAgain(ctx context.Context, targetID string, kind domain.CallType) (*domain.Call, error) {
	s.mu.Lock()
	var found *domain.HistoryEntry
	for i := range s.history {
		if s.history[i].ParticipantID == targetID && s.history[i].CanCallAgain {
			found = &s.history[i]
			break
		}
	}
	var conversationID string
	if found != nil {
		conversationID = found.Call.ConversationID
		if kind == "" {
			kind = found.Call.Type
		}
	}
	s.mu.Unlock()

	if found == nil {
		return nil, apperrors.CallNotFoundError()
	}
	return s.InitiateCall(ctx, targetID, kind, conversationID)
}

func (s *Session) startCallTimerLocked(callID string, d time.Duration) {
	s.stopCallTimerLocked()
	if d <= 0 {
		return
	}
	s.callTimer = s.afterFunc(d, func() { s.onCallTimeout(callID) })
}

func (s *Session) stopCallTimerLocked() {
	if s.callTimer != nil {
		s.callTimer.Stop()
		s.callTimer = nil
	}
}

func (s *Session) stopDurationTimerLocked() {
	if s.durationTimer != nil {
		s.durationTimer.Stop()
		s.durationTimer = nil
	}
}

// onCallTimeout ends a call that was not answered in time
func (s *Session) onCallTimeout(callID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.call == nil || s.call.ID != callID || s.call.StartedAt != nil {
		return
	}
	switch s.state() {
	case StateRinging:
		logger.Info("Incoming call not answered", zap.String("call_id", callID))
	case StateInitiating, StateConnecting:
		if s.call.InitiatorID != s.userID {
			return
		}
		logger.Info("Outgoing call not answered", zap.String("call_id", callID))
		s.sendToRemotesLocked(context.Background(), signaling.TypeCallEnd)
	default:
		return
	}
	s.endLocked(outcomeMissed, true)
}

// onMaxDuration ends a call that reached the configured limit
func (s *Session) onMaxDuration(callID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.call == nil || s.call.ID != callID {
		return
	}
	switch s.state() {
	case StateConnected, StateReconnecting:
	default:
		return
	}
	logger.Info("Maximum call duration reached", zap.String("call_id", callID))
	s.sendToRemotesLocked(context.Background(), signaling.TypeCallEnd)
	s.endLocked(outcomeCompleted, false)
}
