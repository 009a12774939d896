package session

import (
	"context"

	"go.uber.org/zap"

	"secureconnect-callagent/internal/domain"
	"secureconnect-callagent/internal/events"
	"secureconnect-callagent/internal/media"
	"secureconnect-callagent/internal/signaling"
	"secureconnect-callagent/pkg/constants"
	apperrors "secureconnect-callagent/pkg/errors"
	"secureconnect-callagent/pkg/logger"
)

// HandleSignal applies a validated inbound message. It implements
// signaling.Handler.
func (s *Session) HandleSignal(ctx context.Context, msg *signaling.Message) {
	if msg.FromUserID != "" && msg.FromUserID == s.userID {
		return
	}

	switch msg.Type {
	case signaling.TypeCallInitiate:
		if msg.Call.InitiatorID == s.userID {
			return
		}
		if err := s.HandleIncoming(ctx, msg.Call, msg.Offer); err != nil {
			logger.Debug("Incoming call not handled", zap.String("call_id", msg.CallID), zap.Error(err))
		}
	case signaling.TypeCallAccept:
		s.OnRemoteAccepted(ctx, msg.CallID, msg.FromUserID)
	case signaling.TypeCallDecline:
		s.OnRemoteDeclined(ctx, msg.CallID, msg.FromUserID)
	case signaling.TypeCallEnd:
		s.OnRemoteEnded(ctx, msg.CallID)
	case signaling.TypeCallMissed:
		s.OnMissed(ctx, msg.CallID, msg.Call)
	case signaling.TypeCallReconnect:
		s.OnPeerReconnected(msg.CallID, msg.ReconnectedUserID)
	case signaling.TypeWebRTCOffer:
		s.handleOffer(ctx, msg)
	case signaling.TypeWebRTCAnswer:
		s.handleAnswer(ctx, msg)
	case signaling.TypeICECandidate:
		s.handleCandidate(ctx, msg)
	default:
		logger.Debug("Unhandled signaling message", zap.String("type", msg.Type))
	}
}

// matchesLocked reports whether msg belongs to the current call. Messages
// without a call id are attributed to the current call.
func (s *Session) matchesLocked(msg *signaling.Message) bool {
	if s.call == nil {
		return false
	}
	return msg.CallID == "" || msg.CallID == s.call.ID
}

func (s *Session) handleOffer(ctx context.Context, msg *signaling.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.matchesLocked(msg) {
		logger.Debug("Dropping offer for unknown call", zap.String("call_id", msg.CallID))
		return
	}
	if !s.expectedSenderLocked(msg.FromUserID) {
		logger.Debug("Dropping offer from unexpected user",
			zap.String("call_id", s.call.ID),
			zap.String("from_user_id", msg.FromUserID))
		return
	}

	switch s.state() {
	case StateRinging:
		offer := *msg.Offer
		s.pendingOffer = &offer
	case StateConnecting, StateConnected, StateReconnecting:
		if !s.registry.Has(msg.FromUserID) {
			joined := false
			if s.call.IsGroupCall && !s.call.HasParticipant(msg.FromUserID) {
				if !s.admitLocked(msg.FromUserID) {
					return
				}
				joined = true
			}
			if err := s.registry.CreateConnection(ctx, msg.FromUserID, false); err != nil {
				if joined {
					s.dropParticipantLocked(msg.FromUserID)
				}
				s.publishErrorLocked("offer", msg.FromUserID, err)
				return
			}
			if joined {
				s.publishCallLocked(events.TypeCallUpdated)
			}
		}
		if err := s.answerLocked(ctx, s.call.ID, msg.FromUserID, *msg.Offer); err != nil {
			s.publishErrorLocked("offer", msg.FromUserID, err)
		}
	default:
		logger.Debug("Dropping offer", zap.String("state", s.state()))
	}
}

func (s *Session) handleAnswer(ctx context.Context, msg *signaling.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.matchesLocked(msg) {
		logger.Debug("Dropping answer for unknown call", zap.String("call_id", msg.CallID))
		return
	}
	if err := s.registry.HandleAnswer(ctx, msg.FromUserID, *msg.Answer); err != nil {
		s.publishErrorLocked("answer", msg.FromUserID,
			apperrors.Wrap(apperrors.ErrCodeAnswerProcessing, "Failed to process WebRTC answer", err))
	}
}

// handleCandidate applies a remote candidate. While ringing there is no
// connection yet, so candidates are held and replayed on accept.
func (s *Session) handleCandidate(ctx context.Context, msg *signaling.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.matchesLocked(msg) {
		logger.Debug("Dropping candidate for unknown call", zap.String("call_id", msg.CallID))
		return
	}

	if s.state() == StateRinging {
		if len(s.ringCandidates) >= constants.MaxPendingICECandidates {
			logger.Warn("Dropping candidate received while ringing",
				zap.String("call_id", s.call.ID),
				zap.Int("pending", len(s.ringCandidates)))
			return
		}
		s.ringCandidates = append(s.ringCandidates, ringCandidate{from: msg.FromUserID, candidate: *msg.Candidate})
		return
	}

	if err := s.registry.HandleICECandidate(ctx, msg.FromUserID, *msg.Candidate); err != nil {
		s.publishErrorLocked("ice_candidate", msg.FromUserID,
			apperrors.Wrap(apperrors.ErrCodeICEProcessing, "Failed to process ICE candidate", err))
	}
}

// registry and monitor callbacks

func (s *Session) onLocalCandidate(participantID string, candidate media.ICECandidate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.call == nil {
		return
	}
	err := s.send(context.Background(), &signaling.Message{
		Type:      signaling.TypeICECandidate,
		CallID:    s.call.ID,
		ToUserID:  participantID,
		Candidate: &candidate,
	})
	if err != nil {
		logger.Warn("Failed to send ICE candidate",
			zap.String("participant_id", participantID),
			zap.Error(err))
	}
}

func (s *Session) onPeerState(participantID string, state media.ConnectionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	call := s.call
	if call == nil {
		return
	}

	if p, ok := call.Participant(participantID); ok {
		if info, ok := s.registry.Info(participantID); ok {
			p.ConnectionQuality = info.Quality
		}
	}

	switch state {
	case media.StateConnected:
		if call.InitiatorID != s.userID && s.state() == StateConnecting {
			s.markConnectedLocked()
		}
	case media.StateFailed:
		s.publishErrorLocked("peer_connection", participantID,
			apperrors.ConnectionFailedError("Peer connection failed"))
	}

	s.publish(events.Event{
		Type:          events.TypeParticipantUpdated,
		CallID:        call.ID,
		ParticipantID: participantID,
		Payload:       s.participantLocked(participantID),
	})
}

func (s *Session) onRemoteTrack(participantID string, track media.RemoteTrack) {
	s.mu.Lock()
	var callID string
	if s.call != nil {
		callID = s.call.ID
	}
	s.mu.Unlock()

	s.publish(events.Event{
		Type:          events.TypeRemoteTrack,
		CallID:        callID,
		ParticipantID: participantID,
		Payload:       track,
	})
}

func (s *Session) onControlMessage(participantID string, msg signaling.ControlMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.call == nil {
		return
	}

	if p, ok := s.call.Participant(participantID); ok {
		switch msg.Type {
		case signaling.ControlMute:
			p.IsMuted = true
		case signaling.ControlUnmute:
			p.IsMuted = false
		case signaling.ControlVideoOn:
			p.IsVideoEnabled = true
		case signaling.ControlVideoOff:
			p.IsVideoEnabled = false
		}
	}

	s.publish(events.Event{
		Type:          events.TypeControlMessage,
		CallID:        s.call.ID,
		ParticipantID: participantID,
		Payload:       msg,
	})
	s.publish(events.Event{
		Type:          events.TypeParticipantUpdated,
		CallID:        s.call.ID,
		ParticipantID: participantID,
		Payload:       s.participantLocked(participantID),
	})
}

func (s *Session) onQualitySample(participantID string, sample domain.NetworkQualitySample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.call == nil {
		return
	}
	if p, ok := s.call.Participant(participantID); ok {
		p.ConnectionQuality = sample.Classification.ParticipantQuality()
	}
	if sample.Classification == domain.QualityClassPoor {
		s.lastError = "Poor network quality detected"
	}
}

func (s *Session) onScreenShareEnded() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.call == nil {
		return
	}
	if p, ok := s.call.Participant(s.userID); ok {
		p.IsScreenSharing = false
	}
	s.publish(events.Event{
		Type:          events.TypeParticipantUpdated,
		CallID:        s.call.ID,
		ParticipantID: s.userID,
		Payload:       s.participantLocked(s.userID),
	})
}

// participantLocked returns a copy of a participant, or nil
func (s *Session) participantLocked(userID string) *domain.Participant {
	if s.call == nil {
		return nil
	}
	p, ok := s.call.Participant(userID)
	if !ok {
		return nil
	}
	out := *p
	return &out
}
