package session

import (
	"context"

	"go.uber.org/zap"

	"secureconnect-callagent/internal/events"
	"secureconnect-callagent/internal/signaling"
	apperrors "secureconnect-callagent/pkg/errors"
	"secureconnect-callagent/pkg/logger"
	"secureconnect-callagent/pkg/metrics"
	"secureconnect-callagent/pkg/resilience"
)

const reconnectFailedMessage = "Failed to reconnect to call"

// HandleTransportReconnected re-attaches a connected call after the
// signaling channel recovered. It implements signaling.Handler.
func (s *Session) HandleTransportReconnected(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.call == nil || s.state() != StateConnected {
		return
	}
	callID := s.call.ID
	if err := s.transition(eventInterrupt, callID); err != nil {
		logger.Warn("Cannot start reconnect", zap.String("call_id", callID), zap.Error(err))
		return
	}
	s.publish(events.Event{Type: events.TypeReconnecting, CallID: callID})
	logger.Info("Signaling recovered, reconnecting call", zap.String("call_id", callID))

	rctx, cancel := context.WithCancel(context.Background())
	s.reconnectCancel = cancel
	s.workers.Add(1)
	go s.reconnect(rctx, callID)
}

// reconnect issues the reconnect request under the retry policy. Exhaustion
// keeps the call connected with a surfaced error.
func (s *Session) reconnect(ctx context.Context, callID string) {
	defer s.workers.Done()

	var err error
	if s.api != nil {
		retrier := resilience.NewRetrier(s.policy)
		if s.retryClock != nil {
			retrier = retrier.WithClock(s.retryClock)
		}
		err = retrier.Do(ctx, "call_reconnect", func(ctx context.Context, attempt int) error {
			if err := s.api.Reconnect(ctx, callID); err != nil {
				metrics.ReconnectAttemptsTotal.WithLabelValues("failure").Inc()
				return err
			}
			return nil
		})
	}
	if ctx.Err() != nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.call == nil || s.call.ID != callID || s.state() != StateReconnecting {
		return
	}
	s.reconnectCancel = nil

	if err != nil {
		metrics.ReconnectAttemptsTotal.WithLabelValues("exhausted").Inc()
		s.lastError = reconnectFailedMessage
		if terr := s.transition(eventRecover, callID); terr != nil {
			logger.Error("Failed to restore call state", zap.String("call_id", callID), zap.Error(terr))
		}
		appErr := apperrors.Wrap(apperrors.ErrCodeReconnectFailed, reconnectFailedMessage, err)
		s.publishErrorLocked("reconnect", "", appErr)
		return
	}

	metrics.ReconnectAttemptsTotal.WithLabelValues("success").Inc()
	s.lastError = ""
	for _, id := range s.remotesLocked() {
		serr := s.send(context.Background(), &signaling.Message{
			Type:              signaling.TypeCallReconnect,
			CallID:            callID,
			ToUserID:          id,
			ReconnectedUserID: s.userID,
		})
		if serr != nil {
			logger.Warn("Failed to announce reconnect", zap.String("participant_id", id), zap.Error(serr))
		}
	}
	if terr := s.transition(eventRecover, callID); terr != nil {
		logger.Error("Failed to restore call state", zap.String("call_id", callID), zap.Error(terr))
	}
	s.publish(events.Event{Type: events.TypeReconnected, CallID: callID})
	logger.Info("Call reconnected", zap.String("call_id", callID))
}

// OnPeerReconnected handles a remote party announcing it re-attached
func (s *Session) OnPeerReconnected(callID, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.call == nil || s.call.ID != callID {
		return
	}
	s.lastError = ""
	s.publish(events.Event{Type: events.TypeReconnected, CallID: callID, ParticipantID: userID})
	logger.Info("Participant reconnected", zap.String("call_id", callID), zap.String("participant_id", userID))
}
