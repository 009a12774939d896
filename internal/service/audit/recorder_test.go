package audit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"secureconnect-callagent/internal/domain"
	"secureconnect-callagent/internal/events"
	"secureconnect-callagent/internal/service/session"
)

// MockLogger is a mock implementation of Logger
type MockLogger struct {
	mock.Mock
}

func (m *MockLogger) LogCallInitiate(ctx context.Context, userID, callID, callType string) error {
	return m.Called(ctx, userID, callID, callType).Error(0)
}

func (m *MockLogger) LogCallIncoming(ctx context.Context, userID, callID, callerID string) error {
	return m.Called(ctx, userID, callID, callerID).Error(0)
}

func (m *MockLogger) LogCallConnect(ctx context.Context, userID, callID string) error {
	return m.Called(ctx, userID, callID).Error(0)
}

func (m *MockLogger) LogCallEnd(ctx context.Context, userID, callID string, duration time.Duration, missed bool) error {
	return m.Called(ctx, userID, callID, duration, missed).Error(0)
}

func (m *MockLogger) LogCallFailure(ctx context.Context, userID, callID, errorCode, message string) error {
	return m.Called(ctx, userID, callID, errorCode, message).Error(0)
}

func TestRecorder_OutgoingCall(t *testing.T) {
	log := new(MockLogger)
	rec := NewRecorder(log, "alice")
	ctx := context.Background()

	started := time.Now().Add(-90 * time.Second)
	ended := started.Add(90 * time.Second)
	call := &domain.Call{ID: "call-1", Type: domain.CallTypeVideo, InitiatorID: "alice"}

	log.On("LogCallInitiate", mock.Anything, "alice", "call-1", "video").Return(nil).Once()
	log.On("LogCallConnect", mock.Anything, "alice", "call-1").Return(nil).Once()
	log.On("LogCallEnd", mock.Anything, "alice", "call-1", 90*time.Second, false).Return(nil).Once()

	rec.Handle(ctx, events.Event{Type: events.TypeCallUpdated, CallID: "call-1", Payload: call})
	// later updates of the same call are not new initiations
	rec.Handle(ctx, events.Event{Type: events.TypeCallUpdated, CallID: "call-1", Payload: call})
	rec.Handle(ctx, events.Event{
		Type:    events.TypeStateChanged,
		CallID:  "call-1",
		Payload: session.StateChange{From: session.StateConnecting, To: session.StateConnected},
	})
	rec.Handle(ctx, events.Event{
		Type:    events.TypeStateChanged,
		CallID:  "call-1",
		Payload: session.StateChange{From: session.StateReconnecting, To: session.StateConnected},
	})

	endedCall := call.Clone()
	endedCall.StartedAt = &started
	endedCall.EndedAt = &ended
	rec.Handle(ctx, events.Event{
		Type:    events.TypeCallEnded,
		CallID:  "call-1",
		Payload: domain.HistoryEntry{Call: endedCall, ParticipantID: "bob"},
	})

	log.AssertExpectations(t)
}

func TestRecorder_IncomingMissedCall(t *testing.T) {
	log := new(MockLogger)
	rec := NewRecorder(log, "alice")
	ctx := context.Background()
	call := &domain.Call{ID: "call-2", Type: domain.CallTypeVoice, InitiatorID: "bob"}

	log.On("LogCallIncoming", mock.Anything, "alice", "call-2", "bob").Return(nil).Once()
	log.On("LogCallEnd", mock.Anything, "alice", "call-2", time.Duration(0), true).Return(nil).Once()

	rec.Handle(ctx, events.Event{Type: events.TypeIncomingCall, CallID: "call-2", Payload: call})
	// accepting an incoming call is not an initiation
	rec.Handle(ctx, events.Event{Type: events.TypeCallUpdated, CallID: "call-2", Payload: call})
	rec.Handle(ctx, events.Event{
		Type:    events.TypeCallEnded,
		CallID:  "call-2",
		Payload: domain.HistoryEntry{Call: call, ParticipantID: "bob", IsMissed: true, IsIncoming: true},
	})

	log.AssertExpectations(t)
	log.AssertNotCalled(t, "LogCallInitiate", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestRecorder_Failures(t *testing.T) {
	log := new(MockLogger)
	rec := NewRecorder(log, "alice")
	ctx := context.Background()

	log.On("LogCallFailure", mock.Anything, "alice", "call-3", "RECONNECT_FAILED", "Failed to reconnect to call").Return(nil).Once()

	rec.Handle(ctx, events.Event{
		Type:   events.TypeError,
		CallID: "call-3",
		Error:  &events.ErrorInfo{Code: "RECONNECT_FAILED", Message: "Failed to reconnect to call"},
	})
	// errors outside a call are not audited
	rec.Handle(ctx, events.Event{
		Type:  events.TypeError,
		Error: &events.ErrorInfo{Code: "INVALID_SIGNAL", Message: "bad frame"},
	})

	log.AssertExpectations(t)
}

func TestRecorder_Run(t *testing.T) {
	log := new(MockLogger)
	connected := make(chan struct{})
	log.On("LogCallConnect", mock.Anything, "alice", "call-4").Return(nil).Run(func(mock.Arguments) {
		close(connected)
	}).Once()

	bus := events.NewBus()
	rec := NewRecorder(log, "alice")
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		rec.Run(ctx, bus)
		close(done)
	}()

	require.Eventually(t, func() bool { return bus.Subscribers() == 1 }, time.Second, 5*time.Millisecond)
	bus.Publish(events.Event{
		Type:    events.TypeStateChanged,
		CallID:  "call-4",
		Payload: session.StateChange{From: session.StateConnecting, To: session.StateConnected},
	})

	select {
	case <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("connect was not recorded")
	}
	cancel()
	<-done
	assert.Equal(t, 0, bus.Subscribers())
}
