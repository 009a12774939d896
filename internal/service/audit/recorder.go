// Package audit records the call lifecycle into the audit log
package audit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"secureconnect-callagent/internal/domain"
	"secureconnect-callagent/internal/events"
	"secureconnect-callagent/internal/service/session"
	"secureconnect-callagent/pkg/constants"
	"secureconnect-callagent/pkg/logger"
)

// Logger is the audit store
type Logger interface {
	LogCallInitiate(ctx context.Context, userID, callID, callType string) error
	LogCallIncoming(ctx context.Context, userID, callID, callerID string) error
	LogCallConnect(ctx context.Context, userID, callID string) error
	LogCallEnd(ctx context.Context, userID, callID string, duration time.Duration, missed bool) error
	LogCallFailure(ctx context.Context, userID, callID, errorCode, message string) error
}

// Source is the session event feed
type Source interface {
	Subscribe(buffer int) *events.Subscription
}

// Recorder turns session events into audit records
type Recorder struct {
	log     Logger
	userID  string
	timeout time.Duration

	mu        sync.Mutex
	initiated map[string]bool
}

// NewRecorder creates a recorder for userID
func NewRecorder(log Logger, userID string) *Recorder {
	return &Recorder{
		log:       log,
		userID:    userID,
		timeout:   5 * time.Second,
		initiated: make(map[string]bool),
	}
}

// Run consumes session events until ctx is done
func (r *Recorder) Run(ctx context.Context, src Source) {
	sub := src.Subscribe(constants.EventBufferSize)
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sub.C:
			if !ok {
				return
			}
			r.Handle(ctx, evt)
		}
	}
}

// Handle records a single event
func (r *Recorder) Handle(ctx context.Context, evt events.Event) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var err error
	switch evt.Type {
	case events.TypeIncomingCall:
		if call, ok := evt.Payload.(*domain.Call); ok {
			err = r.log.LogCallIncoming(ctx, r.userID, evt.CallID, call.InitiatorID)
		}
	case events.TypeCallUpdated:
		call, ok := evt.Payload.(*domain.Call)
		if !ok || call.InitiatorID != r.userID || !r.markInitiated(evt.CallID) {
			return
		}
		err = r.log.LogCallInitiate(ctx, r.userID, evt.CallID, string(call.Type))
	case events.TypeStateChanged:
		change, ok := evt.Payload.(session.StateChange)
		if !ok || change.From != session.StateConnecting || change.To != session.StateConnected {
			return
		}
		err = r.log.LogCallConnect(ctx, r.userID, evt.CallID)
	case events.TypeCallEnded:
		entry, ok := evt.Payload.(domain.HistoryEntry)
		if !ok {
			return
		}
		r.forget(evt.CallID)
		var duration time.Duration
		if entry.Call != nil {
			duration = entry.Call.Duration()
		}
		err = r.log.LogCallEnd(ctx, r.userID, evt.CallID, duration, entry.IsMissed)
	case events.TypeError:
		if evt.CallID == "" || evt.Error == nil {
			return
		}
		err = r.log.LogCallFailure(ctx, r.userID, evt.CallID, evt.Error.Code, evt.Error.Message)
	default:
		return
	}

	if err != nil {
		logger.Debug("Failed to write audit record",
			zap.String("type", string(evt.Type)),
			zap.String("call_id", evt.CallID),
			zap.Error(err))
	}
}

// markInitiated reports whether callID was not yet recorded as initiated
func (r *Recorder) markInitiated(callID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.initiated[callID] {
		return false
	}
	r.initiated[callID] = true
	return true
}

func (r *Recorder) forget(callID string) {
	r.mu.Lock()
	delete(r.initiated, callID)
	r.mu.Unlock()
}
