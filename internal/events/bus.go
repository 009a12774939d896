// Package events is the publish/subscribe channel between the call session
// and its observers (control API, event stream, presence).
package events

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"secureconnect-callagent/pkg/logger"
)

// Type identifies an event
type Type string

const (
	TypeStateChanged       Type = "state_changed"
	TypeIncomingCall       Type = "incoming_call"
	TypeCallUpdated        Type = "call_updated"
	TypeCallEnded          Type = "call_ended"
	TypeParticipantUpdated Type = "participant_updated"
	TypeQualityUpdate      Type = "quality_update"
	TypeQualityWarning     Type = "quality_warning"
	TypeQualityAdjusted    Type = "quality_adjusted"
	TypeRemoteTrack        Type = "remote_track"
	TypeControlMessage     Type = "control_message"
	TypeError              Type = "error"
	TypeDevicesChanged     Type = "devices_changed"
	TypeScreenShareStarted Type = "screen_share_started"
	TypeScreenShareEnded   Type = "screen_share_ended"
	TypeReconnecting       Type = "reconnecting"
	TypeReconnected        Type = "reconnected"
)

// ErrorInfo carries a surfaced error
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// Event is a single notification
type Event struct {
	Type          Type       `json:"type"`
	CallID        string     `json:"callId,omitempty"`
	ParticipantID string     `json:"participantId,omitempty"`
	Payload       any        `json:"payload,omitempty"`
	Error         *ErrorInfo `json:"error,omitempty"`
	Timestamp     time.Time  `json:"timestamp"`
}

// Subscription receives events until Unsubscribe is called
type Subscription struct {
	C   <-chan Event
	ch  chan Event
	bus *Bus
}

// Unsubscribe detaches the subscription and closes its channel
func (s *Subscription) Unsubscribe() {
	s.bus.remove(s)
}

// Bus fans events out to subscribers. Slow subscribers lose events instead
// of blocking the publisher.
type Bus struct {
	mu      sync.RWMutex
	subs    map[*Subscription]struct{}
	dropped func(Type)
}

// NewBus creates an empty bus
func NewBus() *Bus {
	return &Bus{subs: make(map[*Subscription]struct{})}
}

// OnDrop registers a callback for events dropped on a full subscriber
func (b *Bus) OnDrop(fn func(Type)) {
	b.mu.Lock()
	b.dropped = fn
	b.mu.Unlock()
}

// Subscribe registers a subscriber with the given buffer size
func (b *Bus) Subscribe(buffer int) *Subscription {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)
	sub := &Subscription{C: ch, ch: ch, bus: b}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

func (b *Bus) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub]; ok {
		delete(b.subs, sub)
		close(sub.ch)
	}
}

// Publish delivers the event to every subscriber without blocking
func (b *Bus) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs {
		select {
		case sub.ch <- evt:
		default:
			logger.Debug("Dropping event for slow subscriber", zap.String("type", string(evt.Type)))
			if b.dropped != nil {
				b.dropped(evt.Type)
			}
		}
	}
}

// Subscribers returns the current subscriber count
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
