package session

import (
	"context"

	"github.com/looplab/fsm"

	"secureconnect-callagent/internal/events"
	"secureconnect-callagent/pkg/metrics"
)

// Session states
const (
	StateIdle         = "idle"
	StateInitiating   = "initiating"
	StateRinging      = "ringing"
	StateConnecting   = "connecting"
	StateConnected    = "connected"
	StateReconnecting = "reconnecting"
	StateEnded        = "ended"
)

// Transition events
const (
	eventInitiate  = "initiate"
	eventDial      = "dial"
	eventAbort     = "abort"
	eventRing      = "ring"
	eventAccept    = "accept"
	eventConnect   = "connect"
	eventInterrupt = "interrupt"
	eventRecover   = "recover"
	eventEnd       = "end"
	eventReset     = "reset"
)

// StateChange is the payload of a state_changed event
type StateChange struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// newMachine builds the transition table. Every state change is counted
// and published; the first event argument is the call id.
func newMachine(bus *events.Bus) *fsm.FSM {
	return fsm.NewFSM(
		StateIdle,
		fsm.Events{
			{Name: eventInitiate, Src: []string{StateIdle}, Dst: StateInitiating},
			{Name: eventDial, Src: []string{StateInitiating}, Dst: StateConnecting},
			{Name: eventAbort, Src: []string{StateInitiating}, Dst: StateIdle},
			{Name: eventRing, Src: []string{StateIdle}, Dst: StateRinging},
			{Name: eventAccept, Src: []string{StateRinging}, Dst: StateConnecting},
			{Name: eventConnect, Src: []string{StateConnecting}, Dst: StateConnected},
			{Name: eventInterrupt, Src: []string{StateConnected}, Dst: StateReconnecting},
			{Name: eventRecover, Src: []string{StateReconnecting}, Dst: StateConnected},
			{Name: eventEnd, Src: []string{StateInitiating, StateRinging, StateConnecting, StateConnected, StateReconnecting}, Dst: StateEnded},
			{Name: eventReset, Src: []string{StateEnded}, Dst: StateIdle},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				metrics.SessionTransitionsTotal.WithLabelValues(e.Src, e.Dst).Inc()

				var callID string
				if len(e.Args) > 0 {
					callID, _ = e.Args[0].(string)
				}
				bus.Publish(events.Event{
					Type:    events.TypeStateChanged,
					CallID:  callID,
					Payload: StateChange{From: e.Src, To: e.Dst},
				})
			},
		},
	)
}
