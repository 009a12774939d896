// Package signaling carries call-control and negotiation payloads between
// the agent and remote peers over the backend's realtime channel.
package signaling

import (
	"encoding/json"
	"time"

	"secureconnect-callagent/internal/domain"
	"secureconnect-callagent/internal/media"
)

// Signaling message types
const (
	TypeCallInitiate   = "call_initiate"
	TypeCallAccept     = "call_accept"
	TypeCallDecline    = "call_decline"
	TypeCallEnd        = "call_end"
	TypeCallMissed     = "call.missed"
	TypeCallReconnect  = "call.reconnected"
	TypeWebRTCOffer    = "webrtc_offer"
	TypeWebRTCAnswer   = "webrtc_answer"
	TypeICECandidate   = "webrtc_ice_candidate"
	TypeCallInitiated  = "call_initiated"
	TypeCallAccepted   = "call_accepted"
	TypeCallDeclined   = "call_declined"
	TypeCallEnded      = "call_ended"
	TypeControlMessage = "call_control"
)

// relayed maps the server-relayed names onto the canonical types
var relayed = map[string]string{
	TypeCallInitiated: TypeCallInitiate,
	TypeCallAccepted:  TypeCallAccept,
	TypeCallDeclined:  TypeCallDecline,
	TypeCallEnded:     TypeCallEnd,
}

// Message is a signaling payload
type Message struct {
	Type              string                    `json:"type"`
	CallID            string                    `json:"callId,omitempty"`
	FromUserID        string                    `json:"fromUserId,omitempty"`
	ToUserID          string                    `json:"toUserId,omitempty"`
	Call              *domain.Call              `json:"call,omitempty"`
	Offer             *media.SessionDescription `json:"offer,omitempty"`
	Answer            *media.SessionDescription `json:"answer,omitempty"`
	Candidate         *media.ICECandidate       `json:"candidate,omitempty"`
	ReconnectedUserID string                    `json:"reconnectedUserId,omitempty"`
	Timestamp         time.Time                 `json:"timestamp"`
}

// Encode serialises the message, stamping the send time
func (m *Message) Encode() ([]byte, error) {
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}
	return json.Marshal(m)
}

// Control message types sent over the data channel
const (
	ControlMute     = "mute"
	ControlUnmute   = "unmute"
	ControlVideoOn  = "video_on"
	ControlVideoOff = "video_off"
)

// ControlMessage is a call-control message carried on the data channel
type ControlMessage struct {
	Type string `json:"type"`
}

// Valid reports whether the control type is known
func (c ControlMessage) Valid() bool {
	switch c.Type {
	case ControlMute, ControlUnmute, ControlVideoOn, ControlVideoOff:
		return true
	}
	return false
}

// DecodeControl parses a data channel payload
func DecodeControl(data []byte) (ControlMessage, error) {
	var c ControlMessage
	if err := json.Unmarshal(data, &c); err != nil {
		return c, err
	}
	return c, nil
}
