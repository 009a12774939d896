package signaling

import (
	"encoding/json"
	stderrors "errors"
	"strings"

	"github.com/pion/ice/v2"
	"github.com/pion/sdp/v3"

	"secureconnect-callagent/internal/media"
	apperrors "secureconnect-callagent/pkg/errors"
)

// Decode parses and validates an inbound payload. Malformed payloads fail
// with an INVALID_* code and must not reach the session.
func Decode(raw []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCodeInvalidSignal, "Malformed signaling payload", err)
	}

	if canonical, ok := relayed[msg.Type]; ok {
		msg.Type = canonical
	}
	if msg.CallID == "" && msg.Call != nil {
		msg.CallID = msg.Call.ID
	}

	if err := Validate(&msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// Validate checks the required fields of a message by type
func Validate(msg *Message) error {
	switch msg.Type {
	case TypeCallInitiate:
		if msg.Call == nil {
			return invalidSignal("call_initiate requires call")
		}
		if err := msg.Call.Validate(); err != nil {
			return apperrors.Wrap(apperrors.ErrCodeInvalidSignal, "Invalid call in call_initiate", err)
		}
		if msg.Offer != nil {
			if err := validateDescription(msg.Offer, media.SDPTypeOffer); err != nil {
				return apperrors.Wrap(apperrors.ErrCodeInvalidOffer, "Invalid WebRTC offer received", err)
			}
		}

	case TypeCallAccept, TypeCallDecline, TypeCallEnd:
		if msg.CallID == "" {
			return invalidSignal(msg.Type + " requires callId")
		}

	case TypeCallMissed:
		if msg.CallID == "" {
			return invalidSignal("call.missed requires call")
		}

	case TypeCallReconnect:
		if msg.CallID == "" || msg.ReconnectedUserID == "" {
			return invalidSignal("call.reconnected requires callId and reconnectedUserId")
		}

	case TypeWebRTCOffer:
		if msg.FromUserID == "" || msg.Offer == nil || msg.CallID == "" {
			return apperrors.New(apperrors.ErrCodeInvalidOffer, "Invalid WebRTC offer received")
		}
		if err := validateDescription(msg.Offer, media.SDPTypeOffer); err != nil {
			return apperrors.Wrap(apperrors.ErrCodeInvalidOffer, "Invalid WebRTC offer received", err)
		}

	case TypeWebRTCAnswer:
		if msg.FromUserID == "" || msg.Answer == nil {
			return apperrors.New(apperrors.ErrCodeInvalidAnswer, "Invalid WebRTC answer received")
		}
		if err := validateDescription(msg.Answer, media.SDPTypeAnswer); err != nil {
			return apperrors.Wrap(apperrors.ErrCodeInvalidAnswer, "Invalid WebRTC answer received", err)
		}

	case TypeICECandidate:
		if msg.FromUserID == "" || msg.Candidate == nil {
			return apperrors.New(apperrors.ErrCodeInvalidICECandidate, "Invalid WebRTC ICE candidate received")
		}
		if err := validateCandidate(msg.Candidate); err != nil {
			return apperrors.Wrap(apperrors.ErrCodeInvalidICECandidate, "Invalid WebRTC ICE candidate received", err)
		}

	default:
		return invalidSignal("unknown signaling type " + msg.Type)
	}
	return nil
}

func invalidSignal(message string) error {
	return apperrors.New(apperrors.ErrCodeInvalidSignal, message)
}

func validateDescription(desc *media.SessionDescription, want media.SDPType) error {
	if desc.Type != "" && desc.Type != want {
		return &typeMismatchError{got: desc.Type, want: want}
	}
	if desc.Type == "" {
		desc.Type = want
	}
	if strings.TrimSpace(desc.SDP) == "" {
		return errEmptySDP
	}
	var parsed sdp.SessionDescription
	if err := parsed.Unmarshal([]byte(desc.SDP)); err != nil {
		return err
	}
	if parsed.Origin == (sdp.Origin{}) {
		return errMissingOrigin
	}
	if len(parsed.MediaDescriptions) == 0 {
		return errNoMedia
	}
	return nil
}

// validateCandidate parses the candidate line. An empty line marks
// end-of-candidates and is accepted.
func validateCandidate(c *media.ICECandidate) error {
	line := strings.TrimSpace(c.Candidate)
	if line == "" {
		return nil
	}
	_, err := ice.UnmarshalCandidate(strings.TrimPrefix(line, "candidate:"))
	return err
}

var (
	errEmptySDP      = stderrors.New("session description is empty")
	errMissingOrigin = stderrors.New("session description has no origin line")
	errNoMedia       = stderrors.New("session description has no media sections")
)

type typeMismatchError struct {
	got, want media.SDPType
}

func (e *typeMismatchError) Error() string {
	return "session description type " + string(e.got) + ", expected " + string(e.want)
}
