package domain

import (
	"fmt"
	"time"
)

// CallType is the media kind of a call
type CallType string

const (
	CallTypeVoice CallType = "audio"
	CallTypeVideo CallType = "video"
)

// ParseCallType accepts the wire spellings of a call kind
func ParseCallType(s string) (CallType, error) {
	switch s {
	case "audio", "voice":
		return CallTypeVoice, nil
	case "video":
		return CallTypeVideo, nil
	default:
		return "", fmt.Errorf("unknown call type %q", s)
	}
}

// CallStatus is the lifecycle status of a call
type CallStatus string

const (
	CallStatusInitiating CallStatus = "initiating"
	CallStatusRinging    CallStatus = "ringing"
	CallStatusConnecting CallStatus = "connecting"
	CallStatusConnected  CallStatus = "connected"
	CallStatusEnded      CallStatus = "ended"
)

// ConnectionQuality is the participant-level quality classification
type ConnectionQuality string

const (
	QualityExcellent    ConnectionQuality = "excellent"
	QualityGood         ConnectionQuality = "good"
	QualityPoor         ConnectionQuality = "poor"
	QualityDisconnected ConnectionQuality = "disconnected"
)

// Call represents a video/audio call entity
type Call struct {
	ID              string        `json:"id"`
	Type            CallType      `json:"type"`
	Status          CallStatus    `json:"status"`
	InitiatorID     string        `json:"initiatorId"`
	Participants    []Participant `json:"participants"`
	IsGroupCall     bool          `json:"isGroupCall"`
	MaxParticipants int           `json:"maxParticipants"`
	ConversationID  string        `json:"conversationId,omitempty"`
	CreatedAt       time.Time     `json:"createdAt"`
	StartedAt       *time.Time    `json:"startedAt,omitempty"`
	EndedAt         *time.Time    `json:"endedAt,omitempty"`
}

// Participant represents a party in a call
type Participant struct {
	ID                string            `json:"id"`
	UserID            string            `json:"userId"`
	IsMuted           bool              `json:"isMuted"`
	IsVideoEnabled    bool              `json:"isVideoEnabled"`
	IsScreenSharing   bool              `json:"isScreenSharing"`
	JoinedAt          time.Time         `json:"joinedAt"`
	ConnectionQuality ConnectionQuality `json:"connectionQuality"`
}

// Clone returns a deep copy safe to hand to observers
func (c *Call) Clone() *Call {
	if c == nil {
		return nil
	}
	out := *c
	out.Participants = append([]Participant(nil), c.Participants...)
	if c.StartedAt != nil {
		t := *c.StartedAt
		out.StartedAt = &t
	}
	if c.EndedAt != nil {
		t := *c.EndedAt
		out.EndedAt = &t
	}
	return &out
}

// Participant returns the participant for a user
func (c *Call) Participant(userID string) (*Participant, bool) {
	for i := range c.Participants {
		if c.Participants[i].UserID == userID {
			return &c.Participants[i], true
		}
	}
	return nil, false
}

// HasParticipant reports whether the user has joined the call
func (c *Call) HasParticipant(userID string) bool {
	_, ok := c.Participant(userID)
	return ok
}

// RemoteUserIDs returns every participant except the local user
func (c *Call) RemoteUserIDs(localUserID string) []string {
	ids := make([]string, 0, len(c.Participants))
	for _, p := range c.Participants {
		if p.UserID != localUserID {
			ids = append(ids, p.UserID)
		}
	}
	return ids
}

// Duration returns the connected duration, zero if the call never connected
func (c *Call) Duration() time.Duration {
	if c.StartedAt == nil {
		return 0
	}
	end := time.Now()
	if c.EndedAt != nil {
		end = *c.EndedAt
	}
	return end.Sub(*c.StartedAt)
}

// Validate checks the structural invariants of a call received from a peer
func (c *Call) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("call id is required")
	}
	if c.InitiatorID == "" {
		return fmt.Errorf("call initiatorId is required")
	}
	if _, err := ParseCallType(string(c.Type)); err != nil {
		return err
	}
	if !c.IsGroupCall && len(c.Participants) > 2 {
		return fmt.Errorf("one-to-one call has %d participants", len(c.Participants))
	}
	return nil
}

// CallSettings is the user's call preferences
type CallSettings struct {
	EnableVideoByDefault bool   `json:"enableVideoByDefault"`
	EnableAudioByDefault bool   `json:"enableAudioByDefault"`
	AutoAcceptCalls      bool   `json:"autoAcceptCalls"`
	RingtoneEnabled      bool   `json:"ringtoneEnabled"`
	VibrationEnabled     bool   `json:"vibrationEnabled"`
	CallTimeout          int    `json:"callTimeout"`     // seconds
	MaxCallDuration      int    `json:"maxCallDuration"` // minutes
	PreferredAudioDevice string `json:"preferredAudioDevice,omitempty"`
	PreferredVideoDevice string `json:"preferredVideoDevice,omitempty"`
	EnableScreenShare    bool   `json:"enableScreenShare"`
	EnableRecording      bool   `json:"enableRecording"`
}

// CallTimeoutDuration returns the ring/accept timeout
func (s CallSettings) CallTimeoutDuration() time.Duration {
	return time.Duration(s.CallTimeout) * time.Second
}

// MaxCallDurationValue returns the connected call limit
func (s CallSettings) MaxCallDurationValue() time.Duration {
	return time.Duration(s.MaxCallDuration) * time.Minute
}

// CallSettingsPatch is a partial settings update; nil fields are unchanged
type CallSettingsPatch struct {
	EnableVideoByDefault *bool   `json:"enableVideoByDefault,omitempty"`
	EnableAudioByDefault *bool   `json:"enableAudioByDefault,omitempty"`
	AutoAcceptCalls      *bool   `json:"autoAcceptCalls,omitempty"`
	RingtoneEnabled      *bool   `json:"ringtoneEnabled,omitempty"`
	VibrationEnabled     *bool   `json:"vibrationEnabled,omitempty"`
	CallTimeout          *int    `json:"callTimeout,omitempty"`
	MaxCallDuration      *int    `json:"maxCallDuration,omitempty"`
	PreferredAudioDevice *string `json:"preferredAudioDevice,omitempty"`
	PreferredVideoDevice *string `json:"preferredVideoDevice,omitempty"`
	EnableScreenShare    *bool   `json:"enableScreenShare,omitempty"`
	EnableRecording      *bool   `json:"enableRecording,omitempty"`
}

// Apply returns a copy of s with the patch applied and validated
func (p CallSettingsPatch) Apply(s CallSettings) (CallSettings, error) {
	if p.CallTimeout != nil && *p.CallTimeout <= 0 {
		return s, fmt.Errorf("callTimeout must be positive")
	}
	if p.MaxCallDuration != nil && *p.MaxCallDuration <= 0 {
		return s, fmt.Errorf("maxCallDuration must be positive")
	}

	setBool(&s.EnableVideoByDefault, p.EnableVideoByDefault)
	setBool(&s.EnableAudioByDefault, p.EnableAudioByDefault)
	setBool(&s.AutoAcceptCalls, p.AutoAcceptCalls)
	setBool(&s.RingtoneEnabled, p.RingtoneEnabled)
	setBool(&s.VibrationEnabled, p.VibrationEnabled)
	setBool(&s.EnableScreenShare, p.EnableScreenShare)
	setBool(&s.EnableRecording, p.EnableRecording)
	if p.CallTimeout != nil {
		s.CallTimeout = *p.CallTimeout
	}
	if p.MaxCallDuration != nil {
		s.MaxCallDuration = *p.MaxCallDuration
	}
	if p.PreferredAudioDevice != nil {
		s.PreferredAudioDevice = *p.PreferredAudioDevice
	}
	if p.PreferredVideoDevice != nil {
		s.PreferredVideoDevice = *p.PreferredVideoDevice
	}
	return s, nil
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}

// QualityClass is the tier derived from a network sample
type QualityClass string

const (
	QualityClassGood QualityClass = "good"
	QualityClassFair QualityClass = "fair"
	QualityClassPoor QualityClass = "poor"
)

// ParticipantQuality maps a sample tier to a participant classification
func (q QualityClass) ParticipantQuality() ConnectionQuality {
	switch q {
	case QualityClassGood:
		return QualityExcellent
	case QualityClassFair:
		return QualityGood
	default:
		return QualityPoor
	}
}

// NetworkQualitySample is one measurement of a peer connection
type NetworkQualitySample struct {
	PacketLoss     float64      `json:"packetLoss"` // percent
	Latency        float64      `json:"latency"`    // ms
	Jitter         float64      `json:"jitter"`     // ms
	Bitrate        float64      `json:"bitrate"`    // bits/sec
	Classification QualityClass `json:"quality"`
	Timestamp      time.Time    `json:"timestamp"`
}

// HistoryEntry is an ended call as shown in the call log
type HistoryEntry struct {
	Call          *Call  `json:"call"`
	ParticipantID string `json:"participantId"`
	IsMissed      bool   `json:"isMissed"`
	IsIncoming    bool   `json:"isIncoming"`
	CanCallAgain  bool   `json:"canCallAgain"`
}

// HistoryStats summarises the in-memory call log
type HistoryStats struct {
	TotalCalls      int     `json:"totalCalls"`
	TotalDuration   float64 `json:"totalDuration"`   // seconds
	AverageDuration float64 `json:"averageDuration"` // seconds
	MissedCalls     int     `json:"missedCalls"`
	AudioCalls      int     `json:"audioCalls"`
	VideoCalls      int     `json:"videoCalls"`
	SuccessRate     float64 `json:"successRate"` // percent
}

// SummarizeHistory computes call log statistics
func SummarizeHistory(entries []HistoryEntry) HistoryStats {
	var stats HistoryStats
	connected := 0
	for _, e := range entries {
		stats.TotalCalls++
		if e.IsMissed {
			stats.MissedCalls++
		}
		switch e.Call.Type {
		case CallTypeVideo:
			stats.VideoCalls++
		default:
			stats.AudioCalls++
		}
		if e.Call.StartedAt != nil {
			connected++
			stats.TotalDuration += e.Call.Duration().Seconds()
		}
	}
	if connected > 0 {
		stats.AverageDuration = stats.TotalDuration / float64(connected)
	}
	if stats.TotalCalls > 0 {
		stats.SuccessRate = float64(connected) / float64(stats.TotalCalls) * 100
	}
	return stats
}
