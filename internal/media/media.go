// Package media declares the media platform the call session consumes:
// capture, device enumeration, peer connections and their statistics.
package media

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Kind is a track media kind
type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

// DeviceKind is the kind of a capture or playback device
type DeviceKind string

const (
	DeviceAudioInput  DeviceKind = "audioinput"
	DeviceVideoInput  DeviceKind = "videoinput"
	DeviceAudioOutput DeviceKind = "audiooutput"
)

// DeviceInfo describes a media device
type DeviceInfo struct {
	DeviceID string     `json:"deviceId"`
	Kind     DeviceKind `json:"kind"`
	Label    string     `json:"label"`
}

// Constraints selects what to capture
type Constraints struct {
	Audio         bool   `json:"audio"`
	Video         bool   `json:"video"`
	AudioDeviceID string `json:"audioDeviceId,omitempty"`
	VideoDeviceID string `json:"videoDeviceId,omitempty"`
}

// Track is a local media track
type Track interface {
	ID() string
	Kind() Kind
	DeviceID() string
	Enabled() bool
	SetEnabled(enabled bool)
	// Stop releases the source. It does not fire OnEnded.
	Stop()
	Stopped() bool
	// OnEnded registers a callback fired when the platform ends the track
	OnEnded(fn func())
}

// Stream is an ordered set of local tracks
type Stream struct {
	mu     sync.RWMutex
	id     string
	tracks []Track
}

// NewStream creates a stream holding the given tracks
func NewStream(id string, tracks ...Track) *Stream {
	return &Stream{id: id, tracks: tracks}
}

// ID returns the stream id
func (s *Stream) ID() string {
	return s.id
}

// Tracks returns a copy of every track
func (s *Stream) Tracks() []Track {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Track(nil), s.tracks...)
}

// TracksOf returns the tracks of one kind
func (s *Stream) TracksOf(kind Kind) []Track {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Track
	for _, t := range s.tracks {
		if t.Kind() == kind {
			out = append(out, t)
		}
	}
	return out
}

// First returns the first track of a kind
func (s *Stream) First(kind Kind) (Track, bool) {
	tracks := s.TracksOf(kind)
	if len(tracks) == 0 {
		return nil, false
	}
	return tracks[0], true
}

// AddTrack appends a track
func (s *Stream) AddTrack(t Track) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracks = append(s.tracks, t)
}

// RemoveTrack detaches a track by id
func (s *Stream) RemoveTrack(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, t := range s.tracks {
		if t.ID() == id {
			s.tracks = append(s.tracks[:i], s.tracks[i+1:]...)
			return
		}
	}
}

// Stop stops every track
func (s *Stream) Stop() {
	for _, t := range s.Tracks() {
		t.Stop()
	}
}

// SDPType is the type of a session description
type SDPType string

const (
	SDPTypeOffer  SDPType = "offer"
	SDPTypeAnswer SDPType = "answer"
)

// SessionDescription is an SDP offer or answer
type SessionDescription struct {
	Type SDPType `json:"type"`
	SDP  string  `json:"sdp"`
}

// ICECandidate is a trickled network path descriptor
type ICECandidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// Key identifies the candidate for duplicate detection
func (c ICECandidate) Key() string {
	mid := ""
	if c.SDPMid != nil {
		mid = *c.SDPMid
	}
	idx := -1
	if c.SDPMLineIndex != nil {
		idx = int(*c.SDPMLineIndex)
	}
	return fmt.Sprintf("%s|%s|%d", c.Candidate, mid, idx)
}

// ConnectionState is the aggregate peer connection state
type ConnectionState string

const (
	StateNew          ConnectionState = "new"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateDisconnected ConnectionState = "disconnected"
	StateFailed       ConnectionState = "failed"
	StateClosed       ConnectionState = "closed"
)

// EncodingParameters are the outgoing encoder limits of a sender
type EncodingParameters struct {
	ScaleResolutionDownBy float64 `json:"scaleResolutionDownBy"`
	MaxBitrate            uint64  `json:"maxBitrate"`
	MaxFramerate          float64 `json:"maxFramerate"`
}

// Sender sends one local track to the remote peer
type Sender interface {
	Track() Track
	ReplaceTrack(track Track) error
	Parameters() EncodingParameters
	SetParameters(params EncodingParameters) error
}

// RemoteTrack describes an inbound track
type RemoteTrack struct {
	ID       string `json:"id"`
	Kind     Kind   `json:"kind"`
	StreamID string `json:"streamId"`
}

// DataChannelOptions configures a data channel
type DataChannelOptions struct {
	Ordered           bool
	MaxPacketLifeTime time.Duration
}

// DataChannel is a message channel alongside the media
type DataChannel interface {
	Label() string
	IsOpen() bool
	SendText(text string) error
	OnOpen(fn func())
	OnMessage(fn func(data []byte))
	Close() error
}

// InboundStats are the receive counters of the inbound video stream
type InboundStats struct {
	PacketsReceived   uint64
	PacketsLost       int64
	BytesReceived     uint64
	JitterBufferDelay time.Duration
}

// Stats is a point-in-time statistics report
type Stats struct {
	Timestamp     time.Time
	InboundVideo  *InboundStats
	RoundTripTime time.Duration
}

// StatsSource produces statistics reports
type StatsSource interface {
	GetStats(ctx context.Context) (Stats, error)
}

// PeerConnection is one negotiation session with a remote peer
type PeerConnection interface {
	AddTrack(track Track) (Sender, error)
	Senders() []Sender
	CreateOffer(ctx context.Context) (SessionDescription, error)
	CreateAnswer(ctx context.Context) (SessionDescription, error)
	SetLocalDescription(desc SessionDescription) error
	SetRemoteDescription(desc SessionDescription) error
	RemoteDescription() *SessionDescription
	AddICECandidate(candidate ICECandidate) error
	CreateDataChannel(label string, opts DataChannelOptions) (DataChannel, error)
	OnICECandidate(fn func(ICECandidate))
	OnConnectionStateChange(fn func(ConnectionState))
	OnTrack(fn func(RemoteTrack))
	OnDataChannel(fn func(DataChannel))
	ConnectionState() ConnectionState
	GetStats(ctx context.Context) (Stats, error)
	Close() error
}

// Platform is the media platform
type Platform interface {
	GetUserMedia(ctx context.Context, constraints Constraints) (*Stream, error)
	GetDisplayMedia(ctx context.Context) (*Stream, error)
	EnumerateDevices(ctx context.Context) ([]DeviceInfo, error)
	NewPeerConnection() (PeerConnection, error)
}
