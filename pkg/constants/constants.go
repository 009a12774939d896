// Package constants defines agent-wide constants for timeouts, limits, and wire names.
package constants

import "time"

// Time-related constants
const (
	// DefaultTimeout is the default timeout for control API operations
	DefaultTimeout = 30 * time.Second

	// WebSocketPingInterval is the interval for WebSocket ping/pong
	WebSocketPingInterval = 60 * time.Second

	// WebSocketWriteWait is the time allowed to write a message to the peer
	WebSocketWriteWait = 10 * time.Second

	// WebSocketHandshakeTimeout bounds the signaling dial
	WebSocketHandshakeTimeout = 10 * time.Second

	// GracefulShutdownTimeout is the timeout for graceful server shutdown
	GracefulShutdownTimeout = 30 * time.Second

	// TeardownTimeout bounds the asynchronous cleanup after a call ends
	TeardownTimeout = 10 * time.Second
)

// Call defaults
const (
	// DefaultCallTimeout is how long a call may ring before it is missed
	DefaultCallTimeout = 30 * time.Second

	// DefaultMaxCallDuration is the maximum length of a connected call
	DefaultMaxCallDuration = 120 * time.Minute

	// MaxCallParticipants is the participant cap for one-to-one calls
	MaxCallParticipants = 2

	// CallHistoryLimit is the number of ended calls kept in memory
	CallHistoryLimit = 50
)

// WebRTC constants
const (
	// ControlChannelLabel is the label of the call-control data channel
	ControlChannelLabel = "call-control"

	// ControlChannelLifetime is the max packet lifetime of the call-control channel
	ControlChannelLifetime = 3000 * time.Millisecond

	// MaxPendingICECandidates bounds the early candidate buffer per connection
	MaxPendingICECandidates = 32

	// DefaultSTUNServer is used when no ICE servers are configured
	DefaultSTUNServer = "stun:stun.l.google.com:19302"
)

// Quality monitoring constants
const (
	// QualitySampleInterval is the period of the per-connection stats loop
	QualitySampleInterval = 2 * time.Second
)

// Reconnect constants
const (
	// ReconnectMaxAttempts is the retry budget after a transport blip
	ReconnectMaxAttempts = 5

	// ReconnectInitialBackoff is the delay before the second attempt
	ReconnectInitialBackoff = 500 * time.Millisecond

	// ReconnectMaxBackoff caps the exponential backoff
	ReconnectMaxBackoff = 8 * time.Second
)

// Presence constants
const (
	// PresenceTTL is how long an in-call presence marker lives without refresh
	PresenceTTL = 5 * time.Minute
)

// Event stream constants
const (
	// EventBufferSize is the per-subscriber event buffer
	EventBufferSize = 64
)

// Audit constants
const (
	// AuditLogRetention is how long call audit records are kept
	AuditLogRetention = 30 * 24 * time.Hour

	// AuditLogDays is how many daily audit lists a query scans
	AuditLogDays = 30
)
