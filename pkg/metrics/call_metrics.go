package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Call session metrics for monitoring lifecycle, signaling and media
var (
	// Lifecycle metrics
	CallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "callagent_calls_total",
		Help: "Total number of calls by direction and outcome",
	}, []string{"type", "direction", "outcome"}) // outcome: completed, cancelled, declined, missed, failed

	CallsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "callagent_calls_active",
		Help: "Whether a call is currently in progress (0 or 1)",
	})

	CallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "callagent_call_duration_seconds",
		Help:    "Connected call duration in seconds",
		Buckets: []float64{10, 30, 60, 120, 300, 600, 1800, 3600},
	}, []string{"type"})

	CallFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "callagent_call_failures_total",
		Help: "Total number of failed call operations by error code",
	}, []string{"operation", "code"})

	SessionTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "callagent_session_transitions_total",
		Help: "Total number of session state transitions",
	}, []string{"from", "to"})

	// Reconnect metrics
	ReconnectAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "callagent_reconnect_attempts_total",
		Help: "Total number of call reconnect attempts",
	}, []string{"result"}) // success, failure, exhausted

	// Signaling metrics
	SignalingMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "callagent_signaling_messages_total",
		Help: "Total number of signaling messages",
	}, []string{"type", "direction"})

	SignalingRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "callagent_signaling_rejected_total",
		Help: "Total number of malformed inbound signaling messages",
	}, []string{"code"})

	SignalingConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "callagent_signaling_connected",
		Help: "Whether the signaling transport is connected (0 or 1)",
	})

	SignalingReconnectsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "callagent_signaling_reconnects_total",
		Help: "Total number of signaling transport reconnections",
	})

	// Peer connection metrics
	PeerConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "callagent_peer_connections_active",
		Help: "Current number of registry entries",
	})

	PeerConnectionStatesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "callagent_peer_connection_states_total",
		Help: "Total number of peer connection state changes",
	}, []string{"state"})

	ICECandidatesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "callagent_ice_candidates_total",
		Help: "Total number of remote ICE candidates by outcome",
	}, []string{"outcome"}) // applied, duplicate, buffered, rejected

	// Device metrics
	DeviceSwitchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "callagent_device_switches_total",
		Help: "Total number of device switches and screen share changes",
	}, []string{"kind", "result"})

	TrackReplacementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "callagent_track_replacements_total",
		Help: "Total number of outgoing track replacements per connection",
	}, []string{"kind", "result"})
)
