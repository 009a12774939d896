// Package registry owns one peer connection per remote participant and the
// offer/answer/ICE negotiation and call-control data channel on it.
package registry

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"secureconnect-callagent/internal/domain"
	"secureconnect-callagent/internal/media"
	"secureconnect-callagent/internal/signaling"
	"secureconnect-callagent/pkg/constants"
	apperrors "secureconnect-callagent/pkg/errors"
	"secureconnect-callagent/pkg/logger"
	"secureconnect-callagent/pkg/metrics"
)

// Config tunes negotiation behaviour
type Config struct {
	// BufferEarlyCandidates queues candidates that arrive before the remote
	// description instead of rejecting them
	BufferEarlyCandidates bool
	MaxPendingCandidates  int
	DataChannelLifetime   time.Duration
}

// TrackSource provides the local tracks a new connection is seeded with
type TrackSource interface {
	LocalTracks() []media.Track
}

// Monitor samples a connected peer
type Monitor interface {
	Start(participantID string, source media.StatsSource)
	Stop(participantID string)
}

// Hooks are invoked without registry locks held
type Hooks struct {
	OnLocalCandidate func(participantID string, candidate media.ICECandidate)
	OnStateChange    func(participantID string, state media.ConnectionState)
	OnRemoteTrack    func(participantID string, track media.RemoteTrack)
	OnControlMessage func(participantID string, msg signaling.ControlMessage)
}

// Info is a read-only view of an entry
type Info struct {
	ParticipantID   string                   `json:"participantId"`
	Initiator       bool                     `json:"initiator"`
	State           media.ConnectionState    `json:"state"`
	Connected       bool                     `json:"connected"`
	Quality         domain.ConnectionQuality `json:"quality"`
	DataChannelOpen bool                     `json:"dataChannelOpen"`
	LastActivity    time.Time                `json:"lastActivity"`
	RetryCount      int                      `json:"retryCount"`
}

type entry struct {
	participantID string
	initiator     bool
	pc            media.PeerConnection

	// negotiate serialises offer/answer/candidate steps on this entry
	negotiate sync.Mutex
	seen      map[string]struct{}
	pending   []media.ICECandidate

	mu           sync.Mutex
	dc           media.DataChannel
	state        media.ConnectionState
	quality      domain.ConnectionQuality
	sampled      bool
	lastActivity time.Time
	retryCount   int
}

func (e *entry) touch(now time.Time) {
	e.mu.Lock()
	e.lastActivity = now
	e.mu.Unlock()
}

// Registry holds the peer connections of the current call
type Registry struct {
	cfg      Config
	platform media.Platform
	now      func() time.Time

	mu      sync.RWMutex
	entries map[string]*entry
	tracks  TrackSource
	monitor Monitor
	hooks   Hooks
}

// New creates an empty registry
func New(platform media.Platform, cfg Config) *Registry {
	if cfg.MaxPendingCandidates <= 0 {
		cfg.MaxPendingCandidates = constants.MaxPendingICECandidates
	}
	if cfg.DataChannelLifetime <= 0 {
		cfg.DataChannelLifetime = constants.ControlChannelLifetime
	}
	return &Registry{
		cfg:      cfg,
		platform: platform,
		now:      time.Now,
		entries:  make(map[string]*entry),
	}
}

// SetTrackSource sets where new connections take their local tracks from
func (r *Registry) SetTrackSource(src TrackSource) {
	r.mu.Lock()
	r.tracks = src
	r.mu.Unlock()
}

// SetMonitor sets the quality monitor started on connect
func (r *Registry) SetMonitor(m Monitor) {
	r.mu.Lock()
	r.monitor = m
	r.mu.Unlock()
}

// SetHooks replaces the event hooks
func (r *Registry) SetHooks(h Hooks) {
	r.mu.Lock()
	r.hooks = h
	r.mu.Unlock()
}

func (r *Registry) snapshot() (TrackSource, Monitor, Hooks) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tracks, r.monitor, r.hooks
}

// CreateConnection allocates a peer connection for the participant. An
// existing entry with the same id is closed first.
func (r *Registry) CreateConnection(ctx context.Context, participantID string, initiator bool) error {
	if old := r.remove(participantID); old != nil {
		logger.Info("Replacing existing peer connection", zap.String("participant_id", participantID))
		r.closeEntry(old)
	}

	pc, err := r.platform.NewPeerConnection()
	if err != nil {
		return apperrors.WebRTCError("Failed to create peer connection", err)
	}

	tracks, _, _ := r.snapshot()
	if tracks != nil {
		for _, t := range tracks.LocalTracks() {
			if _, err := pc.AddTrack(t); err != nil {
				pc.Close()
				return apperrors.WebRTCError("Failed to add local track", err)
			}
		}
	}

	e := &entry{
		participantID: participantID,
		initiator:     initiator,
		pc:            pc,
		seen:          make(map[string]struct{}),
		state:         media.StateNew,
		quality:       domain.QualityDisconnected,
		lastActivity:  r.now(),
	}
	r.bind(e)

	r.mu.Lock()
	r.entries[participantID] = e
	r.mu.Unlock()
	metrics.PeerConnectionsActive.Inc()

	if initiator {
		dc, err := pc.CreateDataChannel(constants.ControlChannelLabel, media.DataChannelOptions{
			Ordered:           true,
			MaxPacketLifeTime: r.cfg.DataChannelLifetime,
		})
		if err != nil {
			r.CloseConnection(participantID)
			return apperrors.WebRTCError("Failed to create control channel", err)
		}
		r.attachChannel(e, dc)
	}

	logger.Debug("Peer connection created",
		zap.String("participant_id", participantID),
		zap.Bool("initiator", initiator))
	return nil
}

// bind registers the platform callbacks of an entry
func (r *Registry) bind(e *entry) {
	id := e.participantID

	e.pc.OnICECandidate(func(c media.ICECandidate) {
		if !r.current(e) {
			return
		}
		if _, _, hooks := r.snapshot(); hooks.OnLocalCandidate != nil {
			hooks.OnLocalCandidate(id, c)
		}
	})

	e.pc.OnConnectionStateChange(func(state media.ConnectionState) {
		if !r.current(e) {
			return
		}
		r.handleState(e, state)
	})

	e.pc.OnTrack(func(t media.RemoteTrack) {
		if !r.current(e) {
			return
		}
		e.touch(r.now())
		if _, _, hooks := r.snapshot(); hooks.OnRemoteTrack != nil {
			hooks.OnRemoteTrack(id, t)
		}
	})

	e.pc.OnDataChannel(func(dc media.DataChannel) {
		if !r.current(e) || dc.Label() != constants.ControlChannelLabel {
			return
		}
		r.attachChannel(e, dc)
	})
}

func (r *Registry) current(e *entry) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[e.participantID] == e
}

func (r *Registry) handleState(e *entry, state media.ConnectionState) {
	metrics.PeerConnectionStatesTotal.WithLabelValues(string(state)).Inc()

	e.mu.Lock()
	e.state = state
	e.lastActivity = r.now()
	if state == media.StateDisconnected || state == media.StateFailed {
		e.retryCount++
	}
	if !e.sampled || state != media.StateConnected {
		e.quality = coarseQuality(state)
		e.sampled = false
	}
	e.mu.Unlock()

	logger.Info("Peer connection state changed",
		zap.String("participant_id", e.participantID),
		zap.String("state", string(state)))

	_, monitor, hooks := r.snapshot()
	if monitor != nil {
		switch state {
		case media.StateConnected:
			monitor.Start(e.participantID, e.pc)
		case media.StateFailed, media.StateClosed:
			monitor.Stop(e.participantID)
		}
	}
	if hooks.OnStateChange != nil {
		hooks.OnStateChange(e.participantID, state)
	}
}

func coarseQuality(state media.ConnectionState) domain.ConnectionQuality {
	switch state {
	case media.StateConnected:
		return domain.QualityExcellent
	case media.StateConnecting:
		return domain.QualityGood
	default:
		return domain.QualityDisconnected
	}
}

func (r *Registry) attachChannel(e *entry, dc media.DataChannel) {
	e.mu.Lock()
	e.dc = dc
	e.mu.Unlock()

	dc.OnOpen(func() {
		logger.Debug("Control channel open", zap.String("participant_id", e.participantID))
	})
	dc.OnMessage(func(data []byte) {
		e.touch(r.now())
		msg, err := signaling.DecodeControl(data)
		if err != nil || !msg.Valid() {
			logger.Warn("Dropping invalid control message",
				zap.String("participant_id", e.participantID),
				zap.ByteString("data", data))
			return
		}
		if _, _, hooks := r.snapshot(); hooks.OnControlMessage != nil {
			hooks.OnControlMessage(e.participantID, msg)
		}
	})
}

func (r *Registry) get(participantID string) (*entry, error) {
	r.mu.RLock()
	e, ok := r.entries[participantID]
	r.mu.RUnlock()
	if !ok {
		return nil, apperrors.ConnectionFailedError("No peer connection for participant " + participantID)
	}
	return e, nil
}

// CreateOffer produces and applies a local offer
func (r *Registry) CreateOffer(ctx context.Context, participantID string) (media.SessionDescription, error) {
	e, err := r.get(participantID)
	if err != nil {
		return media.SessionDescription{}, err
	}
	e.negotiate.Lock()
	defer e.negotiate.Unlock()

	offer, err := e.pc.CreateOffer(ctx)
	if err != nil {
		return media.SessionDescription{}, apperrors.WebRTCError("Failed to create offer", err)
	}
	if err := e.pc.SetLocalDescription(offer); err != nil {
		return media.SessionDescription{}, apperrors.WebRTCError("Failed to set local offer", err)
	}
	e.touch(r.now())
	return offer, nil
}

// CreateAnswer applies the remote offer and produces a local answer
func (r *Registry) CreateAnswer(ctx context.Context, participantID string, offer media.SessionDescription) (media.SessionDescription, error) {
	e, err := r.get(participantID)
	if err != nil {
		return media.SessionDescription{}, err
	}
	e.negotiate.Lock()
	defer e.negotiate.Unlock()

	if err := e.pc.SetRemoteDescription(offer); err != nil {
		return media.SessionDescription{}, apperrors.WebRTCError("Failed to set remote offer", err)
	}
	r.flushPending(e)

	answer, err := e.pc.CreateAnswer(ctx)
	if err != nil {
		return media.SessionDescription{}, apperrors.WebRTCError("Failed to create answer", err)
	}
	if err := e.pc.SetLocalDescription(answer); err != nil {
		return media.SessionDescription{}, apperrors.WebRTCError("Failed to set local answer", err)
	}
	e.touch(r.now())
	return answer, nil
}

// HandleAnswer applies the remote answer to an offer we sent
func (r *Registry) HandleAnswer(ctx context.Context, participantID string, answer media.SessionDescription) error {
	e, err := r.get(participantID)
	if err != nil {
		return err
	}
	e.negotiate.Lock()
	defer e.negotiate.Unlock()

	if err := e.pc.SetRemoteDescription(answer); err != nil {
		return apperrors.WebRTCError("Failed to set remote answer", err)
	}
	r.flushPending(e)
	e.touch(r.now())
	return nil
}

// HandleICECandidate applies a remote candidate. Duplicates and the
// end-of-candidates marker are no-ops.
func (r *Registry) HandleICECandidate(ctx context.Context, participantID string, candidate media.ICECandidate) error {
	e, err := r.get(participantID)
	if err != nil {
		metrics.ICECandidatesTotal.WithLabelValues("rejected").Inc()
		return err
	}
	if candidate.Candidate == "" {
		return nil
	}

	e.negotiate.Lock()
	defer e.negotiate.Unlock()

	key := candidate.Key()
	if _, dup := e.seen[key]; dup {
		metrics.ICECandidatesTotal.WithLabelValues("duplicate").Inc()
		return nil
	}

	if e.pc.RemoteDescription() == nil {
		if !r.cfg.BufferEarlyCandidates {
			metrics.ICECandidatesTotal.WithLabelValues("rejected").Inc()
			return apperrors.ConnectionFailedError("Remote description not set for participant " + participantID)
		}
		if len(e.pending) >= r.cfg.MaxPendingCandidates {
			metrics.ICECandidatesTotal.WithLabelValues("rejected").Inc()
			return apperrors.WebRTCError("Too many early ICE candidates", nil).
				WithDetails(map[string]any{"participantId": participantID, "limit": r.cfg.MaxPendingCandidates})
		}
		e.pending = append(e.pending, candidate)
		e.seen[key] = struct{}{}
		metrics.ICECandidatesTotal.WithLabelValues("buffered").Inc()
		return nil
	}

	if err := e.pc.AddICECandidate(candidate); err != nil {
		metrics.ICECandidatesTotal.WithLabelValues("rejected").Inc()
		return apperrors.WebRTCError("Failed to add ICE candidate", err)
	}
	e.seen[key] = struct{}{}
	e.touch(r.now())
	metrics.ICECandidatesTotal.WithLabelValues("applied").Inc()
	return nil
}

// flushPending replays buffered candidates in arrival order. Caller holds negotiate.
func (r *Registry) flushPending(e *entry) {
	pending := e.pending
	e.pending = nil
	for _, c := range pending {
		if err := e.pc.AddICECandidate(c); err != nil {
			delete(e.seen, c.Key())
			metrics.ICECandidatesTotal.WithLabelValues("rejected").Inc()
			logger.Warn("Failed to apply buffered ICE candidate",
				zap.String("participant_id", e.participantID),
				zap.Error(err))
			continue
		}
		metrics.ICECandidatesTotal.WithLabelValues("applied").Inc()
	}
}

// SendControl sends a control message on the participant's data channel.
// A channel that is missing or not yet open is skipped.
func (r *Registry) SendControl(participantID string, msg signaling.ControlMessage) error {
	e, err := r.get(participantID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	dc := e.dc
	e.mu.Unlock()
	if dc == nil || !dc.IsOpen() {
		return nil
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := dc.SendText(string(data)); err != nil {
		return apperrors.WebRTCError("Failed to send control message", err)
	}
	return nil
}

// BroadcastControl sends a control message to every participant
func (r *Registry) BroadcastControl(msg signaling.ControlMessage) error {
	failed := make(map[string]string)
	for _, id := range r.ParticipantIDs() {
		if err := r.SendControl(id, msg); err != nil {
			failed[id] = err.Error()
		}
	}
	return fanoutError("Failed to send control message to some participants", failed)
}

// ReplaceTrack swaps the outgoing track of a kind on every connection. All
// connections are attempted; failures are reported together. Connections
// negotiated without that kind are skipped, and when none of them carries
// it the call fails with INVALID_STATE.
func (r *Registry) ReplaceTrack(kind media.Kind, track media.Track) error {
	failed := make(map[string]string)
	ids := r.ParticipantIDs()
	replaced := 0
	for _, id := range ids {
		e, err := r.get(id)
		if err != nil {
			continue
		}
		sender := senderOf(e.pc, kind)
		if sender == nil {
			logger.Debug("No outgoing track of this kind",
				zap.String("participant_id", id),
				zap.String("kind", string(kind)))
			continue
		}
		replaced++
		if err := sender.ReplaceTrack(track); err != nil {
			metrics.TrackReplacementsTotal.WithLabelValues(string(kind), "failure").Inc()
			logger.Warn("Failed to replace track",
				zap.String("participant_id", id),
				zap.String("kind", string(kind)),
				zap.Error(err))
			failed[id] = err.Error()
			continue
		}
		metrics.TrackReplacementsTotal.WithLabelValues(string(kind), "success").Inc()
	}
	if len(ids) > 0 && replaced == 0 {
		return apperrors.InvalidStateError("No connection sends " + string(kind))
	}
	return fanoutError("Failed to replace track on some connections", failed)
}

func fanoutError(message string, failed map[string]string) error {
	if len(failed) == 0 {
		return nil
	}
	return apperrors.WebRTCError(message, nil).WithDetails(failed)
}

func senderOf(pc media.PeerConnection, kind media.Kind) media.Sender {
	for _, s := range pc.Senders() {
		if t := s.Track(); t != nil && t.Kind() == kind {
			return s
		}
	}
	return nil
}

// ApplyEncoding sets the outgoing video encoding limits of a connection.
// Connections without a video sender are left alone.
func (r *Registry) ApplyEncoding(participantID string, params media.EncodingParameters) error {
	e, err := r.get(participantID)
	if err != nil {
		return err
	}
	sender := senderOf(e.pc, media.KindVideo)
	if sender == nil {
		return nil
	}
	if err := sender.SetParameters(params); err != nil {
		return apperrors.WebRTCError("Failed to set encoding parameters", err)
	}
	return nil
}

// SetConnectionQuality records a sampled classification, superseding the
// state-derived one until the connection state changes again
func (r *Registry) SetConnectionQuality(participantID string, quality domain.ConnectionQuality) {
	e, err := r.get(participantID)
	if err != nil {
		return
	}
	e.mu.Lock()
	e.quality = quality
	e.sampled = true
	e.mu.Unlock()
}

// Stats returns the current statistics report of a connection
func (r *Registry) Stats(ctx context.Context, participantID string) (media.Stats, error) {
	e, err := r.get(participantID)
	if err != nil {
		return media.Stats{}, err
	}
	stats, err := e.pc.GetStats(ctx)
	if err != nil {
		return media.Stats{}, apperrors.WebRTCError("Failed to get connection stats", err)
	}
	return stats, nil
}

// Info returns a view of one entry
func (r *Registry) Info(participantID string) (Info, bool) {
	e, err := r.get(participantID)
	if err != nil {
		return Info{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return Info{
		ParticipantID:   e.participantID,
		Initiator:       e.initiator,
		State:           e.state,
		Connected:       e.state == media.StateConnected,
		Quality:         e.quality,
		DataChannelOpen: e.dc != nil && e.dc.IsOpen(),
		LastActivity:    e.lastActivity,
		RetryCount:      e.retryCount,
	}, true
}

// Has reports whether the participant has an entry
func (r *Registry) Has(participantID string) bool {
	_, err := r.get(participantID)
	return err == nil
}

// ParticipantIDs returns the ids of every entry in sorted order
func (r *Registry) ParticipantIDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// CloseConnection closes and removes one entry
func (r *Registry) CloseConnection(participantID string) {
	if e := r.remove(participantID); e != nil {
		r.closeEntry(e)
	}
}

// CloseAll closes and removes every entry
func (r *Registry) CloseAll() {
	r.mu.Lock()
	entries := r.entries
	r.entries = make(map[string]*entry)
	r.mu.Unlock()

	for _, e := range entries {
		r.closeEntry(e)
	}
}

func (r *Registry) remove(participantID string) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[participantID]
	if !ok {
		return nil
	}
	delete(r.entries, participantID)
	return e
}

func (r *Registry) closeEntry(e *entry) {
	_, monitor, _ := r.snapshot()
	if monitor != nil {
		monitor.Stop(e.participantID)
	}

	e.mu.Lock()
	dc := e.dc
	e.dc = nil
	e.mu.Unlock()
	if dc != nil {
		if err := dc.Close(); err != nil {
			logger.Debug("Control channel close failed", zap.Error(err))
		}
	}
	if err := e.pc.Close(); err != nil {
		logger.Warn("Peer connection close failed",
			zap.String("participant_id", e.participantID),
			zap.Error(err))
	}
	metrics.PeerConnectionsActive.Dec()
}
