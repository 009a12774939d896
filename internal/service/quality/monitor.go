package quality

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"secureconnect-callagent/internal/domain"
	"secureconnect-callagent/internal/events"
	"secureconnect-callagent/internal/media"
	"secureconnect-callagent/pkg/constants"
	apperrors "secureconnect-callagent/pkg/errors"
	"secureconnect-callagent/pkg/logger"
	"secureconnect-callagent/pkg/metrics"
)

// Connections is the part of the registry the monitor drives
type Connections interface {
	ApplyEncoding(participantID string, params media.EncodingParameters) error
	SetConnectionQuality(participantID string, quality domain.ConnectionQuality)
}

// Config configures the monitor
type Config struct {
	Interval time.Duration
	// Adaptive enables outgoing encoding adjustment
	Adaptive bool
}

type loop struct {
	source media.StatsSource
	prev   *previous
	cancel context.CancelFunc
}

// Monitor runs one sampling loop per connected participant
type Monitor struct {
	cfg        Config
	conns      Connections
	bus        *events.Bus
	controller *Controller

	mu       sync.Mutex
	loops    map[string]*loop
	callID   string
	onSample func(participantID string, sample domain.NetworkQualitySample)
}

// NewMonitor creates a monitor publishing to bus
func NewMonitor(cfg Config, conns Connections, bus *events.Bus) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = constants.QualitySampleInterval
	}
	return &Monitor{
		cfg:        cfg,
		conns:      conns,
		bus:        bus,
		controller: NewController(conns, bus),
		loops:      make(map[string]*loop),
	}
}

// SetCallID sets the call id attached to published events
func (m *Monitor) SetCallID(callID string) {
	m.mu.Lock()
	m.callID = callID
	m.mu.Unlock()
}

// OnSample registers a callback invoked after every successful sample
func (m *Monitor) OnSample(fn func(participantID string, sample domain.NetworkQualitySample)) {
	m.mu.Lock()
	m.onSample = fn
	m.mu.Unlock()
}

// Start begins sampling a participant. It is a no-op if already running.
func (m *Monitor) Start(participantID string, source media.StatsSource) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.loops[participantID]; ok {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &loop{source: source, cancel: cancel}
	m.loops[participantID] = l
	metrics.QualityMonitorsActive.Inc()

	go m.run(ctx, participantID, l)
	logger.Debug("Quality monitoring started", zap.String("participant_id", participantID))
}

// Stop cancels a participant's loop and discards its previous sample. It
// does not wait for an in-flight sample, which is dropped on completion.
func (m *Monitor) Stop(participantID string) {
	m.mu.Lock()
	l, ok := m.loops[participantID]
	delete(m.loops, participantID)
	m.mu.Unlock()
	if !ok {
		return
	}

	l.cancel()
	metrics.QualityMonitorsActive.Dec()
	logger.Debug("Quality monitoring stopped", zap.String("participant_id", participantID))
}

// StopAll stops every loop
func (m *Monitor) StopAll() {
	for _, id := range m.Participants() {
		m.Stop(id)
	}
}

// Participants returns the ids currently monitored
func (m *Monitor) Participants() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.loops))
	for id := range m.loops {
		ids = append(ids, id)
	}
	return ids
}

func (m *Monitor) run(ctx context.Context, participantID string, l *loop) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.Sample(ctx, participantID); err != nil && ctx.Err() == nil {
				metrics.QualitySampleErrorsTotal.Inc()
				logger.Warn("Quality sample failed",
					zap.String("participant_id", participantID),
					zap.Error(err))
			}
		}
	}
}

// Sample performs one tick for a participant: query stats, classify,
// publish and adapt
func (m *Monitor) Sample(ctx context.Context, participantID string) (domain.NetworkQualitySample, error) {
	m.mu.Lock()
	l, ok := m.loops[participantID]
	m.mu.Unlock()
	if !ok {
		return domain.NetworkQualitySample{}, fmt.Errorf("participant %s is not monitored", participantID)
	}

	stats, err := l.source.GetStats(ctx)
	if err != nil {
		return domain.NetworkQualitySample{}, fmt.Errorf("failed to get stats: %w", err)
	}
	if stats.Timestamp.IsZero() {
		stats.Timestamp = time.Now()
	}

	// the loop may have been stopped while stats were in flight
	m.mu.Lock()
	if m.loops[participantID] != l {
		m.mu.Unlock()
		return domain.NetworkQualitySample{}, fmt.Errorf("participant %s is no longer monitored", participantID)
	}
	sample := computeSample(stats, l.prev)
	l.prev = retain(stats)
	callID, onSample := m.callID, m.onSample
	m.mu.Unlock()

	metrics.QualitySamplesTotal.WithLabelValues(string(sample.Classification)).Inc()
	metrics.QualityPacketLoss.Observe(sample.PacketLoss)
	metrics.QualityLatency.Observe(sample.Latency)
	metrics.QualityJitter.Observe(sample.Jitter)

	m.conns.SetConnectionQuality(participantID, sample.Classification.ParticipantQuality())
	m.publish(callID, participantID, sample)

	if m.cfg.Adaptive {
		if _, err := m.controller.Adapt(callID, participantID, sample.Classification); err != nil {
			logger.Warn("Quality adaptation failed",
				zap.String("participant_id", participantID),
				zap.Error(err))
		}
	}

	if onSample != nil {
		onSample(participantID, sample)
	}
	return sample, nil
}

func (m *Monitor) publish(callID, participantID string, sample domain.NetworkQualitySample) {
	m.bus.Publish(events.Event{
		Type:          events.TypeQualityUpdate,
		CallID:        callID,
		ParticipantID: participantID,
		Payload:       sample,
	})

	var message string
	switch sample.Classification {
	case domain.QualityClassPoor:
		message = "Poor network quality detected"
	case domain.QualityClassFair:
		message = "Network quality is degraded"
	default:
		return
	}
	m.bus.Publish(events.Event{
		Type:          events.TypeQualityWarning,
		CallID:        callID,
		ParticipantID: participantID,
		Error: &events.ErrorInfo{
			Code:    string(apperrors.ErrCodeQualityWarning),
			Message: message,
			Details: sample,
		},
	})
}
