package quality

import (
	"go.uber.org/zap"

	"secureconnect-callagent/internal/domain"
	"secureconnect-callagent/internal/events"
	"secureconnect-callagent/internal/media"
	"secureconnect-callagent/pkg/logger"
	"secureconnect-callagent/pkg/metrics"
)

// Adjustment is the payload of a quality_adjusted event
type Adjustment struct {
	Quality domain.QualityClass      `json:"quality"`
	Params  media.EncodingParameters `json:"params"`
}

// Controller applies the encoding tier matching a classification
type Controller struct {
	conns Connections
	bus   *events.Bus
}

// NewController creates an adaptive controller
func NewController(conns Connections, bus *events.Bus) *Controller {
	return &Controller{conns: conns, bus: bus}
}

// Adapt applies the tier for class to the participant's video sender.
// Applying the same tier again re-sets the same parameters.
func (c *Controller) Adapt(callID, participantID string, class domain.QualityClass) (media.EncodingParameters, error) {
	params := TierFor(class)
	if err := c.conns.ApplyEncoding(participantID, params); err != nil {
		metrics.AdaptationsTotal.WithLabelValues(string(class), "failure").Inc()
		return params, err
	}
	metrics.AdaptationsTotal.WithLabelValues(string(class), "success").Inc()

	logger.Debug("Video encoding adjusted",
		zap.String("participant_id", participantID),
		zap.String("quality", string(class)),
		zap.Uint64("max_bitrate", params.MaxBitrate))

	c.bus.Publish(events.Event{
		Type:          events.TypeQualityAdjusted,
		CallID:        callID,
		ParticipantID: participantID,
		Payload:       Adjustment{Quality: class, Params: params},
	})
	return params, nil
}
