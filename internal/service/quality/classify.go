// Package quality samples connection statistics, classifies network
// quality and adapts outgoing video encoding to it.
package quality

import (
	"time"

	"secureconnect-callagent/internal/domain"
	"secureconnect-callagent/internal/media"
)

// Classification thresholds. A metric strictly above a limit degrades the tier.
const (
	PoorPacketLoss = 5.0   // percent
	PoorLatency    = 200.0 // ms
	PoorJitter     = 50.0  // ms

	FairPacketLoss = 2.0
	FairLatency    = 100.0
	FairJitter     = 20.0
)

// Classify maps raw metrics to a tier
func Classify(packetLoss, latency, jitter float64) domain.QualityClass {
	switch {
	case packetLoss > PoorPacketLoss || latency > PoorLatency || jitter > PoorJitter:
		return domain.QualityClassPoor
	case packetLoss > FairPacketLoss || latency > FairLatency || jitter > FairJitter:
		return domain.QualityClassFair
	default:
		return domain.QualityClassGood
	}
}

// Encoding parameters per tier
var tiers = map[domain.QualityClass]media.EncodingParameters{
	domain.QualityClassPoor: {ScaleResolutionDownBy: 2, MaxBitrate: 150000, MaxFramerate: 15},
	domain.QualityClassFair: {ScaleResolutionDownBy: 1.5, MaxBitrate: 300000, MaxFramerate: 20},
	domain.QualityClassGood: {ScaleResolutionDownBy: 1, MaxBitrate: 500000, MaxFramerate: 30},
}

// TierFor returns the outgoing video encoding for a tier
func TierFor(class domain.QualityClass) media.EncodingParameters {
	if p, ok := tiers[class]; ok {
		return p
	}
	return tiers[domain.QualityClassGood]
}

// previous is the retained part of the last sample
type previous struct {
	bytesReceived uint64
	at            time.Time
}

// computeSample derives a sample from a stats report and the previous
// sample of the same connection, which may be nil
func computeSample(stats media.Stats, prev *previous) domain.NetworkQualitySample {
	sample := domain.NetworkQualitySample{Timestamp: stats.Timestamp}

	if in := stats.InboundVideo; in != nil {
		lost := float64(in.PacketsLost)
		if lost < 0 {
			lost = 0
		}
		if total := lost + float64(in.PacketsReceived); total > 0 {
			sample.PacketLoss = lost / total * 100
		}
		sample.Jitter = float64(in.JitterBufferDelay) / float64(time.Millisecond)

		if prev != nil && in.BytesReceived >= prev.bytesReceived {
			if elapsed := stats.Timestamp.Sub(prev.at).Seconds(); elapsed > 0 {
				sample.Bitrate = float64(in.BytesReceived-prev.bytesReceived) * 8 / elapsed
			}
		}
	}
	sample.Latency = float64(stats.RoundTripTime) / float64(time.Millisecond)
	sample.Classification = Classify(sample.PacketLoss, sample.Latency, sample.Jitter)
	return sample
}

func retain(stats media.Stats) *previous {
	p := &previous{at: stats.Timestamp}
	if stats.InboundVideo != nil {
		p.bytesReceived = stats.InboundVideo.BytesReceived
	}
	return p
}
