package pionrtc

import (
	"context"
	"time"

	pionmedia "github.com/pion/webrtc/v3/pkg/media"

	"secureconnect-callagent/internal/media"
)

// SampleSource feeds one capture device into a local track. Run blocks until
// ctx is cancelled or the device stops producing; the track ends when Run
// returns unless it was already stopped.
type SampleSource interface {
	Run(ctx context.Context, track *LocalTrack) error
}

// SourceFunc adapts a function to SampleSource
type SourceFunc func(ctx context.Context, track *LocalTrack) error

func (f SourceFunc) Run(ctx context.Context, track *LocalTrack) error { return f(ctx, track) }

// SourceFactory returns the source for a device, or nil when frames are
// pushed into the track by the caller
type SourceFactory func(kind media.Kind, deviceID string) SampleSource

// opusSilence is one 20ms Opus frame of comfort silence
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// SilenceSources keeps audio tracks flowing with Opus silence frames and
// leaves video tracks to an external capture pipeline
func SilenceSources(kind media.Kind, deviceID string) SampleSource {
	if kind != media.KindAudio {
		return nil
	}
	return NewFrameSource(opusSilence, 20*time.Millisecond)
}

// NewFrameSource writes the same frame every interval
func NewFrameSource(frame []byte, interval time.Duration) SampleSource {
	return SourceFunc(func(ctx context.Context, track *LocalTrack) error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if err := track.WriteSample(pionmedia.Sample{Data: frame, Duration: interval}); err != nil {
					return err
				}
			}
		}
	})
}
