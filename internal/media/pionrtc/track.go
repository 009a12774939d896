package pionrtc

import (
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	pionmedia "github.com/pion/webrtc/v3/pkg/media"

	"secureconnect-callagent/internal/media"
)

// LocalTrack is a sample-fed outgoing track bound to a capture device.
// Frames arrive through WriteSample, either from the SampleSource the
// platform attached or from an external capture pipeline.
type LocalTrack struct {
	sample *webrtc.TrackLocalStaticSample

	kind   media.Kind
	device string

	mu       sync.Mutex
	enabled  bool
	stopped  bool
	encoding media.EncodingParameters
	onEnded  []func()
	cancel   func()
}

func newLocalTrack(kind media.Kind, deviceID, streamID string) (*LocalTrack, error) {
	codec := webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
	if kind == media.KindVideo {
		codec = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
	}

	sample, err := webrtc.NewTrackLocalStaticSample(codec, string(kind)+"-"+uuid.NewString(), streamID)
	if err != nil {
		return nil, err
	}

	return &LocalTrack{
		sample:  sample,
		kind:    kind,
		device:  deviceID,
		enabled: true,
	}, nil
}

func (t *LocalTrack) ID() string       { return t.sample.ID() }
func (t *LocalTrack) Kind() media.Kind { return t.kind }
func (t *LocalTrack) DeviceID() string { return t.device }

func (t *LocalTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *LocalTrack) SetEnabled(enabled bool) {
	t.mu.Lock()
	t.enabled = enabled
	t.mu.Unlock()
}

func (t *LocalTrack) Stop() {
	t.mu.Lock()
	t.stopped = true
	cancel := t.cancel
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (t *LocalTrack) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

func (t *LocalTrack) OnEnded(fn func()) {
	t.mu.Lock()
	t.onEnded = append(t.onEnded, fn)
	t.mu.Unlock()
}

// End is called by the source when capture ends on its own
func (t *LocalTrack) End() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	fns := append([]func(){}, t.onEnded...)
	cancel := t.cancel
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	for _, fn := range fns {
		fn()
	}
}

// WriteSample forwards a frame unless the track is muted or stopped
func (t *LocalTrack) WriteSample(s pionmedia.Sample) error {
	t.mu.Lock()
	skip := !t.enabled || t.stopped
	t.mu.Unlock()
	if skip {
		return nil
	}
	return t.sample.WriteSample(s)
}

// Encoding returns the limits the source must encode within
func (t *LocalTrack) Encoding() media.EncodingParameters {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.encoding
}

func (t *LocalTrack) setEncoding(p media.EncodingParameters) {
	t.mu.Lock()
	t.encoding = p
	t.mu.Unlock()
}

// Local returns the pion track handed to RTP senders
func (t *LocalTrack) Local() webrtc.TrackLocal {
	return t.sample
}
