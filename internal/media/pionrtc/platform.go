// Package pionrtc implements the media platform on top of pion/webrtc.
// Capture devices are configured sources that push samples into local
// tracks; peer connections are real pion sessions.
package pionrtc

import (
	"context"
	"fmt"
	"slices"

	"github.com/google/uuid"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"secureconnect-callagent/internal/media"
)

// ScreenDeviceID is the device id reported by display capture tracks
const ScreenDeviceID = "screen"

// Config configures the platform
type Config struct {
	ICEServers   []string
	AudioInputs  []string
	VideoInputs  []string
	AudioOutputs []string
	Sources      SourceFactory
	Logger       *zap.Logger
}

// Platform is the pion-backed media platform
type Platform struct {
	api *webrtc.API
	cfg Config
}

// NewPlatform builds the pion API with default codecs and interceptors
func NewPlatform(cfg Config) (*Platform, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, registry); err != nil {
		return nil, fmt.Errorf("failed to register interceptors: %w", err)
	}

	se := webrtc.SettingEngine{LoggerFactory: NewLoggerFactory(cfg.Logger)}

	return &Platform{
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(m),
			webrtc.WithInterceptorRegistry(registry),
			webrtc.WithSettingEngine(se),
		),
		cfg: cfg,
	}, nil
}

// GetUserMedia opens the requested capture devices
func (p *Platform) GetUserMedia(ctx context.Context, c media.Constraints) (*media.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !c.Audio && !c.Video {
		return nil, fmt.Errorf("at least one of audio or video must be requested")
	}

	stream := media.NewStream(uuid.NewString())
	if c.Audio {
		device, err := pick(p.cfg.AudioInputs, c.AudioDeviceID, media.DeviceAudioInput)
		if err != nil {
			return nil, err
		}
		track, err := newLocalTrack(media.KindAudio, device, stream.ID())
		if err != nil {
			return nil, fmt.Errorf("failed to open %s: %w", device, err)
		}
		p.attach(track)
		stream.AddTrack(track)
	}
	if c.Video {
		device, err := pick(p.cfg.VideoInputs, c.VideoDeviceID, media.DeviceVideoInput)
		if err != nil {
			stream.Stop()
			return nil, err
		}
		track, err := newLocalTrack(media.KindVideo, device, stream.ID())
		if err != nil {
			stream.Stop()
			return nil, fmt.Errorf("failed to open %s: %w", device, err)
		}
		p.attach(track)
		stream.AddTrack(track)
	}
	return stream, nil
}

// GetDisplayMedia opens the screen capture source
func (p *Platform) GetDisplayMedia(ctx context.Context) (*media.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	stream := media.NewStream(uuid.NewString())
	track, err := newLocalTrack(media.KindVideo, ScreenDeviceID, stream.ID())
	if err != nil {
		return nil, fmt.Errorf("failed to open display capture: %w", err)
	}
	p.attach(track)
	stream.AddTrack(track)
	return stream, nil
}

// EnumerateDevices lists the configured devices
func (p *Platform) EnumerateDevices(ctx context.Context) ([]media.DeviceInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var devices []media.DeviceInfo
	add := func(ids []string, kind media.DeviceKind) {
		for i, id := range ids {
			devices = append(devices, media.DeviceInfo{
				DeviceID: id,
				Kind:     kind,
				Label:    fmt.Sprintf("%s %d (%s)", kind, i+1, id),
			})
		}
	}
	add(p.cfg.AudioInputs, media.DeviceAudioInput)
	add(p.cfg.VideoInputs, media.DeviceVideoInput)
	add(p.cfg.AudioOutputs, media.DeviceAudioOutput)

	if len(devices) == 0 {
		return nil, fmt.Errorf("no media devices configured")
	}
	return devices, nil
}

// NewPeerConnection creates a pion peer connection with the configured ICE servers
func (p *Platform) NewPeerConnection() (media.PeerConnection, error) {
	cfg := webrtc.Configuration{}
	if len(p.cfg.ICEServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: p.cfg.ICEServers}}
	}

	pc, err := p.api.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}
	return &peerConnection{pc: pc}, nil
}

// attach starts the configured source for track. The source stops with the
// track, and a source that returns on its own ends the track.
func (p *Platform) attach(track *LocalTrack) {
	if p.cfg.Sources == nil {
		return
	}
	src := p.cfg.Sources(track.kind, track.device)
	if src == nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	track.mu.Lock()
	track.cancel = cancel
	track.mu.Unlock()

	go func() {
		defer cancel()
		if err := src.Run(ctx, track); err != nil && ctx.Err() == nil {
			p.cfg.Logger.Warn("Capture source failed",
				zap.String("device_id", track.device),
				zap.String("kind", string(track.kind)),
				zap.Error(err))
		}
		track.End()
	}()
}

func pick(available []string, requested string, kind media.DeviceKind) (string, error) {
	if len(available) == 0 {
		return "", fmt.Errorf("no %s device available", kind)
	}
	if requested == "" {
		return available[0], nil
	}
	if !slices.Contains(available, requested) {
		return "", fmt.Errorf("%s device %q not found", kind, requested)
	}
	return requested, nil
}
