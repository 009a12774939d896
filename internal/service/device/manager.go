// Package device manages local capture: the active stream, device
// hot-swap and screen sharing.
package device

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"secureconnect-callagent/internal/domain"
	"secureconnect-callagent/internal/events"
	"secureconnect-callagent/internal/media"
	apperrors "secureconnect-callagent/pkg/errors"
	"secureconnect-callagent/pkg/logger"
	"secureconnect-callagent/pkg/metrics"
)

// Connections receives outgoing track replacements
type Connections interface {
	ReplaceTrack(kind media.Kind, track media.Track) error
	CloseAll()
}

// Settings provides the current call settings
type Settings interface {
	Get() domain.CallSettings
}

// Devices is the enumerated device list grouped by kind
type Devices struct {
	AudioInputs  []media.DeviceInfo `json:"audioInputs"`
	VideoInputs  []media.DeviceInfo `json:"videoInputs"`
	AudioOutputs []media.DeviceInfo `json:"audioOutputs"`
}

// Manager owns the local track set
type Manager struct {
	platform media.Platform
	conns    Connections
	settings Settings
	bus      *events.Bus

	mu     sync.Mutex
	local  *media.Stream
	camera media.Track
	screen media.Track

	onShareEnded func()
}

// NewManager creates a manager with no active media
func NewManager(platform media.Platform, conns Connections, settings Settings, bus *events.Bus) *Manager {
	return &Manager{
		platform: platform,
		conns:    conns,
		settings: settings,
		bus:      bus,
	}
}

// OnScreenShareEnded registers a callback for shares ended by the platform
func (m *Manager) OnScreenShareEnded(fn func()) {
	m.mu.Lock()
	m.onShareEnded = fn
	m.mu.Unlock()
}

// InitializeMediaStream acquires local media, replacing any active stream
func (m *Manager) InitializeMediaStream(ctx context.Context, constraints media.Constraints) (*media.Stream, error) {
	stream, err := m.platform.GetUserMedia(ctx, constraints)
	if err != nil {
		return nil, apperrors.PermissionDeniedError("Failed to access camera or microphone", err)
	}

	m.mu.Lock()
	old := m.local
	m.local = stream
	m.mu.Unlock()
	if old != nil {
		old.Stop()
	}

	logger.Info("Local media acquired",
		zap.Bool("audio", constraints.Audio),
		zap.Bool("video", constraints.Video),
		zap.Int("tracks", len(stream.Tracks())))
	return stream, nil
}

// LocalStream returns the active stream, or nil
func (m *Manager) LocalStream() *media.Stream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.local
}

// LocalTracks returns the tracks new connections are seeded with
func (m *Manager) LocalTracks() []media.Track {
	m.mu.Lock()
	local := m.local
	m.mu.Unlock()
	if local == nil {
		return nil
	}
	return local.Tracks()
}

// GetAvailableDevices enumerates capture and playback devices
func (m *Manager) GetAvailableDevices(ctx context.Context) (*Devices, error) {
	all, err := m.platform.EnumerateDevices(ctx)
	if err != nil {
		return nil, apperrors.DeviceNotFoundError("Failed to enumerate media devices", err)
	}

	devices := &Devices{
		AudioInputs:  []media.DeviceInfo{},
		VideoInputs:  []media.DeviceInfo{},
		AudioOutputs: []media.DeviceInfo{},
	}
	for _, d := range all {
		switch d.Kind {
		case media.DeviceAudioInput:
			devices.AudioInputs = append(devices.AudioInputs, d)
		case media.DeviceVideoInput:
			devices.VideoInputs = append(devices.VideoInputs, d)
		case media.DeviceAudioOutput:
			devices.AudioOutputs = append(devices.AudioOutputs, d)
		}
	}
	return devices, nil
}

// ChangeAudioInput switches the microphone
func (m *Manager) ChangeAudioInput(ctx context.Context, deviceID string) error {
	return m.changeInput(ctx, media.KindAudio, deviceID)
}

// ChangeVideoInput switches the camera
func (m *Manager) ChangeVideoInput(ctx context.Context, deviceID string) error {
	return m.changeInput(ctx, media.KindVideo, deviceID)
}

// changeInput acquires a track on the device, swaps it into the local
// stream and replaces the outgoing track on every connection. Without an
// active stream, or when the stream carries no track of that kind, it only
// checks that the device exists.
func (m *Manager) changeInput(ctx context.Context, kind media.Kind, deviceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.local == nil {
		return m.checkDevice(ctx, kind, deviceID)
	}
	if _, ok := m.local.First(kind); !ok && !(kind == media.KindVideo && m.screen != nil) {
		return m.checkDevice(ctx, kind, deviceID)
	}

	constraints := media.Constraints{Audio: kind == media.KindAudio, Video: kind == media.KindVideo}
	if kind == media.KindAudio {
		constraints.AudioDeviceID = deviceID
	} else {
		constraints.VideoDeviceID = deviceID
	}
	stream, err := m.platform.GetUserMedia(ctx, constraints)
	if err != nil {
		metrics.DeviceSwitchesTotal.WithLabelValues(string(kind), "failure").Inc()
		return apperrors.DeviceNotFoundError("Failed to switch to device "+deviceID, err)
	}
	next, ok := stream.First(kind)
	if !ok {
		stream.Stop()
		metrics.DeviceSwitchesTotal.WithLabelValues(string(kind), "failure").Inc()
		return apperrors.DeviceNotFoundError("Device "+deviceID+" produced no track", nil)
	}

	// while sharing the screen the camera is parked off the outgoing path
	if kind == media.KindVideo && m.screen != nil {
		if m.camera != nil {
			next.SetEnabled(m.camera.Enabled())
			m.camera.Stop()
		}
		m.camera = next
		metrics.DeviceSwitchesTotal.WithLabelValues(string(kind), "success").Inc()
		m.publishDevicesChanged(kind, deviceID)
		return nil
	}

	if old, ok := m.local.First(kind); ok {
		next.SetEnabled(old.Enabled())
		old.Stop()
		m.local.RemoveTrack(old.ID())
	}
	m.local.AddTrack(next)

	err = m.conns.ReplaceTrack(kind, next)
	if err != nil {
		metrics.DeviceSwitchesTotal.WithLabelValues(string(kind), "partial").Inc()
	} else {
		metrics.DeviceSwitchesTotal.WithLabelValues(string(kind), "success").Inc()
	}
	m.publishDevicesChanged(kind, deviceID)
	logger.Info("Input device switched",
		zap.String("kind", string(kind)),
		zap.String("device_id", deviceID))
	return err
}

func (m *Manager) checkDevice(ctx context.Context, kind media.Kind, deviceID string) error {
	all, err := m.platform.EnumerateDevices(ctx)
	if err != nil {
		return apperrors.DeviceNotFoundError("Failed to enumerate media devices", err)
	}
	want := media.DeviceAudioInput
	if kind == media.KindVideo {
		want = media.DeviceVideoInput
	}
	for _, d := range all {
		if d.Kind == want && d.DeviceID == deviceID {
			return nil
		}
	}
	return apperrors.DeviceNotFoundError("Device "+deviceID+" not found", nil)
}

func (m *Manager) publishDevicesChanged(kind media.Kind, deviceID string) {
	m.bus.Publish(events.Event{
		Type:    events.TypeDevicesChanged,
		Payload: map[string]string{"kind": string(kind), "deviceId": deviceID},
	})
}

// ToggleAudio enables or disables the local audio tracks
func (m *Manager) ToggleAudio(enabled bool) bool {
	return m.toggle(media.KindAudio, enabled)
}

// ToggleVideo enables or disables the local video tracks
func (m *Manager) ToggleVideo(enabled bool) bool {
	return m.toggle(media.KindVideo, enabled)
}

// toggle reports whether any track of the kind was found
func (m *Manager) toggle(kind media.Kind, enabled bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.local == nil {
		return false
	}
	tracks := m.local.TracksOf(kind)
	for _, t := range tracks {
		t.SetEnabled(enabled)
	}
	if kind == media.KindVideo && m.camera != nil {
		m.camera.SetEnabled(enabled)
	}
	return len(tracks) > 0
}

// IsScreenSharing reports whether a display track is being sent
func (m *Manager) IsScreenSharing() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.screen != nil
}

// StartScreenShare replaces the outgoing video with a display capture
func (m *Manager) StartScreenShare(ctx context.Context) error {
	if !m.settings.Get().EnableScreenShare {
		return apperrors.PermissionDeniedError("Screen sharing is disabled", nil)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.screen != nil {
		return nil
	}
	if m.local != nil {
		if _, ok := m.local.First(media.KindVideo); !ok {
			return apperrors.InvalidStateError("Screen sharing requires a video call")
		}
	}

	stream, err := m.platform.GetDisplayMedia(ctx)
	if err != nil {
		metrics.DeviceSwitchesTotal.WithLabelValues("screen", "failure").Inc()
		return apperrors.PermissionDeniedError("Failed to capture the screen", err)
	}
	screen, ok := stream.First(media.KindVideo)
	if !ok {
		return apperrors.PermissionDeniedError("Screen capture produced no video", nil)
	}

	if m.local == nil {
		m.local = media.NewStream(stream.ID())
	}
	if cam, ok := m.local.First(media.KindVideo); ok {
		m.camera = cam
		m.local.RemoveTrack(cam.ID())
	}
	m.local.AddTrack(screen)
	m.screen = screen

	screen.OnEnded(func() {
		m.mu.Lock()
		current := m.screen == screen
		m.mu.Unlock()
		if !current {
			return
		}
		logger.Info("Screen share ended by the platform")
		if err := m.StopScreenShare(context.Background()); err != nil {
			logger.Warn("Failed to restore camera after screen share", zap.Error(err))
		}
		m.mu.Lock()
		fn := m.onShareEnded
		m.mu.Unlock()
		if fn != nil {
			fn()
		}
	})

	err = m.conns.ReplaceTrack(media.KindVideo, screen)
	metrics.DeviceSwitchesTotal.WithLabelValues("screen", resultOf(err)).Inc()
	m.bus.Publish(events.Event{Type: events.TypeScreenShareStarted})
	return err
}

// StopScreenShare restores the camera on every connection
func (m *Manager) StopScreenShare(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.screen == nil {
		return nil
	}

	m.screen.Stop()
	m.local.RemoveTrack(m.screen.ID())
	m.screen = nil

	var err error
	if m.camera != nil {
		m.local.AddTrack(m.camera)
		err = m.conns.ReplaceTrack(media.KindVideo, m.camera)
		m.camera = nil
	}
	metrics.DeviceSwitchesTotal.WithLabelValues("camera", resultOf(err)).Inc()
	m.bus.Publish(events.Event{Type: events.TypeScreenShareEnded})
	return err
}

func resultOf(err error) string {
	if err != nil {
		return "partial"
	}
	return "success"
}

// Cleanup closes every connection and releases all local media. It is safe
// to call repeatedly.
func (m *Manager) Cleanup() {
	m.conns.CloseAll()

	m.mu.Lock()
	local, camera, screen := m.local, m.camera, m.screen
	m.local, m.camera, m.screen = nil, nil, nil
	m.mu.Unlock()

	if local != nil {
		local.Stop()
	}
	if camera != nil {
		camera.Stop()
	}
	if screen != nil {
		screen.Stop()
	}
}
