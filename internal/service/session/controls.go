package session

import (
	"context"

	"secureconnect-callagent/internal/domain"
	"secureconnect-callagent/internal/events"
	"secureconnect-callagent/internal/service/device"
	"secureconnect-callagent/internal/signaling"
	apperrors "secureconnect-callagent/pkg/errors"
)

func (s *Session) requireActiveLocked() error {
	if s.call == nil {
		return apperrors.InvalidStateError("No active call")
	}
	switch s.state() {
	case StateIdle, StateEnded:
		return apperrors.InvalidStateError("No active call")
	}
	return nil
}

// ToggleAudio mutes or unmutes the microphone and tells the other parties
func (s *Session) ToggleAudio(ctx context.Context, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireActiveLocked(); err != nil {
		return err
	}

	s.devices.ToggleAudio(enabled)
	if p, ok := s.call.Participant(s.userID); ok {
		p.IsMuted = !enabled
	}
	s.publishLocalLocked()

	msg := signaling.ControlMessage{Type: signaling.ControlMute}
	if enabled {
		msg.Type = signaling.ControlUnmute
	}
	return s.registry.BroadcastControl(msg)
}

// ToggleVideo turns the camera on or off and tells the other parties
func (s *Session) ToggleVideo(ctx context.Context, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireActiveLocked(); err != nil {
		return err
	}

	s.devices.ToggleVideo(enabled)
	if p, ok := s.call.Participant(s.userID); ok {
		p.IsVideoEnabled = enabled
	}
	s.publishLocalLocked()

	msg := signaling.ControlMessage{Type: signaling.ControlVideoOff}
	if enabled {
		msg.Type = signaling.ControlVideoOn
	}
	return s.registry.BroadcastControl(msg)
}

// ToggleScreenShare starts or stops sharing and reports the new state
func (s *Session) ToggleScreenShare(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireActiveLocked(); err != nil {
		return false, err
	}

	var err error
	if s.devices.IsScreenSharing() {
		err = s.devices.StopScreenShare(ctx)
	} else {
		err = s.devices.StartScreenShare(ctx)
	}
	sharing := s.devices.IsScreenSharing()
	if p, ok := s.call.Participant(s.userID); ok {
		p.IsScreenSharing = sharing
	}
	s.publishLocalLocked()
	return sharing, err
}

func (s *Session) publishLocalLocked() {
	s.publish(events.Event{
		Type:          events.TypeParticipantUpdated,
		CallID:        s.call.ID,
		ParticipantID: s.userID,
		Payload:       s.participantLocked(s.userID),
	})
}

// ChangeAudioDevice switches the microphone and remembers the choice. A
// switch that reached only some connections is still remembered.
func (s *Session) ChangeAudioDevice(ctx context.Context, deviceID string) error {
	err := s.devices.ChangeAudioInput(ctx, deviceID)
	if err == nil || apperrors.HasCode(err, apperrors.ErrCodeWebRTC) {
		s.settings.SetPreferredAudioDevice(deviceID)
	}
	return err
}

// ChangeVideoDevice switches the camera and remembers the choice
func (s *Session) ChangeVideoDevice(ctx context.Context, deviceID string) error {
	err := s.devices.ChangeVideoInput(ctx, deviceID)
	if err == nil || apperrors.HasCode(err, apperrors.ErrCodeWebRTC) {
		s.settings.SetPreferredVideoDevice(deviceID)
	}
	return err
}

// GetAvailableDevices lists capture and playback devices
func (s *Session) GetAvailableDevices(ctx context.Context) (*device.Devices, error) {
	return s.devices.GetAvailableDevices(ctx)
}

// Settings returns the current call settings
func (s *Session) Settings() domain.CallSettings {
	return s.settings.Get()
}

// UpdateSettings applies a partial settings update
func (s *Session) UpdateSettings(patch domain.CallSettingsPatch) (domain.CallSettings, error) {
	return s.settings.Update(patch)
}
