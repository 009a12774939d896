// Package settings holds the user's call preferences for the lifetime of the agent.
package settings

import (
	"sync"

	"secureconnect-callagent/internal/domain"
	"secureconnect-callagent/pkg/config"
	apperrors "secureconnect-callagent/pkg/errors"
)

// Store is the in-memory call settings holder
type Store struct {
	mu       sync.RWMutex
	settings domain.CallSettings
}

// NewStore creates a store seeded with the given settings
func NewStore(initial domain.CallSettings) *Store {
	return &Store{settings: initial}
}

// FromConfig builds the initial settings from agent configuration
func FromConfig(cfg config.CallsConfig) domain.CallSettings {
	return domain.CallSettings{
		EnableVideoByDefault: cfg.EnableVideoByDefault,
		EnableAudioByDefault: cfg.EnableAudioByDefault,
		AutoAcceptCalls:      cfg.AutoAccept,
		RingtoneEnabled:      cfg.Ringtone,
		VibrationEnabled:     cfg.Vibration,
		CallTimeout:          int(cfg.Timeout.Seconds()),
		MaxCallDuration:      int(cfg.MaxDuration.Minutes()),
		PreferredAudioDevice: cfg.PreferredAudioDevice,
		PreferredVideoDevice: cfg.PreferredVideoDevice,
		EnableScreenShare:    cfg.EnableScreenShare,
		EnableRecording:      cfg.EnableRecording,
	}
}

// Get returns a copy of the current settings
func (s *Store) Get() domain.CallSettings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings
}

// Update applies a validated partial update
func (s *Store) Update(patch domain.CallSettingsPatch) (domain.CallSettings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next, err := patch.Apply(s.settings)
	if err != nil {
		return s.settings, apperrors.ValidationError(err.Error())
	}
	s.settings = next
	return next, nil
}

// SetPreferredAudioDevice records the microphone to use for future calls
func (s *Store) SetPreferredAudioDevice(deviceID string) {
	s.mu.Lock()
	s.settings.PreferredAudioDevice = deviceID
	s.mu.Unlock()
}

// SetPreferredVideoDevice records the camera to use for future calls
func (s *Store) SetPreferredVideoDevice(deviceID string) {
	s.mu.Lock()
	s.settings.PreferredVideoDevice = deviceID
	s.mu.Unlock()
}

// FillPreferredDevices sets missing preferences from the first available inputs
func (s *Store) FillPreferredDevices(audioInputs, videoInputs []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.settings.PreferredAudioDevice == "" && len(audioInputs) > 0 {
		s.settings.PreferredAudioDevice = audioInputs[0]
	}
	if s.settings.PreferredVideoDevice == "" && len(videoInputs) > 0 {
		s.settings.PreferredVideoDevice = videoInputs[0]
	}
}
