package config

import (
	"fmt"
	"net/url"
	"time"

	"secureconnect-callagent/pkg/constants"
	"secureconnect-callagent/pkg/env"
)

// DefaultSignalingURL is the per-user relay endpoint. It carries the agent's
// signaling envelopes for every call, so no call id is part of the URL.
const DefaultSignalingURL = "ws://localhost:8083/v1/signaling/ws"

var defaultAllowedOrigins = []string{
	"http://localhost:3000",
	"http://127.0.0.1:3000",
}

// Config holds all configuration for the call agent
type Config struct {
	Server    ServerConfig
	Signaling SignalingConfig
	Redis     RedisConfig
	JWT       JWTConfig
	Backend   BackendConfig
	WebRTC    WebRTCConfig
	Quality   QualityConfig
	Reconnect ReconnectConfig
	Calls     CallsConfig
	Devices   DevicesConfig
	Log       LogConfig
}

// ServerConfig holds control API configuration
type ServerConfig struct {
	Port           int
	Environment    string // development, staging, production
	ServiceName    string
	AllowedOrigins []string
}

// SignalingConfig holds the realtime signaling transport configuration
type SignalingConfig struct {
	Transport        string // ws, redis
	URL              string
	HandshakeTimeout time.Duration
	PingInterval     time.Duration
	MinBackoff       time.Duration
	MaxBackoff       time.Duration
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
	PoolSize int
	Timeout  time.Duration
}

// JWTConfig holds the agent identity configuration
type JWTConfig struct {
	Secret     string
	AgentToken string
}

// BackendConfig holds the REST backend used for call reconnects
type BackendConfig struct {
	URL            string
	RequestTimeout time.Duration
}

// WebRTCConfig holds peer connection configuration
type WebRTCConfig struct {
	ICEServers            []string
	DataChannelLifetime   time.Duration
	BufferEarlyCandidates bool
	MaxPendingCandidates  int
}

// QualityConfig holds network quality monitoring configuration
type QualityConfig struct {
	SampleInterval  time.Duration
	AdaptiveEnabled bool
}

// ReconnectConfig holds the retry budget for call reconnects
type ReconnectConfig struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// CallsConfig holds the initial call settings
type CallsConfig struct {
	EnableVideoByDefault bool
	EnableAudioByDefault bool
	AutoAccept           bool
	Ringtone             bool
	Vibration            bool
	Timeout              time.Duration
	MaxDuration          time.Duration
	EnableScreenShare    bool
	EnableRecording      bool
	PreferredAudioDevice string
	PreferredVideoDevice string
}

// DevicesConfig lists the media sources the agent exposes as devices
type DevicesConfig struct {
	AudioInputs  []string
	VideoInputs  []string
	AudioOutputs []string
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level    string // debug, info, warn, error
	Format   string // json, text
	Output   string // stdout, file
	FilePath string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:           env.GetInt("PORT", 8090),
			Environment:    env.GetString("ENV", "development"),
			ServiceName:    env.GetString("SERVICE_NAME", "call-agent"),
			AllowedOrigins: env.GetSlice("CORS_ALLOWED_ORIGINS", defaultAllowedOrigins),
		},
		Signaling: SignalingConfig{
			Transport:        env.GetString("SIGNALING_TRANSPORT", "ws"),
			URL:              env.GetString("SIGNALING_URL", DefaultSignalingURL),
			HandshakeTimeout: env.GetDuration("SIGNALING_HANDSHAKE_TIMEOUT", constants.WebSocketHandshakeTimeout),
			PingInterval:     env.GetDuration("SIGNALING_PING_INTERVAL", constants.WebSocketPingInterval),
			MinBackoff:       env.GetDuration("SIGNALING_MIN_BACKOFF", 500*time.Millisecond),
			MaxBackoff:       env.GetDuration("SIGNALING_MAX_BACKOFF", 10*time.Second),
		},
		Redis: RedisConfig{
			Enabled:  env.GetBool("REDIS_ENABLED", true),
			Host:     env.GetString("REDIS_HOST", "localhost"),
			Port:     env.GetInt("REDIS_PORT", 6379),
			Password: env.GetStringFromFile("REDIS_PASSWORD", ""),
			DB:       env.GetInt("REDIS_DB", 0),
			PoolSize: env.GetInt("REDIS_POOL_SIZE", 10),
			Timeout:  env.GetDuration("REDIS_TIMEOUT", 5*time.Second),
		},
		JWT: JWTConfig{
			Secret:     env.GetStringFromFile("JWT_SECRET", ""),
			AgentToken: env.GetStringFromFile("AGENT_TOKEN", ""),
		},
		Backend: BackendConfig{
			URL:            env.GetString("BACKEND_URL", "http://localhost:8083"),
			RequestTimeout: env.GetDuration("BACKEND_REQUEST_TIMEOUT", 5*time.Second),
		},
		WebRTC: WebRTCConfig{
			ICEServers:            env.GetSlice("ICE_SERVERS", []string{constants.DefaultSTUNServer, "stun:stun1.l.google.com:19302"}),
			DataChannelLifetime:   env.GetDuration("DATA_CHANNEL_LIFETIME", constants.ControlChannelLifetime),
			BufferEarlyCandidates: env.GetBool("ICE_BUFFER_EARLY_CANDIDATES", true),
			MaxPendingCandidates:  env.GetInt("ICE_MAX_PENDING_CANDIDATES", constants.MaxPendingICECandidates),
		},
		Quality: QualityConfig{
			SampleInterval:  env.GetDuration("QUALITY_SAMPLE_INTERVAL", constants.QualitySampleInterval),
			AdaptiveEnabled: env.GetBool("QUALITY_ADAPTIVE_ENABLED", true),
		},
		Reconnect: ReconnectConfig{
			MaxAttempts:    env.GetInt("RECONNECT_MAX_ATTEMPTS", constants.ReconnectMaxAttempts),
			InitialBackoff: env.GetDuration("RECONNECT_INITIAL_BACKOFF", constants.ReconnectInitialBackoff),
			MaxBackoff:     env.GetDuration("RECONNECT_MAX_BACKOFF", constants.ReconnectMaxBackoff),
		},
		Calls: CallsConfig{
			EnableVideoByDefault: env.GetBool("CALL_VIDEO_BY_DEFAULT", true),
			EnableAudioByDefault: env.GetBool("CALL_AUDIO_BY_DEFAULT", true),
			AutoAccept:           env.GetBool("CALL_AUTO_ACCEPT", false),
			Ringtone:             env.GetBool("CALL_RINGTONE", true),
			Vibration:            env.GetBool("CALL_VIBRATION", true),
			Timeout:              env.GetDuration("CALL_TIMEOUT", constants.DefaultCallTimeout),
			MaxDuration:          env.GetDuration("CALL_MAX_DURATION", constants.DefaultMaxCallDuration),
			EnableScreenShare:    env.GetBool("CALL_SCREEN_SHARE", true),
			EnableRecording:      env.GetBool("CALL_RECORDING", false),
			PreferredAudioDevice: env.GetString("CALL_AUDIO_DEVICE", ""),
			PreferredVideoDevice: env.GetString("CALL_VIDEO_DEVICE", ""),
		},
		Devices: DevicesConfig{
			AudioInputs:  env.GetSlice("MEDIA_AUDIO_INPUTS", []string{"default-microphone"}),
			VideoInputs:  env.GetSlice("MEDIA_VIDEO_INPUTS", []string{"default-camera"}),
			AudioOutputs: env.GetSlice("MEDIA_AUDIO_OUTPUTS", []string{"default-speaker"}),
		},
		Log: LogConfig{
			Level:    env.GetString("LOG_LEVEL", "info"),
			Format:   env.GetString("LOG_FORMAT", "json"),
			Output:   env.GetString("LOG_OUTPUT", "stdout"),
			FilePath: env.GetString("LOG_FILE_PATH", "/logs/call-agent.log"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.JWT.AgentToken == "" {
		return fmt.Errorf("AGENT_TOKEN must be set")
	}

	if c.Server.Environment == "production" && len(c.JWT.Secret) < 32 {
		return fmt.Errorf("JWT_SECRET must be at least 32 characters in production")
	}

	switch c.Signaling.Transport {
	case "ws":
		u, err := url.Parse(c.Signaling.URL)
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
			return fmt.Errorf("SIGNALING_URL must be a ws:// or wss:// URL")
		}
	case "redis":
		if !c.Redis.Enabled {
			return fmt.Errorf("SIGNALING_TRANSPORT=redis requires REDIS_ENABLED")
		}
	default:
		return fmt.Errorf("unknown SIGNALING_TRANSPORT %q", c.Signaling.Transport)
	}

	if c.Quality.SampleInterval <= 0 {
		return fmt.Errorf("QUALITY_SAMPLE_INTERVAL must be positive")
	}

	if c.Calls.Timeout <= 0 || c.Calls.MaxDuration <= 0 {
		return fmt.Errorf("CALL_TIMEOUT and CALL_MAX_DURATION must be positive")
	}

	if c.Reconnect.MaxAttempts < 1 {
		return fmt.Errorf("RECONNECT_MAX_ATTEMPTS must be at least 1")
	}

	return nil
}

// RedisAddr returns the Redis address
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}
