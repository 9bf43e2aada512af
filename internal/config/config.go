package config

import (
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the voice assistant agent and client
type Config struct {
	// Server configuration
	Port           string `envconfig:"PORT" default:"8080"`
	GRPCHealthPort string `envconfig:"GRPC_HEALTH_PORT" default:"9090"`

	// Message bus configuration
	BusBackend    string `envconfig:"BUS_BACKEND" default:"mqtt"` // mqtt, redis or memory
	MQTTBroker    string `envconfig:"MQTT_BROKER" default:"localhost"`
	MQTTPort      int    `envconfig:"MQTT_PORT" default:"1883"`
	MQTTClientID  string `envconfig:"MQTT_CLIENT_ID" default:""` // Generated when empty
	MQTTUsername  string `envconfig:"MQTT_USERNAME" default:""`
	MQTTPassword  string `envconfig:"MQTT_PASSWORD" default:""`
	MQTTQoS       int    `envconfig:"MQTT_QOS" default:"1"`
	MQTTKeepAlive int    `envconfig:"MQTT_KEEPALIVE" default:"60"` // seconds
	RedisAddr     string `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	RedisPassword string `envconfig:"REDIS_PASSWORD" default:""`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`

	// Deepgram STT API configuration
	DeepgramAPIKey    string `envconfig:"DEEPGRAM_API_KEY"`
	DeepgramModel     string `envconfig:"DEEPGRAM_MODEL" default:"nova-2"`
	DeepgramLanguage  string `envconfig:"DEEPGRAM_LANGUAGE" default:"zh-CN"`
	DeepgramFlushWait int    `envconfig:"DEEPGRAM_FLUSH_WAIT_MS" default:"1500"` // Wait for trailing results on close

	// Cartesia TTS API configuration
	CartesiaAPIKey   string `envconfig:"CARTESIA_API_KEY"`
	CartesiaVoiceID  string `envconfig:"CARTESIA_VOICE_ID" default:"sonic-multilingual"`
	CartesiaModelID  string `envconfig:"CARTESIA_MODEL_ID" default:"sonic"`
	CartesiaURL      string `envconfig:"CARTESIA_URL" default:"https://api.cartesia.ai/tts/bytes"`
	CartesiaLanguage string `envconfig:"CARTESIA_LANGUAGE" default:"zh"`

	// Completion (OpenAI-compatible) configuration
	OpenAIAPIKey        string `envconfig:"OPENAI_API_KEY"`
	OpenAIBaseURL       string `envconfig:"OPENAI_BASE_URL" default:""` // Empty uses the public OpenAI endpoint
	OpenAIModel         string `envconfig:"OPENAI_MODEL" default:"gpt-4o-mini"`
	SystemPrompt        string `envconfig:"SYSTEM_PROMPT" default:"你是一个简洁友好的AI助手，回答要简短精确。"`
	FallbackReply       string `envconfig:"FALLBACK_REPLY" default:"抱歉,我现在无法回答。"`
	CompletionStreaming bool   `envconfig:"COMPLETION_STREAMING" default:"true"`

	// Reply segmentation
	SegmentMinChars       int    `envconfig:"SEGMENT_MIN_CHARS" default:"20"`
	SegmentPreferredChars int    `envconfig:"SEGMENT_PREFERRED_CHARS" default:"50"`
	SegmentMaxChars       int    `envconfig:"SEGMENT_MAX_CHARS" default:"100"`
	SegmentTerminators    string `envconfig:"SEGMENT_TERMINATORS" default:"。！？.!?"`

	// Audio and playback configuration
	AudioChunkFrames       int     `envconfig:"AUDIO_CHUNK_FRAMES" default:"1024"`
	PlaybackFadeMs         int     `envconfig:"PLAYBACK_FADE_MS" default:"25"`
	PlaybackPadChunks      int     `envconfig:"PLAYBACK_PAD_CHUNKS" default:"2"`
	PlaybackGapTimeoutMs   int     `envconfig:"PLAYBACK_GAP_TIMEOUT_MS" default:"2000"`
	PlaybackDrainTimeoutMs int     `envconfig:"PLAYBACK_DRAIN_TIMEOUT_MS" default:"3000"`
	VADEnergyThreshold     float64 `envconfig:"VAD_ENERGY_THRESHOLD" default:"500.0"` // RMS energy threshold for VAD
	VADSilenceFrames       int     `envconfig:"VAD_SILENCE_FRAMES" default:"15"`      // Chunks of silence to mark speech end
	CaptureAutoStop        bool    `envconfig:"CAPTURE_AUTO_STOP" default:"false"`

	// Resilience configuration
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`   // Failures before opening circuit
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // Seconds before attempting recovery
	RetryMaxAttempts           int `envconfig:"RETRY_MAX_ATTEMPTS" default:"3"`             // Completion attempts before the canned reply
	RetryBackoffMs             int `envconfig:"RETRY_BACKOFF_MS" default:"1000"`            // Fixed backoff between completion attempts
	ReconnectMaxAttempts       int `envconfig:"RECONNECT_MAX_ATTEMPTS" default:"5"`         // Maximum reconnection attempts
	ReconnectBackoff           int `envconfig:"RECONNECT_BACKOFF" default:"1000"`           // Reconnection backoff in milliseconds

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`       // Log level: debug, info, warn, error
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`     // Pretty print logs (for development)
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"` // Enable Prometheus metrics
}

// Load reads the agent configuration from environment variables.
// It first attempts to load from .env file if it exists, then from environment.
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()
	return LoadFromEnv()
}

// LoadFromEnv loads the agent configuration directly from environment variables
// without attempting to load .env file (useful for containerized deployments)
func LoadFromEnv() (*Config, error) {
	cfg, err := process()
	if err != nil {
		return nil, err
	}

	// Capability keys are only needed by the agent
	if cfg.DeepgramAPIKey == "" {
		return nil, fmt.Errorf("DEEPGRAM_API_KEY is required")
	}
	if cfg.CartesiaAPIKey == "" {
		return nil, fmt.Errorf("CARTESIA_API_KEY is required")
	}
	if cfg.OpenAIAPIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY is required")
	}

	return cfg, nil
}

// LoadClient reads the push-to-talk client configuration. No capability keys are required.
func LoadClient() (*Config, error) {
	_ = godotenv.Load()
	return process()
}

func process() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints envconfig cannot express
func (c *Config) Validate() error {
	switch c.BusBackend {
	case "mqtt", "redis", "memory":
	default:
		return fmt.Errorf("BUS_BACKEND must be mqtt, redis or memory, got %q", c.BusBackend)
	}

	if c.MQTTQoS < 0 || c.MQTTQoS > 2 {
		return fmt.Errorf("MQTT_QOS must be 0, 1 or 2, got %d", c.MQTTQoS)
	}

	if c.SegmentMinChars <= 0 ||
		c.SegmentMinChars > c.SegmentPreferredChars ||
		c.SegmentPreferredChars > c.SegmentMaxChars {
		return fmt.Errorf("segment thresholds must satisfy 0 < min <= preferred <= max, got %d/%d/%d",
			c.SegmentMinChars, c.SegmentPreferredChars, c.SegmentMaxChars)
	}

	if utf8.RuneCountInString(c.SegmentTerminators) == 0 {
		return fmt.Errorf("SEGMENT_TERMINATORS must not be empty")
	}

	if c.PlaybackFadeMs < 0 || c.PlaybackPadChunks < 0 {
		return fmt.Errorf("playback fade and padding must not be negative")
	}

	if c.AudioChunkFrames <= 0 {
		return fmt.Errorf("AUDIO_CHUNK_FRAMES must be positive, got %d", c.AudioChunkFrames)
	}

	if c.RetryMaxAttempts < 1 {
		return fmt.Errorf("RETRY_MAX_ATTEMPTS must be at least 1, got %d", c.RetryMaxAttempts)
	}

	return nil
}

// MQTTBrokerURL returns the tcp:// URL for the configured broker
func (c *Config) MQTTBrokerURL() string {
	return fmt.Sprintf("tcp://%s:%d", c.MQTTBroker, c.MQTTPort)
}

// RetryBackoff returns the fixed completion backoff as a duration
func (c *Config) RetryBackoff() time.Duration {
	return time.Duration(c.RetryBackoffMs) * time.Millisecond
}

// CircuitBreakerReset returns the breaker reset timeout as a duration
func (c *Config) CircuitBreakerReset() time.Duration {
	return time.Duration(c.CircuitBreakerResetTimeout) * time.Second
}

// PlaybackFade returns the fade length applied at segment edges
func (c *Config) PlaybackFade() time.Duration {
	return time.Duration(c.PlaybackFadeMs) * time.Millisecond
}

// PlaybackGapTimeout returns how long a missing segment may block playback
func (c *Config) PlaybackGapTimeout() time.Duration {
	return time.Duration(c.PlaybackGapTimeoutMs) * time.Millisecond
}
