package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the conversation orchestrator service.
type Config struct {
	// Server configuration
	Port string `envconfig:"PORT" default:"8080"`

	// Public base URL for this service, used only when logging the /ws endpoint.
	PublicURL string `envconfig:"PUBLIC_URL" default:""`

	// Deepgram STT configuration
	DeepgramAPIKey   string `envconfig:"DEEPGRAM_API_KEY" required:"true"`
	DeepgramModel    string `envconfig:"DEEPGRAM_MODEL" default:"nova-2"`
	DeepgramLanguage string `envconfig:"DEEPGRAM_LANGUAGE" default:"en"`

	// Gemini (genai) multimodal LLM configuration
	GeminiAPIKey    string  `envconfig:"GEMINI_API_KEY" required:"true"`
	GeminiModel     string  `envconfig:"GEMINI_MODEL" default:"gemini-1.5-flash"`
	GeminiMaxTokens int     `envconfig:"GEMINI_MAX_TOKENS" default:"1000"`
	GeminiTemp      float64 `envconfig:"GEMINI_TEMPERATURE" default:"0.7"`

	// Cartesia TTS configuration
	CartesiaAPIKey  string `envconfig:"CARTESIA_API_KEY" required:"true"`
	CartesiaVoiceID string `envconfig:"CARTESIA_VOICE_ID" default:"sonic-english"`
	CartesiaModelID string `envconfig:"CARTESIA_MODEL_ID" default:"sonic"`

	// Audio / speech session configuration (§3, §6)
	SampleRate         int     `envconfig:"SAMPLE_RATE" default:"16000"`
	MinSpeechDurationS float64 `envconfig:"MIN_SPEECH_DURATION_S" default:"0.5"`
	MaxSpeechDurationS float64 `envconfig:"MAX_SPEECH_DURATION_S" default:"30"`

	// Conversation memory configuration (§3, §4.2)
	MemoryMaxTokens int `envconfig:"MEMORY_MAX_TOKENS" default:"2000"`

	// Per-stage adapter deadlines (§4.1, §6)
	StageDeadlineSTTSeconds int `envconfig:"STAGE_DEADLINE_STT_S" default:"20"`
	StageDeadlineLLMSeconds int `envconfig:"STAGE_DEADLINE_LLM_S" default:"30"`
	StageDeadlineTTSSeconds int `envconfig:"STAGE_DEADLINE_TTS_S" default:"45"`

	// Connection supervisor configuration (§4.5, §5, §6)
	IdleCloseSeconds       int `envconfig:"IDLE_CLOSE_S" default:"90"`
	HeartbeatSeconds       int `envconfig:"HEARTBEAT_S" default:"45"`
	OutboundQueueDepth     int `envconfig:"OUTBOUND_QUEUE_DEPTH" default:"64"`
	ConnectionGraceSeconds int `envconfig:"CONNECTION_GRACE_S" default:"30"`
	ScreenCaptureTimeoutS  int `envconfig:"SCREEN_CAPTURE_TIMEOUT_S" default:"5"`
	SummariseTimeoutS      int `envconfig:"SUMMARISE_TIMEOUT_S" default:"5"`

	VoicePreset string `envconfig:"VOICE_PRESET" default:"sonic-english"`

	// Resilience configuration
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"`
	RetryMaxAttempts           int `envconfig:"RETRY_MAX_ATTEMPTS" default:"3"`
	RetryInitialBackoff        int `envconfig:"RETRY_INITIAL_BACKOFF" default:"100"`
	RetryMaxBackoffMs          int `envconfig:"RETRY_MAX_BACKOFF_MS" default:"2000"`

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"`
}

// Load reads configuration from environment variables.
// It first attempts to load from a .env file if one exists, then from the environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load a .env file (useful for containerized deployments).
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	if cfg.DeepgramAPIKey == "" {
		return fmt.Errorf("DEEPGRAM_API_KEY is required")
	}
	if cfg.GeminiAPIKey == "" {
		return fmt.Errorf("GEMINI_API_KEY is required")
	}
	if cfg.CartesiaAPIKey == "" {
		return fmt.Errorf("CARTESIA_API_KEY is required")
	}
	return nil
}

// GetEnv returns the value of an environment variable or a default value.
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
