package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Configuration is the full runtime configuration of the relay.
type Configuration struct {
	Service       ServiceConfig
	Model         ModelConfig
	Call          CallConfig
	Storage       StorageConfig
	Kafka         KafkaConfig
	Twilio        TwilioConfig
	Observability ObservabilityConfig
	PersonaFile   string
}

// ServiceConfig holds listener and identity settings.
type ServiceConfig struct {
	Principal   string
	HTTPPort    string
	GRPCPort    string
	MetricsPort string
	// PublicHost overrides the Host header when building the media stream URL.
	PublicHost string
}

// ModelConfig describes the realtime model session.
type ModelConfig struct {
	Provider           string // openai, mock
	APIKey             string
	URL                string
	Model              string
	Voice              string
	Instructions       string
	Temperature        float64
	InputAudioFormat   string
	OutputAudioFormat  string
	TurnDetection      string
	VADThreshold       float64
	SilenceDurationMs  int
	TranscriptionModel string
}

// CallConfig holds per-call behaviour.
type CallConfig struct {
	Greeting         string
	ClosingUtterance string
	ApologyUtterance string
	GoodbyePhrases   []string
	ClosingTimeout   time.Duration
	MaxDuration      time.Duration
	ShutdownGrace    time.Duration
}

// StorageConfig selects the transcript sink.
type StorageConfig struct {
	Backend    string // gcs, sqlite, log
	Bucket     string
	Prefix     string
	SQLitePath string
}

// KafkaConfig holds event publishing settings.
type KafkaConfig struct {
	Enabled         bool
	Brokers         []string
	TopicTranscript string
	TopicLifecycle  string
	Principal       string
}

// TwilioConfig holds webhook settings.
type TwilioConfig struct {
	// AuthToken enables X-Twilio-Signature validation when set.
	AuthToken string
}

// ObservabilityConfig holds logging settings.
type ObservabilityConfig struct {
	LogLevel  string
	LogFormat string
}

// DefaultGoodbyePhrases are the termination phrases used when none are configured.
var DefaultGoodbyePhrases = []string{"bye", "goodbye", "see you", "talk to you later", "bye for now", "take care"}

const (
	defaultInstructions = "You are a helpful and bubbly AI assistant who answers any questions the caller asks. " +
		"Your answers should be brief, to the point, and avoid repeating what the caller has already said."
	defaultGreeting = "Greet the caller with 'Hello! How are you doing today?'"
	defaultClosing  = "Goodbye, call me back if you need help."
	defaultApology  = "Sorry, something went wrong on my end. Please call back in a moment. Goodbye."
)

// Load reads the configuration from the environment.
func Load() *Configuration {
	principal := envOrDefault("SERVICE_PRINCIPAL", "svc-call-relay")

	cfg := &Configuration{
		Service: ServiceConfig{
			Principal:   principal,
			HTTPPort:    envOrDefault("PORT", "5050"),
			GRPCPort:    envOrDefault("GRPC_PORT", "50051"),
			MetricsPort: envOrDefault("METRICS_PORT", "9090"),
			PublicHost:  os.Getenv("PUBLIC_HOST"),
		},
		Model: ModelConfig{
			Provider:           envOrDefault("MODEL_PROVIDER", "openai"),
			APIKey:             os.Getenv("OPENAI_API_KEY"),
			URL:                envOrDefault("MODEL_URL", "wss://api.openai.com/v1/realtime"),
			Model:              envOrDefault("MODEL_NAME", "gpt-4o-realtime-preview-2024-10-01"),
			Voice:              envOrDefault("MODEL_VOICE", "alloy"),
			Instructions:       envOrDefault("MODEL_INSTRUCTIONS", defaultInstructions),
			Temperature:        envOrDefaultFloat("MODEL_TEMPERATURE", 0.8),
			InputAudioFormat:   envOrDefault("MODEL_INPUT_AUDIO_FORMAT", "g711_ulaw"),
			OutputAudioFormat:  envOrDefault("MODEL_OUTPUT_AUDIO_FORMAT", "g711_ulaw"),
			TurnDetection:      envOrDefault("MODEL_TURN_DETECTION", "server_vad"),
			VADThreshold:       envOrDefaultFloat("MODEL_VAD_THRESHOLD", 0.3),
			SilenceDurationMs:  envOrDefaultInt("MODEL_SILENCE_DURATION_MS", 400),
			TranscriptionModel: envOrDefault("MODEL_TRANSCRIPTION_MODEL", "whisper-1"),
		},
		Call: CallConfig{
			Greeting:         envOrDefault("CALL_GREETING", defaultGreeting),
			ClosingUtterance: envOrDefault("CALL_CLOSING_UTTERANCE", defaultClosing),
			ApologyUtterance: envOrDefault("CALL_APOLOGY_UTTERANCE", defaultApology),
			GoodbyePhrases:   envList("CALL_GOODBYE_PHRASES", DefaultGoodbyePhrases),
			ClosingTimeout:   envOrDefaultDuration("CALL_CLOSING_TIMEOUT", 8*time.Second),
			MaxDuration:      envOrDefaultDuration("CALL_MAX_DURATION", 30*time.Minute),
			ShutdownGrace:    envOrDefaultDuration("SHUTDOWN_GRACE", 15*time.Second),
		},
		Storage: StorageConfig{
			Backend:    envOrDefault("STORAGE_BACKEND", "gcs"),
			Bucket:     os.Getenv("GCS_BUCKET_NAME"),
			Prefix:     envOrDefault("STORAGE_PREFIX", "recordings"),
			SQLitePath: envOrDefault("STORAGE_SQLITE_PATH", "transcripts.db"),
		},
		Kafka: KafkaConfig{
			Enabled:         envOrDefaultBool("KAFKA_ENABLED", false),
			Brokers:         envList("KAFKA_BROKERS", nil),
			TopicTranscript: envOrDefault("KAFKA_TOPIC_TRANSCRIPT", "call.transcript.entry"),
			TopicLifecycle:  envOrDefault("KAFKA_TOPIC_LIFECYCLE", "call.ended"),
			Principal:       envOrDefault("KAFKA_PRINCIPAL", principal),
		},
		Twilio: TwilioConfig{
			AuthToken: os.Getenv("TWILIO_AUTH_TOKEN"),
		},
		Observability: ObservabilityConfig{
			LogLevel:  envOrDefault("LOG_LEVEL", "info"),
			LogFormat: envOrDefault("LOG_FORMAT", "json"),
		},
		PersonaFile: os.Getenv("PERSONA_FILE"),
	}
	return cfg
}

// Persona returns the persona carried by the environment configuration.
func (c *Configuration) Persona() Persona {
	return Persona{
		Instructions:     c.Model.Instructions,
		Voice:            c.Model.Voice,
		Greeting:         c.Call.Greeting,
		ClosingUtterance: c.Call.ClosingUtterance,
		ApologyUtterance: c.Call.ApologyUtterance,
		GoodbyePhrases:   append([]string(nil), c.Call.GoodbyePhrases...),
	}
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envOrDefaultInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envOrDefaultFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envOrDefaultBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func envOrDefaultDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// envList splits a comma-separated variable, trimming blanks.
func envList(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}
