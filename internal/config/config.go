package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	ArchiveBackendNone   = "none"
	ArchiveBackendMongo  = "mongo"
	ArchiveBackendSQLite = "sqlite"

	RecognizerRelay  = "relay"
	RecognizerGoogle = "google"
	RecognizerNone   = "none"
)

// Config holds every runtime setting of the server
type Config struct {
	Port     string
	LogLevel string

	JWTSecret       string
	ExtensionSecret string
	TokenTTL        time.Duration

	GeminiAPIKey    string
	GeminiModel     string
	GeminiBaseURL   string
	CredentialsFile string

	WhisperProxyURL    string
	ProxyMethod        string
	ProxyCustomPrompt  string
	Recognizer         string
	RecognizerLanguage string
	STTProvider        string
	ProviderTimeout    time.Duration
	RecognizerTimeout  time.Duration

	ChunkDuration   time.Duration
	OverlapDuration time.Duration
	SampleRate      int
	Channels        int
	Continuous      bool

	MaxRetries             int
	RetryDelay             time.Duration
	RetryBackoffMultiplier float64

	OfflineBufferSize    int
	QueueProcessInterval time.Duration

	HeartbeatInterval         time.Duration
	ConnectivityProbeInterval time.Duration
	CaptureMethodTimeout      time.Duration
	CaptureRetryDelay         time.Duration
	EnableMicrophone          bool

	ArchiveBackend string
	MongoURI       string
	MongoDatabase  string
	SQLitePath     string
}

// Load reads .env when present and then the process environment
func Load() (*Config, error) {
	// Missing .env is fine; deployments set variables directly.
	_ = godotenv.Load()

	cfg := &Config{
		Port:     getEnv("PORT", "8080"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		JWTSecret:       getEnv("JWT_SECRET", ""),
		ExtensionSecret: getEnv("EXTENSION_SECRET", ""),
		TokenTTL:        getDuration("TOKEN_TTL", 24*time.Hour),

		GeminiAPIKey:    getEnv("GEMINI_API_KEY", ""),
		GeminiModel:     getEnv("GEMINI_MODEL", "gemini-2.0-flash"),
		GeminiBaseURL:   getEnv("GEMINI_BASE_URL", ""),
		CredentialsFile: getEnv("CREDENTIALS_FILE", ".credentials"),

		WhisperProxyURL:    strings.TrimRight(getEnv("WHISPER_PROXY_URL", ""), "/"),
		ProxyMethod:        getEnv("PROXY_METHOD", "whisper"),
		ProxyCustomPrompt:  getEnv("PROXY_CUSTOM_PROMPT", ""),
		Recognizer:         getEnv("RECOGNIZER", RecognizerRelay),
		RecognizerLanguage: getEnv("RECOGNIZER_LANGUAGE", "en-US"),
		STTProvider:        getEnv("STT_PROVIDER", ""),
		ProviderTimeout:    getDuration("PROVIDER_TIMEOUT", 60*time.Second),
		RecognizerTimeout:  getDuration("RECOGNIZER_TIMEOUT", 30*time.Second),

		ChunkDuration:   getDuration("CHUNK_DURATION", 30*time.Second),
		OverlapDuration: getDuration("OVERLAP_DURATION", 3*time.Second),
		SampleRate:      getInt("SAMPLE_RATE", 48000),
		Channels:        getInt("CHANNELS", 2),
		Continuous:      getBool("CONTINUOUS_CAPTURE", true),

		MaxRetries:             getInt("MAX_RETRIES", 3),
		RetryDelay:             getDuration("RETRY_DELAY", time.Second),
		RetryBackoffMultiplier: getFloat("RETRY_BACKOFF_MULTIPLIER", 2),

		OfflineBufferSize:    getInt("OFFLINE_BUFFER_SIZE", 100),
		QueueProcessInterval: getDuration("QUEUE_PROCESS_INTERVAL", 5*time.Second),

		HeartbeatInterval:         getDuration("HEARTBEAT_INTERVAL", 30*time.Second),
		ConnectivityProbeInterval: getDuration("CONNECTIVITY_PROBE_INTERVAL", 15*time.Second),
		CaptureMethodTimeout:      getDuration("CAPTURE_METHOD_TIMEOUT", 3*time.Second),
		CaptureRetryDelay:         getDuration("CAPTURE_RETRY_DELAY", time.Second),
		EnableMicrophone:          getBool("ENABLE_MICROPHONE", false),

		ArchiveBackend: getEnv("ARCHIVE_BACKEND", ArchiveBackendNone),
		MongoURI:       getEnv("MONGODB_URI", "mongodb://localhost:27017"),
		MongoDatabase:  getEnv("MONGODB_DATABASE", "tabscribe"),
		SQLitePath:     getEnv("SQLITE_PATH", "tabscribe.sqlite"),
	}

	if cfg.GeminiAPIKey == "" {
		key, err := LoadCredential(cfg.CredentialsFile)
		if err != nil {
			return nil, err
		}
		cfg.GeminiAPIKey = key
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the pipeline cannot run with
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET environment variable is required")
	}
	if c.ChunkDuration <= 0 {
		return fmt.Errorf("chunk duration must be positive, got %s", c.ChunkDuration)
	}
	if c.OverlapDuration < 0 || c.OverlapDuration >= c.ChunkDuration {
		return fmt.Errorf("overlap duration must be in [0, %s), got %s", c.ChunkDuration, c.OverlapDuration)
	}
	if c.SampleRate < 8000 {
		return fmt.Errorf("sample rate must be at least 8000, got %d", c.SampleRate)
	}
	if c.Channels < 1 {
		return fmt.Errorf("channels must be positive, got %d", c.Channels)
	}
	if c.MaxRetries < 1 {
		return fmt.Errorf("max retries must be at least 1, got %d", c.MaxRetries)
	}
	if c.RetryBackoffMultiplier < 1 {
		return fmt.Errorf("retry backoff multiplier must be at least 1, got %f", c.RetryBackoffMultiplier)
	}
	if c.OfflineBufferSize < 1 {
		return fmt.Errorf("offline buffer size must be positive, got %d", c.OfflineBufferSize)
	}
	if c.QueueProcessInterval <= 0 || c.HeartbeatInterval <= 0 {
		return fmt.Errorf("queue and heartbeat intervals must be positive")
	}
	switch c.ProxyMethod {
	case "whisper", "prompt":
	default:
		return fmt.Errorf("unknown proxy method %q", c.ProxyMethod)
	}
	switch c.Recognizer {
	case RecognizerRelay, RecognizerGoogle, RecognizerNone:
	default:
		return fmt.Errorf("unknown recognizer %q", c.Recognizer)
	}
	switch c.ArchiveBackend {
	case ArchiveBackendNone, ArchiveBackendMongo, ArchiveBackendSQLite:
	default:
		return fmt.Errorf("unknown archive backend %q", c.ArchiveBackend)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// getDuration accepts Go durations ("30s") or plain milliseconds ("30000")
func getDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return v
	}
	return fallback
}

func getFloat(key string, fallback float64) float64 {
	if v, err := strconv.ParseFloat(os.Getenv(key), 64); err == nil {
		return v
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	if v, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return v
	}
	return fallback
}
