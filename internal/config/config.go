package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

type Config struct {
	// Application
	Version     string
	Environment string
	WorkerID    string
	Port        int
	LogLevel    string

	// Logdy (lightweight web log viewer)
	LogdyEnabled bool
	LogdyHost    string
	LogdyPort    int

	// Detector (gRPC inference service)
	DetectorGRPCURL       string
	DetectorMethod        string
	DetectorTimeout       time.Duration
	DetectorHealthTimeout time.Duration

	// NATS (event push to external observers)
	NatsEnabled        bool
	NatsURL            string
	NatsConnectTimeout time.Duration
	NatsReconnectWait  time.Duration
	NatsMaxReconnects  int
	EventsSubject      string
	PublishCycleEvents bool

	// Redis (optional runtime persistence of source descriptors)
	RedisURL string
	RedisKey string

	// Sources file (YAML or TOML)
	SourcesFile string

	// Stream defaults, overridable per source
	ConnectTimeout      time.Duration
	ReadTimeout         time.Duration
	ReconnectBackoffMin time.Duration
	ReconnectBackoffMax time.Duration
	ReconnectJitterPct  int

	// Capture
	FrameBufferSize          int
	FrameEncoding            string // "jpeg" or "bgr"
	JPEGQuality              int
	MaxConsecutiveReadErrors int

	// Worker
	StopTimeout      time.Duration
	ErrorHistorySize int
	EventBufferSize  int

	// Metrics
	MetricsInterval time.Duration

	// Swagger Configuration
	SwaggerHost string

	// Graceful Shutdown
	ShutdownTimeout time.Duration
}

func Load() *Config {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Debug().Err(err).Msg("No .env file found or error loading .env file, using environment variables and defaults")
	} else {
		log.Info().Msg("Loaded configuration from .env file")
	}

	return &Config{
		// Application
		Version:     getEnv("VERSION", "1.0.0"),
		Environment: getEnv("ENVIRONMENT", "development"),
		WorkerID:    getEnv("WORKER_ID", "rextrack-1"),
		Port:        getEnvInt("PORT", 8000),
		LogLevel:    getEnv("LOG_LEVEL", "info"),

		// Logdy
		LogdyEnabled: getEnvBool("LOGDY_ENABLED", false),
		LogdyHost:    getEnv("LOGDY_HOST", "localhost"),
		LogdyPort:    getEnvInt("LOGDY_PORT", 8080),

		// Detector
		DetectorGRPCURL:       getEnv("DETECTOR_GRPC_URL", "localhost:50052"),
		DetectorMethod:        getEnv("DETECTOR_METHOD", "/rextrack.detector.v1.Detector/Detect"),
		DetectorTimeout:       getEnvDuration("DETECTOR_TIMEOUT", 2*time.Second),
		DetectorHealthTimeout: getEnvDuration("DETECTOR_HEALTH_TIMEOUT", 3*time.Second),

		// NATS
		NatsEnabled:        getEnvBool("NATS_ENABLED", false),
		NatsURL:            getNatsURL(),
		NatsConnectTimeout: getEnvDuration("NATS_CONNECT_TIMEOUT", 10*time.Second),
		NatsReconnectWait:  getEnvDuration("NATS_RECONNECT_WAIT", 2*time.Second),
		NatsMaxReconnects:  getEnvInt("NATS_MAX_RECONNECTS", -1), // -1 = unlimited
		EventsSubject:      getEnv("EVENTS_SUBJECT", "rextrack.events"),
		PublishCycleEvents: getEnvBool("PUBLISH_CYCLE_EVENTS", false),

		// Redis
		RedisURL: getEnv("REDIS_URL", ""),
		RedisKey: getEnv("REDIS_KEY", "rextrack:sources"),

		SourcesFile: getEnv("SOURCES_FILE", "config/sources.yaml"),

		// Stream defaults
		ConnectTimeout:      getEnvDuration("CONNECT_TIMEOUT", 10*time.Second),
		ReadTimeout:         getEnvDuration("READ_TIMEOUT", 5*time.Second),
		ReconnectBackoffMin: getEnvDuration("RECONNECT_BACKOFF_MIN", 1*time.Second),
		ReconnectBackoffMax: getEnvDuration("RECONNECT_BACKOFF_MAX", 30*time.Second),
		ReconnectJitterPct:  getEnvInt("RECONNECT_JITTER_PCT", 0),

		// Capture
		FrameBufferSize:          getEnvInt("FRAME_BUFFER_SIZE", 1),
		FrameEncoding:            getEnv("FRAME_ENCODING", "jpeg"),
		JPEGQuality:              getEnvInt("JPEG_QUALITY", 85),
		MaxConsecutiveReadErrors: getEnvInt("MAX_CONSECUTIVE_READ_ERRORS", 10),

		// Worker
		StopTimeout:      getEnvDuration("STOP_TIMEOUT", 5*time.Second),
		ErrorHistorySize: getEnvInt("ERROR_HISTORY_SIZE", 20),
		EventBufferSize:  getEnvInt("EVENT_BUFFER_SIZE", 256),

		MetricsInterval: getEnvDuration("METRICS_INTERVAL", 1*time.Second),

		SwaggerHost: getEnv("SWAGGER_HOST", "localhost:8000"),

		ShutdownTimeout: getEnvDuration("SHUTDOWN_TIMEOUT", 30*time.Second),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func isRunningInDocker() bool {
	if os.Getenv("DOCKER_CONTAINER") == "true" {
		return true
	}

	if _, err := os.Stat("/.dockerenv"); err == nil {
		return true
	}

	return false
}

// getNatsURL returns the appropriate NATS URL based on environment
func getNatsURL() string {
	if envURL := os.Getenv("NATS_URL"); envURL != "" {
		return envURL
	}

	if isRunningInDocker() {
		return "nats://nats:4222"
	}

	return "nats://localhost:4222"
}
