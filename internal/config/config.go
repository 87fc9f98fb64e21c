package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string
	NodeID      int64

	OTLPEndpoint string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int

	Redis     RedisConfig
	Auth      AuthConfig
	Gateway   GatewayConfig
	Push      PushConfig
	Scheduler SchedulerConfig
	Cache     EventCacheConfig
	Telemetry TelemetryConfig
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type AuthConfig struct {
	JWTSecret      string
	JWTIssuer      string
	InternalAPIKey string
}

type GatewayConfig struct {
	HubMode        string
	PresenceTTL    time.Duration
	SendBuffer     int
	MaxMessageSize int64
	TypingRate     float64
	TypingBurst    int
	AllowedOrigins []string
}

type PushConfig struct {
	Enabled   bool
	ServerKey string
	Endpoint  string
	Timeout   time.Duration
	Workers   int
}

type SchedulerConfig struct {
	Enabled       bool
	SweepEnabled  bool
	SweepInterval time.Duration
	SweepBatch    int
	PollInterval  time.Duration
	Workers       int
	MaxAttempts   int
}

type TelemetryConfig struct {
	LogLevel      string
	LogFormat     string
	OtelEnabled   bool
	OtelProtocol  string
	SamplingRatio float64
}

type EventCacheConfig struct {
	Size int
	TTL  time.Duration
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		AppName:      getenv("APP_SERVICE", "tripline"),
		AppVersion:   getenv("SERVICE_VERSION", getenv("APP_VERSION", "0.1.0")),
		Environment:  getenv("DEPLOYMENT_ENV", getenv("ENVIRONMENT", "development")),
		HTTPAddr:     getenv("HTTP_ADDR", ":8080"),
		NodeID:       getenvInt64("NODE_ID", 1),
		OTLPEndpoint: getenv("OTEL_EXPORTER_OTLP_ENDPOINT", getenv("OTLP_ENDPOINT", "localhost:4317")),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "postgres"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 10),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 50),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 60),

		Redis: RedisConfig{
			Addr:     strings.TrimSpace(getenv("REDIS_ADDR", "localhost:6379")),
			Password: strings.TrimSpace(getenv("REDIS_PASSWORD", "")),
			DB:       getenvInt("REDIS_DB", 0),
		},
		Auth: AuthConfig{
			JWTSecret:      strings.TrimSpace(getenv("AUTH_JWT_SECRET", "")),
			JWTIssuer:      strings.TrimSpace(getenv("AUTH_JWT_ISSUER", "")),
			InternalAPIKey: strings.TrimSpace(getenv("INTERNAL_API_KEY", "")),
		},
		Gateway: GatewayConfig{
			HubMode:        strings.ToLower(strings.TrimSpace(getenv("GATEWAY_HUB_MODE", "redis"))),
			PresenceTTL:    getenvDuration("GATEWAY_PRESENCE_TTL", 5*time.Minute),
			SendBuffer:     getenvInt("GATEWAY_SEND_BUFFER", 256),
			MaxMessageSize: getenvInt64("GATEWAY_MAX_MESSAGE_BYTES", 64*1024),
			TypingRate:     getenvFloat("GATEWAY_TYPING_RATE", 2),
			TypingBurst:    getenvInt("GATEWAY_TYPING_BURST", 5),
			AllowedOrigins: parseList(getenv("GATEWAY_ALLOWED_ORIGINS", "")),
		},
		Push: PushConfig{
			Enabled:   getenvBool("PUSH_ENABLED", true),
			ServerKey: strings.TrimSpace(getenv("PUSH_FCM_SERVER_KEY", "")),
			Endpoint:  strings.TrimSpace(getenv("PUSH_FCM_ENDPOINT", "https://fcm.googleapis.com/fcm/send")),
			Timeout:   getenvDuration("PUSH_TIMEOUT", 10*time.Second),
			Workers:   getenvInt("PUSH_WORKERS", 8),
		},
		Scheduler: SchedulerConfig{
			Enabled:       getenvBool("SCHEDULER_ENABLED", true),
			SweepEnabled:  getenvBool("SCHEDULER_SWEEP_ENABLED", true),
			SweepInterval: getenvDuration("SCHEDULER_SWEEP_INTERVAL", 5*time.Minute),
			SweepBatch:    getenvInt("SCHEDULER_SWEEP_BATCH", 100),
			PollInterval:  getenvDuration("SCHEDULER_POLL_INTERVAL", 500*time.Millisecond),
			Workers:       getenvInt("SCHEDULER_WORKERS", 4),
			MaxAttempts:   getenvInt("SCHEDULER_MAX_ATTEMPTS", 3),
		},
		Cache: EventCacheConfig{
			Size: getenvInt("EVENT_CACHE_SIZE", 50),
			TTL:  getenvDuration("EVENT_CACHE_TTL", 24*time.Hour),
		},
		Telemetry: TelemetryConfig{
			LogLevel:      strings.ToLower(strings.TrimSpace(getenv("LOG_LEVEL", "info"))),
			LogFormat:     strings.ToLower(strings.TrimSpace(getenv("LOG_FORMAT", "json"))),
			OtelEnabled:   getenvBool("OTEL_ENABLED", false),
			OtelProtocol:  otlpProtocol(),
			SamplingRatio: getenvFloat("OTEL_SAMPLING_RATIO", 0.1),
		},
	}
}

// otlpProtocol prefers the traces-specific variable over the shared one.
func otlpProtocol() string {
	protocol := getenv("OTEL_EXPORTER_OTLP_PROTOCOL", "grpc")
	if traces := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_TRACES_PROTOCOL")); traces != "" {
		protocol = traces
	}
	return strings.ToLower(strings.TrimSpace(protocol))
}

// PushConfigured reports whether outbound push has credentials.
func (c Config) PushConfigured() bool {
	return c.Push.Enabled && c.Push.ServerKey != ""
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt(key string, def int) int {
	return int(getenvInt64(key, int64(def)))
}

func getenvInt64(key string, def int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}

// getenvDuration accepts Go duration strings or bare seconds.
func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	if parsed, err := time.ParseDuration(value); err == nil {
		return parsed
	}
	if seconds, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Duration(seconds) * time.Second
	}
	return def
}

func parseList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
