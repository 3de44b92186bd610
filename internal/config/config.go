// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes server timeouts,
// logging, storage, rate limiting, messaging-core tuning (write slots,
// presence TTLs, session queues) and the optional Redis/Kafka/OTel wiring.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// CORSConfig defines Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string
}

// SecurityConfig defines security-related settings such as HSTS and auth.
type SecurityConfig struct {
	EnableHSTS bool
	HSTSMaxAge time.Duration
	JWTSecret  string // empty disables bearer auth (X-User-ID is trusted instead)
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// StoreConfig tunes the message store write path.
type StoreConfig struct {
	WriteSlotTimeout time.Duration // bounded wait for the per-conversation write slot
	AppendMaxRetries int           // WriteConflict retries before surfacing
	AppendRetryBase  time.Duration // initial backoff interval
	MaxTextRunes     int           // upper bound on text payloads
}

// PresenceConfig tunes the presence registry.
type PresenceConfig struct {
	OnlineTTL     time.Duration
	TypingTTL     time.Duration
	SweepInterval time.Duration
}

// GatewayConfig tunes sessions and the WebSocket transport.
type GatewayConfig struct {
	OutboundQueueSize int
	BackfillPageSize  int
	InboundRPS        float64
	InboundBurst      int
	WriteTimeout      time.Duration
	PingInterval      time.Duration
	MaxFrameBytes     int64
}

// BrokerConfig holds optional Redis/Kafka endpoints. Empty values disable them.
type BrokerConfig struct {
	RedisURL       string
	RedisKeyPrefix string
	KafkaBrokers   []string
	KafkaTopic     string

	NotifyQueueSize int           // NOTIFY_QUEUE_SIZE, handoffs buffered off the append path
	NotifyWorkers   int           // NOTIFY_WORKERS
	NotifyTimeout   time.Duration // NOTIFY_TIMEOUT, per publish
}

// Config holds all configuration values for the application.
type Config struct {
	// Server
	Port              string
	ReadTimeout       time.Duration
	ReadHeaderTimeout time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int
	GinMode           string // debug|release|test

	// Logging
	LogLevel    string // debug|info|warn|error|fatal|panic
	LogPretty   bool
	APIBasePath string

	// Storage
	DBPath string

	// Rate limiting (HTTP edge); message posts use the Send bucket
	RateRPS       float64
	RateBurst     int
	RateSendRPS   float64
	RateSendBurst int

	// Web protection
	CORS     CORSConfig
	Security SecurityConfig

	IdempotencyKeyMaxLen int

	Store    StoreConfig
	Presence PresenceConfig
	Gateway  GatewayConfig
	Broker   BrokerConfig

	// Observability
	OTEL OTELConfig
}

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads configuration from environment variables,
// applies defaults, normalizes values, and validates the result.
func Load() (Config, error) {
	cfg := Config{
		Port:              getenv("PORT", "8080"),
		ReadTimeout:       getdur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      getdur("WRITE_TIMEOUT", 20*time.Second),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),

		LogLevel:    strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty:   getbool("LOG_PRETTY", false),
		APIBasePath: normalizeBasePath(getenv("API_BASE_PATH", "/api/v1")),

		DBPath: getenv("DB_PATH", "chat.db"),

		RateRPS:   getfloat("RATE_RPS", 10.0),
		RateBurst: getint("RATE_BURST", 20),

		RateSendRPS:   getfloat("RATE_SEND_RPS", 5.0),
		RateSendBurst: getint("RATE_SEND_BURST", 10),

		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		},
		Security: SecurityConfig{
			EnableHSTS: getbool("ENABLE_HSTS", false),
			HSTSMaxAge: getdur("HSTS_MAX_AGE", 180*24*time.Hour),
			JWTSecret:  getenv("JWT_SECRET", ""),
		},

		IdempotencyKeyMaxLen: getint("IDEMPOTENCY_KEY_MAX_LEN", 200),

		Store: StoreConfig{
			WriteSlotTimeout: getdur("WRITE_SLOT_TIMEOUT", 2*time.Second),
			AppendMaxRetries: getint("APPEND_MAX_RETRIES", 5),
			AppendRetryBase:  getdur("APPEND_RETRY_BASE", 20*time.Millisecond),
			MaxTextRunes:     getint("MAX_TEXT_RUNES", 4000),
		},
		Presence: PresenceConfig{
			OnlineTTL:     getdur("PRESENCE_ONLINE_TTL", 45*time.Second),
			TypingTTL:     getdur("PRESENCE_TYPING_TTL", 5*time.Second),
			SweepInterval: getdur("PRESENCE_SWEEP_INTERVAL", 5*time.Second),
		},
		Gateway: GatewayConfig{
			OutboundQueueSize: getint("OUTBOUND_QUEUE_SIZE", 256),
			BackfillPageSize:  getint("BACKFILL_PAGE_SIZE", 200),
			InboundRPS:        getfloat("SESSION_INBOUND_RPS", 20),
			InboundBurst:      getint("SESSION_INBOUND_BURST", 40),
			WriteTimeout:      getdur("WS_WRITE_TIMEOUT", 10*time.Second),
			PingInterval:      getdur("WS_PING_INTERVAL", 30*time.Second),
			MaxFrameBytes:     int64(getint("WS_MAX_FRAME_BYTES", 64<<10)),
		},
		Broker: BrokerConfig{
			RedisURL:       getenv("REDIS_URL", ""),
			RedisKeyPrefix: getenv("REDIS_KEY_PREFIX", "chat"),
			KafkaBrokers:   splitCSV(getenv("KAFKA_BROKERS", "")),
			KafkaTopic:     getenv("KAFKA_TOPIC", "chat.push"),

			NotifyQueueSize: getint("NOTIFY_QUEUE_SIZE", 1024),
			NotifyWorkers:   getint("NOTIFY_WORKERS", 4),
			NotifyTimeout:   getdur("NOTIFY_TIMEOUT", 5*time.Second),
		},

		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "go-chat-core"),
			SampleRatio: getfloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
	}

	// --- normalization ---
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	switch cfg.GinMode {
	case "debug", "release", "test":
	default:
		cfg.GinMode = "release"
	}

	// --- validation ---
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return cfg, errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if strings.TrimSpace(cfg.Port) == "" {
		return cfg, errors.New("PORT must not be empty")
	}
	if cfg.ReadTimeout <= 0 || cfg.ReadHeaderTimeout <= 0 || cfg.WriteTimeout <= 0 || cfg.IdleTimeout <= 0 {
		return cfg, errors.New("timeouts must be positive durations")
	}
	if cfg.MaxHeaderBytes <= 0 {
		return cfg, errors.New("MAX_HEADER_BYTES must be > 0")
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		return cfg, errors.New("DB_PATH must not be empty")
	}
	if cfg.RateRPS < 0 {
		return cfg, errors.New("RATE_RPS must be >= 0")
	}
	if cfg.RateBurst < 1 {
		return cfg, errors.New("RATE_BURST must be >= 1")
	}
	if cfg.RateSendRPS < 0 || cfg.RateSendBurst < 1 {
		return cfg, errors.New("RATE_SEND_RPS must be >= 0 and RATE_SEND_BURST >= 1")
	}
	if cfg.Security.HSTSMaxAge < 0 {
		return cfg, errors.New("HSTS_MAX_AGE must be >= 0")
	}
	if cfg.IdempotencyKeyMaxLen <= 0 {
		return cfg, errors.New("IDEMPOTENCY_KEY_MAX_LEN must be > 0")
	}
	if cfg.Store.WriteSlotTimeout <= 0 {
		return cfg, errors.New("WRITE_SLOT_TIMEOUT must be > 0")
	}
	if cfg.Store.AppendMaxRetries < 0 {
		return cfg, errors.New("APPEND_MAX_RETRIES must be >= 0")
	}
	if cfg.Store.AppendRetryBase <= 0 {
		return cfg, errors.New("APPEND_RETRY_BASE must be > 0")
	}
	if cfg.Store.MaxTextRunes <= 0 {
		return cfg, errors.New("MAX_TEXT_RUNES must be > 0")
	}
	if cfg.Presence.OnlineTTL <= 0 || cfg.Presence.TypingTTL <= 0 || cfg.Presence.SweepInterval <= 0 {
		return cfg, errors.New("presence TTLs and sweep interval must be positive durations")
	}
	if cfg.Presence.TypingTTL >= cfg.Presence.OnlineTTL {
		return cfg, errors.New("PRESENCE_TYPING_TTL must be shorter than PRESENCE_ONLINE_TTL")
	}
	if cfg.Gateway.OutboundQueueSize < 1 {
		return cfg, errors.New("OUTBOUND_QUEUE_SIZE must be >= 1")
	}
	if cfg.Gateway.BackfillPageSize < 1 {
		return cfg, errors.New("BACKFILL_PAGE_SIZE must be >= 1")
	}
	if cfg.Gateway.InboundRPS <= 0 || cfg.Gateway.InboundBurst < 1 {
		return cfg, errors.New("SESSION_INBOUND_RPS must be > 0 and SESSION_INBOUND_BURST >= 1")
	}
	if cfg.Gateway.WriteTimeout <= 0 || cfg.Gateway.PingInterval <= 0 {
		return cfg, errors.New("WS_WRITE_TIMEOUT and WS_PING_INTERVAL must be positive durations")
	}
	if cfg.Gateway.MaxFrameBytes <= 0 {
		return cfg, errors.New("WS_MAX_FRAME_BYTES must be > 0")
	}
	if len(cfg.Broker.KafkaBrokers) > 0 && strings.TrimSpace(cfg.Broker.KafkaTopic) == "" {
		return cfg, errors.New("KAFKA_TOPIC must not be empty when KAFKA_BROKERS is set")
	}
	if cfg.Broker.NotifyQueueSize < 1 || cfg.Broker.NotifyWorkers < 1 || cfg.Broker.NotifyTimeout <= 0 {
		return cfg, errors.New("NOTIFY_QUEUE_SIZE and NOTIFY_WORKERS must be >= 1 and NOTIFY_TIMEOUT positive")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return cfg, errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}

	return cfg, nil
}

// ---- helpers ----

func getenv(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return v
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getint(k string, def int) int {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return def
}

func getdur(k string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// normalizeBasePath ensures leading '/' and strips trailing '/' (except root).
func normalizeBasePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 {
		p = strings.TrimRight(p, "/")
		if p == "" {
			p = "/"
		}
	}
	return p
}
