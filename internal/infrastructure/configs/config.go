package configs

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/hilthontt/relay/internal/infrastructure/env"
	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	HTTP        HTTPConfig        `koanf:"http"`
	Server      ServerConfig      `koanf:"server"`
	RabbitMQ    RabbitMQConfig    `koanf:"rabbitmq"`
	Session     SessionConfig     `koanf:"session"`
	Redis       RedisConfig       `koanf:"redis"`
	Realtime    RealtimeConfig    `koanf:"realtime"`
	RateLimiter RateLimiterConfig `koanf:"rateLimiter"`
	Logger      LoggerConfig      `koanf:"logger"`
	Tracing     TracingConfig     `koanf:"tracing"`
	Mongo       MongoConfig       `koanf:"mongo"`
	Internal    InternalConfig    `koanf:"internal"`
}

type HTTPConfig struct {
	Host            string        `koanf:"host"`
	Port            uint16        `koanf:"port"`
	AllowedOrigins  []string      `koanf:"allowed_origins"`
	AllowedHeaders  []string      `koanf:"allowed_headers"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

type ServerConfig struct {
	Role string `koanf:"role"`
}

type RabbitMQConfig struct {
	Host              string        `koanf:"host"`
	Port              int           `koanf:"port"`
	Username          string        `koanf:"username"`
	Password          string        `koanf:"password"`
	VHost             string        `koanf:"vhost"`
	Heartbeat         time.Duration `koanf:"heartbeat"`
	ConnectionTimeout time.Duration `koanf:"connection_timeout"`
	ReconnectDelay    time.Duration `koanf:"reconnect_delay"`
	ReconnectStrategy string        `koanf:"reconnect_strategy"`
	MaxReconnectDelay time.Duration `koanf:"max_reconnect_delay"`
	Prefetch          int           `koanf:"prefetch"`
}

func (c RabbitMQConfig) URI() string {
	vhost := strings.TrimPrefix(c.VHost, "/")
	return fmt.Sprintf("amqp://%s:%s@%s:%d/%s", c.Username, c.Password, c.Host, c.Port, vhost)
}

type SessionConfig struct {
	Backend        string        `koanf:"backend"`
	ValidationURL  string        `koanf:"validation_url"`
	RequestTimeout time.Duration `koanf:"request_timeout"`
	CacheTTL       time.Duration `koanf:"cache_ttl"`
	RedisPrefix    string        `koanf:"redis_prefix"`
}

type RedisConfig struct {
	Addr     string `koanf:"addr"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
}

type RealtimeConfig struct {
	Path            string        `koanf:"path"`
	SessionCookie   string        `koanf:"session_cookie"`
	AllowedOrigins  []string      `koanf:"allowed_origins"`
	MaxMessageSize  int64         `koanf:"max_message_size"`
	SendBuffer      int           `koanf:"send_buffer"`
	WriteWait       time.Duration `koanf:"write_wait"`
	PongWait        time.Duration `koanf:"pong_wait"`
	EventsPerSecond int           `koanf:"events_per_second"`
	EventBurst      int           `koanf:"event_burst"`
}

type RateLimiterConfig struct {
	MaxRatePerSecond int           `koanf:"maxRatePerSecond"`
	MaxBurst         int           `koanf:"maxBurst"`
	CacheTTL         time.Duration `koanf:"cacheTTL"`
	SourceHeaderKey  string        `koanf:"sourceHeaderKey"`
}

type LoggerConfig struct {
	Logger   string `koanf:"logger"`
	Level    string `koanf:"level"`
	Encoding string `koanf:"encoding"`
	FilePath string `koanf:"file_path"`
}

type TracingConfig struct {
	Enabled     bool    `koanf:"enabled"`
	Endpoint    string  `koanf:"endpoint"`
	ServiceName string  `koanf:"service_name"`
	Environment string  `koanf:"environment"`
	SampleRatio float64 `koanf:"sample_ratio"`
}

type MongoConfig struct {
	Enabled           bool          `koanf:"enabled"`
	URI               string        `koanf:"uri"`
	Database          string        `koanf:"database"`
	ConnectionTimeout time.Duration `koanf:"connection_timeout"`
}

type InternalConfig struct {
	Token string `koanf:"token"`
}

func Load(path string) (*Config, error) {
	// .env is optional; real environment variables win over it.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	applyDefaults(k)
	applyEnvOverrides(k)

	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Session.Backend {
	case "http":
		if c.Session.ValidationURL == "" {
			return errors.New("session.validation_url is required for the http session backend")
		}
	case "redis":
		if c.Redis.Addr == "" {
			return errors.New("redis.addr is required for the redis session backend")
		}
	default:
		return fmt.Errorf("unknown session backend %q: supported [http, redis]", c.Session.Backend)
	}

	switch c.RabbitMQ.ReconnectStrategy {
	case "constant", "exponential":
	default:
		return fmt.Errorf("unknown reconnect strategy %q: supported [constant, exponential]", c.RabbitMQ.ReconnectStrategy)
	}

	return nil
}

func applyDefaults(k *koanf.Koanf) {
	// HTTP defaults
	setDefault(k, "http.host", "0.0.0.0")
	setDefault(k, "http.port", 3001)
	setDefault(k, "http.read_timeout", 10*time.Second)
	setDefault(k, "http.write_timeout", 30*time.Second)
	setDefault(k, "http.shutdown_timeout", 15*time.Second)
	setDefault(k, "http.allowed_origins", []string{"*"})
	setDefault(k, "http.allowed_headers", []string{"Content-Type", "Authorization", "X-Internal-Token"})

	setDefault(k, "server.role", "relay")

	// RabbitMQ defaults
	setDefault(k, "rabbitmq.host", "127.0.0.1")
	setDefault(k, "rabbitmq.port", 5672)
	setDefault(k, "rabbitmq.username", "guest")
	setDefault(k, "rabbitmq.password", "guest")
	setDefault(k, "rabbitmq.vhost", "/")
	setDefault(k, "rabbitmq.heartbeat", 60*time.Second)
	setDefault(k, "rabbitmq.connection_timeout", 10*time.Second)
	setDefault(k, "rabbitmq.reconnect_delay", 5*time.Second)
	setDefault(k, "rabbitmq.reconnect_strategy", "constant")
	setDefault(k, "rabbitmq.max_reconnect_delay", time.Minute)
	setDefault(k, "rabbitmq.prefetch", 50)

	// Session defaults
	setDefault(k, "session.backend", "http")
	setDefault(k, "session.validation_url", "http://127.0.0.1:3000/api/auth/validate-session")
	setDefault(k, "session.request_timeout", 5*time.Second)
	setDefault(k, "session.cache_ttl", 5*time.Minute)
	setDefault(k, "session.redis_prefix", "session:")

	setDefault(k, "redis.addr", "127.0.0.1:6379")
	setDefault(k, "redis.db", 0)

	// Realtime defaults
	setDefault(k, "realtime.path", "/ws")
	setDefault(k, "realtime.session_cookie", "session-token")
	setDefault(k, "realtime.allowed_origins", []string{"*"})
	setDefault(k, "realtime.max_message_size", 32*1024)
	setDefault(k, "realtime.send_buffer", 256)
	setDefault(k, "realtime.write_wait", 10*time.Second)
	setDefault(k, "realtime.pong_wait", 60*time.Second)
	setDefault(k, "realtime.events_per_second", 20)
	setDefault(k, "realtime.event_burst", 40)

	// Rate limiter defaults
	setDefault(k, "rateLimiter.maxRatePerSecond", 10)
	setDefault(k, "rateLimiter.maxBurst", 20)
	setDefault(k, "rateLimiter.cacheTTL", 5*time.Minute)
	setDefault(k, "rateLimiter.sourceHeaderKey", "X-Forwarded-For")

	setDefault(k, "logger.logger", "zap")
	setDefault(k, "logger.level", "info")
	setDefault(k, "logger.encoding", "json")
	setDefault(k, "logger.file_path", "")

	setDefault(k, "tracing.enabled", false)
	setDefault(k, "tracing.endpoint", "localhost:4318")
	setDefault(k, "tracing.service_name", "relay")
	setDefault(k, "tracing.environment", "development")
	setDefault(k, "tracing.sample_ratio", 1.0)

	setDefault(k, "mongo.enabled", false)
	setDefault(k, "mongo.uri", "mongodb://localhost:27017")
	setDefault(k, "mongo.database", "relay")
	setDefault(k, "mongo.connection_timeout", 20*time.Second)

	setDefault(k, "internal.token", "")
}

func applyEnvOverrides(k *koanf.Koanf) {
	// HTTP config from env
	if host := env.GetString("HTTP_HOST", ""); host != "" {
		k.Set("http.host", host)
	}
	if port := env.GetInt("PORT", 0); port > 0 {
		k.Set("http.port", port)
	}
	if port := env.GetInt("HTTP_PORT", 0); port > 0 {
		k.Set("http.port", port)
	}
	if origins := env.GetStrings("HTTP_ALLOWED_ORIGINS", nil); len(origins) > 0 {
		k.Set("http.allowed_origins", origins)
	}

	if role := env.GetString("SERVER_ROLE", ""); role != "" {
		k.Set("server.role", role)
	}

	// RabbitMQ config from env
	if host := env.GetString("RABBITMQ_HOST", ""); host != "" {
		k.Set("rabbitmq.host", host)
	}
	if port := env.GetInt("RABBITMQ_PORT", 0); port > 0 {
		k.Set("rabbitmq.port", port)
	}
	if user := env.GetString("RABBITMQ_USERNAME", ""); user != "" {
		k.Set("rabbitmq.username", user)
	}
	if password := env.GetString("RABBITMQ_PASSWORD", ""); password != "" {
		k.Set("rabbitmq.password", password)
	}
	if vhost := env.GetString("RABBITMQ_VHOST", ""); vhost != "" {
		k.Set("rabbitmq.vhost", vhost)
	}
	if heartbeat := env.GetInt("RABBITMQ_HEARTBEAT", 0); heartbeat > 0 {
		k.Set("rabbitmq.heartbeat", time.Duration(heartbeat)*time.Second)
	}
	if timeout := env.GetInt("RABBITMQ_CONNECTION_TIMEOUT", 0); timeout > 0 {
		k.Set("rabbitmq.connection_timeout", time.Duration(timeout)*time.Millisecond)
	}
	if delay := env.GetDuration("RABBITMQ_RECONNECT_DELAY", 0); delay > 0 {
		k.Set("rabbitmq.reconnect_delay", delay)
	}
	if strategy := env.GetString("RABBITMQ_RECONNECT_STRATEGY", ""); strategy != "" {
		k.Set("rabbitmq.reconnect_strategy", strategy)
	}

	// Session config from env
	if backend := env.GetString("SESSION_BACKEND", ""); backend != "" {
		k.Set("session.backend", backend)
	}
	if url := env.GetString("SESSION_VALIDATION_URL", ""); url != "" {
		k.Set("session.validation_url", url)
	}
	if ttl := env.GetDuration("SESSION_CACHE_TTL", 0); ttl > 0 {
		k.Set("session.cache_ttl", ttl)
	}

	if addr := env.GetString("REDIS_ADDR", ""); addr != "" {
		k.Set("redis.addr", addr)
	}
	if password := env.GetString("REDIS_PASSWORD", ""); password != "" {
		k.Set("redis.password", password)
	}

	if cookie := env.GetString("REALTIME_SESSION_COOKIE", ""); cookie != "" {
		k.Set("realtime.session_cookie", cookie)
	}

	// Rate limiter config from env
	if maxRate := env.GetInt("RATE_LIMIT_MAX_RATE_PER_SECOND", 0); maxRate > 0 {
		k.Set("rateLimiter.maxRatePerSecond", maxRate)
	}
	if maxBurst := env.GetInt("RATE_LIMIT_MAX_BURST", 0); maxBurst > 0 {
		k.Set("rateLimiter.maxBurst", maxBurst)
	}

	if logger := env.GetString("LOGGER_LOGGER", ""); logger != "" {
		k.Set("logger.logger", logger)
	}
	if level := env.GetString("LOGGER_LEVEL", ""); level != "" {
		k.Set("logger.level", level)
	}
	if path := env.GetString("LOGGER_FILE_PATH", ""); path != "" {
		k.Set("logger.file_path", path)
	}

	if enabled, ok := lookupBool("TRACING_ENABLED"); ok {
		k.Set("tracing.enabled", enabled)
	}
	if endpoint := env.GetString("OTEL_EXPORTER_OTLP_ENDPOINT", ""); endpoint != "" {
		k.Set("tracing.endpoint", endpoint)
	}

	if enabled, ok := lookupBool("MONGO_ENABLED"); ok {
		k.Set("mongo.enabled", enabled)
	}
	if uri := env.GetString("MONGODB_URI", ""); uri != "" {
		k.Set("mongo.uri", uri)
	}
	if database := env.GetString("MONGODB_DATABASE", ""); database != "" {
		k.Set("mongo.database", database)
	}

	if token := env.GetString("INTERNAL_TOKEN", ""); token != "" {
		k.Set("internal.token", token)
	}
}

func lookupBool(key string) (bool, bool) {
	if env.GetString(key, "") == "" {
		return false, false
	}
	return env.GetBool(key, false), true
}

// setDefault only sets the value if the key doesn't already exist
func setDefault(k *koanf.Koanf, key string, value any) {
	if !k.Exists(key) {
		k.Set(key, value)
	}
}
