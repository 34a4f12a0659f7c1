package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Auth      AuthConfig      `mapstructure:"auth"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Upstream  UpstreamConfig  `mapstructure:"upstream"`
	Security  SecurityConfig  `mapstructure:"security"`
	UsageLog  UsageLogConfig  `mapstructure:"usage_log"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	CORS      CORSConfig      `mapstructure:"cors"`
}

type ServerConfig struct {
	Port             int           `mapstructure:"port"`
	MetricsPort      int           `mapstructure:"metrics_port"`
	ReadTimeout      time.Duration `mapstructure:"read_timeout"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout"`
	IdleTimeout      time.Duration `mapstructure:"idle_timeout"`
	GracefulShutdown time.Duration `mapstructure:"graceful_shutdown"`
}

type DatabaseConfig struct {
	URL             string        `mapstructure:"url"`
	MaxConnections  int           `mapstructure:"max_connections"`
	MaxIdleConns    int           `mapstructure:"max_idle_connections"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

type RedisConfig struct {
	URL      string `mapstructure:"url"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

type AuthConfig struct {
	// KeySalt is appended to presented secrets before hashing into the
	// credential fingerprint. Changing it invalidates every stored fingerprint.
	KeySalt  string        `mapstructure:"key_salt"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

type RateLimitConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Requests int           `mapstructure:"requests"`
	Window   time.Duration `mapstructure:"window"`
}

type UpstreamConfig struct {
	AnthropicAPIKey  string        `mapstructure:"anthropic_api_key"`
	AnthropicBaseURL string        `mapstructure:"anthropic_base_url"`
	OpenAIAPIKey     string        `mapstructure:"openai_api_key"`
	OpenAIBaseURL    string        `mapstructure:"openai_base_url"`
	GoogleAPIKey     string        `mapstructure:"google_api_key"`
	GoogleBaseURL    string        `mapstructure:"google_base_url"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout"`
	StreamIdleTimeout time.Duration `mapstructure:"stream_idle_timeout"`
}

type SecurityConfig struct {
	DetectionLevel    string        `mapstructure:"detection_level"`
	AutoKillEnabled   bool          `mapstructure:"auto_kill_enabled"`
	AutoKillThreshold float64       `mapstructure:"auto_kill_threshold"`
	RequestBudget     time.Duration `mapstructure:"request_budget"`
	ResponseBudget    time.Duration `mapstructure:"response_budget"`
	AsyncQueueSize    int           `mapstructure:"async_queue_size"`
}

type UsageLogConfig struct {
	QueueSize     int           `mapstructure:"queue_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	BatchSize     int           `mapstructure:"batch_size"`
}

type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

type CORSConfig struct {
	AllowedOrigins   []string `mapstructure:"allowed_origins"`
	AllowedMethods   []string `mapstructure:"allowed_methods"`
	AllowedHeaders   []string `mapstructure:"allowed_headers"`
	ExposedHeaders   []string `mapstructure:"exposed_headers"`
	AllowCredentials bool     `mapstructure:"allow_credentials"`
	MaxAge           int      `mapstructure:"max_age"`
}

func Load(configPath string) (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	if configPath != "" {
		viper.AddConfigPath(configPath)
	} else {
		viper.AddConfigPath(".")
		viper.AddConfigPath("./config")
		viper.AddConfigPath("/etc/accgate")
	}

	setDefaults()

	viper.AutomaticEnv()
	bindEnvVars()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if config.Auth.KeySalt == "" {
		return nil, fmt.Errorf("auth.key_salt (ACCGATE_KEY_SALT) is required")
	}

	return &config, nil
}

func setDefaults() {
	// Server defaults
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.metrics_port", 9090)
	viper.SetDefault("server.read_timeout", "30s")
	viper.SetDefault("server.write_timeout", "300s")
	viper.SetDefault("server.idle_timeout", "120s")
	viper.SetDefault("server.graceful_shutdown", "30s")

	// Database defaults
	viper.SetDefault("database.max_connections", 100)
	viper.SetDefault("database.max_idle_connections", 10)
	viper.SetDefault("database.conn_max_lifetime", "1h")

	// Redis defaults
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.pool_size", 100)

	// Auth defaults
	viper.SetDefault("auth.cache_ttl", "60s")

	// Rate limit defaults
	viper.SetDefault("rate_limit.enabled", true)
	viper.SetDefault("rate_limit.requests", 1000)
	viper.SetDefault("rate_limit.window", "60s")

	// Upstream defaults
	viper.SetDefault("upstream.anthropic_base_url", "https://api.anthropic.com")
	viper.SetDefault("upstream.openai_base_url", "https://api.openai.com")
	viper.SetDefault("upstream.google_base_url", "https://generativelanguage.googleapis.com")
	viper.SetDefault("upstream.request_timeout", "120s")
	viper.SetDefault("upstream.stream_idle_timeout", "60s")

	// Security defaults
	viper.SetDefault("security.detection_level", "monitor")
	viper.SetDefault("security.auto_kill_enabled", false)
	viper.SetDefault("security.auto_kill_threshold", 0.95)
	viper.SetDefault("security.request_budget", "10ms")
	viper.SetDefault("security.response_budget", "10ms")
	viper.SetDefault("security.async_queue_size", 1024)

	// Usage log defaults
	viper.SetDefault("usage_log.queue_size", 1024)
	viper.SetDefault("usage_log.flush_interval", "2s")
	viper.SetDefault("usage_log.batch_size", 100)

	// Logging defaults
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
	viper.SetDefault("logging.output_path", "")

	// CORS defaults
	viper.SetDefault("cors.allow_credentials", true)
	viper.SetDefault("cors.max_age", 86400)
}

func bindEnvVars() {
	// Server
	viper.BindEnv("server.port", "SERVER_PORT")
	viper.BindEnv("server.metrics_port", "METRICS_PORT")
	viper.BindEnv("server.read_timeout", "SERVER_READ_TIMEOUT")
	viper.BindEnv("server.write_timeout", "SERVER_WRITE_TIMEOUT")
	viper.BindEnv("server.idle_timeout", "SERVER_IDLE_TIMEOUT")

	// Database
	viper.BindEnv("database.url", "DATABASE_URL")
	viper.BindEnv("database.max_connections", "DATABASE_MAX_CONNECTIONS")
	viper.BindEnv("database.max_idle_connections", "DATABASE_MAX_IDLE_CONNECTIONS")

	// Redis
	viper.BindEnv("redis.url", "REDIS_URL")
	viper.BindEnv("redis.password", "REDIS_PASSWORD")
	viper.BindEnv("redis.db", "REDIS_DB")

	// Auth
	viper.BindEnv("auth.key_salt", "ACCGATE_KEY_SALT")
	viper.BindEnv("auth.cache_ttl", "ACCGATE_AUTH_CACHE_TTL")

	// Rate limiting
	viper.BindEnv("rate_limit.requests", "RATE_LIMIT_REQUESTS")
	viper.BindEnv("rate_limit.window", "RATE_LIMIT_WINDOW")

	// Upstream providers
	viper.BindEnv("upstream.anthropic_api_key", "ANTHROPIC_API_KEY")
	viper.BindEnv("upstream.anthropic_base_url", "ANTHROPIC_BASE_URL")
	viper.BindEnv("upstream.openai_api_key", "OPENAI_API_KEY")
	viper.BindEnv("upstream.openai_base_url", "OPENAI_BASE_URL")
	viper.BindEnv("upstream.google_api_key", "GOOGLE_API_KEY")
	viper.BindEnv("upstream.google_base_url", "GOOGLE_BASE_URL")

	// Security
	viper.BindEnv("security.detection_level", "SECURITY_DETECTION_LEVEL")
	viper.BindEnv("security.auto_kill_enabled", "SECURITY_AUTO_KILL")
	viper.BindEnv("security.auto_kill_threshold", "SECURITY_AUTO_KILL_THRESHOLD")

	// Logging
	viper.BindEnv("logging.level", "LOG_LEVEL")
	viper.BindEnv("logging.format", "LOG_FORMAT")

	// CORS
	viper.BindEnv("cors.allowed_origins", "CORS_ALLOWED_ORIGINS")
}
