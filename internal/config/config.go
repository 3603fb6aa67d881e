package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/aescanero/dagomon/pkg/api/relay"
	"github.com/aescanero/dagomon/pkg/ports"
	"github.com/caarlos0/env/v10"
)

// Config holds all configuration for the monitor
type Config struct {
	// Server configuration
	HTTPPort int    `env:"DAGOMON_HTTP_PORT" envDefault:"8080"`
	GRPCPort int    `env:"DAGOMON_GRPC_PORT" envDefault:"9090"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// Monitored backend
	Monitor MonitorConfig

	// Relay endpoint
	Relay RelayConfig

	// Redis event archive
	Redis RedisConfig

	// Timeouts
	Timeouts TimeoutConfig
}

// MonitorConfig describes the connection opened at startup
type MonitorConfig struct {
	// URL of the backend; empty starts the service without a connection
	URL          string   `env:"MONITOR_URL"`
	ConnectionID string   `env:"MONITOR_CONNECTION_ID" envDefault:"default"`
	Protocols    []string `env:"MONITOR_PROTOCOLS" envSeparator:","`
	AuthToken    string   `env:"MONITOR_AUTH_TOKEN"`
	Fallback     bool     `env:"MONITOR_FALLBACK" envDefault:"true"`
	Topics       []string `env:"MONITOR_TOPICS" envSeparator:"," envDefault:"agent_status,task_progress,coordination_event,system_alert"`

	MaxReconnectAttempts int           `env:"MONITOR_MAX_RECONNECT_ATTEMPTS" envDefault:"10"`
	ReconnectDelay       time.Duration `env:"MONITOR_RECONNECT_DELAY" envDefault:"1s"`
	HeartbeatInterval    time.Duration `env:"MONITOR_HEARTBEAT_INTERVAL" envDefault:"30s"`
	MessageTimeout       time.Duration `env:"MONITOR_MESSAGE_TIMEOUT" envDefault:"10s"`
	MaxMissedHeartbeats  int           `env:"MONITOR_MAX_MISSED_HEARTBEATS" envDefault:"3"`
	Compression          bool          `env:"MONITOR_COMPRESSION" envDefault:"true"`
	QueueCapacity        int           `env:"MONITOR_QUEUE_CAPACITY" envDefault:"100"`
	QueueTTL             time.Duration `env:"MONITOR_QUEUE_TTL" envDefault:"5m"`

	HealthInterval time.Duration `env:"MONITOR_HEALTH_INTERVAL" envDefault:"30s"`
}

// RelayConfig holds relay endpoint settings
type RelayConfig struct {
	Enabled    bool          `env:"RELAY_ENABLED" envDefault:"true"`
	SendBuffer int           `env:"RELAY_SEND_BUFFER" envDefault:"64"`
	RateLimit  float64       `env:"RELAY_RATE_LIMIT" envDefault:"20"`
	RateBurst  int           `env:"RELAY_RATE_BURST" envDefault:"40"`
	KeepAlive  time.Duration `env:"RELAY_KEEP_ALIVE" envDefault:"15s"`
	RetryAfter time.Duration `env:"RELAY_RETRY_AFTER" envDefault:"1s"`
	AuthToken  string        `env:"RELAY_AUTH_TOKEN"`
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Enabled  bool   `env:"REDIS_ENABLED" envDefault:"false"`
	Addr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	Password string `env:"REDIS_PASS"`
	DB       int    `env:"REDIS_DB" envDefault:"0"`

	// Connection pool settings
	PoolSize     int           `env:"REDIS_POOL_SIZE" envDefault:"10"`
	MinIdleConns int           `env:"REDIS_MIN_IDLE_CONNS" envDefault:"2"`
	MaxRetries   int           `env:"REDIS_MAX_RETRIES" envDefault:"3"`
	DialTimeout  time.Duration `env:"REDIS_DIAL_TIMEOUT" envDefault:"5s"`
	ReadTimeout  time.Duration `env:"REDIS_READ_TIMEOUT" envDefault:"3s"`
	WriteTimeout time.Duration `env:"REDIS_WRITE_TIMEOUT" envDefault:"3s"`

	// Archive settings
	StreamPrefix string `env:"REDIS_STREAM_PREFIX" envDefault:"dagomon:events"`
	StreamMaxLen int64  `env:"REDIS_STREAM_MAXLEN" envDefault:"10000"`
	Workers      int    `env:"REDIS_WORKERS" envDefault:"1"`
}

// TimeoutConfig holds various timeout configurations
type TimeoutConfig struct {
	ShutdownTimeout time.Duration `env:"TIMEOUT_SHUTDOWN" envDefault:"30s"`
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	// Validate server ports
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.HTTPPort)
	}
	if c.GRPCPort < 1 || c.GRPCPort > 65535 {
		return fmt.Errorf("invalid gRPC port: %d", c.GRPCPort)
	}
	if c.HTTPPort == c.GRPCPort {
		return fmt.Errorf("HTTP and gRPC ports must differ: %d", c.HTTPPort)
	}

	// Validate monitor config
	if c.Monitor.URL != "" {
		if _, err := c.Monitor.ConnectionConfig().ParseURL(); err != nil {
			return fmt.Errorf("invalid monitor URL: %w", err)
		}
		if c.Monitor.ConnectionID == "" {
			return fmt.Errorf("monitor connection id is required")
		}
	}
	if c.Monitor.MaxReconnectAttempts < 0 {
		return fmt.Errorf("monitor max reconnect attempts must not be negative")
	}
	if c.Monitor.MaxMissedHeartbeats < 0 {
		return fmt.Errorf("monitor max missed heartbeats must not be negative")
	}
	if c.Monitor.HealthInterval <= 0 {
		return fmt.Errorf("monitor health interval must be positive")
	}

	// Validate relay config
	if c.Relay.RateLimit < 0 || c.Relay.RateBurst < 0 {
		return fmt.Errorf("relay rate limit must not be negative")
	}

	// Validate Redis config
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis address is required")
	}

	// Validate log level
	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.LogLevel)
	}

	return nil
}

// ConnectionConfig converts the monitor settings into a transport config
func (m MonitorConfig) ConnectionConfig() ports.ConnectionConfig {
	return ports.ConnectionConfig{
		URL:                  m.URL,
		Protocols:            m.Protocols,
		AuthToken:            m.AuthToken,
		MaxReconnectAttempts: m.MaxReconnectAttempts,
		ReconnectDelay:       m.ReconnectDelay,
		HeartbeatInterval:    m.HeartbeatInterval,
		MessageTimeout:       m.MessageTimeout,
		CompressionEnabled:   m.Compression,
		MaxMissedHeartbeats:  m.MaxMissedHeartbeats,
		QueueCapacity:        m.QueueCapacity,
		QueueTTL:             m.QueueTTL,
	}
}

// RedactedURL returns the monitor URL without credentials or query values
func (m MonitorConfig) RedactedURL() string {
	u, err := url.Parse(m.URL)
	if err != nil {
		return ""
	}
	u.User = nil
	u.RawQuery = ""
	return u.String()
}

// HubConfig converts the relay settings into a hub config
func (r RelayConfig) HubConfig() relay.Config {
	return relay.Config{
		SendBuffer: r.SendBuffer,
		RateLimit:  r.RateLimit,
		RateBurst:  r.RateBurst,
		KeepAlive:  r.KeepAlive,
		RetryAfter: r.RetryAfter,
		AuthToken:  r.AuthToken,
	}
}

// GetHTTPAddr returns the HTTP server address
func (c *Config) GetHTTPAddr() string {
	return fmt.Sprintf(":%d", c.HTTPPort)
}

// GetGRPCAddr returns the gRPC server address
func (c *Config) GetGRPCAddr() string {
	return fmt.Sprintf(":%d", c.GRPCPort)
}
