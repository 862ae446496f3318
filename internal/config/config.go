package config

import "time"

// Config holds server configuration values.
type Config struct {
	Addr              string        `mapstructure:"addr" yaml:"addr"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout" yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	LogLevel          string        `mapstructure:"log_level" yaml:"log_level"`

	MaxMessageBytes    int64 `mapstructure:"max_message_bytes" yaml:"max_message_bytes"`
	RateLimitPerMinute int   `mapstructure:"rate_limit_per_minute" yaml:"rate_limit_per_minute"`

	JWTSecret   string        `mapstructure:"jwt_secret" yaml:"jwt_secret"`
	JWTIssuer   string        `mapstructure:"jwt_issuer" yaml:"jwt_issuer"`
	JWTAudience string        `mapstructure:"jwt_audience" yaml:"jwt_audience"`
	JWTTTL      time.Duration `mapstructure:"jwt_ttl" yaml:"jwt_ttl"`

	Database DatabaseConfig `mapstructure:"database" yaml:"database"`
	Dispatch DispatchConfig `mapstructure:"dispatch" yaml:"dispatch"`
	Presence PresenceConfig `mapstructure:"presence" yaml:"presence"`
	Redis    RedisConfig    `mapstructure:"redis" yaml:"redis"`
	Relay    RelayConfig    `mapstructure:"relay" yaml:"relay"`
	Notify   NotifyConfig   `mapstructure:"notify" yaml:"notify"`
}

// DatabaseConfig selects the relational store.
type DatabaseConfig struct {
	Driver string `mapstructure:"driver" yaml:"driver"` // sqlite | postgres
	Path   string `mapstructure:"path" yaml:"path"`
	DSN    string `mapstructure:"dsn" yaml:"dsn"`
}

// DispatchConfig tunes the micro-batch dispatcher.
type DispatchConfig struct {
	Window         time.Duration `mapstructure:"window" yaml:"window"`
	MaxBatch       int           `mapstructure:"max_batch" yaml:"max_batch"`
	ConnBuffer     int           `mapstructure:"conn_buffer" yaml:"conn_buffer"`
	StorageTimeout time.Duration `mapstructure:"storage_timeout" yaml:"storage_timeout"`
}

// PresenceConfig selects where presence rows live.
type PresenceConfig struct {
	Backend string `mapstructure:"backend" yaml:"backend"` // sql | redis
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr" yaml:"addr"`
	Password string `mapstructure:"password" yaml:"password"`
	DB       int    `mapstructure:"db" yaml:"db"`
}

// RelayConfig enables cross-node fan-out over NATS. Empty URL disables it.
type RelayConfig struct {
	NatsURL string `mapstructure:"nats_url" yaml:"nats_url"`
	Subject string `mapstructure:"subject" yaml:"subject"`
	NodeID  string `mapstructure:"node_id" yaml:"node_id"`
}

// NotifyConfig enables offline notifications over Kafka. No brokers disables it.
type NotifyConfig struct {
	KafkaBrokers []string `mapstructure:"kafka_brokers" yaml:"kafka_brokers"`
	Topic        string   `mapstructure:"topic" yaml:"topic"`
	QueueSize    int      `mapstructure:"queue_size" yaml:"queue_size"`
}

// Default returns configuration with reasonable starter defaults.
func Default() Config {
	return Config{
		Addr:               ":8080",
		ReadHeaderTimeout:  5 * time.Second,
		ShutdownTimeout:    5 * time.Second,
		LogLevel:           "info",
		MaxMessageBytes:    1 << 20,
		RateLimitPerMinute: 600,
		JWTSecret:          "change-me-in-production",
		JWTIssuer:          "relaychat",
		JWTAudience:        "relaychat-clients",
		JWTTTL:             24 * time.Hour,
		Database: DatabaseConfig{
			Driver: "sqlite",
			Path:   "relaychat.db",
		},
		Dispatch: DispatchConfig{
			Window:         100 * time.Millisecond,
			MaxBatch:       512,
			ConnBuffer:     256,
			StorageTimeout: 5 * time.Second,
		},
		Presence: PresenceConfig{Backend: "sql"},
		Redis:    RedisConfig{Addr: "localhost:6379"},
		Relay:    RelayConfig{Subject: "relaychat.events"},
		Notify: NotifyConfig{
			Topic:     "relaychat.notifications",
			QueueSize: 1024,
		},
	}
}
