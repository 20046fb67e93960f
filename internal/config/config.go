package config

import (
	"fmt"
	"net/url"
	"time"
)

type Config struct {
	Server         ServerConfig         `mapstructure:"server"`
	Database       DatabaseConfig       `mapstructure:"database"`
	Broker         BrokerConfig         `mapstructure:"broker"`
	Logging        LoggingConfig        `mapstructure:"logging"`
	Ingest         IngestConfig         `mapstructure:"ingest"`
	Outbox         OutboxConfig         `mapstructure:"outbox"`
	Consumer       ConsumerConfig       `mapstructure:"consumer"`
	Collector      CollectorConfig      `mapstructure:"collector"`
	RateLimit      RateLimitConfig      `mapstructure:"rate_limit"`
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker"`
	Tracing        TracingConfig        `mapstructure:"tracing"`
}

type ServerConfig struct {
	Port                 int `mapstructure:"port"`
	ReadTimeoutSeconds   int `mapstructure:"read_timeout_seconds"`
	WriteTimeoutSeconds  int `mapstructure:"write_timeout_seconds"`
	ShutdownGraceSeconds int `mapstructure:"shutdown_grace_seconds"`
}

func (c ServerConfig) ReadTimeout() time.Duration {
	return time.Duration(c.ReadTimeoutSeconds) * time.Second
}

func (c ServerConfig) WriteTimeout() time.Duration {
	return time.Duration(c.WriteTimeoutSeconds) * time.Second
}

func (c ServerConfig) ShutdownGrace() time.Duration {
	return time.Duration(c.ShutdownGraceSeconds) * time.Second
}

type DatabaseConfig struct {
	Postgres      PostgresConfig `mapstructure:"postgres"`
	Redis         RedisConfig    `mapstructure:"redis"`
	MongoDB       MongoDBConfig  `mapstructure:"mongodb"`
	RunMigrations bool           `mapstructure:"run_migrations"`
}

type PostgresConfig struct {
	URL          string `mapstructure:"url"`
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	DBName       string `mapstructure:"dbname"`
	SSLMode      string `mapstructure:"sslmode"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

// DSN returns the configured URL, or one assembled from the discrete fields.
func (c PostgresConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	if c.Host == "" {
		return ""
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:     c.DBName,
		RawQuery: "sslmode=" + c.SSLMode,
	}
	return u.String()
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type MongoDBConfig struct {
	URI      string `mapstructure:"uri"`
	Database string `mapstructure:"database"`
}

type BrokerConfig struct {
	Type  string      `mapstructure:"type"`
	NATS  NATSConfig  `mapstructure:"nats"`
	Kafka KafkaConfig `mapstructure:"kafka"`
}

type NATSConfig struct {
	URL                  string         `mapstructure:"url"`
	Name                 string         `mapstructure:"name"`
	MaxReconnects        int            `mapstructure:"max_reconnects"`
	ReconnectWaitSeconds int            `mapstructure:"reconnect_wait_seconds"`
	Streams              []StreamConfig `mapstructure:"streams"`
	Stream               string         `mapstructure:"stream"`
	Consumer             string         `mapstructure:"consumer"`
	FilterSubject        string         `mapstructure:"filter_subject"`
	AckWaitSeconds       int            `mapstructure:"ack_wait_seconds"`
	MaxDeliver           int            `mapstructure:"max_deliver"`
	MaxAckPending        int            `mapstructure:"max_ack_pending"`
	DuplicateWindowSecs  int            `mapstructure:"duplicate_window_seconds"`
}

type StreamConfig struct {
	Name     string   `mapstructure:"name"`
	Subjects []string `mapstructure:"subjects"`
}

type KafkaConfig struct {
	Brokers     []string `mapstructure:"brokers"`
	GroupID     string   `mapstructure:"group_id"`
	TopicPrefix string   `mapstructure:"topic_prefix"`
	Topics      []string `mapstructure:"topics"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

type IngestConfig struct {
	BatchSize    int   `mapstructure:"batch_size"`
	Workers      int   `mapstructure:"workers"`
	MaxBodyBytes int64 `mapstructure:"max_body_bytes"`
}

type OutboxConfig struct {
	PollIntervalMs     int    `mapstructure:"poll_interval_ms"`
	BatchSize          int    `mapstructure:"batch_size"`
	MaxRetries         int    `mapstructure:"max_retries"`
	ClaimStrategy      string `mapstructure:"claim_strategy"`
	ClaimLeaseSeconds  int    `mapstructure:"claim_lease_seconds"`
	OnSuccess          string `mapstructure:"on_success"`
	PublishTimeoutMs   int    `mapstructure:"publish_timeout_ms"`
	PublishConcurrency int    `mapstructure:"publish_concurrency"`
}

func (c OutboxConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

func (c OutboxConfig) PublishTimeout() time.Duration {
	return time.Duration(c.PublishTimeoutMs) * time.Millisecond
}

func (c OutboxConfig) ClaimLease() time.Duration {
	return time.Duration(c.ClaimLeaseSeconds) * time.Second
}

type ConsumerConfig struct {
	BatchSize      int `mapstructure:"batch_size"`
	BatchTimeoutMs int `mapstructure:"batch_timeout_ms"`
	Concurrency    int `mapstructure:"concurrency"`
	FetchSize      int `mapstructure:"fetch_size"`
}

func (c ConsumerConfig) BatchTimeout() time.Duration {
	return time.Duration(c.BatchTimeoutMs) * time.Millisecond
}

type CollectorConfig struct {
	Sink   string      `mapstructure:"sink"`
	Filter string      `mapstructure:"filter"`
	Dedup  DedupConfig `mapstructure:"dedup"`
}

type DedupConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	TTLSeconds   int    `mapstructure:"ttl_seconds"`
	OnRedisError string `mapstructure:"on_redis_error"` // "allow" or "deny"
}

type RateLimitConfig struct {
	Enabled         bool    `mapstructure:"enabled"`
	RPS             float64 `mapstructure:"rps"`
	Burst           int     `mapstructure:"burst"`
	CleanupInterval int     `mapstructure:"cleanup_interval"`
	MaxAge          int     `mapstructure:"max_age"`
}

type CircuitBreakerConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	MaxRequests  uint32        `mapstructure:"max_requests"`
	Interval     time.Duration `mapstructure:"interval"`
	Timeout      time.Duration `mapstructure:"timeout"`
	FailureRatio float64       `mapstructure:"failure_ratio"`
	MinRequests  uint32        `mapstructure:"min_requests"`
}

type TracingConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	ServiceName string        `mapstructure:"service_name"`
	OTLP        OTLPConfig    `mapstructure:"otlp"`
	Sampler     SamplerConfig `mapstructure:"sampler"`
}

type OTLPConfig struct {
	Endpoint string `mapstructure:"endpoint"`
	Insecure bool   `mapstructure:"insecure"`
}

type SamplerConfig struct {
	Type  string  `mapstructure:"type"`
	Param float64 `mapstructure:"param"`
}

// Load reads configuration and validates the options the named service
// cannot start without.
func Load(configFile, service string) (*Config, error) {
	cfg, err := LoadConfig(configFile)
	if err != nil {
		return nil, err
	}
	if err := ValidateFor(cfg, service); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}
