package config

import (
	"errors"
	"fmt"
	"io/fs"
	"runtime"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// LoadConfig reads an optional YAML file and layers environment variables on
// top. A .env file in the working directory is loaded first when present.
func LoadConfig(configFile string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	viper.Reset()

	viper.SetConfigType("yaml")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()
	bindEnvVariables()

	if configFile != "" {
		viper.SetConfigFile(configFile)
		if err := viper.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := ValidateStatic(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("server.port", 3000)
	viper.SetDefault("server.read_timeout_seconds", 30)
	viper.SetDefault("server.write_timeout_seconds", 120)
	viper.SetDefault("server.shutdown_grace_seconds", 30)

	viper.SetDefault("database.postgres.url", "")
	viper.SetDefault("database.postgres.host", "")
	viper.SetDefault("database.postgres.port", 5432)
	viper.SetDefault("database.postgres.user", "")
	viper.SetDefault("database.postgres.password", "")
	viper.SetDefault("database.postgres.dbname", "")
	viper.SetDefault("database.postgres.sslmode", "disable")
	viper.SetDefault("database.postgres.max_open_conns", 20)
	viper.SetDefault("database.postgres.max_idle_conns", 5)
	viper.SetDefault("database.redis.host", "")
	viper.SetDefault("database.redis.port", 6379)
	viper.SetDefault("database.redis.password", "")
	viper.SetDefault("database.redis.db", 0)
	viper.SetDefault("database.mongodb.uri", "")
	viper.SetDefault("database.mongodb.database", "eventgate")
	viper.SetDefault("database.run_migrations", false)

	viper.SetDefault("broker.type", "nats")
	viper.SetDefault("broker.nats.url", "")
	viper.SetDefault("broker.nats.name", "eventgate")
	viper.SetDefault("broker.nats.max_reconnects", -1)
	viper.SetDefault("broker.nats.reconnect_wait_seconds", 2)
	viper.SetDefault("broker.nats.streams", []map[string]interface{}{
		{"name": "FACEBOOK", "subjects": []string{"facebook.>"}},
		{"name": "TIKTOK", "subjects": []string{"tiktok.>"}},
	})
	viper.SetDefault("broker.nats.stream", "")
	viper.SetDefault("broker.nats.consumer", "")
	viper.SetDefault("broker.nats.filter_subject", "")
	viper.SetDefault("broker.nats.ack_wait_seconds", 30)
	viper.SetDefault("broker.nats.max_deliver", -1)
	viper.SetDefault("broker.nats.max_ack_pending", 1000)
	viper.SetDefault("broker.nats.duplicate_window_seconds", 120)
	viper.SetDefault("broker.kafka.brokers", []string{})
	viper.SetDefault("broker.kafka.group_id", "")
	viper.SetDefault("broker.kafka.topic_prefix", "")
	viper.SetDefault("broker.kafka.topics", []string{})

	viper.SetDefault("logging.level", "info")

	viper.SetDefault("ingest.batch_size", 8000)
	viper.SetDefault("ingest.workers", 2*runtime.GOMAXPROCS(0))
	viper.SetDefault("ingest.max_body_bytes", 0)

	viper.SetDefault("outbox.claim_strategy", "skip_locked")
	viper.SetDefault("outbox.claim_lease_seconds", 60)
	viper.SetDefault("outbox.on_success", "delete")
	viper.SetDefault("outbox.publish_timeout_ms", 5000)
	viper.SetDefault("outbox.publish_concurrency", 16)

	viper.SetDefault("consumer.batch_size", 100)
	viper.SetDefault("consumer.batch_timeout_ms", 1000)
	viper.SetDefault("consumer.concurrency", 20)
	viper.SetDefault("consumer.fetch_size", 100)

	viper.SetDefault("collector.sink", "postgres")
	viper.SetDefault("collector.filter", "")
	viper.SetDefault("collector.dedup.enabled", false)
	viper.SetDefault("collector.dedup.ttl_seconds", 86400)
	viper.SetDefault("collector.dedup.on_redis_error", "allow")

	viper.SetDefault("rate_limit.enabled", false)
	viper.SetDefault("rate_limit.rps", 10.0)
	viper.SetDefault("rate_limit.burst", 20)
	viper.SetDefault("rate_limit.cleanup_interval", 300)
	viper.SetDefault("rate_limit.max_age", 600)

	viper.SetDefault("circuit_breaker.enabled", true)
	viper.SetDefault("circuit_breaker.max_requests", 3)
	viper.SetDefault("circuit_breaker.interval", "60s")
	viper.SetDefault("circuit_breaker.timeout", "30s")
	viper.SetDefault("circuit_breaker.failure_ratio", 0.5)
	viper.SetDefault("circuit_breaker.min_requests", 10)

	viper.SetDefault("tracing.enabled", false)
	viper.SetDefault("tracing.service_name", "")
	viper.SetDefault("tracing.otlp.endpoint", "")
	viper.SetDefault("tracing.otlp.insecure", true)
	viper.SetDefault("tracing.sampler.type", "always_on")
	viper.SetDefault("tracing.sampler.param", 1.0)
}

// bindEnvVariables also accepts the short variable names used by the
// container images (PORT, DATABASE_URL, NATS_URL, ...).
func bindEnvVariables() {
	viper.BindEnv("server.port", "SERVER_PORT", "PORT")
	viper.BindEnv("server.shutdown_grace_seconds", "SERVER_SHUTDOWN_GRACE_SECONDS")

	viper.BindEnv("database.postgres.url", "DATABASE_POSTGRES_URL", "DATABASE_URL")
	viper.BindEnv("database.postgres.host", "DATABASE_POSTGRES_HOST")
	viper.BindEnv("database.postgres.port", "DATABASE_POSTGRES_PORT")
	viper.BindEnv("database.postgres.user", "DATABASE_POSTGRES_USER")
	viper.BindEnv("database.postgres.password", "DATABASE_POSTGRES_PASSWORD")
	viper.BindEnv("database.postgres.dbname", "DATABASE_POSTGRES_DBNAME")
	viper.BindEnv("database.postgres.sslmode", "DATABASE_POSTGRES_SSLMODE")

	viper.BindEnv("database.redis.host", "DATABASE_REDIS_HOST")
	viper.BindEnv("database.redis.port", "DATABASE_REDIS_PORT")
	viper.BindEnv("database.redis.password", "DATABASE_REDIS_PASSWORD")

	viper.BindEnv("database.mongodb.uri", "DATABASE_MONGODB_URI")
	viper.BindEnv("database.mongodb.database", "DATABASE_MONGODB_DATABASE")

	viper.BindEnv("broker.type", "BROKER_TYPE")
	viper.BindEnv("broker.nats.url", "BROKER_NATS_URL", "NATS_URL")
	viper.BindEnv("broker.nats.stream", "BROKER_NATS_STREAM", "NATS_STREAM")
	viper.BindEnv("broker.nats.consumer", "BROKER_NATS_CONSUMER", "NATS_CONSUMER")
	viper.BindEnv("broker.nats.filter_subject", "BROKER_NATS_FILTER_SUBJECT")
	viper.BindEnv("broker.kafka.group_id", "BROKER_KAFKA_GROUP_ID")

	viper.BindEnv("logging.level", "LOGGING_LEVEL", "LOG_LEVEL")

	viper.BindEnv("ingest.batch_size", "INGEST_BATCH_SIZE", "BATCH_SIZE")
	viper.BindEnv("ingest.workers", "INGEST_WORKERS")

	viper.BindEnv("outbox.poll_interval_ms", "OUTBOX_POLL_INTERVAL_MS")
	viper.BindEnv("outbox.batch_size", "OUTBOX_BATCH_SIZE")
	viper.BindEnv("outbox.max_retries", "OUTBOX_MAX_RETRIES")
	viper.BindEnv("outbox.claim_strategy", "OUTBOX_CLAIM_STRATEGY")
	viper.BindEnv("outbox.on_success", "OUTBOX_ON_SUCCESS")

	viper.BindEnv("consumer.batch_size", "CONSUMER_BATCH_SIZE")
	viper.BindEnv("consumer.batch_timeout_ms", "CONSUMER_BATCH_TIMEOUT_MS")
	viper.BindEnv("consumer.concurrency", "CONSUMER_CONCURRENCY")

	viper.BindEnv("collector.sink", "COLLECTOR_SINK")
	viper.BindEnv("collector.filter", "COLLECTOR_FILTER")

	viper.BindEnv("tracing.otlp.endpoint", "TRACING_OTLP_ENDPOINT")
	viper.BindEnv("tracing.enabled", "TRACING_ENABLED")
	viper.BindEnv("tracing.service_name", "TRACING_SERVICE_NAME")
}

func applyEnvOverrides(cfg *Config) error {
	if brokersEnv := viper.GetString("BROKER_KAFKA_BROKERS"); brokersEnv != "" {
		cfg.Broker.Kafka.Brokers = splitList(brokersEnv)
	}

	if topicsEnv := viper.GetString("BROKER_KAFKA_TOPICS"); topicsEnv != "" {
		cfg.Broker.Kafka.Topics = splitList(topicsEnv)
	}

	return nil
}

func splitList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
