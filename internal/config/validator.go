package config

import (
	"errors"
	"fmt"

	"eventgate/internal/constants"
)

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

// ValidateStatic checks option values that are wrong regardless of which
// service reads them.
func ValidateStatic(cfg *Config) error {
	var errs []error

	if err := validateServer(cfg.Server); err != nil {
		errs = append(errs, err)
	}

	if err := validateLogging(cfg.Logging); err != nil {
		errs = append(errs, err)
	}

	if cfg.Broker.Type != constants.BrokerTypeNATS && cfg.Broker.Type != constants.BrokerTypeKafka {
		errs = append(errs, &ValidationError{
			Field:   "broker.type",
			Message: fmt.Sprintf("unknown broker type: %s (supported: nats, kafka)", cfg.Broker.Type),
		})
	}

	if err := validateEnums(cfg); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	return nil
}

// ValidateFor checks the options that the given service requires. A missing
// required option is reported as a ValidationError naming the option.
func ValidateFor(cfg *Config, service string) error {
	var errs []error

	switch service {
	case constants.ServiceGateway:
		errs = append(errs, requirePostgres(cfg.Database.Postgres))
		errs = append(errs, validateIngest(cfg.Ingest))
	case constants.ServiceRelay:
		errs = append(errs, requirePostgres(cfg.Database.Postgres))
		errs = append(errs, validateBroker(cfg.Broker, false))
		errs = append(errs, validateOutbox(cfg.Outbox)...)
	case constants.ServiceCollector:
		errs = append(errs, validateBroker(cfg.Broker, true))
		errs = append(errs, validateConsumer(cfg.Consumer)...)
		errs = append(errs, validateCollector(cfg)...)
	case constants.ServiceReporter, constants.ServiceMigrate:
		errs = append(errs, requirePostgres(cfg.Database.Postgres))
	default:
		return fmt.Errorf("unknown service: %s", service)
	}

	return errors.Join(errs...)
}

func validateServer(cfg ServerConfig) error {
	if cfg.Port < 1 || cfg.Port > 65535 {
		return &ValidationError{
			Field:   "server.port",
			Message: fmt.Sprintf("port must be between 1 and 65535, got %d", cfg.Port),
		}
	}

	if cfg.ReadTimeoutSeconds <= 0 {
		return &ValidationError{
			Field:   "server.read_timeout_seconds",
			Message: "read timeout must be positive",
		}
	}

	if cfg.WriteTimeoutSeconds <= 0 {
		return &ValidationError{
			Field:   "server.write_timeout_seconds",
			Message: "write timeout must be positive",
		}
	}

	if cfg.ShutdownGraceSeconds < 0 {
		return &ValidationError{
			Field:   "server.shutdown_grace_seconds",
			Message: "shutdown grace must be non-negative",
		}
	}

	return nil
}

func validateLogging(cfg LoggingConfig) error {
	switch cfg.Level {
	case "debug", "info", "warn", "error":
		return nil
	}
	return &ValidationError{
		Field:   "logging.level",
		Message: fmt.Sprintf("unknown level %q (supported: debug, info, warn, error)", cfg.Level),
	}
}

func validateEnums(cfg *Config) error {
	switch cfg.Outbox.ClaimStrategy {
	case constants.ClaimStrategySkipLocked, constants.ClaimStrategyStatus:
	default:
		return &ValidationError{
			Field:   "outbox.claim_strategy",
			Message: fmt.Sprintf("unknown claim strategy %q (supported: skip_locked, status)", cfg.Outbox.ClaimStrategy),
		}
	}

	switch cfg.Outbox.OnSuccess {
	case constants.OnSuccessDelete, constants.OnSuccessMarkSent:
	default:
		return &ValidationError{
			Field:   "outbox.on_success",
			Message: fmt.Sprintf("unknown on_success %q (supported: delete, mark_sent)", cfg.Outbox.OnSuccess),
		}
	}

	switch cfg.Collector.Sink {
	case constants.SinkPostgres, constants.SinkMongoDB:
	default:
		return &ValidationError{
			Field:   "collector.sink",
			Message: fmt.Sprintf("unknown sink %q (supported: postgres, mongodb)", cfg.Collector.Sink),
		}
	}

	switch cfg.Collector.Dedup.OnRedisError {
	case constants.FallbackAllow, constants.FallbackDeny:
	default:
		return &ValidationError{
			Field:   "collector.dedup.on_redis_error",
			Message: fmt.Sprintf("unknown fallback %q (supported: allow, deny)", cfg.Collector.Dedup.OnRedisError),
		}
	}

	return nil
}

func requirePostgres(cfg PostgresConfig) error {
	if cfg.DSN() == "" {
		return &ValidationError{
			Field:   "database.postgres.url",
			Message: "a PostgreSQL URL or host is required",
		}
	}
	return nil
}

func validateIngest(cfg IngestConfig) error {
	if cfg.BatchSize < 1 {
		return &ValidationError{
			Field:   "ingest.batch_size",
			Message: fmt.Sprintf("batch size must be positive, got %d", cfg.BatchSize),
		}
	}
	if cfg.Workers < 1 {
		return &ValidationError{
			Field:   "ingest.workers",
			Message: "at least one worker is required",
		}
	}
	return nil
}

func validateBroker(cfg BrokerConfig, consuming bool) error {
	switch cfg.Type {
	case constants.BrokerTypeNATS:
		return validateNATS(cfg.NATS, consuming)
	case constants.BrokerTypeKafka:
		return validateKafka(cfg.Kafka, consuming)
	}
	return nil
}

func validateNATS(cfg NATSConfig, consuming bool) error {
	if cfg.URL == "" {
		return &ValidationError{
			Field:   "broker.nats.url",
			Message: "NATS URL is required",
		}
	}

	if !consuming {
		return nil
	}

	if cfg.Stream == "" {
		return &ValidationError{
			Field:   "broker.nats.stream",
			Message: "stream name is required",
		}
	}

	if cfg.Consumer == "" {
		return &ValidationError{
			Field:   "broker.nats.consumer",
			Message: "durable consumer name is required",
		}
	}

	return nil
}

func validateKafka(cfg KafkaConfig, consuming bool) error {
	if len(cfg.Brokers) == 0 {
		return &ValidationError{
			Field:   "broker.kafka.brokers",
			Message: "at least one Kafka broker is required",
		}
	}

	for i, broker := range cfg.Brokers {
		if broker == "" {
			return &ValidationError{
				Field:   fmt.Sprintf("broker.kafka.brokers[%d]", i),
				Message: "broker address cannot be empty",
			}
		}
	}

	if !consuming {
		return nil
	}

	if cfg.GroupID == "" {
		return &ValidationError{
			Field:   "broker.kafka.group_id",
			Message: "Kafka consumer group ID is required",
		}
	}

	if len(cfg.Topics) == 0 {
		return &ValidationError{
			Field:   "broker.kafka.topics",
			Message: "at least one topic is required",
		}
	}

	return nil
}

func validateOutbox(cfg OutboxConfig) []error {
	var errs []error

	if cfg.PollIntervalMs <= 0 {
		errs = append(errs, &ValidationError{
			Field:   "outbox.poll_interval_ms",
			Message: "poll interval is required and must be positive",
		})
	}

	if cfg.BatchSize <= 0 {
		errs = append(errs, &ValidationError{
			Field:   "outbox.batch_size",
			Message: "batch size is required and must be positive",
		})
	}

	if cfg.MaxRetries <= 0 {
		errs = append(errs, &ValidationError{
			Field:   "outbox.max_retries",
			Message: "max retries is required and must be positive",
		})
	}

	if cfg.PublishTimeoutMs <= 0 {
		errs = append(errs, &ValidationError{
			Field:   "outbox.publish_timeout_ms",
			Message: "publish timeout must be positive",
		})
	}

	if cfg.PublishConcurrency <= 0 {
		errs = append(errs, &ValidationError{
			Field:   "outbox.publish_concurrency",
			Message: "publish concurrency must be positive",
		})
	}

	if cfg.ClaimStrategy == constants.ClaimStrategyStatus && cfg.ClaimLeaseSeconds <= 0 {
		errs = append(errs, &ValidationError{
			Field:   "outbox.claim_lease_seconds",
			Message: "claim lease must be positive for the status claim strategy",
		})
	}

	return errs
}

func validateConsumer(cfg ConsumerConfig) []error {
	var errs []error

	if cfg.BatchSize <= 0 {
		errs = append(errs, &ValidationError{
			Field:   "consumer.batch_size",
			Message: "batch size must be positive",
		})
	}

	if cfg.BatchTimeoutMs <= 0 {
		errs = append(errs, &ValidationError{
			Field:   "consumer.batch_timeout_ms",
			Message: "batch timeout must be positive",
		})
	}

	if cfg.Concurrency <= 0 {
		errs = append(errs, &ValidationError{
			Field:   "consumer.concurrency",
			Message: "concurrency must be positive",
		})
	}

	if cfg.FetchSize <= 0 {
		errs = append(errs, &ValidationError{
			Field:   "consumer.fetch_size",
			Message: "fetch size must be positive",
		})
	}

	return errs
}

func validateCollector(cfg *Config) []error {
	var errs []error

	switch cfg.Collector.Sink {
	case constants.SinkPostgres:
		errs = append(errs, requirePostgres(cfg.Database.Postgres))
	case constants.SinkMongoDB:
		if cfg.Database.MongoDB.URI == "" {
			errs = append(errs, &ValidationError{
				Field:   "database.mongodb.uri",
				Message: "MongoDB URI is required for the mongodb sink",
			})
		}
	}

	if cfg.Collector.Dedup.Enabled {
		if cfg.Database.Redis.Host == "" {
			errs = append(errs, &ValidationError{
				Field:   "database.redis.host",
				Message: "Redis host is required when dedup is enabled",
			})
		}
		if cfg.Collector.Dedup.TTLSeconds <= 0 {
			errs = append(errs, &ValidationError{
				Field:   "collector.dedup.ttl_seconds",
				Message: "dedup TTL must be positive",
			})
		}
	}

	return errs
}
