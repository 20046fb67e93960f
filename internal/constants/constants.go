package constants

import "time"

const (
	ServiceGateway   = "gateway"
	ServiceRelay     = "relay"
	ServiceCollector = "collector"
	ServiceReporter  = "reporter"
	ServiceMigrate   = "migrate"
)

const (
	KafkaBatchTimeout = 10 * time.Millisecond
	KafkaWriteTimeout = 10 * time.Second
)

const (
	DefaultPublishTimeout = 5 * time.Second
	DefaultHealthTimeout  = 5 * time.Second
	DefaultHTTPTimeout    = 10 * time.Second
)

const (
	ShutdownTimeout = 5 * time.Second
)

const DefaultIngestBatchSize = 8000

const (
	DefaultOutboxPollInterval = 1000 * time.Millisecond
	DefaultOutboxBatchSize    = 100
	DefaultOutboxMaxRetries   = 5
	DefaultClaimLease         = 60 * time.Second
	MaxLastErrorLength        = 1024
)

const (
	DefaultConsumerBatchSize    = 100
	DefaultConsumerBatchTimeout = 1000 * time.Millisecond
	DefaultConsumerConcurrency  = 20
)

const (
	ClaimStrategySkipLocked = "skip_locked"
	ClaimStrategyStatus     = "status"
)

const (
	OnSuccessDelete   = "delete"
	OnSuccessMarkSent = "mark_sent"
)

const (
	BrokerTypeNATS  = "nats"
	BrokerTypeKafka = "kafka"
)

const (
	SinkPostgres = "postgres"
	SinkMongoDB  = "mongodb"
)

const (
	HeaderRecordID  = "Outbox-Record-Id"
	HeaderRequestID = "Request-Id"
	HeaderMsgID     = "Nats-Msg-Id"
)

const (
	CacheKeyPrefixDedup = "dedup:event:"
	DefaultTTLSeconds   = 86400
)

const (
	FallbackAllow = "allow"
	FallbackDeny  = "deny"
)

const (
	DefaultMongoDBName = "eventgate"
)

const (
	DefaultLimit = 100
	MaxLimit     = 1000
)
