package broker

import (
	"fmt"

	"eventgate/internal/config"
	"eventgate/internal/constants"
	"eventgate/internal/logger"
	"eventgate/pkg/metrics"
)

func New(cfg config.BrokerConfig, log logger.Logger, m *metrics.BrokerMetrics) (Broker, error) {
	switch cfg.Type {
	case constants.BrokerTypeNATS:
		return NewNATSBroker(cfg.NATS, log, m)
	case constants.BrokerTypeKafka:
		return NewKafkaBroker(cfg.Kafka, log, m), nil
	default:
		return nil, fmt.Errorf("unknown broker type: %s", cfg.Type)
	}
}
