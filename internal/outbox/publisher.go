package outbox

import (
	"context"

	"eventgate/pkg/circuitbreaker"
	apperrors "eventgate/pkg/errors"
)

// BreakerPublisher fails fast while the broker is unhealthy. Rejected
// publishes are transient and the records are retried on a later cycle.
type BreakerPublisher struct {
	next    Publisher
	breaker *circuitbreaker.Wrapper
}

func NewBreakerPublisher(next Publisher, breaker *circuitbreaker.Wrapper) *BreakerPublisher {
	return &BreakerPublisher{next: next, breaker: breaker}
}

func (p *BreakerPublisher) Publish(ctx context.Context, subject string, data []byte, headers map[string]string) error {
	_, err := p.breaker.ExecuteWithContext(ctx, func() (interface{}, error) {
		return nil, p.next.Publish(ctx, subject, data, headers)
	})
	if err != nil && circuitbreaker.IsRejection(err) {
		return apperrors.ErrTransient.
			WithMessage("broker circuit breaker " + p.breaker.Name() + " is " + p.breaker.State().String()).
			WithCause(err).
			AsRetryable()
	}
	return err
}
