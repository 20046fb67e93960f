package tracing

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eventgate/internal/config"
)

func TestTraced(t *testing.T) {
	assert.True(t, traced(httptest.NewRequest("POST", "/", nil)))
	assert.True(t, traced(httptest.NewRequest("GET", "/events", nil)))
	assert.False(t, traced(httptest.NewRequest("GET", "/health/ready", nil)))
	assert.False(t, traced(httptest.NewRequest("GET", "/metrics", nil)))
}

func TestHeadersCarryTraceContext(t *testing.T) {
	tp, err := Init(config.TracingConfig{}, "test")
	require.NoError(t, err)
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	ctx, span := StartSpan(context.Background(), "outbox.publish")
	headers := InjectHeaders(ctx, nil)
	span.End()
	require.Contains(t, headers, "traceparent")

	_, consumed := StartConsumerSpan(context.Background(), "consumer.batch", headers)
	defer consumed.End()
	assert.Equal(t, span.SpanContext().TraceID(), consumed.SpanContext().TraceID())
}
