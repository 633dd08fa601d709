package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInit_EmptyEndpointIsNoop(t *testing.T) {
	cleanup, err := Init("sahyog-test", "", 1.0)
	require.NoError(t, err)
	cleanup()

	ctx, span := StartSpan(context.Background(), "noop")
	defer span.End()
	assert.False(t, span.SpanContext().IsValid())
	assert.Empty(t, TraceIDFromContext(ctx))
}

func TestIsGRPC(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_PROTOCOL", "")
	t.Setenv("OTEL_EXPORTER_OTLP_TRACES_PROTOCOL", "")
	assert.True(t, isGRPC("collector:4317"))
	assert.False(t, isGRPC("collector:4318"))

	t.Setenv("OTEL_EXPORTER_OTLP_PROTOCOL", "grpc")
	assert.True(t, isGRPC("collector:4318"))
}
