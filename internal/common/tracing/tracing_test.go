package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTracerStartsAndEndsSpanWithoutCollector(t *testing.T) {
	tracer := Tracer("test-component")
	require.NotNil(t, tracer)

	ctx, span := tracer.Start(context.Background(), "TestOp")
	assert.NotNil(t, ctx)
	span.End()
}

func TestSessionAttrsIncludesRepositoryAndSessionID(t *testing.T) {
	attrs := SessionAttrs("widgets", "sess-1")
	require.Len(t, attrs, 2)
	assert.Equal(t, "repository.id", string(attrs[0].Key))
	assert.Equal(t, "widgets", attrs[0].Value.AsString())
	assert.Equal(t, "session.id", string(attrs[1].Key))
	assert.Equal(t, "sess-1", attrs[1].Value.AsString())
}

func TestShutdownWithoutSDKProviderIsNoop(t *testing.T) {
	// No OTEL_EXPORTER_OTLP_ENDPOINT is set in this environment, so Tracer
	// never promotes tracerProvider to an SDK provider; Shutdown must still
	// be safe to call.
	require.NoError(t, Shutdown(context.Background()))
}
