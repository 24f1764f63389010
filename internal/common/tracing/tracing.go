// Package tracing provides a shared OTel tracer for Session Manager
// operations and Iterative Controller sweeps. A real collector endpoint
// promotes it to an SDK-backed provider; otherwise a no-op tracer keeps
// call sites free of branching.
package tracing

import (
	"context"
	"os"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const serviceName = "ralphctl"

var (
	initOnce       sync.Once
	tracerProvider trace.TracerProvider = noop.NewTracerProvider()
	sdkProvider    *sdktrace.TracerProvider
)

func initTracing() {
	if os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") == "" {
		return
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(semconv.ServiceName(serviceName)))
	if err != nil {
		res = resource.Default()
	}

	sdkProvider = sdktrace.NewTracerProvider(sdktrace.WithResource(res))
	tracerProvider = sdkProvider
	otel.SetTracerProvider(tracerProvider)
}

// Tracer returns the shared tracer, named for the calling component.
func Tracer(name string) trace.Tracer {
	initOnce.Do(initTracing)
	return tracerProvider.Tracer(name)
}

// SessionAttrs builds the common span attributes for a session operation.
func SessionAttrs(repositoryID, sessionID string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("repository.id", repositoryID),
		attribute.String("session.id", sessionID),
	}
}

// Shutdown flushes pending spans and shuts down the provider, if one was started.
func Shutdown(ctx context.Context) error {
	if sdkProvider != nil {
		return sdkProvider.Shutdown(ctx)
	}
	return nil
}
