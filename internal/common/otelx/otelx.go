// Package otelx provides a shared OTel tracer for the conductor's
// longer-running operations (handoff creation, agent transitions, HTTP
// requests, store transactions). It always installs a real SDK
// TracerProvider so downstream instrumentation is live the moment a real
// exporter is wired in; without one, spans are simply dropped at the end of
// the trace, so the cost of always tracing is a few allocations, not a
// branch at every call site.
package otelx

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const serviceName = "conductor"

var (
	initOnce sync.Once
	provider *sdktrace.TracerProvider
)

func initProvider() {
	res, err := resource.New(context.Background(), resource.WithAttributes(semconv.ServiceName(serviceName)))
	if err != nil {
		res = resource.Default()
	}
	provider = sdktrace.NewTracerProvider(sdktrace.WithResource(res))
	otel.SetTracerProvider(provider)
}

// Tracer returns a named tracer backed by the process-wide TracerProvider.
func Tracer(name string) trace.Tracer {
	initOnce.Do(initProvider)
	return provider.Tracer(name)
}

// Shutdown flushes and releases the provider's resources.
func Shutdown(ctx context.Context) error {
	if provider == nil {
		return nil
	}
	return provider.Shutdown(ctx)
}
