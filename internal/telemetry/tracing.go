// -------------------------------------------------------------------------------
// Tracing - OpenTelemetry Setup and Helpers
//
// Author: Alex Freidah
//
// Tracer provider initialization with an OTLP gRPC exporter, span helpers, and
// the attribute keys shared by the search, photo, and list packages. When
// tracing is disabled the global no-op provider stays in place and every span
// helper remains safe to call.
// -------------------------------------------------------------------------------

package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/afreidah/spotkeeper/internal/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/afreidah/spotkeeper"

// -------------------------------------------------------------------------
// ATTRIBUTE KEYS
// -------------------------------------------------------------------------

var (
	AttrPlaceID      = attribute.Key("spotkeeper.place_id")
	AttrPhotoRef     = attribute.Key("spotkeeper.photo_ref")
	AttrListID       = attribute.Key("spotkeeper.list_id")
	AttrUserID       = attribute.Key("spotkeeper.user_id")
	AttrQuery        = attribute.Key("spotkeeper.query")
	AttrResultCount  = attribute.Key("spotkeeper.result_count")
	AttrCacheHit     = attribute.Key("spotkeeper.cache_hit")
	AttrRadiusMeters = attribute.Key("spotkeeper.radius_m")
	AttrObjectKey    = attribute.Key("spotkeeper.object_key")
	AttrObjectSize   = attribute.Key("spotkeeper.object_size")
	AttrUpstreamOp   = attribute.Key("spotkeeper.upstream_op")
	AttrRequestID    = attribute.Key("spotkeeper.request_id")
)

// -------------------------------------------------------------------------
// INITIALIZATION
// -------------------------------------------------------------------------

// InitTracer installs a global tracer provider exporting over OTLP gRPC and
// returns its shutdown function. Disabled config yields a no-op shutdown.
func InitTracer(ctx context.Context, cfg config.TracingConfig) (func(context.Context) error, error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	// --- Exporter ---
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	// --- Resource ---
	res, err := resource.New(ctx,
		resource.WithAttributes(
			attribute.String("service.name", "spotkeeper"),
			attribute.String("service.version", Version),
		),
		resource.WithHost(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build trace resource: %w", err)
	}

	// --- Provider ---
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(5*time.Second)),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRate))),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	slog.Info("Tracing initialized", "endpoint", cfg.Endpoint, "sample_rate", cfg.SampleRate)
	return tp.Shutdown, nil
}

// -------------------------------------------------------------------------
// SPAN HELPERS
// -------------------------------------------------------------------------

// Tracer returns the package tracer from the current global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span with the given attributes.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, trace.WithAttributes(attrs...))
}

// RequestAttributes returns the standard attributes for an inbound API request.
func RequestAttributes(method, path, clientIP, requestID string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("http.method", method),
		attribute.String("http.target", path),
		attribute.String("client.address", clientIP),
		AttrRequestID.String(requestID),
	}
}

// UpstreamAttributes returns the standard attributes for a provider call.
func UpstreamAttributes(op, endpoint string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrUpstreamOp.String(op),
		attribute.String("server.address", endpoint),
	}
}
