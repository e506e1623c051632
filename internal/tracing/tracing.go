// Package tracing sets up the OpenTelemetry tracer provider the agent loop
// (C10) uses to wrap each iteration, each provider call, and each
// compaction pass (SPEC_FULL.md C10 expansion: "OpenTelemetry spans wrap
// each iteration, each LLM call, and each tool execution"). The SDK is
// wired with no exporter by default (spans are recorded and immediately
// dropped) so tracing is zero-configuration in development; operators who
// want spans shipped somewhere pass an exporter-backed option (such as
// sdktrace.WithBatcher over an OTLP exporter) to Init, same as the
// teacher's internal/observability package does.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// TracerName is the instrumentation scope every span in this runtime is
// recorded under.
const TracerName = "github.com/opensourceagent/osa"

// Init installs a process-wide TracerProvider and returns a shutdown func.
// opts lets callers (cmd/osa) install a real span processor/exporter;
// called with none, spans are sampled and discarded (AlwaysSample keeps
// parent/child relationships intact for any exporter added later via
// opts, at the cost of doing the sampling work even with no sink).
func Init(opts ...sdktrace.TracerProviderOption) func(context.Context) error {
	options := append([]sdktrace.TracerProviderOption{
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	}, opts...)
	tp := sdktrace.NewTracerProvider(options...)
	otel.SetTracerProvider(tp)
	return tp.Shutdown
}

// Tracer returns the shared tracer for this runtime.
func Tracer() trace.Tracer {
	return otel.Tracer(TracerName)
}

// StartSpan is a small convenience wrapper the agent loop uses around each
// iteration/LLM-call/tool-exec/compaction span, keeping callers from
// repeating the Tracer()+otel import boilerplate.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}
