// Copyright 2025 Ryan McCoy
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package tracing configures OpenTelemetry tracing for spine-core. The
// backend is selected by SPINE_TRACING_BACKEND: "none" (default),
// "stdout", or "otlp".
package tracing

import (
	"context"
	"fmt"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/ryansmccoy/spine-core"

// Setup installs the global tracer provider for the selected backend and
// returns a shutdown function. An empty or "none" backend installs
// nothing and returns a no-op shutdown.
func Setup(ctx context.Context, backend string) (func(context.Context) error, error) {
	var exporter sdktrace.SpanExporter
	var err error

	switch backend {
	case "", "none":
		return func(context.Context) error { return nil }, nil
	case "stdout":
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "otlp":
		exporter, err = otlptracehttp.New(ctx)
	default:
		return nil, fmt.Errorf("unknown tracing backend: %s", backend)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create %s exporter: %w", backend, err)
	}

	provider := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(provider)
	return provider.Shutdown, nil
}

// Tracer returns the spine-core tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartRunSpan opens a span for an execution.
func StartRunSpan(ctx context.Context, runID, workflow string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "run",
		trace.WithAttributes(
			attribute.String("spine.run_id", runID),
			attribute.String("spine.workflow", workflow),
		))
}

// Middleware wraps an HTTP handler with a span per request.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := Tracer().Start(r.Context(), r.Method+" "+r.URL.Path,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.target", r.URL.Path),
			))
		defer span.End()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
