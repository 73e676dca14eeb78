// Package telemetry builds the CLI's slog handler and the optional OTLP
// trace pipeline used by snapshot and batch spans.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// LogOptions configures NewLogger.
type LogOptions struct {
	Level   string
	NoColor bool
}

// ParseLevel maps a textual level onto slog. Empty means info.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("telemetry: unknown log level %q", s)
	}
}

// NewLogger returns a tint-backed logger writing to w.
func NewLogger(w io.Writer, opts LogOptions) (*slog.Logger, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, err
	}
	handler := tint.NewHandler(w, &tint.Options{
		Level:      level,
		TimeFormat: time.TimeOnly,
		NoColor:    opts.NoColor,
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Value.Kind() == slog.KindAny {
				if _, ok := a.Value.Any().(error); ok {
					return tint.Attr(9, a)
				}
			}
			return a
		},
	})
	return slog.New(handler), nil
}

// TracingOptions configures NewTracerProvider.
type TracingOptions struct {
	Endpoint    string // host:port of an OTLP/HTTP collector.
	Insecure    bool
	ServiceName string
	URLPath     string // Defaults to /v1/traces.
}

// Tracing owns the exporter pipeline. The zero value is unusable; build it
// with NewTracing or Disabled.
type Tracing struct {
	provider *sdktrace.TracerProvider
	tracer   trace.TracerProvider
}

// Disabled returns a pipeline that records nothing.
func Disabled() *Tracing {
	return &Tracing{tracer: noop.NewTracerProvider()}
}

// NewTracing creates an OTLP/HTTP exporter behind a batching provider.
func NewTracing(ctx context.Context, opts TracingOptions) (*Tracing, error) {
	if strings.TrimSpace(opts.Endpoint) == "" {
		return nil, errors.New("telemetry: tracing endpoint is required")
	}
	httpOpts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(opts.Endpoint)}
	if opts.Insecure {
		httpOpts = append(httpOpts, otlptracehttp.WithInsecure())
	}
	if opts.URLPath != "" {
		httpOpts = append(httpOpts, otlptracehttp.WithURLPath(opts.URLPath))
	}
	exp, err := otlptracehttp.New(ctx, httpOpts...)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create exporter: %w", err)
	}
	name := opts.ServiceName
	if name == "" {
		name = "agentsnap"
	}
	res := resource.NewSchemaless(attribute.String("service.name", name))
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	return &Tracing{provider: provider, tracer: provider}, nil
}

// Tracer returns a named tracer from the pipeline.
func (t *Tracing) Tracer(name string) trace.Tracer {
	return t.tracer.Tracer(name)
}

// Flush exports any buffered spans.
func (t *Tracing) Flush(ctx context.Context) error {
	if t.provider == nil {
		return nil
	}
	return t.provider.ForceFlush(ctx)
}

// Shutdown flushes and stops the exporter.
func (t *Tracing) Shutdown(ctx context.Context) error {
	if t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}
