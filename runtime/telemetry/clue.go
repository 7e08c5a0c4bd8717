package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"goa.design/clue/log"
)

// ClueLogger delegates to goa.design/clue/log, reading formatting and debug
// settings from the context (set via log.Context/log.WithFormat/log.WithDebug
// at process startup).
type ClueLogger struct{}

// NewClueLogger constructs a Logger backed by Clue.
func NewClueLogger() Logger { return ClueLogger{} }

// OtelTracer delegates to an OpenTelemetry tracer on the global provider.
type OtelTracer struct {
	tracer trace.Tracer
}

type otelSpan struct {
	span trace.Span
}

// NewOtelTracer constructs a Tracer on the global OTEL TracerProvider,
// scoped to this module so spans are attributable when multiple modules
// share an exporter.
func NewOtelTracer() Tracer {
	return &OtelTracer{tracer: otel.Tracer("github.com/goadesign/research-orchestrator")}
}

func (ClueLogger) Debug(ctx context.Context, msg string, keyvals ...any) {
	log.Debug(ctx, fielders(msg, keyvals)...)
}

func (ClueLogger) Info(ctx context.Context, msg string, keyvals ...any) {
	log.Info(ctx, fielders(msg, keyvals)...)
}

func (ClueLogger) Warn(ctx context.Context, msg string, keyvals ...any) {
	log.Warn(ctx, fielders(msg, keyvals)...)
}

func (ClueLogger) Error(ctx context.Context, msg string, keyvals ...any) {
	log.Error(ctx, nil, fielders(msg, keyvals)...)
}

// fielders converts a message plus variadic key-value pairs (k1, v1, k2, v2,
// ...) into Clue's log.Fielder slice. A trailing unpaired key gets a nil
// value; non-string keys are skipped.
func fielders(msg string, keyvals []any) []log.Fielder {
	out := []log.Fielder{log.KV{K: "msg", V: msg}}
	for i := 0; i < len(keyvals); i += 2 {
		k, ok := keyvals[i].(string)
		if !ok {
			continue
		}
		var v any
		if i+1 < len(keyvals) {
			v = keyvals[i+1]
		}
		out = append(out, log.KV{K: k, V: v})
	}
	return out
}

func (t *OtelTracer) Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span) {
	newCtx, span := t.tracer.Start(ctx, name, opts...)
	return newCtx, &otelSpan{span: span}
}

func (t *OtelTracer) Span(ctx context.Context) Span {
	return &otelSpan{span: trace.SpanFromContext(ctx)}
}

func (s *otelSpan) End(opts ...trace.SpanEndOption) { s.span.End(opts...) }

func (s *otelSpan) AddEvent(name string, attrs ...any) {
	s.span.AddEvent(name, trace.WithAttributes(attrsFromKeyvals(attrs)...))
}

func (s *otelSpan) SetStatus(code codes.Code, description string) {
	s.span.SetStatus(code, description)
}

func (s *otelSpan) RecordError(err error, opts ...trace.EventOption) {
	s.span.RecordError(err, opts...)
}
