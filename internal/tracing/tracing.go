package tracing

import (
	"context"
	"fmt"
	"time"

	"agent-orchestrator/internal/config"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	CorrelationIDHeader = "X-Correlation-ID"
	TraceIDHeader       = "X-Trace-ID"
	CorrelationIDKey    = "correlation_id"
	TraceIDKey          = "trace_id"
)

type TracingManager struct {
	tracer trace.Tracer
	logger *zap.Logger
}

// NewTracingManager wires the OTel tracer. Without a Jaeger endpoint, or when
// tracing is disabled, spans are created against a never-sampling provider so
// call sites stay unconditional.
func NewTracingManager(cfg config.TracingConfig, logger *zap.Logger) (*TracingManager, error) {
	var tp *sdktrace.TracerProvider
	var err error

	if cfg.Enabled && cfg.JaegerEndpoint != "" {
		tp, err = initJaegerTracer(cfg)
		if err != nil {
			logger.Error("Failed to initialize Jaeger tracer", zap.Error(err))
			tp = initNoOpTracer(cfg.ServiceName)
		}
	} else {
		tp = initNoOpTracer(cfg.ServiceName)
	}

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return &TracingManager{
		tracer: otel.Tracer(cfg.ServiceName),
		logger: logger,
	}, nil
}

func initJaegerTracer(cfg config.TracingConfig) (*sdktrace.TracerProvider, error) {
	exp, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(cfg.JaegerEndpoint)))
	if err != nil {
		return nil, err
	}

	sampler := sdktrace.AlwaysSample()
	if cfg.SampleRate > 0 && cfg.SampleRate < 1 {
		sampler = sdktrace.TraceIDRatioBased(cfg.SampleRate)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
		)),
		sdktrace.WithSampler(sampler),
	)

	return tp, nil
}

func initNoOpTracer(serviceName string) *sdktrace.TracerProvider {
	return sdktrace.NewTracerProvider(
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
		)),
		sdktrace.WithSampler(sdktrace.NeverSample()),
	)
}

// TracingMiddleware opens a span per request, assigns a correlation id, and
// echoes both back in response headers.
func (tm *TracingManager) TracingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		correlationID := c.GetHeader(CorrelationIDHeader)
		if correlationID == "" {
			correlationID = uuid.New().String()
		}

		ctx := context.WithValue(c.Request.Context(), CorrelationIDKey, correlationID)

		spanName := fmt.Sprintf("%s %s", c.Request.Method, c.FullPath())
		ctx, span := tm.tracer.Start(ctx, spanName)
		defer span.End()

		span.SetAttributes(
			attribute.String("http.method", c.Request.Method),
			attribute.String("http.route", c.FullPath()),
			attribute.String("http.remote_addr", c.ClientIP()),
			attribute.String("correlation_id", correlationID),
		)

		traceID := span.SpanContext().TraceID().String()
		c.Set(CorrelationIDKey, correlationID)
		c.Set(TraceIDKey, traceID)
		c.Header(CorrelationIDHeader, correlationID)
		c.Header(TraceIDHeader, traceID)

		c.Request = c.Request.WithContext(ctx)

		start := time.Now()
		c.Next()
		duration := time.Since(start)

		span.SetAttributes(attribute.Int("http.status_code", c.Writer.Status()))
		if c.Writer.Status() >= 400 {
			span.SetAttributes(attribute.Bool("error", true))
		}

		tm.logger.Info("HTTP request",
			zap.String("correlation_id", correlationID),
			zap.String("trace_id", traceID),
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", duration),
			zap.String("ip", c.ClientIP()))
	}
}

// StartSpan opens a span for a supervisor or queue operation outside HTTP.
func (tm *TracingManager) StartSpan(ctx context.Context, name string, attributes ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := tm.tracer.Start(ctx, name)

	if correlationID := GetCorrelationID(ctx); correlationID != "" {
		span.SetAttributes(attribute.String("correlation_id", correlationID))
	}
	if len(attributes) > 0 {
		span.SetAttributes(attributes...)
	}

	return ctx, span
}

func (tm *TracingManager) RecordError(span trace.Span, err error) {
	if err != nil {
		span.SetAttributes(
			attribute.Bool("error", true),
			attribute.String("error.message", err.Error()),
		)
		span.RecordError(err)
	}
}

func GetCorrelationID(ctx context.Context) string {
	if correlationID, ok := ctx.Value(CorrelationIDKey).(string); ok {
		return correlationID
	}
	return ""
}

func WithCorrelationID(ctx context.Context, correlationID string) context.Context {
	return context.WithValue(ctx, CorrelationIDKey, correlationID)
}

func GetCorrelationIDFromGin(c *gin.Context) string {
	if correlationID, exists := c.Get(CorrelationIDKey); exists {
		if id, ok := correlationID.(string); ok {
			return id
		}
	}
	return ""
}
