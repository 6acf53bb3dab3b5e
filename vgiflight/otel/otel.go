// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

// Package flightotel provides OpenTelemetry instrumentation for vgi-flight
// clients. It implements the [vgiflight.StreamHook] interface to add
// distributed tracing and metrics around every endpoint stream, and wraps
// the gRPC connection with otelgrpc client instrumentation.
//
// Usage:
//
//	cfg := flightotel.DefaultConfig()
//	client, err := vgiflight.Dial(location, flightotel.DialOption(cfg))
//	// ...
//	flightotel.InstrumentClient(client, cfg)
package flightotel

import (
	"context"
	"errors"
	"time"

	"github.com/Query-farm/vgi-flight/vgiflight"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
)

const instrumentationName = "vgi_flight"

// OtelConfig configures OpenTelemetry instrumentation for a vgi-flight client.
type OtelConfig struct {
	// TracerProvider supplies the tracer. Defaults to otel.GetTracerProvider().
	TracerProvider trace.TracerProvider
	// MeterProvider supplies the meter. Defaults to otel.GetMeterProvider().
	MeterProvider metric.MeterProvider
	// Propagator injects trace context into outgoing gRPC metadata.
	// Defaults to otel.GetTextMapPropagator().
	Propagator propagation.TextMapPropagator
	// EnableTracing enables span creation. Default true.
	EnableTracing bool
	// EnableMetrics enables counter and histogram recording. Default true.
	EnableMetrics bool
	// RecordExceptions calls RecordError on the span for failed streams.
	// Default true.
	RecordExceptions bool
	// ServiceName is the rpc.service attribute value. Defaults to
	// "arrow.flight.protocol.FlightService".
	ServiceName string
	// CustomAttributes are added to every span.
	CustomAttributes []attribute.KeyValue
}

// DefaultConfig returns an OtelConfig with sensible defaults.
// TracerProvider, MeterProvider, and Propagator are resolved from the
// global OTel SDK at instrumentation time.
func DefaultConfig() OtelConfig {
	return OtelConfig{
		EnableTracing:    true,
		EnableMetrics:    true,
		RecordExceptions: true,
	}
}

func (cfg OtelConfig) withDefaults() OtelConfig {
	if cfg.TracerProvider == nil {
		cfg.TracerProvider = otel.GetTracerProvider()
	}
	if cfg.MeterProvider == nil {
		cfg.MeterProvider = otel.GetMeterProvider()
	}
	if cfg.Propagator == nil {
		cfg.Propagator = otel.GetTextMapPropagator()
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "arrow.flight.protocol.FlightService"
	}
	return cfg
}

// DialOption returns a gRPC dial option that instruments every RPC on the
// connection with otelgrpc.
func DialOption(cfg OtelConfig) grpc.DialOption {
	cfg = cfg.withDefaults()
	return grpc.WithStatsHandler(otelgrpc.NewClientHandler(
		otelgrpc.WithTracerProvider(cfg.TracerProvider),
		otelgrpc.WithMeterProvider(cfg.MeterProvider),
		otelgrpc.WithPropagators(cfg.Propagator),
	))
}

// InstrumentClient attaches OpenTelemetry instrumentation to a client.
// The hook is installed via [vgiflight.Client.SetStreamHook].
func InstrumentClient(client *vgiflight.Client, cfg OtelConfig) {
	client.SetStreamHook(NewHook(cfg))
}

// NewHook builds the stream hook without installing it.
func NewHook(cfg OtelConfig) vgiflight.StreamHook {
	cfg = cfg.withDefaults()
	hook := &otelHook{
		cfg:    cfg,
		tracer: cfg.TracerProvider.Tracer(instrumentationName),
	}
	if cfg.EnableMetrics {
		meter := cfg.MeterProvider.Meter(instrumentationName)
		hook.streamCounter, _ = meter.Int64Counter("flight.client.streams",
			metric.WithUnit("{stream}"),
			metric.WithDescription("Number of endpoint streams read"),
		)
		hook.rowCounter, _ = meter.Int64Counter("flight.client.rows",
			metric.WithUnit("{row}"),
			metric.WithDescription("Rows decoded from endpoint streams"),
		)
		hook.durationHistogram, _ = meter.Float64Histogram("flight.client.duration",
			metric.WithUnit("s"),
			metric.WithDescription("Duration of endpoint streams"),
		)
	}
	return hook
}

// otelHook implements vgiflight.StreamHook with OpenTelemetry tracing and metrics.
type otelHook struct {
	cfg               OtelConfig
	tracer            trace.Tracer
	streamCounter     metric.Int64Counter
	rowCounter        metric.Int64Counter
	durationHistogram metric.Float64Histogram
}

// spanToken is the HookToken returned by OnStreamStart.
type spanToken struct {
	span      trace.Span
	startTime time.Time
}

// OnStreamStart starts a client span; the returned context carries it into
// the DoGet call so otelgrpc spans nest beneath it.
func (h *otelHook) OnStreamStart(ctx context.Context, info vgiflight.StreamInfo) (context.Context, vgiflight.HookToken) {
	if !h.cfg.EnableTracing {
		return ctx, &spanToken{startTime: time.Now()}
	}

	attrs := []attribute.KeyValue{
		attribute.String("rpc.system", "grpc"),
		attribute.String("rpc.service", h.cfg.ServiceName),
		attribute.String("rpc.method", "DoGet"),
		attribute.String("flight.dataset", info.Descriptor),
		attribute.String("flight.stream_id", info.StreamID),
		attribute.Int("flight.endpoint", info.EndpointIndex),
	}
	if info.Location != "" {
		attrs = append(attrs, attribute.String("flight.location", info.Location))
	}
	attrs = append(attrs, h.cfg.CustomAttributes...)

	ctx, span := h.tracer.Start(ctx, "vgi_flight/DoGet",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrs...),
	)
	return ctx, &spanToken{span: span, startTime: time.Now()}
}

// OnStreamEnd records span attributes, metrics, and ends the span.
func (h *otelHook) OnStreamEnd(ctx context.Context, token vgiflight.HookToken, info vgiflight.StreamInfo, stats *vgiflight.StreamStatistics, err error) {
	st, ok := token.(*spanToken)
	if !ok {
		return
	}
	duration := time.Since(st.startTime)

	status := "ok"
	if err != nil {
		status = "error"
	}

	if h.cfg.EnableMetrics {
		metricAttrs := metric.WithAttributes(
			attribute.String("rpc.service", h.cfg.ServiceName),
			attribute.String("flight.dataset", info.Descriptor),
			attribute.String("status", status),
		)
		if h.streamCounter != nil {
			h.streamCounter.Add(ctx, 1, metricAttrs)
		}
		if h.rowCounter != nil && stats != nil {
			h.rowCounter.Add(ctx, stats.Rows, metricAttrs)
		}
		if h.durationHistogram != nil {
			h.durationHistogram.Record(ctx, duration.Seconds(), metricAttrs)
		}
	}

	if st.span == nil || !st.span.IsRecording() {
		return
	}
	if stats != nil {
		st.span.SetAttributes(
			attribute.Int64("flight.messages", stats.Messages),
			attribute.Int64("flight.dictionary_batches", stats.DictionaryBatches),
			attribute.Int64("flight.record_batches", stats.RecordBatches),
			attribute.Int64("flight.skipped_messages", stats.SkippedMessages),
			attribute.Int64("flight.rows", stats.Rows),
			attribute.Int64("flight.bytes", stats.Bytes),
		)
	}
	if err != nil {
		st.span.SetStatus(codes.Error, err.Error())
		if h.cfg.RecordExceptions {
			st.span.RecordError(err)
		}
		errType := "unknown"
		var fe *vgiflight.Error
		if errors.As(err, &fe) {
			errType = fe.Kind.String()
		}
		st.span.SetAttributes(attribute.String("flight.error_type", errType))
	} else {
		st.span.SetStatus(codes.Ok, "")
	}
	st.span.End()
}
