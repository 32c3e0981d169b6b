package otel

import (
	"context"
	"time"

	syncstate "github.com/xjerod/synced-state-example"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	instrumentationName = "github.com/xjerod/synced-state-example"
)

// Observability implements syncstate.Observability using OpenTelemetry
type Observability struct {
	tracer trace.Tracer
	meter  metric.Meter

	// Metrics
	emitCounter   metric.Int64Counter
	emitDuration  metric.Float64Histogram
	emitErrors    metric.Int64Counter
	applyCounter  metric.Int64Counter
	applyDuration metric.Float64Histogram
}

// Option configures the Observability
type Option func(*Observability)

// WithTracerProvider sets a custom tracer provider
func WithTracerProvider(provider trace.TracerProvider) Option {
	return func(o *Observability) {
		o.tracer = provider.Tracer(instrumentationName)
	}
}

// WithMeterProvider sets a custom meter provider
func WithMeterProvider(provider metric.MeterProvider) Option {
	return func(o *Observability) {
		o.meter = provider.Meter(instrumentationName)
	}
}

// New creates a new OpenTelemetry observability implementation
func New(opts ...Option) (*Observability, error) {
	obs := &Observability{
		tracer: otel.Tracer(instrumentationName),
		meter:  otel.Meter(instrumentationName),
	}

	// Apply options
	for _, opt := range opts {
		opt(obs)
	}

	var err error

	obs.emitCounter, err = obs.meter.Int64Counter(
		"syncstate.emit.count",
		metric.WithDescription("Number of state emissions attempted"),
		metric.WithUnit("{emission}"),
	)
	if err != nil {
		return nil, err
	}

	obs.emitDuration, err = obs.meter.Float64Histogram(
		"syncstate.emit.duration",
		metric.WithDescription("State emission duration"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	obs.emitErrors, err = obs.meter.Int64Counter(
		"syncstate.emit.errors",
		metric.WithDescription("Number of failed state emissions"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	obs.applyCounter, err = obs.meter.Int64Counter(
		"syncstate.apply.count",
		metric.WithDescription("Number of inbound updates by outcome"),
		metric.WithUnit("{update}"),
	)
	if err != nil {
		return nil, err
	}

	obs.applyDuration, err = obs.meter.Float64Histogram(
		"syncstate.apply.duration",
		metric.WithDescription("Inbound update dispatch duration"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	return obs, nil
}

// OnEmitStart starts a span for an emission and counts it
func (o *Observability) OnEmitStart(ctx context.Context, key string) context.Context {
	ctx, _ = o.tracer.Start(ctx, "syncstate.emit: "+key,
		trace.WithAttributes(
			attribute.String("state.key", key),
			attribute.String("state.topic", syncstate.TopicFor(key)),
		),
	)

	o.emitCounter.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("state.key", key),
		),
	)

	return ctx
}

// OnEmitComplete records duration and errors, then ends the emit span
func (o *Observability) OnEmitComplete(ctx context.Context, duration time.Duration, err error) {
	span := trace.SpanFromContext(ctx)

	durationMs := float64(duration.Microseconds()) / 1000
	o.emitDuration.Record(ctx, durationMs)

	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
		o.emitErrors.Add(ctx, 1)
	} else {
		span.SetStatus(codes.Ok, "")
	}

	span.End()
}

// OnApplyStart starts a span for an inbound update
func (o *Observability) OnApplyStart(ctx context.Context, key string) context.Context {
	ctx, _ = o.tracer.Start(ctx, "syncstate.apply: "+key,
		trace.WithAttributes(
			attribute.String("state.key", key),
		),
	)
	return ctx
}

// OnApplyComplete counts the update by outcome and ends the apply span.
// Ignored updates are not errors.
func (o *Observability) OnApplyComplete(ctx context.Context, duration time.Duration, outcome syncstate.Outcome, err error) {
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(attribute.String("state.outcome", outcome.String()))

	attrs := metric.WithAttributes(attribute.String("state.outcome", outcome.String()))
	o.applyCounter.Add(ctx, 1, attrs)
	o.applyDuration.Record(ctx, float64(duration.Microseconds())/1000, attrs)

	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
	} else {
		span.SetStatus(codes.Ok, "")
	}

	span.End()
}

// Ensure Observability implements syncstate.Observability
var _ syncstate.Observability = (*Observability)(nil)
