// Package otel wires up OpenTelemetry trace and metric providers for the
// Gallop service. Exporters write to stdout; a collector endpoint can be
// swapped in without touching callers.
package otel

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Config toggles the telemetry signals to install.
type Config struct {
	ServiceName   string
	EnableTracing bool
	EnableMetrics bool
}

// Setup installs the configured global providers and returns a shutdown
// function that flushes and stops them. The shutdown function is safe to
// call even when Setup returned an error.
func Setup(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	var shutdownFuncs []func(context.Context) error

	shutdown := func(ctx context.Context) error {
		var err error
		for _, fn := range shutdownFuncs {
			err = errors.Join(err, fn(ctx))
		}
		shutdownFuncs = nil
		return err
	}

	var err error
	handleErr := func(inErr error) {
		err = errors.Join(inErr, shutdown(ctx))
	}

	otel.SetTextMapPropagator(newPropagator())

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
	)

	if cfg.EnableTracing {
		tracerProvider, tpErr := newTracerProvider(res)
		if tpErr != nil {
			handleErr(tpErr)
		} else {
			shutdownFuncs = append(shutdownFuncs, tracerProvider.Shutdown)
			otel.SetTracerProvider(tracerProvider)
		}
	}

	if cfg.EnableMetrics {
		meterProvider, mpErr := newMeterProvider(res)
		if mpErr != nil {
			handleErr(mpErr)
		} else {
			shutdownFuncs = append(shutdownFuncs, meterProvider.Shutdown)
			otel.SetMeterProvider(meterProvider)
		}
	}

	return shutdown, err
}

func newPropagator() propagation.TextMapPropagator {
	return propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	)
}

func newTracerProvider(res *resource.Resource) (*trace.TracerProvider, error) {
	traceExporter, err := stdouttrace.New()
	if err != nil {
		return nil, err
	}
	return trace.NewTracerProvider(
		trace.WithBatcher(traceExporter),
		trace.WithResource(res),
	), nil
}

func newMeterProvider(res *resource.Resource) (*metric.MeterProvider, error) {
	metricExporter, err := stdoutmetric.New()
	if err != nil {
		return nil, err
	}
	return metric.NewMeterProvider(
		metric.WithReader(metric.NewPeriodicReader(metricExporter)),
		metric.WithResource(res),
	), nil
}
