// Package telemetry installs the OpenTelemetry meter and tracer providers used
// by the engine instruments.
package telemetry

import (
	"context"
	"errors"
	"io"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/msageha/taskweave/internal/model"
)

const serviceName = "taskweave"

// ShutdownFunc flushes and stops the installed providers.
type ShutdownFunc func(context.Context) error

// Setup installs global providers for the signals enabled in cfg. Metrics are
// written to metricsOut on every export interval; spans are batched to
// tracesOut. With nothing enabled it installs nothing and returns a no-op.
func Setup(cfg model.TelemetryConfig, version string, metricsOut, tracesOut io.Writer) (ShutdownFunc, error) {
	var shutdowns []ShutdownFunc
	shutdown := func(ctx context.Context) error {
		var errs []error
		for i := len(shutdowns) - 1; i >= 0; i-- {
			errs = append(errs, shutdowns[i](ctx))
		}
		shutdowns = nil
		return errors.Join(errs...)
	}

	res := resource.NewSchemaless(
		attribute.String("service.name", serviceName),
		attribute.String("service.version", version),
	)

	if cfg.MetricsEnabled {
		exporter, err := stdoutmetric.New(stdoutmetric.WithWriter(metricsOut))
		if err != nil {
			return nil, errors.Join(err, shutdown(context.Background()))
		}
		interval := time.Duration(cfg.ExportIntervalSec) * time.Second
		if interval <= 0 {
			interval = 60 * time.Second
		}
		mp := sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(interval))),
		)
		otel.SetMeterProvider(mp)
		shutdowns = append(shutdowns, mp.Shutdown)
	}

	if cfg.TracesEnabled {
		exporter, err := stdouttrace.New(stdouttrace.WithWriter(tracesOut))
		if err != nil {
			return nil, errors.Join(err, shutdown(context.Background()))
		}
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithResource(res),
			sdktrace.WithBatcher(exporter),
		)
		otel.SetTracerProvider(tp)
		shutdowns = append(shutdowns, tp.Shutdown)
	}

	return shutdown, nil
}
