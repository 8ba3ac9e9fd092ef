package engine

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/msageha/taskweave/internal/engine"

// Instruments groups the metrics and tracer used by the executor and service.
// The zero providers installed by otel are no-ops until telemetry is set up.
type Instruments struct {
	tracer     trace.Tracer
	tasks      metric.Int64Counter
	duration   metric.Float64Histogram
	executions metric.Int64Counter
}

// NewInstruments creates instruments from the global otel providers.
func NewInstruments() (*Instruments, error) {
	return NewInstrumentsFrom(otel.GetMeterProvider().Meter(instrumentationName), otel.Tracer(instrumentationName))
}

func NewInstrumentsFrom(meter metric.Meter, tracer trace.Tracer) (*Instruments, error) {
	tasks, err := meter.Int64Counter("taskweave.tasks",
		metric.WithDescription("Task runs by outcome"),
		metric.WithUnit("{task}"))
	if err != nil {
		return nil, err
	}
	duration, err := meter.Float64Histogram("taskweave.task.duration",
		metric.WithDescription("Task execution time"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}
	executions, err := meter.Int64Counter("taskweave.executions",
		metric.WithDescription("Finished root executions by outcome"),
		metric.WithUnit("{execution}"))
	if err != nil {
		return nil, err
	}
	return &Instruments{tracer: tracer, tasks: tasks, duration: duration, executions: executions}, nil
}

func (in *Instruments) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if in == nil {
		return ctx, trace.SpanFromContext(context.Background())
	}
	return in.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func (in *Instruments) recordTask(ctx context.Context, project, outcome string, elapsed time.Duration) {
	if in == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("project", project),
		attribute.String("outcome", outcome),
	)
	in.tasks.Add(ctx, 1, attrs)
	if outcome != outcomeCached {
		in.duration.Record(ctx, elapsed.Seconds(), attrs)
	}
}

func (in *Instruments) recordExecution(ctx context.Context, success bool) {
	if in == nil {
		return
	}
	in.executions.Add(ctx, 1, metric.WithAttributes(attribute.Bool("success", success)))
}
