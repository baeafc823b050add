// Package telemetry wires the engine's counters through the OpenTelemetry
// SDK. Disabled by default; when enabled, metrics are exported periodically
// and flushed on engine shutdown.
package telemetry

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/mendcore/mend/internal/config"
)

const instrumentationScope = "github.com/mendcore/mend"

const exportInterval = 30 * time.Second

// Metrics owns the engine's instruments. A nil *Metrics is valid and records
// nothing, so callers never branch on whether telemetry is configured.
type Metrics struct {
	provider *sdkmetric.MeterProvider

	tasksEnqueued  metric.Int64Counter
	tasksProcessed metric.Int64Counter
	tasksSucceeded metric.Int64Counter
	tasksFailed    metric.Int64Counter
	tasksEscalated metric.Int64Counter
	retryAttempts  metric.Int64Counter
	breakerOpened  metric.Int64Counter
	queueDepth     metric.Int64Gauge
}

// New builds the metric instruments. When cfg.Enabled is false the
// instruments are backed by the no-op provider and New never touches out.
// out receives exported metrics (nil means stdout).
func New(ctx context.Context, cfg config.TelemetryConfig, version string, out io.Writer) (*Metrics, error) {
	m := &Metrics{}

	var meter metric.Meter
	if !cfg.Enabled {
		meter = metricnoop.NewMeterProvider().Meter(instrumentationScope)
	} else {
		if cfg.Exporter != "" && cfg.Exporter != "stdout" {
			return nil, fmt.Errorf("telemetry: unsupported exporter %q", cfg.Exporter)
		}
		if out == nil {
			out = os.Stdout
		}
		exp, err := stdoutmetric.New(stdoutmetric.WithWriter(out))
		if err != nil {
			return nil, fmt.Errorf("telemetry: stdout exporter: %w", err)
		}
		res, err := resource.New(ctx,
			resource.WithAttributes(
				semconv.ServiceNameKey.String("mendd"),
				semconv.ServiceVersionKey.String(version),
			),
		)
		if err != nil {
			return nil, fmt.Errorf("telemetry: resource: %w", err)
		}
		m.provider = sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(exportInterval))),
		)
		meter = m.provider.Meter(instrumentationScope)
	}

	if err := m.build(meter); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) build(meter metric.Meter) error {
	var err error
	if m.tasksEnqueued, err = meter.Int64Counter("mend.tasks.enqueued",
		metric.WithDescription("Tasks appended to the pending queue")); err != nil {
		return fmt.Errorf("telemetry: instrument: %w", err)
	}
	if m.tasksProcessed, err = meter.Int64Counter("mend.tasks.processed",
		metric.WithDescription("Tasks taken through the fix loop")); err != nil {
		return fmt.Errorf("telemetry: instrument: %w", err)
	}
	if m.tasksSucceeded, err = meter.Int64Counter("mend.tasks.succeeded",
		metric.WithDescription("Tasks whose verification passed")); err != nil {
		return fmt.Errorf("telemetry: instrument: %w", err)
	}
	if m.tasksFailed, err = meter.Int64Counter("mend.tasks.failed",
		metric.WithDescription("Tasks that exhausted retries or were rejected")); err != nil {
		return fmt.Errorf("telemetry: instrument: %w", err)
	}
	if m.tasksEscalated, err = meter.Int64Counter("mend.tasks.escalated",
		metric.WithDescription("Escalation records delivered for failed tasks")); err != nil {
		return fmt.Errorf("telemetry: instrument: %w", err)
	}
	if m.retryAttempts, err = meter.Int64Counter("mend.retry.attempts",
		metric.WithDescription("Individual fix attempts across all tasks")); err != nil {
		return fmt.Errorf("telemetry: instrument: %w", err)
	}
	if m.breakerOpened, err = meter.Int64Counter("mend.breaker.opened",
		metric.WithDescription("Times a subject's circuit opened")); err != nil {
		return fmt.Errorf("telemetry: instrument: %w", err)
	}
	if m.queueDepth, err = meter.Int64Gauge("mend.queue.depth",
		metric.WithDescription("Pending tasks after the last queue change")); err != nil {
		return fmt.Errorf("telemetry: instrument: %w", err)
	}
	return nil
}

func (m *Metrics) TaskEnqueued(ctx context.Context) {
	if m == nil {
		return
	}
	m.tasksEnqueued.Add(ctx, 1)
}

func (m *Metrics) TaskProcessed(ctx context.Context) {
	if m == nil {
		return
	}
	m.tasksProcessed.Add(ctx, 1)
}

func (m *Metrics) TaskSucceeded(ctx context.Context) {
	if m == nil {
		return
	}
	m.tasksSucceeded.Add(ctx, 1)
}

func (m *Metrics) TaskFailed(ctx context.Context) {
	if m == nil {
		return
	}
	m.tasksFailed.Add(ctx, 1)
}

func (m *Metrics) TaskEscalated(ctx context.Context) {
	if m == nil {
		return
	}
	m.tasksEscalated.Add(ctx, 1)
}

func (m *Metrics) RetryAttempts(ctx context.Context, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.retryAttempts.Add(ctx, int64(n))
}

func (m *Metrics) BreakerOpened(ctx context.Context, subject string) {
	if m == nil {
		return
	}
	m.breakerOpened.Add(ctx, 1, metric.WithAttributes(attribute.String("subject", subject)))
}

func (m *Metrics) QueueDepth(ctx context.Context, depth int) {
	if m == nil {
		return
	}
	m.queueDepth.Record(ctx, int64(depth))
}

// Shutdown flushes buffered metrics. No-op when telemetry is disabled.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m == nil || m.provider == nil {
		return nil
	}
	return m.provider.Shutdown(ctx)
}
