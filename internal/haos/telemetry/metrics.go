package telemetry

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	otelprometheus "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	"google.golang.org/grpc"
)

// Instruments holds the process-wide counters/histograms/gauges named
// in spec §6 (ground: libs/go/core/otelinit.Metrics + dag_engine.go's
// per-component instrument creation pattern).
type Instruments struct {
	WorkflowsStarted  metric.Int64Counter
	WorkflowsFinished metric.Int64Counter
	WorkflowsFailed   metric.Int64Counter
	TasksByState      metric.Int64Counter
	WorkerReplacements metric.Int64Counter
	CircuitBreakerOpens metric.Int64Counter
	MessagesDropped   metric.Int64Counter

	TaskWall          metric.Float64Histogram
	AssignLatency     metric.Float64Histogram
	QualityCheckLatency metric.Float64Histogram

	WorkersByLayerState metric.Int64Gauge
	InflightTasks       metric.Int64Gauge
}

// InitMetrics configures a global metrics provider fed by two readers —
// a periodic OTLP push exporter for a collector pipeline, and a
// Prometheus pull exporter for MetricsHandler — and returns the
// shutdown func plus the common instrument set.
func InitMetrics(ctx context.Context, service string) (shutdown func(context.Context) error, inst Instruments) {
	res, _ := sdkresource.Merge(sdkresource.Default(), sdkresource.NewWithAttributes(
		"https://opentelemetry.io/schemas/1.24.0",
		attribute.String("service.name", service),
	))

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}

	promReader, err := otelprometheus.New()
	if err != nil {
		slog.Warn("prometheus exporter init failed", "error", err)
	} else {
		opts = append(opts, sdkmetric.WithReader(promReader))
	}

	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_METRICS_ENDPOINT")
	if endpoint == "" {
		endpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	}
	if endpoint == "" {
		endpoint = "localhost:4317"
	}
	ctxInit, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	exp, err := otlpmetricgrpc.New(ctxInit,
		otlpmetricgrpc.WithEndpoint(endpoint),
		otlpmetricgrpc.WithDialOption(grpc.WithInsecure()),
	)
	if err != nil {
		slog.Warn("otlp metrics exporter init failed", "error", err)
	} else {
		opts = append(opts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(10*time.Second))))
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)
	slog.Info("metrics initialized", "otlp_endpoint", endpoint)
	return mp.Shutdown, newInstruments()
}

// MetricsHandler exposes the process's metrics in Prometheus exposition
// format for cmd/haos's /metrics route (ground: 88lin-divinesense/ai/
// metrics/prometheus.go's promhttp.Handler wiring, adapted to the OTel
// SDK's own Prometheus reader rather than a second, parallel registry).
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

func newInstruments() Instruments {
	meter := otel.Meter("haos")
	i := Instruments{}
	i.WorkflowsStarted, _ = meter.Int64Counter("haos_workflows_started_total")
	i.WorkflowsFinished, _ = meter.Int64Counter("haos_workflows_finished_total")
	i.WorkflowsFailed, _ = meter.Int64Counter("haos_workflows_failed_total")
	i.TasksByState, _ = meter.Int64Counter("haos_tasks_by_state_total")
	i.WorkerReplacements, _ = meter.Int64Counter("haos_worker_replacements_total")
	i.CircuitBreakerOpens, _ = meter.Int64Counter("haos_circuit_breaker_opens_total")
	i.MessagesDropped, _ = meter.Int64Counter("haos_messages_dropped_total")
	i.TaskWall, _ = meter.Float64Histogram("haos_task_wall_ms")
	i.AssignLatency, _ = meter.Float64Histogram("haos_assign_latency_ms")
	i.QualityCheckLatency, _ = meter.Float64Histogram("haos_quality_check_latency_ms")
	i.WorkersByLayerState, _ = meter.Int64Gauge("haos_workers_by_layer_state")
	i.InflightTasks, _ = meter.Int64Gauge("haos_inflight_tasks")
	return i
}
