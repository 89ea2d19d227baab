package telemetry

import (
	"context"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

const defaultMetricExportInterval = 60 * time.Second

var (
	metricsMutex        sync.RWMutex
	globalMeterProvider *sdkmetric.MeterProvider
	metricsEnabled      bool

	toolCallsCounter          metric.Int64Counter
	toolDurationHistogram     metric.Float64Histogram
	upstreamCallsCounter      metric.Int64Counter
	upstreamDurationHistogram metric.Float64Histogram
)

// InitMetrics initialises the OpenTelemetry meter provider.
// Shares OTEL_EXPORTER_OTLP_ENDPOINT with tracing; call after InitTracer.
func InitMetrics(logger *logrus.Logger) (func() error, error) {
	metricsMutex.Lock()
	defer metricsMutex.Unlock()

	noopShutdown := func() error { return nil }

	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if endpoint == "" || os.Getenv("OTEL_SDK_DISABLED") == "true" {
		logger.Debug("OTEL Metrics: Not configured, using noop meter")
		metricsEnabled = false
		return noopShutdown, nil
	}

	logger.WithField("endpoint", endpoint).Info("OTEL Metrics: Initialising meter")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var exporter sdkmetric.Exporter
	var err error
	switch protocol := getOTLPProtocol(); protocol {
	case "grpc":
		exporter, err = otlpmetricgrpc.New(ctx)
	default:
		exporter, err = otlpmetrichttp.New(ctx)
	}
	if err != nil {
		logger.WithError(err).Warn("OTEL Metrics: Failed to create exporter, falling back to noop meter")
		metricsEnabled = false
		return noopShutdown, err
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(getMetricExportInterval(logger)),
		)),
		sdkmetric.WithResource(newResource(ctx, logger)),
	)
	otel.SetMeterProvider(meterProvider)
	globalMeterProvider = meterProvider

	if err := initMetricInstruments(meterProvider.Meter(instrumentationName)); err != nil {
		logger.WithError(err).Error("OTEL Metrics: Failed to initialise instruments")
		return noopShutdown, err
	}
	metricsEnabled = true

	logger.Info("OTEL Metrics: Meter initialised successfully")

	return func() error {
		metricsMutex.Lock()
		defer metricsMutex.Unlock()

		if globalMeterProvider == nil {
			return nil
		}
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := globalMeterProvider.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Error("OTEL Metrics: Failed to shutdown meter provider")
			return err
		}
		logger.Debug("OTEL Metrics: Meter provider shutdown successfully")
		return nil
	}, nil
}

// initMetricInstruments creates every instrument. Caller holds metricsMutex.
func initMetricInstruments(meter metric.Meter) error {
	var err error

	toolCallsCounter, err = meter.Int64Counter(
		"mcp.tool.calls",
		metric.WithDescription("Total tool invocations"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return err
	}

	toolDurationHistogram, err = meter.Float64Histogram(
		"mcp.tool.duration",
		metric.WithDescription("Tool execution duration"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000),
	)
	if err != nil {
		return err
	}

	upstreamCallsCounter, err = meter.Int64Counter(
		"repairguide.upstream.calls",
		metric.WithDescription("Calls to the repair guide API by operation and outcome"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return err
	}

	upstreamDurationHistogram, err = meter.Float64Histogram(
		"repairguide.upstream.duration",
		metric.WithDescription("Repair guide API call duration"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000),
	)
	return err
}

// IsMetricsEnabled returns true if metrics collection is enabled
func IsMetricsEnabled() bool {
	metricsMutex.RLock()
	defer metricsMutex.RUnlock()
	return metricsEnabled
}

// RecordToolCall records one tool invocation
func RecordToolCall(ctx context.Context, toolName string, success bool, duration time.Duration) {
	metricsMutex.RLock()
	defer metricsMutex.RUnlock()
	if !metricsEnabled {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String(AttrMCPToolName, toolName),
		attribute.Bool(AttrMCPToolSuccess, success),
	)
	toolCallsCounter.Add(ctx, 1, attrs)
	toolDurationHistogram.Record(ctx, float64(duration.Milliseconds()), attrs)
}

// RecordUpstreamCall records one repair guide API call.
// outcome is OutcomeOK or an error kind.
func RecordUpstreamCall(ctx context.Context, operation, outcome string, duration time.Duration) {
	metricsMutex.RLock()
	defer metricsMutex.RUnlock()
	if !metricsEnabled {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String(AttrUpstreamOperation, operation),
		attribute.String(AttrUpstreamOutcome, outcome),
	)
	upstreamCallsCounter.Add(ctx, 1, attrs)
	upstreamDurationHistogram.Record(ctx, float64(duration.Milliseconds()), attrs)
}

func getMetricExportInterval(logger *logrus.Logger) time.Duration {
	raw := os.Getenv("OTEL_METRIC_EXPORT_INTERVAL")
	if raw == "" {
		return defaultMetricExportInterval
	}

	// OTEL_METRIC_EXPORT_INTERVAL is specified in milliseconds
	ms, err := strconv.Atoi(raw)
	if err != nil || ms <= 0 {
		logger.WithField("value", raw).Warn("OTEL Metrics: Invalid OTEL_METRIC_EXPORT_INTERVAL, using default")
		return defaultMetricExportInterval
	}
	return time.Duration(ms) * time.Millisecond
}
