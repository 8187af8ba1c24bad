// Package telemetry provides OpenTelemetry metrics for the sync core.
//
// Telemetry is disabled by default (zero runtime overhead when off).
//
// # Configuration
//
//	TIERSYNC_OTEL_ENABLED=true   enable telemetry (default: off)
//	TIERSYNC_OTEL_STDOUT=true    write metrics to stdout (dev mode)
package telemetry

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/flowslide/tiersync/internal/syncengine"
	"github.com/flowslide/tiersync/internal/types"
)

const instrumentationScope = "github.com/flowslide/tiersync"

var shutdownFns []func(context.Context) error

// Enabled reports whether telemetry is active (TIERSYNC_OTEL_ENABLED=true).
func Enabled() bool {
	return os.Getenv("TIERSYNC_OTEL_ENABLED") == "true"
}

// Init configures the OTel meter provider. When TIERSYNC_OTEL_ENABLED is not
// "true" this installs a no-op provider and returns immediately.
func Init(ctx context.Context, serviceName, version string) error {
	if !Enabled() {
		otel.SetMeterProvider(metricnoop.NewMeterProvider())
		return nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String(version),
		),
		resource.WithHost(),
		resource.WithProcess(),
	)
	if err != nil {
		return fmt.Errorf("telemetry: resource: %w", err)
	}

	// stdout is the only exporter wired today; enabling telemetry implies it.
	exp, err := stdoutmetric.New()
	if err != nil {
		return fmt.Errorf("telemetry: stdout exporter: %w", err)
	}
	opts := []sdkmetric.Option{
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(30*time.Second)),
		),
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)
	shutdownFns = append(shutdownFns, mp.Shutdown)
	return nil
}

// Meter returns a meter with the given instrumentation name (or the global
// scope).
func Meter(name string) metric.Meter {
	if name == "" {
		name = instrumentationScope
	}
	return otel.Meter(name)
}

// RegisterSyncObservers exposes the sync engine's board as observable
// metrics. report is sampled on every collection.
func RegisterSyncObservers(report func() syncengine.Report) error {
	meter := Meter("")

	applied, err := meter.Int64ObservableCounter("tiersync.sync.applied",
		metric.WithDescription("records applied on a destination store"))
	if err != nil {
		return err
	}
	conflicts, err := meter.Int64ObservableCounter("tiersync.sync.conflicts",
		metric.WithDescription("conflicts resolved deterministically"))
	if err != nil {
		return err
	}
	errors, err := meter.Int64ObservableCounter("tiersync.sync.errors",
		metric.WithDescription("failed record applications and cycles"))
	if err != nil {
		return err
	}
	degraded, err := meter.Int64ObservableGauge("tiersync.sync.degraded_workers",
		metric.WithDescription("workers currently past the failure threshold"))
	if err != nil {
		return err
	}

	_, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		rep := report()
		var down int64
		for _, w := range rep.Workers {
			attrs := metric.WithAttributes(
				attribute.String("data_type", string(w.Type)),
				attribute.String("direction", string(w.Direction)),
			)
			o.ObserveInt64(applied, w.Applied, attrs)
			o.ObserveInt64(conflicts, w.Conflicts, attrs)
			o.ObserveInt64(errors, w.Errors, attrs)
			if w.Health == types.Degraded {
				down++
			}
		}
		o.ObserveInt64(degraded, down)
		return nil
	}, applied, conflicts, errors, degraded)
	return err
}

// Shutdown flushes metrics and shuts down the provider. Deferred in the
// daemon with a short-lived context.
func Shutdown(ctx context.Context) {
	for _, fn := range shutdownFns {
		_ = fn(ctx)
	}
	shutdownFns = nil
}
