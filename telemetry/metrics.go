package telemetry

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metric exporters
const (
	ExporterNone   = ""
	ExporterStdout = "stdout"
	ExporterOTLP   = "otlp"
)

// Options selects how export counters leave the process
type Options struct {
	Exporter string
	Interval time.Duration
	Writer   io.Writer // stdout exporter destination, os.Stdout when nil
}

// MeterSetup owns the meter provider installed by Setup
type MeterSetup struct {
	provider *sdkmetric.MeterProvider
}

// Setup installs a global meter provider for the chosen exporter. With no exporter the
// global provider stays a no-op and Shutdown does nothing.
func Setup(ctx context.Context, opts Options) (*MeterSetup, error) {
	var exporter sdkmetric.Exporter
	var err error

	switch opts.Exporter {
	case ExporterNone:
		return &MeterSetup{}, nil
	case ExporterStdout:
		w := opts.Writer
		if w == nil {
			w = os.Stdout
		}
		exporter, err = stdoutmetric.New(stdoutmetric.WithWriter(w))
	case ExporterOTLP:
		// Endpoint and headers come from the standard OTEL_EXPORTER_OTLP_* variables
		exporter, err = otlpmetrichttp.New(ctx)
	default:
		return nil, fmt.Errorf("unknown metrics exporter %q", opts.Exporter)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create %s metrics exporter: %w", opts.Exporter, err)
	}

	readerOpts := []sdkmetric.PeriodicReaderOption{}
	if opts.Interval > 0 {
		readerOpts = append(readerOpts, sdkmetric.WithInterval(opts.Interval))
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, readerOpts...)),
	)
	otel.SetMeterProvider(provider)

	return &MeterSetup{provider: provider}, nil
}

// ForceFlush exports pending measurements without stopping the exporter
func (m *MeterSetup) ForceFlush(ctx context.Context) error {
	if m == nil || m.provider == nil {
		return nil
	}
	return m.provider.ForceFlush(ctx)
}

// Shutdown flushes pending measurements and stops the exporter
func (m *MeterSetup) Shutdown(ctx context.Context) error {
	if m == nil || m.provider == nil {
		return nil
	}
	return m.provider.Shutdown(ctx)
}
