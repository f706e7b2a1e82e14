package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/foresturquhart/searchexport/config"
	"github.com/foresturquhart/searchexport/container"
	"github.com/foresturquhart/searchexport/logging"
	"github.com/foresturquhart/searchexport/telemetry"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// app holds what every command needs once configuration is loaded
type app struct {
	cfg       *config.Config
	container *container.Container
	logs      io.Closer
	metrics   *telemetry.MeterSetup
}

func (a *app) load(cmd *cobra.Command) error {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	a.cfg = cfg

	// Configure logging
	a.logs = logging.Setup(logging.Options{Level: cfg.LogLevel, File: cfg.LogFile, Console: true})

	// Install the metrics exporter, if any
	metrics, err := telemetry.Setup(cmd.Context(), telemetry.Options{
		Exporter: cfg.MetricsExporter,
		Interval: cfg.MetricsInterval,
		Writer:   os.Stderr,
	})
	if err != nil {
		return fmt.Errorf("failed to set up metrics: %w", err)
	}
	a.metrics = metrics

	// Initialize container with all dependencies
	c, err := container.NewContainer(cmd.Context(), cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize application container: %w", err)
	}
	a.container = c

	return nil
}

func (a *app) close() {
	if a.container != nil {
		a.container.Close()
	}
	if a.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.metrics.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("Failed to flush metrics")
		}
		cancel()
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
}

func newRootCommand(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "searchexport",
		Short: "Export OpenSearch and Elasticsearch indices to NDJSON",
		Long: `Export every document of an index, page by page in a stable sort order, into a
newline-delimited JSON file and optionally upload it to an S3 bucket.

Configuration is read from the environment (OPENSEARCH_URL, AWS_REGION, OUTPUT_BUCKET, ...);
flags override it for a single run.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load(cmd)
		},
	}

	root.AddCommand(
		newExportCommand(a),
		newProbeCommand(a),
		newUploadCommand(a),
		newServeCommand(a),
	)

	return root
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)

	a := &app{}
	err := newRootCommand(a).ExecuteContext(ctx)

	a.close()
	stop()

	if err != nil {
		log.Error().Err(err).Msg("Command failed")
		os.Exit(1)
	}
}
