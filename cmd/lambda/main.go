package main

import (
	"context"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-lambda-go/lambdacontext"
	"github.com/foresturquhart/searchexport/config"
	"github.com/foresturquhart/searchexport/container"
	"github.com/foresturquhart/searchexport/logging"
	"github.com/foresturquhart/searchexport/models"
	"github.com/foresturquhart/searchexport/services"
	"github.com/foresturquhart/searchexport/tasks"
	"github.com/foresturquhart/searchexport/telemetry"
	"github.com/rs/zerolog/log"
)

const (
	defaultIndex = "inventory"

	// resultMargin is kept free at the end of an invocation to store a partial export,
	// save the checkpoint and return the result
	resultMargin = time.Minute

	// minBudget is handed out once the invocation deadline has already passed
	minBudget = time.Second
)

type handler struct {
	service *services.ExportService
	metrics *telemetry.MeterSetup
	budget  time.Duration
}

func (h *handler) handle(ctx context.Context, event tasks.ExportPayload) (*models.ExportResult, error) {
	if lc, ok := lambdacontext.FromContext(ctx); ok {
		log.Info().Str("request", lc.AwsRequestID).Str("index", event.IndexName).Msg("Export invoked")
	}

	svc := h.service.WithBudget(budgetFor(ctx, h.budget, time.Now()))
	result := svc.Export(ctx, requestFor(event))

	// The execution environment may be frozen after returning
	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := h.metrics.ForceFlush(flushCtx); err != nil {
		log.Warn().Err(err).Msg("Failed to flush metrics")
	}

	return result, nil
}

// requestFor turns an invocation event into an export request. The bucket falls back
// to OUTPUT_BUCKET inside the service.
func requestFor(event tasks.ExportPayload) services.ExportRequest {
	index := event.IndexName
	if index == "" {
		index = defaultIndex
	}

	return services.ExportRequest{
		JobID:       event.JobID,
		Index:       index,
		Bucket:      event.BucketName,
		Key:         event.Key,
		PageSize:    event.PageSize,
		ResumeToken: event.ResumeToken,
		Resume:      event.Resume,
	}
}

// budgetFor shrinks the configured budget so the export stops before the invocation
// deadline while there is still time to report the result
func budgetFor(ctx context.Context, configured time.Duration, now time.Time) time.Duration {
	deadline, ok := ctx.Deadline()
	if !ok {
		return configured
	}

	remaining := deadline.Sub(now) - resultMargin
	if remaining <= 0 {
		remaining = deadline.Sub(now) / 2
	}
	// A budget of zero or less would disable the limit entirely
	if remaining < minBudget {
		remaining = minBudget
	}

	if configured <= 0 || remaining < configured {
		return remaining
	}
	return configured
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Setup(logging.Options{Level: cfg.LogLevel})

	metrics, err := telemetry.Setup(context.Background(), telemetry.Options{
		Exporter: cfg.MetricsExporter,
		Interval: cfg.MetricsInterval,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to set up metrics")
	}

	c, err := container.NewContainer(context.Background(), cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize application container")
	}
	defer c.Close()

	h := &handler{
		service: services.NewExportService(c),
		metrics: metrics,
		budget:  cfg.Budget,
	}

	lambda.Start(h.handle)
}
