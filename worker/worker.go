package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/foresturquhart/searchexport/container"
	"github.com/foresturquhart/searchexport/models"
	"github.com/foresturquhart/searchexport/services"
	"github.com/foresturquhart/searchexport/tasks"
	"github.com/hibiken/asynq"
	"github.com/rs/zerolog/log"
)

// timeoutMargin leaves room for the upload and bookkeeping after the export budget ran out
const timeoutMargin = 2 * time.Minute

// Worker represents the background job processor
type Worker struct {
	server    *asynq.Server
	client    *asynq.Client
	scheduler *asynq.Scheduler

	exportService *services.ExportService
	budget        time.Duration
}

// Ensure Worker implements tasks.Client
var _ tasks.Client = (*Worker)(nil)

// NewWorker creates a new worker on the container's redis connection
func NewWorker(container *container.Container, exportService *services.ExportService) (*Worker, error) {
	if container.Redis == nil {
		return nil, errors.New("background worker requires REDIS_ADDR")
	}

	concurrency := container.Config.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	// Configure server with queues and priorities
	server := asynq.NewServerFromRedisClient(
		container.Redis.Client,
		asynq.Config{
			Queues: map[string]int{
				tasks.QueueExport: 10,
			},
			Concurrency: concurrency,
			Logger:      logger{},
		},
	)

	// Client for enqueuing tasks
	client := asynq.NewClientFromRedisClient(container.Redis.Client)

	scheduler := asynq.NewSchedulerFromRedisClient(container.Redis.Client, &asynq.SchedulerOpts{
		Logger: logger{},
	})

	return &Worker{
		server:        server,
		client:        client,
		scheduler:     scheduler,
		exportService: exportService,
		budget:        container.Config.Budget,
	}, nil
}

func (w *Worker) Start() error {
	mux := asynq.NewServeMux()

	mux.HandleFunc(string(tasks.TypeExportIndex), w.handleExport)

	if err := w.scheduler.Start(); err != nil {
		return fmt.Errorf("error starting scheduler: %w", err)
	}

	return w.server.Start(mux)
}

func (w *Worker) Stop() error {
	w.scheduler.Shutdown()
	w.server.Shutdown()
	return w.client.Close()
}

func (w *Worker) taskOptions(payload tasks.ExportPayload) []asynq.Option {
	options := []asynq.Option{
		asynq.MaxRetry(3),
		asynq.Queue(tasks.QueueExport),
		asynq.Retention(24 * time.Hour),
	}
	if w.budget > 0 {
		options = append(options, asynq.Timeout(w.budget+timeoutMargin))
	}
	if payload.JobID != "" {
		options = append(options, asynq.TaskID(fmt.Sprintf("%s:%s", tasks.TypeExportIndex, payload.JobID)))
	}
	return options
}

func (w *Worker) EnqueueExport(ctx context.Context, payload tasks.ExportPayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("error encoding export payload: %w", err)
	}

	task := asynq.NewTask(string(tasks.TypeExportIndex), data)

	_, err = w.client.EnqueueContext(ctx, task, w.taskOptions(payload)...)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
			log.Debug().Str("index", payload.IndexName).Str("job", payload.JobID).Msg("Export task already queued, skipping duplicate")
			return nil
		}
		return fmt.Errorf("error enqueueing task: %w", err)
	}

	log.Debug().Str("index", payload.IndexName).Str("job", payload.JobID).Msg("Successfully enqueued export task")

	return nil
}

// Schedule registers periodic exports. Each entry has the form cron=index[:bucket].
func (w *Worker) Schedule(entries []string) error {
	for _, entry := range entries {
		cronspec, payload, err := ParseScheduleEntry(entry)
		if err != nil {
			return err
		}

		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("error encoding export payload: %w", err)
		}

		task := asynq.NewTask(string(tasks.TypeExportIndex), data)
		id, err := w.scheduler.Register(cronspec, task, w.taskOptions(payload)...)
		if err != nil {
			return fmt.Errorf("error scheduling export of %s: %w", payload.IndexName, err)
		}

		log.Info().Str("entry", id).Str("cron", cronspec).Str("index", payload.IndexName).Msg("Scheduled periodic export")
	}

	return nil
}

// ParseScheduleEntry splits a cron=index[:bucket] schedule entry
func ParseScheduleEntry(entry string) (string, tasks.ExportPayload, error) {
	cronspec, target, ok := strings.Cut(entry, "=")
	cronspec = strings.TrimSpace(cronspec)
	target = strings.TrimSpace(target)
	if !ok || cronspec == "" || target == "" {
		return "", tasks.ExportPayload{}, fmt.Errorf("invalid schedule entry %q, expected cron=index[:bucket]", entry)
	}

	index, bucket, _ := strings.Cut(target, ":")
	if index == "" {
		return "", tasks.ExportPayload{}, fmt.Errorf("invalid schedule entry %q, index is missing", entry)
	}

	return cronspec, tasks.ExportPayload{IndexName: index, BucketName: bucket}, nil
}

func (w *Worker) handleExport(ctx context.Context, task *asynq.Task) error {
	var payload tasks.ExportPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("error decoding export payload: %v: %w", err, asynq.SkipRetry)
	}

	log.Info().Str("index", payload.IndexName).Str("job", payload.JobID).Msg("Executing export job")

	result := w.exportService.Export(ctx, services.ExportRequest{
		JobID:       payload.JobID,
		Index:       payload.IndexName,
		Bucket:      payload.BucketName,
		Key:         payload.Key,
		PageSize:    payload.PageSize,
		ResumeToken: payload.ResumeToken,
		Resume:      payload.Resume,
	})

	if data, err := json.Marshal(result); err == nil {
		if _, err := task.ResultWriter().Write(data); err != nil {
			log.Warn().Err(err).Str("job", result.JobID).Msg("Failed to store task result")
		}
	}

	return w.afterExport(ctx, payload, result)
}

// afterExport decides what happens to a finished task: budget overruns continue in a
// follow-up task, transient failures are retried, everything else is final.
func (w *Worker) afterExport(ctx context.Context, payload tasks.ExportPayload, result *models.ExportResult) error {
	if result.Succeeded() {
		return nil
	}

	switch result.Error.Class {
	case models.ClassBudgetExceeded:
		// A continuation without a new part would start exactly where this task did
		if result.ResumeToken == "" || result.PartLocation == "" {
			return fmt.Errorf("export of %s ran out of budget without persisting any documents: %w", payload.IndexName, asynq.SkipRetry)
		}
		next := tasks.ExportPayload{
			IndexName:   payload.IndexName,
			BucketName:  payload.BucketName,
			PageSize:    payload.PageSize,
			ResumeToken: result.ResumeToken,
		}
		if err := w.EnqueueExport(ctx, next); err != nil {
			return fmt.Errorf("error enqueueing continuation of %s: %w", payload.IndexName, err)
		}
		log.Info().Str("index", payload.IndexName).Int64("count", result.Count).Msg("Export continues in a new task")
		return nil
	case models.ClassTransientFetch:
		return fmt.Errorf("export of %s failed: %s", payload.IndexName, result.Error.Message)
	default:
		return fmt.Errorf("export of %s failed with %s: %s: %w", payload.IndexName, result.Error.Class, result.Error.Message, asynq.SkipRetry)
	}
}
