package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/foresturquhart/searchexport/container"
	"github.com/foresturquhart/searchexport/export"
	"github.com/foresturquhart/searchexport/models"
	"github.com/foresturquhart/searchexport/repositories"
	"github.com/foresturquhart/searchexport/storage"
	"github.com/foresturquhart/searchexport/utils"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// ExportRequest asks for one index to be exported
type ExportRequest struct {
	JobID       string
	Index       string
	Bucket      string
	Key         string
	OutputPath  string
	PageSize    int
	ResumeToken string // opaque cursor returned by an earlier run
	Resume      bool   // continue from the stored checkpoint of the index
}

// ClientFactory opens a new search client session
type ClientFactory func() (models.SearchClient, error)

// CheckpointStore keeps the resume cursor of exports that ran out of budget
type CheckpointStore interface {
	SaveCheckpoint(ctx context.Context, checkpoint *storage.Checkpoint) error
	LoadCheckpoint(ctx context.Context, index string) (*storage.Checkpoint, error)
	ClearCheckpoint(ctx context.Context, index string) error
}

// Ledger records the outcome of every run
type Ledger interface {
	Record(ctx context.Context, result *models.ExportResult) error
	GetByJobID(ctx context.Context, jobID string) (*repositories.ExportRecord, error)
	ListByIndex(ctx context.Context, index string, limit int) ([]*repositories.ExportRecord, error)
}

type ExportService struct {
	newClient     ClientFactory
	uploader      export.Uploader
	checkpoints   CheckpointStore
	ledger        Ledger
	runner        export.RunnerConfig
	defaultBucket string
}

// NewExportService wires the service to the resources held by the container. The
// checkpoint store and ledger are only used when they are configured.
func NewExportService(c *container.Container) *ExportService {
	svc := &ExportService{
		newClient: c.NewSearchClient,
		uploader:  c.S3,
		runner: export.RunnerConfig{
			PageSize:      c.Config.PageSize,
			Retries:       c.Config.FetchRetries,
			Budget:        c.Config.Budget,
			UploadTimeout: c.Config.UploadTimeout,
			StagingDir:    c.Config.StagingDir,
			KeyPrefix:     c.Config.KeyPrefix,
			TokenKey:      c.Config.EncryptionKey,
		},
		defaultBucket: c.Config.OutputBucket,
	}

	if c.Redis != nil {
		svc.checkpoints = c.Redis
	}
	if repo := repositories.NewExportRepository(c); repo.Enabled() {
		svc.ledger = repo
	}

	return svc
}

// WithBudget returns a copy of the service that runs with a different budget
func (s *ExportService) WithBudget(budget time.Duration) *ExportService {
	clone := *s
	clone.runner.Budget = budget
	return &clone
}

// WithProgress returns a copy of the service that reports every written page
func (s *ExportService) WithProgress(progress func(export.Progress)) *ExportService {
	clone := *s
	clone.runner.Progress = progress
	return &clone
}

// Export runs the request to completion and returns its result. Failures are part of
// the result.
func (s *ExportService) Export(ctx context.Context, req ExportRequest) *models.ExportResult {
	job := models.ExportJob{
		ID:         req.JobID,
		Index:      req.Index,
		Bucket:     req.Bucket,
		Key:        req.Key,
		OutputPath: req.OutputPath,
		PageSize:   req.PageSize,
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Bucket == "" && job.OutputPath == "" {
		job.Bucket = s.defaultBucket
	}

	after, err := s.resumeCursor(ctx, req)
	if err != nil {
		return s.finish(ctx, failedResult(job, err))
	}
	job.ResumeAfter = after

	client, err := s.newClient()
	if err != nil {
		return s.finish(ctx, failedResult(job, fmt.Errorf("error creating search client: %w", err)))
	}

	result := export.NewRunner(client, s.uploader, s.runner).Run(ctx, job)

	if s.checkpoints != nil {
		s.updateCheckpoint(ctx, result)
	}

	return s.finish(ctx, result)
}

// RetryUpload uploads a staging file kept by an earlier failed upload
func (s *ExportService) RetryUpload(ctx context.Context, path, bucket, key string) *models.ExportResult {
	if bucket == "" {
		bucket = s.defaultBucket
	}

	result := export.NewRunner(nil, s.uploader, s.runner).RetryUpload(ctx, path, bucket, key)
	return s.finish(ctx, result)
}

// Probe reports what the configured search endpoint is willing to tell about itself
func (s *ExportService) Probe(ctx context.Context) models.ProbeResult {
	client, err := s.newClient()
	if err != nil {
		return models.ProbeResult{Status: models.ProbeUnreachable, Error: err.Error()}
	}
	return client.Probe(ctx)
}

// Get returns the ledger entry of a job
func (s *ExportService) Get(ctx context.Context, jobID string) (*repositories.ExportRecord, error) {
	if s.ledger == nil {
		return nil, utils.ErrExportNotFound
	}
	return s.ledger.GetByJobID(ctx, jobID)
}

// List returns the most recent ledger entries of an index
func (s *ExportService) List(ctx context.Context, index string, limit int) ([]*repositories.ExportRecord, error) {
	if s.ledger == nil {
		return nil, nil
	}
	return s.ledger.ListByIndex(ctx, index, limit)
}

func (s *ExportService) resumeCursor(ctx context.Context, req ExportRequest) (models.Cursor, error) {
	if req.ResumeToken != "" {
		return utils.DecodeResumeToken(req.ResumeToken, s.runner.TokenKey)
	}

	if !req.Resume || s.checkpoints == nil {
		return nil, nil
	}

	checkpoint, err := s.checkpoints.LoadCheckpoint(ctx, req.Index)
	if err != nil {
		if errors.Is(err, utils.ErrCheckpointNotFound) {
			log.Info().Str("index", req.Index).Msg("No checkpoint stored, exporting from the beginning")
			return nil, nil
		}
		return nil, err
	}

	log.Info().Str("index", req.Index).Int64("count", checkpoint.Count).Str("previous_job", checkpoint.JobID).Msg("Resuming from checkpoint")

	return checkpoint.Cursor, nil
}

func (s *ExportService) updateCheckpoint(ctx context.Context, result *models.ExportResult) {
	switch {
	case result.Succeeded():
		if err := s.checkpoints.ClearCheckpoint(ctx, result.Index); err != nil {
			log.Error().Err(err).Str("index", result.Index).Msg("Failed to clear checkpoint")
		}
	case result.Error != nil && result.Error.Class == models.ClassBudgetExceeded && len(result.ResumeAfter) > 0:
		// Only documents that reached a part or the destination may be skipped on resume.
		// ctx may already be past its deadline.
		saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()

		err := s.checkpoints.SaveCheckpoint(saveCtx, &storage.Checkpoint{
			Index:  result.Index,
			Cursor: result.ResumeAfter,
			Count:  result.Count,
			JobID:  result.JobID,
		})
		if err != nil {
			log.Error().Err(err).Str("index", result.Index).Msg("Failed to save checkpoint")
		}
	}
}

func (s *ExportService) finish(ctx context.Context, result *models.ExportResult) *models.ExportResult {
	if s.ledger == nil {
		return result
	}

	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if err := s.ledger.Record(recordCtx, result); err != nil {
		log.Error().Err(err).Str("job", result.JobID).Msg("Failed to record export")
	}

	return result
}

func failedResult(job models.ExportJob, err error) *models.ExportResult {
	return &models.ExportResult{
		JobID:  job.ID,
		Index:  job.Index,
		Status: models.StatusFailure,
		Error: &models.ExportError{
			Class:   utils.ClassOf(err),
			Message: err.Error(),
		},
	}
}
