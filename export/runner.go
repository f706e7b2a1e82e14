package export

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/foresturquhart/searchexport/models"
	"github.com/foresturquhart/searchexport/storage"
	"github.com/foresturquhart/searchexport/utils"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	// DefaultBudget mirrors the longest execution time of a serverless function
	DefaultBudget = 900 * time.Second

	// DefaultUploadTimeout bounds a single object upload
	DefaultUploadTimeout = 5 * time.Minute
)

// Uploader stores a finished staging file as a single object
type Uploader interface {
	UploadFile(ctx context.Context, bucket, key, path string) (string, error)
}

// RunnerConfig holds the settings shared by every run
type RunnerConfig struct {
	PageSize      int
	Retries       int
	RetryInterval time.Duration
	Budget        time.Duration // wall clock limit for a whole run, 0 disables it
	UploadTimeout time.Duration // limit for a single upload call
	StagingDir    string        // where remote exports are staged, defaults to the OS temp dir
	KeyPrefix     string        // prefix of generated object keys
	TokenKey      string        // secret used to seal resume tokens
	Progress      func(Progress)
	Now           func() time.Time
}

// Runner performs one export end to end: staging, pagination and optional upload
type Runner struct {
	client   models.SearchClient
	uploader Uploader
	config   RunnerConfig

	// sink wraps the staging file before the exporter writes to it
	sink func(io.Writer) io.Writer
}

// NewRunner creates a runner. uploader may be nil when only local exports are run.
func NewRunner(client models.SearchClient, uploader Uploader, config RunnerConfig) *Runner {
	if config.PageSize <= 0 {
		config.PageSize = models.DefaultPageSize
	}
	if config.UploadTimeout <= 0 {
		config.UploadTimeout = DefaultUploadTimeout
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	return &Runner{
		client:   client,
		uploader: uploader,
		config:   config,
	}
}

// ObjectKey returns the object key used when the caller does not choose one. Resumed
// runs get a timestamped key so chunks of the same index do not overwrite each other.
func ObjectKey(prefix, index string, resumed bool, now time.Time) string {
	if resumed {
		return fmt.Sprintf("%s%s_export_%d.ndjson", prefix, index, now.Unix())
	}
	return fmt.Sprintf("%s%s_export.ndjson", prefix, index)
}

// PartKey returns the object key of the documents a run persisted before its budget
// ran out. Parts of one index are ordered by the start time of the run that wrote them.
func PartKey(prefix, index, key string, startedAt time.Time) string {
	if key != "" {
		return fmt.Sprintf("%s_part_%d.ndjson", strings.TrimSuffix(key, ".ndjson"), startedAt.UnixNano())
	}
	return fmt.Sprintf("%s%s_export_part_%d.ndjson", prefix, index, startedAt.UnixNano())
}

// PartPath is the local counterpart of PartKey
func PartPath(outputPath string, startedAt time.Time) string {
	ext := filepath.Ext(outputPath)
	return fmt.Sprintf("%s_part_%d%s", strings.TrimSuffix(outputPath, ext), startedAt.UnixNano(), ext)
}

// Run executes the job and always returns a result; failures are reported in it
// rather than returned.
func (r *Runner) Run(ctx context.Context, job models.ExportJob) (result *models.ExportResult) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.StartedAt.IsZero() {
		job.StartedAt = r.config.Now()
	}
	if job.PageSize <= 0 {
		job.PageSize = r.config.PageSize
	}

	logger := log.With().Str("job", job.ID).Str("index", job.Index).Logger()

	result = &models.ExportResult{
		JobID: job.ID,
		Index: job.Index,
	}

	defer func() {
		if p := recover(); p != nil {
			r.fail(result, utils.Classify(models.ClassUnknown, "export", fmt.Errorf("panic: %v", p)))
		}

		result.Elapsed = r.config.Now().Sub(job.StartedAt)
		result.ElapsedMS = result.Elapsed.Milliseconds()

		event := logger.Info()
		if !result.Succeeded() {
			event = logger.Error().Str("class", string(result.Error.Class)).Str("error", result.Error.Message)
		}
		event.Str("status", string(result.Status)).
			Int64("count", result.Count).
			Int("pages", result.Pages).
			Str("location", result.Location).
			Dur("elapsed", result.Elapsed).
			Msg("Export finished")
	}()

	if err := r.validate(job); err != nil {
		r.fail(result, err)
		return result
	}

	runCtx := ctx
	if r.config.Budget > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, r.config.Budget)
		defer cancel()
	}

	// Metadata checks are advisory: serverless collections answer few of them
	probe := r.client.Probe(runCtx)
	logger.Info().Str("status", string(probe.Status)).Str("flavor", probe.Flavor).Str("version", probe.Version).Msg("Search endpoint probed")

	if exists, known := r.client.IndexExists(runCtx, job.Index); known && !exists {
		r.fail(result, utils.Classify(models.ClassNotFound, "check index", fmt.Errorf("%w: %s", utils.ErrIndexNotFound, job.Index)))
		return result
	}

	total := r.client.Count(runCtx, job.Index)
	logger.Info().Int64("total", total).Int("page_size", job.PageSize).Msg("Starting export")

	staging, err := r.acquireStaging(job)
	if err != nil {
		r.fail(result, utils.Classify(models.ClassStorageWrite, "create staging file", err))
		return result
	}

	stagingPath := staging.Name()
	keep := false
	defer func() {
		// Closing twice only returns an error we do not care about
		_ = staging.Close()
		if !keep {
			if err := os.Remove(stagingPath); err != nil && !errors.Is(err, os.ErrNotExist) {
				logger.Warn().Err(err).Str("path", stagingPath).Msg("Failed to remove staging file")
			}
		}
	}()

	exporter := NewExporter(r.client, Options{
		PageSize:      job.PageSize,
		Retries:       r.config.Retries,
		RetryInterval: r.config.RetryInterval,
		Total:         total,
		Progress:      r.progress(logger),
	})

	var sink io.Writer = staging
	if r.sink != nil {
		sink = r.sink(staging)
	}

	summary, err := exporter.Export(runCtx, job.Index, job.ResumeAfter, sink)
	result.Count = summary.Count
	result.Pages = summary.Pages
	result.FinalCursor = summary.Cursor

	if err != nil {
		err = r.contextualize(ctx, runCtx, err)
		if utils.ClassOf(err) == models.ClassBudgetExceeded {
			// A cursor past documents that exist nowhere would lose them on resume
			resumeAfter := job.ResumeAfter
			if summary.Count > 0 {
				location, partErr := r.persistPart(ctx, job, staging, stagingPath, summary.Count)
				if partErr != nil {
					logger.Error().Err(partErr).Msg("Failed to persist partial export, a resumed run starts where this one started")
				} else {
					result.PartLocation = location
					resumeAfter = summary.Cursor
					logger.Info().Str("part", location).Int64("count", summary.Count).Msg("Partial export persisted")
				}
			}
			r.attachResumeToken(result, resumeAfter, logger)
		}
		r.fail(result, err)
		return result
	}

	if err := staging.Close(); err != nil {
		r.fail(result, utils.Classify(models.ClassStorageWrite, "close staging file", err))
		return result
	}

	if job.Bucket != "" {
		key := job.Key
		if key == "" {
			key = ObjectKey(r.config.KeyPrefix, job.Index, len(job.ResumeAfter) > 0, job.StartedAt)
		}

		location, err := r.upload(runCtx, job.Bucket, key, stagingPath)
		if err != nil {
			// Keep the finished file so the upload alone can be retried
			keep = true
			result.LocalPath = stagingPath
			if errors.Is(ctx.Err(), context.Canceled) {
				err = utils.Classify(models.ClassCancelled, "upload", err)
			}
			r.fail(result, err)
			return result
		}
		result.Location = location
	}

	if job.OutputPath != "" {
		if err := os.Rename(stagingPath, job.OutputPath); err != nil {
			r.fail(result, utils.Classify(models.ClassStorageWrite, "move staging file", err))
			return result
		}
		keep = true
		if result.Location == "" {
			result.Location = job.OutputPath
		}
	}

	result.Status = models.StatusSuccess
	return result
}

// RetryUpload uploads a staging file kept by a failed run and removes it on success
func (r *Runner) RetryUpload(ctx context.Context, path, bucket, key string) *models.ExportResult {
	start := r.config.Now()
	result := &models.ExportResult{
		JobID:     uuid.NewString(),
		LocalPath: path,
	}

	defer func() {
		result.Elapsed = r.config.Now().Sub(start)
		result.ElapsedMS = result.Elapsed.Milliseconds()
	}()

	if bucket == "" || key == "" {
		r.fail(result, fmt.Errorf("%w: bucket and key are required", utils.ErrInvalidInput))
		return result
	}

	count, err := countLines(path)
	if err != nil {
		r.fail(result, utils.Classify(models.ClassStorageWrite, "read staging file", err))
		return result
	}
	result.Count = count

	location, err := r.upload(ctx, bucket, key, path)
	if err != nil {
		r.fail(result, err)
		return result
	}

	if err := os.Remove(path); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("Failed to remove uploaded staging file")
	}

	result.LocalPath = ""
	result.Location = location
	result.Status = models.StatusSuccess
	return result
}

func (r *Runner) validate(job models.ExportJob) error {
	if strings.TrimSpace(job.Index) == "" {
		return fmt.Errorf("%w: index name is required", utils.ErrInvalidInput)
	}
	if job.Bucket == "" && job.OutputPath == "" {
		return fmt.Errorf("%w: either a bucket or an output path is required", utils.ErrInvalidInput)
	}
	if job.Bucket != "" && r.uploader == nil {
		return fmt.Errorf("%w: no object store configured for bucket %s", utils.ErrInvalidInput, job.Bucket)
	}
	if job.PageSize > models.MaxPageSize {
		return fmt.Errorf("%w: page size %d exceeds %d", utils.ErrInvalidInput, job.PageSize, models.MaxPageSize)
	}
	return nil
}

// acquireStaging creates the file the exporter writes into. Local exports stage next
// to the destination so the final rename stays on one filesystem.
func (r *Runner) acquireStaging(job models.ExportJob) (*os.File, error) {
	if job.OutputPath != "" {
		dir := filepath.Dir(job.OutputPath)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
		return os.CreateTemp(dir, "."+filepath.Base(job.OutputPath)+".*.part")
	}

	dir := r.config.StagingDir
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	return os.CreateTemp(dir, fmt.Sprintf("%s_%d_*.ndjson", sanitize(job.Index), job.StartedAt.Unix()))
}

func (r *Runner) upload(ctx context.Context, bucket, key, path string) (string, error) {
	if r.uploader == nil {
		return "", fmt.Errorf("%w: no object store configured", utils.ErrInvalidInput)
	}

	ctx, cancel := context.WithTimeout(ctx, r.config.UploadTimeout)
	defer cancel()

	location, err := r.uploader.UploadFile(ctx, bucket, key, path)
	if err != nil {
		// The file is complete, so whatever stopped the upload only needs RetryUpload
		switch utils.ClassOf(err) {
		case models.ClassAuthorization, models.ClassInvalidInput, models.ClassUpload, models.ClassStorageWrite:
		default:
			err = utils.Classify(models.ClassUpload, "upload", err)
		}
		return "", err
	}

	return location, nil
}

func (r *Runner) progress(logger zerolog.Logger) func(Progress) {
	return func(p Progress) {
		logger.Debug().Int("pages", p.Pages).Int64("count", p.Count).Int64("total", p.Total).Msg("Page written")
		if r.config.Progress != nil {
			r.config.Progress(p)
		}
	}
}

// contextualize tells a run that ran out of time apart from one that was cancelled or
// failed on its own. Expiry of the budget or of the host's own deadline both count as
// exceeding the budget.
func (r *Runner) contextualize(parent, runCtx context.Context, err error) error {
	if errors.Is(parent.Err(), context.Canceled) {
		return utils.Classify(models.ClassCancelled, "export", err)
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return utils.Classify(models.ClassBudgetExceeded, "export", err)
	}
	return err
}

// persistPart stores the pages written so far under a part name. The budget is already
// spent, so a remote part gets its own upload bound.
func (r *Runner) persistPart(ctx context.Context, job models.ExportJob, staging *os.File, path string, count int64) (string, error) {
	if err := staging.Close(); err != nil {
		return "", utils.Classify(models.ClassStorageWrite, "close staging file", err)
	}

	written, err := countLines(path)
	if err != nil {
		return "", utils.Classify(models.ClassStorageWrite, "read staging file", err)
	}
	if written != count {
		return "", utils.Classify(models.ClassStorageWrite, "verify staging file", fmt.Errorf("staging file holds %d documents, expected %d", written, count))
	}

	if job.OutputPath != "" {
		part := PartPath(job.OutputPath, job.StartedAt)
		if err := os.Rename(path, part); err != nil {
			return "", utils.Classify(models.ClassStorageWrite, "move staging file", err)
		}
		return part, nil
	}

	return r.upload(context.WithoutCancel(ctx), job.Bucket, PartKey(r.config.KeyPrefix, job.Index, job.Key, job.StartedAt), path)
}

func (r *Runner) attachResumeToken(result *models.ExportResult, cursor models.Cursor, logger zerolog.Logger) {
	if len(cursor) == 0 {
		return
	}

	token, err := utils.EncodeResumeToken(cursor, r.config.TokenKey)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to encode resume token")
		return
	}
	result.ResumeToken = token
	result.ResumeAfter = cursor
}

func (r *Runner) fail(result *models.ExportResult, err error) {
	result.Status = models.StatusFailure
	result.Location = ""
	result.Error = &models.ExportError{
		Class:   utils.ClassOf(err),
		Message: err.Error(),
	}
}

func countLines(path string) (int64, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer file.Close()

	reader := bufio.NewReader(file)
	var count int64
	for {
		_, err := reader.ReadSlice('\n')
		if err == nil {
			count++
			continue
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if errors.Is(err, io.EOF) {
			return count, nil
		}
		return count, err
	}
}

func sanitize(index string) string {
	return strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r == '*' || r == os.PathSeparator {
			return '_'
		}
		return r
	}, index)
}

// Ensure the object store adapter satisfies Uploader
var _ Uploader = (*storage.S3)(nil)
