package repositories

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/foresturquhart/searchexport/container"
	"github.com/foresturquhart/searchexport/models"
	"github.com/foresturquhart/searchexport/utils"
	"github.com/jackc/pgx/v5"
)

// ExportRecord is an export result as kept in the run ledger
type ExportRecord struct {
	models.ExportResult
	CreatedAt time.Time `json:"created_at"`
}

type ExportRepository struct {
	container *container.Container
}

func NewExportRepository(container *container.Container) *ExportRepository {
	return &ExportRepository{
		container: container,
	}
}

// Enabled reports whether a ledger database is configured
func (r *ExportRepository) Enabled() bool {
	return r.container.Postgres != nil
}

const recordExport = `
	INSERT INTO exports (
		job_id, index_name, status, document_count, page_count, location, part_location,
		local_path, resume_token, final_cursor, error_class, error_message, elapsed_ms
	)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	ON CONFLICT (job_id) DO UPDATE SET
		status = EXCLUDED.status,
		document_count = EXCLUDED.document_count,
		page_count = EXCLUDED.page_count,
		location = EXCLUDED.location,
		part_location = EXCLUDED.part_location,
		local_path = EXCLUDED.local_path,
		resume_token = EXCLUDED.resume_token,
		final_cursor = EXCLUDED.final_cursor,
		error_class = EXCLUDED.error_class,
		error_message = EXCLUDED.error_message,
		elapsed_ms = EXCLUDED.elapsed_ms
`

// Record stores the result of an export, replacing an earlier record of the same job
func (r *ExportRepository) Record(ctx context.Context, result *models.ExportResult) error {
	args, err := recordArgs(result)
	if err != nil {
		return err
	}

	if _, err := r.container.Postgres.Pool.Exec(ctx, recordExport, args...); err != nil {
		return fmt.Errorf("error recording export %s: %w", result.JobID, err)
	}

	return nil
}

// recordArgs lists the values of recordExport in column order, which is also the
// column order of selectExport
func recordArgs(result *models.ExportResult) ([]any, error) {
	var cursor []byte
	if len(result.FinalCursor) > 0 {
		encoded, err := json.Marshal(result.FinalCursor)
		if err != nil {
			return nil, fmt.Errorf("error encoding final cursor: %w", err)
		}
		cursor = encoded
	}

	var errorClass, errorMessage *string
	if result.Error != nil {
		errorClass = utils.NewPointer(string(result.Error.Class))
		errorMessage = utils.NewPointer(result.Error.Message)
	}

	return []any{
		result.JobID,
		result.Index,
		string(result.Status),
		result.Count,
		result.Pages,
		nullable(result.Location),
		nullable(result.PartLocation),
		nullable(result.LocalPath),
		nullable(result.ResumeToken),
		cursor,
		errorClass,
		errorMessage,
		result.ElapsedMS,
	}, nil
}

const selectExport = `
	SELECT job_id, index_name, status, document_count, page_count, location, part_location,
		local_path, resume_token, final_cursor, error_class, error_message, elapsed_ms, created_at
	FROM exports
`

// GetByJobID returns the ledger entry of a job
func (r *ExportRepository) GetByJobID(ctx context.Context, jobID string) (*ExportRecord, error) {
	row := r.container.Postgres.Pool.QueryRow(ctx, selectExport+" WHERE job_id = $1", jobID)

	record, err := scanExport(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, utils.ErrExportNotFound
		}
		return nil, fmt.Errorf("error fetching export: %w", err)
	}

	return record, nil
}

// ListByIndex returns the most recent ledger entries of an index, newest first
func (r *ExportRepository) ListByIndex(ctx context.Context, index string, limit int) ([]*ExportRecord, error) {
	rows, err := r.container.Postgres.Pool.Query(ctx, selectExport+" WHERE index_name = $1 ORDER BY created_at DESC LIMIT $2", index, limit)
	if err != nil {
		return nil, fmt.Errorf("error listing exports: %w", err)
	}
	defer rows.Close()

	var records []*ExportRecord
	for rows.Next() {
		record, err := scanExport(rows)
		if err != nil {
			return nil, fmt.Errorf("error scanning export: %w", err)
		}
		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating exports: %w", err)
	}

	return records, nil
}

func scanExport(row pgx.Row) (*ExportRecord, error) {
	var (
		record                   ExportRecord
		status                   string
		location, partLocation   *string
		localPath, token         *string
		cursor                   []byte
		errorClass, errorMessage *string
	)

	err := row.Scan(
		&record.JobID, &record.Index, &status, &record.Count, &record.Pages, &location, &partLocation,
		&localPath, &token, &cursor, &errorClass, &errorMessage, &record.ElapsedMS, &record.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	record.Status = models.ExportStatus(status)
	record.Elapsed = time.Duration(record.ElapsedMS) * time.Millisecond
	if location != nil {
		record.Location = *location
	}
	if partLocation != nil {
		record.PartLocation = *partLocation
	}
	if localPath != nil {
		record.LocalPath = *localPath
	}
	if token != nil {
		record.ResumeToken = *token
	}

	if len(cursor) > 0 {
		dec := json.NewDecoder(bytes.NewReader(cursor))
		dec.UseNumber()
		if err := dec.Decode(&record.FinalCursor); err != nil {
			return nil, fmt.Errorf("error decoding final cursor: %w", err)
		}
	}

	if errorClass != nil {
		record.Error = &models.ExportError{Class: models.ErrorClass(*errorClass)}
		if errorMessage != nil {
			record.Error.Message = *errorMessage
		}
	}

	return &record, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
