package repositories

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/foresturquhart/searchexport/models"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// storedRow replays column values the way pgx hands them to Scan: text and jsonb as
// strings and bytes, NULL as a nil pointer
type storedRow struct {
	values []any
	err    error
}

func (r storedRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if len(dest) != len(r.values) {
		return fmt.Errorf("scan: %d destinations for %d columns", len(dest), len(r.values))
	}

	for i, value := range r.values {
		target := reflect.ValueOf(dest[i]).Elem()
		if value == nil {
			target.Set(reflect.Zero(target.Type()))
			continue
		}
		v := reflect.ValueOf(value)
		if !v.Type().AssignableTo(target.Type()) {
			return fmt.Errorf("scan: column %d holds %s, destination is %s", i, v.Type(), target.Type())
		}
		target.Set(v)
	}
	return nil
}

func storedValues(t *testing.T, result *models.ExportResult, createdAt time.Time) storedRow {
	t.Helper()

	args, err := recordArgs(result)
	require.NoError(t, err)
	return storedRow{values: append(args, createdAt)}
}

func TestRecordArgs_MatchPlaceholders(t *testing.T) {
	args, err := recordArgs(&models.ExportResult{JobID: "job-1", Index: "inventory"})
	require.NoError(t, err)

	assert.Contains(t, recordExport, fmt.Sprintf("$%d", len(args)))
	assert.NotContains(t, recordExport, fmt.Sprintf("$%d", len(args)+1))

	// Every inserted column is selected in the same position, followed by created_at
	inserted := strings.Fields(strings.NewReplacer("(", " ", ")", " ", ",", " ").Replace(
		recordExport[strings.Index(recordExport, "INSERT INTO exports")+len("INSERT INTO exports"):strings.Index(recordExport, "VALUES")]))
	selected := strings.Fields(strings.ReplaceAll(
		selectExport[strings.Index(selectExport, "SELECT")+len("SELECT"):strings.Index(selectExport, "FROM")], ",", " "))
	require.Len(t, inserted, len(args))
	assert.Equal(t, append(inserted, "created_at"), selected)
}

func TestScanExport_RoundTrip(t *testing.T) {
	createdAt := time.Date(2026, 10, 19, 8, 30, 0, 0, time.UTC)
	result := &models.ExportResult{
		JobID:        "job-1",
		Index:        "inventory",
		Status:       models.StatusFailure,
		Count:        300,
		Pages:        3,
		PartLocation: "s3://exports/inventory_export_part_1700000000000000000.ndjson",
		ResumeToken:  "token",
		ElapsedMS:    1500,
		FinalCursor:  models.Cursor{json.Number("18446744073709551615"), "doc-000300"},
		Error:        &models.ExportError{Class: models.ClassBudgetExceeded, Message: "context deadline exceeded"},
	}

	record, err := scanExport(storedValues(t, result, createdAt))
	require.NoError(t, err)

	assert.Equal(t, "job-1", record.JobID)
	assert.Equal(t, "inventory", record.Index)
	assert.Equal(t, models.StatusFailure, record.Status)
	assert.Equal(t, int64(300), record.Count)
	assert.Equal(t, 3, record.Pages)
	assert.Empty(t, record.Location)
	assert.Equal(t, result.PartLocation, record.PartLocation)
	assert.Empty(t, record.LocalPath)
	assert.Equal(t, "token", record.ResumeToken)
	assert.Equal(t, 1500*time.Millisecond, record.Elapsed)
	assert.Equal(t, createdAt, record.CreatedAt)
	require.NotNil(t, record.Error)
	assert.Equal(t, *result.Error, *record.Error)

	// Numbers in the jsonb cursor keep their exact text
	assert.Equal(t, result.FinalCursor, record.FinalCursor)
}

func TestScanExport_NullColumns(t *testing.T) {
	result := &models.ExportResult{
		JobID:    "job-2",
		Index:    "inventory",
		Status:   models.StatusSuccess,
		Count:    0,
		Location: "s3://exports/inventory_export.ndjson",
	}

	row := storedValues(t, result, time.Now())
	for _, i := range []int{6, 7, 8, 10, 11} {
		assert.Nil(t, row.values[i], "column %d should be NULL", i)
	}
	assert.Nil(t, row.values[9], "an empty cursor should be NULL")

	record, err := scanExport(row)
	require.NoError(t, err)

	assert.Equal(t, result.Location, record.Location)
	assert.Empty(t, record.PartLocation)
	assert.Empty(t, record.ResumeToken)
	assert.Empty(t, record.FinalCursor)
	assert.Nil(t, record.Error)
	assert.True(t, record.Succeeded())
}

func TestScanExport_Errors(t *testing.T) {
	_, err := scanExport(storedRow{err: pgx.ErrNoRows})
	assert.ErrorIs(t, err, pgx.ErrNoRows)

	row := storedValues(t, &models.ExportResult{JobID: "job-3", Index: "inventory", FinalCursor: models.Cursor{"a"}}, time.Now())
	row.values[9] = []byte(`{not json`)

	_, err = scanExport(row)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "final cursor")
}
