package services

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/foresturquhart/searchexport/export"
	"github.com/foresturquhart/searchexport/models"
	"github.com/foresturquhart/searchexport/repositories"
	"github.com/foresturquhart/searchexport/storage"
	"github.com/foresturquhart/searchexport/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memoryIndex is a sorted in-memory index. After stallAfter pages every fetch blocks
// until the context is done.
type memoryIndex struct {
	mu         sync.Mutex
	ids        []string
	calls      int
	stallAfter int
}

func newMemoryIndex(k int) *memoryIndex {
	ids := make([]string, k)
	for i := range ids {
		ids[i] = fmt.Sprintf("item-%05d", i+1)
	}
	return &memoryIndex{ids: ids}
}

func (m *memoryIndex) FetchPage(ctx context.Context, index string, pageSize int, cursor models.Cursor) (models.Page, error) {
	m.mu.Lock()
	m.calls++
	stall := m.stallAfter > 0 && m.calls > m.stallAfter
	m.mu.Unlock()

	if stall {
		<-ctx.Done()
		return models.Page{}, ctx.Err()
	}

	start := 0
	if len(cursor) > 0 {
		start = sort.SearchStrings(m.ids, cursor[0].(string)) + 1
	}
	end := min(start+pageSize, len(m.ids))

	var page models.Page
	for _, id := range m.ids[start:end] {
		page.Documents = append(page.Documents, models.Document{
			ID:     id,
			Source: []byte(fmt.Sprintf(`{"sku":%q}`, id)),
			Sort:   models.Cursor{id},
		})
	}
	if len(page.Documents) > 0 {
		page.Next = page.Documents[len(page.Documents)-1].Sort
	}
	return page, nil
}

func (m *memoryIndex) Count(ctx context.Context, index string) int64 {
	return int64(len(m.ids))
}

func (m *memoryIndex) IndexExists(ctx context.Context, index string) (bool, bool) {
	return true, true
}

func (m *memoryIndex) Probe(ctx context.Context) models.ProbeResult {
	return models.ProbeResult{Status: models.ProbeMetadataUnavailable, Flavor: "serverless"}
}

type memoryCheckpoints struct {
	saved map[string]*storage.Checkpoint
}

func (m *memoryCheckpoints) SaveCheckpoint(ctx context.Context, checkpoint *storage.Checkpoint) error {
	m.saved[checkpoint.Index] = checkpoint
	return nil
}

func (m *memoryCheckpoints) LoadCheckpoint(ctx context.Context, index string) (*storage.Checkpoint, error) {
	checkpoint, ok := m.saved[index]
	if !ok {
		return nil, utils.ErrCheckpointNotFound
	}
	return checkpoint, nil
}

func (m *memoryCheckpoints) ClearCheckpoint(ctx context.Context, index string) error {
	delete(m.saved, index)
	return nil
}

type memoryLedger struct {
	records []*models.ExportResult
}

func (m *memoryLedger) Record(ctx context.Context, result *models.ExportResult) error {
	m.records = append(m.records, result)
	return nil
}

func (m *memoryLedger) GetByJobID(ctx context.Context, jobID string) (*repositories.ExportRecord, error) {
	for _, result := range m.records {
		if result.JobID == jobID {
			return &repositories.ExportRecord{ExportResult: *result}, nil
		}
	}
	return nil, utils.ErrExportNotFound
}

func (m *memoryLedger) ListByIndex(ctx context.Context, index string, limit int) ([]*repositories.ExportRecord, error) {
	var records []*repositories.ExportRecord
	for _, result := range m.records {
		if result.Index == index && len(records) < limit {
			records = append(records, &repositories.ExportRecord{ExportResult: *result})
		}
	}
	return records, nil
}

type recordingUploader struct {
	keys  []string
	lines int
	err   error
}

func (u *recordingUploader) UploadFile(ctx context.Context, bucket, key, path string) (string, error) {
	if u.err != nil {
		return "", u.err
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	for _, b := range content {
		if b == '\n' {
			u.lines++
		}
	}
	u.keys = append(u.keys, key)
	return "s3://" + bucket + "/" + key, nil
}

func newTestService(t *testing.T, index *memoryIndex) (*ExportService, *memoryCheckpoints, *memoryLedger, *recordingUploader) {
	t.Helper()

	checkpoints := &memoryCheckpoints{saved: map[string]*storage.Checkpoint{}}
	ledger := &memoryLedger{}
	uploader := &recordingUploader{}

	svc := &ExportService{
		newClient: func() (models.SearchClient, error) {
			return index, nil
		},
		uploader:    uploader,
		checkpoints: checkpoints,
		ledger:      ledger,
		runner: export.RunnerConfig{
			PageSize:      100,
			RetryInterval: time.Millisecond,
			StagingDir:    t.TempDir(),
			TokenKey:      "service-test-key",
		},
		defaultBucket: "backups",
	}

	return svc, checkpoints, ledger, uploader
}

func TestExportService_CheckpointRoundTrip(t *testing.T) {
	index := newMemoryIndex(1000)
	index.stallAfter = 3

	svc, checkpoints, ledger, uploader := newTestService(t, index)

	first := svc.WithBudget(50*time.Millisecond).Export(context.Background(), ExportRequest{Index: "catalog"})

	require.False(t, first.Succeeded())
	assert.Equal(t, models.ClassBudgetExceeded, first.Error.Class)
	assert.Equal(t, int64(300), first.Count)
	assert.NotEmpty(t, first.ResumeToken)
	require.Len(t, uploader.keys, 1)
	assert.Regexp(t, `^catalog_export_part_\d+\.ndjson$`, uploader.keys[0])
	assert.Equal(t, "s3://backups/"+uploader.keys[0], first.PartLocation)
	assert.Equal(t, 300, uploader.lines)

	require.Contains(t, checkpoints.saved, "catalog")
	assert.Equal(t, models.Cursor{"item-00300"}, checkpoints.saved["catalog"].Cursor)
	assert.Equal(t, first.JobID, checkpoints.saved["catalog"].JobID)

	index.stallAfter = 0
	second := svc.Export(context.Background(), ExportRequest{Index: "catalog", Resume: true})

	require.True(t, second.Succeeded(), "%+v", second.Error)
	assert.Equal(t, int64(700), second.Count)
	assert.NotContains(t, checkpoints.saved, "catalog")
	assert.Equal(t, 1000, uploader.lines)
	require.Len(t, uploader.keys, 2)
	assert.Regexp(t, `^catalog_export_\d+\.ndjson$`, uploader.keys[1])

	require.Len(t, ledger.records, 2)
	assert.Equal(t, first.JobID, ledger.records[0].JobID)
	assert.Equal(t, second.JobID, ledger.records[1].JobID)
}

func TestExportService_NoCheckpointPastUnpersistedDocuments(t *testing.T) {
	index := newMemoryIndex(1000)
	index.stallAfter = 3

	svc, checkpoints, _, uploader := newTestService(t, index)
	uploader.err = errors.New("connection reset")

	first := svc.WithBudget(50*time.Millisecond).Export(context.Background(), ExportRequest{Index: "catalog"})

	require.False(t, first.Succeeded())
	assert.Equal(t, models.ClassBudgetExceeded, first.Error.Class)
	assert.Equal(t, int64(300), first.Count)
	assert.Empty(t, first.PartLocation)
	assert.Empty(t, first.ResumeToken)
	assert.NotContains(t, checkpoints.saved, "catalog")
}

func TestExportService_FailedUploadLeavesCheckpointAlone(t *testing.T) {
	index := newMemoryIndex(250)
	svc, checkpoints, _, uploader := newTestService(t, index)
	uploader.err = context.DeadlineExceeded

	previous := &storage.Checkpoint{Index: "catalog", Cursor: models.Cursor{"item-00050"}, Count: 50, JobID: "earlier"}
	checkpoints.saved["catalog"] = previous

	result := svc.Export(context.Background(), ExportRequest{Index: "catalog", Resume: true})

	require.False(t, result.Succeeded())
	assert.Equal(t, models.ClassUpload, result.Error.Class)
	assert.Empty(t, result.ResumeToken)
	require.NotEmpty(t, result.LocalPath)
	assert.FileExists(t, result.LocalPath)
	assert.Same(t, previous, checkpoints.saved["catalog"])
}

func TestExportService_ResumeToken(t *testing.T) {
	index := newMemoryIndex(250)
	svc, _, _, uploader := newTestService(t, index)

	token, err := utils.EncodeResumeToken(models.Cursor{"item-00200"}, "service-test-key")
	require.NoError(t, err)

	result := svc.Export(context.Background(), ExportRequest{Index: "catalog", Bucket: "other", ResumeToken: token})

	require.True(t, result.Succeeded(), "%+v", result.Error)
	assert.Equal(t, int64(50), result.Count)
	assert.Equal(t, 50, uploader.lines)
	assert.Contains(t, result.Location, "s3://other/")
}

func TestExportService_RejectsForeignResumeToken(t *testing.T) {
	index := newMemoryIndex(10)
	svc, _, ledger, _ := newTestService(t, index)

	token, err := utils.EncodeResumeToken(models.Cursor{"item-00002"}, "another-key")
	require.NoError(t, err)

	result := svc.Export(context.Background(), ExportRequest{Index: "catalog", ResumeToken: token})

	require.False(t, result.Succeeded())
	assert.Equal(t, models.ClassInvalidInput, result.Error.Class)
	assert.Zero(t, index.calls)
	require.Len(t, ledger.records, 1)
}

func TestExportService_ResumeWithoutCheckpointStartsOver(t *testing.T) {
	index := newMemoryIndex(120)
	svc, _, _, _ := newTestService(t, index)

	result := svc.Export(context.Background(), ExportRequest{Index: "catalog", Resume: true})

	require.True(t, result.Succeeded(), "%+v", result.Error)
	assert.Equal(t, int64(120), result.Count)
	assert.Equal(t, "s3://backups/catalog_export.ndjson", result.Location)
}

func TestExportService_ClientFactoryFailure(t *testing.T) {
	svc, _, _, _ := newTestService(t, newMemoryIndex(0))
	svc.newClient = func() (models.SearchClient, error) {
		return nil, fmt.Errorf("%w: search endpoint is missing", utils.ErrInvalidInput)
	}

	result := svc.Export(context.Background(), ExportRequest{Index: "catalog"})
	require.False(t, result.Succeeded())
	assert.Equal(t, models.ClassInvalidInput, result.Error.Class)

	probe := svc.Probe(context.Background())
	assert.Equal(t, models.ProbeUnreachable, probe.Status)
	assert.Contains(t, probe.Error, "search endpoint is missing")
}

func TestExportService_GetFromLedger(t *testing.T) {
	svc, _, _, _ := newTestService(t, newMemoryIndex(5))

	result := svc.Export(context.Background(), ExportRequest{JobID: "job-1", Index: "catalog"})
	require.True(t, result.Succeeded())

	record, err := svc.Get(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), record.Count)

	_, err = svc.Get(context.Background(), "job-2")
	assert.True(t, errors.Is(err, utils.ErrExportNotFound))

	svc.ledger = nil
	_, err = svc.Get(context.Background(), "job-1")
	assert.ErrorIs(t, err, utils.ErrExportNotFound)
}
