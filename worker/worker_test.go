package worker

import (
	"context"
	"testing"

	"github.com/foresturquhart/searchexport/models"
	"github.com/foresturquhart/searchexport/tasks"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseScheduleEntry(t *testing.T) {
	tests := []struct {
		entry    string
		cronspec string
		payload  tasks.ExportPayload
		wantErr  bool
	}{
		{
			entry:    "0 3 * * *=inventory",
			cronspec: "0 3 * * *",
			payload:  tasks.ExportPayload{IndexName: "inventory"},
		},
		{
			entry:    "@every 6h = orders:archive-bucket",
			cronspec: "@every 6h",
			payload:  tasks.ExportPayload{IndexName: "orders", BucketName: "archive-bucket"},
		},
		{entry: "inventory", wantErr: true},
		{entry: "=inventory", wantErr: true},
		{entry: "@daily=", wantErr: true},
		{entry: "@daily=:bucket", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.entry, func(t *testing.T) {
			cronspec, payload, err := ParseScheduleEntry(tt.entry)
			if tt.wantErr {
				require.Error(t, err)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.cronspec, cronspec)
			assert.Equal(t, tt.payload, payload)
		})
	}
}

func TestAfterExport(t *testing.T) {
	w := &Worker{}
	payload := tasks.ExportPayload{IndexName: "inventory"}

	failure := func(class models.ErrorClass, token string) *models.ExportResult {
		return &models.ExportResult{
			Status:      models.StatusFailure,
			ResumeToken: token,
			Error:       &models.ExportError{Class: class, Message: "boom"},
		}
	}

	t.Run("success", func(t *testing.T) {
		err := w.afterExport(context.Background(), payload, &models.ExportResult{Status: models.StatusSuccess})
		assert.NoError(t, err)
	})

	t.Run("transient failures are retried", func(t *testing.T) {
		err := w.afterExport(context.Background(), payload, failure(models.ClassTransientFetch, ""))
		require.Error(t, err)
		assert.NotErrorIs(t, err, asynq.SkipRetry)
	})

	t.Run("other failures are final", func(t *testing.T) {
		for _, class := range []models.ErrorClass{models.ClassAuthorization, models.ClassOrderingViolation, models.ClassUpload, models.ClassNotFound} {
			err := w.afterExport(context.Background(), payload, failure(class, ""))
			require.Error(t, err)
			assert.ErrorIs(t, err, asynq.SkipRetry, "class %s", class)
		}
	})

	t.Run("budget without progress is final", func(t *testing.T) {
		err := w.afterExport(context.Background(), payload, failure(models.ClassBudgetExceeded, ""))
		require.Error(t, err)
		assert.ErrorIs(t, err, asynq.SkipRetry)
	})

	t.Run("budget with an unpersisted part is final", func(t *testing.T) {
		// The token still points where this task started
		err := w.afterExport(context.Background(), payload, failure(models.ClassBudgetExceeded, "earlier-token"))
		require.Error(t, err)
		assert.ErrorIs(t, err, asynq.SkipRetry)
		assert.Contains(t, err.Error(), "without persisting any documents")
	})
}
