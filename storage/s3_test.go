package storage

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/foresturquhart/searchexport/models"
	"github.com/foresturquhart/searchexport/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestS3(t *testing.T, handler http.HandlerFunc) *S3 {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := NewS3(&S3Config{
		Endpoint:        server.URL,
		AccessKeyID:     "test",
		SecretAccessKey: "test-secret",
		Region:          "us-east-1",
		ForcePathStyle:  true,
	})
	require.NoError(t, err)

	return client
}

func stagingFile(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "inventory.ndjson")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestS3_UploadFile(t *testing.T) {
	var mu sync.Mutex
	var method, path, contentType string

	client := newTestS3(t, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		method, path, contentType = r.Method, r.URL.Path, r.Header.Get("Content-Type")
		mu.Unlock()

		w.Header().Set("ETag", `"d41d8cd98f00b204e9800998ecf8427e"`)
		w.WriteHeader(http.StatusOK)
	})

	location, err := client.UploadFile(context.Background(), "exports", "opensearch-backups/inventory/inventory.ndjson", stagingFile(t, "{\"a\":1}\n{\"a\":2}\n"))
	require.NoError(t, err)
	assert.Equal(t, "s3://exports/opensearch-backups/inventory/inventory.ndjson", location)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, http.MethodPut, method)
	assert.Equal(t, "/exports/opensearch-backups/inventory/inventory.ndjson", path)
	assert.Equal(t, NDJSONContentType, contentType)
}

func TestS3_UploadFileAccessDenied(t *testing.T) {
	client := newTestS3(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/xml")
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>AccessDenied</Code><Message>Access Denied</Message></Error>`)
	})

	_, err := client.UploadFile(context.Background(), "exports", "inventory.ndjson", stagingFile(t, "{}\n"))
	require.Error(t, err)
	assert.Equal(t, models.ClassAuthorization, utils.ClassOf(err))
}

func TestS3_UploadFileServerError(t *testing.T) {
	client := newTestS3(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/xml")
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>InvalidRequest</Code><Message>nope</Message></Error>`)
	})

	_, err := client.UploadFile(context.Background(), "exports", "inventory.ndjson", stagingFile(t, "{}\n"))
	require.Error(t, err)
	assert.Equal(t, models.ClassUpload, utils.ClassOf(err))
}

func TestS3_UploadFileMissingStagingFile(t *testing.T) {
	client := newTestS3(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	_, err := client.UploadFile(context.Background(), "exports", "inventory.ndjson", filepath.Join(t.TempDir(), "missing.ndjson"))
	require.Error(t, err)
	assert.Equal(t, models.ClassStorageWrite, utils.ClassOf(err))
}

func TestNewS3_Endpoint(t *testing.T) {
	client, err := NewS3(&S3Config{Endpoint: "s3.amazonaws.com", UseSSL: true, Region: "us-east-1", AccessKeyID: "k", SecretAccessKey: "s"})
	require.NoError(t, err)
	assert.Equal(t, "https://s3.amazonaws.com", client.config.Endpoint)

	client, err = NewS3(&S3Config{Endpoint: "http://localhost:9000", UseSSL: true, Region: "us-east-1", AccessKeyID: "k", SecretAccessKey: "s"})
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:9000", client.config.Endpoint)
	assert.False(t, client.config.UseSSL)
}
