package tasks

import "context"

// Task types
type TaskType string

const (
	TypeExportIndex TaskType = "export:index"
)

// Queue name
const QueueExport = "export"

// ExportPayload is the payload of an export task. It matches the event accepted by the
// function entry point.
type ExportPayload struct {
	JobID       string `json:"job_id,omitempty"`
	IndexName   string `json:"index_name"`
	BucketName  string `json:"bucket_name,omitempty"`
	Key         string `json:"key,omitempty"`
	PageSize    int    `json:"page_size,omitempty"`
	ResumeToken string `json:"resume_token,omitempty"`
	Resume      bool   `json:"resume,omitempty"`
}

// Client defines an interface for enqueuing tasks
type Client interface {
	// EnqueueExport adds a job to export an index
	EnqueueExport(ctx context.Context, payload ExportPayload) error
}
