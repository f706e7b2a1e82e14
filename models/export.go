package models

import (
	"context"
	"encoding/json"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
)

// Page size limits
const (
	DefaultPageSize = 1000
	MaxPageSize     = 10000
)

// DefaultSortField is the field pages are ordered by when nothing else is configured
const DefaultSortField = "_id"

// Cursor holds the sort values of the last document of a page
type Cursor []any

// Document is a single exported record. Source is the raw _source of the hit and is
// written out untouched.
type Document struct {
	ID     string          `json:"_id"`     // Document identifier
	Source json.RawMessage `json:"_source"` // Raw document body
	Sort   Cursor          `json:"sort"`    // Sort values of the hit
}

// Page is one result page of a sorted query
type Page struct {
	Documents []Document // Ordered hits of the page
	Next      Cursor     // Sort values of the last hit, nil when the page is empty
}

// SearchClient fetches sorted pages from an index
type SearchClient interface {
	// FetchPage returns the page of documents sorted strictly after cursor. A nil cursor
	// requests the first page.
	FetchPage(ctx context.Context, index string, pageSize int, cursor Cursor) (Page, error)

	// Count returns the number of documents in the index, or -1 if it cannot be determined.
	Count(ctx context.Context, index string) int64

	// IndexExists reports whether the index exists. known is false when the back end
	// could not answer.
	IndexExists(ctx context.Context, index string) (exists bool, known bool)

	// Probe checks what the endpoint is willing to tell about itself.
	Probe(ctx context.Context) ProbeResult
}

// ClientConfig configures a SearchClient
type ClientConfig struct {
	Endpoint            string                  // Search endpoint URL
	Region              string                  // AWS region used for request signing
	Service             string                  // Signing service name, derived from the endpoint when empty
	CredentialsProvider aws.CredentialsProvider // Credentials used to sign requests, nil disables signing
	RequestTimeout      time.Duration           // Upper bound for any single request
	SortField           string                  // Field used as the pagination cursor
	APIKey              string                  // Elasticsearch API key, unused by signed back ends
}

// ProbeStatus describes the outcome of a capability probe
type ProbeStatus string

// Probe status constants
const (
	ProbeAvailable           ProbeStatus = "available"
	ProbeMetadataUnavailable ProbeStatus = "metadata_unavailable"
	ProbeUnreachable         ProbeStatus = "unreachable"
)

// ProbeResult is the advisory outcome of a capability probe
type ProbeResult struct {
	Status  ProbeStatus `json:"status"`            // Probe outcome
	Flavor  string      `json:"flavor,omitempty"`  // provisioned or serverless
	Version string      `json:"version,omitempty"` // Reported engine version
	Cluster string      `json:"cluster,omitempty"` // Reported cluster name
	Error   string      `json:"error,omitempty"`   // Reason the probe degraded
}

// ExportJob is the run-scoped state of one export
type ExportJob struct {
	ID          string    // Job identifier
	Index       string    // Index being exported
	Bucket      string    // Destination bucket, empty for a local export
	Key         string    // Destination object key
	OutputPath  string    // Destination file for a local export
	PageSize    int       // Documents per page
	ResumeAfter Cursor    // Cursor to resume after, nil to start from the beginning
	StartedAt   time.Time // Start of the run
}

// ExportStatus is the terminal status of an export
type ExportStatus string

// Export status constants
const (
	StatusSuccess ExportStatus = "success"
	StatusFailure ExportStatus = "failure"
)

// ErrorClass classifies why an export failed
type ErrorClass string

// Error classes
const (
	ClassTransientFetch    ErrorClass = "transient_fetch"
	ClassAuthorization     ErrorClass = "authorization"
	ClassOrderingViolation ErrorClass = "ordering_violation"
	ClassStorageWrite      ErrorClass = "storage_write"
	ClassUpload            ErrorClass = "upload"
	ClassBudgetExceeded    ErrorClass = "budget_exceeded"
	ClassNotFound          ErrorClass = "not_found"
	ClassInvalidInput      ErrorClass = "invalid_input"
	ClassCancelled         ErrorClass = "cancelled"
	ClassUnknown           ErrorClass = "unknown"
)

// ExportError is the error detail of a failed export
type ExportError struct {
	Class   ErrorClass `json:"class"`   // Error classification
	Message string     `json:"message"` // Human readable message
}

// ExportResult is the terminal record of an export
type ExportResult struct {
	JobID        string        `json:"job_id"`                  // Job identifier
	Index        string        `json:"index"`                   // Exported index
	Status       ExportStatus  `json:"status"`                  // success or failure
	Count        int64         `json:"count"`                   // Documents written
	Pages        int           `json:"pages"`                   // Non-empty pages written
	Location     string        `json:"location,omitempty"`      // Final output location
	PartLocation string        `json:"part_location,omitempty"` // Documents persisted before the budget ran out
	LocalPath    string        `json:"local_path,omitempty"`    // Staging file kept after a failed upload
	Elapsed      time.Duration `json:"-"`                       // Wall clock time of the run
	ElapsedMS    int64         `json:"elapsed_ms"`              // Elapsed in milliseconds
	FinalCursor  Cursor        `json:"final_cursor,omitempty"`  // Cursor of the last written document
	ResumeToken  string        `json:"resume_token,omitempty"`  // Opaque cursor to resume a budget-exceeded run
	ResumeAfter  Cursor        `json:"-"`                       // Cursor sealed in ResumeToken
	Error        *ExportError  `json:"error,omitempty"`         // Failure detail
}

// Succeeded reports whether the export finished successfully
func (r *ExportResult) Succeeded() bool {
	return r.Status == StatusSuccess
}
