package dtos

import (
	"github.com/foresturquhart/searchexport/services"
	"github.com/foresturquhart/searchexport/tasks"
	"github.com/go-playground/validator/v10"
)

var Validate = validator.New()

type ExportCreateRequest struct {
	Index       string `json:"index" validate:"required,min=1,max=255"`
	Bucket      string `json:"bucket,omitempty" validate:"omitempty,min=3,max=63"`
	Key         string `json:"key,omitempty" validate:"omitempty,max=1024"`
	PageSize    int    `json:"page_size,omitempty" validate:"omitempty,min=1,max=10000"`
	ResumeToken string `json:"resume_token,omitempty"`
	Resume      bool   `json:"resume,omitempty" validate:"excluded_with=ResumeToken"`
	Async       bool   `json:"async,omitempty"`
}

func (r *ExportCreateRequest) ToRequest(jobID string) services.ExportRequest {
	return services.ExportRequest{
		JobID:       jobID,
		Index:       r.Index,
		Bucket:      r.Bucket,
		Key:         r.Key,
		PageSize:    r.PageSize,
		ResumeToken: r.ResumeToken,
		Resume:      r.Resume,
	}
}

func (r *ExportCreateRequest) ToPayload(jobID string) tasks.ExportPayload {
	return tasks.ExportPayload{
		JobID:       jobID,
		IndexName:   r.Index,
		BucketName:  r.Bucket,
		Key:         r.Key,
		PageSize:    r.PageSize,
		ResumeToken: r.ResumeToken,
		Resume:      r.Resume,
	}
}

type ExportListRequest struct {
	Index string `query:"index" validate:"required"`
	Limit *int   `query:"limit" validate:"omitempty,min=1,max=100"`
}

type ExportQueuedResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}
