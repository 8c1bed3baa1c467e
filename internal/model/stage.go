package model

import (
	"time"

	"github.com/google/uuid"
)

// Stage is one ordered step within a job's pipeline execution.
// Stages for a job are totally ordered by StageNumber (1-based); a stage
// may not complete while an earlier-ordinal stage is still incomplete.
type Stage struct {
	ID          uuid.UUID      `json:"id"`
	JobID       uuid.UUID      `json:"jobId"`
	StageName   string         `json:"stageName"`
	StageNumber int            `json:"stageNumber"`
	Status      JobStatus      `json:"status"`
	Progress    int            `json:"progress"`
	StartedAt   *time.Time     `json:"startedAt,omitempty"`
	CompletedAt *time.Time     `json:"completedAt,omitempty"`
	Duration    *float64       `json:"duration,omitempty"` // seconds
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// UploadedFile records one file submitted with a job. Immutable.
type UploadedFile struct {
	ID           uuid.UUID `json:"id"`
	Filename     string    `json:"filename"`     // sanitized stored name
	OriginalName string    `json:"originalName"` // as submitted
	Size         int64     `json:"size"`
	MimeType     string    `json:"mimeType"`
	Path         string    `json:"path"`
	JobID        uuid.UUID `json:"jobId"`
	UploadedAt   time.Time `json:"uploadedAt"`
}
