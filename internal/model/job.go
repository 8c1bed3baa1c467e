// Package model defines the core domain types for Nereid.
//
// Types are shared between the store, the pipeline runner, and the HTTP
// layer. JSON tags use camelCase because the dashboard consumes these
// payloads directly.
package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// JobStatus represents the lifecycle state of an analysis job.
// Transitions: pending → running → {completed, failed}. Terminal states
// are final; no job leaves completed or failed.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// IsTerminal reports whether the status is a final state.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// IsValid reports whether s is one of the four known statuses.
func (s JobStatus) IsValid() bool {
	switch s {
	case JobStatusPending, JobStatusRunning, JobStatusCompleted, JobStatusFailed:
		return true
	}
	return false
}

// JobParameters is the caller-supplied analysis configuration.
// Immutable after job creation.
type JobParameters struct {
	MinSequenceLength int    `json:"minSequenceLength"`
	MaxSequenceLength int    `json:"maxSequenceLength"`
	ClusteringMethod  string `json:"clusteringMethod"`
	QualityFiltering  bool   `json:"qualityFiltering"`
}

// Validate checks parameter presence and basic sanity. Value semantics
// beyond type checks (e.g. which clustering methods the pipeline actually
// supports) are the external pipeline's concern.
func (p JobParameters) Validate() error {
	if p.MinSequenceLength <= 0 {
		return fmt.Errorf("minSequenceLength must be positive (got %d)", p.MinSequenceLength)
	}
	if p.MaxSequenceLength < p.MinSequenceLength {
		return fmt.Errorf("maxSequenceLength (%d) must be >= minSequenceLength (%d)",
			p.MaxSequenceLength, p.MinSequenceLength)
	}
	if p.ClusteringMethod == "" {
		return fmt.Errorf("clusteringMethod is required")
	}
	return nil
}

// Job is one end-to-end analysis request and its lifecycle state.
//
// Invariants maintained by the pipeline runner (the sole writer after
// creation): status==completed ⇔ Results!=nil ⇔ CompletedAt!=nil;
// Progress is non-decreasing; CurrentStage follows stage-number order.
type Job struct {
	ID            uuid.UUID     `json:"id"`
	Name          string        `json:"name"`
	Status        JobStatus     `json:"status"`
	Progress      int           `json:"progress"`
	CurrentStage  *string       `json:"currentStage,omitempty"`
	UploadedFiles []string      `json:"uploadedFiles"`
	Parameters    JobParameters `json:"parameters"`
	Results       *Results      `json:"results,omitempty"`
	StartedAt     *time.Time    `json:"startedAt,omitempty"`
	CompletedAt   *time.Time    `json:"completedAt,omitempty"`
	ErrorMessage  *string       `json:"errorMessage,omitempty"`
	CreatedAt     time.Time     `json:"createdAt"`
}
