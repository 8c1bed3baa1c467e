package model

import "time"

// Error codes returned in the error envelope.
const (
	ErrCodeInvalidInput    = "invalid_input"
	ErrCodeNotFound        = "not_found"
	ErrCodeUnsupportedType = "unsupported_type"
	ErrCodeRateLimited     = "rate_limited"
	ErrCodeInternalError   = "internal_error"
)

// ErrorDetail carries the machine-readable code and human-readable message.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// APIError is the error response envelope. Success payloads are written
// bare because the dashboard depends on their exact shapes.
type APIError struct {
	Error     ErrorDetail `json:"error"`
	RequestID string      `json:"requestId,omitempty"`
}

// HealthResponse is the GET /api/health payload.
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version,omitempty"`
}

// JobDetail is the GET /api/jobs/{id} payload.
type JobDetail struct {
	Job    Job            `json:"job"`
	Stages []Stage        `json:"stages"`
	Files  []UploadedFile `json:"files"`
}

// JobUpdateEventType is the WebSocket message type for job state pushes.
const JobUpdateEventType = "JOB_UPDATE"

// JobSnapshot is the data portion of a JOB_UPDATE push: the job plus its
// stages at publish time. Late subscribers must GET current state on
// connect; the hub does not replay history.
type JobSnapshot struct {
	Job    Job     `json:"job"`
	Stages []Stage `json:"stages"`
}

// JobUpdateEvent is the full WebSocket frame pushed on every job change.
type JobUpdateEvent struct {
	Type string      `json:"type"`
	Data JobSnapshot `json:"data"`
}
