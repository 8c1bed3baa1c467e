package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestJobStatusIsTerminal(t *testing.T) {
	assert.False(t, JobStatusPending.IsTerminal())
	assert.False(t, JobStatusRunning.IsTerminal())
	assert.True(t, JobStatusCompleted.IsTerminal())
	assert.True(t, JobStatusFailed.IsTerminal())
}

func TestJobStatusIsValid(t *testing.T) {
	for _, s := range []JobStatus{JobStatusPending, JobStatusRunning, JobStatusCompleted, JobStatusFailed} {
		assert.True(t, s.IsValid(), "status %q should be valid", s)
	}
	assert.False(t, JobStatus("queued").IsValid())
	assert.False(t, JobStatus("").IsValid())
}

func TestJobParametersValidate(t *testing.T) {
	valid := JobParameters{
		MinSequenceLength: 100,
		MaxSequenceLength: 2000,
		ClusteringMethod:  "vae",
		QualityFiltering:  true,
	}
	assert.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(*JobParameters)
	}{
		{"zero min length", func(p *JobParameters) { p.MinSequenceLength = 0 }},
		{"negative min length", func(p *JobParameters) { p.MinSequenceLength = -5 }},
		{"max below min", func(p *JobParameters) { p.MaxSequenceLength = 50 }},
		{"missing clustering method", func(p *JobParameters) { p.ClusteringMethod = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := valid
			tt.mutate(&p)
			assert.Error(t, p.Validate())
		})
	}
}
