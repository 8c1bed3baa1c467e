package store

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/deepsea-ai/nereid/internal/model"
)

// seedFile is the on-disk shape of a seed snapshot: a set of completed
// demo jobs the dashboard can show on a fresh start. The snapshot is a
// one-time, non-authoritative bootstrap; the store never writes it back.
type seedFile struct {
	Jobs []seedJob `json:"jobs"`
}

type seedJob struct {
	Name          string              `json:"name"`
	UploadedFiles []string            `json:"uploadedFiles"`
	Parameters    model.JobParameters `json:"parameters"`
	Stages        []string            `json:"stages"`
	Results       model.Results       `json:"results"`
}

// LoadSeed bulk-loads a seed snapshot into the store. Each seed job is
// inserted fully completed, with all its stages marked completed. Returns
// the number of jobs loaded.
func (s *Store) LoadSeed(path string) (int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("seed: read %s: %w", path, err)
	}

	var f seedFile
	if err := json.Unmarshal(raw, &f); err != nil {
		return 0, fmt.Errorf("seed: parse %s: %w", path, err)
	}

	now := time.Now().UTC()
	completed := model.JobStatusCompleted
	full := 100

	for i, sj := range f.Jobs {
		job, err := s.CreateJob(sj.Name, sj.UploadedFiles, sj.Parameters)
		if err != nil {
			return i, fmt.Errorf("seed: job %q: %w", sj.Name, err)
		}

		for n, stageName := range sj.Stages {
			stage, err := s.CreateStage(job.ID, stageName, n+1)
			if err != nil {
				return i, fmt.Errorf("seed: job %q stage %q: %w", sj.Name, stageName, err)
			}
			if _, err := s.UpdateStage(stage.ID, StageUpdate{
				Status:      &completed,
				Progress:    &full,
				StartedAt:   &now,
				CompletedAt: &now,
			}); err != nil {
				return i, fmt.Errorf("seed: job %q stage %q: %w", sj.Name, stageName, err)
			}
		}

		results := sj.Results
		lastStage := ""
		if len(sj.Stages) > 0 {
			lastStage = sj.Stages[len(sj.Stages)-1]
		}
		if _, err := s.UpdateJob(job.ID, JobUpdate{
			Status:       &completed,
			Progress:     &full,
			CurrentStage: &lastStage,
			Results:      &results,
			StartedAt:    &now,
			CompletedAt:  &now,
		}); err != nil {
			return i, fmt.Errorf("seed: job %q: %w", sj.Name, err)
		}
	}

	s.logger.Info("seed snapshot loaded", "path", path, "jobs", len(f.Jobs))
	return len(f.Jobs), nil
}
