// Package store holds all job, stage, and uploaded-file state in memory.
//
// The store is the single source of truth and is deliberately a dumb
// merge: it does not enforce lifecycle invariants (monotonic progress,
// terminal finality). The pipeline runner is the sole writer for a job's
// lifecycle fields and encodes the state machine; everything else only
// reads. Construct one instance at process start and inject it; there is
// no package-level singleton, so tests get isolated stores for free.
package store

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/deepsea-ai/nereid/internal/model"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("store: not found")

// jobRecord pairs a job with a monotonic insertion sequence so listing
// stays stable when several jobs share a creation timestamp.
type jobRecord struct {
	job model.Job
	seq uint64
}

// Store owns the three entity maps. All access goes through its methods;
// returned values are copies, so callers can never alias internal state.
type Store struct {
	logger *slog.Logger

	mu     sync.RWMutex
	seq    uint64
	jobs   map[uuid.UUID]*jobRecord
	stages map[uuid.UUID]*model.Stage
	files  map[uuid.UUID]*model.UploadedFile
}

// New creates an empty store.
func New(logger *slog.Logger) *Store {
	return &Store{
		logger: logger,
		jobs:   make(map[uuid.UUID]*jobRecord),
		stages: make(map[uuid.UUID]*model.Stage),
		files:  make(map[uuid.UUID]*model.UploadedFile),
	}
}

// CreateJob assigns an ID and inserts a pending job.
// Parameter validation errors are returned unwrapped from
// model.JobParameters.Validate so handlers can map them to 400.
func (s *Store) CreateJob(name string, fileNames []string, params model.JobParameters) (model.Job, error) {
	if err := params.Validate(); err != nil {
		return model.Job{}, fmt.Errorf("create job: %w", err)
	}

	job := model.Job{
		ID:            uuid.New(),
		Name:          name,
		Status:        model.JobStatusPending,
		Progress:      0,
		UploadedFiles: append([]string(nil), fileNames...),
		Parameters:    params,
		CreatedAt:     time.Now().UTC(),
	}

	s.mu.Lock()
	s.seq++
	s.jobs[job.ID] = &jobRecord{job: job, seq: s.seq}
	s.mu.Unlock()

	return job, nil
}

// Job returns the job with the given ID.
func (s *Store) Job(id uuid.UUID) (model.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.jobs[id]
	if !ok {
		return model.Job{}, ErrNotFound
	}
	return cloneJob(rec.job), nil
}

// Jobs lists all jobs newest-first by creation time.
func (s *Store) Jobs() []model.Job {
	s.mu.RLock()
	recs := make([]*jobRecord, 0, len(s.jobs))
	for _, rec := range s.jobs {
		recs = append(recs, rec)
	}
	s.mu.RUnlock()

	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].job.CreatedAt.Equal(recs[j].job.CreatedAt) {
			return recs[i].job.CreatedAt.After(recs[j].job.CreatedAt)
		}
		return recs[i].seq > recs[j].seq
	})

	jobs := make([]model.Job, len(recs))
	for i, rec := range recs {
		jobs[i] = cloneJob(rec.job)
	}
	return jobs
}

// JobCount returns the number of stored jobs.
func (s *Store) JobCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.jobs)
}

// JobUpdate is a partial job update; nil fields are left untouched.
type JobUpdate struct {
	Status       *model.JobStatus
	Progress     *int
	CurrentStage *string
	Results      *model.Results
	StartedAt    *time.Time
	CompletedAt  *time.Time
	ErrorMessage *string
}

// UpdateJob merges the non-nil fields of upd into the stored job and
// returns the merged copy. Invariant maintenance is the caller's job.
func (s *Store) UpdateJob(id uuid.UUID, upd JobUpdate) (model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.jobs[id]
	if !ok {
		return model.Job{}, ErrNotFound
	}

	if upd.Status != nil {
		rec.job.Status = *upd.Status
	}
	if upd.Progress != nil {
		rec.job.Progress = *upd.Progress
	}
	if upd.CurrentStage != nil {
		stage := *upd.CurrentStage
		rec.job.CurrentStage = &stage
	}
	if upd.Results != nil {
		results := cloneResults(*upd.Results)
		rec.job.Results = &results
	}
	if upd.StartedAt != nil {
		ts := *upd.StartedAt
		rec.job.StartedAt = &ts
	}
	if upd.CompletedAt != nil {
		ts := *upd.CompletedAt
		rec.job.CompletedAt = &ts
	}
	if upd.ErrorMessage != nil {
		msg := *upd.ErrorMessage
		rec.job.ErrorMessage = &msg
	}

	return cloneJob(rec.job), nil
}

// CreateStage inserts a pending stage for the given job.
func (s *Store) CreateStage(jobID uuid.UUID, name string, number int) (model.Stage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[jobID]; !ok {
		return model.Stage{}, ErrNotFound
	}

	stage := model.Stage{
		ID:          uuid.New(),
		JobID:       jobID,
		StageName:   name,
		StageNumber: number,
		Status:      model.JobStatusPending,
	}
	s.stages[stage.ID] = &stage
	return cloneStage(stage), nil
}

// StagesByJob returns the job's stages sorted ascending by stage number,
// regardless of insertion order.
func (s *Store) StagesByJob(jobID uuid.UUID) []model.Stage {
	s.mu.RLock()
	stages := make([]model.Stage, 0, 8)
	for _, st := range s.stages {
		if st.JobID == jobID {
			stages = append(stages, cloneStage(*st))
		}
	}
	s.mu.RUnlock()

	sort.Slice(stages, func(i, j int) bool {
		return stages[i].StageNumber < stages[j].StageNumber
	})
	return stages
}

// StageUpdate is a partial stage update; nil fields are left untouched.
type StageUpdate struct {
	Status      *model.JobStatus
	Progress    *int
	StartedAt   *time.Time
	CompletedAt *time.Time
	Duration    *float64
	Metadata    map[string]any
}

// UpdateStage merges the non-nil fields of upd into the stored stage.
func (s *Store) UpdateStage(id uuid.UUID, upd StageUpdate) (model.Stage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.stages[id]
	if !ok {
		return model.Stage{}, ErrNotFound
	}

	if upd.Status != nil {
		st.Status = *upd.Status
	}
	if upd.Progress != nil {
		st.Progress = *upd.Progress
	}
	if upd.StartedAt != nil {
		ts := *upd.StartedAt
		st.StartedAt = &ts
	}
	if upd.CompletedAt != nil {
		ts := *upd.CompletedAt
		st.CompletedAt = &ts
	}
	if upd.Duration != nil {
		d := *upd.Duration
		st.Duration = &d
	}
	if upd.Metadata != nil {
		st.Metadata = cloneMetadata(upd.Metadata)
	}

	return cloneStage(*st), nil
}

// CreateUploadedFile records an uploaded file for a job. The ID and
// upload timestamp are assigned here.
func (s *Store) CreateUploadedFile(f model.UploadedFile) (model.UploadedFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[f.JobID]; !ok {
		return model.UploadedFile{}, ErrNotFound
	}

	f.ID = uuid.New()
	f.UploadedAt = time.Now().UTC()
	s.files[f.ID] = &f
	return f, nil
}

// FilesByJob returns a job's uploaded files in upload order.
func (s *Store) FilesByJob(jobID uuid.UUID) []model.UploadedFile {
	s.mu.RLock()
	files := make([]model.UploadedFile, 0, 4)
	for _, f := range s.files {
		if f.JobID == jobID {
			files = append(files, *f)
		}
	}
	s.mu.RUnlock()

	sort.Slice(files, func(i, j int) bool {
		if !files[i].UploadedAt.Equal(files[j].UploadedAt) {
			return files[i].UploadedAt.Before(files[j].UploadedAt)
		}
		return files[i].Filename < files[j].Filename
	})
	return files
}

// PurgeTerminalBefore removes terminal jobs whose completion predates
// cutoff, along with their stages and file records. Returns the number of
// jobs removed. Used by the retention sweep to bound the volatile store.
func (s *Store) PurgeTerminalBefore(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	purged := 0
	for id, rec := range s.jobs {
		if !rec.job.Status.IsTerminal() {
			continue
		}
		ended := rec.job.CompletedAt
		if ended == nil {
			ended = &rec.job.CreatedAt
		}
		if !ended.Before(cutoff) {
			continue
		}

		delete(s.jobs, id)
		for sid, st := range s.stages {
			if st.JobID == id {
				delete(s.stages, sid)
			}
		}
		for fid, f := range s.files {
			if f.JobID == id {
				delete(s.files, fid)
			}
		}
		purged++
	}
	return purged
}

func cloneJob(j model.Job) model.Job {
	j.UploadedFiles = append([]string(nil), j.UploadedFiles...)
	if j.CurrentStage != nil {
		stage := *j.CurrentStage
		j.CurrentStage = &stage
	}
	if j.Results != nil {
		results := cloneResults(*j.Results)
		j.Results = &results
	}
	if j.StartedAt != nil {
		ts := *j.StartedAt
		j.StartedAt = &ts
	}
	if j.CompletedAt != nil {
		ts := *j.CompletedAt
		j.CompletedAt = &ts
	}
	if j.ErrorMessage != nil {
		msg := *j.ErrorMessage
		j.ErrorMessage = &msg
	}
	return j
}

func cloneResults(r model.Results) model.Results {
	r.TaxonomicDistribution = append([]model.TaxonRecord(nil), r.TaxonomicDistribution...)
	return r
}

func cloneStage(st model.Stage) model.Stage {
	if st.StartedAt != nil {
		ts := *st.StartedAt
		st.StartedAt = &ts
	}
	if st.CompletedAt != nil {
		ts := *st.CompletedAt
		st.CompletedAt = &ts
	}
	if st.Duration != nil {
		d := *st.Duration
		st.Duration = &d
	}
	st.Metadata = cloneMetadata(st.Metadata)
	return st
}

func cloneMetadata(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
