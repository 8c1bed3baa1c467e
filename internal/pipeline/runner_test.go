package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deepsea-ai/nereid/internal/model"
	"github.com/deepsea-ai/nereid/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func fastStages() []StageDef {
	return []StageDef{
		{Name: "Sequence Preprocessing", MinDuration: time.Millisecond, MaxDuration: 2 * time.Millisecond},
		{Name: "VAE Clustering", MinDuration: time.Millisecond, MaxDuration: 2 * time.Millisecond},
		{Name: "Taxonomy Assignment", MinDuration: time.Millisecond, MaxDuration: 2 * time.Millisecond},
	}
}

// recordingNotifier snapshots the job on every publish so tests can
// assert ordering properties over the observable update stream.
type recordingNotifier struct {
	store *store.Store

	mu        sync.Mutex
	snapshots []model.Job
}

func (n *recordingNotifier) Publish(jobID uuid.UUID) {
	job, err := n.store.Job(jobID)
	if err != nil {
		return
	}
	n.mu.Lock()
	n.snapshots = append(n.snapshots, job)
	n.mu.Unlock()
}

func (n *recordingNotifier) all() []model.Job {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]model.Job(nil), n.snapshots...)
}

func newTestJob(t *testing.T, s *store.Store) model.Job {
	t.Helper()
	job, err := s.CreateJob("Abyssal Plain Survey", []string{"sample.fasta"}, model.JobParameters{
		MinSequenceLength: 100,
		MaxSequenceLength: 2000,
		ClusteringMethod:  "vae",
		QualityFiltering:  true,
	})
	require.NoError(t, err)
	return job
}

func TestExecuteHappyPath(t *testing.T) {
	s := store.New(testLogger())
	notifier := &recordingNotifier{store: s}
	r := New(context.Background(), s, notifier, Config{
		Stages: fastStages(),
		Logger: testLogger(),
	})

	job := newTestJob(t, s)
	require.NoError(t, r.Prepare(job.ID))
	r.Execute(context.Background(), job.ID)

	final, err := s.Job(job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, final.Status)
	assert.Equal(t, 100, final.Progress)
	require.NotNil(t, final.Results)
	require.NotNil(t, final.StartedAt)
	require.NotNil(t, final.CompletedAt)
	assert.Nil(t, final.ErrorMessage)
	assert.GreaterOrEqual(t, final.Results.DiversityMetrics.SpeciesRichness, 0)
	assert.NotEmpty(t, final.Results.TaxonomicDistribution)

	stages := s.StagesByJob(job.ID)
	require.Len(t, stages, 3)
	for i, st := range stages {
		assert.Equal(t, i+1, st.StageNumber)
		assert.Equal(t, model.JobStatusCompleted, st.Status)
		require.NotNil(t, st.Duration, "stage %d should have a duration", i+1)
		assert.GreaterOrEqual(t, *st.Duration, 0.0)
	}
}

func TestExecuteProgressIsMonotonic(t *testing.T) {
	s := store.New(testLogger())
	notifier := &recordingNotifier{store: s}
	r := New(context.Background(), s, notifier, Config{
		Stages: fastStages(),
		Logger: testLogger(),
	})

	job := newTestJob(t, s)
	require.NoError(t, r.Prepare(job.ID))
	r.Execute(context.Background(), job.ID)

	snaps := notifier.all()
	require.NotEmpty(t, snaps)

	last := -1
	var stageOrder []string
	for _, snap := range snaps {
		assert.GreaterOrEqual(t, snap.Progress, last, "progress must never decrease")
		last = snap.Progress
		if snap.CurrentStage != nil {
			if len(stageOrder) == 0 || stageOrder[len(stageOrder)-1] != *snap.CurrentStage {
				stageOrder = append(stageOrder, *snap.CurrentStage)
			}
		}
	}
	assert.Equal(t, []string{"Sequence Preprocessing", "VAE Clustering", "Taxonomy Assignment"}, stageOrder)
	assert.Equal(t, model.JobStatusCompleted, snaps[len(snaps)-1].Status)
}

func TestExecuteRunsOnlyOnce(t *testing.T) {
	s := store.New(testLogger())
	r := New(context.Background(), s, nil, Config{Stages: fastStages(), Logger: testLogger()})

	job := newTestJob(t, s)
	require.NoError(t, r.Prepare(job.ID))
	r.Execute(context.Background(), job.ID)

	first, err := s.Job(job.ID)
	require.NoError(t, err)

	r.Execute(context.Background(), job.ID)

	second, err := s.Job(job.ID)
	require.NoError(t, err)
	assert.Equal(t, first.CompletedAt, second.CompletedAt)
	assert.Len(t, s.StagesByJob(job.ID), 3)
}

func TestExecuteUnknownJobIsNoop(t *testing.T) {
	s := store.New(testLogger())
	notifier := &recordingNotifier{store: s}
	r := New(context.Background(), s, notifier, Config{Stages: fastStages(), Logger: testLogger()})

	r.Execute(context.Background(), uuid.New())
	assert.Empty(t, notifier.all())
}

func TestExecuteFailPolicy(t *testing.T) {
	s := store.New(testLogger())
	boom := errors.New("BLAST database unreachable")
	r := New(context.Background(), s, nil, Config{
		Stages:       fastStages(),
		OnStageError: PolicyFail,
		StageWork: func(_ context.Context, _ model.Job, def StageDef) (map[string]any, error) {
			if def.Name == "Taxonomy Assignment" {
				return nil, boom
			}
			return nil, nil
		},
		Logger: testLogger(),
	})

	job := newTestJob(t, s)
	require.NoError(t, r.Prepare(job.ID))
	r.Execute(context.Background(), job.ID)

	final, err := s.Job(job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, final.Status)
	require.NotNil(t, final.ErrorMessage)
	assert.Contains(t, *final.ErrorMessage, "Taxonomy Assignment")
	assert.Nil(t, final.Results)
	assert.Nil(t, final.CompletedAt)

	stages := s.StagesByJob(job.ID)
	assert.Equal(t, model.JobStatusCompleted, stages[0].Status)
	assert.Equal(t, model.JobStatusFailed, stages[2].Status)
}

func TestExecuteDegradePolicyMasksStageFailure(t *testing.T) {
	s := store.New(testLogger())
	r := New(context.Background(), s, nil, Config{
		Stages:       fastStages(),
		OnStageError: PolicyDegrade,
		StageWork: func(_ context.Context, _ model.Job, def StageDef) (map[string]any, error) {
			if def.Name == "VAE Clustering" {
				return nil, errors.New("CUDA out of memory")
			}
			return nil, nil
		},
		Logger: testLogger(),
	})

	job := newTestJob(t, s)
	require.NoError(t, r.Prepare(job.ID))
	r.Execute(context.Background(), job.ID)

	final, err := s.Job(job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, final.Status)
	require.NotNil(t, final.Results)
	assert.NotEmpty(t, final.Results.TaxonomicDistribution)
	assert.Nil(t, final.ErrorMessage)

	stages := s.StagesByJob(job.ID)
	assert.Equal(t, true, stages[1].Metadata["degraded"])
}

func TestExecuteWatchdogFailsSlowJob(t *testing.T) {
	s := store.New(testLogger())
	r := New(context.Background(), s, nil, Config{
		Stages: []StageDef{
			{Name: "Sequence Preprocessing", MinDuration: 200 * time.Millisecond, MaxDuration: 300 * time.Millisecond},
		},
		MaxJobDuration: 20 * time.Millisecond,
		Logger:         testLogger(),
	})

	job := newTestJob(t, s)
	require.NoError(t, r.Prepare(job.ID))
	r.Execute(context.Background(), job.ID)

	final, err := s.Job(job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, final.Status)
	require.NotNil(t, final.ErrorMessage)
	assert.Contains(t, *final.ErrorMessage, "maximum allowed duration")
	assert.Nil(t, final.Results)
}

func TestExecuteHonorsCancellation(t *testing.T) {
	s := store.New(testLogger())
	r := New(context.Background(), s, nil, Config{
		Stages: []StageDef{
			{Name: "Sequence Preprocessing", MinDuration: time.Second, MaxDuration: 2 * time.Second},
		},
		Logger: testLogger(),
	})

	job := newTestJob(t, s)
	require.NoError(t, r.Prepare(job.ID))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	r.Execute(ctx, job.ID)

	final, err := s.Job(job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, final.Status)
	require.NotNil(t, final.ErrorMessage)
	assert.Contains(t, *final.ErrorMessage, "canceled")
}

func TestExecuteLoadsResultsFromManifest(t *testing.T) {
	s := store.New(testLogger())
	root := t.TempDir()

	job := newTestJob(t, s)
	jobDir := filepath.Join(root, job.ID.String())
	require.NoError(t, os.MkdirAll(jobDir, 0o755))

	want := model.Results{
		DiversityMetrics: model.DiversityMetrics{
			ShannonIndex:    1.9459,
			SimpsonIndex:    0.1667,
			SpeciesRichness: 7,
			NovelTaxa:       2,
		},
		TaxonomicDistribution: []model.TaxonRecord{
			{Kingdom: "Animalia", Phylum: "Chordata", Class: "Actinopterygii",
				Family: "Liparidae", Genus: "Pseudoliparis", Species: "Pseudoliparis swirei",
				Abundance: 1.0, Confidence: 0.97},
		},
	}
	raw, err := json.Marshal(want)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(jobDir, "biodiversity.json"), raw, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(jobDir, "manifest.json"),
		[]byte(`{"version": 1, "biodiversity": "biodiversity.json"}`), 0o644))

	r := New(context.Background(), s, nil, Config{
		Stages:       fastStages(),
		ArtifactRoot: root,
		Logger:       testLogger(),
	})
	require.NoError(t, r.Prepare(job.ID))
	r.Execute(context.Background(), job.ID)

	final, err := s.Job(job.ID)
	require.NoError(t, err)
	require.NotNil(t, final.Results)
	assert.Equal(t, want, *final.Results)
}

func TestExecuteMalformedManifestUnderFailPolicy(t *testing.T) {
	s := store.New(testLogger())
	root := t.TempDir()

	job := newTestJob(t, s)
	jobDir := filepath.Join(root, job.ID.String())
	require.NoError(t, os.MkdirAll(jobDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(jobDir, "manifest.json"), []byte("{not json"), 0o644))

	r := New(context.Background(), s, nil, Config{
		Stages:       fastStages(),
		OnStageError: PolicyFail,
		ArtifactRoot: root,
		Logger:       testLogger(),
	})
	require.NoError(t, r.Prepare(job.ID))
	r.Execute(context.Background(), job.ID)

	final, err := s.Job(job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, final.Status)
}

func TestExecuteAbsentArtifactsSynthesizes(t *testing.T) {
	s := store.New(testLogger())
	r := New(context.Background(), s, nil, Config{
		Stages:       fastStages(),
		ArtifactRoot: t.TempDir(), // exists but empty: no manifest for the job
		Logger:       testLogger(),
	})

	job := newTestJob(t, s)
	require.NoError(t, r.Prepare(job.ID))
	r.Execute(context.Background(), job.ID)

	final, err := s.Job(job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, final.Status)
	require.NotNil(t, final.Results)
	assert.NotEmpty(t, final.Results.TaxonomicDistribution)
}

func TestProgressPercent(t *testing.T) {
	assert.Equal(t, 0, progressPercent(0, 7))
	assert.Equal(t, 14, progressPercent(1, 7))
	assert.Equal(t, 57, progressPercent(4, 7))
	assert.Equal(t, 100, progressPercent(7, 7))
	assert.Equal(t, 0, progressPercent(3, 0))
}
