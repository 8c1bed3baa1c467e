package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"

	"github.com/deepsea-ai/nereid/internal/model"
	"github.com/deepsea-ai/nereid/internal/store"
)

var pipelineMeter = otel.GetMeterProvider().Meter("nereid/pipeline")

// Notifier receives a publish call after every observable job change.
// The server's WebSocket hub implements it.
type Notifier interface {
	Publish(jobID uuid.UUID)
}

// ErrorPolicy selects what the runner does when a stage or the result
// collection fails.
type ErrorPolicy string

const (
	// PolicyDegrade substitutes reduced results and still completes the
	// job. This matches the original product behavior of never surfacing
	// pipeline failures to the dashboard.
	PolicyDegrade ErrorPolicy = "degrade"
	// PolicyFail transitions the job to failed with an error message.
	PolicyFail ErrorPolicy = "fail"
)

// StageWorkFunc performs the work of one stage and returns stage metadata.
// The default implementation simulates processing latency; deployments
// that shell out to the real pipeline substitute their own.
type StageWorkFunc func(ctx context.Context, job model.Job, def StageDef) (map[string]any, error)

// Config configures a Runner.
type Config struct {
	// Stages executed in order. Empty means DefaultStages.
	Stages []StageDef
	// OnStageError selects failure masking vs propagation. Empty means
	// PolicyDegrade.
	OnStageError ErrorPolicy
	// MaxJobDuration force-fails a job that runs longer. Zero disables
	// the watchdog.
	MaxJobDuration time.Duration
	// ArtifactRoot is the directory the external pipeline writes per-job
	// artifact sets into (ArtifactRoot/<jobID>/manifest.json). Empty
	// means no external pipeline: results are always synthesized.
	ArtifactRoot string
	// StageWork overrides the built-in latency simulator.
	StageWork StageWorkFunc
	Logger    *slog.Logger
}

// Runner advances jobs through their stages. All job and stage mutations
// go through the store so the single-writer discipline stays explicit:
// one Execute goroutine owns one job's lifecycle fields.
type Runner struct {
	baseCtx context.Context
	store   *store.Store
	notify  Notifier
	cfg     Config
	work    StageWorkFunc
	logger  *slog.Logger
}

// New creates a Runner. baseCtx bounds every job spawned with Launch;
// canceling it stops in-flight runs at their next stage boundary.
func New(baseCtx context.Context, st *store.Store, notify Notifier, cfg Config) *Runner {
	if len(cfg.Stages) == 0 {
		cfg.Stages = DefaultStages()
	}
	if cfg.OnStageError == "" {
		cfg.OnStageError = PolicyDegrade
	}
	r := &Runner{
		baseCtx: baseCtx,
		store:   st,
		notify:  notify,
		cfg:     cfg,
		logger:  cfg.Logger,
	}
	r.work = cfg.StageWork
	if r.work == nil {
		r.work = r.simulateStage
	}
	return r
}

// Prepare creates the job's stage records, all pending, so the first
// status fetch and WebSocket push already carry the full stage list.
func (r *Runner) Prepare(jobID uuid.UUID) error {
	for i, def := range r.cfg.Stages {
		if _, err := r.store.CreateStage(jobID, def.Name, i+1); err != nil {
			return fmt.Errorf("prepare job %s: %w", jobID, err)
		}
	}
	return nil
}

// Launch starts the job's run in a background goroutine and returns
// immediately. The caller holds no reference to the run; progress is
// observable only through the store and the notifier.
func (r *Runner) Launch(jobID uuid.UUID) {
	go r.Execute(r.baseCtx, jobID)
}

// Execute runs the full state machine for one job. It is invoked exactly
// once per job; a job found in any state other than pending is left
// untouched.
func (r *Runner) Execute(ctx context.Context, jobID uuid.UUID) {
	if r.cfg.MaxJobDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.MaxJobDuration)
		defer cancel()
	}

	job, err := r.store.Job(jobID)
	if err != nil {
		r.logger.Error("runner: job not found at start", "job_id", jobID, "error", err)
		return
	}
	if job.Status != model.JobStatusPending {
		r.logger.Warn("runner: job already started, skipping", "job_id", jobID, "status", job.Status)
		return
	}

	stages := r.store.StagesByJob(jobID)
	if len(stages) == 0 {
		// Lazy fallback for callers that skipped Prepare.
		if err := r.Prepare(jobID); err != nil {
			r.failJob(jobID, nil, "failed to initialize pipeline stages")
			return
		}
		stages = r.store.StagesByJob(jobID)
	}
	total := len(stages)

	startedAt := time.Now().UTC()
	running := model.JobStatusRunning
	zero := 0
	r.mustUpdateJob(jobID, store.JobUpdate{
		Status:       &running,
		Progress:     &zero,
		CurrentStage: &stages[0].StageName,
		StartedAt:    &startedAt,
	})
	r.publish(jobID)
	r.countJob(ctx, "started")
	r.logger.Info("runner: job started", "job_id", jobID, "stages", total)

	degraded := false
	for i := range stages {
		st := stages[i]
		def := r.stageDef(i, st.StageName)

		announced := progressPercent(i, total)
		r.mustUpdateJob(jobID, store.JobUpdate{
			CurrentStage: &st.StageName,
			Progress:     &announced,
		})
		stageStart := time.Now().UTC()
		r.mustUpdateStage(st.ID, store.StageUpdate{Status: &running, StartedAt: &stageStart})
		r.publish(jobID)

		meta, workErr := r.work(ctx, job, def)

		if ctx.Err() != nil {
			r.failJob(jobID, &st.ID, cancelMessage(ctx))
			return
		}
		if workErr != nil {
			if r.cfg.OnStageError == PolicyFail {
				r.failJob(jobID, &st.ID, fmt.Sprintf("stage %q failed: %v", st.StageName, workErr))
				return
			}
			// Masking policy: swallow the error, flag the stage, keep going.
			r.logger.Warn("runner: stage failed, continuing degraded",
				"job_id", jobID, "stage", st.StageName, "error", workErr)
			degraded = true
			meta = map[string]any{"degraded": true}
		}

		stageEnd := time.Now().UTC()
		duration := stageEnd.Sub(stageStart).Seconds()
		completed := model.JobStatusCompleted
		full := 100
		r.mustUpdateStage(st.ID, store.StageUpdate{
			Status:      &completed,
			Progress:    &full,
			CompletedAt: &stageEnd,
			Duration:    &duration,
			Metadata:    meta,
		})
		done := progressPercent(i+1, total)
		r.mustUpdateJob(jobID, store.JobUpdate{Progress: &done})
		r.publish(jobID)

		if hist, err := pipelineMeter.Float64Histogram("pipeline.stage.duration",
			otelmetric.WithUnit("s")); err == nil {
			hist.Record(ctx, duration, otelmetric.WithAttributes(
				attribute.String("stage", st.StageName),
			))
		}
	}

	results, err := r.collectResults(job)
	if err != nil {
		if r.cfg.OnStageError == PolicyFail {
			r.failJob(jobID, nil, fmt.Sprintf("result collection failed: %v", err))
			return
		}
		r.logger.Warn("runner: result collection failed, substituting synthesized results",
			"job_id", jobID, "error", err)
		degraded = true
		results = SynthesizeResults(true)
	}
	if degraded {
		r.logger.Warn("runner: job completed with degraded results", "job_id", jobID)
	}

	completedAt := time.Now().UTC()
	completed := model.JobStatusCompleted
	full := 100
	r.mustUpdateJob(jobID, store.JobUpdate{
		Status:      &completed,
		Progress:    &full,
		Results:     &results,
		CompletedAt: &completedAt,
	})
	r.publish(jobID)
	r.countJob(ctx, "completed")
	r.logger.Info("runner: job completed",
		"job_id", jobID, "duration_s", completedAt.Sub(startedAt).Seconds(), "degraded", degraded)
}

// failJob is the only path into the failed state: it marks the current
// stage (if any) and the job failed. Per the lifecycle contract, failed
// jobs carry no completedAt and no results.
func (r *Runner) failJob(jobID uuid.UUID, stageID *uuid.UUID, msg string) {
	failed := model.JobStatusFailed
	if stageID != nil {
		now := time.Now().UTC()
		r.mustUpdateStage(*stageID, store.StageUpdate{Status: &failed, CompletedAt: &now})
	}
	r.mustUpdateJob(jobID, store.JobUpdate{Status: &failed, ErrorMessage: &msg})
	r.publish(jobID)
	r.countJob(context.Background(), "failed")
	r.logger.Error("runner: job failed", "job_id", jobID, "error", msg)
}

// collectResults loads the external pipeline's biodiversity artifact via
// the per-job manifest, or synthesizes results when no artifacts exist.
// Absence is the normal demo path, not an error; only a malformed
// manifest or artifact is subject to the error policy.
func (r *Runner) collectResults(job model.Job) (model.Results, error) {
	if r.cfg.ArtifactRoot == "" {
		return SynthesizeResults(false), nil
	}

	m, err := LoadManifest(r.cfg.ArtifactRoot, job.ID)
	if errors.Is(err, ErrNoManifest) {
		return SynthesizeResults(false), nil
	}
	if err != nil {
		return model.Results{}, err
	}
	if m.Biodiversity == "" {
		return SynthesizeResults(false), nil
	}

	results, err := loadResultsArtifact(r.jobDir(job.ID), m.Biodiversity)
	if err != nil {
		return model.Results{}, err
	}
	return results, nil
}

func (r *Runner) stageDef(i int, name string) StageDef {
	if i < len(r.cfg.Stages) && r.cfg.Stages[i].Name == name {
		return r.cfg.Stages[i]
	}
	// Stage records that don't match the configured defs (e.g. seeded
	// jobs) get a nominal latency window.
	return StageDef{Name: name, MinDuration: time.Second, MaxDuration: 2 * time.Second}
}

// simulateStage is the built-in stage runner: it waits a bounded random
// interval to emulate processing latency and fabricates the metrics the
// real pipeline scripts would report.
func (r *Runner) simulateStage(ctx context.Context, job model.Job, def StageDef) (map[string]any, error) {
	wait := def.MinDuration
	if span := def.MaxDuration - def.MinDuration; span > 0 {
		wait += time.Duration(rand.Int64N(int64(span)))
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
	}

	return fabricateStageMetadata(job, def.Name), nil
}

// fabricateStageMetadata mirrors the summary metrics each pipeline script
// prints, so the per-stage dashboard panels have content.
func fabricateStageMetadata(job model.Job, stageName string) map[string]any {
	switch {
	case strings.Contains(stageName, "Preprocessing"):
		input := 500 + rand.IntN(1500)
		retained := input - rand.IntN(input/5)
		return map[string]any{
			"inputSequences":    input,
			"sequencesRetained": retained,
			"minLength":         job.Parameters.MinSequenceLength,
			"maxLength":         job.Parameters.MaxSequenceLength,
		}
	case strings.Contains(stageName, "K-mer"):
		return map[string]any{"k": 6, "kmerVocabulary": 4096 + rand.IntN(2048)}
	case strings.Contains(stageName, "Embedding"):
		return map[string]any{"embeddingDim": 256, "method": "transformer"}
	case strings.Contains(stageName, "Clustering"):
		return map[string]any{
			"clusterCount": 8 + rand.IntN(24),
			"method":       job.Parameters.ClusteringMethod,
		}
	case strings.Contains(stageName, "Taxonomy"):
		return map[string]any{"assignmentRate": 0.70 + rand.Float64()*0.25}
	case strings.Contains(stageName, "Biodiversity"):
		return map[string]any{"metricsComputed": []string{"shannon", "simpson", "richness"}}
	case strings.Contains(stageName, "Phylogenetic"):
		return map[string]any{"leafCount": 16 + rand.IntN(48)}
	}
	return nil
}

// progressPercent reports completed stages over total, rounded, never
// exceeding 100.
func progressPercent(completed, total int) int {
	if total <= 0 {
		return 0
	}
	p := int(math.Round(100 * float64(completed) / float64(total)))
	if p > 100 {
		p = 100
	}
	return p
}

func cancelMessage(ctx context.Context) string {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return "job exceeded maximum allowed duration"
	}
	return "job canceled"
}

func (r *Runner) publish(jobID uuid.UUID) {
	if r.notify != nil {
		r.notify.Publish(jobID)
	}
}

func (r *Runner) countJob(ctx context.Context, outcome string) {
	if counter, err := pipelineMeter.Int64Counter("pipeline.jobs"); err == nil {
		counter.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("outcome", outcome)))
	}
}

// mustUpdateJob / mustUpdateStage wrap store updates whose only failure
// mode is the record having been purged mid-run (retention racing a very
// old job). Log and carry on.
func (r *Runner) mustUpdateJob(jobID uuid.UUID, upd store.JobUpdate) {
	if _, err := r.store.UpdateJob(jobID, upd); err != nil {
		r.logger.Error("runner: job update failed", "job_id", jobID, "error", err)
	}
}

func (r *Runner) mustUpdateStage(stageID uuid.UUID, upd store.StageUpdate) {
	if _, err := r.store.UpdateStage(stageID, upd); err != nil {
		r.logger.Error("runner: stage update failed", "stage_id", stageID, "error", err)
	}
}
