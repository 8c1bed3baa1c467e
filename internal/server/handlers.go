package server

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/deepsea-ai/nereid/internal/model"
	"github.com/deepsea-ai/nereid/internal/pipeline"
	"github.com/deepsea-ai/nereid/internal/store"
)

// Parameter defaults applied when the upload form omits a field. They match
// the dashboard's pre-filled form values.
const (
	defaultMinSequenceLength = 100
	defaultMaxSequenceLength = 2000
	defaultClusteringMethod  = "vae"
)

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	store          *store.Store
	runner         *pipeline.Runner
	hub            *Hub
	logger         *slog.Logger
	version        string
	uploadsDir     string
	maxUploadBytes int64
	startedAt      time.Time
}

// HandlersDeps holds all dependencies for constructing Handlers.
type HandlersDeps struct {
	Store          *store.Store
	Runner         *pipeline.Runner
	Hub            *Hub
	Logger         *slog.Logger
	Version        string
	UploadsDir     string
	MaxUploadBytes int64
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		store:          d.Store,
		runner:         d.Runner,
		hub:            d.Hub,
		logger:         d.Logger,
		version:        d.Version,
		uploadsDir:     d.UploadsDir,
		maxUploadBytes: d.MaxUploadBytes,
		startedAt:      time.Now(),
	}
}

// HandleHealth handles GET /api/health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, model.HealthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC(),
		Version:   h.version,
	})
}

// HandleListJobs handles GET /api/jobs. Jobs come back newest first.
func (h *Handlers) HandleListJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.store.Jobs())
}

// HandleGetJob handles GET /api/jobs/{id}: the job plus its stages and
// uploaded file records.
func (h *Handlers) HandleGetJob(w http.ResponseWriter, r *http.Request) {
	job, ok := h.jobFromPath(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, model.JobDetail{
		Job:    job,
		Stages: h.store.StagesByJob(job.ID),
		Files:  h.store.FilesByJob(job.ID),
	})
}

// HandleGetResults handles GET /api/results/{jobId}. Jobs that have not
// completed have no results and report not found.
func (h *Handlers) HandleGetResults(w http.ResponseWriter, r *http.Request) {
	job, ok := h.jobFromPath(w, r)
	if !ok {
		return
	}
	if job.Results == nil {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "results not available")
		return
	}
	writeJSON(w, http.StatusOK, job.Results)
}

// HandleGetPhylogeny handles GET /api/jobs/{id}/phylogeny. When no tree
// artifact exists (job unfinished, simulated run, malformed file) the
// dashboard still expects a renderable payload, so an empty root is
// returned instead of an error.
func (h *Handlers) HandleGetPhylogeny(w http.ResponseWriter, r *http.Request) {
	job, ok := h.jobFromPath(w, r)
	if !ok {
		return
	}
	if tree, found := h.runner.PhyloTree(job.ID); found {
		writeJSON(w, http.StatusOK, tree)
		return
	}
	// Children must serialize as [] here, not be omitted.
	writeJSON(w, http.StatusOK, map[string]any{
		"name":     "root",
		"children": []model.PhyloNode{},
	})
}

// HandleDownload handles GET /api/jobs/{id}/download/{type}. The type is
// validated before any store or filesystem access.
func (h *Handlers) HandleDownload(w http.ResponseWriter, r *http.Request) {
	typ := r.PathValue("type")
	if !pipeline.IsDownloadType(typ) {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeUnsupportedType, "unsupported download type")
		return
	}

	job, ok := h.jobFromPath(w, r)
	if !ok {
		return
	}
	artifact, err := h.runner.RenderDownload(job, typ)
	if err != nil {
		if errors.Is(err, pipeline.ErrResultsUnavailable) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "results not available")
			return
		}
		h.logger.Error("download render failed", "job_id", job.ID, "type", typ, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "internal server error")
		return
	}

	w.Header().Set("Content-Type", artifact.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", artifact.Filename))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(artifact.Content)
}

// HandleCreateJob handles POST /api/jobs: a multipart upload with one or
// more sequence files plus analysis parameters. The created job is returned
// immediately and the pipeline runs asynchronously.
func (h *Handlers) HandleCreateJob(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid multipart request")
		return
	}
	defer func() {
		_ = r.MultipartForm.RemoveAll()
	}()

	uploads := r.MultipartForm.File["files"]
	if len(uploads) == 0 {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "no files uploaded")
		return
	}

	params, err := parseJobParameters(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	name := strings.TrimSpace(r.FormValue("name"))
	if name == "" {
		name = "eDNA Analysis " + time.Now().UTC().Format("2006-01-02 15:04")
	}

	fileNames := make([]string, len(uploads))
	for i, f := range uploads {
		fileNames[i] = f.Filename
	}

	job, err := h.store.CreateJob(name, fileNames, params)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	if err := h.persistUploads(job.ID, uploads); err != nil {
		h.logger.Error("persisting uploads failed", "job_id", job.ID, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "internal server error")
		return
	}

	if err := h.runner.Prepare(job.ID); err != nil {
		h.logger.Error("preparing job stages failed", "job_id", job.ID, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "internal server error")
		return
	}
	h.runner.Launch(job.ID)

	h.logger.Info("job created",
		"job_id", job.ID,
		"name", job.Name,
		"files", len(uploads),
		"request_id", RequestIDFromContext(r.Context()),
	)
	writeJSON(w, http.StatusCreated, job)
}

// parseJobParameters reads analysis parameters from the upload form,
// applying defaults for absent fields and rejecting malformed values.
func parseJobParameters(r *http.Request) (model.JobParameters, error) {
	p := model.JobParameters{
		MinSequenceLength: defaultMinSequenceLength,
		MaxSequenceLength: defaultMaxSequenceLength,
		ClusteringMethod:  defaultClusteringMethod,
	}

	var err error
	if v := r.FormValue("minSequenceLength"); v != "" {
		if p.MinSequenceLength, err = strconv.Atoi(v); err != nil {
			return p, fmt.Errorf("minSequenceLength must be a number")
		}
	}
	if v := r.FormValue("maxSequenceLength"); v != "" {
		if p.MaxSequenceLength, err = strconv.Atoi(v); err != nil {
			return p, fmt.Errorf("maxSequenceLength must be a number")
		}
	}
	if v := r.FormValue("clusteringMethod"); v != "" {
		p.ClusteringMethod = v
	}
	if v := r.FormValue("qualityFiltering"); v != "" {
		if p.QualityFiltering, err = strconv.ParseBool(v); err != nil {
			return p, fmt.Errorf("qualityFiltering must be a boolean")
		}
	}
	return p, p.Validate()
}

// persistUploads writes the uploaded files into the per-job uploads
// directory and records an UploadedFile row for each.
func (h *Handlers) persistUploads(jobID uuid.UUID, uploads []*multipart.FileHeader) error {
	dir := filepath.Join(h.uploadsDir, jobID.String())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create uploads dir: %w", err)
	}

	for i, fh := range uploads {
		stored := storedFilename(i, fh.Filename)
		path := filepath.Join(dir, stored)
		if err := saveUpload(fh, path); err != nil {
			return fmt.Errorf("save %s: %w", fh.Filename, err)
		}
		_, err := h.store.CreateUploadedFile(model.UploadedFile{
			Filename:     stored,
			OriginalName: fh.Filename,
			Size:         fh.Size,
			MimeType:     fh.Header.Get("Content-Type"),
			Path:         path,
			JobID:        jobID,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func saveUpload(fh *multipart.FileHeader, path string) error {
	src, err := fh.Open()
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(path)
	if err != nil {
		return err
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return err
	}
	return dst.Close()
}

// storedFilename produces a sanitized, collision-proof on-disk name.
// Client-supplied names never become paths: only the base name survives and
// an index prefix keeps duplicate uploads apart.
func storedFilename(index int, original string) string {
	base := filepath.Base(filepath.Clean(original))
	if base == "." || base == string(filepath.Separator) || base == "" {
		base = "upload"
	}
	base = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, base)
	return fmt.Sprintf("%d_%s", index, base)
}

// jobFromPath resolves the {id} path segment to a job, writing a 404 when
// the segment is not a UUID or names no known job.
func (h *Handlers) jobFromPath(w http.ResponseWriter, r *http.Request) (model.Job, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "job not found")
		return model.Job{}, false
	}
	job, err := h.store.Job(id)
	if err != nil {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "job not found")
		return model.Job{}, false
	}
	return job, true
}
