package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deepsea-ai/nereid/internal/model"
	"github.com/deepsea-ai/nereid/internal/pipeline"
	"github.com/deepsea-ai/nereid/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testEnv struct {
	srv        *Server
	store      *store.Store
	uploadsDir string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := testLogger()
	st := store.New(logger)
	hub := NewHub(st, logger)

	stages := []pipeline.StageDef{
		{Name: "Sequence Preprocessing", MinDuration: time.Millisecond, MaxDuration: 2 * time.Millisecond},
		{Name: "Taxonomy Assignment", MinDuration: time.Millisecond, MaxDuration: 2 * time.Millisecond},
		{Name: "Biodiversity Analysis", MinDuration: time.Millisecond, MaxDuration: 2 * time.Millisecond},
	}
	runner := pipeline.New(context.Background(), st, hub, pipeline.Config{
		Stages: stages,
		Logger: logger,
	})

	uploadsDir := t.TempDir()
	srv := New(ServerConfig{
		Store:          st,
		Runner:         runner,
		Hub:            hub,
		Logger:         logger,
		Version:        "test",
		UploadsDir:     uploadsDir,
		MaxUploadBytes: 8 << 20,
	})
	return &testEnv{srv: srv, store: st, uploadsDir: uploadsDir}
}

func (e *testEnv) do(t *testing.T, method, path string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func uploadBody(t *testing.T, fields map[string]string, files map[string]string) (io.Reader, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for name, content := range files {
		fw, err := w.CreateFormFile("files", name)
		require.NoError(t, err)
		_, err = fw.Write([]byte(content))
		require.NoError(t, err)
	}
	for k, v := range fields {
		require.NoError(t, w.WriteField(k, v))
	}
	require.NoError(t, w.Close())
	return &buf, w.FormDataContentType()
}

func decodeInto[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func (e *testEnv) createJob(t *testing.T, fields map[string]string) model.Job {
	t.Helper()
	body, ct := uploadBody(t, fields, map[string]string{"sample.fasta": ">seq1\nACGTACGT\n"})
	rec := e.do(t, http.MethodPost, "/api/jobs", body, ct)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decodeInto[model.Job](t, rec)
}

func (e *testEnv) waitTerminal(t *testing.T, id uuid.UUID) model.Job {
	t.Helper()
	var job model.Job
	require.Eventually(t, func() bool {
		rec := e.do(t, http.MethodGet, "/api/jobs/"+id.String(), nil, "")
		if rec.Code != http.StatusOK {
			return false
		}
		detail := decodeInto[model.JobDetail](t, rec)
		job = detail.Job
		return job.Status.IsTerminal()
	}, 5*time.Second, 5*time.Millisecond)
	return job
}

func TestHealth(t *testing.T) {
	e := newTestEnv(t)
	rec := e.do(t, http.MethodGet, "/api/health", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)

	health := decodeInto[model.HealthResponse](t, rec)
	assert.Equal(t, "ok", health.Status)
	assert.False(t, health.Timestamp.IsZero())
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
}

func TestMiddlewareHeaders(t *testing.T) {
	e := newTestEnv(t)
	rec := e.do(t, http.MethodGet, "/api/health", nil, "")
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}

func TestCreateJobWithoutFiles(t *testing.T) {
	e := newTestEnv(t)
	body, ct := uploadBody(t, map[string]string{"name": "empty"}, nil)
	rec := e.do(t, http.MethodPost, "/api/jobs", body, ct)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	apiErr := decodeInto[model.APIError](t, rec)
	assert.Equal(t, model.ErrCodeInvalidInput, apiErr.Error.Code)
	assert.Equal(t, 0, e.store.JobCount(), "no job may be created on rejection")
}

func TestCreateJobBadParameters(t *testing.T) {
	e := newTestEnv(t)
	tests := []struct {
		name   string
		fields map[string]string
	}{
		{"non-numeric min", map[string]string{"minSequenceLength": "short"}},
		{"non-numeric max", map[string]string{"maxSequenceLength": "12.5x"}},
		{"max below min", map[string]string{"minSequenceLength": "500", "maxSequenceLength": "100"}},
		{"bad bool", map[string]string{"qualityFiltering": "maybe"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, ct := uploadBody(t, tt.fields, map[string]string{"a.fasta": ">s\nACGT\n"})
			rec := e.do(t, http.MethodPost, "/api/jobs", body, ct)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
	assert.Equal(t, 0, e.store.JobCount())
}

func TestCreateJobDefaults(t *testing.T) {
	e := newTestEnv(t)
	job := e.createJob(t, nil)

	assert.NotEqual(t, uuid.Nil, job.ID)
	assert.Contains(t, []model.JobStatus{model.JobStatusPending, model.JobStatusRunning}, job.Status)
	assert.Equal(t, defaultMinSequenceLength, job.Parameters.MinSequenceLength)
	assert.Equal(t, defaultMaxSequenceLength, job.Parameters.MaxSequenceLength)
	assert.Equal(t, defaultClusteringMethod, job.Parameters.ClusteringMethod)
	assert.NotEmpty(t, job.Name)
	assert.Equal(t, []string{"sample.fasta"}, job.UploadedFiles)
}

func TestCreateJobPersistsUploads(t *testing.T) {
	e := newTestEnv(t)
	job := e.createJob(t, map[string]string{"name": "Abyssal Plain 3"})

	files := e.store.FilesByJob(job.ID)
	require.Len(t, files, 1)
	assert.Equal(t, "sample.fasta", files[0].OriginalName)

	content, err := os.ReadFile(files[0].Path)
	require.NoError(t, err)
	assert.Contains(t, string(content), ">seq1")
	assert.Equal(t, filepath.Join(e.uploadsDir, job.ID.String()), filepath.Dir(files[0].Path))
}

func TestJobLifecycleEndToEnd(t *testing.T) {
	e := newTestEnv(t)
	created := e.createJob(t, map[string]string{"name": "Hadal Trench 7"})

	job := e.waitTerminal(t, created.ID)
	require.Equal(t, model.JobStatusCompleted, job.Status)
	assert.Equal(t, 100, job.Progress)
	require.NotNil(t, job.Results)
	require.NotNil(t, job.CompletedAt)

	rec := e.do(t, http.MethodGet, "/api/jobs/"+created.ID.String(), nil, "")
	detail := decodeInto[model.JobDetail](t, rec)
	require.Len(t, detail.Stages, 3)
	for i, st := range detail.Stages {
		assert.Equal(t, i+1, st.StageNumber)
		assert.Equal(t, model.JobStatusCompleted, st.Status)
	}

	rec = e.do(t, http.MethodGet, "/api/results/"+created.ID.String(), nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	results := decodeInto[model.Results](t, rec)
	assert.NotEmpty(t, results.TaxonomicDistribution)
}

func TestListJobsNewestFirstAndIdempotent(t *testing.T) {
	e := newTestEnv(t)
	first := e.createJob(t, map[string]string{"name": "first"})
	second := e.createJob(t, map[string]string{"name": "second"})

	rec := e.do(t, http.MethodGet, "/api/jobs", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	jobs := decodeInto[[]model.Job](t, rec)
	require.Len(t, jobs, 2)
	assert.Equal(t, second.ID, jobs[0].ID)
	assert.Equal(t, first.ID, jobs[1].ID)

	again := decodeInto[[]model.Job](t, e.do(t, http.MethodGet, "/api/jobs", nil, ""))
	require.Len(t, again, 2)
	assert.Equal(t, jobs[0].ID, again[0].ID)
	assert.Equal(t, jobs[1].ID, again[1].ID)
}

func TestGetJobNotFound(t *testing.T) {
	e := newTestEnv(t)

	rec := e.do(t, http.MethodGet, "/api/jobs/"+uuid.NewString(), nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = e.do(t, http.MethodGet, "/api/jobs/not-a-uuid", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestResultsBeforeCompletion(t *testing.T) {
	e := newTestEnv(t)
	job, err := e.store.CreateJob("stalled", []string{"a.fasta"}, model.JobParameters{
		MinSequenceLength: 100, MaxSequenceLength: 2000, ClusteringMethod: "vae",
	})
	require.NoError(t, err)

	rec := e.do(t, http.MethodGet, "/api/results/"+job.ID.String(), nil, "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	apiErr := decodeInto[model.APIError](t, rec)
	assert.Equal(t, model.ErrCodeNotFound, apiErr.Error.Code)
}

func TestDownloadUnsupportedType(t *testing.T) {
	e := newTestEnv(t)

	// Type is rejected before job lookup, so even a bogus ID gets 400.
	rec := e.do(t, http.MethodGet, "/api/jobs/"+uuid.NewString()+"/download/xyz", nil, "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	apiErr := decodeInto[model.APIError](t, rec)
	assert.Equal(t, model.ErrCodeUnsupportedType, apiErr.Error.Code)
}

func TestDownloadsForCompletedJob(t *testing.T) {
	e := newTestEnv(t)
	created := e.createJob(t, nil)
	e.waitTerminal(t, created.ID)

	for _, typ := range []string{"abundance", "taxonomy", "report"} {
		rec := e.do(t, http.MethodGet, "/api/jobs/"+created.ID.String()+"/download/"+typ, nil, "")
		require.Equal(t, http.StatusOK, rec.Code, typ)
		assert.Contains(t, rec.Header().Get("Content-Disposition"), "attachment")
		assert.NotEmpty(t, rec.Body.Bytes())
	}
}

func TestDownloadBeforeCompletion(t *testing.T) {
	e := newTestEnv(t)
	job, err := e.store.CreateJob("stalled", []string{"a.fasta"}, model.JobParameters{
		MinSequenceLength: 100, MaxSequenceLength: 2000, ClusteringMethod: "vae",
	})
	require.NoError(t, err)

	rec := e.do(t, http.MethodGet, "/api/jobs/"+job.ID.String()+"/download/abundance", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPhylogenyFallback(t *testing.T) {
	e := newTestEnv(t)
	created := e.createJob(t, nil)
	e.waitTerminal(t, created.ID)

	rec := e.do(t, http.MethodGet, "/api/jobs/"+created.ID.String()+"/phylogeny", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var tree struct {
		Name     string            `json:"name"`
		Children []model.PhyloNode `json:"children"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tree))
	assert.Equal(t, "root", tree.Name)
	assert.NotNil(t, tree.Children, "fallback must serialize children as []")
	assert.Empty(t, tree.Children)

	// The raw payload carries an explicit empty array.
	assert.Contains(t, rec.Body.String(), `"children":[]`)
}

func TestPhylogenyUnknownJob(t *testing.T) {
	e := newTestEnv(t)
	rec := e.do(t, http.MethodGet, "/api/jobs/"+uuid.NewString()+"/phylogeny", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWebSocketJobUpdates(t *testing.T) {
	e := newTestEnv(t)
	ts := httptest.NewServer(e.srv.Handler())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	if resp != nil {
		_ = resp.Body.Close()
	}

	created := e.createJob(t, map[string]string{"name": "ws watch"})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var sawCreated bool
	for {
		var event model.JobUpdateEvent
		require.NoError(t, conn.ReadJSON(&event), "update stream ended before completion")
		require.Equal(t, model.JobUpdateEventType, event.Type)
		if event.Data.Job.ID != created.ID {
			continue
		}
		sawCreated = true
		if event.Data.Job.Status == model.JobStatusCompleted {
			assert.Equal(t, 100, event.Data.Job.Progress)
			assert.NotNil(t, event.Data.Job.Results)
			require.NotEmpty(t, event.Data.Stages)
			break
		}
	}
	assert.True(t, sawCreated)
}

func TestRecoveryMiddleware(t *testing.T) {
	handler := recoveryMiddleware(testLogger(), http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/jobs", nil))

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	var apiErr model.APIError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &apiErr))
	assert.Equal(t, model.ErrCodeInternalError, apiErr.Error.Code)
	assert.Equal(t, "internal server error", apiErr.Error.Message)
}
