package pipeline

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/deepsea-ai/nereid/internal/model"
)

// ErrUnsupportedType is returned for download types outside the allow-list.
var ErrUnsupportedType = errors.New("pipeline: unsupported download type")

// ErrResultsUnavailable is returned when a download is requested for a
// job that has no results yet.
var ErrResultsUnavailable = errors.New("pipeline: results not available")

// Download types the API accepts.
const (
	DownloadAbundance = "abundance"
	DownloadTaxonomy  = "taxonomy"
	DownloadReport    = "report"
)

// IsDownloadType reports whether typ is in the download allow-list.
// Handlers check this before touching the store or the filesystem.
func IsDownloadType(typ string) bool {
	switch typ {
	case DownloadAbundance, DownloadTaxonomy, DownloadReport:
		return true
	}
	return false
}

// Artifact is a rendered download payload.
type Artifact struct {
	Filename    string
	ContentType string
	Content     []byte
}

// RenderDownload produces the requested artifact for a completed job.
// When the external pipeline's manifest names a real file for the type,
// that file is served; otherwise the artifact is rendered from the job's
// in-memory results.
func (r *Runner) RenderDownload(job model.Job, typ string) (Artifact, error) {
	if !IsDownloadType(typ) {
		return Artifact{}, ErrUnsupportedType
	}
	if job.Results == nil {
		return Artifact{}, ErrResultsUnavailable
	}

	if a, ok := r.manifestDownload(job, typ); ok {
		return a, nil
	}

	switch typ {
	case DownloadAbundance:
		return renderAbundanceCSV(job)
	case DownloadTaxonomy:
		return renderTaxonomyCSV(job)
	default:
		return renderReport(job)
	}
}

// manifestDownload serves the real pipeline artifact when one exists.
func (r *Runner) manifestDownload(job model.Job, typ string) (Artifact, bool) {
	if r.cfg.ArtifactRoot == "" {
		return Artifact{}, false
	}
	m, err := LoadManifest(r.cfg.ArtifactRoot, job.ID)
	if err != nil {
		return Artifact{}, false
	}

	var rel, contentType string
	switch typ {
	case DownloadAbundance:
		rel, contentType = m.Abundance, "text/csv"
	case DownloadTaxonomy:
		rel, contentType = m.Taxonomy, "text/csv"
	default:
		return Artifact{}, false // reports are always rendered
	}
	if rel == "" {
		return Artifact{}, false
	}

	path, err := resolveArtifact(r.jobDir(job.ID), rel)
	if err != nil {
		r.logger.Warn("download: rejected artifact path", "job_id", job.ID, "type", typ, "error", err)
		return Artifact{}, false
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return Artifact{}, false
	}
	return Artifact{
		Filename:    filepath.Base(path),
		ContentType: contentType,
		Content:     content,
	}, true
}

func renderAbundanceCSV(job model.Job) (Artifact, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	_ = w.Write([]string{"species", "abundance"})
	for _, t := range job.Results.TaxonomicDistribution {
		_ = w.Write([]string{t.Species, formatFloat(t.Abundance)})
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return Artifact{}, fmt.Errorf("render abundance csv: %w", err)
	}
	return Artifact{
		Filename:    "abundance.csv",
		ContentType: "text/csv",
		Content:     buf.Bytes(),
	}, nil
}

func renderTaxonomyCSV(job model.Job) (Artifact, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	_ = w.Write([]string{"kingdom", "phylum", "class", "family", "genus", "species", "abundance", "confidence"})
	for _, t := range job.Results.TaxonomicDistribution {
		_ = w.Write([]string{
			t.Kingdom, t.Phylum, t.Class, t.Family, t.Genus, t.Species,
			formatFloat(t.Abundance), formatFloat(t.Confidence),
		})
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return Artifact{}, fmt.Errorf("render taxonomy csv: %w", err)
	}
	return Artifact{
		Filename:    "taxonomy.csv",
		ContentType: "text/csv",
		Content:     buf.Bytes(),
	}, nil
}

func renderReport(job model.Job) (Artifact, error) {
	m := job.Results.DiversityMetrics
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "Biodiversity Analysis Report\n")
	fmt.Fprintf(&buf, "============================\n\n")
	fmt.Fprintf(&buf, "Job:              %s\n", job.Name)
	fmt.Fprintf(&buf, "Job ID:           %s\n", job.ID)
	if job.CompletedAt != nil {
		fmt.Fprintf(&buf, "Completed:        %s\n", job.CompletedAt.Format("2006-01-02 15:04:05 UTC"))
	}
	fmt.Fprintf(&buf, "Input files:      %d\n\n", len(job.UploadedFiles))
	fmt.Fprintf(&buf, "Shannon index:    %.4f\n", m.ShannonIndex)
	fmt.Fprintf(&buf, "Simpson index:    %.4f\n", m.SimpsonIndex)
	fmt.Fprintf(&buf, "Species richness: %d\n", m.SpeciesRichness)
	fmt.Fprintf(&buf, "Novel taxa:       %d\n\n", m.NovelTaxa)
	fmt.Fprintf(&buf, "Taxa detected:\n")
	for _, t := range job.Results.TaxonomicDistribution {
		fmt.Fprintf(&buf, "  %-40s abundance=%.4f confidence=%.2f\n", t.Species, t.Abundance, t.Confidence)
	}
	return Artifact{
		Filename:    "report.txt",
		ContentType: "text/plain; charset=utf-8",
		Content:     buf.Bytes(),
	}, nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
