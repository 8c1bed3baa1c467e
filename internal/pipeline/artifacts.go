package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/deepsea-ai/nereid/internal/model"
)

// ErrNoManifest means the external pipeline left no artifact set for the
// job. This is the normal path when no real pipeline is attached.
var ErrNoManifest = errors.New("pipeline: no manifest")

// manifestName is the one known per-job location the external pipeline
// writes on completion, naming its own output paths. The core reads only
// this file instead of scanning the directory tree.
const manifestName = "manifest.json"

// Manifest is the versioned artifact index the external pipeline writes
// at <artifact-root>/<job-id>/manifest.json. All paths are relative to
// the job directory.
type Manifest struct {
	Version      int    `json:"version"`
	Abundance    string `json:"abundance"`    // abundance CSV
	Taxonomy     string `json:"taxonomy"`     // taxonomy assignments CSV
	Biodiversity string `json:"biodiversity"` // biodiversity metrics JSON
	Tree         string `json:"tree"`         // phylogenetic tree JSON
}

// LoadManifest reads and validates the job's manifest.
func LoadManifest(root string, jobID uuid.UUID) (Manifest, error) {
	path := filepath.Join(root, jobID.String(), manifestName)
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Manifest{}, ErrNoManifest
		}
		return Manifest{}, fmt.Errorf("manifest: read %s: %w", path, err)
	}

	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return Manifest{}, fmt.Errorf("manifest: parse %s: %w", path, err)
	}
	if m.Version != 1 {
		return Manifest{}, fmt.Errorf("manifest: %s: unsupported version %d", path, m.Version)
	}
	return m, nil
}

func (r *Runner) jobDir(jobID uuid.UUID) string {
	return filepath.Join(r.cfg.ArtifactRoot, jobID.String())
}

// resolveArtifact joins a manifest-relative path against the job
// directory and confirms the result stays inside it. Manifest entries
// that escape the job directory are rejected outright.
func resolveArtifact(jobDir, rel string) (string, error) {
	if rel == "" {
		return "", fmt.Errorf("artifact: empty path")
	}
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("artifact: absolute path %q not allowed", rel)
	}

	base := filepath.Clean(jobDir)
	resolved := filepath.Clean(filepath.Join(base, rel))
	if resolved != base && !strings.HasPrefix(resolved, base+string(filepath.Separator)) {
		return "", fmt.Errorf("artifact: path %q escapes job directory", rel)
	}
	return resolved, nil
}

// loadResultsArtifact reads a biodiversity JSON artifact into Results.
func loadResultsArtifact(jobDir, rel string) (model.Results, error) {
	path, err := resolveArtifact(jobDir, rel)
	if err != nil {
		return model.Results{}, err
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return model.Results{}, fmt.Errorf("artifact: read %s: %w", path, err)
	}

	var results model.Results
	if err := json.Unmarshal(raw, &results); err != nil {
		return model.Results{}, fmt.Errorf("artifact: parse %s: %w", path, err)
	}
	if len(results.TaxonomicDistribution) == 0 {
		return model.Results{}, fmt.Errorf("artifact: %s has an empty taxonomic distribution", path)
	}
	return results, nil
}

// PhyloTree returns the job's phylogenetic tree from the artifact set,
// or false when no tree artifact exists (callers serve the empty-root
// fallback). Malformed trees are treated as absent: the tree is a
// derived visualization, never worth failing a request over.
func (r *Runner) PhyloTree(jobID uuid.UUID) (model.PhyloNode, bool) {
	if r.cfg.ArtifactRoot == "" {
		return model.PhyloNode{}, false
	}
	m, err := LoadManifest(r.cfg.ArtifactRoot, jobID)
	if err != nil || m.Tree == "" {
		return model.PhyloNode{}, false
	}

	path, err := resolveArtifact(r.jobDir(jobID), m.Tree)
	if err != nil {
		r.logger.Warn("phylogeny: rejected tree path", "job_id", jobID, "error", err)
		return model.PhyloNode{}, false
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return model.PhyloNode{}, false
	}

	var tree model.PhyloNode
	if err := json.Unmarshal(raw, &tree); err != nil {
		r.logger.Warn("phylogeny: malformed tree artifact", "job_id", jobID, "error", err)
		return model.PhyloNode{}, false
	}
	if tree.Name == "" {
		return model.PhyloNode{}, false
	}
	return tree, true
}
