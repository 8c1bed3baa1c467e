// Package pipeline drives a job through its ordered analysis stages.
//
// The real bioinformatics pipeline is an external script-based process;
// this package owns the job lifecycle around it: the state machine, the
// per-stage progress bookkeeping, artifact discovery via the per-job
// manifest, and the simulated stage runner used when no real pipeline is
// attached.
package pipeline

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// StageDef describes one pipeline stage: its display name and the
// simulated processing-latency window used by the built-in stage runner.
type StageDef struct {
	Name        string        `yaml:"name"`
	MinDuration time.Duration `yaml:"min_duration"`
	MaxDuration time.Duration `yaml:"max_duration"`
}

// DefaultStages returns the stage sequence of the DeepSea-AI pipeline:
// preprocess → tokenize → embed → cluster → assign taxonomy → analyze
// biodiversity → build the phylogenetic tree.
func DefaultStages() []StageDef {
	return []StageDef{
		{Name: "Sequence Preprocessing", MinDuration: 1 * time.Second, MaxDuration: 3 * time.Second},
		{Name: "K-mer Tokenization", MinDuration: 1 * time.Second, MaxDuration: 2 * time.Second},
		{Name: "Embedding Generation", MinDuration: 2 * time.Second, MaxDuration: 5 * time.Second},
		{Name: "VAE Clustering", MinDuration: 2 * time.Second, MaxDuration: 4 * time.Second},
		{Name: "Taxonomy Assignment", MinDuration: 2 * time.Second, MaxDuration: 4 * time.Second},
		{Name: "Biodiversity Analysis", MinDuration: 1 * time.Second, MaxDuration: 2 * time.Second},
		{Name: "Phylogenetic Tree Construction", MinDuration: 1 * time.Second, MaxDuration: 3 * time.Second},
	}
}

// stageConfigFile is the YAML shape of an external stage definition file.
type stageConfigFile struct {
	Stages []StageDef `yaml:"stages"`
}

// LoadStages reads stage definitions from a YAML file. Deployments that
// attach a differently-shaped external pipeline override the defaults
// this way instead of rebuilding.
func LoadStages(path string) ([]StageDef, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("stages: read %s: %w", path, err)
	}

	var f stageConfigFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("stages: parse %s: %w", path, err)
	}
	if len(f.Stages) == 0 {
		return nil, fmt.Errorf("stages: %s defines no stages", path)
	}
	for i, st := range f.Stages {
		if st.Name == "" {
			return nil, fmt.Errorf("stages: %s: stage %d has no name", path, i+1)
		}
		if st.MaxDuration < st.MinDuration {
			return nil, fmt.Errorf("stages: %s: stage %q max_duration below min_duration", path, st.Name)
		}
	}
	return f.Stages, nil
}
