package model

// DiversityMetrics summarizes community-level biodiversity indices
// computed from the taxonomy assignment output.
type DiversityMetrics struct {
	ShannonIndex    float64 `json:"shannonIndex"`
	SimpsonIndex    float64 `json:"simpsonIndex"`
	SpeciesRichness int     `json:"speciesRichness"`
	NovelTaxa       int     `json:"novelTaxa"`
}

// TaxonRecord is one row of the taxonomic distribution table: a full
// seven-rank lineage with its relative abundance and assignment confidence.
type TaxonRecord struct {
	Kingdom    string  `json:"kingdom"`
	Phylum     string  `json:"phylum"`
	Class      string  `json:"class"`
	Family     string  `json:"family"`
	Genus      string  `json:"genus"`
	Species    string  `json:"species"`
	Abundance  float64 `json:"abundance"`
	Confidence float64 `json:"confidence"` // 0..1
}

// Results is the analysis payload attached to a job on completion.
// Never partially populated: either nil or fully populated.
type Results struct {
	DiversityMetrics      DiversityMetrics `json:"diversityMetrics"`
	TaxonomicDistribution []TaxonRecord    `json:"taxonomicDistribution"`
}

// PhyloNode is one node of the phylogenetic tree rendered by the dashboard.
type PhyloNode struct {
	Name     string      `json:"name"`
	Children []PhyloNode `json:"children,omitempty"`
}
