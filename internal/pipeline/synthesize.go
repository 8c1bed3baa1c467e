package pipeline

import (
	"math"
	"math/rand/v2"

	"github.com/deepsea-ai/nereid/internal/model"
)

// referenceTaxa is the lineage table the synthesizer draws from: deep-sea
// taxa commonly recovered from eDNA surveys. Matches the reference set the
// taxonomy assignment script falls back to without a BLAST database.
var referenceTaxa = []model.TaxonRecord{
	{Kingdom: "Animalia", Phylum: "Cnidaria", Class: "Anthozoa", Family: "Actiniidae", Genus: "Bolocera", Species: "Bolocera tuediae"},
	{Kingdom: "Animalia", Phylum: "Echinodermata", Class: "Holothuroidea", Family: "Elpidiidae", Genus: "Peniagone", Species: "Peniagone vitrea"},
	{Kingdom: "Animalia", Phylum: "Annelida", Class: "Polychaeta", Family: "Siboglinidae", Genus: "Riftia", Species: "Riftia pachyptila"},
	{Kingdom: "Animalia", Phylum: "Mollusca", Class: "Cephalopoda", Family: "Opisthoteuthidae", Genus: "Opisthoteuthis", Species: "Opisthoteuthis californiana"},
	{Kingdom: "Animalia", Phylum: "Arthropoda", Class: "Malacostraca", Family: "Alvinocarididae", Genus: "Rimicaris", Species: "Rimicaris exoculata"},
	{Kingdom: "Animalia", Phylum: "Chordata", Class: "Actinopterygii", Family: "Macrouridae", Genus: "Coryphaenoides", Species: "Coryphaenoides armatus"},
	{Kingdom: "Animalia", Phylum: "Porifera", Class: "Hexactinellida", Family: "Euplectellidae", Genus: "Euplectella", Species: "Euplectella aspergillum"},
	{Kingdom: "Animalia", Phylum: "Chordata", Class: "Actinopterygii", Family: "Liparidae", Genus: "Pseudoliparis", Species: "Pseudoliparis swirei"},
	{Kingdom: "Bacteria", Phylum: "Proteobacteria", Class: "Gammaproteobacteria", Family: "Thiotrichaceae", Genus: "Beggiatoa", Species: "Beggiatoa alba"},
	{Kingdom: "Archaea", Phylum: "Euryarchaeota", Class: "Methanococci", Family: "Methanocaldococcaceae", Genus: "Methanocaldococcus", Species: "Methanocaldococcus jannaschii"},
	{Kingdom: "Animalia", Phylum: "Mollusca", Class: "Bivalvia", Family: "Vesicomyidae", Genus: "Calyptogena", Species: "Calyptogena magnifica"},
	{Kingdom: "Animalia", Phylum: "Echinodermata", Class: "Asteroidea", Family: "Freyellidae", Genus: "Freyella", Species: "Freyella elegans"},
}

// novelConfidenceCutoff: assignments below it count as putative novel taxa,
// standing in for the "partial sequence" heuristic of the real analysis.
const novelConfidenceCutoff = 0.75

// SynthesizeResults fabricates a plausible results payload for jobs with
// no real artifact set. degraded substitutes the reduced payload used
// when the masking policy swallows a failure: fewer taxa, no novelty.
func SynthesizeResults(degraded bool) model.Results {
	taxa := append([]model.TaxonRecord(nil), referenceTaxa...)
	rand.Shuffle(len(taxa), func(i, j int) { taxa[i], taxa[j] = taxa[j], taxa[i] })

	count := 6 + rand.IntN(len(taxa)-5)
	if degraded {
		count = 3
	}
	taxa = taxa[:count]

	// Draw raw weights, then normalize so abundances sum to 1.
	total := 0.0
	weights := make([]float64, count)
	for i := range weights {
		weights[i] = 0.2 + rand.Float64()
		total += weights[i]
	}

	novel := 0
	for i := range taxa {
		taxa[i].Abundance = round4(weights[i] / total)
		if degraded {
			taxa[i].Confidence = 0.8
		} else {
			taxa[i].Confidence = round4(0.55 + rand.Float64()*0.44)
		}
		if taxa[i].Confidence < novelConfidenceCutoff {
			novel++
		}
	}

	// Shannon and Simpson from the generated proportions, same formulas
	// as the biodiversity analysis script.
	shannon, simpson := 0.0, 0.0
	for _, t := range taxa {
		if t.Abundance > 0 {
			shannon -= t.Abundance * math.Log(t.Abundance)
		}
		simpson += t.Abundance * t.Abundance
	}

	return model.Results{
		DiversityMetrics: model.DiversityMetrics{
			ShannonIndex:    round4(shannon),
			SimpsonIndex:    round4(simpson),
			SpeciesRichness: count,
			NovelTaxa:       novel,
		},
		TaxonomicDistribution: taxa,
	}
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
