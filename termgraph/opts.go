// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package termgraph

import (
	"strings"

	"github.com/grailbio/cellgraph/ontology"
)

// HomoSapiens is the NCBI taxon id of human.
const HomoSapiens = ontology.TermID("NCBITaxon:9606")

// NonHumanFilter decides whether a term describes something that does not
// occur in humans. A term is non-human if any of the rules match. The
// default rule lists are known to be incomplete.
type NonHumanFilter struct {
	// LabelSuffixes match the end of the lower-cased label.
	LabelSuffixes []string
	// LabelSubstrings match anywhere in the lower-cased label.
	LabelSubstrings []string
	// CheckTaxon marks terms whose only_in_taxon restriction is non-empty and
	// does not include HomoSapiens.
	CheckTaxon bool
}

// DefaultNonHumanFilter is the default value of NonHumanFilter.
var DefaultNonHumanFilter = NonHumanFilter{
	LabelSuffixes: []string{
		"(mus musculus)",
		"(sensu nematoda and protostomia)",
		"(sensu endopterygota)",
		"(sensu fungi)",
		"(sensu viridiplantae)",
		"(sensu arthropoda)",
		"(sensu arthopoda)", // sic; the misspelling occurs in CL.
		"(sensu mus)",
		"(sensu nematoda)",
		"(sensu diptera)",
		"(sensu mycetozoa)",
	},
	LabelSubstrings: []string{"spore", "sporocyte", "conidium", "fungal", "fungi"},
	CheckTaxon:      true,
}

// NonHuman reports whether the term matches the filter.
func (f *NonHumanFilter) NonHuman(t *ontology.Term) bool {
	label := strings.ToLower(t.Label)
	for _, s := range f.LabelSuffixes {
		if strings.HasSuffix(label, s) {
			return true
		}
	}
	for _, s := range f.LabelSubstrings {
		if strings.Contains(label, s) {
			return true
		}
	}
	if f.CheckTaxon && len(t.OnlyInTaxon) > 0 {
		for _, taxon := range t.OnlyInTaxon {
			if taxon == HomoSapiens {
				return false
			}
		}
		return true
	}
	return false
}

// Opts controls seed selection and annotation.
type Opts struct {
	// SeedOntologies are included in full in the closure seeds, whether the
	// dataset uses their terms or not.
	SeedOntologies []string
	// FilterNonHuman removes deprecated and non-human terms of
	// FilterOntologies from the seeds.
	FilterNonHuman bool
	// FilterOntologies lists the ontologies FilterNonHuman applies to.
	FilterOntologies []string
	// NonHuman is the non-human predicate.
	NonHuman NonHumanFilter
	// Sentinels are obs values that stand for "no term" and are dropped
	// silently.
	Sentinels []string
	// CellTypeColumn and TissueColumn hold the cell type and tissue of a
	// cell. They drive co-occurrence links and marker genes.
	CellTypeColumn, TissueColumn string
	// CellTypeOntology and TissueOntology name the ontologies of those
	// columns.
	CellTypeOntology, TissueOntology string
}

// DefaultOpts is the default value of Opts.
var DefaultOpts = Opts{
	SeedOntologies:   []string{"CL", "HANCESTRO", "HsapDv", "MmusDv"},
	FilterOntologies: []string{"CL", "UBERON"},
	NonHuman:         DefaultNonHumanFilter,
	Sentinels:        []string{"", "na", "unknown"},
	CellTypeColumn:   "cell_type_ontology_term_id",
	TissueColumn:     "tissue_ontology_term_id",
	CellTypeOntology: "CL",
	TissueOntology:   "UBERON",
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
