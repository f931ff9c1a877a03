// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package report defines the two documents produced from an aggregation, the
// annotated ontology graph and the per-group gene rankings, and reads and
// writes them.
package report

import (
	"github.com/grailbio/cellgraph/ontology"
)

// Term is one annotated term of the graph document. Empty fields are
// omitted.
type Term struct {
	Label        string            `json:"label,omitempty"`
	Deprecated   bool              `json:"deprecated,omitempty"`
	Parents      []ontology.TermID `json:"parents,omitempty"`
	PartOf       []ontology.TermID `json:"part_of,omitempty"`
	HavePart     []ontology.TermID `json:"have_part,omitempty"`
	DerivesFrom  []ontology.TermID `json:"derives_from,omitempty"`
	DevelopsFrom []ontology.TermID `json:"develops_from,omitempty"`
	Synonyms     []string          `json:"synonyms,omitempty"`
	NCells       int64             `json:"n_cells,omitempty"`
	Genes        []string          `json:"genes,omitempty"`
}

// Graph is the annotated in-use ontology document.
type Graph struct {
	// Dataset is the URI of the aggregation.
	Dataset string `json:"dataset"`
	// CreatedOn is an RFC3339 timestamp with the local time zone.
	CreatedOn string `json:"created_on"`
	// OwlInfo maps an ontology prefix to the URL it was loaded from.
	OwlInfo map[string]string `json:"owl_info"`
	// Fingerprints maps an ontology prefix to the hex farmhash of its source.
	Fingerprints map[string]string `json:"fingerprints,omitempty"`
	// Ontologies maps an ontology name and a term id to the term.
	Ontologies map[string]map[ontology.TermID]*Term `json:"ontologies"`
}

// GroupRanking lists the top genes of one group, ordered by descending
// score. All slices have the same length.
type GroupRanking struct {
	Genes    []string  `json:"genes"`
	Pvals    []float64 `json:"pvals"`
	PvalsAdj []float64 `json:"pvals_adj"`
	LFC      []float64 `json:"lfc"`
	Scores   []float64 `json:"scores"`
}

// Len returns the number of genes.
func (g *GroupRanking) Len() int { return len(g.Genes) }

// Rankings maps a grouping key (an obs column) and a group label to the
// ranking of that group.
type Rankings map[string]map[string]*GroupRanking
