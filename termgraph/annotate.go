// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package termgraph

import (
	"sort"

	"github.com/grailbio/base/log"
	"github.com/grailbio/cellgraph/aggregation"
	"github.com/grailbio/cellgraph/ontology"
	"github.com/grailbio/cellgraph/report"
)

// Node is an annotated copy of a term.
type Node struct {
	*ontology.Term
	// NCells is the number of (cell, term column) pairs labelled with the
	// term.
	NCells int64
	// Genes are the top-ranked marker genes of the term's group.
	Genes []string
}

// Doc returns the graph document form of the node.
func (n *Node) Doc() *report.Term {
	return &report.Term{
		Label:        n.Label,
		Deprecated:   n.Deprecated,
		Parents:      n.Links[ontology.Parents],
		PartOf:       n.Links[ontology.PartOf],
		HavePart:     n.Links[ontology.HavePart],
		DerivesFrom:  n.Links[ontology.DerivesFrom],
		DevelopsFrom: n.Links[ontology.DevelopsFrom],
		Synonyms:     n.Synonyms,
		NCells:       n.NCells,
		Genes:        n.Genes,
	}
}

// InUse maps an ontology name and a term id to the annotated term.
type InUse map[string]map[ontology.TermID]*Node

// Lookup finds a node by id. Ontology names are term id prefixes.
func (u InUse) Lookup(id ontology.TermID) (*Node, bool) {
	n, ok := u[id.Prefix()][id]
	return n, ok
}

// Len returns the total number of nodes.
func (u InUse) Len() int {
	n := 0
	for _, nodes := range u {
		n += len(nodes)
	}
	return n
}

// Doc returns the graph document form of u.
func (u InUse) Doc() map[string]map[ontology.TermID]*report.Term {
	doc := make(map[string]map[ontology.TermID]*report.Term, len(u))
	for name, nodes := range u {
		terms := make(map[ontology.TermID]*report.Term, len(nodes))
		for id, n := range nodes {
			terms[id] = n.Doc()
		}
		doc[name] = terms
	}
	return doc
}

// Annotate adds dataset statistics to the nodes of u:
//
//   - NCells counts, over every term column, the cells labelled with the term.
//   - For each (cell type, tissue) pair that occurs in obs, the tissue is
//     added to the cell type's part_of links when both are in u.
//   - Marker genes from rankings are attached to cell type and tissue terms.
//
// Values that are not nodes of u, such as sentinels, are ignored.
func Annotate(u InUse, obs *aggregation.ObsTable, rankings report.Rankings, opts Opts) {
	for _, col := range aggregation.TermColumns {
		values, ok := obs.Column(col)
		if !ok {
			continue
		}
		counts := map[string]int64{}
		for _, v := range values {
			counts[v]++
		}
		for v, c := range counts {
			if n, ok := u.Lookup(ontology.TermID(v)); ok {
				n.NCells += c
			}
		}
	}

	cellTypes, ok1 := obs.Column(opts.CellTypeColumn)
	tissues, ok2 := obs.Column(opts.TissueColumn)
	if ok1 && ok2 {
		type pair struct{ cellType, tissue ontology.TermID }
		seen := map[pair]bool{}
		for i := range cellTypes {
			p := pair{ontology.TermID(cellTypes[i]), ontology.TermID(tissues[i])}
			if seen[p] {
				continue
			}
			seen[p] = true
			if p.cellType.Prefix() != opts.CellTypeOntology || p.tissue.Prefix() != opts.TissueOntology {
				continue
			}
			ct, ok := u.Lookup(p.cellType)
			if !ok {
				continue
			}
			if _, ok := u.Lookup(p.tissue); !ok {
				continue
			}
			ct.Links[ontology.PartOf] = append(ct.Links[ontology.PartOf], p.tissue)
		}
	}

	for _, target := range []struct{ ontology, column string }{
		{opts.CellTypeOntology, opts.CellTypeColumn},
		{opts.TissueOntology, opts.TissueColumn},
	} {
		groups, ok := rankings[target.column]
		if !ok {
			log.Printf("rankings have no grouping %s, skipping marker genes for %s", target.column, target.ontology)
			continue
		}
		labels := make([]string, 0, len(groups))
		for label := range groups {
			labels = append(labels, label)
		}
		sort.Strings(labels)
		for _, label := range labels {
			n, ok := u[target.ontology][ontology.TermID(label)]
			if !ok {
				log.Printf("rankings of %s: unknown term %s", target.column, label)
				continue
			}
			n.Genes = append([]string(nil), groups[label].Genes...)
		}
	}
}

// Cleanup sorts the links and synonyms of every node and removes
// duplicates.
func Cleanup(u InUse) {
	for _, nodes := range u {
		for _, n := range nodes {
			for k := range n.Links {
				n.Links[k] = uniqueIDs(n.Links[k])
			}
			n.Synonyms = uniqueStrings(n.Synonyms)
		}
	}
}

func uniqueIDs(ids []ontology.TermID) []ontology.TermID {
	if len(ids) == 0 {
		return nil
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	n := 1
	for i := 1; i < len(ids); i++ {
		if ids[i] != ids[n-1] {
			ids[n] = ids[i]
			n++
		}
	}
	return ids[:n]
}

func uniqueStrings(s []string) []string {
	if len(s) == 0 {
		return nil
	}
	sort.Strings(s)
	n := 1
	for i := 1; i < len(s); i++ {
		if s[i] != s[n-1] {
			s[n] = s[i]
			n++
		}
	}
	return s[:n]
}
