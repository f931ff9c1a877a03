// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package termgraph

import (
	"sort"

	"github.com/grailbio/base/log"
	"github.com/grailbio/cellgraph/aggregation"
	"github.com/grailbio/cellgraph/ontology"
)

// TermSet is a set of term ids.
type TermSet map[ontology.TermID]bool

// Sorted returns the members of the set in ascending order.
func (s TermSet) Sorted() []ontology.TermID {
	ids := make([]ontology.TermID, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Clone returns a copy of the set.
func (s TermSet) Clone() TermSet {
	c := make(TermSet, len(s))
	for id := range s {
		c[id] = true
	}
	return c
}

// SeedTerms computes the terms the dataset uses directly, and the seeds of
// the closure: the direct terms plus every term of opts.SeedOntologies.
//
// Obs values listed in opts.Sentinels are dropped silently. Values that are
// not terms of m are dropped with a warning. When opts.FilterNonHuman is set,
// deprecated and non-human terms of opts.FilterOntologies are not added as
// seeds, though they stay in direct if the dataset uses them.
func SeedTerms(m *ontology.Master, obs *aggregation.ObsTable, opts Opts) (direct, seeds TermSet) {
	direct = TermSet{}
	unknown := TermSet{}
	for _, col := range aggregation.TermColumns {
		values, ok := obs.Column(col)
		if !ok {
			continue
		}
		for _, v := range values {
			if contains(opts.Sentinels, v) {
				continue
			}
			id := ontology.TermID(v)
			if direct[id] || unknown[id] {
				continue
			}
			if _, ok := m.Lookup(id); ok {
				direct[id] = true
			} else {
				unknown[id] = true
			}
		}
	}
	if len(unknown) > 0 {
		log.Error.Printf("WARNING: dataset contains %d unknown ontology terms: %v", len(unknown), unknown.Sorted())
	}

	seeds = direct.Clone()
	for _, name := range opts.SeedOntologies {
		ont, ok := m.Ontology(name)
		if !ok {
			log.Error.Printf("seed ontology %s is not loaded", name)
			continue
		}
		filter := opts.FilterNonHuman && contains(opts.FilterOntologies, name)
		for id, t := range ont {
			if filter && (t.Deprecated || opts.NonHuman.NonHuman(t)) {
				continue
			}
			seeds[id] = true
		}
	}
	return direct, seeds
}

// Closure returns the smallest superset of seeds that contains every target
// of every link, of every kind, from a member. Link targets that g does not
// define are left out and logged once each. Closure does not modify seeds.
func Closure(g ontology.Graph, seeds TermSet) TermSet {
	inUse := seeds.Clone()
	queue := seeds.Sorted()
	dangling := TermSet{}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for kind := ontology.LinkKind(0); kind < ontology.NumLinkKinds; kind++ {
			for _, target := range g.Links(id, kind) {
				if inUse[target] || dangling[target] {
					continue
				}
				if _, ok := g.Lookup(target); !ok {
					dangling[target] = true
					log.Printf("term %s: %s target %s is not in any loaded ontology", id, kind, target)
					continue
				}
				inUse[target] = true
				queue = append(queue, target)
			}
		}
	}
	return inUse
}

// Subgraph copies the terms of m that are in terms. The copies are private,
// so annotating them leaves m unchanged. Every ontology of m has an entry,
// possibly empty.
func Subgraph(m *ontology.Master, terms TermSet) InUse {
	inUse := make(InUse, len(m.Names()))
	for _, name := range m.Names() {
		ont, _ := m.Ontology(name)
		nodes := map[ontology.TermID]*Node{}
		for id, t := range ont {
			if terms[id] {
				nodes[id] = &Node{Term: t.Clone()}
			}
		}
		inUse[name] = nodes
	}
	return inUse
}
